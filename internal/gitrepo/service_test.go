package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"flowsync/internal/flowchart"
)

func testDoc(t *testing.T, version int64, cards string) flowchart.Document {
	t.Helper()
	var doc flowchart.Document
	raw := fmt.Sprintf(`{"id":"fc_1","name":"checkout","cards":%s,"connections":[],"version":%d,"createdBy":"Avery"}`, cards, version)
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("decode test doc: %v", err)
	}
	return doc
}

func TestRecordHistoryAndRevision(t *testing.T) {
	svc := New(t.TempDir())

	first, err := svc.Record(testDoc(t, 1, `[{"id":"a","label":"Start"}]`), "Avery", "")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if first.Version != 1 || first.Message != "Save version 1" || len(first.ShortHash) != 7 {
		t.Fatalf("unexpected first revision: %+v", first)
	}

	second, err := svc.Record(testDoc(t, 4, `[{"id":"a","label":"Begin"},{"id":"b"}]`), "Avery", "Rename start")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	history, err := svc.History("fc_1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(history))
	}
	if history[0].Hash != second.Hash || history[1].Hash != first.Hash {
		t.Fatalf("history not newest first: %+v", history)
	}
	if history[0].Author != "Avery" {
		t.Fatalf("unexpected author %q", history[0].Author)
	}

	limited, err := svc.History("fc_1", 1)
	if err != nil {
		t.Fatalf("History(limit) error = %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}

	doc, rev, changes, err := svc.Revision("fc_1", second.ShortHash)
	if err != nil {
		t.Fatalf("Revision() error = %v", err)
	}
	if rev.Hash != second.Hash || doc.Version != 4 || len(doc.Cards) != 2 {
		t.Fatalf("unexpected revision: rev=%+v doc=%+v", rev, doc)
	}
	want := []Change{
		{Target: flowchart.TargetCard, ID: "a", Kind: ChangeUpdated},
		{Target: flowchart.TargetCard, ID: "b", Kind: ChangeAdded},
	}
	if fmt.Sprint(changes) != fmt.Sprint(want) {
		t.Fatalf("changes = %+v, want %+v", changes, want)
	}

	_, _, initial, err := svc.Revision("fc_1", first.Hash)
	if err != nil {
		t.Fatalf("Revision(first) error = %v", err)
	}
	if len(initial) != 1 || initial[0].Kind != ChangeAdded {
		t.Fatalf("root revision should diff against empty: %+v", initial)
	}
}

func TestRecordUnchangedContentReturnsHead(t *testing.T) {
	svc := New(t.TempDir())
	first, err := svc.Record(testDoc(t, 1, `[{"id":"a"}]`), "Avery", "")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	again, err := svc.Record(testDoc(t, 1, `[{"id":"a"}]`), "Avery", "")
	if err != nil {
		t.Fatalf("Record() repeat error = %v", err)
	}
	if again.Hash != first.Hash {
		t.Fatalf("expected no new commit, got %s vs %s", again.Hash, first.Hash)
	}
}

func TestMissingRepoAndHashAreNotFound(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.History("nope", 10); !errors.Is(err, flowchart.ErrNotFound) {
		t.Fatalf("History() error = %v, want ErrNotFound", err)
	}
	if _, err := svc.Record(testDoc(t, 1, `[]`), "Avery", ""); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, _, _, err := svc.Revision("fc_1", "deadbee"); !errors.Is(err, flowchart.ErrNotFound) {
		t.Fatalf("Revision() error = %v, want ErrNotFound", err)
	}
}

func TestFlushHookRecordsTrigger(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.FlushHook(context.Background(), testDoc(t, 7, `[]`), "final"); err != nil {
		t.Fatalf("FlushHook() error = %v", err)
	}
	history, err := svc.History("fc_1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].Message != "Save version 7 (final)" || history[0].Version != 7 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestConcurrentRecordSameDocument(t *testing.T) {
	svc := New(t.TempDir())

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			doc := testDoc(t, int64(idx+1), fmt.Sprintf(`[{"id":"a","label":"label-%02d"}]`, idx))
			if _, err := svc.Record(doc, "Avery", ""); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("Record() concurrent error = %v", err)
	}
	history, err := svc.History("fc_1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d revisions, got %d", writers, len(history))
	}
}

func TestDiffRemovals(t *testing.T) {
	from := testDoc(t, 1, `[{"id":"a"},{"id":"b"}]`)
	to := testDoc(t, 2, `[{"id":"b"}]`)
	changes := Diff(from, to)
	if len(changes) != 1 || changes[0].ID != "a" || changes[0].Kind != ChangeRemoved {
		t.Fatalf("unexpected diff: %+v", changes)
	}
	if got := Diff(to, to); len(got) != 0 {
		t.Fatalf("identical documents should not differ: %+v", got)
	}
}
