package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowsync/internal/flowchart"
	"flowsync/internal/store"
)

// fakePeer records every frame it is sent. capacity < 0 means unbounded.
type fakePeer struct {
	mu       sync.Mutex
	frames   []Envelope
	capacity int
	closed   bool
}

func newPeer() *fakePeer { return &fakePeer{capacity: -1} }

func (p *fakePeer) Send(msg []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || (p.capacity >= 0 && len(p.frames) >= p.capacity) {
		return false
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		panic(err)
	}
	p.frames = append(p.frames, env)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) ofType(kind string) []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Envelope
	for _, env := range p.frames {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

func (p *fakePeer) last(t *testing.T) Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.frames)
	return p.frames[len(p.frames)-1]
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

// countingStore wraps MemoryStore, counts updates and can be told to fail.
type countingStore struct {
	*store.MemoryStore
	updates  atomic.Int32
	failures atomic.Int32 // remaining forced failures; -1 fails forever
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: store.NewMemoryStore()}
}

func (s *countingStore) Update(ctx context.Context, doc flowchart.Document) error {
	s.updates.Add(1)
	if n := s.failures.Load(); n != 0 {
		if n > 0 {
			s.failures.Add(-1)
		}
		return fmt.Errorf("update: %w: %w", flowchart.ErrPersistence, errors.New("disk on fire"))
	}
	return s.MemoryStore.Update(ctx, doc)
}

func seed(t *testing.T, st store.Store, name string) flowchart.Document {
	t.Helper()
	var doc flowchart.Document
	require.NoError(t, json.Unmarshal([]byte(`{"name":"`+name+`","cards":[{"id":"start"}],"connections":[]}`), &doc))
	created, err := st.Create(context.Background(), doc)
	require.NoError(t, err)
	return created
}

func fastAutosave() AutosaveConfig {
	return AutosaveConfig{
		Debounce:       100 * time.Millisecond,
		FlushTimeout:   time.Second,
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}
}

func cardOp(kind flowchart.OpKind, id string) flowchart.Op {
	op := flowchart.Op{Kind: kind, Target: flowchart.TargetCard, ID: id}
	if kind != flowchart.OpDelete {
		op.Data = json.RawMessage(`{"label":"` + id + `"}`)
	}
	return op
}

func changeFrame(t *testing.T, op flowchart.Op, base int64) []byte {
	t.Helper()
	data, err := json.Marshal(ChangeRequest{Op: op, BaseVersion: &base})
	require.NoError(t, err)
	raw, err := json.Marshal(Envelope{Type: TypeMessage, Data: data})
	require.NoError(t, err)
	return raw
}

func frame(t *testing.T, kind string, data any) []byte {
	t.Helper()
	env := Envelope{Type: kind}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		env.Data = raw
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}
