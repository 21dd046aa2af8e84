package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowsync/internal/flowchart"
	"flowsync/internal/store"
)

// Fanout delivers an accepted delta to the given sessions without blocking.
type Fanout interface {
	Fanout(recipients []string, delta flowchart.Delta)
}

// FlushScheduler is told about every accepted mutation.
type FlushScheduler interface {
	ScheduleFlush(docID string)
}

var errNotCached = fmt.Errorf("%w: document is not loaded", flowchart.ErrNotFound)

type docState struct {
	mu      sync.Mutex
	doc     flowchart.Document
	flushed int64
	loaded  bool
	evicted bool
}

// Broadcaster owns the authoritative copy of every open document. Each
// document has its own lock; the map lock is never held while waiting on one.
type Broadcaster struct {
	store     store.Store
	registry  *Registry
	fanout    Fanout
	scheduler FlushScheduler
	now       func() time.Time

	mu   sync.Mutex
	docs map[string]*docState
}

func NewBroadcaster(st store.Store, registry *Registry, fanout Fanout, scheduler FlushScheduler) *Broadcaster {
	return &Broadcaster{
		store:     st,
		registry:  registry,
		fanout:    fanout,
		scheduler: scheduler,
		now:       time.Now,
		docs:      map[string]*docState{},
	}
}

// load returns the cached document, reading it from the store on first use.
// A failed read leaves no cache entry behind.
func (b *Broadcaster) load(ctx context.Context, docID string) (flowchart.Document, error) {
	return b.attach(ctx, docID, "", nil)
}

// Join loads docID and records sessionID as a room member. admit runs under
// the document lock before membership is recorded, so whatever it sends
// reaches the session ahead of every later delta. A load or admit failure
// leaves no room behind.
func (b *Broadcaster) Join(ctx context.Context, docID, sessionID string, admit func(flowchart.Document) error) (flowchart.Document, error) {
	return b.attach(ctx, docID, sessionID, admit)
}

func (b *Broadcaster) attach(ctx context.Context, docID, sessionID string, admit func(flowchart.Document) error) (flowchart.Document, error) {
	for {
		b.mu.Lock()
		st, ok := b.docs[docID]
		if !ok {
			st = &docState{}
			b.docs[docID] = st
		}
		b.mu.Unlock()

		st.mu.Lock()
		if st.evicted {
			st.mu.Unlock()
			continue
		}
		if !st.loaded {
			doc, err := b.store.Get(ctx, docID)
			if err != nil {
				b.dropLocked(docID, st)
				st.mu.Unlock()
				return flowchart.Document{}, err
			}
			st.doc = doc
			st.flushed = doc.Version
			st.loaded = true
		}
		snapshot := st.doc.Clone()

		if admit != nil {
			if err := admit(snapshot); err != nil {
				if b.registry.IsEmpty(docID) && st.doc.Version == st.flushed {
					b.dropLocked(docID, st)
				}
				st.mu.Unlock()
				return flowchart.Document{}, err
			}
			b.registry.Join(docID, sessionID)
		}
		st.mu.Unlock()
		return snapshot, nil
	}
}

// Submit validates and applies one change. onAccept runs under the document
// lock ahead of the fan-out, so the sender's acknowledgement is ordered
// against every other delta it receives. A sender that has left the room is
// refused. On rejection the returned delta carries the current version so the
// sender can rebase.
func (b *Broadcaster) Submit(ev flowchart.ChangeEvent, onAccept func(flowchart.Delta)) (flowchart.Delta, error) {
	st := b.state(ev.DocumentID)
	if st == nil {
		return flowchart.Delta{DocumentID: ev.DocumentID}, errNotCached
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evicted || !st.loaded {
		return flowchart.Delta{DocumentID: ev.DocumentID}, errNotCached
	}

	current := flowchart.Delta{DocumentID: ev.DocumentID, Op: ev.Op, Version: st.doc.Version}
	if ev.SenderSessionID != "" && !b.registry.IsMember(ev.DocumentID, ev.SenderSessionID) {
		return current, ErrNotJoined
	}
	if ev.BaseVersion != st.doc.Version {
		return current, fmt.Errorf("base %d, current %d: %w", ev.BaseVersion, st.doc.Version, flowchart.ErrStaleVersion)
	}
	if err := flowchart.Apply(&st.doc, ev.Op); err != nil {
		return current, err
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = b.now()
	}
	st.doc.Version++
	st.doc.UpdatedAt = ts.UTC()

	delta := flowchart.Delta{
		DocumentID: ev.DocumentID,
		Op:         ev.Op,
		Version:    st.doc.Version,
		Timestamp:  st.doc.UpdatedAt,
	}

	if onAccept != nil {
		onAccept(delta)
	}
	// fan out while still holding the document lock so every member sees
	// deltas in accept order
	if b.fanout != nil {
		members := b.registry.MembersOf(ev.DocumentID)
		recipients := make([]string, 0, len(members))
		for _, id := range members {
			if id != ev.SenderSessionID {
				recipients = append(recipients, id)
			}
		}
		if len(recipients) > 0 {
			b.fanout.Fanout(recipients, delta)
		}
	}
	if b.scheduler != nil {
		b.scheduler.ScheduleFlush(ev.DocumentID)
	}
	return delta, nil
}

// Snapshot returns a copy of the cached document and the last version known
// to be in the store.
func (b *Broadcaster) Snapshot(docID string) (flowchart.Document, int64, bool) {
	st := b.state(docID)
	if st == nil {
		return flowchart.Document{}, 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evicted || !st.loaded {
		return flowchart.Document{}, 0, false
	}
	return st.doc.Clone(), st.flushed, true
}

func (b *Broadcaster) MarkFlushed(docID string, version int64) {
	st := b.state(docID)
	if st == nil {
		return
	}
	st.mu.Lock()
	if version > st.flushed && version <= st.doc.Version {
		st.flushed = version
	}
	st.mu.Unlock()
}

// Evict drops the cached copy once the room is empty. Without force it also
// requires every accepted change to be flushed.
func (b *Broadcaster) Evict(docID string, force bool) bool {
	st := b.state(docID)
	if st == nil {
		return true
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evicted {
		return true
	}
	if !b.registry.IsEmpty(docID) {
		return false
	}
	if !force && st.loaded && st.doc.Version > st.flushed {
		return false
	}
	b.dropLocked(docID, st)
	return true
}

// DocumentIDs lists every cached document.
func (b *Broadcaster) DocumentIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.docs))
	for id := range b.docs {
		ids = append(ids, id)
	}
	return ids
}

func (b *Broadcaster) state(docID string) *docState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.docs[docID]
}

// dropLocked must be called with st.mu held.
func (b *Broadcaster) dropLocked(docID string, st *docState) {
	st.evicted = true
	b.mu.Lock()
	if b.docs[docID] == st {
		delete(b.docs, docID)
	}
	b.mu.Unlock()
}

func isNotCached(err error) bool {
	return errors.Is(err, errNotCached)
}
