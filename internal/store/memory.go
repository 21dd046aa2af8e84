package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"flowsync/internal/flowchart"
)

// MemoryStore is a process-local Store used in development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]flowchart.Document
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]flowchart.Document{}, now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, doc flowchart.Document) (flowchart.Document, error) {
	created := prepareCreate(doc, s.now())
	s.mu.Lock()
	s.docs[created.ID] = created.Clone()
	s.mu.Unlock()
	return created, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (flowchart.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return flowchart.Document{}, fmt.Errorf("get %s: %w", id, flowchart.ErrNotFound)
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, doc flowchart.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.docs[doc.ID]
	if !ok {
		return fmt.Errorf("update %s: %w", doc.ID, flowchart.ErrNotFound)
	}
	if stored.Version > doc.Version {
		return nil
	}
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, query string, limit int) ([]flowchart.Summary, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	items := make([]flowchart.Summary, 0, len(s.docs))
	for _, doc := range s.docs {
		if needle != "" && !strings.Contains(strings.ToLower(doc.Name), needle) {
			continue
		}
		items = append(items, doc.Summary())
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
	if limit = clampLimit(limit); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
