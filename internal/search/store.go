package search

import (
	"context"

	"flowsync/internal/flowchart"
)

// Lister is the part of store.Store the fallback needs.
type Lister interface {
	List(ctx context.Context, query string, limit int) ([]flowchart.Summary, error)
}

// StoreSearcher matches names with the primary store's substring filter.
type StoreSearcher struct {
	lister Lister
}

func NewStoreSearcher(lister Lister) *StoreSearcher {
	return &StoreSearcher{lister: lister}
}

// Healthy always returns true; if the store is down the whole service is.
func (s *StoreSearcher) Healthy() bool {
	return true
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	summaries, err := s.lister.List(ctx, q.Text, offset+limit)
	if err != nil {
		return nil, 0, err
	}
	total := len(summaries)
	if offset >= total {
		return []Result{}, total, nil
	}
	summaries = summaries[offset:min(total, offset+limit)]

	results := make([]Result, 0, len(summaries))
	for _, summary := range summaries {
		results = append(results, fromSummary(summary))
	}
	return results, total, nil
}
