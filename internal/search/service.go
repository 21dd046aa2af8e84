package search

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"flowsync/internal/flowchart"
)

const (
	SourceMeili = "meilisearch"
	SourceStore = "store"
)

// indexer is the write side of Meili, split out so tests can substitute it.
type indexer interface {
	Searcher
	Index(records ...Record) error
}

// Service is the facade that tries Meilisearch first and falls back to the store.
type Service struct {
	meili    indexer
	fallback Searcher
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher, logger *zap.Logger) *Service {
	s := newService(nil, fallback, logger)
	if meili != nil {
		s.meili = meili
	}
	return s
}

func newService(ix indexer, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: ix, fallback: fallback, logger: logger}
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if s.meili != nil && s.meili.Healthy() && q.Text != "" {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: SourceMeili}, nil
		}
		s.logger.Warn("meilisearch error, falling back to store", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: SourceStore}, nil
}

// IndexDocument pushes doc to Meilisearch without waiting for the result.
func (s *Service) IndexDocument(doc flowchart.Document) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFor(doc)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.meili.Index(record); err != nil {
			s.logger.Warn("index flowchart", zap.String("documentId", record.ID), zap.Error(err))
		}
	}()
}

// FlushHook reindexes a document after every successful flush. It matches
// the signature of collab.FlushHook.
func (s *Service) FlushHook(_ context.Context, doc flowchart.Document, _ string) error {
	s.IndexDocument(doc)
	return nil
}

// Reindex pushes every stored flowchart into Meilisearch. load is called
// once per id returned by list.
func (s *Service) Reindex(ctx context.Context, lister Lister, load func(context.Context, string) (flowchart.Document, error)) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	summaries, err := lister.List(ctx, "", 500)
	if err != nil {
		return err
	}
	records := make([]Record, 0, len(summaries))
	for _, summary := range summaries {
		doc, err := load(ctx, summary.ID)
		if err != nil {
			s.logger.Warn("reindex load", zap.String("documentId", summary.ID), zap.Error(err))
			continue
		}
		records = append(records, RecordFor(doc))
	}
	return s.meili.Index(records...)
}

func (s *Service) Healthy() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Wait blocks until in-flight index calls finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
