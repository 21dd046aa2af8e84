// Package store persists flowchart documents. Every backend satisfies Store
// and reports I/O failures wrapped in flowchart.ErrPersistence.
package store

import (
	"context"
	"fmt"
	"time"

	"flowsync/internal/flowchart"
	"flowsync/internal/util"
)

const DefaultListLimit = 50

type Store interface {
	// Create assigns a fresh id, version 0 and the current time.
	Create(ctx context.Context, doc flowchart.Document) (flowchart.Document, error)
	Get(ctx context.Context, id string) (flowchart.Document, error)
	// Update writes doc unless the stored copy already carries a newer version.
	Update(ctx context.Context, doc flowchart.Document) error
	// List returns summaries whose name contains query, newest first.
	List(ctx context.Context, query string, limit int) ([]flowchart.Summary, error)
	Ping(ctx context.Context) error
	Close() error
}

// prepareCreate normalises a document for insertion.
func prepareCreate(doc flowchart.Document, now time.Time) flowchart.Document {
	out := doc.Clone()
	out.ID = util.NewID("fc")
	out.Version = 0
	out.UpdatedAt = now.UTC().Truncate(time.Microsecond)
	if out.Cards == nil {
		out.Cards = []flowchart.Item{}
	}
	if out.Connections == nil {
		out.Connections = []flowchart.Item{}
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultListLimit
	}
	return limit
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, flowchart.ErrPersistence, err)
}
