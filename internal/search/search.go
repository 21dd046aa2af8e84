// Package search answers flowchart name/label queries. Meilisearch is used
// when configured and healthy; otherwise the primary store's name filter
// serves as the fallback.
package search

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"flowsync/internal/flowchart"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Snippet     string    `json:"snippet,omitempty"`
	Version     int64     `json:"version"`
	Cards       int       `json:"cards"`
	Connections int       `json:"connections"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the listing endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// Searcher can execute a search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data indexed for a flowchart.
type Record struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Labels      []string `json:"labels"`
	CreatedBy   string   `json:"createdBy,omitempty"`
	Version     int64    `json:"version"`
	Cards       int      `json:"cards"`
	Connections int      `json:"connections"`
	UpdatedAt   int64    `json:"updatedAt"`
}

// labelFields are the card properties editors commonly use for visible text.
var labelFields = []string{"label", "title", "text"}

// RecordFor projects a document into its index record.
func RecordFor(doc flowchart.Document) Record {
	labels := make([]string, 0, len(doc.Cards))
	for _, card := range doc.Cards {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(card.Raw, &fields); err != nil {
			continue
		}
		for _, key := range labelFields {
			var value string
			if raw, ok := fields[key]; ok && json.Unmarshal(raw, &value) == nil && strings.TrimSpace(value) != "" {
				labels = append(labels, value)
				break
			}
		}
	}
	return Record{
		ID:          doc.ID,
		Name:        doc.Name,
		Labels:      labels,
		CreatedBy:   doc.CreatedBy,
		Version:     doc.Version,
		Cards:       len(doc.Cards),
		Connections: len(doc.Connections),
		UpdatedAt:   doc.UpdatedAt.UnixMilli(),
	}
}

func fromSummary(s flowchart.Summary) Result {
	return Result{
		ID:          s.ID,
		Name:        s.Name,
		Version:     s.Version,
		Cards:       s.Cards,
		Connections: s.Connections,
		UpdatedAt:   s.UpdatedAt,
	}
}
