// Package flowchart holds the flowchart document model shared by the store,
// the real-time sync engine and the REST surface.
package flowchart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Item is a card or connection. The editor owns its shape; the server only
// reads the string "id" and otherwise keeps the raw JSON object untouched.
type Item struct {
	ID  string
	Raw json.RawMessage
}

func (i Item) MarshalJSON() ([]byte, error) {
	if len(i.Raw) == 0 {
		return json.Marshal(map[string]string{"id": i.ID})
	}
	return i.Raw, nil
}

func (i *Item) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("item must be a JSON object")
	}
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}
	i.ID = ""
	if len(head.ID) > 0 {
		if err := json.Unmarshal(head.ID, &i.ID); err != nil {
			return fmt.Errorf("item id must be a string")
		}
	}
	i.Raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// Document is a flowchart: cards, the connections between them and a
// monotonically increasing version used for optimistic concurrency.
type Document struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Cards       []Item    `json:"cards"`
	Connections []Item    `json:"connections"`
	Version     int64     `json:"version"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Summary is the listing/search projection of a document.
type Summary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     int64     `json:"version"`
	Cards       int       `json:"cards"`
	Connections int       `json:"connections"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a deep copy; the cached copy held by the sync engine is never
// handed out directly.
func (d Document) Clone() Document {
	out := d
	out.Cards = cloneItems(d.Cards)
	out.Connections = cloneItems(d.Connections)
	return out
}

func (d Document) Summary() Summary {
	return Summary{
		ID:          d.ID,
		Name:        d.Name,
		Version:     d.Version,
		Cards:       len(d.Cards),
		Connections: len(d.Connections),
		UpdatedAt:   d.UpdatedAt,
	}
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for idx, item := range items {
		out[idx] = Item{ID: item.ID, Raw: append(json.RawMessage(nil), item.Raw...)}
	}
	return out
}

// EncodeItems and DecodeItems are the column/value codec used by the SQL and
// Redis stores.
func EncodeItems(items []Item) ([]byte, error) {
	if items == nil {
		items = []Item{}
	}
	return json.Marshal(items)
}

func DecodeItems(data []byte) ([]Item, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []Item{}, nil
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []Item{}
	}
	return items, nil
}

// ValidateItems checks every item carries a non-empty id unique within its collection.
func ValidateItems(kind Target, items []Item) error {
	seen := make(map[string]struct{}, len(items))
	for idx, item := range items {
		if item.ID == "" {
			return fmt.Errorf("%w: %s at index %d has no id", ErrInvalidOp, kind, idx)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("%w: duplicate %s id %q", ErrInvalidOp, kind, item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}
