package flowchart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

type Target string

const (
	TargetCard       Target = "card"
	TargetConnection Target = "connection"
)

// Op is a single create/update/delete on a card or connection. Data is the
// full item object for create and update; update replaces the item wholesale.
type Op struct {
	Kind   OpKind          `json:"kind"`
	Target Target          `json:"target"`
	ID     string          `json:"id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ChangeEvent is a proposed mutation in flight between the gateway and the broadcaster.
type ChangeEvent struct {
	DocumentID      string
	SenderSessionID string
	BaseVersion     int64
	Op              Op
	Timestamp       time.Time
}

// Delta is an accepted mutation as fanned out to the other room members.
type Delta struct {
	DocumentID string    `json:"documentId"`
	Op         Op        `json:"op"`
	Version    int64     `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

func (op Op) Validate() error {
	switch op.Kind {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidOp, op.Kind)
	}
	switch op.Target {
	case TargetCard, TargetConnection:
	default:
		return fmt.Errorf("%w: unsupported target %q", ErrInvalidOp, op.Target)
	}
	if op.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidOp)
	}
	return nil
}

// Apply mutates doc in place. The document is left untouched when an error is
// returned. Version bookkeeping belongs to the caller.
func Apply(doc *Document, op Op) error {
	if err := op.Validate(); err != nil {
		return err
	}
	items := doc.collection(op.Target)
	idx := slices.IndexFunc(*items, func(item Item) bool { return item.ID == op.ID })

	switch op.Kind {
	case OpCreate:
		if idx >= 0 {
			return fmt.Errorf("%w: %s %q already exists", ErrInvalidOp, op.Target, op.ID)
		}
		item, err := buildItem(op.ID, op.Data)
		if err != nil {
			return err
		}
		*items = append(*items, item)
	case OpUpdate:
		if idx < 0 {
			return fmt.Errorf("%w: %s %q", ErrUnknownTarget, op.Target, op.ID)
		}
		item, err := buildItem(op.ID, op.Data)
		if err != nil {
			return err
		}
		(*items)[idx] = item
	case OpDelete:
		if idx < 0 {
			return fmt.Errorf("%w: %s %q", ErrUnknownTarget, op.Target, op.ID)
		}
		*items = slices.Delete(*items, idx, idx+1)
	}
	return nil
}

func (d *Document) collection(target Target) *[]Item {
	if target == TargetConnection {
		return &d.Connections
	}
	return &d.Cards
}

// buildItem pins the "id" field of data to id so the stored object and the
// op target can never disagree.
func buildItem(id string, data json.RawMessage) (Item, error) {
	fields := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' {
			return Item{}, fmt.Errorf("%w: data must be a JSON object", ErrInvalidOp)
		}
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return Item{}, fmt.Errorf("%w: decode data: %v", ErrInvalidOp, err)
		}
	}
	if existing, ok := fields["id"]; ok {
		var embedded string
		if err := json.Unmarshal(existing, &embedded); err != nil || embedded != id {
			return Item{}, fmt.Errorf("%w: data id does not match op id %q", ErrInvalidOp, id)
		}
	}
	quoted, _ := json.Marshal(id)
	fields["id"] = quoted
	raw, err := json.Marshal(fields)
	if err != nil {
		return Item{}, fmt.Errorf("%w: encode data: %v", ErrInvalidOp, err)
	}
	return Item{ID: id, Raw: raw}, nil
}
