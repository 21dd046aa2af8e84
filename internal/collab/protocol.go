package collab

import (
	"encoding/json"
	"time"

	"flowsync/internal/flowchart"
)

// Envelope is the JSON frame exchanged with clients in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client to server.
const (
	TypeJoin    = "join"
	TypeMessage = "message"
	TypeSave    = "save"
	TypePing    = "ping"
)

// Server to client. TypeMessage is reused for deltas.
const (
	TypeConnected = "connected"
	TypeSnapshot  = "snapshot"
	TypeAck       = "ack"
	TypeRejected  = "rejected"
	TypeSaved     = "saved"
	TypeError     = "error"
	TypePong      = "pong"
)

type JoinRequest struct {
	DocumentID string `json:"documentId"`
}

type ChangeRequest struct {
	Op          flowchart.Op `json:"op"`
	BaseVersion *int64       `json:"baseVersion"`
}

type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type SnapshotPayload struct {
	Document flowchart.Document `json:"document"`
}

type AckPayload struct {
	DocumentID string `json:"documentId"`
	OpID       string `json:"opId"`
	Version    int64  `json:"version"`
}

type RejectedPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
	OpID    string `json:"opId,omitempty"`
	// Version is the current document version, when known.
	Version *int64 `json:"version,omitempty"`
}

type SavedPayload struct {
	DocumentID string `json:"documentId"`
	Version    int64  `json:"version"`
}

type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

func encodeEnvelope(kind string, data any, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Data: raw, Timestamp: now.Unix()})
}
