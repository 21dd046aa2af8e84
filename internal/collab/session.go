package collab

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrAlreadyJoined     = errors.New("session already joined another document")
	ErrNotJoined         = errors.New("session has not joined a document")
	ErrUnknownSession    = errors.New("unknown session")
)

type State int

const (
	StateConnected State = iota
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Peer is the outbound half of a client connection.
type Peer interface {
	// Send queues msg without blocking and reports false when the queue is
	// full or the peer is gone.
	Send(msg []byte) bool
	Close()
}

// Session is one client connection. It moves Connected -> Joined ->
// Disconnected or straight from Connected to Disconnected.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	peer Peer

	mu         sync.Mutex
	state      State
	documentID string
}

func newSession(id, userID string, peer Peer, now time.Time) *Session {
	return &Session{ID: id, UserID: userID, ConnectedAt: now, peer: peer, state: StateConnected}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DocumentID is empty unless the session is joined.
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return ""
	}
	return s.documentID
}

// canJoin reports whether docID may be joined, and whether the session is
// already in that room.
func (s *Session) canJoin(docID string) (already bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected:
		return false, nil
	case StateJoined:
		if s.documentID == docID {
			return true, nil
		}
		return false, fmt.Errorf("%w: %s", ErrAlreadyJoined, s.documentID)
	default:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateJoined)
	}
}

func (s *Session) markJoined(docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateJoined)
	}
	s.state = StateJoined
	s.documentID = docID
	return nil
}

// markDisconnected returns the joined document, if any.
func (s *Session) markDisconnected() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateDisconnected)
	}
	docID := ""
	if s.state == StateJoined {
		docID = s.documentID
	}
	s.state = StateDisconnected
	return docID, nil
}

// send delivers msg unless the session has disconnected.
func (s *Session) send(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	return s.peer.Send(msg)
}
