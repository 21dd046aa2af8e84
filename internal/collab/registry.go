// Package collab is the real-time core: rooms of sessions editing the same
// flowchart, the authoritative in-memory copy each room mutates, and the
// autosave loop that writes it back to the store.
package collab

import (
	"sort"
	"sync"
	"time"
)

// Room is the set of sessions joined to one document. It exists from the
// first join until the last leave.
type Room struct {
	DocumentID string
	CreatedAt  time.Time

	members map[string]struct{}
}

// Registry tracks room membership. Its lock guards bookkeeping only; document
// processing is serialised per document by the Broadcaster.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{rooms: map[string]*Room{}, now: time.Now}
}

// Join adds sessionID to the room for docID, creating it if needed. Joining
// twice is a no-op that returns the same room.
func (r *Registry) Join(docID, sessionID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[docID]
	if !ok {
		room = &Room{DocumentID: docID, CreatedAt: r.now().UTC(), members: map[string]struct{}{}}
		r.rooms[docID] = room
	}
	room.members[sessionID] = struct{}{}
	return room
}

// Leave removes sessionID and reports whether this call emptied (and
// therefore destroyed) the room.
func (r *Registry) Leave(docID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[docID]
	if !ok {
		return false
	}
	if _, member := room.members[sessionID]; !member {
		return false
	}
	delete(room.members, sessionID)
	if len(room.members) > 0 {
		return false
	}
	delete(r.rooms, docID)
	return true
}

// MembersOf returns the session ids in the room, sorted.
func (r *Registry) MembersOf(docID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[docID]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(room.members))
	for id := range room.members {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

func (r *Registry) IsMember(docID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[docID]
	if !ok {
		return false
	}
	_, member := room.members[sessionID]
	return member
}

func (r *Registry) IsEmpty(docID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[docID]
	return !ok
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
