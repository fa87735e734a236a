// Package room tracks which sessions belong to which rooms.
package room

import (
	"sort"
	"sync"
)

// Outbox delivers an outbound event to one connection.
type Outbox interface {
	Send(v any) error
}

// Session is one connection's membership in a room.
type Session struct {
	ID         string
	SourceLang string
	TargetLang string
	Conn       Outbox
}

// Registry maps room ids to their member sessions. A room exists only while
// it has at least one member. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Session
	// onChange, when set, receives the room count after every mutation.
	onChange func(rooms int)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]Session)}
}

// OnChange registers fn to observe the active room count. It is called with
// the lock held, so fn must not call back into the registry.
func (r *Registry) OnChange(fn func(rooms int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Join adds s to roomID, replacing any earlier entry for the same session.
func (r *Registry) Join(roomID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Session)
		r.rooms[roomID] = members
	}
	members[s.ID] = s
	r.notify()
}

// Leave removes sessionID from roomID. Absent rooms and sessions are ignored.
// It reports whether the session was a member.
func (r *Registry) Leave(roomID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok = members[sessionID]; !ok {
		return false
	}
	r.remove(roomID, members, sessionID)
	r.notify()
	return true
}

// OnDisconnect removes sessionID from every room and returns the rooms it left.
func (r *Registry) OnDisconnect(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for roomID, members := range r.rooms {
		if _, ok := members[sessionID]; !ok {
			continue
		}
		r.remove(roomID, members, sessionID)
		left = append(left, roomID)
	}
	if len(left) > 0 {
		r.notify()
	}
	sort.Strings(left)
	return left
}

// Members returns a snapshot of roomID's sessions. The slice is owned by the caller.
func (r *Registry) Members(roomID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// Count returns the number of non-empty rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// remove deletes a member and drops the room when it empties. Caller holds mu.
func (r *Registry) remove(roomID string, members map[string]Session, sessionID string) {
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

func (r *Registry) notify() {
	if r.onChange != nil {
		r.onChange(len(r.rooms))
	}
}

// Recipients returns members other than senderID. It never mutates members.
func Recipients(members []Session, senderID string) []Session {
	out := make([]Session, 0, len(members))
	for _, s := range members {
		if s.ID == senderID {
			continue
		}
		out = append(out, s)
	}
	return out
}
