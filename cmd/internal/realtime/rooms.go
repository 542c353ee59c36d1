package realtime

import (
	"log/slog"
	"sync"

	v1 "chemchat/shared/contracts/realtime/v1"
)

// Rooms owns the in-memory room set and provides stable room handles.
// It also implements the chat service's Broadcaster: events for conversations
// with no open room are dropped, because nobody is listening.
type Rooms struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRooms constructs the room registry.
func NewRooms(log *slog.Logger) *Rooms {
	if log == nil {
		log = slog.Default()
	}
	return &Rooms{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreate returns a stable room handle for a conversation.
func (rs *Rooms) GetOrCreate(conversationID string) *Room {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if r, ok := rs.rooms[conversationID]; ok {
		return r
	}
	r := NewRoom(rs.log, conversationID)
	rs.rooms[conversationID] = r
	return r
}

// Get returns the room for a conversation, or nil when none is open.
func (rs *Rooms) Get(conversationID string) *Room {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.rooms[conversationID]
}

// Broadcast delivers an envelope to the open room of a conversation, if any.
func (rs *Rooms) Broadcast(conversationID string, env v1.Envelope) {
	if rs == nil {
		return
	}
	if r := rs.Get(conversationID); r != nil {
		r.Broadcast(env)
	}
}

// RemoveSession drops a session from every room and returns the conversation
// ids it was a member of. Part of disconnect teardown.
func (rs *Rooms) RemoveSession(sessionID string) []string {
	if rs == nil || sessionID == "" {
		return nil
	}

	rs.mu.RLock()
	rooms := make([]*Room, 0, len(rs.rooms))
	for _, r := range rs.rooms {
		rooms = append(rooms, r)
	}
	rs.mu.RUnlock()

	var left []string
	for _, r := range rooms {
		if r.Has(sessionID) {
			r.Leave(sessionID)
			left = append(left, r.ID)
		}
	}
	return left
}
