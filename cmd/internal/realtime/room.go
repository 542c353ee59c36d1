package realtime

import (
	"log/slog"
	"sync"

	v1 "chemchat/shared/contracts/realtime/v1"
)

// Room is the in-memory fan-out primitive for one conversation.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
//
// A client may be a member of many rooms at once; leaving a room therefore
// never shuts the client down.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room for a conversation.
func NewRoom(log *slog.Logger, id string) *Room {
	if log == nil {
		log = slog.Default()
	}
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "conversation_id", r.ID, "session_id", client.SessionID)
}

// Leave removes a client from membership.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, present := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if present {
		r.log.Info("room.member.leave", "conversation_id", r.ID, "session_id", sessionID)
	}
}

// Has reports whether sessionID is a member.
func (r *Room) Has(sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

// Len returns the current member count.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans an envelope out to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope) {
	r.BroadcastExcept(env, "")
}

// BroadcastExcept fans out to all members but the named session.
func (r *Room) BroadcastExcept(env v1.Envelope, exceptSessionID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m == nil || id == exceptSessionID {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			broadcastDropped.Inc()
		}
	}
}
