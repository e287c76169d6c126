// Package sessionregistry implements the server's in-memory mapping from
// user_id to the set of currently connected transport sessions, used to
// broadcast change events. It is process-wide and guarded by one lock
// per user entry, per spec.md §5.
package sessionregistry

import (
	"sync"

	"github.com/google/uuid"
)

// Session is a single live connection belonging to a user.
type Session struct {
	ID       string
	ClientID string
	Outbound chan OutboundMessage

	// PongSeen is signaled by the reader goroutine whenever a pong
	// frame arrives, so the heartbeat loop can tell a live connection
	// from one that has missed its reply.
	PongSeen chan struct{}
}

// OutboundMessage is enqueued onto a session's outbound channel by the
// broadcaster; the session's writer goroutine drains it onto the wire.
type OutboundMessage struct {
	Type    string
	Payload interface{}
}

const outboundBufferSize = 64

// userEntry holds the sessions for a single user behind its own lock, so
// that contention on one user never blocks another.
type userEntry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Registry is the process-wide session registry. Use New to construct
// it; there is no package-level singleton — main() owns the instance and
// passes it explicitly, per spec.md §9 ("no hidden module-load
// initialisation").
type Registry struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*userEntry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{users: make(map[uuid.UUID]*userEntry)}
}

func (r *Registry) entryFor(userID uuid.UUID) *userEntry {
	r.mu.RLock()
	e, ok := r.users[userID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.users[userID]; ok {
		return e
	}
	e = &userEntry{sessions: make(map[string]*Session)}
	r.users[userID] = e
	return e
}

// Register inserts a new session for userID, allocating its outbound
// channel, and returns the session.
func (r *Registry) Register(userID uuid.UUID, sessionID, clientID string) *Session {
	e := r.entryFor(userID)
	s := &Session{
		ID: sessionID, ClientID: clientID,
		Outbound: make(chan OutboundMessage, outboundBufferSize),
		PongSeen: make(chan struct{}, 1),
	}

	e.mu.Lock()
	e.sessions[sessionID] = s
	e.mu.Unlock()

	return s
}

// Remove drops a session from the registry, e.g. on disconnect or a
// failed send (slow-consumer ejection).
func (r *Registry) Remove(userID uuid.UUID, sessionID string) {
	r.mu.RLock()
	e, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

// Broadcast enqueues msg onto every live session for userID. A session
// whose outbound channel is full (slow consumer) is ejected immediately;
// it will catch up via get_changes_since on reconnect.
func (r *Registry) Broadcast(userID uuid.UUID, msgType string, payload interface{}) {
	r.mu.RLock()
	e, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range e.sessions {
		select {
		case s.Outbound <- OutboundMessage{Type: msgType, Payload: payload}:
		default:
			close(s.Outbound)
			delete(e.sessions, id)
		}
	}
}

// Sessions returns a snapshot of the live sessions for userID. The
// returned slice is safe to iterate without holding any lock.
func (r *Registry) Sessions(userID uuid.UUID) []*Session {
	r.mu.RLock()
	e, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions across all users, useful for
// health reporting.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, e := range r.users {
		e.mu.Lock()
		total += len(e.sessions)
		e.mu.Unlock()
	}
	return total
}
