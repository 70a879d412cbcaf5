// Package registry is the authoritative record of live sessions and their
// room membership. It is the single source of truth for presence: every
// connection worker registers here, and every presence broadcast is derived
// from a scope listing.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScopeGlobal names the implicit scope of sessions that joined no room.
const ScopeGlobal = "global"

// ErrUnknownSession reports an operation against a session id that is not
// registered. Callers treat it as "target gone", never as fatal.
var ErrUnknownSession = errors.New("unknown session")

// Session is the ephemeral identity bound to one live connection. The ID is
// unique for the connection's lifetime and minted fresh on every reconnect.
type Session struct {
	ID          string
	DisplayName string
	RoomID      string
	ConnectedAt time.Time
}

// Scope returns the presence scope the session belongs to.
func (s Session) Scope() string {
	if s.RoomID == "" {
		return ScopeGlobal
	}
	return s.RoomID
}

// Watcher observes registry mutations. It runs after the mutation commits,
// outside the registry lock, with every scope whose session set changed; a
// room move reports both the old and the new scope.
type Watcher func(scopes ...string)

// Registry keeps live sessions in registration order. All methods are safe
// for concurrent use; readers never observe a session mid-insertion.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	order    []string
	watcher  Watcher

	nowFn func() time.Time
	idFn  func() string
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		nowFn:    time.Now,
		idFn:     uuid.NewString,
	}
}

// SetWatcher installs the presence watcher. Must be called before the
// registry is shared with connection workers.
func (r *Registry) SetWatcher(w Watcher) {
	r.watcher = w
}

// Register mints a session for a newly established connection. The caller
// (the connection worker) registers exactly once per physical connection.
func (r *Registry) Register(displayName string) Session {
	r.mu.Lock()
	session := Session{
		ID:          r.idFn(),
		DisplayName: displayName,
		ConnectedAt: r.nowFn(),
	}
	r.sessions[session.ID] = session
	r.order = append(r.order, session.ID)
	r.mu.Unlock()

	r.notify(session.Scope())
	return session
}

// JoinRoom sets or replaces the session's room, moving its presence scope.
// Returns the scopes affected so callers can rebroadcast both.
func (r *Registry) JoinRoom(sessionID, roomID string) (oldScope, newScope string, err error) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return "", "", ErrUnknownSession
	}
	oldScope = session.Scope()
	session.RoomID = roomID
	newScope = session.Scope()
	r.sessions[sessionID] = session
	r.mu.Unlock()

	if oldScope != newScope {
		r.notify(oldScope, newScope)
	} else {
		r.notify(newScope)
	}
	return oldScope, newScope, nil
}

// Unregister removes a session. Idempotent: disconnect notifications can race
// or duplicate, so removing an absent id is a no-op.
func (r *Registry) Unregister(sessionID string) (Session, bool) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	delete(r.sessions, sessionID)
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.notify(session.Scope())
	return session, true
}

// Resolve looks up a session by id. Absence means the target disconnected or
// never existed; delivery to it is impossible, nothing more.
func (r *Registry) Resolve(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// ListScope returns all sessions sharing a scope, in registration order.
func (r *Registry) ListScope(scope string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Session
	for _, id := range r.order {
		if session := r.sessions[id]; session.Scope() == scope {
			out = append(out, session)
		}
	}
	return out
}

// ListAll returns every live session in registration order.
func (r *Registry) ListAll() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) notify(scopes ...string) {
	if r.watcher != nil {
		r.watcher(scopes...)
	}
}
