package client

import (
	"sync"

	"github.com/chat-relay/chat-relay/internal/wire"
)

// PresenceCache mirrors the slice of the registry visible to this client.
// The "others" view excludes the client's own session id, re-evaluated on
// every delta because the id changes across reconnects.
type PresenceCache struct {
	mu       sync.RWMutex
	self     string
	scope    string
	sessions []wire.PresenceEntry
	selected string
}

// NewPresenceCache builds an empty cache.
func NewPresenceCache() *PresenceCache {
	return &PresenceCache{}
}

// SetSelf records the session id assigned to this client.
func (p *PresenceCache) SetSelf(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.self = id
}

// Apply replaces the cached session set with the delta's scope view. If the
// currently selected conversation partner is no longer present, the
// selection is cleared.
func (p *PresenceCache) Apply(delta wire.PresenceDelta) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.scope = delta.Scope
	p.sessions = append(p.sessions[:0], delta.Sessions...)

	if p.selected != "" {
		found := false
		for _, s := range p.sessions {
			if s.SessionID == p.selected {
				found = true
				break
			}
		}
		if !found {
			p.selected = ""
		}
	}
}

// Others returns all sessions except the client's own, in registry order.
func (p *PresenceCache) Others() []wire.PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]wire.PresenceEntry, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.SessionID == p.self {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Scope reports the scope of the last applied delta.
func (p *PresenceCache) Scope() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scope
}

// Select marks a peer session as the active conversation partner.
func (p *PresenceCache) Select(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sessions {
		if s.SessionID == sessionID && sessionID != p.self {
			p.selected = sessionID
			return true
		}
	}
	return false
}

// Selected returns the active conversation partner, if any.
func (p *PresenceCache) Selected() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.selected, p.selected != ""
}

// Reset clears everything after a disconnect so no stale session is ever
// treated as live.
func (p *PresenceCache) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.self = ""
	p.scope = ""
	p.sessions = nil
	p.selected = ""
}
