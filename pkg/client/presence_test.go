package client

import (
	"testing"

	"github.com/chat-relay/chat-relay/internal/wire"
)

func entry(id, name string) wire.PresenceEntry {
	return wire.PresenceEntry{SessionID: id, DisplayName: name}
}

func TestOthersExcludesSelf(t *testing.T) {
	p := NewPresenceCache()
	p.SetSelf("me")
	p.Apply(wire.PresenceDelta{Scope: "lobby", Sessions: []wire.PresenceEntry{
		entry("me", "Me"),
		entry("a", "Alice"),
		entry("b", "Bob"),
	}})

	others := p.Others()
	if len(others) != 2 {
		t.Fatalf("expected 2 others, got %d", len(others))
	}
	if others[0].SessionID != "a" || others[1].SessionID != "b" {
		t.Fatalf("expected registry order preserved, got %+v", others)
	}
	if p.Scope() != "lobby" {
		t.Fatalf("expected lobby scope, got %s", p.Scope())
	}
}

func TestOthersRecomputedAfterSelfChanges(t *testing.T) {
	p := NewPresenceCache()
	p.Apply(wire.PresenceDelta{Sessions: []wire.PresenceEntry{entry("x", ""), entry("y", "")}})

	if got := len(p.Others()); got != 2 {
		t.Fatalf("expected 2 others before self known, got %d", got)
	}
	p.SetSelf("x")
	others := p.Others()
	if len(others) != 1 || others[0].SessionID != "y" {
		t.Fatalf("expected self filtered after SetSelf, got %+v", others)
	}
}

func TestApplyClearsVanishedSelection(t *testing.T) {
	p := NewPresenceCache()
	p.SetSelf("me")
	p.Apply(wire.PresenceDelta{Sessions: []wire.PresenceEntry{entry("me", ""), entry("a", "")}})

	if !p.Select("a") {
		t.Fatalf("expected selection of live peer to succeed")
	}
	if sel, ok := p.Selected(); !ok || sel != "a" {
		t.Fatalf("expected a selected, got %q ok=%v", sel, ok)
	}

	// peer survives the next delta, selection holds
	p.Apply(wire.PresenceDelta{Sessions: []wire.PresenceEntry{entry("me", ""), entry("a", "")}})
	if _, ok := p.Selected(); !ok {
		t.Fatalf("selection must survive a delta that retains the peer")
	}

	// peer vanishes, selection clears
	p.Apply(wire.PresenceDelta{Sessions: []wire.PresenceEntry{entry("me", "")}})
	if sel, ok := p.Selected(); ok {
		t.Fatalf("expected selection cleared, still %q", sel)
	}
}

func TestSelectRejectsSelfAndUnknown(t *testing.T) {
	p := NewPresenceCache()
	p.SetSelf("me")
	p.Apply(wire.PresenceDelta{Sessions: []wire.PresenceEntry{entry("me", ""), entry("a", "")}})

	if p.Select("me") {
		t.Fatalf("must not select own session")
	}
	if p.Select("ghost") {
		t.Fatalf("must not select a session outside the cached set")
	}
}

func TestResetClearsEverything(t *testing.T) {
	p := NewPresenceCache()
	p.SetSelf("me")
	p.Apply(wire.PresenceDelta{Scope: "lobby", Sessions: []wire.PresenceEntry{entry("me", ""), entry("a", "")}})
	p.Select("a")

	p.Reset()
	if len(p.Others()) != 0 {
		t.Fatalf("expected empty view after reset")
	}
	if _, ok := p.Selected(); ok {
		t.Fatalf("expected selection cleared after reset")
	}
	if p.Scope() != "" {
		t.Fatalf("expected scope cleared after reset")
	}
}
