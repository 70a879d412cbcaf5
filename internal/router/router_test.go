package router

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chat-relay/chat-relay/internal/registry"
	"github.com/chat-relay/chat-relay/internal/wire"
	"go.uber.org/zap/zaptest"
)

type fakeSink struct {
	id     string
	mu     sync.Mutex
	frames []wire.Frame
	reject bool
}

func (f *fakeSink) SessionID() string { return f.id }

func (f *fakeSink) Push(frame wire.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return errors.New("queue full")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSink) received() []wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

type fixture struct {
	reg    *registry.Registry
	router *Router
	sinks  map[string]*fakeSink
}

func newFixture(t *testing.T, echo bool) *fixture {
	t.Helper()
	reg := registry.New()
	rt := New(reg, Options{EchoToSender: echo, Log: zaptest.NewLogger(t)})
	rt.nowFn = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{reg: reg, router: rt, sinks: make(map[string]*fakeSink)}
}

func (fx *fixture) addSession(room string) registry.Session {
	s := fx.reg.Register("")
	if room != "" {
		_, _, _ = fx.reg.JoinRoom(s.ID, room)
		s.RoomID = room
	}
	sink := &fakeSink{id: s.ID}
	fx.sinks[s.ID] = sink
	fx.router.Attach(sink)
	return s
}

func TestDirectDelivery(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.addSession("")
	b := fx.addSession("")

	outcome, err := fx.router.Send(a.ID, wire.ToSession(b.ID), "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome.Undelivered || outcome.Recipients != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	got := fx.sinks[b.ID].received()
	if len(got) != 1 {
		t.Fatalf("expected 1 frame at target, got %d", len(got))
	}
	d := got[0].MessageDelivered
	if d == nil || d.From != a.ID || d.Content != "hi" {
		t.Fatalf("unexpected delivery: %+v", got[0])
	}
	if d.Timestamp == "" {
		t.Fatalf("expected router-assigned timestamp")
	}
	if len(fx.sinks[a.ID].received()) != 0 {
		t.Fatalf("direct send must deliver to exactly the target")
	}
}

func TestDirectSendToVanishedSessionIsUndelivered(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.addSession("")
	b := fx.addSession("")
	fx.router.Detach(b.ID)
	fx.reg.Unregister(b.ID)

	outcome, err := fx.router.Send(a.ID, wire.ToSession(b.ID), "anyone there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !outcome.Undelivered {
		t.Fatalf("expected undelivered outcome, got %+v", outcome)
	}
}

func TestRoomFanOutExcludesSenderByDefault(t *testing.T) {
	fx := newFixture(t, false)
	s1 := fx.addSession("lobby")
	s2 := fx.addSession("lobby")
	s3 := fx.addSession("")

	outcome, err := fx.router.Send(s1.ID, wire.ToRoom("lobby"), "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome.Recipients != 1 {
		t.Fatalf("expected delivery set {s2}, got %d recipients", outcome.Recipients)
	}
	if len(fx.sinks[s2.ID].received()) != 1 {
		t.Fatalf("expected s2 to receive the room message")
	}
	if len(fx.sinks[s1.ID].received()) != 0 {
		t.Fatalf("sender must not receive its own message with echo off")
	}
	if len(fx.sinks[s3.ID].received()) != 0 {
		t.Fatalf("session outside the room must receive nothing")
	}
}

func TestRoomFanOutEchoesToSenderWhenEnabled(t *testing.T) {
	fx := newFixture(t, true)
	s1 := fx.addSession("lobby")
	s2 := fx.addSession("lobby")

	outcome, err := fx.router.Send(s1.ID, wire.ToRoom("lobby"), "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome.Recipients != 2 {
		t.Fatalf("expected delivery set {s1, s2}, got %d", outcome.Recipients)
	}
	if len(fx.sinks[s1.ID].received()) != 1 || len(fx.sinks[s2.ID].received()) != 1 {
		t.Fatalf("expected both sessions to receive the message")
	}
}

func TestBroadcastReachesEveryScope(t *testing.T) {
	fx := newFixture(t, false)
	s1 := fx.addSession("lobby")
	s2 := fx.addSession("den")
	s3 := fx.addSession("")

	outcome, err := fx.router.Send(s1.ID, wire.ToBroadcast(), "announcement")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome.Recipients != 2 {
		t.Fatalf("expected 2 recipients, got %d", outcome.Recipients)
	}
	for _, s := range []registry.Session{s2, s3} {
		if len(fx.sinks[s.ID].received()) != 1 {
			t.Fatalf("expected %s to receive broadcast", s.ID)
		}
	}
}

func TestSlowRecipientDoesNotStallFanOut(t *testing.T) {
	fx := newFixture(t, false)
	s1 := fx.addSession("lobby")
	s2 := fx.addSession("lobby")
	s3 := fx.addSession("lobby")
	fx.sinks[s2.ID].reject = true

	outcome, err := fx.router.Send(s1.ID, wire.ToRoom("lobby"), "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome.Recipients != 1 {
		t.Fatalf("expected healthy recipient only, got %d", outcome.Recipients)
	}
	if len(fx.sinks[s3.ID].received()) != 1 {
		t.Fatalf("expected s3 delivery despite s2 backpressure")
	}
}

func TestInvalidAddressingRejected(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.addSession("")

	if _, err := fx.router.Send(a.ID, wire.Addressing{}, "hi"); !errors.Is(err, ErrInvalidAddressing) {
		t.Fatalf("expected ErrInvalidAddressing, got %v", err)
	}
	if _, err := fx.router.Send(a.ID, wire.Addressing{Session: "x", Broadcast: true}, "hi"); !errors.Is(err, ErrInvalidAddressing) {
		t.Fatalf("expected ErrInvalidAddressing for two tags, got %v", err)
	}
}

func TestReconnectMintsNewIdentity(t *testing.T) {
	fx := newFixture(t, false)
	a := fx.addSession("")
	b := fx.addSession("")
	oldID := b.ID

	// disconnect and reconnect
	fx.router.Detach(b.ID)
	fx.reg.Unregister(b.ID)
	b2 := fx.addSession("")

	if b2.ID == oldID {
		t.Fatalf("reconnect must mint a fresh session id")
	}
	outcome, err := fx.router.Send(a.ID, wire.ToSession(oldID), "stale")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !outcome.Undelivered {
		t.Fatalf("send to pre-reconnect id must be undelivered, got %+v", outcome)
	}

	outcome, err = fx.router.Send(a.ID, wire.ToSession(b2.ID), "fresh")
	if err != nil || outcome.Recipients != 1 {
		t.Fatalf("send to fresh id failed: %v %+v", err, outcome)
	}
}

func TestFanOutOrderIndependentOfSinkCount(t *testing.T) {
	fx := newFixture(t, false)
	sender := fx.addSession("lobby")
	var members []registry.Session
	for i := 0; i < 10; i++ {
		members = append(members, fx.addSession("lobby"))
	}

	for i := 0; i < 3; i++ {
		if _, err := fx.router.Send(sender.ID, wire.ToRoom("lobby"), fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for _, m := range members {
		frames := fx.sinks[m.ID].received()
		if len(frames) != 3 {
			t.Fatalf("expected 3 frames at %s, got %d", m.ID, len(frames))
		}
		for i, f := range frames {
			if f.MessageDelivered.Content != fmt.Sprintf("m%d", i) {
				t.Fatalf("per-recipient ordering violated at %s: %+v", m.ID, frames)
			}
		}
	}
}
