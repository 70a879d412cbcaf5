// Package router resolves addressed send requests against the session
// registry and delivers them to the destination connection queues. Delivery
// is fire-and-forget: the router only guarantees it handed the payload to the
// connections registered at resolution time.
package router

import (
	"errors"
	"sync"
	"time"

	"github.com/chat-relay/chat-relay/internal/registry"
	"github.com/chat-relay/chat-relay/internal/wire"
	"go.uber.org/zap"
)

// ErrInvalidAddressing reports a send whose addressing union is malformed.
var ErrInvalidAddressing = errors.New("invalid addressing")

// Sink is one connection's bounded outbound queue. Push never blocks; it
// fails when the queue is full or the connection is gone.
type Sink interface {
	SessionID() string
	Push(f wire.Frame) error
}

// Outcome summarizes one send. Undelivered means the resolved target set was
// empty; a direct send to a vanished session is the canonical case.
type Outcome struct {
	Mode        wire.AddressingMode
	Recipients  int
	Undelivered bool
}

// Options configures routing policy and observability.
type Options struct {
	// EchoToSender also delivers room and broadcast sends back to the
	// sender's own connection. Deployments whose UI does not append
	// optimistically must enable this.
	EchoToSender bool
	Metrics      *Metrics
	Log          *zap.Logger
}

// Router delivers frames to registered sinks.
type Router struct {
	registry *registry.Registry
	echo     bool
	metrics  *Metrics
	log      *zap.Logger

	mu    sync.RWMutex
	sinks map[string]Sink

	nowFn func() time.Time
}

// New builds a router over the given registry.
func New(reg *registry.Registry, opts Options) *Router {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		registry: reg,
		echo:     opts.EchoToSender,
		metrics:  opts.Metrics,
		log:      log,
		sinks:    make(map[string]Sink),
		nowFn:    time.Now,
	}
}

// Attach binds a session's outbound queue. Called by the connection worker
// right after registration.
func (r *Router) Attach(s Sink) {
	r.mu.Lock()
	r.sinks[s.SessionID()] = s
	r.mu.Unlock()
}

// Detach unbinds a session's queue. Idempotent.
func (r *Router) Detach(sessionID string) {
	r.mu.Lock()
	delete(r.sinks, sessionID)
	r.mu.Unlock()
}

// Send resolves the addressing and pushes the stamped frame to every target
// connection. The timestamp comes from the router clock, never the sender.
func (r *Router) Send(from string, addr wire.Addressing, content string) (Outcome, error) {
	if !addr.Valid() {
		return Outcome{}, ErrInvalidAddressing
	}

	frame := wire.Frame{
		Type: wire.TypeMessageDelivered,
		MessageDelivered: &wire.MessageDelivered{
			From:      from,
			To:        addr,
			Content:   content,
			Timestamp: wire.Timestamp(r.nowFn()),
		},
	}

	outcome := Outcome{Mode: addr.Mode()}
	switch addr.Mode() {
	case wire.ModeSession:
		outcome.Recipients = r.sendDirect(addr.Session, frame)
	case wire.ModeRoom:
		outcome.Recipients = r.fanOut(r.registry.ListScope(addr.Room), from, frame)
	case wire.ModeBroadcast:
		outcome.Recipients = r.fanOut(r.registry.ListAll(), from, frame)
	}

	if outcome.Recipients == 0 {
		outcome.Undelivered = true
		r.metrics.recordUndelivered(string(outcome.Mode))
		r.log.Debug("message undelivered",
			zap.String("from", from),
			zap.String("mode", string(outcome.Mode)))
		return outcome, nil
	}

	r.metrics.recordDelivery(string(outcome.Mode), outcome.Recipients)
	return outcome, nil
}

func (r *Router) sendDirect(target string, frame wire.Frame) int {
	if _, ok := r.registry.Resolve(target); !ok {
		return 0
	}
	sink := r.sink(target)
	if sink == nil {
		return 0
	}
	if err := sink.Push(frame); err != nil {
		r.dropRecipient(target, err)
		return 0
	}
	return 1
}

// fanOut delivers to every session in the set, skipping the sender unless
// echo-to-sender is enabled. A slow or dead recipient is dropped alone; the
// rest of the fan-out proceeds.
func (r *Router) fanOut(sessions []registry.Session, from string, frame wire.Frame) int {
	delivered := 0
	for _, session := range sessions {
		if session.ID == from && !r.echo {
			continue
		}
		sink := r.sink(session.ID)
		if sink == nil {
			continue
		}
		if err := sink.Push(frame); err != nil {
			r.dropRecipient(session.ID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// PushTo hands an already-built frame to one attached session, if present.
// Used for presence deltas and other relay-originated pushes.
func (r *Router) PushTo(sessionID string, f wire.Frame) error {
	sink := r.sink(sessionID)
	if sink == nil {
		return registry.ErrUnknownSession
	}
	return sink.Push(f)
}

func (r *Router) sink(sessionID string) Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinks[sessionID]
}

func (r *Router) dropRecipient(sessionID string, err error) {
	r.metrics.recordDrop()
	r.log.Warn("recipient queue rejected frame",
		zap.String("session_id", sessionID),
		zap.Error(err))
}
