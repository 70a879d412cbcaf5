package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/chat-relay/chat-relay/internal/config"
	"github.com/chat-relay/chat-relay/internal/registry"
	"github.com/chat-relay/chat-relay/internal/roster"
	"github.com/chat-relay/chat-relay/internal/router"
	"github.com/chat-relay/chat-relay/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrBackpressure reports a full outbound queue; the owning connection is
// canceled rather than allowed to stall the rest of the relay.
var ErrBackpressure = errors.New("session send buffer full")

// frameError maps a protocol violation to an error frame for the client.
type frameError struct {
	code  string
	msg   string
	fatal bool
}

func (e *frameError) Error() string { return e.msg }

// Hub owns one worker per websocket connection: it registers the session,
// pumps inbound frames into the router, and drains the bounded outbound
// queue back to the socket.
type Hub struct {
	log      *zap.Logger
	registry *registry.Registry
	router   *router.Router
	roster   *roster.Roster
	metrics  *router.Metrics
	ws       config.WebSocketConfig
	routing  config.RoutingConfig

	upgrader websocket.Upgrader
}

// NewHub wires the hub and installs the presence watcher on the registry.
func NewHub(log *zap.Logger, reg *registry.Registry, rt *router.Router, ros *roster.Roster, m *router.Metrics, ws config.WebSocketConfig, routing config.RoutingConfig) *Hub {
	h := &Hub{
		log:      log,
		registry: reg,
		router:   rt,
		roster:   ros,
		metrics:  m,
		ws:       ws,
		routing:  routing,
		upgrader: websocket.Upgrader{
			// The relay fronts browser variants on other origins; origin
			// policy is enforced by the deployment, not here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	reg.SetWatcher(h.broadcastPresence)
	return h
}

// ServeWS upgrades the connection and runs the session worker until the
// client leaves or the transport fails.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	displayName := h.displayName(r)
	session := h.registry.Register(displayName)
	h.metrics.IncSession()

	ctx, cancel := context.WithCancel(r.Context())
	sc := &sessionConn{
		id:     session.ID,
		conn:   conn,
		sendCh: make(chan wire.Frame, h.ws.SendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	h.router.Attach(sc)
	defer h.cleanup(sc)

	go h.writePump(sc)

	if err := sc.Push(wire.Frame{
		Type:            wire.TypeSessionAssigned,
		SessionAssigned: &wire.SessionAssigned{SessionID: session.ID},
	}); err != nil {
		return
	}
	// The watcher fired inside Register before this sink was attached, so
	// the newcomer needs its own view pushed again. Bursts are fine;
	// last-write-wins per recipient.
	h.broadcastPresence(session.Scope())

	h.log.Info("session connected",
		zap.String("session_id", session.ID),
		zap.String("display_name", displayName))

	h.readLoop(sc)
}

func (h *Hub) displayName(r *http.Request) string {
	if name := r.URL.Query().Get("name"); name != "" {
		return name
	}
	if handle := r.URL.Query().Get("handle"); handle != "" && h.roster != nil {
		if name, ok := h.roster.LookupName(handle); ok {
			return name
		}
	}
	return ""
}

func (h *Hub) readLoop(sc *sessionConn) {
	sc.conn.SetReadLimit(h.ws.ReadLimit)
	deadline := h.ws.PingInterval * 2
	_ = sc.conn.SetReadDeadline(time.Now().Add(deadline))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("websocket read failed", zap.String("session_id", sc.id), zap.Error(err))
			}
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			h.reportError(sc, &frameError{code: "INVALID_FRAME", msg: err.Error()})
			continue
		}

		start := time.Now()
		err = h.routeFrame(sc, frame)
		h.observe(frame.Type, start, err)
		if err != nil {
			var ferr *frameError
			if errors.As(err, &ferr) {
				h.reportError(sc, ferr)
				if ferr.fatal {
					h.flushOutbound(sc)
					return
				}
				continue
			}
			return
		}
		if frame.Type == wire.TypeLeave {
			h.flushOutbound(sc)
			return
		}
	}
}

func (h *Hub) routeFrame(sc *sessionConn, frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeJoinRoom:
		if frame.JoinRoom == nil || frame.JoinRoom.Room == "" {
			return &frameError{code: "INVALID_FRAME", msg: "room id required"}
		}
		if _, _, err := h.registry.JoinRoom(sc.id, frame.JoinRoom.Room); err != nil {
			return &frameError{code: "UNKNOWN_SESSION", msg: err.Error()}
		}
		return nil

	case wire.TypeSendMessage:
		if frame.SendMessage == nil {
			return &frameError{code: "INVALID_FRAME", msg: "send body required"}
		}
		outcome, err := h.router.Send(sc.id, frame.SendMessage.Addressing, frame.SendMessage.Content)
		if err != nil {
			return &frameError{code: "INVALID_ADDRESSING", msg: err.Error()}
		}
		if outcome.Undelivered {
			// Baseline behavior: the sender is not told. Kept observable
			// through metrics and debug logs only.
			h.log.Debug("send yielded no recipients",
				zap.String("session_id", sc.id),
				zap.String("mode", string(outcome.Mode)))
		}
		return nil

	case wire.TypeLeave:
		reason := "leave"
		if frame.Leave != nil && frame.Leave.Reason != "" {
			reason = frame.Leave.Reason
		}
		_ = sc.Push(wire.Frame{
			Type:         wire.TypeDisconnected,
			Disconnected: &wire.Disconnected{Reason: reason},
		})
		return nil

	default:
		return &frameError{code: "UNSUPPORTED_FRAME", msg: "unsupported frame type " + frame.Type}
	}
}

// flushOutbound waits for the session's queue to drain so a final frame
// reaches the wire before cleanup closes the connection.
func (h *Hub) flushOutbound(sc *sessionConn) {
	deadline := time.Now().Add(h.ws.WriteTimeout)
	for len(sc.sendCh) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// let the write pump finish the in-flight frame
	time.Sleep(10 * time.Millisecond)
}

func (h *Hub) reportError(sc *sessionConn, ferr *frameError) {
	h.metrics.RecordError(ferr.code)
	_ = sc.Push(wire.Frame{
		Type:  wire.TypeError,
		Error: &wire.Error{Code: ferr.code, Message: ferr.msg},
	})
}

func (h *Hub) observe(op string, start time.Time, err error) {
	h.metrics.ObserveLatency(op, time.Since(start))
	if err != nil {
		var ferr *frameError
		if errors.As(err, &ferr) && ferr.code != "" {
			return // counted in reportError
		}
		h.metrics.RecordError("internal")
	}
}

// writePump drains the outbound queue to the socket and keeps the
// connection alive with pings.
func (h *Hub) writePump(sc *sessionConn) {
	ticker := time.NewTicker(h.ws.PingInterval)
	defer ticker.Stop()
	defer sc.cancel()

	for {
		select {
		case <-sc.ctx.Done():
			_ = sc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.ws.WriteTimeout))
			return
		case frame := <-sc.sendCh:
			data, err := wire.Encode(frame)
			if err != nil {
				h.log.Error("encode outbound frame", zap.Error(err))
				continue
			}
			_ = sc.conn.SetWriteDeadline(time.Now().Add(h.ws.WriteTimeout))
			if err := sc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Warn("websocket write failed", zap.String("session_id", sc.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(h.ws.WriteTimeout))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) cleanup(sc *sessionConn) {
	sc.cancel()
	h.router.Detach(sc.id)
	if _, ok := h.registry.Unregister(sc.id); ok {
		h.metrics.DecSession()
	}
	_ = sc.conn.Close()
	h.log.Info("session disconnected", zap.String("session_id", sc.id))
}

// broadcastPresence pushes a presence-delta for each affected scope. Fan-out
// runs on the mutating goroutine but every push is non-blocking, so a slow
// recipient can never stall registry mutations.
func (h *Hub) broadcastPresence(scopes ...string) {
	for _, scope := range scopes {
		if h.routing.IsolateRoomless && scope == registry.ScopeGlobal {
			continue
		}

		sessions := h.registry.ListScope(scope)
		entries := make([]wire.PresenceEntry, 0, len(sessions))
		for _, s := range sessions {
			entries = append(entries, wire.PresenceEntry{
				SessionID:   s.ID,
				DisplayName: s.DisplayName,
				Room:        s.RoomID,
				ConnectedAt: wire.Timestamp(s.ConnectedAt),
			})
		}
		frame := wire.Frame{
			Type:          wire.TypePresenceDelta,
			PresenceDelta: &wire.PresenceDelta{Scope: scope, Sessions: entries},
		}

		recipients := sessions
		if h.routing.GlobalPresence {
			recipients = h.registry.ListAll()
		}
		for _, s := range recipients {
			_ = h.router.PushTo(s.ID, frame)
		}
		h.metrics.RecordPresenceBroadcast()
	}
}

// sessionConn is one connection's identity plus its bounded outbound queue.
type sessionConn struct {
	id     string
	conn   *websocket.Conn
	sendCh chan wire.Frame
	ctx    context.Context
	cancel context.CancelFunc
}

// SessionID implements router.Sink.
func (c *sessionConn) SessionID() string { return c.id }

// Push implements router.Sink. It never blocks: a full queue cancels the
// session so one dead reader cannot wedge a fan-out.
func (c *sessionConn) Push(f wire.Frame) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.sendCh <- f:
		return nil
	default:
		c.cancel()
		return ErrBackpressure
	}
}
