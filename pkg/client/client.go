// Package client is the relay's client SDK: a connection lifecycle manager,
// a presence cache mirroring the registry scope the client can see, and a
// conversation store reconciling optimistic appends with server echoes.
package client

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/chat-relay/chat-relay/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the lifecycle phase of one Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // transport up, no session assigned yet
	StateActive    // session id assigned
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	default:
		return "disconnected"
	}
}

var (
	// ErrNotConnected reports an operation that needs a live connection.
	ErrNotConnected = errors.New("client not connected")
	// ErrStaleSession reports a send constructed against a session id that
	// was cleared by a disconnect. Rejected locally, never transmitted.
	ErrStaleSession = errors.New("session id is stale")
	// ErrBackpressure reports a full outbound queue.
	ErrBackpressure = errors.New("client send buffer full")
	// ErrAlreadyConnected reports a Connect while a connection is in flight.
	ErrAlreadyConnected = errors.New("client already connected")
)

// EventKind tags an Event.
type EventKind int

const (
	EventSessionAssigned EventKind = iota
	EventPresence
	EventMessage
	EventDisconnected
	EventError
)

// Event is one push delivered to the caller, in wire order.
type Event struct {
	Kind      EventKind
	SessionID string               // EventSessionAssigned
	Message   *Message             // EventMessage
	Reason    string               // EventDisconnected
	Code      string               // EventError
	Detail    string               // EventError
	Others    []wire.PresenceEntry // EventPresence, self already filtered
}

// Options configures a Client.
type Options struct {
	// URL is the relay websocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// DisplayName labels the session; Handle is resolved by the relay's
	// roster when DisplayName is empty.
	DisplayName string
	Handle      string
	// Room, when set, is joined as soon as the session activates.
	Room string
	// OptimisticRender appends own sends locally before the server echo.
	// Pick one policy per deployment: with the relay's echo-to-sender on,
	// leaving this off avoids double rendering; turning both on enables
	// echo reconciliation instead.
	OptimisticRender bool
	// EchoToSender mirrors the relay's policy so the conversation store
	// knows whether echoes must be reconciled against optimistic entries.
	EchoToSender bool

	DialTimeout    time.Duration
	SendBufferSize int
	EventBuffer    int
	Log            *zap.Logger
}

// link is one physical connection's resources. A reconnect builds a new link.
type link struct {
	conn   *websocket.Conn
	sendCh chan wire.Frame
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Client is the connection lifecycle manager. At most one connection attempt
// is in flight per Client; there is no automatic retry — reconnection is
// always an explicit Connect call.
type Client struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	link      *link

	presence      *PresenceCache
	conversations *ConversationStore
	events        chan Event
}

// New builds a Client. Call Connect to establish the connection.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("relay url is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, errors.New("relay url is invalid")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 32
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	return &Client{
		opts:          opts,
		log:           opts.Log,
		presence:      NewPresenceCache(),
		conversations: NewConversationStore(opts.EchoToSender && opts.OptimisticRender),
		events:        make(chan Event, opts.EventBuffer),
	}, nil
}

// Events returns the push event stream. Events arrive one at a time in the
// order received on the wire; the caches are already updated when an event
// is observed.
func (c *Client) Events() <-chan Event { return c.events }

// State reports the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the assigned session id while Active.
func (c *Client) SessionID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.sessionID != ""
}

// Presence exposes the client-side presence cache.
func (c *Client) Presence() *PresenceCache { return c.presence }

// Conversations exposes the client-side conversation store.
func (c *Client) Conversations() *ConversationStore { return c.conversations }

// Connect dials the relay and starts the pumps. It returns once the
// transport is up; session assignment arrives later as a push event.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.endpoint(), nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	linkCtx, linkCancel := context.WithCancel(context.Background())
	l := &link{
		conn:   conn,
		sendCh: make(chan wire.Frame, c.opts.SendBufferSize),
		ctx:    linkCtx,
		cancel: linkCancel,
	}

	c.mu.Lock()
	c.link = l
	c.state = StateConnected
	c.mu.Unlock()

	go c.sendLoop(l)
	go c.recvLoop(l)
	return nil
}

func (c *Client) endpoint() string {
	u, _ := url.Parse(c.opts.URL)
	q := u.Query()
	if c.opts.DisplayName != "" {
		q.Set("name", c.opts.DisplayName)
	} else if c.opts.Handle != "" {
		q.Set("handle", c.opts.Handle)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Send queues an addressed message. Fire-and-forget: queueing is the only
// guarantee. A cleared session id (post-disconnect) rejects the send locally.
func (c *Client) Send(addr wire.Addressing, content string) error {
	if !addr.Valid() {
		return wire.ErrBadAddressing
	}

	c.mu.Lock()
	l := c.link
	from := c.sessionID
	active := c.state == StateActive
	c.mu.Unlock()

	if l == nil || !active {
		return ErrNotConnected
	}
	if from == "" {
		return ErrStaleSession
	}

	if err := c.queue(l, wire.Frame{
		Type:        wire.TypeSendMessage,
		SendMessage: &wire.SendMessage{Addressing: addr, Content: content},
	}); err != nil {
		return err
	}

	if c.opts.OptimisticRender {
		c.conversations.AppendLocal(keyForOutbound(addr), from, content)
	}
	return nil
}

// JoinRoom asks the relay to move this session into a room.
func (c *Client) JoinRoom(room string) error {
	c.mu.Lock()
	l := c.link
	active := c.state == StateActive
	c.mu.Unlock()
	if l == nil || !active {
		return ErrNotConnected
	}
	return c.queue(l, wire.Frame{Type: wire.TypeJoinRoom, JoinRoom: &wire.JoinRoom{Room: room}})
}

// Close sends a best-effort leave and tears the connection down.
func (c *Client) Close(reason string) {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return
	}
	_ = c.queue(l, wire.Frame{Type: wire.TypeLeave, Leave: &wire.Leave{Reason: reason}})
	// Give the send loop a moment to flush the leave frame.
	time.Sleep(50 * time.Millisecond)
	c.teardown(l, reason)
}

func (c *Client) queue(l *link, f wire.Frame) error {
	select {
	case <-l.ctx.Done():
		return ErrNotConnected
	case l.sendCh <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) sendLoop(l *link) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case frame := <-l.sendCh:
			data, err := wire.Encode(frame)
			if err != nil {
				c.log.Error("encode frame", zap.Error(err))
				continue
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if !errors.Is(err, context.Canceled) {
					c.log.Warn("send failed", zap.Error(err))
				}
				c.teardown(l, "write failed")
				return
			}
		}
	}
}

func (c *Client) recvLoop(l *link) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			c.teardown(l, "connection lost")
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("bad inbound frame", zap.Error(err))
			continue
		}
		c.apply(frame)
	}
}

// apply updates the caches synchronously, then emits the event. Pushes are
// handled one at a time in wire order; no reordering, no coalescing.
func (c *Client) apply(frame wire.Frame) {
	switch frame.Type {
	case wire.TypeSessionAssigned:
		if frame.SessionAssigned == nil {
			return
		}
		id := frame.SessionAssigned.SessionID
		c.mu.Lock()
		c.sessionID = id
		c.state = StateActive
		l := c.link
		c.mu.Unlock()

		c.presence.SetSelf(id)
		if c.opts.Room != "" && l != nil {
			_ = c.queue(l, wire.Frame{Type: wire.TypeJoinRoom, JoinRoom: &wire.JoinRoom{Room: c.opts.Room}})
		}
		c.emit(Event{Kind: EventSessionAssigned, SessionID: id})

	case wire.TypePresenceDelta:
		if frame.PresenceDelta == nil {
			return
		}
		c.presence.Apply(*frame.PresenceDelta)
		c.emit(Event{Kind: EventPresence, Others: c.presence.Others()})

	case wire.TypeMessageDelivered:
		if frame.MessageDelivered == nil {
			return
		}
		d := frame.MessageDelivered
		c.mu.Lock()
		self := c.sessionID
		c.mu.Unlock()

		key := keyForInbound(self, d.From, d.To)
		msg := Message{From: d.From, Content: d.Content, Timestamp: d.Timestamp}
		reconciled := c.conversations.ApplyDelivered(key, msg, d.From == self)
		if !reconciled {
			c.emit(Event{Kind: EventMessage, Message: &Message{From: d.From, Content: d.Content, Timestamp: d.Timestamp, Key: key}})
		}

	case wire.TypeDisconnected:
		reason := ""
		if frame.Disconnected != nil {
			reason = frame.Disconnected.Reason
		}
		c.emit(Event{Kind: EventDisconnected, Reason: reason})

	case wire.TypeError:
		if frame.Error == nil {
			return
		}
		c.emit(Event{Kind: EventError, Code: frame.Error.Code, Detail: frame.Error.Message})
	}
}

// teardown clears the cached session id (stale-id protection), resets the
// presence view, and moves the client back to Disconnected. Reconnecting is
// the caller's explicit choice.
func (c *Client) teardown(l *link, reason string) {
	l.once.Do(func() {
		l.cancel()
		_ = l.conn.Close()

		c.mu.Lock()
		if c.link == l {
			c.link = nil
			c.sessionID = ""
			c.state = StateDisconnected
		}
		c.mu.Unlock()

		c.presence.Reset()
		c.emit(Event{Kind: EventDisconnected, Reason: reason})
		c.log.Info("disconnected", zap.String("reason", reason))
	})
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Never block the read pump on a stalled consumer.
		c.log.Warn("event buffer full; dropping event")
	}
}
