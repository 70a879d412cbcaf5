package client

import (
	"sync"

	"github.com/chat-relay/chat-relay/internal/wire"
)

// ConversationKey partitions the client-local message log: a peer session
// id for direct chats, a room id for room chats, or KeyGlobal.
type ConversationKey string

// KeyGlobal is the conversation of unscoped broadcast traffic.
const KeyGlobal ConversationKey = "global"

// keyForOutbound derives the conversation key for a message this client is
// sending.
func keyForOutbound(addr wire.Addressing) ConversationKey {
	switch addr.Mode() {
	case wire.ModeSession:
		return ConversationKey(addr.Session)
	case wire.ModeRoom:
		return ConversationKey(addr.Room)
	default:
		return KeyGlobal
	}
}

// keyForInbound derives the conversation key for a delivered message,
// relative to this client's own session id: a direct message from a peer
// files under the peer, a direct echo of our own send files under the
// original target.
func keyForInbound(self, from string, to wire.Addressing) ConversationKey {
	switch to.Mode() {
	case wire.ModeSession:
		if from == self {
			return ConversationKey(to.Session)
		}
		return ConversationKey(from)
	case wire.ModeRoom:
		return ConversationKey(to.Room)
	default:
		return KeyGlobal
	}
}

// Message is one entry in a conversation log. Pending marks an optimistic
// local append that has not been confirmed by a server echo.
type Message struct {
	Key       ConversationKey
	From      string
	Content   string
	Timestamp string
	Pending   bool
}

// ConversationStore keeps an ordered log per conversation and reconciles
// optimistic appends with server echoes. Reconciliation only runs when the
// deployment enables both echo-to-sender and optimistic rendering —
// otherwise no duplicate can occur and every delivery is appended as-is.
type ConversationStore struct {
	mu        sync.RWMutex
	logs      map[ConversationKey][]Message
	reconcile bool
}

// NewConversationStore builds an empty store.
func NewConversationStore(reconcile bool) *ConversationStore {
	return &ConversationStore{
		logs:      make(map[ConversationKey][]Message),
		reconcile: reconcile,
	}
}

// AppendLocal records an optimistic entry for an outbound send, before any
// server confirmation.
func (s *ConversationStore) AppendLocal(key ConversationKey, from, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[key] = append(s.logs[key], Message{
		Key:     key,
		From:    from,
		Content: content,
		Pending: true,
	})
}

// ApplyDelivered records an inbound delivery. When reconciliation is on and
// the delivery is our own echo, the oldest matching pending entry is
// confirmed in place instead of appended again; the return value reports
// whether that happened.
func (s *ConversationStore) ApplyDelivered(key ConversationKey, msg Message, ownEcho bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reconcile && ownEcho {
		log := s.logs[key]
		for i := range log {
			if log[i].Pending && log[i].From == msg.From && log[i].Content == msg.Content {
				log[i].Timestamp = msg.Timestamp
				log[i].Pending = false
				return true
			}
		}
	}

	msg.Key = key
	msg.Pending = false
	s.logs[key] = append(s.logs[key], msg)
	return false
}

// Messages returns a copy of one conversation's log in append order.
func (s *ConversationStore) Messages(key ConversationKey) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.logs[key]))
	copy(out, s.logs[key])
	return out
}

// Keys lists the conversations seen so far.
func (s *ConversationStore) Keys() []ConversationKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConversationKey, 0, len(s.logs))
	for k := range s.logs {
		out = append(out, k)
	}
	return out
}
