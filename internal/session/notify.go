package session

import (
	"sync"

	"github.com/pelusa-v/pelusa-presence/internal/model"
	"github.com/pelusa-v/pelusa-presence/internal/transport"
)

type Kind int

const (
	PresenceChanged Kind = iota
	ConversationsChanged
	// NewMessage fires for an inbound message that became unread.
	NewMessage
	TypingShown
	TypingHidden
	ConnectionStateChanged
	// ConnectionLost means automatic reconnection gave up. Connect retries.
	ConnectionLost
	DirectoryChanged
	PeerRead
)

func (k Kind) String() string {
	switch k {
	case PresenceChanged:
		return "presence_changed"
	case ConversationsChanged:
		return "conversations_changed"
	case NewMessage:
		return "new_message"
	case TypingShown:
		return "typing_shown"
	case TypingHidden:
		return "typing_hidden"
	case ConnectionStateChanged:
		return "connection_state_changed"
	case ConnectionLost:
		return "connection_lost"
	case DirectoryChanged:
		return "directory_changed"
	case PeerRead:
		return "peer_read"
	default:
		return "unknown"
	}
}

// Notification tells the view what to re-render. Only the fields relevant to
// Kind are set.
type Notification struct {
	Kind     Kind
	Username string
	Message  model.Message
	State    transport.State
	Err      error
}

type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Notification)
}

func (s *subscribers) add(fn func(Notification)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = map[int]func(Notification){}
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) emit(n Notification) {
	s.mu.Lock()
	fns := make([]func(Notification), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}
