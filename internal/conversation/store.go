// Package conversation keeps the per-counterpart message logs, unread
// counters and last-message summaries of one session.
package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pelusa-v/pelusa-presence/internal/model"
)

// Conversation is keyed by counterpart username. Messages are kept in receipt
// order; they are appended, never sorted by SentAt.
type Conversation struct {
	Username        string
	Messages        []model.Message
	UnreadCount     int
	LastMessage     string
	LastMessageTime time.Time
	PeerReadAt      time.Time
}

func (c *Conversation) clone() Conversation {
	cp := *c
	cp.Messages = append([]model.Message(nil), c.Messages...)
	return cp
}

// Outcome says what AppendIncoming did with a message.
type Outcome int

const (
	// Unread: the conversation was not active, its counter went up by one.
	Unread Outcome = iota
	// ReadOnArrival: the conversation was active, the message counts as read.
	ReadOnArrival
	// Duplicate: dedup is enabled and the client id was seen before.
	Duplicate
)

type Store struct {
	dedup    bool
	onRead   func(username string)
	onNotify func(model.Message)
	now      func() time.Time

	mu     sync.RWMutex
	convs  map[string]*Conversation
	active string
	seen   map[string]struct{}
}

type Option func(*Store)

// WithReadNotifier is called on every MarkRead, including the implicit one for
// messages arriving in the active conversation. It must not block.
func WithReadNotifier(fn func(username string)) Option {
	return func(s *Store) { s.onRead = fn }
}

// WithNotifier is called for each inbound message that became unread.
func WithNotifier(fn func(model.Message)) Option {
	return func(s *Store) { s.onNotify = fn }
}

// WithDedup drops messages whose ClientID was already stored. Messages without
// a ClientID are never deduplicated.
func WithDedup() Option {
	return func(s *Store) { s.dedup = true }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		now:   time.Now,
		convs: map[string]*Conversation{},
		seen:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ensureConversation(username string) *Conversation {
	k := model.Key(username)
	c, ok := s.convs[k]
	if !ok {
		c = &Conversation{Username: username}
		s.convs[k] = c
	}
	return c
}

// SetActive marks the conversation currently shown. "" means none.
func (s *Store) SetActive(username string) {
	s.mu.Lock()
	s.active = model.Key(username)
	s.mu.Unlock()
}

func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// AppendIncoming stores a message received from its sender. The active/unread
// branch is decided once under the lock, so a message is either counted as
// unread or marked read, never both.
func (s *Store) AppendIncoming(msg model.Message) Outcome {
	s.mu.Lock()
	if s.isDuplicateLocked(msg) {
		s.mu.Unlock()
		log.Debug().Str("component", "conversation").Str("client_id", msg.ClientID).Msg("dropping duplicate message")
		return Duplicate
	}
	c := s.ensureConversation(msg.SenderUsername)
	s.appendLocked(c, msg)
	outcome := Unread
	if s.active != "" && s.active == model.Key(msg.SenderUsername) {
		c.UnreadCount = 0
		outcome = ReadOnArrival
	} else {
		c.UnreadCount++
	}
	username := c.Username
	s.mu.Unlock()

	if outcome == ReadOnArrival {
		s.notifyRead(username)
	} else if s.onNotify != nil {
		s.onNotify(msg)
	}
	return outcome
}

// AppendOutgoingConfirmed stores a message the hub confirmed as sent. Unread
// counters are not touched.
func (s *Store) AppendOutgoingConfirmed(msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDuplicateLocked(msg) {
		return false
	}
	s.appendLocked(s.ensureConversation(msg.RecipientUsername), msg)
	return true
}

// MarkRead zeroes the unread counter and always informs the read notifier,
// even when the counter was already zero.
func (s *Store) MarkRead(username string) {
	if model.Key(username) == "" {
		return
	}
	s.mu.Lock()
	if c, ok := s.convs[model.Key(username)]; ok {
		c.UnreadCount = 0
		username = c.Username
	}
	s.mu.Unlock()
	s.notifyRead(username)
}

// MarkPeerRead records that the counterpart read our messages.
func (s *Store) MarkPeerRead(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[model.Key(username)]; ok {
		c.PeerReadAt = s.now()
	}
}

// LoadSummaries seeds conversations from GET /conversations. Existing message
// logs are kept; counters and last-message fields take the server's values.
func (s *Store) LoadSummaries(rows []model.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if model.Key(row.Username) == "" {
			continue
		}
		c := s.ensureConversation(row.Username)
		if row.UnreadCount >= 0 {
			c.UnreadCount = row.UnreadCount
		}
		c.LastMessage = row.LastMessage
		c.LastMessageTime = row.LastMessageTime
		if s.active == model.Key(row.Username) {
			c.UnreadCount = 0
		}
	}
}

// LoadHistory replaces the message log of one conversation with server history,
// in the order given. The unread counter is left alone.
func (s *Store) LoadHistory(username string, msgs []model.Message) {
	if model.Key(username) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureConversation(username)
	c.Messages = append([]model.Message(nil), msgs...)
	for _, m := range msgs {
		if m.ClientID != "" {
			s.seen[m.ClientID] = struct{}{}
		}
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		c.LastMessage = last.Content
		c.LastMessageTime = last.SentAt
	}
}

func (s *Store) Get(username string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[model.Key(username)]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// UnreadCount is 0 for unknown conversations.
func (s *Store) UnreadCount(username string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[model.Key(username)]; ok {
		return c.UnreadCount
	}
	return 0
}

func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.convs {
		total += c.UnreadCount
	}
	return total
}

// Summaries lists conversations by LastMessageTime, newest first. Ties are
// broken by username so the order is stable.
func (s *Store) Summaries() []Conversation {
	s.mu.RLock()
	list := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		list = append(list, c.clone())
	}
	s.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if !list[i].LastMessageTime.Equal(list[j].LastMessageTime) {
			return list[i].LastMessageTime.After(list[j].LastMessageTime)
		}
		return model.Key(list[i].Username) < model.Key(list[j].Username)
	})
	return list
}

func (s *Store) appendLocked(c *Conversation, msg model.Message) {
	c.Messages = append(c.Messages, msg)
	c.LastMessage = msg.Content
	c.LastMessageTime = msg.SentAt
	if c.LastMessageTime.IsZero() {
		c.LastMessageTime = s.now()
	}
	if msg.ClientID != "" {
		s.seen[msg.ClientID] = struct{}{}
	}
}

func (s *Store) isDuplicateLocked(msg model.Message) bool {
	if !s.dedup || msg.ClientID == "" {
		return false
	}
	_, ok := s.seen[msg.ClientID]
	return ok
}

func (s *Store) notifyRead(username string) {
	if s.onRead != nil {
		s.onRead(username)
	}
}
