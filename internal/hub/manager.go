// Package hub is a development implementation of the presence and chat hub:
// online tracking, one-to-one message routing with per-user inboxes, read
// receipts, typing relay and presence broadcast.
package hub

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pelusa-v/pelusa-presence/internal/hubproto"
	"github.com/pelusa-v/pelusa-presence/internal/metrics"
	"github.com/pelusa-v/pelusa-presence/internal/model"
)

// Invocation is one invoke frame received from a client.
type Invocation struct {
	Client  *Client
	Frame   *hubproto.Frame
	Limited bool
}

var (
	ErrRateLimited   = errors.New("rate limited")
	ErrUnknownMethod = errors.New("unknown method")
)

type presenceState struct {
	Source string
	Status string
}

type Manager struct {
	mu sync.RWMutex

	clients map[string]*Client            // id -> client
	byUser  map[string]map[string]*Client // username -> id -> client
	names   map[string]string             // username key -> spelling of first connection

	RegisterChan   chan *Client
	UnregisterChan chan *Client
	InvokeChan     chan *Invocation
	done           chan struct{}

	inbox    inbox
	presence map[string]presenceState
	roster   *Roster
	now      func() time.Time
}

func NewManager(roster *Roster) *Manager {
	if roster == nil {
		roster = NewRoster(nil)
	}
	return &Manager{
		clients:        map[string]*Client{},
		byUser:         map[string]map[string]*Client{},
		names:          map[string]string{},
		RegisterChan:   make(chan *Client),
		UnregisterChan: make(chan *Client),
		InvokeChan:     make(chan *Invocation, 64),
		done:           make(chan struct{}),
		inbox:          inbox{},
		presence:       map[string]presenceState{},
		roster:         roster,
		now:            time.Now,
	}
}

// Register hands c to the hub loop. It reports false once the loop has exited.
func (m *Manager) Register(c *Client) bool {
	select {
	case m.RegisterChan <- c:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) Unregister(c *Client) {
	select {
	case m.UnregisterChan <- c:
	case <-m.done:
	}
}

func (m *Manager) Dispatch(inv *Invocation) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.InvokeChan <- inv:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) Roster() *Roster { return m.roster }

func (m *Manager) IsOnline(username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[model.Key(username)]) > 0
}

// OnlineUsers returns the usernames with at least one connection, sorted.
func (m *Manager) OnlineUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byUser))
	for k := range m.byUser {
		out = append(out, m.names[k])
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Conversations(username string) []model.ConversationSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inbox.summaries(username)
}

func (m *Manager) History(username, peer string, limit int) []model.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inbox.history(username, peer, limit)
}

// Start runs the hub loop until ctx is done. All client sends happen here.
// On exit every client's Send is closed, which closes its connection.
func (m *Manager) Start(ctx context.Context) {
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-m.RegisterChan:
			if m.register(client) {
				m.broadcastExcept(client.Username, hubproto.EventUserOnline, client.Username)
			}
			m.replayPresence(client)

		case client := <-m.UnregisterChan:
			if m.unregister(client) {
				m.broadcastExcept(client.Username, hubproto.EventUserOffline, client.Username)
			}

		case inv := <-m.InvokeChan:
			m.invoke(inv)
		}
	}
}

func (m *Manager) shutdown() {
	close(m.done)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		close(c.Send)
		metrics.HubClients.Dec()
	}
	m.clients = map[string]*Client{}
	m.byUser = map[string]map[string]*Client{}
	m.names = map[string]string{}
	m.presence = map[string]presenceState{}
	log.Info().Str("component", "hub").Msg("hub loop stopped")
}

// register reports whether this is the user's first connection.
func (m *Manager) register(c *Client) bool {
	c.Username = m.roster.Canonical(c.Username)
	k := model.Key(c.Username)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.Id] = c
	first := len(m.byUser[k]) == 0
	if first {
		m.byUser[k] = map[string]*Client{}
		m.names[k] = c.Username
	}
	m.byUser[k][c.Id] = c
	metrics.HubClients.Inc()
	log.Info().Str("component", "hub").Str("user", c.Username).Str("client", c.Id).Msg("client registered")
	return first
}

// unregister reports whether the user's last connection went away.
func (m *Manager) unregister(c *Client) bool {
	k := model.Key(c.Username)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.Id]; !ok {
		return false
	}
	delete(m.clients, c.Id)
	delete(m.byUser[k], c.Id)
	close(c.Send)
	metrics.HubClients.Dec()
	log.Info().Str("component", "hub").Str("user", c.Username).Str("client", c.Id).Msg("client unregistered")
	if len(m.byUser[k]) > 0 {
		return false
	}
	delete(m.byUser, k)
	delete(m.names, k)
	delete(m.presence, k)
	return true
}

// replayPresence sends c the last reported presence of every other user.
func (m *Manager) replayPresence(c *Client) {
	type update struct {
		user string
		st   presenceState
	}
	m.mu.RLock()
	updates := make([]update, 0, len(m.presence))
	for k, st := range m.presence {
		if k != model.Key(c.Username) {
			updates = append(updates, update{user: m.names[k], st: st})
		}
	}
	m.mu.RUnlock()
	for _, u := range updates {
		frame, err := hubproto.NewEvent(hubproto.EventPresenceUpdate, u.user, u.st.Source, u.st.Status, string(m.roster.CalendarStatus(u.user)))
		if err != nil {
			continue
		}
		m.sendFrame(c, frame)
	}
}

func (m *Manager) invoke(inv *Invocation) {
	method := inv.Frame.Target
	var (
		result any
		err    error
	)
	if inv.Limited {
		err = ErrRateLimited
	} else {
		result, err = m.handle(inv.Client, inv.Frame)
	}

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrUnknownMethod) {
			method = "unknown"
		}
		log.Debug().Err(err).Str("component", "hub").Str("user", inv.Client.Username).Str("method", inv.Frame.Target).Msg("invocation failed")
	}
	metrics.HubInvocations.WithLabelValues(method, status).Inc()

	reply, encErr := hubproto.NewCompletion(inv.Frame.ID, result, err)
	if encErr != nil {
		log.Error().Err(encErr).Str("component", "hub").Msg("cannot encode completion")
		return
	}
	m.sendFrame(inv.Client, reply)
}

func (m *Manager) handle(c *Client, f *hubproto.Frame) (any, error) {
	switch f.Target {
	case hubproto.MethodGetOnlineUsers:
		return m.OnlineUsers(), nil

	case hubproto.MethodReportPresence:
		var source, status string
		if err := f.Arg(0, &source); err != nil {
			return nil, err
		}
		if err := f.Arg(1, &status); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.presence[model.Key(c.Username)] = presenceState{Source: source, Status: status}
		m.mu.Unlock()
		cal := m.roster.CalendarStatus(c.Username)
		m.broadcastExcept(c.Username, hubproto.EventPresenceUpdate, c.Username, source, status, string(cal))
		return nil, nil

	case hubproto.MethodSendMessage:
		return nil, m.sendMessage(c, f)

	case hubproto.MethodMarkAsRead:
		peer, err := usernameArg(f)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.inbox.markRead(c.Username, peer)
		m.mu.Unlock()
		m.sendToUser(peer, hubproto.EventMessagesRead, c.Username)
		return nil, nil

	case hubproto.MethodStartTyping, hubproto.MethodStopTyping:
		peer, err := usernameArg(f)
		if err != nil {
			return nil, err
		}
		event := hubproto.EventUserTyping
		if f.Target == hubproto.MethodStopTyping {
			event = hubproto.EventUserStoppedTyping
		}
		m.sendToUser(peer, event, c.Username)
		return nil, nil
	}
	return nil, errors.Wrap(ErrUnknownMethod, f.Target)
}

func (m *Manager) sendMessage(c *Client, f *hubproto.Frame) error {
	var to, content, clientID string
	if err := f.Arg(0, &to); err != nil {
		return err
	}
	if err := f.Arg(1, &content); err != nil {
		return err
	}
	if len(f.Arguments) > 2 {
		if err := f.Arg(2, &clientID); err != nil {
			return err
		}
	}
	if strings.TrimSpace(to) == "" {
		return errors.New("recipient is required")
	}
	if strings.TrimSpace(content) == "" {
		return errors.New("message is empty")
	}
	if !m.roster.Admits(to) {
		return errors.Errorf("unknown recipient %q", to)
	}

	msg := model.Message{
		SenderUsername:    c.Username,
		RecipientUsername: m.roster.Canonical(to),
		Content:           content,
		SentAt:            m.now().UTC(),
		ClientID:          clientID,
	}
	m.mu.Lock()
	m.inbox.record(msg)
	m.mu.Unlock()

	m.sendToUser(msg.RecipientUsername, hubproto.EventReceiveMessage, msg)
	m.sendToUser(msg.SenderUsername, hubproto.EventMessageSent, msg)
	metrics.HubMessagesRouted.Inc()
	return nil
}

func usernameArg(f *hubproto.Frame) (string, error) {
	var u string
	if err := f.Arg(0, &u); err != nil {
		return "", err
	}
	if strings.TrimSpace(u) == "" {
		return "", errors.Errorf("%s: username is required", f.Target)
	}
	return u, nil
}

func (m *Manager) sendToUser(username, event string, args ...any) {
	frame, err := hubproto.NewEvent(event, args...)
	if err != nil {
		log.Error().Err(err).Str("component", "hub").Str("event", event).Msg("cannot encode event")
		return
	}
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.byUser[model.Key(username)]))
	for _, c := range m.byUser[model.Key(username)] {
		targets = append(targets, c)
	}
	m.mu.RUnlock()
	for _, c := range targets {
		m.sendFrame(c, frame)
	}
}

func (m *Manager) broadcastExcept(username, event string, args ...any) {
	frame, err := hubproto.NewEvent(event, args...)
	if err != nil {
		log.Error().Err(err).Str("component", "hub").Str("event", event).Msg("cannot encode event")
		return
	}
	skip := model.Key(username)
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		if model.Key(c.Username) != skip {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()
	for _, c := range targets {
		m.sendFrame(c, frame)
	}
}

// sendFrame drops the frame when the client's buffer is full.
func (m *Manager) sendFrame(c *Client, f *hubproto.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	m.mu.RLock()
	_, live := m.clients[c.Id]
	m.mu.RUnlock()
	if !live {
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().Str("component", "hub").Str("user", c.Username).Msg("client buffer full, dropping frame")
	}
}
