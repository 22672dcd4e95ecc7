// Package session owns one presence-and-messaging session: the hub
// transport, the presence aggregator, the conversation store, the typing
// coordinator and the directory cache. Hub events are applied on a single
// dispatch loop; network calls never run on it.
package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/pelusa-v/pelusa-presence/internal/auth"
	"github.com/pelusa-v/pelusa-presence/internal/conversation"
	"github.com/pelusa-v/pelusa-presence/internal/directory"
	"github.com/pelusa-v/pelusa-presence/internal/errs"
	"github.com/pelusa-v/pelusa-presence/internal/hubproto"
	"github.com/pelusa-v/pelusa-presence/internal/model"
	"github.com/pelusa-v/pelusa-presence/internal/presence"
	"github.com/pelusa-v/pelusa-presence/internal/transport"
	"github.com/pelusa-v/pelusa-presence/internal/typing"
)

// Transport is the hub connection as the session uses it.
type Transport interface {
	Connect(ctx context.Context) error
	Invoke(ctx context.Context, method string, result any, args ...any) error
	On(event string, h transport.Handler)
	OnStateChange(fn func(transport.State))
	OnReconnected(fn func())
	OnClose(fn func(error))
	State() transport.State
	Stop()
}

// API is the directory and history HTTP API.
type API interface {
	Directory(ctx context.Context) ([]model.Identity, error)
	Conversations(ctx context.Context) ([]model.ConversationSummary, error)
	Messages(ctx context.Context, username string, limit int) ([]model.Message, error)
}

// Calendar answers batched free/busy queries.
type Calendar interface {
	Availability(ctx context.Context, emails []string) (map[string]presence.CalendarStatus, error)
}

type Deps struct {
	Transport Transport
	API       API
	Identity  auth.IdentityProvider
	// Tokens may be nil; the session then runs without calendar enrichment.
	Tokens      auth.TokenProvider
	NewCalendar func(oauth2.TokenSource) Calendar
}

type Options struct {
	Source                  string
	PresenceInterval        time.Duration
	TypingIdle              time.Duration
	RemoteTypingTimeout     time.Duration
	RequestTimeout          time.Duration
	HistoryLimit            int
	ResyncOnlineOnReconnect bool
	DedupMessages           bool
}

func (o Options) withDefaults() Options {
	if o.Source == "" {
		o.Source = "PresencePanel"
	}
	if o.PresenceInterval <= 0 {
		o.PresenceInterval = 60 * time.Second
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = typing.DefaultIdle
	}
	if o.RemoteTypingTimeout <= 0 {
		o.RemoteTypingTimeout = typing.DefaultRemoteTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	return o
}

// Person is one row of the people list.
type Person struct {
	Identity model.Identity
	Status   presence.DisplayStatus
}

type Session struct {
	deps Deps
	opts Options

	directory *directory.Cache
	presence  *presence.Aggregator
	convs     *conversation.Store
	typing    *typing.Coordinator
	subs      subscribers

	queue    chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu       sync.Mutex
	self     model.Identity
	calendar Calendar
	degraded bool
	started  bool
	running  bool
	stopped  bool
}

func New(deps Deps, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:      deps,
		opts:      opts,
		directory: directory.NewCache(),
		queue:     make(chan func(), 256),
		ctx:       ctx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
	}
	s.presence = presence.NewAggregator(opts.Source, presence.WithResolver(s.directory))

	storeOpts := []conversation.Option{
		conversation.WithReadNotifier(func(username string) {
			s.invokeAsync(hubproto.MethodMarkAsRead, username)
		}),
		conversation.WithNotifier(func(msg model.Message) {
			s.subs.emit(Notification{Kind: NewMessage, Username: msg.SenderUsername, Message: msg})
		}),
	}
	if opts.DedupMessages {
		storeOpts = append(storeOpts, conversation.WithDedup())
	}
	s.convs = conversation.NewStore(storeOpts...)

	s.typing = typing.NewCoordinator(signaler{s},
		typing.WithIdle(opts.TypingIdle),
		typing.WithRemoteTimeout(opts.RemoteTypingTimeout),
		typing.WithIndicator(func(username string, visible bool) {
			kind := TypingHidden
			if visible {
				kind = TypingShown
			}
			s.subs.emit(Notification{Kind: kind, Username: username})
		}),
	)

	s.wire()
	return s
}

// Start resolves the identity, acquires the calendar token, loads the
// directory and conversation summaries, then connects. Only an identity
// failure aborts; a connect failure is returned after everything else ran,
// and Connect may be called again to retry.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.mu.Unlock()

	self, err := s.deps.Identity.Identity(ctx)
	if err != nil {
		var authErr *errs.AuthError
		if !errors.As(err, &authErr) {
			err = &errs.AuthError{Op: "identity", Fatal: true, Err: err}
		}
		log.Error().Err(err).Str("component", "session").Msg("cannot resolve current user")
		return err
	}

	var cal Calendar
	degraded := false
	ts, err := auth.Acquire(ctx, s.deps.Tokens)
	if err != nil {
		degraded = true
		log.Warn().Err(err).Str("component", "session").Msg("token unavailable, continuing without calendar")
	} else if ts != nil && s.deps.NewCalendar != nil {
		cal = s.deps.NewCalendar(ts)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return &errs.ConnectionError{Op: "start", Err: errs.ErrStopped}
	}
	s.self = self
	s.calendar = cal
	s.degraded = degraded
	s.running = true
	s.mu.Unlock()

	go s.loop()

	var g errgroup.Group
	g.Go(func() error { return s.RefreshDirectory(ctx) })
	g.Go(func() error { return s.loadSummaries(ctx) })
	_ = g.Wait()
	s.pollCalendar(ctx)

	log.Info().Str("component", "session").Str("user", self.Username).Bool("calendar", cal != nil).Msg("session initialised")
	return s.Connect(ctx)
}

// Connect opens the hub connection and runs the handshake: fetch the online
// set, then report self presence.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.deps.Transport.Connect(ctx); err != nil {
		return err
	}
	if err := s.refreshOnline(ctx); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("online set unavailable")
	}
	if err := s.reportPresence(ctx); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("self presence report failed")
	}
	return nil
}

// RefreshDirectory reloads the directory. A failure keeps the previous snapshot.
func (s *Session) RefreshDirectory(ctx context.Context) error {
	if err := s.directory.Refresh(ctx, s.deps.API); err != nil {
		return err
	}
	s.presence.Rekey()
	s.subs.emit(Notification{Kind: DirectoryChanged})
	return nil
}

func (s *Session) loadSummaries(ctx context.Context) error {
	rows, err := s.deps.API.Conversations(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("conversation summaries unavailable")
		return err
	}
	s.convs.LoadSummaries(rows)
	s.subs.emit(Notification{Kind: ConversationsChanged})
	return nil
}

// OpenConversation makes username the active conversation, marks it read and
// loads its history. The history error is returned; the conversation stays open.
func (s *Session) OpenConversation(ctx context.Context, username string) error {
	if model.Key(username) == "" {
		return errors.New("open conversation: empty username")
	}
	s.convs.SetActive(username)
	s.typing.SetCounterpart(username)
	s.convs.MarkRead(username)
	s.subs.emit(Notification{Kind: ConversationsChanged, Username: username})

	msgs, err := s.deps.API.Messages(ctx, username, s.opts.HistoryLimit)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Str("with", username).Msg("history unavailable")
		return err
	}
	s.convs.LoadHistory(username, msgs)
	s.subs.emit(Notification{Kind: ConversationsChanged, Username: username})
	return nil
}

func (s *Session) CloseConversation() {
	s.convs.SetActive("")
	s.typing.SetCounterpart("")
	s.subs.emit(Notification{Kind: ConversationsChanged})
}

// ActiveConversation returns the lower-cased active counterpart, or "".
func (s *Session) ActiveConversation() string {
	return s.convs.Active()
}

// SendMessage invokes SendMessage on the hub. The message is stored when the
// hub confirms it with MessageSent. Failures are *errs.InvocationError.
func (s *Session) SendMessage(ctx context.Context, to, content string) error {
	if model.Key(to) == "" {
		return &errs.InvocationError{Method: hubproto.MethodSendMessage, Err: errors.New("no recipient")}
	}
	if strings.TrimSpace(content) == "" {
		return &errs.InvocationError{Method: hubproto.MethodSendMessage, Err: errors.New("empty message")}
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	if err := s.deps.Transport.Invoke(ctx, hubproto.MethodSendMessage, nil, to, content, uuid.NewString()); err != nil {
		return err
	}
	if model.Key(to) == model.Key(s.typing.Counterpart()) {
		s.typing.Done()
	}
	return nil
}

// Input reports one keystroke in the active conversation's input box.
func (s *Session) Input(hasContent bool) {
	s.typing.OnLocalInput(hasContent)
}

func (s *Session) MarkRead(username string) {
	s.convs.MarkRead(username)
	s.subs.emit(Notification{Kind: ConversationsChanged, Username: username})
}

func (s *Session) Summaries() []conversation.Conversation { return s.convs.Summaries() }

func (s *Session) Conversation(username string) (conversation.Conversation, bool) {
	return s.convs.Get(username)
}

func (s *Session) Messages(username string) []model.Message {
	c, ok := s.convs.Get(username)
	if !ok {
		return nil
	}
	return c.Messages
}

func (s *Session) UnreadTotal() int { return s.convs.UnreadTotal() }

func (s *Session) RemoteTyping() bool { return s.typing.RemoteVisible() }

// DisplayStatus resolves username through the directory and derives its status.
func (s *Session) DisplayStatus(username string) presence.DisplayStatus {
	return s.presence.DisplayStatus(s.directory.Resolve(username))
}

// People lists the directory without the current user, ordered available,
// away, busy, offline, then by display name.
func (s *Session) People() []Person {
	self := model.Key(s.Self().Username)
	var out []Person
	for _, id := range s.directory.All() {
		if model.Key(id.Username) == self {
			continue
		}
		out = append(out, Person{Identity: id, Status: s.presence.DisplayStatus(id)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Status.Rank(), out[j].Status.Rank(); ri != rj {
			return ri < rj
		}
		return strings.ToLower(out[i].Identity.Name()) < strings.ToLower(out[j].Identity.Name())
	})
	return out
}

func (s *Session) OnlineSet() []string { return s.presence.OnlineSet() }

func (s *Session) State() transport.State { return s.deps.Transport.State() }

func (s *Session) Self() model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Degraded reports that the token could not be acquired.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Subscribe registers fn for notifications and returns a function removing it.
// fn may be called from several goroutines and must not block.
func (s *Session) Subscribe(fn func(Notification)) func() {
	return s.subs.add(fn)
}

// Stop tears the session down: timers, the dispatch loop and the transport.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	running := s.running
	s.mu.Unlock()

	s.typing.Stop()
	s.cancel()
	s.deps.Transport.Stop()
	if running {
		<-s.loopDone
	}
	log.Info().Str("component", "session").Msg("session stopped")
}

func (s *Session) refreshOnline(ctx context.Context) error {
	var users []string
	if err := s.deps.Transport.Invoke(ctx, hubproto.MethodGetOnlineUsers, &users); err != nil {
		return err
	}
	s.presence.ReplaceOnline(users)
	s.subs.emit(Notification{Kind: PresenceChanged})
	return nil
}

func (s *Session) reportPresence(ctx context.Context) error {
	return s.presence.ReportSelfPresence(ctx, s.deps.Transport)
}

// pollCalendar applies one round of free/busy results. Failed batches leave
// the previous statuses in place.
func (s *Session) pollCalendar(ctx context.Context) {
	s.mu.Lock()
	cal := s.calendar
	s.mu.Unlock()
	if cal == nil {
		return
	}
	emails := s.directory.Emails()
	if len(emails) == 0 {
		return
	}
	res, err := cal.Availability(ctx, emails)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Int("resolved", len(res)).Msg("calendar poll incomplete")
	}
	for email, status := range res {
		s.presence.RecordCalendar(email, status)
	}
	if len(res) > 0 {
		s.subs.emit(Notification{Kind: PresenceChanged})
	}
}

// invokeAsync fires a best-effort hub call off the dispatch loop.
func (s *Session) invokeAsync(method string, args ...any) {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
		defer cancel()
		if err := s.deps.Transport.Invoke(ctx, method, nil, args...); err != nil {
			log.Debug().Err(err).Str("component", "session").Str("method", method).Msg("best-effort invocation failed")
		}
	}()
}

type signaler struct{ s *Session }

func (g signaler) StartTyping(username string) {
	g.s.invokeAsync(hubproto.MethodStartTyping, username)
}

func (g signaler) StopTyping(username string) {
	g.s.invokeAsync(hubproto.MethodStopTyping, username)
}
