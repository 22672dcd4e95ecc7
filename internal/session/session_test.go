package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pelusa-v/pelusa-presence/internal/auth"
	"github.com/pelusa-v/pelusa-presence/internal/errs"
	"github.com/pelusa-v/pelusa-presence/internal/hubproto"
	"github.com/pelusa-v/pelusa-presence/internal/hubtest"
	"github.com/pelusa-v/pelusa-presence/internal/model"
	"github.com/pelusa-v/pelusa-presence/internal/presence"
	"github.com/pelusa-v/pelusa-presence/internal/transport"
)

const waitFor = 2 * time.Second
const poll = 5 * time.Millisecond

type fakeAPI struct {
	mu         sync.Mutex
	directory  []model.Identity
	dirErr     error
	summaries  []model.ConversationSummary
	summaryErr error
	history    map[string][]model.Message
	historyReq []string
}

func (a *fakeAPI) Directory(context.Context) ([]model.Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.directory, a.dirErr
}

func (a *fakeAPI) Conversations(context.Context) ([]model.ConversationSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaries, a.summaryErr
}

func (a *fakeAPI) Messages(_ context.Context, username string, _ int) ([]model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.historyReq = append(a.historyReq, username)
	return a.history[model.Key(username)], nil
}

type fakeCalendar struct {
	mu     sync.Mutex
	status map[string]presence.CalendarStatus
	calls  int
}

func (c *fakeCalendar) Availability(_ context.Context, emails []string) (map[string]presence.CalendarStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	out := map[string]presence.CalendarStatus{}
	for _, e := range emails {
		if st, ok := c.status[e]; ok {
			out[e] = st
		}
	}
	return out, nil
}

func (c *fakeCalendar) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type failingTokens struct{}

func (failingTokens) TokenSource(context.Context) (oauth2.TokenSource, error) {
	return nil, errors.New("consent denied")
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) add(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) count(kind Kind, username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Kind == kind && (username == "" || model.Key(note.Username) == model.Key(username)) {
			n++
		}
	}
	return n
}

type fixture struct {
	hub      *hubtest.FakeHub
	api      *fakeAPI
	calendar *fakeCalendar
	session  *Session
	notes    *recorder
}

type fixtureOpt func(*Deps, *Options, *[]transport.Option)

func newFixture(t *testing.T, online []string, opts ...fixtureOpt) *fixture {
	t.Helper()
	f := &fixture{
		hub: hubtest.New(online...),
		api: &fakeAPI{
			directory: []model.Identity{
				{Username: "me", Email: "me@corp.example", DisplayName: "Me"},
				{Username: "alice", Email: "alice@corp.example", DisplayName: "Alice"},
				{Username: "bob", Email: "bob@corp.example", DisplayName: "Bob"},
				{Username: "carol", Email: "carol@corp.example", DisplayName: "Carol"},
			},
			history: map[string][]model.Message{},
		},
		calendar: &fakeCalendar{status: map[string]presence.CalendarStatus{}},
		notes:    &recorder{},
	}
	topts := []transport.Option{transport.WithReconnectDelays(0, 5*time.Millisecond)}
	deps := Deps{
		API:         f.api,
		Identity:    auth.StaticIdentity{Username: "me", Email: "me@corp.example", DisplayName: "Me"},
		Tokens:      auth.NewTokenProvider(auth.Config{StaticToken: "tok"}),
		NewCalendar: func(oauth2.TokenSource) Calendar { return f.calendar },
	}
	o := Options{
		Source:              "TestPanel",
		TypingIdle:          40 * time.Millisecond,
		RemoteTypingTimeout: 80 * time.Millisecond,
		RequestTimeout:      time.Second,
		PresenceInterval:    time.Hour,
	}
	for _, opt := range opts {
		opt(&deps, &o, &topts)
	}
	deps.Transport = transport.NewClient(f.hub, topts...)
	f.session = New(deps, o)
	f.session.Subscribe(f.notes.add)
	t.Cleanup(f.session.Stop)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Start(context.Background()))
}

func TestStartRunsHandshake(t *testing.T) {
	f := newFixture(t, []string{"Bob"})
	f.start(t)

	assert.Equal(t, transport.StateConnected, f.session.State())
	assert.Equal(t, 1, f.hub.CallCount(hubproto.MethodGetOnlineUsers))
	calls := f.hub.Calls(hubproto.MethodReportPresence)
	require.Len(t, calls, 1)
	assert.Equal(t, "TestPanel", calls[0].StringArg(0))
	assert.Equal(t, "Available", calls[0].StringArg(1))

	assert.Equal(t, []string{"bob"}, f.session.OnlineSet())
	assert.Equal(t, 1, f.notes.count(DirectoryChanged, ""))
	assert.False(t, f.session.Degraded())
}

func TestOfflineDespiteBusyCalendar(t *testing.T) {
	f := newFixture(t, []string{"bob"})
	f.calendar.status["alice@corp.example"] = presence.CalendarBusy
	f.start(t)

	assert.Equal(t, presence.Offline, f.session.DisplayStatus("alice"))
	assert.Equal(t, presence.Available, f.session.DisplayStatus("bob"))

	require.NoError(t, f.hub.Push(hubproto.EventUserOnline, "alice"))
	require.Eventually(t, func() bool { return f.session.DisplayStatus("ALICE") == presence.Busy }, waitFor, poll)

	require.NoError(t, f.hub.Push(hubproto.EventPresenceUpdate, "bob", "Teams", "Available", "tentative"))
	require.Eventually(t, func() bool { return f.session.DisplayStatus("bob") == presence.Away }, waitFor, poll)

	require.NoError(t, f.hub.Push(hubproto.EventUserOffline, "bob"))
	require.Eventually(t, func() bool { return f.session.DisplayStatus("bob") == presence.Offline }, waitFor, poll)
}

func TestPresenceBeforeDirectoryEntrySurvivesRefresh(t *testing.T) {
	f := newFixture(t, []string{"dave"})
	f.start(t)

	require.NoError(t, f.hub.Push(hubproto.EventPresenceUpdate, "dave", "Teams", "Available", "busy"))
	require.Eventually(t, func() bool { return f.session.DisplayStatus("dave") == presence.Busy }, waitFor, poll)

	f.api.mu.Lock()
	f.api.directory = append(f.api.directory, model.Identity{Username: "dave", Email: "dave@corp.example", DisplayName: "Dave"})
	f.api.mu.Unlock()
	require.NoError(t, f.session.RefreshDirectory(context.Background()))

	assert.Equal(t, presence.Busy, f.session.DisplayStatus("dave"))
}

func TestPeopleOrdering(t *testing.T) {
	f := newFixture(t, []string{"alice", "bob"})
	f.calendar.status["alice@corp.example"] = presence.CalendarBusy
	f.start(t)

	people := f.session.People()
	require.Len(t, people, 3)
	assert.Equal(t, "bob", people[0].Identity.Username)
	assert.Equal(t, presence.Available, people[0].Status)
	assert.Equal(t, "alice", people[1].Identity.Username)
	assert.Equal(t, presence.Busy, people[1].Status)
	assert.Equal(t, "carol", people[2].Identity.Username)
	assert.Equal(t, presence.Offline, people[2].Status)
}

func TestIdentityFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil, func(d *Deps, _ *Options, _ *[]transport.Option) {
		d.Identity = auth.StaticIdentity{DisplayName: "nobody"}
	})
	err := f.session.Start(context.Background())
	var authErr *errs.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Fatal)
	assert.Equal(t, 0, f.hub.Dials())
}

func TestTokenFailureDegrades(t *testing.T) {
	f := newFixture(t, []string{"bob"}, func(d *Deps, _ *Options, _ *[]transport.Option) {
		d.Tokens = failingTokens{}
	})
	f.start(t)
	assert.True(t, f.session.Degraded())
	assert.Equal(t, 0, f.calendar.Calls())
	assert.Equal(t, transport.StateConnected, f.session.State())
}

func TestLoadFailuresAreIsolated(t *testing.T) {
	f := newFixture(t, nil)
	f.api.dirErr = &errs.APIError{Endpoint: "/directory", Status: 500, Err: errors.New("boom")}
	f.api.summaries = []model.ConversationSummary{{Username: "carol", UnreadCount: 2, LastMessage: "hi"}}
	f.start(t)

	assert.Empty(t, f.session.People())
	assert.Equal(t, 2, f.session.UnreadTotal())
	assert.Equal(t, transport.StateConnected, f.session.State())
}

func TestConnectFailureReturnedAfterLoads(t *testing.T) {
	f := newFixture(t, []string{"bob"})
	f.api.summaries = []model.ConversationSummary{{Username: "bob", UnreadCount: 1}}
	f.hub.FailDials(1)

	err := f.session.Start(context.Background())
	var connErr *errs.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, transport.StateDisconnected, f.session.State())
	assert.Equal(t, 1, f.session.UnreadTotal())
	assert.Len(t, f.session.People(), 3)

	require.NoError(t, f.session.Connect(context.Background()))
	assert.Equal(t, transport.StateConnected, f.session.State())
	assert.Equal(t, 1, f.hub.CallCount(hubproto.MethodGetOnlineUsers))
}

func message(from, to, content string) model.Message {
	return model.Message{SenderUsername: from, RecipientUsername: to, Content: content, SentAt: time.Now()}
}

func TestMessageInActiveConversationIsRead(t *testing.T) {
	f := newFixture(t, []string{"bob", "carol"})
	f.start(t)
	require.NoError(t, f.session.OpenConversation(context.Background(), "bob"))
	require.Eventually(t, func() bool { return f.hub.CallCount(hubproto.MethodMarkAsRead) == 1 }, waitFor, poll)

	require.NoError(t, f.hub.Push(hubproto.EventReceiveMessage, message("bob", "me", "hey")))
	require.Eventually(t, func() bool { return len(f.session.Messages("bob")) == 1 }, waitFor, poll)
	require.Eventually(t, func() bool { return f.hub.CallCount(hubproto.MethodMarkAsRead) == 2 }, waitFor, poll)
	assert.Equal(t, 0, f.session.UnreadTotal())
	assert.Equal(t, 0, f.notes.count(NewMessage, "bob"))

	require.NoError(t, f.session.OpenConversation(context.Background(), "alice"))
	f.session.CloseConversation()
	require.NoError(t, f.hub.Push(hubproto.EventReceiveMessage, message("carol", "me", "ping")))
	require.Eventually(t, func() bool { return f.notes.count(NewMessage, "carol") == 1 }, waitFor, poll)
	c, ok := f.session.Conversation("carol")
	require.True(t, ok)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, "ping", c.LastMessage)

	f.session.MarkRead("carol")
	assert.Equal(t, 0, f.session.UnreadTotal())
}

func TestOpenConversationLoadsHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.api.history["bob"] = []model.Message{message("bob", "me", "one"), message("me", "bob", "two")}
	f.api.summaries = []model.ConversationSummary{{Username: "bob", UnreadCount: 4}}
	f.start(t)
	assert.Equal(t, 4, f.session.UnreadTotal())

	require.NoError(t, f.session.OpenConversation(context.Background(), "Bob"))
	assert.Equal(t, "bob", f.session.ActiveConversation())
	assert.Equal(t, 0, f.session.UnreadTotal())
	msgs := f.session.Messages("bob")
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[1].Content)
	assert.Equal(t, []string{"Bob"}, f.api.historyReq)
}

func TestSendMessageConfirmedBySentEvent(t *testing.T) {
	f := newFixture(t, []string{"bob"})
	f.hub.Reply(hubproto.MethodSendMessage, func(args []json.RawMessage) (any, error) {
		var to, content string
		_ = json.Unmarshal(args[0], &to)
		_ = json.Unmarshal(args[1], &content)
		return nil, f.hub.Push(hubproto.EventMessageSent, message("me", to, content))
	})
	f.start(t)
	require.NoError(t, f.session.OpenConversation(context.Background(), "bob"))

	f.session.Input(true)
	require.Eventually(t, func() bool { return f.hub.CallCount(hubproto.MethodStartTyping) == 1 }, waitFor, poll)

	require.NoError(t, f.session.SendMessage(context.Background(), "bob", "hello"))
	require.Eventually(t, func() bool { return f.hub.CallCount(hubproto.MethodStopTyping) == 1 }, waitFor, poll)
	require.Eventually(t, func() bool { return len(f.session.Messages("bob")) == 1 }, waitFor, poll)

	sent := f.hub.Calls(hubproto.MethodSendMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].StringArg(1))
	assert.NotEmpty(t, sent[0].StringArg(2), "client id")
	assert.Equal(t, 0, f.session.UnreadTotal())

	err := f.session.SendMessage(context.Background(), "bob", "   ")
	var invErr *errs.InvocationError
	require.ErrorAs(t, err, &invErr)
}

func TestSendMessageFailureIsInvocationError(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.Reply(hubproto.MethodSendMessage, func([]json.RawMessage) (any, error) {
		return nil, errors.New("recipient unknown")
	})
	f.start(t)
	err := f.session.SendMessage(context.Background(), "ghost", "hi")
	var invErr *errs.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, hubproto.MethodSendMessage, invErr.Method)
	assert.Empty(t, f.session.Messages("ghost"))
}

func TestRemoteTypingNotifications(t *testing.T) {
	f := newFixture(t, []string{"bob"})
	f.start(t)
	require.NoError(t, f.hub.Push(hubproto.EventUserTyping, "bob"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.notes.count(TypingShown, ""), "no active conversation")

	require.NoError(t, f.session.OpenConversation(context.Background(), "bob"))
	require.NoError(t, f.hub.Push(hubproto.EventUserTyping, "bob"))
	require.Eventually(t, func() bool { return f.notes.count(TypingShown, "bob") == 1 }, waitFor, poll)
	require.Eventually(t, func() bool { return f.notes.count(TypingHidden, "bob") == 1 }, waitFor, poll)
	assert.False(t, f.session.RemoteTyping())
}

func TestPeerReadReceipt(t *testing.T) {
	f := newFixture(t, []string{"bob"})
	f.api.summaries = []model.ConversationSummary{{Username: "bob"}}
	f.start(t)
	require.NoError(t, f.hub.Push(hubproto.EventMessagesRead, "bob"))
	require.Eventually(t, func() bool { return f.notes.count(PeerRead, "bob") == 1 }, waitFor, poll)
	c, _ := f.session.Conversation("bob")
	assert.False(t, c.PeerReadAt.IsZero())
}

func TestMalformedEventIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	require.NoError(t, f.hub.PushFrame(&hubproto.Frame{Type: hubproto.FrameEvent, Target: hubproto.EventUserOnline}))
	require.NoError(t, f.hub.Push(hubproto.EventUserOnline, "carol"))
	require.Eventually(t, func() bool { return f.session.DisplayStatus("carol") == presence.Available }, waitFor, poll)
	assert.Equal(t, []string{"carol"}, f.session.OnlineSet())
}

func TestReconnectReportsPresenceWithoutRefetch(t *testing.T) {
	f := newFixture(t, []string{"bob"})
	f.start(t)

	f.hub.SetOnline("bob", "carol")
	f.hub.Drop()
	require.Eventually(t, func() bool { return f.hub.CallCount(hubproto.MethodReportPresence) == 2 }, waitFor, poll)
	assert.Equal(t, transport.StateConnected, f.session.State())
	assert.Equal(t, 1, f.hub.CallCount(hubproto.MethodGetOnlineUsers))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, f.hub.CallCount(hubproto.MethodReportPresence), "exactly once per reconnect")
	assert.Equal(t, []string{"bob"}, f.session.OnlineSet(), "missed deltas stay missing")
}

func TestReconnectResyncsOnlineWhenEnabled(t *testing.T) {
	f := newFixture(t, []string{"bob"}, func(_ *Deps, o *Options, _ *[]transport.Option) {
		o.ResyncOnlineOnReconnect = true
	})
	f.start(t)

	f.hub.SetOnline("bob", "carol")
	f.hub.Drop()
	require.Eventually(t, func() bool { return len(f.session.OnlineSet()) == 2 }, waitFor, poll)
	require.Eventually(t, func() bool { return f.hub.CallCount(hubproto.MethodReportPresence) == 2 }, waitFor, poll)
	assert.Equal(t, 2, f.hub.CallCount(hubproto.MethodGetOnlineUsers))
}

func TestExhaustedReconnectSurfacesConnectionLost(t *testing.T) {
	f := newFixture(t, nil, func(_ *Deps, _ *Options, to *[]transport.Option) {
		*to = append(*to, transport.WithMaxReconnectAttempts(2))
	})
	f.start(t)
	f.hub.FailDials(10)
	f.hub.Drop()
	require.Eventually(t, func() bool { return f.notes.count(ConnectionLost, "") == 1 }, waitFor, poll)
	assert.Equal(t, transport.StateDisconnected, f.session.State())
}

func TestTickSkippedWhileDisconnected(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.FailDials(1)
	require.Error(t, f.session.Start(context.Background()))
	calendarCalls := f.calendar.Calls()

	f.session.tick()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.hub.CallCount(hubproto.MethodReportPresence))
	assert.Equal(t, calendarCalls, f.calendar.Calls())

	require.NoError(t, f.session.Connect(context.Background()))
	f.session.tick()
	require.Eventually(t, func() bool { return f.hub.CallCount(hubproto.MethodReportPresence) == 2 }, waitFor, poll)
	require.Eventually(t, func() bool { return f.calendar.Calls() == calendarCalls+1 }, waitFor, poll)
}

func TestPeriodicTick(t *testing.T) {
	f := newFixture(t, nil, func(_ *Deps, o *Options, _ *[]transport.Option) {
		o.PresenceInterval = 20 * time.Millisecond
	})
	f.start(t)
	require.Eventually(t, func() bool { return f.hub.CallCount(hubproto.MethodReportPresence) >= 3 }, waitFor, poll)
}

func TestDedupOption(t *testing.T) {
	f := newFixture(t, nil, func(_ *Deps, o *Options, _ *[]transport.Option) {
		o.DedupMessages = true
	})
	f.start(t)
	m := message("carol", "me", "once")
	m.ClientID = "c-1"
	require.NoError(t, f.hub.Push(hubproto.EventReceiveMessage, m))
	require.NoError(t, f.hub.Push(hubproto.EventReceiveMessage, m))
	require.NoError(t, f.hub.Push(hubproto.EventUserOnline, "carol"))
	require.Eventually(t, func() bool { return f.session.DisplayStatus("carol") == presence.Available }, waitFor, poll)
	assert.Len(t, f.session.Messages("carol"), 1)
	assert.Equal(t, 1, f.session.UnreadTotal())
}

func TestRedeliveryDuplicatesWithoutDedup(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	m := message("carol", "me", "twice")
	m.ClientID = "c-1"
	require.NoError(t, f.hub.Push(hubproto.EventReceiveMessage, m))
	require.NoError(t, f.hub.Push(hubproto.EventReceiveMessage, m))
	require.Eventually(t, func() bool { return len(f.session.Messages("carol")) == 2 }, waitFor, poll)
	assert.Equal(t, 2, f.session.UnreadTotal())
}

func TestStopIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.session.Stop()
	f.session.Stop()
	assert.Equal(t, transport.StateDisconnected, f.session.State())
	var connErr *errs.ConnectionError
	require.ErrorAs(t, f.session.Connect(context.Background()), &connErr)
	assert.ErrorIs(t, connErr, errs.ErrStopped)
}
