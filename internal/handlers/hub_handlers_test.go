package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pelusa-v/pelusa-presence/internal/auth"
	"github.com/pelusa-v/pelusa-presence/internal/calendar"
	"github.com/pelusa-v/pelusa-presence/internal/directory"
	"github.com/pelusa-v/pelusa-presence/internal/handlers"
	"github.com/pelusa-v/pelusa-presence/internal/hub"
	"github.com/pelusa-v/pelusa-presence/internal/hubproto"
	"github.com/pelusa-v/pelusa-presence/internal/model"
	"github.com/pelusa-v/pelusa-presence/internal/presence"
	"github.com/pelusa-v/pelusa-presence/internal/session"
	"github.com/pelusa-v/pelusa-presence/internal/transport"
)

func newHub(t *testing.T) (*fiber.App, *hub.Manager) {
	t.Helper()
	m := hub.NewManager(hub.NewRoster([]hub.Member{
		{Identity: model.Identity{Username: "ana", Email: "ana@corp.example", DisplayName: "Ana"}},
		{Identity: model.Identity{Username: "bob", Email: "bob@corp.example", DisplayName: "Bob"}, Calendar: "2"},
		{Identity: model.Identity{Username: "carol", Email: "carol@corp.example", DisplayName: "Carol"}, Calendar: "0"},
	}))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Start(ctx)
	return handlers.NewApp(&handlers.Handlers{Manager: m, RateLimit: 100, RateBurst: 100}), m
}

func doJSON(t *testing.T, app *fiber.App, method, target string, body any, out any, header ...string) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestDirectoryEndpoint(t *testing.T) {
	app, _ := newHub(t)
	var ids []model.Identity
	require.Equal(t, fiber.StatusOK, doJSON(t, app, "GET", "/directory", nil, &ids))
	require.Len(t, ids, 3)
	assert.Equal(t, "Ana", ids[0].DisplayName)
	assert.Equal(t, "A", ids[0].Initials)
}

func TestConversationsRequireKnownUser(t *testing.T) {
	app, _ := newHub(t)
	assert.Equal(t, fiber.StatusUnauthorized, doJSON(t, app, "GET", "/conversations", nil, nil))
	assert.Equal(t, fiber.StatusUnauthorized, doJSON(t, app, "GET", "/conversations?user=mallory", nil, nil))

	var rows []model.ConversationSummary
	assert.Equal(t, fiber.StatusOK, doJSON(t, app, "GET", "/conversations", nil, &rows, "Cookie", "session=ana"))
	assert.Empty(t, rows)
}

func TestMessagesEndpointValidatesLimit(t *testing.T) {
	app, _ := newHub(t)
	assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, "GET", "/messages/bob?user=ana&limit=-1", nil, nil))
	var msgs []model.Message
	assert.Equal(t, fiber.StatusOK, doJSON(t, app, "GET", "/messages/bob?user=ana&limit=5", nil, &msgs))
	assert.Empty(t, msgs)
}

func TestScheduleEndpoint(t *testing.T) {
	app, _ := newHub(t)
	req := calendar.ScheduleRequest{Schedules: []string{"bob@corp.example", "carol@corp.example", "x@y"}}
	assert.Equal(t, fiber.StatusUnauthorized, doJSON(t, app, "POST", "/calendar/getSchedule", req, nil))

	var resp calendar.ScheduleResponse
	require.Equal(t, fiber.StatusOK, doJSON(t, app, "POST", "/calendar/getSchedule", req, &resp, "Authorization", "Bearer t"))
	require.Len(t, resp.Value, 3)
	assert.Equal(t, "2", resp.Value[0].AvailabilityView)
	assert.Equal(t, "0", resp.Value[1].AvailabilityView)
	assert.Equal(t, "", resp.Value[2].AvailabilityView)
}

func TestHubRequiresUpgrade(t *testing.T) {
	app, _ := newHub(t)
	assert.Equal(t, fiber.StatusUpgradeRequired, doJSON(t, app, "GET", "/hub?user=ana", nil, nil))
	assert.Equal(t, fiber.StatusUnauthorized, doJSON(t, app, "GET", "/hub", nil, nil))
}

func TestMetricsEndpoint(t *testing.T) {
	app, _ := newHub(t)
	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "presence_hub_connected_clients")
}

func listen(t *testing.T, app *fiber.App) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return ln.Addr().String()
}

func TestSessionAgainstHub(t *testing.T) {
	app, m := newHub(t)
	addr := listen(t, app)

	sess := session.New(session.Deps{
		Transport: transport.NewClient(&transport.WebsocketDialer{URL: "ws://" + addr + "/hub", SessionCookie: "ana"}),
		API:       directory.NewClient("http://"+addr, "ana"),
		Identity:  auth.StaticIdentity{Username: "ana", Email: "ana@corp.example", DisplayName: "Ana"},
		Tokens:    auth.NewTokenProvider(auth.Config{StaticToken: "dev"}),
		NewCalendar: func(ts oauth2.TokenSource) session.Calendar {
			return calendar.NewClient("http://"+addr, ts)
		},
	}, session.Options{Source: "Integration", RequestTimeout: 2 * time.Second})
	t.Cleanup(sess.Stop)
	require.NoError(t, sess.Start(context.Background()))
	require.Eventually(t, func() bool { return m.IsOnline("ana") }, 2*time.Second, 10*time.Millisecond)

	bob := transport.NewClient(&transport.WebsocketDialer{URL: "ws://" + addr + "/hub?user=bob"})
	t.Cleanup(bob.Stop)
	require.NoError(t, bob.Connect(context.Background()))

	require.Eventually(t, func() bool { return sess.DisplayStatus("bob") == presence.Busy }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, presence.Offline, sess.DisplayStatus("carol"))

	require.NoError(t, bob.Invoke(context.Background(), hubproto.MethodSendMessage, nil, "ana", "hi ana"))
	require.Eventually(t, func() bool { return sess.UnreadTotal() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sess.OpenConversation(context.Background(), "bob"))
	msgs := sess.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi ana", msgs[0].Content)
	require.Eventually(t, func() bool { return m.Conversations("ana")[0].UnreadCount == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sess.SendMessage(context.Background(), "bob", "hey bob"))
	require.Eventually(t, func() bool { return len(sess.Messages("bob")) == 2 }, 2*time.Second, 10*time.Millisecond)
}
