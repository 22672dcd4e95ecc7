package handlers

import (
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-presence/internal/calendar"
	"github.com/pelusa-v/pelusa-presence/internal/hub"
)

const localsUser = "username"

// Handlers serves the development hub over fiber.
type Handlers struct {
	Manager   *hub.Manager
	RateLimit rate.Limit
	RateBurst int
}

// NewApp registers every hub route on a fresh fiber app.
func NewApp(h *Handlers) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use("/hub", h.RequireUser, h.RequireUpgrade)
	app.Get("/hub", websocket.New(h.HubHandler))

	app.Get("/directory", h.DirectoryHandler)
	app.Get("/conversations", h.RequireUser, h.ConversationsHandler)
	app.Get("/messages/:username", h.RequireUser, h.MessagesHandler) // ?limit=
	app.Post("/calendar/getSchedule", h.ScheduleHandler)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	return app
}

// RequireUser resolves the caller from the session cookie, or ?user= for
// local use, and rejects users outside the roster.
func (h *Handlers) RequireUser(c *fiber.Ctx) error {
	user := strings.TrimSpace(c.Cookies("session"))
	if user == "" {
		user = strings.TrimSpace(c.Query("user"))
	}
	if !h.Manager.Roster().Admits(user) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unknown session"})
	}
	c.Locals(localsUser, h.Manager.Roster().Canonical(user))
	return c.Next()
}

func (h *Handlers) RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HubHandler GET /hub (websocket)
func (h *Handlers) HubHandler(c *websocket.Conn) {
	username, _ := c.Locals(localsUser).(string)
	var limiter *rate.Limiter
	if h.RateLimit > 0 {
		limiter = rate.NewLimiter(h.RateLimit, h.RateBurst)
	}
	client := hub.NewClient(username, c, limiter)
	if !h.Manager.Register(client) {
		log.Warn().Str("component", "hub").Str("user", username).Msg("hub stopped, refusing connection")
		return
	}
	go client.WritePump()
	client.ReadPump(h.Manager)
	log.Debug().Str("component", "hub").Str("user", username).Msg("websocket closed")
}

// DirectoryHandler GET /directory
func (h *Handlers) DirectoryHandler(c *fiber.Ctx) error {
	return c.JSON(h.Manager.Roster().Identities())
}

// ConversationsHandler GET /conversations
func (h *Handlers) ConversationsHandler(c *fiber.Ctx) error {
	user, _ := c.Locals(localsUser).(string)
	return c.JSON(h.Manager.Conversations(user))
}

// MessagesHandler GET /messages/:username?limit=N
func (h *Handlers) MessagesHandler(c *fiber.Ctx) error {
	user, _ := c.Locals(localsUser).(string)
	peer := strings.TrimSpace(c.Params("username"))
	if peer == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing username"})
	}
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid limit"})
	}
	return c.JSON(h.Manager.History(user, peer, limit))
}

// ScheduleHandler POST /calendar/getSchedule
func (h *Handlers) ScheduleHandler(c *fiber.Ctx) error {
	if !strings.HasPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ") {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "bearer token required"})
	}
	var req calendar.ScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	resp := calendar.ScheduleResponse{Value: make([]calendar.ScheduleItem, 0, len(req.Schedules))}
	for _, email := range req.Schedules {
		resp.Value = append(resp.Value, calendar.ScheduleItem{
			ScheduleID:       email,
			AvailabilityView: h.Manager.Roster().AvailabilityView(email),
		})
	}
	return c.JSON(resp)
}
