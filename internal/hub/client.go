package hub

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-presence/internal/hubproto"
)

type Client struct {
	Id       string
	Username string
	Conn     ConnLike
	Send     chan []byte

	limiter *rate.Limiter
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// NewClient wraps one websocket connection of username. A nil limiter means
// invocations are not rate limited.
func NewClient(username string, conn ConnLike, limiter *rate.Limiter) *Client {
	return &Client{
		Id:       uuid.NewString(),
		Username: username,
		Conn:     conn,
		Send:     make(chan []byte, 64),
		limiter:  limiter,
	}
}

// ReadPump forwards invocations to m until the connection fails, then
// unregisters the client. It also returns once the hub loop has stopped.
func (c *Client) ReadPump(m *Manager) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			m.Unregister(c)
			return
		}
		frame, err := hubproto.Decode(data)
		if err != nil || frame.Type != hubproto.FrameInvoke {
			log.Debug().Str("component", "hub").Str("user", c.Username).Msg("ignoring non-invoke frame")
			continue
		}
		if !m.Dispatch(&Invocation{
			Client:  c,
			Frame:   frame,
			Limited: c.limiter != nil && !c.limiter.Allow(),
		}) {
			return
		}
	}
}

func (c *Client) WritePump() {
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Str("component", "hub").Str("user", c.Username).Msg("write failed")
		}
	}
	_ = c.Conn.Close()
}
