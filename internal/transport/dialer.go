package transport

import (
	"context"
	"net/http"

	"github.com/fasthttp/websocket"
)

const textMessage = websocket.TextMessage

// Conn is the part of a websocket connection the client uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Dialer opens a new hub connection. The reconnect loop calls it once per attempt.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the hub with the ambient session cookie. No bearer
// token is sent on this connection.
type WebsocketDialer struct {
	URL           string
	SessionCookie string
	Header        http.Header
	Dialer        *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if d.SessionCookie != "" {
		header.Add("Cookie", (&http.Cookie{Name: "session", Value: d.SessionCookie}).String())
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
