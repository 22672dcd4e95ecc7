// Package hubtest provides an in-memory hub for exercising the transport and
// the session core without a network.
package hubtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pelusa-v/pelusa-presence/internal/hubproto"
	"github.com/pelusa-v/pelusa-presence/internal/transport"
)

// Call is one invocation the hub received.
type Call struct {
	Method string
	Args   []json.RawMessage
}

// StringArg decodes argument i as a string, returning "" when absent.
func (c Call) StringArg(i int) string {
	if i >= len(c.Args) {
		return ""
	}
	var s string
	_ = json.Unmarshal(c.Args[i], &s)
	return s
}

// ReplyFunc computes the completion of one invocation.
type ReplyFunc func(args []json.RawMessage) (any, error)

// FakeHub implements transport.Dialer. Every Dial opens a fresh in-memory
// connection; invocations are answered synchronously from Replies.
type FakeHub struct {
	mu        sync.Mutex
	online    []string
	replies   map[string]ReplyFunc
	calls     []Call
	conn      *Conn
	dials     int
	failDials int
	hold      bool
}

var _ transport.Dialer = (*FakeHub)(nil)

var ErrDialRefused = errors.New("hubtest: dial refused")

func New(online ...string) *FakeHub {
	return &FakeHub{online: online, replies: map[string]ReplyFunc{}}
}

// SetOnline replaces what GetOnlineUsers returns.
func (h *FakeHub) SetOnline(users ...string) {
	h.mu.Lock()
	h.online = users
	h.mu.Unlock()
}

// Reply overrides the completion for a method.
func (h *FakeHub) Reply(method string, fn ReplyFunc) {
	h.mu.Lock()
	h.replies[method] = fn
	h.mu.Unlock()
}

// FailDials makes the next n dials fail.
func (h *FakeHub) FailDials(n int) {
	h.mu.Lock()
	h.failDials = n
	h.mu.Unlock()
}

// HoldCompletions stops answering invocations until released.
func (h *FakeHub) HoldCompletions(hold bool) {
	h.mu.Lock()
	h.hold = hold
	h.mu.Unlock()
}

func (h *FakeHub) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	if h.failDials > 0 {
		h.failDials--
		return nil, ErrDialRefused
	}
	c := newConn(h)
	h.conn = c
	return c, nil
}

// Dials reports how many dials were attempted.
func (h *FakeHub) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// Calls returns the invocations of method, or all invocations for "".
func (h *FakeHub) Calls(method string) []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Call
	for _, c := range h.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallCount is len(Calls(method)).
func (h *FakeHub) CallCount(method string) int {
	return len(h.Calls(method))
}

// Push sends an event on the current connection.
func (h *FakeHub) Push(event string, args ...any) error {
	f, err := hubproto.NewEvent(event, args...)
	if err != nil {
		return err
	}
	return h.PushFrame(f)
}

// PushFrame sends an arbitrary frame, including malformed events.
func (h *FakeHub) PushFrame(f *hubproto.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	h.mu.Lock()
	c := h.conn
	h.mu.Unlock()
	if c == nil {
		return errors.New("hubtest: no connection")
	}
	return c.deliver(data)
}

// Drop closes the current connection from the hub side.
func (h *FakeHub) Drop() {
	h.mu.Lock()
	c := h.conn
	h.conn = nil
	h.mu.Unlock()
	if c != nil {
		c.shutdown()
	}
}

func (h *FakeHub) handle(c *Conn, data []byte) {
	f, err := hubproto.Decode(data)
	if err != nil || f.Type != hubproto.FrameInvoke {
		return
	}
	h.mu.Lock()
	h.calls = append(h.calls, Call{Method: f.Target, Args: f.Arguments})
	fn := h.replies[f.Target]
	online := append([]string{}, h.online...)
	hold := h.hold
	h.mu.Unlock()
	if hold {
		return
	}

	var result any
	switch {
	case fn != nil:
		result, err = fn(f.Arguments)
	case f.Target == hubproto.MethodGetOnlineUsers:
		result = online
	}
	reply, encErr := hubproto.NewCompletion(f.ID, result, err)
	if encErr != nil {
		return
	}
	out, encErr := reply.Encode()
	if encErr != nil {
		return
	}
	_ = c.deliver(out)
}

// Conn is the client end of an in-memory hub connection.
type Conn struct {
	hub    *FakeHub
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

var errClosed = errors.New("hubtest: connection closed")

func newConn(h *FakeHub) *Conn {
	return &Conn{hub: h, inbox: make(chan []byte, 256), closed: make(chan struct{})}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errClosed
	case data := <-c.inbox:
		return 1, data, nil
	}
}

func (c *Conn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	c.hub.handle(c, data)
	return nil
}

func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

func (c *Conn) deliver(data []byte) error {
	select {
	case <-c.closed:
		return errClosed
	case c.inbox <- data:
		return nil
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.closed) })
}
