// Package transport owns the single real-time connection to the hub: connect,
// invoke/complete correlation, typed event subscriptions and automatic
// reconnection on a fixed delay schedule.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pelusa-v/pelusa-presence/internal/errs"
	"github.com/pelusa-v/pelusa-presence/internal/hubproto"
	"github.com/pelusa-v/pelusa-presence/internal/metrics"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives one decoded hub event. Handlers run on the connection's
// read goroutine, one at a time, in arrival order.
type Handler func(hubproto.Event)

type reply struct {
	frame *hubproto.Frame
	err   error
}

type Client struct {
	dialer      Dialer
	delays      []time.Duration
	maxAttempts int

	mu              sync.Mutex
	writeMu         sync.Mutex
	state           State
	conn            Conn
	stopped         bool
	cancelReconnect context.CancelFunc
	pending         map[string]chan reply

	handlers       map[string][]Handler
	onState        []func(State)
	onReconnecting []func(error)
	onReconnected  []func()
	onClose        []func(error)
}

type Option func(*Client)

// WithReconnectDelays replaces DefaultReconnectDelays.
func WithReconnectDelays(delays ...time.Duration) Option {
	return func(c *Client) {
		if len(delays) > 0 {
			c.delays = append([]time.Duration(nil), delays...)
		}
	}
}

// WithMaxReconnectAttempts bounds automatic reconnection; 0 keeps retrying forever.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

func NewClient(dialer Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:   dialer,
		delays:   DefaultReconnectDelays,
		state:    StateDisconnected,
		pending:  map[string]chan reply{},
		handlers: map[string][]Handler{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// On registers a handler for a hub event name (see hubproto.Event*).
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

func (c *Client) OnReconnecting(fn func(error)) {
	c.mu.Lock()
	c.onReconnecting = append(c.onReconnecting, fn)
	c.mu.Unlock()
}

func (c *Client) OnReconnected(fn func()) {
	c.mu.Lock()
	c.onReconnected = append(c.onReconnected, fn)
	c.mu.Unlock()
}

// OnClose fires when the connection ends for good: nil after Stop, a
// ConnectionError once the reconnect schedule is exhausted.
func (c *Client) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the hub. A failure leaves the client disconnected and is
// returned as *errs.ConnectionError; retrying is up to the caller.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return &errs.ConnectionError{Op: "connect", Err: errs.ErrStopped}
	}
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return &errs.ConnectionError{Op: "connect", Err: errors.New("connection attempt already in progress")}
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.emitState(StateConnecting)

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		log.Warn().Err(err).Str("component", "transport").Msg("hub connect failed")
		return &errs.ConnectionError{Op: "connect", Err: err}
	}
	if !c.attach(conn) {
		_ = conn.Close()
		return &errs.ConnectionError{Op: "connect", Err: errs.ErrStopped}
	}
	log.Info().Str("component", "transport").Msg("hub connected")
	return nil
}

// Invoke calls a hub method and waits for its completion. result may be nil.
func (c *Client) Invoke(ctx context.Context, method string, result any, args ...any) error {
	id := uuid.NewString()
	frame, err := hubproto.NewInvoke(id, method, args...)
	if err != nil {
		return c.invocationFailed(method, err)
	}
	data, err := frame.Encode()
	if err != nil {
		return c.invocationFailed(method, errors.Wrap(err, "encode"))
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return c.invocationFailed(method, errs.ErrNotConnected)
	}
	ch := make(chan reply, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, data); err != nil {
		c.forget(id)
		return c.invocationFailed(method, errors.Wrap(err, "write"))
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return c.invocationFailed(method, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return c.invocationFailed(method, r.err)
		}
		if r.frame.Error != "" {
			return c.invocationFailed(method, errors.New(r.frame.Error))
		}
		if result != nil && len(r.frame.Result) > 0 {
			if err := json.Unmarshal(r.frame.Result, result); err != nil {
				return c.invocationFailed(method, errors.Wrap(err, "decode result"))
			}
		}
		return nil
	}
}

// Stop closes the connection, cancels any pending reconnect and fails
// in-flight invocations. A stopped client cannot be reconnected.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancelReconnect
	c.cancelReconnect = nil
	pending := c.takePendingLocked()
	prev := c.state
	c.state = StateDisconnected
	closers := append([]func(error){}, c.onClose...)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	failPending(pending, errs.ErrStopped)
	if prev != StateDisconnected {
		c.emitState(StateDisconnected)
	}
	for _, fn := range closers {
		fn(nil)
	}
	log.Info().Str("component", "transport").Msg("hub transport stopped")
}

func (c *Client) attach(conn Conn) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.emitState(StateConnected)
	go c.readLoop(conn)
	return true
}

func (c *Client) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		frame, err := hubproto.Decode(data)
		if err != nil {
			metrics.DroppedEvents.Inc()
			log.Warn().Err(err).Str("component", "transport").Msg("dropping undecodable frame")
			continue
		}
		switch frame.Type {
		case hubproto.FrameCompletion:
			c.complete(frame)
		case hubproto.FrameEvent:
			c.dispatch(frame)
		default:
			log.Warn().Str("component", "transport").Str("type", string(frame.Type)).Msg("unexpected frame from hub")
		}
	}
}

func (c *Client) complete(frame *hubproto.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("component", "transport").Str("id", frame.ID).Msg("completion for unknown invocation")
		return
	}
	ch <- reply{frame: frame}
}

func (c *Client) dispatch(frame *hubproto.Frame) {
	ev, err := hubproto.DecodeEvent(frame)
	if err != nil {
		metrics.DroppedEvents.Inc()
		log.Warn().Err(err).Str("component", "transport").Msg("dropping malformed event")
		return
	}
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[ev.EventName()]...)
	c.mu.Unlock()
	log.Debug().Str("component", "transport").Str("event", ev.EventName()).Int("handlers", len(hs)).Msg("dispatch")
	for _, h := range hs {
		h(ev)
	}
}

func (c *Client) connectionLost(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// stale read loop of a connection we already replaced or closed
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.takePendingLocked()
	if c.stopped {
		c.mu.Unlock()
		failPending(pending, errs.ErrStopped)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReconnect = cancel
	c.state = StateConnecting
	reconnecting := append([]func(error){}, c.onReconnecting...)
	c.mu.Unlock()

	_ = conn.Close()
	failPending(pending, errs.ErrConnectionLost)
	log.Warn().Err(cause).Str("component", "transport").Msg("hub connection lost, reconnecting")
	c.emitState(StateConnecting)
	for _, fn := range reconnecting {
		fn(cause)
	}
	go c.reconnect(ctx)
}

func (c *Client) reconnect(ctx context.Context) {
	b := policy(ctx, c.delays, c.maxAttempts)
	attempt := 0
	for {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			c.giveUp(ctx)
			return
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		attempt++
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			metrics.ReconnectAttempts.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("component", "transport").Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}
		metrics.ReconnectAttempts.WithLabelValues("ok").Inc()

		c.mu.Lock()
		if c.stopped || ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		cancel := c.cancelReconnect
		c.cancelReconnect = nil
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		if !c.attach(conn) {
			_ = conn.Close()
			return
		}
		c.mu.Lock()
		reconnected := append([]func(){}, c.onReconnected...)
		c.mu.Unlock()
		log.Info().Str("component", "transport").Int("attempt", attempt).Msg("hub reconnected")
		for _, fn := range reconnected {
			fn()
		}
		return
	}
}

func (c *Client) giveUp(ctx context.Context) {
	c.mu.Lock()
	if c.stopped || errors.Is(ctx.Err(), context.Canceled) {
		c.mu.Unlock()
		return
	}
	c.cancelReconnect = nil
	c.state = StateDisconnected
	closers := append([]func(error){}, c.onClose...)
	c.mu.Unlock()

	err := &errs.ConnectionError{Op: "reconnect", Err: errs.ErrReconnectExhausted}
	log.Error().Err(err).Str("component", "transport").Msg("hub connection closed")
	c.emitState(StateDisconnected)
	for _, fn := range closers {
		fn(err)
	}
}

func (c *Client) write(conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(textMessage, data)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) takePendingLocked() map[string]chan reply {
	p := c.pending
	c.pending = map[string]chan reply{}
	return p
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.emitState(s)
}

func (c *Client) emitState(s State) {
	c.mu.Lock()
	fns := append([]func(State){}, c.onState...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Client) invocationFailed(method string, err error) error {
	metrics.InvocationFailures.WithLabelValues(method).Inc()
	return &errs.InvocationError{Method: method, Err: err}
}

func failPending(pending map[string]chan reply, err error) {
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}
