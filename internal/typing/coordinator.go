// Package typing turns local keystrokes into start/stop typing signals and
// expires the remote peer's typing indicator.
package typing

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pelusa-v/pelusa-presence/internal/model"
)

const (
	DefaultIdle          = 2 * time.Second
	DefaultRemoteTimeout = 3 * time.Second
)

// Signaler sends typing signals to the hub. Calls must not block.
type Signaler interface {
	StartTyping(username string)
	StopTyping(username string)
}

// Coordinator holds typing state for the active conversation only. Switching
// the conversation discards it and cancels both timers.
type Coordinator struct {
	signaler      Signaler
	idle          time.Duration
	remoteTimeout time.Duration
	onIndicator   func(username string, visible bool)

	mu            sync.Mutex
	counterpart   string
	localTyping   bool
	idleTimer     *time.Timer
	idleGen       uint64
	remoteVisible bool
	remoteTimer   *time.Timer
	remoteGen     uint64
}

type Option func(*Coordinator)

func WithIdle(d time.Duration) Option {
	return func(c *Coordinator) { c.idle = d }
}

func WithRemoteTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.remoteTimeout = d }
}

// WithIndicator is called whenever the remote typing indicator shows or hides.
func WithIndicator(fn func(username string, visible bool)) Option {
	return func(c *Coordinator) { c.onIndicator = fn }
}

func NewCoordinator(s Signaler, opts ...Option) *Coordinator {
	c := &Coordinator{
		signaler:      s,
		idle:          DefaultIdle,
		remoteTimeout: DefaultRemoteTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCounterpart switches the active conversation ("" for none). Prior typing
// state is discarded without sending a stop signal.
func (c *Coordinator) SetCounterpart(username string) {
	c.mu.Lock()
	hidden := c.resetLocked()
	c.counterpart = username
	c.mu.Unlock()
	c.indicate(hidden, false)
}

func (c *Coordinator) Counterpart() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counterpart
}

func (c *Coordinator) IsLocallyTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localTyping
}

func (c *Coordinator) RemoteVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteVisible
}

// OnLocalInput handles one keystroke. The first keystroke with content sends
// StartTyping; every keystroke while typing pushes the idle timeout back.
// Keystrokes that leave the input empty send nothing.
func (c *Coordinator) OnLocalInput(hasContent bool) {
	c.mu.Lock()
	to := c.counterpart
	if to == "" {
		c.mu.Unlock()
		return
	}
	start := false
	if hasContent && !c.localTyping {
		c.localTyping = true
		start = true
	}
	if c.localTyping {
		c.armIdleLocked()
	}
	c.mu.Unlock()

	if start {
		c.signaler.StartTyping(to)
	}
}

// Done ends local typing after a send or an explicit clear.
func (c *Coordinator) Done() {
	c.mu.Lock()
	to, stop := c.stopLocalLocked()
	c.mu.Unlock()
	if stop {
		c.signaler.StopTyping(to)
	}
}

// OnRemoteTyping shows the indicator for the active counterpart and restarts
// its auto-hide timer. Other users are ignored.
func (c *Coordinator) OnRemoteTyping(username string) {
	c.mu.Lock()
	if !c.isCounterpartLocked(username) {
		c.mu.Unlock()
		return
	}
	shown := !c.remoteVisible
	c.remoteVisible = true
	c.remoteGen++
	gen := c.remoteGen
	if c.remoteTimer != nil {
		c.remoteTimer.Stop()
	}
	c.remoteTimer = time.AfterFunc(c.remoteTimeout, func() { c.remoteExpired(gen) })
	to := c.counterpart
	c.mu.Unlock()

	if shown {
		c.indicate(to, true)
	}
}

func (c *Coordinator) OnRemoteStoppedTyping(username string) {
	c.mu.Lock()
	if !c.isCounterpartLocked(username) {
		c.mu.Unlock()
		return
	}
	hidden := c.hideRemoteLocked()
	c.mu.Unlock()
	c.indicate(hidden, false)
}

// Stop cancels all timers. No signals are sent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.resetLocked()
	c.counterpart = ""
	c.mu.Unlock()
}

func (c *Coordinator) armIdleLocked() {
	c.idleGen++
	gen := c.idleGen
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.idle, func() { c.idleExpired(gen) })
}

func (c *Coordinator) idleExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.idleGen {
		c.mu.Unlock()
		return
	}
	to, stop := c.stopLocalLocked()
	c.mu.Unlock()
	if stop {
		log.Debug().Str("component", "typing").Str("to", to).Msg("local typing idle")
		c.signaler.StopTyping(to)
	}
}

func (c *Coordinator) remoteExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.remoteGen {
		c.mu.Unlock()
		return
	}
	hidden := c.hideRemoteLocked()
	c.mu.Unlock()
	c.indicate(hidden, false)
}

func (c *Coordinator) stopLocalLocked() (string, bool) {
	c.idleGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if !c.localTyping {
		return "", false
	}
	c.localTyping = false
	return c.counterpart, c.counterpart != ""
}

// hideRemoteLocked returns the counterpart when the indicator was visible.
func (c *Coordinator) hideRemoteLocked() string {
	c.remoteGen++
	if c.remoteTimer != nil {
		c.remoteTimer.Stop()
		c.remoteTimer = nil
	}
	if !c.remoteVisible {
		return ""
	}
	c.remoteVisible = false
	return c.counterpart
}

func (c *Coordinator) resetLocked() string {
	c.stopLocalLocked()
	return c.hideRemoteLocked()
}

func (c *Coordinator) isCounterpartLocked(username string) bool {
	return c.counterpart != "" && model.Key(username) == model.Key(c.counterpart)
}

func (c *Coordinator) indicate(username string, visible bool) {
	if username == "" || c.onIndicator == nil {
		return
	}
	c.onIndicator(username, visible)
}
