package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultReconnectDelays is the wait before each automatic reconnect attempt.
// The last entry repeats for every further attempt.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

// Schedule replays a fixed list of delays and then keeps returning the last one.
type Schedule struct {
	delays []time.Duration
	n      int
}

var _ backoff.BackOff = (*Schedule)(nil)

func NewSchedule(delays ...time.Duration) *Schedule {
	return &Schedule{delays: append([]time.Duration(nil), delays...)}
}

func (s *Schedule) NextBackOff() time.Duration {
	if len(s.delays) == 0 {
		return backoff.Stop
	}
	i := s.n
	if i >= len(s.delays) {
		i = len(s.delays) - 1
	}
	s.n++
	return s.delays[i]
}

func (s *Schedule) Reset() { s.n = 0 }

// policy bounds the schedule by maxAttempts (0 means unlimited) and ctx.
func policy(ctx context.Context, delays []time.Duration, maxAttempts int) backoff.BackOffContext {
	var b backoff.BackOff = NewSchedule(delays...)
	if maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxAttempts))
	}
	return backoff.WithContext(b, ctx)
}
