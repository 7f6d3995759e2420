package logging

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits repeated warnings per key. Fail-open paths can fire
// on every operation; the counters carry the totals, the log only needs a
// sample.
type Throttle struct {
	logger     *slog.Logger
	limit      rate.Limit
	burst      int
	mu         sync.Mutex
	byKey      map[string]*rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottle allows burst messages per key, refilling one per interval.
func NewThrottle(logger *slog.Logger, interval time.Duration, burst int) *Throttle {
	if interval <= 0 {
		interval = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		logger: OrDiscard(logger),
		limit:  rate.Every(interval),
		burst:  burst,
		byKey:  make(map[string]*rate.Limiter),
	}
}

// Warn logs msg at warn level unless key has exhausted its budget.
// Reports whether the message was written.
func (t *Throttle) Warn(key, msg string, args ...any) bool {
	if t == nil {
		return false
	}
	if !t.allow(key) {
		t.suppressed.Add(1)
		return false
	}
	t.logger.Warn(msg, args...)
	return true
}

// Suppressed returns how many messages were dropped so far.
func (t *Throttle) Suppressed() uint64 {
	if t == nil {
		return 0
	}
	return t.suppressed.Load()
}

func (t *Throttle) allow(key string) bool {
	t.mu.Lock()
	l, ok := t.byKey[key]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.byKey[key] = l
	}
	t.mu.Unlock()
	return l.Allow()
}
