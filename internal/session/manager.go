// Package session owns the current security subject. A Manager holds at
// most one live subject, expires it after its TTL and always degrades to
// the lowest-privilege label when there is nothing valid to return.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/chainseal/internal/event"
	"github.com/ppiankov/chainseal/internal/label"
	"github.com/ppiankov/chainseal/internal/logging"
	"github.com/ppiankov/chainseal/internal/metrics"
)

// DefaultSweepInterval is how often the expiry sweep runs when not configured.
const DefaultSweepInterval = time.Second

// State is the session lifecycle state.
type State int

const (
	NoContext State = iota
	Active
	// Expired is transient: the subject is past its expiry but the sweep
	// has not cleared it yet. It is never treated as valid.
	Expired
)

func (s State) String() string {
	switch s {
	case NoContext:
		return "no_context"
	case Active:
		return "active"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidContext is returned by SetContext for unusable input.
var ErrInvalidContext = errors.New("session: invalid security context")

// Subject is the authenticated principal and its clearance.
type Subject struct {
	UserID    string
	Label     label.Label
	ExpiresAt time.Time // zero: no expiry
}

func (s Subject) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSweepInterval sets the expiry sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p event.Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrDiscard(l) }
}

// WithMetrics sets the transition counters.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager holds the current subject. Context mutation and the sweep's
// check-and-clear run under the same mutex.
type Manager struct {
	mu       sync.Mutex
	subject  *Subject
	now      func() time.Time
	interval time.Duration
	pub      event.Publisher
	logger   *slog.Logger
	metrics  *metrics.Metrics

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   bool
}

// NewManager creates a manager in the NoContext state. Call Start to run
// the background sweep.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		now:      time.Now,
		interval: DefaultSweepInterval,
		logger:   logging.Discard(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the periodic expiry sweep. Calling it again is a no-op.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()
		go m.sweepLoop()
	})
}

func (m *Manager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Cleanup stops the sweep and waits for it to exit. Safe to call more
// than once, and before Start.
func (m *Manager) Cleanup() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

// SetContext installs a subject, replacing any previous one. ttl <= 0
// means the subject does not expire.
func (m *Manager) SetContext(userID string, level label.Level, compartments []string, ttl time.Duration) (Subject, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Subject{}, fmt.Errorf("%w: user id is required", ErrInvalidContext)
	}
	if !level.Valid() {
		return Subject{}, fmt.Errorf("%w: %s", ErrInvalidContext, level)
	}

	m.mu.Lock()
	now := m.now()
	s := Subject{UserID: userID, Label: label.New(level, compartments...)}
	if ttl > 0 {
		s.ExpiresAt = now.Add(ttl)
	}
	m.subject = &s
	m.mu.Unlock()

	m.metrics.SessionTransition("set")
	m.logger.Info("security context set",
		"user_id", s.UserID,
		"label", s.Label.String(),
		"ttl", ttl.String())
	m.publish(event.SecurityContextSet{
		UserID:    s.UserID,
		Label:     s.Label,
		ExpiresAt: s.ExpiresAt,
		At:        now,
	})
	return s, nil
}

// Clear drops the subject. Clearing an empty manager publishes nothing.
func (m *Manager) Clear() {
	m.mu.Lock()
	prev := m.subject
	m.subject = nil
	now := m.now()
	m.mu.Unlock()

	if prev == nil {
		return
	}
	m.metrics.SessionTransition(event.ReasonCleared)
	m.logger.Info("security context cleared", "user_id", prev.UserID)
	m.publish(event.SecurityContextCleared{UserID: prev.UserID, Reason: event.ReasonCleared, At: now})
}

// Sweep clears the subject if it has expired. Reports whether it did.
func (m *Manager) Sweep() bool {
	m.mu.Lock()
	now := m.now()
	prev := m.subject
	if prev == nil || !prev.expired(now) {
		m.mu.Unlock()
		return false
	}
	m.subject = nil
	m.mu.Unlock()

	m.metrics.SessionTransition(event.ReasonExpired)
	m.logger.Info("security context expired", "user_id", prev.UserID)
	m.publish(event.SecurityContextCleared{UserID: prev.UserID, Reason: event.ReasonExpired, At: now})
	return true
}

// HasValidContext reports whether a subject is active and unexpired.
func (m *Manager) HasValidContext() bool {
	_, ok := m.Current()
	return ok
}

// Current returns the live subject, if any.
func (m *Manager) Current() (Subject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subject == nil || m.subject.expired(m.now()) {
		return Subject{}, false
	}
	return *m.subject, true
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.subject == nil:
		return NoContext
	case m.subject.expired(m.now()):
		return Expired
	default:
		return Active
	}
}

// GetSubject returns the subject's label, or public with no compartments
// when there is no valid context. It never fails.
func (m *Manager) GetSubject() label.Label {
	s, ok := m.Current()
	if !ok {
		return label.Default()
	}
	return s.Label
}

// Subject implements mac.SubjectSource.
func (m *Manager) Subject() label.Label {
	return m.GetSubject()
}

func (m *Manager) publish(e event.Event) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(e)
}
