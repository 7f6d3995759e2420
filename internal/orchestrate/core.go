// Package orchestrate runs operations through an ordered plugin
// lifecycle: Supports, Before, then After, Error or Skip, and always
// Settled. Plugin failures are isolated from the operation's result.
package orchestrate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/chainseal/internal/label"
	"github.com/ppiankov/chainseal/internal/logging"
	"github.com/ppiankov/chainseal/internal/metrics"
)

var (
	// ErrTimeout is recorded when an operation outlives Options.Timeout.
	ErrTimeout = errors.New("orchestrate: operation timed out")
	// ErrSkipped marks a gate decision that is not a security denial.
	ErrSkipped = errors.New("orchestrate: operation skipped")
	// ErrOperationPanic wraps a panic raised by the operation itself.
	ErrOperationPanic = errors.New("orchestrate: operation panicked")
	// ErrNilOperation is returned when Run is called without an operation.
	ErrNilOperation = errors.New("orchestrate: nil operation")
)

// Skip returns a gate error that skips the operation for reason.
func Skip(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkipped, reason)
}

// Operation is the work wrapped by a run. ctx is the run's context.
type Operation func(ctx context.Context, rc *RunContext) (any, error)

// Gate decides whether the operation runs. A non-nil error skips it and
// is returned from Run unchanged.
type Gate func(ctx context.Context, rc *RunContext) error

// Options describe one run.
type Options struct {
	Component       string
	Operation       string
	ActorID         string
	TenantID        string
	Classification  label.Label
	Meta            map[string]any
	PolicyOverrides map[string]bool
	Gate            Gate
	// Timeout races the operation against a timer. Zero means none.
	Timeout time.Duration
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger used for hook failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) { c.logger = logging.OrDiscard(l) }
}

// WithMetrics sets the collectors used for hook failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Core) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

type registered struct {
	plugin   Plugin
	name     string
	priority int
}

// Core drives plugin lifecycles around operations. Safe for concurrent
// use; Run is reentrant.
type Core struct {
	mu      sync.RWMutex
	plugins []registered

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCore creates a core with no plugins.
func NewCore(opts ...Option) *Core {
	c := &Core{
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register adds plugins. The list is kept sorted by priority; plugins with
// equal priority keep their registration order.
func (c *Core) Register(plugins ...Plugin) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range plugins {
		if p == nil {
			return errors.New("orchestrate: nil plugin")
		}
		name := p.Name()
		for _, r := range c.plugins {
			if r.name == name {
				return fmt.Errorf("orchestrate: plugin %q already registered", name)
			}
		}
		c.plugins = append(c.plugins, registered{plugin: p, name: name, priority: p.Priority()})
	}
	slices.SortStableFunc(c.plugins, func(a, b registered) int {
		return cmp.Compare(a.priority, b.priority)
	})
	return nil
}

// Plugins returns registered plugin names in execution order.
func (c *Core) Plugins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.plugins))
	for i, r := range c.plugins {
		names[i] = r.name
	}
	return names
}

// Run executes op inside the plugin lifecycle and returns its result.
// The error is the operation's error, the gate's error, ErrTimeout, or
// ErrOperationPanic; plugin failures never surface here. Hooks and the
// gate receive the run's context, so runs they start nest under it.
func (c *Core) Run(ctx context.Context, op Operation, opts Options) (any, error) {
	if op == nil {
		return nil, ErrNilOperation
	}
	rc := c.newRunContext(ctx, opts)
	defer rc.cancel(nil)

	c.mu.RLock()
	all := slices.Clone(c.plugins)
	c.mu.RUnlock()

	var active []registered
	for _, r := range all {
		if c.supports(r, rc) {
			active = append(active, r)
		}
	}

	for _, r := range active {
		c.call(rc.ctx, r, HookBefore, rc, r.plugin.Before)
	}

	gated := false
	if opts.Gate != nil {
		if err := c.gate(rc.ctx, opts.Gate, rc); err != nil {
			gated = true
			rc.Err = err
			rc.Outcome = OutcomeSkipped
		}
	}

	if gated {
		rc.Duration = c.now().Sub(rc.StartedAt)
		for _, r := range active {
			c.call(rc.ctx, r, HookSkip, rc, r.plugin.Skip)
		}
	} else {
		result, err := c.execute(rc, op, opts.Timeout)
		rc.Duration = c.now().Sub(rc.StartedAt)
		rc.Result = result
		rc.Err = err
		switch {
		case err == nil:
			rc.Outcome = OutcomeSucceeded
		case errors.Is(err, ErrTimeout):
			rc.Outcome = OutcomeTimedOut
		case rc.Canceled():
			rc.Outcome = OutcomeCanceled
		default:
			rc.Outcome = OutcomeFailed
		}
		if err == nil {
			for _, r := range active {
				c.call(rc.ctx, r, HookAfter, rc, r.plugin.After)
			}
		} else {
			for _, r := range active {
				c.call(rc.ctx, r, HookError, rc, r.plugin.Error)
			}
		}
	}

	for _, r := range active {
		c.call(rc.ctx, r, HookSettled, rc, r.plugin.Settled)
	}
	rc.clearAttachments()

	return rc.Result, rc.Err
}

// Do is Run with a typed result.
func Do[T any](ctx context.Context, c *Core, opts Options, op func(ctx context.Context, rc *RunContext) (T, error)) (T, error) {
	res, err := c.Run(ctx, func(ctx context.Context, rc *RunContext) (any, error) {
		return op(ctx, rc)
	}, opts)
	v, _ := res.(T)
	return v, err
}

func (c *Core) newRunContext(parent context.Context, opts Options) *RunContext {
	rc := &RunContext{
		ID:              uuid.NewString(),
		Component:       opts.Component,
		Operation:       opts.Operation,
		ActorID:         opts.ActorID,
		TenantID:        opts.TenantID,
		Classification:  opts.Classification,
		Meta:            maps.Clone(opts.Meta),
		PolicyOverrides: maps.Clone(opts.PolicyOverrides),
		StartedAt:       c.now(),
	}
	if rc.Meta == nil {
		rc.Meta = make(map[string]any)
	}
	if outer, ok := FromContext(parent); ok {
		rc.ParentID = outer.ID
	}
	ctx, cancel := context.WithCancelCause(parent)
	rc.ctx = context.WithValue(ctx, runKey{}, rc)
	rc.cancel = cancel
	return rc
}

// execute runs op, racing it against timeout when set. A timed-out
// operation is cancelled cooperatively and left to finish on its own;
// it works on a detached view, so its late Meta writes never reach rc.
func (c *Core) execute(rc *RunContext, op Operation, timeout time.Duration) (any, error) {
	if err := rc.ctx.Err(); err != nil {
		return nil, context.Cause(rc.ctx)
	}
	if timeout <= 0 {
		return invoke(rc, op)
	}

	type outcome struct {
		result any
		err    error
	}
	view := rc.detach()
	done := make(chan outcome, 1)
	go func() {
		res, err := invoke(view, op)
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		rc.Meta = view.Meta
		return o.result, o.err
	case <-timer.C:
		rc.Cancel(ErrTimeout)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

func invoke(rc *RunContext, op Operation) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("%w: %v", ErrOperationPanic, r)
		}
	}()
	return op(rc.ctx, rc)
}

// gate evaluates the gate. A panicking gate denies.
func (c *Core) gate(ctx context.Context, g Gate, rc *RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("gate panicked", "run_id", rc.ID, "panic", r)
			err = fmt.Errorf("orchestrate: gate panicked: %v", r)
		}
	}()
	return g(ctx, rc)
}

// supports asks a plugin whether it takes part. A panic means no.
func (c *Core) supports(r registered, rc *RunContext) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			c.hookFailed(r.name, HookSupports, rc, fmt.Errorf("panic: %v", p))
			ok = false
		}
	}()
	return r.plugin.Supports(rc)
}

func (c *Core) call(ctx context.Context, r registered, hook string, rc *RunContext, fn func(context.Context, *RunContext) error) {
	defer func() {
		if p := recover(); p != nil {
			c.hookFailed(r.name, hook, rc, fmt.Errorf("panic: %v", p))
		}
	}()
	if err := fn(ctx, rc); err != nil {
		c.hookFailed(r.name, hook, rc, err)
	}
}

func (c *Core) hookFailed(plugin, hook string, rc *RunContext, err error) {
	c.logger.Warn("plugin hook failed",
		"plugin", plugin,
		"hook", hook,
		"run_id", rc.ID,
		"component", rc.Component,
		"operation", rc.Operation,
		"error", err,
	)
	c.metrics.HookFailed(plugin, hook)
}
