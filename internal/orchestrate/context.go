package orchestrate

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/ppiankov/chainseal/internal/label"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomePending   Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCanceled  Outcome = "canceled"
)

// Key is a plugin-private attachment handle. Two keys never collide,
// even with the same name.
type Key struct {
	name string
}

// NewKey returns a fresh attachment key. The name is for debugging only.
func NewKey(name string) *Key {
	return &Key{name: name}
}

func (k *Key) String() string {
	return k.name
}

// RunContext is the per-invocation record threaded through every hook.
// It is discarded after Settled; attachments are cleared at that point.
type RunContext struct {
	ID              string
	ParentID        string
	Component       string
	Operation       string
	ActorID         string
	TenantID        string
	Classification  label.Label
	Meta            map[string]any
	PolicyOverrides map[string]bool

	StartedAt time.Time
	Duration  time.Duration
	Err       error
	Outcome   Outcome
	Result    any

	ctx    context.Context
	cancel context.CancelCauseFunc

	// owner is set on an operation's view and holds the shared attachments.
	owner       *RunContext
	mu          sync.Mutex
	attachments map[*Key]any
}

// detach returns a view of rc for an operation that may outlive the run.
// The view owns a copy of Meta; attachments stay shared with rc.
func (rc *RunContext) detach() *RunContext {
	return &RunContext{
		ID:              rc.ID,
		ParentID:        rc.ParentID,
		Component:       rc.Component,
		Operation:       rc.Operation,
		ActorID:         rc.ActorID,
		TenantID:        rc.TenantID,
		Classification:  rc.Classification,
		Meta:            maps.Clone(rc.Meta),
		PolicyOverrides: rc.PolicyOverrides,
		StartedAt:       rc.StartedAt,
		ctx:             rc.ctx,
		cancel:          rc.cancel,
		owner:           rc.store(),
	}
}

func (rc *RunContext) store() *RunContext {
	if rc.owner != nil {
		return rc.owner
	}
	return rc
}

// Context is the run's context. The operation receives it; it is
// cancelled by Cancel, by a timeout, or when the caller's context ends.
func (rc *RunContext) Context() context.Context {
	return rc.ctx
}

// Cancel signals early termination. Cooperative: the operation must watch
// Done for it to have any effect.
func (rc *RunContext) Cancel(cause error) {
	if rc.cancel != nil {
		rc.cancel(cause)
	}
}

// Done is closed once the run is cancelled.
func (rc *RunContext) Done() <-chan struct{} {
	return rc.ctx.Done()
}

// Canceled reports whether the run was cancelled.
func (rc *RunContext) Canceled() bool {
	return rc.ctx.Err() != nil
}

// Cause returns the cancellation cause, or nil.
func (rc *RunContext) Cause() error {
	if rc.ctx.Err() == nil {
		return nil
	}
	return context.Cause(rc.ctx)
}

// Override returns a per-run policy override for a plugin.
func (rc *RunContext) Override(plugin string) (value, ok bool) {
	value, ok = rc.PolicyOverrides[plugin]
	return value, ok
}

// Set stores an attachment.
func (rc *RunContext) Set(k *Key, v any) {
	s := rc.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachments == nil {
		s.attachments = make(map[*Key]any)
	}
	s.attachments[k] = v
}

// Get returns an attachment.
func (rc *RunContext) Get(k *Key) (any, bool) {
	s := rc.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attachments[k]
	return v, ok
}

// Delete removes an attachment.
func (rc *RunContext) Delete(k *Key) {
	s := rc.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, k)
}

func (rc *RunContext) clearAttachments() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.attachments = nil
}

// Attach stores a typed attachment.
func Attach[T any](rc *RunContext, k *Key, v T) {
	rc.Set(k, v)
}

// Lookup returns a typed attachment. ok is false when the key is absent
// or holds a different type.
func Lookup[T any](rc *RunContext, k *Key) (T, bool) {
	var zero T
	v, ok := rc.Get(k)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

type runKey struct{}

// FromContext returns the innermost run a context belongs to.
func FromContext(ctx context.Context) (*RunContext, bool) {
	rc, ok := ctx.Value(runKey{}).(*RunContext)
	return rc, ok
}
