package orchestrate

import "context"

// Hook names, used in logs and in plugin_hook_failures_total.
const (
	HookSupports = "supports"
	HookBefore   = "before"
	HookAfter    = "after"
	HookError    = "error"
	HookSkip     = "skip"
	HookSettled  = "settled"
)

// Plugin observes the lifecycle of orchestrated runs. Hooks for one run
// are called sequentially, in ascending priority order. A hook error or
// panic is logged and counted but never changes the run's result.
type Plugin interface {
	Name() string
	Priority() int

	// Supports reports whether the plugin takes part in this run.
	Supports(rc *RunContext) bool

	Before(ctx context.Context, rc *RunContext) error
	After(ctx context.Context, rc *RunContext) error
	Error(ctx context.Context, rc *RunContext) error
	Skip(ctx context.Context, rc *RunContext) error
	// Settled fires on every supporting plugin once the run has finished,
	// whatever the outcome.
	Settled(ctx context.Context, rc *RunContext) error
}

// Base supplies no-op hooks. Embed it and override what you need;
// Name and Priority must still be provided.
type Base struct{}

func (Base) Supports(*RunContext) bool                  { return true }
func (Base) Before(context.Context, *RunContext) error  { return nil }
func (Base) After(context.Context, *RunContext) error   { return nil }
func (Base) Error(context.Context, *RunContext) error   { return nil }
func (Base) Skip(context.Context, *RunContext) error    { return nil }
func (Base) Settled(context.Context, *RunContext) error { return nil }
