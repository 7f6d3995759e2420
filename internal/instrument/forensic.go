// Package instrument holds the built-in orchestration plugins.
package instrument

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/ppiankov/chainseal/internal/audit"
	"github.com/ppiankov/chainseal/internal/logging"
	"github.com/ppiankov/chainseal/internal/metrics"
	"github.com/ppiankov/chainseal/internal/orchestrate"
	"github.com/ppiankov/chainseal/internal/policy"
)

// Built-in plugin names and priorities.
const (
	ForensicName     = "forensic"
	MetricsName      = "metrics"
	StateEventsName  = "state_events"
	ForensicPriority = 10
	MetricsPriority  = 20
	StatePriority    = 30
)

// EnvelopeType is the ledger record type for orchestrated runs.
const EnvelopeType = "operation"

// Forensic writes one signed ledger record per instrumented run. Every
// failure on this path is counted and logged but never reaches the run.
type Forensic struct {
	orchestrate.Base

	svc      *audit.Service
	adapter  policy.Adapter
	hash     func() string
	metrics  *metrics.Metrics
	logger   *slog.Logger
	throttle *logging.Throttle
	key      *orchestrate.Key

	wg conc.WaitGroup
}

// ForensicOption configures a Forensic plugin.
type ForensicOption func(*Forensic)

// WithPolicyHash records the active policy hash in every envelope.
func WithPolicyHash(fn func() string) ForensicOption {
	return func(f *Forensic) { f.hash = fn }
}

// WithForensicMetrics sets the collectors.
func WithForensicMetrics(m *metrics.Metrics) ForensicOption {
	return func(f *Forensic) { f.metrics = m }
}

// WithForensicLogger sets the logger. Repeated warnings are throttled.
func WithForensicLogger(l *slog.Logger) ForensicOption {
	return func(f *Forensic) { f.logger = logging.OrDiscard(l) }
}

// NewForensic creates the plugin. A nil adapter instruments every run.
func NewForensic(svc *audit.Service, adapter policy.Adapter, opts ...ForensicOption) *Forensic {
	f := &Forensic{
		svc:     svc,
		adapter: adapter,
		logger:  logging.Discard(),
		key:     orchestrate.NewKey("forensic.envelope"),
	}
	for _, o := range opts {
		o(f)
	}
	f.throttle = logging.NewThrottle(f.logger, time.Minute, 1)
	return f
}

func (f *Forensic) Name() string  { return ForensicName }
func (f *Forensic) Priority() int { return ForensicPriority }

// Supports consults the per-run override first, then the policy adapter.
// Adapter errors and panics mean "instrument".
func (f *Forensic) Supports(rc *orchestrate.RunContext) bool {
	if v, ok := rc.Override(ForensicName); ok {
		return v
	}
	instrument, err := policy.Safe(f.adapter, policy.Request{
		Component:      rc.Component,
		Operation:      rc.Operation,
		Classification: rc.Classification,
		TenantID:       rc.TenantID,
		Data:           rc.Meta,
	})
	if err != nil {
		f.metrics.PolicyAdapterError()
		f.throttle.Warn("policy_adapter", "policy adapter failed, instrumenting anyway",
			"component", rc.Component,
			"operation", rc.Operation,
			"error", err,
		)
	}
	return instrument
}

// Before creates the pending envelope.
func (f *Forensic) Before(_ context.Context, rc *orchestrate.RunContext) error {
	cls := rc.Classification
	env, err := f.svc.CreateEnvelope(EnvelopeType, nil, audit.Origin{
		ActorID:        rc.ActorID,
		TenantID:       rc.TenantID,
		Classification: &cls,
	})
	if err != nil {
		f.metrics.EnvelopeFailed(metrics.StageCreate)
		f.throttle.Warn("envelope_create", "forensic envelope not created", "run_id", rc.ID, "error", err)
		return nil
	}
	orchestrate.Attach(rc, f.key, env)
	return nil
}

// Settled fills in the outcome and commits the envelope in the
// background. The run never waits for it. The payload is serialized here
// so the commit holds no reference into the run.
func (f *Forensic) Settled(ctx context.Context, rc *orchestrate.RunContext) error {
	env, ok := orchestrate.Lookup[*audit.Envelope](rc, f.key)
	if !ok {
		return nil
	}
	rc.Delete(f.key)
	canon, err := audit.Canonicalize(f.payload(rc))
	if err != nil {
		f.metrics.EnvelopeFailed(metrics.StageCommit)
		f.throttle.Warn("envelope_commit", "forensic envelope not committed", "run_id", rc.ID, "error", err)
		return nil
	}
	env.Payload = json.RawMessage(canon)

	commitCtx := context.WithoutCancel(ctx)
	runID := rc.ID
	f.wg.Go(func() {
		if err := f.svc.CommitEnvelope(commitCtx, env); err != nil {
			f.metrics.EnvelopeFailed(metrics.StageCommit)
			f.throttle.Warn("envelope_commit", "forensic envelope not committed", "run_id", runID, "error", err)
			return
		}
		f.metrics.EnvelopeCommitted()
	})
	return nil
}

// Flush waits for every in-flight commit.
func (f *Forensic) Flush() {
	if r := f.wg.WaitAndRecover(); r != nil {
		f.logger.Error("forensic commit panicked", "panic", r.Value)
	}
}

func (f *Forensic) payload(rc *orchestrate.RunContext) map[string]any {
	p := map[string]any{
		"run_id":      rc.ID,
		"component":   rc.Component,
		"operation":   rc.Operation,
		"outcome":     string(rc.Outcome),
		"duration_ms": rc.Duration.Milliseconds(),
		"started_at":  rc.StartedAt.UTC().Format(audit.TimestampFormat),
	}
	if rc.ParentID != "" {
		p["parent_run_id"] = rc.ParentID
	}
	if rc.Err != nil {
		p["error"] = rc.Err.Error()
	}
	if len(rc.Meta) > 0 {
		p["meta"] = rc.Meta
	}
	if f.hash != nil {
		if h := f.hash(); h != "" {
			p["policy_hash"] = h
		}
	}
	return p
}
