// Package guard wires the security core together and exposes protected
// read, write and combine operations.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/chainseal/internal/audit"
	"github.com/ppiankov/chainseal/internal/config"
	"github.com/ppiankov/chainseal/internal/event"
	"github.com/ppiankov/chainseal/internal/flow"
	"github.com/ppiankov/chainseal/internal/instrument"
	"github.com/ppiankov/chainseal/internal/label"
	"github.com/ppiankov/chainseal/internal/logging"
	"github.com/ppiankov/chainseal/internal/mac"
	"github.com/ppiankov/chainseal/internal/metrics"
	"github.com/ppiankov/chainseal/internal/orchestrate"
	"github.com/ppiankov/chainseal/internal/policy"
	"github.com/ppiankov/chainseal/internal/session"
)

// Deps are the externally supplied collaborators. Zero values fall back
// to what the config names.
type Deps struct {
	// Signer overrides CHAINSEAL_SIGNING_KEY and audit.key_file.
	Signer *audit.Signer
	// Registerer receives the collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	// Adapter replaces the rule-file policy adapter.
	Adapter policy.Adapter
	// Clock overrides time.Now for the session manager.
	Clock func() time.Time
}

// Guard owns every component of the security core.
type Guard struct {
	Bus      *event.Bus
	Sessions *session.Manager
	MAC      *mac.Engine
	Flow     *flow.Tracker
	Audit    *audit.Service
	Policy   *policy.RuleAdapter
	Core     *orchestrate.Core
	Metrics  *metrics.Metrics

	forensic *instrument.Forensic
	ledger   *audit.Ledger
	logger   *slog.Logger
	stop     context.CancelFunc
	watchErr chan error

	closeOnce sync.Once
	closeErr  error
}

// New builds the core from cfg. It fails when the ledger cannot be opened
// or no signing key is available: instrumentation is fail-open, but a
// process without a key cannot produce verifiable records at all.
func New(cfg *config.Config, deps Deps) (*Guard, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.OrDiscard(deps.Logger)
	m := metrics.New(deps.Registerer)

	signer := deps.Signer
	if signer == nil {
		var err error
		signer, err = audit.LoadSigner([]byte(os.Getenv(audit.SigningKeyEnv)), cfg.Audit.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("guard: load signing key: %w", err)
		}
	}

	ledger, err := audit.OpenLedger(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("guard: open ledger: %w", err)
	}

	policyCfg, policyHash, err := policy.LoadConfigWithHash(cfg.Policy.Path)
	if err != nil {
		ledger.Close()
		return nil, fmt.Errorf("guard: load policy: %w", err)
	}
	rules := policy.NewRuleAdapter(policyCfg, policyHash)
	var adapter policy.Adapter = rules
	if deps.Adapter != nil {
		adapter = deps.Adapter
	}

	bus := event.NewBus(logger)
	sessOpts := []session.Option{
		session.WithSweepInterval(cfg.Session.SweepInterval.Std()),
		session.WithPublisher(bus),
		session.WithLogger(logger),
		session.WithMetrics(m),
	}
	if deps.Clock != nil {
		sessOpts = append(sessOpts, session.WithClock(deps.Clock))
	}
	sessions := session.NewManager(sessOpts...)

	svc := audit.NewService(ledger, signer)
	forensic := instrument.NewForensic(svc, adapter,
		instrument.WithPolicyHash(rules.Hash),
		instrument.WithForensicMetrics(m),
		instrument.WithForensicLogger(logger),
	)
	core := orchestrate.NewCore(orchestrate.WithLogger(logger), orchestrate.WithMetrics(m))
	if err := core.Register(forensic, instrument.NewMetrics(m), instrument.NewStateEvents(bus)); err != nil {
		ledger.Close()
		return nil, fmt.Errorf("guard: register plugins: %w", err)
	}

	g := &Guard{
		Bus:      bus,
		Sessions: sessions,
		MAC:      mac.NewEngine(sessions),
		Flow:     flow.NewTracker(bus, logger, m),
		Audit:    svc,
		Policy:   rules,
		Core:     core,
		Metrics:  m,
		forensic: forensic,
		ledger:   ledger,
		logger:   logger,
	}

	if cfg.Policy.Watch && cfg.Policy.Path != "" {
		if err := g.watchPolicy(cfg.Policy.Path); err != nil {
			logger.Warn("policy hot reload disabled", "path", cfg.Policy.Path, "error", err)
		}
	}

	sessions.Start()
	logger.Info("security core started",
		"ledger", cfg.Audit.Path,
		"key_id", signer.KeyID(),
		"policy_hash", policyHash,
		"records", ledger.Len(),
	)
	return g, nil
}

func (g *Guard) watchPolicy(path string) error {
	w, err := policy.NewWatcher(g.Policy, path, g.logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.stop = cancel
	g.watchErr = make(chan error, 1)
	go func() { g.watchErr <- w.Run(ctx) }()
	return nil
}

// Access describes a protected operation on a labeled object.
type Access struct {
	Component string
	Operation string
	TenantID  string
	// Object is projected to a label by the MAC engine.
	Object          any
	Meta            map[string]any
	PolicyOverrides map[string]bool
	Timeout         time.Duration
}

// Read runs fn if the current subject may read the object. A denial is
// returned as a *mac.DenyError matching mac.ErrDenyRead, and fn does not
// run.
func (g *Guard) Read(ctx context.Context, a Access, fn orchestrate.Operation) (any, error) {
	return g.run(ctx, a, fn, mac.EnforceNoReadUp)
}

// Write runs fn if the current subject may write the object. A denial
// matches mac.ErrDenyWrite.
func (g *Guard) Write(ctx context.Context, a Access, fn orchestrate.Operation) (any, error) {
	return g.run(ctx, a, fn, mac.EnforceNoWriteDown)
}

func (g *Guard) run(ctx context.Context, a Access, fn orchestrate.Operation, enforce func(subject, object label.Label) error) (any, error) {
	object := g.MAC.Label(a.Object)
	var actor string
	if s, ok := g.Sessions.Current(); ok {
		actor = s.UserID
	}
	return g.Core.Run(ctx, fn, orchestrate.Options{
		Component:       a.Component,
		Operation:       a.Operation,
		ActorID:         actor,
		TenantID:        a.TenantID,
		Classification:  object,
		Meta:            a.Meta,
		PolicyOverrides: a.PolicyOverrides,
		Timeout:         a.Timeout,
		Gate: func(context.Context, *orchestrate.RunContext) error {
			err := enforce(g.MAC.Subject(), object)
			var deny *mac.DenyError
			if errors.As(err, &deny) {
				g.Metrics.Denied(deny.Code)
			}
			return err
		},
	})
}

// Combine returns the join of the sources' labels and reports the
// derivation when they differ.
func (g *Guard) Combine(meta map[string]any, sources ...any) label.Label {
	labels := make([]label.Label, len(sources))
	for i, s := range sources {
		labels[i] = g.MAC.Label(s)
	}
	return g.Flow.Combine(meta, labels...)
}

// Flush waits for in-flight forensic commits.
func (g *Guard) Flush() {
	g.forensic.Flush()
}

// Close stops the sweep and the policy watcher, waits for pending
// commits, and closes the ledger. Safe to call more than once.
func (g *Guard) Close() error {
	g.closeOnce.Do(func() {
		if g.stop != nil {
			g.stop()
			<-g.watchErr
		}
		g.Sessions.Cleanup()
		g.forensic.Flush()
		g.closeErr = g.ledger.Close()
	})
	return g.closeErr
}
