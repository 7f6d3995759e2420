package instrument

import (
	"context"

	"github.com/ppiankov/chainseal/internal/metrics"
	"github.com/ppiankov/chainseal/internal/orchestrate"
)

// Metrics counts runs by outcome and observes their duration.
type Metrics struct {
	orchestrate.Base
	m *metrics.Metrics
}

// NewMetrics creates the plugin.
func NewMetrics(m *metrics.Metrics) *Metrics {
	return &Metrics{m: m}
}

func (p *Metrics) Name() string  { return MetricsName }
func (p *Metrics) Priority() int { return MetricsPriority }

func (p *Metrics) Settled(_ context.Context, rc *orchestrate.RunContext) error {
	p.m.RunFinished(rc.Component, rc.Operation, string(rc.Outcome), rc.Duration)
	return nil
}
