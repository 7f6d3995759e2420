// Package flow reports information flow between labeled data.
package flow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ppiankov/chainseal/internal/event"
	"github.com/ppiankov/chainseal/internal/label"
	"github.com/ppiankov/chainseal/internal/logging"
	"github.com/ppiankov/chainseal/internal/metrics"
)

// Tracker emits InfoFlow events. Emission is fire-and-forget: a nil
// Tracker, a missing publisher or a failing listener is never an error.
type Tracker struct {
	pub     event.Publisher
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewTracker creates a tracker publishing to pub.
func NewTracker(pub event.Publisher, logger *slog.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		pub:     pub,
		now:     time.Now,
		logger:  logging.OrDiscard(logger),
		metrics: m,
	}
}

// Derived reports that derived was produced from sources labeled from.
func (t *Tracker) Derived(from []label.Label, derived label.Label, meta map[string]any) {
	if t == nil || t.pub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("info flow emission failed", "panic", fmt.Sprint(r))
		}
	}()

	e := event.InfoFlow{
		FromLabels:   append([]label.Label(nil), from...),
		DerivedLabel: derived,
		Meta:         copyMeta(meta),
		At:           t.now(),
	}
	t.pub.Publish(e)
	t.metrics.FlowEvent()
	t.logger.Debug("info flow", "derived", derived.String(), "sources", len(from))
}

// Combine returns the join of the source labels and reports a flow event
// when the sources are not all labeled alike.
func (t *Tracker) Combine(meta map[string]any, from ...label.Label) label.Label {
	derived := label.Join(from...)
	if differ(from) {
		t.Derived(from, derived, meta)
	}
	return derived
}

func differ(labels []label.Label) bool {
	for i := 1; i < len(labels); i++ {
		if !labels[i].Equal(labels[0]) {
			return true
		}
	}
	return false
}

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
