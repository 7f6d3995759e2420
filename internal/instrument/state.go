package instrument

import (
	"context"
	"time"

	"github.com/ppiankov/chainseal/internal/event"
	"github.com/ppiankov/chainseal/internal/orchestrate"
)

// StateEvents broadcasts run lifecycle events on the bus.
type StateEvents struct {
	orchestrate.Base
	pub event.Publisher
	now func() time.Time
}

// NewStateEvents creates the plugin. A nil publisher makes it a no-op.
func NewStateEvents(pub event.Publisher) *StateEvents {
	return &StateEvents{pub: pub, now: time.Now}
}

func (s *StateEvents) Name() string  { return StateEventsName }
func (s *StateEvents) Priority() int { return StatePriority }

func (s *StateEvents) Supports(*orchestrate.RunContext) bool {
	return s.pub != nil
}

func (s *StateEvents) Before(_ context.Context, rc *orchestrate.RunContext) error {
	s.pub.Publish(event.AsyncStart{
		RunID:     rc.ID,
		Component: rc.Component,
		Operation: rc.Operation,
		ActorID:   rc.ActorID,
		TenantID:  rc.TenantID,
		At:        s.now(),
	})
	return nil
}

func (s *StateEvents) After(_ context.Context, rc *orchestrate.RunContext) error {
	s.changed(rc)
	return nil
}

func (s *StateEvents) Error(_ context.Context, rc *orchestrate.RunContext) error {
	s.changed(rc)
	return nil
}

func (s *StateEvents) Skip(_ context.Context, rc *orchestrate.RunContext) error {
	s.changed(rc)
	return nil
}

func (s *StateEvents) Settled(_ context.Context, rc *orchestrate.RunContext) error {
	s.pub.Publish(event.AsyncEnd{
		RunID:     rc.ID,
		Component: rc.Component,
		Operation: rc.Operation,
		Outcome:   string(rc.Outcome),
		Duration:  rc.Duration,
		At:        s.now(),
	})
	return nil
}

func (s *StateEvents) changed(rc *orchestrate.RunContext) {
	e := event.StateChanged{
		RunID:     rc.ID,
		Component: rc.Component,
		Operation: rc.Operation,
		State:     string(rc.Outcome),
		At:        s.now(),
	}
	if rc.Err != nil {
		e.Err = rc.Err.Error()
	}
	s.pub.Publish(e)
}
