package event

import (
	"time"

	"github.com/ppiankov/chainseal/internal/label"
)

// Topics published by the security core.
const (
	TopicSecurityContextSet     = "securityContextSet"
	TopicSecurityContextCleared = "securityContextCleared"
	TopicInfoFlow               = "infoFlow"
	TopicAsyncStart             = "async:start"
	TopicAsyncEnd               = "async:end"
	TopicStateChanged           = "state:changed"
)

// Event is anything published on the bus.
type Event interface {
	Topic() string
	Time() time.Time
}

// SecurityContextSet is published when a session subject becomes active.
type SecurityContextSet struct {
	UserID    string
	Label     label.Label
	ExpiresAt time.Time // zero: no expiry
	At        time.Time
}

func (e SecurityContextSet) Topic() string   { return TopicSecurityContextSet }
func (e SecurityContextSet) Time() time.Time { return e.At }

// Clear reasons.
const (
	ReasonCleared = "cleared"
	ReasonExpired = "expired"
)

// SecurityContextCleared is published when the subject is dropped,
// explicitly or by the expiry sweep.
type SecurityContextCleared struct {
	UserID string
	Reason string
	At     time.Time
}

func (e SecurityContextCleared) Topic() string   { return TopicSecurityContextCleared }
func (e SecurityContextCleared) Time() time.Time { return e.At }

// InfoFlow reports that labeled sources were combined into a new artifact.
type InfoFlow struct {
	FromLabels   []label.Label
	DerivedLabel label.Label
	Meta         map[string]any
	At           time.Time
}

func (e InfoFlow) Topic() string   { return TopicInfoFlow }
func (e InfoFlow) Time() time.Time { return e.At }

// AsyncStart marks the start of an orchestrated run.
type AsyncStart struct {
	RunID     string
	Component string
	Operation string
	ActorID   string
	TenantID  string
	At        time.Time
}

func (e AsyncStart) Topic() string   { return TopicAsyncStart }
func (e AsyncStart) Time() time.Time { return e.At }

// AsyncEnd marks the end of an orchestrated run, whatever its outcome.
type AsyncEnd struct {
	RunID     string
	Component string
	Operation string
	Outcome   string
	Duration  time.Duration
	At        time.Time
}

func (e AsyncEnd) Topic() string   { return TopicAsyncEnd }
func (e AsyncEnd) Time() time.Time { return e.At }

// StateChanged reports a run's terminal state before settle.
type StateChanged struct {
	RunID     string
	Component string
	Operation string
	State     string
	Err       string
	At        time.Time
}

func (e StateChanged) Topic() string   { return TopicStateChanged }
func (e StateChanged) Time() time.Time { return e.At }
