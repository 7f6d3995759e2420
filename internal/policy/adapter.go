// Package policy is the synchronous fast-path predicate that decides
// whether an operation is instrumented. It never gates the operation
// itself; MAC decisions live in package mac.
package policy

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ppiankov/chainseal/internal/label"
)

// Request describes the operation being considered.
type Request struct {
	Component      string
	Operation      string
	Classification label.Label
	TenantID       string
	Data           map[string]any
}

// Adapter is the instrumentation predicate. Implementations must not block.
type Adapter interface {
	ShouldInstrumentSync(req Request) (bool, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(Request) (bool, error)

// ShouldInstrumentSync calls f.
func (f AdapterFunc) ShouldInstrumentSync(req Request) (bool, error) {
	return f(req)
}

// ErrAdapterPanic wraps a recovered panic from an adapter.
var ErrAdapterPanic = errors.New("policy adapter panicked")

// Safe evaluates a with fail-open semantics: a nil adapter, an error or a
// panic all mean "instrument". The error, if any, is returned so callers
// can count and log it.
func Safe(a Adapter, req Request) (instrument bool, err error) {
	if a == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			instrument = true
			err = fmt.Errorf("%w: %v", ErrAdapterPanic, r)
		}
	}()
	ok, err := a.ShouldInstrumentSync(req)
	if err != nil {
		return true, err
	}
	return ok, nil
}

// RuleAdapter evaluates a Config. The config can be swapped at any time
// without blocking readers.
type RuleAdapter struct {
	cfg  atomic.Pointer[Config]
	hash atomic.Pointer[string]
}

// NewRuleAdapter creates an adapter over cfg (defaults when nil).
func NewRuleAdapter(cfg *Config, hash string) *RuleAdapter {
	a := &RuleAdapter{}
	a.Swap(cfg, hash)
	return a
}

// Swap replaces the active config.
func (a *RuleAdapter) Swap(cfg *Config, hash string) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	a.cfg.Store(cfg)
	a.hash.Store(&hash)
}

// Hash returns the hash of the active policy file.
func (a *RuleAdapter) Hash() string {
	if h := a.hash.Load(); h != nil {
		return *h
	}
	return ""
}

// Config returns the active config.
func (a *RuleAdapter) Config() *Config {
	return a.cfg.Load()
}

// ShouldInstrumentSync implements Adapter.
func (a *RuleAdapter) ShouldInstrumentSync(req Request) (bool, error) {
	cfg := a.cfg.Load()
	if cfg == nil {
		return true, errors.New("policy adapter has no config")
	}
	for _, r := range cfg.Rules {
		if r.matches(req) {
			return r.Instrument, nil
		}
	}
	return cfg.Default, nil
}
