package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/chainseal/internal/label"
)

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfigInstrumentsEverything(t *testing.T) {
	a := NewRuleAdapter(nil, "")
	ok, err := a.ShouldInstrumentSync(Request{Component: "docs", Operation: "read"})
	if err != nil || !ok {
		t.Errorf("expected instrument=true, got %v (%v)", ok, err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, hash, err := LoadConfigWithHash(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Default || len(cfg.Rules) != 0 {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if hash != hashBytes(nil) {
		t.Errorf("expected empty-input hash, got %s", hash)
	}
}

func TestLoadDefaultYAML(t *testing.T) {
	path := writePolicy(t, t.TempDir(), DefaultConfigYAML())
	cfg, hash, err := LoadConfigWithHash(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(cfg.Rules))
	}
	if cfg.Rules[1].MinClassification == nil || *cfg.Rules[1].MinClassification != label.Confidential {
		t.Errorf("expected min_classification confidential, got %v", cfg.Rules[1].MinClassification)
	}
	if !strings.HasPrefix(hash, "sha256:") {
		t.Errorf("unexpected hash %s", hash)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "rules: [\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadRejectsUnknownLevel(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "rules:\n  - min_classification: cosmic\n    instrument: true\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for unknown classification")
	}
}

func TestLoadRejectsEmptyRule(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "rules:\n  - instrument: false\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected validation error for rule without match fields")
	}
}

func TestRulesFirstMatchWins(t *testing.T) {
	secret := label.Secret
	a := NewRuleAdapter(&Config{
		Default: true,
		Rules: []Rule{
			{Component: "health*", Instrument: false},
			{MinClassification: &secret, Instrument: true},
			{Operation: "*export*", Tenant: "acme", Instrument: false},
		},
	}, "h1")

	tests := []struct {
		name string
		req  Request
		want bool
	}{
		{"prefix component", Request{Component: "healthz", Operation: "ping"}, false},
		{"secret always", Request{Component: "docs", Operation: "bulk_export", TenantID: "acme", Classification: label.New(label.Secret)}, true},
		{"tenant export", Request{Component: "docs", Operation: "bulk_export", TenantID: "acme", Classification: label.New(label.Internal)}, false},
		{"other tenant export", Request{Component: "docs", Operation: "bulk_export", TenantID: "globex"}, true},
		{"case insensitive", Request{Component: "HEALTHCHECK"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.ShouldInstrumentSync(tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
	if a.Hash() != "h1" {
		t.Errorf("unexpected hash %s", a.Hash())
	}
}

func TestSafeFailsOpen(t *testing.T) {
	failing := AdapterFunc(func(Request) (bool, error) { return false, errors.New("backend down") })
	ok, err := Safe(failing, Request{})
	if !ok || err == nil {
		t.Errorf("expected allow with error, got %v, %v", ok, err)
	}

	panicking := AdapterFunc(func(Request) (bool, error) { panic("bad rule") })
	ok, err = Safe(panicking, Request{})
	if !ok || !errors.Is(err, ErrAdapterPanic) {
		t.Errorf("expected allow with ErrAdapterPanic, got %v, %v", ok, err)
	}

	ok, err = Safe(nil, Request{})
	if !ok || err != nil {
		t.Errorf("nil adapter should allow without error, got %v, %v", ok, err)
	}

	deny := AdapterFunc(func(Request) (bool, error) { return false, nil })
	if ok, _ := Safe(deny, Request{}); ok {
		t.Error("a clean false must be respected")
	}
}

func TestWatcherReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "default: false\n")
	cfg, hash, err := LoadConfigWithHash(path)
	if err != nil {
		t.Fatal(err)
	}
	a := NewRuleAdapter(cfg, hash)

	w, err := NewWatcher(a, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.watcher.Close()

	writePolicy(t, dir, "default: [broken\n")
	if err := w.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if a.Config().Default {
		t.Error("previous config should remain active after failed reload")
	}

	writePolicy(t, dir, "default: true\n")
	if err := w.Reload(); err != nil {
		t.Fatal(err)
	}
	if !a.Config().Default {
		t.Error("expected new config after reload")
	}
	if a.Hash() == hash {
		t.Error("expected hash to change")
	}
}

func TestWatcherRunPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "default: true\n")
	a := NewRuleAdapter(DefaultConfig(), "")

	w, err := NewWatcher(a, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.delay = 10 * time.Millisecond
	reloaded := make(chan error, 4)
	w.OnReload(func(err error) { reloaded <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	writePolicy(t, dir, "default: false\n")

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}
	if a.Config().Default {
		t.Error("expected default=false after reload")
	}
}

func TestNewWatcherRequiresPath(t *testing.T) {
	if _, err := NewWatcher(NewRuleAdapter(nil, ""), "", nil); err == nil {
		t.Error("expected error for empty path")
	}
}
