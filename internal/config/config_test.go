package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.SweepInterval.Std() != time.Second {
		t.Errorf("unexpected sweep interval %v", cfg.Session.SweepInterval.Std())
	}
	if !strings.HasSuffix(cfg.Audit.Path, "ledger.jsonl") {
		t.Errorf("unexpected ledger path %s", cfg.Audit.Path)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9464" {
		t.Errorf("unexpected metrics addr %s", cfg.Metrics.Addr)
	}
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
audit:
  path: /var/lib/chainseal/ledger.jsonl
session:
  sweep_interval: 250ms
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audit.Path != "/var/lib/chainseal/ledger.jsonl" {
		t.Errorf("unexpected audit path %s", cfg.Audit.Path)
	}
	if cfg.Session.SweepInterval.Std() != 250*time.Millisecond {
		t.Errorf("unexpected sweep interval %v", cfg.Session.SweepInterval.Std())
	}
	if cfg.Session.DefaultTTL.Std() != 8*time.Hour {
		t.Errorf("default ttl should survive partial file, got %v", cfg.Session.DefaultTTL.Std())
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("unexpected level %s", cfg.Logging.Level)
	}
}

func TestLoadExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("attest:\n  db_path: ~/attest/reg.db\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Attest.DBPath != filepath.Join(home, "attest", "reg.db") {
		t.Errorf("unexpected db path %s", cfg.Attest.DBPath)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"bad duration": "session:\n  sweep_interval: soon\n",
		"zero sweep":   "session:\n  sweep_interval: 0s\n",
		"negative ttl": "session:\n  default_ttl: -1h\n",
		"bad yaml":     "audit: [\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(data), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefaultPathHonoursEnv(t *testing.T) {
	t.Setenv(EnvPath, "/etc/chainseal.yaml")
	if got := DefaultPath(); got != "/etc/chainseal.yaml" {
		t.Errorf("unexpected path %s", got)
	}
}
