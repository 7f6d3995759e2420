package guard

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ppiankov/chainseal/internal/audit"
	"github.com/ppiankov/chainseal/internal/config"
	"github.com/ppiankov/chainseal/internal/event"
	"github.com/ppiankov/chainseal/internal/label"
	"github.com/ppiankov/chainseal/internal/mac"
	"github.com/ppiankov/chainseal/internal/orchestrate"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Audit.Path = filepath.Join(dir, "ledger.jsonl")
	cfg.Audit.KeyFile = filepath.Join(dir, "missing.key")
	cfg.Policy.Path = filepath.Join(dir, "policy.yaml")
	cfg.Policy.Watch = false
	cfg.Attest.DBPath = filepath.Join(dir, "attest.db")
	return cfg
}

func testSigner(t *testing.T) *audit.Signer {
	t.Helper()
	s, err := audit.NewSigner(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{5}, ed25519.SeedSize)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newGuard(t *testing.T, clock *fakeClock) (*Guard, *config.Config) {
	t.Helper()
	cfg := testConfig(t)
	deps := Deps{Signer: testSigner(t)}
	if clock != nil {
		deps.Clock = clock.Now
	}
	g, err := New(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { g.Close() })
	return g, cfg
}

func readDoc(context.Context, *orchestrate.RunContext) (any, error) { return "contents", nil }

func TestReadUpDenied(t *testing.T) {
	g, cfg := newGuard(t, nil)
	if _, err := g.Sessions.SetContext("alice", label.Confidential, []string{"BLUE"}, 0); err != nil {
		t.Fatal(err)
	}

	executed := false
	_, err := g.Read(context.Background(), Access{
		Component: "docs",
		Operation: "read",
		Object:    label.New(label.Secret, "BLUE"),
	}, func(context.Context, *orchestrate.RunContext) (any, error) {
		executed = true
		return nil, nil
	})

	if !errors.Is(err, mac.ErrDenyRead) {
		t.Fatalf("expected MAC_DENY_READ, got %v", err)
	}
	var deny *mac.DenyError
	if !errors.As(err, &deny) || deny.Code != mac.CodeDenyRead {
		t.Errorf("expected *mac.DenyError, got %T", err)
	}
	if executed {
		t.Error("denied operation must not run")
	}
	if got := testutil.ToFloat64(g.Metrics.Denials.WithLabelValues(mac.CodeDenyRead)); got != 1 {
		t.Errorf("expected 1 read denial, got %v", got)
	}

	g.Flush()
	replay, err := audit.Replay(cfg.Audit.Path, audit.ReplayFilter{ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if replay.Summary.ByOutcome["skipped"] != 1 {
		t.Errorf("denial should be recorded as skipped, got %v", replay.Summary.ByOutcome)
	}
}

func TestWriteDownDenied(t *testing.T) {
	g, _ := newGuard(t, nil)
	if _, err := g.Sessions.SetContext("bob", label.Secret, []string{"BLUE"}, 0); err != nil {
		t.Fatal(err)
	}
	_, err := g.Write(context.Background(), Access{
		Component: "docs",
		Operation: "write",
		Object:    label.New(label.Confidential, "BLUE"),
	}, readDoc)
	if !errors.Is(err, mac.ErrDenyWrite) {
		t.Fatalf("expected MAC_DENY_WRITE, got %v", err)
	}
}

func TestAllowedReadReturnsResult(t *testing.T) {
	g, cfg := newGuard(t, nil)
	if _, err := g.Sessions.SetContext("carol", label.Secret, []string{"ALPHA", "BLUE"}, 0); err != nil {
		t.Fatal(err)
	}
	res, err := g.Read(context.Background(), Access{
		Component: "docs",
		Operation: "read",
		TenantID:  "acme",
		Object:    map[string]any{"classification": "confidential", "compartments": []string{"BLUE"}},
	}, readDoc)
	if err != nil || res != "contents" {
		t.Fatalf("unexpected %v, %v", res, err)
	}

	g.Flush()
	v := audit.Verify(cfg.Audit.Path, g.Audit.Signer().PublicKey())
	if !v.Valid || v.Lines != 1 {
		t.Errorf("expected one valid record, got %+v", v)
	}
	replay, err := audit.Replay(cfg.Audit.Path, audit.ReplayFilter{TenantID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	rec := replay.Records[0]
	if rec.Body.ActorID != "carol" || rec.Body.Classification.String() != "confidential[BLUE]" {
		t.Errorf("unexpected record body %+v", rec.Body)
	}
}

func TestNoSessionIsPublic(t *testing.T) {
	g, _ := newGuard(t, nil)
	ctx := context.Background()
	if _, err := g.Read(ctx, Access{Object: label.Default()}, readDoc); err != nil {
		t.Errorf("public read without session should pass, got %v", err)
	}
	if _, err := g.Read(ctx, Access{Object: label.New(label.Internal)}, readDoc); !errors.Is(err, mac.ErrDenyRead) {
		t.Errorf("internal read without session should be denied, got %v", err)
	}
	if _, err := g.Read(ctx, Access{Object: map[string]any{"classification": "bogus"}}, readDoc); !errors.Is(err, mac.ErrDenyRead) {
		t.Errorf("unparseable classification must fail closed, got %v", err)
	}
	if _, err := g.Read(ctx, Access{Object: map[string]string{"classification": "top_secret"}}, readDoc); !errors.Is(err, mac.ErrDenyRead) {
		t.Errorf("string map classification must be honoured, got %v", err)
	}
	if _, err := g.Read(ctx, Access{Object: struct{ Classification string }{"top_secret"}}, readDoc); !errors.Is(err, mac.ErrDenyRead) {
		t.Errorf("unknown object type must fail closed, got %v", err)
	}
}

func TestExpiredSessionDegrades(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	g, _ := newGuard(t, clock)
	if _, err := g.Sessions.SetContext("dave", label.Secret, []string{"ALPHA"}, 200*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	secret := label.New(label.Secret, "ALPHA")

	clock.Advance(150 * time.Millisecond)
	if _, err := g.Read(context.Background(), Access{Object: secret}, readDoc); err != nil {
		t.Errorf("read within ttl should pass, got %v", err)
	}

	clock.Advance(150 * time.Millisecond)
	if _, err := g.Read(context.Background(), Access{Object: secret}, readDoc); !errors.Is(err, mac.ErrDenyRead) {
		t.Errorf("read after expiry should be denied, got %v", err)
	}
}

func TestCombineReportsFlow(t *testing.T) {
	g, _ := newGuard(t, nil)
	var got []event.InfoFlow
	var mu sync.Mutex
	g.Bus.Subscribe(event.TopicInfoFlow, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.(event.InfoFlow))
	})

	derived := g.Combine(map[string]any{"report": "q3"},
		label.New(label.Confidential, "BLUE"),
		map[string]any{"classification": "secret", "compartments": []any{"ALPHA"}},
	)
	if derived.String() != "secret[ALPHA,BLUE]" {
		t.Errorf("unexpected derived label %s", derived)
	}

	same := g.Combine(nil, label.New(label.Internal), label.New(label.Internal))
	if same.Level != label.Internal {
		t.Errorf("unexpected label %s", same)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one flow event, got %d", len(got))
	}
	if got[0].Meta["report"] != "q3" || len(got[0].FromLabels) != 2 {
		t.Errorf("unexpected flow event %+v", got[0])
	}
}

func TestNewRequiresSigningKey(t *testing.T) {
	t.Setenv(audit.SigningKeyEnv, "")
	cfg := testConfig(t)
	if _, err := New(cfg, Deps{}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected missing key file error, got %v", err)
	}
}

func TestNewLoadsKeyFromFile(t *testing.T) {
	t.Setenv(audit.SigningKeyEnv, "")
	cfg := testConfig(t)
	seed := bytes.Repeat([]byte{0x11}, ed25519.SeedSize)
	if err := os.WriteFile(cfg.Audit.KeyFile, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		t.Fatal(err)
	}
	g, err := New(cfg, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	want := audit.KeyID(ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey))
	if g.Audit.Signer().KeyID() != want {
		t.Errorf("unexpected key id %s", g.Audit.Signer().KeyID())
	}
}

func TestPolicyHotReload(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.Watch = true
	if err := os.WriteFile(cfg.Policy.Path, []byte("default: true\n"), 0600); err != nil {
		t.Fatal(err)
	}
	g, err := New(cfg, Deps{Signer: testSigner(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	before := g.Policy.Hash()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(cfg.Policy.Path, []byte("default: false\n"), 0600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for g.Policy.Hash() == before {
		if time.Now().After(deadline) {
			t.Fatal("policy was not reloaded")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if g.Policy.Config().Default {
		t.Error("expected reloaded policy to disable default instrumentation")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	g, _ := newGuard(t, nil)
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}
