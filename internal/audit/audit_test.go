package audit

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return NewService(l, testSigner(t)), path
}

func record(t *testing.T, svc *Service, typ string, payload any) *Envelope {
	t.Helper()
	env, err := svc.Record(context.Background(), typ, payload, Origin{ActorID: "u1", TenantID: "acme"})
	if err != nil {
		t.Fatalf("record %s: %v", typ, err)
	}
	return env
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestSequentialCommitsProduceValidLedger(t *testing.T) {
	svc, path := newTestService(t)

	for i := 0; i < 5; i++ {
		record(t, svc, "operation", map[string]any{"i": i})
	}

	result := Verify(path, svc.Signer().PublicKey())
	if !result.Valid {
		t.Fatalf("expected valid ledger, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
	if svc.Ledger().Len() != 5 {
		t.Errorf("expected ledger length 5, got %d", svc.Ledger().Len())
	}
}

func TestCommittedEnvelopeDigestAndSignature(t *testing.T) {
	svc, path := newTestService(t)

	payload := map[string]any{"z": 1, "a": "<tag>", "nested": map[string]any{"b": true, "a": nil}}
	env, err := svc.CreateEnvelope("document_read", payload, Origin{ActorID: "u1", TenantID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != StatusPending {
		t.Fatalf("expected pending, got %s", env.Status)
	}
	if err := svc.CommitEnvelope(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if env.Status != StatusCommitted {
		t.Fatalf("expected committed, got %s", env.Status)
	}

	want, _, err := Digest(payload)
	if err != nil {
		t.Fatal(err)
	}
	if env.Digest != want {
		t.Errorf("digest %s does not match recomputed %s", env.Digest, want)
	}

	var rec Record
	if err := json.Unmarshal([]byte(readLines(t, path)[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Digest != want {
		t.Errorf("stored digest %s, want %s", rec.Digest, want)
	}
	if err := CheckRecord(rec, svc.Signer().PublicKey(), ""); err != nil {
		t.Errorf("signature should verify: %v", err)
	}

	other := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, ed25519.SeedSize)).Public().(ed25519.PublicKey)
	if err := CheckRecord(rec, other, ""); err == nil {
		t.Error("signature must not verify under a different key")
	}
}

func TestCommitTwiceRejected(t *testing.T) {
	svc, _ := newTestService(t)
	env := record(t, svc, "operation", nil)

	err := svc.CommitEnvelope(context.Background(), env)
	if err == nil {
		t.Fatal("expected error committing twice")
	}
	if !errors.Is(err, ErrEnvelopeCommit) || !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrEnvelopeCommit wrapping ErrNotPending, got %v", err)
	}
	if env.Status != StatusCommitted {
		t.Error("re-commit attempt must not change a committed envelope")
	}
}

func TestCreateRequiresType(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateEnvelope("  ", nil, Origin{}); !errors.Is(err, ErrEnvelopeCreate) {
		t.Errorf("expected ErrEnvelopeCreate, got %v", err)
	}
	var nilSvc *Service
	if _, err := nilSvc.CreateEnvelope("x", nil, Origin{}); !errors.Is(err, ErrEnvelopeCreate) {
		t.Errorf("expected ErrEnvelopeCreate for nil service, got %v", err)
	}
}

func TestCommitUnserializablePayloadFails(t *testing.T) {
	svc, path := newTestService(t)
	env, _ := svc.CreateEnvelope("operation", map[string]any{"ch": make(chan int)}, Origin{})

	if err := svc.CommitEnvelope(context.Background(), env); !errors.Is(err, ErrEnvelopeCommit) {
		t.Fatalf("expected ErrEnvelopeCommit, got %v", err)
	}
	if env.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", env.Status)
	}
	if info, _ := os.Stat(path); info != nil && info.Size() != 0 {
		t.Error("failed commit must not write to the ledger")
	}
}

func TestCommitCanceledContextFails(t *testing.T) {
	svc, _ := newTestService(t)
	env, _ := svc.CreateEnvelope("operation", nil, Origin{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.CommitEnvelope(ctx, env); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCommitAfterCloseFails(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Ledger().Close()
	env, _ := svc.CreateEnvelope("operation", nil, Origin{})
	if err := svc.CommitEnvelope(context.Background(), env); !errors.Is(err, ErrEnvelopeCommit) {
		t.Errorf("expected ErrEnvelopeCommit after close, got %v", err)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	svc, path := newTestService(t)
	for i := 0; i < 3; i++ {
		record(t, svc, "operation", map[string]any{"outcome": "succeeded"})
	}

	lines := readLines(t, path)
	lines[2] = strings.Replace(lines[2], `"succeeded"`, `"failed"`, 1)
	writeLines(t, path, lines)

	result := Verify(path, svc.Signer().PublicKey())
	if result.Valid {
		t.Fatal("expected tampered ledger to be invalid")
	}
	if result.ErrorLine != 3 || !strings.Contains(result.Error, "digest mismatch") {
		t.Fatalf("expected digest mismatch at line 3, got line %d: %s", result.ErrorLine, result.Error)
	}
}

func TestVerifyDetectsMiddleEditThroughChain(t *testing.T) {
	svc, path := newTestService(t)
	for i := 0; i < 3; i++ {
		record(t, svc, "operation", map[string]any{"i": i})
	}

	lines := readLines(t, path)
	lines[1] = strings.Replace(lines[1], `"actor_id":"u1"`, `"actor_id":"u2"`, 1)
	writeLines(t, path, lines)

	result := Verify(path, svc.Signer().PublicKey())
	if result.Valid {
		t.Fatal("expected edited ledger to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected signature failure at line 2, got line %d: %s", result.ErrorLine, result.Error)
	}
}

func TestVerifyDetectsDeletedRecord(t *testing.T) {
	svc, path := newTestService(t)
	for i := 0; i < 3; i++ {
		record(t, svc, "operation", map[string]any{"i": i})
	}

	lines := readLines(t, path)
	writeLines(t, path, []string{lines[0], lines[2]})

	result := Verify(path, svc.Signer().PublicKey())
	if result.Valid {
		t.Fatal("expected ledger with deleted record to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsForgedSignature(t *testing.T) {
	svc, path := newTestService(t)
	record(t, svc, "operation", nil)

	lines := readLines(t, path)
	var rec Record
	json.Unmarshal([]byte(lines[0]), &rec)
	rec.Signature = "AAAA" + rec.Signature[4:]
	forged, _ := encodeRecord(rec)
	writeLines(t, path, []string{string(forged)})

	result := Verify(path, svc.Signer().PublicKey())
	if result.Valid {
		t.Fatal("expected forged signature to be detected")
	}
}

func TestEmptyLedgerPassesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	os.WriteFile(path, []byte{}, 0600)

	result := Verify(path, testSigner(t).PublicKey())
	if !result.Valid || result.Lines != 0 || result.Head != "" {
		t.Fatalf("expected empty ledger valid with 0 lines, got %+v", result)
	}
}

func TestVerifyRequiresPublicKey(t *testing.T) {
	svc, path := newTestService(t)
	record(t, svc, "operation", nil)

	for _, pub := range []ed25519.PublicKey{nil, ed25519.PublicKey{1, 2, 3}} {
		if result := Verify(path, pub); result.Valid || !strings.Contains(result.Error, "no public key") {
			t.Errorf("expected verification without a usable key to fail, got %+v", result)
		}
	}
	if err := CheckRecord(Record{Algorithm: AlgorithmEd25519, Digest: mustDigest(t, nil)}, nil, ""); err == nil {
		t.Error("expected CheckRecord without a key to fail")
	}
}

func mustDigest(t *testing.T, v any) string {
	t.Helper()
	d, _, err := Digest(v)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestVerifyFromDetectsTruncation(t *testing.T) {
	svc, path := newTestService(t)
	for i := 0; i < 3; i++ {
		record(t, svc, "operation", map[string]any{"i": i})
	}
	pub := svc.Signer().PublicKey()
	head := svc.Ledger().Head()
	if head.Lines != 3 {
		t.Fatalf("expected head at 3 records, got %+v", head)
	}
	if full := Verify(path, pub); full.Head != head.Hash {
		t.Errorf("verify head %s does not match ledger head %s", full.Head, head.Hash)
	}

	lines := readLines(t, path)
	writeLines(t, path, lines[:1])

	if plain := Verify(path, pub); !plain.Valid {
		t.Fatalf("a cut chain is still internally consistent, got %+v", plain)
	}
	result := VerifyFrom(path, pub, head)
	if result.Valid || !strings.Contains(result.Error, "truncated") {
		t.Fatalf("expected truncation to be detected, got %+v", result)
	}
}

func TestVerifyFromDetectsRewrittenHistory(t *testing.T) {
	svc, path := newTestService(t)
	record(t, svc, "operation", map[string]any{"i": 0})
	anchor := svc.Ledger().Head()
	svc.Ledger().Close()

	// A fresh chain signed with the same key, replacing the anchored one.
	os.Remove(path)
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	other := NewService(l, svc.Signer())
	record(t, other, "operation", map[string]any{"i": 99})
	record(t, other, "operation", map[string]any{"i": 100})

	result := VerifyFrom(path, svc.Signer().PublicKey(), anchor)
	if result.Valid || result.ErrorLine != 1 {
		t.Fatalf("expected divergence at record 1, got %+v", result)
	}

	if extended := VerifyFrom(path, svc.Signer().PublicKey(), l.Head()); !extended.Valid {
		t.Errorf("ledger should extend its own head, got %+v", extended)
	}
}

func TestConcurrentCommitsSerializeCorrectly(t *testing.T) {
	svc, path := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc.Record(context.Background(), "operation", map[string]any{"i": i}, Origin{})
		}(i)
	}
	wg.Wait()

	result := Verify(path, svc.Signer().PublicKey())
	if !result.Valid {
		t.Fatalf("expected valid ledger after concurrent commits, got line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 50 {
		t.Fatalf("expected 50 lines, got %d", result.Lines)
	}
}

func TestGenesisHashOnFirstRecord(t *testing.T) {
	svc, path := newTestService(t)
	record(t, svc, "operation", nil)

	var rec Record
	json.Unmarshal([]byte(readLines(t, path)[0]), &rec)
	if rec.PrevHash != GenesisHash {
		t.Fatalf("expected genesis hash %s, got %s", GenesisHash, rec.PrevHash)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")
	signer := testSigner(t)

	l1, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	svc1 := NewService(l1, signer)
	for i := 0; i < 3; i++ {
		svc1.Record(context.Background(), "operation", nil, Origin{})
	}
	l1.Close()

	l2, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	if l2.Len() != 3 {
		t.Errorf("expected recovered length 3, got %d", l2.Len())
	}
	svc2 := NewService(l2, signer)
	for i := 0; i < 2; i++ {
		svc2.Record(context.Background(), "operation", nil, Origin{})
	}
	l2.Close()

	result := Verify(path, signer.PublicKey())
	if !result.Valid {
		t.Fatalf("expected valid ledger after reopen, got line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestLedgerFilePermissions(t *testing.T) {
	svc, path := newTestService(t)
	record(t, svc, "operation", nil)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600, got %o", info.Mode().Perm())
	}
}

func TestServiceClockControlsTimestamps(t *testing.T) {
	svc, path := newTestService(t)
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return fixed })
	record(t, svc, "operation", nil)

	var rec Record
	json.Unmarshal([]byte(readLines(t, path)[0]), &rec)
	if rec.Timestamp != "2026-03-01T09:30:00.000Z" || rec.Body.CreatedAt != rec.Timestamp {
		t.Errorf("unexpected timestamps %q / %q", rec.Timestamp, rec.Body.CreatedAt)
	}
}
