// Package attest re-verifies tracked artifacts and the audit ledger.
// Instrumentation fails open; attestation is where that is caught, so
// every check here fails closed.
package attest

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ppiankov/chainseal/internal/audit"
	"github.com/ppiankov/chainseal/internal/logging"
)

// Ledger record types written by the attestor.
const (
	TypeArtifactTracked = "artifact_tracked"
	TypeRemediated      = "attestation_remediated"
)

// Remediation justification rules.
const (
	JustificationPrefix    = "JUSTIFICATION: "
	MinJustificationLength = 40
)

var (
	// ErrAttestationFailed is returned by Verify when anything does not match.
	ErrAttestationFailed = errors.New("attest: attestation failed")
	// ErrInvalidJustification rejects a remediation justification.
	ErrInvalidJustification = errors.New("attest: invalid justification")
	// ErrNotTracked is returned for paths with no baseline.
	ErrNotTracked = errors.New("attest: artifact not tracked")
)

// Artifact statuses.
const (
	StatusOK       = "ok"
	StatusMismatch = "mismatch"
	StatusMissing  = "missing"
	// StatusUnsigned marks a baseline that no signed ledger record backs.
	StatusUnsigned = "unsigned"
	// StatusUnregistered marks a signed baseline missing from the registry.
	StatusUnregistered = "unregistered"
)

// ArtifactResult is the verification outcome for one artifact.
type ArtifactResult struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Report is the outcome of a full attestation pass.
type Report struct {
	CheckedAt time.Time          `json:"checked_at"`
	Ledger    audit.VerifyResult `json:"ledger"`
	Artifacts []ArtifactResult   `json:"artifacts"`
	Failed    int                `json:"failed"`
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	return r.Failed == 0 && r.Ledger.Valid
}

// Attestor tracks, verifies and remediates artifacts.
type Attestor struct {
	reg    *Registry
	svc    *audit.Service
	pub    ed25519.PublicKey
	actor  string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Attestor.
type Option func(*Attestor)

// WithActor sets the actor id written into ledger records.
func WithActor(id string) Option {
	return func(a *Attestor) { a.actor = id }
}

// WithPublicKey sets the key ledger signatures are checked against. It
// defaults to the service signer's public key.
func WithPublicKey(pub ed25519.PublicKey) Option {
	return func(a *Attestor) { a.pub = pub }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Attestor) { a.logger = logging.OrDiscard(l) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Attestor) { a.now = now }
}

// New creates an attestor over a registry and an audit service.
func New(reg *Registry, svc *audit.Service, opts ...Option) *Attestor {
	a := &Attestor{
		reg:    reg,
		svc:    svc,
		actor:  "attest",
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.pub == nil && svc != nil && svc.Signer() != nil {
		a.pub = svc.Signer().PublicKey()
	}
	return a
}

// Track records the current digest of path as its baseline. The signed
// ledger record is written first; the baseline only exists if it landed.
func (a *Attestor) Track(ctx context.Context, path string) (Baseline, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Baseline{}, fmt.Errorf("attest: resolve %s: %w", path, err)
	}
	digest, err := HashFile(abs)
	if err != nil {
		return Baseline{}, fmt.Errorf("attest: hash %s: %w", abs, err)
	}
	env, err := a.svc.Record(ctx, TypeArtifactTracked, map[string]any{
		"path":   abs,
		"digest": digest,
	}, audit.Origin{ActorID: a.actor})
	if err != nil {
		return Baseline{}, fmt.Errorf("attest: record tracking of %s: %w", abs, err)
	}
	b := Baseline{
		Path:       abs,
		Digest:     digest,
		RecordedAt: a.now().UTC(),
		Reason:     "tracked",
		RecordID:   env.ID,
	}
	if err := a.reg.Insert(ctx, b); err != nil {
		return Baseline{}, err
	}
	if err := a.anchor(ctx, a.svc.Ledger().Head()); err != nil {
		return Baseline{}, err
	}
	a.logger.Info("artifact tracked", "path", abs, "digest", digest)
	return b, nil
}

// Verify recomputes every tracked digest and verifies the ledger's chain
// and signatures. Registry rows are trusted only as far as the latest
// signed record for their path agrees with them, and the ledger must
// still reach the head anchored in the registry. The report is always
// returned; the error wraps ErrAttestationFailed when anything is off.
func (a *Attestor) Verify(ctx context.Context) (*Report, error) {
	report := &Report{CheckedAt: a.now().UTC()}

	anchor, err := a.reg.LatestHead(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrAttestationFailed, err)
	}
	var signed map[string]signedBaseline
	switch {
	case a.svc == nil || a.svc.Ledger() == nil:
		report.Ledger = audit.VerifyResult{Error: "no ledger configured"}
	case a.pub == nil:
		report.Ledger = audit.VerifyResult{Error: "no public key configured"}
	default:
		report.Ledger = audit.VerifyFrom(a.svc.Ledger().Path(), a.pub, anchor)
		if report.Ledger.Valid {
			signed, err = signedBaselines(a.svc.Ledger().Path())
			if err != nil {
				report.Ledger = audit.VerifyResult{Error: err.Error()}
			}
		}
	}

	baselines, err := a.reg.Baselines(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrAttestationFailed, err)
	}
	registered := make(map[string]bool, len(baselines))
	for _, b := range baselines {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: %w", ErrAttestationFailed, err)
		}
		registered[b.Path] = true
		res := ArtifactResult{Path: b.Path, Expected: b.Digest}
		rec, backed := signed[b.Path]
		actual, err := HashFile(b.Path)
		switch {
		case report.Ledger.Valid && (!backed || rec.digest != b.Digest || rec.id != b.RecordID):
			res.Status = StatusUnsigned
			res.Error = "baseline does not match the latest signed record for this path"
		case err != nil:
			res.Status = StatusMissing
			res.Error = err.Error()
		case actual != b.Digest:
			res.Status = StatusMismatch
			res.Actual = actual
		default:
			res.Status = StatusOK
			res.Actual = actual
		}
		a.record(report, res)
	}
	for _, path := range slices.Sorted(maps.Keys(signed)) {
		if registered[path] {
			continue
		}
		a.record(report, ArtifactResult{
			Path:     path,
			Expected: signed[path].digest,
			Status:   StatusUnregistered,
			Error:    "signed baseline " + signed[path].id + " has no registry row",
		})
	}

	if !report.OK() {
		reason := fmt.Sprintf("%d of %d artifacts failed", report.Failed, len(report.Artifacts))
		if !report.Ledger.Valid {
			reason += fmt.Sprintf("; ledger: %s", report.Ledger.Error)
		}
		return report, fmt.Errorf("%w: %s", ErrAttestationFailed, reason)
	}
	if report.Ledger.Lines > anchor.Lines {
		if err := a.anchor(ctx, audit.Head{Lines: report.Ledger.Lines, Hash: report.Ledger.Head}); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (a *Attestor) record(report *Report, res ArtifactResult) {
	if res.Status != StatusOK {
		report.Failed++
		a.logger.Warn("attestation mismatch", "path", res.Path, "status", res.Status, "expected", res.Expected, "actual", res.Actual)
	}
	report.Artifacts = append(report.Artifacts, res)
}

// anchor persists a ledger head so later truncation or rewrites are caught.
func (a *Attestor) anchor(ctx context.Context, h audit.Head) error {
	if h.Lines == 0 {
		return nil
	}
	if err := a.reg.InsertHead(ctx, h, a.now()); err != nil {
		return err
	}
	a.logger.Debug("ledger head anchored", "lines", h.Lines, "hash", h.Hash)
	return nil
}

type signedBaseline struct {
	id     string
	digest string
}

// signedBaselines indexes the latest tracked or remediated digest per path
// from the ledger. Only call it on a ledger that verified.
func signedBaselines(ledgerPath string) (map[string]signedBaseline, error) {
	replay, err := audit.Replay(ledgerPath, audit.ReplayFilter{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]signedBaseline)
	for _, rec := range replay.Records {
		var p struct {
			Path      string `json:"path"`
			Digest    string `json:"digest"`
			NewDigest string `json:"new_digest"`
		}
		switch rec.Type {
		case TypeArtifactTracked, TypeRemediated:
		default:
			continue
		}
		if err := json.Unmarshal(rec.Body.Payload, &p); err != nil || p.Path == "" {
			return nil, fmt.Errorf("record %s: unreadable %s payload", rec.Body.ID, rec.Type)
		}
		digest := p.Digest
		if rec.Type == TypeRemediated {
			digest = p.NewDigest
		}
		out[p.Path] = signedBaseline{id: rec.Body.ID, digest: digest}
	}
	return out, nil
}

// Remediate accepts the current content of a tracked artifact as its new
// baseline. The justification is written into a new signed record; no
// earlier record or baseline is changed.
func (a *Attestor) Remediate(ctx context.Context, path, justification string) (Baseline, error) {
	if err := ValidateJustification(justification); err != nil {
		return Baseline{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Baseline{}, fmt.Errorf("attest: resolve %s: %w", path, err)
	}
	prev, ok, err := a.reg.Latest(ctx, abs)
	if err != nil {
		return Baseline{}, err
	}
	if !ok {
		return Baseline{}, fmt.Errorf("%w: %s", ErrNotTracked, abs)
	}
	digest, err := HashFile(abs)
	if err != nil {
		return Baseline{}, fmt.Errorf("attest: hash %s: %w", abs, err)
	}

	env, err := a.svc.Record(ctx, TypeRemediated, map[string]any{
		"path":            abs,
		"previous_digest": prev.Digest,
		"new_digest":      digest,
		"justification":   justification,
		"previous_record": prev.RecordID,
	}, audit.Origin{ActorID: a.actor})
	if err != nil {
		return Baseline{}, fmt.Errorf("attest: record remediation of %s: %w", abs, err)
	}
	b := Baseline{
		Path:       abs,
		Digest:     digest,
		RecordedAt: a.now().UTC(),
		Reason:     justification,
		RecordID:   env.ID,
	}
	if err := a.reg.Insert(ctx, b); err != nil {
		return Baseline{}, err
	}
	if err := a.anchor(ctx, a.svc.Ledger().Head()); err != nil {
		return Baseline{}, err
	}
	a.logger.Info("artifact remediated", "path", abs, "previous", prev.Digest, "digest", digest)
	return b, nil
}

// ValidateJustification enforces the required prefix and minimum length.
func ValidateJustification(j string) error {
	if !strings.HasPrefix(j, JustificationPrefix) {
		return fmt.Errorf("%w: must start with %q", ErrInvalidJustification, JustificationPrefix)
	}
	if len(j) < MinJustificationLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidJustification, MinJustificationLength)
	}
	if strings.TrimSpace(strings.TrimPrefix(j, JustificationPrefix)) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidJustification)
	}
	return nil
}

// HashFile returns "sha256:<hex>" of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
