// Package audit is the forensic envelope service: it canonicalizes,
// hashes, signs and durably appends audit records to a hash-chained
// ledger, and verifies and replays that ledger.
package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/chainseal/internal/label"
)

// Envelope lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

var (
	// ErrEnvelopeCreate wraps every envelope creation failure.
	ErrEnvelopeCreate = errors.New("audit: envelope creation failed")
	// ErrEnvelopeCommit wraps every envelope commit failure.
	ErrEnvelopeCommit = errors.New("audit: envelope commit failed")
	// ErrNotPending is returned when committing an envelope twice.
	ErrNotPending = errors.New("envelope is not pending")
)

// Origin identifies who an envelope is about.
type Origin struct {
	ActorID        string
	TenantID       string
	Classification *label.Label
}

// Envelope is a pending or committed audit record. An envelope is owned
// by one goroutine at a time; once committed it must not be changed.
type Envelope struct {
	ID             string
	Type           string
	Status         Status
	Payload        any
	ActorID        string
	TenantID       string
	Classification *label.Label
	CreatedAt      time.Time
	CommittedAt    time.Time
	Digest         string
	Signature      string
	KeyID          string
}

// Service creates and commits envelopes.
type Service struct {
	ledger *Ledger
	signer *Signer
	now    func() time.Time
}

// NewService binds a ledger and a signer.
func NewService(ledger *Ledger, signer *Signer) *Service {
	return &Service{ledger: ledger, signer: signer, now: time.Now}
}

// SetClock overrides time.Now, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Ledger returns the underlying ledger.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// Signer returns the process signer.
func (s *Service) Signer() *Signer {
	return s.signer
}

// CreateEnvelope returns a pending envelope. Nothing is durable until
// CommitEnvelope succeeds.
func (s *Service) CreateEnvelope(typ string, payload any, origin Origin) (*Envelope, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: no service", ErrEnvelopeCreate)
	}
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return nil, fmt.Errorf("%w: type is required", ErrEnvelopeCreate)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrEnvelopeCreate, err)
	}
	return &Envelope{
		ID:             id.String(),
		Type:           typ,
		Status:         StatusPending,
		Payload:        payload,
		ActorID:        origin.ActorID,
		TenantID:       origin.TenantID,
		Classification: origin.Classification,
		CreatedAt:      s.now().UTC(),
	}, nil
}

// CommitEnvelope canonicalizes and digests the payload, signs the seal and
// appends the record. On failure the envelope is marked failed and the
// error wraps ErrEnvelopeCommit. ctx is only checked before signing; an
// append in progress is never interrupted.
func (s *Service) CommitEnvelope(ctx context.Context, env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrEnvelopeCommit)
	}
	if env.Status != StatusPending {
		return fmt.Errorf("%w: %s: %w", ErrEnvelopeCommit, env.ID, ErrNotPending)
	}
	if s == nil || s.ledger == nil || s.signer == nil {
		env.Status = StatusFailed
		return fmt.Errorf("%w: service not configured", ErrEnvelopeCommit)
	}

	digest, canon, err := Digest(env.Payload)
	if err != nil {
		env.Status = StatusFailed
		return fmt.Errorf("%w: %v", ErrEnvelopeCommit, err)
	}
	if err := ctx.Err(); err != nil {
		env.Status = StatusFailed
		return fmt.Errorf("%w: %w", ErrEnvelopeCommit, err)
	}

	committedAt := s.now().UTC()
	rec, err := s.ledger.Append(func(prevHash string) (Record, error) {
		r := Record{
			Type:      env.Type,
			Algorithm: AlgorithmEd25519,
			KeyID:     s.signer.KeyID(),
			Digest:    digest,
			Timestamp: committedAt.Format(TimestampFormat),
			PrevHash:  prevHash,
			Body: Body{
				ID:             env.ID,
				ActorID:        env.ActorID,
				TenantID:       env.TenantID,
				Classification: env.Classification,
				CreatedAt:      env.CreatedAt.Format(TimestampFormat),
				Payload:        json.RawMessage(canon),
			},
		}
		msg, err := SealBytes(r)
		if err != nil {
			return Record{}, err
		}
		r.Signature = base64.StdEncoding.EncodeToString(s.signer.Sign(msg))
		return r, nil
	})
	if err != nil {
		env.Status = StatusFailed
		return fmt.Errorf("%w: %v", ErrEnvelopeCommit, err)
	}

	env.Digest = rec.Digest
	env.Signature = rec.Signature
	env.KeyID = rec.KeyID
	env.CommittedAt = committedAt
	env.Status = StatusCommitted
	return nil
}

// Record creates and commits an envelope in one step. Unlike the
// instrumentation path, callers of Record want the error.
func (s *Service) Record(ctx context.Context, typ string, payload any, origin Origin) (*Envelope, error) {
	env, err := s.CreateEnvelope(typ, payload, origin)
	if err != nil {
		return nil, err
	}
	if err := s.CommitEnvelope(ctx, env); err != nil {
		return env, err
	}
	return env, nil
}
