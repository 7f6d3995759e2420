package audit

import (
	"encoding/json"

	"github.com/ppiankov/chainseal/internal/label"
)

// AlgorithmEd25519 is the only signature algorithm written to the ledger.
const AlgorithmEd25519 = "ed25519"

// TimestampFormat is the layout used for ledger timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Body is the signed content of a ledger record.
type Body struct {
	ID             string          `json:"id"`
	ActorID        string          `json:"actor_id"`
	TenantID       string          `json:"tenant_id"`
	Classification *label.Label    `json:"classification,omitempty"`
	CreatedAt      string          `json:"created_at"`
	Payload        json.RawMessage `json:"payload"`
}

// Record is one line in the ledger. All fields are structs or raw JSON so
// json.Marshal field order is fixed and line hashes are reproducible.
type Record struct {
	Type      string `json:"type"`
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	Digest    string `json:"digest"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
	PrevHash  string `json:"prev_hash"`
	Body      Body   `json:"body"`
}

// seal is what the signature covers: the payload digest bound to the
// envelope header and the chain position.
type seal struct {
	ActorID        string       `json:"actor_id"`
	Classification *label.Label `json:"classification,omitempty"`
	CreatedAt      string       `json:"created_at"`
	Digest         string       `json:"digest"`
	ID             string       `json:"id"`
	PrevHash       string       `json:"prev_hash"`
	TenantID       string       `json:"tenant_id"`
	Timestamp      string       `json:"timestamp"`
	Type           string       `json:"type"`
}

// SealBytes returns the canonical bytes signed for r.
func SealBytes(r Record) ([]byte, error) {
	return Canonicalize(seal{
		ActorID:        r.Body.ActorID,
		Classification: r.Body.Classification,
		CreatedAt:      r.Body.CreatedAt,
		Digest:         r.Digest,
		ID:             r.Body.ID,
		PrevHash:       r.PrevHash,
		TenantID:       r.Body.TenantID,
		Timestamp:      r.Timestamp,
		Type:           r.Type,
	})
}
