package audit

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a ledger verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Head      string `json:"head,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Head identifies a ledger position: the number of records and the hash
// of the last one. The zero Head is the empty ledger.
type Head struct {
	Lines int    `json:"lines"`
	Hash  string `json:"hash"`
}

// Verify walks a ledger and checks, for every line, the hash chain link,
// the payload digest and the Ed25519 signature against pub. It reports
// the first failing line. A nil pub fails: an unsigned check is not a
// verification.
func Verify(path string, pub ed25519.PublicKey) VerifyResult {
	return VerifyFrom(path, pub, Head{})
}

// VerifyFrom is Verify that also requires the ledger to extend anchor.
// A ledger cut below the anchor, or rewritten up to it, fails.
func VerifyFrom(path string, pub ed25519.PublicKey, anchor Head) VerifyResult {
	if len(pub) != ed25519.PublicKeySize {
		return VerifyResult{Error: "no public key: signatures cannot be checked"}
	}
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	keyID := KeyID(pub)
	scanner := newScanner(f)
	lineNum := 0
	prevHash := GenesisHash

	for scanner.Scan() {
		lineNum++
		line := append([]byte(nil), scanner.Bytes()...)

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}

		if rec.PrevHash != prevHash {
			if lineNum == 1 {
				return VerifyResult{
					Error:     fmt.Sprintf("first record prev_hash is %q, expected genesis hash", rec.PrevHash),
					ErrorLine: 1,
				}
			}
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", prevHash, rec.PrevHash),
				ErrorLine: lineNum,
			}
		}

		if err := CheckRecord(rec, pub, keyID); err != nil {
			return VerifyResult{Error: err.Error(), ErrorLine: lineNum}
		}

		prevHash = HashLine(line)
		if lineNum == anchor.Lines && prevHash != anchor.Hash {
			return VerifyResult{
				Error:     fmt.Sprintf("ledger diverges from anchored head at record %d", anchor.Lines),
				ErrorLine: lineNum,
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	if lineNum < anchor.Lines {
		return VerifyResult{
			Lines: lineNum,
			Error: fmt.Sprintf("ledger truncated: %d records, anchored head is at %d", lineNum, anchor.Lines),
		}
	}

	result := VerifyResult{Valid: true, Lines: lineNum}
	if lineNum > 0 {
		result.Head = prevHash
	}
	return result
}

// CheckRecord recomputes the payload digest and verifies the signature of
// a single record. keyID, when set, must match the record's key_id.
func CheckRecord(rec Record, pub ed25519.PublicKey, keyID string) error {
	if rec.Algorithm != AlgorithmEd25519 {
		return fmt.Errorf("unsupported algorithm %q", rec.Algorithm)
	}

	payload := rec.Body.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	digest, _, err := Digest(payload)
	if err != nil {
		return fmt.Errorf("payload: %v", err)
	}
	if digest != rec.Digest {
		return fmt.Errorf("digest mismatch: recorded %s, computed %s", rec.Digest, digest)
	}

	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("no public key")
	}
	if keyID != "" && rec.KeyID != keyID {
		return fmt.Errorf("signed by key %s, expected %s", rec.KeyID, keyID)
	}
	sig, err := base64.StdEncoding.DecodeString(rec.Signature)
	if err != nil {
		return fmt.Errorf("signature encoding: %v", err)
	}
	msg, err := SealBytes(rec)
	if err != nil {
		return fmt.Errorf("seal: %v", err)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
