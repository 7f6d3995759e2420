package audit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// SigningKeyEnv names the environment variable holding inline key material.
const SigningKeyEnv = "CHAINSEAL_SIGNING_KEY"

// ErrNoSigningKey is returned when neither key material nor a key file is available.
var ErrNoSigningKey = errors.New("audit: no signing key configured")

// Signer holds the process signing key. Keys are supplied from outside;
// this package never generates or rotates them.
type Signer struct {
	key   ed25519.PrivateKey
	keyID string
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("audit: invalid ed25519 private key length %d", len(key))
	}
	pub := key.Public().(ed25519.PublicKey)
	return &Signer{key: key, keyID: KeyID(pub)}, nil
}

// Sign returns the detached signature over msg.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.key, msg)
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// KeyID returns the short fingerprint written into each record.
func (s *Signer) KeyID() string {
	return s.keyID
}

// KeyID fingerprints a public key: hex of the first 8 bytes of its SHA-256.
func KeyID(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:8])
}

// LoadSigner loads the signing key once per process: inline material
// wins, otherwise the fallback file is read.
func LoadSigner(material []byte, fallbackPath string) (*Signer, error) {
	if len(strings.TrimSpace(string(material))) == 0 {
		if fallbackPath == "" {
			return nil, ErrNoSigningKey
		}
		data, err := os.ReadFile(fallbackPath)
		if err != nil {
			return nil, fmt.Errorf("audit: read signing key: %w", err)
		}
		material = data
	}
	key, err := ParsePrivateKey(material)
	if err != nil {
		return nil, err
	}
	return NewSigner(key)
}

// ParsePrivateKey accepts PKCS#8 PEM, an OpenSSH private key, or a hex or
// base64 encoded 32-byte seed or 64-byte private key.
func ParsePrivateKey(material []byte) (ed25519.PrivateKey, error) {
	text := strings.TrimSpace(string(material))
	if strings.HasPrefix(text, "-----BEGIN") {
		block, _ := pem.Decode([]byte(text))
		if block == nil {
			return nil, fmt.Errorf("audit: malformed PEM signing key")
		}
		switch block.Type {
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("audit: parse PKCS#8 key: %w", err)
			}
			ed, ok := k.(ed25519.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("audit: signing key is %T, want ed25519", k)
			}
			return ed, nil
		case "OPENSSH PRIVATE KEY":
			k, err := ssh.ParseRawPrivateKey([]byte(text))
			if err != nil {
				return nil, fmt.Errorf("audit: parse OpenSSH key: %w", err)
			}
			switch ed := k.(type) {
			case *ed25519.PrivateKey:
				return *ed, nil
			case ed25519.PrivateKey:
				return ed, nil
			default:
				return nil, fmt.Errorf("audit: signing key is %T, want ed25519", k)
			}
		default:
			return nil, fmt.Errorf("audit: unsupported PEM block %q", block.Type)
		}
	}

	raw, err := decodeKeyBytes(text)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("audit: signing key has %d bytes, want %d or %d",
			len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// ParsePublicKey accepts PKIX PEM, an OpenSSH authorized_keys line, or a
// hex or base64 encoded 32-byte key.
func ParsePublicKey(material []byte) (ed25519.PublicKey, error) {
	text := strings.TrimSpace(string(material))
	switch {
	case strings.HasPrefix(text, "-----BEGIN"):
		block, _ := pem.Decode([]byte(text))
		if block == nil || block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("audit: malformed PEM public key")
		}
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("audit: parse PKIX key: %w", err)
		}
		ed, ok := k.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("audit: public key is %T, want ed25519", k)
		}
		return ed, nil
	case strings.HasPrefix(text, "ssh-"):
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("audit: parse OpenSSH public key: %w", err)
		}
		cpk, ok := pk.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("audit: unsupported OpenSSH key type %s", pk.Type())
		}
		ed, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("audit: public key type %s, want ssh-ed25519", pk.Type())
		}
		return ed, nil
	}

	raw, err := decodeKeyBytes(text)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("audit: public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// LoadPublicKey reads and parses a public key file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read public key: %w", err)
	}
	return ParsePublicKey(data)
}

// MarshalPublicKey encodes pub as PKIX PEM.
func MarshalPublicKey(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func decodeKeyBytes(text string) ([]byte, error) {
	if text == "" {
		return nil, ErrNoSigningKey
	}
	if b, err := hex.DecodeString(text); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(text); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(text); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("audit: key material is not PEM, OpenSSH, hex or base64")
}
