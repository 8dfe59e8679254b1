package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the fingerprint HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "FIDELITY_TOKEN_HMAC_KEY"

	// RandomBytes is the entropy of a scan token (192 bits).
	RandomBytes = 24

	// MaxLen bounds accepted token strings before any store lookup.
	MaxLen = 128

	fingerprintHexLen = 16
)

// New returns a fresh base64url (no padding) token read from r.
// A nil r uses crypto/rand.
func New(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, RandomBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Normalize trims s and rejects values that cannot be a token: empty,
// oversized, or containing characters outside the base64url alphabet.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > MaxLen {
		return "", ErrMalformed
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return "", ErrMalformed
		}
	}
	return s, nil
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Fingerprinter derives short, non-reversible token identifiers for logs
// and audit rows.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter returns a Fingerprinter. An empty key selects SHA-256.
func NewFingerprinter(key []byte) Fingerprinter {
	return Fingerprinter{key: append([]byte(nil), key...)}
}

// Keyed reports whether HMAC mode is active.
func (f Fingerprinter) Keyed() bool { return len(f.key) > 0 }

// Fingerprint returns the first 16 hex chars of the token digest.
func (f Fingerprinter) Fingerprint(tok string) string {
	if tok == "" {
		return ""
	}
	var sum string
	if len(f.key) > 0 {
		sum = HashHMACSHA256Hex(tok, f.key)
	} else {
		sum = HashSHA256Hex(tok)
	}
	return sum[:fingerprintHexLen]
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}
