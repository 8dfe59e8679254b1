// Package token provides the opaque scan-token primitives.
//
// Scan tokens are random values embedded in a QR payload. They are stored
// as-is (issuance must hand the same value back while it is valid), so
// the only place a token must never appear is the logs: there a short
// keyed fingerprint is used instead.
//
// Environment:
//   - FIDELITY_TOKEN_HMAC_KEY: when set, fingerprints use HMAC-SHA256 with
//     this key; otherwise plain SHA-256 (dev mode).
package token
