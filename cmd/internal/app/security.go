package app

import (
	"errors"
	"log/slog"

	"fidelity/cmd/security/token"
)

const minHMACKeyBytes = 32

// loadFingerprinter builds the audit token fingerprinter. Without a key
// it falls back to plain SHA-256 unless cfg.RequireTokenHMAC is set.
// A key that is present but short is always rejected.
func loadFingerprinter(cfg Config, log *slog.Logger) (token.Fingerprinter, error) {
	key, err := token.HMACKeyFromEnv(minHMACKeyBytes)
	switch {
	case err == nil:
		return token.NewFingerprinter(key), nil
	case errors.Is(err, token.ErrHMACKeyMissing):
		if cfg.RequireTokenHMAC {
			return token.Fingerprinter{}, errors.New("security policy: FIDELITY_REQUIRE_TOKEN_HMAC=true but " + token.HMACEnvKey + " is missing")
		}
		log.Warn("security.token_hmac.disabled", "fallback", "sha256")
		return token.NewFingerprinter(nil), nil
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return token.Fingerprinter{}, errors.New("security policy: " + token.HMACEnvKey + " is too short (min 32 bytes)")
	default:
		return token.Fingerprinter{}, err
	}
}
