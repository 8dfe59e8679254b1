// Package operator authenticates business-bound operators (barbers) by
// API key. A key has the form "<operatorID>.<secret>"; only an Argon2id
// hash of the secret is stored.
package operator

import (
	"context"
	"errors"
	"strings"
	"time"

	"fidelity/cmd/security/secret"
)

// HeaderAPIKey carries the operator key on every request.
const HeaderAPIKey = "X-API-Key"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("operator not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// Operator is an authenticated actor bound to exactly one business.
type Operator struct {
	ID         string
	BusinessID string
	Name       string
	KeyHash    string
	CreatedAt  time.Time
	DisabledAt *time.Time
}

// Active reports whether the operator may act.
func (o Operator) Active() bool { return o.DisabledAt == nil }

// Store looks operators up by id.
type Store interface {
	GetOperator(ctx context.Context, id string) (Operator, error)
}

// ParseKey splits "<id>.<secret>".
func ParseKey(raw string) (id, sec string, err error) {
	raw = strings.TrimSpace(raw)
	id, sec, ok := strings.Cut(raw, ".")
	if !ok || strings.TrimSpace(id) == "" || sec == "" || len(raw) > 256 {
		return "", "", ErrInvalidInput
	}
	return id, sec, nil
}

// FormatKey joins an operator id and secret into an API key.
func FormatKey(id, sec string) string {
	return id + "." + sec
}

// Authenticator verifies API keys against the store.
type Authenticator struct {
	store Store
	cfg   secret.Config
	dummy string
}

// NewAuthenticator returns an Authenticator. cfg bounds the hash cost it
// is willing to verify.
func NewAuthenticator(store Store, cfg secret.Config) (*Authenticator, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	// Verified against when the operator is unknown, so both paths cost
	// one Argon2id evaluation.
	dummySecret, err := secret.Generate(nil)
	if err != nil {
		return nil, err
	}
	dummy, err := cfg.Hash(dummySecret)
	if err != nil {
		return nil, err
	}
	return &Authenticator{store: store, cfg: cfg, dummy: dummy}, nil
}

// Authenticate resolves rawKey to an active operator. Every failure mode
// collapses into ErrUnauthorized except store errors.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (Operator, error) {
	id, sec, err := ParseKey(rawKey)
	if err != nil {
		return Operator{}, ErrUnauthorized
	}

	op, err := a.store.GetOperator(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_, _ = a.cfg.Verify(a.dummy, sec)
			return Operator{}, ErrUnauthorized
		}
		return Operator{}, err
	}

	ok, err := a.cfg.Verify(op.KeyHash, sec)
	if err != nil || !ok {
		return Operator{}, ErrUnauthorized
	}
	if !op.Active() {
		return Operator{}, ErrUnauthorized
	}
	return op, nil
}
