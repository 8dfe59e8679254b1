package stamping

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fidelity/cmd/internal/ledger"
)

// Error kinds. Every failed mutation carries exactly one of them.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrAlreadyAtThreshold    = ledger.ErrAlreadyAtThreshold
	ErrInsufficientStamps    = ledger.ErrInsufficientStamps
	ErrTokenAlreadyConsumed  = errors.New("token already consumed")
	ErrCooldownActive        = errors.New("cooldown active")
	ErrTransientStore        = errors.New("store unavailable")
)

// Error is the structured failure of a coordinator operation.
type Error struct {
	Op   Op
	Kind error
	// Snapshot is the ledger state observed when the operation failed.
	// Nil when the caller must not see it (cross-business access).
	Snapshot   *ledger.Client
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Op))
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Snapshot != nil && (e.Kind == ErrInsufficientStamps || e.Kind == ErrAlreadyAtThreshold) {
		fmt.Fprintf(&b, " (stamps=%d)", e.Snapshot.Stamps)
	}
	if e.Err != nil && e.Err != e.Kind {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil || e.Err == e.Kind {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func fail(op Op, kind error, snap *ledger.Client, cause error) *Error {
	return &Error{Op: op, Kind: kind, Snapshot: snap, Err: cause}
}

func snapshot(c ledger.Client) *ledger.Client {
	return &c
}

var kinds = []error{
	ErrInvalidInput,
	ErrNotFound,
	ErrForbidden,
	ErrInvalidOrExpiredToken,
	ErrAlreadyAtThreshold,
	ErrInsufficientStamps,
	ErrTokenAlreadyConsumed,
	ErrCooldownActive,
	ErrTransientStore,
}

// KindOf returns the kind carried by err, or nil.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Code is the stable machine-readable name of an error kind.
func Code(err error) string {
	switch KindOf(err) {
	case ErrInvalidInput:
		return "invalid_request"
	case ErrNotFound:
		return "not_found"
	case ErrForbidden:
		return "forbidden"
	case ErrInvalidOrExpiredToken:
		return "invalid_or_expired_token"
	case ErrAlreadyAtThreshold:
		return "already_at_threshold"
	case ErrInsufficientStamps:
		return "insufficient_stamps"
	case ErrTokenAlreadyConsumed:
		return "token_already_consumed"
	case ErrCooldownActive:
		return "cooldown_active"
	case ErrTransientStore:
		return "unavailable"
	default:
		return "internal"
	}
}

// Message is the operator-facing text for err.
func Message(err error) string {
	var e *Error
	errors.As(err, &e)

	switch KindOf(err) {
	case ErrInvalidInput:
		return "Invalid request"
	case ErrNotFound:
		return "Client not found"
	case ErrForbidden:
		return "This client belongs to another business"
	case ErrInvalidOrExpiredToken:
		return "QR code is invalid or expired: ask the client to refresh it"
	case ErrAlreadyAtThreshold:
		return "Card already has 5 stamps: redeem the free visit first"
	case ErrInsufficientStamps:
		if e != nil && e.Snapshot != nil {
			return fmt.Sprintf("Not enough stamps: %d more needed", ledger.CutsLeft(e.Snapshot.Stamps))
		}
		return "Not enough stamps"
	case ErrTokenAlreadyConsumed:
		return "QR code was already used: rescan a fresh code"
	case ErrCooldownActive:
		return "A stamp was added recently for this client"
	case ErrTransientStore:
		return "Service temporarily unavailable, try again"
	default:
		return "Internal error"
	}
}
