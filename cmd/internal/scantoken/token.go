// Package scantoken mints, resolves and consumes the short-lived,
// single-use tokens that gate every ledger mutation.
//
// A token is bound to one client and one business. It is valid while it
// is unconsumed and unexpired; consumption is a compare-and-swap on
// consumed_at and is terminal.
package scantoken

import (
	"context"
	"time"

	"fidelity/cmd/internal/ledger"
)

const (
	DefaultTTL = 180 * time.Second
	MinTTL     = 60 * time.Second
	MaxTTL     = 600 * time.Second
)

// ClampTTL bounds d to [MinTTL, MaxTTL]; zero selects DefaultTTL.
func ClampTTL(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultTTL
	case d < MinTTL:
		return MinTTL
	case d > MaxTTL:
		return MaxTTL
	default:
		return d
	}
}

// Token is a persisted scan token.
type Token struct {
	Value      string
	ClientID   string
	BusinessID string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// ValidAt reports whether the token can still authorize a mutation.
func (t Token) ValidAt(now time.Time) bool {
	return t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}

// BoundTo reports whether the token was minted for client and business.
func (t Token) BoundTo(clientID, businessID string) bool {
	return t.ClientID == clientID && t.BusinessID == businessID
}

// Store persists tokens. Implementations must make Consume a single
// conditional write: the affected row count is the only source of truth.
type Store interface {
	// LockClient serializes issuance for one client until the enclosing
	// transaction ends.
	LockClient(ctx context.Context, clientID string) error

	// FindValid returns the newest valid token for client+business.
	FindValid(ctx context.Context, clientID, businessID string, now time.Time) (Token, bool, error)

	// PurgeStale deletes consumed or expired tokens of one client.
	PurgeStale(ctx context.Context, clientID string, now time.Time) (int64, error)

	Insert(ctx context.Context, t Token) error

	// Get is a pure lookup by token value.
	Get(ctx context.Context, value string) (Token, error)

	// Consume sets consumed_at = now iff the token is unconsumed, unexpired
	// and bound to client+business.
	Consume(ctx context.Context, value, clientID, businessID string, now time.Time) (Token, error)

	// PurgeAllStale deletes every token consumed or expired before cutoff.
	PurgeAllStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Tx is the set of stores bound to one transaction.
type Tx interface {
	Ledger() ledger.Store
	Tokens() Store
}

// Transactor runs units of work against the backing store.
type Transactor interface {
	// InTx runs fn in one transaction. Any error returned by fn rolls back
	// every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Read returns stores outside any transaction, for plain lookups.
	Read() Tx
}
