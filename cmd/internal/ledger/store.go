package ledger

import (
	"context"
	"time"
)

// Store persists client ledgers and stamp history.
//
// ApplyPaidStamp and ApplyRedemption are conditional single-row updates.
// Callers run them in the same transaction as the token consume.
type Store interface {
	Get(ctx context.Context, clientID string) (Client, error)

	// ApplyPaidStamp adds one stamp and one lifetime visit. Fails with a
	// *ThresholdError wrapping ErrAlreadyAtThreshold if the card is full.
	ApplyPaidStamp(ctx context.Context, clientID string) (Client, error)

	// ApplyRedemption resets stamps to 0 and adds one lifetime visit. Fails
	// with a *ThresholdError wrapping ErrInsufficientStamps below threshold.
	ApplyRedemption(ctx context.Context, clientID string) (Client, error)

	AppendEvent(ctx context.Context, ev Event) error

	// History returns up to limit events, newest first.
	History(ctx context.Context, clientID string, limit int) ([]Event, error)

	// LastEventAt returns the time of the newest event of type t.
	LastEventAt(ctx context.Context, clientID string, t EventType) (time.Time, bool, error)
}
