package stamping

import (
	"context"
	"errors"
	"strings"
	"time"

	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/scantoken"
	"fidelity/cmd/security/token"
)

// Scan is what an operator sees after scanning a QR code, before any
// mutation.
type Scan struct {
	Client    ledger.Client
	ExpiresAt time.Time
	CanRedeem bool
	CutsLeft  int
}

// ResolveScan looks a scanned token up without consuming it. Tokens of
// other businesses are reported as not found.
func (c *Coordinator) ResolveScan(ctx context.Context, caller Caller, raw string) (Scan, error) {
	op := OpResolve
	if !caller.valid() {
		return Scan{}, fail(op, ErrInvalidInput, nil, nil)
	}
	tok, err := token.Normalize(raw)
	if err != nil {
		return Scan{}, fail(op, ErrNotFound, nil, err)
	}

	t, err := c.tokens.Resolve(ctx, tok)
	if err != nil {
		if errors.Is(err, scantoken.ErrNotFound) {
			return Scan{}, fail(op, ErrNotFound, nil, err)
		}
		return Scan{}, c.transient(c.log, op, err)
	}
	if t.BusinessID != caller.BusinessID {
		return Scan{}, fail(op, ErrNotFound, nil, nil)
	}
	if !t.ValidAt(c.tokens.Now()) {
		return Scan{}, fail(op, ErrInvalidOrExpiredToken, nil, nil)
	}

	client, err := c.db.Read().Ledger().Get(ctx, t.ClientID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Scan{}, fail(op, ErrNotFound, nil, err)
		}
		return Scan{}, c.transient(c.log, op, err)
	}
	if client.BusinessID != caller.BusinessID {
		return Scan{}, fail(op, ErrNotFound, nil, nil)
	}

	return Scan{
		Client:    client,
		ExpiresAt: t.ExpiresAt,
		CanRedeem: client.CanRedeem(),
		CutsLeft:  client.CutsLeft(),
	}, nil
}

// Card is a client's ledger with its recent history.
type Card struct {
	Client  ledger.Client
	History []ledger.Event
}

// Card returns the client's ledger and its last ledger.HistoryLimit events.
func (c *Coordinator) Card(ctx context.Context, caller Caller, clientID string) (Card, error) {
	op := OpCard
	clientID = strings.TrimSpace(clientID)
	if !caller.valid() || clientID == "" {
		return Card{}, fail(op, ErrInvalidInput, nil, nil)
	}

	store := c.db.Read().Ledger()
	client, err := store.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Card{}, fail(op, ErrNotFound, nil, err)
		}
		return Card{}, c.transient(c.log, op, err)
	}
	if client.BusinessID != caller.BusinessID {
		return Card{}, fail(op, ErrForbidden, nil, nil)
	}

	hist, err := store.History(ctx, clientID, ledger.HistoryLimit)
	if err != nil {
		return Card{}, c.transient(c.log, op, err)
	}
	return Card{Client: client, History: hist}, nil
}

// IssueToken mints or reuses the scan token of a client of businessID.
// Issuance needs no operator: the client's own card page calls it, and a
// token only authorizes a mutation together with an operator key.
func (c *Coordinator) IssueToken(ctx context.Context, businessID, clientID string) (scantoken.Issued, error) {
	op := OpIssue
	businessID = strings.TrimSpace(businessID)
	clientID = strings.TrimSpace(clientID)
	if businessID == "" || clientID == "" {
		return scantoken.Issued{}, fail(op, ErrInvalidInput, nil, nil)
	}
	out, err := c.tokens.Issue(ctx, clientID, businessID)
	if err != nil {
		switch {
		case errors.Is(err, scantoken.ErrClientNotFound):
			return scantoken.Issued{}, fail(op, ErrNotFound, nil, err)
		case errors.Is(err, scantoken.ErrInvalidInput):
			return scantoken.Issued{}, fail(op, ErrInvalidInput, nil, err)
		default:
			return scantoken.Issued{}, c.transient(c.log, op, err)
		}
	}
	return out, nil
}
