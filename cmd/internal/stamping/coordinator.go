// Package stamping applies the two token-gated ledger mutations, add-stamp
// and redeem.
//
// Each mutation validates the caller, the client and the token up front,
// then consumes the token, mutates the ledger and appends a history event
// in one transaction. The consume is a conditional write; when it matches
// no row the transaction is rolled back and the caller gets
// ErrTokenAlreadyConsumed, so a token can authorize at most one mutation.
package stamping

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"fidelity/cmd/internal/ids"
	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/scantoken"
	"fidelity/cmd/security/token"
)

// Op names a coordinator operation.
type Op string

const (
	OpAddStamp Op = "add_stamp"
	OpRedeem   Op = "redeem"
	OpResolve  Op = "resolve"
	OpCard     Op = "card"
	OpIssue    Op = "issue"
)

// Caller is the authenticated operator on whose behalf an operation runs.
type Caller struct {
	OperatorID string
	BusinessID string
}

func (c Caller) valid() bool {
	return strings.TrimSpace(c.OperatorID) != "" && strings.TrimSpace(c.BusinessID) != ""
}

// Request identifies the target client and the presented scan token.
type Request struct {
	ClientID string
	Token    string
}

// Result is the outcome of a successful mutation.
type Result struct {
	Op     Op
	Client ledger.Client
	// JustCompletedThreshold is true only on the add-stamp that brought the
	// card to the threshold.
	JustCompletedThreshold bool
	CutsLeftForReward      int
	Message                string
	Event                  ledger.Event
}

// Notifier is told about every committed mutation. Implementations must
// not block.
type Notifier interface {
	LedgerChanged(ctx context.Context, r Result)
}

// Observer receives per-operation outcomes (metrics).
type Observer interface {
	MutationObserved(op string, outcome string, elapsed time.Duration)
}

// Coordinator runs the mutation protocol.
type Coordinator struct {
	db       scantoken.Transactor
	tokens   *scantoken.Service
	policy   Policy
	notifier Notifier
	obs      Observer
	fp       token.Fingerprinter
	log      *slog.Logger
}

// Option configures the Coordinator.
type Option func(*Coordinator) error

// WithPolicy installs an extra precondition (e.g. CooldownPolicy).
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) error {
		c.policy = p
		return nil
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) error {
		c.notifier = n
		return nil
	}
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) error {
		c.obs = o
		return nil
	}
}

// WithFingerprinter sets how tokens appear in logs.
func WithFingerprinter(fp token.Fingerprinter) Option {
	return func(c *Coordinator) error {
		c.fp = fp
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) error {
		if l != nil {
			c.log = l
		}
		return nil
	}
}

// New constructs a Coordinator. tokens must be built over the same
// Transactor as db.
func New(db scantoken.Transactor, tokens *scantoken.Service, opts ...Option) (*Coordinator, error) {
	if db == nil || tokens == nil {
		return nil, ErrInvalidInput
	}
	c := &Coordinator{
		db:     db,
		tokens: tokens,
		fp:     token.NewFingerprinter(nil),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddStamp records one paid visit.
func (c *Coordinator) AddStamp(ctx context.Context, caller Caller, req Request) (Result, error) {
	return c.mutate(ctx, OpAddStamp, caller, req)
}

// Redeem spends a full card on one free visit.
func (c *Coordinator) Redeem(ctx context.Context, caller Caller, req Request) (Result, error) {
	return c.mutate(ctx, OpRedeem, caller, req)
}

func (c *Coordinator) mutate(ctx context.Context, op Op, caller Caller, req Request) (res Result, err error) {
	start := time.Now()
	defer func() { c.observe(op, err, time.Since(start)) }()

	clientID := strings.TrimSpace(req.ClientID)
	tok, terr := token.Normalize(req.Token)
	if !caller.valid() || clientID == "" {
		return Result{}, fail(op, ErrInvalidInput, nil, nil)
	}
	if terr != nil {
		return Result{}, fail(op, ErrInvalidOrExpiredToken, nil, terr)
	}
	log := c.log.With("op", string(op), "client_id", clientID, "operator_id", caller.OperatorID, "token_fp", c.fp.Fingerprint(tok))

	// 1. Client and business binding.
	client, err := c.db.Read().Ledger().Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Result{}, fail(op, ErrNotFound, nil, err)
		}
		return Result{}, c.transient(log, op, err)
	}
	if client.BusinessID != caller.BusinessID {
		log.Warn("stamping.forbidden", "client_business_id", client.BusinessID, "caller_business_id", caller.BusinessID)
		return Result{}, fail(op, ErrForbidden, nil, nil)
	}

	// 2. Token lookup. Optimistic only: the consume below re-checks.
	t, err := c.tokens.Resolve(ctx, tok)
	if err != nil {
		if errors.Is(err, scantoken.ErrNotFound) {
			return Result{}, fail(op, ErrInvalidOrExpiredToken, snapshot(client), err)
		}
		return Result{}, c.transient(log, op, err)
	}
	now := c.tokens.Now()
	if !t.ValidAt(now) || !t.BoundTo(client.ID, caller.BusinessID) {
		log.Info("stamping.token.rejected", "consumed", t.ConsumedAt != nil, "expired", !now.Before(t.ExpiresAt))
		return Result{}, fail(op, ErrInvalidOrExpiredToken, snapshot(client), nil)
	}

	// 3. Card state.
	switch {
	case op == OpAddStamp && client.Stamps >= ledger.Threshold:
		return Result{}, fail(op, ErrAlreadyAtThreshold, snapshot(client), nil)
	case op == OpRedeem && client.Stamps < ledger.Threshold:
		return Result{}, fail(op, ErrInsufficientStamps, snapshot(client), nil)
	}

	// 4. Pluggable policy.
	if c.policy != nil {
		perr := c.policy.Check(ctx, PolicyInput{Op: op, Caller: caller, Client: client, Ledger: c.db.Read().Ledger(), Now: now})
		if perr != nil {
			var d *Denial
			if errors.As(perr, &d) {
				e := fail(op, d.Kind, snapshot(client), perr)
				e.RetryAfter = d.RetryAfter
				return Result{}, e
			}
			return Result{}, c.transient(log, op, perr)
		}
	}

	eventID, err := ids.NewULID(now)
	if err != nil {
		return Result{}, c.transient(log, op, err)
	}

	// 5. Consume, mutate, record: all or nothing.
	err = c.db.InTx(ctx, func(ctx context.Context, tx scantoken.Tx) error {
		if _, err := c.tokens.ConsumeIn(ctx, tx.Tokens(), tok, client.ID, caller.BusinessID); err != nil {
			return err
		}

		var (
			updated ledger.Client
			evType  ledger.EventType
			err     error
		)
		if op == OpAddStamp {
			evType = ledger.EventPaid
			updated, err = tx.Ledger().ApplyPaidStamp(ctx, client.ID)
		} else {
			evType = ledger.EventFree
			updated, err = tx.Ledger().ApplyRedemption(ctx, client.ID)
		}
		if err != nil {
			return err
		}

		ev := ledger.Event{
			ID:         eventID,
			Type:       evType,
			ClientID:   client.ID,
			BusinessID: caller.BusinessID,
			OperatorID: caller.OperatorID,
			CreatedAt:  now,
		}
		if err := tx.Ledger().AppendEvent(ctx, ev); err != nil {
			return err
		}
		res = buildResult(op, updated, ev)
		return nil
	})
	if err != nil {
		return Result{}, c.txFailure(log, op, client, err)
	}

	log.Info("stamping."+string(op)+".ok", "stamps", res.Client.Stamps, "lifetime_visits", res.Client.LifetimeVisits, "just_completed", res.JustCompletedThreshold)
	if c.notifier != nil {
		c.notifier.LedgerChanged(ctx, res)
	}
	return res, nil
}

func buildResult(op Op, updated ledger.Client, ev ledger.Event) Result {
	r := Result{
		Op:                op,
		Client:            updated,
		CutsLeftForReward: updated.CutsLeft(),
		Event:             ev,
	}
	switch op {
	case OpAddStamp:
		r.JustCompletedThreshold = updated.Stamps == ledger.Threshold
		if r.JustCompletedThreshold {
			r.Message = "Stamp added: card complete, next visit is free"
		} else {
			r.Message = "Stamp added: " + ledger.ProgressMessage(updated.Stamps)
		}
	case OpRedeem:
		r.Message = "Free visit redeemed: card reset"
	}
	return r
}

// txFailure maps an error returned from inside the transaction. Nothing
// was committed at this point.
func (c *Coordinator) txFailure(log *slog.Logger, op Op, before ledger.Client, err error) error {
	switch {
	case errors.Is(err, scantoken.ErrAlreadyUsedOrExpired):
		log.Warn("stamping."+string(op)+".conflict", "err", err)
		return fail(op, ErrTokenAlreadyConsumed, snapshot(before), err)
	case errors.Is(err, scantoken.ErrNotFound):
		return fail(op, ErrInvalidOrExpiredToken, snapshot(before), err)
	case errors.Is(err, ledger.ErrAlreadyAtThreshold), errors.Is(err, ledger.ErrInsufficientStamps):
		snap := before
		if cur, ok := ledger.CurrentStamps(err); ok {
			snap.Stamps = cur
		}
		kind := ErrAlreadyAtThreshold
		if errors.Is(err, ledger.ErrInsufficientStamps) {
			kind = ErrInsufficientStamps
		}
		return fail(op, kind, snapshot(snap), err)
	case errors.Is(err, ledger.ErrNotFound):
		return fail(op, ErrNotFound, nil, err)
	default:
		return c.transient(log, op, err)
	}
}

func (c *Coordinator) transient(log *slog.Logger, op Op, err error) error {
	log.Error("stamping."+string(op)+".store_fail", "err", err)
	return fail(op, ErrTransientStore, nil, err)
}

func (c *Coordinator) observe(op Op, err error, elapsed time.Duration) {
	if c.obs == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = Code(err)
	}
	c.obs.MutationObserved(string(op), outcome, elapsed)
}
