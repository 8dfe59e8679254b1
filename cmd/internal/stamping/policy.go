package stamping

import (
	"context"
	"fmt"
	"time"

	"fidelity/cmd/internal/ledger"
)

// PolicyInput is what a Policy may inspect.
type PolicyInput struct {
	Op     Op
	Caller Caller
	Client ledger.Client
	Ledger ledger.Store
	Now    time.Time
}

// Policy is an extra precondition consulted after the core checks and
// before the transaction. A *Denial refuses the mutation; any other
// error is treated as a store failure.
type Policy interface {
	Check(ctx context.Context, in PolicyInput) error
}

// Denial is returned by a Policy that refuses a mutation.
type Denial struct {
	Kind       error
	RetryAfter time.Duration
}

func (d *Denial) Error() string {
	if d.RetryAfter > 0 {
		return fmt.Sprintf("%v: retry after %s", d.Kind, d.RetryAfter.Round(time.Second))
	}
	return d.Kind.Error()
}

func (d *Denial) Unwrap() error { return d.Kind }

// CooldownPolicy rejects a paid stamp when the client's previous paid
// stamp is younger than MinInterval. Zero disables it.
type CooldownPolicy struct {
	MinInterval time.Duration
}

func (p CooldownPolicy) Check(ctx context.Context, in PolicyInput) error {
	if p.MinInterval <= 0 || in.Op != OpAddStamp {
		return nil
	}
	last, ok, err := in.Ledger.LastEventAt(ctx, in.Client.ID, ledger.EventPaid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if wait := last.Add(p.MinInterval).Sub(in.Now); wait > 0 {
		return &Denial{Kind: ErrCooldownActive, RetryAfter: wait}
	}
	return nil
}
