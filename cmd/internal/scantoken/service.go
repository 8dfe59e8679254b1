package scantoken

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/security/token"
)

// Observer receives token lifecycle counts (metrics).
type Observer interface {
	TokenIssued(reused bool)
	TokensPurged(n int64)
}

// Issued is the result of Issue.
type Issued struct {
	Token  Token
	Reused bool
	Purged int64
}

// Service manages token issuance, lookup and consumption.
type Service struct {
	db     Transactor
	ttl    time.Duration
	now    func() time.Time
	random io.Reader
	log    *slog.Logger
	obs    Observer
}

// Option configures the Service.
type Option func(*Service) error

// WithTTL sets the token lifetime. Values are clamped to [MinTTL, MaxTTL].
func WithTTL(d time.Duration) Option {
	return func(s *Service) error {
		if d < 0 {
			return ErrInvalidInput
		}
		s.ttl = ClampTTL(d)
		return nil
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// WithRandom overrides the entropy source (tests).
func WithRandom(r io.Reader) Option {
	return func(s *Service) error {
		s.random = r
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) error {
		s.obs = o
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(db Transactor, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		db:  db,
		ttl: DefaultTTL,
		now: func() time.Time { return time.Now().UTC() },
		log: slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Now returns the service clock reading in UTC.
func (s *Service) Now() time.Time { return s.now().UTC() }

// Issue returns the client's valid token for business, or mints one.
//
// Reuse and minting happen in one transaction holding a per-client lock,
// so concurrent polls from the same card converge on a single token.
func (s *Service) Issue(ctx context.Context, clientID, businessID string) (Issued, error) {
	clientID = strings.TrimSpace(clientID)
	businessID = strings.TrimSpace(businessID)
	if clientID == "" || businessID == "" {
		return Issued{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Issued{}, err
	}

	now := s.Now()
	var out Issued

	err := s.db.InTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.Ledger().Get(ctx, clientID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return ErrClientNotFound
			}
			return err
		}
		if c.BusinessID != businessID {
			return ErrClientNotFound
		}

		tokens := tx.Tokens()
		if err := tokens.LockClient(ctx, clientID); err != nil {
			return err
		}

		existing, ok, err := tokens.FindValid(ctx, clientID, businessID, now)
		if err != nil {
			return err
		}
		if ok {
			out = Issued{Token: existing, Reused: true}
			return nil
		}

		purged, err := tokens.PurgeStale(ctx, clientID, now)
		if err != nil {
			return err
		}

		value, err := token.New(s.random)
		if err != nil {
			return err
		}
		t := Token{
			Value:      value,
			ClientID:   clientID,
			BusinessID: businessID,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.ttl),
		}
		if err := tokens.Insert(ctx, t); err != nil {
			return err
		}
		out = Issued{Token: t, Purged: purged}
		return nil
	})
	if err != nil {
		return Issued{}, err
	}

	if s.obs != nil {
		s.obs.TokenIssued(out.Reused)
		if out.Purged > 0 {
			s.obs.TokensPurged(out.Purged)
		}
	}
	return out, nil
}

// Resolve is a pure lookup; it never mutates the token.
func (s *Service) Resolve(ctx context.Context, value string) (Token, error) {
	value, err := token.Normalize(value)
	if err != nil {
		return Token{}, ErrNotFound
	}
	return s.db.Read().Tokens().Get(ctx, value)
}

// Consume consumes a token in its own transaction.
func (s *Service) Consume(ctx context.Context, value, clientID, businessID string) (Token, error) {
	var out Token
	err := s.db.InTx(ctx, func(ctx context.Context, tx Tx) error {
		t, err := s.ConsumeIn(ctx, tx.Tokens(), value, clientID, businessID)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// ConsumeIn consumes a token through store, which is expected to be bound
// to the caller's transaction.
func (s *Service) ConsumeIn(ctx context.Context, store Store, value, clientID, businessID string) (Token, error) {
	value, err := token.Normalize(value)
	if err != nil {
		return Token{}, ErrNotFound
	}
	clientID = strings.TrimSpace(clientID)
	businessID = strings.TrimSpace(businessID)
	if clientID == "" || businessID == "" {
		return Token{}, ErrInvalidInput
	}
	return store.Consume(ctx, value, clientID, businessID, s.Now())
}

// Sweep deletes every consumed or expired token. Best-effort: callers log
// the error and carry on.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.db.Read().Tokens().PurgeAllStale(ctx, s.Now())
	if err != nil {
		s.log.Warn("scantoken.sweep.fail", "err", err)
		return 0, err
	}
	if s.obs != nil && n > 0 {
		s.obs.TokensPurged(n)
	}
	s.log.Debug("scantoken.sweep.ok", "purged", n)
	return n, nil
}
