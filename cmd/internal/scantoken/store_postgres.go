package scantoken

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"fidelity/cmd/internal/pgutil"
)

// PostgresStore persists scan tokens in PostgreSQL.
type PostgresStore struct {
	db     pgutil.DBTX
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "fidelity").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema, ok := pgutil.NormalizeSchema(schema)
		if !ok {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db pgutil.DBTX, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{db: db, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.db == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// WithTx returns a copy of the store bound to tx.
func (s *PostgresStore) WithTx(tx pgx.Tx) *PostgresStore {
	return &PostgresStore{db: tx, schema: s.schema}
}

const tokenColumns = `token, client_id, business_id, created_at, expires_at, consumed_at`

func scanToken(row pgx.Row) (Token, error) {
	var t Token
	err := row.Scan(&t.Value, &t.ClientID, &t.BusinessID, &t.CreatedAt, &t.ExpiresAt, &t.ConsumedAt)
	return t, err
}

// LockClient takes a transaction-scoped advisory lock keyed by client id.
// Outside a transaction the lock is released immediately.
func (s *PostgresStore) LockClient(ctx context.Context, clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return ErrInvalidInput
	}
	_, err := s.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('scan_token:' || $1))`, clientID)
	return err
}

func (s *PostgresStore) FindValid(ctx context.Context, clientID, businessID string, now time.Time) (Token, bool, error) {
	tokens := pgutil.Ident(s.schema, "scan_tokens")

	t, err := scanToken(s.db.QueryRow(ctx,
		`SELECT `+tokenColumns+`
		   FROM `+tokens+`
		  WHERE client_id = $1
		    AND business_id = $2
		    AND consumed_at IS NULL
		    AND expires_at > $3
		  ORDER BY created_at DESC
		  LIMIT 1`,
		clientID, businessID, now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, false, nil
		}
		return Token{}, false, err
	}
	return t, true, nil
}

func (s *PostgresStore) PurgeStale(ctx context.Context, clientID string, now time.Time) (int64, error) {
	tokens := pgutil.Ident(s.schema, "scan_tokens")

	tag, err := s.db.Exec(ctx,
		`DELETE FROM `+tokens+`
		  WHERE client_id = $1
		    AND (consumed_at IS NOT NULL OR expires_at <= $2)`,
		clientID, now,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Insert(ctx context.Context, t Token) error {
	if t.Value == "" || t.ClientID == "" || t.BusinessID == "" || !t.ExpiresAt.After(t.CreatedAt) {
		return ErrInvalidInput
	}
	tokens := pgutil.Ident(s.schema, "scan_tokens")

	_, err := s.db.Exec(ctx,
		`INSERT INTO `+tokens+` (token, client_id, business_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.Value, t.ClientID, t.BusinessID, t.CreatedAt, t.ExpiresAt,
	)
	if err != nil && pgutil.IsForeignKeyViolation(err) {
		return ErrClientNotFound
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, value string) (Token, error) {
	if value == "" {
		return Token{}, ErrNotFound
	}
	tokens := pgutil.Ident(s.schema, "scan_tokens")

	t, err := scanToken(s.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM `+tokens+` WHERE token = $1`, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, err
	}
	return t, nil
}

// Consume is a compare-and-swap on consumed_at. Concurrent callers block
// on the row lock and re-evaluate the predicate after the winner commits,
// so at most one of them gets a row back.
func (s *PostgresStore) Consume(ctx context.Context, value, clientID, businessID string, now time.Time) (Token, error) {
	tokens := pgutil.Ident(s.schema, "scan_tokens")

	t, err := scanToken(s.db.QueryRow(ctx,
		`UPDATE `+tokens+`
		    SET consumed_at = $1
		  WHERE token = $2
		    AND consumed_at IS NULL
		    AND expires_at > $1
		    AND client_id = $3
		    AND business_id = $4
		RETURNING `+tokenColumns,
		now, value, clientID, businessID,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Token{}, err
	}

	// Zero rows: distinguish a missing token from a spent one.
	if _, gerr := s.Get(ctx, value); gerr != nil {
		return Token{}, gerr
	}
	return Token{}, ErrAlreadyUsedOrExpired
}

func (s *PostgresStore) PurgeAllStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tokens := pgutil.Ident(s.schema, "scan_tokens")

	tag, err := s.db.Exec(ctx,
		`DELETE FROM `+tokens+`
		  WHERE consumed_at < $1 OR expires_at <= $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
