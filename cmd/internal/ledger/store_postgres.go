package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"fidelity/cmd/internal/pgutil"
)

// PostgresStore persists ledgers in PostgreSQL.
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

// NewPostgresStore constructs a PostgresStore over a pool or connection.
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

const clientColumns = `id, business_id, name, phone, stamps, lifetime_visits, created_at, updated_at`

func scanClient(row pgx.Row) (Client, error) {
	var c Client
	err := row.Scan(&c.ID, &c.BusinessID, &c.Name, &c.Phone, &c.Stamps, &c.LifetimeVisits, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) Get(ctx context.Context, clientID string) (Client, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return Client{}, ErrInvalidInput
	}
	clients := pgutil.Ident(s.schema, "clients")

	c, err := scanClient(s.db.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM `+clients+` WHERE id = $1`, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Client{}, ErrNotFound
		}
		return Client{}, err
	}
	return c, nil
}

func (s *PostgresStore) ApplyPaidStamp(ctx context.Context, clientID string) (Client, error) {
	clients := pgutil.Ident(s.schema, "clients")
	return s.conditionalUpdate(ctx, clientID, ErrAlreadyAtThreshold,
		`UPDATE `+clients+`
		    SET stamps = stamps + 1,
		        lifetime_visits = lifetime_visits + 1,
		        updated_at = now()
		  WHERE id = $1 AND stamps < $2
		RETURNING `+clientColumns)
}

func (s *PostgresStore) ApplyRedemption(ctx context.Context, clientID string) (Client, error) {
	clients := pgutil.Ident(s.schema, "clients")
	return s.conditionalUpdate(ctx, clientID, ErrInsufficientStamps,
		`UPDATE `+clients+`
		    SET stamps = 0,
		        lifetime_visits = lifetime_visits + 1,
		        updated_at = now()
		  WHERE id = $1 AND stamps >= $2
		RETURNING `+clientColumns)
}

// conditionalUpdate runs a guarded single-row update. When no row matches,
// a follow-up read tells "missing client" apart from "wrong card state".
func (s *PostgresStore) conditionalUpdate(ctx context.Context, clientID string, stateErr error, query string) (Client, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return Client{}, ErrInvalidInput
	}

	c, err := scanClient(s.db.QueryRow(ctx, query, clientID, Threshold))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Client{}, err
	}

	cur, gerr := s.Get(ctx, clientID)
	if gerr != nil {
		return Client{}, gerr
	}
	return Client{}, &ThresholdError{Kind: stateErr, Current: cur.Stamps}
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.ID) == "" || strings.TrimSpace(ev.ClientID) == "" || !ev.Type.Valid() {
		return ErrInvalidInput
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	events := pgutil.Ident(s.schema, "stamp_events")

	_, err := s.db.Exec(ctx,
		`INSERT INTO `+events+` (id, client_id, business_id, type, operator_id, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		ev.ID, ev.ClientID, ev.BusinessID, string(ev.Type), ev.OperatorID, ev.CreatedAt,
	)
	if err != nil && pgutil.IsForeignKeyViolation(err) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) History(ctx context.Context, clientID string, limit int) ([]Event, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 || limit > 100 {
		limit = HistoryLimit
	}
	events := pgutil.Ident(s.schema, "stamp_events")

	rows, err := s.db.Query(ctx,
		`SELECT id, client_id, business_id, type, COALESCE(operator_id, ''), created_at
		   FROM `+events+`
		  WHERE client_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		clientID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev Event
			t  string
		)
		if err := rows.Scan(&ev.ID, &ev.ClientID, &ev.BusinessID, &t, &ev.OperatorID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(t)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastEventAt(ctx context.Context, clientID string, t EventType) (time.Time, bool, error) {
	if strings.TrimSpace(clientID) == "" || !t.Valid() {
		return time.Time{}, false, ErrInvalidInput
	}
	events := pgutil.Ident(s.schema, "stamp_events")

	var at *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT max(created_at) FROM `+events+` WHERE client_id = $1 AND type = $2`,
		clientID, string(t),
	).Scan(&at)
	if err != nil {
		return time.Time{}, false, err
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return at.UTC(), true, nil
}
