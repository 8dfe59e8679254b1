package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fidelity/cmd/internal/audit"
	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/operator"
	"fidelity/cmd/internal/pgutil"
	"fidelity/cmd/internal/scantoken"
)

// Postgres is the production backend.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	ledger *ledger.PostgresStore
	tokens *scantoken.PostgresStore
}

// NewPostgres builds a backend over pool using schema ("" = default).
func NewPostgres(pool *pgxpool.Pool, schema string) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("storage: nil pool")
	}
	schema, ok := pgutil.NormalizeSchema(schema)
	if !ok {
		return nil, errors.New("storage: invalid schema name")
	}
	ls, err := ledger.NewPostgresStore(pool, ledger.WithSchema(schema))
	if err != nil {
		return nil, err
	}
	ts, err := scantoken.NewPostgresStore(pool, scantoken.WithSchema(schema))
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: pool, schema: schema, ledger: ls, tokens: ts}, nil
}

type pgTx struct {
	ledger *ledger.PostgresStore
	tokens *scantoken.PostgresStore
}

func (t pgTx) Ledger() ledger.Store    { return t.ledger }
func (t pgTx) Tokens() scantoken.Store { return t.tokens }

// InTx runs fn in a READ COMMITTED transaction. The guarded UPDATEs take
// row locks, which is all the isolation the mutation protocol needs.
func (p *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx scantoken.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, pgTx{ledger: p.ledger.WithTx(tx), tokens: p.tokens.WithTx(tx)}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Read() scantoken.Tx {
	return pgTx{ledger: p.ledger, tokens: p.tokens}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) GetOperator(ctx context.Context, id string) (operator.Operator, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return operator.Operator{}, operator.ErrNotFound
	}
	operators := pgutil.Ident(p.schema, "operators")

	var op operator.Operator
	err := p.pool.QueryRow(ctx,
		`SELECT id, business_id, name, key_hash, created_at, disabled_at
		   FROM `+operators+`
		  WHERE id = $1`,
		id,
	).Scan(&op.ID, &op.BusinessID, &op.Name, &op.KeyHash, &op.CreatedAt, &op.DisabledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return operator.Operator{}, operator.ErrNotFound
		}
		return operator.Operator{}, err
	}
	return op, nil
}

func (p *Postgres) UpsertBusiness(ctx context.Context, b ledger.Business) error {
	if b.ID == "" || b.Slug == "" {
		return ledger.ErrInvalidInput
	}
	businesses := pgutil.Ident(p.schema, "businesses")

	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+businesses+` (id, slug, name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET slug = EXCLUDED.slug, name = EXCLUDED.name`,
		b.ID, b.Slug, b.Name,
	)
	return classify(err)
}

func (p *Postgres) UpsertOperator(ctx context.Context, op operator.Operator) error {
	if op.ID == "" || op.BusinessID == "" || op.KeyHash == "" {
		return operator.ErrInvalidInput
	}
	operators := pgutil.Ident(p.schema, "operators")

	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+operators+` (id, business_id, name, key_hash, disabled_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		    SET business_id = EXCLUDED.business_id,
		        name = EXCLUDED.name,
		        key_hash = EXCLUDED.key_hash,
		        disabled_at = EXCLUDED.disabled_at`,
		op.ID, op.BusinessID, op.Name, op.KeyHash, op.DisabledAt,
	)
	return classify(err)
}

// UpsertClient creates a client or refreshes its profile. An existing
// client's stamp counts are never overwritten.
func (p *Postgres) UpsertClient(ctx context.Context, c ledger.Client) error {
	if c.ID == "" || c.BusinessID == "" || c.Stamps < 0 || c.Stamps > ledger.Threshold || c.LifetimeVisits < 0 {
		return ledger.ErrInvalidInput
	}
	clients := pgutil.Ident(p.schema, "clients")

	tag, err := p.pool.Exec(ctx,
		`INSERT INTO `+clients+` (id, business_id, name, phone, stamps, lifetime_visits)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		    SET name = EXCLUDED.name, phone = EXCLUDED.phone, updated_at = now()
		  WHERE `+clients+`.business_id = EXCLUDED.business_id`,
		c.ID, c.BusinessID, c.Name, c.Phone, c.Stamps, c.LifetimeVisits,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) InsertAudit(ctx context.Context, e audit.Entry) error {
	auditLog := pgutil.Ident(p.schema, "audit_log")

	var meta *string
	if len(e.Meta) > 0 {
		if b, err := json.Marshal(e.Meta); err == nil {
			s := string(b)
			meta = &s
		}
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+auditLog+` (
		     action, operator_id, business_id, client_id, token_fp, created_at, ip, user_agent, meta
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)`,
		e.Action,
		nilIfBlank(e.OperatorID),
		nilIfBlank(e.BusinessID),
		nilIfBlank(e.ClientID),
		nilIfBlank(e.TokenFP),
		e.At,
		nilIfBlank(e.IP),
		nilIfBlank(e.UserAgent),
		meta,
	)
	return err
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case pgutil.IsForeignKeyViolation(err):
		return ErrUnknownBusiness
	default:
		if _, ok := pgutil.IsUniqueViolation(err); ok {
			return ErrConflict
		}
		return err
	}
}

func nilIfBlank(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
