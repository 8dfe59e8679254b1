// Package migrations embeds the database schema and applies it.
//
// Every statement is idempotent, so Apply is safe to run at each start.
// Files run in lexical order; {{schema}} is replaced by the quoted schema
// name.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"fidelity/cmd/internal/pgutil"
)

//go:embed sql/*.sql
var files embed.FS

var ErrInvalidSchema = errors.New("migrations: invalid schema name")

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Names lists the embedded migration files in apply order.
func Names() ([]string, error) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Render returns the SQL of one migration with the schema substituted.
func Render(name, schema string) (string, error) {
	schema, ok := pgutil.NormalizeSchema(schema)
	if !ok {
		return "", ErrInvalidSchema
	}
	b, err := files.ReadFile("sql/" + name)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(b), "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// Apply creates the schema and runs every migration.
func Apply(ctx context.Context, db Execer, schema string) error {
	schema, ok := pgutil.NormalizeSchema(schema)
	if !ok {
		return ErrInvalidSchema
	}
	names, err := Names()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	for _, name := range names {
		stmt, err := Render(name, schema)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}
