// Command fidelity-seed loads businesses, operators and client cards from a
// YAML file into Postgres. With -dry-run it only validates the file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"fidelity/cmd/internal/migrations"
	"fidelity/cmd/internal/pgutil"
	"fidelity/cmd/internal/seed"
	"fidelity/cmd/internal/storage"
	"fidelity/cmd/security/secret"
)

func main() {
	var (
		file    = flag.String("file", "seed.yaml", "Seed YAML file")
		envFile = flag.String("env", ".env", "Optional dotenv file")
		dbURL   = flag.String("db", "", "Postgres URL (default: FIDELITY_DATABASE_URL)")
		schema  = flag.String("schema", "", "Schema name (default: FIDELITY_DB_SCHEMA or "+pgutil.DefaultSchema+")")
		migrate = flag.Bool("migrate", false, "Apply embedded migrations first")
		dryRun  = flag.Bool("dry-run", false, "Validate the file without writing")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load %s: %v", *envFile, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *file, firstNonEmpty(*dbURL, os.Getenv("FIDELITY_DATABASE_URL")),
		firstNonEmpty(*schema, os.Getenv("FIDELITY_DB_SCHEMA"), pgutil.DefaultSchema), *migrate, *dryRun); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, file, dbURL, schema string, migrate, dryRun bool) error {
	f, err := seed.Load(file)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Printf("OK: %s is valid (%d businesses)\n", file, len(f.Businesses))
		return nil
	}
	if dbURL == "" {
		return errors.New("database URL missing: set -db or FIDELITY_DATABASE_URL")
	}
	normalized, ok := pgutil.NormalizeSchema(schema)
	if !ok {
		return fmt.Errorf("invalid schema %q", schema)
	}

	hasher, err := secret.FromEnv()
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if migrate {
		if err := migrations.Apply(ctx, stdlib.OpenDBFromPool(pool), normalized); err != nil {
			return err
		}
	}

	pg, err := storage.NewPostgres(pool, normalized)
	if err != nil {
		return err
	}

	sum, err := seed.Apply(ctx, pg, f, hasher)
	if err != nil {
		return err
	}
	fmt.Printf("OK: businesses=%d operators=%d clients=%d schema=%s\n", sum.Businesses, sum.Operators, sum.Clients, normalized)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
