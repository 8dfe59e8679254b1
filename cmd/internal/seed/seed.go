// Package seed loads businesses, operators and clients from a YAML file.
//
// Registration and catalog management live outside this service; the seed
// file is how a deployment (or a dev box) gets its initial records.
// Applying a file is idempotent: existing clients keep their stamps.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/operator"
	"fidelity/cmd/security/secret"
)

var slugRe = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

var ErrInvalid = errors.New("seed: invalid file")

// File is the root of a seed document.
type File struct {
	Businesses []Business `yaml:"businesses"`
}

type Business struct {
	ID        string     `yaml:"id"`
	Slug      string     `yaml:"slug"`
	Name      string     `yaml:"name"`
	Operators []Operator `yaml:"operators"`
	Clients   []Client   `yaml:"clients"`
}

// Operator carries its API secret inline or, preferably, by env var name.
type Operator struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
	Disabled  bool   `yaml:"disabled"`
}

type Client struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Phone          string `yaml:"phone"`
	Stamps         int    `yaml:"stamps"`
	LifetimeVisits int    `yaml:"lifetime_visits"`
}

// Target receives seeded records. Both storage backends implement it.
type Target interface {
	UpsertBusiness(ctx context.Context, b ledger.Business) error
	UpsertOperator(ctx context.Context, op operator.Operator) error
	UpsertClient(ctx context.Context, c ledger.Client) error
}

// Summary counts applied records.
type Summary struct {
	Businesses int
	Operators  int
	Clients    int
}

// Load reads and validates a seed file.
func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(bytes.NewReader(b))
}

// Parse decodes a seed document, rejecting unknown keys.
func Parse(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks ids, slugs, stamp bounds and uniqueness.
func (f File) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	seen := map[string]bool{}
	slugs := map[string]bool{}
	for i, b := range f.Businesses {
		if strings.TrimSpace(b.ID) == "" {
			return invalid("businesses[%d]: id is required", i)
		}
		if !slugRe.MatchString(b.Slug) {
			return invalid("business %s: slug %q must be lowercase words joined by dashes", b.ID, b.Slug)
		}
		if slugs[b.Slug] {
			return invalid("business %s: duplicate slug %q", b.ID, b.Slug)
		}
		slugs[b.Slug] = true
		if seen["b:"+b.ID] {
			return invalid("duplicate business id %s", b.ID)
		}
		seen["b:"+b.ID] = true

		for j, op := range b.Operators {
			if strings.TrimSpace(op.ID) == "" || strings.Contains(op.ID, ".") {
				return invalid("business %s: operators[%d]: id is required and must not contain '.'", b.ID, j)
			}
			if seen["o:"+op.ID] {
				return invalid("duplicate operator id %s", op.ID)
			}
			seen["o:"+op.ID] = true
			if (op.Secret == "") == (op.SecretEnv == "") {
				return invalid("operator %s: set exactly one of secret, secret_env", op.ID)
			}
		}

		for j, c := range b.Clients {
			if strings.TrimSpace(c.ID) == "" {
				return invalid("business %s: clients[%d]: id is required", b.ID, j)
			}
			if seen["c:"+c.ID] {
				return invalid("duplicate client id %s", c.ID)
			}
			seen["c:"+c.ID] = true
			if c.Stamps < 0 || c.Stamps > ledger.Threshold {
				return invalid("client %s: stamps must be within [0,%d]", c.ID, ledger.Threshold)
			}
			if c.LifetimeVisits < 0 {
				return invalid("client %s: lifetime_visits must not be negative", c.ID)
			}
		}
	}
	return nil
}

// Apply writes f to t, hashing operator secrets with hasher.
func Apply(ctx context.Context, t Target, f File, hasher secret.Config) (Summary, error) {
	if err := f.Validate(); err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, b := range f.Businesses {
		if err := t.UpsertBusiness(ctx, ledger.Business{ID: b.ID, Slug: b.Slug, Name: b.Name}); err != nil {
			return sum, fmt.Errorf("business %s: %w", b.ID, err)
		}
		sum.Businesses++

		for _, op := range b.Operators {
			raw := op.Secret
			if op.SecretEnv != "" {
				raw = strings.TrimSpace(os.Getenv(op.SecretEnv))
				if raw == "" {
					return sum, fmt.Errorf("operator %s: env %s is empty", op.ID, op.SecretEnv)
				}
			}
			hash, err := hasher.Hash(raw)
			if err != nil {
				return sum, fmt.Errorf("operator %s: %w", op.ID, err)
			}
			rec := operator.Operator{ID: op.ID, BusinessID: b.ID, Name: op.Name, KeyHash: hash}
			if op.Disabled {
				now := nowUTC()
				rec.DisabledAt = &now
			}
			if err := t.UpsertOperator(ctx, rec); err != nil {
				return sum, fmt.Errorf("operator %s: %w", op.ID, err)
			}
			sum.Operators++
		}

		for _, c := range b.Clients {
			err := t.UpsertClient(ctx, ledger.Client{
				ID:             c.ID,
				BusinessID:     b.ID,
				Name:           c.Name,
				Phone:          c.Phone,
				Stamps:         c.Stamps,
				LifetimeVisits: c.LifetimeVisits,
			})
			if err != nil {
				return sum, fmt.Errorf("client %s: %w", c.ID, err)
			}
			sum.Clients++
		}
	}
	return sum, nil
}
