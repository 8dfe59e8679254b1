package pgutil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestNormalizeSchema(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", DefaultSchema, true},
		{"  tenant_a ", "tenant_a", true},
		{"1bad", "1bad", false},
		{`x"; drop`, `x"; drop`, false},
	}
	for _, tc := range cases {
		got, ok := NormalizeSchema(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NormalizeSchema(%q) = (%q,%v), want (%q,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestIdent(t *testing.T) {
	if got := Ident("fidelity", "clients"); got != `"fidelity"."clients"` {
		t.Fatalf("Ident = %s", got)
	}
}

func TestClassify(t *testing.T) {
	uniq := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "uq_clients_business_phone"})
	if c, ok := IsUniqueViolation(uniq); !ok || c != "uq_clients_business_phone" {
		t.Fatalf("IsUniqueViolation = (%q,%v)", c, ok)
	}
	if !IsForeignKeyViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("expected fk violation")
	}
	if !IsCheckViolation(&pgconn.PgError{Code: "23514"}) {
		t.Fatalf("expected check violation")
	}
	if !IsTransient(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("serialization failure should be transient")
	}
	if !IsTransient(&pgconn.PgError{Code: "08006"}) {
		t.Fatalf("connection failure should be transient")
	}
	if IsTransient(errors.New("boom")) {
		t.Fatalf("plain error should not be transient")
	}
	if IsTransient(nil) {
		t.Fatalf("nil should not be transient")
	}
}
