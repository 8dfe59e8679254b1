// Package storage binds the ledger and scan-token stores into a single
// transactional backend. Postgres is the production backend; Memory
// serves dev mode and tests with the same semantics.
package storage

import (
	"context"
	"errors"

	"fidelity/cmd/internal/audit"
	"fidelity/cmd/internal/ledger"
	"fidelity/cmd/internal/operator"
	"fidelity/cmd/internal/scantoken"
)

var (
	ErrConflict        = errors.New("conflicting record")
	ErrUnknownBusiness = errors.New("unknown business")

	errDuplicateToken = errors.New("duplicate scan token")
)

// Backend is everything the service needs from a store.
type Backend interface {
	scantoken.Transactor
	operator.Store
	audit.Sink

	UpsertBusiness(ctx context.Context, b ledger.Business) error
	UpsertOperator(ctx context.Context, op operator.Operator) error
	UpsertClient(ctx context.Context, c ledger.Client) error

	Ping(ctx context.Context) error
	Close()
}

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*Postgres)(nil)
)
