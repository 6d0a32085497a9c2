// Package store defines the aggregate persistence interface every backend
// implements: memory, sqlite, postgres, mongo and mysql.
package store

import (
	"context"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/issuance"
	"github.com/xraph/credits/plan"
)

// Store is the unified storage interface for all credit entities. The
// account row is the serialization point: every method that changes a
// balance appends its ledger entry in the same atomic unit.
type Store interface {
	account.Store
	entry.Store
	plan.Store
	issuance.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
