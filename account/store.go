package account

import "context"

type Store interface {
	// GetAccount returns ErrAccountNotFound when no row exists.
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	// OpenAccount creates a zero-balance account if absent. It never
	// touches an existing balance.
	OpenAccount(ctx context.Context, accountID string) (*Account, error)
	// FindAccountByPrefix resolves the single account whose id starts with
	// prefix. Zero matches and multiple matches are both errors.
	FindAccountByPrefix(ctx context.Context, prefix string) (*Account, error)
}
