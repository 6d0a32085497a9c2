package entry

import (
	"context"
	"time"
)

type Store interface {
	// Debit applies a negative entry and the matching balance decrement as
	// one unit. It fails with ErrInsufficientCredits, mutating nothing,
	// when the balance cannot cover the amount.
	Debit(ctx context.Context, e *Entry) (remaining int64, err error)

	// Credit applies a positive entry and the matching balance increment as
	// one unit, creating the account when absent. A non-empty Reference
	// already present fails with ErrDuplicatePayment. When guard is set, a
	// purchase for the same account and plan at or after guard.Since also
	// fails with ErrDuplicatePayment.
	Credit(ctx context.Context, e *Entry, guard *Guard) (available int64, err error)

	ListEntries(ctx context.Context, accountID string, opts ListOpts) ([]*Entry, error)
	CountEntries(ctx context.Context, accountID string) (int64, error)
	SumEntries(ctx context.Context, accountID string) (int64, error)

	// LatestPurchase returns the newest purchase entry for the account and
	// plan created at or after since, or ErrNotFound.
	LatestPurchase(ctx context.Context, accountID, planID string, since time.Time) (*Entry, error)
}

type Guard struct {
	Since time.Time
}

type ListOpts struct {
	Limit  int
	Offset int
}
