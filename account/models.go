package account

import "github.com/xraph/credits/types"

// Account is the durable balance of one identity. Available never drops
// below zero and TotalUsed never decreases.
type Account struct {
	types.Entity
	AccountID string `json:"account_id"`
	Available int64  `json:"available_credits"`
	TotalUsed int64  `json:"total_used"`
}

type Balance struct {
	Available int64 `json:"available_credits"`
	TotalUsed int64 `json:"total_used"`
}

func (a *Account) Balance() Balance {
	if a == nil {
		return Balance{}
	}
	return Balance{Available: a.Available, TotalUsed: a.TotalUsed}
}
