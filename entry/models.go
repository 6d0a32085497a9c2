package entry

import (
	"time"

	"github.com/xraph/credits/id"
)

type Kind string

const (
	KindUsage    Kind = "usage"
	KindPurchase Kind = "purchase"
	KindBonus    Kind = "bonus"
	KindRefund   Kind = "refund"
)

// Valid reports whether k is one of the four ledger kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUsage, KindPurchase, KindBonus, KindRefund:
		return true
	default:
		return false
	}
}

// Credit reports whether entries of this kind add to the balance.
func (k Kind) Credit() bool {
	return k == KindPurchase || k == KindBonus || k == KindRefund
}

// Entry is an immutable record of one balance change. Amount is negative
// for usage and positive for every other kind.
type Entry struct {
	ID          id.EntryID `json:"id"`
	AccountID   string     `json:"account_id"`
	Kind        Kind       `json:"kind"`
	Amount      int64      `json:"amount"`
	Description string     `json:"description"`
	PlanID      string     `json:"plan_id,omitempty"`
	Reference   string     `json:"reference,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Page struct {
	Entries  []*Entry `json:"entries"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	Total    int64    `json:"total"`
}

// HasMore reports whether further pages exist.
func (p *Page) HasMore() bool {
	return int64(p.Page*p.PageSize) < p.Total
}
