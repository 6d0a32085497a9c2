package credits

import (
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/types"
)

// Re-export common types for convenience so users don't have to import the
// types and entry packages.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Entry is re-exported from entry package.
type Entry = entry.Entry

// Re-export Money constructors
var (
	BRL  = types.BRL
	Zero = types.Zero
)

// Re-export entry kinds
const (
	KindUsage    = entry.KindUsage
	KindPurchase = entry.KindPurchase
	KindBonus    = entry.KindBonus
	KindRefund   = entry.KindRefund
)
