package plan

import (
	"github.com/google/uuid"

	"github.com/xraph/credits/types"
)

type Type string

const (
	TypeTrial   Type = "trial"
	TypeMonthly Type = "monthly"
	TypeYearly  Type = "yearly"
	TypePackage Type = "package"
)

// Plan is a purchasable credit product. IDs are random UUIDs so that their
// first eight characters are usable as an external-reference prefix.
type Plan struct {
	types.Entity
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Slug        string      `json:"slug"`
	Description string      `json:"description"`
	Type        Type        `json:"type"`
	Price       types.Money `json:"price"`
	Credits     int64       `json:"credits"`
	Active      bool        `json:"active"`
}

// NewID returns a fresh plan identifier.
func NewID() string { return uuid.NewString() }

type ListOpts struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}

// DefaultCatalog returns the stock plans, priced in BRL. IDs are left empty
// and assigned on creation.
func DefaultCatalog() []*Plan {
	mk := func(slug, name string, typ Type, centavos, credits int64, desc string) *Plan {
		return &Plan{
			Name:        name,
			Slug:        slug,
			Description: desc,
			Type:        typ,
			Price:       types.BRL(centavos),
			Credits:     credits,
			Active:      true,
		}
	}

	return []*Plan{
		mk("trial", "Trial", TypeTrial, 0, 3, "3 free lookups to try the service"),
		mk("package-5", "Package 5", TypePackage, 490, 5, "5 lookups, no expiry"),
		mk("package-50", "Package 50", TypePackage, 3490, 50, "50 lookups, no expiry"),
		mk("package-100", "Package 100", TypePackage, 5990, 100, "100 lookups, no expiry"),
		mk("monthly", "Monthly", TypeMonthly, 3990, 120, "120 lookups per month"),
		mk("yearly", "Yearly", TypeYearly, 39990, 1800, "1800 lookups per year"),
	}
}
