package mysql

import (
	"encoding/json"
	"time"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/issuance"
	"github.com/xraph/credits/plan"
	"github.com/xraph/credits/types"
)

type accountRow struct {
	AccountID        string `gorm:"primaryKey;size:191"`
	AvailableCredits int64  `gorm:"not null;default:0"`
	TotalUsed        int64  `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (accountRow) TableName() string { return "credit_accounts" }

func (r *accountRow) toAccount() *account.Account {
	return &account.Account{
		Entity:    types.Entity{CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		AccountID: r.AccountID,
		Available: r.AvailableCredits,
		TotalUsed: r.TotalUsed,
	}
}

// entryRow maps an empty reference to NULL; MySQL has no partial
// indexes, but a unique index admits any number of NULLs.
type entryRow struct {
	ID          string    `gorm:"primaryKey;size:64"`
	AccountID   string    `gorm:"size:191;not null;index:idx_credit_entries_account_created,priority:1;index:idx_credit_entries_purchase,priority:1"`
	Kind        string    `gorm:"size:16;not null"`
	Amount      int64     `gorm:"not null"`
	Description string    `gorm:"size:512;not null;default:''"`
	PlanID      string    `gorm:"size:64;not null;default:'';index:idx_credit_entries_purchase,priority:2"`
	Reference   *string   `gorm:"size:191;uniqueIndex:idx_credit_entries_reference"`
	CreatedAt   time.Time `gorm:"not null;index:idx_credit_entries_account_created,priority:2;index:idx_credit_entries_purchase,priority:3"`
}

func (entryRow) TableName() string { return "credit_entries" }

func toEntryRow(e *entry.Entry) *entryRow {
	r := &entryRow{
		ID:          e.ID.String(),
		AccountID:   e.AccountID,
		Kind:        string(e.Kind),
		Amount:      e.Amount,
		Description: e.Description,
		PlanID:      e.PlanID,
		CreatedAt:   e.CreatedAt,
	}
	if e.Reference != "" {
		ref := e.Reference
		r.Reference = &ref
	}
	return r
}

func (r *entryRow) toEntry() (*entry.Entry, error) {
	entryID, err := id.ParseEntryID(r.ID)
	if err != nil {
		return nil, err
	}
	e := &entry.Entry{
		ID:          entryID,
		AccountID:   r.AccountID,
		Kind:        entry.Kind(r.Kind),
		Amount:      r.Amount,
		Description: r.Description,
		PlanID:      r.PlanID,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.Reference != nil {
		e.Reference = *r.Reference
	}
	return e, nil
}

type planRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:255;not null"`
	Slug        string `gorm:"size:191;not null;uniqueIndex:idx_credit_plans_slug"`
	Description string `gorm:"size:1024;not null;default:''"`
	Type        string `gorm:"size:16;not null"`
	PriceAmount int64  `gorm:"not null;default:0"`
	Currency    string `gorm:"size:8;not null"`
	Credits     int64  `gorm:"not null;default:0"`
	Active      bool   `gorm:"not null;default:true"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (planRow) TableName() string { return "credit_plans" }

func toPlanRow(p *plan.Plan) *planRow {
	return &planRow{
		ID:          p.ID,
		Name:        p.Name,
		Slug:        p.Slug,
		Description: p.Description,
		Type:        string(p.Type),
		PriceAmount: p.Price.Amount,
		Currency:    p.Price.Currency,
		Credits:     p.Credits,
		Active:      p.Active,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (r *planRow) toPlan() *plan.Plan {
	return &plan.Plan{
		Entity:      types.Entity{CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		ID:          r.ID,
		Name:        r.Name,
		Slug:        r.Slug,
		Description: r.Description,
		Type:        plan.Type(r.Type),
		Price:       types.Money{Amount: r.PriceAmount, Currency: r.Currency},
		Credits:     r.Credits,
		Active:      r.Active,
	}
}

type issuanceRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	AccountID  string    `gorm:"size:191;not null;uniqueIndex:idx_credit_issuances_day,priority:1"`
	SubjectKey string    `gorm:"size:191;not null;uniqueIndex:idx_credit_issuances_day,priority:2"`
	Payload    string    `gorm:"type:text"`
	IssuedAt   time.Time `gorm:"not null"`
	IssuedDay  string    `gorm:"size:10;not null;uniqueIndex:idx_credit_issuances_day,priority:3"`
}

func (issuanceRow) TableName() string { return "credit_issuances" }

func toIssuanceRow(iss *issuance.Issuance) *issuanceRow {
	return &issuanceRow{
		ID:         iss.ID.String(),
		AccountID:  iss.AccountID,
		SubjectKey: iss.SubjectKey,
		Payload:    string(iss.Payload),
		IssuedAt:   iss.IssuedAt,
		IssuedDay:  iss.IssuedDay,
	}
}

func (r *issuanceRow) toIssuance() (*issuance.Issuance, error) {
	issID, err := id.ParseIssuanceID(r.ID)
	if err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if r.Payload != "" {
		payload = json.RawMessage(r.Payload)
	}
	return &issuance.Issuance{
		ID:         issID,
		AccountID:  r.AccountID,
		SubjectKey: r.SubjectKey,
		Payload:    payload,
		IssuedAt:   r.IssuedAt.UTC(),
		IssuedDay:  r.IssuedDay,
	}, nil
}

type validationRow struct {
	ID          string    `gorm:"primaryKey;size:64"`
	IssuanceID  string    `gorm:"size:64;not null;index:idx_credit_validations_issuance,priority:1"`
	ValidatedAt time.Time `gorm:"not null;index:idx_credit_validations_issuance,priority:2"`
	IP          string    `gorm:"size:64;not null;default:''"`
	UserAgent   string    `gorm:"size:512;not null;default:''"`
}

func (validationRow) TableName() string { return "credit_issuance_validations" }

func (r *validationRow) toValidation() (*issuance.Validation, error) {
	valID, err := id.ParseValidationID(r.ID)
	if err != nil {
		return nil, err
	}
	issID, err := id.ParseIssuanceID(r.IssuanceID)
	if err != nil {
		return nil, err
	}
	return &issuance.Validation{
		ID:          valID,
		IssuanceID:  issID,
		ValidatedAt: r.ValidatedAt.UTC(),
		IP:          r.IP,
		UserAgent:   r.UserAgent,
	}, nil
}
