package postgres

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/issuance"
	"github.com/xraph/credits/plan"
	"github.com/xraph/credits/types"
)

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:credit_accounts"`

	AccountID string    `grove:"account_id,pk"`
	Available int64     `grove:"available_credits"`
	TotalUsed int64     `grove:"total_used"`
	CreatedAt time.Time `grove:"created_at"`
	UpdatedAt time.Time `grove:"updated_at"`
}

func fromAccountModel(m *accountModel) *account.Account {
	return &account.Account{
		Entity:    types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		AccountID: m.AccountID,
		Available: m.Available,
		TotalUsed: m.TotalUsed,
	}
}

// ==================== Entry models ====================

type entryModel struct {
	grove.BaseModel `grove:"table:credit_entries"`

	ID          string    `grove:"id,pk"`
	AccountID   string    `grove:"account_id"`
	Kind        string    `grove:"kind"`
	Amount      int64     `grove:"amount"`
	Description string    `grove:"description"`
	PlanID      string    `grove:"plan_id"`
	Reference   string    `grove:"reference"`
	CreatedAt   time.Time `grove:"created_at"`
}

func fromEntryModel(m *entryModel) (*entry.Entry, error) {
	entryID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	return &entry.Entry{
		ID:          entryID,
		AccountID:   m.AccountID,
		Kind:        entry.Kind(m.Kind),
		Amount:      m.Amount,
		Description: m.Description,
		PlanID:      m.PlanID,
		Reference:   m.Reference,
		CreatedAt:   m.CreatedAt,
	}, nil
}

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:credit_plans"`

	ID          string    `grove:"id,pk"`
	Name        string    `grove:"name"`
	Slug        string    `grove:"slug"`
	Description string    `grove:"description"`
	Type        string    `grove:"type"`
	PriceAmount int64     `grove:"price_amount"`
	Currency    string    `grove:"currency"`
	Credits     int64     `grove:"credits"`
	Active      bool      `grove:"active"`
	CreatedAt   time.Time `grove:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	return &planModel{
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

func fromPlanModel(m *planModel) *plan.Plan {
	return &plan.Plan{
		Entity:      types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          m.ID,
		Name:        m.Name,
		Slug:        m.Slug,
		Description: m.Description,
		Type:        plan.Type(m.Type),
		Price:       types.Money{Amount: m.PriceAmount, Currency: m.Currency},
		Credits:     m.Credits,
		Active:      m.Active,
	}
}

// ==================== Issuance models ====================

type issuanceModel struct {
	grove.BaseModel `grove:"table:credit_issuances"`

	ID         string    `grove:"id,pk"`
	AccountID  string    `grove:"account_id"`
	SubjectKey string    `grove:"subject_key"`
	Payload    string    `grove:"payload"`
	IssuedAt   time.Time `grove:"issued_at"`
	IssuedDay  string    `grove:"issued_day"`
}

func toIssuanceModel(iss *issuance.Issuance) *issuanceModel {
	return &issuanceModel{
		ID:         iss.ID.String(),
		AccountID:  iss.AccountID,
		SubjectKey: iss.SubjectKey,
		Payload:    string(iss.Payload),
		IssuedAt:   iss.IssuedAt,
		IssuedDay:  iss.IssuedDay,
	}
}

func fromIssuanceModel(m *issuanceModel) (*issuance.Issuance, error) {
	issID, err := id.ParseIssuanceID(m.ID)
	if err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if m.Payload != "" {
		payload = json.RawMessage(m.Payload)
	}
	return &issuance.Issuance{
		ID:         issID,
		AccountID:  m.AccountID,
		SubjectKey: m.SubjectKey,
		Payload:    payload,
		IssuedAt:   m.IssuedAt,
		IssuedDay:  m.IssuedDay,
	}, nil
}

type validationModel struct {
	grove.BaseModel `grove:"table:credit_issuance_validations"`

	ID          string    `grove:"id,pk"`
	IssuanceID  string    `grove:"issuance_id"`
	ValidatedAt time.Time `grove:"validated_at"`
	IP          string    `grove:"ip"`
	UserAgent   string    `grove:"user_agent"`
}

func fromValidationModel(m *validationModel) (*issuance.Validation, error) {
	valID, err := id.ParseValidationID(m.ID)
	if err != nil {
		return nil, err
	}
	issID, err := id.ParseIssuanceID(m.IssuanceID)
	if err != nil {
		return nil, err
	}
	return &issuance.Validation{
		ID:          valID,
		IssuanceID:  issID,
		ValidatedAt: m.ValidatedAt,
		IP:          m.IP,
		UserAgent:   m.UserAgent,
	}, nil
}
