package sqlite

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

type accountModel struct {
	grove.BaseModel `grove:"table:credit_accounts"`

	AccountID string `grove:"account_id,pk"`
	Available int64  `grove:"available_credits"`
	TotalUsed int64  `grove:"total_used"`
	CreatedAt int64  `grove:"created_at"`
	UpdatedAt int64  `grove:"updated_at"`
}

func fromAccountModel(m *accountModel) *account.Account {
	return &account.Account{
		Entity:    types.Entity{CreatedAt: fromMillis(m.CreatedAt), UpdatedAt: fromMillis(m.UpdatedAt)},
		AccountID: m.AccountID,
		Available: m.Available,
		TotalUsed: m.TotalUsed,
	}
}

type entryModel struct {
	grove.BaseModel `grove:"table:credit_entries"`

	ID          string `grove:"id,pk"`
	AccountID   string `grove:"account_id"`
	Kind        string `grove:"kind"`
	Amount      int64  `grove:"amount"`
	Description string `grove:"description"`
	PlanID      string `grove:"plan_id"`
	Reference   string `grove:"reference"`
	GuardSince  int64  `grove:"guard_since"`
	CreatedAt   int64  `grove:"created_at"`
}

func toEntryModel(e *entry.Entry, guard *entry.Guard) *entryModel {
	m := &entryModel{
		ID:          e.ID.String(),
		AccountID:   e.AccountID,
		Kind:        string(e.Kind),
		Amount:      e.Amount,
		Description: e.Description,
		PlanID:      e.PlanID,
		Reference:   e.Reference,
		CreatedAt:   e.CreatedAt.UnixMilli(),
	}
	if guard != nil {
		// Zero disables the trigger check, so clamp to the epoch's first ms.
		m.GuardSince = max(guard.Since.UnixMilli(), 1)
	}
	return m
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
		CreatedAt:   fromMillis(m.CreatedAt),
	}, nil
}

type planModel struct {
	grove.BaseModel `grove:"table:credit_plans"`

	ID          string `grove:"id,pk"`
	Name        string `grove:"name"`
	Slug        string `grove:"slug"`
	Description string `grove:"description"`
	Type        string `grove:"type"`
	PriceAmount int64  `grove:"price_amount"`
	Currency    string `grove:"currency"`
	Credits     int64  `grove:"credits"`
	Active      bool   `grove:"active"`
	CreatedAt   int64  `grove:"created_at"`
	UpdatedAt   int64  `grove:"updated_at"`
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
		CreatedAt:   p.CreatedAt.UnixMilli(),
		UpdatedAt:   p.UpdatedAt.UnixMilli(),
	}
}

func fromPlanModel(m *planModel) *plan.Plan {
	return &plan.Plan{
		Entity:      types.Entity{CreatedAt: fromMillis(m.CreatedAt), UpdatedAt: fromMillis(m.UpdatedAt)},
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

type issuanceModel struct {
	grove.BaseModel `grove:"table:credit_issuances"`

	ID         string `grove:"id,pk"`
	AccountID  string `grove:"account_id"`
	SubjectKey string `grove:"subject_key"`
	Payload    string `grove:"payload"`
	IssuedAt   int64  `grove:"issued_at"`
	IssuedDay  string `grove:"issued_day"`
}

func toIssuanceModel(iss *issuance.Issuance) *issuanceModel {
	return &issuanceModel{
		ID:         iss.ID.String(),
		AccountID:  iss.AccountID,
		SubjectKey: iss.SubjectKey,
		Payload:    string(iss.Payload),
		IssuedAt:   iss.IssuedAt.UnixMilli(),
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
		IssuedAt:   fromMillis(m.IssuedAt),
		IssuedDay:  m.IssuedDay,
	}, nil
}

type validationModel struct {
	grove.BaseModel `grove:"table:credit_issuance_validations"`

	ID          string `grove:"id,pk"`
	IssuanceID  string `grove:"issuance_id"`
	ValidatedAt int64  `grove:"validated_at"`
	IP          string `grove:"ip"`
	UserAgent   string `grove:"user_agent"`
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
		ValidatedAt: fromMillis(m.ValidatedAt),
		IP:          m.IP,
		UserAgent:   m.UserAgent,
	}, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
