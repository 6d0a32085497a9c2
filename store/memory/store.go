// Package memory provides an in-process Store. A single mutex serializes
// every balance change, which makes it linearizable per account (and
// globally). It suits tests and single-instance deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/issuance"
	"github.com/xraph/credits/plan"
	"github.com/xraph/credits/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	accounts map[string]*account.Account

	// Ledger entries in append order, plus per-account index.
	entries    []*entry.Entry
	byAccount  map[string][]*entry.Entry
	references map[string]struct{}

	plans map[string]*plan.Plan

	issuances   map[string]*issuance.Issuance
	issuanceKey map[string]string
	validations map[string][]*issuance.Validation
}

func New() *Store {
	return &Store{
		accounts:    make(map[string]*account.Account),
		byAccount:   make(map[string][]*entry.Entry),
		references:  make(map[string]struct{}),
		plans:       make(map[string]*plan.Plan),
		issuances:   make(map[string]*issuance.Issuance),
		issuanceKey: make(map[string]string),
		validations: make(map[string][]*issuance.Validation),
	}
}

// ──────────────────────────────────────────────────
// Account Store implementation
// ──────────────────────────────────────────────────

func (s *Store) GetAccount(_ context.Context, accountID string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, credits.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) OpenAccount(_ context.Context, accountID string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.accountLocked(accountID)
	cp := *a
	return &cp, nil
}

func (s *Store) FindAccountByPrefix(_ context.Context, prefix string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *account.Account
	for accountID, a := range s.accounts {
		if !strings.HasPrefix(accountID, prefix) {
			continue
		}
		if found != nil {
			return nil, credits.ErrAmbiguousPrefix
		}
		found = a
	}
	if found == nil {
		return nil, credits.ErrAccountNotFound
	}
	cp := *found
	return &cp, nil
}

// accountLocked returns the account row, creating it at zero. Callers
// hold s.mu for writing.
func (s *Store) accountLocked(accountID string) *account.Account {
	a, ok := s.accounts[accountID]
	if !ok {
		now := time.Now().UTC()
		a = &account.Account{AccountID: accountID}
		a.CreatedAt, a.UpdatedAt = now, now
		s.accounts[accountID] = a
	}
	return a
}

// ──────────────────────────────────────────────────
// Entry Store implementation
// ──────────────────────────────────────────────────

func (s *Store) Debit(_ context.Context, e *entry.Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[e.AccountID]
	if !ok || a.Available+e.Amount < 0 {
		return 0, credits.ErrInsufficientCredits
	}

	a.Available += e.Amount
	a.TotalUsed -= e.Amount
	a.UpdatedAt = time.Now().UTC()
	s.appendLocked(e)

	return a.Available, nil
}

func (s *Store) Credit(_ context.Context, e *entry.Entry, guard *entry.Guard) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Reference != "" {
		if _, dup := s.references[e.Reference]; dup {
			return 0, credits.ErrDuplicatePayment
		}
	}
	if guard != nil && s.latestPurchaseLocked(e.AccountID, e.PlanID, guard.Since) != nil {
		return 0, credits.ErrDuplicatePayment
	}

	a := s.accountLocked(e.AccountID)
	a.Available += e.Amount
	a.UpdatedAt = time.Now().UTC()
	s.appendLocked(e)

	return a.Available, nil
}

func (s *Store) appendLocked(e *entry.Entry) {
	cp := *e
	s.entries = append(s.entries, &cp)
	s.byAccount[e.AccountID] = append(s.byAccount[e.AccountID], &cp)
	if e.Reference != "" {
		s.references[e.Reference] = struct{}{}
	}
}

func (s *Store) ListEntries(_ context.Context, accountID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byAccount[accountID]
	result := make([]*entry.Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	// Append order already matches creation order; the stable sort only
	// matters for entries created with explicit timestamps.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) CountEntries(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.byAccount[accountID])), nil
}

func (s *Store) SumEntries(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, e := range s.byAccount[accountID] {
		sum += e.Amount
	}
	return sum, nil
}

func (s *Store) LatestPurchase(_ context.Context, accountID, planID string, since time.Time) (*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.latestPurchaseLocked(accountID, planID, since)
	if e == nil {
		return nil, credits.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) latestPurchaseLocked(accountID, planID string, since time.Time) *entry.Entry {
	all := s.byAccount[accountID]
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if e.Kind == entry.KindPurchase && e.PlanID == planID && !e.CreatedAt.Before(since) {
			return e
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Plan Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID]; exists {
		return credits.ErrAlreadyExists
	}
	for _, existing := range s.plans {
		if existing.Slug == p.Slug {
			return credits.ErrAlreadyExists
		}
	}
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, credits.ErrPlanNotFound
}

func (s *Store) GetPlanBySlug(_ context.Context, slug string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, credits.ErrPlanNotFound
}

func (s *Store) ListPlans(_ context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*plan.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if opts.ActiveOnly && !p.Active {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Price.Amount != result[j].Price.Amount {
			return result[i].Price.Amount < result[j].Price.Amount
		}
		return result[i].Slug < result[j].Slug
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[p.ID]; !ok {
		return credits.ErrPlanNotFound
	}
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

func (s *Store) FindPlanByPrefix(_ context.Context, prefix string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *plan.Plan
	for planID, p := range s.plans {
		if !strings.HasPrefix(planID, prefix) {
			continue
		}
		if found != nil {
			return nil, credits.ErrAmbiguousPrefix
		}
		found = p
	}
	if found == nil {
		return nil, credits.ErrPlanNotFound
	}
	cp := *found
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Issuance Store implementation
// ──────────────────────────────────────────────────

func issuanceKey(accountID, subjectKey, day string) string {
	return accountID + "\x00" + subjectKey + "\x00" + day
}

func (s *Store) FindIssuance(_ context.Context, accountID, subjectKey, day string) (*issuance.Issuance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	issID, ok := s.issuanceKey[issuanceKey(accountID, subjectKey, day)]
	if !ok {
		return nil, credits.ErrIssuanceNotFound
	}
	cp := *s.issuances[issID]
	return &cp, nil
}

func (s *Store) CreateIssuance(_ context.Context, iss *issuance.Issuance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := issuanceKey(iss.AccountID, iss.SubjectKey, iss.IssuedDay)
	if _, exists := s.issuanceKey[key]; exists {
		return credits.ErrAlreadyExists
	}
	cp := *iss
	s.issuances[iss.ID.String()] = &cp
	s.issuanceKey[key] = iss.ID.String()
	return nil
}

func (s *Store) GetIssuance(_ context.Context, issuanceID id.IssuanceID) (*issuance.Issuance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iss, ok := s.issuances[issuanceID.String()]
	if !ok {
		return nil, credits.ErrIssuanceNotFound
	}
	cp := *iss
	return &cp, nil
}

func (s *Store) RecordValidation(_ context.Context, v *issuance.Validation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := v.IssuanceID.String()
	if _, ok := s.issuances[key]; !ok {
		return credits.ErrIssuanceNotFound
	}
	cp := *v
	s.validations[key] = append(s.validations[key], &cp)
	return nil
}

func (s *Store) ListValidations(_ context.Context, issuanceID id.IssuanceID) ([]*issuance.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.validations[issuanceID.String()]
	result := make([]*issuance.Validation, 0, len(all))
	for _, v := range all {
		cp := *v
		result = append(result, &cp)
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func paginate[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
