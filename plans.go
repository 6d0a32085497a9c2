package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/plan"
	"github.com/xraph/credits/types"
)

// ──────────────────────────────────────────────────
// Plan catalog
// ──────────────────────────────────────────────────

// CreatePlan adds a plan, assigning an ID when none is set.
func (l *Ledger) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if err := validatePlan(p); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = plan.NewID()
	}
	p.Entity = types.NewEntity()

	if err := l.store.CreatePlan(ctx, p); err != nil {
		return err
	}

	l.logger.Info("plan created",
		"plan_id", p.ID,
		"slug", p.Slug,
		"credits", p.Credits,
		"price", p.Price.String(),
	)
	return nil
}

func validatePlan(p *plan.Plan) error {
	switch {
	case p == nil:
		return ValidationError{Field: "plan", Message: "is required"}
	case strings.TrimSpace(p.Name) == "":
		return ValidationError{Field: "name", Message: "is required"}
	case strings.TrimSpace(p.Slug) == "":
		return ValidationError{Field: "slug", Message: "is required"}
	case p.Credits <= 0:
		return ValidationError{Field: "credits", Message: "must be positive"}
	case p.Price.IsNegative():
		return ValidationError{Field: "price", Message: "must not be negative"}
	}
	return nil
}

// GetPlan retrieves a plan by ID.
func (l *Ledger) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	return l.store.GetPlan(ctx, planID)
}

// GetPlanBySlug retrieves a plan by slug.
func (l *Ledger) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	return l.store.GetPlanBySlug(ctx, slug)
}

// ListPlans lists plans ordered by price.
func (l *Ledger) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	return l.store.ListPlans(ctx, opts)
}

// UpdatePlan saves changes to an existing plan.
func (l *Ledger) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	if err := validatePlan(p); err != nil {
		return err
	}
	p.Touch()
	return l.store.UpdatePlan(ctx, p)
}

// SeedPlans creates every plan in catalog whose slug is not taken yet and
// returns how many were created.
func (l *Ledger) SeedPlans(ctx context.Context, catalog []*plan.Plan) (int, error) {
	created := 0
	for _, p := range catalog {
		_, err := l.store.GetPlanBySlug(ctx, p.Slug)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrPlanNotFound) {
			return created, err
		}
		if err := l.CreatePlan(ctx, p); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return created, fmt.Errorf("seed plan %q: %w", p.Slug, err)
		}
		created++
	}
	return created, nil
}

// ──────────────────────────────────────────────────
// Prefix resolution
// ──────────────────────────────────────────────────

// ResolveAccountPrefix maps an external-reference prefix to its account.
// No match and more than one match both wrap ErrUnresolvedAccountOrPlan.
func (l *Ledger) ResolveAccountPrefix(ctx context.Context, prefix string) (*account.Account, error) {
	a, err := l.store.FindAccountByPrefix(ctx, prefix)
	if err != nil {
		return nil, unresolved("account", prefix, err)
	}
	return a, nil
}

// ResolvePlanPrefix maps an external-reference prefix to its plan.
func (l *Ledger) ResolvePlanPrefix(ctx context.Context, prefix string) (*plan.Plan, error) {
	p, err := l.store.FindPlanByPrefix(ctx, prefix)
	if err != nil {
		return nil, unresolved("plan", prefix, err)
	}
	return p, nil
}

func unresolved(what, prefix string, err error) error {
	if IsNotFound(err) || errors.Is(err, ErrAmbiguousPrefix) {
		return fmt.Errorf("%w: %s prefix %q: %w", ErrUnresolvedAccountOrPlan, what, prefix, err)
	}
	return err
}
