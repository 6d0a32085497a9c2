package plan

import "context"

type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, planID string) (*Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*Plan, error)
	ListPlans(ctx context.Context, opts ListOpts) ([]*Plan, error)
	UpdatePlan(ctx context.Context, p *Plan) error
	// FindPlanByPrefix resolves the single plan whose id starts with prefix.
	FindPlanByPrefix(ctx context.Context, prefix string) (*Plan, error)
}
