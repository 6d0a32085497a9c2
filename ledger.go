package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/ratelimit"
	"github.com/xraph/credits/store"
)

const (
	// DefaultPageSize is the History page size when none is given.
	DefaultPageSize = 50
	// MaxPageSize caps the History page size.
	MaxPageSize = 200
	// MaxPage caps the History page number so the offset stays in range.
	MaxPage = 1_000_000
	// SignupBonus is the number of credits InitializeAccount grants.
	SignupBonus = 3
)

// TracerName names the tracer the ledger uses when none is injected.
const TracerName = "github.com/xraph/credits"

// Ledger is the credit engine: it debits one credit per billable action,
// credits settled purchases and keeps the two in step with the ledger
// entries that explain them.
type Ledger struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	tracer  trace.Tracer
	gateway payment.Gateway

	actionLimiter   *ratelimit.Limiter
	purchaseLimiter *ratelimit.Limiter

	now func() time.Time
	loc *time.Location

	issueLocks keyedMutex
}

// New creates a new Ledger instance. Without WithRateLimiter, billable
// actions and purchases are each limited to 10 calls per minute per
// account and origin, counted in process memory.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   s,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
		now:     time.Now,
		loc:     time.UTC,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.tracer == nil {
		l.tracer = otel.Tracer(TracerName)
	}
	if l.actionLimiter == nil {
		l.actionLimiter = l.defaultLimiter()
	}
	if l.purchaseLimiter == nil {
		l.purchaseLimiter = l.defaultLimiter()
	}

	return l
}

func (l *Ledger) defaultLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.NewMemoryStore(),
		ratelimit.WithLogger(l.logger),
		ratelimit.WithClock(l.now),
	)
}

// Option configures a Ledger instance.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
		l.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(l *Ledger) {
		_ = l.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithRateLimiter uses lim for both billable actions and purchases. The
// keys are namespaced, so sharing one limiter keeps the budgets apart.
func WithRateLimiter(lim *ratelimit.Limiter) Option {
	return func(l *Ledger) {
		l.actionLimiter = lim
		l.purchaseLimiter = lim
	}
}

// WithRateLimiters sets separate limiters for billable actions and
// purchases. A nil limiter keeps the default.
func WithRateLimiters(action, purchase *ratelimit.Limiter) Option {
	return func(l *Ledger) {
		l.actionLimiter = action
		l.purchaseLimiter = purchase
	}
}

// WithGateway sets the payment gateway used by InitiatePurchase.
func WithGateway(g payment.Gateway) Option {
	return func(l *Ledger) { l.gateway = g }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLocation sets the zone whose midnight ends an issuance day. The
// default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(l *Ledger) { l.tracer = t }
}

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.store }

// Plugins returns the plugin registry.
func (l *Ledger) Plugins() *plugin.Registry { return l.plugins }

// Logger returns the ledger's logger.
func (l *Ledger) Logger() *slog.Logger { return l.logger }

// Tracer returns the ledger's tracer.
func (l *Ledger) Tracer() trace.Tracer { return l.tracer }

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time { return l.now() }

// Location returns the zone used for issuance days.
func (l *Ledger) Location() *time.Location { return l.loc }

// Start migrates the store, initializes plugins and starts the rate
// limiter janitors.
func (l *Ledger) Start(ctx context.Context) error {
	if err := l.store.Migrate(ctx); err != nil {
		return err
	}

	l.plugins.EmitInit(ctx, l)

	l.actionLimiter.Start(ctx)
	if l.purchaseLimiter != l.actionLimiter {
		l.purchaseLimiter.Start(ctx)
	}

	l.logger.Info("credits ledger started",
		"plugins", l.plugins.Count(),
		"location", l.loc.String(),
		"gateway", l.gateway != nil,
	)

	return nil
}

// Stop shuts down the Ledger.
func (l *Ledger) Stop() error {
	l.actionLimiter.Stop()
	l.purchaseLimiter.Stop()

	ctx := context.Background()
	l.plugins.EmitShutdown(ctx)

	return l.store.Close()
}

// ──────────────────────────────────────────────────
// Balance operations
// ──────────────────────────────────────────────────

// ConsumeResult reports whether a credit was spent.
type ConsumeResult struct {
	Consumed  bool  `json:"consumed"`
	Remaining int64 `json:"remaining"`
}

// Consume spends one credit. An empty or missing account is not an
// error: the result has Consumed false and nothing changes.
func (l *Ledger) Consume(ctx context.Context, accountID, description string) (ConsumeResult, error) {
	if accountID == "" {
		return ConsumeResult{}, ValidationError{Field: "account_id", Message: "is required"}
	}

	ctx, span := l.tracer.Start(ctx, "credits.Consume",
		trace.WithAttributes(attribute.String("credits.account_id", accountID)))
	defer span.End()

	e := &entry.Entry{
		ID:          id.NewEntryID(),
		AccountID:   accountID,
		Kind:        entry.KindUsage,
		Amount:      -1,
		Description: description,
		CreatedAt:   l.now().UTC(),
	}

	remaining, err := l.store.Debit(ctx, e)
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		span.SetAttributes(attribute.Bool("credits.consumed", false))
		l.logger.Info("consume denied, no credits",
			"account_id", accountID,
			"description", description,
		)
		l.plugins.EmitConsumeDenied(ctx, accountID, description)
		return ConsumeResult{}, nil
	case err != nil:
		recordError(span, err)
		return ConsumeResult{}, fmt.Errorf("consume: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("credits.consumed", true),
		attribute.Int64("credits.remaining", remaining),
	)
	l.logger.Debug("credit consumed",
		"account_id", accountID,
		"entry_id", e.ID.String(),
		"remaining", remaining,
	)
	l.plugins.EmitCreditsConsumed(ctx, e, remaining)

	return ConsumeResult{Consumed: true, Remaining: remaining}, nil
}

// GrantRequest describes credits to add to an account.
type GrantRequest struct {
	AccountID   string
	Amount      int64
	Kind        entry.Kind
	Description string
	PlanID      string
	// Reference, when set, must be unique across all entries. A repeat
	// fails with ErrDuplicatePayment.
	Reference string
}

func (r GrantRequest) validate() error {
	switch {
	case r.AccountID == "":
		return ValidationError{Field: "account_id", Message: "is required"}
	case r.Amount <= 0:
		return ValidationError{Field: "amount", Message: "must be positive"}
	case !r.Kind.Credit():
		return ValidationError{Field: "kind", Message: fmt.Sprintf("%q cannot add credits", r.Kind)}
	}
	return nil
}

// Grant adds credits, creating the account if needed.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) error {
	_, _, err := l.grant(ctx, req, nil)
	return err
}

// GrantPurchase adds purchased credits unless a purchase of the same plan
// was already credited to the account within window. The check and the
// grant run as one unit in the store. A tripped guard returns
// ErrDuplicatePayment.
func (l *Ledger) GrantPurchase(ctx context.Context, req GrantRequest, window time.Duration) (*entry.Entry, int64, error) {
	if req.Kind == "" {
		req.Kind = entry.KindPurchase
	}
	if req.Kind != entry.KindPurchase {
		return nil, 0, ValidationError{Field: "kind", Message: "must be purchase"}
	}
	if req.PlanID == "" {
		return nil, 0, ValidationError{Field: "plan_id", Message: "is required"}
	}
	return l.grant(ctx, req, &entry.Guard{Since: l.now().Add(-window)})
}

func (l *Ledger) grant(ctx context.Context, req GrantRequest, guard *entry.Guard) (*entry.Entry, int64, error) {
	if err := req.validate(); err != nil {
		return nil, 0, err
	}

	ctx, span := l.tracer.Start(ctx, "credits.Grant",
		trace.WithAttributes(
			attribute.String("credits.account_id", req.AccountID),
			attribute.String("credits.kind", string(req.Kind)),
			attribute.Int64("credits.amount", req.Amount),
			attribute.Bool("credits.guarded", guard != nil),
		))
	defer span.End()

	e := &entry.Entry{
		ID:          id.NewEntryID(),
		AccountID:   req.AccountID,
		Kind:        req.Kind,
		Amount:      req.Amount,
		Description: req.Description,
		PlanID:      req.PlanID,
		Reference:   req.Reference,
		CreatedAt:   l.now().UTC(),
	}

	available, err := l.store.Credit(ctx, e, guard)
	if err != nil {
		if !errors.Is(err, ErrDuplicatePayment) {
			recordError(span, err)
		}
		return nil, 0, err
	}

	span.SetAttributes(attribute.Int64("credits.available", available))
	l.logger.Info("credits granted",
		"account_id", req.AccountID,
		"kind", req.Kind,
		"amount", req.Amount,
		"plan_id", req.PlanID,
		"available", available,
	)
	l.plugins.EmitCreditsGranted(ctx, e, available)

	return e, available, nil
}

// Refund returns credits to an account with a refund entry.
func (l *Ledger) Refund(ctx context.Context, accountID string, amount int64, description string) error {
	return l.Grant(ctx, GrantRequest{
		AccountID:   accountID,
		Amount:      amount,
		Kind:        entry.KindRefund,
		Description: description,
	})
}

// InitializeAccount grants the signup bonus once per account. It reports
// false, without error, when the bonus was already granted.
func (l *Ledger) InitializeAccount(ctx context.Context, accountID string) (bool, error) {
	err := l.Grant(ctx, GrantRequest{
		AccountID:   accountID,
		Amount:      SignupBonus,
		Kind:        entry.KindBonus,
		Description: "Signup bonus",
		Reference:   "signup:" + accountID,
	})
	if errors.Is(err, ErrDuplicatePayment) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Balance is an account's current credit position.
type Balance = account.Balance

// Balance returns the account's balance. A missing account has zero
// balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (Balance, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return Balance{}, nil
	}
	if err != nil {
		return Balance{}, err
	}
	return a.Balance(), nil
}

// History returns one page of the account's entries, newest first. page
// is 1-based.
func (l *Ledger) History(ctx context.Context, accountID string, page, pageSize int) (*entry.Page, error) {
	page = min(max(page, 1), MaxPage)
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, MaxPageSize)

	entries, err := l.store.ListEntries(ctx, accountID, entry.ListOpts{
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		return nil, err
	}
	total, err := l.store.CountEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &entry.Page{
		Entries:  entries,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	}, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
