// Package postgres implements store.Store on PostgreSQL through grove.
//
// Balance changes run as single data-modifying CTE statements: the
// conditional UPDATE (or upsert) takes the account row lock and the entry
// INSERT rides in the same statement, so both land or neither does.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the "pg" migrate executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/issuance"
	"github.com/xraph/credits/plan"
	creditstore "github.com/xraph/credits/store"
)

// compile-time interface check
var _ creditstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// Open connects to the PostgreSQL server at dsn and wraps it in a Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	drv := pgdriver.New()
	if err := drv.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("credits/postgres: open: %w", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("credits/postgres: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("credits/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("credits/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account Store ====================

func (s *Store) GetAccount(ctx context.Context, accountID string) (*account.Account, error) {
	m := new(accountModel)
	err := s.pg.NewSelect(m).
		Where("account_id = $1", accountID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/postgres: get account: %w", err)
	}
	return fromAccountModel(m), nil
}

func (s *Store) OpenAccount(ctx context.Context, accountID string) (*account.Account, error) {
	t := now()
	m := &accountModel{AccountID: accountID, CreatedAt: t, UpdatedAt: t}
	if _, err := s.pg.NewInsert(m).OnConflict("(account_id) DO NOTHING").Exec(ctx); err != nil {
		return nil, fmt.Errorf("credits/postgres: open account: %w", err)
	}
	return s.GetAccount(ctx, accountID)
}

func (s *Store) FindAccountByPrefix(ctx context.Context, prefix string) (*account.Account, error) {
	var models []accountModel
	err := s.pg.NewSelect(&models).
		Where("account_id LIKE $1", escapeLike(prefix)+"%").
		OrderExpr("account_id ASC").
		Limit(2).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: find account by prefix: %w", err)
	}
	switch len(models) {
	case 0:
		return nil, credits.ErrAccountNotFound
	case 1:
		return fromAccountModel(&models[0]), nil
	default:
		return nil, credits.ErrAmbiguousPrefix
	}
}

// ==================== Entry Store ====================

// debitSQL decrements the balance only when it covers the amount; the
// entry insert selects from the UPDATE's RETURNING set, so it happens
// exactly when the decrement does. The result is -1 when nothing changed.
const debitSQL = `
WITH upd AS (
    UPDATE credit_accounts
       SET available_credits = available_credits + $2::bigint,
           total_used        = total_used - $2::bigint,
           updated_at        = $7::timestamptz
     WHERE account_id = $1::text
       AND available_credits + $2::bigint >= 0
    RETURNING available_credits
), ins AS (
    INSERT INTO credit_entries (id, account_id, kind, amount, description, plan_id, reference, created_at)
    SELECT $3::text, $1::text, $4::text, $2::bigint, $5::text, $6::text, '', $7::timestamptz
      FROM upd
    RETURNING id
)
SELECT COALESCE((SELECT available_credits FROM upd), -1)`

func (s *Store) Debit(ctx context.Context, e *entry.Entry) (int64, error) {
	var remaining int64
	err := s.pg.NewRaw(debitSQL,
		e.AccountID, e.Amount, e.ID.String(), string(e.Kind), e.Description, e.PlanID, e.CreatedAt,
	).Scan(ctx, &remaining)
	if err != nil {
		return 0, fmt.Errorf("credits/postgres: debit: %w", err)
	}
	if remaining < 0 {
		return 0, credits.ErrInsufficientCredits
	}
	return remaining, nil
}

// creditSQL inserts the entry unless its reference already exists or, when
// $9 is set, a purchase for the same account and plan exists since $10.
// The account upsert reads from the insert's RETURNING set.
const creditSQL = `
WITH ins AS (
    INSERT INTO credit_entries (id, account_id, kind, amount, description, plan_id, reference, created_at)
    SELECT $1::text, $2::text, $3::text, $4::bigint, $5::text, $6::text, $7::text, $8::timestamptz
     WHERE NOT $9::boolean OR NOT EXISTS (
           SELECT 1 FROM credit_entries
            WHERE account_id = $2::text
              AND plan_id = $6::text
              AND kind = 'purchase'
              AND created_at >= $10::timestamptz)
    ON CONFLICT (reference) WHERE reference <> '' DO NOTHING
    RETURNING amount
), acct AS (
    INSERT INTO credit_accounts (account_id, available_credits, total_used, created_at, updated_at)
    SELECT $2::text, amount, 0, $8::timestamptz, $8::timestamptz FROM ins
    ON CONFLICT (account_id) DO UPDATE
       SET available_credits = credit_accounts.available_credits + EXCLUDED.available_credits,
           updated_at        = EXCLUDED.updated_at
    RETURNING available_credits
)
SELECT COALESCE((SELECT available_credits FROM acct), -1)`

func (s *Store) Credit(ctx context.Context, e *entry.Entry, guard *entry.Guard) (int64, error) {
	guarded := guard != nil
	var since time.Time
	if guarded {
		since = guard.Since.UTC()
	}

	var available int64
	err := s.pg.NewRaw(creditSQL,
		e.ID.String(), e.AccountID, string(e.Kind), e.Amount, e.Description, e.PlanID, e.Reference, e.CreatedAt,
		guarded, since,
	).Scan(ctx, &available)
	if err != nil {
		return 0, fmt.Errorf("credits/postgres: credit: %w", err)
	}
	if available < 0 {
		return 0, credits.ErrDuplicatePayment
	}
	return available, nil
}

func (s *Store) ListEntries(ctx context.Context, accountID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	var models []entryModel
	q := s.pg.NewSelect(&models).
		Where("account_id = $1", accountID).
		OrderExpr("created_at DESC, id DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/postgres: list entries: %w", err)
	}

	result := make([]*entry.Entry, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) CountEntries(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := s.pg.NewRaw(`SELECT COUNT(*) FROM credit_entries WHERE account_id = $1`, accountID).Scan(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("credits/postgres: count entries: %w", err)
	}
	return total, nil
}

func (s *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := s.pg.NewRaw(`SELECT COALESCE(SUM(amount), 0) FROM credit_entries WHERE account_id = $1`, accountID).Scan(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("credits/postgres: sum entries: %w", err)
	}
	return total, nil
}

func (s *Store) LatestPurchase(ctx context.Context, accountID, planID string, since time.Time) (*entry.Entry, error) {
	m := new(entryModel)
	err := s.pg.NewSelect(m).
		Where("account_id = $1", accountID).
		Where("plan_id = $2", planID).
		Where("kind = $3", string(entry.KindPurchase)).
		Where("created_at >= $4", since.UTC()).
		OrderExpr("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrNotFound
		}
		return nil, fmt.Errorf("credits/postgres: latest purchase: %w", err)
	}
	return fromEntryModel(m)
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	res, err := s.pg.NewInsert(toPlanModel(p)).OnConflict("DO NOTHING").Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/postgres: create plan: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return credits.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", planID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrPlanNotFound
		}
		return nil, fmt.Errorf("credits/postgres: get plan: %w", err)
	}
	return fromPlanModel(m), nil
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("slug = $1", slug).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrPlanNotFound
		}
		return nil, fmt.Errorf("credits/postgres: get plan by slug: %w", err)
	}
	return fromPlanModel(m), nil
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel
	q := s.pg.NewSelect(&models)
	if opts.ActiveOnly {
		q = q.Where("active = $1", true)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("price_amount ASC, slug ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/postgres: list plans: %w", err)
	}

	result := make([]*plan.Plan, len(models))
	for i := range models {
		result[i] = fromPlanModel(&models[i])
	}
	return result, nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	m := toPlanModel(p)
	m.UpdatedAt = now()
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/postgres: update plan: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return credits.ErrPlanNotFound
	}
	return nil
}

func (s *Store) FindPlanByPrefix(ctx context.Context, prefix string) (*plan.Plan, error) {
	var models []planModel
	err := s.pg.NewSelect(&models).
		Where("id LIKE $1", escapeLike(prefix)+"%").
		OrderExpr("id ASC").
		Limit(2).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: find plan by prefix: %w", err)
	}
	switch len(models) {
	case 0:
		return nil, credits.ErrPlanNotFound
	case 1:
		return fromPlanModel(&models[0]), nil
	default:
		return nil, credits.ErrAmbiguousPrefix
	}
}

// ==================== Issuance Store ====================

func (s *Store) FindIssuance(ctx context.Context, accountID, subjectKey, day string) (*issuance.Issuance, error) {
	m := new(issuanceModel)
	err := s.pg.NewSelect(m).
		Where("account_id = $1", accountID).
		Where("subject_key = $2", subjectKey).
		Where("issued_day = $3", day).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrIssuanceNotFound
		}
		return nil, fmt.Errorf("credits/postgres: find issuance: %w", err)
	}
	return fromIssuanceModel(m)
}

func (s *Store) CreateIssuance(ctx context.Context, iss *issuance.Issuance) error {
	res, err := s.pg.NewInsert(toIssuanceModel(iss)).
		OnConflict("(account_id, subject_key, issued_day) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/postgres: create issuance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return credits.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetIssuance(ctx context.Context, issuanceID id.IssuanceID) (*issuance.Issuance, error) {
	m := new(issuanceModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", issuanceID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrIssuanceNotFound
		}
		return nil, fmt.Errorf("credits/postgres: get issuance: %w", err)
	}
	return fromIssuanceModel(m)
}

func (s *Store) RecordValidation(ctx context.Context, v *issuance.Validation) error {
	m := &validationModel{
		ID:          v.ID.String(),
		IssuanceID:  v.IssuanceID.String(),
		ValidatedAt: v.ValidatedAt,
		IP:          v.IP,
		UserAgent:   v.UserAgent,
	}
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("credits/postgres: record validation: %w", err)
	}
	return nil
}

func (s *Store) ListValidations(ctx context.Context, issuanceID id.IssuanceID) ([]*issuance.Validation, error) {
	var models []validationModel
	err := s.pg.NewSelect(&models).
		Where("issuance_id = $1", issuanceID.String()).
		OrderExpr("validated_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: list validations: %w", err)
	}

	result := make([]*issuance.Validation, len(models))
	for i := range models {
		v, err := fromValidationModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// escapeLike escapes LIKE metacharacters with the default backslash escape.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
