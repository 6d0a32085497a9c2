// Package sqlite implements store.Store on SQLite through grove.
//
// Balance rules live in triggers on credit_entries: a BEFORE INSERT
// trigger rejects overdrafts and guarded duplicate purchases, and an
// AFTER INSERT trigger applies the amount to the account. An entry insert
// is therefore the single atomic write for every balance change.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the "sqlite" migrate executor
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

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// busyTimeout makes a writer wait for the lock instead of failing with
// SQLITE_BUSY. It applies to every pooled connection.
const busyTimeout = "_pragma=busy_timeout(5000)"

// Open connects to the SQLite database at dsn (a file path, or
// "file::memory:?cache=shared") and wraps it in a Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if !strings.Contains(dsn, "busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + busyTimeout
	}
	drv := sqlitedriver.New()
	if err := drv.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("credits/sqlite: open: %w", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("credits/sqlite: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables, indexes and triggers.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("credits/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("credits/sqlite: migration failed: %w", err)
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
	err := s.sdb.NewSelect(m).
		Where("account_id = ?", accountID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/sqlite: get account: %w", err)
	}
	return fromAccountModel(m), nil
}

func (s *Store) OpenAccount(ctx context.Context, accountID string) (*account.Account, error) {
	t := now().UnixMilli()
	m := &accountModel{AccountID: accountID, CreatedAt: t, UpdatedAt: t}
	if _, err := s.sdb.NewInsert(m).OnConflict("(account_id) DO NOTHING").Exec(ctx); err != nil {
		return nil, fmt.Errorf("credits/sqlite: open account: %w", err)
	}
	return s.GetAccount(ctx, accountID)
}

func (s *Store) FindAccountByPrefix(ctx context.Context, prefix string) (*account.Account, error) {
	var models []accountModel
	err := s.sdb.NewSelect(&models).
		Where(`account_id LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		OrderExpr("account_id ASC").
		Limit(2).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("credits/sqlite: find account by prefix: %w", err)
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

func (s *Store) Debit(ctx context.Context, e *entry.Entry) (int64, error) {
	if _, err := s.sdb.NewInsert(toEntryModel(e, nil)).Exec(ctx); err != nil {
		if mapped := mapEntryErr(err); mapped != nil {
			return 0, mapped
		}
		return 0, fmt.Errorf("credits/sqlite: debit: %w", err)
	}
	return s.available(ctx, e.AccountID)
}

func (s *Store) Credit(ctx context.Context, e *entry.Entry, guard *entry.Guard) (int64, error) {
	if _, err := s.sdb.NewInsert(toEntryModel(e, guard)).Exec(ctx); err != nil {
		if mapped := mapEntryErr(err); mapped != nil {
			return 0, mapped
		}
		return 0, fmt.Errorf("credits/sqlite: credit: %w", err)
	}
	return s.available(ctx, e.AccountID)
}

// available reads the balance after a committed entry. Writers are
// serialized by SQLite, but another writer may land between the two
// statements; the value is still one the account actually held.
func (s *Store) available(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.sdb.NewRaw(`SELECT available_credits FROM credit_accounts WHERE account_id = ?`, accountID).Scan(ctx, &n)
	if err != nil {
		return 0, fmt.Errorf("credits/sqlite: read balance: %w", err)
	}
	return n, nil
}

func (s *Store) ListEntries(ctx context.Context, accountID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	var models []entryModel
	q := s.sdb.NewSelect(&models).
		Where("account_id = ?", accountID).
		OrderExpr("created_at DESC, id DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	} else if opts.Offset > 0 {
		// SQLite requires a LIMIT before OFFSET.
		q = q.Limit(-1)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/sqlite: list entries: %w", err)
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
	err := s.sdb.NewRaw(`SELECT COUNT(*) FROM credit_entries WHERE account_id = ?`, accountID).Scan(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("credits/sqlite: count entries: %w", err)
	}
	return total, nil
}

func (s *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := s.sdb.NewRaw(`SELECT COALESCE(SUM(amount), 0) FROM credit_entries WHERE account_id = ?`, accountID).Scan(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("credits/sqlite: sum entries: %w", err)
	}
	return total, nil
}

func (s *Store) LatestPurchase(ctx context.Context, accountID, planID string, since time.Time) (*entry.Entry, error) {
	m := new(entryModel)
	err := s.sdb.NewSelect(m).
		Where("account_id = ?", accountID).
		Where("plan_id = ?", planID).
		Where("kind = ?", string(entry.KindPurchase)).
		Where("created_at >= ?", since.UnixMilli()).
		OrderExpr("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrNotFound
		}
		return nil, fmt.Errorf("credits/sqlite: latest purchase: %w", err)
	}
	return fromEntryModel(m)
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if _, err := s.sdb.NewInsert(toPlanModel(p)).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/sqlite: create plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", planID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrPlanNotFound
		}
		return nil, fmt.Errorf("credits/sqlite: get plan: %w", err)
	}
	return fromPlanModel(m), nil
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("slug = ?", slug).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrPlanNotFound
		}
		return nil, fmt.Errorf("credits/sqlite: get plan by slug: %w", err)
	}
	return fromPlanModel(m), nil
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel
	q := s.sdb.NewSelect(&models)
	if opts.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	} else if opts.Offset > 0 {
		q = q.Limit(-1)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("price_amount ASC, slug ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/sqlite: list plans: %w", err)
	}

	result := make([]*plan.Plan, len(models))
	for i := range models {
		result[i] = fromPlanModel(&models[i])
	}
	return result, nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	m := toPlanModel(p)
	m.UpdatedAt = now().UnixMilli()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/sqlite: update plan: %w", err)
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
	err := s.sdb.NewSelect(&models).
		Where(`id LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		OrderExpr("id ASC").
		Limit(2).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("credits/sqlite: find plan by prefix: %w", err)
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
	err := s.sdb.NewSelect(m).
		Where("account_id = ?", accountID).
		Where("subject_key = ?", subjectKey).
		Where("issued_day = ?", day).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrIssuanceNotFound
		}
		return nil, fmt.Errorf("credits/sqlite: find issuance: %w", err)
	}
	return fromIssuanceModel(m)
}

func (s *Store) CreateIssuance(ctx context.Context, iss *issuance.Issuance) error {
	if _, err := s.sdb.NewInsert(toIssuanceModel(iss)).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/sqlite: create issuance: %w", err)
	}
	return nil
}

func (s *Store) GetIssuance(ctx context.Context, issuanceID id.IssuanceID) (*issuance.Issuance, error) {
	m := new(issuanceModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", issuanceID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrIssuanceNotFound
		}
		return nil, fmt.Errorf("credits/sqlite: get issuance: %w", err)
	}
	return fromIssuanceModel(m)
}

func (s *Store) RecordValidation(ctx context.Context, v *issuance.Validation) error {
	m := &validationModel{
		ID:          v.ID.String(),
		IssuanceID:  v.IssuanceID.String(),
		ValidatedAt: v.ValidatedAt.UnixMilli(),
		IP:          v.IP,
		UserAgent:   v.UserAgent,
	}
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("credits/sqlite: record validation: %w", err)
	}
	return nil
}

func (s *Store) ListValidations(ctx context.Context, issuanceID id.IssuanceID) ([]*issuance.Validation, error) {
	var models []validationModel
	err := s.sdb.NewSelect(&models).
		Where("issuance_id = ?", issuanceID.String()).
		OrderExpr("validated_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("credits/sqlite: list validations: %w", err)
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

// mapEntryErr translates trigger aborts and the reference index violation
// into ledger errors. It returns nil for anything else.
func mapEntryErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "insufficient credits"):
		return credits.ErrInsufficientCredits
	case strings.Contains(msg, "duplicate payment"),
		strings.Contains(msg, "credit_entries.reference"):
		return credits.ErrDuplicatePayment
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
