// Package mysql implements store.Store on MySQL through gorm.
//
// Balance changes run in a transaction that locks the account row with
// SELECT ... FOR UPDATE before reading it, so concurrent changes to one
// account serialize on that lock.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

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

// Store implements store.Store using MySQL via gorm.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm connection. The connection should use UTC
// (parseTime=true&loc=UTC) so stored timestamps round-trip unchanged.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to MySQL using a go-sql-driver DSN such as
// "user:pass@tcp(127.0.0.1:3306)/credits?charset=utf8mb4&parseTime=True&loc=UTC".
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("credits/mysql: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate creates or updates the tables with gorm's AutoMigrate.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&accountRow{},
		&entryRow{},
		&planRow{},
		&issuanceRow{},
		&validationRow{},
	)
	if err != nil {
		return fmt.Errorf("credits/mysql: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ==================== Account Store ====================

func (s *Store) GetAccount(ctx context.Context, accountID string) (*account.Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/mysql: get account: %w", err)
	}
	return row.toAccount(), nil
}

func (s *Store) OpenAccount(ctx context.Context, accountID string) (*account.Account, error) {
	t := now()
	row := &accountRow{AccountID: accountID, CreatedAt: t, UpdatedAt: t}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
		return nil, fmt.Errorf("credits/mysql: open account: %w", err)
	}
	return s.GetAccount(ctx, accountID)
}

func (s *Store) FindAccountByPrefix(ctx context.Context, prefix string) (*account.Account, error) {
	var rows []accountRow
	err := s.db.WithContext(ctx).
		Where("account_id LIKE ?", escapeLike(prefix)+"%").
		Order("account_id ASC").
		Limit(2).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("credits/mysql: find account by prefix: %w", err)
	}
	switch len(rows) {
	case 0:
		return nil, credits.ErrAccountNotFound
	case 1:
		return rows[0].toAccount(), nil
	default:
		return nil, credits.ErrAmbiguousPrefix
	}
}

// ==================== Entry Store ====================

func (s *Store) Debit(ctx context.Context, e *entry.Entry) (int64, error) {
	var remaining int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockAccount(tx, e.AccountID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.ErrInsufficientCredits
		}
		if err != nil {
			return err
		}
		if row.AvailableCredits+e.Amount < 0 {
			return credits.ErrInsufficientCredits
		}
		if err := applyAmount(tx, e); err != nil {
			return err
		}
		if err := tx.Create(toEntryRow(e)).Error; err != nil {
			return err
		}
		remaining = row.AvailableCredits + e.Amount
		return nil
	})
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return 0, err
		}
		return 0, fmt.Errorf("credits/mysql: debit: %w", err)
	}
	return remaining, nil
}

func (s *Store) Credit(ctx context.Context, e *entry.Entry, guard *entry.Guard) (int64, error) {
	var available int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := &accountRow{AccountID: e.AccountID, CreatedAt: e.CreatedAt, UpdatedAt: e.CreatedAt}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
			return err
		}
		row, err := lockAccount(tx, e.AccountID)
		if err != nil {
			return err
		}

		if guard != nil {
			var n int64
			err := tx.Model(&entryRow{}).
				Where("account_id = ? AND plan_id = ? AND kind = ? AND created_at >= ?",
					e.AccountID, e.PlanID, string(entry.KindPurchase), guard.Since).
				Count(&n).Error
			if err != nil {
				return err
			}
			if n > 0 {
				return credits.ErrDuplicatePayment
			}
		}

		if err := tx.Create(toEntryRow(e)).Error; err != nil {
			if isDuplicateKey(err) {
				return credits.ErrDuplicatePayment
			}
			return err
		}
		if err := applyAmount(tx, e); err != nil {
			return err
		}
		available = row.AvailableCredits + e.Amount
		return nil
	})
	if err != nil {
		if errors.Is(err, credits.ErrDuplicatePayment) {
			return 0, err
		}
		return 0, fmt.Errorf("credits/mysql: credit: %w", err)
	}
	return available, nil
}

func lockAccount(tx *gorm.DB, accountID string) (*accountRow, error) {
	var row accountRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func applyAmount(tx *gorm.DB, e *entry.Entry) error {
	updates := map[string]any{
		"available_credits": gorm.Expr("available_credits + ?", e.Amount),
		"updated_at":        e.CreatedAt,
	}
	if e.Amount < 0 {
		updates["total_used"] = gorm.Expr("total_used + ?", -e.Amount)
	}
	return tx.Model(&accountRow{}).Where("account_id = ?", e.AccountID).Updates(updates).Error
}

func (s *Store) ListEntries(ctx context.Context, accountID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	var rows []entryRow
	q := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("credits/mysql: list entries: %w", err)
	}

	result := make([]*entry.Entry, len(rows))
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) CountEntries(ctx context.Context, accountID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&entryRow{}).Where("account_id = ?", accountID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("credits/mysql: count entries: %w", err)
	}
	return n, nil
}

func (s *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&entryRow{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("account_id = ?", accountID).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("credits/mysql: sum entries: %w", err)
	}
	return total, nil
}

func (s *Store) LatestPurchase(ctx context.Context, accountID, planID string, since time.Time) (*entry.Entry, error) {
	var row entryRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND plan_id = ? AND kind = ? AND created_at >= ?",
			accountID, planID, string(entry.KindPurchase), since).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, credits.ErrNotFound
		}
		return nil, fmt.Errorf("credits/mysql: latest purchase: %w", err)
	}
	return row.toEntry()
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if err := s.db.WithContext(ctx).Create(toPlanRow(p)).Error; err != nil {
		if isDuplicateKey(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mysql: create plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	var row planRow
	err := s.db.WithContext(ctx).Where("id = ?", planID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, credits.ErrPlanNotFound
		}
		return nil, fmt.Errorf("credits/mysql: get plan: %w", err)
	}
	return row.toPlan(), nil
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	var row planRow
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, credits.ErrPlanNotFound
		}
		return nil, fmt.Errorf("credits/mysql: get plan by slug: %w", err)
	}
	return row.toPlan(), nil
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var rows []planRow
	q := s.db.WithContext(ctx).Order("price_amount ASC, slug ASC")
	if opts.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("credits/mysql: list plans: %w", err)
	}

	result := make([]*plan.Plan, len(rows))
	for i := range rows {
		result[i] = rows[i].toPlan()
	}
	return result, nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	row := toPlanRow(p)
	row.UpdatedAt = now()
	res := s.db.WithContext(ctx).Model(&planRow{}).Where("id = ?", p.ID).Updates(map[string]any{
		"name":         row.Name,
		"slug":         row.Slug,
		"description":  row.Description,
		"type":         row.Type,
		"price_amount": row.PriceAmount,
		"currency":     row.Currency,
		"credits":      row.Credits,
		"active":       row.Active,
		"updated_at":   row.UpdatedAt,
	})
	if res.Error != nil {
		if isDuplicateKey(res.Error) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mysql: update plan: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return credits.ErrPlanNotFound
	}
	return nil
}

func (s *Store) FindPlanByPrefix(ctx context.Context, prefix string) (*plan.Plan, error) {
	var rows []planRow
	err := s.db.WithContext(ctx).
		Where("id LIKE ?", escapeLike(prefix)+"%").
		Order("id ASC").
		Limit(2).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("credits/mysql: find plan by prefix: %w", err)
	}
	switch len(rows) {
	case 0:
		return nil, credits.ErrPlanNotFound
	case 1:
		return rows[0].toPlan(), nil
	default:
		return nil, credits.ErrAmbiguousPrefix
	}
}

// ==================== Issuance Store ====================

func (s *Store) FindIssuance(ctx context.Context, accountID, subjectKey, day string) (*issuance.Issuance, error) {
	var row issuanceRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND subject_key = ? AND issued_day = ?", accountID, subjectKey, day).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, credits.ErrIssuanceNotFound
		}
		return nil, fmt.Errorf("credits/mysql: find issuance: %w", err)
	}
	return row.toIssuance()
}

func (s *Store) CreateIssuance(ctx context.Context, iss *issuance.Issuance) error {
	if err := s.db.WithContext(ctx).Create(toIssuanceRow(iss)).Error; err != nil {
		if isDuplicateKey(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mysql: create issuance: %w", err)
	}
	return nil
}

func (s *Store) GetIssuance(ctx context.Context, issuanceID id.IssuanceID) (*issuance.Issuance, error) {
	var row issuanceRow
	err := s.db.WithContext(ctx).Where("id = ?", issuanceID.String()).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, credits.ErrIssuanceNotFound
		}
		return nil, fmt.Errorf("credits/mysql: get issuance: %w", err)
	}
	return row.toIssuance()
}

func (s *Store) RecordValidation(ctx context.Context, v *issuance.Validation) error {
	row := &validationRow{
		ID:          v.ID.String(),
		IssuanceID:  v.IssuanceID.String(),
		ValidatedAt: v.ValidatedAt,
		IP:          v.IP,
		UserAgent:   v.UserAgent,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("credits/mysql: record validation: %w", err)
	}
	return nil
}

func (s *Store) ListValidations(ctx context.Context, issuanceID id.IssuanceID) ([]*issuance.Validation, error) {
	var rows []validationRow
	err := s.db.WithContext(ctx).
		Where("issuance_id = ?", issuanceID.String()).
		Order("validated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("credits/mysql: list validations: %w", err)
	}

	result := make([]*issuance.Validation, len(rows))
	for i := range rows {
		v, err := rows[i].toValidation()
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// isDuplicateKey matches both gorm's translated error and the raw
// MySQL 1062 error, depending on how the connection was opened.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysqldriver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
