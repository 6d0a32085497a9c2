// Package mongo implements store.Store on MongoDB through grove.
//
// Balance changes run inside a session transaction that writes the
// account document before anything else. Two transactions touching the
// same account therefore conflict, and the driver retries the loser
// against the winner's committed state. Transactions require a replica
// set or sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/issuance"
	"github.com/xraph/credits/plan"
	creditstore "github.com/xraph/credits/store"
)

// Collection name constants.
const (
	colAccounts    = "credit_accounts"
	colEntries     = "credit_entries"
	colPlans       = "credit_plans"
	colIssuances   = "credit_issuances"
	colValidations = "credit_issuance_validations"
)

// compile-time interface check
var _ creditstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// Open connects to MongoDB. The database name comes from the uri path.
func Open(ctx context.Context, uri string) (*Store, error) {
	drv := mongodriver.New()
	if err := drv.Open(ctx, uri); err != nil {
		return nil, fmt.Errorf("credits/mongo: open: %w", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("credits/mongo: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all credits collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("credits/mongo: migrate %s indexes: %w", col, err)
		}
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
	var m accountModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": accountID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get account: %w", err)
	}
	return fromAccountModel(&m), nil
}

func (s *Store) OpenAccount(ctx context.Context, accountID string) (*account.Account, error) {
	t := now()
	_, err := s.mdb.Collection(colAccounts).UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$setOnInsert": bson.M{
			"available_credits": int64(0),
			"total_used":        int64(0),
			"created_at":        t,
			"updated_at":        t,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("credits/mongo: open account: %w", err)
	}
	return s.GetAccount(ctx, accountID)
}

func (s *Store) FindAccountByPrefix(ctx context.Context, prefix string) (*account.Account, error) {
	var models []accountModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Limit(2).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: find account by prefix: %w", err)
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
	var remaining int64
	err := s.withTransaction(ctx, func(ctx context.Context) error {
		var acct accountModel
		err := s.mdb.Collection(colAccounts).FindOneAndUpdate(ctx,
			bson.M{"_id": e.AccountID, "available_credits": bson.M{"$gte": -e.Amount}},
			bson.M{
				"$inc": bson.M{"available_credits": e.Amount, "total_used": -e.Amount},
				"$set": bson.M{"updated_at": e.CreatedAt},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&acct)
		if err != nil {
			if isNoDocuments(err) {
				return credits.ErrInsufficientCredits
			}
			return err
		}
		if _, err := s.mdb.Collection(colEntries).InsertOne(ctx, toEntryModel(e)); err != nil {
			return err
		}
		remaining = acct.Available
		return nil
	})
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return 0, err
		}
		return 0, fmt.Errorf("credits/mongo: debit: %w", err)
	}
	return remaining, nil
}

func (s *Store) Credit(ctx context.Context, e *entry.Entry, guard *entry.Guard) (int64, error) {
	var available int64
	err := s.withTransaction(ctx, func(ctx context.Context) error {
		var acct accountModel
		err := s.mdb.Collection(colAccounts).FindOneAndUpdate(ctx,
			bson.M{"_id": e.AccountID},
			bson.M{
				"$inc":         bson.M{"available_credits": e.Amount},
				"$set":         bson.M{"updated_at": e.CreatedAt},
				"$setOnInsert": bson.M{"total_used": int64(0), "created_at": e.CreatedAt},
			},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&acct)
		if err != nil {
			return err
		}

		if guard != nil {
			n, err := s.mdb.Collection(colEntries).CountDocuments(ctx, bson.M{
				"account_id": e.AccountID,
				"plan_id":    e.PlanID,
				"kind":       string(entry.KindPurchase),
				"created_at": bson.M{"$gte": guard.Since},
			})
			if err != nil {
				return err
			}
			if n > 0 {
				return credits.ErrDuplicatePayment
			}
		}

		if _, err := s.mdb.Collection(colEntries).InsertOne(ctx, toEntryModel(e)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return credits.ErrDuplicatePayment
			}
			return err
		}
		available = acct.Available
		return nil
	})
	if err != nil {
		if errors.Is(err, credits.ErrDuplicatePayment) {
			return 0, err
		}
		return 0, fmt.Errorf("credits/mongo: credit: %w", err)
	}
	return available, nil
}

// withTransaction runs fn in a session transaction. An error returned by
// fn aborts the transaction and is passed through.
func (s *Store) withTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	client := s.mdb.Collection(colAccounts).Database().Client()
	sess, err := client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func (s *Store) ListEntries(ctx context.Context, accountID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	var models []entryModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{"account_id": accountID}).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list entries: %w", err)
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
	n, err := s.mdb.Collection(colEntries).CountDocuments(ctx, bson.M{"account_id": accountID})
	if err != nil {
		return 0, fmt.Errorf("credits/mongo: count entries: %w", err)
	}
	return n, nil
}

func (s *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	pipeline := bson.A{
		bson.M{"$match": bson.M{"account_id": accountID}},
		bson.M{"$group": bson.M{"_id": nil, "total": bson.M{"$sum": "$amount"}}},
	}

	cursor, err := s.mdb.Collection(colEntries).Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("credits/mongo: sum entries: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, fmt.Errorf("credits/mongo: sum entries decode: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Total, nil
}

func (s *Store) LatestPurchase(ctx context.Context, accountID, planID string, since time.Time) (*entry.Entry, error) {
	var m entryModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"account_id": accountID,
			"plan_id":    planID,
			"kind":       string(entry.KindPurchase),
			"created_at": bson.M{"$gte": since},
		}).
		Sort(bson.D{{Key: "created_at", Value: -1}}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrNotFound
		}
		return nil, fmt.Errorf("credits/mongo: latest purchase: %w", err)
	}
	return fromEntryModel(&m)
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if _, err := s.mdb.NewInsert(toPlanModel(p)).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mongo: create plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": planID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrPlanNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get plan: %w", err)
	}
	return fromPlanModel(&m), nil
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"slug": slug}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrPlanNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get plan by slug: %w", err)
	}
	return fromPlanModel(&m), nil
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel

	filter := bson.M{}
	if opts.ActiveOnly {
		filter["active"] = true
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "price_amount", Value: 1}, {Key: "slug", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list plans: %w", err)
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

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mongo: update plan: %w", err)
	}
	if res.MatchedCount() == 0 {
		return credits.ErrPlanNotFound
	}
	return nil
}

func (s *Store) FindPlanByPrefix(ctx context.Context, prefix string) (*plan.Plan, error) {
	var models []planModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Limit(2).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: find plan by prefix: %w", err)
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
	var m issuanceModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"account_id": accountID, "subject_key": subjectKey, "issued_day": day}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrIssuanceNotFound
		}
		return nil, fmt.Errorf("credits/mongo: find issuance: %w", err)
	}
	return fromIssuanceModel(&m)
}

func (s *Store) CreateIssuance(ctx context.Context, iss *issuance.Issuance) error {
	if _, err := s.mdb.NewInsert(toIssuanceModel(iss)).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mongo: create issuance: %w", err)
	}
	return nil
}

func (s *Store) GetIssuance(ctx context.Context, issuanceID id.IssuanceID) (*issuance.Issuance, error) {
	var m issuanceModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": issuanceID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrIssuanceNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get issuance: %w", err)
	}
	return fromIssuanceModel(&m)
}

func (s *Store) RecordValidation(ctx context.Context, v *issuance.Validation) error {
	m := &validationModel{
		ID:          v.ID.String(),
		IssuanceID:  v.IssuanceID.String(),
		ValidatedAt: v.ValidatedAt,
		IP:          v.IP,
		UserAgent:   v.UserAgent,
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("credits/mongo: record validation: %w", err)
	}
	return nil
}

func (s *Store) ListValidations(ctx context.Context, issuanceID id.IssuanceID) ([]*issuance.Validation, error) {
	var models []validationModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"issuance_id": issuanceID.String()}).
		Sort(bson.D{{Key: "validated_at", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: list validations: %w", err)
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

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all credits collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEntries: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "plan_id", Value: 1}, {Key: "kind", Value: 1}, {Key: "created_at", Value: -1}}},
			{
				Keys: bson.D{{Key: "reference", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"reference": bson.M{"$gt": ""}}),
			},
		},
		colPlans: {
			{
				Keys:    bson.D{{Key: "slug", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "price_amount", Value: 1}}},
		},
		colIssuances: {
			{
				Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "subject_key", Value: 1}, {Key: "issued_day", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colValidations: {
			{Keys: bson.D{{Key: "issuance_id", Value: 1}, {Key: "validated_at", Value: 1}}},
		},
	}
}
