package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/issuance"
)

// IssueResult is the outcome of Issue.
type IssueResult struct {
	Issuance *issuance.Issuance
	// IsNew is true when this call paid for the issuance.
	IsNew bool
	// Remaining is the balance after the call.
	Remaining int64
}

// BuildFunc renders the payload stored with a new issuance. It runs after
// the credit is debited. An error refunds the credit.
type BuildFunc func(ctx context.Context) (json.RawMessage, error)

// Issue returns today's issuance of subjectKey for the account, paying one
// credit only when none exists yet. "Today" is the calendar day in the
// ledger's location. An account without credit gets ErrInsufficientCredits
// and no issuance.
func (l *Ledger) Issue(ctx context.Context, accountID, subjectKey string, build BuildFunc) (*IssueResult, error) {
	if accountID == "" {
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	}
	if subjectKey == "" {
		return nil, ValidationError{Field: "subject_key", Message: "is required"}
	}

	ctx, span := l.tracer.Start(ctx, "credits.Issue",
		trace.WithAttributes(
			attribute.String("credits.account_id", accountID),
			attribute.String("credits.subject_key", subjectKey),
		))
	defer span.End()

	unlock := l.issueLocks.Lock(accountID + "\x00" + subjectKey)
	defer unlock()

	now := l.now()
	day := issuance.Day(now, l.loc)

	existing, err := l.store.FindIssuance(ctx, accountID, subjectKey, day)
	if err == nil {
		span.SetAttributes(attribute.Bool("credits.is_new", false))
		return l.reuse(ctx, existing)
	}
	if !errors.Is(err, ErrIssuanceNotFound) {
		recordError(span, err)
		return nil, err
	}

	res, err := l.Consume(ctx, accountID, "Issuance of "+subjectKey)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if !res.Consumed {
		return nil, ErrInsufficientCredits
	}

	iss := &issuance.Issuance{
		ID:         id.NewIssuanceID(),
		AccountID:  accountID,
		SubjectKey: subjectKey,
		IssuedAt:   now.UTC(),
		IssuedDay:  day,
	}

	if build != nil {
		payload, err := build(ctx)
		if err != nil {
			l.reverse(ctx, accountID, subjectKey, "build failed")
			recordError(span, err)
			return nil, fmt.Errorf("build issuance: %w", err)
		}
		iss.Payload = payload
	}

	if err := l.store.CreateIssuance(ctx, iss); err != nil {
		l.reverse(ctx, accountID, subjectKey, "issuance not saved")
		if !errors.Is(err, ErrAlreadyExists) {
			recordError(span, err)
			return nil, err
		}

		// Another instance issued the same subject first.
		winner, ferr := l.store.FindIssuance(ctx, accountID, subjectKey, day)
		if ferr != nil {
			recordError(span, ferr)
			return nil, ferr
		}
		l.logger.Info("issuance raced, reusing winner",
			"account_id", accountID,
			"subject_key", subjectKey,
			"issuance_id", winner.ID.String(),
		)
		return l.reuse(ctx, winner)
	}

	span.SetAttributes(attribute.Bool("credits.is_new", true))
	l.logger.Info("issuance created",
		"account_id", accountID,
		"subject_key", subjectKey,
		"issuance_id", iss.ID.String(),
		"day", day,
	)
	l.plugins.EmitIssuanceCreated(ctx, iss)

	return &IssueResult{Issuance: iss, IsNew: true, Remaining: res.Remaining}, nil
}

func (l *Ledger) reuse(ctx context.Context, iss *issuance.Issuance) (*IssueResult, error) {
	bal, err := l.Balance(ctx, iss.AccountID)
	if err != nil {
		return nil, err
	}
	return &IssueResult{Issuance: iss, IsNew: false, Remaining: bal.Available}, nil
}

// reverse returns the credit taken for an issuance that was not kept.
func (l *Ledger) reverse(ctx context.Context, accountID, subjectKey, reason string) {
	if err := l.Refund(ctx, accountID, 1, "Refund of "+subjectKey+": "+reason); err != nil {
		l.logger.Error("failed to refund issuance debit",
			"account_id", accountID,
			"subject_key", subjectKey,
			"reason", reason,
			"error", err,
		)
	}
}

// GetIssuance returns an issuance by id.
func (l *Ledger) GetIssuance(ctx context.Context, issuanceID string) (*issuance.Issuance, error) {
	iid, err := id.ParseIssuanceID(issuanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuanceNotFound, err)
	}
	return l.store.GetIssuance(ctx, iid)
}

// VerifyIssuance looks up an issuance for public verification and records
// the check.
func (l *Ledger) VerifyIssuance(ctx context.Context, issuanceID, ip, userAgent string) (*issuance.Issuance, error) {
	iss, err := l.GetIssuance(ctx, issuanceID)
	if err != nil {
		return nil, err
	}

	v := &issuance.Validation{
		ID:          id.NewValidationID(),
		IssuanceID:  iss.ID,
		ValidatedAt: l.now().UTC(),
		IP:          ip,
		UserAgent:   userAgent,
	}
	if err := l.store.RecordValidation(ctx, v); err != nil {
		return nil, err
	}

	l.logger.Debug("issuance verified",
		"issuance_id", iss.ID.String(),
		"ip", ip,
	)
	return iss, nil
}

// Validations lists the recorded verifications of an issuance.
func (l *Ledger) Validations(ctx context.Context, issuanceID string) ([]*issuance.Validation, error) {
	iss, err := l.GetIssuance(ctx, issuanceID)
	if err != nil {
		return nil, err
	}
	return l.store.ListValidations(ctx, iss.ID)
}
