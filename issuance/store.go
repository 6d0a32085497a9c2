package issuance

import (
	"context"

	"github.com/xraph/credits/id"
)

type Store interface {
	// FindIssuance returns the issuance for the account, subject and day,
	// or ErrIssuanceNotFound.
	FindIssuance(ctx context.Context, accountID, subjectKey, day string) (*Issuance, error)
	// CreateIssuance fails with ErrAlreadyExists when the account, subject
	// and day are already taken.
	CreateIssuance(ctx context.Context, iss *Issuance) error
	GetIssuance(ctx context.Context, issuanceID id.IssuanceID) (*Issuance, error)
	RecordValidation(ctx context.Context, v *Validation) error
	ListValidations(ctx context.Context, issuanceID id.IssuanceID) ([]*Validation, error)
}
