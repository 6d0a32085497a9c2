package payment

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PrefixLen is how many leading characters of the account and plan IDs
// an external reference carries.
const PrefixLen = 8

// Reference is a parsed external reference:
// "<account prefix>-<plan prefix>-<unix millis>".
type Reference struct {
	AccountPrefix string
	PlanPrefix    string
	CreatedAt     time.Time
}

// String formats the reference for the gateway.
func (r Reference) String() string {
	return r.AccountPrefix + "-" + r.PlanPrefix + "-" + strconv.FormatInt(r.CreatedAt.UnixMilli(), 10)
}

// NewReference builds the external reference for a purchase. The ID
// prefixes must not contain '-', since that is the segment separator.
func NewReference(accountID, planID string, t time.Time) (Reference, error) {
	ref := Reference{
		AccountPrefix: prefix(accountID),
		PlanPrefix:    prefix(planID),
		CreatedAt:     t,
	}
	if ref.AccountPrefix == "" || ref.PlanPrefix == "" ||
		strings.Contains(ref.AccountPrefix, "-") || strings.Contains(ref.PlanPrefix, "-") {
		return Reference{}, fmt.Errorf("%w: cannot encode account %q and plan %q", ErrMalformedReference, accountID, planID)
	}
	return ref, nil
}

// ParseReference splits s into its three segments. Anything other than
// exactly three non-empty segments is ErrMalformedReference. A trailing
// segment that is not a number is accepted and leaves CreatedAt zero.
func ParseReference(s string) (Reference, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Reference{}, fmt.Errorf("%w: %q", ErrMalformedReference, s)
	}
	ref := Reference{AccountPrefix: parts[0], PlanPrefix: parts[1]}
	if ms, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
		ref.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return ref, nil
}

func prefix(s string) string {
	if len(s) > PrefixLen {
		return s[:PrefixLen]
	}
	return s
}
