package issuance

import (
	"encoding/json"
	"time"

	"github.com/xraph/credits/id"
)

// DayLayout formats IssuedDay.
const DayLayout = "2006-01-02"

// Issuance records that a subject was paid for on one server day. Later
// requests for the same account, subject and day reuse it.
type Issuance struct {
	ID         id.IssuanceID   `json:"id"`
	AccountID  string          `json:"account_id"`
	SubjectKey string          `json:"subject_key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	IssuedAt   time.Time       `json:"issued_at"`
	IssuedDay  string          `json:"issued_day"`
}

// Validation is one public verification of an issuance.
type Validation struct {
	ID          id.ValidationID `json:"id"`
	IssuanceID  id.IssuanceID   `json:"issuance_id"`
	ValidatedAt time.Time       `json:"validated_at"`
	IP          string          `json:"ip,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
}

// Day returns the calendar day of t in loc, formatted with DayLayout.
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
