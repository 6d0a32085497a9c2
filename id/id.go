// Package id defines TypeID-based identifiers for entities the credits
// module creates itself (ledger entries, issuances, validations).
//
// Account identifiers belong to the host application and plan identifiers
// are UUIDs, so neither goes through this package: their first characters
// must carry entropy for external-reference prefixes.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

const (
	PrefixEntry      Prefix = "entry"
	PrefixIssuance   Prefix = "iss"
	PrefixValidation Prefix = "ival"
)

// ID is a prefix-qualified, K-sortable identifier such as
// "iss_01h2xcejqtf2nbrexx3vqjhp41". The zero value is the nil ID and
// renders as "".
//
//nolint:recvcheck // UnmarshalText needs a pointer receiver.
type ID struct {
	tid typeid.TypeID
	set bool
}

type (
	EntryID      = ID
	IssuanceID   = ID
	ValidationID = ID
)

// New generates an ID. It panics on an invalid prefix; every caller
// passes one of the constants above.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{tid: tid, set: true}
}

func NewEntryID() ID      { return New(PrefixEntry) }
func NewIssuanceID() ID   { return New(PrefixIssuance) }
func NewValidationID() ID { return New(PrefixValidation) }

// Parse parses any well-formed TypeID.
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, set: true}, nil
}

// ParseWithPrefix parses s and rejects it unless it carries want.
func ParseWithPrefix(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return ID{}, err
	}
	if got := parsed.Prefix(); got != want {
		return ID{}, fmt.Errorf("id: %q has prefix %q, want %q", s, got, want)
	}
	return parsed, nil
}

func ParseEntryID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixEntry) }
func ParseIssuanceID(s string) (ID, error)   { return ParseWithPrefix(s, PrefixIssuance) }
func ParseValidationID(s string) (ID, error) { return ParseWithPrefix(s, PrefixValidation) }

func (i ID) String() string {
	if !i.set {
		return ""
	}
	return i.tid.String()
}

func (i ID) Prefix() Prefix {
	if !i.set {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

func (i ID) IsNil() bool { return !i.set }

// MarshalText encodes the nil ID as an empty string.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText accepts an empty string as the nil ID.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = ID{}
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
