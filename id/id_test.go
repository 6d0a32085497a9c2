package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/credits/id"
)

var kinds = []struct {
	name   string
	newFn  func() id.ID
	parse  func(string) (id.ID, error)
	prefix id.Prefix
}{
	{"entry", id.NewEntryID, id.ParseEntryID, id.PrefixEntry},
	{"issuance", id.NewIssuanceID, id.ParseIssuanceID, id.PrefixIssuance},
	{"validation", id.NewValidationID, id.ParseValidationID, id.PrefixValidation},
}

func TestNewAndParse(t *testing.T) {
	for _, k := range kinds {
		t.Run(k.name, func(t *testing.T) {
			orig := k.newFn()
			if !strings.HasPrefix(orig.String(), string(k.prefix)+"_") {
				t.Fatalf("got %q, want prefix %q", orig, k.prefix)
			}
			parsed, err := k.parse(orig.String())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if parsed.String() != orig.String() {
				t.Errorf("round trip: %q != %q", parsed, orig)
			}
		})
	}
}

func TestParseRejectsOtherPrefix(t *testing.T) {
	for i, k := range kinds {
		other := kinds[(i+1)%len(kinds)].newFn().String()
		if _, err := k.parse(other); err == nil {
			t.Errorf("%s parser accepted %q", k.name, other)
		}
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() || i.String() != "" || i.Prefix() != "" {
		t.Errorf("zero ID = %q (prefix %q, nil %v)", i, i.Prefix(), i.IsNil())
	}
}

func TestJSON(t *testing.T) {
	type doc struct {
		ID     id.ID `json:"id"`
		Parent id.ID `json:"parent"`
	}
	in := doc{ID: id.NewIssuanceID()}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"parent":""`) {
		t.Errorf("nil id encoded as %s", data)
	}

	var out doc
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID.String() != in.ID.String() || !out.Parent.IsNil() {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		s := id.NewEntryID().String()
		if seen[s] {
			t.Fatalf("duplicate id %q", s)
		}
		seen[s] = true
	}
}
