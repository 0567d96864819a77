package query

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/pkg/types"
)

func TestParseSort(t *testing.T) {
	tests := []struct {
		spec     string
		expected []SortKey
	}{
		{"", []SortKey{}},
		{"name", []SortKey{{Field: "name"}}},
		{"+name", []SortKey{{Field: "name"}}},
		{"-age", []SortKey{{Field: "age", Desc: true}}},
		{"-age, +name", []SortKey{{Field: "age", Desc: true}, {Field: "name"}}},
		{"-age name\tcity", []SortKey{{Field: "age", Desc: true}, {Field: "name"}, {Field: "city"}}},
	}
	for _, tt := range tests {
		got, err := ParseSort(tt.spec)
		if err != nil {
			t.Errorf("ParseSort(%q): %v", tt.spec, err)
			continue
		}
		if diff := cmp.Diff(tt.expected, got); diff != "" {
			t.Errorf("ParseSort(%q) mismatch (-want +got):\n%s", tt.spec, diff)
		}
	}
}

func TestParseSortRejectsNonIdentifiers(t *testing.T) {
	for _, spec := range []string{"-", "na;me", "age)--", "a.b"} {
		if _, err := ParseSort(spec); !errors.IsMalformed(err) {
			t.Errorf("ParseSort(%q): err = %v, want MALFORMED", spec, err)
		}
	}
}

func TestOrderBySQL(t *testing.T) {
	keys := []SortKey{{Field: "age", Desc: true}, {Field: "name"}}
	want := `"age" DESC, "name" ASC`
	if got := OrderBySQL(keys); got != want {
		t.Errorf("OrderBySQL = %q, want %q", got, want)
	}
}

func TestSortRecords(t *testing.T) {
	records := []types.Record{
		{"id": "1", "age": 30, "name": "carol"},
		{"id": "2", "age": 25, "name": "bob"},
		{"id": "3", "age": 30, "name": "alice"},
	}
	SortRecords(records, []SortKey{{Field: "age", Desc: true}, {Field: "name"}})

	got := []string{
		records[0]["id"].(string),
		records[1]["id"].(string),
		records[2]["id"].(string),
	}
	want := []string{"3", "1", "2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sorted order mismatch (-want +got):\n%s", diff)
	}
}

func TestSortRecordsByDate(t *testing.T) {
	records := []types.Record{
		{"id": "1", "when": time.UnixMilli(3_000_000).UTC()},
		{"id": "2", "when": time.UnixMilli(1_000_000).UTC()},
		{"id": "3", "when": time.UnixMilli(2_000_000).UTC()},
	}
	SortRecords(records, []SortKey{{Field: "when", Desc: true}})

	got := []string{
		records[0]["id"].(string),
		records[1]["id"].(string),
		records[2]["id"].(string),
	}
	want := []string{"1", "3", "2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sorted order mismatch (-want +got):\n%s", diff)
	}
}

func TestSortRecordsStableOnIncomparable(t *testing.T) {
	records := []types.Record{
		{"id": "1", "k": "b"},
		{"id": "2", "k": 5},
		{"id": "3", "k": "a"},
	}
	SortRecords(records, []SortKey{{Field: "k"}})

	// "a" sorts before "b"; the numeric value has no ordering against
	// strings and keeps its relative position
	if records[0]["id"] != "3" && records[0]["id"] != "1" {
		t.Errorf("unexpected leading record %v", records[0])
	}
	for i, rec := range records {
		if rec["id"] == "2" && i == 0 {
			t.Error("incomparable record should not lead after stable sort")
		}
	}
}
