package query

import (
	"sort"
	"strings"

	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/pkg/types"
)

// SortKey is one parsed sort token: a field and a direction.
type SortKey struct {
	Field string
	Desc  bool
}

// ParseSort parses a whitespace- or comma-separated list of sort tokens of
// the form "[+-]fieldName". Any token whose body is not a bare identifier
// is rejected; sort tokens end up inside ORDER BY clauses, so nothing else
// may pass.
func ParseSort(spec string) ([]SortKey, error) {
	fields := strings.FieldsFunc(spec, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ','
	})
	keys := make([]SortKey, 0, len(fields))
	for _, token := range fields {
		key := SortKey{Field: token}
		switch token[0] {
		case '-':
			key.Desc = true
			key.Field = token[1:]
		case '+':
			key.Field = token[1:]
		}
		if !types.ValidIdentifier(key.Field) {
			return nil, errors.Malformed(errors.CategoryQuery, "invalid sort token %q", token)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// OrderBySQL renders the parsed sort keys as an ORDER BY clause body.
func OrderBySQL(keys []SortKey) string {
	parts := make([]string, len(keys))
	for i, key := range keys {
		dir := " ASC"
		if key.Desc {
			dir = " DESC"
		}
		parts[i] = quoteIdent(key.Field) + dir
	}
	return strings.Join(parts, ", ")
}

// SortRecords orders records in place by the sort keys, comparing with the
// same scalar ordering the in-memory evaluator uses. Records whose values
// have no defined ordering keep their relative position.
func SortRecords(records []types.Record, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, key := range keys {
			cmp, ok := compareValues(records[i][key.Field], records[j][key.Field])
			if !ok || cmp == 0 {
				continue
			}
			if key.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
