package types

// Record is a materialized table row: column name to decoded value.
// Values carry the run-time representation implied by the column's
// declared type (bool, string, int64, float64, parsed JSON, ...).
type Record map[string]interface{}

// ID returns the record's id column as a string, or "" when absent.
func (r Record) ID() string {
	if v, ok := r[IDColumn].(string); ok {
		return v
	}
	return ""
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	cp := make(Record, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}
