package tablestore

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/loomdb/loom/pkg/types"
)

// EncodeValue prepares one value for storage. Scalars (strings, numbers,
// booleans, nil) pass through unchanged; composites (objects, arrays) are
// serialized to JSON text regardless of the declared column type.
func EncodeValue(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, bool,
		int, int32, int64, float32, float64:
		return v
	case time.Time:
		return v.(time.Time).UnixMilli()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return toString(v)
		}
		return string(data)
	}
}

// DecodeValue applies the column's declared type to a raw stored value.
// Nulls pass through unchanged and skip coercion.
func DecodeValue(col types.ColumnDef, raw interface{}) interface{} {
	if raw == nil {
		return nil
	}
	switch col.Type {
	case types.TypeBoolean:
		return decodeBool(raw)
	case types.TypeInt:
		return decodeInt(raw)
	case types.TypeFloat:
		return decodeFloat(raw)
	case types.TypeID, types.TypeString:
		return toString(raw)
	case types.TypeDate:
		return decodeDate(raw)
	case types.TypeJSON:
		return decodeJSON(raw)
	}
	return raw
}

// DecodeRecord decodes every stored column value against the schema.
// Columns absent from the schema pass through undecoded.
func DecodeRecord(schema types.TableSchema, stored map[string]interface{}) types.Record {
	rec := make(types.Record, len(stored))
	for name, raw := range stored {
		if col, ok := schema.Columns[name]; ok {
			rec[name] = DecodeValue(col, raw)
		} else {
			rec[name] = raw
		}
	}
	return rec
}

// Project restricts a record to the given columns. An empty projection
// returns the record unchanged.
func Project(rec types.Record, projection []string) types.Record {
	if len(projection) == 0 {
		return rec
	}
	out := make(types.Record, len(projection))
	for _, name := range projection {
		if v, ok := rec[name]; ok {
			out[name] = v
		}
	}
	return out
}

func decodeBool(raw interface{}) interface{} {
	switch t := raw.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		s := strings.ToLower(t)
		return s == "true" || s == "1"
	case []byte:
		return decodeBool(string(t))
	}
	return raw
}

func decodeInt(raw interface{}) interface{} {
	switch t := raw.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return int64(f)
		}
	case []byte:
		return decodeInt(string(t))
	}
	return raw
}

func decodeFloat(raw interface{}) interface{} {
	switch t := raw.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	case []byte:
		return decodeFloat(string(t))
	}
	return raw
}

// decodeDate parses a numeric epoch (milliseconds) or a string timestamp.
func decodeDate(raw interface{}) interface{} {
	switch t := raw.(type) {
	case int64:
		return time.UnixMilli(t).UTC()
	case float64:
		return time.UnixMilli(int64(t)).UTC()
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(n).UTC()
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC()
		}
		return t
	case []byte:
		return decodeDate(string(t))
	case time.Time:
		return t.UTC()
	}
	return raw
}

// decodeJSON parses the stored text best-effort, falling back to the raw
// text when it is not valid JSON.
func decodeJSON(raw interface{}) interface{} {
	var text string
	switch t := raw.(type) {
	case string:
		text = t
	case []byte:
		text = string(t)
	default:
		return raw
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return text
	}
	return parsed
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(data), `"`)
}
