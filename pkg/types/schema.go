package types

import (
	"fmt"
	"sort"
)

// ColumnType enumerates the value types a column may declare.
type ColumnType string

const (
	TypeBoolean ColumnType = "boolean"
	TypeString  ColumnType = "string"
	TypeInt     ColumnType = "int"
	TypeFloat   ColumnType = "float"
	TypeID      ColumnType = "id"
	TypeDate    ColumnType = "date"
	TypeJSON    ColumnType = "json"
)

// IDColumn is the reserved primary-key column present on every table.
const IDColumn = "id"

// Valid reports whether t is a member of the closed type set.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeBoolean, TypeString, TypeInt, TypeFloat, TypeID, TypeDate, TypeJSON:
		return true
	}
	return false
}

// ScalarName returns the external scalar name used in type annotations.
func (t ColumnType) ScalarName() string {
	switch t {
	case TypeBoolean:
		return "Boolean"
	case TypeString:
		return "String"
	case TypeInt:
		return "Int"
	case TypeFloat:
		return "Float"
	case TypeID:
		return "ID"
	case TypeDate:
		return "Date"
	case TypeJSON:
		return "JSON"
	}
	return ""
}

// ColumnTypeForScalar maps an external scalar name back to its ColumnType.
// The second return is false when the name is not a core scalar.
func ColumnTypeForScalar(name string) (ColumnType, bool) {
	switch name {
	case "Boolean":
		return TypeBoolean, true
	case "String":
		return TypeString, true
	case "Int":
		return TypeInt, true
	case "Float":
		return TypeFloat, true
	case "ID":
		return TypeID, true
	case "Date":
		return TypeDate, true
	case "JSON":
		return TypeJSON, true
	}
	return "", false
}

// ColumnDef defines a single column in a table schema.
type ColumnDef struct {
	// Type is the declared value type
	Type ColumnType `json:"type"`

	// Nullable indicates whether the column accepts null values
	Nullable bool `json:"nullable"`

	// Meta, when set, carries the external type annotation verbatim.
	// Reference columns use it to name the related type while being
	// stored as a plain ID/JSON column.
	Meta string `json:"meta,omitempty"`
}

// Annotation returns the external type annotation for the column: the
// Meta string when present, otherwise the scalar name with a "!" suffix
// for non-nullable columns.
func (c ColumnDef) Annotation() string {
	if c.Meta != "" {
		return c.Meta
	}
	if c.Nullable {
		return c.Type.ScalarName()
	}
	return c.Type.ScalarName() + "!"
}

// Reference reports whether the column points at another table's records.
func (c ColumnDef) Reference() bool {
	if c.Meta == "" {
		return false
	}
	_, scalar := ColumnTypeForScalar(BaseAnnotation(c.Meta))
	return !scalar
}

// ColumnFromAnnotation builds a column definition from an external type
// annotation. Core scalar names map to their ColumnType; any other name is
// treated as a reference and degrades to an ID column carrying the
// annotation in Meta.
func ColumnFromAnnotation(annotation string) ColumnDef {
	nullable := true
	base := annotation
	if n := len(base); n > 0 && base[n-1] == '!' {
		nullable = false
		base = base[:n-1]
	}
	if t, ok := ColumnTypeForScalar(base); ok && !ListAnnotation(annotation) {
		return ColumnDef{Type: t, Nullable: nullable}
	}
	if _, scalar := ColumnTypeForScalar(BaseAnnotation(annotation)); scalar {
		// Lists of scalars degrade to JSON storage.
		return ColumnDef{Type: TypeJSON, Nullable: nullable, Meta: annotation}
	}
	return ColumnDef{Type: TypeID, Nullable: nullable, Meta: annotation}
}

// BaseAnnotation strips list brackets and "!" markers from an annotation,
// leaving the bare type name ("[Post!]!" -> "Post").
func BaseAnnotation(annotation string) string {
	s := annotation
	for len(s) > 0 {
		switch {
		case s[0] == '[':
			s = s[1:]
		case s[len(s)-1] == '!' || s[len(s)-1] == ']':
			s = s[:len(s)-1]
		default:
			return s
		}
	}
	return s
}

// ListAnnotation reports whether the annotation declares a list type.
func ListAnnotation(annotation string) bool {
	return len(annotation) > 0 && annotation[0] == '['
}

// IndexDef declares an index over one or more columns.
type IndexDef struct {
	// Fields lists the indexed column names in order
	Fields []string `json:"fields"`

	// Unique indicates whether the index enforces uniqueness
	Unique bool `json:"unique"`
}

// TableSchema is the declared shape of one table: named columns, declared
// indexes, and a version that increments on every structural change.
type TableSchema struct {
	Name    string               `json:"name"`
	Columns map[string]ColumnDef `json:"columns"`
	Indexes []IndexDef           `json:"indexes,omitempty"`
	Version int                  `json:"version"`
}

// EnsureID injects the reserved id column if the caller omitted it and
// forces its invariants (type ID, non-nullable) when present.
func (s *TableSchema) EnsureID() {
	if s.Columns == nil {
		s.Columns = make(map[string]ColumnDef)
	}
	s.Columns[IDColumn] = ColumnDef{Type: TypeID, Nullable: false}
}

// ColumnNames returns the schema's column names with id first and the
// remainder alphabetical, so derived DDL and projections are stable.
func (s TableSchema) ColumnNames() []string {
	names := make([]string, 0, len(s.Columns))
	for name := range s.Columns {
		if name != IDColumn {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := s.Columns[IDColumn]; ok {
		names = append([]string{IDColumn}, names...)
	}
	return names
}

// EqualStructure reports whether two schemas have identical columns and
// indexes, ignoring the version. A redefinition whose target passes this
// check is a no-op.
func (s TableSchema) EqualStructure(other TableSchema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for name, col := range s.Columns {
		o, ok := other.Columns[name]
		if !ok || o != col {
			return false
		}
	}
	if len(s.Indexes) != len(other.Indexes) {
		return false
	}
	for i := range s.Indexes {
		a, b := s.Indexes[i], other.Indexes[i]
		if a.Unique != b.Unique || len(a.Fields) != len(b.Fields) {
			return false
		}
		for j := range a.Fields {
			if a.Fields[j] != b.Fields[j] {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy of the schema.
func (s TableSchema) Clone() TableSchema {
	cp := s
	cp.Columns = make(map[string]ColumnDef, len(s.Columns))
	for name, col := range s.Columns {
		cp.Columns[name] = col
	}
	cp.Indexes = make([]IndexDef, len(s.Indexes))
	for i, idx := range s.Indexes {
		fields := make([]string, len(idx.Fields))
		copy(fields, idx.Fields)
		cp.Indexes[i] = IndexDef{Fields: fields, Unique: idx.Unique}
	}
	return cp
}

// Validate checks the schema's structural invariants: a legal table name,
// identifier column names, known column types, and index fields that refer
// to declared columns. EnsureID should run before Validate.
func (s TableSchema) Validate() error {
	if !ValidName(s.Name) {
		return fmt.Errorf("invalid table name %q", s.Name)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("table %q declares no columns", s.Name)
	}
	for name, col := range s.Columns {
		if !ValidIdentifier(name) {
			return fmt.Errorf("invalid column name %q", name)
		}
		if !col.Type.Valid() {
			return fmt.Errorf("column %q has unknown type %q", name, col.Type)
		}
	}
	id, ok := s.Columns[IDColumn]
	if !ok {
		return fmt.Errorf("table %q is missing the id column", s.Name)
	}
	if id.Type != TypeID || id.Nullable {
		return fmt.Errorf("table %q id column must be a non-nullable ID", s.Name)
	}
	for _, idx := range s.Indexes {
		if len(idx.Fields) == 0 {
			return fmt.Errorf("table %q declares an index with no fields", s.Name)
		}
		for _, field := range idx.Fields {
			if _, ok := s.Columns[field]; !ok {
				return fmt.Errorf("index field %q is not a column of %q", field, s.Name)
			}
		}
	}
	return nil
}

// ValidIdentifier reports whether s is a bare identifier: a letter or
// underscore followed by letters, digits, or underscores.
func ValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ValidName reports whether s is usable as a tenant-visible table name.
// Leading underscores are reserved for store-internal tables.
func ValidName(s string) bool {
	return ValidIdentifier(s) && s[0] != '_'
}
