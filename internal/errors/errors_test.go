package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := New(CategoryQuery, CodeMalformed, "bad operator")
	want := "[QUERY:MALFORMED] bad operator"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	cause := stderrors.New("boom")
	wrapped := Wrap(CategoryStorage, CodeUnexpected, "write failed", cause)
	if wrapped.Error() != "[STORAGE:UNEXPECTED] write failed: boom" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(CategoryStorage, CodeUnexpected, "write failed", cause)
	if !stderrors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable via errors.Is")
	}
}

func TestIsMatchesCategoryAndCode(t *testing.T) {
	err := NotFound(CategoryTable, "record %q not found", "abc")

	if !stderrors.Is(err, &Error{Category: CategoryTable, Code: CodeNotFound}) {
		t.Error("expected Is to match same category and code")
	}
	if stderrors.Is(err, &Error{Category: CategorySchema, Code: CodeNotFound}) {
		t.Error("expected Is to reject different category")
	}
}

func TestCodeThroughWrapping(t *testing.T) {
	inner := NotFound(CategorySchema, "table %q is not defined", "widget")
	outer := fmt.Errorf("loading surface: %w", inner)

	if Code(outer) != CodeNotFound {
		t.Errorf("Code() = %q, want %q", Code(outer), CodeNotFound)
	}
	if !IsNotFound(outer) {
		t.Error("expected IsNotFound through wrapping")
	}
	if IsConflict(outer) {
		t.Error("did not expect IsConflict")
	}
}

func TestCodeOnPlainError(t *testing.T) {
	if Code(stderrors.New("plain")) != "" {
		t.Error("expected empty code for unstructured error")
	}
	if Code(nil) != "" {
		t.Error("expected empty code for nil error")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err      *Error
		category Category
		code     string
	}{
		{Malformed(CategoryQuery, "bad"), CategoryQuery, CodeMalformed},
		{NotFound(CategoryTable, "gone"), CategoryTable, CodeNotFound},
		{NotSupported(CategoryQuery, "nope"), CategoryQuery, CodeNotSupported},
		{Conflict(CategorySchema, "dup"), CategorySchema, CodeConflict},
		{Internal("oops", nil), CategoryInternal, CodeUnexpected},
		{Storage("disk", nil), CategoryStorage, CodeUnexpected},
	}
	for _, tt := range tests {
		if tt.err.Category != tt.category || tt.err.Code != tt.code {
			t.Errorf("constructor produced %s/%s, want %s/%s", tt.err.Category, tt.err.Code, tt.category, tt.code)
		}
	}
}
