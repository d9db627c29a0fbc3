package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports bad caller input. Fields maps the JSON name of each
// offending field to a short description; it is empty when the problem is
// not tied to one field.
type ValidationError struct {
	Message string
	Fields  map[string]string
	cause   error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.cause }

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Message: "invalid " + field, Fields: map[string]string{field: msg}}
}

// NotFoundError reports a reference to a voucher that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func voucherNotFound(id string) *NotFoundError {
	return &NotFoundError{Kind: "voucher", ID: id}
}
