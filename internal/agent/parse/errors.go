package parse

import (
	"errors"
	"fmt"
)

// ErrMalformed reports model text that could not be reduced to a JSON object.
var ErrMalformed = errors.New("malformed structured output")

// SchemaError reports a parseable payload that violates a hard invariant.
type SchemaError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s output invalid at %s: %s", e.Kind, e.Field, e.Reason)
}

// IsSchemaViolation reports whether err carries a *SchemaError.
func IsSchemaViolation(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

func violation(kind Kind, field string, format string, args ...interface{}) error {
	return &SchemaError{Kind: kind, Field: field, Reason: fmt.Sprintf(format, args...)}
}
