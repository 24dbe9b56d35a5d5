package calendar

import (
	"errors"
	"fmt"
)

// ErrReadOnly is returned before any state changes when a mutation targets
// a read-only connection, such as an ICS feed or a reader-role calendar.
var ErrReadOnly = errors.New("calendar connection is read-only")

// ErrForbidden is returned when a caller references a connection or event
// owned by a different user.
var ErrForbidden = errors.New("resource belongs to another user")

// ValidationError reports a rejected field on an incoming request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
