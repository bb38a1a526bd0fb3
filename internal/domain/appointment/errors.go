package appointment

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no appointment matches the given ID.
var ErrNotFound = errors.New("appointment not found")

// ErrStateConflict is returned when an operation is not legal from the
// appointment's current status.
var ErrStateConflict = errors.New("operation not allowed in current status")

// ErrSlotConflict is returned when the requested slot is already held
// by another active appointment for the same doctor and date.
var ErrSlotConflict = errors.New("slot already taken")

// ValidationError reports the full set of missing or malformed request
// fields in one pass.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing or invalid fields: %s", strings.Join(e.Fields, ", "))
}

// NewValidationError returns nil when fields is empty.
func NewValidationError(fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
