package nfpe

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound              = errors.New("nfpe: not found")
	ErrNotClaimable          = errors.New("nfpe: document cannot be claimed for processing")
	ErrOwnershipLost         = errors.New("nfpe: document no longer held by this attempt")
	ErrNotCancellable        = errors.New("nfpe: document cannot be cancelled")
	ErrNotCorrectable        = errors.New("nfpe: document does not accept a correction letter")
	ErrNotDeletable          = errors.New("nfpe: document cannot be deleted")
	ErrJustificationLength   = errors.New("nfpe: justification must have between 15 and 255 characters")
	ErrCorrectionLength      = errors.New("nfpe: correction text must have between 15 and 1000 characters")
	ErrCorrectionLimit       = errors.New("nfpe: correction letter limit reached")
	ErrDuplicateAccessKey    = errors.New("nfpe: access key already assigned to another document")
	ErrDuplicateMovement     = errors.New("nfpe: erp movement already has a document")
	ErrDuplicateFarm         = errors.New("nfpe: farm with this cnpj already exists")
	ErrNoItems               = errors.New("nfpe: document has no items")
	ErrMissingAccessKey      = errors.New("nfpe: access key not assigned")
	ErrIncompleteAddress     = errors.New("nfpe: recipient address incomplete")
)

// ValidationError collects every problem found in a document so callers can
// report them together instead of one round-trip per field.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("nfpe: invalid document: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
