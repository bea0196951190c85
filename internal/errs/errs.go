// Package errs defines the error taxonomy shared by the domain services.
// Handlers map these onto HTTP status codes in one place; services wrap them
// with fmt.Errorf("%w: ...") to add detail while keeping errors.Is checks
// working.
package errs

import "errors"

var (
	// ErrInvalidEntity marks a malformed entity or a missing required
	// relation (e.g. an external identifier without a study).
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrAlreadyExists marks a duplicate under a unique key.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrConstraintViolation marks a business-rule violation such as
	// double-enrollment or an identifier reassignment attempt.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrNotFound marks an absent target. It is also returned when a
	// non-privileged caller references an entity outside their visibility,
	// so that existence is neither confirmed nor denied.
	ErrNotFound = errors.New("entity not found")

	// ErrUnauthorized marks a scope violation by a privileged caller.
	ErrUnauthorized = errors.New("caller is not authorized")
)
