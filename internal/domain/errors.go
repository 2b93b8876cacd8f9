package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates the upload session does not exist or is
	// not visible to the caller.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrJobNotFound indicates the processing job does not exist or is not
	// visible to the caller.
	ErrJobNotFound = errors.New("processing job not found")

	// ErrUploadConflict indicates an operation that is not valid for the
	// session's current state, e.g. a chunk arriving after a terminal status.
	ErrUploadConflict = errors.New("upload session state conflict")

	// ErrJobConflict indicates a job state transition that is not permitted,
	// e.g. starting a job twice.
	ErrJobConflict = errors.New("processing job state conflict")

	// ErrValidation indicates rejected input. No state was mutated.
	ErrValidation = errors.New("validation failed")
)

// ValidationError wraps ErrValidation with the offending field.
func ValidationError(field, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, msg)
}

// QuotaError is returned when the quota guard denies a request. It carries
// the user-facing reason and remediation suggestion from the guard.
type QuotaError struct {
	Kind       ResourceKind
	Reason     string
	Suggestion string
}

func (e *QuotaError) Error() string {
	return e.Reason
}

// IsQuotaError reports whether err is (or wraps) a quota denial, returning
// the denial details when it is.
func IsQuotaError(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
