package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// Remote failures fall into two classes. Transient failures leave the session
// retryable at the same ordinal; permanent failures fail the upload.
var (
	ErrTransient = errors.New("objectstore: transient failure")
	ErrPermanent = errors.New("objectstore: permanent failure")
)

// Transient tags err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent tags err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsTransient reports whether err carries the transient class.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err carries the permanent class.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// retryTransient runs fn with exponential backoff while it keeps returning
// transient errors. Permanent and context errors stop immediately.
func retryTransient(ctx context.Context, maxRetries uint64, fn func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}
