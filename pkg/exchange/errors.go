package exchange

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound is returned by GetOrderStatus when the venue has no
// record of the client order id.
var ErrOrderNotFound = errors.New("order not found")

// TransientError marks a failure worth retrying: timeout, rate limit,
// venue-side 5xx. The executor retries these with the same client order id.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a definitive rejection: insufficient funds, invalid
// instrument or parameters. Never retried.
type FatalError struct {
	Op     string
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Fatal builds a non-retryable venue rejection.
func Fatal(op, format string, args ...any) error {
	return &FatalError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is a definitive venue rejection.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
