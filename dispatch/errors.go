package dispatch

import (
	"errors"
	"fmt"

	"bulkmailer/quota"
)

// Call-level errors. They abort a run before any send is attempted.
var (
	ErrValidation     = errors.New("validation failed")
	ErrNoRecipients   = fmt.Errorf("%w: no valid recipients", ErrValidation)
	ErrAuthentication = errors.New("SMTP auth failed")
	ErrQuotaExhausted = quota.ErrExhausted
	ErrInternal       = errors.New("internal error")
)

// ErrCancelled marks recipients that never completed because the run timed
// out or its context was cancelled.
var ErrCancelled = errors.New("cancelled")

// AuthError reports a failed transport verification. It matches
// ErrAuthentication with errors.Is and unwraps to the transport error.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %v", ErrAuthentication, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *AuthError) Unwrap() []error {
	return []error{ErrAuthentication, e.Err}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
