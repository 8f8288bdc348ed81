// Package registration owns onboarding of the sending identity: a
// persisted, per-phone-number state machine driving the external
// provisioning flow through its captcha and SMS verification gates while
// tolerating provider rate limiting.
package registration

import (
	"errors"
	"fmt"
	"time"
)

// Phase is the lifecycle state of a registration attempt.
type Phase string

const (
	PhaseUnregistered   Phase = "unregistered"
	PhaseCaptchaPending Phase = "captcha_pending"
	PhaseAwaitingSms    Phase = "awaiting_sms"
	PhaseVerified       Phase = "verified"
	PhaseFailed         Phase = "failed"
)

// ErrorCode classifies registration errors surfaced to the caller.
type ErrorCode string

const (
	// CodeRateLimitActive means a provider rate limit is still in effect;
	// RetryAfter carries when the next attempt is allowed.
	CodeRateLimitActive ErrorCode = "rate_limit_active"
	// CodeInvalidTransition means the requested operation is not valid in
	// the current phase.
	CodeInvalidTransition ErrorCode = "invalid_transition"
	// CodeInvalidCode means the provider rejected the SMS verification
	// code as wrong or expired.
	CodeInvalidCode ErrorCode = "invalid_code"
	// CodeProviderFailure means the external provider rejected or failed
	// the operation for a reason other than rate limiting.
	CodeProviderFailure ErrorCode = "provider_failure"
)

// Error is a registration error rejected synchronously to the caller.
type Error struct {
	Code       ErrorCode
	Phase      Phase
	RetryAfter time.Time
	cause      error
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeRateLimitActive:
		return fmt.Sprintf("registration rate limit active until %s", e.RetryAfter.Format(time.RFC3339))
	case CodeInvalidTransition:
		return fmt.Sprintf("operation not allowed in phase %q", e.Phase)
	case CodeInvalidCode:
		return "invalid or expired verification code"
	default:
		if e.cause != nil {
			return fmt.Sprintf("registration provider failure: %v", e.cause)
		}
		return "registration provider failure"
	}
}

func (e *Error) Unwrap() error { return e.cause }

// AsError extracts a registration *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var regErr *Error
	ok := errors.As(err, &regErr)
	return regErr, ok
}

// Status is the externally visible state of a phone number's registration.
type Status struct {
	PhoneNumber string     `json:"phone_number"`
	Phase       Phase      `json:"phase"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
}
