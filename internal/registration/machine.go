package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/edgard/signalbot/internal/config"
	"github.com/edgard/signalbot/internal/database"
	"github.com/edgard/signalbot/internal/signal"
)

// Provider is the external registration surface (captcha-gated register
// plus SMS code verification).
type Provider interface {
	Register(ctx context.Context, phoneNumber, captchaToken string) error
	Verify(ctx context.Context, phoneNumber, code string) error
}

// Machine drives the registration state machine. All transitions for a
// given phone number are serialized by a per-number lock; attempt records
// are persisted through the Store and never deleted, only superseded.
type Machine struct {
	store    database.Store
	provider Provider
	cfg      config.RegistrationConfig
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMachine creates the registration state machine.
func NewMachine(store database.Store, provider Provider, cfg config.RegistrationConfig, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxSmsAttempts <= 0 {
		cfg.MaxSmsAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Minute
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 24 * time.Hour
	}
	return &Machine{
		store:    store,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With("component", "registration"),
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the transition lock for a phone number, creating it on
// first use. Locks are never removed; the identity count is tiny.
func (m *Machine) lockFor(phoneNumber string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[phoneNumber]
	if !ok {
		l = &sync.Mutex{}
		m.locks[phoneNumber] = l
	}
	return l
}

// Current reports the registration status of a phone number without
// transitioning it.
func (m *Machine) Current(ctx context.Context, phoneNumber string) (*Status, error) {
	attempt, err := m.store.GetLatestAttempt(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return &Status{PhoneNumber: phoneNumber, Phase: PhaseUnregistered}, nil
	}
	return statusOf(attempt), nil
}

// Request starts (or restarts) registration of a phone number, entering
// CaptchaPending. A request against an attempt still inside its rate-limit
// window is rejected with CodeRateLimitActive and the unchanged retry_after.
func (m *Machine) Request(ctx context.Context, phoneNumber string) (*Status, error) {
	lock := m.lockFor(phoneNumber)
	lock.Lock()
	defer lock.Unlock()

	attempt, err := m.store.GetLatestAttempt(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()

	if attempt != nil {
		switch Phase(attempt.Phase) {
		case PhaseCaptchaPending, PhaseAwaitingSms:
			// Already in progress; requesting again is a no-op.
			return statusOf(attempt), nil

		case PhaseFailed:
			if attempt.RetryAfter.Valid && now.Before(attempt.RetryAfter.Time) {
				return nil, &Error{
					Code:       CodeRateLimitActive,
					Phase:      PhaseFailed,
					RetryAfter: attempt.RetryAfter.Time,
				}
			}

		case PhaseVerified:
			// Verified is terminal for that identity; a new request models
			// a full re-registration as a brand-new attempt record.
			m.logger.InfoContext(ctx, "Superseding verified identity with new registration attempt",
				"phone_number", phoneNumber)
		}
	}

	fresh := &database.RegistrationAttempt{
		PhoneNumber:   phoneNumber,
		Phase:         string(PhaseCaptchaPending),
		LastAttemptAt: now,
	}
	if attempt != nil && Phase(attempt.Phase) == PhaseFailed {
		// Continue the exponential curve across supersession.
		fresh.LastBackoffSeconds = attempt.LastBackoffSeconds
	}

	if err := m.store.InsertAttempt(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to persist registration attempt: %w", err)
	}
	m.recordEvent(ctx, fresh, PhaseUnregistered, PhaseCaptchaPending, "registration requested")

	m.logger.InfoContext(ctx, "Registration attempt created",
		"phone_number", phoneNumber, "attempt_id", fresh.ID)
	return statusOf(fresh), nil
}

// SubmitCaptcha consumes a captcha token against a CaptchaPending attempt.
// The token is consumed exactly once whatever the outcome: provider
// acceptance advances to AwaitingSms, a rate-limit signal moves to Failed
// with a retry_after window.
func (m *Machine) SubmitCaptcha(ctx context.Context, phoneNumber, captchaToken string) (*Status, error) {
	if captchaToken == "" {
		return nil, errors.New("captcha token cannot be empty")
	}

	lock := m.lockFor(phoneNumber)
	lock.Lock()
	defer lock.Unlock()

	attempt, err := m.store.GetLatestAttempt(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}
	if attempt == nil || Phase(attempt.Phase) != PhaseCaptchaPending {
		return nil, &Error{Code: CodeInvalidTransition, Phase: phaseOf(attempt)}
	}

	now := m.now().UTC()
	attempt.CaptchaToken = captchaToken
	attempt.LastAttemptAt = now

	providerErr := m.provider.Register(ctx, phoneNumber, captchaToken)

	var rateErr *signal.RateLimitError
	switch {
	case providerErr == nil:
		attempt.Phase = string(PhaseAwaitingSms)
		attempt.SmsAttempts = 0
		attempt.LastBackoffSeconds = 0
		if err := m.store.UpdateAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to persist captcha acceptance: %w", err)
		}
		m.recordEvent(ctx, attempt, PhaseCaptchaPending, PhaseAwaitingSms, "captcha accepted, sms sent")
		return statusOf(attempt), nil

	case errors.As(providerErr, &rateErr):
		backoff := m.nextBackoff(attempt, rateErr.RetryAfter)
		attempt.Phase = string(PhaseFailed)
		attempt.LastBackoffSeconds = int(backoff.Seconds())
		attempt.RetryAfter = sql.NullTime{Time: now.Add(backoff), Valid: true}
		if err := m.store.UpdateAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to persist rate-limited attempt: %w", err)
		}
		m.recordEvent(ctx, attempt, PhaseCaptchaPending, PhaseFailed,
			fmt.Sprintf("provider rate limited, retry after %s", backoff))

		m.logger.WarnContext(ctx, "Registration rate limited by provider",
			"phone_number", phoneNumber, "retry_after", attempt.RetryAfter.Time)
		return nil, &Error{
			Code:       CodeRateLimitActive,
			Phase:      PhaseFailed,
			RetryAfter: attempt.RetryAfter.Time,
			cause:      providerErr,
		}

	default:
		// Token is spent even on generic failure; the attempt stays in
		// CaptchaPending awaiting a fresh token.
		if err := m.store.UpdateAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to persist captcha failure: %w", err)
		}
		m.recordEvent(ctx, attempt, PhaseCaptchaPending, PhaseCaptchaPending,
			fmt.Sprintf("provider rejected registration: %v", providerErr))
		return nil, &Error{Code: CodeProviderFailure, Phase: PhaseCaptchaPending, cause: providerErr}
	}
}

// VerifyCode submits the SMS verification code for an AwaitingSms attempt.
// Acceptance reaches the terminal Verified phase. An invalid or expired
// code keeps the attempt re-enterable up to the configured cap, after which
// it is forced back to CaptchaPending.
func (m *Machine) VerifyCode(ctx context.Context, phoneNumber, smsCode string) (*Status, error) {
	if smsCode == "" {
		return nil, errors.New("sms code cannot be empty")
	}

	lock := m.lockFor(phoneNumber)
	lock.Lock()
	defer lock.Unlock()

	attempt, err := m.store.GetLatestAttempt(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}
	if attempt == nil || Phase(attempt.Phase) != PhaseAwaitingSms {
		return nil, &Error{Code: CodeInvalidTransition, Phase: phaseOf(attempt)}
	}

	now := m.now().UTC()
	attempt.LastAttemptAt = now

	providerErr := m.provider.Verify(ctx, phoneNumber, smsCode)

	var rateErr *signal.RateLimitError
	switch {
	case providerErr == nil:
		attempt.Phase = string(PhaseVerified)
		if err := m.store.UpdateAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to persist verification: %w", err)
		}
		m.recordEvent(ctx, attempt, PhaseAwaitingSms, PhaseVerified, "sms code accepted")
		m.logger.InfoContext(ctx, "Phone number verified", "phone_number", phoneNumber)
		return statusOf(attempt), nil

	case errors.Is(providerErr, signal.ErrInvalidCode):
		attempt.SmsAttempts++
		if attempt.SmsAttempts >= m.cfg.MaxSmsAttempts {
			attempt.Phase = string(PhaseCaptchaPending)
			attempt.SmsAttempts = 0
			attempt.CaptchaToken = ""
			if err := m.store.UpdateAttempt(ctx, attempt); err != nil {
				return nil, fmt.Errorf("failed to persist sms attempt cap: %w", err)
			}
			m.recordEvent(ctx, attempt, PhaseAwaitingSms, PhaseCaptchaPending,
				"sms attempt limit reached, new captcha required")
		} else {
			if err := m.store.UpdateAttempt(ctx, attempt); err != nil {
				return nil, fmt.Errorf("failed to persist sms failure: %w", err)
			}
			m.recordEvent(ctx, attempt, PhaseAwaitingSms, PhaseAwaitingSms,
				fmt.Sprintf("invalid sms code (attempt %d of %d)", attempt.SmsAttempts, m.cfg.MaxSmsAttempts))
		}
		return nil, &Error{Code: CodeInvalidCode, Phase: Phase(attempt.Phase), cause: providerErr}

	case errors.As(providerErr, &rateErr):
		backoff := m.nextBackoff(attempt, rateErr.RetryAfter)
		attempt.Phase = string(PhaseFailed)
		attempt.LastBackoffSeconds = int(backoff.Seconds())
		attempt.RetryAfter = sql.NullTime{Time: now.Add(backoff), Valid: true}
		if err := m.store.UpdateAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to persist rate-limited verification: %w", err)
		}
		m.recordEvent(ctx, attempt, PhaseAwaitingSms, PhaseFailed,
			fmt.Sprintf("provider rate limited, retry after %s", backoff))
		return nil, &Error{
			Code:       CodeRateLimitActive,
			Phase:      PhaseFailed,
			RetryAfter: attempt.RetryAfter.Time,
			cause:      providerErr,
		}

	default:
		if err := m.store.UpdateAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to persist verification failure: %w", err)
		}
		m.recordEvent(ctx, attempt, PhaseAwaitingSms, PhaseAwaitingSms,
			fmt.Sprintf("provider verification failure: %v", providerErr))
		return nil, &Error{Code: CodeProviderFailure, Phase: PhaseAwaitingSms, cause: providerErr}
	}
}

// nextBackoff picks the rate-limit window: the provider's hint when given,
// otherwise double the previous window, starting from the configured
// initial backoff and capped at the maximum.
func (m *Machine) nextBackoff(attempt *database.RegistrationAttempt, providerHint time.Duration) time.Duration {
	var backoff time.Duration
	switch {
	case providerHint > 0:
		backoff = providerHint
	case attempt.LastBackoffSeconds > 0:
		backoff = 2 * time.Duration(attempt.LastBackoffSeconds) * time.Second
	default:
		backoff = m.cfg.InitialBackoff
	}
	if backoff > m.cfg.MaxBackoff {
		backoff = m.cfg.MaxBackoff
	}
	return backoff
}

// recordEvent appends an audit event for a transition. Audit failures are
// logged and swallowed; they never block the state machine.
func (m *Machine) recordEvent(ctx context.Context, attempt *database.RegistrationAttempt, from, to Phase, detail string) {
	event := &database.RegistrationEvent{
		AttemptID:   attempt.ID,
		PhoneNumber: attempt.PhoneNumber,
		FromPhase:   string(from),
		ToPhase:     string(to),
		Detail:      detail,
	}
	if err := m.store.AppendRegistrationEvent(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to append registration event",
			"phone_number", attempt.PhoneNumber, "to_phase", to, "error", err)
	}
}

func statusOf(attempt *database.RegistrationAttempt) *Status {
	s := &Status{
		PhoneNumber: attempt.PhoneNumber,
		Phase:       Phase(attempt.Phase),
	}
	if attempt.RetryAfter.Valid {
		t := attempt.RetryAfter.Time
		s.RetryAfter = &t
	}
	return s
}

func phaseOf(attempt *database.RegistrationAttempt) Phase {
	if attempt == nil {
		return PhaseUnregistered
	}
	return Phase(attempt.Phase)
}
