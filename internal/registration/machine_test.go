package registration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/edgard/signalbot/internal/config"
	"github.com/edgard/signalbot/internal/database"
	"github.com/edgard/signalbot/internal/signal"
)

// memStore is an in-memory Store covering the registration surface. Records
// are stored by value so machine-side mutations only persist through
// UpdateAttempt, mirroring the SQL store.
type memStore struct {
	database.Store
	nextID   int64
	attempts []database.RegistrationAttempt
	events   []database.RegistrationEvent
}

func newMemStore() *memStore {
	return &memStore{nextID: 1}
}

func (s *memStore) GetLatestAttempt(_ context.Context, phoneNumber string) (*database.RegistrationAttempt, error) {
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if s.attempts[i].PhoneNumber == phoneNumber {
			a := s.attempts[i]
			return &a, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertAttempt(_ context.Context, attempt *database.RegistrationAttempt) error {
	attempt.ID = s.nextID
	s.nextID++
	s.attempts = append(s.attempts, *attempt)
	return nil
}

func (s *memStore) UpdateAttempt(_ context.Context, attempt *database.RegistrationAttempt) error {
	for i := range s.attempts {
		if s.attempts[i].ID == attempt.ID {
			s.attempts[i] = *attempt
			return nil
		}
	}
	return errors.New("attempt not found")
}

func (s *memStore) AppendRegistrationEvent(_ context.Context, event *database.RegistrationEvent) error {
	s.events = append(s.events, *event)
	return nil
}

// scriptedProvider returns the queued error (nil means success) for each
// successive provider call.
type scriptedProvider struct {
	registerErrs []error
	verifyErrs   []error
}

func (p *scriptedProvider) Register(_ context.Context, _, _ string) error {
	return p.shift(&p.registerErrs)
}

func (p *scriptedProvider) Verify(_ context.Context, _, _ string) error {
	return p.shift(&p.verifyErrs)
}

func (p *scriptedProvider) shift(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func newTestMachine(store *memStore, provider Provider, at time.Time) *Machine {
	cfg := config.RegistrationConfig{
		MaxSmsAttempts: 3,
		InitialBackoff: time.Minute,
		MaxBackoff:     24 * time.Hour,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMachine(store, provider, cfg, log)
	m.now = func() time.Time { return at }
	return m
}

const testPhone = "+15551234567"

func TestRequestCreatesCaptchaPendingAttempt(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMachine(store, &scriptedProvider{}, time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC))

	status, err := m.Request(context.Background(), testPhone)
	if err != nil {
		t.Fatalf("Request() unexpected error: %v", err)
	}
	if status.Phase != PhaseCaptchaPending {
		t.Fatalf("phase = %q, want %q", status.Phase, PhaseCaptchaPending)
	}
	if len(store.attempts) != 1 {
		t.Fatalf("stored %d attempts, want 1", len(store.attempts))
	}
	if len(store.events) != 1 || store.events[0].ToPhase != string(PhaseCaptchaPending) {
		t.Errorf("events = %+v, want one transition to captcha_pending", store.events)
	}
}

func TestRequestIsNoOpWhileInProgress(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMachine(store, &scriptedProvider{}, time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC))

	if _, err := m.Request(context.Background(), testPhone); err != nil {
		t.Fatalf("Request() unexpected error: %v", err)
	}
	status, err := m.Request(context.Background(), testPhone)
	if err != nil {
		t.Fatalf("second Request() unexpected error: %v", err)
	}
	if status.Phase != PhaseCaptchaPending {
		t.Fatalf("phase = %q, want %q", status.Phase, PhaseCaptchaPending)
	}
	if len(store.attempts) != 1 {
		t.Errorf("stored %d attempts, want 1 (no new record while in progress)", len(store.attempts))
	}
}

func TestHappyPathToVerified(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMachine(store, &scriptedProvider{}, time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := m.Request(ctx, testPhone); err != nil {
		t.Fatalf("Request() unexpected error: %v", err)
	}

	status, err := m.SubmitCaptcha(ctx, testPhone, "captcha-token-1")
	if err != nil {
		t.Fatalf("SubmitCaptcha() unexpected error: %v", err)
	}
	if status.Phase != PhaseAwaitingSms {
		t.Fatalf("phase after captcha = %q, want %q", status.Phase, PhaseAwaitingSms)
	}

	status, err = m.VerifyCode(ctx, testPhone, "123456")
	if err != nil {
		t.Fatalf("VerifyCode() unexpected error: %v", err)
	}
	if status.Phase != PhaseVerified {
		t.Fatalf("phase after verify = %q, want %q", status.Phase, PhaseVerified)
	}

	current, err := m.Current(ctx, testPhone)
	if err != nil {
		t.Fatalf("Current() unexpected error: %v", err)
	}
	if current.Phase != PhaseVerified {
		t.Errorf("Current() phase = %q, want %q", current.Phase, PhaseVerified)
	}
}

func TestSubmitCaptchaRequiresCaptchaPending(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMachine(store, &scriptedProvider{}, time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC))

	_, err := m.SubmitCaptcha(context.Background(), testPhone, "captcha-token-1")
	regErr, ok := AsError(err)
	if !ok {
		t.Fatalf("error = %v, want *registration.Error", err)
	}
	if regErr.Code != CodeInvalidTransition {
		t.Errorf("code = %q, want %q", regErr.Code, CodeInvalidTransition)
	}
	if regErr.Phase != PhaseUnregistered {
		t.Errorf("phase = %q, want %q", regErr.Phase, PhaseUnregistered)
	}
}

func TestRateLimitWindowRejectsNewRequest(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	provider := &scriptedProvider{registerErrs: []error{
		&signal.RateLimitError{RetryAfter: 10 * time.Minute},
	}}
	m := newTestMachine(store, provider, t0)
	ctx := context.Background()

	if _, err := m.Request(ctx, testPhone); err != nil {
		t.Fatalf("Request() unexpected error: %v", err)
	}

	_, err := m.SubmitCaptcha(ctx, testPhone, "captcha-token-1")
	regErr, ok := AsError(err)
	if !ok || regErr.Code != CodeRateLimitActive {
		t.Fatalf("SubmitCaptcha() error = %v, want rate_limit_active", err)
	}
	wantRetry := t0.Add(10 * time.Minute)
	if !regErr.RetryAfter.Equal(wantRetry) {
		t.Fatalf("retry_after = %v, want %v (provider hint)", regErr.RetryAfter, wantRetry)
	}

	// A second request inside the window is rejected with the SAME deadline.
	m.now = func() time.Time { return t0.Add(5 * time.Minute) }
	_, err = m.Request(ctx, testPhone)
	regErr, ok = AsError(err)
	if !ok || regErr.Code != CodeRateLimitActive {
		t.Fatalf("Request() inside window error = %v, want rate_limit_active", err)
	}
	if !regErr.RetryAfter.Equal(wantRetry) {
		t.Errorf("retry_after changed inside window: %v, want %v", regErr.RetryAfter, wantRetry)
	}

	// Once the window elapses a new attempt record supersedes the failed one.
	m.now = func() time.Time { return t0.Add(11 * time.Minute) }
	status, err := m.Request(ctx, testPhone)
	if err != nil {
		t.Fatalf("Request() after window unexpected error: %v", err)
	}
	if status.Phase != PhaseCaptchaPending {
		t.Errorf("phase = %q, want %q", status.Phase, PhaseCaptchaPending)
	}
	if len(store.attempts) != 2 {
		t.Errorf("stored %d attempts, want 2 (failed record is superseded, not deleted)", len(store.attempts))
	}
}

func TestBackoffDoublesAcrossSupersession(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	// No Retry-After hint from the provider on either rejection.
	provider := &scriptedProvider{registerErrs: []error{
		&signal.RateLimitError{},
		&signal.RateLimitError{},
	}}
	m := newTestMachine(store, provider, t0)
	ctx := context.Background()

	if _, err := m.Request(ctx, testPhone); err != nil {
		t.Fatalf("Request() unexpected error: %v", err)
	}

	// First rate limit: initial backoff of one minute.
	_, err := m.SubmitCaptcha(ctx, testPhone, "captcha-token-1")
	regErr, ok := AsError(err)
	if !ok || regErr.Code != CodeRateLimitActive {
		t.Fatalf("SubmitCaptcha() error = %v, want rate_limit_active", err)
	}
	if want := t0.Add(time.Minute); !regErr.RetryAfter.Equal(want) {
		t.Fatalf("first retry_after = %v, want %v", regErr.RetryAfter, want)
	}

	// Window elapses, new attempt, second rate limit: backoff doubles to
	// two minutes even though the failed record was superseded.
	t1 := t0.Add(2 * time.Minute)
	m.now = func() time.Time { return t1 }
	if _, err := m.Request(ctx, testPhone); err != nil {
		t.Fatalf("Request() after window unexpected error: %v", err)
	}
	_, err = m.SubmitCaptcha(ctx, testPhone, "captcha-token-2")
	regErr, ok = AsError(err)
	if !ok || regErr.Code != CodeRateLimitActive {
		t.Fatalf("second SubmitCaptcha() error = %v, want rate_limit_active", err)
	}
	if want := t1.Add(2 * time.Minute); !regErr.RetryAfter.Equal(want) {
		t.Errorf("second retry_after = %v, want %v (doubled backoff)", regErr.RetryAfter, want)
	}
}

func TestCaptchaAcceptanceResetsBackoff(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	provider := &scriptedProvider{registerErrs: []error{
		&signal.RateLimitError{},
		nil,
	}}
	m := newTestMachine(store, provider, t0)
	ctx := context.Background()

	if _, err := m.Request(ctx, testPhone); err != nil {
		t.Fatalf("Request() unexpected error: %v", err)
	}
	if _, err := m.SubmitCaptcha(ctx, testPhone, "captcha-token-1"); err == nil {
		t.Fatal("SubmitCaptcha() expected rate limit error")
	}

	m.now = func() time.Time { return t0.Add(2 * time.Minute) }
	if _, err := m.Request(ctx, testPhone); err != nil {
		t.Fatalf("Request() after window unexpected error: %v", err)
	}
	status, err := m.SubmitCaptcha(ctx, testPhone, "captcha-token-2")
	if err != nil {
		t.Fatalf("SubmitCaptcha() unexpected error: %v", err)
	}
	if status.Phase != PhaseAwaitingSms {
		t.Fatalf("phase = %q, want %q", status.Phase, PhaseAwaitingSms)
	}

	latest, err := store.GetLatestAttempt(ctx, testPhone)
	if err != nil {
		t.Fatalf("GetLatestAttempt() unexpected error: %v", err)
	}
	if latest.LastBackoffSeconds != 0 {
		t.Errorf("backoff carried past acceptance: %d, want 0", latest.LastBackoffSeconds)
	}
}

func TestGenericRegisterFailureKeepsCaptchaPending(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	provider := &scriptedProvider{registerErrs: []error{errors.New("backend unavailable")}}
	m := newTestMachine(store, provider, time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := m.Request(ctx, testPhone); err != nil {
		t.Fatalf("Request() unexpected error: %v", err)
	}

	_, err := m.SubmitCaptcha(ctx, testPhone, "captcha-token-1")
	regErr, ok := AsError(err)
	if !ok || regErr.Code != CodeProviderFailure {
		t.Fatalf("error = %v, want provider_failure", err)
	}
	if regErr.Phase != PhaseCaptchaPending {
		t.Errorf("phase = %q, want %q (token spent, fresh one needed)", regErr.Phase, PhaseCaptchaPending)
	}
}

func TestSmsAttemptCapForcesNewCaptcha(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	provider := &scriptedProvider{verifyErrs: []error{
		signal.ErrInvalidCode,
		signal.ErrInvalidCode,
		signal.ErrInvalidCode,
	}}
	m := newTestMachine(store, provider, time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := m.Request(ctx, testPhone); err != nil {
		t.Fatalf("Request() unexpected error: %v", err)
	}
	if _, err := m.SubmitCaptcha(ctx, testPhone, "captcha-token-1"); err != nil {
		t.Fatalf("SubmitCaptcha() unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		_, err := m.VerifyCode(ctx, testPhone, "000000")
		regErr, ok := AsError(err)
		if !ok || regErr.Code != CodeInvalidCode {
			t.Fatalf("VerifyCode() attempt %d error = %v, want invalid_code", i+1, err)
		}
		if regErr.Phase != PhaseAwaitingSms {
			t.Fatalf("VerifyCode() attempt %d phase = %q, want %q", i+1, regErr.Phase, PhaseAwaitingSms)
		}
	}

	// Third wrong code hits the cap and demotes the attempt.
	_, err := m.VerifyCode(ctx, testPhone, "000000")
	regErr, ok := AsError(err)
	if !ok || regErr.Code != CodeInvalidCode {
		t.Fatalf("VerifyCode() at cap error = %v, want invalid_code", err)
	}
	if regErr.Phase != PhaseCaptchaPending {
		t.Fatalf("phase at cap = %q, want %q", regErr.Phase, PhaseCaptchaPending)
	}

	latest, err := store.GetLatestAttempt(ctx, testPhone)
	if err != nil {
		t.Fatalf("GetLatestAttempt() unexpected error: %v", err)
	}
	if latest.SmsAttempts != 0 {
		t.Errorf("sms attempts = %d, want 0 after demotion", latest.SmsAttempts)
	}
	if latest.CaptchaToken != "" {
		t.Errorf("captcha token = %q, want cleared after demotion", latest.CaptchaToken)
	}
}

func TestVerifyRateLimitMovesToFailed(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	provider := &scriptedProvider{verifyErrs: []error{
		&signal.RateLimitError{RetryAfter: 30 * time.Minute},
	}}
	m := newTestMachine(store, provider, t0)
	ctx := context.Background()

	if _, err := m.Request(ctx, testPhone); err != nil {
		t.Fatalf("Request() unexpected error: %v", err)
	}
	if _, err := m.SubmitCaptcha(ctx, testPhone, "captcha-token-1"); err != nil {
		t.Fatalf("SubmitCaptcha() unexpected error: %v", err)
	}

	_, err := m.VerifyCode(ctx, testPhone, "123456")
	regErr, ok := AsError(err)
	if !ok || regErr.Code != CodeRateLimitActive {
		t.Fatalf("VerifyCode() error = %v, want rate_limit_active", err)
	}
	if want := t0.Add(30 * time.Minute); !regErr.RetryAfter.Equal(want) {
		t.Errorf("retry_after = %v, want %v", regErr.RetryAfter, want)
	}

	current, err := m.Current(ctx, testPhone)
	if err != nil {
		t.Fatalf("Current() unexpected error: %v", err)
	}
	if current.Phase != PhaseFailed {
		t.Errorf("phase = %q, want %q", current.Phase, PhaseFailed)
	}
}

func TestVerifiedIsSupersededByNewRequest(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMachine(store, &scriptedProvider{}, time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := m.Request(ctx, testPhone); err != nil {
		t.Fatalf("Request() unexpected error: %v", err)
	}
	if _, err := m.SubmitCaptcha(ctx, testPhone, "captcha-token-1"); err != nil {
		t.Fatalf("SubmitCaptcha() unexpected error: %v", err)
	}
	if _, err := m.VerifyCode(ctx, testPhone, "123456"); err != nil {
		t.Fatalf("VerifyCode() unexpected error: %v", err)
	}

	status, err := m.Request(ctx, testPhone)
	if err != nil {
		t.Fatalf("Request() over verified identity unexpected error: %v", err)
	}
	if status.Phase != PhaseCaptchaPending {
		t.Errorf("phase = %q, want %q", status.Phase, PhaseCaptchaPending)
	}
	if len(store.attempts) != 2 {
		t.Errorf("stored %d attempts, want 2 (verified record kept)", len(store.attempts))
	}
	if store.attempts[0].Phase != string(PhaseVerified) {
		t.Errorf("original attempt phase = %q, want it left verified", store.attempts[0].Phase)
	}
}
