package database

import (
	"database/sql"
	"time"
)

// RegistrationAttempt is one full cycle of provisioning a sending identity,
// from request through verification or failure. Records are never deleted;
// a later re-registration supersedes the old record with a new row.
type RegistrationAttempt struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	PhoneNumber string `db:"phone_number"`
	Phase       string `db:"phase"`
	SmsAttempts int    `db:"sms_attempts"`
	// CaptchaToken is write-once per attempt: recorded when the token is
	// consumed by the provider call, whatever the outcome.
	CaptchaToken string `db:"captcha_token"`
	// LastBackoffSeconds carries the most recently applied rate-limit
	// backoff so a superseding attempt can continue the exponential curve.
	LastBackoffSeconds int          `db:"last_backoff_seconds"`
	LastAttemptAt      time.Time    `db:"last_attempt_at"`
	RetryAfter         sql.NullTime `db:"retry_after"`
}

// RegistrationEvent is one audited phase transition of a registration
// attempt.
type RegistrationEvent struct {
	ID          int64     `db:"id"`
	AttemptID   int64     `db:"attempt_id"`
	PhoneNumber string    `db:"phone_number"`
	FromPhase   string    `db:"from_phase"`
	ToPhase     string    `db:"to_phase"`
	Detail      string    `db:"detail"`
	CreatedAt   time.Time `db:"created_at"`
}

// CommandLogEntry is one appended record of a routed or executed command,
// written best-effort for analytics and debugging.
type CommandLogEntry struct {
	ID             int64     `db:"id"`
	MessageID      string    `db:"message_id"`
	SenderID       string    `db:"sender_id"`
	ConversationID string    `db:"conversation_id"`
	Command        string    `db:"command"`
	Args           string    `db:"args"`
	Status         string    `db:"status"`
	Detail         string    `db:"detail"`
	CreatedAt      time.Time `db:"created_at"`
}
