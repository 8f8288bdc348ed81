package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// GetLatestAttempt retrieves the most recent registration attempt for a
	// phone number. Returns nil, nil if no attempt exists.
	GetLatestAttempt(ctx context.Context, phoneNumber string) (*RegistrationAttempt, error)

	// InsertAttempt inserts a new registration attempt record and sets its ID.
	InsertAttempt(ctx context.Context, attempt *RegistrationAttempt) error

	// UpdateAttempt persists phase, counters, and timestamps of an existing
	// attempt record.
	UpdateAttempt(ctx context.Context, attempt *RegistrationAttempt) error

	// AppendRegistrationEvent records one audited phase transition.
	AppendRegistrationEvent(ctx context.Context, event *RegistrationEvent) error

	// AppendCommandLog records one command execution for analytics.
	AppendCommandLog(ctx context.Context, entry *CommandLogEntry) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetLatestAttempt retrieves the most recent registration attempt for a
// phone number, or nil, nil when the number has never been registered.
func (s *sqlxStore) GetLatestAttempt(ctx context.Context, phoneNumber string) (*RegistrationAttempt, error) {
	if phoneNumber == "" {
		return nil, fmt.Errorf("phone_number cannot be empty")
	}

	var attempt RegistrationAttempt
	query := `
        SELECT id, phone_number, phase, sms_attempts, captcha_token,
               last_backoff_seconds, last_attempt_at, retry_after, created_at, updated_at
        FROM registration_attempts
        WHERE phone_number = ?
        ORDER BY id DESC
        LIMIT 1;
    `
	err := s.db.GetContext(ctx, &attempt, query, phoneNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting latest registration attempt",
			"phone_number", phoneNumber, "error", err)
		return nil, fmt.Errorf("failed to get latest attempt for %s: %w", phoneNumber, err)
	}
	return &attempt, nil
}

// InsertAttempt inserts a new registration attempt record.
func (s *sqlxStore) InsertAttempt(ctx context.Context, attempt *RegistrationAttempt) error {
	if attempt == nil {
		return fmt.Errorf("cannot insert nil attempt")
	}
	if attempt.PhoneNumber == "" {
		return fmt.Errorf("attempt must have a non-empty phone_number")
	}
	if attempt.Phase == "" {
		return fmt.Errorf("attempt must have a non-empty phase")
	}

	now := time.Now().UTC()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now

	query := `
        INSERT INTO registration_attempts
            (phone_number, phase, sms_attempts, captcha_token, last_backoff_seconds, last_attempt_at, retry_after, created_at, updated_at)
        VALUES
            (:phone_number, :phase, :sms_attempts, :captcha_token, :last_backoff_seconds, :last_attempt_at, :retry_after, :created_at, :updated_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, attempt)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting registration attempt",
			"phone_number", attempt.PhoneNumber, "error", err)
		return fmt.Errorf("failed to insert attempt for %s: %w", attempt.PhoneNumber, err)
	}

	if id, err := result.LastInsertId(); err == nil {
		attempt.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving attempt",
			"phone_number", attempt.PhoneNumber, "error", err)
	}

	s.logger.DebugContext(ctx, "Registration attempt inserted",
		"phone_number", attempt.PhoneNumber, "attempt_id", attempt.ID, "phase", attempt.Phase)
	return nil
}

// UpdateAttempt persists the mutable fields of an existing attempt record.
func (s *sqlxStore) UpdateAttempt(ctx context.Context, attempt *RegistrationAttempt) error {
	if attempt == nil {
		return fmt.Errorf("cannot update nil attempt")
	}
	if attempt.ID == 0 {
		return fmt.Errorf("attempt must have a non-zero id")
	}

	attempt.UpdatedAt = time.Now().UTC()

	query := `
        UPDATE registration_attempts
        SET phase = :phase,
            sms_attempts = :sms_attempts,
            captcha_token = :captcha_token,
            last_backoff_seconds = :last_backoff_seconds,
            last_attempt_at = :last_attempt_at,
            retry_after = :retry_after,
            updated_at = :updated_at
        WHERE id = :id;
    `
	result, err := s.db.NamedExecContext(ctx, query, attempt)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating registration attempt",
			"phone_number", attempt.PhoneNumber, "attempt_id", attempt.ID, "error", err)
		return fmt.Errorf("failed to update attempt %d: %w", attempt.ID, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected != 1 {
		s.logger.WarnContext(ctx, "Unexpected number of rows affected when updating attempt",
			"attempt_id", attempt.ID, "affected", affected)
	}
	return nil
}

// AppendRegistrationEvent records one audited phase transition.
func (s *sqlxStore) AppendRegistrationEvent(ctx context.Context, event *RegistrationEvent) error {
	if event == nil {
		return fmt.Errorf("cannot append nil event")
	}

	event.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO registration_events
            (attempt_id, phone_number, from_phase, to_phase, detail, created_at)
        VALUES
            (:attempt_id, :phone_number, :from_phase, :to_phase, :detail, :created_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, event); err != nil {
		s.logger.ErrorContext(ctx, "Error appending registration event",
			"phone_number", event.PhoneNumber, "to_phase", event.ToPhase, "error", err)
		return fmt.Errorf("failed to append registration event: %w", err)
	}
	return nil
}

// AppendCommandLog records one command execution for analytics.
func (s *sqlxStore) AppendCommandLog(ctx context.Context, entry *CommandLogEntry) error {
	if entry == nil {
		return fmt.Errorf("cannot append nil command log entry")
	}

	entry.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO command_log
            (message_id, sender_id, conversation_id, command, args, status, detail, created_at)
        VALUES
            (:message_id, :sender_id, :conversation_id, :command, :args, :status, :detail, :created_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, entry); err != nil {
		s.logger.ErrorContext(ctx, "Error appending command log entry",
			"message_id", entry.MessageID, "command", entry.Command, "error", err)
		return fmt.Errorf("failed to append command log entry: %w", err)
	}
	return nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")
	startTime := time.Now()

	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		s.logger.ErrorContext(ctx, "Error running VACUUM", "error", err)
		return fmt.Errorf("failed to run VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance completed",
		"duration", time.Since(startTime))
	return nil
}
