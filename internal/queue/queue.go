// Package queue implements the durable queue transport backing the message
// pipeline. Messages are stored in SQLite, delivered at-least-once with a
// visibility timeout, deduplicated by key on publish, and moved to a
// dead-letter table once the delivery budget is spent.
package queue

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

// Logical queue names used by the pipeline.
const (
	InboundMessages   = "inbound-messages"
	StockRequests     = "stock-requests"
	OutboundResponses = "outbound-responses"
)

// Config holds the queue transport settings.
type Config struct {
	// VisibilityTimeout is how long a received message stays invisible to
	// other workers before it becomes eligible for redelivery.
	VisibilityTimeout time.Duration
	// MaxDeliveries is the delivery budget before a message is dead-lettered.
	MaxDeliveries int
	// NackDelay is how long a negatively acknowledged message stays
	// invisible before redelivery.
	NackDelay time.Duration
	// Retention is how long acknowledged messages are kept before the
	// retention purge removes them.
	Retention time.Duration
}

// Delivery is one received queue message. The same underlying message may
// be delivered more than once; DeliveryCount says how many times it has
// been handed out so far.
type Delivery struct {
	ID            int64  `db:"id"`
	Queue         string `db:"queue"`
	DedupKey      string `db:"dedup_key"`
	Payload       []byte `db:"payload"`
	DeliveryCount int    `db:"delivery_count"`
}

// DeadLetter is a message that exhausted its delivery budget, kept for
// manual inspection.
type DeadLetter struct {
	ID            int64     `db:"id"`
	Queue         string    `db:"queue"`
	DedupKey      string    `db:"dedup_key"`
	Payload       []byte    `db:"payload"`
	DeliveryCount int       `db:"delivery_count"`
	LastError     string    `db:"last_error"`
	EnqueuedAt    time.Time `db:"enqueued_at"`
	DeadAt        time.Time `db:"dead_at"`
}

// Queue is a durable at-least-once queue over a SQLite database.
type Queue struct {
	db     *sqlx.DB
	logger *slog.Logger
	cfg    Config
}

// New creates a queue transport over the given database connection.
func New(db *sqlx.DB, logger *slog.Logger, cfg Config) *Queue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 8
	}
	if cfg.NackDelay <= 0 {
		cfg.NackDelay = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Queue{
		db:     db,
		logger: logger.With("component", "queue"),
		cfg:    cfg,
	}
}

// Publish enqueues a payload onto the named queue. The dedup key makes
// publishing idempotent: a second publish with the same key on the same
// queue is silently dropped, so redelivered inbound events do not enqueue
// duplicate work.
func (q *Queue) Publish(ctx context.Context, queueName, dedupKey string, payload []byte) error {
	if queueName == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if dedupKey == "" {
		return fmt.Errorf("dedup key cannot be empty")
	}

	now := time.Now().UTC()
	query := `
        INSERT INTO queue_messages (queue, dedup_key, payload, delivery_count, visible_at, enqueued_at)
        VALUES (?, ?, ?, 0, ?, ?)
        ON CONFLICT (queue, dedup_key) DO NOTHING;
    `
	result, err := q.db.ExecContext(ctx, query, queueName, dedupKey, payload, now, now)
	if err != nil {
		q.logger.ErrorContext(ctx, "Error publishing message",
			"queue", queueName, "dedup_key", dedupKey, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", queueName, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		q.logger.DebugContext(ctx, "Duplicate publish dropped",
			"queue", queueName, "dedup_key", dedupKey)
	}
	return nil
}

// Receive claims the oldest visible message on the named queue, making it
// invisible for the visibility timeout and incrementing its delivery count.
// Returns nil, nil when the queue is empty.
func (q *Queue) Receive(ctx context.Context, queueName string) (*Delivery, error) {
	now := time.Now().UTC()
	query := `
        UPDATE queue_messages
        SET delivery_count = delivery_count + 1,
            visible_at = ?
        WHERE id = (
            SELECT id FROM queue_messages
            WHERE queue = ? AND acked_at IS NULL AND visible_at <= ?
            ORDER BY id
            LIMIT 1
        )
        RETURNING id, queue, dedup_key, payload, delivery_count;
    `
	var d Delivery
	err := q.db.QueryRowxContext(ctx, query, now.Add(q.cfg.VisibilityTimeout), queueName, now).StructScan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		q.logger.ErrorContext(ctx, "Error receiving message", "queue", queueName, "error", err)
		return nil, fmt.Errorf("failed to receive from %s: %w", queueName, err)
	}

	q.logger.DebugContext(ctx, "Message received",
		"queue", queueName, "dedup_key", d.DedupKey, "delivery_count", d.DeliveryCount)
	return &d, nil
}

// Ack acknowledges a delivery, removing the message from further delivery.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return fmt.Errorf("cannot ack nil delivery")
	}

	query := `UPDATE queue_messages SET acked_at = ? WHERE id = ? AND acked_at IS NULL;`
	result, err := q.db.ExecContext(ctx, query, time.Now().UTC(), d.ID)
	if err != nil {
		q.logger.ErrorContext(ctx, "Error acking message",
			"queue", d.Queue, "dedup_key", d.DedupKey, "error", err)
		return fmt.Errorf("failed to ack message %d: %w", d.ID, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		q.logger.WarnContext(ctx, "Ack matched no pending message",
			"queue", d.Queue, "dedup_key", d.DedupKey, "message_id", d.ID)
	}
	return nil
}

// Nack negatively acknowledges a delivery. The message becomes visible
// again after the nack delay, unless its delivery budget is spent, in which
// case it is moved to the dead-letter table.
func (q *Queue) Nack(ctx context.Context, d *Delivery, cause error) error {
	if d == nil {
		return fmt.Errorf("cannot nack nil delivery")
	}

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}

	if d.DeliveryCount >= q.cfg.MaxDeliveries {
		return q.deadLetter(ctx, d, detail)
	}

	query := `UPDATE queue_messages SET visible_at = ?, last_error = ? WHERE id = ? AND acked_at IS NULL;`
	if _, err := q.db.ExecContext(ctx, query, time.Now().UTC().Add(q.cfg.NackDelay), detail, d.ID); err != nil {
		q.logger.ErrorContext(ctx, "Error nacking message",
			"queue", d.Queue, "dedup_key", d.DedupKey, "error", err)
		return fmt.Errorf("failed to nack message %d: %w", d.ID, err)
	}

	q.logger.DebugContext(ctx, "Message nacked for redelivery",
		"queue", d.Queue, "dedup_key", d.DedupKey,
		"delivery_count", d.DeliveryCount, "max_deliveries", q.cfg.MaxDeliveries, "cause", detail)
	return nil
}

// deadLetter moves a delivery to the dead-letter table in one transaction.
func (q *Queue) deadLetter(ctx context.Context, d *Delivery, detail string) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				q.logger.WarnContext(ctx, "Error rolling back dead-letter transaction", "error", rollbackErr)
			}
		}
	}()

	insert := `
        INSERT INTO dead_letters (queue, dedup_key, payload, delivery_count, last_error, enqueued_at, dead_at)
        SELECT queue, dedup_key, payload, delivery_count, ?, enqueued_at, ?
        FROM queue_messages WHERE id = ?;
    `
	if _, err := tx.ExecContext(ctx, insert, detail, time.Now().UTC(), d.ID); err != nil {
		return fmt.Errorf("failed to insert dead letter for message %d: %w", d.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?;`, d.ID); err != nil {
		return fmt.Errorf("failed to remove dead-lettered message %d: %w", d.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter transaction: %w", err)
	}
	tx = nil

	q.logger.WarnContext(ctx, "Message dead-lettered",
		"queue", d.Queue, "dedup_key", d.DedupKey,
		"delivery_count", d.DeliveryCount, "cause", detail)
	return nil
}

// ListDeadLetters returns up to limit dead letters, newest first, for
// manual inspection.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var letters []DeadLetter
	query := `
        SELECT id, queue, dedup_key, payload, delivery_count, last_error, enqueued_at, dead_at
        FROM dead_letters
        ORDER BY id DESC
        LIMIT ?;
    `
	if err := q.db.SelectContext(ctx, &letters, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}

// PurgeAcked deletes acknowledged messages older than the retention window
// and returns the number of rows removed.
func (q *Queue) PurgeAcked(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-q.cfg.Retention)
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE acked_at IS NOT NULL AND acked_at < ?;`, cutoff)
	if err != nil {
		q.logger.ErrorContext(ctx, "Error purging acked messages", "error", err)
		return 0, fmt.Errorf("failed to purge acked messages: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if purged > 0 {
		q.logger.InfoContext(ctx, "Purged acknowledged queue messages",
			"count", purged, "cutoff", cutoff)
	}
	return purged, nil
}
