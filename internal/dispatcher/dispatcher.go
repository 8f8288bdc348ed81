// Package dispatcher delivers Results back to the originating conversation
// through the external sender, retrying transient failures with backoff and
// recording permanent failures instead of dropping them.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/edgard/signalbot/internal/database"
	"github.com/edgard/signalbot/internal/message"
	"github.com/edgard/signalbot/internal/resilience"
)

// Sender is the external send surface consumed by the dispatcher.
type Sender interface {
	Send(ctx context.Context, conversationID, body string) error
}

// Dispatcher delivers Results. On retry exhaustion it records a
// permanent-failure entry and consumes the Result; delivery failures are
// never re-enqueued indefinitely.
type Dispatcher struct {
	sender   Sender
	store    database.Store
	retryCfg resilience.RetryConfig
	logger   *slog.Logger
}

// New creates a Dispatcher. maxAttempts bounds send attempts per Result;
// values below 1 fall back to the default retry configuration.
func New(sender Sender, store database.Store, maxAttempts int, logger *slog.Logger) *Dispatcher {
	retryCfg := resilience.DefaultRetryConfig()
	if maxAttempts >= 1 {
		retryCfg.MaxAttempts = maxAttempts
	}
	return &Dispatcher{
		sender:   sender,
		store:    store,
		retryCfg: retryCfg,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Dispatch sends one Result to its conversation. A nil return means the
// Result is consumed, whether delivered or recorded as a permanent
// failure; a non-nil return asks the pipeline for redelivery (only for
// context cancellation mid-flight).
func (d *Dispatcher) Dispatch(ctx context.Context, res message.Result) error {
	if res.Origin.ConversationID == "" {
		// Nothing to reply to; record and consume.
		d.recordPermanentFailure(ctx, res, "result has no conversation to reply to")
		return nil
	}

	body := res.Body
	if body == "" {
		body = fmt.Sprintf("Request %s: %s", res.Status, res.ErrorDetail)
	}

	err := resilience.WithRetry(ctx, func(ctx context.Context) error {
		return d.sender.Send(ctx, res.Origin.ConversationID, body)
	}, d.retryCfg)

	if err == nil {
		d.logger.DebugContext(ctx, "Result delivered",
			"conversation_id", res.Origin.ConversationID, "message_id", res.MessageID, "status", res.Status)
		return nil
	}

	if ctx.Err() != nil {
		// Shutdown mid-send; let the queue redeliver after restart.
		return fmt.Errorf("dispatch interrupted: %w", ctx.Err())
	}

	d.recordPermanentFailure(ctx, res, err.Error())
	return nil
}

// recordPermanentFailure writes an audit entry for an undeliverable Result.
// The entry is best-effort, but the failure is always logged.
func (d *Dispatcher) recordPermanentFailure(ctx context.Context, res message.Result, detail string) {
	d.logger.ErrorContext(ctx, "Result delivery permanently failed",
		"conversation_id", res.Origin.ConversationID,
		"message_id", res.MessageID,
		"status", res.Status,
		"detail", detail)

	entry := &database.CommandLogEntry{
		MessageID:      res.MessageID,
		SenderID:       res.Origin.SenderID,
		ConversationID: res.Origin.ConversationID,
		Command:        "delivery",
		Args:           truncate(res.Body, 256),
		Status:         "delivery_failed",
		Detail:         truncate(detail, 1024),
	}
	if err := d.store.AppendCommandLog(ctx, entry); err != nil {
		d.logger.WarnContext(ctx, "Failed to record permanent delivery failure",
			"message_id", res.MessageID, "error", err)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return strings.ToValidUTF8(s[:maxLen], "")
}
