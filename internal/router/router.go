// Package router classifies canonical Messages into Commands and forwards
// them to the right destination queue. Unsupported input never reaches an
// executor: it is short-circuited into an immediate reply.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/edgard/signalbot/internal/database"
	"github.com/edgard/signalbot/internal/executor"
	"github.com/edgard/signalbot/internal/message"
	"github.com/edgard/signalbot/internal/queue"
)

// UnknownCommandBody is the reply for unrecognized or non-command input.
const UnknownCommandBody = "unrecognized command, try /help"

// StockUsageBody is the reply for /stock without a ticker argument.
const StockUsageBody = "Usage: /stock <ticker>\nExample: /stock AAPL"

// Publisher is the queue surface the router needs.
type Publisher interface {
	Publish(ctx context.Context, queueName, dedupKey string, payload []byte) error
}

// Parse tokenizes a Message into a Command. Text starting with a known
// "/" command selects the kind (case-insensitive); everything else,
// including text without a leading slash, yields KindUnknown. Parse never
// fails.
func Parse(m message.Message) message.Command {
	cmd := message.Command{
		Kind:   message.KindUnknown,
		Origin: m,
	}

	text := strings.TrimSpace(m.RawText)
	if !strings.HasPrefix(text, "/") {
		return cmd
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return cmd
	}

	switch strings.ToLower(fields[0]) {
	case "/stock":
		cmd.Kind = message.KindStockQuote
	case "/help":
		cmd.Kind = message.KindHelp
	default:
		return cmd
	}

	cmd.Args = fields[1:]
	return cmd
}

// Router routes parsed commands: stock requests are enqueued for the
// executor pool, help is answered inline, and everything else gets the
// help hint. Every routed command is appended to the command log
// best-effort.
type Router struct {
	publisher Publisher
	store     database.Store
	help      executor.Executor
	logger    *slog.Logger
}

// New creates a Router.
func New(publisher Publisher, store database.Store, help executor.Executor, logger *slog.Logger) *Router {
	return &Router{
		publisher: publisher,
		store:     store,
		help:      help,
		logger:    logger.With("component", "router"),
	}
}

// Route processes one canonical Message. The returned error signals the
// pipeline to redeliver; short-circuited replies and unknown commands are
// terminal successes.
func (r *Router) Route(ctx context.Context, m message.Message) error {
	cmd := Parse(m)

	switch cmd.Kind {
	case message.KindUnknown:
		r.logCommand(ctx, cmd, "short_circuit", UnknownCommandBody)
		return r.publishResult(ctx, message.Result{
			Origin:    message.OriginOf(m),
			MessageID: m.MessageID,
			Status:    message.StatusOk,
			Body:      UnknownCommandBody,
		})

	case message.KindStockQuote:
		if len(cmd.Args) == 0 {
			r.logCommand(ctx, cmd, "short_circuit", "missing ticker argument")
			return r.publishResult(ctx, message.Result{
				Origin:    message.OriginOf(m),
				MessageID: m.MessageID,
				Status:    message.StatusOk,
				Body:      StockUsageBody,
			})
		}

		payload, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("failed to marshal stock command: %w", err)
		}
		if err := r.publisher.Publish(ctx, queue.StockRequests, m.MessageID, payload); err != nil {
			return fmt.Errorf("failed to enqueue stock command: %w", err)
		}
		r.logCommand(ctx, cmd, "routed", "")
		r.logger.DebugContext(ctx, "Stock command enqueued",
			"message_id", m.MessageID, "ticker", cmd.Args[0])
		return nil

	case message.KindHelp:
		res := r.help.Execute(ctx, cmd)
		r.logCommand(ctx, cmd, "routed", "")
		return r.publishResult(ctx, res)

	default:
		return fmt.Errorf("unhandled command kind %q", cmd.Kind)
	}
}

func (r *Router) publishResult(ctx context.Context, res message.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := r.publisher.Publish(ctx, queue.OutboundResponses, res.MessageID, payload); err != nil {
		return fmt.Errorf("failed to enqueue result: %w", err)
	}
	return nil
}

// logCommand appends to the command log. Analytics failures are logged and
// swallowed; they never block the pipeline.
func (r *Router) logCommand(ctx context.Context, cmd message.Command, status, detail string) {
	entry := &database.CommandLogEntry{
		MessageID:      cmd.Origin.MessageID,
		SenderID:       cmd.Origin.SenderID,
		ConversationID: cmd.Origin.ConversationID,
		Command:        string(cmd.Kind),
		Args:           strings.Join(cmd.Args, " "),
		Status:         status,
		Detail:         detail,
	}
	if err := r.store.AppendCommandLog(ctx, entry); err != nil {
		r.logger.WarnContext(ctx, "Failed to append command log entry",
			"message_id", cmd.Origin.MessageID, "error", err)
	}
}
