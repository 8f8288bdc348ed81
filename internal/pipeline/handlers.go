package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/edgard/signalbot/internal/dispatcher"
	"github.com/edgard/signalbot/internal/executor"
	"github.com/edgard/signalbot/internal/message"
	"github.com/edgard/signalbot/internal/queue"
	"github.com/edgard/signalbot/internal/router"
)

// InboundHandler decodes canonical Messages off the inbound queue and
// routes them.
func InboundHandler(r *router.Router) HandlerFunc {
	return func(ctx context.Context, d *queue.Delivery) error {
		var m message.Message
		if err := json.Unmarshal(d.Payload, &m); err != nil {
			return fmt.Errorf("failed to decode inbound message: %w", err)
		}
		return r.Route(ctx, m)
	}
}

// StockHandler decodes Commands off the stock-requests queue, executes
// them, and publishes the Result onto the outbound queue. The executor
// always yields a Result; only the publish step can fail and trigger
// redelivery.
func StockHandler(registry *executor.Registry, publisher router.Publisher, logger *slog.Logger) HandlerFunc {
	log := logger.With("component", "stock_handler")
	return func(ctx context.Context, d *queue.Delivery) error {
		var cmd message.Command
		if err := json.Unmarshal(d.Payload, &cmd); err != nil {
			return fmt.Errorf("failed to decode command: %w", err)
		}

		exec, ok := registry.Get(cmd.Kind)
		if !ok {
			return fmt.Errorf("no executor registered for kind %q", cmd.Kind)
		}

		res := exec.Execute(ctx, cmd)
		if res.Status != message.StatusOk {
			log.WarnContext(ctx, "Command execution did not succeed",
				"kind", cmd.Kind, "message_id", cmd.Origin.MessageID,
				"status", res.Status, "detail", res.ErrorDetail)
		}

		payload, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		if err := publisher.Publish(ctx, queue.OutboundResponses, res.MessageID, payload); err != nil {
			return fmt.Errorf("failed to enqueue result: %w", err)
		}
		return nil
	}
}

// OutboundHandler decodes Results off the outbound queue and dispatches
// them to the external sender.
func OutboundHandler(d *dispatcher.Dispatcher) HandlerFunc {
	return func(ctx context.Context, del *queue.Delivery) error {
		var res message.Result
		if err := json.Unmarshal(del.Payload, &res); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
		return d.Dispatch(ctx, res)
	}
}
