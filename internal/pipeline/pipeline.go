// Package pipeline ties the stages together across queue boundaries. Each
// queue gets an independently sized worker pool running the
// fetch-process-ack cycle; processing failures are nacked for transport
// redelivery until the queue dead-letters them.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgard/signalbot/internal/queue"
)

// HandlerFunc processes one delivery. A nil return acknowledges the
// message; an error triggers a negative acknowledgment and transport-level
// redelivery.
type HandlerFunc func(ctx context.Context, d *queue.Delivery) error

// Coordinator runs worker pools bound to queues.
type Coordinator struct {
	queue        *queue.Queue
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewCoordinator creates a pipeline coordinator. pollInterval is the idle
// wait between receive attempts on an empty queue.
func NewCoordinator(q *queue.Queue, pollInterval time.Duration, logger *slog.Logger) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Coordinator{
		queue:        q,
		pollInterval: pollInterval,
		logger:       logger.With("component", "pipeline"),
	}
}

// RunPool runs `workers` concurrent workers consuming the named queue until
// the context is cancelled. It returns when all workers have stopped.
func (c *Coordinator) RunPool(ctx context.Context, queueName string, workers int, handler HandlerFunc) error {
	if workers <= 0 {
		workers = 1
	}

	log := c.logger.With("queue", queueName)
	log.Info("Starting worker pool", "workers", workers)

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			c.runWorker(gCtx, log.With("worker", worker), queueName, handler)
			return nil
		})
	}

	err := g.Wait()
	log.Info("Worker pool stopped")
	return err
}

// runWorker loops the fetch-process-ack cycle for one worker. No handler
// error is ever fatal to the worker; failures feed redelivery.
func (c *Coordinator) runWorker(ctx context.Context, log *slog.Logger, queueName string, handler HandlerFunc) {
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := c.queue.Receive(ctx, queueName)
		if err != nil {
			log.ErrorContext(ctx, "Receive failed", "error", err)
			if !c.sleep(ctx) {
				return
			}
			continue
		}
		if d == nil {
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		if handlerErr := handler(ctx, d); handlerErr != nil {
			log.WarnContext(ctx, "Processing failed, message will be redelivered",
				"dedup_key", d.DedupKey, "delivery_count", d.DeliveryCount, "error", handlerErr)
			if nackErr := c.queue.Nack(ctx, d, handlerErr); nackErr != nil {
				log.ErrorContext(ctx, "Nack failed", "dedup_key", d.DedupKey, "error", nackErr)
			}
			continue
		}

		if ackErr := c.queue.Ack(ctx, d); ackErr != nil {
			// The visibility timeout will re-expose the message; the
			// handler must tolerate the extra delivery.
			log.ErrorContext(ctx, "Ack failed", "dedup_key", d.DedupKey, "error", ackErr)
		}
	}
}

// sleep waits one poll interval. Returns false when the context ended.
func (c *Coordinator) sleep(ctx context.Context) bool {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
