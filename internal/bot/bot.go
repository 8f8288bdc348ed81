// Package bot implements the core lifecycle management and component
// orchestration: the HTTP surface, the pipeline worker pools, and the
// maintenance scheduler run under one errgroup with graceful shutdown.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/edgard/signalbot/internal/config"
	"github.com/edgard/signalbot/internal/httpapi"
	"github.com/edgard/signalbot/internal/pipeline"
	"github.com/edgard/signalbot/internal/queue"
	"github.com/edgard/signalbot/internal/scheduler"
)

// Bot represents the main application and manages its components' lifecycle.
type Bot struct {
	logger      *slog.Logger
	cfg         *config.Config
	server      *httpapi.Server
	coordinator *pipeline.Coordinator
	inbound     pipeline.HandlerFunc
	stock       pipeline.HandlerFunc
	outbound    pipeline.HandlerFunc
	scheduler   *scheduler.Scheduler
}

// New creates a new instance of the bot with all required dependencies.
func New(
	logger *slog.Logger,
	cfg *config.Config,
	server *httpapi.Server,
	coordinator *pipeline.Coordinator,
	inbound, stock, outbound pipeline.HandlerFunc,
	sched *scheduler.Scheduler,
) *Bot {
	return &Bot{
		logger:      logger.With("component", "bot_orchestrator"),
		cfg:         cfg,
		server:      server,
		coordinator: coordinator,
		inbound:     inbound,
		stock:       stock,
		outbound:    outbound,
		scheduler:   sched,
	}
}

// Run starts all components and blocks until the context is cancelled or a
// component fails.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting bot orchestrator...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := b.server.Run(gCtx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return b.coordinator.RunPool(gCtx, queue.InboundMessages, b.cfg.Pipeline.InboundWorkers, b.inbound)
	})
	g.Go(func() error {
		return b.coordinator.RunPool(gCtx, queue.StockRequests, b.cfg.Pipeline.StockWorkers, b.stock)
	})
	g.Go(func() error {
		return b.coordinator.RunPool(gCtx, queue.OutboundResponses, b.cfg.Pipeline.OutboundWorkers, b.outbound)
	})

	g.Go(func() error {
		if err := b.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping scheduler...")
		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	b.logger.Info("Bot orchestrator running. Waiting for shutdown signal or error...")
	err := g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Bot orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Bot orchestrator stopped gracefully.")
	return nil
}
