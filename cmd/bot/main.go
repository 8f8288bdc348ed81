// Package main contains the entrypoint for the Signal bot application.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgard/signalbot/internal/bot"
	"github.com/edgard/signalbot/internal/config"
	"github.com/edgard/signalbot/internal/database"
	"github.com/edgard/signalbot/internal/dispatcher"
	"github.com/edgard/signalbot/internal/executor"
	"github.com/edgard/signalbot/internal/httpapi"
	"github.com/edgard/signalbot/internal/logger"
	"github.com/edgard/signalbot/internal/marketdata"
	"github.com/edgard/signalbot/internal/pipeline"
	"github.com/edgard/signalbot/internal/queue"
	"github.com/edgard/signalbot/internal/registration"
	"github.com/edgard/signalbot/internal/resilience"
	"github.com/edgard/signalbot/internal/router"
	"github.com/edgard/signalbot/internal/scheduler"
	signalapi "github.com/edgard/signalbot/internal/signal"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop() // Ensure context cancellation is signaled before exit
	os.Exit(exitCode)
}

// run initializes and starts all application components (config, logger,
// db, queue transport, pipeline, registration machine, http server,
// scheduler), handles graceful shutdown, and returns an exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	q := queue.New(db, log, queue.Config{
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
		NackDelay:         cfg.Queue.NackDelay,
		Retention:         cfg.Queue.Retention,
	})

	signalClient := signalapi.NewClient(cfg.Signal, log)
	quoteClient := marketdata.NewClient(cfg.MarketData, log)
	quoteBreaker := resilience.NewBreaker(resilience.BreakerConfig{Name: "marketdata"})

	helpExec := executor.NewHelpExecutor()
	stockExec := executor.NewStockExecutor(quoteClient, quoteBreaker, cfg.MarketData.Timeout, log)
	registry := executor.NewRegistry(stockExec, helpExec)

	rtr := router.New(q, store, helpExec, log)
	disp := dispatcher.New(signalClient, store, cfg.Signal.SendRetries, log)
	machine := registration.NewMachine(store, signalClient, cfg.Registration, log)

	coordinator := pipeline.NewCoordinator(q, cfg.Queue.PollInterval, log)
	inboundHandler := pipeline.InboundHandler(rtr)
	stockHandler := pipeline.StockHandler(registry, q, log)
	outboundHandler := pipeline.OutboundHandler(disp)

	server := httpapi.NewServer(cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout, q, machine, q, log)

	sched, err := scheduler.New(log, &cfg.Scheduler, scheduler.RegisterAllTasks(q, store))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	app := bot.New(log, cfg, server, coordinator, inboundHandler, stockHandler, outboundHandler, sched)

	log.Info("Starting bot...")
	runErr := app.Run(ctx)
	log.Info("Bot run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Bot stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Bot stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
