// Package main contains the entrypoint for the WhatsApp case bot.
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

	"github.com/caseflow/waflow/internal/bot"
	"github.com/caseflow/waflow/internal/bucket"
	"github.com/caseflow/waflow/internal/cases"
	"github.com/caseflow/waflow/internal/config"
	"github.com/caseflow/waflow/internal/llm"
	"github.com/caseflow/waflow/internal/logger"
	"github.com/caseflow/waflow/internal/queue"
	"github.com/caseflow/waflow/internal/server"
	"github.com/caseflow/waflow/internal/whatsapp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components (config, logger, queue database, bucket,
// WhatsApp client, LLM client, case handler, worker, HTTP server), starts
// the orchestrator and returns an exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "", "Path to configuration file (default: ./config.yaml if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.LogLevel, "format", cfg.LogFormat)

	db, err := queue.NewDB(cfg.QueueDBName)
	if err != nil {
		log.Error("Failed to open queue database", "path", cfg.QueueDBName, "error", err)
		return 1
	}
	defer queue.CloseDB(db)
	store := queue.NewStore(db, log)

	b := bucket.New(bucket.NewS3Client(cfg), cfg.BucketName, log)
	storage := bucket.NewStorage(b, log)

	wa, err := whatsapp.NewClient(cfg.WAToken, log)
	if err != nil {
		log.Error("Failed to create WhatsApp client", "error", err)
		return 1
	}

	completer, err := llm.New(cfg, log)
	if err != nil {
		log.Error("Failed to create LLM client", "error", err)
		return 1
	}
	log.Info("LLM client ready", "provider", completer.Provider(), "model", cfg.LLMModel)

	handler := cases.NewHandler(storage, b, wa, completer, cfg.LLMInstruction, log)
	worker := queue.NewWorker(store, handler, log,
		cfg.PollIntervalBusy, cfg.PollIntervalIdle, cfg.ResponseDelay)
	srv := server.New(cfg, store, log)

	sched, err := bot.NewScheduler(log, bot.MaintenanceTasks(cfg, store, log))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	app := bot.New(log, srv, worker, sched)

	log.Info("Starting waflow", "addr", cfg.ServerAddr)
	runErr := app.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Stopped gracefully")
	time.Sleep(time.Second)
	return 0
}
