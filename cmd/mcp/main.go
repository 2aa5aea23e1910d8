package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpadapter "github.com/kirillkom/grounded-retrieval/internal/adapters/mcp"
	"github.com/kirillkom/grounded-retrieval/internal/bootstrap"
	"github.com/kirillkom/grounded-retrieval/internal/config"
	"github.com/kirillkom/grounded-retrieval/internal/observability/logging"
)

const (
	serviceName = "mcp"
	version     = "0.1.0"
)

func main() {
	cfg := config.Load()
	logger := logging.NewStderrJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, serviceName, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	go func() {
		if err := app.RunWatcher(ctx); err != nil {
			logger.Warn("rerank_model_watcher_stopped", "error", err)
		}
	}()

	if err := mcpadapter.NewServer(app.Service, version, logger).ServeStdio(); err != nil {
		logger.Error("mcp_server_failed", "error", err)
	}
}
