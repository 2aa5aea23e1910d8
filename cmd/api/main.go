package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/grounded-retrieval/internal/adapters/http"
	"github.com/kirillkom/grounded-retrieval/internal/bootstrap"
	"github.com/kirillkom/grounded-retrieval/internal/config"
	"github.com/kirillkom/grounded-retrieval/internal/observability/logging"
)

const serviceName = "api"

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
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

	checks := make([]httpadapter.ReadinessCheck, 0, len(app.Checks))
	for _, p := range app.Checks {
		checks = append(checks, httpadapter.ReadinessCheck{Name: p.Name, Check: p.Check})
	}
	opts := []httpadapter.Option{
		httpadapter.WithLogger(logger),
		httpadapter.WithMetrics(app.Metrics),
		httpadapter.WithRerankerStatus(app.Reranker),
		httpadapter.WithReadinessChecks(checks...),
	}
	if app.Traces != nil {
		opts = append(opts, httpadapter.WithTraceReader(app.Traces))
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           httpadapter.NewRouter(cfg, app.Service, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.GenerationTimeout*2 + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}
