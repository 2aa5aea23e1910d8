package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/grounded-retrieval/internal/config"
	"github.com/kirillkom/grounded-retrieval/internal/core/guardrail"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
	"github.com/kirillkom/grounded-retrieval/internal/core/usecase"
	rediscache "github.com/kirillkom/grounded-retrieval/internal/infrastructure/cache/redis"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/rerank/linear"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/grounded-retrieval/internal/observability/logging"
	"github.com/kirillkom/grounded-retrieval/internal/observability/metrics"
)

const (
	LexicalQdrant   = "qdrant"
	LexicalPostgres = "postgres"

	TraceSinkNATS     = "nats"
	TraceSinkPostgres = "postgres"
	TraceSinkLog      = "log"
)

// Upstream is one readiness check over an upstream dependency.
type Upstream struct {
	Name  string
	Check func(ctx context.Context) error
}

// App holds the wired query-side service. Optional parts are nil when the
// configuration does not select them.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.HTTPServerMetrics

	Service  *usecase.Service
	Reranker *usecase.Reranker
	Traces   ports.TraceReader
	Checks   []Upstream

	traceRepo *postgres.TraceRepository
	watcher   *linear.Watcher
	closers   []func()
}

func New(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewHTTPServerMetrics(service),
	}
	if err := app.wire(ctx, service); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context, service string) error {
	cfg := a.Config
	settings := cfg.Settings()

	queryExecutor := resilience.NewExecutor(resilience.QueryPathConfig(),
		resilience.WithLogger(a.Logger),
		resilience.WithRetryObserver(a.Metrics.RetryObserver(service)),
	)
	generationExecutor := resilience.NewExecutor(resilience.GenerationPathConfig(),
		resilience.WithLogger(a.Logger),
		resilience.WithRetryObserver(a.Metrics.RetryObserver(service)),
	)
	traceExecutor := resilience.NewExecutor(resilience.TracePathConfig(),
		resilience.WithLogger(a.Logger),
		resilience.WithRetryObserver(a.Metrics.RetryObserver(service)),
	)

	profile, err := config.LoadGuardrailProfile(cfg.GuardrailProfilePath)
	if err != nil {
		return err
	}

	// The retriever applies the same floor; qdrant drops weak hits server-side.
	vectorDB := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, qdrant.Options{
		Executor:       queryExecutor,
		DenseVector:    cfg.QdrantDenseVector,
		SparseVector:   cfg.QdrantSparseVector,
		ScoreThreshold: settings.MinVectorScore,
	})
	a.Checks = append(a.Checks, Upstream{Name: "qdrant", Check: vectorDB.Ping})

	db, err := a.openPostgres(ctx)
	if err != nil {
		return err
	}

	var lexical ports.LexicalIndex = vectorDB
	if cfg.LexicalBackend == LexicalPostgres {
		lexical = postgres.NewLexicalIndex(db, queryExecutor)
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel,
		ollama.WithExecutor(generationExecutor),
	)
	embedder, err := a.embedder(ctx, ollama.NewEmbedder(ollamaClient))
	if err != nil {
		return err
	}

	reranker, err := a.reranker(settings.Rerank)
	if err != nil {
		return err
	}
	a.Reranker = reranker

	sink, err := a.traceSink(traceExecutor)
	if err != nil {
		return err
	}

	a.Service = usecase.NewService(usecase.Deps{
		Embedder: embedder,
		Vector:   vectorDB,
		Lexical:  lexical,
		Drafter:  ollama.NewDrafter(ollamaClient),
		Reranker: reranker,
		Scanner:  guardrail.NewScanner(profile),
		Traces:   metrics.NewTraceRecorder(service, a.Metrics, sink),
		Logger:   a.Logger,
	}, settings)

	a.Logger.Info("service_wired",
		"lexical_backend", cfg.LexicalBackend,
		"trace_sink", cfg.TraceSink,
		"rerank_enabled", reranker.Enabled(),
		"embed_cache", cfg.RedisAddr != "",
	)
	return nil
}

// openPostgres connects only when a component needs the database.
func (a *App) openPostgres(ctx context.Context) (*sql.DB, error) {
	cfg := a.Config
	if cfg.LexicalBackend != LexicalPostgres && cfg.TraceSink != TraceSinkPostgres {
		return nil, nil
	}
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	a.Checks = append(a.Checks, Upstream{Name: "postgres", Check: db.PingContext})

	repo := postgres.NewTraceRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure trace schema: %w", err)
	}
	a.traceRepo = repo
	a.Traces = repo
	return db, nil
}

func (a *App) embedder(ctx context.Context, inner *ollama.Embedder) (ports.QueryEmbedder, error) {
	if a.Config.RedisAddr == "" {
		return inner, nil
	}
	client, err := rediscache.NewClient(ctx, a.Config.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.Checks = append(a.Checks, Upstream{Name: "redis", Check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}})
	return rediscache.NewCachedEmbedder(client, inner, inner.Model(), a.Config.EmbedCacheTTL, a.Logger), nil
}

func (a *App) reranker(settings usecase.RerankSettings) (*usecase.Reranker, error) {
	if !settings.Enabled {
		return usecase.NewReranker(nil, settings, a.Logger), nil
	}
	store, err := localfs.New(a.Config.RerankModelDir)
	if err != nil {
		return nil, fmt.Errorf("init rerank model store: %w", err)
	}
	loader := linear.NewLoader(store, a.Logger)
	if a.Config.RerankWatch {
		watcher, err := linear.NewWatcher(loader, settings.ModelPath, a.Logger)
		if err != nil {
			// A missing directory only disables hot reload; Identify still
			// reports the artifact as unavailable per request.
			a.Logger.Warn("rerank_model_watch_disabled", "error", err)
		} else {
			a.watcher = watcher
		}
	}
	return usecase.NewReranker(loader, settings, a.Logger), nil
}

func (a *App) traceSink(executor *resilience.Executor) (ports.TraceSink, error) {
	switch a.Config.TraceSink {
	case TraceSinkPostgres:
		return a.traceRepo, nil
	case TraceSinkLog:
		return logging.NewTraceLogger(a.Logger), nil
	case TraceSinkNATS, "":
		queue, err := nats.New(a.Config.NATSURL, a.Config.NATSTraceSubject, nats.Options{
			ResilienceExecutor: executor,
			Logger:             a.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init trace queue: %w", err)
		}
		a.closers = append(a.closers, queue.Close)
		return queue, nil
	default:
		return nil, fmt.Errorf("unknown trace sink %q", a.Config.TraceSink)
	}
}

// RunWatcher blocks until ctx is done. It returns immediately when hot
// reload is off.
func (a *App) RunWatcher(ctx context.Context) error {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.Run(ctx)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// TraceWorker drains queued audit records into postgres.
type TraceWorker struct {
	Queue   *nats.TraceQueue
	Store   *postgres.TraceRepository
	Metrics *metrics.WorkerMetrics

	closers []func()
}

func NewTraceWorker(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*TraceWorker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	store := postgres.NewTraceRepository(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure trace schema: %w", err)
	}

	queue, err := nats.New(cfg.NATSURL, cfg.NATSTraceSubject, nats.Options{Logger: logger})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init trace queue: %w", err)
	}

	return &TraceWorker{
		Queue:   queue,
		Store:   store,
		Metrics: metrics.NewWorkerMetrics(service),
		closers: []func(){func() { _ = db.Close() }, queue.Close},
	}, nil
}

func (w *TraceWorker) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}
