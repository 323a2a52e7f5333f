// Package app wires configuration, adapters and the optimization usecase
// into one process-wide container.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/longregen/teleprompt/internal/adapters/id"
	"github.com/longregen/teleprompt/internal/adapters/memstore"
	"github.com/longregen/teleprompt/internal/adapters/postgres"
	"github.com/longregen/teleprompt/internal/adapters/tracing"
	"github.com/longregen/teleprompt/internal/application/services"
	"github.com/longregen/teleprompt/internal/application/usecases"
	"github.com/longregen/teleprompt/internal/config"
	"github.com/longregen/teleprompt/internal/llm"
	"github.com/longregen/teleprompt/internal/ports"
	"github.com/longregen/teleprompt/internal/prompt"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App holds the long-lived dependencies of a teleprompt process
type App struct {
	Config    *config.Config
	LLM       *llm.Client
	Pool      *pgxpool.Pool
	Repo      ports.OptimizationRepository
	Registry  *services.OptimizerRegistry
	Evaluator *services.Evaluator
	Progress  *services.OptimizationProgressPublisher
	Runner    *usecases.RunOptimization

	metricsServer  *http.Server
	shutdownTracer func(context.Context) error
}

// New builds an App from cfg. Without a PostgreSQL URL, runs are kept in
// memory.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg}

	client, err := llm.NewClient(cfg.ToLLMConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	a.LLM = client

	var txManager ports.TransactionManager
	if cfg.IsDatabaseConfigured() {
		pool, err := initDB(ctx, cfg.Database.PostgresURL)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.Pool = pool
		if cfg.Database.MigrateOnStart {
			if err := postgres.Migrate(ctx, pool); err != nil {
				a.Close(ctx)
				return nil, err
			}
		}
		a.Repo = postgres.NewOptimizationRepository(pool)
		txManager = postgres.NewTransactionManager(pool)
	} else {
		log.Printf("info: no database configured, optimization runs are kept in memory")
		a.Repo = memstore.NewOptimizationRepository()
	}

	if cfg.Telemetry.TracingEnabled {
		shutdown, err := tracing.InitTracer(cfg.Telemetry.ServiceName)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		a.shutdownTracer = shutdown
	}
	if cfg.Telemetry.MetricsAddr != "" {
		a.metricsServer = serveMetrics(cfg.Telemetry.MetricsAddr)
	}

	ids := id.New()
	a.Evaluator = services.NewEvaluator(cfg.ToEvaluationConfig())
	a.Registry = services.DefaultOptimizerRegistry(cfg.ToBootstrapConfig(), cfg.ToSIMBAConfig(), ids)
	a.Progress = services.NewOptimizationProgressPublisher()
	a.Runner = usecases.NewRunOptimization(a.Registry, a.Evaluator, a.Repo, txManager, a.Progress, ids)
	return a, nil
}

// Predict builds an LM program for signature ("question -> answer") that
// calls the configured LLM.
func (a *App) Predict(signature string) (*prompt.Predict, error) {
	sig, err := prompt.ParseSignature(signature)
	if err != nil {
		return nil, err
	}
	adapter := prompt.NewLLMClientAdapter(a.LLM, a.Config.LLM.Model)
	return prompt.NewPredict(sig, prompt.WithLLM(adapter)), nil
}

// JudgeMetric scores outputs with the configured LLM against criteria.
func (a *App) JudgeMetric(criteria string) prompt.MetricFunc {
	return prompt.LLMJudge(a.LLM, criteria, a.Config.LLM.Timeout.Duration)
}

// Close releases every resource New acquired. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.LLM != nil {
		a.LLM.Close()
	}
	return errors.Join(errs...)
}

// initDB initializes a database connection pool
func initDB(ctx context.Context, postgresURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Force UTC timezone to prevent timezone-related issues with TIMESTAMP columns
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return pool, nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: metrics server on %s stopped: %v", addr, err)
		}
	}()
	log.Printf("info: serving metrics on %s/metrics", addr)
	return srv
}
