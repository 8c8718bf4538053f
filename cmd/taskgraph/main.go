// Package main is the entry point for the taskgraph service.
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

	"github.com/panjf2000/ants/v2"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/api"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/archive"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/config"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/llm"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/validator"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting taskgraph",
		slog.String("version", version),
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "mentatlab-taskgraph",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", slog.Any("error", err))
		os.Exit(1)
	}

	store := newRunStore(cfg, logger)
	defer store.Close()

	agents := newRegistry(ctx, cfg, logger)
	defer agents.Close()

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", slog.Any("error", err))
		os.Exit(1)
	}

	arch, err := archive.New(&archive.Config{
		Type:            cfg.ArchiveType,
		Endpoint:        cfg.ArchiveEndpoint,
		Bucket:          cfg.ArchiveBucket,
		Region:          cfg.ArchiveRegion,
		AccessKeyID:     cfg.ArchiveAccessKey,
		SecretAccessKey: cfg.ArchiveSecretKey,
		UseSSL:          cfg.ArchiveUseSSL,
		PathPrefix:      "taskgraph",
	})
	if err != nil {
		logger.Error("failed to create archive", slog.Any("error", err))
		os.Exit(1)
	}

	router := newRouter(cfg, store, agents, logger)

	var (
		answerer   orchestrator.Answerer
		summarizer orchestrator.Summarizer
	)
	if cfg.LLMAPIKey != "" {
		client := llm.NewClient(&llm.Config{
			APIKey:     cfg.LLMAPIKey,
			BaseURL:    cfg.LLMBaseURL,
			Model:      cfg.LLMModel,
			MaxRetries: 2,
		}, logger)
		answerer = llm.NewAnswerer(client)
		summarizer = llm.NewSummarizer(client)
		logger.Info("llm enabled", slog.String("model", cfg.LLMModel))
	} else {
		logger.Warn("no llm api key; pauses are always forwarded and summaries are plain lists")
	}

	orch := orchestrator.New(router, answerer, summarizer,
		orchestrator.WithPlanValidator(v),
		orchestrator.WithRecorder(orchestrator.NewRunRecorder(store, arch, logger)),
		orchestrator.WithLogger(logger),
		orchestrator.WithMaxAutoResume(cfg.MaxAutoResume),
		orchestrator.WithMaxCycles(cfg.MaxWalkCycles),
	)

	sessions := orchestrator.NewSessions(&orchestrator.SessionsConfig{
		IdleTTL:       cfg.SessionIdleTTL,
		SweepInterval: time.Minute,
		MaxHistory:    cfg.MaxHistory,
		MaxResults:    cfg.MaxResults,
	}, logger)
	go sessions.Run(ctx)

	pool, err := ants.NewPool(cfg.MaxConcurrentSessions, ants.WithNonblocking(true))
	if err != nil {
		logger.Error("failed to create worker pool", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Release()

	opts := &api.ServerOptions{
		CORSOrigins: cfg.CORSOrigins,
		Tracing:     tp,
	}
	if cfg.RateLimitRPS > 0 {
		limiter := auth.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go limiter.Run(ctx)
		opts.RateLimiter = limiter
	}
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			logger.Error("failed to create OIDC provider", slog.Any("error", err))
			os.Exit(1)
		}
		opts.Auth = auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true}, logger)
		logger.Info("OIDC authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	handlers := api.NewHandlers(api.Deps{
		Orchestrator: orch,
		Sessions:     sessions,
		Store:        store,
		Agents:       agents,
		Validator:    v,
		Archive:      arch,
		Pool:         pool,
		Logger:       logger,
	})
	server := api.NewServer(handlers, opts)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", slog.Any("error", err))
	}
	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func newRunStore(cfg *config.Config, logger *slog.Logger) runstore.RunStore {
	memory := func() runstore.RunStore {
		logger.Info("using in-memory runstore")
		return runstore.NewMemoryStore(&runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTL:         cfg.RunStoreTTL,
		})
	}
	if cfg.RunStoreType != "redis" {
		return memory()
	}

	store, err := runstore.NewRedisStore(&runstore.RedisConfig{
		URL:         cfg.RedisURL,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Prefix:      "taskgraph:runs",
		TTL:         cfg.RunStoreTTL,
		EventMaxLen: cfg.EventMaxLen,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to Redis, falling back to memory store", slog.Any("error", err))
		return memory()
	}
	logger.Info("using Redis runstore", slog.String("url", cfg.RedisURL))
	return store
}

type closableRegistry interface {
	registry.AgentRegistry
	Close() error
}

func newRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) closableRegistry {
	var reg closableRegistry = registry.NewMemoryRegistry()
	if cfg.RegistryType == "redis" {
		r, err := registry.NewRedisRegistry(&registry.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "taskgraph:agents",
		})
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory registry", slog.Any("error", err))
		} else {
			reg = r
		}
	}

	if cfg.AgentsFile != "" {
		n, err := registry.Seed(ctx, reg, cfg.AgentsFile)
		if err != nil {
			logger.Error("failed to seed agents", slog.String("file", cfg.AgentsFile), slog.Any("error", err))
		} else {
			logger.Info("seeded agents", slog.Int("count", n), slog.String("file", cfg.AgentsFile))
		}
	}
	return reg
}

func newRouter(cfg *config.Config, store runstore.RunStore, agents registry.AgentRegistry, logger *slog.Logger) *driver.Router {
	emitter := driver.NewRunStoreEmitter(store, logger)

	opts := []driver.RouterOption{
		driver.WithTimeout(cfg.DriverTimeout),
		driver.WithRouterLogger(logger),
		driver.WithDriver(registry.RuntimeSubprocess, driver.NewSubprocessDriver(emitter, &driver.SubprocessConfig{
			EnvPassthrough: map[string]string{
				"TASKGRAPH_URL": "http://localhost:" + cfg.Port,
			},
		})),
		driver.WithDriver(registry.RuntimeA2A, driver.NewA2ADriver(logger)),
	}

	if cfg.K8sEnabled {
		jobCfg := k8s.DefaultJobConfig()
		jobCfg.Namespace = cfg.K8sNamespace
		k8sDriver, err := driver.NewK8sDriver(emitter, &driver.K8sDriverConfig{
			K8sConfig: &k8s.Config{
				InCluster:  cfg.K8sInCluster,
				Kubeconfig: cfg.K8sKubeconfig,
				Namespace:  cfg.K8sNamespace,
			},
			JobConfig: jobCfg,
			Timeout:   cfg.DriverTimeout,
		}, logger)
		if err != nil {
			logger.Error("failed to create k8s driver, k8s agents disabled", slog.Any("error", err))
		} else {
			opts = append(opts, driver.WithDriver(registry.RuntimeK8s, k8sDriver))
			logger.Info("k8s driver enabled", slog.String("namespace", cfg.K8sNamespace))
		}
	}

	return driver.NewRouter(registry.NewResolver(agents, logger), opts...)
}
