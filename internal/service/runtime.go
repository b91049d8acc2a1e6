// Package service assembles the runtime from configuration: persistence,
// model providers, circuit breakers, the tool session cache, and the
// orchestrator, plus the operational surface around them (health and
// metrics endpoints, the maintenance schedule, and config reload).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/deskrunner/deskrunner/internal/breaker"
	"github.com/deskrunner/deskrunner/internal/config"
	"github.com/deskrunner/deskrunner/internal/observability"
	"github.com/deskrunner/deskrunner/internal/orchestrator"
	"github.com/deskrunner/deskrunner/internal/provider"
	"github.com/deskrunner/deskrunner/internal/recorder"
	"github.com/deskrunner/deskrunner/internal/store"
	"github.com/deskrunner/deskrunner/internal/toolclient"
	"github.com/deskrunner/deskrunner/pkg/models"
)

// backingStore is what a configured backend must provide: the runtime
// read/append surface plus provisioning for config-seeded agents.
type backingStore interface {
	store.Store
	store.Provisioner
}

// Options tunes runtime assembly beyond what the config file carries.
type Options struct {
	// ConfigPath enables live reload of agent settings when set. The
	// file is watched from Start until Shutdown.
	ConfigPath string

	// Logger overrides the logger built from the logging section.
	Logger *slog.Logger

	// Registry receives runtime metrics. Default: a private registry
	// exposed on /metrics.
	Registry *prometheus.Registry
}

// Runtime owns every long-lived component and their shutdown order.
type Runtime struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	registry   *prometheus.Registry
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	tracerStop func(context.Context) error

	store     backingStore
	providers *provider.Registry
	breakers  *breaker.Registry
	sessions  *toolclient.Cache
	orch      *orchestrator.Orchestrator

	cron    *cron.Cron
	watcher *config.Watcher

	http      *httpServer
	startTime time.Time
}

// New builds a runtime from cfg. The context bounds slow assembly steps
// such as AWS credential resolution and database connection checks.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("service: config is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:     cfg.Logging.Level,
			Format:    cfg.Logging.Format,
			AddSource: cfg.Logging.AddSource,
		})
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := observability.NewMetrics(registry)

	traceCfg := observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.Insecure,
	}
	if cfg.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Tracing.Endpoint
	}
	tracer, tracerStop := observability.NewTracer(traceCfg)

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	assembled := false
	defer func() {
		if !assembled {
			st.Close()
		}
	}()

	providers, names, err := buildProviders(ctx, cfg.Providers)
	if err != nil {
		return nil, err
	}

	breakers := breaker.NewRegistry(
		breaker.Config{
			FailureThreshold: cfg.Resilience.Breaker.FailureThreshold,
			Cooldown:         cfg.Resilience.Breaker.Cooldown,
			FailureWindow:    cfg.Resilience.Breaker.FailureWindow,
			OnStateChange: func(key string, from, to breaker.State) {
				metrics.RecordBreakerTransition(key, string(to))
				logger.Warn("circuit state change", "key", key, "from", string(from), "to", string(to))
			},
		},
		breaker.RetryConfig{
			MaxAttempts: cfg.Resilience.Retry.MaxAttempts,
			Policy: breaker.Policy{
				InitialMs: cfg.Resilience.Retry.InitialMs,
				MaxMs:     cfg.Resilience.Retry.MaxMs,
				Factor:    cfg.Resilience.Retry.Factor,
				Jitter:    cfg.Resilience.Retry.Jitter,
			},
		},
	)

	sessions := toolclient.NewCache(toolclient.CacheConfig{
		TTL:         cfg.Tools.SessionTTL,
		Client:      cfg.Tools.Client,
		CallTimeout: cfg.Tools.CallTimeout,
		Logger:      logger,
	})

	orch, err := orchestrator.New(orchestrator.Options{
		Store:        st,
		Providers:    providers,
		Breakers:     breakers,
		Sessions:     sessions,
		Recorder:     recorder.NewMultiRecorder(logger, recorder.NewStoreRecorder(st), recorder.NewLogRecorder(logger)),
		Metrics:      metrics,
		Tracer:       tracer,
		Logger:       logger,
		HistoryLimit: cfg.Store.HistoryLimit,
		MaxTokens:    cfg.Providers.MaxTokens,
		Temperature:  cfg.Providers.Temperature,
	})
	if err != nil {
		sessions.Close()
		return nil, err
	}

	rt := &Runtime{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		logger:     logger.With("component", "service"),
		registry:   registry,
		metrics:    metrics,
		tracer:     tracer,
		tracerStop: tracerStop,
		store:      st,
		providers:  providers,
		breakers:   breakers,
		sessions:   sessions,
		orch:       orch,
		cron:       cron.New(),
	}
	if err := rt.seedAgents(ctx, cfg.Agents); err != nil {
		sessions.Close()
		return nil, err
	}
	rt.cron.Schedule(cron.Every(cfg.Maintenance.SweepInterval), cron.FuncJob(rt.sweep))

	rt.logger.Info("runtime assembled",
		"store", cfg.Store.Backend,
		"providers", names,
		"agents", len(cfg.Agents))
	assembled = true
	return rt, nil
}

// Orchestrator returns the turn driver for embedding callers.
func (r *Runtime) Orchestrator() *orchestrator.Orchestrator {
	return r.orch
}

// Store returns the runtime's persistence backend.
func (r *Runtime) Store() store.Store {
	return r.store
}

// HTTPAddr returns the bound address of the operational HTTP listener,
// or "" before Start.
func (r *Runtime) HTTPAddr() string {
	if r.http == nil {
		return ""
	}
	return r.http.addr()
}

// Start binds the HTTP listener, starts the maintenance schedule, and,
// when a config path was given, begins watching it for changes.
func (r *Runtime) Start(ctx context.Context) error {
	r.startTime = time.Now()

	srv, err := startHTTP(r.cfg.Server.Addr(), r.registry, r.handleHealthz, r.logger)
	if err != nil {
		return err
	}
	r.http = srv

	r.cron.Start()

	if path := r.configPath; path != "" {
		watcher, err := config.Watch(ctx, config.WatchConfig{
			Path:    path,
			Initial: r.cfg,
			Logger:  r.logger,
			OnReload: func(next *config.Config) {
				seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := r.seedAgents(seedCtx, next.Agents); err != nil {
					r.logger.Error("re-seed agents after config reload", "error", err)
				}
			},
			OnAgentChange: func(agentID string) {
				n := r.sessions.InvalidateAgent(agentID)
				r.logger.Info("agent settings changed, tool sessions invalidated",
					"agent_id", agentID, "sessions", n)
			},
		})
		if err != nil {
			r.cron.Stop()
			_ = r.http.stop(context.Background())
			r.http = nil
			return fmt.Errorf("watch config: %w", err)
		}
		r.watcher = watcher
	}

	r.logger.Info("runtime started", "addr", r.HTTPAddr())
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts
// down with a 10 second grace period.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops components in reverse dependency order: stop taking
// new work first, then close what the work was using.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if r.watcher != nil {
		if err := r.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher: %w", err))
		}
		r.watcher = nil
	}

	cronDone := r.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("maintenance jobs: %w", ctx.Err()))
	}

	if r.http != nil {
		if err := r.http.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		r.http = nil
	}

	if err := r.sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tool sessions: %w", err))
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := r.tracerStop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}

	r.logger.Info("runtime stopped")
	return errors.Join(errs...)
}

// sweep evicts expired tool sessions and prunes breaker state that has
// been idle past the configured horizon.
func (r *Runtime) sweep() {
	now := time.Now()
	expired := r.sessions.Sweep(now)
	r.metrics.SetActiveToolSessions(r.sessions.Len())
	pruned := r.breakers.Prune(now.Add(-r.cfg.Maintenance.BreakerIdleAfter))
	if expired > 0 || pruned > 0 {
		r.logger.Debug("maintenance sweep", "expired_sessions", expired, "pruned_breakers", pruned)
	}
}

// seedAgents writes config-declared agents into the store so threads can
// reference them. Entries already validated at config load.
func (r *Runtime) seedAgents(ctx context.Context, agents []models.AgentConfig) error {
	for i := range agents {
		agent := agents[i]
		if err := r.store.SaveAgentConfig(ctx, &agent); err != nil {
			return fmt.Errorf("seed agent %s: %w", agent.AgentID, err)
		}
	}
	return nil
}

func openStore(cfg config.StoreConfig) (backingStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemory(), nil
	case "sqlite":
		s, err := store.NewSQLite(store.SQLiteConfig{Path: cfg.Path})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := store.NewPostgres(cfg.DSN, nil)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func buildProviders(ctx context.Context, cfg config.ProvidersConfig) (*provider.Registry, []string, error) {
	registry := provider.NewRegistry()
	var names []string

	if cfg.Anthropic.Enabled {
		p, err := provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:           cfg.Anthropic.APIKey,
			BaseURL:          cfg.Anthropic.BaseURL,
			DefaultModel:     cfg.Anthropic.DefaultModel,
			DefaultMaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic provider: %w", err)
		}
		registry.Register(p)
		names = append(names, "anthropic")
	}
	if cfg.OpenAI.Enabled {
		p, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:           cfg.OpenAI.APIKey,
			BaseURL:          cfg.OpenAI.BaseURL,
			DefaultModel:     cfg.OpenAI.DefaultModel,
			DefaultMaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("openai provider: %w", err)
		}
		registry.Register(p)
		names = append(names, "openai")
	}
	if cfg.Bedrock.Enabled {
		p, err := provider.NewBedrock(ctx, provider.BedrockConfig{
			Region:           cfg.Bedrock.Region,
			AccessKeyID:      cfg.Bedrock.AccessKeyID,
			SecretAccessKey:  cfg.Bedrock.SecretAccessKey,
			SessionToken:     cfg.Bedrock.SessionToken,
			DefaultModel:     cfg.Bedrock.DefaultModel,
			DefaultMaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("bedrock provider: %w", err)
		}
		registry.Register(p)
		names = append(names, "bedrock")
	}

	if len(names) == 0 {
		return nil, nil, errors.New("service: no providers enabled")
	}
	return registry, names, nil
}
