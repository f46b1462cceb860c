// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tombarlow/orchestrator/internal/agentbackend"
	"github.com/tombarlow/orchestrator/internal/collab"
	"github.com/tombarlow/orchestrator/internal/daemon/auth"
	"github.com/tombarlow/orchestrator/internal/eventbus"
	"github.com/tombarlow/orchestrator/internal/jobmanager"
	"github.com/tombarlow/orchestrator/internal/jobqueue"
	"github.com/tombarlow/orchestrator/internal/metrics"
	"github.com/tombarlow/orchestrator/internal/orchestapi"
	"github.com/tombarlow/orchestrator/internal/ratelimit"
	"github.com/tombarlow/orchestrator/internal/store"
	"github.com/tombarlow/orchestrator/internal/store/memstore"
	"github.com/tombarlow/orchestrator/internal/store/redisstore"
	"github.com/tombarlow/orchestrator/internal/store/sqlitestore"
	"github.com/tombarlow/orchestrator/pkg/workflow"
)

// Options contains daemon options set at build time, matching the
// teacher's Options (version/commit/buildDate passed through from main).
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon composes C1-C9 into the running orchestratord process: state
// store, admission control, agent backends, per-backend schedulers, the
// event bus, the job manager, the workflow/collab engine, metrics and the
// HTTP API, following the teacher's Daemon struct/New/Start/Shutdown shape
// (internal/daemon/daemon.go). The teacher's daemon also wired subpackages
// this service has no use for (api, runner, scheduler, trigger, queue,
// endpoint, webhook, remote, connector, mcp, action, rpc, secrets, client,
// llm's discovery/cost layers); those had zero callers from this package
// and were deleted rather than carried as dead weight — see DESIGN.md.
type Daemon struct {
	cfg    *Config
	opts   Options
	logger *slog.Logger

	store       store.Store
	limiter     *ratelimit.Limiter
	registry    *agentbackend.Registry
	bus         *eventbus.Bus
	manager     *jobmanager.Manager
	metrics     *metrics.Provider
	authMw      *auth.Middleware
	executor    *workflow.Executor

	ln     net.Listener
	server *http.Server

	mu      sync.Mutex
	started bool
}

// New wires every C1-C9 component from cfg, mirroring the teacher's
// backend-selection-then-runner-then-auth-then-otel construction order,
// substituting jobmanager.Manager for runner.Runner and the ratelimit/
// agentbackend/jobqueue/eventbus components this spec adds.
func New(cfg *Config, opts Options) (*Daemon, error) {
	logger := slog.Default().With(slog.String("component", "daemon"))

	st, err := newStore(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("daemon: create store: %w", err)
	}

	limiter := ratelimit.New(st, logger)
	for name, spec := range cfg.RateLimits {
		limitCfg, err := ratelimit.ParseLimit(name, spec)
		if err != nil {
			return nil, fmt.Errorf("daemon: parse rate limit %q: %w", name, err)
		}
		limiter.AddLimit(limitCfg)
	}

	registry := agentbackend.NewRegistry()
	registry.RegisterFactory(agentbackend.KindCLI, func(c agentbackend.Config) (agentbackend.Backend, error) {
		return agentbackend.NewCLIBackend(agentbackend.CLIConfig{
			ExecutablePath: stringOption(c.Options, "executablePath", "claude"),
			PostProcessor:  c.PostProcessor,
			Logger:         logger,
		}), nil
	})
	registry.RegisterFactory(agentbackend.KindDSL, func(c agentbackend.Config) (agentbackend.Backend, error) {
		return agentbackend.NewDSLBackend(agentbackend.DSLConfig{Logger: logger}), nil
	})
	if err := registry.Activate(agentbackend.KindCLI, agentbackend.Config{}); err != nil {
		logger.Warn("CLI backend unavailable", slog.Any("error", err))
	}
	if err := registry.Activate(agentbackend.KindDSL, agentbackend.Config{}); err != nil {
		logger.Warn("DSL backend unavailable", slog.Any("error", err))
	}

	var metricsProvider *metrics.Provider
	if cfg.Observability.Enabled {
		metricsProvider, err = metrics.NewProvider(cfg.Observability.ServiceName, cfg.Observability.ServiceVersion, cfg.Observability.SampleSize)
		if err != nil {
			logger.Warn("failed to initialize metrics provider", slog.Any("error", err))
			metricsProvider = nil
		}
	}

	// Forward-declared so the snapshotter closure can read the manager
	// once it exists (the bus must exist before the manager, and the
	// manager is the thing that knows current job state), mirroring
	// jobmanager's own documented construction-order pattern.
	var mgr *jobmanager.Manager
	bus := eventbus.New(
		eventbus.WithLogger(logger),
		eventbus.WithSnapshotter(func(jobID string) (eventbus.Event, bool) {
			if mgr == nil {
				return eventbus.Event{}, false
			}
			ev, ok := mgr.SnapshotEvent(jobID)
			return ev, ok
		}),
	)

	mgrOpts := []jobmanager.Option{}
	if metricsProvider != nil {
		mgrOpts = append(mgrOpts, jobmanager.WithMetricsSink(metricsSinkFor(metricsProvider)))
	}
	mgr = jobmanager.New(jobmanager.Config{
		BufferMaxBytes: cfg.BufferMaxBytes,
		DefaultTimeout: cfg.DefaultJobTimeout,
		ActiveTTL:      cfg.ActiveTTL,
		RetentionTTL:   cfg.RetentionTTL,
	}, st, bus, registry, mgrOpts...)

	for kindStr, qcfg := range cfg.BackendQueues {
		sched := jobqueue.New(jobqueue.Config{
			MaxConcurrent: qcfg.MaxConcurrent,
			MaxQueueSize:  qcfg.MaxQueueSize,
		})
		mgr.RegisterBackendQueue(agentbackend.Kind(kindStr), sched)
	}

	apiKeys := make([]auth.APIKey, len(cfg.Auth.APIKeys))
	for i, key := range cfg.Auth.APIKeys {
		apiKeys[i] = auth.APIKey{Key: key, Name: fmt.Sprintf("key-%d", i+1), CreatedAt: time.Now()}
	}
	authMw := auth.NewMiddleware(auth.Config{
		Enabled:         cfg.Auth.Enabled,
		APIKeys:         apiKeys,
		AllowUnixSocket: cfg.Auth.AllowUnixSocket,
		Logger:          logger,
	})

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		store:    st,
		limiter:  limiter,
		registry: registry,
		bus:      bus,
		manager:  mgr,
		metrics:  metricsProvider,
		authMw:   authMw,
	}

	toolRegistry := d.newToolRegistry()
	d.executor = workflow.NewExecutor(
		toolRegistryAdapter{reg: toolRegistry},
		llmProviderAdapter{daemon: d, backendKind: agentbackend.KindCLI},
	).WithLogger(logger)

	return d, nil
}

func newStore(cfg BackendConfig) (store.Store, error) {
	switch cfg.Type {
	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), nil
	case "sqlite":
		return sqlitestore.New(sqlitestore.Config{
			Path: cfg.SQLite.Path,
			WAL:  true,
		})
	case "memory", "":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

func stringOption(opts map[string]any, key, fallback string) string {
	if opts == nil {
		return fallback
	}
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// metricsSinkFor adapts jobmanager.MetricsSink to metrics.Provider.RecordTerminal,
// per DESIGN.md's C9 wiring note (Status -> Outcome, Kind -> dimension name).
func metricsSinkFor(p *metrics.Provider) jobmanager.MetricsSink {
	return func(backendKind agentbackend.Kind, status jobmanager.Status, durationMs int64) {
		var outcome metrics.Outcome
		switch status {
		case jobmanager.StatusCompleted:
			outcome = metrics.OutcomeCompleted
		case jobmanager.StatusFailed:
			outcome = metrics.OutcomeFailed
		case jobmanager.StatusTimeout:
			outcome = metrics.OutcomeTimeout
		case jobmanager.StatusCancelled:
			outcome = metrics.OutcomeCancelled
		default:
			return
		}
		p.RecordTerminal(context.Background(), string(backendKind), outcome, durationMs)
	}
}

// respondViaCLI builds a collab.Responder over the CLI backend, used by
// self-critique/discussion handlers that need a single completion call
// rather than a full streamed job.
func (d *Daemon) respondViaBackend(kind string) collab.Responder {
	backendKind := agentbackend.Kind(kind)
	if backendKind == "" {
		backendKind = agentbackend.KindCLI
	}
	return collab.ResponderFunc(func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		backend, err := d.registry.Get(backendKind)
		if err != nil {
			return "", err
		}
		var noopSink agentbackend.Sink = func(agentbackend.Event) {}
		result, err := backend.Execute(ctx, agentbackend.Input{Fields: map[string]any{
			"systemPrompt": systemPrompt,
			"prompt":       userPrompt,
		}}, noopSink)
		if err != nil {
			return "", err
		}
		if result.ResultPayload != nil {
			if s, ok := result.ResultPayload.(string); ok {
				return s, nil
			}
			return fmt.Sprintf("%v", result.ResultPayload), nil
		}
		return result.Stdout, nil
	})
}

// Start starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	ln, err := newListener(d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	d.ln = ln

	router := orchestapi.NewRouter(orchestapi.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
		Logger:    d.logger,
	})

	jobsHandler := orchestapi.NewJobsHandler(d.manager, d.limiter)
	jobsHandler.RegisterRoutes(router.Mux())

	workflowHandler := orchestapi.NewWorkflowHandler(d.executor, d.limiter, d.respondViaBackend)
	workflowHandler.RegisterRoutes(router.Mux())

	if d.metrics != nil {
		router.SetMetricsHandler(NewCombinedMetricsHandler(d.metrics.MetricsHandler(), d.metrics.Collector()))
	}

	var handler http.Handler = router
	if d.authMw != nil {
		handler = d.authMw.Wrap(handler)
	}

	d.server = &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("orchestratord starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the daemon, draining in-flight jobs
// before closing the HTTP server and store, mirroring the teacher's
// drain-then-close-server-then-close-backend ordering.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")

	d.manager.StartDraining()
	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	drainCtx, cancel := context.WithTimeout(ctx, d.cfg.DrainTimeout)
	defer cancel()
	d.manager.WaitForDrain(drainCtx, d.cfg.DrainTimeout)

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", slog.Any("error", err))
		}
	}

	if d.cfg.Listen.SocketPath != "" {
		if err := os.Remove(d.cfg.Listen.SocketPath); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove socket file", slog.Any("error", err))
		}
	}

	if d.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.metrics.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("metrics provider shutdown error", slog.Any("error", err))
		}
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error("failed to close store", slog.Any("error", err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// newListener opens a Unix socket or TCP listener per ListenConfig,
// grounded on internal/daemon/listener's socket-or-tcp selection (its own
// implementation file was not retrieved, so this reimplements the same
// net.Listen dispatch directly).
func newListener(cfg ListenConfig) (net.Listener, error) {
	if cfg.TCPAddr != "" {
		return net.Listen("tcp", cfg.TCPAddr)
	}
	if cfg.SocketPath != "" {
		_ = os.Remove(cfg.SocketPath)
		return net.Listen("unix", cfg.SocketPath)
	}
	return nil, fmt.Errorf("listen: no socket_path or tcp_addr configured")
}
