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

// Package daemon wires the execution framework into the dispatchd
// process: ledger, executors, dispatcher, DLQ, workflows, and the HTTP
// API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runbeam/dispatch/internal/config"
	"github.com/runbeam/dispatch/internal/daemon/api"
	"github.com/runbeam/dispatch/internal/log"
	"github.com/runbeam/dispatch/internal/metrics"
	"github.com/runbeam/dispatch/internal/tracing"
	"github.com/runbeam/dispatch/pkg/dispatch"
	"github.com/runbeam/dispatch/pkg/dlq"
	"github.com/runbeam/dispatch/pkg/executor"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/ledger/postgres"
	"github.com/runbeam/dispatch/pkg/ledger/sqlite"
	"github.com/runbeam/dispatch/pkg/registry"
	"github.com/runbeam/dispatch/pkg/resilience"
	"github.com/runbeam/dispatch/pkg/work"
	"github.com/runbeam/dispatch/pkg/workflow"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// store is the combined persistence surface every backend implements.
type store interface {
	ledger.Ledger
	ledger.DLQStore
}

// Daemon is the main dispatchd daemon.
type Daemon struct {
	cfg        *config.Config
	opts       Options
	logger     *slog.Logger
	server     *http.Server
	ln         net.Listener
	store      store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	executor   executor.Executor
	dlq        *dlq.Manager
	collector  *metrics.Collector
	tracer     *tracing.Provider

	draining atomic.Bool
	bgCancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New creates a new daemon instance. Handlers registered on Registry()
// before Start become submittable through the API.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.WithComponent(log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
	}), "daemon")

	st, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	tracer, err := tracing.NewProvider(cfg.Tracing.ServiceName, cfg.Tracing.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	reg := registry.New()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		store:     st,
		registry:  reg,
		collector: collector,
		tracer:    tracer,
	}

	policy := d.buildPolicy()

	var ex executor.Executor
	switch cfg.Executor.Default {
	case "memory":
		ex = executor.NewMemoryExecutor(st, logger, policy, d.onFinish)
	default:
		lanes := make(map[string]executor.LaneConfig, len(cfg.Executor.Local.Lanes))
		for _, lane := range cfg.Executor.Local.Lanes {
			lanes[lane.Name] = executor.LaneConfig{
				Workers:   lane.Workers,
				QueueSize: lane.QueueSize,
			}
		}
		ex = executor.NewLocalExecutor(executor.LocalConfig{
			MaxConcurrent:    cfg.Executor.Local.MaxConcurrent,
			Lanes:            lanes,
			HeartbeatTimeout: cfg.Executor.Local.HeartbeatTimeout.Std(),
		}, st, logger, policy, d.onFinish)
	}
	d.executor = ex

	var dlqManager *dlq.Manager
	if cfg.DLQ.Enabled {
		dlqManager = dlq.NewManager(st, st, log.WithComponent(logger, "dlq"))
	}
	d.dlq = dlqManager

	var guard resilience.ConcurrencyGuard = resilience.NewMemoryGuard()

	var dispatchMetrics dispatch.Metrics
	if collector != nil {
		dispatchMetrics = collector
	}
	dispatcher, err := dispatch.New(dispatch.Config{
		Registry:        reg,
		Ledger:          st,
		Guard:           guard,
		Logger:          log.WithComponent(logger, "dispatch"),
		Metrics:         dispatchMetrics,
		DLQ:             dlqManager,
		DefaultExecutor: ex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	d.dispatcher = dispatcher

	if dlqManager != nil {
		dlqManager.SetSubmitter(dispatcher)
	}

	if cfg.Workflows.Dir != "" {
		if err := d.loadWorkflows(cfg.Workflows.Dir); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// newStore creates the configured ledger backend.
func newStore(cfg *config.Config) (store, error) {
	switch cfg.Ledger.Backend {
	case "postgres":
		st, err := postgres.New(postgres.Config{
			DSN:          cfg.Ledger.Postgres.DSN,
			MaxOpenConns: cfg.Ledger.Postgres.MaxOpenConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres ledger: %w", err)
		}
		return st, nil
	case "memory":
		return ledger.NewMemoryLedger(), nil
	default:
		st, err := sqlite.New(sqlite.Config{
			Path: cfg.Ledger.SQLite.Path,
			WAL:  cfg.Ledger.SQLite.WAL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite ledger: %w", err)
		}
		return st, nil
	}
}

// buildPolicy assembles the resilience chain configuration shared by all
// executors.
func (d *Daemon) buildPolicy() executor.ResiliencePolicy {
	cfg := d.cfg

	backoff, err := resilience.ParseBackoff(cfg.Retry.Backoff, cfg.Retry.Base.Std(), cfg.Retry.MaxDelay.Std())
	if err != nil {
		// Validate caught unknown names already; this is a default guard.
		backoff = resilience.ExponentialBackoff{Base: time.Second, MaxDelay: 30 * time.Second}
	}

	policy := executor.ResiliencePolicy{
		Backoff: backoff,
		Jitter:  resilience.Jitter(cfg.Retry.Jitter),
	}

	if cfg.Circuit.Enabled {
		var mu sync.Mutex
		breakers := map[string]*resilience.Breaker{}
		policy.BreakerFor = func(handler string) *resilience.Breaker {
			mu.Lock()
			defer mu.Unlock()
			b, ok := breakers[handler]
			if !ok {
				b = resilience.NewBreaker(resilience.BreakerConfig{
					Name:             handler,
					FailureThreshold: cfg.Circuit.FailureThreshold,
					FailureWindow:    cfg.Circuit.FailureWindow.Std(),
					RecoveryTimeout:  cfg.Circuit.RecoveryTimeout.Std(),
					OnStateChange:    d.onBreakerStateChange,
				})
				breakers[handler] = b
			}
			return b
		}
	}

	if cfg.Rate.Enabled {
		limiters := resilience.NewKeyedLimiter(func() resilience.Limiter {
			if cfg.Rate.Algorithm == "sliding_window" {
				return resilience.NewSlidingWindow(cfg.Rate.Window.Std(), cfg.Rate.MaxRequests)
			}
			return resilience.NewTokenBucket(cfg.Rate.Capacity, cfg.Rate.RefillPerSec)
		}, time.Hour)
		policy.LimiterFor = func(lane string) resilience.Limiter {
			return limiters.Get(lane)
		}
		policy.BlockingLimiter = cfg.Rate.Blocking
	}

	return policy
}

// onFinish is invoked by executors after every terminal transition.
func (d *Daemon) onFinish(ctx context.Context, run *work.Run) {
	d.dispatcher.HandleFinish(ctx, run)
}

// onBreakerStateChange logs and records breaker transitions.
func (d *Daemon) onBreakerStateChange(name, from, to string) {
	d.logger.Warn("circuit breaker state change",
		slog.String("handler", name),
		slog.String("from", from),
		slog.String("to", to))
	if d.collector != nil {
		d.collector.RecordBreakerState(name, to)
	}
}

// loadWorkflows parses and registers YAML workflow definitions from the
// configured directory. Each definition registers under its own name in
// the pipeline namespace.
func (d *Daemon) loadWorkflows(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read workflows dir: %w", err)
	}

	runner := workflow.NewTrackedRunner(&workflow.Runner{
		Submitter: d.dispatcher,
		Logger:    log.WithComponent(d.logger, "workflow"),
	}, d.store, d.logger)

	count := 0
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read workflow %s: %w", entry.Name(), err)
		}
		def, err := workflow.ParseDefinition(data)
		if err != nil {
			return fmt.Errorf("failed to parse workflow %s: %w", entry.Name(), err)
		}
		if err := workflow.Register(d.registry, runner, def); err != nil {
			return fmt.Errorf("failed to register workflow %s: %w", entry.Name(), err)
		}
		count++
	}

	d.logger.Info("workflows loaded",
		slog.String("dir", dir),
		slog.Int("count", count))
	return nil
}

// Registry returns the handler registry for task registration before
// Start.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Dispatcher returns the wired dispatcher.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

// IsDraining reports whether graceful shutdown has begun.
func (d *Daemon) IsDraining() bool {
	return d.draining.Load()
}

// Start starts the daemon and blocks until the context is cancelled or
// the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.Listen, err)
	}
	d.ln = ln

	router := api.NewRouter(api.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
		Logger:    log.WithComponent(d.logger, "api"),
	})
	router.SetRegistry(d.registry)
	router.SetHealthChecker(d.dispatcher)
	router.SetDrainChecker(d)

	runsHandler := api.NewRunsHandler(d.dispatcher, d)
	runsHandler.RegisterRoutes(router.Mux())

	if d.dlq != nil {
		dlqHandler := api.NewDLQHandler(d.dlq)
		dlqHandler.RegisterRoutes(router.Mux())
	}

	if d.collector != nil {
		router.SetMetricsHandler(metrics.Handler())
	}

	// Background loops: DLQ retention and metrics sampling.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	d.bgCancel = bgCancel

	if d.dlq != nil && d.cfg.DLQ.RetentionDays > 0 {
		retention := time.Duration(d.cfg.DLQ.RetentionDays) * 24 * time.Hour
		go d.dlq.RetentionLoop(bgCtx, retention, d.cfg.DLQ.PurgeInterval.Std())
	}

	if d.collector != nil {
		if sampler, ok := d.executor.(metrics.ExecutorSampler); ok {
			go d.collector.Poll(bgCtx.Done(), 5*time.Second, sampler)
		}
	}

	d.server = &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("dispatchd starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("ledger_backend", d.cfg.Ledger.Backend),
		slog.String("executor", d.executor.Name()))

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

// Shutdown gracefully shuts down the daemon: stop accepting work, drain
// in-flight runs, then release resources.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.draining.Store(true)
	d.logger.Info("graceful shutdown initiated")

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	drainTimeout := d.cfg.Server.ShutdownTimeout.Std()
	if err := d.executor.Drain(ctx, drainTimeout); err != nil {
		d.logger.Warn("drain timeout exceeded",
			log.Error(err),
			slog.Duration("drain_timeout", drainTimeout))
	} else {
		d.logger.Info("all runs completed during drain")
	}

	if d.bgCancel != nil {
		d.bgCancel()
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", log.Error(err))
		}
	}

	if err := d.executor.Close(); err != nil {
		d.logger.Error("executor close error", log.Error(err))
	}

	if d.tracer != nil {
		if err := d.tracer.Shutdown(ctx); err != nil {
			d.logger.Error("tracing shutdown error", log.Error(err))
		}
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error("failed to close ledger", log.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}
