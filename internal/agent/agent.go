// Package agent wires the host file, reconciler, supervisor, observers and
// status server into one running hostwatch process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/hostwatch/internal/config"
	"github.com/postalsys/hostwatch/internal/health"
	"github.com/postalsys/hostwatch/internal/hosts"
	"github.com/postalsys/hostwatch/internal/icmp"
	"github.com/postalsys/hostwatch/internal/logging"
	"github.com/postalsys/hostwatch/internal/metrics"
	"github.com/postalsys/hostwatch/internal/notify"
	"github.com/postalsys/hostwatch/internal/observer"
	"github.com/postalsys/hostwatch/internal/probe"
	"github.com/postalsys/hostwatch/internal/reconcile"
	"github.com/postalsys/hostwatch/internal/recovery"
	"github.com/postalsys/hostwatch/internal/supervisor"
)

// resolveTimeout bounds a single DNS lookup.
const resolveTimeout = 5 * time.Second

// Option customizes an Agent.
type Option func(*Agent)

// WithLogger replaces the logger built from the agent config.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithDialer replaces the raw socket dialer.
func WithDialer(d icmp.Dialer) Option {
	return func(a *Agent) { a.dialer = d }
}

// WithResolver replaces the DNS resolver.
func WithResolver(r probe.Resolver) Option {
	return func(a *Agent) { a.resolver = r }
}

// Agent is the main hostwatch process.
type Agent struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	dialer   icmp.Dialer
	resolver probe.Resolver

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	observer observer.Observer

	source       hosts.Source
	signal       *notify.Signal
	watcher      *notify.Watcher
	supervisor   *supervisor.Supervisor
	reconciler   *reconcile.Reconciler
	healthServer *health.Server

	running  atomic.Bool
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	a := &Agent{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		if cfg.Agent.LogFile != "" {
			logger, closer, err := logging.NewFileLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat, cfg.Agent.LogFile)
			if err != nil {
				return nil, err
			}
			a.logger, a.logCloser = logger, closer
		} else {
			a.logger = logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
		}
	}
	if a.dialer == nil {
		a.dialer = icmp.RawDialer{}
	}
	if a.resolver == nil {
		a.resolver = probe.NewResolver(resolveTimeout)
	}

	if err := a.initComponents(); err != nil {
		a.closeLog()
		return nil, err
	}
	return a, nil
}

func (a *Agent) initComponents() error {
	// Each agent gets its own registry so tests can build several.
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewMetricsWithRegistry(a.registry)
	a.observer = observer.Multi{observer.NewLogger(a.logger), a.metrics}

	a.source = hosts.FileSource{Path: a.cfg.Hosts.File}
	a.signal = notify.NewSignal()

	id := icmp.ProcessIdentifier()
	sup, err := supervisor.New(supervisor.Options{
		Factory: func(host string, hc hosts.HostConfig) supervisor.Runner {
			return probe.New(host, hc, probe.Options{
				BindAddress: a.cfg.Probe.BindAddress,
				Identifier:  id,
				Dialer:      a.dialer,
				Resolver:    a.resolver,
				Observer:    a.observer,
				Logger:      a.logger,
			})
		},
		StartRate:  a.cfg.Probe.StartRate,
		StartBurst: a.cfg.Probe.StartBurst,
		Observer:   a.observer,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}
	a.supervisor = sup

	a.reconciler = reconcile.New(reconcile.Options{
		Source:     a.source,
		Supervisor: a.supervisor,
		Notifier:   a.signal,
		Observer:   a.observer,
		Logger:     a.logger,
	})

	if a.cfg.HTTP.Enabled {
		srvCfg := health.DefaultServerConfig()
		if a.cfg.HTTP.Address != "" {
			srvCfg.Address = a.cfg.HTTP.Address
		}
		if a.cfg.HTTP.ReadTimeout > 0 {
			srvCfg.ReadTimeout = a.cfg.HTTP.ReadTimeout
		}
		if a.cfg.HTTP.WriteTimeout > 0 {
			srvCfg.WriteTimeout = a.cfg.HTTP.WriteTimeout
		}
		srvCfg.MetricsHandler = a.MetricsHandler()
		a.healthServer = health.NewServer(srvCfg, a)
	}

	return nil
}

// Start loads the host file, starts one monitor per host and begins watching
// the file for changes. A host file that cannot be parsed is fatal here; on
// later reloads the previous host set is kept instead.
func (a *Agent) Start() error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}

	a.logger.Info("starting agent",
		logging.KeyComponent, "agent",
		logging.KeyPath, a.cfg.Hosts.File)

	initial, err := a.source.Load()
	if err != nil {
		return fmt.Errorf("load host file: %w", err)
	}

	w, err := notify.NewWatcher(a.cfg.Hosts.File, a.cfg.Hosts.Debounce, a.signal, a.logger)
	if err != nil {
		return fmt.Errorf("watch host file: %w", err)
	}
	a.watcher = w

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.logger.Error("failed to start HTTP server",
				logging.KeyAddress, a.cfg.HTTP.Address,
				logging.KeyError, err)
			w.Close()
			return fmt.Errorf("start HTTP server: %w", err)
		}
		a.logger.Info("HTTP server started",
			logging.KeyAddress, a.healthServer.Address())
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.running.Store(true)

	// Over capacity on startup is reported but not fatal: the process idles
	// with no hosts until the file is fixed.
	if _, err := a.reconciler.Apply(initial); errors.Is(err, reconcile.ErrCapacityExceeded) {
		a.logger.Warn("initial host set rejected, waiting for a valid host file", logging.KeyError, err)
	}

	a.wg.Add(2)
	recovery.Go(a.logger, "watcher", func() {
		defer a.wg.Done()
		a.watcher.Run(a.ctx)
	})
	recovery.Go(a.logger, "reconciler", func() {
		defer a.wg.Done()
		a.reconciler.Run(a.ctx)
	})

	a.logger.Info("agent started",
		logging.KeyCount, a.supervisor.Len())

	return nil
}

// Stop cancels every monitor and waits up to the configured grace period for
// them to finish.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")
		started := time.Now()
		a.running.Store(false)

		if a.cancel != nil {
			a.cancel()
		}

		if a.healthServer != nil {
			a.healthServer.Stop()
		}

		// The reconciler must be out of the way before the registry is torn
		// down so it cannot start replacements.
		a.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.GracePeriod)
		defer cancel()
		if err = a.supervisor.Shutdown(ctx); err != nil {
			a.logger.Warn("shutdown grace period expired", logging.KeyError, err)
		}

		a.logger.Info("agent stopped", logging.KeyDuration, time.Since(started))
		a.closeLog()
	})

	return err
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) closeLog() {
	if a.logCloser != nil {
		a.logCloser.Close()
		a.logCloser = nil
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger {
	return a.logger
}

// MetricsHandler serves the agent's Prometheus registry.
func (a *Agent) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// Reload re-reads the host file immediately.
func (a *Agent) Reload() (reconcile.Plan, error) {
	return a.reconciler.Reload()
}

// Active returns the host set currently being monitored.
func (a *Agent) Active() hosts.HostSet {
	return a.reconciler.Active()
}
