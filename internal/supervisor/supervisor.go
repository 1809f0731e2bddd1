// Package supervisor keeps exactly one running monitor per configured host.
//
// Monitors run on a bounded goroutine pool. New monitors wait on a shared rate
// limiter before their first probe so a large reload does not burst the
// network with simultaneous echo requests.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/postalsys/hostwatch/internal/hosts"
	"github.com/postalsys/hostwatch/internal/logging"
	"github.com/postalsys/hostwatch/internal/observer"
	"github.com/postalsys/hostwatch/internal/probe"
	"github.com/postalsys/hostwatch/internal/reconcile"
	"github.com/postalsys/hostwatch/internal/recovery"
)

var (
	// ErrAlreadyRunning is returned by Start when the host has a task.
	ErrAlreadyRunning = errors.New("monitor already running")

	// ErrPoolFull is returned by Start when no pool worker is free.
	ErrPoolFull = errors.New("monitor pool is full")

	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("supervisor is shut down")
)

// DefaultPoolSize leaves room for a full set of cancelled monitors still
// finishing their in-flight probe next to a full set of new ones.
const DefaultPoolSize = 2 * reconcile.MaxHosts

// Runner is a monitor task.
type Runner interface {
	Run(ctx context.Context) error
	Snapshot() probe.Snapshot
}

// Factory creates the runner for a host.
type Factory func(host string, cfg hosts.HostConfig) Runner

// Options configures a Supervisor.
type Options struct {
	Factory Factory

	// PoolSize defaults to DefaultPoolSize.
	PoolSize int

	// StartRate is the number of monitors allowed to begin probing per
	// second. Zero disables staggering.
	StartRate float64
	// StartBurst defaults to 1 when StartRate is set.
	StartBurst int

	Observer observer.Observer
	Logger   *slog.Logger
}

type task struct {
	host   string
	cfg    hosts.HostConfig
	runner Runner
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (t *task) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *task) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Supervisor owns the task registry.
type Supervisor struct {
	factory  Factory
	pool     *ants.Pool
	limiter  *rate.Limiter
	observer observer.Observer
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

// New creates a supervisor and its worker pool.
func New(opts Options) (*Supervisor, error) {
	if opts.Factory == nil {
		return nil, errors.New("supervisor: factory is required")
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.Observer == nil {
		opts.Observer = observer.Nop
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	logger := opts.Logger.With(logging.KeyComponent, "supervisor")

	pool, err := ants.NewPool(opts.PoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v interface{}) {
			logger.Error("pool worker panic", "panic", fmt.Sprintf("%v", v))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create monitor pool: %w", err)
	}

	var limiter *rate.Limiter
	if opts.StartRate > 0 {
		burst := opts.StartBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.StartRate), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		factory:  opts.Factory,
		pool:     pool,
		limiter:  limiter,
		observer: opts.Observer,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*task),
	}, nil
}

// Start launches a monitor for host. The host must not already have one.
func (s *Supervisor) Start(host string, cfg hosts.HostConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(host, cfg)
}

// Stop cancels the host's monitor and forgets it. It does not wait for the
// monitor to finish its in-flight probe. Stopping an unknown host is a no-op.
func (s *Supervisor) Stop(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(host)
}

// Restart replaces the host's monitor with a fresh one running cfg.
func (s *Supervisor) Restart(host string, cfg hosts.HostConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(host)
	return s.startLocked(host, cfg)
}

func (s *Supervisor) startLocked(host string, cfg hosts.HostConfig) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.tasks[host]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, host)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{
		host:   host,
		cfg:    cfg,
		runner: s.factory(host, cfg),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	if err := s.pool.Submit(func() { s.run(ctx, t) }); err != nil {
		s.wg.Done()
		cancel()
		if errors.Is(err, ants.ErrPoolOverload) {
			return fmt.Errorf("%w: %s", ErrPoolFull, host)
		}
		return fmt.Errorf("submit monitor for %s: %w", host, err)
	}

	s.tasks[host] = t
	s.observer.Observe(observer.Event{
		Kind:     observer.KindLifecycle,
		Severity: observer.SeverityDebug,
		Host:     host,
		Outcome:  observer.TaskStarted,
		Message:  "monitor started",
	})
	return nil
}

func (s *Supervisor) stopLocked(host string) {
	t, ok := s.tasks[host]
	if !ok {
		return
	}
	delete(s.tasks, host)
	t.cancel()

	s.observer.Observe(observer.Event{
		Kind:     observer.KindLifecycle,
		Severity: observer.SeverityDebug,
		Host:     host,
		Outcome:  observer.TaskStopped,
		Message:  "monitor stopped",
	})
}

func (s *Supervisor) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer close(t.done)
	defer recovery.RecoverWithCallback(s.logger, "monitor "+t.host, func(v any) {
		t.setErr(&recovery.PanicError{Name: "monitor " + t.host, Value: v})
	})

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	if err := t.runner.Run(ctx); err != nil {
		t.setErr(err)
		s.logger.Error("monitor exited", logging.KeyHost, t.host, logging.KeyError, err)
	}
}

// Hosts returns the registered hosts in lexicographic order, including
// monitors that exited with an error.
func (s *Supervisor) Hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sortedKeys(s.tasks)
}

// Snapshots returns the state of every registered monitor ordered by host.
// A monitor that exited with an error carries it in Err.
func (s *Supervisor) Snapshots() []probe.Snapshot {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].host < tasks[j].host })

	out := make([]probe.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		snap := t.runner.Snapshot()
		if snap.Host == "" {
			snap.Host = t.host
		}
		if err := t.failure(); err != nil {
			snap.Err = err
		}
		out = append(out, snap)
	}
	return out
}

// Failed returns the number of registered monitors that exited with an error.
func (s *Supervisor) Failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.failure() != nil {
			n++
		}
	}
	return n
}

// Len returns the number of registered monitors.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown cancels every monitor and waits for them to return or for ctx to
// expire. The pool is released either way; Start fails afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, host := range sortedKeys(s.tasks) {
		s.stopLocked(host)
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer recovery.RecoverWithLog(s.logger, "supervisor shutdown")
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("monitors still running after grace period: %w", ctx.Err())
	}
	s.pool.Release()
	return err
}

func sortedKeys(m map[string]*task) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
