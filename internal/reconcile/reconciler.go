package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/hostwatch/internal/hosts"
	"github.com/postalsys/hostwatch/internal/logging"
	"github.com/postalsys/hostwatch/internal/observer"
)

const (
	// MaxHosts is the largest host set a reload may carry.
	MaxHosts = 50

	// DefaultPollInterval is how often the loop checks the change signal
	// when it has not been woken.
	DefaultPollInterval = time.Second
)

// ErrCapacityExceeded is returned when a loaded set has more than MaxHosts
// entries. The whole reload is rejected.
var ErrCapacityExceeded = errors.New("host count exceeds capacity")

// Supervisor starts and stops per-host monitors.
type Supervisor interface {
	Start(host string, cfg hosts.HostConfig) error
	Stop(host string)
	Restart(host string, cfg hosts.HostConfig) error
}

// Notifier reports that the host set may have changed.
type Notifier interface {
	// C wakes the loop after a change.
	C() <-chan struct{}
	// TestAndClear consumes a pending change.
	TestAndClear() bool
}

// Options configures a Reconciler.
type Options struct {
	Source     hosts.Source
	Supervisor Supervisor
	Notifier   Notifier
	Observer   observer.Observer
	Logger     *slog.Logger

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// MaxHosts defaults to MaxHosts.
	MaxHosts int
}

// Reconciler owns the active host set. It is the only writer of the set and
// the only caller of the supervisor's mutating methods.
type Reconciler struct {
	source     hosts.Source
	supervisor Supervisor
	notifier   Notifier
	observer   observer.Observer
	logger     *slog.Logger
	poll       time.Duration
	maxHosts   int

	mu         sync.Mutex
	active     hosts.HostSet
	desired    hosts.HostSet
	lastReload time.Time
	lastErr    error
}

// New creates a reconciler with an empty active set.
func New(opts Options) *Reconciler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxHosts <= 0 {
		opts.MaxHosts = MaxHosts
	}
	if opts.Observer == nil {
		opts.Observer = observer.Nop
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}

	return &Reconciler{
		source:     opts.Source,
		supervisor: opts.Supervisor,
		notifier:   opts.Notifier,
		observer:   opts.Observer,
		logger:     opts.Logger.With(logging.KeyComponent, "reconciler"),
		poll:       opts.PollInterval,
		maxHosts:   opts.MaxHosts,
		active:     hosts.HostSet{},
		desired:    hosts.HostSet{},
	}
}

// Run reloads whenever the notifier fires until ctx is done. The signal is
// checked on wake-up and at least once per poll interval. Hosts whose start
// was refused are retried on every pass.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		if r.notifier.TestAndClear() {
			r.Reload()
			continue
		}
		r.retryPending()

		select {
		case <-ctx.Done():
			return nil
		case <-r.notifier.C():
		case <-ticker.C:
		}
	}
}

// Reload reads the source and applies the result. A source failure leaves
// the active set untouched.
func (r *Reconciler) Reload() (Plan, error) {
	next, err := r.source.Load()
	if err != nil {
		r.recordErr(err)
		r.observer.Observe(observer.Event{
			Kind:     observer.KindConfig,
			Severity: observer.SeverityError,
			Message:  "host file rejected, keeping current hosts",
			Attrs:    []any{logging.KeyError, err.Error()},
		})
		return Plan{}, err
	}
	return r.Apply(next)
}

// Apply makes next the active set: removals first, then changed hosts, then
// additions, so no host ever has two monitors. A set above capacity is
// rejected whole.
func (r *Reconciler) Apply(next hosts.HostSet) (Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if next.Len() > r.maxHosts {
		err := fmt.Errorf("%w: %d hosts configured, limit is %d", ErrCapacityExceeded, next.Len(), r.maxHosts)
		r.lastReload, r.lastErr = time.Now(), err
		r.observer.Observe(observer.Event{
			Kind:     observer.KindCapacity,
			Severity: observer.SeverityCritical,
			Message:  "reload rejected, too many hosts",
			Active:   r.active.Len(),
			Attrs:    []any{logging.KeyCount, next.Len(), "limit", r.maxHosts},
		})
		return Plan{}, err
	}

	plan := Diff(r.active, next)
	applied := make(hosts.HostSet, next.Len())
	desired := make(hosts.HostSet, next.Len())
	for host, cfg := range next {
		applied[host] = cfg
		desired[host] = cfg
	}
	r.desired = desired

	for _, host := range plan.Removed {
		r.logger.Info("host removed", logging.KeyHost, host, "config", r.active[host])
		r.supervisor.Stop(host)
	}

	for _, host := range plan.Changed {
		for _, c := range plan.Changes[host] {
			r.logger.Info("host changed", logging.KeyHost, host, "field", c.Field, "from", c.Old, "to", c.New)
		}
		if err := r.supervisor.Restart(host, next[host]); err != nil {
			r.startFailed(host, err)
			delete(applied, host)
		}
	}

	for _, host := range plan.Added {
		r.logger.Info("host added", logging.KeyHost, host, "config", next[host])
		if err := r.supervisor.Start(host, next[host]); err != nil {
			r.startFailed(host, err)
			delete(applied, host)
		}
	}

	r.active = applied
	r.lastReload, r.lastErr = time.Now(), nil

	empty := plan.Empty()
	plan.Failed = missing(next, applied)
	plan.Added = present(plan.Added, applied)
	plan.Changed = present(plan.Changed, applied)

	e := observer.Event{
		Kind:     observer.KindReload,
		Severity: observer.SeverityInfo,
		Message:  "hosts reconciled",
		Added:    plan.Added,
		Removed:  plan.Removed,
		Changed:  plan.Changed,
		Failed:   plan.Failed,
		Active:   applied.Len(),
	}
	if len(plan.Failed) > 0 {
		e.Severity = observer.SeverityWarn
	}
	if empty {
		e.Message = "no changes found"
	}
	r.observer.Observe(e)

	return plan, nil
}

// retryPending starts accepted hosts that are missing from the active set
// because the supervisor refused them earlier.
func (r *Reconciler) retryPending() {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := missing(r.desired, r.active)
	if len(pending) == 0 {
		return
	}

	var started []string
	for _, host := range pending {
		cfg := r.desired[host]
		if err := r.supervisor.Start(host, cfg); err != nil {
			r.logger.Debug("pending host still refused", logging.KeyHost, host, logging.KeyError, err)
			continue
		}
		r.active[host] = cfg
		started = append(started, host)
		r.logger.Info("pending host started", logging.KeyHost, host)
	}
	if len(started) == 0 {
		return
	}

	r.observer.Observe(observer.Event{
		Kind:     observer.KindReload,
		Severity: observer.SeverityInfo,
		Message:  "pending hosts started",
		Outcome:  observer.ReloadRetried,
		Added:    started,
		Failed:   missing(r.desired, r.active),
		Active:   r.active.Len(),
	})
}

// startFailed reports a monitor that could not be started. The caller leaves
// the host out of the active set so the poll loop retries it.
func (r *Reconciler) startFailed(host string, err error) {
	r.observer.Observe(observer.Event{
		Kind:     observer.KindLifecycle,
		Severity: observer.SeverityError,
		Host:     host,
		Outcome:  observer.TaskFailed,
		Message:  "failed to start monitor",
		Attrs:    []any{logging.KeyError, err.Error()},
	})
}

// missing returns the sorted hosts of want not present in have.
func missing(want, have hosts.HostSet) []string {
	out := []string{}
	for _, host := range want.Keys() {
		if _, ok := have[host]; !ok {
			out = append(out, host)
		}
	}
	return out
}

// present filters names down to the hosts in set, keeping order.
func present(names []string, set hosts.HostSet) []string {
	out := make([]string, 0, len(names))
	for _, host := range names {
		if _, ok := set[host]; ok {
			out = append(out, host)
		}
	}
	return out
}

func (r *Reconciler) recordErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastReload, r.lastErr = time.Now(), err
}

// Active returns a copy of the active host set.
func (r *Reconciler) Active() hosts.HostSet {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(hosts.HostSet, len(r.active))
	for k, v := range r.active {
		out[k] = v
	}
	return out
}

// LastReload returns when the last reload ran and its error, if any.
func (r *Reconciler) LastReload() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReload, r.lastErr
}
