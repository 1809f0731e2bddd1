// Package observer carries monitoring events from the probe engine, the
// reconciler and the supervisor to logs and metrics.
package observer

import (
	"context"
	"log/slog"
	"time"

	"github.com/postalsys/hostwatch/internal/logging"
)

// Severity orders events by how urgently an operator should look at them.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Level maps the severity onto a slog level.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarn:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return logging.LevelCritical
	}
}

// Kind identifies what an event reports.
type Kind int

const (
	// KindProbe is the outcome of one probe.
	KindProbe Kind = iota
	// KindStats is the running statistics summary after a probe.
	KindStats
	// KindTransition is a health state change.
	KindTransition
	// KindResolve is a DNS failure (Outcome "failed") or a success after
	// failures (Outcome "resolved").
	KindResolve
	// KindSocket is a raw socket failure.
	KindSocket
	// KindReload is a reconciliation summary.
	KindReload
	// KindCapacity is a reload rejected for exceeding the host limit.
	KindCapacity
	// KindConfig is a config source failure.
	KindConfig
	// KindLifecycle is a task start (Outcome "started"), stop
	// (Outcome "stopped") or a start the supervisor refused (Outcome
	// "failed").
	KindLifecycle
)

func (k Kind) String() string {
	switch k {
	case KindProbe:
		return "probe"
	case KindStats:
		return "stats"
	case KindTransition:
		return "transition"
	case KindResolve:
		return "resolve"
	case KindSocket:
		return "socket"
	case KindReload:
		return "reload"
	case KindCapacity:
		return "capacity"
	case KindConfig:
		return "config"
	case KindLifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

// Outcome values for resolve, lifecycle and reload events.
const (
	ResolveFailed = "failed"
	Resolved      = "resolved"
	TaskStarted   = "started"
	TaskStopped   = "stopped"
	TaskFailed    = "failed"

	// ReloadRetried marks a reload event for hosts whose earlier start
	// failed and that were started on a later poll.
	ReloadRetried = "retried"
)

// Event is one observable occurrence. Fields irrelevant to a kind are zero.
type Event struct {
	Kind     Kind
	Severity Severity
	Host     string
	Message  string

	// Probe and transition fields.
	Outcome string
	RTT     time.Duration
	Healthy bool

	// Reload fields.
	Added   []string
	Removed []string
	Changed []string
	Failed  []string
	Active  int

	// Attrs holds extra slog key/value pairs.
	Attrs []any
}

// Observer receives events. Implementations must be safe for concurrent use.
type Observer interface {
	Observe(Event)
}

// Func adapts a function to Observer.
type Func func(Event)

// Observe implements Observer.
func (f Func) Observe(e Event) { f(e) }

// Nop discards every event.
var Nop Observer = Func(func(Event) {})

// Multi fans events out to every observer in order.
type Multi []Observer

// Observe implements Observer.
func (m Multi) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

// Logger writes events to a slog.Logger at the level matching their severity.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates an Observer that logs events.
func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Observe implements Observer.
func (l *Logger) Observe(e Event) {
	ctx := context.Background()
	level := e.Severity.Level()
	if !l.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]any, 0, 8+len(e.Attrs))
	attrs = append(attrs, logging.KeyKind, e.Kind.String())
	if e.Host != "" {
		attrs = append(attrs, logging.KeyHost, e.Host)
	}
	if e.Outcome != "" {
		attrs = append(attrs, logging.KeyOutcome, e.Outcome)
	}
	if e.RTT > 0 {
		attrs = append(attrs, logging.KeyRTT, float64(e.RTT.Microseconds())/1000)
	}
	if e.Kind == KindReload {
		attrs = append(attrs, "added", e.Added, "removed", e.Removed, "changed", e.Changed, "failed", e.Failed, "active", e.Active)
	}
	attrs = append(attrs, e.Attrs...)

	l.logger.Log(ctx, level, e.Message, attrs...)
}
