// Package probe runs the ICMP liveness loop for one host.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/hostwatch/internal/health"
	"github.com/postalsys/hostwatch/internal/hosts"
	"github.com/postalsys/hostwatch/internal/icmp"
	"github.com/postalsys/hostwatch/internal/logging"
	"github.com/postalsys/hostwatch/internal/observer"
)

const (
	// recvSlack covers IPv4 options in a reply datagram.
	recvSlack = 60

	// failureBackoff is the shortest wait after a failed lookup or send, so
	// a zero sleep period cannot spin on a persistent error.
	failureBackoff = 100 * time.Millisecond
)

// Options configures a Monitor. Zero fields get defaults.
type Options struct {
	// BindAddress is the optional IPv4 source address for probes.
	BindAddress string

	// Identifier is the Echo identifier. Defaults to icmp.ProcessIdentifier().
	Identifier uint16

	Dialer   icmp.Dialer
	Resolver Resolver
	Clock    Clock
	Observer observer.Observer
	Logger   *slog.Logger
}

// Snapshot is a point-in-time copy of a monitor's state.
type Snapshot struct {
	Host        string
	Address     string
	Sequence    uint64
	Stats       Stats
	State       health.State
	LastOutcome *health.Outcome
	Err         error
}

// Monitor probes one host until its context is cancelled. A Monitor is
// single-use: a changed host gets a new Monitor with fresh statistics.
type Monitor struct {
	host string
	cfg  hosts.HostConfig
	bind string
	id   uint16

	dialer   icmp.Dialer
	resolver Resolver
	clock    Clock
	observer observer.Observer
	logger   *slog.Logger
	tracker  *health.Tracker

	mu          sync.Mutex
	addr        net.IP
	seq         uint64
	stats       Stats
	lastOutcome *health.Outcome
	err         error

	// resolveFailures counts consecutive lookup failures; only the first
	// of a streak is reported at error severity.
	resolveFailures int
}

// New creates a monitor for host.
func New(host string, cfg hosts.HostConfig, opts Options) *Monitor {
	if opts.Identifier == 0 {
		opts.Identifier = icmp.ProcessIdentifier()
	}
	if opts.Dialer == nil {
		opts.Dialer = icmp.RawDialer{}
	}
	if opts.Resolver == nil {
		opts.Resolver = NewResolver(5 * time.Second)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Observer == nil {
		opts.Observer = observer.Nop
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}

	return &Monitor{
		host:     host,
		cfg:      cfg,
		bind:     opts.BindAddress,
		id:       opts.Identifier,
		dialer:   opts.Dialer,
		resolver: opts.Resolver,
		clock:    opts.Clock,
		observer: opts.Observer,
		logger:   opts.Logger.With(logging.KeyComponent, "probe", logging.KeyHost, host),
		tracker:  health.NewTracker(),
	}
}

// Host returns the monitored host identifier.
func (m *Monitor) Host() string {
	return m.host
}

// Config returns the host configuration the monitor was started with.
func (m *Monitor) Config() hosts.HostConfig {
	return m.cfg
}

// Run resolves the host and probes it until ctx is cancelled. It returns nil
// on cancellation and an error wrapping icmp.ErrSocketUnavailable when no raw
// socket can be opened; every other failure is reported and retried.
func (m *Monitor) Run(ctx context.Context) error {
	addr, err := m.resolve(ctx)
	if err != nil {
		return nil
	}

	for {
		seq := m.Sequence()
		outcome, err := m.probe(addr, seq)

		// Cancellation is observed once the in-flight probe finishes. Its
		// result belongs to a stream that no longer exists.
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, icmp.ErrSocketUnavailable) {
			m.fail(err)
			return err
		}
		m.report(addr, seq, outcome, err)

		wait := m.cfg.SleepPeriod()
		if outcome.Kind == health.SendFailed {
			wait = max(wait, failureBackoff)
		}
		if err := m.clock.Sleep(ctx, wait); err != nil {
			return nil
		}

		m.mu.Lock()
		m.seq++
		m.mu.Unlock()
	}
}

// resolve retries until the host resolves or ctx is done.
func (m *Monitor) resolve(ctx context.Context) (net.IP, error) {
	for {
		ip, err := m.resolver.LookupIPv4(ctx, m.host)
		if err == nil {
			m.mu.Lock()
			m.addr = ip
			m.mu.Unlock()
			if m.resolveFailures > 0 {
				m.emit(observer.Event{
					Kind:     observer.KindResolve,
					Severity: observer.SeverityInfo,
					Message:  "host resolved",
					Outcome:  observer.Resolved,
					Attrs:    []any{logging.KeyIP, ip.String(), "failures", m.resolveFailures},
				})
			}
			m.resolveFailures = 0
			return ip, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		sev := observer.SeverityDebug
		if m.resolveFailures == 0 {
			sev = observer.SeverityError
		}
		m.resolveFailures++
		m.emit(observer.Event{
			Kind:     observer.KindResolve,
			Severity: sev,
			Message:  "host resolution failed",
			Outcome:  observer.ResolveFailed,
			Attrs:    []any{logging.KeyError, err.Error(), "attempt", m.resolveFailures},
		})

		if err := m.clock.Sleep(ctx, max(m.cfg.SleepPeriod(), failureBackoff)); err != nil {
			return nil, err
		}
	}
}

// probe sends one Echo Request on a fresh socket and waits for its reply.
// A non-nil error with Kind SendFailed is a skipped iteration; an error
// wrapping icmp.ErrSocketUnavailable is fatal for the host.
func (m *Monitor) probe(addr net.IP, seq uint64) (health.Outcome, error) {
	conn, err := m.dialer.Dial(m.bind)
	if err != nil {
		if !errors.Is(err, icmp.ErrSocketUnavailable) {
			err = fmt.Errorf("%w: %v", icmp.ErrSocketUnavailable, err)
		}
		return health.Outcome{Kind: health.SendFailed}, err
	}
	defer conn.Close()

	wireSeq := uint16(seq)
	pkt, err := icmp.BuildEchoRequest(m.id, wireSeq, m.cfg.PacketSizeBytes)
	if err != nil {
		return health.Outcome{Kind: health.SendFailed}, err
	}

	sentAt := m.clock.Now()
	if err := conn.Send(pkt, addr); err != nil {
		return health.Outcome{Kind: health.SendFailed}, err
	}

	m.mu.Lock()
	m.stats.recordSent()
	m.mu.Unlock()

	return m.await(conn, addr, wireSeq, sentAt, len(pkt))
}

// await reads until the matching reply arrives or the timeout budget, measured
// from sentAt, runs out. Discarded datagrams consume budget.
func (m *Monitor) await(conn icmp.Conn, addr net.IP, seq uint16, sentAt time.Time, pktLen int) (health.Outcome, error) {
	want, _ := icmp.IPToUint32(addr)
	deadline := sentAt.Add(m.cfg.Timeout())
	buf := make([]byte, icmp.IPv4HeaderLen+recvSlack+pktLen)

	for {
		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			return health.Outcome{Kind: health.NoReply}, nil
		}

		n, err := conn.Recv(buf, remaining)
		if errors.Is(err, icmp.ErrTimeout) {
			return health.Outcome{Kind: health.NoReply}, nil
		}
		if err != nil {
			return health.Outcome{Kind: health.NoReply}, err
		}

		ip, hdr, err := icmp.ParseHeaders(buf[:n])
		if err != nil {
			continue
		}
		if hdr.ID != m.id || !hdr.IsEchoReply() || hdr.Seq != seq || ip.SrcAddr != want {
			continue
		}

		delay := m.clock.Now().Sub(sentAt)

		// Statistics take every matching reply before classification, so a
		// late reply still moves min/max.
		m.mu.Lock()
		m.stats.recordReply(delay)
		m.mu.Unlock()

		m.logger.Debug("reply",
			"bytes", n-icmp.IPv4HeaderLen-icmp.HeaderLen,
			logging.KeyIP, ip.Source(),
			logging.KeySeq, hdr.Seq,
			"ttl", ip.TTL,
			logging.KeyRTT, durationMs(delay))

		return health.Classify(delay, m.cfg.Timeout(), m.cfg.MaxRTT()), nil
	}
}

// report records the outcome and tells the observer.
func (m *Monitor) report(addr net.IP, seq uint64, o health.Outcome, probeErr error) {
	m.mu.Lock()
	oc := o
	m.lastOutcome = &oc
	stats := m.stats
	m.mu.Unlock()

	probeEvent := observer.Event{
		Kind:     observer.KindProbe,
		Severity: observer.SeverityDebug,
		Message:  outcomeMessage(o),
		Outcome:  o.Kind.String(),
		Healthy:  o.Healthy(),
		Attrs:    []any{logging.KeyIP, addr.String(), logging.KeySeq, seq},
	}
	if o.HasReply() {
		probeEvent.RTT = o.Delay
	}
	if probeErr != nil {
		probeEvent.Attrs = append(probeEvent.Attrs, logging.KeyError, probeErr.Error())
		if o.Kind == health.SendFailed {
			probeEvent.Severity = observer.SeverityError
		}
	}
	m.emit(probeEvent)

	if tr, changed := m.tracker.Observe(o); changed {
		m.emit(m.transitionEvent(addr, seq, o, tr))
	}

	m.emit(observer.Event{
		Kind:     observer.KindStats,
		Severity: observer.SeverityDebug,
		Message:  "statistics",
		Attrs: []any{
			"sent", stats.Sent,
			"received", stats.Received,
			"loss_percent", stats.LossPercent(),
			"min_ms", durationMs(stats.MinRTT),
			"avg_ms", durationMs(stats.AvgRTT()),
			"max_ms", durationMs(stats.MaxRTT),
		},
	})
}

func (m *Monitor) transitionEvent(addr net.IP, seq uint64, o health.Outcome, tr health.Transition) observer.Event {
	e := observer.Event{
		Kind:    observer.KindTransition,
		Outcome: o.Kind.String(),
		Healthy: tr.Recovered(),
		Attrs:   []any{logging.KeyIP, addr.String(), logging.KeySeq, seq, "from", tr.From.String()},
	}
	if o.HasReply() {
		e.RTT = o.Delay
	}

	if tr.Recovered() {
		e.Severity = observer.SeverityInfo
		e.Message = "host is reachable"
		return e
	}

	e.Severity = observer.SeverityError
	switch o.Kind {
	case health.LateReply:
		e.Message = fmt.Sprintf("reply exceeded the %gms timeout", m.cfg.TimeoutMs)
	case health.RttExceeded:
		e.Message = fmt.Sprintf("reply exceeded the %gms max rtt", m.cfg.MaxRttMs)
	case health.SendFailed:
		e.Message = "echo request could not be sent"
	default:
		e.Message = "request timed out"
	}
	return e
}

// fail marks the monitor as stopped by a fatal error.
func (m *Monitor) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()

	m.emit(observer.Event{
		Kind:     observer.KindSocket,
		Severity: observer.SeverityCritical,
		Message:  "cannot open raw ICMP socket, monitor stopped",
		Attrs:    []any{logging.KeyError, err.Error()},
	})
}

func (m *Monitor) emit(e observer.Event) {
	e.Host = m.host
	m.observer.Observe(e)
}

// Sequence returns the sequence number of the current or next probe.
func (m *Monitor) Sequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Stats returns a copy of the running statistics.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Snapshot returns a copy of the monitor state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Host:     m.host,
		Sequence: m.seq,
		Stats:    m.stats,
		State:    m.tracker.State(),
		Err:      m.err,
	}
	if m.addr != nil {
		s.Address = m.addr.String()
	}
	if m.lastOutcome != nil {
		oc := *m.lastOutcome
		s.LastOutcome = &oc
	}
	return s
}

func outcomeMessage(o health.Outcome) string {
	switch o.Kind {
	case health.Success:
		return "reply received"
	case health.LateReply:
		return "reply arrived after timeout"
	case health.RttExceeded:
		return "reply exceeded max rtt"
	case health.SendFailed:
		return "send failed"
	default:
		return "no reply"
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
