package supervisor

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/hostwatch/internal/hosts"
	"github.com/postalsys/hostwatch/internal/icmp"
	"github.com/postalsys/hostwatch/internal/notify"
	"github.com/postalsys/hostwatch/internal/probe"
	"github.com/postalsys/hostwatch/internal/reconcile"
)

func fullSet(timeoutMs float64) hosts.HostSet {
	set := make(hosts.HostSet, reconcile.MaxHosts)
	cfg := testCfg
	cfg.TimeoutMs = timeoutMs
	for i := 0; i < reconcile.MaxHosts; i++ {
		set[fmt.Sprintf("10.1.0.%d", i+1)] = cfg
	}
	return set
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Three full-set changes in a row leave two generations of monitors finishing
// their in-flight wait, which fills the pool. The refused hosts must come up
// once the pool drains, without another host file change.
func TestReconciler_BackToBackRestartsRecover(t *testing.T) {
	drain := make(chan struct{})
	var released atomic.Bool
	f := &mockFactory{setup: func(r *mockRunner) {
		if !released.Load() {
			r.ignore = drain
		}
	}}
	s := newTestSupervisor(t, f, Options{})

	r := reconcile.New(reconcile.Options{
		Supervisor:   s,
		Notifier:     notify.NewSignal(),
		PollInterval: 10 * time.Millisecond,
	})

	for _, timeout := range []float64{1000, 1100} {
		plan, err := r.Apply(fullSet(timeout))
		if err != nil {
			t.Fatalf("Apply(%v) error = %v", timeout, err)
		}
		if len(plan.Failed) != 0 {
			t.Fatalf("Apply(%v) failed hosts = %v", timeout, plan.Failed)
		}
	}

	third := fullSet(1200)
	plan, err := r.Apply(third)
	if err != nil {
		t.Fatalf("third Apply() error = %v", err)
	}
	if len(plan.Failed) != reconcile.MaxHosts || len(plan.Changed) != 0 {
		t.Fatalf("third Apply() changed=%d failed=%d, want 0/%d", len(plan.Changed), len(plan.Failed), reconcile.MaxHosts)
	}
	if n := r.Active().Len(); n != 0 {
		t.Fatalf("Active().Len() = %d after refused restarts, want 0", n)
	}

	released.Store(true)
	close(drain)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitUntil(t, "refused hosts to start", func() bool { return s.Len() == reconcile.MaxHosts })
	waitUntil(t, "active set to match", func() bool { return reflect.DeepEqual(r.Active(), third) })

	for _, snap := range s.Snapshots() {
		if snap.Err != nil {
			t.Errorf("%s: Err = %v", snap.Host, snap.Err)
		}
	}
}

// loopDialer answers every echo request from the address it was sent to.
type loopDialer struct{}

func (loopDialer) Dial(string) (icmp.Conn, error) { return &loopConn{}, nil }

type loopConn struct {
	mu    sync.Mutex
	reply []byte
}

func (c *loopConn) Send(pkt []byte, dst net.IP) error {
	b := make([]byte, icmp.IPv4HeaderLen+len(pkt))
	b[0] = 0x45
	b[8] = 64
	b[9] = 1
	copy(b[12:16], dst.To4())
	copy(b[icmp.IPv4HeaderLen:], pkt)
	b[icmp.IPv4HeaderLen] = icmp.TypeEchoReply
	c.mu.Lock()
	c.reply = b
	c.mu.Unlock()
	return nil
}

func (c *loopConn) Recv(buf []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	reply := c.reply
	c.reply = nil
	c.mu.Unlock()
	if reply == nil {
		time.Sleep(timeout)
		return 0, icmp.ErrTimeout
	}
	return copy(buf, reply), nil
}

func (c *loopConn) Close() error { return nil }

type literalResolver struct{}

func (literalResolver) LookupIPv4(_ context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host).To4(); ip != nil {
		return ip, nil
	}
	return nil, fmt.Errorf("lookup %s: no such host", host)
}

func newMonitorSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s, err := New(Options{Factory: func(host string, cfg hosts.HostConfig) Runner {
		return probe.New(host, cfg, probe.Options{Dialer: loopDialer{}, Resolver: literalResolver{}})
	}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func snapshotOf(s *Supervisor, host string) (probe.Snapshot, bool) {
	for _, snap := range s.Snapshots() {
		if snap.Host == host {
			return snap, true
		}
	}
	return probe.Snapshot{}, false
}

func TestMonitors_StopAndReAddKeepsNeighbourState(t *testing.T) {
	s := newMonitorSupervisor(t)
	fast := hosts.HostConfig{TimeoutMs: 200, MaxRttMs: 100, SleepPeriodSeconds: 0.01, PacketSizeBytes: 16}

	const a, b = "192.0.2.10", "192.0.2.20"
	for _, host := range []string{a, b} {
		if err := s.Start(host, fast); err != nil {
			t.Fatalf("Start(%s) error = %v", host, err)
		}
	}
	for _, host := range []string{a, b} {
		waitUntil(t, host+" replies", func() bool {
			snap, ok := snapshotOf(s, host)
			return ok && snap.Stats.Received >= 3
		})
	}

	s.Stop(a)
	before, _ := snapshotOf(s, b)

	waitUntil(t, b+" to keep going", func() bool {
		snap, _ := snapshotOf(s, b)
		return snap.Sequence > before.Sequence+2
	})
	after, _ := snapshotOf(s, b)
	if after.Stats.Sent < before.Stats.Sent || after.Stats.Received < before.Stats.Received {
		t.Errorf("%s stats went backwards: before %+v, after %+v", b, before.Stats, after.Stats)
	}
	if after.Address != b {
		t.Errorf("%s Address = %q", b, after.Address)
	}
	if got := s.Hosts(); !reflect.DeepEqual(got, []string{b}) {
		t.Errorf("Hosts() = %v, want [%s]", got, b)
	}

	// The re-added host gets a fresh monitor: sequence and counters start
	// over. A long sleep period holds it at its first exchange.
	slow := fast
	slow.SleepPeriodSeconds = 0.5
	if err := s.Start(a, slow); err != nil {
		t.Fatalf("Start(%s) again error = %v", a, err)
	}
	waitUntil(t, a+" first reply", func() bool {
		snap, ok := snapshotOf(s, a)
		return ok && snap.LastOutcome != nil
	})
	snap, _ := snapshotOf(s, a)
	if snap.Sequence != 0 || snap.Stats.Sent != 1 {
		t.Errorf("re-added %s: sequence=%d sent=%d, want 0/1", a, snap.Sequence, snap.Stats.Sent)
	}
	if snap.LastOutcome == nil || !snap.LastOutcome.Healthy() {
		t.Errorf("re-added %s last outcome = %+v, want healthy", a, snap.LastOutcome)
	}
}
