package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/hostwatch/internal/config"
	"github.com/postalsys/hostwatch/internal/health"
	"github.com/postalsys/hostwatch/internal/icmp"
	"github.com/postalsys/hostwatch/internal/logging"
)

// echoDialer hands out sockets that answer every echo request.
type echoDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *echoDialer) Dial(string) (icmp.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return &echoConn{}, nil
}

type echoConn struct {
	reply []byte
}

func (c *echoConn) Send(pkt []byte, dst net.IP) error {
	b := make([]byte, icmp.IPv4HeaderLen+len(pkt))
	b[0] = 0x45
	b[8] = 64
	b[9] = 1
	copy(b[12:16], dst.To4())
	copy(b[icmp.IPv4HeaderLen:], pkt)
	b[icmp.IPv4HeaderLen] = icmp.TypeEchoReply
	c.reply = b
	return nil
}

func (c *echoConn) Recv(buf []byte, timeout time.Duration) (int, error) {
	if c.reply == nil {
		time.Sleep(timeout)
		return 0, icmp.ErrTimeout
	}
	n := copy(buf, c.reply)
	c.reply = nil
	return n, nil
}

func (c *echoConn) Close() error { return nil }

// mapResolver resolves names from a fixed table and literals directly.
type mapResolver map[string]string

func (m mapResolver) LookupIPv4(_ context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.To4(), nil
	}
	if addr, ok := m[host]; ok {
		return net.ParseIP(addr).To4(), nil
	}
	return nil, fmt.Errorf("lookup %s: no such host", host)
}

const hostEntry = `{"timeout": 500, "max_rtt": 200, "sleep_period": 0.02}`

func writeHosts(t *testing.T, path string, names ...string) {
	t.Helper()
	entries := make([]string, 0, len(names))
	for _, n := range names {
		entries = append(entries, fmt.Sprintf("%q: %s", n, hostEntry))
	}
	data := "{" + strings.Join(entries, ",\n") + "}"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Hosts.File = filepath.Join(t.TempDir(), "hosts.json")
	cfg.Hosts.Debounce = 10 * time.Millisecond
	cfg.Probe.StartRate = 0
	cfg.Shutdown.GracePeriod = 2 * time.Second
	return cfg
}

func newTestAgent(t *testing.T, cfg *config.Config) *Agent {
	t.Helper()
	a, err := New(cfg,
		WithLogger(logging.NopLogger()),
		WithDialer(&echoDialer{}),
		WithResolver(mapResolver{"db.internal": "10.0.0.5"}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func allHealthy(a *Agent, n int) func() bool {
	return func() bool {
		hs := a.Hosts()
		if len(hs) != n {
			return false
		}
		for _, h := range hs {
			if h.State != health.Healthy.String() || h.Received == 0 {
				return false
			}
		}
		return true
	}
}

func TestNew(t *testing.T) {
	a := newTestAgent(t, testConfig(t))

	if a.IsRunning() {
		t.Error("New agent should not be running")
	}
	if n := a.Stats().HostCount; n != 0 {
		t.Errorf("HostCount = %d, want 0", n)
	}
}

func TestNew_LogFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.LogFile = filepath.Join(t.TempDir(), "hostwatch.log")

	a, err := New(cfg, WithDialer(&echoDialer{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.Logger().Info("hello from test")
	a.Stop()

	data, err := os.ReadFile(cfg.Agent.LogFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file content = %s", data)
	}
}

func TestAgent_StartStop(t *testing.T) {
	cfg := testConfig(t)
	writeHosts(t, cfg.Hosts.File, "127.0.0.1", "db.internal")
	a := newTestAgent(t, cfg)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !a.IsRunning() {
		t.Error("Agent should be running after Start()")
	}
	if err := a.Start(); err == nil {
		t.Error("Double Start() should fail")
	}

	waitFor(t, "hosts healthy", allHealthy(a, 2))

	hs := a.Hosts()
	if hs[0].Host != "127.0.0.1" || hs[1].Host != "db.internal" {
		t.Errorf("host order = %s, %s", hs[0].Host, hs[1].Host)
	}
	if hs[1].Address != "10.0.0.5" {
		t.Errorf("db.internal address = %s, want 10.0.0.5", hs[1].Address)
	}
	if s := a.Stats(); s.HealthyHosts != 2 || s.FailedTasks != 0 {
		t.Errorf("Stats() = %+v", s)
	}

	if err := a.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("Agent should not be running after Stop()")
	}
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestAgent_StartMissingHostFile(t *testing.T) {
	a := newTestAgent(t, testConfig(t))

	if err := a.Start(); err == nil {
		t.Fatal("Start() should fail without a host file")
	}
	if a.IsRunning() {
		t.Error("Agent should not be running after failed Start()")
	}
}

func TestAgent_StartMalformedHostFile(t *testing.T) {
	cfg := testConfig(t)
	os.WriteFile(cfg.Hosts.File, []byte(`{"8.8.8.8": {"timeout": "soon"`), 0o644)
	a := newTestAgent(t, cfg)

	err := a.Start()
	if err == nil {
		t.Fatal("Start() should fail on a malformed host file")
	}
	if !strings.Contains(err.Error(), "load host file") {
		t.Errorf("error = %v", err)
	}
}

func TestAgent_ReloadOnFileChange(t *testing.T) {
	cfg := testConfig(t)
	writeHosts(t, cfg.Hosts.File, "127.0.0.1")
	a := newTestAgent(t, cfg)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "first host healthy", allHealthy(a, 1))

	writeHosts(t, cfg.Hosts.File, "127.0.0.2", "127.0.0.3")

	waitFor(t, "reload", func() bool {
		active := a.Active()
		_, ok2 := active["127.0.0.2"]
		_, ok3 := active["127.0.0.3"]
		return len(active) == 2 && ok2 && ok3
	})
	waitFor(t, "new hosts healthy", allHealthy(a, 2))
}

func TestAgent_BadReloadKeepsHosts(t *testing.T) {
	cfg := testConfig(t)
	writeHosts(t, cfg.Hosts.File, "127.0.0.1")
	a := newTestAgent(t, cfg)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	os.WriteFile(cfg.Hosts.File, []byte(`{"127.0.0.1": {"timeout": -1, "max_rtt": 5, "sleep_period": 1}}`), 0o644)
	if _, err := a.Reload(); err == nil {
		t.Fatal("Reload() should fail on an invalid host file")
	}

	if _, ok := a.Active()["127.0.0.1"]; !ok {
		t.Error("active set lost after a bad reload")
	}
	if s := a.Stats(); s.LastReloadErr == "" || s.HostCount != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestAgent_OverCapacityAtStartup(t *testing.T) {
	cfg := testConfig(t)
	names := make([]string, 51)
	for i := range names {
		names[i] = fmt.Sprintf("10.1.0.%d", i+1)
	}
	writeHosts(t, cfg.Hosts.File, names...)
	a := newTestAgent(t, cfg)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n := len(a.Active()); n != 0 {
		t.Errorf("Active() has %d hosts, want 0", n)
	}
	if s := a.Stats(); !strings.Contains(s.LastReloadErr, "capacity") {
		t.Errorf("LastReloadErr = %q", s.LastReloadErr)
	}

	writeHosts(t, cfg.Hosts.File, names[:50]...)
	waitFor(t, "valid reload", func() bool { return len(a.Active()) == 50 })
}

func TestAgent_HTTPStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enabled = true
	cfg.HTTP.Address = "127.0.0.1:0"
	writeHosts(t, cfg.Hosts.File, "127.0.0.1")
	a := newTestAgent(t, cfg)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "host healthy", allHealthy(a, 1))

	resp, err := http.Get("http://" + a.healthServer.Address().String() + "/hosts")
	if err != nil {
		t.Fatalf("GET /hosts error = %v", err)
	}
	defer resp.Body.Close()

	var got []health.HostStatus
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(got) != 1 || got[0].Host != "127.0.0.1" {
		t.Errorf("/hosts = %+v", got)
	}
}

func TestAgent_Metrics(t *testing.T) {
	cfg := testConfig(t)
	writeHosts(t, cfg.Hosts.File, "127.0.0.1")
	a := newTestAgent(t, cfg)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "host healthy", allHealthy(a, 1))

	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`hostwatch_probes_sent_total{host="127.0.0.1"}`,
		`hostwatch_host_healthy{host="127.0.0.1"} 1`,
		`hostwatch_hosts_monitored 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestAgent_StopWithContext(t *testing.T) {
	cfg := testConfig(t)
	writeHosts(t, cfg.Hosts.File, "127.0.0.1")
	a := newTestAgent(t, cfg)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.StopWithContext(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("StopWithContext() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("Agent should not be running after StopWithContext()")
	}
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAgent_StopLogsDuration(t *testing.T) {
	cfg := testConfig(t)
	writeHosts(t, cfg.Hosts.File, "127.0.0.1")
	out := &lockedBuffer{}
	a, err := New(cfg,
		WithLogger(logging.NewLoggerWithWriter("info", "text", out)),
		WithDialer(&echoDialer{}),
		WithResolver(mapResolver{}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	var stopped string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.Contains(line, `msg="agent stopped"`) {
			stopped = line
		}
	}
	if stopped == "" {
		t.Fatalf("no stop line in log:\n%s", out.String())
	}
	if !strings.Contains(stopped, logging.KeyDuration+"=") {
		t.Errorf("stop line lacks %s: %s", logging.KeyDuration, stopped)
	}
}

func TestAgent_HTTPZeroTimeoutsUseDefaults(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enabled = true
	cfg.HTTP.Address = "127.0.0.1:0"
	cfg.HTTP.ReadTimeout = 0
	cfg.HTTP.WriteTimeout = 0
	writeHosts(t, cfg.Hosts.File, "127.0.0.1")
	a := newTestAgent(t, cfg)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := http.Get("http://" + a.healthServer.Address().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}
}
