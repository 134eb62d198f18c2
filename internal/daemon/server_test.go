// internal/daemon/server_test.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalnine/remotepower/internal/config"
	"github.com/signalnine/remotepower/internal/eventlog"
	"github.com/signalnine/remotepower/internal/listener"
	"github.com/signalnine/remotepower/internal/metrics"
	"github.com/signalnine/remotepower/internal/protocol"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *fakeRunner) Run(ctx context.Context, argv []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, argv)
	return r.err
}

func (r *fakeRunner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

type fixture struct {
	srv    *Server
	clock  *clockwork.FakeClock
	runner *fakeRunner
}

func newFixture(t *testing.T, machineID string, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clockwork.NewFakeClock(),
		runner: &fakeRunner{},
	}
	opts := Options{
		Config:      ServerConfig{Port: 0, MachineID: machineID},
		BindAddress: "127.0.0.1",
		ActionDelay: 3 * time.Second,
		Runner:      f.runner,
		Commands: map[protocol.Kind][]string{
			protocol.Reboot:   {"shutdown", "-r", "now"},
			protocol.Shutdown: {"shutdown", "-h", "now"},
		},
		Clock:   f.clock,
		Metrics: metrics.New(prometheus.NewRegistry()),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	f.srv = srv
	t.Cleanup(srv.Stop)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
}

func (f *fixture) send(t *testing.T, payload string) {
	t.Helper()
	conn, err := net.Dial("udp", f.srv.ListenAddr().String())
	if err != nil {
		t.Fatalf("Failed to create UDP connection: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("Failed to send UDP message: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitScheduled waits until n actions are pending and their timers are
// registered on the fake clock.
func (f *fixture) waitScheduled(t *testing.T, n int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d pending action(s)", n), func() bool { return f.srv.PendingActions() == n })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("timers not registered: %v", err)
	}
}

// freePort returns a loopback UDP port that was free a moment ago.
func freePort(t *testing.T) uint16 {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer pc.Close()
	return uint16(pc.LocalAddr().(*net.UDPAddr).Port)
}

func findLog(entries []eventlog.Entry, prefix string) (eventlog.Entry, bool) {
	for _, e := range entries {
		if strings.HasPrefix(e.Message, prefix) {
			return e, true
		}
	}
	return eventlog.Entry{}, false
}

func hasLog(s *Server, prefix string) func() bool {
	return func() bool {
		_, ok := findLog(s.Logs(), prefix)
		return ok
	}
}

func boundPort(t *testing.T, s *Server) int {
	t.Helper()
	addr, ok := s.ListenAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("ListenAddr = %v, want *net.UDPAddr", s.ListenAddr())
	}
	return addr.Port
}

func TestShutdownScenario(t *testing.T) {
	f := newFixture(t, "mac01", nil)
	f.start(t)

	if !f.srv.IsRunning() {
		t.Fatal("IsRunning = false after Start")
	}
	port := boundPort(t, f.srv)
	want := fmt.Sprintf("Listening on UDP port %d. Commands: /mac01/reboot, /mac01/shutdown", port)
	if e, ok := findLog(f.srv.Logs(), "Listening on UDP port"); !ok || e.Message != want || e.Severity != eventlog.Success {
		t.Fatalf("start entry = %q/%v, want %q/success", e.Message, e.Severity, want)
	}

	f.send(t, "/mac01/shutdown")
	f.waitScheduled(t, 1)

	logs := f.srv.Logs()
	if logs[0].Message != "Shutting down in 3s" || logs[0].Severity != eventlog.Warning {
		t.Errorf("newest = %q/%v, want %q/warning", logs[0].Message, logs[0].Severity, "Shutting down in 3s")
	}
	if logs[1].Message != "Received command: /mac01/shutdown" || logs[1].Severity != eventlog.Info {
		t.Errorf("second = %q/%v, want received/info", logs[1].Message, logs[1].Severity)
	}
	if calls := f.runner.Calls(); len(calls) != 0 {
		t.Fatalf("runner called before delay: %v", calls)
	}

	f.clock.Advance(3 * time.Second)
	waitFor(t, "shutdown outcome", hasLog(f.srv, "Shutdown command issued"))

	calls := f.runner.Calls()
	if len(calls) != 1 || strings.Join(calls[0], " ") != "shutdown -h now" {
		t.Errorf("runner calls = %v, want [[shutdown -h now]]", calls)
	}
	if !f.srv.IsRunning() {
		t.Error("listener stopped after action")
	}
}

func TestUnrecognizedScenario(t *testing.T) {
	f := newFixture(t, "mac02", nil)
	f.start(t)

	f.send(t, "/mac01/reboot")
	waitFor(t, "unrecognized entry", hasLog(f.srv, "Expected"))

	logs := f.srv.Logs()
	if logs[0].Message != "Expected /mac02/reboot or /mac02/shutdown" || logs[0].Severity != eventlog.Info {
		t.Errorf("newest = %q/%v", logs[0].Message, logs[0].Severity)
	}
	if logs[1].Message != "Unrecognized command: /mac01/reboot" || logs[1].Severity != eventlog.Error {
		t.Errorf("second = %q/%v", logs[1].Message, logs[1].Severity)
	}
	if logs[2].Message != "Received command: /mac01/reboot" {
		t.Errorf("third = %q", logs[2].Message)
	}
	if n := f.srv.PendingActions(); n != 0 {
		t.Errorf("PendingActions = %d, want 0", n)
	}
}

func TestBindConflictScenario(t *testing.T) {
	occupied, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer occupied.Close()
	port := uint16(occupied.LocalAddr().(*net.UDPAddr).Port)

	f := newFixture(t, "mac01", func(o *Options) { o.Config.Port = port })

	err = f.srv.Start(context.Background())
	var bindErr *listener.BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Start error = %v, want *listener.BindError", err)
	}
	if bindErr.Port != port {
		t.Errorf("BindError.Port = %d, want %d", bindErr.Port, port)
	}
	if f.srv.IsRunning() {
		t.Error("IsRunning = true after bind failure")
	}

	e, ok := findLog(f.srv.Logs(), fmt.Sprintf("Failed to start listener on port %d", port))
	if !ok || e.Severity != eventlog.Error {
		t.Errorf("bind failure entry = %q/%v, want error", e.Message, e.Severity)
	}

	// The failed attempt leaves the server startable once the port frees up.
	occupied.Close()
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start after release error: %v", err)
	}
}

func TestSecondServerSamePort(t *testing.T) {
	first := newFixture(t, "mac01", nil)
	first.start(t)
	port := uint16(boundPort(t, first.srv))

	second := newFixture(t, "mac01", func(o *Options) { o.Config.Port = port })
	err := second.srv.Start(context.Background())

	var bindErr *listener.BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("second Start on port %d error = %v, want *listener.BindError", port, err)
	}
	if second.srv.IsRunning() {
		t.Error("second server running on a taken port")
	}
	failures := 0
	for _, e := range second.srv.Logs() {
		if strings.HasPrefix(e.Message, "Failed to start listener") {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("bind failure entries = %d, want 1", failures)
	}

	// The first server still owns the port.
	first.send(t, "/mac01/reboot")
	first.waitScheduled(t, 1)
	if second.srv.PendingActions() != 0 {
		t.Error("second server received a datagram")
	}
}

func TestConfigureWhileRunning(t *testing.T) {
	f := newFixture(t, "mac01", nil)
	f.start(t)
	before := f.srv.CurrentConfig()

	err := f.srv.Configure(9999, "office-mac")
	if !errors.Is(err, ErrConfigurationLocked) {
		t.Fatalf("Configure error = %v, want ErrConfigurationLocked", err)
	}
	if got := f.srv.CurrentConfig(); got != before {
		t.Errorf("CurrentConfig = %+v, want %+v", got, before)
	}
	if !f.srv.IsRunning() {
		t.Error("Configure stopped the listener")
	}
}

func TestConfigureWhileStopped(t *testing.T) {
	f := newFixture(t, "mac01", nil)

	port := freePort(t)
	if err := f.srv.Configure(port, "office-mac"); err != nil {
		t.Fatalf("Configure error: %v", err)
	}
	if got := f.srv.CurrentConfig(); got.MachineID != "office-mac" || got.Port != port {
		t.Errorf("CurrentConfig = %+v, want port %d office-mac", got, port)
	}

	f.start(t)
	if got := boundPort(t, f.srv); got != int(port) {
		t.Errorf("bound port = %d, want %d", got, port)
	}
	f.send(t, "/office-mac/reboot")
	f.waitScheduled(t, 1)
	if e, _ := findLog(f.srv.Logs(), "Rebooting"); e.Message != "Rebooting in 3s" {
		t.Errorf("reboot entry = %q, want %q", e.Message, "Rebooting in 3s")
	}
}

func TestConfigureInvalid(t *testing.T) {
	f := newFixture(t, "mac01", nil)

	for _, id := range []string{"", "a/b", "a b"} {
		if err := f.srv.Configure(1, id); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Configure(%q) error = %v, want ErrInvalidConfig", id, err)
		}
	}
	if err := f.srv.Configure(0, "office-mac"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Configure(0) error = %v, want ErrInvalidConfig", err)
	}
	if got := f.srv.CurrentConfig(); got.MachineID != "mac01" || got.Port != 0 {
		t.Errorf("CurrentConfig = %+v, want unchanged", got)
	}

	if _, err := New(Options{Config: ServerConfig{MachineID: "bad id"}}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New error = %v, want ErrInvalidConfig", err)
	}
}

func TestClearLogs(t *testing.T) {
	f := newFixture(t, "mac01", nil)
	f.start(t)
	f.send(t, "hello")
	waitFor(t, "received entry", hasLog(f.srv, "Received command: hello"))

	f.srv.ClearLogs()

	logs := f.srv.Logs()
	if len(logs) != 1 {
		t.Fatalf("Logs after clear = %d entries, want 1", len(logs))
	}
	if logs[0].Message != eventlog.ClearedMessage || logs[0].Severity != eventlog.Info {
		t.Errorf("entry = %q/%v, want %q/info", logs[0].Message, logs[0].Severity, eventlog.ClearedMessage)
	}
}

func TestDoubleStart(t *testing.T) {
	f := newFixture(t, "mac01", nil)
	f.start(t)
	addr := f.srv.ListenAddr().String()

	err := f.srv.Start(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}
	if !f.srv.IsRunning() {
		t.Error("IsRunning = false after rejected Start")
	}
	if got := f.srv.ListenAddr().String(); got != addr {
		t.Errorf("ListenAddr = %s, want %s", got, addr)
	}
}

func TestStopKeepsPendingActions(t *testing.T) {
	f := newFixture(t, "mac01", nil)
	f.start(t)

	f.send(t, "/mac01/reboot")
	f.waitScheduled(t, 1)

	f.srv.Stop()
	if f.srv.IsRunning() {
		t.Fatal("IsRunning = true after Stop")
	}
	if e, ok := findLog(f.srv.Logs(), "Server stopped"); !ok || e.Severity != eventlog.Warning {
		t.Errorf("stop entry = %q/%v, want warning", e.Message, e.Severity)
	}

	f.clock.Advance(3 * time.Second)
	waitFor(t, "reboot outcome", hasLog(f.srv, "Reboot command issued"))
	if calls := f.runner.Calls(); len(calls) != 1 {
		t.Errorf("runner calls = %v, want one", calls)
	}
}

func TestStopCancelsPendingActions(t *testing.T) {
	f := newFixture(t, "mac01", func(o *Options) { o.CancelPendingOnStop = true })
	f.start(t)

	f.send(t, "/mac01/shutdown")
	f.waitScheduled(t, 1)

	f.srv.Stop()
	if n := f.srv.PendingActions(); n != 0 {
		t.Fatalf("PendingActions after Stop = %d, want 0", n)
	}
	if _, ok := findLog(f.srv.Logs(), "Cancelled 1 pending action(s)"); !ok {
		t.Error("missing cancellation entry")
	}

	f.clock.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	if calls := f.runner.Calls(); len(calls) != 0 {
		t.Errorf("runner calls = %v, want none", calls)
	}
}

func TestCancelPending(t *testing.T) {
	f := newFixture(t, "mac01", nil)
	f.start(t)

	f.send(t, "/mac01/reboot")
	f.waitScheduled(t, 1)

	if n := f.srv.CancelPending(); n != 1 {
		t.Fatalf("CancelPending = %d, want 1", n)
	}
	if n := f.srv.CancelPending(); n != 0 {
		t.Errorf("second CancelPending = %d, want 0", n)
	}
	if !f.srv.IsRunning() {
		t.Error("CancelPending stopped the listener")
	}
}

func TestActionFailureLogged(t *testing.T) {
	f := newFixture(t, "mac01", nil)
	f.runner.err = errors.New("exit status 1")
	f.start(t)

	f.send(t, "/mac01/reboot")
	f.waitScheduled(t, 1)
	f.clock.Advance(3 * time.Second)
	waitFor(t, "reboot failure", hasLog(f.srv, "Reboot failed"))

	e, _ := findLog(f.srv.Logs(), "Reboot failed")
	if e.Severity != eventlog.Error {
		t.Errorf("severity = %v, want error", e.Severity)
	}
	if !strings.Contains(e.Message, "exit status 1") {
		t.Errorf("message = %q, want runner error", e.Message)
	}
	if !f.srv.IsRunning() {
		t.Error("failed action stopped the listener")
	}
}

func TestWatch(t *testing.T) {
	f := newFixture(t, "mac01", nil)
	changes, cancel := f.srv.Watch(64)
	defer cancel()

	f.start(t)
	f.srv.ClearLogs()
	f.srv.Stop()

	var got []Change
	timeout := time.After(2 * time.Second)
	for len(got) < 5 {
		select {
		case c := <-changes:
			got = append(got, c)
		case <-timeout:
			t.Fatalf("got %d changes, want 5: %+v", len(got), got)
		}
	}

	want := []struct {
		kind    ChangeKind
		running bool
		message string
	}{
		{StateChanged, true, ""},
		{LogAppended, false, "Listening on UDP port"},
		{LogsCleared, false, eventlog.ClearedMessage},
		{StateChanged, false, ""},
		{LogAppended, false, "Server stopped"},
	}
	for i, w := range want {
		c := got[i]
		if c.Kind != w.kind {
			t.Errorf("change[%d].Kind = %v, want %v", i, c.Kind, w.kind)
			continue
		}
		if c.Kind == StateChanged && c.Running != w.running {
			t.Errorf("change[%d].Running = %v, want %v", i, c.Running, w.running)
		}
		if w.message != "" && !strings.HasPrefix(c.Entry.Message, w.message) {
			t.Errorf("change[%d].Entry.Message = %q, want prefix %q", i, c.Entry.Message, w.message)
		}
	}
}

func TestWatchCancel(t *testing.T) {
	f := newFixture(t, "mac01", nil)
	changes, cancel := f.srv.Watch(1)
	cancel()
	cancel()

	if _, ok := <-changes; ok {
		t.Error("channel still open after cancel")
	}

	// A full or removed watcher never blocks writers.
	f.srv.ClearLogs()
	f.srv.ClearLogs()
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MachineID = "mac01"
	cfg.DryRun = true
	cfg.CancelPendingOnStop = true

	opts := FromConfig(cfg, nil, nil)
	if opts.Config.MachineID != "mac01" || opts.Config.Port != config.DefaultPort {
		t.Errorf("Config = %+v", opts.Config)
	}
	if !opts.CancelPendingOnStop {
		t.Error("CancelPendingOnStop not carried over")
	}
	if opts.Runner == nil {
		t.Error("dry run did not install a runner")
	}
	if got := strings.Join(opts.Commands[protocol.Reboot], " "); got != "shutdown -r now" {
		t.Errorf("reboot command = %q", got)
	}
}
