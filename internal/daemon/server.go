// internal/daemon/server.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/signalnine/remotepower/internal/action"
	"github.com/signalnine/remotepower/internal/config"
	"github.com/signalnine/remotepower/internal/eventlog"
	"github.com/signalnine/remotepower/internal/listener"
	"github.com/signalnine/remotepower/internal/metrics"
	"github.com/signalnine/remotepower/internal/protocol"
)

var (
	// ErrConfigurationLocked is returned by Configure while the listener runs
	ErrConfigurationLocked = errors.New("configuration locked while running")

	// ErrAlreadyRunning is returned by Start while the listener runs
	ErrAlreadyRunning = listener.ErrAlreadyStarted

	// ErrInvalidConfig wraps validation failures from Configure
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ServerConfig is the user-editable part of the configuration
type ServerConfig struct {
	Port      uint16
	MachineID string
}

// ChangeKind identifies what a Change reports
type ChangeKind int

const (
	LogAppended ChangeKind = iota
	LogsCleared
	StateChanged
)

func (k ChangeKind) String() string {
	switch k {
	case LogAppended:
		return "log_appended"
	case LogsCleared:
		return "logs_cleared"
	case StateChanged:
		return "state_changed"
	}
	return fmt.Sprintf("change(%d)", int(k))
}

// Change is delivered to watchers. Entry is set for LogAppended and
// LogsCleared, Running for StateChanged.
type Change struct {
	Kind    ChangeKind
	Entry   eventlog.Entry
	Running bool
}

// Options configures a Server
type Options struct {
	Config              ServerConfig
	BindAddress         string
	ActionDelay         time.Duration
	CancelPendingOnStop bool

	Runner      action.Runner
	Commands    map[protocol.Kind][]string
	Clock       clockwork.Clock
	LogCapacity int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// FromConfig builds Options from the loaded daemon configuration. The
// runner is a DryRunner when DryRun is set.
func FromConfig(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) Options {
	opts := Options{
		Config:              ServerConfig{Port: cfg.Port, MachineID: cfg.MachineID},
		BindAddress:         cfg.BindAddress,
		ActionDelay:         cfg.ActionDelay,
		CancelPendingOnStop: cfg.CancelPendingOnStop,
		Commands: map[protocol.Kind][]string{
			protocol.Reboot:   cfg.RebootCommand,
			protocol.Shutdown: cfg.ShutdownCommand,
		},
		Logger:  logger,
		Metrics: m,
	}
	if cfg.DryRun {
		opts.Runner = action.DryRunner{Logger: logger}
	}
	return opts
}

// Server is the facade the presentation layer talks to. It owns the
// configuration, running state, event log and action executor, and creates
// a fresh listener for every start.
type Server struct {
	bindAddress         string
	actionDelay         time.Duration
	cancelPendingOnStop bool
	logger              *zap.Logger
	metrics             *metrics.Metrics

	store    *eventlog.Store
	executor *action.Executor
	running  atomic.Bool

	mu sync.Mutex // serializes Configure, Start and Stop

	stateMu sync.RWMutex
	cfg     ServerConfig
	lst     *listener.Listener

	watchMu   sync.Mutex
	watchers  map[int]chan Change
	nextWatch int
}

// New creates a stopped server. The machine identifier is validated; port 0
// is accepted here and binds an ephemeral port.
func New(opts Options) (*Server, error) {
	if err := config.ValidateMachineID(opts.Config.MachineID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s := &Server{
		bindAddress:         opts.BindAddress,
		actionDelay:         opts.ActionDelay,
		cancelPendingOnStop: opts.CancelPendingOnStop,
		logger:              opts.Logger,
		metrics:             opts.Metrics,
		store:               eventlog.New(opts.LogCapacity),
		cfg:                 opts.Config,
		watchers:            make(map[int]chan Change),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.executor = action.New(action.Options{
		Clock:    opts.Clock,
		Runner:   opts.Runner,
		Commands: opts.Commands,
		Report:   s.reportOutcome,
		Logger:   s.logger.Named("action"),
		Metrics:  opts.Metrics,
	})
	return s, nil
}

// Configure replaces port and machine identifier. It fails with
// ErrConfigurationLocked while running and leaves the configuration
// untouched on any error.
func (s *Server) Configure(port uint16, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return ErrConfigurationLocked
	}
	if err := config.ValidatePort(port); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := config.ValidateMachineID(machineID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s.stateMu.Lock()
	s.cfg = ServerConfig{Port: port, MachineID: machineID}
	s.stateMu.Unlock()

	s.logger.Info("configuration updated", zap.Uint16("port", port), zap.String("machine_id", machineID))
	return nil
}

// Start binds the command socket using the current configuration. It
// returns ErrAlreadyRunning when a listener is active and a
// *listener.BindError when binding fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.RLock()
	cur, cfg := s.lst, s.cfg
	s.stateMu.RUnlock()

	if cur != nil && cur.State() != listener.Stopped {
		return ErrAlreadyRunning
	}

	l := listener.New(listener.Options{
		Config: listener.Config{
			Port:        cfg.Port,
			MachineID:   cfg.MachineID,
			BindAddress: s.bindAddress,
			ActionDelay: s.actionDelay,
		},
		Journal:   journal{s},
		Scheduler: s.executor,
		OnState:   s.onState,
		Logger:    s.logger.Named("listener"),
		Metrics:   s.metrics,
	})

	s.stateMu.Lock()
	s.lst = l
	s.stateMu.Unlock()

	return l.Start(ctx)
}

// Stop closes the command socket. Scheduled actions still fire unless the
// server was built with CancelPendingOnStop. Stopping a stopped server is a
// no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.RLock()
	l := s.lst
	s.stateMu.RUnlock()

	if l == nil || l.State() == listener.Stopped {
		return
	}
	l.Stop()

	if s.cancelPendingOnStop {
		if n := s.executor.CancelAll(); n > 0 {
			s.append(fmt.Sprintf("Cancelled %d pending action(s)", n), eventlog.Info)
		}
	}
}

// ClearLogs empties the event log, leaving only the "Logs cleared" marker
func (s *Server) ClearLogs() {
	entry := s.store.Clear()
	s.mirror(entry)
	s.publish(Change{Kind: LogsCleared, Entry: entry})
}

// Logs returns a snapshot of the event log, newest first
func (s *Server) Logs() []eventlog.Entry {
	return s.store.Snapshot()
}

// IsRunning reports whether the listener is Ready
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// CurrentConfig returns the configuration the next Start will use
func (s *Server) CurrentConfig() ServerConfig {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.cfg
}

// ListenAddr returns the bound UDP address while running, nil otherwise
func (s *Server) ListenAddr() net.Addr {
	s.stateMu.RLock()
	l := s.lst
	s.stateMu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Addr()
}

// PendingActions returns how many actions are scheduled and not yet fired
func (s *Server) PendingActions() int {
	return s.executor.PendingCount()
}

// CancelPending cancels every scheduled action and returns how many were
// stopped.
func (s *Server) CancelPending() int {
	n := s.executor.CancelAll()
	if n > 0 {
		s.append(fmt.Sprintf("Cancelled %d pending action(s)", n), eventlog.Info)
	}
	return n
}

// Watch registers for change notifications. Sends never block: a watcher
// whose buffer is full misses changes. The returned func unregisters and
// closes the channel.
func (s *Server) Watch(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	s.watchMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
			close(ch)
		})
	}
}

func (s *Server) publish(c Change) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *Server) onState(st listener.State) {
	running := st == listener.Ready
	if s.running.Swap(running) != running {
		s.publish(Change{Kind: StateChanged, Running: running})
	}
}

func (s *Server) append(message string, severity eventlog.Severity) eventlog.Entry {
	entry := s.store.Append(message, severity)
	s.mirror(entry)
	s.publish(Change{Kind: LogAppended, Entry: entry})
	return entry
}

// mirror copies an event log entry to the process logger
func (s *Server) mirror(e eventlog.Entry) {
	fields := []zap.Field{zap.Stringer("severity", e.Severity)}
	switch e.Severity {
	case eventlog.Error:
		s.logger.Error(e.Message, fields...)
	case eventlog.Warning:
		s.logger.Warn(e.Message, fields...)
	default:
		s.logger.Info(e.Message, fields...)
	}
}

func (s *Server) reportOutcome(o action.Outcome) {
	name := actionName(o.Kind)
	if o.Err != nil {
		s.append(fmt.Sprintf("%s failed: %v", name, o.Err), eventlog.Error)
		return
	}
	s.append(name+" command issued", eventlog.Success)
}

func actionName(k protocol.Kind) string {
	switch k {
	case protocol.Reboot:
		return "Reboot"
	case protocol.Shutdown:
		return "Shutdown"
	}
	return k.String()
}

// journal routes listener events through the server so they are mirrored
// and published.
type journal struct{ s *Server }

func (j journal) Append(message string, severity eventlog.Severity) eventlog.Entry {
	return j.s.append(message, severity)
}
