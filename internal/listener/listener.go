// internal/listener/listener.go
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/signalnine/remotepower/internal/action"
	"github.com/signalnine/remotepower/internal/eventlog"
	"github.com/signalnine/remotepower/internal/metrics"
	"github.com/signalnine/remotepower/internal/protocol"
)

// maxDatagramSize covers the largest UDP payload
const maxDatagramSize = 64 * 1024

const (
	// maxReceiveFailures consecutive read errors take the listener down
	maxReceiveFailures = 10

	defaultReceiveBackoff = 10 * time.Millisecond
	maxReceiveBackoff     = time.Second
)

// ListenFunc opens the command socket on address ("host:port")
type ListenFunc func(ctx context.Context, address string) (net.PacketConn, error)

// ErrAlreadyStarted is returned by Start when the listener is not Stopped
var ErrAlreadyStarted = errors.New("listener already started")

// BindError reports a failure to bind the command socket
type BindError struct {
	Port uint16
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind udp port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ReceiveError reports a transport fault on one exchange. The listener
// stays Ready.
type ReceiveError struct {
	Err error
}

func (e *ReceiveError) Error() string { return "receive: " + e.Err.Error() }

func (e *ReceiveError) Unwrap() error { return e.Err }

// State is the listener lifecycle state
type State int

const (
	Stopped State = iota
	Starting
	Ready
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Journal records domain events. *eventlog.Store satisfies it
type Journal interface {
	Append(message string, severity eventlog.Severity) eventlog.Entry
}

// Scheduler schedules host actions. *action.Executor satisfies it
type Scheduler interface {
	Schedule(kind protocol.Kind, delay time.Duration) (*action.Pending, error)
}

// Config is fixed for the lifetime of a Listener
type Config struct {
	Port        uint16
	MachineID   string
	BindAddress string // empty = all interfaces
	ActionDelay time.Duration
}

// Options wires a Listener to its collaborators
type Options struct {
	Config    Config
	Journal   Journal
	Scheduler Scheduler
	OnState   func(State) // called on every transition, outside internal locks
	Listen    ListenFunc  // defaults to a UDP socket
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Listener owns the UDP command socket.
//
// Start and Stop are serialized with each other. Datagrams are handled one
// at a time on a single goroutine per Ready period.
type Listener struct {
	cfg       Config
	journal   Journal
	scheduler Scheduler
	onState   func(State)
	listen    ListenFunc
	backoff   time.Duration // first pause after a receive error
	logger    *zap.Logger
	metrics   *metrics.Metrics

	opMu sync.Mutex // serializes Start and Stop

	mu    sync.Mutex
	state State
	sess  *session
}

// session is one Ready period
type session struct {
	conn     net.PacketConn
	done     chan struct{}
	quit     chan struct{} // closed by Stop
	stopping bool // guarded by Listener.mu
}

// New creates a Stopped listener
func New(opts Options) *Listener {
	l := &Listener{
		cfg:       opts.Config,
		journal:   opts.Journal,
		scheduler: opts.Scheduler,
		onState:   opts.OnState,
		listen:    opts.Listen,
		backoff:   defaultReceiveBackoff,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if l.listen == nil {
		l.listen = listenUDP
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

// State returns the current lifecycle state
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Addr returns the bound address while Ready, nil otherwise
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess == nil {
		return nil
	}
	return l.sess.conn.LocalAddr()
}

// Start binds the command socket and begins accepting datagrams. It
// returns ErrAlreadyStarted unless the listener is Stopped, and a
// *BindError if the socket cannot be bound.
func (l *Listener) Start(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	if l.state != Stopped {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.state = Starting
	l.mu.Unlock()
	l.transition(Starting)

	addr := net.JoinHostPort(l.cfg.BindAddress, strconv.Itoa(int(l.cfg.Port)))
	conn, err := l.listen(ctx, addr)
	if err != nil {
		bindErr := &BindError{Port: l.cfg.Port, Err: err}

		l.mu.Lock()
		l.state = Stopped
		l.mu.Unlock()
		l.transition(Stopped)

		l.journal.Append(fmt.Sprintf("Failed to start listener on port %d: %v", l.cfg.Port, err), eventlog.Error)
		l.logger.Error("bind failed", zap.Uint16("port", l.cfg.Port), zap.Error(err))
		return bindErr
	}

	sess := &session{conn: conn, done: make(chan struct{}), quit: make(chan struct{})}

	l.mu.Lock()
	l.sess = sess
	l.state = Ready
	l.mu.Unlock()
	l.transition(Ready)

	port := boundPort(conn.LocalAddr(), l.cfg.Port)
	l.journal.Append(fmt.Sprintf("Listening on UDP port %d. Commands: %s",
		port, strings.Join(protocol.ExpectedCommands(l.cfg.MachineID), ", ")), eventlog.Success)
	l.logger.Info("listener ready",
		zap.Stringer("addr", conn.LocalAddr()),
		zap.String("machine_id", l.cfg.MachineID))

	go l.serve(sess)
	return nil
}

// Stop closes the socket, discards any exchange awaiting data and waits
// for the read loop to exit. Calling Stop while Stopped is a no-op.
func (l *Listener) Stop() {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	sess := l.sess
	if l.state == Stopped || sess == nil {
		l.mu.Unlock()
		return
	}
	sess.stopping = true
	l.mu.Unlock()

	close(sess.quit)
	sess.conn.Close()
	<-sess.done

	l.mu.Lock()
	l.sess = nil
	l.state = Stopped
	l.mu.Unlock()
	l.transition(Stopped)

	l.journal.Append("Server stopped", eventlog.Warning)
	l.logger.Info("listener stopped")
}

func (l *Listener) transition(s State) {
	l.metrics.SetRunning(s == Ready)
	if l.onState != nil {
		l.onState(s)
	}
}

func (l *Listener) serve(sess *session) {
	defer close(sess.done)

	buf := make([]byte, maxDatagramSize)
	failures := 0
	for {
		n, from, err := sess.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				l.closed(sess, err)
				return
			}
			failures++
			recvErr := &ReceiveError{Err: err}
			l.metrics.ObserveReceiveError()
			l.journal.Append(fmt.Sprintf("Receive failed: %v", recvErr.Err), eventlog.Error)
			l.logger.Warn("receive failed", zap.Error(recvErr), zap.Int("consecutive", failures))

			if failures >= maxReceiveFailures {
				sess.conn.Close()
				l.closed(sess, fmt.Errorf("%d consecutive receive errors: %w", failures, err))
				return
			}
			sess.pause(l.receiveBackoff(failures))
			continue
		}
		failures = 0
		l.handle(buf[:n], from)
	}
}

// receiveBackoff doubles per consecutive failure up to maxReceiveBackoff
func (l *Listener) receiveBackoff(failures int) time.Duration {
	d := l.backoff
	for i := 1; i < failures && d < maxReceiveBackoff; i++ {
		d *= 2
	}
	return min(d, maxReceiveBackoff)
}

// pause sleeps for d or until Stop
func (s *session) pause(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.quit:
	}
}

// closed runs when the read loop gives up on its socket. If Stop closed it,
// Stop finishes the transition; otherwise the socket was torn down under us
// or kept failing.
func (l *Listener) closed(sess *session, err error) {
	l.mu.Lock()
	if sess.stopping {
		l.mu.Unlock()
		return
	}
	if l.sess == sess {
		l.sess = nil
	}
	l.state = Stopped
	l.mu.Unlock()
	l.transition(Stopped)

	l.journal.Append(fmt.Sprintf("Listener failed: %v", err), eventlog.Error)
	l.logger.Error("listener failed", zap.Error(err))
}

// handle processes one exchange
func (l *Listener) handle(payload []byte, from net.Addr) {
	l.metrics.ObserveDatagram()

	if !utf8.Valid(payload) {
		l.metrics.ObserveDropped()
		l.logger.Debug("dropping non-UTF-8 datagram", zap.Stringer("from", from), zap.Int("bytes", len(payload)))
		return
	}

	text := strings.TrimSpace(string(payload))
	l.journal.Append("Received command: "+text, eventlog.Info)
	l.logger.Debug("datagram", zap.Stringer("from", from), zap.String("payload", text))

	cmd := protocol.Match(l.cfg.MachineID, text)
	l.metrics.ObserveCommand(cmd.Kind.String())

	switch cmd.Kind {
	case protocol.Reboot:
		l.journal.Append(fmt.Sprintf("Rebooting in %s", l.cfg.ActionDelay), eventlog.Warning)
		l.schedule(cmd.Kind)
	case protocol.Shutdown:
		l.journal.Append(fmt.Sprintf("Shutting down in %s", l.cfg.ActionDelay), eventlog.Warning)
		l.schedule(cmd.Kind)
	default:
		expected := protocol.ExpectedCommands(l.cfg.MachineID)
		l.journal.Append("Unrecognized command: "+text, eventlog.Error)
		l.journal.Append(fmt.Sprintf("Expected %s or %s", expected[0], expected[1]), eventlog.Info)
	}
}

func (l *Listener) schedule(kind protocol.Kind) {
	if l.scheduler == nil {
		return
	}
	if _, err := l.scheduler.Schedule(kind, l.cfg.ActionDelay); err != nil {
		l.journal.Append(fmt.Sprintf("Failed to schedule %s: %v", kind, err), eventlog.Error)
	}
}

func listenUDP(ctx context.Context, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	return lc.ListenPacket(ctx, "udp", address)
}

func boundPort(addr net.Addr, fallback uint16) int {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.Port
	}
	return int(fallback)
}
