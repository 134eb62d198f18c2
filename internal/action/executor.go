// internal/action/executor.go
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/signalnine/remotepower/internal/metrics"
	"github.com/signalnine/remotepower/internal/protocol"
)

// DefaultTimeout bounds a single host command invocation
const DefaultTimeout = 30 * time.Second

// ErrUnsupportedAction is returned by Schedule for kinds other than
// Reboot and Shutdown.
var ErrUnsupportedAction = errors.New("unsupported action")

// ActionInvocationError reports a host command that failed to launch or
// exited with an error.
type ActionInvocationError struct {
	Kind    protocol.Kind
	Command []string
	Err     error
}

func (e *ActionInvocationError) Error() string {
	return fmt.Sprintf("%s command %q failed: %v", e.Kind, strings.Join(e.Command, " "), e.Err)
}

func (e *ActionInvocationError) Unwrap() error { return e.Err }

// Outcome is the single result of a fired action. Err is nil on success
// and an *ActionInvocationError otherwise.
type Outcome struct {
	Kind protocol.Kind
	Err  error
}

// Options configures an Executor
type Options struct {
	Clock    clockwork.Clock // defaults to the real clock
	Runner   Runner          // defaults to ExecRunner
	Commands map[protocol.Kind][]string
	Timeout  time.Duration // per invocation; defaults to DefaultTimeout
	Report   func(Outcome) // called once per fired action
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Executor runs host power commands after a delay
type Executor struct {
	clock    clockwork.Clock
	runner   Runner
	commands map[protocol.Kind][]string
	timeout  time.Duration
	report   func(Outcome)
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[uint64]*Pending
	nextID  uint64
}

// Pending is the handle of a scheduled, not yet fired action
type Pending struct {
	Kind protocol.Kind
	Due  time.Time

	id    uint64
	timer clockwork.Timer
	exec  *Executor
}

// New creates an executor
func New(opts Options) *Executor {
	e := &Executor{
		clock:    opts.Clock,
		runner:   opts.Runner,
		commands: opts.Commands,
		timeout:  opts.Timeout,
		report:   opts.Report,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		pending:  make(map[uint64]*Pending),
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.runner == nil {
		e.runner = ExecRunner{}
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Schedule arranges for the host command of kind to run after delay and
// returns immediately.
func (e *Executor) Schedule(kind protocol.Kind, delay time.Duration) (*Pending, error) {
	if kind != protocol.Reboot && kind != protocol.Shutdown {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, kind)
	}

	due := e.clock.Now().Add(delay)

	e.mu.Lock()
	e.nextID++
	p := &Pending{
		Kind: kind,
		Due:  due,
		id:   e.nextID,
		exec: e,
	}
	e.pending[p.id] = p
	e.mu.Unlock()

	timer := e.clock.AfterFunc(delay, func() { e.fire(p) })

	e.mu.Lock()
	p.timer = timer
	e.mu.Unlock()

	e.logger.Info("action scheduled",
		zap.Stringer("action", kind),
		zap.Duration("delay", delay))
	return p, nil
}

// Cancel stops the action if it has not fired yet and reports whether it did
func (p *Pending) Cancel() bool {
	e := p.exec
	e.mu.Lock()
	if _, ok := e.pending[p.id]; !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.pending, p.id)
	timer := p.timer
	e.mu.Unlock()

	// fire checks membership, so a timer that already expired is harmless
	if timer != nil {
		timer.Stop()
	}

	e.metrics.ObserveAction(p.Kind.String(), metrics.OutcomeCancelled)
	e.logger.Info("action cancelled", zap.Stringer("action", p.Kind))
	return true
}

// CancelAll cancels every pending action and returns how many were stopped
func (e *Executor) CancelAll() int {
	e.mu.Lock()
	handles := make([]*Pending, 0, len(e.pending))
	for _, p := range e.pending {
		handles = append(handles, p)
	}
	e.mu.Unlock()

	n := 0
	for _, p := range handles {
		if p.Cancel() {
			n++
		}
	}
	return n
}

// PendingCount returns how many actions are scheduled but not yet fired
func (e *Executor) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Executor) fire(p *Pending) {
	e.mu.Lock()
	if _, ok := e.pending[p.id]; !ok {
		// Cancelled between expiry and now.
		e.mu.Unlock()
		return
	}
	delete(e.pending, p.id)
	e.mu.Unlock()

	outcome := Outcome{Kind: p.Kind}
	argv := e.commands[p.Kind]

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if err := e.runner.Run(ctx, argv); err != nil {
		outcome.Err = &ActionInvocationError{Kind: p.Kind, Command: argv, Err: err}
		e.metrics.ObserveAction(p.Kind.String(), metrics.OutcomeFailure)
		e.logger.Error("host command failed", zap.Stringer("action", p.Kind), zap.Error(err))
	} else {
		e.metrics.ObserveAction(p.Kind.String(), metrics.OutcomeSuccess)
		e.logger.Info("host command issued", zap.Stringer("action", p.Kind), zap.Strings("argv", argv))
	}

	if e.report != nil {
		e.report(outcome)
	}
}
