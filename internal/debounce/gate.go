// Package debounce collapses bursts of upstream change notifications into a
// single callback run after a quiet period.
package debounce

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"areagroups/internal/clock"
	"areagroups/internal/metrics"
)

// DefaultQuietPeriod is the delay between the last notification and the callback.
const DefaultQuietPeriod = time.Second

// State is the gate's position in its Idle -> Pending -> Running cycle.
type State int

const (
	Idle State = iota
	Pending
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Gate runs callback once per burst of Notify calls.
//
// Notify is ignored while ready reports false, while the callback is
// running, and after Close. Callback errors and panics are logged; the gate
// always returns to Idle afterwards.
type Gate struct {
	clock    clock.Clock
	quiet    time.Duration
	ready    func() bool
	callback func() error
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	state      State
	timer      clock.Timer
	generation int
	closed     bool
}

// NewGate creates an idle gate. A nil ready func means always ready.
func NewGate(clk clock.Clock, quiet time.Duration, ready func() bool, callback func() error, logger *zap.Logger) *Gate {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Gate{
		clock:    clk,
		quiet:    quiet,
		ready:    ready,
		callback: callback,
		logger:   logger.Named("debounce"),
	}
}

// WithMetrics attaches collectors and returns g.
func (g *Gate) WithMetrics(m *metrics.Metrics) *Gate {
	g.metrics = m
	return g
}

// Notify (re)arms the quiet-period timer.
func (g *Gate) Notify() {
	g.metrics.GateNotified()

	if !g.ready() {
		g.logger.Debug("Host not running, ignoring change notification")
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed || g.state == Running {
		return
	}

	if g.timer != nil {
		g.timer.Stop()
	}
	g.generation++
	gen := g.generation
	g.timer = g.clock.AfterFunc(g.quiet, func() { g.fire(gen) })
	g.state = Pending
}

// Cancel drops a pending run. A running callback is not interrupted.
func (g *Gate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelLocked()
}

func (g *Gate) cancelLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.generation++
	if g.state == Pending {
		g.state = Idle
	}
}

// Close cancels any pending run and ignores all later notifications.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelLocked()
	g.closed = true
}

// State returns the current gate state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) fire(gen int) {
	g.mu.Lock()
	if g.closed || gen != g.generation || g.state != Pending {
		g.mu.Unlock()
		return
	}
	g.state = Running
	g.timer = nil
	g.mu.Unlock()

	err := g.run()

	g.mu.Lock()
	g.state = Idle
	g.mu.Unlock()

	g.metrics.GateFired(err)
	if err != nil {
		g.logger.Error("Recomputation failed", zap.Error(err))
	}
}

func (g *Gate) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recomputation panicked: %v", r)
		}
	}()
	return g.callback()
}
