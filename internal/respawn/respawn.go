// Package respawn keeps an agent session moving: it watches tracker events
// and byte activity for one session and injects a scripted refresh sequence
// into the window when the child goes idle or stalls.
package respawn

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/claudeman/internal/log"
	"github.com/zjrosen/claudeman/internal/pubsub"
	"github.com/zjrosen/claudeman/internal/ralph"
)

// State is the controller's position in its lifecycle.
type State string

const (
	Stopped      State = "STOPPED"
	Watching     State = "WATCHING"
	IdleDetected State = "IDLE_DETECTED"
	Refreshing   State = "REFRESHING"
	CoolingDown  State = "COOLING_DOWN"
	Completed    State = "COMPLETED"
)

// AutoClear triggers a refresh that includes /clear once the session's
// token accounting crosses the threshold.
type AutoClear struct {
	Enabled   bool `json:"enabled"`
	Threshold int  `json:"threshold"`
}

// Config is the respawn recipe persisted on the session record.
type Config struct {
	// UpdatePrompt is the text injected on each refresh cycle.
	UpdatePrompt string `json:"updatePrompt"`
	// UseClear injects /clear before the prompt.
	UseClear bool `json:"useClear,omitempty"`
	// UseInit injects /init before the prompt.
	UseInit bool `json:"useInit,omitempty"`
	// DurationMinutes stops the controller after the deadline. Zero means
	// no deadline.
	DurationMinutes int        `json:"durationMinutes,omitempty"`
	AutoClear       *AutoClear `json:"autoClear,omitempty"`
}

// EventType names a controller emission.
type EventType string

const (
	EventStarted      EventType = "respawn:started"
	EventStopped      EventType = "respawn:stopped"
	EventStateChanged EventType = "respawn:stateChanged"
	EventCycleStarted EventType = "respawn:cycleStarted"
	EventStepSent     EventType = "respawn:stepSent"
	EventTimerStarted EventType = "respawn:timerStarted"
)

// Event is one controller emission.
type Event struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"sessionId"`
	State      State     `json:"state"`
	Step       string    `json:"step,omitempty"`
	CycleCount int       `json:"cycleCount"`
}

// Injector pushes keystrokes into the session's window.
type Injector interface {
	SendKeys(name, payload string) error
}

// Timing bounds the controller's waits.
type Timing struct {
	IdleTimeout    time.Duration
	InterStepDelay time.Duration
	CoolDown       time.Duration
}

// DefaultTiming matches the recommended defaults.
func DefaultTiming() Timing {
	return Timing{
		IdleTimeout:    5 * time.Second,
		InterStepDelay: time.Second,
		CoolDown:       30 * time.Second,
	}
}

// Controller runs the respawn state machine for one session. It subscribes
// to tracker events and injects keystrokes; it never touches the registry
// beyond its own config blob, which the supervisor persists.
type Controller struct {
	sessionID  string
	windowName string
	injector   Injector
	timing     Timing
	clock      ralph.Clock
	broker     *pubsub.Broker[Event]

	mu          sync.Mutex
	state       State
	config      Config
	cycleCount  int
	startedAt   time.Time
	lastCycleAt time.Time
	tokenCount  int
	wantClear   bool
	stoppedSent bool

	idleTimer  ralph.Timer
	idleCancel chan struct{}
	idleGen    int
	deadline   ralph.Timer
	dlCancel   chan struct{}
	cancelRun  chan struct{}
}

// New creates a stopped controller for a session window.
func New(sessionID, windowName string, injector Injector, timing Timing, clock ralph.Clock) *Controller {
	if clock == nil {
		clock = ralph.RealClock{}
	}
	if timing.IdleTimeout <= 0 {
		timing = DefaultTiming()
	}
	return &Controller{
		sessionID:  sessionID,
		windowName: windowName,
		injector:   injector,
		timing:     timing,
		clock:      clock,
		broker:     pubsub.NewBroker[Event](),
		state:      Stopped,
	}
}

// Subscribe returns controller events until ctx is cancelled.
func (c *Controller) Subscribe(ctx context.Context) <-chan Event {
	events := c.broker.Subscribe(ctx)
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for ev := range events {
			select {
			case out <- ev.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConfigSnapshot returns the active config.
func (c *Controller) ConfigSnapshot() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// CycleCount returns the number of refresh cycles completed.
func (c *Controller) CycleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycleCount
}

// Start moves STOPPED -> WATCHING with the given config. A running
// controller restarts with the new config.
func (c *Controller) Start(cfg Config) {
	c.mu.Lock()
	c.disarmTimersLocked()
	c.config = cfg
	c.startedAt = c.clock.Now()
	c.stoppedSent = false
	c.setStateLocked(Watching)
	c.emitLocked(EventStarted, "")
	c.armIdleTimerLocked()
	if cfg.DurationMinutes > 0 {
		c.armDeadlineLocked(time.Duration(cfg.DurationMinutes) * time.Minute)
	}
	c.mu.Unlock()
}

// Stop halts the controller. Emits respawn:stopped once per run.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()
}

// Close stops the controller and drops subscribers.
func (c *Controller) Close() {
	c.Stop()
	c.broker.Close()
}

func (c *Controller) stopLocked() {
	if c.state == Stopped {
		return
	}
	c.disarmTimersLocked()
	c.setStateLocked(Stopped)
	if !c.stoppedSent {
		c.stoppedSent = true
		c.emitLocked(EventStopped, "")
	}
}

// NoteActivity records a byte from the child, pushing back idle detection.
func (c *Controller) NoteActivity() {
	c.mu.Lock()
	if c.state == Watching {
		c.armIdleTimerLocked()
	}
	c.mu.Unlock()
}

// NoteTokens feeds the session's token accounting. The auto-clear trigger
// is edge-based: it fires when the total crosses the threshold from below
// and re-arms only after the counter drops back under it (the reader
// resets the counter when the terminal clears), so a monotonic total never
// loops the session through endless clearing refreshes.
func (c *Controller) NoteTokens(total int) {
	c.mu.Lock()
	prev := c.tokenCount
	c.tokenCount = total
	ac := c.config.AutoClear
	if ac != nil && ac.Enabled && total >= ac.Threshold && prev < ac.Threshold {
		c.wantClear = true
		if c.state == Watching {
			c.triggerRefreshLocked("autoClear")
		}
	}
	c.mu.Unlock()
}

// OnTrackerEvent reacts to the tracker's derived signals.
func (c *Controller) OnTrackerEvent(ev ralph.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped {
		return
	}

	switch ev.Type {
	case ralph.EventCompletionDetected, ralph.EventExitGateMet:
		c.disarmTimersLocked()
		c.setStateLocked(Completed)
		c.stopLocked()
	case ralph.EventStallCritical:
		if c.state == Watching {
			c.triggerRefreshLocked("stall")
		}
	case ralph.EventCircuitBreaker:
		status, ok := ev.Payload.(ralph.BreakerStatus)
		if ok && status.State == ralph.BreakerOpen && c.state == Watching {
			c.coolDownLocked(c.timing.CoolDown)
		}
	}
}

// --- internals ---

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.emitLocked(EventStateChanged, "")
}

func (c *Controller) emitLocked(typ EventType, step string) {
	c.broker.Publish(pubsub.UpdatedEvent, Event{
		Type:       typ,
		SessionID:  c.sessionID,
		State:      c.state,
		Step:       step,
		CycleCount: c.cycleCount,
	})
}

func (c *Controller) armIdleTimerLocked() {
	c.disarmIdleLocked()
	c.idleGen++
	gen := c.idleGen
	timer := c.clock.NewTimer(c.timing.IdleTimeout)
	cancel := make(chan struct{})
	c.idleTimer = timer
	c.idleCancel = cancel
	c.emitLocked(EventTimerStarted, "idle")
	log.SafeGo("respawn-idle-"+c.sessionID, func() {
		select {
		case <-timer.C():
			c.onIdleTimeout(gen)
		case <-cancel:
		}
	})
}

func (c *Controller) disarmIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.idleCancel != nil {
		close(c.idleCancel)
		c.idleCancel = nil
	}
	c.idleGen++
}

func (c *Controller) onIdleTimeout(gen int) {
	c.mu.Lock()
	if gen != c.idleGen || c.state != Watching {
		c.mu.Unlock()
		return
	}
	c.triggerRefreshLocked("idle")
	c.mu.Unlock()
}

func (c *Controller) armDeadlineLocked(d time.Duration) {
	if c.deadline != nil {
		c.deadline.Stop()
	}
	if c.dlCancel != nil {
		close(c.dlCancel)
	}
	timer := c.clock.NewTimer(d)
	cancel := make(chan struct{})
	c.deadline = timer
	c.dlCancel = cancel
	c.emitLocked(EventTimerStarted, "deadline")
	log.SafeGo("respawn-deadline-"+c.sessionID, func() {
		select {
		case <-cancel:
			return
		case <-timer.C():
		}
		c.mu.Lock()
		if c.state != Stopped {
			c.setStateLocked(Completed)
			c.stopLocked()
		}
		c.mu.Unlock()
	})
}

func (c *Controller) disarmTimersLocked() {
	c.disarmIdleLocked()
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	if c.dlCancel != nil {
		close(c.dlCancel)
		c.dlCancel = nil
	}
	if c.cancelRun != nil {
		close(c.cancelRun)
		c.cancelRun = nil
	}
}

// triggerRefreshLocked moves WATCHING -> IDLE_DETECTED and launches the
// step runner.
func (c *Controller) triggerRefreshLocked(reason string) {
	if c.state != Watching {
		return
	}
	c.setStateLocked(IdleDetected)
	c.emitLocked(EventCycleStarted, reason)

	steps := c.buildStepsLocked()
	cancel := make(chan struct{})
	c.cancelRun = cancel
	log.SafeGo("respawn-refresh-"+c.sessionID, func() {
		c.runRefresh(steps, cancel)
	})
}

// buildStepsLocked assembles the scripted refresh sequence.
func (c *Controller) buildStepsLocked() []string {
	var steps []string
	if c.config.UseClear || c.wantClear {
		steps = append(steps, "/clear")
	}
	if c.config.UseInit {
		steps = append(steps, "/init")
	}
	if c.config.UpdatePrompt != "" {
		steps = append(steps, c.config.UpdatePrompt)
	}
	c.wantClear = false
	return steps
}

// runRefresh drains the step sequence with the inter-step delay, then
// cools down and returns to WATCHING. An injection failure is transient:
// skip the rest of the cycle and return to WATCHING after the cool-down.
func (c *Controller) runRefresh(steps []string, cancel <-chan struct{}) {
	c.mu.Lock()
	c.setStateLocked(Refreshing)
	c.mu.Unlock()

	failed := false
	for i, step := range steps {
		if err := c.injector.SendKeys(c.windowName, step); err != nil {
			log.Warn(log.CatRespawn, "step injection failed", "session", c.sessionID, "step", step, "error", err)
			failed = true
			break
		}
		c.mu.Lock()
		c.emitLocked(EventStepSent, step)
		c.mu.Unlock()

		if i < len(steps)-1 {
			if !c.wait(c.timing.InterStepDelay, cancel) {
				return
			}
		}
	}

	c.mu.Lock()
	if c.state != Refreshing {
		c.mu.Unlock()
		return
	}
	if !failed {
		c.cycleCount++
		c.lastCycleAt = c.clock.Now()
	}
	c.mu.Unlock()

	c.coolDown(c.timing.InterStepDelay, cancel)
}

func (c *Controller) coolDown(d time.Duration, cancel <-chan struct{}) {
	c.mu.Lock()
	c.setStateLocked(CoolingDown)
	c.mu.Unlock()

	if !c.wait(d, cancel) {
		return
	}

	c.mu.Lock()
	if c.state == CoolingDown {
		c.cancelRun = nil
		c.setStateLocked(Watching)
		c.armIdleTimerLocked()
	}
	c.mu.Unlock()
}

// coolDownLocked pauses a watching controller, e.g. when the circuit
// breaker opens.
func (c *Controller) coolDownLocked(d time.Duration) {
	c.disarmIdleLocked()
	cancel := make(chan struct{})
	c.cancelRun = cancel
	c.setStateLocked(CoolingDown)
	log.SafeGo("respawn-cooldown-"+c.sessionID, func() {
		if !c.wait(d, cancel) {
			return
		}
		c.mu.Lock()
		if c.state == CoolingDown {
			c.cancelRun = nil
			c.setStateLocked(Watching)
			c.armIdleTimerLocked()
		}
		c.mu.Unlock()
	})
}

// wait sleeps for d unless cancelled. Returns false when cancelled.
func (c *Controller) wait(d time.Duration, cancel <-chan struct{}) bool {
	timer := c.clock.NewTimer(d)
	select {
	case <-timer.C():
		return true
	case <-cancel:
		timer.Stop()
		return false
	}
}
