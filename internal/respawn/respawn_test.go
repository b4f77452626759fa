package respawn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/claudeman/internal/ralph"
)

type fakeInjector struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeInjector) SendKeys(name, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeInjector) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func fastTiming() Timing {
	return Timing{
		IdleTimeout:    30 * time.Millisecond,
		InterStepDelay: 5 * time.Millisecond,
		CoolDown:       20 * time.Millisecond,
	}
}

func newTestController(inj Injector) *Controller {
	return New("sess-1", "claudeman-sess-1", inj, fastTiming(), nil)
}

func TestStartWatches(t *testing.T) {
	inj := &fakeInjector{}
	c := newTestController(inj)
	defer c.Close()

	require.Equal(t, Stopped, c.State())
	c.Start(Config{UpdatePrompt: "continue"})
	assert.Equal(t, Watching, c.State())
}

func TestIdleTriggersRefreshCycle(t *testing.T) {
	inj := &fakeInjector{}
	c := newTestController(inj)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.Subscribe(ctx)

	c.Start(Config{UpdatePrompt: "keep going", UseClear: true})

	require.Eventually(t, func() bool {
		return c.CycleCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"/clear", "keep going"}, inj.Sent())

	var sawCycle, sawStep bool
	deadline := time.After(500 * time.Millisecond)
	for !(sawCycle && sawStep) {
		select {
		case ev := <-events:
			switch ev.Type {
			case EventCycleStarted:
				sawCycle = true
			case EventStepSent:
				sawStep = true
			}
		case <-deadline:
			t.Fatal("missing cycleStarted/stepSent events")
		}
	}

	// After cool-down the controller watches again.
	require.Eventually(t, func() bool {
		return c.State() == Watching
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActivityDefersIdle(t *testing.T) {
	inj := &fakeInjector{}
	c := newTestController(inj)
	defer c.Close()

	c.Start(Config{UpdatePrompt: "go"})
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		c.NoteActivity()
	}
	assert.Equal(t, 0, c.CycleCount(), "steady activity must not trigger a refresh")
}

func TestCompletionStopsController(t *testing.T) {
	inj := &fakeInjector{}
	c := newTestController(inj)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.Subscribe(ctx)

	c.Start(Config{UpdatePrompt: "go"})
	c.OnTrackerEvent(ralph.Event{Type: ralph.EventCompletionDetected, Payload: ralph.Completion{Phrase: "X"}})

	assert.Equal(t, Stopped, c.State())

	var stopped int
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventStopped {
				stopped++
			}
		case <-deadline:
			assert.Equal(t, 1, stopped, "respawn:stopped fires exactly once")
			return
		}
	}
}

func TestBreakerOpenCoolsDown(t *testing.T) {
	inj := &fakeInjector{}
	c := newTestController(inj)
	defer c.Close()

	c.Start(Config{UpdatePrompt: "go"})
	c.OnTrackerEvent(ralph.Event{
		Type:    ralph.EventCircuitBreaker,
		Payload: ralph.BreakerStatus{State: ralph.BreakerOpen},
	})
	assert.Equal(t, CoolingDown, c.State())

	require.Eventually(t, func() bool {
		return c.State() == Watching
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAutoClearThreshold(t *testing.T) {
	inj := &fakeInjector{}
	c := newTestController(inj)
	defer c.Close()

	c.Start(Config{UpdatePrompt: "go", AutoClear: &AutoClear{Enabled: true, Threshold: 1000}})
	c.NoteTokens(500)
	assert.Equal(t, Watching, c.State())

	c.NoteTokens(1500)
	require.Eventually(t, func() bool {
		for _, s := range inj.Sent() {
			if s == "/clear" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoClearFiresOncePerCrossing(t *testing.T) {
	inj := &fakeInjector{}
	timing := fastTiming()
	timing.IdleTimeout = time.Hour // only the token path may trigger here
	c := New("sess-1", "claudeman-sess-1", inj, timing, nil)
	defer c.Close()

	c.Start(Config{AutoClear: &AutoClear{Enabled: true, Threshold: 1000}})
	c.NoteTokens(1500)
	require.Eventually(t, func() bool {
		return c.CycleCount() == 1 && c.State() == Watching
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"/clear"}, inj.Sent())

	// The counter is monotonic until a clear resets it; staying at or above
	// the threshold must not start another cycle.
	for i := 0; i < 5; i++ {
		c.NoteTokens(1500 + i*100)
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, c.CycleCount())
	assert.Equal(t, []string{"/clear"}, inj.Sent())

	// Once the accounting resets the next crossing fires again.
	c.NoteTokens(0)
	c.NoteTokens(2000)
	require.Eventually(t, func() bool {
		return c.CycleCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInjectionFailureReturnsToWatching(t *testing.T) {
	inj := &fakeInjector{fail: true}
	c := newTestController(inj)
	defer c.Close()

	c.Start(Config{UpdatePrompt: "go"})
	require.Eventually(t, func() bool {
		return c.State() == Watching && c.CycleCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeadlineCompletes(t *testing.T) {
	inj := &fakeInjector{}
	timing := fastTiming()
	timing.IdleTimeout = time.Hour // never idle in this test
	c := New("sess-1", "claudeman-sess-1", inj, timing, nil)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.Subscribe(ctx)

	c.Start(Config{UpdatePrompt: "go", DurationMinutes: 1})

	// Shorten the wait by re-arming the deadline directly.
	c.mu.Lock()
	c.armDeadlineLocked(20 * time.Millisecond)
	c.mu.Unlock()

	require.Eventually(t, func() bool {
		return c.State() == Stopped
	}, 2*time.Second, 10*time.Millisecond)

	var sawStopped bool
	deadline := time.After(300 * time.Millisecond)
	for !sawStopped {
		select {
		case ev := <-events:
			if ev.Type == EventStopped {
				sawStopped = true
			}
		case <-deadline:
			t.Fatal("no respawn:stopped after deadline")
		}
	}
}
