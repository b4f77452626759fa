package ralph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/claudeman/internal/config"
)

func testConfig() Config {
	def := config.Defaults()
	timing := def.Timing
	timing.EventDebounce = 10 * time.Millisecond
	return Config{
		SessionID:  "test-session",
		Limits:     def.Limits,
		Timing:     timing,
		AutoEnable: true,
	}
}

// collectEvents drains tracker events for the window and groups by type.
func collectEvents(t *testing.T, tr *Tracker, window time.Duration, feed func()) map[EventType][]Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := tr.Subscribe(ctx)

	feed()

	got := make(map[EventType][]Event)
	deadline := time.After(window)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got[ev.Type] = append(got[ev.Type], ev)
		case <-deadline:
			return got
		}
	}
}

func TestIterationAndPhraseDeclaration(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	events := collectEvents(t, tr, 150*time.Millisecond, func() {
		tr.Feed([]byte("Iteration 3/50\n<promise>DONE_TOKEN</promise>\n"))
	})

	require.Len(t, events[EventLoopUpdate], 1, "debounce folds both lines into one loopUpdate")
	loop := events[EventLoopUpdate][0].Payload.(LoopStatus)
	assert.Equal(t, 3, loop.CycleCount)
	assert.Equal(t, 50, loop.MaxIterations)
	assert.Equal(t, "DONE_TOKEN", loop.CompletionPhrase)
	assert.True(t, loop.Active)

	require.Len(t, events[EventPhraseWarning], 1)
	warning := events[EventPhraseWarning][0].Payload.(PhraseWarning)
	assert.Equal(t, "common", warning.Reason)

	assert.Empty(t, events[EventCompletionDetected], "first declaration must not complete")
}

func TestSecondSentinelCompletes(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()
	tr.Feed([]byte("Iteration 3/50\n<promise>SHIP_IT_NOW</promise>\n- [ ] polish release notes\n"))
	time.Sleep(50 * time.Millisecond)

	events := collectEvents(t, tr, 150*time.Millisecond, func() {
		tr.Feed([]byte("Iteration 4/50\nmore work\n<promise>SHIP_IT_NOW</promise>\n"))
	})

	require.Len(t, events[EventCompletionDetected], 1)
	completion := events[EventCompletionDetected][0].Payload.(Completion)
	assert.Equal(t, "SHIP_IT_NOW", completion.Phrase)

	assert.False(t, tr.Loop().Active)
	for _, todo := range tr.Todos() {
		assert.Equal(t, TodoCompleted, todo.Status)
	}
}

func TestCompletionDoesNotReactivate(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()
	tr.Feed([]byte("<promise>SHIP_IT_NOW</promise>\n"))
	tr.Feed([]byte("<promise>SHIP_IT_NOW</promise>\n"))
	require.False(t, tr.Loop().Active)

	tr.Feed([]byte("SHIP_IT_NOW\n<promise>SHIP_IT_NOW</promise>\nIteration 9/50\n"))
	assert.False(t, tr.Loop().Active, "spent phrase must not reactivate the loop")
}

func TestAutoEnableOnCheckbox(t *testing.T) {
	tr := New(testConfig())
	require.False(t, tr.Enabled())

	events := collectEvents(t, tr, 150*time.Millisecond, func() {
		tr.Feed([]byte("- [ ] write docs\n"))
	})

	assert.True(t, tr.Enabled())
	require.Len(t, events[EventEnabled], 1)
	require.Len(t, events[EventTodoUpdate], 1)
	todos := events[EventTodoUpdate][0].Payload.([]Todo)
	require.Len(t, todos, 1)
	assert.Equal(t, "write docs", todos[0].Content)
	assert.Equal(t, TodoPending, todos[0].Status)
}

func TestAutoEnableSuppressed(t *testing.T) {
	cfg := testConfig()
	cfg.AutoEnable = false
	tr := New(cfg)

	tr.Feed([]byte("- [ ] write docs\nIteration 1/10\n"))
	assert.False(t, tr.Enabled())
	assert.Empty(t, tr.Todos())

	// Explicit enable always works.
	tr.Enable()
	assert.True(t, tr.Enabled())
}

func TestSentinelSplitAcrossChunks(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	tr.Feed([]byte("Iteration 1/5\nsome output <prom"))
	tr.Feed([]byte("ise>UNIQUE_FINISH_MARK</promise>"))

	loop := tr.Loop()
	assert.Equal(t, "UNIQUE_FINISH_MARK", loop.CompletionPhrase)
	assert.True(t, loop.Active)

	// The same text completing through the line pipeline must not count a
	// second occurrence.
	tr.Feed([]byte("\n"))
	assert.True(t, tr.Loop().Active)
}

func TestDuplicateTodoFoldsIntoLonger(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	tr.Feed([]byte("- [ ] Fix the flaky login test\n"))
	tr.Feed([]byte("- [ ] fix the flaky login test!\n"))

	todos := tr.Todos()
	require.Len(t, todos, 1)
	assert.Equal(t, "fix the flaky login test!", todos[0].Content)
}

func TestTaskNumberLines(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	tr.Feed([]byte("✔ Task #7 created: migrate the session store\n"))
	todos := tr.Todos()
	require.Len(t, todos, 1)
	assert.Equal(t, "migrate the session store", todos[0].Content)
	assert.Equal(t, TodoPending, todos[0].Status)

	tr.Feed([]byte("✔ Task #7 updated: status → completed\n"))
	todos = tr.Todos()
	require.Len(t, todos, 1)
	assert.Equal(t, TodoCompleted, todos[0].Status)
}

func TestToolInvocationsExcluded(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	tr.Feed([]byte("☐ real pending item here\n"))
	tr.Feed([]byte("Bash(ls -la) (pending)\n"))
	tr.Feed([]byte("I'll start fixing the parser (in_progress)\n"))

	todos := tr.Todos()
	require.Len(t, todos, 1)
	assert.Equal(t, "real pending item here", todos[0].Content)
}

func TestAllTasksDoneHeuristic(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()
	tr.Feed([]byte("- [ ] first thing to do\n- [ ] second thing to do\n"))

	tr.Feed([]byte("All 2 tasks complete\n"))
	for _, todo := range tr.Todos() {
		assert.Equal(t, TodoCompleted, todo.Status)
	}
}

func TestAllTasksDoneCountMismatchIgnored(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()
	tr.Feed([]byte("- [ ] first thing to do\n"))

	tr.Feed([]byte("All 9 tasks complete\n"))
	require.Len(t, tr.Todos(), 1)
	assert.Equal(t, TodoPending, tr.Todos()[0].Status)
}

func TestAllTasksDoneSuppressedWhenPlanAuthoritative(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()
	tr.SetPlanAuthoritative(true)
	tr.Feed([]byte("- [ ] keep me pending please\n"))

	tr.Feed([]byte("All tasks complete\n"))
	assert.Equal(t, TodoPending, tr.Todos()[0].Status)
}

func TestLineBufferBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.LineBufferBytes = 1024
	tr := New(cfg)
	tr.Enable()

	// A single endless line must not grow the buffer without bound.
	chunk := make([]byte, 700)
	for i := range chunk {
		chunk[i] = 'a'
	}
	for i := 0; i < 10; i++ {
		tr.Feed(chunk)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.LessOrEqual(t, len(tr.lineBuffer), 1024)
	assert.LessOrEqual(t, len(tr.partial), cfg.Limits.PartialPromiseSize)
}

func TestResetPreservesEnableAndBreaker(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()
	feedStatusBlocks(tr, 3, "IN_PROGRESS", 0, 0, "NOT_RUN", false)
	require.Equal(t, BreakerOpen, tr.Breaker().State)

	tr.Feed([]byte("- [ ] leftover task item\n"))
	tr.Reset()

	assert.True(t, tr.Enabled())
	assert.Empty(t, tr.Todos())
	assert.Equal(t, BreakerOpen, tr.Breaker().State, "reset keeps the breaker")

	tr.FullReset()
	assert.Equal(t, BreakerClosed, tr.Breaker().State)
}

func TestClearDisables(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()
	tr.Feed([]byte("- [ ] some task content\n"))

	tr.Clear()
	assert.False(t, tr.Enabled())
	assert.Empty(t, tr.Todos())
}

func TestStallWatcher(t *testing.T) {
	cfg := testConfig()
	cfg.Timing.StallTick = 10 * time.Millisecond
	cfg.Timing.StallWarning = 30 * time.Millisecond
	cfg.Timing.StallCritical = 300 * time.Millisecond
	tr := New(cfg)

	events := collectEvents(t, tr, 200*time.Millisecond, func() {
		tr.Enable()
		tr.Feed([]byte("Starting the loop\nIteration 1/10\n"))
	})

	assert.Len(t, events[EventStallWarning], 1, "warning fires once per episode")
	assert.Empty(t, events[EventStallCritical])
}
