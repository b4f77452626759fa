package ralph

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedStatusBlocks pushes n identical status blocks through the tracker.
func feedStatusBlocks(tr *Tracker, n int, status string, tasks, files int, tests string, exit bool) {
	for i := 0; i < n; i++ {
		block := fmt.Sprintf(
			"---RALPH_STATUS---\nSTATUS: %s\nTASKS_COMPLETED_THIS_LOOP: %d\nFILES_MODIFIED: %d\nTESTS_STATUS: %s\nEXIT_SIGNAL: %t\n---END_RALPH_STATUS---\n",
			status, tasks, files, tests, exit,
		)
		tr.Feed([]byte(block))
	}
}

func TestStatusBlockParsing(t *testing.T) {
	p := &statusParser{}
	lines := []string{
		statusBlockStart,
		"STATUS: in_progress",
		"  TASKS_COMPLETED_THIS_LOOP: 2",
		"FILES_MODIFIED: 5",
		"# a comment line",
		"TESTS_STATUS: passing",
		"WORK_TYPE: testing",
		"EXIT_SIGNAL: TRUE",
		"RECOMMENDATION: keep going",
	}
	for _, line := range lines {
		block, consumed := p.feed(line)
		assert.True(t, consumed)
		assert.Nil(t, block)
	}

	block, consumed := p.feed(statusBlockEnd)
	require.True(t, consumed)
	require.NotNil(t, block)
	assert.Equal(t, "IN_PROGRESS", block.Status)
	assert.Equal(t, 2, block.TasksCompleted)
	assert.Equal(t, 5, block.FilesModified)
	assert.Equal(t, "PASSING", block.TestsStatus)
	assert.Equal(t, "TESTING", block.WorkType)
	assert.True(t, block.ExitSignal)
	assert.Equal(t, "keep going", block.Recommendation)
	assert.True(t, block.HasProgress())
}

func TestStatusBlockMissingStatusDiscarded(t *testing.T) {
	p := &statusParser{}
	p.feed(statusBlockStart)
	p.feed("FILES_MODIFIED: 3")
	block, consumed := p.feed(statusBlockEnd)
	assert.True(t, consumed)
	assert.Nil(t, block)
}

func TestStatusBlockInvalidFieldKeepsDefaults(t *testing.T) {
	p := &statusParser{}
	p.feed(statusBlockStart)
	p.feed("STATUS: COMPLETE")
	p.feed("TESTS_STATUS: EXPLODED")
	p.feed("FILES_MODIFIED: lots")
	p.feed("SURPRISE_FIELD: hello")
	block, _ := p.feed(statusBlockEnd)
	require.NotNil(t, block)
	assert.Equal(t, "COMPLETE", block.Status)
	assert.Equal(t, "NOT_RUN", block.TestsStatus)
	assert.Equal(t, 0, block.FilesModified)
	assert.False(t, block.HasProgress())
}

func TestStrayEndMarkerIgnored(t *testing.T) {
	p := &statusParser{}
	block, consumed := p.feed(statusBlockEnd)
	assert.False(t, consumed)
	assert.Nil(t, block)
}

func TestBreakerNoProgressEscalation(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	events := collectEvents(t, tr, 100*time.Millisecond, func() {
		feedStatusBlocks(tr, 5, "IN_PROGRESS", 0, 0, "NOT_RUN", false)
	})

	updates := events[EventCircuitBreaker]
	require.Len(t, updates, 2)
	first := updates[0].Payload.(BreakerStatus)
	second := updates[1].Payload.(BreakerStatus)
	assert.Equal(t, BreakerHalfOpen, first.State)
	assert.Equal(t, BreakerOpen, second.State)
	assert.Equal(t, "no_progress_open", second.ReasonCode)
	assert.Equal(t, 3, second.ConsecutiveNoProgress)
}

func TestBreakerRecoversOnProgress(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	feedStatusBlocks(tr, 2, "IN_PROGRESS", 0, 0, "NOT_RUN", false)
	require.Equal(t, BreakerHalfOpen, tr.Breaker().State)

	feedStatusBlocks(tr, 1, "IN_PROGRESS", 1, 2, "PASSING", false)
	status := tr.Breaker()
	assert.Equal(t, BreakerClosed, status.State)
	assert.Equal(t, 0, status.ConsecutiveNoProgress)
}

func TestBreakerOpensOnBlocked(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	feedStatusBlocks(tr, 1, "BLOCKED", 0, 1, "NOT_RUN", false)
	status := tr.Breaker()
	assert.Equal(t, BreakerOpen, status.State)
	assert.Equal(t, "blocked", status.ReasonCode)
}

func TestBreakerOpensOnPersistentTestFailures(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	// Progress on every block keeps the no-progress path quiet; the failing
	// streak alone must open the breaker on the fifth block.
	feedStatusBlocks(tr, 4, "IN_PROGRESS", 1, 1, "FAILING", false)
	require.Equal(t, BreakerClosed, tr.Breaker().State)

	feedStatusBlocks(tr, 1, "IN_PROGRESS", 1, 1, "FAILING", false)
	status := tr.Breaker()
	assert.Equal(t, BreakerOpen, status.State)
	assert.Equal(t, "tests_failing", status.ReasonCode)
	assert.Equal(t, 5, status.ConsecutiveTestsFailure)
}

func TestBreakerSameErrorCounter(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	feedStatusBlocks(tr, 2, "IN_PROGRESS", 0, 0, "FAILING", false)
	assert.Equal(t, 2, tr.Breaker().ConsecutiveSameError, "identical failing blocks accumulate")

	feedStatusBlocks(tr, 1, "IN_PROGRESS", 1, 0, "PASSING", false)
	assert.Equal(t, 0, tr.Breaker().ConsecutiveSameError, "progress clears the error run")
}

func TestBreakerClosesOnIterationAdvance(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	feedStatusBlocks(tr, 2, "IN_PROGRESS", 0, 0, "NOT_RUN", false)
	require.Equal(t, BreakerHalfOpen, tr.Breaker().State)

	tr.Feed([]byte("Iteration 2/10\n"))
	assert.Equal(t, BreakerClosed, tr.Breaker().State)
}

func TestExitGateRequiresTwoCompletions(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	events := collectEvents(t, tr, 100*time.Millisecond, func() {
		feedStatusBlocks(tr, 1, "COMPLETE", 1, 1, "PASSING", true)
		tr.Feed([]byte("Iteration 2/10\n"))
		feedStatusBlocks(tr, 1, "COMPLETE", 1, 1, "PASSING", true)
		tr.Feed([]byte("Iteration 3/10\n"))
		feedStatusBlocks(tr, 1, "COMPLETE", 1, 1, "PASSING", true)
	})

	require.Len(t, events[EventExitGateMet], 1, "gate fires exactly once")
	gate := events[EventExitGateMet][0].Payload.(ExitGate)
	assert.Equal(t, 2, gate.CompletionIndicators)
	assert.True(t, gate.ExitSignal)
	assert.Len(t, events[EventStatusBlock], 3)
}
