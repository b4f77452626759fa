package ralph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTodoProgressCounts(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()
	tr.Feed([]byte("- [ ] design the storage layout\n- [-] implement the writer path\n- [x] research prior art notes\n"))

	p := tr.TodoProgress()
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.InProgress)
	assert.Equal(t, 1, p.Pending)
	assert.InDelta(t, 33.3, p.PercentComplete, 0.1)
	assert.Greater(t, p.EstimatedRemainingMs, int64(0))
	assert.False(t, p.ProjectedCompletion.IsZero())
}

func TestTodoProgressEmpty(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()
	p := tr.TodoProgress()
	assert.Equal(t, 0, p.Total)
	assert.Equal(t, float64(0), p.PercentComplete)
	assert.Equal(t, int64(0), p.EstimatedRemainingMs)
	assert.True(t, p.ProjectedCompletion.IsZero())
}

func TestCompletionConfidenceScoring(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()

	require.False(t, tr.CompletionConfidence().Confident)

	tr.Feed([]byte("- [ ] last remaining item here\n"))
	tr.Feed([]byte("<promise>RELEASE_CANDIDATE_READY</promise>\n"))
	mid := tr.CompletionConfidence()
	assert.False(t, mid.Confident, "one declaration alone is not conclusive")

	tr.Feed([]byte("<promise>RELEASE_CANDIDATE_READY</promise>\n"))
	final := tr.CompletionConfidence()
	assert.True(t, final.Confident)
	assert.LessOrEqual(t, final.Score, 100)

	tr.Feed([]byte("ignore this trailing chatter\n"))
	assert.True(t, tr.CompletionConfidence().Confident, "confidence holds after completion")
}

func TestConfidencePenalizesPromptContext(t *testing.T) {
	tr := New(testConfig())
	tr.Enable()
	tr.Feed([]byte("<promise>RELEASE_CANDIDATE_READY</promise> is the completion phrase\n"))
	report := tr.CompletionConfidence()
	assert.False(t, report.Confident)
}
