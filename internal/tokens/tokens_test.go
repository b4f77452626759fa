package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	n, ok := ParseLine("✻ Churning… (esc to interrupt · 12.3k tokens)")
	assert.True(t, ok)
	assert.Equal(t, 12300, n)

	n, ok = ParseLine("used 4521 tokens so far")
	assert.True(t, ok)
	assert.Equal(t, 4521, n)

	_, ok = ParseLine("no numbers here")
	assert.False(t, ok)

	_, ok = ParseLine("tokensmith at work")
	assert.False(t, ok)
}

func TestEstimatorHeuristic(t *testing.T) {
	e := &Estimator{}
	// Force the heuristic path without loading the encoding.
	e.once.Do(func() {})

	assert.Equal(t, 0, e.Estimate(""))
	assert.Equal(t, 1, e.Estimate("hi"))
	assert.Equal(t, 3, e.Estimate("hello, world"))
}

func TestCounterPrefersReported(t *testing.T) {
	e := &Estimator{}
	e.once.Do(func() {})
	c := NewCounter(e)

	c.FeedLine("some ordinary output line")
	assert.Greater(t, c.Total(), 0, "estimates accumulate before a readout")

	c.FeedLine("status: 2.0k tokens")
	assert.Equal(t, 2000, c.Total())

	// Lower readouts never regress the total.
	c.FeedLine("status: 1500 tokens")
	assert.Equal(t, 2000, c.Total())

	// Higher readouts win.
	c.FeedLine("status: 3.5k tokens")
	assert.Equal(t, 3500, c.Total())
}

func TestCounterReset(t *testing.T) {
	e := &Estimator{}
	e.once.Do(func() {})
	c := NewCounter(e)

	c.FeedLine("status: 2.0k tokens")
	c.Reset()
	assert.Equal(t, 0, c.Total())
}
