package ralph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhraseValidation(t *testing.T) {
	now := time.Now()

	w := validatePhrase("DONE", now)
	require.NotNil(t, w)
	assert.Equal(t, "common", w.Reason)
	assert.NotEmpty(t, w.Suggested)

	w = validatePhrase("ok", now)
	require.NotNil(t, w)
	assert.Equal(t, "common", w.Reason)

	w = validatePhrase("DONE_TOKEN", now)
	require.NotNil(t, w)
	assert.Equal(t, "common", w.Reason, "a common word inside the phrase still warns")

	w = validatePhrase("xyz", now)
	require.NotNil(t, w)
	assert.Equal(t, "short", w.Reason)

	w = validatePhrase("4242424242", now)
	require.NotNil(t, w)
	assert.Equal(t, "numeric", w.Reason)

	assert.Nil(t, validatePhrase("MIGRATION_FULLY_VERIFIED", now))
}

func TestFuzzyPhraseMatch(t *testing.T) {
	assert.True(t, isFuzzyPhraseMatch("SHIP_IT_NOW", "ship it now", 2))
	assert.True(t, isFuzzyPhraseMatch("ship-it.now", "SHIP_IT_NOW", 2))
	assert.True(t, isFuzzyPhraseMatch("ship it noww", "ship it now", 2))
	assert.False(t, isFuzzyPhraseMatch("ship it now", "hold it back", 2))
	assert.False(t, isFuzzyPhraseMatch("ship it now", "ship it now please", 2))
}

func TestPromptContext(t *testing.T) {
	assert.True(t, promptContext("When finished, output: SHIP_IT_NOW"))
	assert.True(t, promptContext("the completion phrase is SHIP_IT_NOW"))
	assert.True(t, promptContext("wrap it in <promise> tags"))
	assert.False(t, promptContext("SHIP_IT_NOW"))
}

func TestPhraseBookCapBounded(t *testing.T) {
	b := newPhraseBook(3)
	for _, p := range []string{"alpha one", "beta two", "gamma three", "delta four", "epsilon five"} {
		b.record(p)
	}
	assert.LessOrEqual(t, len(b.seen), 3)
}

func TestPhraseBookFiresOnce(t *testing.T) {
	b := newPhraseBook(10)
	assert.True(t, b.markFired("SHIP_IT_NOW"))
	assert.False(t, b.markFired("ship it now"), "normalized key dedupes")
}
