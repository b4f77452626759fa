// Package tokens tracks a session's context usage from the agent CLI's own
// token readouts, with an encoder-based estimate as fallback when the
// stream never reports a count.
package tokens

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/zjrosen/claudeman/internal/log"
)

// tokenLineRe matches the CLI's inline token readouts, e.g.
// "12.3k tokens" or "4521 tokens".
var tokenLineRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(k)?\s*tokens\b`)

// ParseLine extracts a token count from a terminal line. The bool reports
// whether a count was present.
func ParseLine(line string) (int, bool) {
	m := tokenLineRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if strings.EqualFold(m[2], "k") {
		n *= 1000
	}
	return int(n), true
}

// Estimator approximates token counts for text the CLI never priced. It
// uses the cl100k_base encoding when available and a bytes/4 heuristic
// otherwise.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator returns a lazy estimator; the encoding loads on first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Estimate returns the approximate token count of text.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn(log.CatSession, "token encoding unavailable, using heuristic", "error", err)
			return
		}
		e.enc = enc
	})
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	// Rough heuristic: one token per four bytes of text.
	return (len(text) + 3) / 4
}

// Counter accumulates a session's best-known token total. Explicit CLI
// readouts are authoritative (highest observed wins); estimated bytes only
// grow the total while no readout has been seen.
type Counter struct {
	mu        sync.Mutex
	reported  int
	estimated int
	est       *Estimator
}

// NewCounter creates a Counter sharing the given estimator.
func NewCounter(est *Estimator) *Counter {
	if est == nil {
		est = NewEstimator()
	}
	return &Counter{est: est}
}

// FeedLine inspects one output line. Returns the current total.
func (c *Counter) FeedLine(line string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := ParseLine(line); ok && n > c.reported {
		c.reported = n
	}
	if c.reported == 0 {
		c.estimated += c.est.Estimate(line)
	}
	return c.totalLocked()
}

// Total returns the best-known token count.
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalLocked()
}

func (c *Counter) totalLocked() int {
	if c.reported > 0 {
		return c.reported
	}
	return c.estimated
}

// Reset clears the accounting, e.g. after a /clear refresh.
func (c *Counter) Reset() {
	c.mu.Lock()
	c.reported = 0
	c.estimated = 0
	c.mu.Unlock()
}
