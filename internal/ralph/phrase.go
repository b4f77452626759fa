package ralph

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var promiseRe = regexp.MustCompile(`(?i)<promise>\s*(.+?)\s*</promise>`)

// commonPhrases are generic words too likely to appear in ordinary output
// to serve as a completion sentinel.
var commonPhrases = map[string]struct{}{
	"done": {}, "ok": {}, "okay": {}, "complete": {}, "completed": {},
	"finished": {}, "finish": {}, "success": {}, "yes": {}, "ready": {},
	"all done": {}, "end": {}, "stop": {}, "exit": {},
}

const minPhraseLength = 6

var digitsOnlyRe = regexp.MustCompile(`^[0-9]+$`)

// normalizePhrase folds case, whitespace runs, underscores, hyphens and
// dots so cosmetic rendering differences still match.
func normalizePhrase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(s)
	return wsRe.ReplaceAllString(s, " ")
}

// isFuzzyPhraseMatch reports whether a and b match within maxDistance
// Levenshtein edits after normalization.
func isFuzzyPhraseMatch(a, b string, maxDistance int) bool {
	na, nb := normalizePhrase(a), normalizePhrase(b)
	if na == nb {
		return true
	}
	if na == "" || nb == "" {
		return false
	}
	if abs(len(na)-len(nb)) > maxDistance {
		return false
	}
	diffs := dmp.DiffMain(na, nb, false)
	return dmp.DiffLevenshtein(diffs) <= maxDistance
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// validatePhrase checks a declared completion phrase for riskiness and
// returns a warning with a machine-readable reason, or nil when the phrase
// is fine.
func validatePhrase(phrase string, now time.Time) *PhraseWarning {
	norm := normalizePhrase(phrase)
	var reason string
	switch {
	case isCommonPhrase(norm):
		reason = "common"
	case len(norm) < minPhraseLength:
		reason = "short"
	case digitsOnlyRe.MatchString(norm):
		reason = "numeric"
	default:
		return nil
	}
	return &PhraseWarning{
		Phrase:    phrase,
		Reason:    reason,
		Suggested: fmt.Sprintf("%s_%d", strings.ToUpper(strings.ReplaceAll(norm, " ", "_")), now.Unix()%100000),
	}
}

// isCommonPhrase reports whether the normalized phrase is, or contains, a
// word from the common set. "DONE_TOKEN" normalizes to "done token" and is
// as risky a sentinel as "done" alone.
func isCommonPhrase(norm string) bool {
	if _, ok := commonPhrases[norm]; ok {
		return true
	}
	for _, word := range strings.Fields(norm) {
		if _, ok := commonPhrases[word]; ok {
			return true
		}
	}
	return false
}

// promptContext reports whether the line looks like it is describing the
// phrase rather than emitting it, so a bare occurrence must not fire.
func promptContext(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "output:") ||
		strings.Contains(lower, "completion phrase") ||
		strings.Contains(lower, "<promise>")
}

// phraseBook tracks the expected completion phrase, its alternates, and
// per-phrase occurrence counts with a bounded entry cap.
type phraseBook struct {
	max        int
	expected   string
	alternates []string
	seen       map[string]int
	fired      map[string]struct{}
}

func newPhraseBook(max int) *phraseBook {
	return &phraseBook{
		max:   max,
		seen:  make(map[string]int),
		fired: make(map[string]struct{}),
	}
}

// record bumps the occurrence count for a phrase and returns the new count.
func (b *phraseBook) record(phrase string) int {
	key := normalizePhrase(phrase)
	if _, ok := b.seen[key]; !ok && len(b.seen) >= b.max {
		// Cap reached: drop an arbitrary entry rather than grow.
		for k := range b.seen {
			delete(b.seen, k)
			break
		}
	}
	b.seen[key]++
	return b.seen[key]
}

// matches reports whether the phrase fuzzily matches the expected phrase or
// any alternate.
func (b *phraseBook) matches(phrase string) bool {
	if b.expected != "" && isFuzzyPhraseMatch(phrase, b.expected, 2) {
		return true
	}
	for _, alt := range b.alternates {
		if isFuzzyPhraseMatch(phrase, alt, 2) {
			return true
		}
	}
	return false
}

// markFired records that completion fired for the phrase; returns false if
// it had already fired.
func (b *phraseBook) markFired(phrase string) bool {
	key := normalizePhrase(phrase)
	if _, ok := b.fired[key]; ok {
		return false
	}
	b.fired[key] = struct{}{}
	return true
}

func (b *phraseBook) reset() {
	b.expected = ""
	b.alternates = nil
	b.seen = make(map[string]int)
	b.fired = make(map[string]struct{})
}
