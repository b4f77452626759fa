package ralph

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// TodoStatus is the lifecycle state of one tracked todo.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Priority buckets todos by urgency inferred from their content.
type Priority string

const (
	PriorityCritical Priority = "P0"
	PriorityStandard Priority = "P1"
	PriorityLow      Priority = "P2"
)

// Complexity is the rough effort class inferred from todo content.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Todo is one tracked work item parsed from the child's output or imported
// from a plan file.
type Todo struct {
	ID                  string     `json:"id"`
	Content             string     `json:"content"`
	Status              TodoStatus `json:"status"`
	Priority            Priority   `json:"priority,omitempty"`
	Complexity          Complexity `json:"complexity,omitempty"`
	EstimatedDurationMs int64      `json:"estimatedDurationMs,omitempty"`
	DetectedAt          time.Time  `json:"detectedAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// todoID derives the stable content-keyed id: a djb2 hash over the
// normalized form, so re-parsing the same line is idempotent.
func todoID(content string) string {
	norm := normalizeTodoContent(content)
	var h uint32 = 5381
	for i := 0; i < len(norm); i++ {
		h = h*33 + uint32(norm[i])
	}
	const digits = "0123456789abcdef"
	out := make([]byte, 0, 13)
	out = append(out, 't', 'd', '-')
	for shift := 28; shift >= 0; shift -= 4 {
		out = append(out, digits[(h>>uint(shift))&0xf])
	}
	return string(out)
}

var (
	wsRe       = regexp.MustCompile(`\s+`)
	normStrip  = regexp.MustCompile(`[^a-z0-9 .,:;!?'-]`)
	cleanTrim  = regexp.MustCompile(`^[\s*>-]+|[\s*]+$`)
	trailPunct = regexp.MustCompile(`[.\s]+$`)
)

// normalizeTodoContent lowercases, collapses whitespace, and strips
// non-alphanumerics except basic punctuation. Used for hashing and
// similarity only, never for display.
func normalizeTodoContent(content string) string {
	s := strings.ToLower(content)
	s = wsRe.ReplaceAllString(s, " ")
	s = normStrip.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// cleanTodoContent prepares raw line text for storage: collapse whitespace,
// strip leading list markers and trailing noise.
func cleanTodoContent(content string) string {
	s := wsRe.ReplaceAllString(content, " ")
	s = cleanTrim.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// similarityThreshold scales with length: short strings need a near-exact
// match before two todos fold into one.
func similarityThreshold(normLen int) float64 {
	switch {
	case normLen < 30:
		return 0.95
	case normLen < 60:
		return 0.90
	default:
		return 0.85
	}
}

var dmp = diffmatchpatch.New()

// levenshteinSimilarity is 1 - distance/maxLen over normalized inputs.
func levenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	diffs := dmp.DiffMain(a, b, false)
	dist := dmp.DiffLevenshtein(diffs)
	return 1 - float64(dist)/float64(longest)
}

// bigramDice is the Sorensen-Dice coefficient over character bigrams.
func bigramDice(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	grams := make(map[string]int)
	for i := 0; i < len(a)-1; i++ {
		grams[a[i:i+2]]++
	}
	var matches int
	for i := 0; i < len(b)-1; i++ {
		g := b[i : i+2]
		if grams[g] > 0 {
			grams[g]--
			matches++
		}
	}
	return 2 * float64(matches) / float64(len(a)+len(b)-2)
}

// contentSimilarity is the hybrid score used for dedup: the max of the
// normalized Levenshtein similarity and the bigram Dice coefficient.
func contentSimilarity(a, b string) float64 {
	na, nb := normalizeTodoContent(a), normalizeTodoContent(b)
	lev := levenshteinSimilarity(na, nb)
	dice := bigramDice(na, nb)
	if dice > lev {
		return dice
	}
	return lev
}

var (
	p0Re = regexp.MustCompile(`(?i)\b(critical|blocker|urgent|security|crash|data[ -]?loss|hotfix)\b`)
	p1Re = regexp.MustCompile(`(?i)\b(bug|fix|error|fail(s|ed|ing|ure)?|regression|required|must)\b`)
	p2Re = regexp.MustCompile(`(?i)\b(nice[ -]to[ -]have|refactor|cleanup|clean up|optimi[sz]e|polish|style|typo|docs?)\b`)

	trivialRe  = regexp.MustCompile(`(?i)\b(typo|rename|comment|bump|tweak|whitespace|version)\b`)
	complexRe  = regexp.MustCompile(`(?i)\b(architect|redesign|migrate|migration|overhaul|rewrite|integrat(e|ion)|concurren|distributed)\b`)
	moderateRe = regexp.MustCompile(`(?i)\b(implement|add|create|build|fix|debug|investigate|support)\b`)
)

// inferPriority maps content onto P0/P1/P2, highest match wins.
// Empty when no family matches.
func inferPriority(content string) Priority {
	switch {
	case p0Re.MatchString(content):
		return PriorityCritical
	case p1Re.MatchString(content):
		return PriorityStandard
	case p2Re.MatchString(content):
		return PriorityLow
	}
	return ""
}

func inferComplexity(content string) Complexity {
	switch {
	case trivialRe.MatchString(content):
		return ComplexityTrivial
	case complexRe.MatchString(content):
		return ComplexityComplex
	case moderateRe.MatchString(content):
		return ComplexityModerate
	}
	return ComplexitySimple
}

// defaultDurationMs is the fallback estimate ladder per complexity class.
func defaultDurationMs(c Complexity) int64 {
	switch c {
	case ComplexityTrivial:
		return int64(time.Minute / time.Millisecond)
	case ComplexitySimple:
		return int64(3 * time.Minute / time.Millisecond)
	case ComplexityModerate:
		return int64(10 * time.Minute / time.Millisecond)
	default:
		return int64(30 * time.Minute / time.Millisecond)
	}
}

// todoSet holds one session's todos with a bounded size, content-keyed ids,
// fuzzy dedup, and per-todo duration accounting.
type todoSet struct {
	max   int
	todos map[string]*Todo

	starts          map[string]time.Time
	completionTimes []time.Duration
}

const maxCompletionTimes = 50

func newTodoSet(max int) *todoSet {
	return &todoSet{
		max:    max,
		todos:  make(map[string]*Todo),
		starts: make(map[string]time.Time),
	}
}

// upsert records a todo observation. Returns true when anything changed.
func (s *todoSet) upsert(content string, status TodoStatus, now time.Time) bool {
	content = cleanTodoContent(content)
	if content == "" {
		return false
	}
	id := todoID(content)

	if existing, ok := s.todos[id]; ok {
		if existing.Status == status {
			return false
		}
		s.transition(existing, status, now)
		return true
	}

	if similar := s.findSimilar(content); similar != nil {
		changed := similar.Status != status
		if len(content) > len(similar.Content) {
			similar.Content = content
			changed = true
		}
		if similar.Priority == "" {
			if p := inferPriority(content); p != "" {
				similar.Priority = p
				changed = true
			}
		}
		if changed {
			s.transition(similar, status, now)
		}
		return changed
	}

	if len(s.todos) >= s.max {
		s.evictOldest()
	}
	c := inferComplexity(content)
	t := &Todo{
		ID:                  id,
		Content:             content,
		Status:              status,
		Priority:            inferPriority(content),
		Complexity:          c,
		EstimatedDurationMs: s.estimateDuration(c),
		DetectedAt:          now,
		UpdatedAt:           now,
	}
	s.todos[id] = t
	if status == TodoInProgress {
		s.starts[id] = now
	}
	return true
}

// transition applies a status change and keeps the duration accounting.
func (s *todoSet) transition(t *Todo, status TodoStatus, now time.Time) {
	prev := t.Status
	t.Status = status
	t.UpdatedAt = now

	if status == TodoInProgress && prev != TodoInProgress {
		s.starts[t.ID] = now
	}
	if status == TodoCompleted {
		if start, ok := s.starts[t.ID]; ok {
			s.recordCompletionTime(now.Sub(start))
			delete(s.starts, t.ID)
		}
	}
	if status == TodoPending {
		delete(s.starts, t.ID)
	}
}

func (s *todoSet) recordCompletionTime(d time.Duration) {
	s.completionTimes = append(s.completionTimes, d)
	if len(s.completionTimes) > maxCompletionTimes {
		s.completionTimes = s.completionTimes[1:]
	}
}

// estimateDuration prefers the historical average scaled by a complexity
// factor, falling back to the default ladder.
func (s *todoSet) estimateDuration(c Complexity) int64 {
	avg := s.averageCompletionMs()
	if avg <= 0 {
		return defaultDurationMs(c)
	}
	factor := 1.0
	switch c {
	case ComplexityTrivial:
		factor = 0.3
	case ComplexityModerate:
		factor = 2
	case ComplexityComplex:
		factor = 5
	}
	return int64(float64(avg) * factor)
}

func (s *todoSet) averageCompletionMs() int64 {
	if len(s.completionTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.completionTimes {
		total += d
	}
	return int64(total/time.Duration(len(s.completionTimes))) / int64(time.Millisecond)
}

func (s *todoSet) findSimilar(content string) *Todo {
	norm := normalizeTodoContent(content)
	threshold := similarityThreshold(len(norm))
	var best *Todo
	var bestScore float64
	for _, t := range s.todos {
		score := contentSimilarity(content, t.Content)
		if score >= threshold && score > bestScore {
			best, bestScore = t, score
		}
	}
	return best
}

func (s *todoSet) evictOldest() {
	var oldest *Todo
	for _, t := range s.todos {
		if oldest == nil || t.DetectedAt.Before(oldest.DetectedAt) {
			oldest = t
		}
	}
	if oldest != nil {
		delete(s.todos, oldest.ID)
		delete(s.starts, oldest.ID)
	}
}

// completeAll marks every todo completed. Returns true if any changed.
func (s *todoSet) completeAll(now time.Time) bool {
	var changed bool
	for _, t := range s.todos {
		if t.Status != TodoCompleted {
			s.transition(t, TodoCompleted, now)
			changed = true
		}
	}
	return changed
}

// snapshot returns the todos ordered by detection time (ties by id).
func (s *todoSet) snapshot() []Todo {
	out := make([]Todo, 0, len(s.todos))
	for _, t := range s.todos {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *todoSet) counts() (total, completed, inProgress, pending int) {
	total = len(s.todos)
	for _, t := range s.todos {
		switch t.Status {
		case TodoCompleted:
			completed++
		case TodoInProgress:
			inProgress++
		default:
			pending++
		}
	}
	return
}

// replaceAll swaps the entire todo set, used by plan-file imports.
func (s *todoSet) replaceAll(todos []Todo) {
	s.todos = make(map[string]*Todo, len(todos))
	s.starts = make(map[string]time.Time)
	for i := range todos {
		t := todos[i]
		if t.ID == "" {
			t.ID = todoID(t.Content)
		}
		s.todos[t.ID] = &t
	}
}

func (s *todoSet) clear() {
	s.todos = make(map[string]*Todo)
	s.starts = make(map[string]time.Time)
	s.completionTimes = nil
}
