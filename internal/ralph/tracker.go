// Package ralph tracks autonomous-loop workloads by parsing one session's
// ANSI-stripped terminal stream: iteration markers, todo lists, structured
// status blocks, and the completion sentinel. Derived signals (circuit
// breaker, stall, progress, completion confidence) are published as events.
package ralph

import (
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/claudeman/internal/config"
	"github.com/zjrosen/claudeman/internal/log"
	"github.com/zjrosen/claudeman/internal/pubsub"
	"github.com/zjrosen/claudeman/internal/stream"
)

// Config wires a Tracker. Zero-value Limits and Timing fall back to the
// package defaults.
type Config struct {
	SessionID string
	Limits    config.Limits
	Timing    config.Timing
	// AutoEnable permits self-enabling on loop-shaped output. Explicit
	// Enable calls work regardless.
	AutoEnable bool
	// Clock defaults to RealClock.
	Clock Clock
}

// Tracker is the per-session loop tracker. Feed is called from the
// session's single reader goroutine; the mutex exists only because timers
// (debounce, stall) and API accessors run on other goroutines.
type Tracker struct {
	sessionID string
	limits    config.Limits
	timing    config.Timing
	clock     Clock
	broker    *pubsub.Broker[Event]

	mu      sync.Mutex
	enabled bool
	autoOK  bool

	loop        LoopStatus
	lineBuffer  []byte
	partial     []byte // cross-chunk sentinel probe
	todos       *todoSet
	phrases     *phraseBook
	taskNumbers map[int]string
	sparser     statusParser
	brk         *breaker

	lastBlock            *StatusBlock
	completionIndicators int
	exitGateFired        bool

	sawTaggedSentinel  bool
	lastPhrase         string
	lastPhraseMatched  bool
	lastPhraseInPrompt bool

	lastIterationChange time.Time
	stallWarned         bool
	stallStop           chan struct{}

	firstTodoAt       time.Time
	planAuthoritative bool

	queue      []Event
	debounce   map[EventType]*pendingEmit
	probeSkips map[string]int
}

type pendingEmit struct {
	armed  bool
	timer  Timer
	cancel chan struct{}
}

// New constructs a Tracker. It starts disabled; the stall watcher launches
// on enable.
func New(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	def := config.Defaults()
	if cfg.Limits.LineBufferBytes <= 0 {
		cfg.Limits = def.Limits
	}
	if cfg.Timing.EventDebounce <= 0 {
		cfg.Timing = def.Timing
	}
	return &Tracker{
		sessionID:   cfg.SessionID,
		limits:      cfg.Limits,
		timing:      cfg.Timing,
		clock:       cfg.Clock,
		autoOK:      cfg.AutoEnable,
		broker:      pubsub.NewBroker[Event](),
		todos:       newTodoSet(cfg.Limits.MaxTodos),
		phrases:     newPhraseBook(cfg.Limits.MaxPhraseEntries),
		taskNumbers: make(map[int]string),
		brk:         newBreaker(),
		debounce:    make(map[EventType]*pendingEmit),
		probeSkips:  make(map[string]int),
	}
}

// Subscribe returns tracker events. The channel closes when ctx is
// cancelled or the tracker is cleared.
func (t *Tracker) Subscribe(ctx context.Context) <-chan Event {
	events := t.broker.Subscribe(ctx)
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

// Enabled reports whether the tracker is active.
func (t *Tracker) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Enable turns the tracker on explicitly.
func (t *Tracker) Enable() {
	t.mu.Lock()
	changed := !t.enabled
	t.enabled = true
	if changed {
		t.queueEvent(EventEnabled, nil)
	}
	t.flushQueueLocked()
	t.mu.Unlock()
	if changed {
		t.startStallWatcher()
	}
}

// Loop returns the current loop status snapshot.
func (t *Tracker) Loop() LoopStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loop
}

// Todos returns the current todo snapshot ordered by detection time.
func (t *Tracker) Todos() []Todo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.todos.snapshot()
}

// Breaker returns the circuit breaker status.
func (t *Tracker) Breaker() BreakerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.brk.status
}

// Snapshot is the persisted view of the tracker, written to the optional
// state file for external readers.
type Snapshot struct {
	Loop  LoopStatus `json:"loop"`
	Todos []Todo     `json:"todos"`
}

// Snapshot returns the loop plus todos view.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{Loop: t.loop, Todos: t.todos.snapshot()}
}

// Auto-enable triggers: any evidence of a loop-shaped workload.
var (
	iterationRe  = regexp.MustCompile(`(?i)\bIteration\s+(\d+)\s*/\s*(\d+)`)
	bracketRe    = regexp.MustCompile(`^\s*\[(\d+)\s*/\s*(\d+)\]`)
	legacyCycleRe = regexp.MustCompile(`(?i)\bcycle\s+(\d+)\b`)
	elapsedRe    = regexp.MustCompile(`(?i)\belapsed[:\s]+(\d+(?:\.\d+)?)\s*h`)
	loopStartRe  = regexp.MustCompile(`(?i)\b(?:starting|started|beginning|begin)\b.{0,40}\bloop\b`)
	checkboxRe   = regexp.MustCompile(`-\s*\[([ xX-])\]\s*([^\n]+)`)
	todoLineRe   = regexp.MustCompile(`(?i)^\s*Todo:\s*([☐☒◐✔✓]|\[[ xX-]\])\s*(.+)$`)
	suffixRe     = regexp.MustCompile(`^(.{5,}?)\s*\((pending|in_progress|completed)\)\s*$`)
	bareIconRe   = regexp.MustCompile(`^\s*[\[\(]?\s*([☐☒◐])\s*(.+)$`)
	taskCreateRe = regexp.MustCompile(`✔\s*Task\s*#(\d+)\s*created:\s*(.+)`)
	taskSummaryRe = regexp.MustCompile(`✔\s*#(\d+)\s+(.+)`)
	taskUpdateRe = regexp.MustCompile(`(?i)✔\s*Task\s*#(\d+)\s*updated:\s*status\s*(?:→|->)\s*(\w+)`)
	allDoneRe    = regexp.MustCompile(`(?i)\ball\s+(?:(\d+)\s+)?tasks?\s+(?:are\s+)?(?:complete(?:d)?|done|finished)\b`)
	todoWriteRe  = regexp.MustCompile(`\bTodoWrite\b`)

	excludeToolRe    = regexp.MustCompile(`^[A-Z][A-Za-z]*\(`)
	excludeChatterRe = regexp.MustCompile(`(?i)^\s*(I'll|I will|I'm|Let me|Now I|Next,|First,|Task \d+:)`)
)

func autoEnableTriggered(text string) bool {
	if strings.Contains(text, "<promise>") ||
		strings.Contains(text, statusBlockStart) ||
		strings.Contains(text, "- [ ]") || strings.Contains(text, "- [x]") ||
		strings.ContainsAny(text, "☐☒◐") {
		return true
	}
	return iterationRe.MatchString(text) ||
		bracketRe.MatchString(text) ||
		loopStartRe.MatchString(text) ||
		taskCreateRe.MatchString(text) ||
		allDoneRe.MatchString(text)
}

// Feed consumes a raw terminal chunk. Safe to call repeatedly from the
// session reader; never returns an error — parse problems are logged and
// skipped.
func (t *Tracker) Feed(data []byte) {
	text := stream.StripANSI(data)

	t.mu.Lock()
	if !t.enabled {
		if !t.autoOK || !autoEnableTriggered(string(text)) {
			t.mu.Unlock()
			return
		}
		t.enabled = true
		t.queueEvent(EventEnabled, nil)
		defer t.startStallWatcher()
	}

	t.probePartialPromise(text)

	t.lineBuffer = append(t.lineBuffer, text...)
	if len(t.lineBuffer) > t.limits.LineBufferBytes {
		// Keep the tail half; a line this long is not parseable anyway.
		half := t.limits.LineBufferBytes / 2
		t.lineBuffer = append(t.lineBuffer[:0], t.lineBuffer[len(t.lineBuffer)-half:]...)
	}

	for {
		nl := bytes.IndexByte(t.lineBuffer, '\n')
		if nl < 0 {
			break
		}
		line := string(t.lineBuffer[:nl])
		t.lineBuffer = t.lineBuffer[nl+1:]
		t.processLine(line)
	}

	t.loop.LastActivity = t.clock.Now()
	t.flushQueueLocked()
	t.mu.Unlock()
}

// probePartialPromise checks the previous chunk tail concatenated with the
// new chunk for a sentinel split across the boundary, so completion is not
// delayed until the closing newline. A boundary-spanning match is handled
// here and skipped once when the line pipeline later sees the same text.
func (t *Tracker) probePartialPromise(text []byte) {
	joined := append(append([]byte(nil), t.partial...), text...)
	if loc := promiseRe.FindSubmatchIndex(joined); loc != nil && loc[0] < len(t.partial) && loc[1] > len(t.partial) {
		raw := string(joined[loc[0]:loc[1]])
		phrase := string(joined[loc[2]:loc[3]])
		t.handleTaggedPhrase(phrase, string(joined))
		t.probeSkips[raw]++
	}
	t.partial = append(t.partial[:0], text...)
	if len(t.partial) > t.limits.PartialPromiseSize {
		t.partial = t.partial[len(t.partial)-t.limits.PartialPromiseSize:]
	}
}

// processLine runs the per-line parsers in order. Caller holds the lock.
func (t *Tracker) processLine(line string) {
	if block, consumed := t.sparser.feed(line); consumed {
		if block != nil {
			t.handleStatusBlock(*block)
		}
		return
	}

	t.parseSentinel(line)
	t.parseLoopStatus(line)
	t.parseTodos(line)
	t.parseAllDone(line)
}

func (t *Tracker) parseSentinel(line string) {
	if m := promiseRe.FindStringSubmatch(line); m != nil {
		if t.probeSkips[m[0]] > 0 {
			t.probeSkips[m[0]]--
			if t.probeSkips[m[0]] == 0 {
				delete(t.probeSkips, m[0])
			}
			return
		}
		t.handleTaggedPhrase(m[1], line)
		return
	}

	// Bare occurrence: the phrase standing alone after the tagged form was
	// seen or while the loop is active.
	if t.phrases.expected == "" {
		return
	}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || promptContext(line) {
		return
	}
	if !t.sawTaggedSentinel && !t.loop.Active {
		return
	}
	if isFuzzyPhraseMatch(trimmed, t.phrases.expected, 2) || t.phrases.matches(trimmed) {
		if t.phrases.markFired(trimmed) {
			t.lastPhrase = trimmed
			t.lastPhraseMatched = true
			t.completePhrase(t.phrases.expected)
		}
	}
}

func (t *Tracker) handleTaggedPhrase(phrase, context string) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return
	}
	now := t.clock.Now()
	count := t.phrases.record(phrase)
	t.sawTaggedSentinel = true
	t.lastPhrase = phrase
	t.lastPhraseInPrompt = promptContext(strings.Replace(context, "<promise>", "", 1))

	known := t.phrases.expected != "" && t.phrases.matches(phrase)
	t.lastPhraseMatched = known
	if !known {
		// First declaration: record and validate, no completion yet.
		t.phrases.expected = phrase
		t.loop.CompletionPhrase = phrase
		t.loop.Active = true
		if w := validatePhrase(phrase, now); w != nil {
			t.queueEvent(EventPhraseWarning, *w)
		}
		t.markDirtyLocked(EventLoopUpdate)
		return
	}

	if count >= 2 || t.loop.Active {
		if t.phrases.markFired(phrase) {
			t.completePhrase(phrase)
		}
	}
}

// completePhrase applies the completion effects: all todos done, loop
// deactivated, completionDetected emitted. Caller holds the lock.
func (t *Tracker) completePhrase(phrase string) {
	now := t.clock.Now()
	if t.todos.completeAll(now) {
		t.markDirtyLocked(EventTodoUpdate)
	}
	t.loop.Active = false
	t.markDirtyLocked(EventLoopUpdate)
	t.queueEvent(EventCompletionDetected, Completion{Phrase: phrase})
	log.Info(log.CatTracker, "completion detected", "session", t.sessionID, "phrase", phrase)
}

func (t *Tracker) parseLoopStatus(line string) {
	now := t.clock.Now()

	setIteration := func(cycle, max int) {
		if cycle > t.loop.CycleCount {
			if t.brk.iterationAdvanced(now) {
				t.queueEvent(EventCircuitBreaker, t.brk.status)
			}
			t.lastIterationChange = now
			t.stallWarned = false
		}
		t.loop.CycleCount = cycle
		if max > 0 {
			t.loop.MaxIterations = max
		}
		t.markDirtyLocked(EventLoopUpdate)
	}

	if loopStartRe.MatchString(line) {
		t.loop.Active = true
		t.markDirtyLocked(EventLoopUpdate)
	}

	if m := iterationRe.FindStringSubmatch(line); m != nil {
		cycle, _ := strconv.Atoi(m[1])
		max, _ := strconv.Atoi(m[2])
		setIteration(cycle, max)
		return
	}
	if m := bracketRe.FindStringSubmatch(line); m != nil {
		cycle, _ := strconv.Atoi(m[1])
		max, _ := strconv.Atoi(m[2])
		setIteration(cycle, max)
		return
	}
	if m := elapsedRe.FindStringSubmatch(line); m != nil {
		if h, err := strconv.ParseFloat(m[1], 64); err == nil {
			t.loop.ElapsedHours = h
			t.markDirtyLocked(EventLoopUpdate)
		}
		return
	}
	if m := legacyCycleRe.FindStringSubmatch(line); m != nil {
		if cycle, _ := strconv.Atoi(m[1]); cycle > t.loop.CycleCount {
			setIteration(cycle, 0)
		}
		return
	}
	if todoWriteRe.MatchString(line) {
		t.loop.LastActivity = now
	}
}

func (t *Tracker) parseTodos(line string) {
	now := t.clock.Now()
	var changed bool
	upsert := func(content string, status TodoStatus) {
		content = cleanTodoContent(content)
		if len(content) < 5 {
			return
		}
		if t.todos.upsert(content, status, now) {
			changed = true
		}
	}

	switch {
	case checkboxRe.MatchString(line) && !excludeChatterRe.MatchString(line):
		for _, m := range checkboxRe.FindAllStringSubmatch(line, -1) {
			upsert(m[2], checkboxStatus(m[1]))
		}
	case todoLineRe.MatchString(line):
		m := todoLineRe.FindStringSubmatch(line)
		upsert(m[2], iconStatus(m[1]))
	case taskUpdateRe.MatchString(line):
		m := taskUpdateRe.FindStringSubmatch(line)
		num, _ := strconv.Atoi(m[1])
		if content, ok := t.taskNumbers[num]; ok {
			upsert(content, parseStatusWord(m[2]))
		}
	case taskCreateRe.MatchString(line):
		m := taskCreateRe.FindStringSubmatch(line)
		num, _ := strconv.Atoi(m[1])
		t.mapTaskNumber(num, m[2])
		upsert(m[2], TodoPending)
	case taskSummaryRe.MatchString(line):
		m := taskSummaryRe.FindStringSubmatch(line)
		num, _ := strconv.Atoi(m[1])
		if _, ok := t.taskNumbers[num]; !ok {
			t.mapTaskNumber(num, m[2])
			upsert(m[2], TodoPending)
		}
	case suffixRe.MatchString(line) && !t.excludedTodoLine(line):
		m := suffixRe.FindStringSubmatch(line)
		upsert(m[1], TodoStatus(strings.ToLower(m[2])))
	case bareIconRe.MatchString(line) && !t.excludedTodoLine(line):
		m := bareIconRe.FindStringSubmatch(line)
		upsert(m[2], iconStatus(m[1]))
	}

	if changed {
		if t.firstTodoAt.IsZero() {
			t.firstTodoAt = now
		}
		t.markDirtyLocked(EventTodoUpdate)
	}
}

// excludedTodoLine suppresses tool invocations and narrative chatter that
// would otherwise look like todo text.
func (t *Tracker) excludedTodoLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return excludeChatterRe.MatchString(trimmed) || excludeToolRe.MatchString(trimmed)
}

func (t *Tracker) mapTaskNumber(num int, content string) {
	if len(t.taskNumbers) >= t.limits.MaxTaskMappings {
		for k := range t.taskNumbers {
			delete(t.taskNumbers, k)
			break
		}
	}
	t.taskNumbers[num] = cleanTodoContent(content)
}

func checkboxStatus(mark string) TodoStatus {
	switch strings.ToLower(mark) {
	case "x":
		return TodoCompleted
	case "-":
		return TodoInProgress
	default:
		return TodoPending
	}
}

func iconStatus(icon string) TodoStatus {
	switch icon {
	case "☒", "✔", "✓", "[x]", "[X]":
		return TodoCompleted
	case "◐", "[-]":
		return TodoInProgress
	default:
		return TodoPending
	}
}

func parseStatusWord(word string) TodoStatus {
	switch strings.ToLower(word) {
	case "completed", "complete", "done":
		return TodoCompleted
	case "in_progress", "inprogress", "active":
		return TodoInProgress
	default:
		return TodoPending
	}
}

// parseAllDone applies the "all tasks complete" heuristic with its guard
// conditions. Suppressed while a plan file is the authoritative source.
func (t *Tracker) parseAllDone(line string) {
	if t.planAuthoritative || len(line) > 100 {
		return
	}
	m := allDoneRe.FindStringSubmatch(line)
	if m == nil || promptContext(line) {
		return
	}
	total, _, _, _ := t.todos.counts()
	if total == 0 {
		return
	}
	if m[1] != "" {
		if n, err := strconv.Atoi(m[1]); err == nil && abs(n-total) > 2 {
			return
		}
	}
	if t.todos.completeAll(t.clock.Now()) {
		t.markDirtyLocked(EventTodoUpdate)
	}
}

func (t *Tracker) handleStatusBlock(block StatusBlock) {
	now := t.clock.Now()
	t.lastBlock = &block
	t.queueEvent(EventStatusBlock, block)

	if block.Status == "COMPLETE" {
		t.completionIndicators++
	}
	if block.ExitSignal && t.completionIndicators >= 2 && !t.exitGateFired {
		t.exitGateFired = true
		t.queueEvent(EventExitGateMet, ExitGate{
			CompletionIndicators: t.completionIndicators,
			ExitSignal:           true,
		})
	}

	if t.brk.observe(block, t.loop.CycleCount, now) {
		t.queueEvent(EventCircuitBreaker, t.brk.status)
	}
}

// queueEvent appends an emission; nothing is delivered until
// flushQueueLocked, so listeners can never re-enter the parser mid-update.
func (t *Tracker) queueEvent(typ EventType, payload any) {
	t.queue = append(t.queue, Event{Type: typ, SessionID: t.sessionID, Payload: payload})
}

func (t *Tracker) flushQueueLocked() {
	if len(t.queue) == 0 {
		return
	}
	queued := t.queue
	t.queue = nil
	for _, ev := range queued {
		t.broker.Publish(pubsub.UpdatedEvent, ev)
	}
}

// markDirtyLocked arms the trailing debounce for loopUpdate/todoUpdate.
// One pending emission per event type; the timer fires outside the lock.
func (t *Tracker) markDirtyLocked(typ EventType) {
	p, ok := t.debounce[typ]
	if !ok {
		p = &pendingEmit{}
		t.debounce[typ] = p
	}
	if p.armed {
		return
	}
	p.armed = true
	timer := t.clock.NewTimer(t.timing.EventDebounce)
	cancel := make(chan struct{})
	p.timer = timer
	p.cancel = cancel
	log.SafeGo("tracker-debounce-"+string(typ), func() {
		select {
		case <-timer.C():
			t.emitDebounced(typ)
		case <-cancel:
		}
	})
}

func (t *Tracker) emitDebounced(typ EventType) {
	t.mu.Lock()
	p, ok := t.debounce[typ]
	if !ok || !p.armed {
		t.mu.Unlock()
		return
	}
	p.armed = false
	p.timer = nil
	p.cancel = nil
	var ev Event
	switch typ {
	case EventLoopUpdate:
		ev = Event{Type: typ, SessionID: t.sessionID, Payload: t.loop}
	case EventTodoUpdate:
		ev = Event{Type: typ, SessionID: t.sessionID, Payload: t.todos.snapshot()}
	default:
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.broker.Publish(pubsub.UpdatedEvent, ev)
}

// Flush drains pending debounced emissions immediately.
func (t *Tracker) Flush() {
	t.mu.Lock()
	var due []EventType
	for typ, p := range t.debounce {
		if p.armed {
			if p.timer != nil {
				p.timer.Stop()
			}
			if p.cancel != nil {
				close(p.cancel)
				p.cancel = nil
			}
			due = append(due, typ)
		}
	}
	t.mu.Unlock()
	for _, typ := range due {
		t.emitDebounced(typ)
	}
}

// SetPlanAuthoritative marks an external plan file as the todo source,
// suppressing the in-stream completion heuristics.
func (t *Tracker) SetPlanAuthoritative(on bool) {
	t.mu.Lock()
	t.planAuthoritative = on
	t.mu.Unlock()
}

// ImportTodos replaces the todo set wholesale, as when a plan file is
// re-read.
func (t *Tracker) ImportTodos(todos []Todo) {
	t.mu.Lock()
	t.todos.replaceAll(todos)
	t.markDirtyLocked(EventTodoUpdate)
	t.flushQueueLocked()
	t.mu.Unlock()
}

// Reset clears parse state but preserves enablement and the circuit
// breaker. Pending debounced emissions are re-posted on a fresh tick so a
// listener never observes them from inside the call that reset it.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.resetLocked()
	t.mu.Unlock()
}

func (t *Tracker) resetLocked() {
	t.loop = LoopStatus{}
	t.lineBuffer = nil
	t.partial = nil
	t.todos.clear()
	t.phrases.reset()
	t.taskNumbers = make(map[int]string)
	t.sparser.reset()
	t.lastBlock = nil
	t.completionIndicators = 0
	t.exitGateFired = false
	t.sawTaggedSentinel = false
	t.lastPhrase = ""
	t.lastPhraseMatched = false
	t.lastPhraseInPrompt = false
	t.lastIterationChange = time.Time{}
	t.stallWarned = false
	t.firstTodoAt = time.Time{}
	t.probeSkips = make(map[string]int)
	t.queue = nil

	for typ, p := range t.debounce {
		if p.armed {
			if p.timer != nil {
				p.timer.Stop()
			}
			if p.cancel != nil {
				close(p.cancel)
				p.cancel = nil
			}
			p.armed = false
			// Re-post on a fresh tick so listeners see the cleared state.
			t.markDirtyLocked(typ)
		}
	}
}

// FullReset is Reset plus a circuit breaker reset.
func (t *Tracker) FullReset() {
	t.mu.Lock()
	t.resetLocked()
	if t.brk.reset(t.clock.Now()) {
		t.queueEvent(EventCircuitBreaker, t.brk.status)
		t.flushQueueLocked()
	}
	t.mu.Unlock()
}

// Clear is FullReset plus disable and watcher teardown. The event broker
// closes, dropping all subscribers.
func (t *Tracker) Clear() {
	t.stopStallWatcher()
	t.mu.Lock()
	t.resetLocked()
	t.brk.reset(t.clock.Now())
	t.enabled = false
	t.mu.Unlock()
	t.broker.Close()
}
