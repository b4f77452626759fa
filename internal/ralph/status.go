package ralph

import (
	"strconv"
	"strings"

	"github.com/zjrosen/claudeman/internal/log"
)

// Status block fence markers emitted by the child.
const (
	statusBlockStart = "---RALPH_STATUS---"
	statusBlockEnd   = "---END_RALPH_STATUS---"
)

// StatusBlock is one parsed ---RALPH_STATUS--- fence.
type StatusBlock struct {
	Status         string `json:"status"` // IN_PROGRESS, COMPLETE, BLOCKED
	TasksCompleted int    `json:"tasksCompletedThisLoop"`
	FilesModified  int    `json:"filesModified"`
	TestsStatus    string `json:"testsStatus"` // PASSING, FAILING, NOT_RUN
	WorkType       string `json:"workType"`    // IMPLEMENTATION, TESTING, DOCUMENTATION, REFACTORING
	ExitSignal     bool   `json:"exitSignal"`
	Recommendation string `json:"recommendation,omitempty"`
}

// HasProgress reports whether the block shows forward motion.
func (b StatusBlock) HasProgress() bool {
	return b.FilesModified > 0 || b.TasksCompleted > 0
}

var (
	validStatus    = map[string]struct{}{"IN_PROGRESS": {}, "COMPLETE": {}, "BLOCKED": {}}
	validTests     = map[string]struct{}{"PASSING": {}, "FAILING": {}, "NOT_RUN": {}}
	validWorkTypes = map[string]struct{}{"IMPLEMENTATION": {}, "TESTING": {}, "DOCUMENTATION": {}, "REFACTORING": {}}
)

// statusParser accumulates lines between the fence markers. It is fed one
// line at a time; when the closing fence arrives the buffered lines are
// parsed field by field.
type statusParser struct {
	inBlock bool
	lines   []string
}

// feed consumes one line. It returns a parsed block when the line closes a
// fence and the block is valid, nil otherwise. The bool reports whether the
// line belonged to a block (so callers skip other per-line parsing).
func (p *statusParser) feed(line string) (*StatusBlock, bool) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == statusBlockStart:
		p.inBlock = true
		p.lines = p.lines[:0]
		return nil, true
	case trimmed == statusBlockEnd:
		if !p.inBlock {
			return nil, false
		}
		p.inBlock = false
		return parseStatusLines(p.lines), true
	case p.inBlock:
		p.lines = append(p.lines, trimmed)
		return nil, true
	}
	return nil, false
}

func (p *statusParser) reset() {
	p.inBlock = false
	p.lines = nil
}

// parseStatusLines validates the buffered block. A missing STATUS discards
// the whole block; other invalid fields are dropped individually with the
// defaults retained.
func parseStatusLines(lines []string) *StatusBlock {
	block := StatusBlock{TestsStatus: "NOT_RUN", WorkType: "IMPLEMENTATION"}
	var hasStatus bool

	for _, line := range lines {
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			log.Warn(log.CatTracker, "status block line without key", "line", line)
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "STATUS":
			v := strings.ToUpper(value)
			if _, ok := validStatus[v]; !ok {
				log.Warn(log.CatTracker, "invalid STATUS in status block", "value", value)
				continue
			}
			block.Status = v
			hasStatus = true
		case "TASKS_COMPLETED_THIS_LOOP":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				block.TasksCompleted = n
			} else {
				log.Warn(log.CatTracker, "invalid TASKS_COMPLETED_THIS_LOOP", "value", value)
			}
		case "FILES_MODIFIED":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				block.FilesModified = n
			} else {
				log.Warn(log.CatTracker, "invalid FILES_MODIFIED", "value", value)
			}
		case "TESTS_STATUS":
			v := strings.ToUpper(value)
			if _, ok := validTests[v]; ok {
				block.TestsStatus = v
			} else {
				log.Warn(log.CatTracker, "invalid TESTS_STATUS", "value", value)
			}
		case "WORK_TYPE":
			v := strings.ToUpper(value)
			if _, ok := validWorkTypes[v]; ok {
				block.WorkType = v
			} else {
				log.Warn(log.CatTracker, "invalid WORK_TYPE", "value", value)
			}
		case "EXIT_SIGNAL":
			block.ExitSignal = strings.EqualFold(value, "true")
		case "RECOMMENDATION":
			block.Recommendation = value
		default:
			log.Warn(log.CatTracker, "unknown status block field", "key", key)
		}
	}

	if !hasStatus {
		log.Warn(log.CatTracker, "status block missing required STATUS, discarded")
		return nil
	}
	return &block
}
