package ralph

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/claudeman/internal/log"
	"github.com/zjrosen/claudeman/internal/store"
)

// PlanFileName is the per-working-directory plan file. When present, it is
// the authoritative todo source and the in-stream completion heuristics are
// suppressed.
const PlanFileName = "@fix_plan.md"

// PlanPath returns the plan file path for a working directory.
func PlanPath(workingDir string) string {
	return filepath.Join(workingDir, PlanFileName)
}

var planItemRe = regexp.MustCompile(`^\s*-\s*\[([ xX-])\]\s*(.+?)\s*$`)

// Plan section headers, in export order.
var planSections = []struct {
	header   string
	priority Priority
}{
	{"## High Priority (P0)", PriorityCritical},
	{"## Standard (P1)", PriorityStandard},
	{"## Nice to Have (P2)", PriorityLow},
	{"## Tasks", ""},
}

const planCompletedHeader = "## Completed"

// ParsePlan reads the plan markdown into todos. Section headers assign
// priority; the checkbox mark assigns status; lines starting with # or //
// outside items, and unrecognized lines, are ignored.
func ParsePlan(data []byte) []Todo {
	var todos []Todo
	now := time.Now()
	var priority Priority
	inCompleted := false

	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			inCompleted = false
			priority = ""
			switch {
			case strings.EqualFold(trimmed, planCompletedHeader):
				inCompleted = true
			default:
				for _, s := range planSections {
					if strings.EqualFold(trimmed, s.header) {
						priority = s.priority
						break
					}
				}
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			continue
		}
		m := planItemRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		status := checkboxStatus(m[1])
		if inCompleted {
			status = TodoCompleted
		}
		content := cleanTodoContent(m[2])
		if content == "" {
			continue
		}
		todos = append(todos, Todo{
			ID:         todoID(content),
			Content:    content,
			Status:     status,
			Priority:   priority,
			Complexity: inferComplexity(content),
			DetectedAt: now,
			UpdatedAt:  now,
		})
	}
	return todos
}

// RenderPlan is the inverse of ParsePlan: todos grouped by priority with
// checkbox marks, prioritized sections first, unprioritized completed items
// under Completed.
func RenderPlan(todos []Todo) []byte {
	var b strings.Builder
	b.WriteString("# Fix Plan\n")

	writeItem := func(t Todo) {
		mark := " "
		switch t.Status {
		case TodoCompleted:
			mark = "x"
		case TodoInProgress:
			mark = "-"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, t.Content)
	}

	for _, s := range planSections {
		var section []Todo
		for _, t := range todos {
			if t.Priority != s.priority {
				continue
			}
			if s.priority == "" && t.Status == TodoCompleted {
				continue // rendered under Completed
			}
			section = append(section, t)
		}
		if len(section) == 0 {
			continue
		}
		b.WriteString("\n" + s.header + "\n")
		for _, t := range section {
			writeItem(t)
		}
	}

	var completed []Todo
	for _, t := range todos {
		if t.Priority == "" && t.Status == TodoCompleted {
			completed = append(completed, t)
		}
	}
	if len(completed) > 0 {
		b.WriteString("\n" + planCompletedHeader + "\n")
		for _, t := range completed {
			writeItem(t)
		}
	}
	return []byte(b.String())
}

// LoadPlan reads the plan file if present. The bool reports existence.
func LoadPlan(workingDir string) ([]Todo, bool, error) {
	data, err := os.ReadFile(PlanPath(workingDir))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading plan file: %w", err)
	}
	return ParsePlan(data), true, nil
}

// SavePlan writes the plan file atomically.
func SavePlan(workingDir string, todos []Todo) error {
	return store.WriteFileAtomic(PlanPath(workingDir), RenderPlan(todos))
}

// PlanWatcher re-imports the plan file into a tracker whenever it changes,
// debounced so editor save bursts import once.
type PlanWatcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	debounce  time.Duration
	tracker   *Tracker
	done      chan struct{}
}

// WatchPlan loads the plan file if present, marks it authoritative, and
// starts watching for changes. Returns nil (no watcher, no error) when the
// file does not exist.
func WatchPlan(workingDir string, tracker *Tracker, debounce time.Duration) (*PlanWatcher, error) {
	todos, exists, err := LoadPlan(workingDir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	tracker.SetPlanAuthoritative(true)
	tracker.ImportTodos(todos)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w := &PlanWatcher{
		fsWatcher: fsw,
		path:      PlanPath(workingDir),
		debounce:  debounce,
		tracker:   tracker,
		done:      make(chan struct{}),
	}
	// Watch the directory; editors replace files rather than write in place.
	if err := fsw.Add(workingDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", workingDir, err)
	}

	log.SafeGo("plan-watcher", w.loop)
	return w, nil
}

// Stop terminates the watcher and releases resources.
func (w *PlanWatcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *PlanWatcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = true

		case <-timerC(timer):
			if pending {
				pending = false
				w.reimport()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatTracker, "plan watcher error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (w *PlanWatcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(event.Name) == PlanFileName
}

func (w *PlanWatcher) reimport() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		log.Warn(log.CatTracker, "plan file unreadable, keeping previous todos", "error", err)
		return
	}
	w.tracker.ImportTodos(ParsePlan(data))
	log.Debug(log.CatTracker, "plan file re-imported", "path", w.path)
}
