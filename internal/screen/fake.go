package screen

import (
	"fmt"
	"strings"
	"sync"
)

// FakeWindow is the in-memory state of one simulated window.
type FakeWindow struct {
	PID        int
	Name       string
	WorkingDir string
	Cmd        string
	Env        []string
	Alive      bool
	Buffer     []byte // contents returned by Snapshot
}

// Fake is an in-memory Manager for tests. It maintains a windows map,
// captures injected keystrokes in an ordered log, and simulates alive/dead
// state plus per-call failure injection.
type Fake struct {
	mu      sync.Mutex
	windows map[string]*FakeWindow
	nextPID int

	// Keystrokes is the ordered log of SendKeys payloads, "name\x00payload".
	Keystrokes []string

	// Unavailable simulates a host without the window tool.
	Unavailable bool
	// FailCreate forces Create to fail with ErrWindowCreate.
	FailCreate bool
	// FailSendKeys forces SendKeys to fail with ErrInject.
	FailSendKeys bool
	// SurviveKills leaves windows alive through Kill (best-effort path).
	SurviveKills bool
}

// NewFake creates an empty Fake manager.
func NewFake() *Fake {
	return &Fake{
		windows: make(map[string]*FakeWindow),
		nextPID: 10000,
	}
}

// Create registers a simulated window.
func (f *Fake) Create(name, workingDir, cmd string, env []string) (int, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	if err := ValidatePath(workingDir); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return 0, fmt.Errorf("%w: simulated missing tool", ErrUnavailable)
	}
	if f.FailCreate {
		return 0, fmt.Errorf("%w: simulated create failure", ErrWindowCreate)
	}
	if _, exists := f.windows[name]; exists {
		return 0, fmt.Errorf("%w: window %s already exists", ErrWindowCreate, name)
	}

	f.nextPID++
	w := &FakeWindow{
		PID:        f.nextPID,
		Name:       name,
		WorkingDir: workingDir,
		Cmd:        cmd,
		Env:        append([]string(nil), env...),
		Alive:      true,
	}
	f.windows[name] = w
	return w.PID, nil
}

// List returns the alive windows.
func (f *Fake) List() ([]Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return nil, fmt.Errorf("%w: simulated missing tool", ErrUnavailable)
	}

	var out []Window
	for _, w := range f.windows {
		if w.Alive {
			out = append(out, Window{PID: w.PID, Name: w.Name})
		}
	}
	return out, nil
}

// SendKeys records the payload in the ordered keystroke log.
func (f *Fake) SendKeys(name, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailSendKeys {
		return fmt.Errorf("%w: simulated injection failure", ErrInject)
	}
	w, ok := f.windows[name]
	if !ok || !w.Alive {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	f.Keystrokes = append(f.Keystrokes, name+"\x00"+payload)
	return nil
}

// Snapshot returns the window's simulated buffer, sanitized like the real
// implementation.
func (f *Fake) Snapshot(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.windows[name]
	if !ok || !w.Alive {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Sanitize(w.Buffer), nil
}

// Kill marks the window dead (unless SurviveKills is set).
func (f *Fake) Kill(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.windows[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !f.SurviveKills {
		w.Alive = false
	}
	return nil
}

// Available reports the simulated tool presence.
func (f *Fake) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Unavailable
}

// Append adds bytes to a window's buffer, simulating child output.
func (f *Fake) Append(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.windows[name]; ok {
		w.Buffer = append(w.Buffer, data...)
	}
}

// SetBuffer replaces a window's buffer, simulating a cleared screen.
func (f *Fake) SetBuffer(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.windows[name]; ok {
		w.Buffer = append([]byte(nil), data...)
	}
}

// MarkDead simulates an out-of-band window death.
func (f *Fake) MarkDead(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.windows[name]; ok {
		w.Alive = false
	}
}

// AddOrphan registers an alive window that no Session knows about,
// simulating a survivor from a prior server run.
func (f *Fake) AddOrphan(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.windows[name] = &FakeWindow{PID: f.nextPID, Name: name, Alive: true}
	return f.nextPID
}

// KeystrokeLog returns the payloads injected into a window, in order.
func (f *Fake) KeystrokeLog(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, entry := range f.Keystrokes {
		if target, payload, ok := strings.Cut(entry, "\x00"); ok && target == name {
			out = append(out, payload)
		}
	}
	return out
}

// Ensure Fake implements Manager at compile time.
var _ Manager = (*Fake)(nil)
