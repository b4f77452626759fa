package screen

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/claudeman/internal/log"
)

// Default timing for tool invocations and injection retries.
const (
	invokeTimeout    = 5 * time.Second
	createGrace      = 300 * time.Millisecond
	keysGap          = 100 * time.Millisecond
	injectRetries    = 3
	injectBackoff    = 250 * time.Millisecond
	hardcopyFileMode = 0o600
)

// screenManager is the production Manager backed by GNU screen.
type screenManager struct {
	binary string
	prefix string
	killer *killer
}

// New creates a Manager over the given screen binary. The prefix scopes
// List to windows owned by this supervisor.
func New(binary, prefix string) Manager {
	if binary == "" {
		binary = "screen"
	}
	return &screenManager{
		binary: binary,
		prefix: prefix,
		killer: newKiller(defaultKillPolicy()),
	}
}

// Available reports whether the screen binary resolves on PATH.
func (m *screenManager) Available() bool {
	_, err := exec.LookPath(m.binary)
	return err == nil
}

// run invokes the tool with a hard 5-second ceiling.
func (m *screenManager) run(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), invokeTimeout)
	defer cancel()

	// #nosec G204 -- args are built from validated names, never raw user input
	cmd := exec.CommandContext(ctx, m.binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Create spawns a detached named window running cmd in workingDir.
func (m *screenManager) Create(name, workingDir, cmd string, env []string) (int, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	if err := ValidatePath(workingDir); err != nil {
		return 0, err
	}
	if !m.Available() {
		return 0, fmt.Errorf("%w: %s not found on PATH", ErrUnavailable, m.binary)
	}

	// The env assignments ride inside the shell line so they reach the
	// child regardless of how the multiplexer scrubs its own environment.
	shellLine := cmd
	if len(env) > 0 {
		shellLine = "export " + strings.Join(env, " ") + " && " + cmd
	}

	log.Debug(log.CatScreen, "Creating window", "name", name, "workingDir", workingDir)
	out, err := m.run("-dmS", name, "sh", "-c", shellLine)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %s", ErrWindowCreate, err, strings.TrimSpace(string(out)))
	}

	// The tool returns before the window registers; give it a short grace
	// period and then resolve the pid from the listing.
	deadline := time.Now().Add(createGrace * 4)
	for {
		windows, listErr := m.List()
		if listErr == nil {
			for _, w := range windows {
				if w.Name == name {
					return w.PID, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w: window %s did not appear", ErrWindowCreate, name)
		}
		time.Sleep(createGrace)
	}
}

// List enumerates windows from `screen -ls` whose names carry our prefix.
// Lines look like "\t12345.claudeman-ab12cd34\t(Detached)".
func (m *screenManager) List() ([]Window, error) {
	if !m.Available() {
		return nil, fmt.Errorf("%w: %s not found on PATH", ErrUnavailable, m.binary)
	}

	// screen -ls exits 1 when there are no sessions; that's not an error.
	out, _ := m.run("-ls")

	var windows []Window
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		dot := strings.IndexByte(line, '.')
		if dot <= 0 {
			continue
		}
		pid, err := strconv.Atoi(line[:dot])
		if err != nil {
			continue
		}
		rest := line[dot+1:]
		if idx := strings.IndexAny(rest, " \t"); idx >= 0 {
			rest = rest[:idx]
		}
		if m.prefix != "" && !strings.HasPrefix(rest, m.prefix) {
			continue
		}
		windows = append(windows, Window{PID: pid, Name: rest})
	}
	return windows, nil
}

// SendKeys injects payload followed by Return as two separate stuff calls.
// Return injection is retried with increasing backoff: the multiplexer drops
// input while the window is mid-redraw.
func (m *screenManager) SendKeys(name, payload string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	if payload != "" {
		if out, err := m.run("-S", name, "-p", "0", "-X", "stuff", payload); err != nil {
			return fmt.Errorf("%w: stuff text: %s: %s", ErrInject, err, strings.TrimSpace(string(out)))
		}
		time.Sleep(keysGap)
	}

	var lastErr error
	for attempt := 0; attempt < injectRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(injectBackoff * time.Duration(attempt))
		}
		out, err := m.run("-S", name, "-p", "0", "-X", "stuff", "\r")
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%s: %s", err, strings.TrimSpace(string(out)))
		log.Warn(log.CatScreen, "Return injection failed, retrying",
			"name", name, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%w: %v", ErrInject, lastErr)
}

// Snapshot captures the visible buffer via hardcopy into a temp file.
func (m *screenManager) Snapshot(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "claudeman-hardcopy-*")
	if err != nil {
		return nil, fmt.Errorf("creating hardcopy file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(path) }()
	if err := os.Chmod(path, hardcopyFileMode); err != nil {
		return nil, fmt.Errorf("chmod hardcopy file: %w", err)
	}

	if out, err := m.run("-S", name, "-p", "0", "-X", "hardcopy", path); err != nil {
		return nil, fmt.Errorf("hardcopy %s: %s: %s", name, err, strings.TrimSpace(string(out)))
	}

	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading hardcopy: %w", err)
	}
	return Sanitize(raw), nil
}

// Kill escalates through the teardown stages until no survivors remain.
func (m *screenManager) Kill(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	windows, err := m.List()
	if err != nil {
		return err
	}
	pid := 0
	for _, w := range windows {
		if w.Name == name {
			pid = w.PID
			break
		}
	}
	if pid == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return m.killer.kill(pid, func() error {
		out, quitErr := m.run("-S", name, "-X", "quit")
		if quitErr != nil {
			return fmt.Errorf("quit %s: %s: %s", name, quitErr, strings.TrimSpace(string(out)))
		}
		return nil
	})
}
