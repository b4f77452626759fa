// Package screen wraps the external terminal-multiplexer tool (GNU screen)
// behind a Manager interface. The real implementation shells out to the tool;
// a faithful in-memory Fake backs the tests. Windows are detached, named with
// the supervisor's prefix, and outlive client disconnects.
package screen

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Sentinel errors for the failure taxonomy. Callers branch on these with
// errors.Is; the wrapped detail carries the tool's output.
var (
	// ErrUnavailable means the multiplexer tool is not installed or not runnable.
	ErrUnavailable = errors.New("window tool unavailable")
	// ErrWindowCreate means the tool exited non-zero while creating a window.
	ErrWindowCreate = errors.New("window create failed")
	// ErrInject means keystroke injection retries were exhausted.
	ErrInject = errors.New("keystroke injection failed")
	// ErrNotFound means no window with the given name exists.
	ErrNotFound = errors.New("window not found")
)

// Window is one visible multiplexer window.
type Window struct {
	PID  int
	Name string
}

// Manager is the contract over the external window tool.
// Each call is independent and short-lived (5-second ceiling).
type Manager interface {
	// Create spawns a detached named window running cmd in workingDir with
	// the given extra environment. Returns the multiplexer process pid.
	Create(name, workingDir, cmd string, env []string) (int, error)

	// List enumerates visible windows matching the supervisor's name prefix.
	List() ([]Window, error)

	// SendKeys injects a key sequence into the named window. Text and the
	// terminating Return are sent as two separate calls.
	SendKeys(name, payload string) error

	// Snapshot returns a sanitized textual snapshot of the window's visible
	// buffer, for hydrating late subscribers.
	Snapshot(name string) ([]byte, error)

	// Kill tears the window down with escalating force. Returns nil on a
	// clean teardown and also on best-effort success (logged with a warning).
	Kill(name string) error

	// Available reports whether the underlying tool is present on this host.
	Available() bool
}

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// shellMeta lists the characters a working directory must not contain: the
// composed command line is handed to a shell, so metacharacters in the path
// would change its meaning.
const shellMeta = "`$|;&<>(){}[]!*?~#\"'\\\n"

// ValidateName checks a window name against the strict allowlist.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("window name must not be empty")
	}
	if len(name) > 80 {
		return fmt.Errorf("window name too long: %d chars", len(name))
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("window name %q contains disallowed characters", name)
	}
	return nil
}

// ValidatePath rejects working directories containing shell metacharacters.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("working directory must not be empty")
	}
	if strings.ContainsAny(path, shellMeta) {
		return fmt.Errorf("working directory %q contains shell metacharacters", path)
	}
	return nil
}
