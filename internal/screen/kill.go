package screen

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zjrosen/claudeman/internal/log"
)

// killPolicy abstracts the individual teardown stages so tests can inject
// controlled failure after stage K and verify the next stage is attempted.
type killPolicy struct {
	// descendants returns all pids below root, leaf-first.
	descendants func(root int) []int
	// signal delivers sig to pid. Signal 0 is the liveness probe.
	signal func(pid int, sig syscall.Signal) error
	// sleep suspends between stages.
	sleep func(d time.Duration)
}

func defaultKillPolicy() killPolicy {
	return killPolicy{
		descendants: processDescendants,
		signal: func(pid int, sig syscall.Signal) error {
			return syscall.Kill(pid, sig)
		},
		sleep: time.Sleep,
	}
}

const (
	termSettle  = 200 * time.Millisecond
	finalSweep  = 2 * time.Second
	sweepProbe  = 100 * time.Millisecond
	quitTimeout = invokeTimeout
)

// killer escalates through four stages: TERM descendants leaf-first, KILL
// survivors, tool quit, KILL the window pid. The child may be a process
// group whose descendants outlive any single signal, and the tool's own
// quit semantics vary, so every stage re-probes before moving on.
type killer struct {
	policy killPolicy
}

func newKiller(p killPolicy) *killer {
	return &killer{policy: p}
}

// alive probes a pid with signal 0. EPERM still means the process exists.
func (k *killer) alive(pid int) bool {
	err := k.policy.signal(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// survivors returns the subset of pids still alive.
func (k *killer) survivors(pids []int) []int {
	var out []int
	for _, pid := range pids {
		if k.alive(pid) {
			out = append(out, pid)
		}
	}
	return out
}

// kill runs the escalation against the window pid. quit invokes the tool's
// own teardown command for the window. Returns nil on clean teardown and on
// best-effort success; survivors are logged, never silently ignored.
func (k *killer) kill(windowPID int, quit func() error) error {
	tree := append(k.policy.descendants(windowPID), windowPID)

	// Stage 1: TERM everything leaf-first.
	for _, pid := range tree {
		_ = k.policy.signal(pid, syscall.SIGTERM)
	}
	k.policy.sleep(termSettle)

	// Stage 2: KILL whatever survived.
	if left := k.survivors(tree); len(left) > 0 {
		log.Debug(log.CatScreen, "TERM left survivors, escalating to KILL",
			"windowPID", windowPID, "survivors", len(left))
		for _, pid := range left {
			_ = k.policy.signal(pid, syscall.SIGKILL)
		}
	}

	// Stage 3: the tool's own quit command.
	if k.alive(windowPID) {
		if err := quit(); err != nil {
			log.Debug(log.CatScreen, "Tool quit failed", "windowPID", windowPID, "error", err)
		}
	}

	// Stage 4: KILL the window pid directly.
	if k.alive(windowPID) {
		_ = k.policy.signal(windowPID, syscall.SIGKILL)
	}

	// Final sweep: success only when a liveness pass reports no survivors.
	deadline := time.Now().Add(finalSweep)
	for {
		if left := k.survivors(tree); len(left) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		k.policy.sleep(sweepProbe)
	}

	log.Warn(log.CatScreen, "Kill completed best-effort with survivors",
		"windowPID", windowPID, "survivors", len(k.survivors(tree)))
	return nil
}

// processDescendants enumerates all pids below root, leaf-first, from a
// single `ps -eo pid=,ppid=` pass.
func processDescendants(root int) []int {
	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ps", "-eo", "pid=,ppid=").Output()
	if err != nil {
		return nil
	}
	return descendantsFromTable(out, root)
}

// descendantsFromTable parses "pid ppid" lines and walks the child map
// depth-first, appending children before their parent (leaf-first order).
func descendantsFromTable(table []byte, root int) []int {
	children := make(map[int][]int)
	for _, line := range bytes.Split(table, []byte("\n")) {
		fields := strings.Fields(string(line))
		if len(fields) != 2 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}

	var out []int
	var walk func(pid int)
	walk = func(pid int) {
		for _, child := range children[pid] {
			walk(child)
			out = append(out, child)
		}
	}
	walk(root)
	return out
}
