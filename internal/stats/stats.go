// Package stats samples memory and CPU for every managed session's process
// tree. One batch of system invocations covers all sessions per tick; a
// per-session fallback path keeps stats flowing when the batch fails.
package stats

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/zjrosen/claudeman/internal/log"
	"github.com/zjrosen/claudeman/internal/pubsub"
)

// Stats is one session's process-tree resource usage.
type Stats struct {
	SessionID  string  `json:"sessionId"`
	PID        int     `json:"pid"`
	MemoryMB   float64 `json:"memoryMB"`
	CPUPercent float64 `json:"cpuPercent"`
	ChildCount int     `json:"childCount"`
}

// DefaultInterval is the sampling tick.
const DefaultInterval = 2 * time.Second

// lastGoodTTL bounds how long a stale fallback value is served after
// queries start failing.
const lastGoodTTL = 30 * time.Second

// Runner executes an external command, returning stdout. Injectable for
// tests.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out.Bytes(), nil
}

// PIDSource reports the current session-id -> root-pid mapping each tick.
type PIDSource func() map[string]int

// Sampler periodically queries the process table and publishes per-session
// stats.
type Sampler struct {
	run      Runner
	interval time.Duration
	source   PIDSource
	broker   *pubsub.Broker[map[string]Stats]
	lastGood *cache.Cache
}

// New creates a Sampler over the given pid source.
func New(source PIDSource, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		run:      execRunner,
		interval: interval,
		source:   source,
		broker:   pubsub.NewBroker[map[string]Stats](),
		lastGood: cache.New(lastGoodTTL, time.Minute),
	}
}

// Subscribe returns per-tick stats maps until ctx is cancelled.
func (s *Sampler) Subscribe(ctx context.Context) <-chan map[string]Stats {
	events := s.broker.Subscribe(ctx)
	out := make(chan map[string]Stats, 4)
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

// Start runs the sampling loop until ctx is cancelled.
func (s *Sampler) Start(ctx context.Context) {
	log.SafeGo("stats-sampler", func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.broker.Close()
				return
			case <-ticker.C:
				if result := s.Sample(ctx); len(result) > 0 {
					s.broker.Publish(pubsub.UpdatedEvent, result)
				}
			}
		}
	})
}

// Sample performs one batched collection pass.
func (s *Sampler) Sample(ctx context.Context) map[string]Stats {
	pids := s.source()
	if len(pids) == 0 {
		return nil
	}

	trees, err := s.processTrees(ctx, pids)
	if err != nil {
		log.Warn(log.CatStats, "batched process table failed, falling back", "error", err)
		return s.sampleIndividually(ctx, pids)
	}

	usage, err := s.batchUsage(ctx, union(trees))
	if err != nil {
		log.Warn(log.CatStats, "batched usage query failed, falling back", "error", err)
		return s.sampleIndividually(ctx, pids)
	}

	result := make(map[string]Stats, len(pids))
	for sessionID, rootPID := range pids {
		tree := trees[rootPID]
		st := Stats{SessionID: sessionID, PID: rootPID, ChildCount: len(tree) - 1}
		for _, pid := range tree {
			if u, ok := usage[pid]; ok {
				st.MemoryMB += u.rssMB
				st.CPUPercent += u.cpu
			}
		}
		result[sessionID] = st
		s.lastGood.Set(sessionID, st, cache.DefaultExpiration)
	}
	return result
}

type procUsage struct {
	rssMB float64
	cpu   float64
}

// processTrees resolves each root pid's descendant set from one `ps`
// invocation.
func (s *Sampler) processTrees(ctx context.Context, pids map[string]int) (map[int][]int, error) {
	out, err := s.run(ctx, "ps", "-eo", "pid=,ppid=")
	if err != nil {
		return nil, err
	}

	children := make(map[int][]int)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
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

	trees := make(map[int][]int, len(pids))
	for _, root := range pids {
		tree := []int{root}
		for i := 0; i < len(tree); i++ {
			tree = append(tree, children[tree[i]]...)
		}
		trees[root] = tree
	}
	return trees, nil
}

// batchUsage queries RSS and CPU for all pids in one invocation.
func (s *Sampler) batchUsage(ctx context.Context, pids []int) (map[int]procUsage, error) {
	if len(pids) == 0 {
		return map[int]procUsage{}, nil
	}
	list := make([]string, len(pids))
	for i, pid := range pids {
		list[i] = strconv.Itoa(pid)
	}
	out, err := s.run(ctx, "ps", "-o", "pid=,rss=,%cpu=", "-p", strings.Join(list, ","))
	if err != nil {
		return nil, err
	}
	return parseUsage(out), nil
}

func parseUsage(out []byte) map[int]procUsage {
	usage := make(map[int]procUsage)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		rssKB, _ := strconv.ParseFloat(fields[1], 64)
		cpu, _ := strconv.ParseFloat(fields[2], 64)
		usage[pid] = procUsage{rssMB: rssKB / 1024, cpu: cpu}
	}
	return usage
}

// sampleIndividually is the degraded path: one query per session, serving
// a recent cached value when even that fails. Record shape matches the
// batch path.
func (s *Sampler) sampleIndividually(ctx context.Context, pids map[string]int) map[string]Stats {
	result := make(map[string]Stats, len(pids))
	for sessionID, pid := range pids {
		usage, err := s.batchUsage(ctx, []int{pid})
		if err != nil {
			if cached, ok := s.lastGood.Get(sessionID); ok {
				result[sessionID] = cached.(Stats)
			} else {
				result[sessionID] = Stats{SessionID: sessionID, PID: pid}
			}
			continue
		}
		st := Stats{SessionID: sessionID, PID: pid}
		if u, ok := usage[pid]; ok {
			st.MemoryMB = u.rssMB
			st.CPUPercent = u.cpu
		}
		result[sessionID] = st
		s.lastGood.Set(sessionID, st, cache.DefaultExpiration)
	}
	return result
}

func union(trees map[int][]int) []int {
	seen := make(map[int]struct{})
	var all []int
	for _, tree := range trees {
		for _, pid := range tree {
			if _, ok := seen[pid]; !ok {
				seen[pid] = struct{}{}
				all = append(all, pid)
			}
		}
	}
	return all
}
