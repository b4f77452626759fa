package session

import (
	"fmt"
	"os"
	"strings"

	"github.com/zjrosen/claudeman/internal/log"
	"github.com/zjrosen/claudeman/internal/respawn"
	"github.com/zjrosen/claudeman/internal/screen"
)

// Reconcile aligns the registry with the live window list. Runs at startup
// and on demand:
//  1. sessions whose window is gone are dropped from memory with one
//     screen:died each; live ones get attached and pid refreshed;
//  2. restored records with a live window get their runtime started;
//  3. unknown windows carrying our prefix are adopted as new sessions.
func (s *Supervisor) Reconcile() error {
	windows, err := s.screens.List()
	if err != nil {
		return err
	}
	byName := make(map[string]screen.Window, len(windows))
	for _, w := range windows {
		byName[w.Name] = w
	}

	var died []*managed
	var revive []Session
	var starts []*respawn.Config
	changed := false

	s.mu.Lock()
	known := make(map[string]struct{}, len(s.sessions))
	for id, m := range s.sessions {
		rec := m.record()
		known[rec.WindowName] = struct{}{}
		w, alive := byName[rec.WindowName]
		if !alive {
			delete(s.sessions, id)
			died = append(died, m)
			continue
		}
		m.mu.Lock()
		if m.rec.PID != w.PID {
			m.rec.PID = w.PID
			changed = true
		}
		if !m.rec.Attached {
			m.rec.Attached = true
			changed = true
		}
		m.mu.Unlock()
		if m.dormant {
			delete(s.sessions, id)
			revive = append(revive, m.record())
		}
	}

	var ctrls []*respawn.Controller
	for i, rec := range revive {
		m := s.startManagedLocked(rec)
		if rec.RespawnConfig != nil {
			ctrls = append(ctrls, m.ctrl)
			starts = append(starts, revive[i].RespawnConfig)
		}
		changed = true
	}

	var adopted []Session
	for _, w := range windows {
		if _, ok := known[w.Name]; ok {
			continue
		}
		if !strings.HasPrefix(w.Name, s.cfg.WindowPrefix) {
			continue
		}
		rec := s.adoptLocked(w)
		adopted = append(adopted, rec)
		changed = true
	}

	if changed || len(died) > 0 {
		s.persistLocked()
	}
	s.mu.Unlock()

	for i, ctrl := range ctrls {
		ctrl.Start(*starts[i])
	}
	for _, m := range died {
		rec := m.record()
		s.teardown(m)
		s.emit(EventScreenDied, rec.ID, rec)
		log.Info(log.CatSession, "session window gone, dropped", "id", rec.ID, "window", rec.WindowName)
	}
	for _, rec := range adopted {
		s.emit(EventDiscovered, rec.ID, rec)
		log.Info(log.CatSession, "adopted orphan window", "id", rec.ID, "window", rec.WindowName)
	}
	return nil
}

// adoptLocked synthesizes a session for an orphaned window. The id marks
// its provenance; agent mode is assumed and the working directory is read
// from the window process's cwd where the OS exposes it. Caller holds s.mu.
func (s *Supervisor) adoptLocked(w screen.Window) Session {
	suffix := strings.TrimPrefix(w.Name, s.cfg.WindowPrefix)
	rec := Session{
		ID:         "restored-" + suffix,
		WindowName: w.Name,
		PID:        w.PID,
		CreatedAt:  nowUTC(),
		WorkingDir: processCwd(w.PID),
		Mode:       ModeAgent,
		Attached:   true,
	}
	s.startManagedLocked(rec)
	return rec
}

// processCwd resolves a live process's working directory via /proc. Empty
// when the platform or the pid does not expose it.
func processCwd(pid int) string {
	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return ""
	}
	return cwd
}
