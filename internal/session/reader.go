package session

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/zjrosen/claudeman/internal/log"
	"github.com/zjrosen/claudeman/internal/stream"
)

// pollInterval paces the window snapshot reader.
const pollInterval = 500 * time.Millisecond

// missingLimit is how many consecutive snapshot failures mark a window
// dead.
const missingLimit = 3

// readLoop is the session's single reader: it pulls window snapshots,
// derives the new byte delta, and pushes it through ring, dispatcher,
// tracker, and token counter in order. Parser errors never kill the loop.
func (s *Supervisor) readLoop(ctx context.Context, m *managed) {
	id := m.record().ID
	name := m.record().WindowName
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := s.screens.Snapshot(name)
		if err != nil {
			m.mu.Lock()
			m.missing++
			gone := m.missing >= missingLimit
			m.mu.Unlock()
			if gone {
				s.handleDeath(m)
				return
			}
			continue
		}

		m.mu.Lock()
		m.missing = 0
		delta, cleared := snapshotDelta(m.last, snap)
		m.last = append(m.last[:0], snap...)
		m.mu.Unlock()

		if cleared {
			m.ring.Clear()
			m.counter.Reset()
			s.emit(EventClearTerminal, id, nil)
		}
		if len(delta) == 0 {
			continue
		}

		m.mu.Lock()
		wasIdle := m.idle
		m.idle = false
		m.mu.Unlock()
		if wasIdle {
			s.emit(EventWorking, id, nil)
		}

		m.ring.Write(delta)
		s.dispatcher.Publish(id, delta)
		m.tracker.Feed(delta)
		m.ctrl.NoteActivity()

		for _, line := range strings.Split(string(stream.StripANSI(delta)), "\n") {
			m.counter.FeedLine(line)
		}
		m.ctrl.NoteTokens(m.counter.Total())
	}
}

// snapshotDelta compares consecutive window snapshots. It returns the new
// suffix when the buffer grew in place, or the whole snapshot (with
// cleared=true) when the buffer was reset under us.
func snapshotDelta(prev, next []byte) (delta []byte, cleared bool) {
	if len(prev) == 0 {
		return next, false
	}
	if bytes.Equal(prev, next) {
		return nil, false
	}
	if bytes.HasPrefix(next, prev) {
		return next[len(prev):], false
	}
	// The visible buffer scrolled: keep the portion after the longest
	// common prefix so repeated content is not re-fed.
	common := commonPrefix(prev, next)
	if common == 0 && len(next) < len(prev)/2 {
		return next, true
	}
	return next[common:], false
}

func commonPrefix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// handleDeath drops a session whose window vanished out from under the
// reader. The record is removed from memory; the registry file keeps it
// until the next persist, matching reconciler semantics.
func (s *Supervisor) handleDeath(m *managed) {
	rec := m.record()
	s.mu.Lock()
	if _, ok := s.sessions[rec.ID]; !ok {
		s.mu.Unlock()
		return // already killed explicitly
	}
	delete(s.sessions, rec.ID)
	s.mu.Unlock()

	s.teardown(m)
	s.emit(EventExit, rec.ID, nil)
	s.emit(EventScreenDied, rec.ID, rec)
	log.Warn(log.CatSession, "window disappeared", "id", rec.ID, "window", rec.WindowName)
}
