package ralph

import (
	"github.com/zjrosen/claudeman/internal/log"
)

// startStallWatcher launches the periodic iteration-stall check. The
// watcher ticks on Timing.StallTick and compares the last iteration change
// against the warning and critical thresholds. The warning fires once per
// stall episode; the critical fires on every tick while past the
// threshold.
func (t *Tracker) startStallWatcher() {
	t.mu.Lock()
	if t.stallStop != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stallStop = stop
	t.mu.Unlock()

	log.SafeGo("tracker-stall-"+t.sessionID, func() {
		for {
			timer := t.clock.NewTimer(t.timing.StallTick)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C():
				t.checkStall()
			}
		}
	})
}

func (t *Tracker) stopStallWatcher() {
	t.mu.Lock()
	stop := t.stallStop
	t.stallStop = nil
	t.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (t *Tracker) checkStall() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loop.Active || t.lastIterationChange.IsZero() {
		return
	}
	now := t.clock.Now()
	stalled := now.Sub(t.lastIterationChange)
	info := StallInfo{LastIterationChange: t.lastIterationChange, Stalled: stalled}

	switch {
	case stalled >= t.timing.StallCritical:
		t.queueEvent(EventStallCritical, info)
	case stalled >= t.timing.StallWarning:
		if !t.stallWarned {
			t.stallWarned = true
			t.queueEvent(EventStallWarning, info)
		}
	}
	t.flushQueueLocked()
}
