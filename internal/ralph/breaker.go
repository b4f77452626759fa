package ralph

import (
	"strconv"
	"time"
)

// BreakerState is the circuit breaker's position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
	BreakerOpen     BreakerState = "OPEN"
)

// Breaker thresholds, counted in consecutive status blocks.
const (
	noProgressHalfOpenAfter = 2
	noProgressOpenAfter     = 3
	testsFailingOpenAfter   = 5
)

// BreakerStatus is the payload of EventCircuitBreaker: the breaker state
// plus the counters that drove the transition.
type BreakerStatus struct {
	State                   BreakerState `json:"state"`
	ReasonCode              string       `json:"reasonCode,omitempty"`
	Reason                  string       `json:"reason,omitempty"`
	ConsecutiveNoProgress   int          `json:"consecutiveNoProgress"`
	ConsecutiveSameError    int          `json:"consecutiveSameError"`
	ConsecutiveTestsFailure int          `json:"consecutiveTestsFailure"`
	LastProgressIteration   int          `json:"lastProgressIteration"`
	LastTransitionAt        time.Time    `json:"lastTransitionAt"`
}

// breaker is the per-session circuit breaker, driven once per received
// status block plus iteration-advance resets.
type breaker struct {
	status       BreakerStatus
	lastErrorSig string
}

func newBreaker() *breaker {
	return &breaker{status: BreakerStatus{State: BreakerClosed}}
}

// observe applies one status block. Returns true when the state changed.
// The failing-tests streak is tied to TESTS_STATUS alone, so it survives
// blocks that otherwise show progress.
func (b *breaker) observe(block StatusBlock, cycleCount int, now time.Time) bool {
	if block.TestsStatus == "FAILING" {
		b.status.ConsecutiveTestsFailure++
	} else {
		b.status.ConsecutiveTestsFailure = 0
	}

	if sig := errorSignature(block); sig != "" && sig == b.lastErrorSig {
		b.status.ConsecutiveSameError++
	} else {
		b.lastErrorSig = sig
		if sig == "" {
			b.status.ConsecutiveSameError = 0
		} else {
			b.status.ConsecutiveSameError = 1
		}
	}

	if block.Status == "BLOCKED" {
		return b.trip(BreakerOpen, "blocked", "child reported BLOCKED", now)
	}

	if block.HasProgress() {
		b.status.ConsecutiveNoProgress = 0
		b.status.ConsecutiveSameError = 0
		b.status.LastProgressIteration = cycleCount
		if b.status.ConsecutiveTestsFailure >= testsFailingOpenAfter {
			return b.trip(BreakerOpen, "tests_failing", "tests failing too long", now)
		}
		if b.status.State == BreakerHalfOpen {
			return b.trip(BreakerClosed, "progress_resumed", "progress resumed", now)
		}
		return false
	}

	b.status.ConsecutiveNoProgress++

	switch {
	case b.status.ConsecutiveTestsFailure >= testsFailingOpenAfter:
		return b.trip(BreakerOpen, "tests_failing", "tests failing too long", now)
	case b.status.ConsecutiveNoProgress >= noProgressOpenAfter:
		return b.trip(BreakerOpen, "no_progress_open",
			"no progress for "+strconv.Itoa(b.status.ConsecutiveNoProgress)+" iterations", now)
	case b.status.State == BreakerClosed && b.status.ConsecutiveNoProgress >= noProgressHalfOpenAfter:
		return b.trip(BreakerHalfOpen, "no_progress_warning",
			"no progress for "+strconv.Itoa(b.status.ConsecutiveNoProgress)+" iterations", now)
	}
	return false
}

// errorSignature keys a failing block so identical consecutive failures can
// be counted; an empty signature means the block carries no failure.
func errorSignature(block StatusBlock) string {
	if block.Status != "BLOCKED" && block.TestsStatus != "FAILING" {
		return ""
	}
	return block.Status + "\x00" + block.TestsStatus + "\x00" + block.Recommendation
}

// iterationAdvanced resets the no-progress counters when the cycle count
// strictly increases; a HALF_OPEN breaker closes again.
func (b *breaker) iterationAdvanced(now time.Time) bool {
	b.status.ConsecutiveNoProgress = 0
	if b.status.State == BreakerHalfOpen {
		return b.trip(BreakerClosed, "iteration_advanced", "iteration advanced", now)
	}
	return false
}

// reset is the manual reset, always back to CLOSED.
func (b *breaker) reset(now time.Time) bool {
	changed := b.status.State != BreakerClosed
	b.status = BreakerStatus{State: BreakerClosed}
	b.lastErrorSig = ""
	if changed {
		b.status.ReasonCode = "manual_reset"
		b.status.LastTransitionAt = now
	}
	return changed
}

func (b *breaker) trip(state BreakerState, code, reason string, now time.Time) bool {
	if b.status.State == state {
		return false
	}
	b.status.State = state
	b.status.ReasonCode = code
	b.status.Reason = reason
	b.status.LastTransitionAt = now
	return true
}
