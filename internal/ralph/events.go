package ralph

import "time"

// EventType identifies one tracker event variant.
type EventType string

const (
	// EventLoopUpdate carries the latest LoopStatus. Debounced.
	EventLoopUpdate EventType = "loopUpdate"
	// EventTodoUpdate carries the current todo snapshot. Debounced.
	EventTodoUpdate EventType = "todoUpdate"
	// EventCompletionDetected fires once when the completion phrase lands.
	EventCompletionDetected EventType = "completionDetected"
	// EventEnabled fires when the tracker turns on, explicitly or by
	// auto-enable.
	EventEnabled EventType = "enabled"
	// EventStatusBlock carries each successfully parsed status block.
	EventStatusBlock EventType = "statusBlockDetected"
	// EventCircuitBreaker carries every breaker state change.
	EventCircuitBreaker EventType = "circuitBreakerUpdate"
	// EventExitGateMet fires once when the exit gate conditions hold.
	EventExitGateMet EventType = "exitGateMet"
	// EventStallWarning fires once per stall episode after the warning
	// threshold.
	EventStallWarning EventType = "iterationStallWarning"
	// EventStallCritical fires on every watcher tick past the critical
	// threshold.
	EventStallCritical EventType = "iterationStallCritical"
	// EventPhraseWarning flags a risky declared completion phrase.
	EventPhraseWarning EventType = "phraseValidationWarning"
)

// Event is one tracker emission. Payload holds the variant's typed value:
// LoopStatus, []Todo, Completion, StatusBlock, BreakerStatus, ExitGate,
// StallInfo, or PhraseWarning.
type Event struct {
	Type      EventType
	SessionID string
	Payload   any
}

// Completion is the payload of EventCompletionDetected.
type Completion struct {
	Phrase string `json:"phrase"`
}

// PhraseWarning is the payload of EventPhraseWarning.
type PhraseWarning struct {
	Phrase    string `json:"phrase"`
	Reason    string `json:"reason"` // common, short, numeric
	Suggested string `json:"suggested"`
}

// ExitGate is the payload of EventExitGateMet.
type ExitGate struct {
	CompletionIndicators int  `json:"completionIndicators"`
	ExitSignal           bool `json:"exitSignal"`
}

// StallInfo is the payload of the stall events.
type StallInfo struct {
	LastIterationChange time.Time     `json:"lastIterationChange"`
	Stalled             time.Duration `json:"stalledFor"`
}

// LoopStatus is the payload of EventLoopUpdate.
type LoopStatus struct {
	Active           bool      `json:"active"`
	CycleCount       int       `json:"cycleCount"`
	MaxIterations    int       `json:"maxIterations,omitempty"`
	ElapsedHours     float64   `json:"elapsedHours,omitempty"`
	CompletionPhrase string    `json:"completionPhrase,omitempty"`
	LastActivity     time.Time `json:"lastActivity"`
}
