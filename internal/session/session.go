// Package session owns the supervisor: the registry of managed sessions,
// their window lifecycles, per-session readers, and the reconciler that
// re-adopts windows surviving a restart.
package session

import (
	"time"

	"github.com/zjrosen/claudeman/internal/respawn"
)

// Mode selects what runs inside the window.
type Mode string

const (
	// ModeAgent runs the agent CLI.
	ModeAgent Mode = "agent"
	// ModeShell runs the user's shell.
	ModeShell Mode = "shell"
)

// Session is one managed window's persisted record.
type Session struct {
	ID            string          `json:"id"`
	WindowName    string          `json:"windowName"`
	PID           int             `json:"pid"`
	CreatedAt     time.Time       `json:"createdAt"`
	WorkingDir    string          `json:"workingDir"`
	Mode          Mode            `json:"mode"`
	Attached      bool            `json:"attached"`
	Name          string          `json:"name,omitempty"`
	RespawnConfig *respawn.Config `json:"respawnConfig,omitempty"`
	RalphEnabled  bool            `json:"ralphEnabled,omitempty"`
}

// EventType names a supervisor emission.
type EventType string

const (
	EventCreated       EventType = "session:created"
	EventDeleted       EventType = "session:deleted"
	EventClearTerminal EventType = "session:clearTerminal"
	EventExit          EventType = "session:exit"
	EventIdle          EventType = "session:idle"
	EventWorking       EventType = "session:working"
	EventCompletion    EventType = "session:completion"
	EventError         EventType = "session:error"
	EventAutoClear     EventType = "session:autoClear"
	EventDiscovered    EventType = "session:discovered"
	EventScreenCreated EventType = "screen:created"
	EventScreenKilled  EventType = "screen:killed"
	EventScreenDied    EventType = "screen:died"
	EventStatsUpdated  EventType = "screen:statsUpdated"
)

// Event is one supervisor emission. Data carries the variant payload:
// a Session for lifecycle events, tracker/respawn payloads when
// forwarding, stats on screen:statsUpdated.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Data      any       `json:"data,omitempty"`
}
