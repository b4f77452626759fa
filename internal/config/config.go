// Package config provides configuration types and defaults for claudeman.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/claudeman/internal/tracing"
)

// Limits bounds the memory the tracker and session pipeline may consume.
// The defaults are generous for interactive use; tests shrink them.
type Limits struct {
	HistoryRingBytes   int `mapstructure:"history_ring_bytes"`    // per-session terminal history
	LineBufferBytes    int `mapstructure:"line_buffer_bytes"`     // tracker partial-line buffer
	PartialPromiseSize int `mapstructure:"partial_promise_bytes"` // cross-chunk sentinel probe
	MaxTodos           int `mapstructure:"max_todos"`             // per-session todo cap
	MaxPhraseEntries   int `mapstructure:"max_phrase_entries"`    // completion phrase count cap
	MaxTaskMappings    int `mapstructure:"max_task_mappings"`     // task number -> content cap
	SubscriberQueue    int `mapstructure:"subscriber_queue"`      // dispatcher chunks per subscriber
}

// Timing holds the tick intervals and debounce windows.
type Timing struct {
	EventDebounce    time.Duration `mapstructure:"event_debounce"`
	StallTick        time.Duration `mapstructure:"stall_tick"`
	StallWarning     time.Duration `mapstructure:"stall_warning"`
	StallCritical    time.Duration `mapstructure:"stall_critical"`
	StatsInterval    time.Duration `mapstructure:"stats_interval"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	InterStepDelay   time.Duration `mapstructure:"inter_step_delay"`
	FixPlanDebounce  time.Duration `mapstructure:"fix_plan_debounce"`
	ReconcileTimeout time.Duration `mapstructure:"reconcile_timeout"`
}

// Config holds all configuration options for claudeman.
type Config struct {
	// StateDir is the directory holding screens.json and friends.
	// Defaults to ~/.claudeman.
	StateDir string `mapstructure:"state_dir"`

	// ScreenBinary is the terminal-multiplexer executable. Default "screen".
	ScreenBinary string `mapstructure:"screen_binary"`

	// WindowPrefix namespaces the multiplexer windows owned by this server.
	WindowPrefix string `mapstructure:"window_prefix"`

	// AgentCommand is the command launched for agent-mode sessions.
	AgentCommand string `mapstructure:"agent_command"`

	// APIBaseURL is handed to children via CLAUDEMAN_API_URL.
	APIBaseURL string `mapstructure:"api_base_url"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// LogPath is the debug log file. Empty disables file logging.
	LogPath string `mapstructure:"log_path"`

	// AutoEnableTracker controls whether trackers may self-enable on
	// loop-shaped output. Explicit API enables always work.
	AutoEnableTracker bool `mapstructure:"auto_enable_tracker"`

	Limits  Limits         `mapstructure:"limits"`
	Timing  Timing         `mapstructure:"timing"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		ScreenBinary:      "screen",
		WindowPrefix:      "claudeman-",
		AgentCommand:      "claude --dangerously-skip-permissions",
		APIBaseURL:        "http://127.0.0.1:7700",
		ListenAddr:        "127.0.0.1:7700",
		AutoEnableTracker: true,
		Limits: Limits{
			HistoryRingBytes:   100 * 1024,
			LineBufferBytes:    64 * 1024,
			PartialPromiseSize: 256,
			MaxTodos:           50,
			MaxPhraseEntries:   50,
			MaxTaskMappings:    100,
			SubscriberQueue:    1024,
		},
		Timing: Timing{
			EventDebounce:    50 * time.Millisecond,
			StallTick:        60 * time.Second,
			StallWarning:     10 * time.Minute,
			StallCritical:    20 * time.Minute,
			StatsInterval:    2 * time.Second,
			IdleTimeout:      5 * time.Second,
			InterStepDelay:   time.Second,
			FixPlanDebounce:  500 * time.Millisecond,
			ReconcileTimeout: 5 * time.Second,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// StateDirOrDefault resolves the state directory, creating it if needed.
func (c *Config) StateDirOrDefault() (string, error) {
	dir := c.StateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, ".claudeman")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating state dir %s: %w", dir, err)
	}
	return dir, nil
}

// ScreensPath returns the session registry file path.
func (c *Config) ScreensPath() (string, error) {
	dir, err := c.StateDirOrDefault()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "screens.json"), nil
}

// SettingsPath returns the settings file path.
func (c *Config) SettingsPath() (string, error) {
	dir, err := c.StateDirOrDefault()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// TrackerStatePath returns the per-session tracker snapshot file path.
func (c *Config) TrackerStatePath() (string, error) {
	dir, err := c.StateDirOrDefault()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state-inner.json"), nil
}

// LogPathOrDefault resolves the log file location.
func (c *Config) LogPathOrDefault() (string, error) {
	if c.LogPath != "" {
		return c.LogPath, nil
	}
	dir, err := c.StateDirOrDefault()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "claudeman.log"), nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.WindowPrefix == "" {
		return fmt.Errorf("window_prefix must not be empty")
	}
	if c.Limits.HistoryRingBytes < 1024 {
		return fmt.Errorf("limits.history_ring_bytes too small: %d", c.Limits.HistoryRingBytes)
	}
	if c.Limits.MaxTodos < 1 {
		return fmt.Errorf("limits.max_todos must be positive")
	}
	if c.Timing.StallWarning >= c.Timing.StallCritical {
		return fmt.Errorf("timing.stall_warning must be below timing.stall_critical")
	}
	return nil
}
