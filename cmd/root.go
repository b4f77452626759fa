// Package cmd wires the claudeman CLI: the serve daemon plus small
// client commands that talk to a running daemon over its HTTP API.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/claudeman/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "claudeman",
	Short:   "Supervisor for long-running agent sessions in GNU screen windows",
	Long: `claudeman keeps AI-CLI agents and shells alive inside persistent GNU
screen windows: it creates and adopts windows, streams their terminals,
tracks agent loop progress, and respawns idle agents.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.claudeman/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
	rootCmd.PersistentFlags().String("state-dir", "",
		"state directory (default: ~/.claudeman)")
	rootCmd.PersistentFlags().String("api-url", "",
		"daemon API base URL (overrides config)")

	_ = viper.BindPFlag("state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("api_base_url", rootCmd.PersistentFlags().Lookup("api-url"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("screen_binary", defaults.ScreenBinary)
	viper.SetDefault("window_prefix", defaults.WindowPrefix)
	viper.SetDefault("agent_command", defaults.AgentCommand)
	viper.SetDefault("api_base_url", defaults.APIBaseURL)
	viper.SetDefault("listen_addr", defaults.ListenAddr)
	viper.SetDefault("auto_enable_tracker", defaults.AutoEnableTracker)
	viper.SetDefault("limits.history_ring_bytes", defaults.Limits.HistoryRingBytes)
	viper.SetDefault("limits.line_buffer_bytes", defaults.Limits.LineBufferBytes)
	viper.SetDefault("limits.max_todos", defaults.Limits.MaxTodos)
	viper.SetDefault("limits.subscriber_queue", defaults.Limits.SubscriberQueue)
	viper.SetDefault("timing.event_debounce", defaults.Timing.EventDebounce)
	viper.SetDefault("timing.stall_tick", defaults.Timing.StallTick)
	viper.SetDefault("timing.stats_interval", defaults.Timing.StatsInterval)
	viper.SetDefault("timing.idle_timeout", defaults.Timing.IdleTimeout)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".claudeman"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("CLAUDEMAN")
	viper.AutomaticEnv()

	// A missing config file is fine; defaults carry the day.
	_ = viper.ReadInConfig()

	cfg = config.Defaults()
	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
