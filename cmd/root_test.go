package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfgFile = ""

	initConfig()

	assert.Equal(t, "screen", cfg.ScreenBinary)
	assert.Equal(t, "claudeman-", cfg.WindowPrefix)
	assert.Equal(t, "127.0.0.1:7700", cfg.ListenAddr)
	assert.True(t, cfg.AutoEnableTracker)
	require.NoError(t, cfg.Validate())
}

func TestInitConfigEnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfgFile = ""
	t.Setenv("CLAUDEMAN_SCREEN_BINARY", "byobu")
	t.Setenv("CLAUDEMAN_LISTEN_ADDR", "127.0.0.1:9999")

	initConfig()

	assert.Equal(t, "byobu", cfg.ScreenBinary)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
}

func TestCommandRegistration(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "list", "new", "kill"} {
		assert.True(t, names[want], "expected %s command", want)
	}
}
