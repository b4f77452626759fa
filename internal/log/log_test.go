package log

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Init is once-guarded, so the whole package shares one log file.
var (
	logPath  string
	initOnce sync.Once
)

func initLogger(t *testing.T) {
	t.Helper()
	initOnce.Do(func() {
		dir, err := os.MkdirTemp("", "claudeman-log")
		require.NoError(t, err)
		logPath = filepath.Join(dir, "claudeman.log")
		cleanup, err := Init(logPath)
		require.NoError(t, err)
		t.Cleanup(cleanup)
	})
}

func readLog(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	return string(data)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestWritesFormattedEntries(t *testing.T) {
	initLogger(t)

	Info(CatTracker, "loop detected", "session", "abc", "cycle", 3)

	content := readLog(t)
	assert.Contains(t, content, "[INFO] [tracker] loop detected")
	assert.Contains(t, content, "session=abc")
	assert.Contains(t, content, "cycle=3")
}

func TestOddFieldCountGetsPlaceholder(t *testing.T) {
	initLogger(t)

	Warn(CatStore, "orphan field", "dangling")

	assert.Contains(t, readLog(t), "dangling=<missing>")
}

func TestErrorErrAppendsError(t *testing.T) {
	initLogger(t)

	ErrorErr(CatScreen, "create failed", os.ErrPermission, "window", "claudeman-x")

	content := readLog(t)
	assert.Contains(t, content, "[ERROR] [screen] create failed")
	assert.Contains(t, content, "error=permission denied")
	assert.Contains(t, content, "window=claudeman-x")
}

func TestSetEnabledSuppressesOutput(t *testing.T) {
	initLogger(t)

	SetEnabled(false)
	Info(CatSession, "while disabled")
	SetEnabled(true)

	assert.NotContains(t, readLog(t), "while disabled")
}

func TestMinLevelFilters(t *testing.T) {
	initLogger(t)

	SetMinLevel(LevelWarn)
	Debug(CatStats, "too quiet to land")
	Warn(CatStats, "loud enough to land")
	SetMinLevel(LevelDebug)

	content := readLog(t)
	assert.NotContains(t, content, "too quiet to land")
	assert.Contains(t, content, "loud enough to land")
}

func TestSubscribeReceivesEntries(t *testing.T) {
	initLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := Subscribe(ctx)

	Info(CatServer, "published to subscribers")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if strings.Contains(ev.Payload, "published to subscribers") {
				return
			}
		case <-deadline:
			t.Fatal("log entry never reached subscriber")
		}
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	initLogger(t)

	done := make(chan struct{})
	SafeGo("exploding-goroutine", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("goroutine never finished")
	}

	assert.Eventually(t, func() bool {
		return strings.Contains(readLog(t), "Recovered panic in goroutine")
	}, 3*time.Second, 50*time.Millisecond)
}
