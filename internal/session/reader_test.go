package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/claudeman/internal/screen"
)

func TestSnapshotDelta(t *testing.T) {
	tests := []struct {
		name    string
		prev    string
		next    string
		delta   string
		cleared bool
	}{
		{name: "first snapshot", prev: "", next: "hello\n", delta: "hello\n"},
		{name: "unchanged", prev: "hello\n", next: "hello\n", delta: ""},
		{name: "appended", prev: "hello\n", next: "hello\nworld\n", delta: "world\n"},
		{name: "scrolled keeps suffix", prev: "one\ntwo\n", next: "one\nfour\n", delta: "four\n"},
		{name: "cleared screen", prev: "a very long terminal buffer full of text\n", next: "$ ", delta: "$ ", cleared: true},
		{name: "divergent but similar size", prev: "abcdef", next: "xbcdef", delta: "xbcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, cleared := snapshotDelta([]byte(tt.prev), []byte(tt.next))
			assert.Equal(t, tt.delta, string(delta))
			assert.Equal(t, tt.cleared, cleared)
		})
	}
}

func TestReadLoopStreamsOutput(t *testing.T) {
	cfg := testSupervisorConfig(t)
	fake := screen.NewFake()
	s := newTestSupervisor(t, cfg, fake)

	rec, err := s.CreateSession(CreateOptions{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chunks, err := s.dispatcher.Subscribe(ctx, rec.ID)
	require.NoError(t, err)

	fake.Append(rec.WindowName, []byte("building the widget\n"))

	deadline := time.After(5 * time.Second)
	var got string
	for got == "" {
		select {
		case c := <-chunks:
			got = string(c.Data)
		case <-deadline:
			t.Fatal("no chunk arrived from the reader")
		}
	}
	assert.Contains(t, got, "building the widget")
}

func TestClearedScreenResetsTokenCounter(t *testing.T) {
	cfg := testSupervisorConfig(t)
	fake := screen.NewFake()
	s := newTestSupervisor(t, cfg, fake)

	rec, err := s.CreateSession(CreateOptions{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	s.mu.Lock()
	m := s.sessions[rec.ID]
	s.mu.Unlock()

	fake.Append(rec.WindowName, []byte("context: 9000 tokens\n"))
	require.Eventually(t, func() bool {
		return m.counter.Total() >= 9000
	}, 3*time.Second, 50*time.Millisecond)

	// A /clear shrinks the visible buffer to a bare prompt; the accounting
	// starts over so the auto-clear threshold can re-arm.
	fake.SetBuffer(rec.WindowName, []byte("$ "))
	require.Eventually(t, func() bool {
		return m.counter.Total() < 100
	}, 3*time.Second, 50*time.Millisecond)
}

func TestReaderDetectsWindowDeath(t *testing.T) {
	if testing.Short() {
		t.Skip("waits through the missing-snapshot threshold")
	}
	cfg := testSupervisorConfig(t)
	fake := screen.NewFake()
	s := newTestSupervisor(t, cfg, fake)

	rec, err := s.CreateSession(CreateOptions{WorkingDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Subscribe(ctx)

	fake.MarkDead(rec.WindowName)

	waitEvent(t, events, EventExit)
	died := waitEvent(t, events, EventScreenDied)
	assert.Equal(t, rec.ID, died.SessionID)
	assert.Empty(t, s.Sessions())
}
