package stream

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestByteRingBasics(t *testing.T) {
	r := NewByteRing(10)
	r.Write([]byte("hello"))
	assert.Equal(t, "hello", string(r.Bytes()))

	r.Write([]byte(" world"))
	// 11 bytes written into a 10-byte ring: oldest byte dropped.
	assert.Equal(t, "ello world", string(r.Bytes()))
	assert.Equal(t, 10, r.Len())
}

func TestByteRingOversizeChunk(t *testing.T) {
	r := NewByteRing(4)
	r.Write([]byte("abcdefgh"))
	assert.Equal(t, "efgh", string(r.Bytes()))
}

func TestByteRingRuneBoundary(t *testing.T) {
	r := NewByteRing(4)
	// "héllo": dropping into the middle of é must not leave a continuation
	// byte at the front.
	r.Write([]byte("héllo"))
	got := r.Bytes()
	assert.True(t, len(got) <= 4)
	assert.True(t, strings.HasSuffix("héllo", string(got)))
}

func TestByteRingNeverExceedsCap(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(t, "cap")
		r := NewByteRing(capacity)
		var all []byte
		for i := 0; i < rapid.IntRange(1, 20).Draw(t, "writes"); i++ {
			chunk := rapid.SliceOfN(rapid.Byte(), 0, 100).Draw(t, "chunk")
			all = append(all, chunk...)
			r.Write(chunk)
			if r.Len() > capacity {
				t.Fatalf("ring exceeded cap: %d > %d", r.Len(), capacity)
			}
		}
		// Contents are always a suffix of everything written.
		got := r.Bytes()
		if len(got) > 0 && !strings.HasSuffix(string(all), string(got)) {
			t.Fatalf("ring contents are not a suffix of the input")
		}
	})
}

func TestStripANSI(t *testing.T) {
	in := []byte("\x1b[31mred\x1b[0m plain \x1b]0;title\x07tail")
	assert.Equal(t, "red plain tail", string(StripANSI(in)))
}

func TestDispatcherPublishSubscribe(t *testing.T) {
	d := NewDispatcher(8)
	ring := NewByteRing(64)
	d.Attach("s1", ring)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := d.Subscribe(ctx, "s1")
	require.NoError(t, err)

	d.Publish("s1", []byte("chunk"))

	select {
	case c := <-ch:
		assert.Equal(t, "s1", c.SessionID)
		assert.Equal(t, "chunk", string(c.Data))
		assert.False(t, c.Terminal)
	case <-time.After(time.Second):
		t.Fatal("no chunk delivered")
	}
}

func TestDispatcherSnapshotFromRing(t *testing.T) {
	d := NewDispatcher(8)
	ring := NewByteRing(64)
	ring.Write([]byte("history"))
	d.Attach("s1", ring)

	snap, err := d.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, "history", string(snap))

	_, err = d.Snapshot("nope")
	assert.Error(t, err)
}

func TestDispatcherDetachSendsTerminalMarker(t *testing.T) {
	d := NewDispatcher(8)
	d.Attach("s1", NewByteRing(16))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := d.Subscribe(ctx, "s1")
	require.NoError(t, err)

	d.Detach("s1")

	var sawTerminal bool
	deadline := time.After(time.Second)
	for !sawTerminal {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatal("channel closed before terminal marker")
			}
			if c.Terminal {
				sawTerminal = true
			}
		case <-deadline:
			t.Fatal("no terminal marker delivered")
		}
	}

	// Publishing after detach is a no-op.
	d.Publish("s1", []byte("late"))
	_, err = d.Subscribe(ctx, "s1")
	assert.Error(t, err)
}

func TestDispatcherOrderingPreserved(t *testing.T) {
	d := NewDispatcher(64)
	d.Attach("s1", NewByteRing(1024))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := d.Subscribe(ctx, "s1")
	require.NoError(t, err)

	for i := byte('a'); i <= 'e'; i++ {
		d.Publish("s1", []byte{i})
	}

	var got []byte
	deadline := time.After(time.Second)
	for len(got) < 5 {
		select {
		case c := <-ch:
			got = append(got, c.Data...)
		case <-deadline:
			t.Fatalf("received only %q", got)
		}
	}
	assert.Equal(t, "abcde", string(got))
}
