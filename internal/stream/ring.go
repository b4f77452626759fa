// Package stream carries a session's terminal byte stream: a bounded history
// ring for hydrating late subscribers, and a dispatcher fanning live chunks
// out to bounded per-subscriber queues.
package stream

import (
	"sync"
	"unicode/utf8"
)

// ByteRing is a thread-safe byte ring holding the most recent output of one
// session. It maintains a bounded footprint by discarding the oldest bytes
// when the cap is reached, stepping forward to a rune boundary so hydration
// never starts mid-codepoint.
type ByteRing struct {
	mu  sync.RWMutex
	buf []byte
	cap int
}

// NewByteRing creates a ring with the given byte capacity.
// Capacity must be at least 1.
func NewByteRing(capacity int) *ByteRing {
	if capacity < 1 {
		capacity = 1
	}
	return &ByteRing{cap: capacity}
}

// Write appends data, dropping the oldest bytes on overflow.
func (r *ByteRing) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(data) >= r.cap {
		// The chunk alone fills the ring; keep its tail.
		r.buf = append(r.buf[:0], data[len(data)-r.cap:]...)
		r.trimToRuneBoundary()
		return
	}

	r.buf = append(r.buf, data...)
	if overflow := len(r.buf) - r.cap; overflow > 0 {
		r.buf = append(r.buf[:0], r.buf[overflow:]...)
		r.trimToRuneBoundary()
	}
}

// trimToRuneBoundary drops leading continuation bytes left by a mid-codepoint
// cut. Caller holds the lock.
func (r *ByteRing) trimToRuneBoundary() {
	i := 0
	for i < len(r.buf) && i < utf8.UTFMax && !utf8.RuneStart(r.buf[i]) {
		i++
	}
	if i > 0 {
		r.buf = append(r.buf[:0], r.buf[i:]...)
	}
}

// Bytes returns a copy of the current contents, oldest first.
func (r *ByteRing) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// Len returns the number of bytes currently stored.
func (r *ByteRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

// Cap returns the maximum number of bytes the ring can hold.
func (r *ByteRing) Cap() int {
	return r.cap
}

// Clear removes all content.
func (r *ByteRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
}
