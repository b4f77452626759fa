package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/claudeman/internal/pubsub"
)

// Chunk is one delivery on a session's terminal stream.
type Chunk struct {
	SessionID string
	Data      []byte
	// Dropped reports how many chunks were discarded for this subscriber
	// since its previous delivery; clients re-fetch the ring when non-zero.
	Dropped uint64
	// Terminal marks the final chunk before the session goes away.
	Terminal bool
}

// DefaultQueueSize bounds each subscriber's pending chunk queue.
const DefaultQueueSize = 1024

// Dispatcher fans per-session byte streams out to subscribers. Slow
// subscribers never block the writer: their queues drop oldest-first and the
// loss is reported in-band. The ring attached per session hydrates late
// subscribers via Snapshot.
type Dispatcher struct {
	mu        sync.RWMutex
	queueSize int
	sessions  map[string]*sessionStream
}

type sessionStream struct {
	broker *pubsub.Broker[Chunk]
	ring   *ByteRing
}

// NewDispatcher creates a Dispatcher with the given per-subscriber queue
// size (DefaultQueueSize when <= 0).
func NewDispatcher(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		queueSize: queueSize,
		sessions:  make(map[string]*sessionStream),
	}
}

// Attach registers a session and its history ring. Idempotent: a second
// attach for the same id keeps the existing stream.
func (d *Dispatcher) Attach(sessionID string, ring *ByteRing) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[sessionID]; ok {
		return
	}
	d.sessions[sessionID] = &sessionStream{
		broker: pubsub.NewBrokerWithBuffer[Chunk](d.queueSize),
		ring:   ring,
	}
}

// Detach publishes a terminal marker and closes all subscriptions for the
// session.
func (d *Dispatcher) Detach(sessionID string) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if ok {
		delete(d.sessions, sessionID)
	}
	d.mu.Unlock()

	if ok {
		s.broker.Publish(pubsub.DeletedEvent, Chunk{SessionID: sessionID, Terminal: true})
		s.broker.Close()
	}
}

// Publish delivers a byte chunk to every live subscriber, non-blocking.
func (d *Dispatcher) Publish(sessionID string, data []byte) {
	d.mu.RLock()
	s, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok || len(data) == 0 {
		return
	}

	// Copy: the caller may reuse its buffer.
	chunk := Chunk{SessionID: sessionID, Data: append([]byte(nil), data...)}
	s.broker.Publish(pubsub.UpdatedEvent, chunk)
}

// Subscribe returns a channel of chunks for the session. The pubsub drop
// accounting is surfaced on each Chunk. The channel closes when ctx is
// cancelled or the session detaches.
func (d *Dispatcher) Subscribe(ctx context.Context, sessionID string) (<-chan Chunk, error) {
	d.mu.RLock()
	s, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no stream for session %s", sessionID)
	}

	events := s.broker.Subscribe(ctx)
	out := make(chan Chunk, 1)
	go func() {
		defer close(out)
		for ev := range events {
			chunk := ev.Payload
			chunk.Dropped = ev.Dropped
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Snapshot returns the session's current ring contents for hydration.
func (d *Dispatcher) Snapshot(sessionID string) ([]byte, error) {
	d.mu.RLock()
	s, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no stream for session %s", sessionID)
	}
	if s.ring == nil {
		return nil, nil
	}
	return s.ring.Bytes(), nil
}

// SubscriberCount reports live subscribers for a session (0 if unknown).
func (d *Dispatcher) SubscriberCount(sessionID string) int {
	d.mu.RLock()
	s, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	return s.broker.SubscriberCount()
}
