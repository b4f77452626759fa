package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// subscriber pairs a delivery channel with its overflow counter.
type subscriber[T any] struct {
	ch      chan Event[T]
	dropped atomic.Uint64
}

// Broker is a generic pub/sub event broker.
// It allows multiple subscribers to receive events published by publishers.
// Slow subscribers never block a publisher: when a subscriber's channel is
// full the oldest queued event is discarded and the loss is recorded on the
// next event delivered to that subscriber.
type Broker[T any] struct {
	subs       map[*subscriber[T]]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a new broker with the default buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a new broker with a custom buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	if size < 1 {
		size = 1
	}
	return &Broker[T]{
		subs:       make(map[*subscriber[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel.
// The channel is automatically closed when ctx is cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Check if broker is closed
	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := &subscriber[T]{ch: make(chan Event[T], b.bufferSize)}
	b.subs[sub] = struct{}{}

	// Cleanup goroutine
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // Already closed
		default:
		}

		delete(b.subs, sub)
		close(sub.ch)
	}()

	return sub.ch
}

// Publish sends an event to all subscribers.
// Non-blocking: when a subscriber's queue is full the oldest queued event is
// dropped to make room, and the drop count is carried on the delivered event.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for sub := range b.subs {
		event.Dropped = sub.dropped.Swap(0)
		select {
		case sub.ch <- event:
			// Delivered
		default:
			// Queue full: discard the oldest event to preserve recency, then
			// retry once. The discarded event is accounted on the next delivery.
			sub.dropped.Add(event.Dropped + 1)
			select {
			case <-sub.ch:
			default:
			}
			event.Dropped = sub.dropped.Swap(0)
			select {
			case sub.ch <- event:
			default:
				sub.dropped.Add(event.Dropped + 1)
			}
		}
	}
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return // Already closed
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
