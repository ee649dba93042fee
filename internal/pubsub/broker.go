// Package pubsub carries in-process change notifications. The store
// publishes one event per committed mutation and the kernel loop
// subscribes to wake its drain pass without polling.
package pubsub

import (
	"context"
	"sync"
	"time"
)

// subscriberBuffer absorbs write bursts between two loop wake-ups.
const subscriberBuffer = 64

// Event is one published payload and its publication time.
type Event[T any] struct {
	Payload T
	At      time.Time
}

// Broker fans published values out to all subscribers. Publishing never
// blocks: a subscriber that falls behind loses events, which suits a
// change feed where any event means "re-read the source".
type Broker[T any] struct {
	mu   sync.RWMutex
	subs map[chan Event[T]]struct{}
	done chan struct{}
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subs: make(map[chan Event[T]]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe registers a channel that receives every event published
// after the call. The subscription ends, and the channel closes, when
// ctx is canceled or the broker closes. Subscribing to a closed broker
// returns an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], subscriberBuffer)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		select {
		case <-b.done:
			return // Close already released every channel.
		default:
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers payload to every subscriber with room in its buffer.
func (b *Broker[T]) Publish(payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	e := Event[T]{Payload: payload, At: time.Now()}
	for sub := range b.subs {
		select {
		case sub <- e:
		default:
			// Full buffer; the subscriber rescans on its next read anyway.
		}
	}
}

// Close ends every subscription. Publish and Subscribe become no-ops.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}
