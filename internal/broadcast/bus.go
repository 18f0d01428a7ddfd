// Package broadcast implements the single-producer, multi-consumer log
// fan-out bus of spec.md §4.5/§5: each consumer has an independent
// bounded buffer, and a consumer that falls behind is dropped and
// signalled rather than allowed to stall the producer.
//
// Restructured from notifications.NotifListenerBase
// multi-node-ack tracking (each listener there waits for N named
// sources to report in) to a pure fan-out of an ordered line stream -
// this bus has exactly one producer and no notion of "finished"
// sources, just "is this consumer still attached".
package broadcast

import "sync"

// Lagged is delivered to a subscriber's channel in place of the next
// record when its buffer overflowed and it was dropped.
type Lagged struct{}

// Bus fans out values of type T to subscribers with independent bounded
// buffers.
type Bus[T any] struct {
	mu        sync.Mutex
	subs      map[int]chan interface{}
	nextToken int
	bufSize   int
}

func New[T any](bufSize int) *Bus[T] {
	return &Bus[T]{
		subs:    make(map[int]chan interface{}),
		bufSize: bufSize,
	}
}

// Subscribe registers a new consumer and returns its channel (delivering
// either a T or a Lagged) plus a token to later Unsubscribe. Only
// records published after Subscribe returns are delivered.
func (b *Bus[T]) Subscribe() (<-chan interface{}, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan interface{}, b.bufSize)
	tok := b.nextToken
	b.nextToken++
	b.subs[tok] = ch
	return ch, tok
}

// Unsubscribe drops a consumer. Safe to call more than once.
func (b *Bus[T]) Unsubscribe(tok int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[tok]; ok {
		close(ch)
		delete(b.subs, tok)
	}
}

// Publish delivers v to every currently-subscribed consumer, in the
// order Publish is called (spec.md §5: "Log subscribers observe lines
// in the strict order produced by the supervisor's merged stream").
// A consumer whose buffer is full is sent a single Lagged sentinel and
// then dropped entirely, per spec.md §4.5's SubscriberLagged contract.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tok, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// Buffer is full: drop the oldest buffered record to make
			// room, so the Lagged sentinel is guaranteed to land before
			// the channel is closed (Publish is the only sender, so no
			// one can refill the freed slot ahead of us).
			select {
			case <-ch:
			default:
			}
			ch <- Lagged{}
			close(ch)
			delete(b.subs, tok)
		}
	}
}

// Close tears down every subscriber, e.g. on Agent shutdown.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tok, ch := range b.subs {
		close(ch)
		delete(b.subs, tok)
	}
}
