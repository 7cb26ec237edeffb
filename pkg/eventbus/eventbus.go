// Package eventbus is a small generic pub/sub bus. Publishing never blocks:
// a subscriber that cannot keep up has events dropped on its own channel
// rather than stalling the publisher or its sibling subscribers.
package eventbus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Options tunes per-subscriber buffering and the shared async queue.
type Options struct {
	// SubscriberBuffer is the capacity of each subscriber's channel.
	SubscriberBuffer int
	// AsyncQueue is the capacity of the queue PublishAsync drains from.
	AsyncQueue int
}

var defaultOptions = Options{
	SubscriberBuffer: 128,
	AsyncQueue:       1024,
}

// Bus fans events of type T out to any number of subscribers. All methods
// are safe for concurrent use.
type Bus[T any] struct {
	subs    *xsync.Map[string, *subscription[T]]
	nextSub atomic.Uint64

	asyncCh   chan T
	drainStop chan struct{}
	drainDone chan struct{}

	dropped  atomic.Uint64
	shutdown atomic.Bool
	stopOnce sync.Once

	bufferSize int
}

type subscription[T any] struct {
	ch      chan T
	live    atomic.Bool
	dropped atomic.Uint64
}

// New builds a Bus with default buffering.
func New[T any]() *Bus[T] {
	return NewWithOptions[T](defaultOptions)
}

// NewWithOptions builds a Bus with explicit buffer sizes. Zero or negative
// sizes fall back to the defaults.
func NewWithOptions[T any](opts Options) *Bus[T] {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultOptions.SubscriberBuffer
	}
	if opts.AsyncQueue <= 0 {
		opts.AsyncQueue = defaultOptions.AsyncQueue
	}

	b := &Bus[T]{
		subs:       xsync.NewMap[string, *subscription[T]](),
		asyncCh:    make(chan T, opts.AsyncQueue),
		drainStop:  make(chan struct{}),
		drainDone:  make(chan struct{}),
		bufferSize: opts.SubscriberBuffer,
	}
	go b.drainAsync()
	return b
}

// Subscribe registers a new subscriber and returns its receive channel plus
// an unsubscribe function. The subscription also ends when ctx is done.
// After Shutdown, the returned channel is already closed.
func (b *Bus[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	if b.shutdown.Load() {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	id := "sub-" + strconv.FormatUint(b.nextSub.Add(1), 10)
	sub := &subscription[T]{ch: make(chan T, b.bufferSize)}
	sub.live.Store(true)
	b.subs.Store(id, sub)

	remove := func() { b.remove(id) }
	if ctx != nil {
		if done := ctx.Done(); done != nil {
			go func() {
				<-done
				remove()
			}()
		}
	}

	return sub.ch, remove
}

// Publish delivers an event to every live subscriber immediately, reporting
// how many actually received it. Subscribers with full buffers are skipped
// and their drop counters incremented.
func (b *Bus[T]) Publish(event T) int {
	if b.shutdown.Load() {
		return 0
	}

	delivered := 0
	b.subs.Range(func(_ string, sub *subscription[T]) bool {
		if !sub.live.Load() {
			return true
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
		return true
	})
	return delivered
}

// PublishAsync queues an event for delivery off the caller's goroutine. If
// the async queue is full the event is dropped; the bus never applies
// backpressure to a publisher.
func (b *Bus[T]) PublishAsync(event T) {
	if b.shutdown.Load() {
		return
	}
	select {
	case b.asyncCh <- event:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bus[T]) drainAsync() {
	defer close(b.drainDone)
	for {
		select {
		case event := <-b.asyncCh:
			b.Publish(event)
		case <-b.drainStop:
			return
		}
	}
}

// Shutdown stops the bus. Pending async events are discarded, subscribers
// are detached, and subsequent Publish/PublishAsync calls are no-ops.
// Subscriber channels are left open for the GC to collect so a publisher
// racing the shutdown can never hit a closed channel.
func (b *Bus[T]) Shutdown() {
	b.stopOnce.Do(func() {
		b.shutdown.Store(true)
		close(b.drainStop)
		<-b.drainDone

		b.subs.Range(func(id string, sub *subscription[T]) bool {
			sub.live.Store(false)
			b.subs.Delete(id)
			return true
		})
	})
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Subscribers  int
	TotalDropped uint64
	IsShutdown   bool
}

func (b *Bus[T]) Stats() Stats {
	s := Stats{
		TotalDropped: b.dropped.Load(),
		IsShutdown:   b.shutdown.Load(),
	}
	b.subs.Range(func(_ string, _ *subscription[T]) bool {
		s.Subscribers++
		return true
	})
	return s
}

func (b *Bus[T]) remove(id string) {
	if sub, ok := b.subs.Load(id); ok {
		sub.live.Store(false)
		b.subs.Delete(id)
	}
}
