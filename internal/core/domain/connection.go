package domain

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// LifecycleSignal is the message a connection's close handler sends to the
// queue that owns it: whether it should be recycled for reuse or
// discarded. Modeled as a channel of this type, per the single-connection
// lifecycle callback the queue installs at creation.
type LifecycleSignal int

const (
	// Reuse means the connection finished a stream cleanly and may serve
	// another one.
	Reuse LifecycleSignal = iota
	// Discard means the connection is no longer usable (reset, protocol
	// error, idle timeout) and must be torn down.
	Discard
)

// Channel is the opaque network channel a Connection wraps. Its identity
// (not its contents) is what the channel->connection registry indexes on.
type Channel any

// Connection is a live channel bound to exactly one execution context for
// its lifetime. The Pool that created it is its sole owner; the
// channel->connection registry only ever looks it up by channel identity
// for inbound-event dispatch, it never mutates it directly.
type Connection struct {
	// ID names the connection in logs and events; the channel itself often
	// has no printable identity.
	ID      string
	Channel Channel
	Version Version

	valid    atomic.Bool
	useCount atomic.Int64

	// Lifecycle is read by the owning OriginQueue's connection-creation
	// step and written to by the connection's close handler running on
	// the connection's own dispatch worker.
	Lifecycle chan LifecycleSignal

	dispatch *dispatcher
}

// NewConnection creates a Connection bound to a fresh single-goroutine
// dispatch worker. The lifecycle channel is buffered by one so the close
// handler never blocks waiting for the queue to drain it.
func NewConnection(channel Channel, version Version) *Connection {
	c := &Connection{
		ID:        uuid.NewString(),
		Channel:   channel,
		Version:   version,
		Lifecycle: make(chan LifecycleSignal, 1),
		dispatch:  newDispatcher(),
	}
	c.valid.Store(true)
	return c
}

// Valid reports whether the connection is still eligible for use. Once
// invalidated it never becomes valid again.
func (c *Connection) Valid() bool {
	return c.valid.Load()
}

// Invalidate marks the connection unusable. Safe to call more than once.
func (c *Connection) Invalidate() {
	c.valid.Store(false)
}

// UseCount returns the number of streams ever created on this connection.
func (c *Connection) UseCount() int64 {
	return c.useCount.Load()
}

// MarkUsed increments the use-count and reports whether this was the first
// use (i.e. whether on_connection should fire for the owning waiter).
func (c *Connection) MarkUsed() (firstUse bool) {
	return c.useCount.Add(1) == 1
}

// Dispatch hops onto the connection's owning execution context and runs fn
// there. Every callback that touches the connection or calls back into
// user code is required to go through this, so user code always observes
// the connection from a single, stable goroutine.
func (c *Connection) Dispatch(fn func()) {
	c.dispatch.submit(fn)
}

// Close stops the connection's dispatch worker. Call once the connection
// is permanently retired.
func (c *Connection) Close() {
	c.dispatch.stop()
}

// Done reports when the connection has been permanently retired, so a
// goroutine selecting on Lifecycle alongside it can exit without requiring
// Lifecycle itself to be closed (which writers racing with teardown could
// otherwise panic on).
func (c *Connection) Done() <-chan struct{} {
	return c.dispatch.done
}

// dispatcher is a single-goroutine worker that serializes all callbacks
// for one connection, giving it the event-loop-like owning context user
// code observes.
type dispatcher struct {
	jobs chan func()
	once sync.Once
	done chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		jobs: make(chan func(), 64),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	for {
		select {
		case job := <-d.jobs:
			job()
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) submit(fn func()) {
	select {
	case d.jobs <- fn:
	case <-d.done:
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() {
		close(d.done)
	})
}
