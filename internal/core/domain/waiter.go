package domain

import (
	"context"
	"sync/atomic"
)

// Stream is an opaque logical request/response exchange handed to a waiter
// once a connection has agreed to serve it. Its concrete shape is owned by
// the pool-to-connection collaborator (ports.PoolToConnection); the core
// never inspects it.
type Stream any

// MetricToken is an opaque handle returned by ports.Metrics for an endpoint
// (CreateEndpoint) or for a waiter entering the wait queue
// (EnqueueRequest). The core only ever passes it back.
type MetricToken any

// Waiter is a single caller's request for a connection-plus-stream. It is
// opaque to everything except the OriginQueue that owns it: callers set the
// three result sinks once, hand the Waiter to the manager, and observe
// exactly one of OnStream or OnFailure fire.
type Waiter struct {
	// Context is the caller's execution context, used as the connection's
	// owning context when this waiter triggers a new connection. If nil,
	// the manager supplies a default background context.
	Context context.Context

	// ProtocolPreference is the version the caller would like. It is
	// recorded for the caller's benefit only; neither the queue nor the
	// pools read it.
	ProtocolPreference Version

	// MetricToken is set by the queue when the waiter is enqueued, and
	// released (possibly unset) when it is drained.
	MetricToken MetricToken

	cancelled atomic.Bool

	OnConnection func(conn *Connection)
	OnStream     func(stream Stream)
	OnFailure    func(err error)

	resolved atomic.Bool
}

// NewWaiter builds a Waiter with the given result sinks. ctx may be nil.
func NewWaiter(ctx context.Context, preference Version, onConnection func(*Connection), onStream func(Stream), onFailure func(error)) *Waiter {
	return &Waiter{
		Context:            ctx,
		ProtocolPreference: preference,
		OnConnection:       onConnection,
		OnStream:           onStream,
		OnFailure:          onFailure,
	}
}

// Cancel marks the waiter cancelled. The flag is monotonic: once set it
// never unsets. Cancellation is observed lazily by the queue, never acted
// on eagerly.
func (w *Waiter) Cancel() {
	w.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (w *Waiter) Cancelled() bool {
	return w.cancelled.Load()
}

// Succeed fires OnStream exactly once; subsequent calls (success or
// failure) are no-ops. This makes on_stream/on_failure mutually exclusive
// even if a caller races resolution paths.
func (w *Waiter) Succeed(stream Stream) {
	if w.resolved.CompareAndSwap(false, true) {
		if w.OnStream != nil {
			w.OnStream(stream)
		}
	}
}

// Fail fires OnFailure exactly once.
func (w *Waiter) Fail(err error) {
	if w.resolved.CompareAndSwap(false, true) {
		if w.OnFailure != nil {
			w.OnFailure(err)
		}
	}
}

// NotifyConnection fires OnConnection. Callers must only invoke this the
// first time a stream is created on a connection the waiter owns.
func (w *Waiter) NotifyConnection(conn *Connection) {
	if w.OnConnection != nil {
		w.OnConnection(conn)
	}
}
