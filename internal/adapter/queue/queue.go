// Package queue implements OriginQueue, the pool-and-queue state machine
// per origin: idle-connection handoff, connection creation, waiter FIFO
// with bounded capacity, and fallback from H2 to H1 on negotiation.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaydeck/connhive/internal/core/domain"
	"github.com/relaydeck/connhive/internal/core/ports"
)

// Remover is the subset of ConnectionManager's registry an OriginQueue
// calls back into when it becomes empty (conn_count == 0 and no waiters).
type Remover interface {
	Remove(key domain.OriginKey)
}

// Config is the slice of the configuration surface an OriginQueue needs
// directly; pool-specific tuning lives in the Pool implementations
// themselves.
type Config struct {
	MaxWaitQueueSize int // negative => unbounded

	// IdleTimeout, when positive, invalidates a recycled connection that
	// sits unused in the free list for that long, releasing its slot.
	IdleTimeout time.Duration
}

// idleChecker is the optional pool capability the idle-timeout supervisor
// needs: H1 pools report whether a connection is still sitting in their
// free list. H2 pools never free-list whole connections, so they simply
// don't implement it and idle expiry doesn't apply.
type idleChecker interface {
	IsIdle(conn *domain.Connection) bool
}

// OriginQueue is a single origin's pool-and-queue state machine. All
// exported methods treat the queue as a serialized critical section via
// mu; none of them block on I/O.
type OriginQueue struct {
	mu sync.Mutex

	key       domain.OriginKey
	cfg       Config
	pool      ports.Pool
	connector ports.Connector
	metrics   ports.Metrics
	registry  Remover
	channels  ports.ChannelRegistry
	events    *Events
	log       *slog.Logger

	connCount     int
	waiters       []*domain.Waiter
	endpointTok   domain.MetricToken
	fallbackDone  bool
	defaultCtx    context.Context
	boundChannels []domain.Channel

	// fallbackFactory builds a replacement H1 pool. Only set (and only
	// ever consulted) when the initial pool is an H2Pool, since fallback
	// only ever runs H2 -> H1, never the reverse.
	fallbackFactory func() ports.Pool

	closed bool
}

// New builds an OriginQueue bound to the given origin and initial pool.
// fallbackFactory may be nil when initialPool is already H1 (there is
// nothing to fall back to); it must be non-nil whenever initialPool
// negotiates over TLS/ALPN or cleartext upgrade and could reveal an H1-only
// peer.
func New(key domain.OriginKey, cfg Config, initialPool ports.Pool, fallbackFactory func() ports.Pool, connector ports.Connector, metrics ports.Metrics, registry Remover, channels ports.ChannelRegistry, events *Events, log *slog.Logger) *OriginQueue {
	if log == nil {
		log = slog.Default()
	}

	var endpointTok domain.MetricToken
	if metrics != nil {
		endpointTok, _ = metrics.CreateEndpoint(key.Host, key.Port, cfg.MaxWaitQueueSize)
	}

	return &OriginQueue{
		key:             key,
		cfg:             cfg,
		pool:            initialPool,
		fallbackFactory: fallbackFactory,
		connector:       connector,
		metrics:         metrics,
		registry:        registry,
		channels:        channels,
		events:          events,
		log:             log,
		endpointTok:     endpointTok,
		defaultCtx:      context.Background(),
	}
}

// Acquire routes a waiter to an idle connection, a freshly created one, the
// wait queue, or a pool-too-busy failure - in that priority order.
func (q *OriginQueue) Acquire(waiter *domain.Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		waiter.Fail(domain.ErrManagerClosed)
		return
	}

	if conn := q.pool.Poll(); conn != nil {
		conn.Dispatch(func() { q.deliver(conn, waiter) })
		return
	}

	if q.pool.MayCreate(q.connCount) {
		q.createConnection(waiter)
		return
	}

	if q.cfg.MaxWaitQueueSize < 0 || len(q.waiters) < q.cfg.MaxWaitQueueSize {
		if q.metrics != nil {
			waiter.MetricToken = q.metrics.EnqueueRequest(q.endpointTok)
		}
		q.waiters = append(q.waiters, waiter)
		return
	}

	q.publish(Event{Type: EventTypePoolSaturated, Error: domain.ErrPoolTooBusy})
	waiter.Fail(domain.ErrPoolTooBusy)
}

// Recycle returns a connection the pool considers eligible for reuse, then
// drains any pending waiters it can now serve.
func (q *OriginQueue) Recycle(conn *domain.Connection) {
	q.mu.Lock()
	q.pool.Recycle(conn)
	q.drainPendingLocked()
	armIdleTimer := false
	if q.cfg.IdleTimeout > 0 && !q.closed {
		if ic, ok := q.pool.(idleChecker); ok && ic.IsIdle(conn) {
			armIdleTimer = true
		}
	}
	q.mu.Unlock()

	if armIdleTimer {
		time.AfterFunc(q.cfg.IdleTimeout, func() { q.expireIdle(conn) })
	}
}

// expireIdle runs when a recycled connection's idle timer fires. If the
// connection is still sitting in the free list it is invalidated under the
// queue's lock (so it cannot race a concurrent Poll) and then pushed down
// the normal discard path, which releases its conn_count slot.
func (q *OriginQueue) expireIdle(conn *domain.Connection) {
	q.mu.Lock()
	expired := false
	if ic, ok := q.pool.(idleChecker); ok && !q.closed && conn.Valid() && ic.IsIdle(conn) {
		conn.Invalidate()
		expired = true
	}
	q.mu.Unlock()

	if !expired {
		return
	}
	q.log.Debug("idle timeout expired", "origin", q.key.String(), "conn_id", conn.ID)
	select {
	case conn.Lifecycle <- domain.Discard:
	case <-conn.Done():
	}
}

// drainPendingLocked discards cancelled waiters from the head of the queue,
// then serves live ones: from the free list while it lasts, then by dialing
// new connections while the pool has capacity (after a fallback the new
// pool may hold more than the old one did). Stops when the queue empties or
// neither an idle connection nor a creation slot is available.
func (q *OriginQueue) drainPendingLocked() {
	for {
		q.dropCancelledHeadsLocked()
		if len(q.waiters) == 0 {
			return
		}

		if conn := q.pool.Poll(); conn != nil {
			waiter := q.popWaiterLocked()
			conn.Dispatch(func() { q.deliver(conn, waiter) })
			continue
		}

		if q.pool.MayCreate(q.connCount) {
			q.createConnection(q.popWaiterLocked())
			continue
		}

		return
	}
}

// dropCancelledHeadsLocked quietly discards cancelled waiters from the head
// of the queue, releasing their metric tokens.
func (q *OriginQueue) dropCancelledHeadsLocked() {
	for len(q.waiters) > 0 && q.waiters[0].Cancelled() {
		q.releaseWaiterMetricLocked(q.waiters[0])
		q.waiters = q.waiters[1:]
	}
}

// popWaiterLocked removes and returns the head waiter, releasing its metric
// token. Callers must have ensured the queue is non-empty.
func (q *OriginQueue) popWaiterLocked() *domain.Waiter {
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.releaseWaiterMetricLocked(w)
	return w
}

// nextLiveWaiterLocked pops waiters from the head until a non-cancelled
// one is found, or the queue empties.
func (q *OriginQueue) nextLiveWaiterLocked() *domain.Waiter {
	q.dropCancelledHeadsLocked()
	if len(q.waiters) == 0 {
		return nil
	}
	return q.popWaiterLocked()
}

func (q *OriginQueue) releaseWaiterMetricLocked(w *domain.Waiter) {
	if q.metrics != nil && w.MetricToken != nil {
		q.metrics.DequeueRequest(q.endpointTok, w.MetricToken)
		w.MetricToken = nil
	}
}

// ConnectionClosed decrements conn_count and either hands the slot to a
// still-live waiter or, if the queue is now fully empty, removes itself
// from the registry.
func (q *OriginQueue) ConnectionClosed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connectionClosedLocked()
}

func (q *OriginQueue) connectionClosedLocked() {
	q.connCount--
	if q.connCount < 0 {
		q.connCount = 0
	}

	if waiter := q.nextLiveWaiterLocked(); waiter != nil {
		q.createConnection(waiter)
		return
	}

	if q.connCount == 0 && len(q.waiters) == 0 {
		if q.registry != nil {
			q.registry.Remove(q.key)
		}
		if q.metrics != nil {
			q.metrics.CloseEndpoint(q.key.Host, q.key.Port, q.endpointTok)
		}
		q.publish(Event{Type: EventTypeQueueDrained})
	}
}

// deliver implements the delivery algorithm: stale connections restart
// acquisition, cancelled waiters recycle the connection intact, otherwise
// the connection's own context runs deliver_bound.
func (q *OriginQueue) deliver(conn *domain.Connection, waiter *domain.Waiter) {
	if !conn.Valid() {
		q.Acquire(waiter)
		return
	}

	if waiter.Cancelled() {
		q.Recycle(conn)
		return
	}

	q.deliverBound(conn, waiter)

	q.mu.Lock()
	q.drainPendingLocked()
	q.mu.Unlock()
}

// deliverBound attempts to create a stream on conn for waiter. A stream
// failure (e.g. an H2 budget race) re-enters acquisition rather than
// surfacing an error; success fires on_connection (first use only) then
// on_stream.
func (q *OriginQueue) deliverBound(conn *domain.Connection, waiter *domain.Waiter) {
	q.mu.Lock()
	stream, err := q.pool.CreateStream(conn)
	q.mu.Unlock()

	if err != nil {
		q.Acquire(waiter)
		return
	}

	firstUse := conn.MarkUsed()
	if firstUse {
		waiter.NotifyConnection(conn)
	}
	waiter.Succeed(stream)
}

// createConnection increments conn_count, picks an execution context, and
// asks the Connector to produce a channel at the active pool's version.
// Must be called with q.mu held.
func (q *OriginQueue) createConnection(waiter *domain.Waiter) {
	q.connCount++

	ctx := q.defaultCtx
	if waiter.Context != nil {
		ctx = waiter.Context
	}

	cb := &creationCallbacks{queue: q, waiter: waiter}
	go q.connector.Connect(ctx, cb, q.key.Host, q.key.TLS, q.pool.Version(), q.key.Host, q.key.Port)
}

// installLifecycle registers the connection's channel in the shared
// channel->connection registry and wires its lifecycle channel so Reuse
// routes to Recycle and Discard routes to pool.Discard, unregistering the
// channel once it is torn down.
func (q *OriginQueue) installLifecycle(conn *domain.Connection) {
	if q.channels != nil {
		q.channels.Register(conn.Channel, conn)
		q.mu.Lock()
		q.boundChannels = append(q.boundChannels, conn.Channel)
		q.mu.Unlock()
	}
	q.log.Debug("connection bound", "origin", q.key.String(), "conn_id", conn.ID, "version", conn.Version.String())
	go func() {
		for {
			select {
			case signal := <-conn.Lifecycle:
				switch signal {
				case domain.Reuse:
					q.Recycle(conn)
				case domain.Discard:
					q.log.Debug("connection discarded", "origin", q.key.String(), "conn_id", conn.ID)
					q.mu.Lock()
					q.pool.Discard(conn)
					q.mu.Unlock()
					if q.channels != nil {
						q.channels.Unregister(conn.Channel)
					}
					q.ConnectionClosed()
				}
			case <-conn.Done():
				// The connection has already been torn down by some other
				// path (e.g. CloseAll); nothing left to listen for.
				return
			}
		}
	}()
}

// Close closes every connection in the active pool and fails any
// outstanding waiters with a manager-closed error.
func (q *OriginQueue) Close() {
	q.mu.Lock()
	q.closed = true
	waiters := q.waiters
	q.waiters = nil
	q.pool.CloseAll()
	bound := q.boundChannels
	q.boundChannels = nil
	q.mu.Unlock()

	if q.channels != nil {
		for _, ch := range bound {
			q.channels.Unregister(ch)
		}
	}

	for _, w := range waiters {
		w.Fail(domain.ErrManagerClosed)
	}
}

// creationCallbacks adapts a single in-flight connection-creation attempt
// to ports.QueueCallbacks, so the Connector's asynchronous result reaches
// exactly the waiter and context that triggered it without needing a
// shared pending-creation list that concurrent dials could reorder.
type creationCallbacks struct {
	queue  *OriginQueue
	waiter *domain.Waiter
}

func (c *creationCallbacks) OnHandshakeSuccessTLS(channel domain.Channel, negotiated string) {
	q := c.queue
	q.mu.Lock()
	if negotiated != "h2" {
		q.fallbackToH1Locked()
	}
	conn := q.pool.Bind(channel, nil)
	q.mu.Unlock()

	q.installLifecycle(conn)
	q.publish(Event{Type: EventTypeConnectionCreated})
	conn.Dispatch(func() { q.deliver(conn, c.waiter) })
}

func (c *creationCallbacks) OnHandshakeFailure(channel domain.Channel, cause error) {
	q := c.queue
	q.mu.Lock()
	q.connectionClosedLocked()
	q.mu.Unlock()
	q.publish(Event{Type: EventTypeQueueError, Error: cause})
	c.waiter.Fail(cause)
}

func (c *creationCallbacks) OnNegotiatedH2(channel domain.Channel) {
	q := c.queue
	q.mu.Lock()
	conn := q.pool.Bind(channel, nil)
	q.mu.Unlock()

	q.installLifecycle(conn)
	q.publish(Event{Type: EventTypeConnectionCreated})
	conn.Dispatch(func() { q.deliver(conn, c.waiter) })
}

func (c *creationCallbacks) OnCleartextUpgradeRefused(channel domain.Channel) {
	q := c.queue
	q.mu.Lock()
	q.fallbackToH1Locked()
	conn := q.pool.Bind(channel, nil)
	q.mu.Unlock()

	q.installLifecycle(conn)
	q.publish(Event{Type: EventTypeConnectionCreated})
	conn.Dispatch(func() { q.deliver(conn, c.waiter) })
}

// fallbackToH1Locked replaces the active pool with a fresh H1 pool exactly
// once per origin. Repeated fallback signals on the same queue are no-ops,
// making fallback idempotent; a queue that is already H1 has nothing to
// fall back from. Must be called with q.mu held.
func (q *OriginQueue) fallbackToH1Locked() {
	if q.fallbackDone || q.pool.Version() != domain.VersionHTTP2 {
		return
	}
	q.fallbackDone = true
	if q.fallbackFactory != nil {
		q.pool = q.fallbackFactory()
	}
	q.publish(Event{Type: EventTypeFallback})
}
