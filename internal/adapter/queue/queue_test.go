package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaydeck/connhive/internal/adapter/channelmap"
	"github.com/relaydeck/connhive/internal/adapter/metrics"
	"github.com/relaydeck/connhive/internal/adapter/pool"
	"github.com/relaydeck/connhive/internal/core/domain"
	"github.com/relaydeck/connhive/internal/core/ports"
)

// outcome describes how a fakeConnector should resolve one Connect call.
type outcome int

const (
	outcomeH1Success outcome = iota
	outcomeH2Success
	outcomeCleartextRefused
	outcomeFail
)

// fakeConnector stands in for the real dial/TLS/upgrade machinery: each
// Connect call consults a caller-supplied script (by call index) and
// invokes the matching QueueCallbacks method, mimicking the asynchronous
// completion a real Connector reports.
type fakeConnector struct {
	mu      sync.Mutex
	calls   int
	script  func(call int) outcome
	failErr error
}

func (f *fakeConnector) Connect(ctx context.Context, cb ports.QueueCallbacks, peerHost string, tls bool, version domain.Version, host string, port uint16) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()

	out := f.script(call)
	channel := &fakeChannel{n: call}

	switch out {
	case outcomeH1Success:
		cb.OnHandshakeSuccessTLS(channel, "http/1.x")
	case outcomeH2Success:
		cb.OnHandshakeSuccessTLS(channel, "h2")
	case outcomeCleartextRefused:
		cb.OnCleartextUpgradeRefused(channel)
	case outcomeFail:
		err := f.failErr
		if err == nil {
			err = errors.New("fake dial failure")
		}
		cb.OnHandshakeFailure(channel, err)
	}
}

type fakeChannel struct{ n int }

type fakeRemover struct {
	mu      sync.Mutex
	removed []domain.OriginKey
}

func (r *fakeRemover) Remove(key domain.OriginKey) {
	r.mu.Lock()
	r.removed = append(r.removed, key)
	r.mu.Unlock()
}

func (r *fakeRemover) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.removed)
}

// waiterResult synchronizes a test goroutine with a Waiter's result sinks.
type waiterResult struct {
	connectionCh chan *domain.Connection
	streamCh     chan domain.Stream
	failCh       chan error
}

func newResultWaiter(ctx context.Context, version domain.Version) (*domain.Waiter, *waiterResult) {
	res := &waiterResult{
		connectionCh: make(chan *domain.Connection, 1),
		streamCh:     make(chan domain.Stream, 1),
		failCh:       make(chan error, 1),
	}
	w := domain.NewWaiter(ctx, version,
		func(c *domain.Connection) { res.connectionCh <- c },
		func(s domain.Stream) { res.streamCh <- s },
		func(err error) { res.failCh <- err },
	)
	return w, res
}

func (r *waiterResult) requireStream(t *testing.T) domain.Stream {
	t.Helper()
	select {
	case s := <-r.streamCh:
		return s
	case err := <-r.failCh:
		t.Fatalf("expected a stream, got failure: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream")
	}
	return nil
}

func (r *waiterResult) requireFailure(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.failCh:
		return err
	case <-r.streamCh:
		t.Fatal("expected a failure, got a stream")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure")
	}
	return nil
}

func (r *waiterResult) requireNoResultYet(t *testing.T) {
	t.Helper()
	select {
	case <-r.streamCh:
		t.Fatal("waiter resolved with a stream but should still be queued")
	case <-r.failCh:
		t.Fatal("waiter resolved with a failure but should still be queued")
	case <-time.After(50 * time.Millisecond):
	}
}

// newH1Queue builds an H1-pool queue with its own events bus. The caller is
// responsible for shutting both down; newTestQueue wires that into t.Cleanup
// for tests that don't need to control teardown order themselves.
func newH1Queue(maxPoolSize, maxWaitQueueSize int, script func(call int) outcome, events *Events) (*OriginQueue, *fakeRemover) {
	key := domain.OriginKey{TLS: false, Port: 80, Host: "origin.test"}
	h1 := pool.NewH1Pool(pool.H1Config{MaxPoolSize: maxPoolSize, Minor: domain.VersionHTTP11})
	remover := &fakeRemover{}
	q := New(key, Config{MaxWaitQueueSize: maxWaitQueueSize}, h1, nil,
		&fakeConnector{script: script}, metrics.New(), remover, channelmap.New(), events, nil)
	return q, remover
}

func newTestQueue(t *testing.T, maxPoolSize, maxWaitQueueSize int, script func(call int) outcome) (*OriginQueue, *fakeRemover) {
	t.Helper()
	events := NewEvents()
	q, remover := newH1Queue(maxPoolSize, maxWaitQueueSize, script, events)
	t.Cleanup(func() {
		q.Close()
		events.Shutdown()
	})
	return q, remover
}

// newH2TestQueue builds an H2-pool queue with an H1 fallback factory, with
// teardown registered the same way.
func newH2TestQueue(t *testing.T, key domain.OriginKey, h2cfg pool.H2Config, h1cfg pool.H1Config, script func(call int) outcome) (*OriginQueue, *fakeConnector) {
	t.Helper()
	events := NewEvents()
	connector := &fakeConnector{script: script}
	q := New(key, Config{MaxWaitQueueSize: -1}, pool.NewH2Pool(h2cfg), func() ports.Pool {
		return pool.NewH1Pool(h1cfg)
	}, connector, metrics.New(), &fakeRemover{}, channelmap.New(), events, nil)
	t.Cleanup(func() {
		q.Close()
		events.Shutdown()
	})
	return q, connector
}

// With pool size 2 and a wait queue of 1, three concurrent acquires leave
// the first two holding connections and the third queued; a fourth fails
// with pool-too-busy.
func TestOriginQueue_SaturationAndOverflow(t *testing.T) {
	q, _ := newTestQueue(t, 2, 1, func(call int) outcome { return outcomeH1Success })

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	w2, r2 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	w3, r3 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	w4, r4 := newResultWaiter(context.Background(), domain.VersionHTTP11)

	q.Acquire(w1)
	q.Acquire(w2)
	r1.requireStream(t)
	r2.requireStream(t)

	q.Acquire(w3)
	r3.requireNoResultYet(t)

	q.Acquire(w4)
	err := r4.requireFailure(t)
	require.ErrorIs(t, err, domain.ErrPoolTooBusy)
}

// ALPN negotiates h2; a second concurrent acquire reuses the same
// connection rather than dialing again.
func TestOriginQueue_H2SingleConnectionSharedAcrossWaiters(t *testing.T) {
	key := domain.OriginKey{TLS: true, Port: 443, Host: "h2.test"}
	q, connector := newH2TestQueue(t, key,
		pool.H2Config{MaxPoolSize: 1, MultiplexLimit: 4},
		pool.H1Config{MaxPoolSize: 1},
		func(call int) outcome { return outcomeH2Success })

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP2)
	w2, r2 := newResultWaiter(context.Background(), domain.VersionHTTP2)

	q.Acquire(w1)
	s1 := r1.requireStream(t)
	require.NotNil(t, s1)

	q.Acquire(w2)
	s2 := r2.requireStream(t)
	require.NotNil(t, s2)

	connector.mu.Lock()
	calls := connector.calls
	connector.mu.Unlock()
	require.Equal(t, 1, calls, "a single h2 connection must serve both waiters")
}

// ALPN picks http/1.1 instead of h2; the pool falls back to H1 and both
// waiters get distinct H1 connections.
func TestOriginQueue_FallbackToH1OnALPNMismatch(t *testing.T) {
	key := domain.OriginKey{TLS: true, Port: 443, Host: "fallback.test"}
	q, _ := newH2TestQueue(t, key,
		pool.H2Config{MaxPoolSize: 1},
		pool.H1Config{MaxPoolSize: 2, Minor: domain.VersionHTTP11},
		func(call int) outcome { return outcomeH1Success })

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP2)
	w2, r2 := newResultWaiter(context.Background(), domain.VersionHTTP2)

	q.Acquire(w1)
	q.Acquire(w2)

	s1 := r1.requireStream(t)
	s2 := r2.requireStream(t)

	c1, ok1 := s1.(*domain.Connection)
	c2, ok2 := s2.(*domain.Connection)
	require.True(t, ok1)
	require.True(t, ok2)
	require.NotSame(t, c1, c2, "h1 fallback must give each waiter its own connection, up to max_pool_size")

	require.IsType(t, &pool.H1Pool{}, q.pool, "the active pool must have been swapped to H1")
}

// Fallback is idempotent: repeated fallback signals on the same queue are
// no-ops (only the first negotiation outcome fixes the pool type).
func TestOriginQueue_FallbackIsIdempotent(t *testing.T) {
	key := domain.OriginKey{TLS: true, Port: 443, Host: "idempotent.test"}
	q, _ := newH2TestQueue(t, key,
		pool.H2Config{MaxPoolSize: 2},
		pool.H1Config{MaxPoolSize: 2, Minor: domain.VersionHTTP11},
		func(call int) outcome { return outcomeH1Success })

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP2)
	w2, r2 := newResultWaiter(context.Background(), domain.VersionHTTP2)

	q.Acquire(w1)
	r1.requireStream(t)
	poolAfterFirst := q.pool

	q.Acquire(w2)
	r2.requireStream(t)

	require.Same(t, poolAfterFirst, q.pool, "a second fallback signal must not replace the pool again")
}

// Plaintext h2 with clear-text upgrade enabled, but the origin answers the
// embedded request instead of upgrading - transparent fallback to H1 using
// the same channel, not an error.
func TestOriginQueue_CleartextUpgradeRefusedFallsBackToH1(t *testing.T) {
	key := domain.OriginKey{TLS: false, Port: 80, Host: "h2c.test"}
	q, _ := newH2TestQueue(t, key,
		pool.H2Config{MaxPoolSize: 1},
		pool.H1Config{MaxPoolSize: 1, Minor: domain.VersionHTTP11},
		func(call int) outcome { return outcomeCleartextRefused })

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP2)
	q.Acquire(w1)

	s1 := r1.requireStream(t)
	require.NotNil(t, s1)
	require.IsType(t, &pool.H1Pool{}, q.pool)
}

// Five acquires against pool-size 1; cancel waiters 2 and 4. On each
// connection release, the next served waiter should be 3, then 5.
func TestOriginQueue_CancelPreservesFIFOOrder(t *testing.T) {
	q, _ := newTestQueue(t, 1, -1, func(call int) outcome { return outcomeH1Success })

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	w2, r2 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	w3, r3 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	w4, r4 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	w5, r5 := newResultWaiter(context.Background(), domain.VersionHTTP11)

	q.Acquire(w1)
	s1 := r1.requireStream(t)

	q.Acquire(w2)
	q.Acquire(w3)
	q.Acquire(w4)
	q.Acquire(w5)

	w2.Cancel()
	w4.Cancel()

	conn1 := s1.(*domain.Connection)
	q.Recycle(conn1)

	s3 := r3.requireStream(t)
	conn3 := s3.(*domain.Connection)
	q.Recycle(conn3)

	s5 := r5.requireStream(t)
	require.NotNil(t, s5)

	r2.requireNoResultYet(t)
	r4.requireNoResultYet(t)
}

// An idle connection the peer has silently closed is discarded through its
// lifecycle channel, which releases its slot; the next acquire dials a
// fresh connection and conn_count accounting stays consistent.
func TestOriginQueue_StaleIdleConnectionTriggersReacquisition(t *testing.T) {
	q, _ := newTestQueue(t, 1, -1, func(call int) outcome { return outcomeH1Success })

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w1)
	s1 := r1.requireStream(t)
	conn1 := s1.(*domain.Connection)

	q.Recycle(conn1)
	conn1.Lifecycle <- domain.Discard // peer closed it while idle

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.connCount == 0
	}, time.Second, 5*time.Millisecond, "connection_closed must decrement conn_count once the discard is processed")

	w2, r2 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w2)

	s2 := r2.requireStream(t)
	conn2 := s2.(*domain.Connection)
	require.NotSame(t, conn1, conn2, "a stale idle connection must trigger a fresh connection, not be handed out")

	q.mu.Lock()
	count := q.connCount
	q.mu.Unlock()
	require.Equal(t, 1, count, "conn_count must reflect exactly the one live connection")
}

// A dial/handshake failure decrements conn_count and, with no other live
// waiters or connections, the queue removes itself from its registry.
func TestOriginQueue_HandshakeFailureDissolvesEmptyQueue(t *testing.T) {
	q, remover := newTestQueue(t, 1, -1, func(call int) outcome { return outcomeFail })

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w1)

	err := r1.requireFailure(t)
	require.Error(t, err)

	require.Eventually(t, func() bool { return remover.count() == 1 }, time.Second, 5*time.Millisecond)
}

// Cancelling a waiter before delivery never leaks a connection slot: the
// connection is recycled intact rather than discarded.
func TestOriginQueue_CancelBeforeDeliveryRecyclesConnection(t *testing.T) {
	q, _ := newTestQueue(t, 1, -1, func(call int) outcome { return outcomeH1Success })

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w1)
	s1 := r1.requireStream(t)
	conn1 := s1.(*domain.Connection)
	q.Recycle(conn1)

	w2, r2 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	w2.Cancel()
	q.Acquire(w2)

	w3, r3 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w3)

	s3 := r3.requireStream(t)
	require.Same(t, conn1, s3.(*domain.Connection), "the recycled connection must still be usable after a cancelled waiter passed over it")
	r2.requireNoResultYet(t)
}

// Close() fails every outstanding waiter with a manager-closed error and no
// further waiter callbacks fire afterward.
func TestOriginQueue_CloseFailsQueuedWaiters(t *testing.T) {
	q, _ := newTestQueue(t, 1, -1, func(call int) outcome { return outcomeH1Success })

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w1)
	r1.requireStream(t)

	w2, r2 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w2)
	r2.requireNoResultYet(t)

	q.Close()

	err := r2.requireFailure(t)
	require.ErrorIs(t, err, domain.ErrManagerClosed)

	w3, r3 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w3)
	err3 := r3.requireFailure(t)
	require.ErrorIs(t, err3, domain.ErrManagerClosed)
}

// A connection left in the free list past the configured idle timeout is
// invalidated and its slot released through the normal discard path; the
// next acquire dials fresh.
func TestOriginQueue_IdleTimeoutReleasesConnectionSlot(t *testing.T) {
	events := NewEvents()
	t.Cleanup(events.Shutdown)

	key := domain.OriginKey{TLS: false, Port: 80, Host: "idle.test"}
	h1 := pool.NewH1Pool(pool.H1Config{MaxPoolSize: 1, Minor: domain.VersionHTTP11})
	connector := &fakeConnector{script: func(call int) outcome { return outcomeH1Success }}
	q := New(key, Config{MaxWaitQueueSize: -1, IdleTimeout: 30 * time.Millisecond}, h1, nil,
		connector, metrics.New(), &fakeRemover{}, channelmap.New(), events, nil)
	t.Cleanup(q.Close)

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w1)
	s1 := r1.requireStream(t)
	conn1 := s1.(*domain.Connection)

	q.Recycle(conn1)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.connCount == 0
	}, time.Second, 5*time.Millisecond, "the idle timer must release the slot")
	require.False(t, conn1.Valid())

	w2, r2 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w2)
	s2 := r2.requireStream(t)
	require.NotSame(t, conn1, s2.(*domain.Connection))
}

// A connection polled back out before the idle timer fires is untouched.
func TestOriginQueue_IdleTimerDoesNotFireOnABusyConnection(t *testing.T) {
	events := NewEvents()
	t.Cleanup(events.Shutdown)

	key := domain.OriginKey{TLS: false, Port: 80, Host: "busy.test"}
	h1 := pool.NewH1Pool(pool.H1Config{MaxPoolSize: 1, Minor: domain.VersionHTTP11})
	connector := &fakeConnector{script: func(call int) outcome { return outcomeH1Success }}
	q := New(key, Config{MaxWaitQueueSize: -1, IdleTimeout: 30 * time.Millisecond}, h1, nil,
		connector, metrics.New(), &fakeRemover{}, channelmap.New(), events, nil)
	t.Cleanup(q.Close)

	w1, r1 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w1)
	conn1 := r1.requireStream(t).(*domain.Connection)
	q.Recycle(conn1)

	// Take it back out before the timer fires.
	w2, r2 := newResultWaiter(context.Background(), domain.VersionHTTP11)
	q.Acquire(w2)
	require.Same(t, conn1, r2.requireStream(t).(*domain.Connection))

	time.Sleep(60 * time.Millisecond)
	require.True(t, conn1.Valid(), "an outstanding connection must not be expired by a stale idle timer")
}
