package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaydeck/connhive/internal/adapter/channelmap"
	"github.com/relaydeck/connhive/internal/adapter/metrics"
	"github.com/relaydeck/connhive/internal/core/domain"
	"github.com/relaydeck/connhive/internal/core/ports"
)

// fakeConnector resolves every Connect call as an immediate, successful
// handshake at the protocol the caller requested.
type fakeConnector struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeConnector) Connect(ctx context.Context, cb ports.QueueCallbacks, peerHost string, tls bool, version domain.Version, host string, port uint16) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	negotiated := "http/1.x"
	if version == domain.VersionHTTP2 {
		negotiated = "h2"
	}
	cb.OnHandshakeSuccessTLS(struct{ n int }{}, negotiated)
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newResultWaiter(version domain.Version) (*domain.Waiter, chan domain.Stream, chan error) {
	streamCh := make(chan domain.Stream, 1)
	failCh := make(chan error, 1)
	w := domain.NewWaiter(context.Background(), version,
		func(*domain.Connection) {},
		func(s domain.Stream) { streamCh <- s },
		func(err error) { failCh <- err },
	)
	return w, streamCh, failCh
}

func requireStream(t *testing.T, streamCh chan domain.Stream, failCh chan error) domain.Stream {
	t.Helper()
	select {
	case s := <-streamCh:
		return s
	case err := <-failCh:
		t.Fatalf("expected a stream, got failure: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream")
	}
	return nil
}

func requireFailure(t *testing.T, streamCh chan domain.Stream, failCh chan error) error {
	t.Helper()
	select {
	case err := <-failCh:
		return err
	case <-streamCh:
		t.Fatal("expected a failure, got a stream")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure")
	}
	return nil
}

func newTestManager(connector ports.Connector) *ConnectionManager {
	cfg := Config{
		KeepAlive:              true,
		MaxPoolSize:            2,
		MaxWaitQueueSize:       -1,
		HTTP2MaxPoolSize:       1,
		HTTP2MultiplexingLimit: 4,
	}
	return New(cfg, connector, metrics.New(), channelmap.New(), nil, nil)
}

func TestConnectionManager_AcquireForRequestRejectsPipeliningWithoutKeepAlive(t *testing.T) {
	m := newTestManager(&fakeConnector{})
	m.cfg.Pipelining = true
	m.cfg.KeepAlive = false

	w, _, _ := newResultWaiter(domain.VersionHTTP11)
	err := m.AcquireForRequest(domain.VersionHTTP11, "example.com", false, 80, w)

	require.ErrorIs(t, err, domain.ErrIllegalConfiguration)
}

func TestConnectionManager_AcquireForRequestDialsAndServesAStream(t *testing.T) {
	connector := &fakeConnector{}
	m := newTestManager(connector)

	w, streamCh, failCh := newResultWaiter(domain.VersionHTTP11)
	err := m.AcquireForRequest(domain.VersionHTTP11, "example.com", false, 80, w)
	require.NoError(t, err)

	s := requireStream(t, streamCh, failCh)
	require.NotNil(t, s)
	require.Equal(t, 1, connector.callCount())
}

// The request and upgrade registries are independent: even for the same
// origin, an upgrade acquisition must not reuse a request-registry queue
// (and vice versa), since upgrade traffic always pins HTTP/1.1.
func TestConnectionManager_RequestAndUpgradeUseSeparateRegistries(t *testing.T) {
	connector := &fakeConnector{}
	m := newTestManager(connector)

	w1, streamCh1, failCh1 := newResultWaiter(domain.VersionHTTP2)
	require.NoError(t, m.AcquireForRequest(domain.VersionHTTP2, "example.com", true, 443, w1))
	requireStream(t, streamCh1, failCh1)

	w2, streamCh2, failCh2 := newResultWaiter(domain.VersionHTTP11)
	m.AcquireForUpgrade("example.com", true, 443, w2)
	requireStream(t, streamCh2, failCh2)

	require.Equal(t, 2, connector.callCount(), "request and upgrade traffic for the same origin must dial separate queues")
}

func TestConnectionManager_GetOrCreateReusesQueueForSameKey(t *testing.T) {
	connector := &fakeConnector{}
	m := newTestManager(connector)

	w1, streamCh1, failCh1 := newResultWaiter(domain.VersionHTTP11)
	require.NoError(t, m.AcquireForRequest(domain.VersionHTTP11, "example.com", false, 80, w1))
	requireStream(t, streamCh1, failCh1)

	w2, streamCh2, failCh2 := newResultWaiter(domain.VersionHTTP11)
	require.NoError(t, m.AcquireForRequest(domain.VersionHTTP11, "example.com", false, 80, w2))
	requireStream(t, streamCh2, failCh2)

	require.Equal(t, 2, connector.callCount(), "two concurrent-enough requests against an empty pool of size 2 each dial their own connection")

	require.Equal(t, 1, m.requestRegistry.queues.Size())
}

func TestConnectionManager_CloseFailsQueuedWaitersAndRejectsFurtherAcquires(t *testing.T) {
	connector := &fakeConnector{}
	m := newTestManager(connector)
	m.cfg.MaxPoolSize = 1

	w1, streamCh1, failCh1 := newResultWaiter(domain.VersionHTTP11)
	require.NoError(t, m.AcquireForRequest(domain.VersionHTTP11, "close.test", false, 80, w1))
	requireStream(t, streamCh1, failCh1)

	w2, streamCh2, failCh2 := newResultWaiter(domain.VersionHTTP11)
	require.NoError(t, m.AcquireForRequest(domain.VersionHTTP11, "close.test", false, 80, w2))

	m.Close()

	err := requireFailure(t, streamCh2, failCh2)
	require.ErrorIs(t, err, domain.ErrManagerClosed)

	require.Equal(t, 0, m.requestRegistry.queues.Size(), "close must drain every queue out of the registry")

	w3, _, _ := newResultWaiter(domain.VersionHTTP11)
	require.ErrorIs(t, m.AcquireForRequest(domain.VersionHTTP11, "close.test", false, 80, w3), domain.ErrManagerClosed)
}

func TestConnectionManager_CloseIsIdempotent(t *testing.T) {
	m := newTestManager(&fakeConnector{})
	m.Close()
	require.NotPanics(t, func() { m.Close() })
}
