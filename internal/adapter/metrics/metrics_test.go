package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetrics_CreateEndpointIsIdempotentPerHostPort(t *testing.T) {
	m := New()

	tok1, err := m.CreateEndpoint("example.com", 443, 10)
	require.NoError(t, err)
	tok2, err := m.CreateEndpoint("example.com", 443, 999)
	require.NoError(t, err)

	require.Same(t, tok1, tok2, "a second CreateEndpoint for the same origin must return the existing token, not replace it")

	stats, ok := m.Snapshot("example.com", 443)
	require.True(t, ok)
	require.Equal(t, 10, stats.MaxSize, "the first CreateEndpoint call wins")
}

func TestMetrics_EnqueueDequeueTracksQueueDepth(t *testing.T) {
	m := New()
	tok, err := m.CreateEndpoint("example.com", 80, 5)
	require.NoError(t, err)

	w1 := m.EnqueueRequest(tok)
	w2 := m.EnqueueRequest(tok)
	require.NotNil(t, w1)
	require.NotNil(t, w2)
	require.NotEqual(t, w1, w2, "each enqueued waiter gets a distinct token")

	stats, ok := m.Snapshot("example.com", 80)
	require.True(t, ok)
	require.Equal(t, int64(2), stats.QueueDepth)
	require.Equal(t, int64(2), stats.TotalEnqueued)

	m.DequeueRequest(tok, w1)
	stats, _ = m.Snapshot("example.com", 80)
	require.Equal(t, int64(1), stats.QueueDepth)
	require.Equal(t, int64(1), stats.TotalDequeued)
}

func TestMetrics_CloseEndpointRemovesItFromSnapshot(t *testing.T) {
	m := New()
	tok, err := m.CreateEndpoint("example.com", 80, 5)
	require.NoError(t, err)

	m.CloseEndpoint("example.com", 80, tok)

	_, ok := m.Snapshot("example.com", 80)
	require.False(t, ok)
}

func TestMetrics_EnqueueWithNilOrForeignTokenIsANoOp(t *testing.T) {
	m := New()
	require.Nil(t, m.EnqueueRequest(nil))
	require.Nil(t, m.EnqueueRequest("not-a-token"))

	require.NotPanics(t, func() { m.DequeueRequest(nil, nil) })
}

func TestMetrics_CloseClearsAllEndpoints(t *testing.T) {
	m := New()
	_, _ = m.CreateEndpoint("a.test", 80, 1)
	_, _ = m.CreateEndpoint("b.test", 80, 1)

	m.Close()

	_, okA := m.Snapshot("a.test", 80)
	_, okB := m.Snapshot("b.test", 80)
	require.False(t, okA)
	require.False(t, okB)
}

func TestMetrics_DistinctPortsAreDistinctEndpoints(t *testing.T) {
	m := New()
	tokA, err := m.CreateEndpoint("example.com", 80, 1)
	require.NoError(t, err)
	tokB, err := m.CreateEndpoint("example.com", 443, 1)
	require.NoError(t, err)

	require.NotEqual(t, tokA, tokB)
}
