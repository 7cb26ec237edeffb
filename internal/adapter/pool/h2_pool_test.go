package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydeck/connhive/internal/core/domain"
)

func TestH2Pool_MayCreateRespectsCapacity(t *testing.T) {
	p := NewH2Pool(H2Config{MaxPoolSize: 1})
	require.True(t, p.MayCreate(0))
	require.False(t, p.MayCreate(1))
}

func TestH2Pool_PollReturnsConnectionUnderMultiplexLimit(t *testing.T) {
	p := NewH2Pool(H2Config{MaxPoolSize: 1, MultiplexLimit: 2})
	conn := p.Bind("a", nil)

	require.Same(t, conn, p.Poll())

	_, err := p.CreateStream(conn)
	require.NoError(t, err)
	require.Same(t, conn, p.Poll(), "one active stream is still under a limit of 2")

	_, err = p.CreateStream(conn)
	require.NoError(t, err)
	require.Nil(t, p.Poll(), "two active streams saturate a limit of 2")
}

func TestH2Pool_CreateStreamFailsWhenBudgetExhausted(t *testing.T) {
	p := NewH2Pool(H2Config{MaxPoolSize: 1, MultiplexLimit: 1})
	conn := p.Bind("a", nil)

	_, err := p.CreateStream(conn)
	require.NoError(t, err)

	_, err = p.CreateStream(conn)
	require.Error(t, err, "a second stream should exceed the multiplex limit of 1")
}

func TestH2Pool_RecycleIsNoOp(t *testing.T) {
	p := NewH2Pool(H2Config{MaxPoolSize: 1, MultiplexLimit: 1})
	conn := p.Bind("a", nil)
	_, err := p.CreateStream(conn)
	require.NoError(t, err)

	p.Recycle(conn)

	require.Nil(t, p.Poll(), "recycle must not free up stream budget - only EndStream does")
}

func TestH2Pool_DiscardClosesImmediatelyWithNoActiveStreams(t *testing.T) {
	p := NewH2Pool(H2Config{MaxPoolSize: 1})
	conn := p.Bind("a", nil)

	p.Discard(conn)

	require.False(t, conn.Valid())
}

func TestH2Pool_DiscardDefersCloseUntilLastStreamEnds(t *testing.T) {
	p := NewH2Pool(H2Config{MaxPoolSize: 1, MultiplexLimit: 2})
	conn := p.Bind("a", nil)
	stream, err := p.CreateStream(conn)
	require.NoError(t, err)

	p.Discard(conn)
	require.True(t, conn.Valid(), "discard with an active stream must not close immediately")

	stream.(h2Stream).End()
	require.False(t, conn.Valid(), "the last stream ending should finalize a discard-pending connection")
}

func TestH2Pool_UnboundedMultiplexLimitUsesPeerSettings(t *testing.T) {
	p := NewH2Pool(H2Config{MaxPoolSize: 1, MultiplexLimit: 0})
	conn := p.Bind("a", nil)

	for i := 0; i < 5; i++ {
		_, err := p.CreateStream(conn)
		require.NoError(t, err, "with no configured limit and no peer settings yet, stream creation is effectively unbounded")
	}

	p.ObservePeerSettings(conn, 1)
	require.Nil(t, p.Poll(), "once a peer limit of 1 is observed, 5 active streams saturate it")
}

func TestH2Pool_VersionIsAlwaysH2(t *testing.T) {
	p := NewH2Pool(H2Config{MaxPoolSize: 1})
	require.Equal(t, domain.VersionHTTP2, p.Version())
}
