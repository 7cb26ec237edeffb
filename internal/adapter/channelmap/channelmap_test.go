package channelmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydeck/connhive/internal/core/domain"
)

func TestRegistry_RegisterLookupUnregister(t *testing.T) {
	r := New()
	channel := "chan-1"
	conn := domain.NewConnection(channel, domain.VersionHTTP11)

	_, ok := r.Lookup(channel)
	require.False(t, ok)

	r.Register(channel, conn)
	got, ok := r.Lookup(channel)
	require.True(t, ok)
	require.Same(t, conn, got)

	r.Unregister(channel)
	_, ok = r.Lookup(channel)
	require.False(t, ok)
}

func TestRegistry_RegisterWithNilChannelIsANoOp(t *testing.T) {
	r := New()
	conn := domain.NewConnection("chan-1", domain.VersionHTTP11)

	require.NotPanics(t, func() { r.Register(nil, conn) })
	require.Equal(t, 0, r.Len())
}

func TestRegistry_UnregisterUnknownChannelIsANoOp(t *testing.T) {
	r := New()
	require.NotPanics(t, func() { r.Unregister("never-registered") })
}

func TestRegistry_LenTracksDistinctChannels(t *testing.T) {
	r := New()
	r.Register("a", domain.NewConnection("a", domain.VersionHTTP11))
	r.Register("b", domain.NewConnection("b", domain.VersionHTTP2))
	require.Equal(t, 2, r.Len())

	r.Unregister("a")
	require.Equal(t, 1, r.Len())
}

func TestRegistry_ConcurrentRegisterLookupIsSafe(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := i
			conn := domain.NewConnection(ch, domain.VersionHTTP11)
			r.Register(ch, conn)
			_, _ = r.Lookup(ch)
			r.Unregister(ch)
		}()
	}

	wg.Wait()
}
