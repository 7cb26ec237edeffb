package domain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWaiter_SucceedFiresOnStreamOnce(t *testing.T) {
	var streamCalls, failCalls int
	w := NewWaiter(context.Background(), VersionHTTP11, nil,
		func(s Stream) { streamCalls++ },
		func(err error) { failCalls++ },
	)

	w.Succeed("stream-1")
	w.Succeed("stream-2")
	w.Fail(errors.New("boom"))

	require.Equal(t, 1, streamCalls)
	require.Equal(t, 0, failCalls)
}

func TestWaiter_FailFiresOnFailureOnce(t *testing.T) {
	var streamCalls, failCalls int
	w := NewWaiter(context.Background(), VersionHTTP11, nil,
		func(s Stream) { streamCalls++ },
		func(err error) { failCalls++ },
	)

	w.Fail(errors.New("first"))
	w.Fail(errors.New("second"))
	w.Succeed("late stream")

	require.Equal(t, 0, streamCalls)
	require.Equal(t, 1, failCalls)
}

func TestWaiter_SucceedAndFailAreMutuallyExclusiveUnderRace(t *testing.T) {
	var streamCalls, failCalls atomicCounter
	w := NewWaiter(context.Background(), VersionUnknown, nil,
		func(s Stream) { streamCalls.inc() },
		func(err error) { failCalls.inc() },
	)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); w.Succeed("s") }()
		go func() { defer wg.Done(); w.Fail(errors.New("e")) }()
	}
	wg.Wait()

	require.Equal(t, 1, streamCalls.get()+failCalls.get())
}

func TestWaiter_CancelIsMonotonic(t *testing.T) {
	w := NewWaiter(nil, VersionHTTP11, nil, nil, nil)
	require.False(t, w.Cancelled())
	w.Cancel()
	require.True(t, w.Cancelled())
	w.Cancel()
	require.True(t, w.Cancelled())
}

func TestWaiter_NotifyConnectionToleratesNilSink(t *testing.T) {
	w := NewWaiter(nil, VersionHTTP11, nil, nil, nil)
	require.NotPanics(t, func() { w.NotifyConnection(NewConnection("chan", VersionHTTP11)) })
}

type atomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
