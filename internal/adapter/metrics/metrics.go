// Package metrics provides an in-memory ports.Metrics implementation,
// tracking per-endpoint wait-queue occupancy with a lock-free map in the
// style of the rest of the adapters.
package metrics

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/relaydeck/connhive/internal/core/domain"
)

// EndpointStats is a snapshot of one origin's wait-queue activity.
type EndpointStats struct {
	Host          string
	Port          uint16
	MaxSize       int
	QueueDepth    int64
	TotalEnqueued int64
	TotalDequeued int64
}

type endpointState struct {
	host       string
	port       uint16
	maxSize    int
	depth      atomic.Int64
	enqueued   atomic.Int64
	dequeued   atomic.Int64
	nextWaiter atomic.Int64
}

// waiterToken is the concrete domain.MetricToken handed out by
// EnqueueRequest. DequeueRequest does not inspect it, so dequeuing the
// same token twice decrements the depth twice.
type waiterToken struct {
	id int64
}

// Metrics is the in-memory collaborator implementation. Safe for
// concurrent use from arbitrary goroutines, matching the "shared and
// thread-safe" requirement on the metrics sink.
type Metrics struct {
	endpoints *xsync.Map[string, *endpointState]
	closed    atomic.Bool
}

func New() *Metrics {
	return &Metrics{endpoints: xsync.NewMap[string, *endpointState]()}
}

func endpointKey(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func (m *Metrics) CreateEndpoint(host string, port uint16, maxSize int) (domain.MetricToken, error) {
	key := endpointKey(host, port)
	state := &endpointState{host: host, port: port, maxSize: maxSize}
	actual, _ := m.endpoints.LoadOrStore(key, state)
	return actual, nil
}

func (m *Metrics) CloseEndpoint(host string, port uint16, token domain.MetricToken) {
	m.endpoints.Delete(endpointKey(host, port))
}

func (m *Metrics) EnqueueRequest(endpointToken domain.MetricToken) domain.MetricToken {
	state, ok := endpointToken.(*endpointState)
	if !ok || state == nil {
		return nil
	}
	state.depth.Add(1)
	state.enqueued.Add(1)
	id := state.nextWaiter.Add(1)
	return waiterToken{id: id}
}

func (m *Metrics) DequeueRequest(endpointToken domain.MetricToken, waiterToken domain.MetricToken) {
	state, ok := endpointToken.(*endpointState)
	if !ok || state == nil {
		return
	}
	state.depth.Add(-1)
	state.dequeued.Add(1)
}

func (m *Metrics) Close() {
	m.closed.Store(true)
	m.endpoints.Range(func(key string, _ *endpointState) bool {
		m.endpoints.Delete(key)
		return true
	})
}

// Snapshot returns a point-in-time view of one origin's queue stats, for
// diagnostics callers (not part of ports.Metrics).
func (m *Metrics) Snapshot(host string, port uint16) (EndpointStats, bool) {
	state, ok := m.endpoints.Load(endpointKey(host, port))
	if !ok {
		return EndpointStats{}, false
	}
	return EndpointStats{
		Host:          state.host,
		Port:          state.port,
		MaxSize:       state.maxSize,
		QueueDepth:    state.depth.Load(),
		TotalEnqueued: state.enqueued.Load(),
		TotalDequeued: state.dequeued.Load(),
	}, true
}
