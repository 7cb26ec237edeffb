// Package registry implements ConnectionManager, the top-level registry of
// OriginQueues partitioned by usage class.
package registry

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/relaydeck/connhive/internal/adapter/channelmap"
	"github.com/relaydeck/connhive/internal/adapter/pool"
	"github.com/relaydeck/connhive/internal/adapter/queue"
	"github.com/relaydeck/connhive/internal/core/domain"
	"github.com/relaydeck/connhive/internal/core/ports"
)

// Config is the subset of the configuration surface needed to build new
// origin queues and pools on demand.
type Config struct {
	KeepAlive              bool
	Pipelining             bool
	PipeliningLimit        int
	MaxPoolSize            int
	MaxWaitQueueSize       int
	IdleTimeout            time.Duration
	HTTP2MaxPoolSize       int
	HTTP2MultiplexingLimit int
	HTTP2ConnectionWindow  int
	UseALPN                bool
}

// originRegistry is a single usage class's OriginKey -> *queue.OriginQueue
// map. Lock-free reads/writes via xsync keep queue lookup off any global
// mutex.
type originRegistry struct {
	queues *xsync.Map[domain.OriginKey, *queue.OriginQueue]
}

func newOriginRegistry() *originRegistry {
	return &originRegistry{queues: xsync.NewMap[domain.OriginKey, *queue.OriginQueue]()}
}

// Remove implements queue.Remover: an OriginQueue calls this on itself once
// it has no connections and no waiters left.
func (r *originRegistry) Remove(key domain.OriginKey) {
	r.queues.Delete(key)
}

// ConnectionManager holds two independent registries - request traffic and
// upgrade traffic - because upgrade-style connections pin HTTP/1.1 and must
// never share a pool with request-level connections that may be HTTP/2.
type ConnectionManager struct {
	cfg Config

	requestRegistry *originRegistry
	upgradeRegistry *originRegistry

	connector ports.Connector
	metrics   ports.Metrics
	channels  ports.ChannelRegistry
	events    *queue.Events
	log       *slog.Logger

	// ownsEvents records whether the manager created its own events bus
	// (and so must shut it down on Close) or was handed a shared one.
	ownsEvents bool

	closed atomic.Bool
}

// New builds a ConnectionManager. channels is the shared channel->connection
// registry; a channelmap.Registry is created when nil is passed,
// so callers that don't care about inbound-event dispatch don't need to
// wire one up themselves. events is the shared lifecycle eventbus every
// OriginQueue this manager creates publishes onto; a fresh bus is created
// when nil is passed.
func New(cfg Config, connector ports.Connector, metrics ports.Metrics, channels ports.ChannelRegistry, events *queue.Events, log *slog.Logger) *ConnectionManager {
	if log == nil {
		log = slog.Default()
	}
	if channels == nil {
		channels = channelmap.New()
	}
	ownsEvents := events == nil
	if ownsEvents {
		events = queue.NewEvents()
	}
	return &ConnectionManager{
		ownsEvents:      ownsEvents,
		cfg:             cfg,
		requestRegistry: newOriginRegistry(),
		upgradeRegistry: newOriginRegistry(),
		connector:       connector,
		metrics:         metrics,
		channels:        channels,
		events:          events,
		log:             log,
	}
}

// Events returns the shared lifecycle eventbus every OriginQueue this
// manager owns publishes onto, so a caller can subscribe for observability
// without reaching into individual queues.
func (m *ConnectionManager) Events() *queue.Events {
	return m.events
}

// AcquireForRequest routes a waiter to the request registry at the
// requested version. Pipelining without keep-alive is rejected
// synchronously: the two are only meaningful together.
func (m *ConnectionManager) AcquireForRequest(version domain.Version, host string, tls bool, port uint16, waiter *domain.Waiter) error {
	if m.cfg.Pipelining && !m.cfg.KeepAlive {
		return domain.ErrIllegalConfiguration
	}
	if m.closed.Load() {
		return domain.ErrManagerClosed
	}

	key := domain.OriginKey{TLS: tls, Port: port, Host: host}
	q := m.getOrCreate(m.requestRegistry, key, version)
	q.Acquire(waiter)
	return nil
}

// AcquireForUpgrade always targets HTTP/1.1, routed through the separate
// upgrade registry.
func (m *ConnectionManager) AcquireForUpgrade(host string, tls bool, port uint16, waiter *domain.Waiter) {
	if m.closed.Load() {
		waiter.Fail(domain.ErrManagerClosed)
		return
	}

	key := domain.OriginKey{TLS: tls, Port: port, Host: host}
	q := m.getOrCreate(m.upgradeRegistry, key, domain.VersionHTTP11)
	q.Acquire(waiter)
}

func (m *ConnectionManager) getOrCreate(reg *originRegistry, key domain.OriginKey, version domain.Version) *queue.OriginQueue {
	if existing, ok := reg.queues.Load(key); ok {
		return existing
	}

	initialPool, fallbackFactory := m.buildPool(version)
	q := queue.New(key, queue.Config{
		MaxWaitQueueSize: m.cfg.MaxWaitQueueSize,
		IdleTimeout:      m.cfg.IdleTimeout,
	}, initialPool, fallbackFactory, m.connector, m.metrics, reg, m.channels, m.events, m.log)

	actual, loaded := reg.queues.LoadOrStore(key, q)
	if loaded {
		return actual
	}
	return q
}

func (m *ConnectionManager) buildPool(version domain.Version) (ports.Pool, func() ports.Pool) {
	h1Factory := func() ports.Pool {
		return pool.NewH1Pool(pool.H1Config{
			MaxPoolSize:     m.cfg.MaxPoolSize,
			Pipelining:      m.cfg.Pipelining,
			PipeliningLimit: m.cfg.PipeliningLimit,
			Minor:           domain.VersionHTTP11,
		})
	}

	if version == domain.VersionHTTP2 {
		h2 := pool.NewH2Pool(pool.H2Config{
			MaxPoolSize:    m.cfg.HTTP2MaxPoolSize,
			MultiplexLimit: m.cfg.HTTP2MultiplexingLimit,
			WindowSize:     m.cfg.HTTP2ConnectionWindow,
		})
		return h2, h1Factory
	}

	return h1Factory(), nil
}

// Close closes every queue in both registries, then the metrics
// collaborator. Outstanding waiters receive a shutdown failure.
func (m *ConnectionManager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	closeAll := func(reg *originRegistry) {
		reg.queues.Range(func(key domain.OriginKey, q *queue.OriginQueue) bool {
			q.Close()
			reg.queues.Delete(key)
			return true
		})
	}
	closeAll(m.requestRegistry)
	closeAll(m.upgradeRegistry)

	if m.metrics != nil {
		m.metrics.Close()
	}
	if m.ownsEvents {
		m.events.Shutdown()
	}
}
