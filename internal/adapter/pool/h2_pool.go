package pool

import (
	"errors"
	"sync/atomic"

	"github.com/relaydeck/connhive/internal/core/domain"
	"github.com/relaydeck/connhive/internal/core/ports"
)

// H2Config controls admission and multiplexing policy for an H2Pool.
type H2Config struct {
	MaxPoolSize int
	// MultiplexLimit caps concurrent streams per connection; <1 means
	// unbounded (use PeerAdvertisedLimit once known).
	MultiplexLimit int
	WindowSize     int
}

type h2Entry struct {
	conn           *domain.Connection
	activeStreams  atomic.Int64
	peerLimit      atomic.Int64 // 0 until SETTINGS observed
	nextStreamID   atomic.Int64
	closeOnDrain   atomic.Bool
}

// H2Pool holds at most MaxPoolSize connections (typically 1) to one
// origin, each capacity-bounded by its own concurrent-stream limit.
type H2Pool struct {
	cfg     H2Config
	entries map[*domain.Connection]*h2Entry
}

func NewH2Pool(cfg H2Config) *H2Pool {
	return &H2Pool{
		cfg:     cfg,
		entries: make(map[*domain.Connection]*h2Entry),
	}
}

func (p *H2Pool) Version() domain.Version {
	return domain.VersionHTTP2
}

func (p *H2Pool) MayCreate(connCount int) bool {
	return connCount < p.cfg.MaxPoolSize
}

func (p *H2Pool) limitFor(e *h2Entry) int64 {
	if p.cfg.MultiplexLimit >= 1 {
		return int64(p.cfg.MultiplexLimit)
	}
	if peer := e.peerLimit.Load(); peer > 0 {
		return peer
	}
	return 1<<62 - 1 // effectively unbounded until a peer limit arrives
}

// Poll returns a connection whose active stream count is below the
// multiplexing limit, preferring the first one found.
func (p *H2Pool) Poll() *domain.Connection {
	for conn, e := range p.entries {
		if e.closeOnDrain.Load() {
			continue
		}
		if e.activeStreams.Load() < p.limitFor(e) {
			return conn
		}
	}
	return nil
}

// Recycle is a no-op: H2 never frees the whole connection on stream end,
// only on explicit Discard.
func (p *H2Pool) Recycle(conn *domain.Connection) {}

// Discard marks a connection for close once its last active stream ends;
// if it already has none, it closes immediately.
func (p *H2Pool) Discard(conn *domain.Connection) {
	e, ok := p.entries[conn]
	if !ok {
		conn.Invalidate()
		return
	}
	e.closeOnDrain.Store(true)
	if e.activeStreams.Load() == 0 {
		p.finalize(conn, e)
	}
}

func (p *H2Pool) finalize(conn *domain.Connection, e *h2Entry) {
	delete(p.entries, conn)
	conn.Invalidate()
	conn.Close()
}

var errH2BudgetExhausted = errors.New("connhive: h2 connection stream budget exhausted")

// CreateStream allocates a new stream id, failing if the remote SETTINGS
// limit is saturated (the race this surfaces is absorbed by the queue
// re-entering acquisition, not propagated to the waiter).
func (p *H2Pool) CreateStream(conn *domain.Connection) (domain.Stream, error) {
	e, ok := p.entries[conn]
	if !ok {
		return nil, errH2BudgetExhausted
	}
	if e.activeStreams.Load() >= p.limitFor(e) {
		return nil, errH2BudgetExhausted
	}
	id := e.nextStreamID.Add(2) - 1 // client-initiated streams are odd-numbered
	e.activeStreams.Add(1)
	return h2Stream{conn: conn, id: id, pool: p}, nil
}

// EndStream is called by the stream's lifecycle once it completes. It is
// not part of the ports.Pool contract - the pool-to-connection adapter
// calls it directly since only it knows when a stream actually finishes.
func (p *H2Pool) EndStream(conn *domain.Connection) {
	e, ok := p.entries[conn]
	if !ok {
		return
	}
	if e.activeStreams.Add(-1) == 0 && e.closeOnDrain.Load() {
		p.finalize(conn, e)
	}
}

// ObservePeerSettings records the peer's advertised max-concurrent-streams,
// used as the multiplexing limit when MultiplexLimit is configured
// unbounded (<1).
func (p *H2Pool) ObservePeerSettings(conn *domain.Connection, maxConcurrentStreams int64) {
	if e, ok := p.entries[conn]; ok {
		e.peerLimit.Store(maxConcurrentStreams)
	}
}

// Bind adopts a freshly negotiated channel as the origin's H2 connection.
func (p *H2Pool) Bind(channel domain.Channel, sink ports.ResultSink) *domain.Connection {
	conn := domain.NewConnection(channel, domain.VersionHTTP2)
	p.entries[conn] = &h2Entry{conn: conn}
	if sink != nil {
		sink.OnChannelReady(channel)
	}
	return conn
}

func (p *H2Pool) CloseAll() {
	for conn := range p.entries {
		conn.Invalidate()
		conn.Close()
	}
	p.entries = make(map[*domain.Connection]*h2Entry)
}

// h2Stream is the Stream value handed back from CreateStream; pool-to-
// connection adapters unwrap it to know which pool to notify on
// completion.
type h2Stream struct {
	conn *domain.Connection
	id   int64
	pool *H2Pool
}

func (s h2Stream) StreamID() int64 { return s.id }
func (s h2Stream) End()            { s.pool.EndStream(s.conn) }
