// Package pool implements the two Pool variants an OriginQueue can hold:
// H1Pool for HTTP/1.x keep-alive/pipelining, H2Pool for a single
// multiplexed HTTP/2 connection. Every method here is only ever called
// from within an OriginQueue's critical section (see adapter/queue), so
// neither pool takes its own lock.
package pool

import (
	"errors"

	"github.com/relaydeck/connhive/internal/core/domain"
	"github.com/relaydeck/connhive/internal/core/ports"
)

// H1Config controls the admission and stream-headroom policy of an H1Pool.
type H1Config struct {
	MaxPoolSize int
	Pipelining  bool
	// PipeliningLimit caps in-flight requests per connection when
	// Pipelining is true; ignored otherwise (headroom is always 1).
	PipeliningLimit int
	Minor           domain.Version // VersionHTTP11 or VersionHTTP10
}

type h1Entry struct {
	conn        *domain.Connection
	outstanding int
}

// H1Pool maintains an ordered free list plus an outstanding set of bound
// connections. Free-list order is FIFO under pipelining (spread load
// across connections) and LIFO under plain keep-alive (keep a hot
// connection warm, let idle ones time out).
type H1Pool struct {
	cfg H1Config

	free        []*h1Entry
	outstanding map[*domain.Connection]*h1Entry
}

func NewH1Pool(cfg H1Config) *H1Pool {
	return &H1Pool{
		cfg:         cfg,
		outstanding: make(map[*domain.Connection]*h1Entry),
	}
}

func (p *H1Pool) Version() domain.Version {
	if p.cfg.Minor == domain.VersionUnknown {
		return domain.VersionHTTP11
	}
	return p.cfg.Minor
}

func (p *H1Pool) MayCreate(connCount int) bool {
	return connCount < p.cfg.MaxPoolSize
}

// Poll removes and returns a connection from the free list, if any.
func (p *H1Pool) Poll() *domain.Connection {
	if len(p.free) == 0 {
		return nil
	}

	var entry *h1Entry
	if p.cfg.Pipelining {
		entry = p.free[0]
		p.free = p.free[1:]
	} else {
		last := len(p.free) - 1
		entry = p.free[last]
		p.free = p.free[:last]
	}
	p.outstanding[entry.conn] = entry
	return entry.conn
}

// Recycle records that a stream on conn has finished, freeing one unit of
// request headroom, and appends the connection to the free list (if it
// isn't already there) so the next Poll can hand it out again.
func (p *H1Pool) Recycle(conn *domain.Connection) {
	entry, ok := p.outstanding[conn]
	if !ok {
		entry = &h1Entry{conn: conn}
		p.outstanding[conn] = entry
	}
	if entry.outstanding > 0 {
		entry.outstanding--
	}
	if !conn.Valid() {
		delete(p.outstanding, conn)
		p.removeFree(conn)
		return
	}
	if !p.inFree(conn) {
		p.free = append(p.free, entry)
	}
}

func (p *H1Pool) inFree(conn *domain.Connection) bool {
	for _, entry := range p.free {
		if entry.conn == conn {
			return true
		}
	}
	return false
}

func (p *H1Pool) removeFree(conn *domain.Connection) {
	for i, entry := range p.free {
		if entry.conn == conn {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

// Discard removes a connection from the pool entirely - outstanding set and
// free list both; the connection is being torn down.
func (p *H1Pool) Discard(conn *domain.Connection) {
	delete(p.outstanding, conn)
	p.removeFree(conn)
	conn.Invalidate()
	conn.Close()
}

// IsIdle reports whether conn is currently sitting in the free list.
func (p *H1Pool) IsIdle(conn *domain.Connection) bool {
	return p.inFree(conn)
}

var errH1NoHeadroom = errors.New("connhive: h1 connection has no request headroom")

// CreateStream succeeds while the connection has headroom: one outstanding
// request without pipelining, up to PipeliningLimit with it.
func (p *H1Pool) CreateStream(conn *domain.Connection) (domain.Stream, error) {
	entry, ok := p.outstanding[conn]
	if !ok {
		entry = &h1Entry{conn: conn}
		p.outstanding[conn] = entry
	}

	limit := 1
	if p.cfg.Pipelining {
		limit = p.cfg.PipeliningLimit
		if limit < 1 {
			limit = 1
		}
	}

	if entry.outstanding >= limit {
		return nil, errH1NoHeadroom
	}

	entry.outstanding++
	return conn, nil
}

// Bind adopts a freshly negotiated channel as a new H1 connection.
func (p *H1Pool) Bind(channel domain.Channel, sink ports.ResultSink) *domain.Connection {
	conn := domain.NewConnection(channel, p.Version())
	p.outstanding[conn] = &h1Entry{conn: conn}
	if sink != nil {
		sink.OnChannelReady(channel)
	}
	return conn
}

func (p *H1Pool) CloseAll() {
	for conn := range p.outstanding {
		conn.Invalidate()
		conn.Close()
	}
	for _, entry := range p.free {
		entry.conn.Invalidate()
		entry.conn.Close()
	}
	p.outstanding = make(map[*domain.Connection]*h1Entry)
	p.free = nil
}
