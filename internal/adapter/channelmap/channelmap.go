// Package channelmap implements the shared channel->connection registry:
// the one structure touched from arbitrary inbound-callback goroutines
// rather than a single owning execution context, so it has to be
// concurrency-safe on its own rather than relying on a per-queue or
// per-connection critical section.
package channelmap

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/relaydeck/connhive/internal/core/domain"
)

// Registry is the ports.ChannelRegistry implementation, backed by the same
// lock-free map type the rest of the adapters use for shared state
// (registry.originRegistry, pkg/eventbus's subscriber set).
type Registry struct {
	conns *xsync.Map[domain.Channel, *domain.Connection]
}

func New() *Registry {
	return &Registry{conns: xsync.NewMap[domain.Channel, *domain.Connection]()}
}

func (r *Registry) Register(channel domain.Channel, conn *domain.Connection) {
	if channel == nil {
		return
	}
	r.conns.Store(channel, conn)
}

func (r *Registry) Unregister(channel domain.Channel) {
	if channel == nil {
		return
	}
	r.conns.Delete(channel)
}

func (r *Registry) Lookup(channel domain.Channel) (*domain.Connection, bool) {
	return r.conns.Load(channel)
}

// Len reports the number of tracked channels, for diagnostics only.
func (r *Registry) Len() int {
	return r.conns.Size()
}
