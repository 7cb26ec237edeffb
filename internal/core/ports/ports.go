// Package ports defines the collaborator interfaces the core consumes:
// transport, TLS, channel dialing, metrics, and protocol handoff. The core
// never implements these itself - concrete adapters live under
// internal/adapter and are wired in by internal/app.
package ports

import (
	"context"

	"github.com/relaydeck/connhive/internal/core/domain"
)

// Transport describes the socket-level primitive the core asks a channel
// provider to use. It does not open sockets itself.
type Transport interface {
	// ChannelType reports an opaque descriptor for the kind of channel to
	// use (e.g. TCP vs. a domain socket), so a ChannelProvider can pick an
	// appropriate dialer.
	ChannelType(isDomainSocket bool) string
	// Configure applies transport-level options (buffer sizes, keep-alive
	// probes) ahead of a dial.
	Configure(options map[string]any) error
}

// TLSHelper builds the TLS engine used on the TLS path of a Connector.
type TLSHelper interface {
	CreateEngine(peerHost string, port uint16, sniHost string) (TLSEngine, error)
	Validate() error
}

// TLSEngine drives a single handshake over an already-dialed channel and
// reports the negotiated ALPN protocol, if any, afterward.
type TLSEngine interface {
	Handshake(raw domain.Channel) (domain.Channel, error)
	NegotiatedProtocol() string
}

// PipelineInitializer configures a freshly dialed channel (installing TLS,
// HTTP codec, logging probe, idle-timeout supervisor, etc.) before handing
// it back to the Connector's result sink.
type PipelineInitializer func(channel domain.Channel) error

// ResultSink receives the outcome of an asynchronous channel-establishment
// attempt.
type ResultSink interface {
	OnChannelReady(channel domain.Channel)
	OnChannelFailed(err error)
}

// ChannelProvider dials a remote address and drives a PipelineInitializer
// over the resulting channel. Two implementations are expected: direct and
// proxied.
type ChannelProvider interface {
	Connect(ctx context.Context, proxyOptions map[string]any, remoteAddr string, init PipelineInitializer, sink ResultSink)
}

// Metrics is the endpoint-level stats collaborator. create/close_endpoint
// bracket an origin's lifetime; enqueue/dequeue_request bracket a waiter's
// time in the wait queue.
type Metrics interface {
	CreateEndpoint(host string, port uint16, maxSize int) (domain.MetricToken, error)
	CloseEndpoint(host string, port uint16, token domain.MetricToken)
	EnqueueRequest(endpointToken domain.MetricToken) domain.MetricToken
	DequeueRequest(endpointToken domain.MetricToken, waiterToken domain.MetricToken)
	Close()
}

// PoolToConnection hands a bound channel off to a protocol-specific
// connection implementation (H1 or H2), returning the domain.Connection
// the pool will track.
type PoolToConnection interface {
	CreateConn(ctx context.Context, channel domain.Channel, sink ResultSink) (*domain.Connection, error)
}

// Connector builds a channel for one origin and drives TLS/ALPN or
// cleartext upgrade negotiation, reporting the outcome back to the
// fallback-protocol callbacks an OriginQueue exposes (see QueueCallbacks).
type Connector interface {
	Connect(ctx context.Context, queue QueueCallbacks, peerHost string, tls bool, version domain.Version, host string, port uint16)
}

// QueueCallbacks is the subset of OriginQueue the Connector calls back
// into once negotiation completes. Kept as an interface so the connector
// package never imports the queue package directly.
type QueueCallbacks interface {
	OnHandshakeSuccessTLS(channel domain.Channel, negotiated string)
	OnHandshakeFailure(channel domain.Channel, cause error)
	OnNegotiatedH2(channel domain.Channel)
	OnCleartextUpgradeRefused(channel domain.Channel)
}

// Pool is the common contract both H1Pool and H2Pool satisfy. An
// OriginQueue holds exactly one Pool at a time, swapping it at most once
// on fallback.
type Pool interface {
	Version() domain.Version
	MayCreate(connCount int) bool
	Poll() *domain.Connection
	Recycle(conn *domain.Connection)
	Discard(conn *domain.Connection)
	CreateStream(conn *domain.Connection) (domain.Stream, error)
	Bind(channel domain.Channel, sink ResultSink) *domain.Connection
	CloseAll()
}

// ChannelRegistry is the shared channel->connection map: the only structure
// touched from arbitrary inbound-callback goroutines, so implementations
// must be safe for concurrent read/write. It exists so
// an inbound event arriving on a raw channel (a reset, a GOAWAY, a socket
// error) can be routed to the domain.Connection that owns it without a
// back-pointer stored on the channel itself.
type ChannelRegistry interface {
	Register(channel domain.Channel, conn *domain.Connection)
	Unregister(channel domain.Channel)
	Lookup(channel domain.Channel) (*domain.Connection, bool)
}
