// Package connector implements the Connector state machine: dial a channel,
// then drive either a TLS/ALPN handshake or a cleartext H2C upgrade, and
// report the outcome back to the OriginQueue that commissioned it.
package connector

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/relaydeck/connhive/internal/core/domain"
	"github.com/relaydeck/connhive/internal/core/ports"
	"github.com/relaydeck/connhive/pkg/pool"
)

// upgradeReaderPool recycles the bufio.Reader used to parse the h2c upgrade
// response line, which would otherwise allocate a fresh read buffer on
// every cleartext-upgrade attempt.
var upgradeReaderPool = pool.NewLitePool(func() *bufio.Reader {
	return bufio.NewReaderSize(nil, 1024)
})

// state names the steps of a single connection attempt, mirroring
// REQUESTED -> CONNECTING -> (TLS?) -> NEGOTIATING -> BOUND | FAILED.
type state int

const (
	stateDialing state = iota
	stateTLSHandshake
	stateNegotiating
	stateBound
	stateFailed
)

// Config is the slice of the configuration surface the connector cares
// about: whether to use ALPN, whether plaintext H2 requires the upgrade
// dance, and SNI behaviour.
type Config struct {
	UseALPN               bool
	ForceSNI              bool
	HTTP2ClearTextUpgrade bool
	DialTimeout           time.Duration

	// InitialSettings is the base64url-encoded SETTINGS payload advertised
	// in the HTTP2-Settings header of a cleartext upgrade request. Empty
	// means "no settings", which peers treat as all-defaults.
	InitialSettings string

	// ProxyOptions is forwarded verbatim to the ChannelProvider on every
	// Connect call. Only meaningful when channels is a proxied provider;
	// a direct provider ignores it.
	ProxyOptions map[string]any

	// LogActivity logs the start of every connection attempt at Info, for
	// operators who want a connect-by-connect trace rather than only
	// failures. Later state transitions are not logged either way.
	LogActivity bool
}

// Connector is the ports.Connector implementation.
type Connector struct {
	cfg      Config
	channels ports.ChannelProvider
	tls      ports.TLSHelper
	log      *slog.Logger
}

func New(cfg Config, channels ports.ChannelProvider, tlsHelper ports.TLSHelper, log *slog.Logger) *Connector {
	if log == nil {
		log = slog.Default()
	}
	return &Connector{cfg: cfg, channels: channels, tls: tlsHelper, log: log}
}

// Connect dials a channel for one origin and drives negotiation, reporting
// results back onto queue's fallback-protocol callbacks. It never blocks
// the caller: the channel dial and negotiation run asynchronously via the
// ChannelProvider's result sink.
func (c *Connector) Connect(ctx context.Context, queue ports.QueueCallbacks, peerHost string, tls bool, version domain.Version, host string, port uint16) {
	remoteAddr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	attempt := &attempt{
		connector: c,
		queue:     queue,
		peerHost:  peerHost,
		tls:       tls,
		version:   version,
		host:      host,
		port:      port,
		state:     stateDialing,
	}

	if c.cfg.LogActivity {
		c.log.Info("connector dialing", "origin", peerHost, "remote_addr", remoteAddr, "tls", tls, "version", version.String())
	}

	init := attempt.pipelineInitializer()
	c.channels.Connect(ctx, c.cfg.ProxyOptions, remoteAddr, init, attempt)
}

// attempt tracks one connection attempt through its state machine and
// implements ports.ResultSink so the channel provider can report back.
type attempt struct {
	connector *Connector
	queue     ports.QueueCallbacks

	peerHost string
	tls      bool
	version  domain.Version
	host     string
	port     uint16

	state state
}

func (a *attempt) pipelineInitializer() ports.PipelineInitializer {
	return func(channel domain.Channel) error {
		// No pipeline stages are installed here or by the transport
		// adapters; TLS is driven later in runTLSPath. The initializer
		// only records which negotiation path to drive next.
		if a.tls {
			a.state = stateTLSHandshake
		} else {
			a.state = stateNegotiating
		}
		return nil
	}
}

func (a *attempt) OnChannelReady(channel domain.Channel) {
	switch {
	case a.tls:
		a.runTLSPath(channel)
	case a.version == domain.VersionHTTP2 && a.connector.cfg.HTTP2ClearTextUpgrade:
		a.runCleartextUpgradePath(channel)
	case a.version == domain.VersionHTTP2:
		// Plaintext H2 without upgrade: install H2 directly.
		a.state = stateBound
		a.queue.OnNegotiatedH2(channel)
	default:
		// Plaintext H1: install H1 directly via the fallback-success path,
		// treated as if ALPN had chosen http/1.x.
		a.state = stateBound
		a.queue.OnHandshakeSuccessTLS(channel, "http/1.x")
	}
}

func (a *attempt) OnChannelFailed(err error) {
	a.state = stateFailed
	a.connector.log.Debug("connector dial failed", "origin", a.peerHost, "error", err)
	a.queue.OnHandshakeFailure(nil, &domain.TransportError{
		Origin: domain.OriginKey{TLS: a.tls, Port: a.port, Host: a.host},
		Cause:  err,
	})
}

// runTLSPath is invoked once a raw channel is ready and TLS is required. It
// builds the TLS engine, drives the handshake itself, and only then
// inspects ALPN - the handshake is part of the connector's NEGOTIATING
// step, not something the transport adapter does ahead of time.
func (a *attempt) runTLSPath(channel domain.Channel) {
	if err := a.connector.tls.Validate(); err != nil {
		a.failHandshake(channel, err)
		return
	}

	engine, err := a.connector.tls.CreateEngine(a.peerHost, a.port, a.sniHost())
	if err != nil {
		a.failHandshake(channel, err)
		return
	}

	a.state = stateNegotiating
	tlsChannel, err := engine.Handshake(channel)
	if err != nil {
		a.failHandshake(channel, err)
		return
	}

	negotiated := "http/1.x"
	if a.connector.cfg.UseALPN && engine.NegotiatedProtocol() == http2.NextProtoTLS {
		negotiated = "h2"
	}

	a.state = stateBound
	a.queue.OnHandshakeSuccessTLS(tlsChannel, negotiated)
}

func (a *attempt) failHandshake(channel domain.Channel, cause error) {
	a.state = stateFailed
	if conn, ok := channel.(net.Conn); ok {
		_ = conn.Close()
	}
	a.queue.OnHandshakeFailure(channel, &domain.SecurityError{
		Origin: domain.OriginKey{TLS: true, Port: a.port, Host: a.host},
		Cause:  cause,
	})
}

func (a *attempt) sniHost() string {
	if a.connector.cfg.ForceSNI || net.ParseIP(a.peerHost) == nil {
		return a.peerHost
	}
	return ""
}

// runCleartextUpgradePath drives the h2c upgrade dance over a plaintext
// channel: send an embedded GET / with Upgrade: h2c, then read back either
// a 101 Switching Protocols (success) or a full, unrelated response (the
// origin doesn't speak h2c and answered the request at http/1.1 instead -
// not an error, just a signal to fall back). The HTTP/1 wire codec proper
// belongs to the pool-to-connection collaborator; this is only the minimal
// request/response line parsing the upgrade handshake itself requires.
func (a *attempt) runCleartextUpgradePath(channel domain.Channel) {
	a.state = stateNegotiating

	conn, ok := channel.(net.Conn)
	if !ok {
		a.queue.OnHandshakeFailure(channel, &domain.TransportError{
			Origin: domain.OriginKey{Port: a.port, Host: a.host},
			Cause:  fmt.Errorf("connhive: cleartext upgrade requires a net.Conn channel"),
		})
		return
	}

	go a.driveCleartextUpgrade(conn)
}

func (a *attempt) driveCleartextUpgrade(conn net.Conn) {
	req := a.buildUpgradeRequest()

	if _, err := conn.Write(req); err != nil {
		a.state = stateFailed
		a.queue.OnHandshakeFailure(conn, &domain.TransportError{
			Origin: domain.OriginKey{Port: a.port, Host: a.host},
			Cause:  err,
		})
		return
	}

	reader := upgradeReaderPool.Get()
	reader.Reset(conn)
	defer upgradeReaderPool.Put(reader)

	statusLine, err := reader.ReadString('\n')
	if err != nil {
		a.state = stateFailed
		a.queue.OnHandshakeFailure(conn, &domain.TransportError{
			Origin: domain.OriginKey{Port: a.port, Host: a.host},
			Cause:  err,
		})
		return
	}

	if strings.Contains(statusLine, " 101 ") {
		// Drain the rest of the upgrade response headers before handing the
		// connection over to the H2 pipeline.
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		a.state = stateBound
		a.queue.OnNegotiatedH2(conn)
		return
	}

	// Any other status: the origin answered the embedded request at
	// http/1.1 instead of upgrading. Not an error - transparent fallback.
	a.state = stateBound
	a.queue.OnCleartextUpgradeRefused(conn)
}

// buildUpgradeRequest constructs the embedded GET / upgrade request. Host
// includes the port whenever it isn't the default 80.
func (a *attempt) buildUpgradeRequest() []byte {
	host := a.host
	if a.port != 80 {
		host = net.JoinHostPort(a.host, fmt.Sprintf("%d", a.port))
	}
	req := "GET / HTTP/1.1\r\n" +
		"Host: " + host + "\r\n" +
		"Connection: Upgrade, HTTP2-Settings\r\n" +
		"Upgrade: h2c\r\n" +
		"HTTP2-Settings: " + a.connector.cfg.InitialSettings + "\r\n" +
		"\r\n"
	return []byte(req)
}
