// Package transport implements the ports.Transport and ports.ChannelProvider
// collaborators: it dials the raw net.Conn a Connector negotiates over.
// HTTP framing is not its business - this package stops at "here is a live
// socket, optionally TLS-wrapped" and leaves the wire codecs to the
// pool-to-connection collaborators.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/relaydeck/connhive/internal/core/ports"
)

// Config controls TCP-level dial tuning: connection timeout, keep-alive
// probes, and Nagle disabling for latency-sensitive streaming.
type Config struct {
	DialTimeout time.Duration
	KeepAlive   time.Duration
	SetNoDelay  bool
}

// Transport is the ports.Transport implementation: it reports which kind of
// channel a ChannelProvider should use and applies dialer-level tuning.
type Transport struct {
	cfg Config
}

func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

func (t *Transport) ChannelType(isDomainSocket bool) string {
	if isDomainSocket {
		return "unix"
	}
	return "tcp"
}

func (t *Transport) Configure(options map[string]any) error {
	if v, ok := options["dial_timeout"].(time.Duration); ok {
		t.cfg.DialTimeout = v
	}
	if v, ok := options["keep_alive"].(time.Duration); ok {
		t.cfg.KeepAlive = v
	}
	if v, ok := options["set_no_delay"].(bool); ok {
		t.cfg.SetNoDelay = v
	}
	return nil
}

// DirectChannelProvider dials remote addresses directly via net.Dialer. It
// is the default ports.ChannelProvider; ProxiedChannelProvider is used
// instead whenever proxy_options is configured.
type DirectChannelProvider struct {
	transport *Transport
}

func NewDirectChannelProvider(t *Transport) *DirectChannelProvider {
	return &DirectChannelProvider{transport: t}
}

// Connect dials remoteAddr, applies TCP tuning, runs init over the raw
// channel, and reports the outcome on sink. It returns immediately: the
// dial and everything after it run on a separate goroutine.
func (p *DirectChannelProvider) Connect(ctx context.Context, proxyOptions map[string]any, remoteAddr string, init ports.PipelineInitializer, sink ports.ResultSink) {
	go func() {
		dialer := &net.Dialer{
			Timeout:   p.transport.cfg.DialTimeout,
			KeepAlive: p.transport.cfg.KeepAlive,
		}

		conn, err := dialer.DialContext(ctx, p.transport.ChannelType(false), remoteAddr)
		if err != nil {
			sink.OnChannelFailed(err)
			return
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok && p.transport.cfg.SetNoDelay {
			_ = tcpConn.SetNoDelay(true)
		}

		if err := init(conn); err != nil {
			_ = conn.Close()
			sink.OnChannelFailed(err)
			return
		}

		sink.OnChannelReady(conn)
	}()
}
