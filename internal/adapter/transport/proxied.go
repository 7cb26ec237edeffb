package transport

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"

	"github.com/relaydeck/connhive/internal/core/ports"
)

// ProxyOptions mirrors the proxy_options configuration entry: a SOCKS5
// intermediary every dial for an origin routes through. Plain HTTP traffic
// through an HTTP proxy never reaches the pool layer - the embedding client
// rewrites those requests itself. This provider speaks SOCKS5 only; HTTP
// CONNECT tunnelling is not supported.
type ProxyOptions struct {
	Address  string
	Username string
	Password string
}

// ProxiedChannelProvider routes dials through a configured proxy, via
// golang.org/x/net/proxy's SOCKS5 dialer.
type ProxiedChannelProvider struct {
	transport *Transport
}

func NewProxiedChannelProvider(t *Transport) *ProxiedChannelProvider {
	return &ProxiedChannelProvider{transport: t}
}

func (p *ProxiedChannelProvider) Connect(ctx context.Context, proxyOptions map[string]any, remoteAddr string, init ports.PipelineInitializer, sink ports.ResultSink) {
	opts, err := parseProxyOptions(proxyOptions)
	if err != nil {
		sink.OnChannelFailed(err)
		return
	}

	go func() {
		var auth *proxy.Auth
		if opts.Username != "" {
			auth = &proxy.Auth{User: opts.Username, Password: opts.Password}
		}

		dialer, err := proxy.SOCKS5(p.transport.ChannelType(false), opts.Address, auth, &net.Dialer{
			Timeout:   p.transport.cfg.DialTimeout,
			KeepAlive: p.transport.cfg.KeepAlive,
		})
		if err != nil {
			sink.OnChannelFailed(err)
			return
		}

		var conn net.Conn
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			conn, err = ctxDialer.DialContext(ctx, p.transport.ChannelType(false), remoteAddr)
		} else {
			conn, err = dialer.Dial(p.transport.ChannelType(false), remoteAddr)
		}
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

func parseProxyOptions(raw map[string]any) (ProxyOptions, error) {
	var opts ProxyOptions
	addr, _ := raw["address"].(string)
	if addr == "" {
		return opts, fmt.Errorf("connhive: proxied channel provider requires proxy_options.address")
	}
	opts.Address = addr
	opts.Username, _ = raw["username"].(string)
	opts.Password, _ = raw["password"].(string)
	return opts, nil
}
