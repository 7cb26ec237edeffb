package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/http2"

	"github.com/relaydeck/connhive/internal/core/domain"
	"github.com/relaydeck/connhive/internal/core/ports"
)

// TLSConfig controls the TLS helper's engine construction: ALPN protocol
// offer list and handshake timeout.
type TLSConfig struct {
	UseALPN            bool
	ForceSNI           bool
	HandshakeTimeout   time.Duration
	InsecureSkipVerify bool
}

// TLSHelper wraps crypto/tls.Config construction; it is the ports.TLSHelper
// implementation the Connector uses on the TLS path.
type TLSHelper struct {
	cfg TLSConfig
}

func NewTLSHelper(cfg TLSConfig) *TLSHelper {
	return &TLSHelper{cfg: cfg}
}

// Validate reports whether the helper's configuration is usable. The
// connector calls it on the TLS path of each attempt, after the channel is
// dialed and before the engine is built; the queue does not call it, and
// plaintext attempts never reach it.
func (h *TLSHelper) Validate() error {
	if h.cfg.HandshakeTimeout <= 0 {
		return fmt.Errorf("connhive: tls handshake timeout must be positive")
	}
	return nil
}

// CreateEngine builds a *tlsEngine bound to a crypto/tls.Config offering h2
// and http/1.1 over ALPN (when enabled). sniHost is empty when force_sni is
// off and peerHost is a bare IP literal.
func (h *TLSHelper) CreateEngine(peerHost string, port uint16, sniHost string) (ports.TLSEngine, error) {
	tlsCfg := &tls.Config{
		ServerName: sniHost,
		MinVersion: tls.VersionTLS12,
	}
	if h.cfg.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}
	if h.cfg.UseALPN {
		tlsCfg.NextProtos = []string{http2.NextProtoTLS, "http/1.1"}
	}
	return &tlsEngine{cfg: tlsCfg, timeout: h.cfg.HandshakeTimeout}, nil
}

// tlsEngine wraps a single handshake attempt over an already-dialed
// net.Conn. The Connector calls Handshake once OnChannelReady fires on the
// TLS path, then reads NegotiatedProtocol to drive ALPN fallback.
type tlsEngine struct {
	cfg     *tls.Config
	timeout time.Duration
	conn    *tls.Conn
}

// Handshake upgrades raw into a TLS connection, returning the wrapped
// net.Conn the rest of the pipeline should use in place of the dialed one.
func (e *tlsEngine) Handshake(raw domain.Channel) (domain.Channel, error) {
	rawConn, ok := raw.(net.Conn)
	if !ok {
		return nil, fmt.Errorf("connhive: tls handshake requires a net.Conn channel")
	}

	tlsConn := tls.Client(rawConn, e.cfg)
	if e.timeout > 0 {
		_ = rawConn.SetDeadline(time.Now().Add(e.timeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	if e.timeout > 0 {
		_ = rawConn.SetDeadline(time.Time{})
	}
	e.conn = tlsConn
	return tlsConn, nil
}

func (e *tlsEngine) NegotiatedProtocol() string {
	if e.conn == nil {
		return ""
	}
	return e.conn.ConnectionState().NegotiatedProtocol
}
