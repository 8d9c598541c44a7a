package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"mini-pool/route"
)

// SocketConfig holds socket options applied at connect time.
type SocketConfig struct {
	SoTimeout  time.Duration // read timeout, 0 for none
	KeepAlive  time.Duration // TCP keep-alive period, negative disables
	TCPNoDelay bool
}

// DefaultSocketConfig returns Nagle disabled and the OS keep-alive default.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{TCPNoDelay: true}
}

// Operator performs the network side of establishing a route: opening the
// socket to a hop and negotiating TLS.
type Operator interface {
	// Connect opens a socket to host and binds it to c. Hosts with a
	// secure scheme are handshaken immediately.
	Connect(ctx context.Context, c Conn, host route.Host, local string, timeout time.Duration, sc SocketConfig) error
	// Upgrade layers TLS for host over the socket already bound to c.
	Upgrade(ctx context.Context, c Conn, host route.Host) error
}

// NetOperator dials TCP and negotiates TLS with crypto/tls.
type NetOperator struct {
	TLSConfig *tls.Config
}

// NewOperator returns an operator using tlsConfig as the template for TLS
// sessions. A nil config means system roots and defaults.
func NewOperator(tlsConfig *tls.Config) *NetOperator {
	return &NetOperator{TLSConfig: tlsConfig}
}

// Connect implements Operator.
func (o *NetOperator) Connect(ctx context.Context, c Conn, host route.Host, local string, timeout time.Duration, sc SocketConfig) error {
	d := net.Dialer{Timeout: timeout, KeepAlive: sc.KeepAlive}
	if local != "" {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(local, "0"))
		if err != nil {
			return fmt.Errorf("resolve local address %s: %w", local, err)
		}
		d.LocalAddr = addr
	}

	raw, err := d.DialContext(ctx, "tcp", host.HostPort())
	if err != nil {
		return err
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(sc.TCPNoDelay)
	}

	if host.IsSecure() {
		tlsConn, err := o.handshake(ctx, raw, host)
		if err != nil {
			raw.Close()
			return err
		}
		raw = tlsConn
	}

	c.Bind(raw)
	if nc, ok := c.(*NetConn); ok {
		nc.SetSocketTimeout(sc.SoTimeout)
	}
	return nil
}

// Upgrade implements Operator.
func (o *NetOperator) Upgrade(ctx context.Context, c Conn, host route.Host) error {
	raw := c.Raw()
	if raw == nil || !c.IsOpen() {
		return ErrNotBound
	}
	tlsConn, err := o.handshake(ctx, raw, host)
	if err != nil {
		return err
	}
	c.Bind(tlsConn)
	return nil
}

func (o *NetOperator) handshake(ctx context.Context, raw net.Conn, host route.Host) (*tls.Conn, error) {
	var cfg *tls.Config
	if o.TLSConfig != nil {
		cfg = o.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host.Name
	}
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
