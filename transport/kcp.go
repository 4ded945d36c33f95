// Package transport provides stream transports other than TCP for pulse
// servers and connections. Every listener yields net.Conn values and every
// dialer satisfies pulse.Dialer.
package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
)

// configureKCP tunes a session for low latency in stream mode.
//
// SetNoDelay(nodelay, interval, resend, nc):
// nodelay on, 10ms update interval, fast resend after 2 ACK crosses,
// congestion control off.
func configureKCP(s *kcp.UDPSession) {
	s.SetNoDelay(1, 10, 2, 1)
	s.SetStreamMode(true)
	s.SetWindowSize(1024, 1024)
}

// KCPListener accepts reliable KCP sessions over UDP.
type KCPListener struct {
	ln *kcp.Listener
}

// ListenKCP listens for KCP sessions on the UDP address addr.
func ListenKCP(addr string) (*KCPListener, error) {
	if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
		return nil, errors.Wrapf(err, "resolve udp %s", addr)
	}

	// no block cipher, no FEC shards
	ln, err := kcp.ListenWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "kcp listen %s", addr)
	}
	return &KCPListener{ln: ln}, nil
}

// Accept waits for the next session.
func (l *KCPListener) Accept() (net.Conn, error) {
	s, err := l.ln.AcceptKCP()
	if err != nil {
		return nil, err
	}
	configureKCP(s)
	return s, nil
}

// Close stops the listener and its UDP socket, which the accepted
// sessions share.
func (l *KCPListener) Close() error {
	return l.ln.Close()
}

// Addr returns the UDP address the listener is bound to.
func (l *KCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// KCPDialer opens KCP sessions. The network argument of DialContext is
// ignored; sessions always run over UDP.
type KCPDialer struct{}

// DialContext opens a session to address. KCP has no handshake, so the
// context is only checked before dialing.
func (KCPDialer) DialContext(ctx context.Context, _ string, address string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, err := kcp.DialWithOptions(address, nil, 0, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "kcp dial %s", address)
	}
	configureKCP(s)
	return s, nil
}
