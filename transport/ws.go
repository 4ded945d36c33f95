package transport

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pkg/errors"
)

const wsSubprotocol = "pulse"

// WSListener accepts WebSocket connections on an HTTP path and exposes
// them as net.Conn carrying binary messages.
type WSListener struct {
	ln     net.Listener
	server *http.Server
	conns  chan net.Conn

	// ctx ends with Close and stops pending handoffs to Accept.
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// ListenWS serves WebSocket upgrades on addr at path.
func ListenWS(addr, path string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen tcp %s", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &WSListener{
		ln:     ln,
		conns:  make(chan net.Conn),
		ctx:    ctx,
		cancel: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(normalizePath(path), l.handle)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		_ = l.server.Serve(ln)
	}()

	return l, nil
}

func (l *WSListener) handle(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return
	}

	conn := newWSConn(websocket.NetConn(context.Background(), c, websocket.MessageBinary))

	select {
	case l.conns <- conn:
	case <-l.ctx.Done():
		_ = conn.Close()
		return
	}

	// the upgraded connection lives as long as the handler
	<-conn.closed
}

// Accept waits for the next upgraded connection.
func (l *WSListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

// Close stops the HTTP server. Connections already accepted stay open
// until their owner closes them.
func (l *WSListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.server.Close()
	})
	return err
}

// Addr returns the TCP address the HTTP server is bound to.
func (l *WSListener) Addr() net.Addr {
	return l.ln.Addr()
}

// wsConn reports its own Close so the upgrade handler can return.
type wsConn struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
}

func newWSConn(c net.Conn) *wsConn {
	return &wsConn{Conn: c, closed: make(chan struct{})}
}

func (c *wsConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}

// WSDialer opens WebSocket connections. Path defaults to "/".
type WSDialer struct {
	Path string
	// HTTPClient is used for the upgrade request when set.
	HTTPClient *http.Client
}

// DialContext connects to ws://address/Path. The network argument is
// ignored. The context bounds the handshake only.
func (d WSDialer) DialContext(ctx context.Context, _ string, address string) (net.Conn, error) {
	url := "ws://" + address + normalizePath(d.Path)

	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
		HTTPClient:   d.HTTPClient,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "websocket dial %s", url)
	}
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
