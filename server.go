package pulse

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Accept error backoff bounds.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server accepts connections on a listener and keeps a registry of the live
// ones. Accepted connections run in the server role.
type Server struct {
	listener net.Listener
	logger   Logger

	connOpts       []Option
	onConnected    func(*Conn)
	onDisconnected func(*Conn)
	maxConns       int64
	sem            *semaphore.Weighted

	opts   options
	cipher Cipher

	mu       sync.Mutex
	shutdown bool
	cancel   context.CancelFunc
	conns    map[*Conn]func() // value retires the connection
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
// Accepted connections use it too unless ConnOptions sets another.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ConnOptions sets the options every accepted connection is built with.
func ConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// OnClientConnectedOption sets the callback run after a connection is
// registered.
func OnClientConnectedOption(cb func(*Conn)) ServerOption {
	return func(s *Server) {
		s.onConnected = cb
	}
}

// OnClientDisconnectedOption sets the callback run once when a connection
// leaves the registry, whether it disconnected or was lost.
func OnClientDisconnectedOption(cb func(*Conn)) ServerOption {
	return func(s *Server) {
		s.onDisconnected = cb
	}
}

// MaxConnectionsOption limits how many connections are served at once.
// The accept loop waits for a slot before accepting more.
func MaxConnectionsOption(n int) ServerOption {
	return func(s *Server) {
		s.maxConns = int64(n)
	}
}

// Listen binds network/address and returns a Server for it.
func Listen(network, address string, opts ...ServerOption) (*Server, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}

	s, err := NewServer(listener, opts...)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	return s, nil
}

// NewServer returns a Server accepting from ln. The listener can be any
// stream transport, such as the KCP and WebSocket listeners of the
// transport package.
func NewServer(ln net.Listener, opts ...ServerOption) (*Server, error) {
	s := &Server{
		listener: ln,
		conns:    make(map[*Conn]func()),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = defaultLogger()
	}
	s.opts = newOptions(append([]Option{LoggerOption(s.logger)}, s.connOpts...)...)

	cipher, err := prepare(s.opts.cfg)
	if err != nil {
		return nil, err
	}
	s.cipher = cipher

	if s.maxConns > 0 {
		s.sem = semaphore.NewWeighted(s.maxConns)
	}

	return s, nil
}

// Serve accepts connections until the context is canceled or Close is
// called. Accept errors are logged and retried with backoff. On return
// every registered connection has been told goodbye and has stopped.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		<-serveCtx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = s.listener.Close()
	}()

	var delay time.Duration
	for {
		if s.sem != nil {
			if err := s.sem.Acquire(serveCtx, 1); err != nil {
				return s.stop(ctx)
			}
		}

		raw, err := s.listener.Accept()
		if err != nil {
			if s.sem != nil {
				s.sem.Release(1)
			}
			if s.isShutdown() || errors.Is(err, net.ErrClosed) {
				return s.stop(ctx)
			}

			delay = nextAcceptDelay(delay)
			s.logger.Error("accept error", "error", err, "retry_in", delay)
			select {
			case <-serveCtx.Done():
				return s.stop(ctx)
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		if tcp, ok := raw.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetLinger(5)
		}
		s.serveConn(raw)
	}
}

func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	if prev *= 2; prev > maxAcceptDelay {
		return maxAcceptDelay
	}
	return prev
}

// serveConn registers a server-role connection for raw and starts it.
func (s *Server) serveConn(raw net.Conn) {
	opts := s.opts
	userHandler := opts.onEvent

	var (
		once sync.Once
		c    *Conn
	)
	retire := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()

			if s.sem != nil {
				s.sem.Release(1)
			}
			if s.onDisconnected != nil {
				s.onDisconnected(c)
			}
		})
	}

	// deferred so a panicking handler still leaves the registry
	opts.onEvent = func(e Event) {
		switch e.(type) {
		case LostEvent:
			defer func() {
				retire()
				_ = c.Disconnect(false)
			}()
		case DisconnectedEvent:
			defer retire()
		}
		userHandler(e)
	}

	c = newConn(raw, RoleServer, opts, s.cipher)

	s.mu.Lock()
	s.conns[c] = retire
	s.mu.Unlock()

	c.start()

	if s.onConnected != nil {
		s.onConnected(c)
	}
}

// stop disconnects every registered connection and waits for them. It
// returns the caller's context error so Close ends Serve with nil.
func (s *Server) stop(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	_ = s.listener.Close()

	s.mu.Lock()
	conns := make(map[*Conn]func(), len(s.conns))
	for c, retire := range s.conns {
		conns[c] = retire
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for c, retire := range conns {
		wg.Add(1)
		go func(c *Conn, retire func()) {
			defer wg.Done()
			_ = c.Disconnect(true)
			retire()
		}(c, retire)
	}
	wg.Wait()

	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return ctx.Err()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Close stops the server by closing the underlying listener.
// Serve then disconnects the registered connections and returns.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	return s.listener.Close()
}

// Conns returns a snapshot of the registered connections.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Len returns the number of registered connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
