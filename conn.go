// Package pulse implements a small framed packet protocol over stream
// transports. A Conn turns a byte stream into typed, length-prefixed packets
// and adds heartbeats, goodbyes, compression and encryption on top; a Server
// accepts connections and keeps track of them.
package pulse

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Role is the side of the connection.
type Role int

const (
	// RoleClient is a connection created by NewConn or Dial.
	RoleClient Role = iota
	// RoleServer is a connection accepted by a Server.
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the lifecycle state of a Conn.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Dialer opens client transports. *net.Dialer satisfies it, and so do the
// dialers in the transport package.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type netDialer struct {
	net.Dialer
}

// Stats counts bytes moved over the transport, headers included.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
}

// errGoodbye ends the loops after the peer said goodbye.
var errGoodbye = errors.New("peer said goodbye")

// emptyReadBackoff is how long the read loop yields after a read that
// returned neither data nor an error.
const emptyReadBackoff = 5 * time.Millisecond

// Conn is one end of a pulse connection.
// It runs a read loop, a heartbeat send loop and a missed-heartbeat check
// loop, and reports what happens through events.
type Conn struct {
	rawConn     net.Conn
	role        Role
	logger      Logger
	opts        options
	cipher      Cipher
	policy      compressionPolicy
	reassembler *Reassembler
	events      *eventQueue

	connectMu sync.Mutex
	writeMu   sync.Mutex

	mu                sync.Mutex
	state             State
	alive             bool
	missedHeartbeats  int
	lastRTT           time.Duration
	lastHeartbeatSent time.Time
	reasonSet         bool
	reason            DisconnectReason
	reasonErr         error
	goodbye           *Goodbye
	goodbyeID         byte
	cancel            context.CancelFunc

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	done chan struct{}
}

// NewConn creates a client connection in the Connecting state.
// Call Connect to open the transport.
func NewConn(opt ...Option) (*Conn, error) {
	opts := newOptions(opt...)
	cipher, err := prepare(opts.cfg)
	if err != nil {
		return nil, err
	}
	return newConn(nil, RoleClient, opts, cipher), nil
}

// Dial creates a client connection and connects it.
func Dial(ctx context.Context, network, address string, opt ...Option) (*Conn, error) {
	c, err := NewConn(opt...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx, network, address); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// prepare validates cfg and builds its cipher, if any.
func prepare(cfg Config) (Cipher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Encryption == nil {
		return nil, nil
	}
	return NewCipher(*cfg.Encryption)
}

func newConn(raw net.Conn, role Role, opts options, cipher Cipher) *Conn {
	c := &Conn{
		rawConn:     raw,
		role:        role,
		logger:      opts.logger,
		opts:        opts,
		cipher:      cipher,
		policy:      newCompressionPolicy(opts.cfg, role),
		reassembler: NewReassembler(opts.cfg.MaxPacketSize),
		events:      newEventQueue(opts.onEvent, opts.logger),
		state:       StateConnecting,
		done:        make(chan struct{}),
	}
	if raw != nil {
		c.state = StateConnected
	}
	return c
}

// Connect dials address and starts the connection loops.
// The context bounds the dial only. A failed dial emits a NetworkErrorEvent,
// returns a *TransportError and leaves the Conn in Connecting so Connect can
// be retried.
func (c *Conn) Connect(ctx context.Context, network, address string) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if s := c.State(); s != StateConnecting {
		return errors.Wrapf(ErrInvalidArgument, "connect in state %v", s)
	}

	raw, err := c.opts.dialer.DialContext(ctx, network, address)
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		c.logger.Warn("connect failed", "network", network, "addr", address, "error", err)
		c.events.push(NetworkErrorEvent{eventBase: eventBase{c}, Err: terr})
		return terr
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		_ = raw.Close()
		return ErrConnectionClosed
	}
	c.rawConn = raw
	c.state = StateConnected
	c.mu.Unlock()

	c.start()
	return nil
}

// start runs the loops until one of them fails or the connection is
// cancelled, then tears the connection down.
func (c *Conn) start() {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.state != StateConnected || c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.alive = true
	c.mu.Unlock()

	c.logger.Info("connection established", "addr", c.rawConn.RemoteAddr(), "role", c.role)
	c.logger.Debug("connection options", "addr", c.rawConn.RemoteAddr(),
		"max_packet_size", c.opts.cfg.MaxPacketSize,
		"heartbeat", c.opts.cfg.HeartbeatInterval,
		"max_missed_heartbeats", c.opts.cfg.MaxMissedHeartbeats,
		"compression", c.policy.enabled,
		"encryption", c.cipher != nil)
	c.events.push(ConnectedEvent{eventBase: eventBase{c}})

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.heartbeatLoop(child)
	})

	group.Go(func() error {
		return c.checkHeartbeatLoop(child)
	})

	group.Go(func() error {
		<-child.Done()
		_ = c.rawConn.Close()
		return nil
	})

	go func() {
		err := group.Wait()
		cancel()
		c.teardown(err)
	}()
}

// teardown runs once per started connection after every loop returned.
func (c *Conn) teardown(err error) {
	c.mu.Lock()
	if !c.reasonSet {
		c.reasonSet = true
		if err == nil || errors.Is(err, context.Canceled) {
			c.reason = ReasonLocal
		} else {
			c.reason = ReasonError
			c.reasonErr = err
		}
	}
	reason, reasonErr, goodbye, goodbyeID := c.reason, c.reasonErr, c.goodbye, c.goodbyeID
	c.state = StateDisconnected
	c.alive = false
	c.mu.Unlock()

	if reason == ReasonError {
		c.logger.Info("connection closed with error", "addr", c.rawConn.RemoteAddr(), "error", reasonErr)
		c.events.push(NetworkErrorEvent{eventBase: eventBase{c}, Err: reasonErr})
	} else {
		c.logger.Info("connection closed", "addr", c.rawConn.RemoteAddr(), "reason", reason)
	}

	c.events.push(DisconnectedEvent{
		eventBase: eventBase{c},
		Reason:    reason,
		Err:       reasonErr,
		GoodbyeID: goodbyeID,
		Goodbye:   goodbye,
	})
	c.events.close()
	close(c.done)
}

// setReason records why the connection ends. The first reason wins.
func (c *Conn) setReason(reason DisconnectReason, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reasonSet {
		return
	}
	c.reasonSet = true
	c.reason = reason
	c.reasonErr = err
}

// setGoodbye records a goodbye from the peer unless the connection was
// already ending for another reason.
func (c *Conn) setGoodbye(id byte, goodbye *Goodbye) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reasonSet {
		return
	}
	c.reasonSet = true
	c.reason = ReasonGoodbye
	c.goodbyeID = id
	c.goodbye = goodbye
}

// fail ends the connection after a transport error without waiting for it.
func (c *Conn) fail(err error) {
	c.setReason(ReasonError, err)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// readLoop reads chunks, reassembles them and dispatches the packets.
// Returns when the context is canceled, the peer says goodbye, or the
// stream fails.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, c.opts.cfg.MaxPacketSize)
	for {
		n, err := c.rawConn.Read(buf)
		if n > 0 {
			c.bytesReceived.Add(uint64(n))
			packets, ferr := c.reassembler.Feed(buf[:n])
			for _, p := range packets {
				if derr := c.dispatch(p); derr != nil {
					return derr
				}
			}
			if ferr != nil {
				c.logger.Debug("framing error", "addr", c.rawConn.RemoteAddr(), "error", ferr)
				return ferr
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("read error", "addr", c.rawConn.RemoteAddr(), "error", err)
			return &TransportError{Op: "read", Err: err}
		}

		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(emptyReadBackoff):
			}
		}
	}
}

// dispatch handles control packets itself and hands the rest to the owner.
func (c *Conn) dispatch(p Packet) error {
	payload := p.Payload
	if c.cipher != nil {
		plain, err := c.cipher.Decrypt(payload)
		if err != nil {
			c.logger.Warn("dropping packet", "addr", c.rawConn.RemoteAddr(), "id", p.ID, "error", err)
			return nil
		}
		payload = plain
	}

	if p.Compressed {
		inflated, err := decompress(payload, c.opts.cfg.MaxPacketSize-HeaderSize)
		if err != nil {
			c.logger.Warn("dropping packet", "addr", c.rawConn.RemoteAddr(), "id", p.ID, "error", err)
			return nil
		}
		payload = inflated
	}

	switch p.ID {
	case IDHeartbeat:
		var hb Heartbeat
		if err := hb.UnmarshalBinary(payload); err != nil {
			c.logger.Warn("dropping heartbeat", "addr", c.rawConn.RemoteAddr(), "error", err)
			return nil
		}
		rtt := hb.RTT(time.Now())

		c.mu.Lock()
		c.missedHeartbeats = 0
		c.alive = true
		c.lastRTT = rtt
		c.mu.Unlock()

		c.events.push(HeartbeatEvent{eventBase: eventBase{c}, Heartbeat: hb, RTT: rtt})
		return nil

	case IDServerGoodbye, IDClientGoodbye:
		var goodbye *Goodbye
		var gb Goodbye
		if err := gb.UnmarshalBinary(payload); err == nil {
			goodbye = &gb
		}
		c.logger.Debug("goodbye received", "addr", c.rawConn.RemoteAddr(), "id", p.ID)
		c.setGoodbye(p.ID, goodbye)
		return errGoodbye
	}

	p.Payload = payload
	p.Compressed = false
	c.events.push(ReceivedEvent{eventBase: eventBase{c}, Packet: p})
	return nil
}

// heartbeatLoop sends a heartbeat right away and then once per interval.
func (c *Conn) heartbeatLoop(ctx context.Context) error {
	if err := c.sendHeartbeat(); err != nil {
		return err
	}

	ticker := time.NewTicker(c.opts.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				return err
			}
		}
	}
}

// sendHeartbeat only reports transport failures; anything else is logged.
func (c *Conn) sendHeartbeat() error {
	err := c.writeHeartbeat()
	if err != nil && !errors.Is(err, ErrTransport) {
		c.logger.Warn("heartbeat not sent", "addr", c.rawConn.RemoteAddr(), "error", err)
		return nil
	}
	return err
}

func (c *Conn) writeHeartbeat() error {
	now := time.Now()

	c.mu.Lock()
	var since time.Duration
	if !c.lastHeartbeatSent.IsZero() {
		since = now.Sub(c.lastHeartbeatSent)
	}
	c.lastHeartbeatSent = now
	c.mu.Unlock()

	payload, err := Heartbeat{SinceLast: since, SentAt: now}.MarshalBinary()
	if err != nil {
		return err
	}
	return c.sendPacket(IDHeartbeat, payload)
}

// checkHeartbeatLoop counts intervals without a heartbeat from the peer
// until the connection stops. A LostEvent is reported each time the peer
// goes from alive to lost.
func (c *Conn) checkHeartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			c.missedHeartbeats++
			missed := c.missedHeartbeats
			lost := c.alive && missed > c.opts.cfg.MaxMissedHeartbeats
			if lost {
				c.alive = false
			}
			c.mu.Unlock()

			if lost {
				c.logger.Warn("connection lost", "addr", c.rawConn.RemoteAddr(), "missed_heartbeats", missed)
				c.events.push(LostEvent{eventBase: eventBase{c}, Missed: missed})
			}
		}
	}
}

// Send frames payload under id and writes it.
//
// Returns:
//   - ErrInvalidArgument: empty payload or a reserved id
//   - ErrBufferOverflow: header plus payload exceed the max packet size; nothing is written
//   - ErrNotConnected: the connection is not in the Connected state
//   - ErrLengthOverflow: the encrypted packet no longer fits
//   - *TransportError: the write failed; the connection is torn down
func (c *Conn) Send(id byte, payload []byte) error {
	if len(payload) == 0 {
		return errors.Wrap(ErrInvalidArgument, "empty payload")
	}
	if IsReserved(id) {
		return errors.Wrapf(ErrInvalidArgument, "reserved packet id %#x", id)
	}
	if HeaderSize+len(payload) > c.opts.cfg.MaxPacketSize {
		return errors.Wrapf(ErrBufferOverflow, "payload of %d bytes exceeds max packet size %d", len(payload), c.opts.cfg.MaxPacketSize)
	}
	if s := c.State(); s != StateConnected {
		return errors.Wrapf(ErrNotConnected, "state %v", s)
	}
	return c.sendPacket(id, payload)
}

// sendPacket applies compression and encryption and writes the packet.
func (c *Conn) sendPacket(id byte, payload []byte) error {
	p := NewPacket(id, payload, false)

	if c.policy.shouldCompress(len(payload), c.LastRTT()) {
		z, err := compress(payload)
		if err != nil {
			c.logger.Debug("compression failed, sending raw", "error", err)
		} else if len(z) < len(payload) {
			p.Payload = z
			p.Compressed = true
		}
	}

	if c.cipher != nil {
		p.Cipher = c.cipher
	}

	b, err := p.Marshal(c.opts.cfg.MaxPacketSize)
	if err != nil {
		return err
	}
	return c.write(b)
}

// write sends data to the connection. Without a write timeout it blocks
// until the peer takes the data or the transport is closed.
// A failed write ends the connection.
func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.writeTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}

	n, err := c.rawConn.Write(data)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		c.logger.Debug("write error", "addr", c.rawConn.RemoteAddr(), "error", err)
		terr := &TransportError{Op: "write", Err: err}
		c.fail(terr)
		return terr
	}
	return nil
}

// Disconnect ends the connection and waits for its loops to stop.
// With sendGoodbye the peer is told first, using the goodbye id of this
// side's role. Safe to call multiple times and from event handlers.
func (c *Conn) Disconnect(sendGoodbye bool) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.state = StateDisconnected
		c.mu.Unlock()
		c.events.close()
		close(c.done)
		return nil
	case StateDisconnecting, StateDisconnected:
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.state = StateDisconnecting
	cancel := c.cancel
	c.mu.Unlock()

	c.setReason(ReasonLocal, nil)

	var err error
	if sendGoodbye {
		id, gb := goodbyeFor(c.role, time.Now())
		payload, _ := gb.MarshalBinary()
		err = c.sendPacket(id, payload)
	}

	if cw, ok := c.rawConn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	if cancel != nil {
		cancel()
	} else {
		// accepted but never started
		_ = c.rawConn.Close()
		c.teardown(nil)
	}

	<-c.done
	return err
}

// Close disconnects with a goodbye.
// Safe to call multiple times.
func (c *Conn) Close() error {
	return c.Disconnect(true)
}

// Done is closed once the connection is fully disconnected and its last
// event has been queued.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// State returns the lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role returns which side of the connection this is.
func (c *Conn) Role() Role {
	return c.role
}

// IsAlive reports whether the peer's heartbeats are arriving.
func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// MissedHeartbeats returns the number of check periods since the last heartbeat.
func (c *Conn) MissedHeartbeats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missedHeartbeats
}

// LastRTT returns the round trip derived from the last heartbeat.
func (c *Conn) LastRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRTT
}

// Config returns the configuration the connection runs with.
func (c *Conn) Config() Config {
	return c.opts.cfg
}

// Stats returns the byte counters.
func (c *Conn) Stats() Stats {
	return Stats{
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
	}
}

// Addr returns the remote address of the connection, or nil before Connect.
func (c *Conn) Addr() net.Addr {
	if raw := c.transport(); raw != nil {
		return raw.RemoteAddr()
	}
	return nil
}

// LocalAddr returns the local address of the connection, or nil before Connect.
func (c *Conn) LocalAddr() net.Addr {
	if raw := c.transport(); raw != nil {
		return raw.LocalAddr()
	}
	return nil
}

func (c *Conn) transport() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rawConn
}
