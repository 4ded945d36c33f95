package pulse

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		t.Cleanup(func() {
			serverConn.Close()
			clientConn.Close()
		})
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// mockConn is an in-memory net.Conn. Reads block until Close unless readFn
// is set; writes are recorded.
type mockConn struct {
	mu             sync.Mutex
	writes         [][]byte
	writeErr       error
	writeDeadlines []time.Time
	readFn         func(b []byte) (int, error)

	closeOnce sync.Once
	closed    chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{closed: make(chan struct{})}
}

func (m *mockConn) Read(b []byte) (int, error) {
	if m.readFn != nil {
		return m.readFn(b)
	}
	<-m.closed
	return 0, net.ErrClosed
}

func (m *mockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.writes = append(m.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (m *mockConn) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) LocalAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} }
func (m *mockConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2} }

func (m *mockConn) SetDeadline(time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeDeadlines = append(m.writeDeadlines, t)
	return nil
}

func (m *mockConn) deadlines() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.writeDeadlines...)
}

// eventRecorder collects the events of one connection.
type eventRecorder struct {
	ch chan Event

	mu     sync.Mutex
	events []Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 1024)}
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *eventRecorder) count(match func(Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if match(e) {
			n++
		}
	}
	return n
}

func isReceived(e Event) bool {
	_, ok := e.(ReceivedEvent)
	return ok
}

// waitEvent returns the next event of type T, skipping others.
func waitEvent[T Event](t *testing.T, r *eventRecorder) T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if v, ok := e.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timeout waiting for %T", zero)
			return zero
		}
	}
}

type pairDialer struct {
	conn net.Conn
}

func (d pairDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return d.conn, nil
}

// startServerConn runs raw as the server side of a connection.
func startServerConn(t *testing.T, raw net.Conn, rec *eventRecorder, opt ...Option) *Conn {
	t.Helper()
	opts := newOptions(append([]Option{LoggerOption(&mockLogger{}), OnEventOption(rec.handle)}, opt...)...)
	cipher, err := prepare(opts.cfg)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	c := newConn(raw, RoleServer, opts, cipher)
	c.start()
	t.Cleanup(func() { _ = c.Disconnect(false) })
	return c
}

// createTestConnPair connects a client Conn to a server Conn over loopback TCP.
func createTestConnPair(t *testing.T, opt ...Option) (server, client *Conn, srec, crec *eventRecorder) {
	t.Helper()
	serverRaw, clientRaw := createTestTCPPair(t)

	srec, crec = newEventRecorder(), newEventRecorder()
	server = startServerConn(t, serverRaw, srec, opt...)

	copts := append([]Option{
		LoggerOption(&mockLogger{}),
		OnEventOption(crec.handle),
		DialerOption(pairDialer{conn: clientRaw}),
	}, opt...)
	client, err := NewConn(copts...)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	if err := client.Connect(context.Background(), "tcp", "pair"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(false) })
	return server, client, srec, crec
}

func TestNewConn(t *testing.T) {
	conn, err := NewConn()
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	defer conn.Close()

	if conn.State() != StateConnecting {
		t.Errorf("State = %v, want connecting", conn.State())
	}
	if conn.Role() != RoleClient {
		t.Errorf("Role = %v, want client", conn.Role())
	}
	if conn.Addr() != nil {
		t.Errorf("Addr = %v before Connect", conn.Addr())
	}
}

func TestNewConn_InvalidOptions(t *testing.T) {
	if _, err := NewConn(PacketMaxSizeOption(2)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}

	_, err := NewConn(EncryptionOption(EncryptionArgs{Mode: EncryptionMode(42), Key: "k"}))
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

type flakyDialer struct {
	mu    sync.Mutex
	fails int
}

func (d *flakyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	if d.fails > 0 {
		d.fails--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()
	var nd net.Dialer
	return nd.DialContext(ctx, network, address)
}

func TestConn_ConnectRetry(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()
	go func() {
		c, err := listener.Accept()
		if err == nil {
			defer c.Close()
			_, _ = io.Copy(io.Discard, c)
		}
	}()

	rec := newEventRecorder()
	conn, err := NewConn(LoggerOption(&mockLogger{}), OnEventOption(rec.handle), DialerOption(&flakyDialer{fails: 1}))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	defer conn.Close()

	err = conn.Connect(context.Background(), "tcp", listener.Addr().String())
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "dial" || !errors.Is(err, ErrTransport) {
		t.Fatalf("expected dial TransportError, got %v", err)
	}
	waitEvent[NetworkErrorEvent](t, rec)
	if conn.State() != StateConnecting {
		t.Fatalf("State = %v after failed dial, want connecting", conn.State())
	}

	if err := conn.Connect(context.Background(), "tcp", listener.Addr().String()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	waitEvent[ConnectedEvent](t, rec)
	if conn.State() != StateConnected {
		t.Errorf("State = %v, want connected", conn.State())
	}

	if err := conn.Connect(context.Background(), "tcp", listener.Addr().String()); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument connecting twice, got %v", err)
	}
}

func TestDial_Refused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	_, err = Dial(context.Background(), "tcp", addr, LoggerOption(&mockLogger{}))
	if !errors.Is(err, ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestConn_SendNotConnected(t *testing.T) {
	conn, _ := NewConn(LoggerOption(&mockLogger{}))
	defer conn.Close()

	if err := conn.Send(1, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestConn_SendValidation(t *testing.T) {
	raw := newMockConn()
	opts := newOptions(LoggerOption(&mockLogger{}), PacketMaxSizeOption(64))
	c := newConn(raw, RoleServer, opts, nil)
	defer c.Disconnect(false)

	tests := []struct {
		name    string
		id      byte
		payload []byte
		want    error
	}{
		{"empty payload", 1, nil, ErrInvalidArgument},
		{"heartbeat id", IDHeartbeat, []byte("x"), ErrInvalidArgument},
		{"goodbye id", IDClientGoodbye, []byte("x"), ErrInvalidArgument},
		{"one byte over", 1, make([]byte, 61), ErrBufferOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Send(tt.id, tt.payload); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if n := raw.writeCount(); n != 0 {
		t.Fatalf("%d writes for rejected sends", n)
	}

	if err := c.Send(1, make([]byte, 60)); err != nil {
		t.Fatalf("Send at the limit failed: %v", err)
	}
	if n := raw.writeCount(); n != 1 {
		t.Errorf("writes = %d, want 1", n)
	}
}

func TestConn_SendWriteError(t *testing.T) {
	raw := newMockConn()
	raw.writeErr = errors.New("broken pipe")
	c := newConn(raw, RoleServer, newOptions(LoggerOption(&mockLogger{})), nil)
	defer c.Disconnect(false)

	err := c.Send(1, []byte("x"))
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "write" {
		t.Errorf("expected write TransportError, got %v", err)
	}
}

func TestConn_WriteErrorTearsDown(t *testing.T) {
	raw := newMockConn()
	raw.writeErr = errors.New("broken pipe")
	rec := newEventRecorder()
	c := startServerConn(t, raw, rec)

	nerr := waitEvent[NetworkErrorEvent](t, rec)
	if !errors.Is(nerr.Err, ErrTransport) {
		t.Errorf("NetworkErrorEvent.Err = %v", nerr.Err)
	}
	d := waitEvent[DisconnectedEvent](t, rec)
	if d.Reason != ReasonError {
		t.Errorf("Reason = %v, want error", d.Reason)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", c.State())
	}
}

func TestConn_Exchange(t *testing.T) {
	server, client, srec, _ := createTestConnPair(t)

	if err := client.Send(7, []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	r := waitEvent[ReceivedEvent](t, srec)
	if r.Packet.ID != 7 || string(r.Packet.Payload) != "hello" {
		t.Errorf("received %+v", r.Packet)
	}
	if r.Conn() != server {
		t.Error("event carries the wrong connection")
	}

	if client.Stats().BytesSent == 0 || server.Stats().BytesReceived == 0 {
		t.Errorf("stats not counted: client %+v server %+v", client.Stats(), server.Stats())
	}
}

func TestConn_Heartbeat(t *testing.T) {
	server, client, srec, crec := createTestConnPair(t, HeartbeatOption(30*time.Millisecond))

	hb := waitEvent[HeartbeatEvent](t, crec)
	if hb.RTT < 0 {
		t.Errorf("RTT = %v", hb.RTT)
	}
	waitEvent[HeartbeatEvent](t, srec)
	// second heartbeat carries the time since the first
	hb = waitEvent[HeartbeatEvent](t, crec)
	if hb.Heartbeat.SinceLast <= 0 {
		t.Errorf("SinceLast = %v", hb.Heartbeat.SinceLast)
	}

	if !client.IsAlive() || !server.IsAlive() {
		t.Error("connections should be alive")
	}
	if n := crec.count(isReceived) + srec.count(isReceived); n != 0 {
		t.Errorf("%d heartbeats reached the data path", n)
	}
}

func TestConn_Goodbye(t *testing.T) {
	server, client, srec, crec := createTestConnPair(t)
	waitEvent[HeartbeatEvent](t, srec)
	waitEvent[HeartbeatEvent](t, crec)

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	d := waitEvent[DisconnectedEvent](t, srec)
	if d.Reason != ReasonGoodbye {
		t.Fatalf("Reason = %v, want goodbye", d.Reason)
	}
	if d.GoodbyeID != IDClientGoodbye {
		t.Errorf("GoodbyeID = %#x, want client goodbye", d.GoodbyeID)
	}
	if d.Goodbye == nil || d.Goodbye.Timeout != ClientGoodbyeTimeout {
		t.Errorf("Goodbye = %+v", d.Goodbye)
	}

	cd := waitEvent[DisconnectedEvent](t, crec)
	if cd.Reason != ReasonLocal || cd.GoodbyeID != 0 {
		t.Errorf("client Reason = %v, GoodbyeID = %#x", cd.Reason, cd.GoodbyeID)
	}

	select {
	case <-server.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server connection did not stop")
	}
	if server.State() != StateDisconnected || client.State() != StateDisconnected {
		t.Errorf("states = %v / %v", server.State(), client.State())
	}
	if n := srec.count(isReceived); n != 0 {
		t.Errorf("goodbye reached the data path %d times", n)
	}

	// idempotent
	if err := client.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestConn_PeerClosed(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	rec := newEventRecorder()
	startServerConn(t, serverRaw, rec)

	peer.Close()

	nerr := waitEvent[NetworkErrorEvent](t, rec)
	if !errors.Is(nerr.Err, ErrTransport) {
		t.Errorf("Err = %v", nerr.Err)
	}
	d := waitEvent[DisconnectedEvent](t, rec)
	if d.Reason != ReasonError {
		t.Errorf("Reason = %v, want error", d.Reason)
	}
}

func TestConn_CorruptStream(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	rec := newEventRecorder()
	startServerConn(t, serverRaw, rec)

	// length 2 is shorter than any header
	if _, err := peer.Write([]byte{1, 0, 2, 0}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	d := waitEvent[DisconnectedEvent](t, rec)
	if d.Reason != ReasonError || !errors.Is(d.Err, ErrProtocolDecode) {
		t.Errorf("got %v %v", d.Reason, d.Err)
	}
}

func readPacket(t *testing.T, r io.Reader) (Header, []byte) {
	t.Helper()
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, _ := DecodeHeader(head)
	body := make([]byte, h.PayloadLen())
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return h, body
}

func TestConn_SendCompression(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	opts := newOptions(LoggerOption(&mockLogger{}), CompressionThresholdOption(100, 50*time.Millisecond))
	c := newConn(serverRaw, RoleServer, opts, nil)
	defer c.Disconnect(false)

	payload := bytes.Repeat([]byte("abcd"), 100)
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))

	// fast link: sent raw
	c.mu.Lock()
	c.lastRTT = 10 * time.Millisecond
	c.mu.Unlock()
	if err := c.Send(1, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	h, body := readPacket(t, peer)
	if h.Compressed || !bytes.Equal(body, payload) {
		t.Errorf("fast link: compressed=%v len=%d", h.Compressed, len(body))
	}

	// slow link: compressed
	c.mu.Lock()
	c.lastRTT = 200 * time.Millisecond
	c.mu.Unlock()
	if err := c.Send(1, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	h, body = readPacket(t, peer)
	if !h.Compressed {
		t.Fatal("slow link: compressed flag not set")
	}
	inflated, err := decompress(body, DefaultMaxPacketSize)
	if err != nil || !bytes.Equal(inflated, payload) {
		t.Errorf("decompress = %d bytes, %v", len(inflated), err)
	}
}

func TestConn_SendCompression_ClientDefaultOff(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	opts := newOptions(LoggerOption(&mockLogger{}), CompressionThresholdOption(100, 0))
	c := newConn(serverRaw, RoleClient, opts, nil)
	defer c.Disconnect(false)
	c.lastRTT = time.Second

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := c.Send(1, bytes.Repeat([]byte("x"), 400)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if h, _ := readPacket(t, peer); h.Compressed {
		t.Error("client role compressed without opting in")
	}
}

func TestConn_ReceiveCompressed(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	rec := newEventRecorder()
	startServerConn(t, serverRaw, rec)

	payload := bytes.Repeat([]byte("pulse"), 50)
	z, _ := compress(payload)

	var stream []byte
	stream = append(stream, mustMarshal(t, NewPacket(2, z, true))...)
	stream = append(stream, mustMarshal(t, NewPacket(3, []byte{1, 2, 3}, true))...)
	stream = append(stream, mustMarshal(t, NewPacket(4, []byte("ok"), false))...)
	if _, err := peer.Write(stream); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	r := waitEvent[ReceivedEvent](t, rec)
	if r.Packet.ID != 2 || r.Packet.Compressed || !bytes.Equal(r.Packet.Payload, payload) {
		t.Errorf("first packet = id %d compressed %v len %d", r.Packet.ID, r.Packet.Compressed, len(r.Packet.Payload))
	}

	// the corrupt packet is dropped, the connection stays up
	r = waitEvent[ReceivedEvent](t, rec)
	if r.Packet.ID != 4 || string(r.Packet.Payload) != "ok" {
		t.Errorf("second packet = %+v", r.Packet)
	}
}

func TestConn_Lost(t *testing.T) {
	raw := newMockConn()
	rec := newEventRecorder()
	c := startServerConn(t, raw, rec, HeartbeatOption(20*time.Millisecond), MaxMissedHeartbeatsOption(1))

	lost := waitEvent[LostEvent](t, rec)
	if lost.Missed != 2 {
		t.Errorf("Missed = %d, want 2", lost.Missed)
	}
	if c.IsAlive() {
		t.Error("IsAlive = true after loss")
	}
	if c.State() != StateConnected {
		t.Errorf("State = %v, loss alone must not disconnect", c.State())
	}
	if raw.writeCount() == 0 {
		t.Error("no heartbeats sent")
	}
}

func TestConn_LostAgainAfterRecovery(t *testing.T) {
	serverRaw, peer := createTestTCPPair(t)
	rec := newEventRecorder()
	c := startServerConn(t, serverRaw, rec, HeartbeatOption(20*time.Millisecond), MaxMissedHeartbeatsOption(0))

	first := waitEvent[LostEvent](t, rec)

	// misses keep counting while the peer stays silent
	deadline := time.Now().Add(2 * time.Second)
	for c.MissedHeartbeats() < first.Missed+3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := c.MissedHeartbeats(); n < first.Missed+3 {
		t.Fatalf("MissedHeartbeats = %d, still at %d after loss", n, first.Missed)
	}
	if n := rec.count(func(e Event) bool { _, ok := e.(LostEvent); return ok }); n != 1 {
		t.Errorf("%d LostEvents while silent, want 1", n)
	}

	payload, _ := Heartbeat{SentAt: time.Now()}.MarshalBinary()
	if _, err := peer.Write(mustMarshal(t, NewPacket(IDHeartbeat, payload, false))); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitEvent[HeartbeatEvent](t, rec)

	second := waitEvent[LostEvent](t, rec)
	if second.Missed != 1 {
		t.Errorf("second loss Missed = %d, want 1", second.Missed)
	}
	if c.State() != StateConnected {
		t.Errorf("State = %v, want connected", c.State())
	}
}

func TestConn_NoWriteDeadlineByDefault(t *testing.T) {
	raw := newMockConn()
	c := newConn(raw, RoleServer, newOptions(LoggerOption(&mockLogger{})), nil)
	defer c.Disconnect(false)

	if err := c.Send(1, []byte("x")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if d := raw.deadlines(); len(d) != 0 {
		t.Errorf("write deadlines set: %v", d)
	}
}

func TestConn_WriteTimeoutOption(t *testing.T) {
	raw := newMockConn()
	c := newConn(raw, RoleServer, newOptions(LoggerOption(&mockLogger{}), WriteTimeoutOption(time.Second)), nil)
	defer c.Disconnect(false)

	before := time.Now()
	if err := c.Send(1, []byte("x")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	d := raw.deadlines()
	if len(d) != 1 {
		t.Fatalf("deadlines = %v, want one", d)
	}
	if d[0].Before(before.Add(time.Second)) || d[0].After(time.Now().Add(time.Second)) {
		t.Errorf("deadline %v not one second after the write", d[0])
	}
}

func TestConn_Encryption(t *testing.T) {
	args := EncryptionArgs{Mode: EncryptionAES, Key: "secret", Salt: "c0ffee"}
	_, client, srec, crec := createTestConnPair(t, EncryptionOption(args))

	waitEvent[HeartbeatEvent](t, crec)

	if err := client.Send(9, []byte("classified")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	r := waitEvent[ReceivedEvent](t, srec)
	if string(r.Packet.Payload) != "classified" {
		t.Errorf("payload = %q", r.Packet.Payload)
	}
}

func TestConn_DisconnectFromHandler(t *testing.T) {
	serverRaw, clientRaw := createTestTCPPair(t)
	srec := newEventRecorder()
	startServerConn(t, serverRaw, srec)

	disconnected := make(chan DisconnectedEvent, 1)
	client, err := NewConn(
		LoggerOption(&mockLogger{}),
		DialerOption(pairDialer{conn: clientRaw}),
		OnEventOption(func(e Event) {
			switch ev := e.(type) {
			case HeartbeatEvent:
				_ = ev.Conn().Disconnect(true)
			case DisconnectedEvent:
				disconnected <- ev
			}
		}),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	if err := client.Connect(context.Background(), "tcp", "pair"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case d := <-disconnected:
		if d.Reason != ReasonLocal {
			t.Errorf("Reason = %v, want local", d.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler-initiated disconnect did not complete")
	}

	if d := waitEvent[DisconnectedEvent](t, srec); d.Reason != ReasonGoodbye {
		t.Errorf("server Reason = %v, want goodbye", d.Reason)
	}
}

func TestConn_DisconnectBeforeConnect(t *testing.T) {
	conn, _ := NewConn(LoggerOption(&mockLogger{}))

	if err := conn.Disconnect(true); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Done not closed")
	}
	if err := conn.Connect(context.Background(), "tcp", "127.0.0.1:1"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestConn_DisconnectUnstarted(t *testing.T) {
	raw := newMockConn()
	rec := newEventRecorder()
	opts := newOptions(LoggerOption(&mockLogger{}), OnEventOption(rec.handle))
	c := newConn(raw, RoleServer, opts, nil)

	if err := c.Disconnect(true); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if raw.writeCount() != 1 {
		t.Errorf("writes = %d, want the goodbye", raw.writeCount())
	}
	if d := waitEvent[DisconnectedEvent](t, rec); d.Reason != ReasonLocal {
		t.Errorf("Reason = %v", d.Reason)
	}

	// a late start is a no-op
	c.start()
	if c.State() != StateDisconnected {
		t.Errorf("State = %v", c.State())
	}
}
