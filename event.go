package pulse

import (
	"fmt"
	"sync"
	"time"
)

// Event is something that happened on a Conn. The concrete types are
// ConnectedEvent, ReceivedEvent, HeartbeatEvent, LostEvent,
// NetworkErrorEvent and DisconnectedEvent.
type Event interface {
	// Conn returns the connection the event belongs to.
	Conn() *Conn
	isEvent()
}

type eventBase struct {
	conn *Conn
}

func (e eventBase) Conn() *Conn { return e.conn }
func (eventBase) isEvent()      {}

// ConnectedEvent is emitted once the transport is up.
type ConnectedEvent struct {
	eventBase
}

// ReceivedEvent carries one application packet. Compressed packets arrive
// already inflated with Compressed set to false.
type ReceivedEvent struct {
	eventBase
	Packet Packet
}

// HeartbeatEvent is emitted for every heartbeat the peer sends.
type HeartbeatEvent struct {
	eventBase
	Heartbeat Heartbeat
	RTT       time.Duration
}

// LostEvent is emitted once when more than MaxMissedHeartbeats check
// periods pass without a heartbeat. The connection stays up; the owner
// decides whether to disconnect.
type LostEvent struct {
	eventBase
	Missed int
}

// NetworkErrorEvent reports a transport failure.
type NetworkErrorEvent struct {
	eventBase
	Err error
}

// DisconnectReason tells why a connection ended.
type DisconnectReason int

const (
	// ReasonLocal means Disconnect or Close was called on this side.
	ReasonLocal DisconnectReason = iota
	// ReasonGoodbye means the peer sent a goodbye packet.
	ReasonGoodbye
	// ReasonError means the transport failed or the stream was corrupt.
	ReasonError
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLocal:
		return "local"
	case ReasonGoodbye:
		return "goodbye"
	case ReasonError:
		return "error"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", int(r))
	}
}

// DisconnectedEvent is the last event of every connection that got past
// Connecting.
type DisconnectedEvent struct {
	eventBase
	Reason DisconnectReason
	// Err is set when Reason is ReasonError.
	Err error
	// GoodbyeID is IDServerGoodbye or IDClientGoodbye when Reason is
	// ReasonGoodbye, telling which side of the peer said goodbye.
	GoodbyeID byte
	// Goodbye is set when Reason is ReasonGoodbye and the payload decoded.
	Goodbye *Goodbye
}

// eventQueue delivers events to a handler in order on its own goroutine.
// push never blocks, so loops can report events while the handler is busy
// calling back into the connection. The goroutine starts with the first
// event and exits after close.
type eventQueue struct {
	handler func(Event)
	logger  Logger

	mu      sync.Mutex
	events  []Event
	closed  bool
	running bool
	signal  chan struct{}
	done    chan struct{}
}

func newEventQueue(handler func(Event), logger Logger) *eventQueue {
	return &eventQueue{
		handler: handler,
		logger:  logger,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// push queues e. Events pushed after close are dropped.
func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.events = append(q.events, e)
	if !q.running {
		q.running = true
		go q.run()
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// close lets the dispatcher drain what is queued and exit.
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	running := q.running
	q.mu.Unlock()

	if !running {
		close(q.done)
		return
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.done)
	for range q.signal {
		for {
			q.mu.Lock()
			if len(q.events) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			e := q.events[0]
			q.events[0] = nil
			q.events = q.events[1:]
			q.mu.Unlock()

			q.deliver(e)
		}
	}
}

func (q *eventQueue) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("event handler panic", "event", fmt.Sprintf("%T", e), "panic", r)
		}
	}()
	q.handler(e)
}
