package pulse

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

const controlPayloadSize = 16

// Goodbye timeouts carried by each side's goodbye packet.
const (
	ClientGoodbyeTimeout = 5 * time.Second
	ServerGoodbyeTimeout = 60 * time.Second
)

// Heartbeat is the payload of an IDHeartbeat packet.
type Heartbeat struct {
	// SinceLast is the time elapsed since the sender's previous heartbeat.
	SinceLast time.Duration
	SentAt    time.Time
}

// MarshalBinary encodes the heartbeat as two little-endian int64 values.
func (h Heartbeat) MarshalBinary() ([]byte, error) {
	return marshalControl(int64(h.SinceLast), h.SentAt), nil
}

// UnmarshalBinary decodes a heartbeat payload.
func (h *Heartbeat) UnmarshalBinary(b []byte) error {
	d, at, err := unmarshalControl("heartbeat", b)
	if err != nil {
		return err
	}
	h.SinceLast, h.SentAt = time.Duration(d), at
	return nil
}

// RTT estimates the round trip from the one-way delay since SentAt.
// Clock skew that puts SentAt in the future yields zero.
func (h Heartbeat) RTT(now time.Time) time.Duration {
	oneWay := now.Sub(h.SentAt)
	if oneWay < 0 {
		oneWay = 0
	}
	return 2 * oneWay
}

// Goodbye is the payload of a goodbye packet.
type Goodbye struct {
	// Timeout is how long the sender waits before considering the session gone.
	Timeout time.Duration
	SentAt  time.Time
}

// MarshalBinary encodes the goodbye as two little-endian int64 values.
func (g Goodbye) MarshalBinary() ([]byte, error) {
	return marshalControl(int64(g.Timeout), g.SentAt), nil
}

// UnmarshalBinary decodes a goodbye payload.
func (g *Goodbye) UnmarshalBinary(b []byte) error {
	d, at, err := unmarshalControl("goodbye", b)
	if err != nil {
		return err
	}
	g.Timeout, g.SentAt = time.Duration(d), at
	return nil
}

func goodbyeFor(role Role, now time.Time) (byte, Goodbye) {
	if role == RoleServer {
		return IDServerGoodbye, Goodbye{Timeout: ServerGoodbyeTimeout, SentAt: now}
	}
	return IDClientGoodbye, Goodbye{Timeout: ClientGoodbyeTimeout, SentAt: now}
}

func marshalControl(d int64, at time.Time) []byte {
	b := make([]byte, controlPayloadSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(d))
	binary.LittleEndian.PutUint64(b[8:16], uint64(at.UnixNano()))
	return b
}

func unmarshalControl(kind string, b []byte) (int64, time.Time, error) {
	if len(b) != controlPayloadSize {
		return 0, time.Time{}, errors.Wrapf(ErrProtocolDecode, "%s payload is %d bytes", kind, len(b))
	}
	d := int64(binary.LittleEndian.Uint64(b[0:8]))
	at := time.Unix(0, int64(binary.LittleEndian.Uint64(b[8:16])))
	return d, at, nil
}
