package pulse

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Header sizes of the two wire layouts.
const (
	// HeaderSize is the stream header: id, compressed flag, uint16 length.
	HeaderSize = 4
	// DatagramHeaderSize is the datagram header: id, compressed flag, reliable flag, uint16 length.
	DatagramHeaderSize = 5

	maxWireLength = 0xFFFF
)

// Reserved packet IDs. IDs 0x00 through 0xFC are free for application use.
const (
	IDHeartbeat     byte = 0xFD
	IDServerGoodbye byte = 0xFE
	IDClientGoodbye byte = 0xFF
)

// IsReserved reports whether id is a control ID handled by the connection itself.
func IsReserved(id byte) bool {
	return id >= IDHeartbeat
}

// Header is a decoded packet header.
type Header struct {
	ID         byte
	Compressed bool
	Reliable   bool
	Datagram   bool
	Length     uint16
}

// Size returns the size of the header on the wire.
func (h Header) Size() int {
	if h.Datagram {
		return DatagramHeaderSize
	}
	return HeaderSize
}

// PayloadLen returns the number of payload bytes announced by the header.
func (h Header) PayloadLen() int {
	return int(h.Length) - h.Size()
}

// Packet is one framed unit of application data.
//
// Cipher is an optional attachment: when set, Marshal encrypts the payload
// and the header length covers the ciphertext.
type Packet struct {
	ID         byte
	Compressed bool
	Reliable   bool
	Datagram   bool
	// Seq is kept on the value for callers that track ordering; it is not
	// part of either wire layout.
	Seq     uint32
	Payload []byte
	Cipher  Cipher
}

// NewPacket builds a stream packet.
func NewPacket(id byte, payload []byte, compressed bool) Packet {
	return Packet{ID: id, Payload: payload, Compressed: compressed}
}

// NewDatagramPacket builds a packet using the datagram header layout.
func NewDatagramPacket(id byte, payload []byte, compressed, reliable bool) Packet {
	return Packet{ID: id, Payload: payload, Compressed: compressed, Reliable: reliable, Datagram: true}
}

// NewPacketFromHeader rebuilds a packet from a decoded header and its payload.
func NewPacketFromHeader(h Header, payload []byte) Packet {
	return Packet{
		ID:         h.ID,
		Compressed: h.Compressed,
		Reliable:   h.Reliable,
		Datagram:   h.Datagram,
		Payload:    payload,
	}
}

// HeaderSize returns the header size of the packet's layout.
func (p Packet) HeaderSize() int {
	if p.Datagram {
		return DatagramHeaderSize
	}
	return HeaderSize
}

// Length returns header size plus payload length.
func (p Packet) Length() int {
	return p.HeaderSize() + len(p.Payload)
}

// Body returns the raw payload.
func (p Packet) Body() []byte {
	return p.Payload
}

// Marshal encodes the packet, encrypting the payload first when a Cipher is
// attached. It fails with ErrLengthOverflow if the result does not fit in the
// 16-bit length field or exceeds maxPacketSize.
func (p Packet) Marshal(maxPacketSize int) ([]byte, error) {
	payload := p.Payload
	if p.Cipher != nil {
		encrypted, err := p.Cipher.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		payload = encrypted
	}

	length := p.HeaderSize() + len(payload)
	if length > maxWireLength {
		return nil, errors.Wrapf(ErrLengthOverflow, "length %d does not fit in 16 bits", length)
	}
	if maxPacketSize > 0 && length > maxPacketSize {
		return nil, errors.Wrapf(ErrLengthOverflow, "length %d exceeds max packet size %d", length, maxPacketSize)
	}

	buf := make([]byte, length)
	buf[0] = p.ID
	buf[1] = boolByte(p.Compressed)
	off := 2
	if p.Datagram {
		buf[2] = boolByte(p.Reliable)
		off = 3
	}
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(length))
	copy(buf[off+2:], payload)
	return buf, nil
}

// DecodeHeader decodes a stream header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(ErrInvalidArgument, "short header: %d bytes", len(b))
	}
	return Header{
		ID:         b[0],
		Compressed: b[1] == 1,
		Length:     binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// DecodeDatagramHeader decodes a datagram header from the first DatagramHeaderSize bytes of b.
func DecodeDatagramHeader(b []byte) (Header, error) {
	if len(b) < DatagramHeaderSize {
		return Header{}, errors.Wrapf(ErrInvalidArgument, "short datagram header: %d bytes", len(b))
	}
	return Header{
		ID:         b[0],
		Compressed: b[1] == 1,
		Reliable:   b[2] == 1,
		Datagram:   true,
		Length:     binary.LittleEndian.Uint16(b[3:5]),
	}, nil
}

// DecodeDatagram decodes one complete datagram packet. Datagrams are never
// split, so the announced length must match len(b).
func DecodeDatagram(b []byte) (Packet, error) {
	h, err := DecodeDatagramHeader(b)
	if err != nil {
		return Packet{}, err
	}
	if int(h.Length) != len(b) {
		return Packet{}, errors.Wrapf(ErrProtocolDecode, "datagram length %d, header says %d", len(b), h.Length)
	}
	payload := make([]byte, h.PayloadLen())
	copy(payload, b[DatagramHeaderSize:])
	return NewPacketFromHeader(h, payload), nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
