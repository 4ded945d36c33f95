package pulse

import (
	"bytes"

	"github.com/pkg/errors"
)

// Reassembler turns arbitrarily split chunks of a stream into complete
// packets. It keeps partial headers and payloads across Feed calls.
//
// A Reassembler is not safe for concurrent use; a Conn feeds it from its
// read loop only.
type Reassembler struct {
	maxPacketSize int
	queue         bytes.Buffer

	header       Header
	headerParsed bool
}

// NewReassembler returns a Reassembler that rejects chunks and packets
// larger than maxPacketSize.
func NewReassembler(maxPacketSize int) *Reassembler {
	return &Reassembler{maxPacketSize: maxPacketSize}
}

// Buffered returns the number of bytes waiting for a complete packet.
func (r *Reassembler) Buffered() int {
	return r.queue.Len()
}

// Feed appends chunk to the queue and returns every packet it completes, in
// stream order.
//
// A chunk longer than the max packet size fails with ErrBufferOverflow and
// leaves the state untouched. A header announcing a length below the header
// size or above the max packet size fails with ErrProtocolDecode; the stream
// cannot be resynchronised after that.
func (r *Reassembler) Feed(chunk []byte) ([]Packet, error) {
	if len(chunk) > r.maxPacketSize {
		return nil, errors.Wrapf(ErrBufferOverflow, "chunk of %d bytes exceeds %d", len(chunk), r.maxPacketSize)
	}
	r.queue.Write(chunk)

	var packets []Packet
	for {
		if !r.headerParsed {
			if r.queue.Len() < HeaderSize {
				return packets, nil
			}
			h, err := DecodeHeader(r.queue.Next(HeaderSize))
			if err != nil {
				return packets, err
			}
			if int(h.Length) < HeaderSize || int(h.Length) > r.maxPacketSize {
				return packets, errors.Wrapf(ErrProtocolDecode, "packet %d announces length %d", h.ID, h.Length)
			}
			r.header = h
			r.headerParsed = true
		}

		n := r.header.PayloadLen()
		if r.queue.Len() < n {
			return packets, nil
		}
		payload := make([]byte, n)
		copy(payload, r.queue.Next(n))
		packets = append(packets, NewPacketFromHeader(r.header, payload))
		r.header = Header{}
		r.headerParsed = false
	}
}

// Reset drops any buffered bytes and partial header.
func (r *Reassembler) Reset() {
	r.queue.Reset()
	r.header = Header{}
	r.headerParsed = false
}
