package pulse

import (
	"github.com/pkg/errors"
)

// Errors returned by packet, reassembly and connection operations.
var (
	// ErrInvalidArgument is returned for empty, nil or otherwise malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBufferOverflow is returned when a payload or chunk exceeds the maximum packet size.
	ErrBufferOverflow = errors.New("buffer overflow")
	// ErrLengthOverflow is returned when an encoded packet length does not fit its header.
	ErrLengthOverflow = errors.New("packet length overflow")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")
	// ErrProtocolDecode is returned for corrupt framing, control or compressed payloads.
	ErrProtocolDecode = errors.New("protocol decode error")
	// ErrUnsupportedAlgorithm is returned for an encryption mode that is not implemented.
	ErrUnsupportedAlgorithm = errors.New("unsupported encryption algorithm")
	// ErrNotConnected is returned when sending on a connection that is not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// TransportError records a failed operation on the underlying transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying transport error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
