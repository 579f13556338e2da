package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("mprpc: invalid protocol")

	// ErrMethodNotFound is reported for private, unregistered and
	// non-callable methods alike.
	ErrMethodNotFound = errors.New(MethodNotFoundMessage)

	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("mprpc: timeout")

	// ErrConnectionClosed is returned when the peer closes the stream or a
	// write fails.
	ErrConnectionClosed = errors.New("mprpc: connection closed")

	ErrNotConnected     = errors.New("mprpc: connection is not established")
	ErrAlreadyConnected = errors.New("mprpc: connection has already been established")
)

// MethodNotFoundMessage is the error payload the server sends when a method
// cannot be dispatched. It never names the method.
const MethodNotFoundMessage = "method not found"

// ProtocolError reports a frame with the wrong shape or an unexpected
// message id. It is fatal to the connection it was read from.
type ProtocolError struct {
	Reason string
}

func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	return "mprpc: invalid protocol: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// RemoteError is a failure reported by the remote handler. The connection
// stays usable after it.
type RemoteError struct {
	Message string // stringified error payload
	Payload any    // error payload as decoded from the wire
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrMethodNotFound && e.Message == MethodNotFoundMessage
}

// TimeoutError reports a socket operation that exceeded its deadline.
type TimeoutError struct {
	Op  string // "dial", "read" or "write"
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mprpc: %s timeout: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Timeout lets callers treat a TimeoutError like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// ConnectionError reports a socket that could not be established or broke
// mid-operation.
type ConnectionError struct {
	Op     string
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("mprpc: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mprpc: %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
