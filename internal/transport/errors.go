package transport

import (
	"fmt"

	"github.com/nerrad567/homegate/internal/fault"
)

// Domain errors for the transport package.
var (
	// ErrNoDriver is returned when no driver is registered for a protocol.
	ErrNoDriver = fault.New("transport: no driver for protocol", fault.ErrUnavailable)

	// ErrDriverExists is returned when registering a second driver for a protocol.
	ErrDriverExists = fault.New("transport: driver already registered", fault.ErrAlreadyExists)

	// ErrConnectFailed is wrapped by ConnectError.
	ErrConnectFailed = fault.New("transport: connect failed", fault.ErrUnavailable)

	// ErrSendFailed is returned when a command could not be written.
	ErrSendFailed = fault.New("transport: send failed", fault.ErrUnavailable)

	// ErrDisconnected is returned for calls on a connection that failed or
	// was invalidated while they were in flight.
	ErrDisconnected = fault.New("transport: connection lost", fault.ErrUnavailable)

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = fault.New("transport: pool closed", fault.ErrUnavailable)

	errIdle = fault.New("transport: idle timeout", fault.ErrUnavailable)
)

// ConnectError reports a failed dial. The underlying cause is kept for
// logging but not unwrapped, so a dial timeout classifies as unavailable
// rather than as a reply timeout.
type ConnectError struct {
	Protocol string
	Remote   string
	Cause    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect %s %s: %v", e.Protocol, e.Remote, e.Cause)
}

func (e *ConnectError) Unwrap() error {
	return ErrConnectFailed
}
