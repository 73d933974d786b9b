package transport

import (
	"context"
	"fmt"

	"github.com/nerrad567/homegate/internal/fault"
	"github.com/nerrad567/homegate/internal/protocol"
)

// Driver dials connections for one protocol. One driver is registered per
// catalog protocol; the pool selects it by protocol name.
type Driver interface {
	// Protocol describes the protocol this driver speaks. Its name is the
	// catalog key.
	Protocol() protocol.Protocol

	// Dial opens a connection to remote. The address format is the
	// driver's own business.
	Dial(ctx context.Context, remote string) (Conn, error)
}

// Conn is one live connection to an actionner.
//
// Send must not wait for the reply: it returns once the request is on the
// wire. Conns are used concurrently only if they implement Multiplexer and
// report true; otherwise the pool runs at most one Send..Reply pair at a
// time per Conn. A Send error of kind InvalidArgument means the command was
// refused locally and the connection is still usable.
type Conn interface {
	Send(ctx context.Context, target string, command []byte) (Call, error)
	Close() error
}

// Call is one request awaiting its reply.
type Call interface {
	// Reply blocks until the reply arrives, the connection fails or ctx is
	// done. It is called at most once.
	Reply(ctx context.Context) ([]byte, error)
}

// Multiplexer is implemented by connections that correlate replies
// themselves and accept concurrent calls.
type Multiplexer interface {
	Multiplexed() bool
}

// RemoteError reports that the actionner received the command and answered
// with a failure. The connection itself is healthy.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: actionner reported failure: %s", e.Message)
}

// Unwrap classifies remote failures as unavailable.
func (e *RemoteError) Unwrap() error {
	return fault.ErrUnavailable
}
