package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/homegate/internal/fault"
)

// Handle is the pool's shared reference to one live connection. Handles
// are never checked out: every caller addressing the same
// (protocol, remote) uses the same Handle concurrently.
type Handle struct {
	key      key
	conn     Conn
	protocol string
	remote   string
	created  time.Time

	// serial is a one-slot semaphore held from Send until the reply is
	// consumed. Nil for multiplexed connections.
	serial chan struct{}

	dead     chan struct{}
	killOnce sync.Once
	cause    error

	inflight atomic.Int32
	lastUsed atomic.Int64
	sends    atomic.Uint64
}

func newHandle(k key, proto, remote string, conn Conn) *Handle {
	h := &Handle{
		key:      k,
		conn:     conn,
		protocol: proto,
		remote:   remote,
		created:  time.Now(),
		dead:     make(chan struct{}),
	}
	if m, ok := conn.(Multiplexer); !ok || !m.Multiplexed() {
		h.serial = make(chan struct{}, 1)
	}
	h.touch()
	return h
}

// Protocol returns the protocol name the handle was dialled for.
func (h *Handle) Protocol() string { return h.protocol }

// Remote returns the remote address the handle was dialled for.
func (h *Handle) Remote() string { return h.remote }

// Multiplexed reports whether calls on this handle may overlap.
func (h *Handle) Multiplexed() bool { return h.serial == nil }

// Done is closed once the handle has been invalidated or evicted.
func (h *Handle) Done() <-chan struct{} { return h.dead }

// Err returns why the handle died, or nil while it is alive.
func (h *Handle) Err() error {
	select {
	case <-h.dead:
		return h.cause
	default:
		return nil
	}
}

func (h *Handle) touch() {
	h.lastUsed.Store(time.Now().UnixNano())
}

func (h *Handle) idleSince() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

// kill marks the handle dead and closes the connection. Only the first
// call has an effect; it reports whether this call was the one.
func (h *Handle) kill(cause error) bool {
	killed := false
	h.killOnce.Do(func() {
		h.cause = cause
		close(h.dead)
		h.conn.Close() //nolint:errcheck // connection is being discarded
		killed = true
	})
	return killed
}

// Send writes command for target and returns the pending reply. On a
// non-multiplexed handle it first waits for the previous call to finish.
// The returned Pending must be completed with Reply or Abandon.
func (h *Handle) Send(ctx context.Context, target string, command []byte) (*Pending, error) {
	if h.serial != nil {
		select {
		case h.serial <- struct{}{}:
		case <-h.dead:
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, h.cause)
		case <-ctx.Done():
			return nil, fmt.Errorf("transport: waiting for connection: %w", ctx.Err())
		}
	}

	p := &Pending{h: h}
	h.inflight.Add(1)
	h.touch()

	select {
	case <-h.dead:
		p.release()
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, h.cause)
	default:
	}

	call, err := h.conn.Send(ctx, target, command)
	if err != nil {
		p.release()
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("transport: send: %w", ctx.Err())
		case fault.Is(err, fault.InvalidArgument):
			// The command was refused before anything reached the wire.
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	h.sends.Add(1)
	p.call = call
	return p, nil
}

// Pending is a sent command whose reply has not been consumed yet.
type Pending struct {
	h    *Handle
	call Call
	once sync.Once
}

func (p *Pending) release() {
	p.once.Do(func() {
		p.h.inflight.Add(-1)
		p.h.touch()
		if p.h.serial != nil {
			<-p.h.serial
		}
	})
}

// Reply waits for the reply. Errors are classified as:
//   - ctx errors, wrapped: the caller gave up; the connection stays up
//   - *RemoteError: the actionner answered with a failure
//   - ErrDisconnected: the connection is broken and should be invalidated
func (p *Pending) Reply(ctx context.Context) ([]byte, error) {
	defer p.release()

	reply, err := p.call.Reply(ctx)
	if err == nil {
		return reply, nil
	}

	var remote *RemoteError
	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("transport: awaiting reply: %w", ctx.Err())
	case errors.As(err, &remote):
		return nil, err
	default:
		if cause := p.h.Err(); cause != nil {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, cause)
		}
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
}

// Abandon releases the call without reading its reply.
func (p *Pending) Abandon() {
	p.release()
}
