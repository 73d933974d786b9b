// Package transporttest provides an in-memory transport.Driver for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/homegate/internal/protocol"
	"github.com/nerrad567/homegate/internal/transport"
)

// ErrInjected is returned by sends and replies failed on purpose.
var ErrInjected = errors.New("transporttest: injected failure")

// Sent records one command written to a fake connection.
type Sent struct {
	Remote  string
	Target  string
	Command []byte
}

// Driver is a fake transport.Driver. The zero value is not usable; create
// one with NewDriver. Exported fields must be set before the driver is
// handed to a pool.
type Driver struct {
	// Multiplex makes connections report themselves as multiplexed.
	Multiplex bool

	// DialDelay is slept (or ctx, whichever first) before every dial.
	DialDelay time.Duration

	// ReplyDelay is waited before every reply.
	ReplyDelay time.Duration

	// Gate, if set, must yield a value before each reply is produced.
	Gate chan struct{}

	// Handler produces replies. Nil replies "ok".
	Handler func(remote, target string, command []byte) ([]byte, error)

	proto protocol.Protocol

	mu          sync.Mutex
	dialErrs    []error
	failSends   int
	failReplies int
	sent        []Sent
	conns       []*Conn

	dials     atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
}

// NewDriver returns a fake driver for the protocol name.
func NewDriver(name string, commands ...string) *Driver {
	return &Driver{proto: protocol.Protocol{Name: name, Description: "fake " + name, SupportedCommands: commands}}
}

// Protocol implements transport.Driver.
func (d *Driver) Protocol() protocol.Protocol { return d.proto }

// FailDials makes the next len(errs) dials fail with errs in order.
func (d *Driver) FailDials(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErrs = append(d.dialErrs, errs...)
}

// FailNextSends makes the next n sends fail.
func (d *Driver) FailNextSends(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSends += n
}

// FailNextReplies makes the next n replies fail as if the link dropped.
func (d *Driver) FailNextReplies(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failReplies += n
}

// Dials returns the number of Dial calls, failed ones included.
func (d *Driver) Dials() int { return int(d.dials.Load()) }

// MaxConcurrent returns the highest number of calls seen in flight at once.
func (d *Driver) MaxConcurrent() int { return int(d.maxActive.Load()) }

// Sent returns every successfully written command in order.
func (d *Driver) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.sent...)
}

// Conns returns every connection opened so far.
func (d *Driver) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Dial implements transport.Driver.
func (d *Driver) Dial(ctx context.Context, remote string) (transport.Conn, error) {
	d.dials.Add(1)

	if d.DialDelay > 0 {
		select {
		case <-time.After(d.DialDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		return nil, err
	}
	c := &Conn{d: d, remote: remote, closed: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *Driver) takeSendFailure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSends > 0 {
		d.failSends--
		return true
	}
	return false
}

func (d *Driver) takeReplyFailure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failReplies > 0 {
		d.failReplies--
		return true
	}
	return false
}

func (d *Driver) enter() {
	n := d.active.Add(1)
	for {
		m := d.maxActive.Load()
		if n <= m || d.maxActive.CompareAndSwap(m, n) {
			return
		}
	}
}

func (d *Driver) leave() { d.active.Add(-1) }

// Conn is a fake connection.
type Conn struct {
	d      *Driver
	remote string

	closeOnce sync.Once
	closed    chan struct{}
}

// Remote returns the address the connection was dialled to.
func (c *Conn) Remote() string { return c.remote }

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Multiplexed implements transport.Multiplexer.
func (c *Conn) Multiplexed() bool { return c.d.Multiplex }

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Send implements transport.Conn.
func (c *Conn) Send(_ context.Context, target string, command []byte) (transport.Call, error) {
	if c.Closed() {
		return nil, errors.New("transporttest: use of closed connection")
	}
	if c.d.takeSendFailure() {
		return nil, ErrInjected
	}

	c.d.mu.Lock()
	c.d.sent = append(c.d.sent, Sent{Remote: c.remote, Target: target, Command: append([]byte(nil), command...)})
	c.d.mu.Unlock()

	c.d.enter()
	return &call{c: c, target: target, command: command}, nil
}

type call struct {
	c       *Conn
	target  string
	command []byte
}

func (cl *call) Reply(ctx context.Context) ([]byte, error) {
	defer cl.c.d.leave()

	if gate := cl.c.d.Gate; gate != nil {
		select {
		case <-gate:
		case <-cl.c.closed:
			return nil, errors.New("transporttest: connection closed")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay := cl.c.d.ReplyDelay; delay > 0 {
		select {
		case <-time.After(delay):
		case <-cl.c.closed:
			return nil, errors.New("transporttest: connection closed")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if cl.c.d.takeReplyFailure() {
		return nil, ErrInjected
	}
	if h := cl.c.d.Handler; h != nil {
		return h(cl.c.remote, cl.target, cl.command)
	}
	return []byte("ok"), nil
}
