// Package arduino drives actionners that speak the line-oriented Arduino
// relay protocol over TCP (a board behind ser2net or an Ethernet shield).
//
// A command frame is "<command> <id>\n"; the board answers every frame with
// exactly one "\n"-terminated line. The "ard" probe carries no id.
package arduino

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nerrad567/homegate/internal/fault"
	"github.com/nerrad567/homegate/internal/protocol"
	"github.com/nerrad567/homegate/internal/transport"
)

// ProtocolName is the catalog name of this driver.
const ProtocolName = "arduino"

// Commands understood by the stock firmware.
const (
	CmdOn     = "on"
	CmdOff    = "off"
	CmdToggle = "tog"
	CmdProbe  = "ard"
)

const (
	defaultWriteTimeout = 2 * time.Second
	maxLineLength       = 512
)

// ErrBadFrame is returned for commands or ids that cannot be framed on one line.
var ErrBadFrame = fault.New("arduino: command cannot be framed", fault.ErrInvalidArgument)

// Config configures the driver.
type Config struct {
	// WriteTimeout bounds each frame write. Zero means 2s.
	WriteTimeout time.Duration
}

// Driver implements transport.Driver for Arduino boards.
type Driver struct {
	writeTimeout time.Duration
	dialer       net.Dialer
}

// New creates a driver.
func New(cfg Config) *Driver {
	return &Driver{writeTimeout: cmp.Or(cfg.WriteTimeout, defaultWriteTimeout)}
}

// Protocol implements transport.Driver.
func (d *Driver) Protocol() protocol.Protocol {
	return protocol.Protocol{
		Name:              ProtocolName,
		Description:       "Arduino relay boards, line protocol over TCP",
		SupportedCommands: []string{CmdOn, CmdOff, CmdToggle, CmdProbe},
	}
}

// Dial connects to remote, a "host:port" address.
func (d *Driver) Dial(ctx context.Context, remote string) (transport.Conn, error) {
	nc, err := d.dialer.DialContext(ctx, "tcp", remote)
	if err != nil {
		return nil, fmt.Errorf("arduino: dial %s: %w", remote, err)
	}
	return &conn{
		nc:           nc,
		r:            bufio.NewReaderSize(nc, maxLineLength),
		writeTimeout: d.writeTimeout,
	}, nil
}

// Frame renders one command line. Surrounding whitespace of command is
// dropped; the probe command ignores id.
func Frame(command []byte, id string) ([]byte, error) {
	cmd := bytes.TrimSpace(command)
	if len(cmd) == 0 || bytes.ContainsAny(cmd, "\r\n") || bytes.ContainsAny([]byte(id), " \r\n") {
		return nil, fmt.Errorf("%w: %q %q", ErrBadFrame, command, id)
	}

	var b bytes.Buffer
	b.Write(cmd)
	if string(cmd) != CmdProbe {
		if id == "" {
			return nil, fmt.Errorf("%w: missing id for %q", ErrBadFrame, cmd)
		}
		b.WriteByte(' ')
		b.WriteString(id)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// conn is one TCP link to a board. The pool never overlaps calls on it, but
// a call abandoned before its reply leaves a line in flight; seq/received
// let the next call skip it.
type conn struct {
	nc           net.Conn
	r            *bufio.Reader
	writeTimeout time.Duration

	mu       sync.Mutex
	sent     uint64
	received uint64
}

func (c *conn) Send(ctx context.Context, target string, command []byte) (transport.Call, error) {
	frame, err := Frame(command, target)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("arduino: set write deadline: %w", err)
	}
	if _, err := c.nc.Write(frame); err != nil {
		return nil, fmt.Errorf("arduino: write: %w", err)
	}

	c.mu.Lock()
	c.sent++
	seq := c.sent
	c.mu.Unlock()
	return &call{c: c, seq: seq}, nil
}

func (c *conn) Close() error {
	return c.nc.Close()
}

// readLine reads one reply line without its terminator.
func (c *conn) readLine() ([]byte, error) {
	line, err := c.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, fmt.Errorf("arduino: reply longer than %d bytes", maxLineLength)
	}
	if err != nil {
		return nil, err
	}
	c.received++
	return bytes.Clone(bytes.TrimRight(line, "\r\n")), nil
}

type call struct {
	c   *conn
	seq uint64
}

func (cl *call) Reply(ctx context.Context) ([]byte, error) {
	c := cl.c
	c.mu.Lock()
	defer c.mu.Unlock()

	// The read is interrupted only once ctx is done, so a timed out read
	// always reports ctx's error rather than a bare i/o timeout.
	if err := c.nc.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("arduino: set read deadline: %w", err)
	}
	woke := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetReadDeadline(time.Now()) //nolint:errcheck // best effort wake-up
		close(woke)
	})
	defer func() {
		if !stop() {
			<-woke
		}
	}()

	for {
		line, err := c.readLine()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("arduino: read: %w", err)
		}
		if c.received < cl.seq {
			// Reply to an earlier, abandoned call.
			continue
		}
		return line, nil
	}
}
