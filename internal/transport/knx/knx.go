// Package knx drives KNX installations through a knxd daemon.
//
// Objects on a knx actionner are addressed by group address
// ("main/middle/sub"); a command is the DPT-encoded payload of a group
// write. Group writes have no application-level answer, so a call completes
// with "ok" once knxd has taken the frame.
package knx

import (
	"context"
	"fmt"

	"github.com/nerrad567/homegate/internal/protocol"
	"github.com/nerrad567/homegate/internal/transport"
)

// ProtocolName is the catalog name of this driver.
const ProtocolName = "knx"

// Ack is the reply returned for an accepted group write.
var Ack = []byte("ok")

// Logger defines the logging interface used by the driver.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// Driver implements transport.Driver for knxd.
type Driver struct {
	logger Logger
}

// New creates a driver.
func New() *Driver {
	return &Driver{logger: noopLogger{}}
}

// SetLogger sets the logger used for received bus traffic.
func (d *Driver) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	d.logger = logger
}

// Protocol implements transport.Driver.
func (d *Driver) Protocol() protocol.Protocol {
	return protocol.Protocol{
		Name:        ProtocolName,
		Description: "KNX group writes through knxd",
	}
}

// Dial opens a GROUPCON socket. remote is "tcp://host:6720" or
// "unix:///run/knxd".
func (d *Driver) Dial(ctx context.Context, remote string) (transport.Conn, error) {
	network, address, err := parseConnectionURL(remote)
	if err != nil {
		return nil, err
	}
	c, err := openConn(ctx, network, address, d.logger)
	if err != nil {
		return nil, err
	}
	return &groupConn{c: c}, nil
}

type groupConn struct {
	c *conn
}

func (g *groupConn) Multiplexed() bool { return true }

func (g *groupConn) Close() error { return g.c.Close() }

// Send writes command as a group write to the group address target.
func (g *groupConn) Send(ctx context.Context, target string, command []byte) (transport.Call, error) {
	ga, err := ParseGroupAddress(target)
	if err != nil {
		return nil, err
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, ga)
	}
	if err := g.c.write(ctx, NewWriteTelegram(ga, command)); err != nil {
		return nil, err
	}
	return ack{}, nil
}

type ack struct{}

func (ack) Reply(context.Context) ([]byte, error) {
	return append([]byte(nil), Ack...), nil
}
