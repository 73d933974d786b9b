// Package nats drives actionners that answer NATS requests.
//
// A remote "nats://host:4222/home.relays" addresses the server and a
// subject prefix; a command for id "Z3" is requested on "home.relays.Z3"
// and the reply message data is the reply.
package nats

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/homegate/internal/protocol"
	"github.com/nerrad567/homegate/internal/transport"
)

// ProtocolName is the catalog name of this driver.
const ProtocolName = "nats"

const (
	defaultConnectTimeout = 5 * time.Second
	statusNoResponders    = "503"
)

// Config configures the driver.
type Config struct {
	// Name identifies the gateway to the server.
	Name  string
	Token string
}

// Driver implements transport.Driver over NATS request/reply.
type Driver struct {
	cfg Config
}

// New creates a driver.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

// Protocol implements transport.Driver.
func (d *Driver) Protocol() protocol.Protocol {
	return protocol.Protocol{
		Name:        ProtocolName,
		Description: "NATS request/reply endpoints",
	}
}

// parseRemote splits "nats://host:port/prefix" into a server URL and
// subject prefix. Slashes in the path become subject separators.
func parseRemote(remote string) (server, prefix string, err error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", "", fmt.Errorf("nats: invalid remote: %w", err)
	}
	switch u.Scheme {
	case "nats", "tls":
	default:
		return "", "", fmt.Errorf("nats: unsupported scheme %q (use nats or tls)", u.Scheme)
	}
	if u.Host == "" {
		return "", "", errors.New("nats: remote host is required")
	}

	prefix = strings.ReplaceAll(strings.Trim(u.Path, "/"), "/", ".")
	u.Path = ""
	return u.String(), prefix, nil
}

// Subject returns the subject a command for target is requested on.
func Subject(prefix, target string) string {
	if prefix == "" {
		return target
	}
	return prefix + "." + target
}

// Dial connects to the server named by remote. The connection does not
// reconnect by itself; once closed it fails its calls and the pool dials
// again.
func (d *Driver) Dial(ctx context.Context, remote string) (transport.Conn, error) {
	server, prefix, err := parseRemote(remote)
	if err != nil {
		return nil, err
	}

	timeout := defaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	opts := []nats.Option{
		nats.NoReconnect(),
		nats.Timeout(timeout),
	}
	if d.cfg.Name != "" {
		opts = append(opts, nats.Name(d.cfg.Name))
	}
	if d.cfg.Token != "" {
		opts = append(opts, nats.Token(d.cfg.Token))
	}

	nc, err := nats.Connect(server, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", server, err)
	}
	return &conn{nc: nc, prefix: prefix}, nil
}

type conn struct {
	nc     *nats.Conn
	prefix string
}

func (c *conn) Multiplexed() bool { return true }

func (c *conn) Close() error {
	c.nc.Close()
	return nil
}

func (c *conn) Send(_ context.Context, target string, command []byte) (transport.Call, error) {
	if target == "" || strings.ContainsAny(target, " \t\r\n*>") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSubject, target)
	}
	if c.nc.IsClosed() {
		return nil, nats.ErrConnectionClosed
	}

	inbox := c.nc.NewRespInbox()
	sub, err := c.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe reply inbox: %w", err)
	}
	if err := sub.AutoUnsubscribe(1); err != nil {
		sub.Unsubscribe() //nolint:errcheck // already failing
		return nil, fmt.Errorf("nats: limit reply inbox: %w", err)
	}
	if err := c.nc.PublishRequest(Subject(c.prefix, target), inbox, command); err != nil {
		sub.Unsubscribe() //nolint:errcheck // already failing
		return nil, fmt.Errorf("nats: publish request: %w", err)
	}
	return &call{sub: sub}, nil
}

type call struct {
	sub *nats.Subscription
}

func (cl *call) Reply(ctx context.Context) ([]byte, error) {
	msg, err := cl.sub.NextMsgWithContext(ctx)
	if err != nil {
		cl.sub.Unsubscribe() //nolint:errcheck // connection may already be gone
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("nats: awaiting reply: %w", err)
	}
	if len(msg.Data) == 0 && msg.Header.Get("Status") == statusNoResponders {
		return nil, &transport.RemoteError{Message: "no responders on " + msg.Subject}
	}
	return msg.Data, nil
}
