package knx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWriteTimeout = 5 * time.Second

	// readBufferSize bounds a single knxd frame.
	readBufferSize = 256
)

// parseConnectionURL maps "unix:///run/knxd" or "tcp://host:6720" to a
// dialable network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("knx: invalid remote: %w", err)
	}

	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = "localhost:6720"
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("knx: unsupported scheme %q (use unix or tcp)", u.Scheme)
	}
}

// conn is one GROUPCON socket to knxd. Writes are serialized internally;
// the receive loop drains bus traffic and notices when knxd goes away.
type conn struct {
	nc     net.Conn
	logger Logger

	writeMu sync.Mutex

	dead     chan struct{}
	failOnce sync.Once
	cause    error

	telegramsTx atomic.Uint64
	telegramsRx atomic.Uint64

	wg sync.WaitGroup
}

func openConn(ctx context.Context, network, address string, logger Logger) (*conn, error) {
	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("knx: dial %s: %w", address, err)
	}

	c := &conn{nc: nc, logger: logger, dead: make(chan struct{})}
	if err := c.openGroupCon(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := nc.SetReadDeadline(time.Time{}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("knx: clear read deadline: %w", err)
	}

	c.wg.Add(1)
	go c.receiveLoop()
	return c, nil
}

// openGroupCon sends EIB_OPEN_GROUPCON and waits for knxd to echo it.
//
// Payload: reserved(1) + write_only(1) + reserved(1); write_only=0x00 keeps
// the socket bidirectional.
func (c *conn) openGroupCon(ctx context.Context) error {
	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	msg := EncodeKNXDMessage(EIBOpenGroupCon, []byte{0x00, 0x00, 0x00})
	if _, err := c.nc.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, readBufferSize)
	msgType, _, err := c.readMessage(buf)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if msgType != EIBOpenGroupCon {
		return fmt.Errorf("unexpected response type: 0x%04X", msgType)
	}
	return nil
}

// readMessage reads one length-prefixed knxd frame into buf.
func (c *conn) readMessage(buf []byte) (uint16, []byte, error) {
	if _, err := io.ReadFull(c.nc, buf[:2]); err != nil {
		return 0, nil, fmt.Errorf("read size: %w", err)
	}

	msgSize := binary.BigEndian.Uint16(buf[:2])
	if msgSize < 2 {
		return 0, nil, fmt.Errorf("%w: size %d", ErrProtocolDesync, msgSize)
	}
	total := 2 + int(msgSize)
	if total > len(buf) {
		return 0, nil, fmt.Errorf("%w: size %d exceeds buffer %d", ErrProtocolDesync, total, len(buf))
	}

	if _, err := io.ReadFull(c.nc, buf[2:total]); err != nil {
		return 0, nil, fmt.Errorf("read message: %w", err)
	}
	return ParseKNXDMessage(buf[:total])
}

func (c *conn) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		msgType, payload, err := c.readMessage(buf)
		if err != nil {
			if errors.Is(err, ErrInvalidTelegram) {
				continue
			}
			c.fail(err)
			return
		}
		if msgType != EIBGroupPacket {
			continue
		}

		t, err := ParseTelegram(payload)
		if err != nil {
			continue
		}
		c.telegramsRx.Add(1)
		c.logger.Debug("knx telegram", "source", t.Source, "destination", t.Destination.String(),
			"apci", t.APCI, "data", fmt.Sprintf("%X", t.Data))
	}
}

func (c *conn) fail(err error) {
	c.failOnce.Do(func() {
		c.cause = err
		close(c.dead)
		c.nc.Close()
	})
}

// write sends one group telegram.
func (c *conn) write(ctx context.Context, t Telegram) error {
	select {
	case <-c.dead:
		return fmt.Errorf("knx: connection lost: %w", c.cause)
	default:
	}

	msg := EncodeKNXDMessage(EIBGroupPacket, t.Encode())

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("knx: set write deadline: %w", err)
	}
	if _, err := c.nc.Write(msg); err != nil {
		return fmt.Errorf("knx: write: %w", err)
	}
	c.telegramsTx.Add(1)
	return nil
}

func (c *conn) Close() error {
	c.fail(net.ErrClosed)
	c.wg.Wait()
	return nil
}
