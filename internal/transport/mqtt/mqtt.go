// Package mqtt drives actionners that take requests over an MQTT broker.
//
// A remote "tcp://broker:1883/lab/relays" names the broker and the topic
// prefix the actionner listens under. A command for id "Z3" is published
// to "lab/relays/command/Z3" as
//
//	{"request_id":"…","target":"Z3","command":"AQ==","reply_to":"lab/relays/reply/<client>"}
//
// and the actionner answers on reply_to with {"request_id":"…","reply":"b2s="}
// or {"request_id":"…","error":"…"}. Byte fields are base64.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/homegate/internal/fault"
	"github.com/nerrad567/homegate/internal/infrastructure/config"
	broker "github.com/nerrad567/homegate/internal/infrastructure/mqtt"
	"github.com/nerrad567/homegate/internal/protocol"
	"github.com/nerrad567/homegate/internal/transport"
)

// ProtocolName is the catalog name of this driver.
const ProtocolName = "mqtt"

const defaultPort = 1883

var (
	// ErrInvalidTarget is returned for ids that cannot form a topic level.
	ErrInvalidTarget = fault.New("mqtt: invalid target", fault.ErrInvalidArgument)

	errConnectionLost = errors.New("mqtt: connection lost")
)

// Request is the envelope published for each command.
type Request struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
	Command   []byte `json:"command"`
	ReplyTo   string `json:"reply_to"`
}

// Response is the envelope an actionner publishes back.
type Response struct {
	RequestID string `json:"request_id"`
	Reply     []byte `json:"reply,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Logger is passed to the underlying broker client.
type Logger = broker.Logger

// Driver implements transport.Driver over MQTT request/reply.
type Driver struct {
	cfg    config.MQTTDriverConfig
	logger Logger
}

// New creates a driver. cfg.ClientID is used as a prefix; every connection
// gets its own suffix so several actionners on one broker do not collide.
func New(cfg config.MQTTDriverConfig) *Driver {
	return &Driver{cfg: cfg}
}

// SetLogger sets the logger handed to broker clients.
func (d *Driver) SetLogger(logger Logger) {
	d.logger = logger
}

// Protocol implements transport.Driver.
func (d *Driver) Protocol() protocol.Protocol {
	return protocol.Protocol{
		Name:        ProtocolName,
		Description: "JSON request/reply over an MQTT broker",
	}
}

// brokerConfig turns a remote into client settings.
func (d *Driver) brokerConfig(remote string) (config.MQTTConfig, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return config.MQTTConfig{}, fmt.Errorf("mqtt: invalid remote: %w", err)
	}

	var tls bool
	switch u.Scheme {
	case "tcp", "mqtt":
	case "ssl", "tls", "mqtts":
		tls = true
	default:
		return config.MQTTConfig{}, fmt.Errorf("mqtt: unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return config.MQTTConfig{}, errors.New("mqtt: remote host is required")
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return config.MQTTConfig{}, fmt.Errorf("mqtt: invalid port %q", p)
		}
	}

	clientID := d.cfg.ClientID
	if clientID == "" {
		clientID = "homegate-driver"
	}
	clientID += "-" + uuid.NewString()[:8]

	cfg := config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     u.Hostname(),
			Port:     port,
			TLS:      tls,
			ClientID: clientID,
		},
		Auth: config.MQTTAuthConfig{
			Username: d.cfg.Username,
			Password: d.cfg.Password,
		},
		QoS:         d.cfg.QoS,
		TopicPrefix: strings.Trim(u.Path, "/"),
		Reconnect:   config.MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 30},
	}
	if user := u.User; user != nil {
		cfg.Auth.Username = user.Username()
		cfg.Auth.Password, _ = user.Password()
	}
	return cfg, nil
}

// Dial connects to the broker and subscribes to this connection's reply
// topic. A lost broker connection fails the conn for good; the pool dials
// a fresh one.
func (d *Driver) Dial(ctx context.Context, remote string) (transport.Conn, error) {
	cfg, err := d.brokerConfig(remote)
	if err != nil {
		return nil, err
	}

	client, err := broker.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if d.logger != nil {
		client.SetLogger(d.logger)
	}

	c := newConn(client.Topics(), client.ClientID(), byte(cfg.QoS), client)
	client.SetOnDisconnect(func(err error) {
		c.fail(fmt.Errorf("%w: %v", errConnectionLost, err))
	})
	if err := client.Subscribe(c.replyTo, byte(cfg.QoS), c.handleResponse); err != nil {
		client.Close() //nolint:errcheck // dial is failing anyway
		return nil, err
	}
	return c, nil
}

// publisher is the part of the broker client a conn needs.
type publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Close() error
}

type conn struct {
	client  publisher
	topics  broker.Topics
	replyTo string
	qos     byte

	mu      sync.Mutex
	pending map[string]chan Response
	dead    chan struct{}
	cause   error
}

func newConn(topics broker.Topics, clientID string, qos byte, client publisher) *conn {
	return &conn{
		client:  client,
		topics:  topics,
		replyTo: topics.Reply(clientID),
		qos:     qos,
		pending: make(map[string]chan Response),
		dead:    make(chan struct{}),
	}
}

func (c *conn) Multiplexed() bool { return true }

func (c *conn) Close() error {
	c.fail(net.ErrClosed)
	return c.client.Close()
}

// fail marks the connection dead. Waiting calls see cause.
func (c *conn) fail(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.dead:
		return
	default:
	}
	c.cause = cause
	close(c.dead)
}

func (c *conn) err() error {
	select {
	case <-c.dead:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.cause
	default:
		return nil
	}
}

// handleResponse routes a reply to its waiting call. Replies nobody waits
// for any more are dropped.
func (c *conn) handleResponse(_ string, payload []byte) error {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	delete(c.pending, resp.RequestID)
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
	return nil
}

func (c *conn) Send(_ context.Context, target string, command []byte) (transport.Call, error) {
	if target == "" || strings.ContainsAny(target, "/+#") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	if err := c.err(); err != nil {
		return nil, err
	}

	req := Request{
		RequestID: uuid.NewString(),
		Target:    target,
		Command:   command,
		ReplyTo:   c.replyTo,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mqtt: encoding request: %w", err)
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	if err := c.client.Publish(c.topics.Command(target), payload, c.qos, false); err != nil {
		c.forget(req.RequestID)
		return nil, err
	}
	return &call{c: c, id: req.RequestID, ch: ch}, nil
}

func (c *conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

type call struct {
	c  *conn
	id string
	ch chan Response
}

func (cl *call) Reply(ctx context.Context) ([]byte, error) {
	select {
	case resp := <-cl.ch:
		if resp.Error != "" {
			return nil, &transport.RemoteError{Message: resp.Error}
		}
		return resp.Reply, nil
	case <-cl.c.dead:
		cl.c.forget(cl.id)
		return nil, cl.c.err()
	case <-ctx.Done():
		cl.c.forget(cl.id)
		return nil, ctx.Err()
	}
}
