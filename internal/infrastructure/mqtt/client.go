package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/homegate/internal/infrastructure/config"
)

// Logger receives handler failures. *logging.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Client is a broker session shared by the event bus and the mqtt driver.
// It is safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	up atomic.Bool

	subMu sync.Mutex
	subs  map[string]subscription

	hookMu sync.RWMutex
	hooks  hooks
}

type hooks struct {
	onConnect    func()
	onDisconnect func(error)
	logger       Logger
}

// Connect dials the broker described by cfg and waits for the first
// session. A retained "online" status is published on every (re)connect
// and the broker is left a Last Will that flips it to "offline".
func Connect(ctx context.Context, cfg config.MQTTConfig) (*Client, error) {
	c := &Client{cfg: cfg, topics: NewTopics(cfg.TopicPrefix)}

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })

	c.client = pahomqtt.NewClient(opts)
	if err := c.waitFirstSession(ctx, c.client.Connect()); err != nil {
		return nil, err
	}
	// The paho callback runs asynchronously and may trail the token.
	c.up.Store(true)
	return c, nil
}

func (c *Client) waitFirstSession(ctx context.Context, token pahomqtt.Token) error {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		return nil
	case <-ctx.Done():
		c.client.Disconnect(0)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}
}

// Topics returns the topic builder for the configured prefix.
func (c *Client) Topics() Topics { return c.topics }

// ClientID returns the MQTT client id.
func (c *Client) ClientID() string { return c.cfg.Broker.ClientID }

func (c *Client) connected() {
	c.up.Store(true)
	c.resubscribe()
	c.client.Publish(c.topics.Status(), byte(c.cfg.QoS), true, buildStatusPayload(c.ClientID(), "online", ""))

	if fn := c.currentHooks().onConnect; fn != nil {
		fn()
	}
}

func (c *Client) lost(err error) {
	c.up.Store(false)
	if fn := c.currentHooks().onDisconnect; fn != nil {
		fn(err)
	}
}

// Close announces a graceful "offline" status and disconnects. It is a
// no-op on a client that never connected.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		status := buildStatusPayload(c.ClientID(), "offline", "graceful_shutdown")
		c.client.Publish(c.topics.Status(), byte(c.cfg.QoS), true, status).WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.up.Store(false)
	return nil
}

// HealthCheck fails unless the broker session is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the session is currently up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.up.Load() && c.client.IsConnected()
}

// SetOnConnect registers fn for the first connect and every reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.hookMu.Lock()
	c.hooks.onConnect = fn
	c.hookMu.Unlock()
}

// SetOnDisconnect registers fn for lost connections.
func (c *Client) SetOnDisconnect(fn func(error)) {
	c.hookMu.Lock()
	c.hooks.onDisconnect = fn
	c.hookMu.Unlock()
}

// SetLogger sets where handler errors and panics are reported.
func (c *Client) SetLogger(logger Logger) {
	c.hookMu.Lock()
	c.hooks.logger = logger
	c.hookMu.Unlock()
}

func (c *Client) currentHooks() hooks {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	return c.hooks
}

func (c *Client) route(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.dispatch(handler, msg.Topic(), msg.Payload())
	}
}

// dispatch runs handler, containing panics.
func (c *Client) dispatch(handler MessageHandler, topic string, payload []byte) {
	log := c.currentHooks().logger
	defer func() {
		if r := recover(); r != nil && log != nil {
			log.Error("mqtt handler panicked", "topic", topic, "panic", r)
		}
	}()
	if err := handler(topic, payload); err != nil && log != nil {
		log.Warn("mqtt handler failed", "topic", topic, "error", err)
	}
}
