// Package mqtt implements the broker side of the bridge over MQTT.
//
// Client subscribes to the keyword topics and the control topic and delivers
// every inbound message on a channel. It relies on the paho client's own
// reconnection: subscriptions are re-issued on every successful connect, so
// cached values resume refreshing once the broker is back.
package mqtt

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/nadzzz/meshbridge/internal/message"
	"github.com/nadzzz/meshbridge/internal/transport"
)

const (
	DefaultPort           = 1883
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	messageBuffer = 256
	quiesceMillis = 250
)

// Config holds the broker connection settings.
type Config struct {
	// Broker is a host name or a full URL such as "tcp://host:1883".
	Broker         string
	Port           int
	Username       string
	Password       string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QoS            byte
}

// BrokerURL returns the URL paho dials. A Broker that already carries a
// scheme is used as-is.
func (c Config) BrokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return "tcp://" + net.JoinHostPort(c.Broker, strconv.Itoa(port))
}

// Client implements transport.PubSub over MQTT.
type Client struct {
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time
	msgs chan message.BrokerMessage
	done chan struct{}

	mu      sync.Mutex
	client  paho.Client
	topics  []string
	onState transport.StateFunc

	closeOnce sync.Once
}

// New creates a new MQTT client. It does not connect until Connect is called.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "meshbridge"
	}
	return &Client{
		cfg:  cfg,
		log:  logger.With().Str("component", "mqtt").Str("broker", cfg.BrokerURL()).Logger(),
		now:  time.Now,
		msgs: make(chan message.BrokerMessage, messageBuffer),
		done: make(chan struct{}),
	}
}

// Name returns the transport identifier.
func (c *Client) Name() string { return "mqtt" }

// OnStateChange registers fn for connection state changes, including the
// ones paho detects in the background.
func (c *Client) OnStateChange(fn transport.StateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Client) notify(s transport.State, err error) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s, err)
	}
}

// Connect dials the broker and subscribes to topics. It blocks until the
// first connection attempt completes or ctx is done.
func (c *Client) Connect(ctx context.Context, topics []string) error {
	c.mu.Lock()
	c.topics = append([]string(nil), topics...)
	c.mu.Unlock()

	opts := paho.NewClientOptions().
		AddBroker(c.cfg.BrokerURL()).
		SetClientID(c.cfg.ClientID).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			c.log.Info().Msg("reconnecting")
			c.notify(transport.Connecting, nil)
		})
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	client := paho.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	tok := client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", c.cfg.BrokerURL(), err)
	}
	return nil
}

// onConnect runs after every successful connect, including reconnects.
func (c *Client) onConnect(client paho.Client) {
	c.mu.Lock()
	topics := append([]string(nil), c.topics...)
	c.mu.Unlock()

	for _, topic := range topics {
		tok := client.Subscribe(topic, c.cfg.QoS, c.onMessage)
		if !tok.WaitTimeout(c.cfg.ConnectTimeout) {
			c.log.Warn().Str("topic", topic).Msg("subscribe timed out")
			continue
		}
		if err := tok.Error(); err != nil {
			c.log.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
			continue
		}
		c.log.Debug().Str("topic", topic).Msg("subscribed")
	}

	c.log.Info().Int("topics", len(topics)).Msg("connected to broker")
	c.notify(transport.Connected, nil)
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn().Err(err).Msg("broker connection lost")
	c.notify(transport.Disconnected, err)
}

func (c *Client) onMessage(_ paho.Client, m paho.Message) {
	bm := message.BrokerMessage{
		Topic:      m.Topic(),
		Payload:    strings.ToValidUTF8(string(m.Payload()), ""),
		ReceivedAt: c.now(),
	}
	select {
	case c.msgs <- bm:
	case <-c.done:
	}
}

// Publish sends payload to topic and waits for the broker to accept it.
func (c *Client) Publish(ctx context.Context, topic, payload string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("publish %s: not connected", topic)
	}

	tok := client.Publish(topic, c.cfg.QoS, false, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Messages delivers inbound messages. The channel is never closed; stop
// reading when the bridge's context is done.
func (c *Client) Messages() <-chan message.BrokerMessage { return c.msgs }

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		client := c.client
		c.mu.Unlock()
		if client != nil && client.IsConnectionOpen() {
			client.Disconnect(quiesceMillis)
		}
		c.log.Info().Msg("mqtt client closed")
	})
	return nil
}
