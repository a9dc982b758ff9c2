// Package mqtt forwards engine notifications to an MQTT broker.
//
// Client wraps paho.mqtt.golang with connection management and bounded publish
// waits. Bridge drains a notification listener and publishes one JSON message per
// notification under the configured topic prefix.
package mqtt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/pkg/config"
)

const (
	// defaultTimeout bounds connect and publish waits when the config leaves it unset
	defaultTimeout = 5 * time.Second

	// disconnectQuiesce is the time in milliseconds paho may spend flushing on disconnect
	disconnectQuiesce = 250

	keepAlive = 30 * time.Second

	maxQoS = 2
)

// Client is a connected broker session. It is safe for concurrent use.
type Client struct {
	client  pahomqtt.Client
	cfg     config.MQTTConfig
	timeout time.Duration
	logger  *logrus.Logger

	mu        sync.RWMutex
	connected bool
}

// Connect dials the broker described by cfg and publishes a retained online status.
// The broker publishes the offline status on our behalf if the session dies.
func Connect(cfg config.MQTTConfig, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
	}
	c := newClient(nil, cfg, logger)

	opts := c.clientOptions()
	c.client = pahomqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(c.timeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, c.timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.setConnected(true)

	logger.WithFields(logrus.Fields{"broker": cfg.Broker, "client_id": cfg.ClientID}).Info("Connected to MQTT broker")
	return c, nil
}

func newClient(pc pahomqtt.Client, cfg config.MQTTConfig, logger *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{client: pc, cfg: cfg, timeout: timeout, logger: logger}
}

func (c *Client) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(c.timeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(StatusTopic(c.cfg.TopicPrefix), statusPayload("offline"), 1, true)

	opts.SetOnConnectHandler(func(pc pahomqtt.Client) {
		c.setConnected(true)
		pc.Publish(StatusTopic(c.cfg.TopicPrefix), 1, true, statusPayload("online"))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.setConnected(false)
		c.logger.WithError(err).Warn("MQTT connection lost, reconnecting")
	})
	return opts
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Publish sends payload to topic and waits for the broker to accept it.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, c.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close publishes the offline status and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(StatusTopic(c.cfg.TopicPrefix), 1, true, statusPayload("offline"))
		token.WaitTimeout(c.timeout)
	}
	c.client.Disconnect(disconnectQuiesce)
	c.setConnected(false)
	return nil
}

func statusPayload(status string) string {
	return fmt.Sprintf(`{"status":%q,"timestamp":%q}`, status, time.Now().UTC().Format(time.RFC3339))
}
