package mqtt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/metrics"
	"github.com/srg/blelink/internal/notify"
	"github.com/srg/blelink/pkg/config"
)

// Publisher sends one message to the broker. Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// BridgeOptions configures a Bridge
type BridgeOptions struct {
	TopicPrefix string
	QoS         byte
	Retain      bool // applies to characteristic values only
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
}

// BridgeOptionsFromConfig maps the MQTT configuration onto bridge options.
func BridgeOptionsFromConfig(cfg config.MQTTConfig, logger *logrus.Logger, m *metrics.Metrics) BridgeOptions {
	return BridgeOptions{
		TopicPrefix: cfg.TopicPrefix,
		QoS:         byte(cfg.QoS),
		Retain:      cfg.Retain,
		Logger:      logger,
		Metrics:     m,
	}
}

// Bridge republishes notifications to MQTT
type Bridge struct {
	pub     Publisher
	opts    BridgeOptions
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewBridge creates a bridge publishing through pub.
func NewBridge(pub Publisher, opts BridgeOptions) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "blelink"
	}
	return &Bridge{pub: pub, opts: opts, logger: logger, metrics: opts.Metrics}
}

// Message is the JSON payload published for every notification.
type Message struct {
	Kind           string    `json:"kind"`
	Device         string    `json:"device"`
	Name           string    `json:"name,omitempty"`
	RSSI           int       `json:"rssi,omitempty"`
	Service        string    `json:"service,omitempty"`
	Characteristic string    `json:"characteristic,omitempty"`
	Value          string    `json:"value,omitempty"` // hex
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Run publishes every notification from l until ctx is done or l is closed.
// Publish failures are logged and counted; they never stop the bridge.
func (b *Bridge) Run(ctx context.Context, l *notify.Listener) error {
	b.logger.WithField("prefix", b.opts.TopicPrefix).Info("MQTT bridge started")
	defer b.logger.Info("MQTT bridge stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-l.C():
			if !ok {
				return nil
			}
			if err := b.Forward(n); err != nil {
				b.logger.WithFields(logrus.Fields{
					"kind":   n.Kind.String(),
					"device": n.DeviceID,
					"error":  err,
				}).Warn("Failed to forward notification")
			}
		}
	}
}

// Forward publishes a single notification.
func (b *Bridge) Forward(n notify.Notification) error {
	topic, msg, retain := b.encode(n)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Kind, err)
	}

	err = b.pub.Publish(topic, payload, b.opts.QoS, retain)
	b.metrics.RecordBridgePublish(err == nil)
	if err != nil {
		return err
	}
	b.logger.WithFields(logrus.Fields{"topic": topic, "bytes": len(payload)}).Debug("Published notification")
	return nil
}

func (b *Bridge) encode(n notify.Notification) (string, Message, bool) {
	msg := Message{Kind: n.Kind.String(), Device: n.DeviceID, Timestamp: n.At.UTC()}
	if n.At.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	prefix := b.opts.TopicPrefix

	switch n.Kind {
	case notify.DeviceFound:
		msg.Name, msg.RSSI = n.Entry.Name, n.Entry.RSSI
		return FoundTopic(prefix, n.DeviceID), msg, false
	case notify.DeviceDisconnected:
		if n.Err != nil {
			msg.Error = n.Err.Error()
		}
		return DisconnectedTopic(prefix, n.DeviceID), msg, false
	default:
		msg.Service = n.Attribute.Service
		msg.Characteristic = n.Attribute.Characteristic
		msg.Value = hex.EncodeToString(n.Value)
		return ValueTopic(prefix, n.DeviceID, n.Attribute), msg, b.opts.Retain
	}
}
