package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "tryon/events"

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Logger      *slog.Logger
}

type publishFunc func(topic string, qos byte, payload []byte) error

// MQTTPublisher forwards bus events to <prefix>/<type> as msgpack payloads.
type MQTTPublisher struct {
	client  mqtt.Client
	publish publishFunc
	prefix  string
	qos     byte
	logger  *slog.Logger

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

// MQTTStats reports publisher counters.
type MQTTStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// NewMQTTPublisher creates a publisher for cfg. Call Connect before Run.
func NewMQTTPublisher(cfg MQTTConfig) *MQTTPublisher {
	p := newPublisher(cfg.TopicPrefix, cfg.QoS, cfg.Logger, nil)

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tryon"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	p.client = mqtt.NewClient(opts)
	p.publish = func(topic string, qos byte, payload []byte) error {
		token := p.client.Publish(topic, qos, false, payload)
		if !token.WaitTimeout(2 * time.Second) {
			return errors.New("publish timeout")
		}
		return token.Error()
	}
	return p
}

func newPublisher(prefix string, qos byte, logger *slog.Logger, fn publishFunc) *MQTTPublisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{
		publish:   fn,
		prefix:    strings.TrimSuffix(prefix, "/"),
		qos:       qos,
		logger:    logger.With("component", "mqtt"),
		published: make(map[string]uint64),
		connected: fn != nil,
	}
}

// Connect establishes the broker connection.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if p.client == nil {
		return nil
	}

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

// Topic returns the topic an event is published to.
func (p *MQTTPublisher) Topic(e Event) string {
	return p.prefix + "/" + string(e.Type)
}

// Publish encodes e and sends it to the broker.
func (p *MQTTPublisher) Publish(e Event) error {
	if !p.isConnected() {
		p.countError()
		return errors.New("mqtt not connected")
	}

	payload, err := msgpack.Marshal(&e)
	if err != nil {
		p.countError()
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := p.Topic(e)
	if err := p.publish(topic, p.qos, payload); err != nil {
		p.countError()
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()

	p.logger.Debug("event published", "topic", topic, "size", len(payload))
	return nil
}

// Run forwards bus events until ctx is cancelled or the bus closes.
func (p *MQTTPublisher) Run(ctx context.Context, bus *Bus) {
	ch, unsubscribe := bus.Subscribe(DefaultBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(e); err != nil {
				p.logger.Debug("event not published", "type", e.Type, "error", err)
			}
		}
	}
}

// Disconnect closes the broker connection.
func (p *MQTTPublisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("mqtt disconnected")
	}
	p.setConnected(false)
}

// Stats returns publisher counters.
func (p *MQTTPublisher) Stats() MQTTStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return MQTTStats{Connected: p.connected, Published: published, Errors: p.errors}
}

// DecodeEvent decodes a msgpack payload produced by Publish.
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	if err := msgpack.Unmarshal(payload, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
