// Package mqtt mirrors persisted records to an MQTT broker for dashboards.
// Publishing never blocks the poll cycle: records are queued and sent by a
// background worker, with the oldest message dropped when the queue is full.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher publishes record mirrors to the MQTT broker.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
	now           func() time.Time
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	BufferSize     int
	PublishTimeout time.Duration
	RetainMessages bool
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

// PublisherStats tracks publisher activity.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesDropped   atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of PublisherStats.
type StatsSnapshot struct {
	MessagesPublished uint64 `json:"messages_published"`
	MessagesFailed    uint64 `json:"messages_failed"`
	MessagesDropped   uint64 `json:"messages_dropped"`
	BytesSent         uint64 `json:"bytes_sent"`
	ReconnectCount    uint64 `json:"reconnect_count"`
	Buffered          int    `json:"buffered"`
	Connected         bool   `json:"connected"`
}

// Envelope is the JSON payload of every mirrored record.
type Envelope struct {
	Kind        domain.RecordKind `json:"kind"`
	DeviceID    string            `json:"device_id"`
	PublishedAt time.Time         `json:"published_at"`
	Record      interface{}       `json:"record"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "plant-poller",
		TopicPrefix:    "plant",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     1000,
		PublishTimeout: 5 * time.Second,
	}
}

// NewPublisher creates a new MQTT publisher. Call Connect to start publishing.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = def.PublishTimeout
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = def.KeepAlive
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = def.ReconnectDelay
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = def.TopicPrefix
	}

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
		now:           time.Now,
	}
}

// Topic returns the topic a record is mirrored to: <prefix>/<kind>/<device>.
func (p *Publisher) Topic(kind domain.RecordKind, deviceID string) string {
	return strings.TrimSuffix(p.config.TopicPrefix, "/") + "/" + string(kind) + "/" + deviceID
}

// Connect establishes the connection to the MQTT broker and starts the publish worker.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	// The on-connect callback may not have fired yet.
	p.connected.Store(true)

	p.wg.Add(1)
	go p.processBuffer()

	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Disconnect drains what it can and disconnects from the broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// RecordSaved queues a persisted record for mirroring. It never blocks.
func (p *Publisher) RecordSaved(kind domain.RecordKind, deviceID string, record interface{}) {
	payload, err := json.Marshal(Envelope{
		Kind:        kind,
		DeviceID:    deviceID,
		PublishedAt: p.now(),
		Record:      record,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to encode record")
		return
	}
	p.enqueue(&BufferedMessage{Topic: p.Topic(kind, deviceID), Payload: payload, Timestamp: p.now()})
}

// enqueue adds a message, dropping the oldest when the buffer is full.
func (p *Publisher) enqueue(msg *BufferedMessage) {
	for {
		select {
		case p.messageBuffer <- msg:
			p.updateBufferGauge()
			return
		default:
		}
		select {
		case <-p.messageBuffer:
			p.stats.MessagesDropped.Add(1)
			p.logger.Warn().Msg("Buffer full, dropped oldest message")
		default:
		}
	}
}

func (p *Publisher) updateBufferGauge() {
	if p.metrics != nil {
		p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
	}
}

// publishRaw publishes a payload and waits for the broker acknowledgement.
func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	token := client.Publish(topic, p.config.QoS, p.config.RetainMessages, payload)
	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	var err error
	select {
	case success := <-publishDone:
		if !success {
			err = fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		} else if token.Error() != nil {
			err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(err == nil)
	}
	if err != nil {
		p.stats.MessagesFailed.Add(1)
		return err
	}
	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	return nil
}

// processBuffer publishes queued messages while connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return

		case msg := <-p.messageBuffer:
			p.updateBufferGauge()
			if !p.connected.Load() {
				// Put it back and wait for the reconnect.
				p.enqueue(msg)
				select {
				case <-p.done:
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg.Topic, msg.Payload); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish record")
			}
			cancel()
		}
	}
}

// drainBuffer attempts to publish all remaining buffered messages within 5 seconds.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if !p.connected.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg.Topic, msg.Payload); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
			}
			cancel()
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	p.logger.Info().Msg("MQTT connection established")
}

func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns a snapshot of publisher statistics.
func (p *Publisher) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesPublished: p.stats.MessagesPublished.Load(),
		MessagesFailed:    p.stats.MessagesFailed.Load(),
		MessagesDropped:   p.stats.MessagesDropped.Load(),
		BytesSent:         p.stats.BytesSent.Load(),
		ReconnectCount:    p.stats.ReconnectCount.Load(),
		Buffered:          len(p.messageBuffer),
		Connected:         p.connected.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}
