// Package mqtt publishes acquisition snapshots to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/couchcryptid/location-acquisition-service/internal/domain"
	"github.com/couchcryptid/location-acquisition-service/internal/observability"
)

const publishTimeout = 5 * time.Second

// tokenPublisher is the subset of pahomqtt.Client used by Publisher.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Connect dials the broker and waits for the session to be established.
func Connect(broker, clientID string, logger *slog.Logger) (pahomqtt.Client, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})

	client := pahomqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", broker, token.Error())
	}
	logger.Info("mqtt connected", "broker", broker, "client_id", clientID)
	return client, nil
}

// Publisher sends each state snapshot as retained JSON. Snapshots that
// arrive while a publish is in flight are coalesced; only the newest is sent.
type Publisher struct {
	client  tokenPublisher
	topic   string
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	pending []byte
	wake    chan struct{}
}

// NewPublisher creates a Publisher. Call Run to start sending.
func NewPublisher(client tokenPublisher, topic string, metrics *observability.Metrics, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:  client,
		topic:   topic,
		metrics: metrics,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Listen queues s for publishing. It never blocks and is meant to be
// registered as a controller listener.
func (p *Publisher) Listen(s domain.State) {
	payload, err := json.Marshal(domain.NewView(s))
	if err != nil {
		p.logger.Error("snapshot marshal failed", "error", err)
		return
	}

	p.mu.Lock()
	p.pending = payload
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run publishes queued snapshots until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}

		p.mu.Lock()
		payload := p.pending
		p.pending = nil
		p.mu.Unlock()

		if payload != nil {
			p.publish(payload)
		}
	}
}

func (p *Publisher) publish(payload []byte) {
	token := p.client.Publish(p.topic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.metrics.PublishFailures.Inc()
		p.logger.Warn("snapshot publish timed out", "topic", p.topic)
		return
	}
	if err := token.Error(); err != nil {
		p.metrics.PublishFailures.Inc()
		p.logger.Warn("snapshot publish failed", "topic", p.topic, "error", err)
	}
}
