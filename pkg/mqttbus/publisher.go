package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrNotConnected = errors.New("mqtt client not connected")

// Publisher sends QoS 0 messages on arbitrary topics over a shared client.
type Publisher struct {
	client  mqtt.Client
	timeout time.Duration
	logger  *log.Logger
}

func NewPublisher(client mqtt.Client, timeout time.Duration, logger *log.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{client: client, timeout: timeout, logger: logger}
}

// Publish sends payload to topic and waits for the client to hand it off,
// bounded by ctx and the publisher timeout.
func (p *Publisher) Publish(ctx context.Context, topic, payload string) error {
	if p.client == nil || !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, 0, false, payload)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.logger.Printf("mqtt: message '%s' published to topic '%s'", payload, topic)
	return nil
}
