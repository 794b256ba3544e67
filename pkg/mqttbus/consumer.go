package mqttbus

import (
	"errors"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler processes one inbound message.
type Handler func(topic string, payload []byte) error

// MultiConsumer binds one handler to a fixed set of topics.
type MultiConsumer struct {
	topics  []string
	qos     byte
	handler Handler
	logger  *log.Logger
}

func NewMultiConsumer(topics []string, handler Handler, logger *log.Logger) *MultiConsumer {
	if logger == nil {
		logger = log.Default()
	}
	return &MultiConsumer{
		topics:  append([]string(nil), topics...),
		handler: handler,
		logger:  logger,
	}
}

func (m *MultiConsumer) SetHandler(handler Handler) {
	m.handler = handler
}

func (m *MultiConsumer) Topics() []string {
	return append([]string(nil), m.topics...)
}

// Dispatch hands one message to the handler, logging the handler's error.
func (m *MultiConsumer) Dispatch(topic string, payload []byte) {
	if m.handler == nil {
		m.logger.Printf("mqtt: no handler set for topic %s", topic)
		return
	}
	if err := m.handler(topic, payload); err != nil {
		m.logger.Printf("mqtt: error handling message on %s: %v", topic, err)
	}
}

// Subscribe registers every topic on c. A failing topic does not stop the
// others; all failures are returned joined.
func (m *MultiConsumer) Subscribe(c mqtt.Client) error {
	var errs []error
	for _, topic := range m.topics {
		token := c.Subscribe(topic, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
			m.Dispatch(msg.Topic(), msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			m.logger.Printf("mqtt: error subscribing to topic %s: %v", topic, err)
			errs = append(errs, fmt.Errorf("subscribe %s: %w", topic, err))
			continue
		}
		m.logger.Printf("mqtt: subscribed to topic %s", topic)
	}
	return errors.Join(errs...)
}

func (m *MultiConsumer) Unsubscribe(c mqtt.Client) {
	if c == nil || !c.IsConnected() {
		return
	}
	c.Unsubscribe(m.topics...).Wait()
}
