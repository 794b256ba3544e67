package simulator

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/aviary/internal/model"
	"github.com/LeonardoBeccarini/aviary/internal/services/command"
)

// Publisher is satisfied by *mqttbus.Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic, payload string) error
}

type Simulator struct {
	prefix    string
	device    *Device
	publisher Publisher
	logger    *log.Logger
}

func New(prefix string, device *Device, publisher Publisher, logger *log.Logger) *Simulator {
	if logger == nil {
		logger = log.Default()
	}
	return &Simulator{
		prefix:    strings.TrimRight(prefix, "/"),
		device:    device,
		publisher: publisher,
		logger:    logger,
	}
}

// CommandTopics are the set topics the simulator listens on.
func CommandTopics(prefix string) []string {
	prefix = strings.TrimRight(prefix, "/")
	return []string{
		command.SetTopic(prefix, model.ActuatorFan),
		command.SetTopic(prefix, model.ActuatorWindow),
	}
}

func (s *Simulator) topic(suffix string) string { return s.prefix + "/" + suffix }

func boolPayload(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Tick publishes one reading on the four sensor topics.
func (s *Simulator) Tick(ctx context.Context, now time.Time) error {
	r := s.device.Next(now)
	msgs := [][2]string{
		{"temperature", strconv.FormatFloat(r.Temperature, 'f', 1, 64)},
		{"humidity", strconv.FormatFloat(r.Humidity, 'f', -1, 64)},
		{"light", strconv.Itoa(r.Light)},
		{"gas", boolPayload(r.Gas)},
	}
	for _, m := range msgs {
		if err := s.publisher.Publish(ctx, s.topic(m[0]), m[1]); err != nil {
			return fmt.Errorf("publish %s: %w", m[0], err)
		}
	}
	return nil
}

// HandleCommand applies a set command and reports the resulting actuator
// state on the device topic.
func (s *Simulator) HandleCommand(topic string, payload []byte) error {
	var a model.Actuator
	switch topic {
	case command.SetTopic(s.prefix, model.ActuatorFan):
		a = model.ActuatorFan
	case command.SetTopic(s.prefix, model.ActuatorWindow):
		a = model.ActuatorWindow
	default:
		return nil
	}

	v, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil || (v != 0 && v != 1) {
		return fmt.Errorf("bad %s command %q", a, payload)
	}
	on := v == 1
	if a == model.ActuatorFan {
		s.device.SetFan(on)
	} else {
		s.device.SetWindow(on)
	}
	s.logger.Printf("sim: %s -> %s", a, boolPayload(on))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.publisher.Publish(ctx, s.topic(string(a)), boolPayload(on))
}

// Run ticks every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := s.Tick(ctx, now); err != nil {
				s.logger.Printf("sim: %v", err)
			}
		}
	}
}
