// Package command turns viewer actuator requests into device commands.
package command

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/LeonardoBeccarini/aviary/internal/metrics"
	"github.com/LeonardoBeccarini/aviary/internal/model"
	"github.com/LeonardoBeccarini/aviary/internal/state"
)

// ErrPublish is returned when the command could not be handed to the bus.
var ErrPublish = errors.New("publish command")

type Publisher interface {
	Publish(ctx context.Context, topic, payload string) error
}

type Broadcaster interface {
	Broadcast(s model.DeviceState)
}

type SnapshotSaver interface {
	SaveSnapshot(s model.DeviceState)
}

type Config struct {
	Prefix      string
	Publisher   Publisher
	Store       *state.Store
	Broadcaster Broadcaster
	Snapshots   SnapshotSaver
	Logger      *log.Logger
	Metrics     *metrics.Metrics
}

type Dispatcher struct {
	cfg Config
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "aviary"
	}
	cfg.Prefix = strings.TrimRight(cfg.Prefix, "/")
	return &Dispatcher{cfg: cfg}
}

// SetTopic is the outbound topic for an actuator.
func SetTopic(prefix string, a model.Actuator) string {
	return fmt.Sprintf("%s/actuators/%s/set", prefix, a)
}

func payloadFor(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

// Toggle publishes the desired state to the actuator's set topic and, once
// the publish is accepted, applies it to the store ahead of the device's own
// report.
func (d *Dispatcher) Toggle(ctx context.Context, actuator string, on bool) error {
	a, err := model.ParseActuator(actuator)
	if err != nil {
		d.cfg.Logger.Printf("command: rejected toggle: %v", err)
		d.cfg.Metrics.Command("unknown", metrics.ResultIgnored)
		return err
	}

	topic := SetTopic(d.cfg.Prefix, a)
	if err := d.cfg.Publisher.Publish(ctx, topic, payloadFor(on)); err != nil {
		d.cfg.Logger.Printf("command: publish %s on %s failed: %v", payloadFor(on), topic, err)
		d.cfg.Metrics.Command(string(a), metrics.ResultError)
		return fmt.Errorf("%w: %s: %w", ErrPublish, topic, err)
	}

	snap := d.cfg.Store.Apply(state.SetActuator(a, on))
	d.cfg.Metrics.Command(string(a), metrics.ResultOK)
	d.cfg.Logger.Printf("command: %s -> %s", a, payloadFor(on))

	if d.cfg.Broadcaster != nil {
		d.cfg.Broadcaster.Broadcast(snap)
	}
	if d.cfg.Snapshots != nil {
		d.cfg.Snapshots.SaveSnapshot(snap)
	}
	return nil
}
