// Command aviary-sim publishes synthetic aviary telemetry and answers
// actuator commands, for running the dashboard without hardware.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/aviary/internal/simulator"
	"github.com/LeonardoBeccarini/aviary/pkg/mqttbus"
)

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	host := flag.String("host", envStr("MQTT_HOST", "localhost"), "MQTT broker host")
	port := flag.Int("port", envInt("MQTT_PORT", 1883), "MQTT broker port")
	prefix := flag.String("prefix", envStr("TOPIC_PREFIX", "aviary"), "topic prefix")
	clientID := flag.String("client-id", "aviary-sim", "MQTT client ID")
	interval := flag.Duration("interval", 5*time.Second, "publish interval")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.Default()
	device := simulator.NewDevice(*seed)

	// commands can arrive before the publisher exists; they are ignored until then
	var sim atomic.Pointer[simulator.Simulator]
	consumer := mqttbus.NewMultiConsumer(simulator.CommandTopics(*prefix), func(topic string, payload []byte) error {
		if s := sim.Load(); s != nil {
			return s.HandleCommand(topic, payload)
		}
		return nil
	}, logger)

	client, err := mqttbus.Dial(ctx, mqttbus.Config{
		Host:     *host,
		Port:     *port,
		User:     envStr("MQTT_USER", ""),
		Password: envStr("MQTT_PASSWORD", ""),
		ClientID: *clientID,
		OnConnect: func(c mqtt.Client) {
			if err := consumer.Subscribe(c); err != nil {
				logger.Printf("sim: subscribe: %v", err)
			}
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("sim: %v", err)
	}

	s := simulator.New(*prefix, device, mqttbus.NewPublisher(client, 3*time.Second, logger), logger)
	sim.Store(s)

	logger.Printf("sim: publishing under %s/ every %s", *prefix, *interval)
	s.Run(ctx, *interval)
}
