// Package config loads the dashboard configuration.
//
// Values come from three layers, later layers winning: built-in defaults, an
// optional YAML file, and environment variables.
//
// Example configuration:
//
//	mqtt:
//	  host: broker.local
//	  port: 1883
//	  topic_prefix: aviary
//	http:
//	  port: 8080
//	  grpc_port: 9090
//	archive:
//	  backend: bolt
//	  bolt:
//	    path: /var/lib/aviary/aviary.db
//	viewers:
//	  history_on_connect: 20
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendInflux = "influx"
	BackendBolt   = "bolt"
	BackendMemory = "memory"

	maxHistoryOnConnect = 500
)

type Config struct {
	MQTT    MQTTConfig    `yaml:"mqtt"`
	HTTP    HTTPConfig    `yaml:"http"`
	Archive ArchiveConfig `yaml:"archive"`
	Viewers ViewerConfig  `yaml:"viewers"`
}

// MQTTConfig describes the broker connection. An empty ClientID becomes
// "aviary-" plus a random suffix.
type MQTTConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	User           string   `yaml:"user"`
	Password       string   `yaml:"password"`
	ClientID       string   `yaml:"client_id"`
	TopicPrefix    string   `yaml:"topic_prefix"`
	KeepAlive      Duration `yaml:"keep_alive"`
	ConnectRetries int      `yaml:"connect_retries"`
	PublishTimeout Duration `yaml:"publish_timeout"`
}

// HTTPConfig holds the listeners. GRPCPort serves grpc.health.v1; 0
// disables it.
type HTTPConfig struct {
	Port            int      `yaml:"port"`
	GRPCPort        int      `yaml:"grpc_port"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type ArchiveConfig struct {
	Backend      string        `yaml:"backend"`
	QueueSize    int           `yaml:"queue_size"`
	WriteTimeout Duration      `yaml:"write_timeout"`
	Breaker      BreakerConfig `yaml:"breaker"`
	Influx       InfluxConfig  `yaml:"influx"`
	Bolt         BoltConfig    `yaml:"bolt"`
}

type BreakerConfig struct {
	Failures int      `yaml:"failures"`
	OpenFor  Duration `yaml:"open_for"`
}

type InfluxConfig struct {
	URL      string   `yaml:"url"`
	Token    string   `yaml:"token"`
	Org      string   `yaml:"org"`
	Bucket   string   `yaml:"bucket"`
	Lookback Duration `yaml:"lookback"`
}

type BoltConfig struct {
	Path string `yaml:"path"`
}

type ViewerConfig struct {
	HistoryOnConnect int `yaml:"history_on_connect"`
	QueueSize        int `yaml:"queue_size"`
}

// Duration wraps time.Duration for YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		MQTT: MQTTConfig{
			Host:           "localhost",
			Port:           1883,
			TopicPrefix:    "aviary",
			KeepAlive:      Duration(30 * time.Second),
			ConnectRetries: 5,
			PublishTimeout: Duration(3 * time.Second),
		},
		HTTP: HTTPConfig{
			Port:            8080,
			GRPCPort:        9090,
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Archive: ArchiveConfig{
			Backend:      BackendInflux,
			QueueSize:    256,
			WriteTimeout: Duration(5 * time.Second),
			Breaker:      BreakerConfig{Failures: 3, OpenFor: Duration(10 * time.Second)},
			Influx: InfluxConfig{
				URL:      "http://localhost:8086",
				Org:      "aviary",
				Bucket:   "aviary",
				Lookback: Duration(30 * 24 * time.Hour),
			},
			Bolt: BoltConfig{Path: "aviary.db"},
		},
		Viewers: ViewerConfig{HistoryOnConnect: 20, QueueSize: 32},
	}
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		data = b
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

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

// ApplyEnv overrides fields from the process environment.
func (c *Config) ApplyEnv() {
	c.MQTT.Host = envStr("MQTT_HOST", c.MQTT.Host)
	c.MQTT.Port = envInt("MQTT_PORT", c.MQTT.Port)
	c.MQTT.User = envStr("MQTT_USER", c.MQTT.User)
	c.MQTT.Password = envStr("MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.ClientID = envStr("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.TopicPrefix = envStr("TOPIC_PREFIX", c.MQTT.TopicPrefix)

	c.HTTP.Port = envInt("HTTP_PORT", c.HTTP.Port)
	c.HTTP.GRPCPort = envInt("GRPC_PORT", c.HTTP.GRPCPort)

	c.Archive.Backend = strings.ToLower(envStr("ARCHIVE_BACKEND", c.Archive.Backend))
	c.Archive.Influx.URL = envStr("INFLUX_URL", c.Archive.Influx.URL)
	c.Archive.Influx.Token = envStr("INFLUX_TOKEN", c.Archive.Influx.Token)
	c.Archive.Influx.Org = envStr("INFLUX_ORG", c.Archive.Influx.Org)
	c.Archive.Influx.Bucket = envStr("INFLUX_BUCKET", c.Archive.Influx.Bucket)
	c.Archive.Bolt.Path = envStr("BOLT_PATH", c.Archive.Bolt.Path)

	c.Viewers.HistoryOnConnect = envInt("HISTORY_ON_CONNECT", c.Viewers.HistoryOnConnect)
}

func validPort(p int) bool { return p > 0 && p < 65536 }

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.MQTT.Host) == "" {
		errs = append(errs, errors.New("mqtt.host is required"))
	}
	if !validPort(c.MQTT.Port) {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	prefix := strings.Trim(c.MQTT.TopicPrefix, "/")
	if prefix == "" {
		errs = append(errs, errors.New("mqtt.topic_prefix is required"))
	} else if strings.ContainsAny(prefix, "+#") {
		errs = append(errs, fmt.Errorf("mqtt.topic_prefix %q must not contain wildcards", c.MQTT.TopicPrefix))
	}
	if c.MQTT.ConnectRetries < 0 {
		errs = append(errs, errors.New("mqtt.connect_retries must not be negative"))
	}

	if !validPort(c.HTTP.Port) {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.GRPCPort != 0 {
		if !validPort(c.HTTP.GRPCPort) {
			errs = append(errs, fmt.Errorf("http.grpc_port %d out of range", c.HTTP.GRPCPort))
		} else if c.HTTP.GRPCPort == c.HTTP.Port {
			errs = append(errs, errors.New("http.grpc_port must differ from http.port"))
		}
	}

	switch c.Archive.Backend {
	case BackendInflux:
		if c.Archive.Influx.URL == "" || c.Archive.Influx.Org == "" || c.Archive.Influx.Bucket == "" {
			errs = append(errs, errors.New("archive.influx needs url, org and bucket"))
		}
	case BackendBolt:
		if c.Archive.Bolt.Path == "" {
			errs = append(errs, errors.New("archive.bolt.path is required"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("archive.backend %q: want influx, bolt or memory", c.Archive.Backend))
	}
	if c.Archive.QueueSize < 1 {
		errs = append(errs, errors.New("archive.queue_size must be positive"))
	}

	if c.Viewers.HistoryOnConnect < 1 || c.Viewers.HistoryOnConnect > maxHistoryOnConnect {
		errs = append(errs, fmt.Errorf("viewers.history_on_connect %d: want 1..%d", c.Viewers.HistoryOnConnect, maxHistoryOnConnect))
	}
	if c.Viewers.QueueSize < 2 {
		errs = append(errs, errors.New("viewers.queue_size must be at least 2"))
	}
	return errors.Join(errs...)
}

// Redacted is a copy safe to print.
func (c Config) Redacted() Config {
	if c.MQTT.Password != "" {
		c.MQTT.Password = "***"
	}
	if c.Archive.Influx.Token != "" {
		c.Archive.Influx.Token = "***"
	}
	return c
}
