package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/LeonardoBeccarini/aviary/internal/config"
	"github.com/LeonardoBeccarini/aviary/internal/metrics"
	"github.com/LeonardoBeccarini/aviary/internal/services/archive"
	"github.com/LeonardoBeccarini/aviary/internal/services/command"
	"github.com/LeonardoBeccarini/aviary/internal/services/dashboard"
	"github.com/LeonardoBeccarini/aviary/internal/services/fanout"
	"github.com/LeonardoBeccarini/aviary/internal/services/health"
	"github.com/LeonardoBeccarini/aviary/internal/services/ingest"
	"github.com/LeonardoBeccarini/aviary/internal/state"
	"github.com/LeonardoBeccarini/aviary/pkg/mqttbus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard",
	Long: `Connect to the broker, subscribe to the device topics and serve the
dashboard until interrupted.

The process exits with status 1 when the first broker connection cannot be
established; later disconnects are retried automatically.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("config", "c", "", "path to config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds))
}

func openBackend(cfg config.ArchiveConfig) (archive.Backend, error) {
	switch cfg.Backend {
	case config.BackendInflux:
		return archive.NewInflux(archive.InfluxConfig{
			URL:      cfg.Influx.URL,
			Token:    cfg.Influx.Token,
			Org:      cfg.Influx.Org,
			Bucket:   cfg.Influx.Bucket,
			Lookback: cfg.Influx.Lookback.Duration(),
		})
	case config.BackendBolt:
		return archive.OpenBolt(cfg.Bolt.Path)
	case config.BackendMemory:
		return archive.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// === Archive ===
	backend, err := openBackend(cfg.Archive)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	guarded := archive.NewGuarded(backend, archive.BreakerSettings{
		Failures: cfg.Archive.Breaker.Failures,
		OpenFor:  cfg.Archive.Breaker.OpenFor.Duration(),
		Logger:   logger,
	})
	pingCtx, cancelPing := context.WithTimeout(ctx, 3*time.Second)
	if err := guarded.Ping(pingCtx); err != nil {
		logger.Printf("archive: %s not reachable yet, history is best effort: %v", guarded.Name(), err)
	}
	cancelPing()
	recorder := archive.NewRecorder(guarded, archive.RecorderOptions{
		QueueSize:    cfg.Archive.QueueSize,
		WriteTimeout: cfg.Archive.WriteTimeout.Duration(),
		Logger:       logger,
		Metrics:      m,
	})
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Printf("archive: close: %v", err)
		}
	}()

	// === State ===
	store := state.NewStore()
	restore(ctx, store, recorder, logger)

	hub := fanout.NewHub(store, recorder, fanout.Options{
		QueueSize:        cfg.Viewers.QueueSize,
		HistoryOnConnect: cfg.Viewers.HistoryOnConnect,
		Logger:           logger,
		Metrics:          m,
	})
	defer hub.Close()

	adapter := ingest.NewAdapter(ingest.Config{
		Prefix:      cfg.MQTT.TopicPrefix,
		Store:       store,
		Broadcaster: hub,
		Archive:     recorder,
		Logger:      logger,
		Metrics:     m,
	})
	if last, err := recorder.ReadLast(ctx, 1); err == nil && len(last) == 1 {
		adapter.SeedHistory(last[0])
	}

	// === MQTT ===
	consumer := mqttbus.NewMultiConsumer(adapter.Topics(), adapter.HandleMessage, logger)
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "aviary-" + uuid.NewString()[:8]
	}
	adapter.Connecting()
	client, err := mqttbus.Dial(ctx, mqttbus.Config{
		Host:           cfg.MQTT.Host,
		Port:           cfg.MQTT.Port,
		User:           cfg.MQTT.User,
		Password:       cfg.MQTT.Password,
		ClientID:       clientID,
		KeepAlive:      cfg.MQTT.KeepAlive.Duration(),
		ConnectRetries: cfg.MQTT.ConnectRetries,
		OnConnect: func(c mqtt.Client) {
			adapter.OnConnect(func() error { return consumer.Subscribe(c) })
		},
		OnConnectionLost: adapter.OnConnectionLost,
		OnReconnecting:   adapter.Connecting,
		Logger:           logger,
	})
	if err != nil {
		adapter.Disconnected()
		return err
	}
	defer adapter.Disconnected()

	dispatcher := command.NewDispatcher(command.Config{
		Prefix:      cfg.MQTT.TopicPrefix,
		Publisher:   mqttbus.NewPublisher(client, cfg.MQTT.PublishTimeout.Duration(), logger),
		Store:       store,
		Broadcaster: hub,
		Snapshots:   recorder,
		Logger:      logger,
		Metrics:     m,
	})

	// === Health ===
	checker := health.NewChecker(health.Deps{
		Bus:     client,
		Ingest:  adapter,
		Archive: recorder,
		Breaker: guarded,
		Viewers: hub.Len,
	}, 30*time.Second)

	if cfg.HTTP.GRPCPort != 0 {
		if err := startGRPC(ctx, cfg.HTTP.GRPCPort, checker, logger); err != nil {
			return err
		}
	}

	// === HTTP ===
	srv := dashboard.NewServer(dashboard.Config{
		Port:            cfg.HTTP.Port,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout.Duration(),
		State:           store,
		History:         recorder,
		Toggler:         dispatcher,
		Viewers:         fanout.NewWSHandler(hub, dispatcher, logger),
		Healthz:         checker.HealthHandler(),
		Readyz:          checker.ReadyHandler(),
		Gatherer:        reg,
		Logger:          logger,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Printf("aviary: shutting down...")
	consumer.Unsubscribe(client)
	return nil
}

// restore loads the persisted live snapshot so viewers do not start from a
// blank state after a restart.
func restore(ctx context.Context, store *state.Store, recorder *archive.Recorder, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	snap, ok, err := recorder.LoadSnapshot(ctx)
	switch {
	case err != nil:
		logger.Printf("archive: live snapshot unavailable: %v", err)
	case ok:
		store.Restore(snap)
		if snap.LastUpdated != nil {
			logger.Printf("archive: restored live snapshot from %s", snap.LastUpdated.Format(time.RFC3339))
		}
	}
}

func startGRPC(ctx context.Context, port int, checker *health.Checker, logger *log.Logger) error {
	addr := ":" + strconv.Itoa(port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	reporter := health.NewGRPCReporter(checker, time.Second, logger)
	reporter.Register(gs)

	go reporter.Run(ctx)
	go func() {
		logger.Printf("aviary: gRPC health listening on %s", addr)
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Printf("aviary: gRPC serve error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	return nil
}
