package health

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported next to "".
const ServiceName = "aviary.Dashboard"

// GRPCReporter mirrors the bus subscription onto the standard
// grpc.health.v1 service.
type GRPCReporter struct {
	checker *Checker
	server  *grpchealth.Server
	every   time.Duration
	logger  *log.Logger
	last    healthpb.HealthCheckResponse_ServingStatus
}

func NewGRPCReporter(c *Checker, every time.Duration, logger *log.Logger) *GRPCReporter {
	if every <= 0 {
		every = time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &GRPCReporter{
		checker: c,
		server:  grpchealth.NewServer(),
		every:   every,
		logger:  logger,
		last:    healthpb.HealthCheckResponse_UNKNOWN,
	}
	r.Sync()
	return r
}

// Register installs the health service on s.
func (r *GRPCReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.server)
}

// Sync publishes the current status once.
func (r *GRPCReporter) Sync() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if r.checker.Subscribed() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if status == r.last {
		return
	}
	r.last = status
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)
	r.logger.Printf("health: grpc status %s", status)
}

// Run syncs on a ticker until ctx is done, then marks everything NOT_SERVING.
func (r *GRPCReporter) Run(ctx context.Context) {
	t := time.NewTicker(r.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return
		case <-t.C:
			r.Sync()
		}
	}
}
