// Package dashboard serves the viewer page and the HTTP API.
//
// Routes:
//   - GET /: embedded dashboard page
//   - GET /ws: live push channel
//   - GET /api/state: current snapshot
//   - GET /api/history, GET /api/history/export: archive reads
//   - POST /api/actuators/{type}: actuator command
//   - GET /healthz, /readyz, /metrics
package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeonardoBeccarini/aviary/internal/model"
	"github.com/LeonardoBeccarini/aviary/internal/services/archive"
	"github.com/LeonardoBeccarini/aviary/internal/services/command"
)

//go:embed assets/index.html
var assets embed.FS

const maxCommandBody = 1 << 10

type StateReader interface {
	Snapshot() model.DeviceState
}

type Toggler interface {
	Toggle(ctx context.Context, actuator string, on bool) error
}

type Config struct {
	Port            int
	ShutdownTimeout time.Duration

	State    StateReader
	History  archive.HistoryReader
	Toggler  Toggler
	Viewers  http.Handler // websocket endpoint
	Healthz  http.Handler
	Readyz   http.Handler
	Gatherer prometheus.Gatherer

	Logger *log.Logger
}

type Server struct {
	cfg        Config
	httpServer *http.Server
	addr       string
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	if s.cfg.Viewers != nil {
		mux.Handle("GET /ws", s.cfg.Viewers)
	}
	mux.HandleFunc("GET /api/state", s.handleState)
	if s.cfg.History != nil {
		mux.Handle("GET /api/history", archive.NewHistoryHandler(s.cfg.History, s.cfg.Logger))
		mux.Handle("GET /api/history/export", archive.NewExportHandler(s.cfg.History, s.cfg.Logger))
	}
	mux.HandleFunc("POST /api/actuators/{type}", s.handleToggle)
	if s.cfg.Healthz != nil {
		mux.Handle("GET /healthz", s.cfg.Healthz)
	}
	if s.cfg.Readyz != nil {
		mux.Handle("GET /readyz", s.cfg.Readyz)
	}
	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start binds the port and serves in the background until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Port, err)
	}
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.cfg.Logger.Printf("dashboard: HTTP listening on %s", s.addr)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Printf("dashboard: http server error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shCtx); err != nil {
			s.cfg.Logger.Printf("dashboard: shutdown: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string { return s.addr }

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	page, err := fs.ReadFile(assets, "assets/index.html")
	if err != nil {
		http.Error(w, "dashboard not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.State.Snapshot())
}

type toggleRequest struct {
	State *int `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Toggler == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "commands are disabled"})
		return
	}

	var req toggleRequest
	body := io.LimitReader(r.Body, maxCommandBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	if req.State == nil || (*req.State != 0 && *req.State != 1) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "state must be 0 or 1"})
		return
	}

	err := s.cfg.Toggler.Toggle(r.Context(), r.PathValue("type"), *req.State == 1)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.cfg.State.Snapshot())
	case errors.Is(err, model.ErrUnknownActuator):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, command.ErrPublish):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		s.cfg.Logger.Printf("dashboard: toggle failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
