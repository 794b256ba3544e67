package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/LeonardoBeccarini/aviary/internal/services/ingest"
)

// Bus is satisfied by mqtt.Client.
type Bus interface {
	IsConnectionOpen() bool
}

type Ingest interface {
	State() ingest.ConnState
}

type Archive interface {
	LastErrorAge() time.Duration
}

// Breaker reports the circuit state of the archive backend.
type Breaker interface {
	Name() string
	State() string
}

type Deps struct {
	Bus     Bus
	Ingest  Ingest
	Archive Archive
	Breaker Breaker
	Viewers func() int
}

type Checker struct {
	deps     Deps
	minError time.Duration // a write error younger than this degrades health
}

func NewChecker(d Deps, minOkErrorAge time.Duration) *Checker {
	if minOkErrorAge <= 0 {
		minOkErrorAge = 30 * time.Second
	}
	return &Checker{deps: d, minError: minOkErrorAge}
}

type Status struct {
	Status          string  `json:"status"`
	MQTTConnected   bool    `json:"mqtt_connected"`
	Ingest          string  `json:"ingest"`
	ArchiveBackend  string  `json:"archive_backend,omitempty"`
	ArchiveBreaker  string  `json:"archive_breaker,omitempty"`
	LastWriteErrorS float64 `json:"last_write_error_age_sec"`
	Viewers         int     `json:"viewers"`
}

// Subscribed is true while the bus is up and every topic is subscribed.
func (c *Checker) Subscribed() bool {
	return c.busUp() && c.deps.Ingest != nil && c.deps.Ingest.State() == ingest.Subscribed
}

func (c *Checker) busUp() bool {
	return c.deps.Bus != nil && c.deps.Bus.IsConnectionOpen()
}

func (c *Checker) archiveOK() bool {
	if c.deps.Breaker != nil && c.deps.Breaker.State() == "open" {
		return false
	}
	return c.deps.Archive == nil || c.deps.Archive.LastErrorAge() > c.minError
}

func (c *Checker) Status() Status {
	st := Status{
		MQTTConnected:   c.busUp(),
		Ingest:          ingest.Disconnected.String(),
		LastWriteErrorS: -1,
	}
	if c.deps.Ingest != nil {
		st.Ingest = c.deps.Ingest.State().String()
	}
	if c.deps.Breaker != nil {
		st.ArchiveBackend = c.deps.Breaker.Name()
		st.ArchiveBreaker = c.deps.Breaker.State()
	}
	if c.deps.Archive != nil {
		st.LastWriteErrorS = c.deps.Archive.LastErrorAge().Seconds()
	}
	if c.deps.Viewers != nil {
		st.Viewers = c.deps.Viewers()
	}

	// live state keeps flowing without the archive, so that is only degraded
	switch {
	case c.Subscribed() && c.archiveOK():
		st.Status = "ok"
	case c.Subscribed() || c.archiveOK():
		st.Status = "degraded"
	default:
		st.Status = "down"
	}
	return st
}

// Ready requires the bus subscription and a healthy archive.
func (c *Checker) Ready() bool {
	return c.Subscribed() && c.archiveOK()
}

// HealthHandler serves /healthz; it always answers 200 with the status body.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Status())
	})
}

// ReadyHandler serves /readyz: 200 only when Ready.
func (c *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ready := c.Ready()
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		type resp struct {
			Ready bool `json:"ready"`
		}
		_ = json.NewEncoder(w).Encode(resp{Ready: ready})
	})
}
