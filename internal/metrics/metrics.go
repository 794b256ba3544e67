// Package metrics defines the Prometheus collectors of the dashboard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "aviary_"

	ResultOK      = "ok"
	ResultError   = "error"
	ResultIgnored = "ignored"
	ResultDropped = "dropped"
	ResultDup     = "duplicate"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Messages       *prometheus.CounterVec
	HistoryAppends *prometheus.CounterVec
	SnapshotSaves  *prometheus.CounterVec
	Commands       *prometheus.CounterVec
	Broadcasts     prometheus.Counter
	ViewerDrops    prometheus.Counter
	Viewers        prometheus.Gauge
	ArchiveQueue   prometheus.Gauge
	ArchiveLatency prometheus.Histogram
	BusConnected   prometheus.Gauge
}

// New creates the collectors and registers them on reg. With a nil reg the
// collectors work but are not exported.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "bus_messages_total",
			Help: "Inbound bus messages by topic and result.",
		}, []string{"topic", "result"}),
		HistoryAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "history_appends_total",
			Help: "History records by result (ok, duplicate, dropped, error).",
		}, []string{"result"}),
		SnapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "snapshot_saves_total",
			Help: "Live snapshot persistence attempts by result.",
		}, []string{"result"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "actuator_commands_total",
			Help: "Actuator toggle requests by actuator and result.",
		}, []string{"actuator", "result"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "broadcasts_total",
			Help: "Snapshots fanned out to viewers.",
		}),
		ViewerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "viewer_frames_dropped_total",
			Help: "Frames dropped because a viewer queue was full.",
		}),
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "viewers",
			Help: "Currently connected viewers.",
		}),
		ArchiveQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "archive_queue_length",
			Help: "Pending archive writes.",
		}),
		ArchiveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "archive_write_seconds",
			Help:    "Latency of archive backend writes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "bus_connected",
			Help: "1 while subscribed to the device topics.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Messages, m.HistoryAppends, m.SnapshotSaves, m.Commands,
			m.Broadcasts, m.ViewerDrops, m.Viewers,
			m.ArchiveQueue, m.ArchiveLatency, m.BusConnected,
		)
	}
	return m
}

func (m *Metrics) Message(topic, result string) {
	if m != nil {
		m.Messages.WithLabelValues(topic, result).Inc()
	}
}

func (m *Metrics) History(result string) {
	if m != nil {
		m.HistoryAppends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Snapshot(result string) {
	if m != nil {
		m.SnapshotSaves.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Command(actuator, result string) {
	if m != nil {
		m.Commands.WithLabelValues(actuator, result).Inc()
	}
}

func (m *Metrics) Broadcast() {
	if m != nil {
		m.Broadcasts.Inc()
	}
}

func (m *Metrics) ViewerDrop() {
	if m != nil {
		m.ViewerDrops.Inc()
	}
}

func (m *Metrics) SetViewers(n int) {
	if m != nil {
		m.Viewers.Set(float64(n))
	}
}

func (m *Metrics) SetArchiveQueue(n int) {
	if m != nil {
		m.ArchiveQueue.Set(float64(n))
	}
}

func (m *Metrics) ObserveArchiveWrite(seconds float64) {
	if m != nil {
		m.ArchiveLatency.Observe(seconds)
	}
}

func (m *Metrics) SetBusConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.BusConnected.Set(1)
	} else {
		m.BusConnected.Set(0)
	}
}
