// Package ingest applies device telemetry from the bus to the state store.
package ingest

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/LeonardoBeccarini/aviary/internal/metrics"
	"github.com/LeonardoBeccarini/aviary/internal/model"
	"github.com/LeonardoBeccarini/aviary/internal/state"
	"github.com/LeonardoBeccarini/aviary/pkg/dedup"
)

// ConnState is the adapter's view of the bus connection.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Subscribed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Broadcaster pushes a snapshot to live viewers without blocking.
type Broadcaster interface {
	Broadcast(s model.DeviceState)
}

// Archive accepts best-effort writes without blocking.
type Archive interface {
	Append(rec model.HistoryRecord) bool
	SaveSnapshot(s model.DeviceState)
}

type Config struct {
	Prefix      string // topic prefix, e.g. "aviary"
	Store       *state.Store
	Broadcaster Broadcaster
	Archive     Archive
	Logger      *log.Logger
	Metrics     *metrics.Metrics

	// RetryBackoff paces subscribe retries on a live connection. Defaults
	// to exponential from 1s up to 30s, without a deadline.
	RetryBackoff func() backoff.BackOff
}

type Adapter struct {
	prefix      string
	store       *state.Store
	broadcaster Broadcaster
	archive     Archive
	logger      *log.Logger
	metrics     *metrics.Metrics

	history *dedup.Consecutive[model.Observation]
	state   atomic.Int32
	retry   func() backoff.BackOff

	// conn counts connection attempts; a subscribe retry stops once its
	// attempt is no longer current.
	connMu sync.Mutex
	conn   uint64
}

func NewAdapter(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "aviary"
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.MaxInterval = 30 * time.Second
			bo.MaxElapsedTime = 0
			return bo
		}
	}
	return &Adapter{
		prefix:      strings.TrimRight(cfg.Prefix, "/"),
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		archive:     cfg.Archive,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		history:     dedup.NewConsecutive[model.Observation](),
		retry:       cfg.RetryBackoff,
	}
}

func (a *Adapter) Topics() []string { return Topics(a.prefix) }

func (a *Adapter) State() ConnState { return ConnState(a.state.Load()) }

func (a *Adapter) setState(s ConnState) {
	prev := ConnState(a.state.Swap(int32(s)))
	if prev != s {
		a.logger.Printf("ingest: %s -> %s", prev, s)
	}
	a.metrics.SetBusConnected(s == Subscribed)
}

// transition starts a new connection attempt in state s and returns its
// number.
func (a *Adapter) transition(s ConnState) uint64 {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	a.conn++
	a.setState(s)
	return a.conn
}

// settle moves to s only while attempt conn is still current.
func (a *Adapter) settle(conn uint64, s ConnState) bool {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != conn {
		return false
	}
	a.setState(s)
	return true
}

func (a *Adapter) current(conn uint64) bool {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn == conn
}

// Connecting marks a dial or reconnect attempt in progress.
func (a *Adapter) Connecting() { a.transition(Connecting) }

// OnConnect runs subscribe on every (re)connection. A failed subscription
// leaves the adapter Connecting and is retried with backoff until it
// succeeds or the connection drops; the next connection subscribes afresh.
func (a *Adapter) OnConnect(subscribe func() error) {
	conn := a.transition(Connecting)
	if err := subscribe(); err != nil {
		a.logger.Printf("ingest: subscription failed, retrying: %v", err)
		go a.resubscribe(conn, subscribe)
		return
	}
	a.settle(conn, Subscribed)
}

var errStaleConn = errors.New("connection replaced")

func (a *Adapter) resubscribe(conn uint64, subscribe func() error) {
	err := backoff.Retry(func() error {
		if !a.current(conn) {
			return backoff.Permanent(errStaleConn)
		}
		return subscribe()
	}, a.retry())
	switch {
	case errors.Is(err, errStaleConn):
		return
	case err != nil:
		a.logger.Printf("ingest: giving up on subscription: %v", err)
	default:
		if a.settle(conn, Subscribed) {
			a.logger.Printf("ingest: subscription recovered")
		}
	}
}

// OnConnectionLost is called when the bus drops; auto-reconnect follows.
func (a *Adapter) OnConnectionLost(err error) {
	a.logger.Printf("ingest: connection lost: %v", err)
	a.transition(Connecting)
}

// Disconnected marks the adapter stopped.
func (a *Adapter) Disconnected() { a.transition(Disconnected) }

// SeedHistory makes rec the predecessor for duplicate suppression, so a
// restart does not append a copy of the last persisted record.
func (a *Adapter) SeedHistory(rec model.HistoryRecord) {
	a.history.Seed(rec.Observation())
}

// HandleMessage runs decode, apply, broadcast and archive for one message.
// Messages on foreign topics are ignored; undecodable payloads are dropped
// without touching the store and returned as ErrDecode.
func (a *Adapter) HandleMessage(topic string, payload []byte) error {
	suffix, ok := strings.CutPrefix(topic, a.prefix+"/")
	if !ok {
		a.metrics.Message("unknown", metrics.ResultIgnored)
		return nil
	}
	update, err := Decode(suffix, payload)
	if errors.Is(err, ErrUnknownTopic) {
		a.metrics.Message("unknown", metrics.ResultIgnored)
		return nil
	}
	if err != nil {
		a.metrics.Message(topic, metrics.ResultError)
		return fmt.Errorf("ingest %s: %w", topic, err)
	}

	snap := a.store.Apply(update)
	a.metrics.Message(topic, metrics.ResultOK)

	if IsSensor(suffix) {
		a.record(snap)
	}
	if a.broadcaster != nil {
		a.broadcaster.Broadcast(snap)
	}
	if a.archive != nil {
		a.archive.SaveSnapshot(snap)
	}
	return nil
}

func (a *Adapter) record(snap model.DeviceState) {
	rec, ok := snap.Record(*snap.LastUpdated)
	if !ok {
		return
	}
	// A record the archive drops is not a predecessor; the next identical
	// reading gets another chance.
	dup := true
	a.history.Offer(rec.Observation(), func(model.Observation) bool {
		dup = false
		return a.archive == nil || a.archive.Append(rec)
	})
	if dup {
		a.metrics.History(metrics.ResultDup)
	}
}
