// Package fanout pushes device state to connected dashboard viewers.
//
// Every viewer owns a bounded frame queue. Broadcast never blocks: when a
// viewer's queue is full the frame is dropped for that viewer only. Snapshots
// carry the store version, and a viewer is never sent a snapshot older than
// one it already has queued.
package fanout

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/aviary/internal/metrics"
	"github.com/LeonardoBeccarini/aviary/internal/model"
	"github.com/LeonardoBeccarini/aviary/internal/model/messages"
)

var ErrSessionClosed = errors.New("session closed")

type SnapshotSource interface {
	Snapshot() model.DeviceState
}

type HistoryReader interface {
	ReadLast(ctx context.Context, n int) ([]model.HistoryRecord, error)
}

type Options struct {
	QueueSize        int           // frames buffered per viewer (min 2)
	HistoryOnConnect int           // records in initial_history
	HistoryTimeout   time.Duration // bound on the history read at connect
	Logger           *log.Logger
	Metrics          *metrics.Metrics
}

func (o *Options) defaults() {
	if o.QueueSize < 2 {
		o.QueueSize = 32
	}
	if o.HistoryOnConnect <= 0 {
		o.HistoryOnConnect = 20
	}
	if o.HistoryTimeout <= 0 {
		o.HistoryTimeout = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// Session is one connected viewer.
type Session struct {
	ID string

	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	lastVersion uint64 // guarded by Hub.mu
}

func NewSession(queueSize int) *Session {
	if queueSize < 2 {
		queueSize = 2
	}
	return &Session{
		ID:   uuid.NewString(),
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// Frames yields encoded envelopes in delivery order.
func (s *Session) Frames() <-chan []byte { return s.send }

// Done is closed once the session has been disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) offer(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

type Hub struct {
	store   SnapshotSource
	history HistoryReader
	opts    Options

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewHub(store SnapshotSource, history HistoryReader, opts Options) *Hub {
	opts.defaults()
	return &Hub{
		store:    store,
		history:  history,
		opts:     opts,
		sessions: make(map[*Session]struct{}),
	}
}

// NewSession creates a session sized for this hub.
func (h *Hub) NewSession() *Session { return NewSession(h.opts.QueueSize) }

// Len reports the number of connected viewers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Connect queues the current snapshot and the recent history for s and then
// adds it to the active set, so both frames precede any live update. A
// failing history read degrades to an empty initial_history.
func (h *Hub) Connect(ctx context.Context, s *Session) error {
	recs := h.recentHistory(ctx)
	histFrame, err := messages.Encode(messages.EventInitialHistory, recs)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed() {
		return ErrSessionClosed
	}

	snap := h.store.Snapshot()
	snapFrame, err := messages.Encode(messages.EventSensorData, snap)
	if err != nil {
		return err
	}
	s.offer(snapFrame)
	s.offer(histFrame)
	s.lastVersion = snap.Version

	h.sessions[s] = struct{}{}
	h.opts.Metrics.SetViewers(len(h.sessions))
	h.opts.Logger.Printf("fanout: viewer %s connected (%d history records)", s.ID, len(recs))
	return nil
}

func (h *Hub) recentHistory(ctx context.Context) []model.HistoryRecord {
	recs := []model.HistoryRecord{}
	if h.history == nil {
		return recs
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.HistoryTimeout)
	defer cancel()
	got, err := h.history.ReadLast(ctx, h.opts.HistoryOnConnect)
	if err != nil {
		h.opts.Logger.Printf("fanout: history unavailable for new viewer: %v", err)
		return recs
	}
	if got != nil {
		recs = got
	}
	return recs
}

// Disconnect removes s from the active set. Calling it again is a no-op.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
	if ok {
		h.opts.Metrics.SetViewers(n)
		h.opts.Logger.Printf("fanout: viewer %s disconnected", s.ID)
	}
}

// Broadcast queues snap as new_sensor_data for every viewer.
func (h *Hub) Broadcast(snap model.DeviceState) {
	frame, err := messages.Encode(messages.EventSensorData, snap)
	if err != nil {
		h.opts.Logger.Printf("fanout: encode snapshot: %v", err)
		return
	}
	h.opts.Metrics.Broadcast()

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		if snap.Version <= s.lastVersion {
			continue
		}
		if !s.offer(frame) {
			h.opts.Metrics.ViewerDrop()
			continue
		}
		s.lastVersion = snap.Version
	}
}

// Send queues an event for a single viewer, dropping it if the queue is full.
func (h *Hub) Send(s *Session, event string, payload any) bool {
	frame, err := messages.Encode(event, payload)
	if err != nil {
		h.opts.Logger.Printf("fanout: encode %s: %v", event, err)
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return false
	}
	if !s.offer(frame) {
		h.opts.Metrics.ViewerDrop()
		return false
	}
	return true
}

// Close disconnects every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		h.Disconnect(s)
	}
}
