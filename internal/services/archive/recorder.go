package archive

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/aviary/internal/metrics"
	"github.com/LeonardoBeccarini/aviary/internal/model"
)

var ErrClosed = errors.New("recorder closed")

// ErrWriteTimeout is the cause of a backend write that ran out of time.
var ErrWriteTimeout = errors.New("archive write timed out")

type RecorderOptions struct {
	QueueSize    int           // pending history appends, default 256
	WriteTimeout time.Duration // per backend write, default 5s
	Logger       *log.Logger
	Metrics      *metrics.Metrics
}

type job struct {
	record *model.HistoryRecord
	done   chan struct{} // flush barrier
}

// Recorder serializes archive writes onto one worker goroutine. History
// appends are queued and dropped when the queue is full; snapshot saves
// are coalesced so only the latest pending snapshot is written.
type Recorder struct {
	backend Backend
	opts    RecorderOptions
	logger  *log.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan job

	snapMu      sync.Mutex
	pendingSnap *model.DeviceState
	snapSignal  chan struct{}

	errMu   sync.RWMutex
	lastErr time.Time

	done chan struct{}
}

func NewRecorder(backend Backend, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	r := &Recorder{
		backend:    backend,
		opts:       opts,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		queue:      make(chan job, opts.QueueSize),
		snapSignal: make(chan struct{}, 1),
		lastErr:    time.Now().Add(-24 * time.Hour),
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

// Append queues rec for storage, assigning an id from its capture time if
// it has none. It never blocks; false means the record was dropped.
func (r *Recorder) Append(rec model.HistoryRecord) bool {
	if rec.ID == "" {
		rec.ID = NewRecordID(rec.Time)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.History(metrics.ResultDropped)
		return false
	}
	select {
	case r.queue <- job{record: &rec}:
		r.metrics.SetArchiveQueue(len(r.queue))
		return true
	default:
		r.logger.Printf("archive: queue full, dropping record %s", rec.ID)
		r.metrics.History(metrics.ResultDropped)
		return false
	}
}

// SaveSnapshot schedules s as the persisted live snapshot, replacing any
// snapshot not yet written.
func (r *Recorder) SaveSnapshot(s model.DeviceState) {
	r.snapMu.Lock()
	r.pendingSnap = &s
	r.snapMu.Unlock()
	select {
	case r.snapSignal <- struct{}{}:
	default:
	}
}

// Flush waits until everything queued before the call has been written.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	select {
	case r.queue <- job{done: done}:
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}
	r.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadLast reads straight from the backend.
func (r *Recorder) ReadLast(ctx context.Context, n int) ([]model.HistoryRecord, error) {
	return r.backend.ReadLast(ctx, n)
}

func (r *Recorder) LoadSnapshot(ctx context.Context) (model.DeviceState, bool, error) {
	return r.backend.LoadSnapshot(ctx)
}

func (r *Recorder) Backend() Backend { return r.backend }

// LastErrorAge is the time since the last failed write.
func (r *Recorder) LastErrorAge() time.Duration {
	if r == nil {
		return 99999 * time.Hour
	}
	r.errMu.RLock()
	t := r.lastErr
	r.errMu.RUnlock()
	return time.Since(t)
}

// Close stops accepting writes, drains the queue and the pending snapshot,
// then closes the backend.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return r.backend.Close()
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case j, ok := <-r.queue:
			if !ok {
				r.writeSnapshot()
				return
			}
			r.handle(j)
		case <-r.snapSignal:
			r.writeSnapshot()
		}
	}
}

func (r *Recorder) handle(j job) {
	r.metrics.SetArchiveQueue(len(r.queue))
	if j.done != nil {
		r.writeSnapshot()
		close(j.done)
		return
	}

	ctx, cancel := context.WithTimeoutCause(context.Background(), r.opts.WriteTimeout, ErrWriteTimeout)
	defer cancel()

	start := time.Now()
	err := r.backend.Append(ctx, *j.record)
	r.metrics.ObserveArchiveWrite(time.Since(start).Seconds())
	if err != nil {
		r.markError()
		r.logger.Printf("archive: append %s failed, record not stored: %v", j.record.ID, err)
		r.metrics.History(metrics.ResultError)
		return
	}
	r.metrics.History(metrics.ResultOK)
}

func (r *Recorder) writeSnapshot() {
	r.snapMu.Lock()
	s := r.pendingSnap
	r.pendingSnap = nil
	r.snapMu.Unlock()
	if s == nil {
		return
	}

	ctx, cancel := context.WithTimeoutCause(context.Background(), r.opts.WriteTimeout, ErrWriteTimeout)
	defer cancel()

	if err := r.backend.SaveSnapshot(ctx, *s); err != nil {
		r.markError()
		r.logger.Printf("archive: save snapshot failed: %v", err)
		r.metrics.Snapshot(metrics.ResultError)
		return
	}
	r.metrics.Snapshot(metrics.ResultOK)
}

func (r *Recorder) markError() {
	r.errMu.Lock()
	r.lastErr = time.Now()
	r.errMu.Unlock()
}
