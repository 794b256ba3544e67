package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/aviary/internal/model"
)

type BreakerSettings struct {
	Failures int           // consecutive failures that open the breaker
	OpenFor  time.Duration // time spent open before a half-open probe
	Interval time.Duration // closed-state counter reset period, 0 = never
	Logger   *log.Logger
}

// Guarded wraps a Backend with a circuit breaker. Every error it returns
// wraps ErrUnavailable.
type Guarded struct {
	backend Backend
	cb      *gobreaker.CircuitBreaker
}

var _ Backend = (*Guarded)(nil)

func NewGuarded(b Backend, s BreakerSettings) *Guarded {
	if s.Failures < 1 {
		s.Failures = 3
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 10 * time.Second
	}
	if s.Logger == nil {
		s.Logger = log.Default()
	}
	logger := s.Logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "archive-" + b.Name(),
		Interval: s.Interval,
		Timeout:  s.OpenFor,
		IsSuccessful: func(err error) bool {
			var gone callerGone
			return err == nil || errors.As(err, &gone)
		},
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(s.Failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("archive: breaker %s %s -> %s", name, from, to)
		},
	})
	return &Guarded{backend: b, cb: cb}
}

func (g *Guarded) Name() string { return g.backend.Name() }

// State is the breaker state as a string: closed, half-open or open.
func (g *Guarded) State() string { return g.cb.State().String() }

// callerGone marks an error caused by the caller's context ending. It says
// nothing about the store, so the breaker does not count it.
type callerGone struct{ err error }

func (e callerGone) Error() string { return e.err.Error() }
func (e callerGone) Unwrap() error { return e.err }

// callerEnded reports whether ctx ended on its own: a cancel or a plain
// deadline. A deadline carrying an archive cause, like the Recorder's write
// timeout, is the store being slow and still counts.
func callerEnded(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	return errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)
}

func (g *Guarded) run(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	v, err := g.cb.Execute(func() (interface{}, error) {
		v, err := fn()
		if err != nil && callerEnded(ctx) {
			return v, callerGone{err}
		}
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, g.backend.Name(), op, err)
	}
	return v, nil
}

func (g *Guarded) Append(ctx context.Context, rec model.HistoryRecord) error {
	_, err := g.run(ctx, "append", func() (interface{}, error) {
		return nil, g.backend.Append(ctx, rec)
	})
	return err
}

func (g *Guarded) ReadLast(ctx context.Context, n int) ([]model.HistoryRecord, error) {
	v, err := g.run(ctx, "read", func() (interface{}, error) {
		return g.backend.ReadLast(ctx, n)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.HistoryRecord), nil
}

func (g *Guarded) SaveSnapshot(ctx context.Context, s model.DeviceState) error {
	_, err := g.run(ctx, "save snapshot", func() (interface{}, error) {
		return nil, g.backend.SaveSnapshot(ctx, s)
	})
	return err
}

func (g *Guarded) LoadSnapshot(ctx context.Context) (model.DeviceState, bool, error) {
	type loaded struct {
		s  model.DeviceState
		ok bool
	}
	v, err := g.run(ctx, "load snapshot", func() (interface{}, error) {
		s, ok, err := g.backend.LoadSnapshot(ctx)
		return loaded{s, ok}, err
	})
	if err != nil {
		return model.DeviceState{}, false, err
	}
	l := v.(loaded)
	return l.s, l.ok, nil
}

// Ping forwards to the backend when it supports a liveness check.
func (g *Guarded) Ping(ctx context.Context) error {
	p, ok := g.backend.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

func (g *Guarded) Close() error {
	return g.backend.Close()
}
