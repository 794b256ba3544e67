// Package state holds the single authoritative DeviceState of the process.
//
// Every read and write goes through Store, which serializes access with one
// mutex. Callers only ever see copies returned by Apply and Snapshot.
package state

import (
	"sync"
	"time"

	"github.com/LeonardoBeccarini/aviary/internal/model"
)

// Update mutates one field of the state. It runs with the store lock held
// and must not block.
type Update func(s *model.DeviceState)

type Store struct {
	mu    sync.Mutex
	state model.DeviceState
	now   func() time.Time
}

// NewStore returns a store with sensors absent and actuators at rest.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// NewStoreWithClock is NewStore with an explicit time source.
func NewStoreWithClock(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now}
}

// Apply runs u, stamps LastUpdated, bumps the version and returns the
// resulting snapshot.
func (s *Store) Apply(u Update) model.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	u(&s.state)
	ts := s.now()
	s.state.LastUpdated = &ts
	s.state.Version++
	return s.state
}

// Snapshot returns a copy of the current state. Pointer fields are never
// written through after assignment, so the copy is safe to share.
func (s *Store) Snapshot() model.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restore seeds sensor and actuator fields from a persisted snapshot. It is
// meant for startup, before any Apply; LastUpdated is taken as persisted.
func (s *Store) Restore(prev model.DeviceState) model.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = model.DeviceState{
		Temperature: clonePtr(prev.Temperature),
		Humidity:    clonePtr(prev.Humidity),
		Light:       clonePtr(prev.Light),
		GasDetected: clonePtr(prev.GasDetected),
		FanOn:       prev.FanOn,
		WindowOpen:  prev.WindowOpen,
		LastUpdated: clonePtr(prev.LastUpdated),
		Version:     s.state.Version + 1,
	}
	return s.state
}

func SetTemperature(v float64) Update {
	return func(s *model.DeviceState) { s.Temperature = &v }
}

func SetHumidity(v float64) Update {
	return func(s *model.DeviceState) { s.Humidity = &v }
}

func SetLight(v int) Update {
	return func(s *model.DeviceState) { s.Light = &v }
}

func SetGas(detected bool) Update {
	return func(s *model.DeviceState) { s.GasDetected = &detected }
}

func SetFan(on bool) Update {
	return func(s *model.DeviceState) { s.FanOn = on }
}

func SetWindow(open bool) Update {
	return func(s *model.DeviceState) { s.WindowOpen = open }
}

// SetActuator maps an actuator to its field update.
func SetActuator(a model.Actuator, on bool) Update {
	if a == model.ActuatorWindow {
		return SetWindow(on)
	}
	return SetFan(on)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
