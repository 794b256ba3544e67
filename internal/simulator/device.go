// Package simulator stands in for the aviary controller on a local broker.
package simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Reading is one set of sensor values as the device would publish them.
type Reading struct {
	Temperature float64
	Humidity    float64
	Light       int
	Gas         bool
}

// Device holds the simulated environment. Fan and window feed back into
// temperature and humidity.
type Device struct {
	mu     sync.Mutex
	rng    *rand.Rand
	temp   float64
	hum    float64
	gas    bool
	fan    bool
	window bool
	start  time.Time
}

func NewDevice(seed int64) *Device {
	return &Device{
		rng:   rand.New(rand.NewSource(seed)),
		temp:  24,
		hum:   60,
		start: time.Now(),
	}
}

// Next advances the model by one tick at wall time now.
func (d *Device) Next(now time.Time) Reading {
	d.mu.Lock()
	defer d.mu.Unlock()

	// drift toward a target set by the actuators
	targetT, targetH := 27.0, 65.0
	if d.fan {
		targetT -= 4
	}
	if d.window {
		targetT -= 1.5
		targetH -= 12
	}
	d.temp += (targetT-d.temp)*0.1 + d.rng.NormFloat64()*0.2
	d.hum += (targetH-d.hum)*0.1 + d.rng.NormFloat64()*0.5
	d.hum = math.Max(0, math.Min(100, d.hum))

	// gas episodes are rare and clear faster with ventilation
	switch {
	case !d.gas && d.rng.Float64() < 0.02:
		d.gas = true
	case d.gas && (d.fan || d.window) && d.rng.Float64() < 0.5:
		d.gas = false
	case d.gas && d.rng.Float64() < 0.1:
		d.gas = false
	}

	// daylight curve over a compressed 10 minute "day"
	phase := math.Mod(now.Sub(d.start).Minutes(), 10) / 10
	light := int(math.Max(0, 800*math.Sin(phase*math.Pi)) + d.rng.Float64()*20)

	return Reading{
		Temperature: math.Round(d.temp*10) / 10,
		Humidity:    math.Round(d.hum),
		Light:       light,
		Gas:         d.gas,
	}
}

func (d *Device) SetFan(on bool) {
	d.mu.Lock()
	d.fan = on
	d.mu.Unlock()
}

func (d *Device) SetWindow(open bool) {
	d.mu.Lock()
	d.window = open
	d.mu.Unlock()
}

func (d *Device) Actuators() (fan, window bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fan, d.window
}
