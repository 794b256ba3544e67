package model

import "time"

// HistoryRecord is an immutable snapshot of a complete sensor reading.
type HistoryRecord struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Light       int       `json:"light"`
	GasDetected bool      `json:"gas_detected"`
	FanOn       bool      `json:"fan_state"`
	WindowOpen  bool      `json:"window_state"`
}

// Observation is the part of a record compared when suppressing
// consecutive duplicates. ID and Time are not part of it.
type Observation struct {
	Temperature float64
	Humidity    float64
	Light       int
	GasDetected bool
	FanOn       bool
	WindowOpen  bool
}

func (r HistoryRecord) Observation() Observation {
	return Observation{
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Light:       r.Light,
		GasDetected: r.GasDetected,
		FanOn:       r.FanOn,
		WindowOpen:  r.WindowOpen,
	}
}
