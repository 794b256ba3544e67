package model

import "time"

// DeviceState is the live view of the aviary controller.
// Sensor fields are nil until first observed; actuators rest at false.
type DeviceState struct {
	Temperature *float64   `json:"temperature"`
	Humidity    *float64   `json:"humidity"`
	Light       *int       `json:"light"`
	GasDetected *bool      `json:"gas_detected"`
	FanOn       bool       `json:"fan_on"`
	WindowOpen  bool       `json:"window_open"`
	LastUpdated *time.Time `json:"last_updated"`

	// Version increases on every mutation of the owning store.
	Version uint64 `json:"-"`
}

// SensorsComplete reports whether all four sensor readings are present.
func (s DeviceState) SensorsComplete() bool {
	return s.Temperature != nil && s.Humidity != nil && s.Light != nil && s.GasDetected != nil
}

// Record captures a HistoryRecord from a complete state. ok is false when
// any sensor reading is still missing.
func (s DeviceState) Record(at time.Time) (HistoryRecord, bool) {
	if !s.SensorsComplete() {
		return HistoryRecord{}, false
	}
	return HistoryRecord{
		Time:        at.UTC(),
		Temperature: *s.Temperature,
		Humidity:    *s.Humidity,
		Light:       *s.Light,
		GasDetected: *s.GasDetected,
		FanOn:       s.FanOn,
		WindowOpen:  s.WindowOpen,
	}, true
}
