package messages

import (
	"encoding/json"
	"time"
)

// Event names on the viewer push channel.
const (
	EventSensorData     = "new_sensor_data"
	EventInitialHistory = "initial_history"
	EventToggleActuator = "toggle_actuator"
	EventError          = "error"
)

// Envelope wraps every frame exchanged with a viewer.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ToggleActuator is sent by a viewer to switch an actuator.
type ToggleActuator struct {
	Type  string `json:"type"`
	State int    `json:"state"`
}

// ErrorEvent reports a rejected viewer command back to that viewer.
type ErrorEvent struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode marshals payload into an envelope frame.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
