package model

import (
	"errors"
	"fmt"
	"strings"
)

// Actuator identifies a commandable device output.
type Actuator string

const (
	ActuatorFan    Actuator = "fan"
	ActuatorWindow Actuator = "window"
)

var ErrUnknownActuator = errors.New("unknown actuator")

// ParseActuator accepts "fan" or "window" (case-insensitive).
func ParseActuator(s string) (Actuator, error) {
	switch a := Actuator(strings.ToLower(strings.TrimSpace(s))); a {
	case ActuatorFan, ActuatorWindow:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownActuator, s)
	}
}
