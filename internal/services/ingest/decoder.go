package ingest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/LeonardoBeccarini/aviary/internal/state"
)

var (
	ErrDecode       = errors.New("decode payload")
	ErrUnknownTopic = errors.New("unknown topic")
)

// Topic suffixes published by the device.
const (
	SuffixTemperature = "temperature"
	SuffixHumidity    = "humidity"
	SuffixLight       = "light"
	SuffixGas         = "gas"
	SuffixFan         = "fan"
	SuffixWindow      = "window"
)

// Suffixes lists every subscribed suffix, sensors first.
var Suffixes = []string{SuffixTemperature, SuffixHumidity, SuffixLight, SuffixGas, SuffixFan, SuffixWindow}

// Topics returns the full inbound topic names under prefix.
func Topics(prefix string) []string {
	out := make([]string, 0, len(Suffixes))
	for _, s := range Suffixes {
		out = append(out, prefix+"/"+s)
	}
	return out
}

// IsSensor reports whether suffix carries one of the four history readings.
func IsSensor(suffix string) bool {
	switch suffix {
	case SuffixTemperature, SuffixHumidity, SuffixLight, SuffixGas:
		return true
	}
	return false
}

// Decode turns a raw payload on a topic suffix into a store update. It
// never returns a partial update: on error the update is nil.
func Decode(suffix string, payload []byte) (state.Update, error) {
	raw := strings.TrimSpace(string(payload))
	switch suffix {
	case SuffixTemperature:
		v, err := parseFloat(raw)
		if err != nil {
			return nil, err
		}
		return state.SetTemperature(v), nil
	case SuffixHumidity:
		v, err := parseFloat(raw)
		if err != nil {
			return nil, err
		}
		return state.SetHumidity(v), nil
	case SuffixLight:
		v, err := parseInt(raw)
		if err != nil {
			return nil, err
		}
		return state.SetLight(v), nil
	case SuffixGas:
		v, err := parseInt(raw)
		if err != nil {
			return nil, err
		}
		return state.SetGas(v != 0), nil
	case SuffixFan:
		v, err := parseInt(raw)
		if err != nil {
			return nil, err
		}
		return state.SetFan(v != 0), nil
	case SuffixWindow:
		v, err := parseInt(raw)
		if err != nil {
			return nil, err
		}
		return state.SetWindow(v != 0), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, suffix)
	}
}

func parseFloat(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not a number", ErrDecode, raw)
	}
	return v, nil
}

func parseInt(raw string) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrDecode, raw)
	}
	return v, nil
}
