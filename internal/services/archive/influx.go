package archive

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/aviary/internal/model"
)

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	HistoryMeasurement string        // default "aviary_history"
	StateMeasurement   string        // default "aviary_state"
	Lookback           time.Duration // range of history queries, default 30 days
}

// Influx stores history points tagged with their record id, and the live
// snapshot as a second measurement read back with last().
type Influx struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	query  api.QueryAPI
	cfg    InfluxConfig
}

func NewInflux(cfg InfluxConfig) (*Influx, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	if cfg.HistoryMeasurement == "" {
		cfg.HistoryMeasurement = "aviary_history"
	}
	if cfg.StateMeasurement == "" {
		cfg.StateMeasurement = "aviary_state"
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * 24 * time.Hour
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		query:  client.QueryAPI(cfg.Org),
		cfg:    cfg,
	}, nil
}

func (i *Influx) Name() string { return "influx" }

func (i *Influx) Append(ctx context.Context, rec model.HistoryRecord) error {
	return i.write.WritePoint(ctx, RecordToPoint(i.cfg.HistoryMeasurement, rec))
}

func (i *Influx) ReadLast(ctx context.Context, n int) ([]model.HistoryRecord, error) {
	out := make([]model.HistoryRecord, 0, max(n, 0))
	if n <= 0 {
		return out, nil
	}
	res, err := i.query.Query(ctx, buildLastFlux(i.cfg.Bucket, i.cfg.HistoryMeasurement, i.cfg.Lookback, n))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer res.Close()

	for res.Next() {
		rec := res.Record()
		out = append(out, recordFromValues(rec.Time(), rec.Values()))
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("influx iterate: %w", err)
	}
	reverse(out)
	return out, nil
}

func (i *Influx) SaveSnapshot(ctx context.Context, s model.DeviceState) error {
	return i.write.WritePoint(ctx, SnapshotToPoint(i.cfg.StateMeasurement, s, time.Now()))
}

func (i *Influx) LoadSnapshot(ctx context.Context) (model.DeviceState, bool, error) {
	var s model.DeviceState
	res, err := i.query.Query(ctx, buildSnapshotFlux(i.cfg.Bucket, i.cfg.StateMeasurement, i.cfg.Lookback))
	if err != nil {
		return s, false, fmt.Errorf("influx query: %w", err)
	}
	defer res.Close()

	found := false
	for res.Next() {
		rec := res.Record()
		applySnapshotField(&s, rec.Field(), rec.Value(), rec.Time())
		found = true
	}
	if err := res.Err(); err != nil {
		return s, false, fmt.Errorf("influx iterate: %w", err)
	}
	return s, found, nil
}

// Ping checks that the server answers.
func (i *Influx) Ping(ctx context.Context) error {
	ok, err := i.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influx ping failed")
	}
	return nil
}

func (i *Influx) Close() error {
	i.client.Close()
	return nil
}

// RecordToPoint maps a record to one point; the record id tag keeps two
// records with the same timestamp apart.
func RecordToPoint(measurement string, rec model.HistoryRecord) *write.Point {
	tags := map[string]string{"record_id": rec.ID}
	fields := map[string]interface{}{
		"temperature":  rec.Temperature,
		"humidity":     rec.Humidity,
		"light":        int64(rec.Light),
		"gas_detected": rec.GasDetected,
		"fan_state":    rec.FanOn,
		"window_state": rec.WindowOpen,
	}
	return influxdb2.NewPoint(measurement, tags, fields, rec.Time)
}

// SnapshotToPoint writes only the fields that are present.
func SnapshotToPoint(measurement string, s model.DeviceState, now time.Time) *write.Point {
	fields := map[string]interface{}{
		"fan_on":      s.FanOn,
		"window_open": s.WindowOpen,
	}
	if s.Temperature != nil {
		fields["temperature"] = *s.Temperature
	}
	if s.Humidity != nil {
		fields["humidity"] = *s.Humidity
	}
	if s.Light != nil {
		fields["light"] = int64(*s.Light)
	}
	if s.GasDetected != nil {
		fields["gas_detected"] = *s.GasDetected
	}
	t := now
	if s.LastUpdated != nil {
		t = *s.LastUpdated
	}
	return influxdb2.NewPoint(measurement, map[string]string{"key": "current"}, fields, t)
}

func buildLastFlux(bucket, measurement string, lookback time.Duration, n int) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time", "record_id"], desc: true)
  |> limit(n: %d)
`, bucket, int64(lookback.Seconds()), measurement, n)
}

func buildSnapshotFlux(bucket, measurement string, lookback time.Duration) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q and r.key == "current")
  |> last()
`, bucket, int64(lookback.Seconds()), measurement)
}

func recordFromValues(t time.Time, values map[string]interface{}) model.HistoryRecord {
	rec := model.HistoryRecord{Time: t.UTC()}
	if v, ok := values["record_id"].(string); ok {
		rec.ID = v
	}
	rec.Temperature, _ = toFloat(values["temperature"])
	rec.Humidity, _ = toFloat(values["humidity"])
	if f, ok := toFloat(values["light"]); ok {
		rec.Light = int(f)
	}
	rec.GasDetected, _ = toBool(values["gas_detected"])
	rec.FanOn, _ = toBool(values["fan_state"])
	rec.WindowOpen, _ = toBool(values["window_state"])
	return rec
}

func applySnapshotField(s *model.DeviceState, field string, value interface{}, t time.Time) {
	switch field {
	case "temperature":
		if f, ok := toFloat(value); ok {
			s.Temperature = &f
		}
	case "humidity":
		if f, ok := toFloat(value); ok {
			s.Humidity = &f
		}
	case "light":
		if f, ok := toFloat(value); ok {
			l := int(f)
			s.Light = &l
		}
	case "gas_detected":
		if b, ok := toBool(value); ok {
			s.GasDetected = &b
		}
	case "fan_on":
		s.FanOn, _ = toBool(value)
	case "window_open":
		s.WindowOpen, _ = toBool(value)
	default:
		return
	}
	if s.LastUpdated == nil || t.After(*s.LastUpdated) {
		ts := t.UTC()
		s.LastUpdated = &ts
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v interface{}) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int64:
		return x != 0, true
	case float64:
		return x != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	}
	return false, false
}
