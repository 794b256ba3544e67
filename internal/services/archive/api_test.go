package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/LeonardoBeccarini/aviary/internal/model"
)

func seeded(t *testing.T, n int) *Memory {
	t.Helper()
	mem := NewMemory()
	for i := 0; i < n; i++ {
		if err := mem.Append(context.Background(), rec(time.Duration(i)*time.Second, float64(20+i))); err != nil {
			t.Fatal(err)
		}
	}
	return mem
}

func TestHistoryHandler(t *testing.T) {
	h := NewHistoryHandler(seeded(t, 30), testLogger())

	tests := []struct {
		name  string
		query string
		want  int
		first float64
	}{
		{"default limit", "", DefaultLimit, 30},
		{"explicit limit", "?limit=5", 5, 45},
		{"limit below min", "?limit=0", 1, 49},
		{"more than stored", "?limit=400", 30, 20},
		{"garbage limit", "?limit=abc", DefaultLimit, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history"+tt.query, nil))

			var got []model.HistoryRecord
			if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v (%s)", err, rr.Body.String())
			}
			if len(got) != tt.want {
				t.Fatalf("got %d records, want %d", len(got), tt.want)
			}
			if got[0].Temperature != tt.first {
				t.Fatalf("first temperature = %v, want %v", got[0].Temperature, tt.first)
			}
		})
	}
}

func TestHistoryHandler_Unavailable(t *testing.T) {
	f := &flaky{Memory: NewMemory()}
	f.failing.Store(true)
	h := NewHistoryHandler(NewGuarded(f, BreakerSettings{Logger: testLogger()}), testLogger())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history", nil))

	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("got %d %q, want 200 []", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Error") != "archive-unavailable" {
		t.Fatalf("X-Error = %q", rr.Header().Get("X-Error"))
	}
}

func TestExportHandler_CSV(t *testing.T) {
	h := NewExportHandler(seeded(t, 3), testLogger())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history/export?format=csv", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("content type = %q", rr.Header().Get("Content-Type"))
	}
	rows, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(rows) != 4 || rows[0][0] != "time" || rows[1][1] != "20" || rows[3][1] != "22" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestExportHandler_XLSX(t *testing.T) {
	h := NewExportHandler(seeded(t, 2), testLogger())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history/export?format=xlsx", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	f, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("history")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 || rows[0][1] != "temperature" || rows[2][1] != "21" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestExportHandler_BadFormat(t *testing.T) {
	h := NewExportHandler(NewMemory(), testLogger())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history/export?format=pdf", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestRecordToPoint(t *testing.T) {
	r := rec(0, 24.5)
	r.GasDetected = true
	p := RecordToPoint("aviary_history", r)

	if p.Name() != "aviary_history" {
		t.Fatalf("measurement = %s", p.Name())
	}
	if len(p.TagList()) != 1 || p.TagList()[0].Value != r.ID {
		t.Fatalf("tags = %+v", p.TagList())
	}
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["temperature"] != 24.5 || fields["light"] != int64(300) || fields["gas_detected"] != true {
		t.Fatalf("fields = %v", fields)
	}
	if !p.Time().Equal(r.Time) {
		t.Fatalf("time = %v", p.Time())
	}
}

func TestSnapshotToPoint_OmitsAbsentFields(t *testing.T) {
	temp := 20.0
	p := SnapshotToPoint("aviary_state", model.DeviceState{Temperature: &temp, WindowOpen: true}, t0)
	keys := map[string]bool{}
	for _, f := range p.FieldList() {
		keys[f.Key] = true
	}
	if !keys["temperature"] || !keys["fan_on"] || !keys["window_open"] || keys["humidity"] || keys["light"] {
		t.Fatalf("fields = %v", keys)
	}
	if !p.Time().Equal(t0) {
		t.Fatalf("time = %v, want fallback %v", p.Time(), t0)
	}
}

func TestRecordFromValues(t *testing.T) {
	got := recordFromValues(t0, map[string]interface{}{
		"record_id":    "x_1",
		"temperature":  24.5,
		"humidity":     int64(60),
		"light":        int64(300),
		"gas_detected": false,
		"fan_state":    true,
		"window_state": "true",
	})
	want := model.HistoryRecord{ID: "x_1", Time: t0, Temperature: 24.5, Humidity: 60, Light: 300, FanOn: true, WindowOpen: true}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestApplySnapshotField(t *testing.T) {
	var s model.DeviceState
	applySnapshotField(&s, "temperature", 21.5, t0)
	applySnapshotField(&s, "gas_detected", true, t0.Add(time.Second))
	applySnapshotField(&s, "fan_on", true, t0)
	applySnapshotField(&s, "unknown", 1.0, t0.Add(time.Hour))

	if *s.Temperature != 21.5 || !*s.GasDetected || !s.FanOn || s.Humidity != nil {
		t.Fatalf("state = %+v", s)
	}
	if !s.LastUpdated.Equal(t0.Add(time.Second)) {
		t.Fatalf("LastUpdated = %v", s.LastUpdated)
	}
}

func TestBuildLastFlux(t *testing.T) {
	q := buildLastFlux("aviary", "aviary_history", time.Hour, 15)
	for _, want := range []string{`from(bucket: "aviary")`, "range(start: -3600s)", `r._measurement == "aviary_history"`, "limit(n: 15)", "desc: true"} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q:\n%s", want, q)
		}
	}
}
