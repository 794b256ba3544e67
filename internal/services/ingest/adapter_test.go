package ingest

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/LeonardoBeccarini/aviary/internal/model"
	"github.com/LeonardoBeccarini/aviary/internal/services/archive"
	"github.com/LeonardoBeccarini/aviary/internal/state"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type fakeBroadcaster struct {
	mu    sync.Mutex
	snaps []model.DeviceState
}

func (f *fakeBroadcaster) Broadcast(s model.DeviceState) {
	f.mu.Lock()
	f.snaps = append(f.snaps, s)
	f.mu.Unlock()
}

type fakeArchive struct {
	records   []model.HistoryRecord
	snapshots int
	attempts  int
	reject    int // appends to turn away before accepting
}

func (f *fakeArchive) Append(r model.HistoryRecord) bool {
	f.attempts++
	if f.reject > 0 {
		f.reject--
		return false
	}
	f.records = append(f.records, r)
	return true
}

func (f *fakeArchive) SaveSnapshot(model.DeviceState) { f.snapshots++ }

// tickingClock advances one second per call.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Second)
		return t
	}
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestAdapter() (*Adapter, *state.Store, *fakeBroadcaster, *fakeArchive) {
	st := state.NewStoreWithClock(tickingClock(t0))
	b := &fakeBroadcaster{}
	a := &fakeArchive{}
	ad := NewAdapter(Config{Prefix: "aviary", Store: st, Broadcaster: b, Archive: a, Logger: testLogger()})
	return ad, st, b, a
}

func send(t *testing.T, ad *Adapter, suffix, payload string) error {
	t.Helper()
	return ad.HandleMessage("aviary/"+suffix, []byte(payload))
}

func TestHandleMessage_EndToEndHistory(t *testing.T) {
	ad, _, b, a := newTestAdapter()

	for _, m := range [][2]string{{"temperature", "24.5"}, {"humidity", "60"}, {"light", "300"}} {
		if err := send(t, ad, m[0], m[1]); err != nil {
			t.Fatal(err)
		}
		if len(a.records) != 0 {
			t.Fatalf("record appended before all sensors present (after %s)", m[0])
		}
	}

	if err := send(t, ad, "gas", "0"); err != nil {
		t.Fatal(err)
	}
	if len(a.records) != 1 {
		t.Fatalf("records after 4th message = %d, want 1", len(a.records))
	}
	r := a.records[0]
	if r.GasDetected || r.Temperature != 24.5 || r.Humidity != 60 || r.Light != 300 {
		t.Fatalf("record = %+v", r)
	}
	if !r.Time.Equal(t0.Add(3 * time.Second)) {
		t.Fatalf("record time = %v, want capture time of 4th message", r.Time)
	}

	if err := send(t, ad, "gas", "0"); err != nil {
		t.Fatal(err)
	}
	if len(a.records) != 1 {
		t.Fatalf("duplicate reading appended: %d records", len(a.records))
	}
	if len(b.snaps) != 5 || a.snapshots != 5 {
		t.Fatalf("broadcasts = %d, snapshot saves = %d, want 5 each", len(b.snaps), a.snapshots)
	}

	if err := send(t, ad, "gas", "1"); err != nil {
		t.Fatal(err)
	}
	if len(a.records) != 2 || !a.records[1].GasDetected {
		t.Fatalf("changed reading not appended: %+v", a.records)
	}
}

func TestHandleMessage_DroppedRecordIsRetried(t *testing.T) {
	ad, _, _, a := newTestAdapter()
	a.reject = 1

	for _, m := range [][2]string{{"temperature", "24.5"}, {"humidity", "60"}, {"light", "300"}, {"gas", "0"}} {
		if err := send(t, ad, m[0], m[1]); err != nil {
			t.Fatal(err)
		}
	}
	if a.attempts != 1 || len(a.records) != 0 {
		t.Fatalf("attempts = %d, stored = %d, want 1 and 0", a.attempts, len(a.records))
	}

	if err := send(t, ad, "gas", "0"); err != nil {
		t.Fatal(err)
	}
	if a.attempts != 2 || len(a.records) != 1 {
		t.Fatalf("same reading after a drop: attempts = %d, stored = %d, want 2 and 1", a.attempts, len(a.records))
	}

	if err := send(t, ad, "gas", "0"); err != nil {
		t.Fatal(err)
	}
	if a.attempts != 2 || len(a.records) != 1 {
		t.Fatalf("repeat after a stored reading: attempts = %d, stored = %d", a.attempts, len(a.records))
	}
}

func TestHandleMessage_MalformedPayloadLeavesStateUntouched(t *testing.T) {
	ad, st, b, a := newTestAdapter()
	for _, m := range [][2]string{{"temperature", "24.5"}, {"humidity", "60"}, {"light", "300"}, {"gas", "0"}} {
		_ = send(t, ad, m[0], m[1])
	}
	before := st.Snapshot()
	broadcasts := len(b.snaps)

	err := send(t, ad, "temperature", "abc")
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}

	after := st.Snapshot()
	if *after.Temperature != *before.Temperature || !after.LastUpdated.Equal(*before.LastUpdated) || after.Version != before.Version {
		t.Fatalf("state changed on malformed payload: before %+v after %+v", before, after)
	}
	if len(a.records) != 1 {
		t.Fatalf("malformed payload appended a record")
	}
	if len(b.snaps) != broadcasts {
		t.Fatalf("malformed payload was broadcast")
	}
}

func TestHandleMessage_LastUpdatedTracksLastGoodMessage(t *testing.T) {
	ad, st, _, _ := newTestAdapter()

	// the rejected humidity payload never reaches the clock
	_ = send(t, ad, "light", "120")
	_ = send(t, ad, "fan", "1")
	_ = send(t, ad, "humidity", "x")
	_ = send(t, ad, "window", " 0 ")

	s := st.Snapshot()
	if !s.LastUpdated.Equal(t0.Add(2 * time.Second)) {
		t.Fatalf("LastUpdated = %v, want %v", s.LastUpdated, t0.Add(2*time.Second))
	}
	if s.Temperature != nil || s.Humidity != nil || s.GasDetected != nil {
		t.Fatalf("untouched fields should remain absent: %+v", s)
	}
	if *s.Light != 120 || !s.FanOn || s.WindowOpen {
		t.Fatalf("state = %+v", s)
	}
}

func TestHandleMessage_ActuatorReportDoesNotRecordHistory(t *testing.T) {
	ad, _, _, a := newTestAdapter()
	for _, m := range [][2]string{{"temperature", "24.5"}, {"humidity", "60"}, {"light", "300"}, {"gas", "0"}} {
		_ = send(t, ad, m[0], m[1])
	}
	_ = send(t, ad, "fan", "1")
	if len(a.records) != 1 {
		t.Fatalf("actuator report appended history: %d records", len(a.records))
	}

	// the next sensor message carries the new fan state and differs
	_ = send(t, ad, "gas", "0")
	if len(a.records) != 2 || !a.records[1].FanOn {
		t.Fatalf("records = %+v", a.records)
	}
}

func TestHandleMessage_IgnoresForeignTopics(t *testing.T) {
	ad, st, b, _ := newTestAdapter()
	if err := ad.HandleMessage("other/temperature", []byte("20")); err != nil {
		t.Fatalf("foreign prefix: %v", err)
	}
	if err := ad.HandleMessage("aviary/pressure", []byte("1000")); err != nil {
		t.Fatalf("unknown suffix: %v", err)
	}
	if st.Snapshot().Version != 0 || len(b.snaps) != 0 {
		t.Fatal("ignored topics must not mutate or broadcast")
	}
}

func TestSeedHistory(t *testing.T) {
	ad, _, _, a := newTestAdapter()
	ad.SeedHistory(model.HistoryRecord{Temperature: 24.5, Humidity: 60, Light: 300})

	for _, m := range [][2]string{{"temperature", "24.5"}, {"humidity", "60"}, {"light", "300"}, {"gas", "0"}} {
		_ = send(t, ad, m[0], m[1])
	}
	if len(a.records) != 0 {
		t.Fatalf("reading equal to seeded record was appended")
	}
}

func TestConnStateMachine(t *testing.T) {
	ad, _, _, _ := newTestAdapter()
	if ad.State() != Disconnected {
		t.Fatalf("initial state = %s", ad.State())
	}

	ad.Connecting()
	if ad.State() != Connecting {
		t.Fatalf("state = %s, want connecting", ad.State())
	}

	ad.OnConnect(func() error { return errors.New("suback refused") })
	if ad.State() != Connecting {
		t.Fatalf("failed subscribe state = %s, want connecting", ad.State())
	}

	ad.OnConnect(func() error { return nil })
	if ad.State() != Subscribed {
		t.Fatalf("state = %s, want subscribed", ad.State())
	}

	ad.OnConnectionLost(errors.New("EOF"))
	if ad.State() != Connecting {
		t.Fatalf("after drop state = %s, want connecting", ad.State())
	}

	ad.Disconnected()
	if ad.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", ad.State())
	}
}

func fastRetry() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

func waitState(t *testing.T, ad *Adapter, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for ad.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", ad.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOnConnect_RetriesFailedSubscription(t *testing.T) {
	ad := NewAdapter(Config{Store: state.NewStore(), Logger: testLogger(), RetryBackoff: fastRetry})

	var calls atomic.Int32
	ad.OnConnect(func() error {
		if calls.Add(1) <= 3 {
			return errors.New("subscribe aviary/light: not authorized")
		}
		return nil
	})
	waitState(t, ad, Subscribed)
	if n := calls.Load(); n != 4 {
		t.Fatalf("subscribe calls = %d, want 4", n)
	}
}

func TestOnConnect_RetryStopsWhenConnectionDrops(t *testing.T) {
	ad := NewAdapter(Config{Store: state.NewStore(), Logger: testLogger(), RetryBackoff: fastRetry})

	var calls atomic.Int32
	ad.OnConnect(func() error {
		calls.Add(1)
		return errors.New("suback refused")
	})
	for calls.Load() < 3 {
		time.Sleep(time.Millisecond)
	}
	ad.OnConnectionLost(errors.New("EOF"))

	// at most one attempt may already be in flight
	time.Sleep(20 * time.Millisecond)
	settled := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != settled {
		t.Fatal("subscription still retried after the connection dropped")
	}
	if ad.State() != Connecting {
		t.Fatalf("state = %s, want connecting", ad.State())
	}
}

// Same scenario through the real recorder and in-memory archive.
func TestHandleMessage_WithRecorder(t *testing.T) {
	mem := archive.NewMemory()
	rec := archive.NewRecorder(mem, archive.RecorderOptions{Logger: testLogger()})
	defer rec.Close()

	ad := NewAdapter(Config{
		Prefix:  "aviary",
		Store:   state.NewStoreWithClock(tickingClock(t0)),
		Archive: rec,
		Logger:  testLogger(),
	})
	for _, m := range [][2]string{{"temperature", "24.5"}, {"humidity", "60"}, {"light", "300"}, {"gas", "0"}, {"gas", "0"}} {
		if err := send(t, ad, m[0], m[1]); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _ := mem.ReadLast(context.Background(), 20)
	if len(got) != 1 || got[0].GasDetected {
		t.Fatalf("archived = %+v, want exactly one record with gas=false", got)
	}
	if got[0].ID == "" {
		t.Fatal("archived record has no id")
	}
	s, ok, _ := mem.LoadSnapshot(context.Background())
	if !ok || s.Temperature == nil || *s.Temperature != 24.5 {
		t.Fatalf("live snapshot not persisted: %+v", s)
	}
}
