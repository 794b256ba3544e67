package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LeonardoBeccarini/aviary/internal/metrics"
	"github.com/LeonardoBeccarini/aviary/internal/model"
	"github.com/LeonardoBeccarini/aviary/internal/model/messages"
	"github.com/LeonardoBeccarini/aviary/internal/state"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type fakeHistory struct {
	recs []model.HistoryRecord
	err  error
	n    int
}

func (f *fakeHistory) ReadLast(_ context.Context, n int) ([]model.HistoryRecord, error) {
	f.n = n
	if f.err != nil {
		return nil, f.err
	}
	if len(f.recs) > n {
		return f.recs[len(f.recs)-n:], nil
	}
	return f.recs, nil
}

func history(n int) []model.HistoryRecord {
	out := make([]model.HistoryRecord, n)
	for i := range out {
		out[i] = model.HistoryRecord{Temperature: float64(20 + i), Light: i}
	}
	return out
}

func decode(t *testing.T, frame []byte) messages.Envelope {
	t.Helper()
	var env messages.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("bad frame %s: %v", frame, err)
	}
	return env
}

func next(t *testing.T, s *Session) messages.Envelope {
	t.Helper()
	select {
	case f := <-s.Frames():
		return decode(t, f)
	default:
		t.Fatal("no frame queued")
		return messages.Envelope{}
	}
}

func assertEmpty(t *testing.T, s *Session) {
	t.Helper()
	select {
	case f := <-s.Frames():
		t.Fatalf("unexpected frame %s", f)
	default:
	}
}

func TestConnect_SnapshotThenHistoryBeforeLiveUpdates(t *testing.T) {
	st := state.NewStore()
	st.Apply(state.SetTemperature(21.5))
	h := NewHub(st, &fakeHistory{recs: history(30)}, Options{HistoryOnConnect: 20, Logger: testLogger()})

	s := h.NewSession()
	if err := h.Connect(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	h.Broadcast(st.Apply(state.SetHumidity(55)))

	first := next(t, s)
	if first.Event != messages.EventSensorData {
		t.Fatalf("first event = %s", first.Event)
	}
	var snap model.DeviceState
	_ = json.Unmarshal(first.Data, &snap)
	if snap.Temperature == nil || *snap.Temperature != 21.5 || snap.Humidity != nil {
		t.Fatalf("connect snapshot = %s", first.Data)
	}

	second := next(t, s)
	if second.Event != messages.EventInitialHistory {
		t.Fatalf("second event = %s", second.Event)
	}
	var recs []model.HistoryRecord
	_ = json.Unmarshal(second.Data, &recs)
	if len(recs) != 20 || recs[0].Temperature != 30 || recs[19].Temperature != 49 {
		t.Fatalf("initial history = %d records, first %v", len(recs), recs[0].Temperature)
	}

	third := next(t, s)
	if third.Event != messages.EventSensorData {
		t.Fatalf("third event = %s", third.Event)
	}
	assertEmpty(t, s)
}

func TestConnect_HistoryFailureSendsEmptyArray(t *testing.T) {
	h := NewHub(state.NewStore(), &fakeHistory{err: errors.New("down")}, Options{Logger: testLogger()})
	s := h.NewSession()
	if err := h.Connect(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	next(t, s)
	env := next(t, s)
	if env.Event != messages.EventInitialHistory || string(env.Data) != "[]" {
		t.Fatalf("history frame = %s %s", env.Event, env.Data)
	}
}

func TestConnect_DefaultHistorySize(t *testing.T) {
	fh := &fakeHistory{}
	h := NewHub(state.NewStore(), fh, Options{Logger: testLogger()})
	_ = h.Connect(context.Background(), h.NewSession())
	if fh.n != 20 {
		t.Fatalf("history requested = %d, want 20", fh.n)
	}
}

func TestBroadcast_SlowViewerDoesNotBlockOthers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := state.NewStore()
	h := NewHub(st, nil, Options{QueueSize: 2, Logger: testLogger(), Metrics: m})

	slow, fast := h.NewSession(), h.NewSession()
	_ = h.Connect(context.Background(), slow)
	_ = h.Connect(context.Background(), fast)
	// drain the connect frames of the fast viewer only
	next(t, fast)
	next(t, fast)

	for i := 0; i < 5; i++ {
		h.Broadcast(st.Apply(state.SetLight(i)))
		env := next(t, fast)
		if env.Event != messages.EventSensorData {
			t.Fatalf("fast viewer got %s", env.Event)
		}
	}
	if got := testutil.ToFloat64(m.ViewerDrops); got != 5 {
		t.Fatalf("drops = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.Viewers); got != 2 {
		t.Fatalf("viewers gauge = %v", got)
	}
}

func TestBroadcast_SkipsStaleSnapshots(t *testing.T) {
	st := state.NewStore()
	h := NewHub(st, nil, Options{Logger: testLogger()})
	s := h.NewSession()

	older := st.Apply(state.SetLight(1))
	newer := st.Apply(state.SetLight(2))
	_ = h.Connect(context.Background(), s)
	next(t, s)
	next(t, s)

	h.Broadcast(older)
	h.Broadcast(newer)
	assertEmpty(t, s)

	newest := st.Apply(state.SetLight(3))
	h.Broadcast(newest)
	h.Broadcast(newer)
	env := next(t, s)
	var snap model.DeviceState
	_ = json.Unmarshal(env.Data, &snap)
	if *snap.Light != 3 {
		t.Fatalf("light = %d, want 3", *snap.Light)
	}
	assertEmpty(t, s)
}

func TestDisconnect_Idempotent(t *testing.T) {
	h := NewHub(state.NewStore(), nil, Options{Logger: testLogger()})
	s := h.NewSession()
	_ = h.Connect(context.Background(), s)

	h.Disconnect(s)
	h.Disconnect(s)
	if h.Len() != 0 {
		t.Fatalf("len = %d", h.Len())
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}
	if err := h.Connect(context.Background(), s); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("reconnect closed session: %v", err)
	}
	h.Broadcast(model.DeviceState{Version: 99})
}

func TestSend_OnlyToConnected(t *testing.T) {
	h := NewHub(state.NewStore(), nil, Options{Logger: testLogger()})
	a, b := h.NewSession(), h.NewSession()
	_ = h.Connect(context.Background(), a)
	next(t, a)
	next(t, a)

	if !h.Send(a, messages.EventError, messages.ErrorEvent{Message: "nope"}) {
		t.Fatal("send to connected viewer failed")
	}
	if env := next(t, a); env.Event != messages.EventError {
		t.Fatalf("event = %s", env.Event)
	}
	if h.Send(b, messages.EventError, messages.ErrorEvent{Message: "nope"}) {
		t.Fatal("send to unknown viewer succeeded")
	}
}
