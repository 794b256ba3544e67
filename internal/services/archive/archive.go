// Package archive persists the history log and the live snapshot.
//
// Writes are best effort: they go through a Recorder that queues them for a
// single background worker, so a slow or unreachable store never stalls
// ingestion. Reads go straight to the backend behind a circuit breaker.
package archive

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/aviary/internal/model"
)

// ErrUnavailable wraps every backend failure, including an open breaker.
var ErrUnavailable = errors.New("archive unavailable")

// Backend is a durable store with one ordered collection for history and
// one keyed slot for the live snapshot.
type Backend interface {
	Name() string
	Append(ctx context.Context, rec model.HistoryRecord) error
	// ReadLast returns at most n records, oldest first.
	ReadLast(ctx context.Context, n int) ([]model.HistoryRecord, error)
	SaveSnapshot(ctx context.Context, s model.DeviceState) error
	// LoadSnapshot reports ok=false when nothing was saved yet.
	LoadSnapshot(ctx context.Context) (s model.DeviceState, ok bool, err error)
	Close() error
}

// idTimeLayout is fixed width so ids sort lexically in time order.
const idTimeLayout = "20060102T150405.000000000Z"

// NewRecordID builds "<timestamp>_<suffix>" for a capture time. The random
// suffix separates records captured at the same instant.
func NewRecordID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return t.UTC().Format(idTimeLayout) + "_" + suffix
}

// RecordIDTime extracts the capture time from an id built by NewRecordID.
func RecordIDTime(id string) (time.Time, bool) {
	ts, _, found := strings.Cut(id, "_")
	if !found {
		return time.Time{}, false
	}
	t, err := time.Parse(idTimeLayout, ts)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func reverse(recs []model.HistoryRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}
