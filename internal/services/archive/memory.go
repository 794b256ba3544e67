package archive

import (
	"context"
	"sort"
	"sync"

	"github.com/LeonardoBeccarini/aviary/internal/model"
)

// Memory keeps history and the snapshot in process memory. Nothing survives
// a restart; it backs tests and runs without a configured store.
type Memory struct {
	mu       sync.RWMutex
	records  []model.HistoryRecord
	snapshot *model.DeviceState
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Append(_ context.Context, rec model.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.records), func(i int) bool { return m.records[i].ID > rec.ID })
	m.records = append(m.records, model.HistoryRecord{})
	copy(m.records[i+1:], m.records[i:])
	m.records[i] = rec
	return nil
}

func (m *Memory) ReadLast(_ context.Context, n int) ([]model.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 {
		return []model.HistoryRecord{}, nil
	}
	start := len(m.records) - n
	if start < 0 {
		start = 0
	}
	out := make([]model.HistoryRecord, len(m.records)-start)
	copy(out, m.records[start:])
	return out, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, s model.DeviceState) error {
	m.mu.Lock()
	m.snapshot = &s
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadSnapshot(_ context.Context) (model.DeviceState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return model.DeviceState{}, false, nil
	}
	return *m.snapshot, true, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) Close() error { return nil }
