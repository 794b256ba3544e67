package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/LeonardoBeccarini/aviary/internal/model"
)

var (
	historyBucket = []byte("history")
	stateBucket   = []byte("state")
	currentKey    = []byte("current")
)

// Bolt stores history in an embedded bbolt file. Keys of the history
// bucket are record ids, so a cursor walks them in time order.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(historyBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Name() string { return "bolt" }

func (b *Bolt) Append(_ context.Context, rec model.HistoryRecord) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).Put([]byte(rec.ID), v)
	})
}

func (b *Bolt) ReadLast(_ context.Context, n int) ([]model.HistoryRecord, error) {
	out := make([]model.HistoryRecord, 0, max(n, 0))
	if n <= 0 {
		return out, nil
	}
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(historyBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var rec model.HistoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %s: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (b *Bolt) SaveSnapshot(_ context.Context, s model.DeviceState) error {
	v, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(currentKey, v)
	})
}

func (b *Bolt) LoadSnapshot(_ context.Context) (model.DeviceState, bool, error) {
	var (
		s     model.DeviceState
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(stateBucket).Get(currentKey)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &s)
	})
	return s, found, err
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
