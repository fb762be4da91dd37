package minion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var bucketMinions = []byte("minions")

// BoltStore is the embedded single-node store. Bolt's Update transaction gives
// Edit its atomicity: the mutator runs against a snapshot decoded inside the
// transaction and the rewritten bucket commits or rolls back as one unit.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMinions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Edit(_ context.Context, fn func(recs map[string]*Record) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMinions)

		recs := make(map[string]*Record)
		err := b.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode minion %q: %w", string(k), err)
			}
			recs[string(k)] = &r
			return nil
		})
		if err != nil {
			return err
		}

		before := make(map[string]struct{}, len(recs))
		for id := range recs {
			before[id] = struct{}{}
		}

		if err := fn(recs); err != nil {
			return err
		}

		for id, r := range recs {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode minion %q: %w", id, err)
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
			delete(before, id)
		}
		for id := range before {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Get(_ context.Context, id string) (Record, error) {
	var rec Record
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMinions).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, fmt.Errorf("get minion %q: %w", id, err)
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *BoltStore) List(_ context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMinions).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode minion %q: %w", string(k), err)
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Remove(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMinions)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }
