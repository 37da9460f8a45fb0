package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/dhcgn/mailscribe/model"
)

var bucketRecords = []byte("records")

// BoltStore keeps processing records as JSON values keyed by message id.
// bbolt keys are unique and iterate in byte order.
type BoltStore struct {
	bolt *bbolt.DB
}

// OpenBolt opens or creates the database file and its bucket.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create bucket: %w", err)
	}

	return &BoltStore{bolt: db}, nil
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *BoltStore) Path() string {
	return s.bolt.Path()
}

func (s *BoltStore) Exists(_ context.Context, id string) (bool, error) {
	var found bool
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketRecords).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) Get(_ context.Context, id string) (model.ProcessingRecord, bool, error) {
	var (
		rec   model.ProcessingRecord
		found bool
	)
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return decodeRecord(data, &rec)
	})
	if err != nil {
		return model.ProcessingRecord{}, false, fmt.Errorf("boltstore: get %q: %w", id, err)
	}
	return rec, found, nil
}

func (s *BoltStore) Create(_ context.Context, rec model.ProcessingRecord) (bool, error) {
	data, err := encodeRecord(normalize(rec))
	if err != nil {
		return false, fmt.Errorf("boltstore: encode %q: %w", rec.MessageID, err)
	}

	var created bool
	err = s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b.Get([]byte(rec.MessageID)) != nil {
			return nil
		}
		created = true
		return b.Put([]byte(rec.MessageID), data)
	})
	if err != nil {
		return false, fmt.Errorf("boltstore: create %q: %w", rec.MessageID, err)
	}
	return created, nil
}

func (s *BoltStore) Upsert(_ context.Context, rec model.ProcessingRecord) error {
	data, err := encodeRecord(normalize(rec))
	if err != nil {
		return fmt.Errorf("boltstore: encode %q: %w", rec.MessageID, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(rec.MessageID), data)
	})
}

func (s *BoltStore) ClaimRetry(_ context.Context, id string, maxRetries int) (bool, error) {
	var claimed bool
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}

		var rec model.ProcessingRecord
		if err := decodeRecord(data, &rec); err != nil {
			return err
		}
		if rec.Status != model.StatusFailed || (maxRetries > 0 && rec.RetryCount >= maxRetries) {
			return nil
		}

		rec.Status = model.StatusReceived
		rec.ProcessedAt = time.Now().UTC()
		out, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		claimed = true
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return false, fmt.Errorf("boltstore: claim retry %q: %w", id, err)
	}
	return claimed, nil
}

func (s *BoltStore) ListByStatus(_ context.Context, status model.Status, maxRetries int) ([]model.ProcessingRecord, error) {
	recs := make([]model.ProcessingRecord, 0)
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec model.ProcessingRecord
			if err := decodeRecord(v, &rec); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			if rec.Status != status {
				return nil
			}
			if maxRetries > 0 && rec.RetryCount >= maxRetries {
				return nil
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: list %s: %w", status, err)
	}
	return recs, nil
}

// Close closes the underlying bbolt database.
func (s *BoltStore) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

func encodeRecord(rec model.ProcessingRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte, rec *model.ProcessingRecord) error {
	return json.Unmarshal(data, rec)
}
