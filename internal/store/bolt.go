package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"orderkeeper/pkg/exception"
)

var (
	boltMetaBucket    = []byte("meta")
	boltRecordsBucket = []byte("records")

	boltKeyVersion = []byte("version")
	boltKeySeq     = []byte("seq")
	boltKeySavedAt = []byte("saved_at")
)

// BoltStore keeps one record per key in a bbolt bucket. A snapshot is written
// in a single read-write transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("invalid bolt store: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir store path: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrVersionMismatch) || errors.Is(err, bolt.ErrChecksum) {
			return nil, fmt.Errorf("%w: open %s: %w", exception.ErrCorruptState, path, err)
		}
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltMetaBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltRecordsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(_ context.Context) (Snapshot, error) {
	snap := Empty()
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(boltMetaBucket)
		records := tx.Bucket(boltRecordsBucket)

		rawVersion := meta.Get(boltKeyVersion)
		if rawVersion == nil {
			if k, _ := records.Cursor().First(); k != nil {
				return fmt.Errorf("%w: records without meta", exception.ErrCorruptState)
			}
			return nil
		}
		version, err := strconv.Atoi(string(rawVersion))
		if err != nil {
			return fmt.Errorf("%w: version %q", exception.ErrCorruptState, rawVersion)
		}
		snap.Version = version
		if snap.Seq, err = strconv.ParseUint(string(meta.Get(boltKeySeq)), 10, 64); err != nil {
			return fmt.Errorf("%w: seq: %w", exception.ErrCorruptState, err)
		}
		if err := snap.SavedAt.UnmarshalText(meta.Get(boltKeySavedAt)); err != nil {
			return fmt.Errorf("%w: saved_at: %w", exception.ErrCorruptState, err)
		}

		return records.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("record %s: %w", k, err)
			}
			if rec.Key != string(k) {
				return fmt.Errorf("%w: record %s stored under %s", exception.ErrCorruptState, rec.Key, k)
			}
			snap.Records = append(snap.Records, rec)
			return nil
		})
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load bolt store: %w", err)
	}
	if err := snap.Check(); err != nil {
		return Snapshot{}, err
	}
	SortRecords(snap.Records)
	return snap, nil
}

func (s *BoltStore) Save(_ context.Context, snap Snapshot) error {
	encoded := make(map[string][]byte, len(snap.Records))
	for _, rec := range snap.Records {
		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		encoded[rec.Key] = data
	}
	savedAt, err := snap.SavedAt.MarshalText()
	if err != nil {
		return fmt.Errorf("encode saved_at: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(boltMetaBucket)
		if err := meta.Put(boltKeyVersion, []byte(strconv.Itoa(snap.Version))); err != nil {
			return err
		}
		if err := meta.Put(boltKeySeq, []byte(strconv.FormatUint(snap.Seq, 10))); err != nil {
			return err
		}
		if err := meta.Put(boltKeySavedAt, savedAt); err != nil {
			return err
		}
		records := tx.Bucket(boltRecordsBucket)
		for key, data := range encoded {
			if err := records.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
