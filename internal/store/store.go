package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

// SnapshotVersion is the only ledger layout Load accepts.
const SnapshotVersion = 1

const (
	DriverFile   = "file"
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Snapshot is the full persisted ledger.
type Snapshot struct {
	Version int                  `json:"version"`
	SavedAt time.Time            `json:"saved_at"`
	Seq     uint64               `json:"seq"`
	Records []schema.OrderRecord `json:"records"`
}

// Empty returns the snapshot of a store that was never written.
func Empty() Snapshot {
	return Snapshot{Version: SnapshotVersion, Records: []schema.OrderRecord{}}
}

// Store persists ledger snapshots. Save is all or nothing: a later Load
// observes either the previous snapshot or the new one, never a mix.
type Store interface {
	// Load returns the last saved snapshot, or Empty when nothing was saved.
	// Unreadable or incompatible data fails with exception.ErrCorruptState.
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// Config selects and locates a store backend.
type Config struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
}

// Open creates the configured backend.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverFile:
		return NewFileStore(cfg.Path)
	case DriverBolt:
		return NewBoltStore(cfg.Path)
	case DriverSQLite:
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %s", exception.ErrUnsupportedStore, cfg.Driver)
	}
}

// Check verifies the snapshot is a ledger this build can trust.
func (s Snapshot) Check() error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: %w: got %d want %d", exception.ErrCorruptState, exception.ErrStoreVersion, s.Version, SnapshotVersion)
	}
	seen := make(map[string]struct{}, len(s.Records))
	for i, rec := range s.Records {
		if rec.Key == "" {
			return fmt.Errorf("%w: record %d has no key", exception.ErrCorruptState, i)
		}
		if _, ok := seen[rec.Key]; ok {
			return fmt.Errorf("%w: duplicate record key %q", exception.ErrCorruptState, rec.Key)
		}
		seen[rec.Key] = struct{}{}
		if !rec.State.IsAvailable() {
			return fmt.Errorf("%w: record %q has unknown state %q", exception.ErrCorruptState, rec.Key, rec.State)
		}
	}
	return nil
}

// SortRecords orders records by creation time, then key.
func SortRecords(records []schema.OrderRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].Key < records[j].Key
	})
}
