package store

import (
	"bytes"
	"fmt"

	"github.com/bytedance/sonic"

	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

func encodeSnapshot(snap Snapshot) ([]byte, error) {
	if snap.Records == nil {
		snap.Records = []schema.OrderRecord{}
	}
	data, err := sonic.ConfigStd.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Snapshot{}, fmt.Errorf("%w: empty snapshot", exception.ErrCorruptState)
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", exception.ErrCorruptState, err)
	}
	if err := snap.Check(); err != nil {
		return Snapshot{}, err
	}
	if snap.Records == nil {
		snap.Records = []schema.OrderRecord{}
	}
	return snap, nil
}

func encodeRecord(rec schema.OrderRecord) ([]byte, error) {
	data, err := sonic.ConfigStd.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.Key, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (schema.OrderRecord, error) {
	var rec schema.OrderRecord
	if err := sonic.ConfigStd.Unmarshal(data, &rec); err != nil {
		return schema.OrderRecord{}, fmt.Errorf("%w: decode record: %w", exception.ErrCorruptState, err)
	}
	return rec, nil
}
