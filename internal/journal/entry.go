package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"orderkeeper/internal/schema"
)

const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 24
	recordChecksumSize        = 4
)

var (
	recordMagic = [4]byte{'O', 'K', 'J', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic            = errors.New("journal invalid magic")
	ErrUnsupportedRecordVer    = errors.New("journal unsupported record version")
	ErrInvalidRecordHeaderSize = errors.New("journal invalid header size")
	ErrChecksumMismatch        = errors.New("journal checksum mismatch")
)

// Entry is one committed lifecycle event of an order record.
type Entry struct {
	ID            string            `json:"id"`
	Seq           uint64            `json:"seq"`
	At            time.Time         `json:"at"`
	Key           string            `json:"key"`
	From          schema.OrderState `json:"from,omitempty"`
	To            schema.OrderState `json:"to"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	Attempts      int               `json:"attempts"`
	Note          string            `json:"note,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
}

// NewEntry describes rec after a committed change from state from.
func NewEntry(seq uint64, from schema.OrderState, rec schema.OrderRecord, traceID string) Entry {
	e := Entry{
		ID:            uuid.NewString(),
		Seq:           seq,
		At:            rec.UpdatedAt,
		Key:           rec.Key,
		From:          from,
		To:            rec.State,
		BrokerOrderID: rec.BrokerOrderID,
		Attempts:      rec.Attempts,
		TraceID:       traceID,
	}
	if n := len(rec.History); n > 0 {
		e.Note = rec.History[n-1].Note
	}
	return e
}

func encodeEntry(e Entry) ([]byte, error) {
	return sonic.ConfigStd.Marshal(e)
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	err := sonic.ConfigStd.Unmarshal(data, &e)
	return e, err
}

func encodeHeader(dst []byte, seq uint64, at time.Time, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[12:20], seq)
	binary.LittleEndian.PutUint32(dst[20:24], uint32(at.Unix()))
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

func decodeHeader(src []byte) (uint32, error) {
	if len(src) < recordHeaderSize {
		return 0, ErrInvalidRecordHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return 0, ErrInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return 0, ErrUnsupportedRecordVer
	}
	if size := binary.LittleEndian.Uint16(src[6:8]); size != recordHeaderSize {
		return 0, ErrInvalidRecordHeaderSize
	}
	return binary.LittleEndian.Uint32(src[8:12]), nil
}
