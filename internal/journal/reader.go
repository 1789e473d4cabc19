package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/yanun0323/logs"
)

const maxPayloadSize = 1 << 20

// Reader decodes journal records sequentially.
type Reader struct {
	r         *bufio.Reader
	headerBuf []byte
	payload   []byte
}

// NewReader wraps an io.Reader with journal decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:         bufio.NewReader(r),
		headerBuf: make([]byte, recordHeaderSize),
	}
}

// Next returns the next entry, or io.EOF at a clean end. A record cut short
// by a crash yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (Entry, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return Entry{}, io.EOF
		}
		return Entry{}, io.ErrUnexpectedEOF
	}

	payloadLen, err := decodeHeader(r.headerBuf)
	if err != nil {
		return Entry{}, err
	}
	if payloadLen > maxPayloadSize {
		return Entry{}, fmt.Errorf("journal payload of %d bytes exceeds limit", payloadLen)
	}
	if cap(r.payload) < int(payloadLen) {
		r.payload = make([]byte, payloadLen)
	}
	r.payload = r.payload[:payloadLen]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return Entry{}, io.ErrUnexpectedEOF
	}

	var sum [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, sum[:]); err != nil {
		return Entry{}, io.ErrUnexpectedEOF
	}
	if checksum(r.headerBuf, r.payload) != binary.LittleEndian.Uint32(sum[:]) {
		return Entry{}, ErrChecksumMismatch
	}
	return decodeEntry(r.payload)
}

// Segments lists the segment files of dir in write order.
func Segments(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+segmentExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadDir decodes every entry in dir, oldest first. A torn tail on the last
// segment is tolerated; corruption anywhere else is an error.
func ReadDir(dir string, keep func(Entry) bool) ([]Entry, error) {
	paths, err := Segments(dir)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for i, path := range paths {
		last := i == len(paths)-1
		if err := readSegment(path, last, func(e Entry) {
			if keep == nil || keep(e) {
				out = append(out, e)
			}
		}); err != nil {
			return out, err
		}
	}
	return out, nil
}

func readSegment(path string, last bool, fn func(Entry)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := NewReader(f)
	for {
		e, err := r.Next()
		switch {
		case err == nil:
			fn(e)
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF) && last:
			logs.Warnf("journal segment %s ends with a torn record", filepath.Base(path))
			return nil
		default:
			return fmt.Errorf("read journal %s: %w", filepath.Base(path), err)
		}
	}
}
