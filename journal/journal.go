// Package journal implements a small append-only, checksummed record log.
//
// It backs the Database's change journal: every committed transaction
// that saves or deletes documents appends one record describing the doc
// IDs it touched and the sequence number reached. The Database reads the
// log back only when it is opened, to recover its last sequence number;
// change listeners are called directly at commit, not from the log.
// Unlike a general-purpose WAL, it is never rotated, compacted or trimmed.
//
// File format: a sequence of records, each
//
//	length:uvarint checksum:64 payload:length bytes
//
// where checksum is the xxhash64 of payload. A record whose checksum
// doesn't match is treated as the end of the usable log (the tail of an
// interrupted write), exactly like a torn write at the end of a WAL
// segment.
package journal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// ErrCorrupt is returned by Reader.Next when a record's checksum doesn't
// match its payload.
var ErrCorrupt = fmt.Errorf("journal: corrupted record")

// Writer appends records to an io.Writer. It never syncs the underlying
// writer itself.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Append writes one record and returns its encoded length.
func (jw *Writer) Append(payload []byte) (int, error) {
	sum := xxhash.Sum64(payload)

	hdr := make([]byte, binary.MaxVarintLen64+8)
	n := binary.PutUvarint(hdr, uint64(len(payload)))
	binary.BigEndian.PutUint64(hdr[n:], sum)
	hdr = hdr[:n+8]

	if _, err := jw.w.Write(hdr); err != nil {
		return 0, err
	}
	if _, err := jw.w.Write(payload); err != nil {
		return 0, err
	}
	return len(hdr) + len(payload), nil
}

// Syncer is implemented by writers (e.g. *os.File) that can be flushed to
// stable storage.
type Syncer interface {
	Sync() error
}

// Reader sequentially reads records previously written by Writer.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record's payload, or io.EOF when the log is
// exhausted. It returns ErrCorrupt (with no further records readable) if
// the next record's checksum doesn't match — callers should treat that as
// "end of usable log", not a fatal error, since it's the expected shape of
// a write interrupted mid-append.
func (jr *Reader) Next() ([]byte, error) {
	n, err := readUvarint(jr.r)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, io.EOF
	}

	rest := make([]byte, 8+n)
	if _, err := io.ReadFull(jr.r, rest); err != nil {
		return nil, io.EOF
	}
	checksum := binary.BigEndian.Uint64(rest[:8])
	payload := rest[8:]

	if xxhash.Sum64(payload) != checksum {
		return nil, ErrCorrupt
	}
	return payload, nil
}

func readUvarint(r io.Reader) (uint64, error) {
	var buf [binary.MaxVarintLen64]byte
	var b [1]byte
	for i := 0; i < len(buf); i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		buf[i] = b[0]
		if b[0] < 0x80 {
			v, n := binary.Uvarint(buf[:i+1])
			if n <= 0 {
				return 0, fmt.Errorf("journal: invalid uvarint")
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("journal: uvarint too long")
}

// ReadAll drains every well-formed record from r, stopping (without
// erroring) at the first corrupted or truncated one.
func ReadAll(r io.Reader) ([][]byte, error) {
	jr := NewReader(r)
	var out [][]byte
	for {
		rec, err := jr.Next()
		if err == io.EOF || err == ErrCorrupt {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
