package embedoc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/embedoc/embedoc/fleece"
)

// Bucket names for the three top-level bbolt buckets the engine keeps.
// "docs" holds one entry per document keyed by doc ID; "blobs" holds
// installed blob content keyed by its digest; "meta" holds the shared-key
// table snapshot and a handful of counters.
const (
	docsBucket  = "docs"
	blobsBucket = "blobs"
	metaBucket  = "meta"

	metaKeySharedKeys = "sharedkeys"
	metaKeySequence   = "sequence"
)

// revEntry is the persisted shape of one document's current revision. It
// is the engine's on-disk record, distinct from the in-memory Document:
// Body holds the fleece-encoded property tree for this revision, and
// History holds a bounded chain of ancestor revision IDs used to find a
// common ancestor during merge.
type revEntry struct {
	DocID          string   `msgpack:"id"`
	RevID          string   `msgpack:"rev"`
	Generation     uint64   `msgpack:"gen"`
	Sequence       uint64   `msgpack:"seq"`
	Deleted        bool     `msgpack:"del,omitempty"`
	HasAttachments bool     `msgpack:"att,omitempty"`
	History        []string `msgpack:"hist,omitempty"`
	Body           []byte   `msgpack:"body,omitempty"`
}

func encodeRevEntry(e *revEntry) ([]byte, error) {
	return msgpack.Marshal(e)
}

func decodeRevEntry(data []byte) (*revEntry, error) {
	var e revEntry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// generation parses the numeric prefix of a "N-hash" revision ID: a
// 1-based counter followed by a content hash, e.g. "3-8f2e1c".
func generation(revID string) uint64 {
	i := strings.IndexByte(revID, '-')
	if i <= 0 {
		return 0
	}
	n, err := strconv.ParseUint(revID[:i], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func makeRevID(gen uint64, body []byte) string {
	sum := xxhashHex(body)
	return strconv.FormatUint(gen, 10) + "-" + sum
}

// engine is the storage-engine handle: a revision store plus the blob
// content it owns, on top of the storage interface (bbolt in production,
// memStorage in tests). Through engineTx it provides the narrow contract
// the rest of the package needs (getRevision, putRevision with history,
// purgeRevision, blob get/put, sequence allocation, shared-key
// persistence); index declarations are written to the meta bucket by
// database.go directly.
type engine struct {
	st storage
	sk *fleece.SharedKeys
}

func openEngine(st storage, sk *fleece.SharedKeys, readOnly bool) (*engine, error) {
	eng := &engine{st: st, sk: sk}

	if readOnly {
		tx, err := st.BeginTx(false)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		if metaB := tx.Bucket(metaBucket, ""); metaB != nil {
			loadSharedKeys(metaB, sk)
		}
		return eng, nil
	}

	tx, err := st.BeginTx(true)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.CreateBucket(docsBucket, ""); err != nil {
		return nil, err
	}
	if _, err := tx.CreateBucket(blobsBucket, ""); err != nil {
		return nil, err
	}
	metaB, err := tx.CreateBucket(metaBucket, "")
	if err != nil {
		return nil, err
	}
	loadSharedKeys(metaB, sk)
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return eng, nil
}

func loadSharedKeys(metaB storageBucket, sk *fleece.SharedKeys) {
	raw := metaB.Get([]byte(metaKeySharedKeys))
	if raw == nil {
		return
	}
	var keys []string
	if err := msgpack.Unmarshal(raw, &keys); err == nil {
		sk.Restore(keys)
	}
}

func (e *engine) close() error {
	return e.st.Close()
}

// engineTx brackets one storage transaction with document/blob/meta bucket
// handles, used by Database.inBatch.
type engineTx struct {
	tx    storageTx
	docs  storageBucket
	blobs storageBucket
	meta  storageBucket
}

func (e *engine) begin(writable bool) (*engineTx, error) {
	tx, err := e.st.BeginTx(writable)
	if err != nil {
		return nil, err
	}
	docs := tx.Bucket(docsBucket, "")
	blobs := tx.Bucket(blobsBucket, "")
	meta := tx.Bucket(metaBucket, "")
	if writable {
		if docs == nil {
			docs, err = tx.CreateBucket(docsBucket, "")
			if err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		if blobs == nil {
			blobs, err = tx.CreateBucket(blobsBucket, "")
			if err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		if meta == nil {
			meta, err = tx.CreateBucket(metaBucket, "")
			if err != nil {
				tx.Rollback()
				return nil, err
			}
		}
	}
	return &engineTx{tx: tx, docs: docs, blobs: blobs, meta: meta}, nil
}

func (t *engineTx) commit() error   { return t.tx.Commit() }
func (t *engineTx) rollback() error { return t.tx.Rollback() }

func (t *engineTx) getRevision(docID string) (*revEntry, error) {
	if t.docs == nil {
		return nil, nil
	}
	raw := t.docs.Get([]byte(docID))
	if raw == nil {
		return nil, nil
	}
	return decodeRevEntry(raw)
}

func (t *engineTx) putRevision(e *revEntry) error {
	raw, err := encodeRevEntry(e)
	if err != nil {
		return err
	}
	return t.docs.Put([]byte(e.DocID), raw)
}

func (t *engineTx) purgeRevision(docID string) error {
	return t.docs.Delete([]byte(docID))
}

func (t *engineTx) allDocIDs() []string {
	if t.docs == nil {
		return nil
	}
	var ids []string
	c := t.docs.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		ids = append(ids, string(k))
	}
	return ids
}

func (t *engineTx) getBlob(digest string) ([]byte, error) {
	if t.blobs == nil {
		return nil, errNotFound("", "blob %s", digest)
	}
	raw := t.blobs.Get([]byte(digest))
	if raw == nil {
		return nil, errNotFound("", "blob %s", digest)
	}
	return raw, nil
}

func (t *engineTx) putBlob(digest string, data []byte) error {
	if t.blobs.Get([]byte(digest)) != nil {
		return nil // content-addressed: identical digest means identical bytes
	}
	return t.blobs.Put([]byte(digest), data)
}

func (t *engineTx) nextSequence() (uint64, error) {
	raw := t.meta.Get([]byte(metaKeySequence))
	var seq uint64
	if raw != nil {
		seq = bigEndianUint64(raw)
	}
	seq++
	if err := t.meta.Put([]byte(metaKeySequence), bigEndianBytes(seq)); err != nil {
		return 0, err
	}
	return seq, nil
}

func (t *engineTx) saveSharedKeys(sk *fleece.SharedKeys) error {
	raw, err := msgpack.Marshal(sk.Snapshot())
	if err != nil {
		return err
	}
	return t.meta.Put([]byte(metaKeySharedKeys), raw)
}

func bigEndianBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func bigEndianUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func xxhashHex(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// fleeceEncodeBody is a small wrapper so callers don't need to import
// fleece directly just to turn a properties map into a revision body.
func fleeceEncodeBody(m map[string]any) ([]byte, error) {
	return fleece.Encode(m)
}

func fleeceDecodeBody(data []byte, sk *fleece.SharedKeys) (fleece.Dict, error) {
	if len(data) == 0 {
		return fleece.Dict{}, nil
	}
	return fleece.Load(data, sk)
}
