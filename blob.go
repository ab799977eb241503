package embedoc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Blob is a binary attachment referenced from a document's properties. A
// freshly constructed Blob holds its content pending (bytes, a stream, or
// a file path) until it's installed into a Database's blob store, which
// happens automatically the first time the document containing it is
// saved. A Blob decoded out of an existing revision is already installed:
// it carries only a digest, length and content type, and reads its bytes
// back from the store on demand.
type Blob struct {
	mu sync.Mutex

	contentType string
	length      int64
	digest      string // set once installed

	pendingBytes  []byte
	pendingStream io.Reader
	pendingFile   string

	db        *Database
	installed bool

	// cache holds the blob's content once read from the store, if it's
	// small enough to be worth keeping around; it's never set for content
	// over blobInlineCacheLimit, so repeatedly reading a large blob always
	// goes back to the store rather than holding it all in memory.
	cache []byte
}

// blobInlineCacheLimit is the largest content size contentLocked will cache
// inline on an installed Blob.
const blobInlineCacheLimit = 8 * 1024

// NewBlob creates a pending Blob from in-memory bytes.
func NewBlob(contentType string, data []byte) *Blob {
	return &Blob{contentType: contentType, pendingBytes: data, length: int64(len(data))}
}

// NewBlobFromStream creates a pending Blob whose content is read from r
// when it's installed. The stream is read at most once.
func NewBlobFromStream(contentType string, r io.Reader) *Blob {
	return &Blob{contentType: contentType, pendingStream: r, length: -1}
}

// NewBlobFromFile creates a pending Blob whose content is read from the
// file at path when it's installed.
func NewBlobFromFile(contentType, path string) (*Blob, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Blob{contentType: contentType, pendingFile: path, length: fi.Size()}, nil
}

// blobFromDict reconstructs an already-installed Blob from its decoded
// "_type": "blob" dict shape, as found either embedded in a saved
// revision or supplied externally via ReplaceProperties (e.g. from a
// replicated or imported document).
func blobFromDict(m map[string]any, doc *Document) *Blob {
	b := &Blob{installed: true}
	b.digest, _ = m["digest"].(string)
	b.contentType, _ = m["content-type"].(string)
	switch l := m["length"].(type) {
	case int64:
		b.length = l
	case float64:
		b.length = int64(l)
	}
	if doc != nil {
		b.db = doc.db
	}
	return b
}

func (b *Blob) ContentType() string { return b.contentType }
func (b *Blob) Digest() string      { return b.digest }

func (b *Blob) Length() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.length >= 0 {
		return b.length
	}
	if _, err := b.contentLocked(); err != nil {
		return 0
	}
	return b.length
}

// Content returns the blob's full bytes, reading from the database's blob
// store if the blob is already installed, or draining a pending
// stream/file if it isn't.
func (b *Blob) Content() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contentLocked()
}

func (b *Blob) contentLocked() ([]byte, error) {
	if b.pendingBytes != nil {
		return b.pendingBytes, nil
	}
	if b.pendingStream != nil {
		data, err := io.ReadAll(b.pendingStream)
		if err != nil {
			return nil, errStorage("", err, "reading pending blob stream")
		}
		b.pendingBytes = data
		b.pendingStream = nil
		b.length = int64(len(data))
		return data, nil
	}
	if b.pendingFile != "" {
		data, err := os.ReadFile(b.pendingFile)
		if err != nil {
			return nil, errStorage("", err, "reading pending blob file %q", b.pendingFile)
		}
		b.pendingBytes = data
		b.length = int64(len(data))
		return data, nil
	}
	if !b.installed {
		return nil, errInvalidState("", "blob has no content")
	}
	if b.cache != nil {
		return b.cache, nil
	}
	if b.db == nil {
		return nil, errInvalidState("", "blob is not bound to a database")
	}
	data, err := b.db.getBlob(b.digest)
	if err != nil {
		return nil, err
	}
	if len(data) <= blobInlineCacheLimit {
		b.cache = data
	}
	return data, nil
}

// ContentStream opens the blob's content for streamed reading.
func (b *Blob) ContentStream() (io.ReadCloser, error) {
	data, err := b.Content()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// install writes the blob's pending content into the blob store reachable
// through etx, computing its digest, and marks it installed. It runs
// inside the same engine transaction as the document save that triggered
// it. Installing an already-installed blob bound to a different database
// is an error, since a Blob's digest is meaningful only within the store
// that holds the bytes it names.
func (b *Blob) install(etx *engineTx, db *Database) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.installed {
		if b.db != nil && b.db != db {
			return errInvalidState("", "blob already installed into a different database")
		}
		b.db = db
		return nil
	}
	data, err := b.contentLocked()
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if err := etx.putBlob(digest, data); err != nil {
		return errStorage("", err, "installing blob")
	}
	db.logger.Debug("installed blob", hexAttr("digest", sum[:]), slog.Int64("length", int64(len(data))))
	b.digest = digest
	b.length = int64(len(data))
	b.db = db
	b.installed = true
	if len(data) <= blobInlineCacheLimit {
		b.cache = data
	}
	b.pendingBytes = nil
	b.pendingStream = nil
	b.pendingFile = ""
	return nil
}

// MarshalFleece implements fleece.Marshaler. It must only be called after
// the blob has been installed (Document.Save installs every pending blob
// before serializing).
func (b *Blob) MarshalFleece() any {
	if !b.installed {
		panic("embedoc: blob not installed before encoding")
	}
	return map[string]any{
		"_type":     "blob",
		"digest":       b.digest,
		"length":       b.length,
		"content-type": b.contentType,
	}
}
