package embedoc

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/embedoc/embedoc/fleece"
	"github.com/embedoc/embedoc/journal"
)

// Options configures Open. The zero value is a usable default: a
// plain-text logger on stderr, no indexes pre-declared, and the built-in
// conflict rule (the revision with the higher generation wins; on a tie
// the local properties are kept).
type Options struct {
	// ReadOnly opens the underlying file read-only; Save/Delete/Purge
	// calls against the returned Database fail with ErrInvalidState.
	ReadOnly bool

	// Logger overrides the database's slog.Logger. If nil, Open builds
	// one writing to Output (or a colorized stderr writer if Output is
	// nil and stderr is a terminal).
	Logger *slog.Logger

	// Output is where the default logger writes, when Logger is nil.
	Output io.Writer

	// DefaultConflictResolver is used for every Document that hasn't had
	// SetConflictResolver called on it directly.
	DefaultConflictResolver ConflictResolver

	// BoltOptions is passed through to bbolt.Open.
	BoltOptions *bbolt.Options
}

type pendingSavedEvent struct {
	doc      *Document
	external bool
}

// Database is an embedoc handle on a single file. It owns the storage
// engine, the shared-key interning table, every currently-live Document
// handle with unsaved changes, and the set of registered change
// listeners.
type Database struct {
	mu sync.Mutex

	path   string
	eng    *engine
	sk     *fleece.SharedKeys
	logger *slog.Logger

	readOnly        bool
	defaultResolver ConflictResolver

	unsaved map[string]*Document

	observers    []func(DatabaseChange)
	journal      *os.File
	lastSequence uint64

	pendingSaved    []pendingSavedEvent
	currentTouched  map[string]uint64
	currentExternal bool

	closed bool
}

// Open opens (creating if necessary) the embedoc database at path, a
// directory containing the bbolt file and the change journal.
func Open(path string, opts Options) (*Database, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errStorage("", err, "creating database directory %s", path)
	}

	boltOpts := opts.BoltOptions
	if boltOpts == nil {
		boltOpts = &bbolt.Options{Timeout: 2 * time.Second, ReadOnly: opts.ReadOnly}
	}
	bdb, err := bbolt.Open(filepath.Join(path, "data.bolt"), 0o644, boltOpts)
	if err != nil {
		return nil, errStorage("", err, "opening %s", path)
	}

	sk := fleece.NewSharedKeys()
	eng, err := openEngine(newBoltStorage(bdb), sk, opts.ReadOnly)
	if err != nil {
		bdb.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger(opts.Output)
	}

	journalFlags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		journalFlags = os.O_RDONLY | os.O_CREATE
	}
	jf, err := os.OpenFile(filepath.Join(path, "changes.journal"), journalFlags, 0o644)
	if err != nil {
		eng.close()
		return nil, errStorage("", err, "opening change journal")
	}

	db := &Database{
		path:            path,
		eng:             eng,
		sk:              sk,
		logger:          logger,
		readOnly:        opts.ReadOnly,
		defaultResolver: opts.DefaultConflictResolver,
		unsaved:         make(map[string]*Document),
		journal:         jf,
	}
	db.replayJournal()
	logger.Info("database opened", slog.String("path", path))
	return db, nil
}

func defaultLogger(w io.Writer) *slog.Logger {
	if w == nil {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			w = colorable.NewColorable(os.Stderr)
		} else {
			w = os.Stderr
		}
	}
	return slog.New(tint.NewHandler(w, &tint.Options{Level: slog.LevelInfo}))
}

// Close flushes the change journal and closes the underlying storage
// file.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	db.journal.Close()
	return db.eng.close()
}

// CreateDocument returns a fresh, unsaved Document handle with a new
// random ID.
func (db *Database) CreateDocument() *Document {
	return newDocument(db, uuid.NewString())
}

// CreateDocumentWithID returns a fresh, unsaved Document handle bound to
// id; if id already names a saved document, use GetDocument instead.
func (db *Database) CreateDocumentWithID(id string) *Document {
	return newDocument(db, id)
}

// GetDocument loads a document by ID. If it doesn't exist, the returned
// handle is a new unsaved document bound to that ID (Exists() == false),
// matching the common "get-or-create" pattern.
func (db *Database) GetDocument(id string) (*Document, error) {
	doc := newDocument(db, id)
	err := db.inBatch(func(etx *engineTx) error {
		e, err := etx.getRevision(id)
		if err != nil {
			return errStorage(id, err, "reading document")
		}
		if e == nil {
			return nil
		}
		return doc.bindRevision(e)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetExistingDocument loads a document by ID, returning (nil, nil) if it
// doesn't exist.
func (db *Database) GetExistingDocument(id string) (*Document, error) {
	doc, err := db.GetDocument(id)
	if err != nil {
		return nil, err
	}
	if !doc.Exists() {
		return nil, nil
	}
	return doc, nil
}

// AddChangeListener registers fn to be called after every committed
// transaction with the set of document IDs it touched. It returns a
// function that removes the listener.
func (db *Database) AddChangeListener(fn func(DatabaseChange)) func() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.observers = append(db.observers, fn)
	idx := len(db.observers) - 1
	return func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		db.observers[idx] = nil
	}
}

// markUnsaved and unmarkUnsaved maintain the set of Document handles that
// currently have staged, unsaved changes — the "unsaved documents" set a
// caller can enumerate before, say, closing the database to warn about
// losing in-memory edits.
func (db *Database) markUnsaved(doc *Document) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.unsaved[doc.id] = doc
}

func (db *Database) unmarkUnsaved(doc *Document) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.unsaved, doc.id)
}

// UnsavedDocuments returns every currently-live Document handle opened
// from this Database that has staged changes not yet saved.
func (db *Database) UnsavedDocuments() []*Document {
	db.mu.Lock()
	defer db.mu.Unlock()
	docs := make([]*Document, 0, len(db.unsaved))
	for _, d := range db.unsaved {
		docs = append(docs, d)
	}
	return docs
}

func (db *Database) notify(change DatabaseChange) {
	db.mu.Lock()
	observers := append([]func(DatabaseChange){}, db.observers...)
	db.mu.Unlock()
	for _, fn := range observers {
		if fn != nil {
			safeCall(db.logger, "change listener", func() { fn(change) })
		}
	}
}

// beginWithRetry opens an engine transaction, retrying with a short bounded
// exponential backoff if bbolt reports its file lock is held by another
// process (bbolt.Options.Timeout already bounds a single attempt; this
// covers the case where the lock is released and reacquired by someone else
// in between attempts, e.g. a competing process opening and closing the same
// file repeatedly).
func beginWithRetry(eng *engine, writable bool) (*engineTx, error) {
	delay := 2 * time.Millisecond
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		etx, err := eng.begin(writable)
		if err == nil {
			return etx, nil
		}
		if err != bbolt.ErrTimeout {
			return nil, err
		}
		lastErr = err
		time.Sleep(delay)
		delay *= 2
	}
	return nil, lastErr
}

// inBatch brackets fn inside a single writable engine transaction, then
// (once it commits) appends a change-journal record and, after releasing
// db.mu, dispatches listeners. On a read-only database the transaction is
// read-only and is rolled back instead of committed. Every
// Document.Save/Delete/Purge/GetDocument call goes
// through this; it is the sole place that holds the write lock, so two
// concurrent saves against the same Database are simply serialized rather
// than needing bbolt's opportunistic batch-retry machinery — each call is
// already a complete read-modify-write of the rows it touches.
func (db *Database) inBatch(fn func(etx *engineTx) error) error {
	db.mu.Lock()
	locked := true
	defer func() {
		if locked {
			db.mu.Unlock()
		}
	}()
	if db.closed {
		return errInvalidState("", "database is closed")
	}

	writable := !db.readOnly
	etx, err := beginWithRetry(db.eng, writable)
	if err != nil {
		return errStorage("", err, "beginning transaction")
	}

	touched := map[string]uint64{}
	db.currentTouched = touched
	db.currentExternal = false
	db.pendingSaved = nil

	if err := fn(etx); err != nil {
		etx.rollback()
		db.currentTouched = nil
		db.pendingSaved = nil
		return err
	}
	if !writable {
		etx.rollback()
	} else if err := etx.commit(); err != nil {
		db.currentTouched = nil
		db.pendingSaved = nil
		return errStorage("", err, "committing transaction")
	}
	external := db.currentExternal
	db.currentTouched = nil

	var change *DatabaseChange
	if len(touched) > 0 {
		ids := make([]string, 0, len(touched))
		var lastSeq uint64
		for id, seq := range touched {
			ids = append(ids, id)
			if seq > lastSeq {
				lastSeq = seq
			}
		}
		db.appendJournal(ids, lastSeq)
		db.lastSequence = lastSeq
		change = &DatabaseChange{DocIDs: ids, LastSequence: lastSeq, External: external}
	}

	saved := db.pendingSaved
	db.pendingSaved = nil
	locked = false
	db.mu.Unlock()

	if change != nil {
		db.notify(*change)
	}
	for _, ev := range saved {
		ev.doc.fireSaved(ev.external)
	}
	return nil
}

// enqueueChange records that docID changed at seq within the transaction
// currently open under inBatch. external marks a change that didn't
// originate from this Database handle's own Save/Delete (there is no
// replication layer in this package yet, but the flag is threaded through
// so one can plug in and mark its writes accordingly).
func (db *Database) enqueueChange(docID string, seq uint64, external bool) {
	if db.currentTouched != nil {
		db.currentTouched[docID] = seq
	}
	if external {
		db.currentExternal = true
	}
}

func (db *Database) getBlob(digest string) ([]byte, error) {
	var data []byte
	err := db.inBatch(func(etx *engineTx) error {
		d, err := etx.getBlob(digest)
		if err != nil {
			return err
		}
		data = d
		return nil
	})
	return data, err
}

func (db *Database) putBlob(digest string, data []byte) error {
	return db.inBatch(func(etx *engineTx) error {
		return etx.putBlob(digest, data)
	})
}

type journalRecord struct {
	DocIDs   []string `msgpack:"ids"`
	Sequence uint64   `msgpack:"seq"`
}

func (db *Database) appendJournal(ids []string, seq uint64) {
	rec := journalRecord{DocIDs: ids, Sequence: seq}
	payload, err := journalEncode(rec)
	if err != nil {
		db.logger.Warn("encoding change journal record", slog.Any("error", err))
		return
	}
	w := journal.NewWriter(db.journal)
	if _, err := w.Append(payload); err != nil {
		db.logger.Warn("appending to change journal", slog.Any("error", err))
	}
}

func (db *Database) replayJournal() {
	if _, err := db.journal.Seek(0, io.SeekStart); err != nil {
		return
	}
	records, err := journal.ReadAll(db.journal)
	if err != nil {
		db.logger.Warn("reading change journal", slog.Any("error", err))
		return
	}
	for _, payload := range records {
		rec, err := journalDecode(payload)
		if err != nil {
			continue
		}
		if rec.Sequence > db.lastSequence {
			db.lastSequence = rec.Sequence
		}
	}
}

// Stats summarizes a Database's current storage footprint, rolled up to
// the whole file since embedoc has no user-visible table concept.
type Stats struct {
	DocumentCount int
	FileSize      int64
	LastSequence  uint64
}

// DocumentIDs returns the ID of every document currently in the store,
// in key order. It's meant for inspection tooling, not hot paths: it
// copies the full key list out of the docs bucket on every call.
func (db *Database) DocumentIDs() ([]string, error) {
	var ids []string
	err := db.inBatch(func(etx *engineTx) error {
		ids = etx.allDocIDs()
		return nil
	})
	return ids, err
}

// Stats reports current storage statistics.
func (db *Database) Stats() (Stats, error) {
	var s Stats
	err := db.inBatch(func(etx *engineTx) error {
		s.DocumentCount = len(etx.allDocIDs())
		s.FileSize = etx.tx.Size()
		return nil
	})
	s.LastSequence = db.lastSequence
	return s, err
}

// CreateValueIndex declares a value index over expressionJSON (a JSON
// array of property paths); the engine persists the declaration so future
// queries can use it. embedoc doesn't implement a query planner itself —
// this is a pass-through hook for a higher-level query layer to consult.
func (db *Database) CreateValueIndex(name string, expressionJSON string) error {
	if db.readOnly {
		return errInvalidState("", "database is read-only")
	}
	return db.inBatch(func(etx *engineTx) error {
		key := "index:" + name
		return etx.meta.Put([]byte(key), []byte(expressionJSON))
	})
}

// CreateFullTextIndex declares a full-text index over expressionJSON,
// stored alongside value indexes under its own key prefix so DeleteIndex
// works uniformly across both kinds.
func (db *Database) CreateFullTextIndex(name string, expressionJSON string) error {
	if db.readOnly {
		return errInvalidState("", "database is read-only")
	}
	return db.inBatch(func(etx *engineTx) error {
		key := "ftsindex:" + name
		return etx.meta.Put([]byte(key), []byte(expressionJSON))
	})
}

// DeleteIndex removes a previously declared index, value or full-text.
func (db *Database) DeleteIndex(name string) error {
	if db.readOnly {
		return errInvalidState("", "database is read-only")
	}
	return db.inBatch(func(etx *engineTx) error {
		if err := etx.meta.Delete([]byte("index:" + name)); err != nil {
			return err
		}
		return etx.meta.Delete([]byte("ftsindex:" + name))
	})
}

func journalEncode(rec journalRecord) ([]byte, error) {
	return msgpack.Marshal(rec)
}

func journalDecode(data []byte) (journalRecord, error) {
	var rec journalRecord
	err := msgpack.Unmarshal(data, &rec)
	return rec, err
}
