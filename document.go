package embedoc

import (
	"reflect"
	"time"

	"github.com/embedoc/embedoc/fleece"
)

const maxHistoryDepth = 20

// Document is the root PropertyContainer: the one that actually owns an
// ID, a revision, and a connection to a Database. Every Subdocument and
// List reachable from it bubbles its mutations here.
type Document struct {
	container *container
	db        *Database

	id       string
	revID    string
	sequence uint64
	exists   bool
	deleted  bool
	history  []string

	// baseProperties is a snapshot of the properties as they were the
	// moment this handle's revision was bound (on load, or after the
	// last successful save). It's the merge base when a save discovers
	// this handle's revID is a direct ancestor of the current head.
	baseProperties map[string]any

	resolver ConflictResolver

	mutationListeners []func(*Document)
	savedListeners    []func(*Document, bool)
}

func newDocument(db *Database, id string) *Document {
	d := &Document{db: db, id: id}
	d.container = newContainer(db.sk)
	d.container.doc = d
	d.container.fireMutation = d.fireMutation
	return d
}

func (d *Document) bindRevision(e *revEntry) error {
	root, err := fleeceDecodeBody(e.Body, d.db.sk)
	if err != nil {
		return errStorage(d.id, err, "decoding revision %s", e.RevID)
	}
	d.container.useNewRoot(root)
	d.revID = e.RevID
	d.sequence = e.Sequence
	d.exists = true
	d.deleted = e.Deleted
	d.history = e.History
	d.baseProperties = d.container.Properties()
	return nil
}

func (d *Document) ID() string         { return d.id }
func (d *Document) RevisionID() string { return d.revID }
func (d *Document) Sequence() uint64   { return d.sequence }
func (d *Document) Exists() bool       { return d.exists }
func (d *Document) IsDeleted() bool    { return d.deleted }

func (d *Document) SetConflictResolver(r ConflictResolver) { d.resolver = r }

func (d *Document) Get(key string) any                        { return d.container.Get(key) }
func (d *Document) Contains(key string) bool                  { return d.container.Contains(key) }
func (d *Document) GetBool(key string) bool                   { return d.container.GetBool(key) }
func (d *Document) GetLong(key string) int64                  { return d.container.GetLong(key) }
func (d *Document) GetDouble(key string) float64              { return d.container.GetDouble(key) }
func (d *Document) GetFloat(key string) float32               { return d.container.GetFloat(key) }
func (d *Document) GetString(key string) string               { return d.container.GetString(key) }
func (d *Document) GetDate(key string) time.Time               { return d.container.GetDate(key) }
func (d *Document) GetBlob(key string) *Blob                   { return d.container.GetBlob(key) }
func (d *Document) GetArray(key string) *List                  { return d.container.GetArray(key) }
func (d *Document) GetSubdocument(key string) *Subdocument     { return d.container.GetSubdocument(key) }
func (d *Document) Set(key string, value any) error            { return d.container.Set(key, value) }
func (d *Document) Remove(key string) error                    { return d.container.Remove(key) }
func (d *Document) Properties() map[string]any                 { return d.container.Properties() }
func (d *Document) ReplaceProperties(m map[string]any) error   { return d.container.ReplaceProperties(m) }
func (d *Document) HasChanges() bool                           { return d.container.HasChanges() }

// AddMutationListener registers fn to be called every time this handle's
// properties change, whether from a direct Set/Remove or one bubbled up
// from a nested Subdocument/List. It returns a function that removes the
// listener.
func (d *Document) AddMutationListener(fn func(*Document)) func() {
	d.mutationListeners = append(d.mutationListeners, fn)
	idx := len(d.mutationListeners) - 1
	return func() {
		d.mutationListeners[idx] = nil
	}
}

// AddSavedListener registers fn to be called after this document is
// saved, either by this handle (external=false) or detected externally
// by ChangedExternally (external=true).
func (d *Document) AddSavedListener(fn func(doc *Document, external bool)) func() {
	d.savedListeners = append(d.savedListeners, fn)
	idx := len(d.savedListeners) - 1
	return func() {
		d.savedListeners[idx] = nil
	}
}

func (d *Document) fireMutation() {
	d.db.markUnsaved(d)
	for _, fn := range d.mutationListeners {
		if fn != nil {
			safeCall(d.db.logger, "mutation listener", func() { fn(d) })
		}
	}
}

// Revert discards staged changes, including any bubbled up from nested
// Subdocuments/Lists.
func (d *Document) Revert() {
	d.container.Revert()
	d.db.unmarkUnsaved(d)
}

func (d *Document) fireSaved(external bool) {
	for _, fn := range d.savedListeners {
		if fn != nil {
			safeCall(d.db.logger, "saved listener", func() { fn(d, external) })
		}
	}
}

// Save persists staged changes as a new revision, resolving a conflict
// against this handle's ConflictResolver (or the database's default) if
// the document moved since this handle last loaded it.
//
// The algorithm: snapshot the currently staged properties, compare this
// handle's revID against the document's current head inside the same
// storage transaction, resolve a conflict if they differ, install any
// pending Blobs found in the winning property tree, encode it, and write
// a new revision whose generation is one past whichever side's generation
// was higher.
func (d *Document) Save() error {
	err := d.db.inBatch(func(etx *engineTx) error {
		return d.saveLocked(etx)
	})
	if err != nil {
		return err
	}
	d.db.unmarkUnsaved(d)
	return nil
}

func (d *Document) saveLocked(etx *engineTx) error {
	return d.commitLocked(etx, false)
}

// commitLocked runs the merge-and-write algorithm shared by Save and
// Delete: a deletion is just a save that writes an empty body (or, when the
// document moved, adopts the stored revision), routed through the same
// conflict machinery (find the current
// revision, detect a divergence, resolve it) rather than a separate
// check. See defaultWinner's and propertiesEqual's doc comments for the
// two special cases this adds on top of a plain non-conflicting write.
func (d *Document) commitLocked(etx *engineTx, deletion bool) error {
	if d.db.readOnly {
		return errInvalidState(d.id, "database is read-only")
	}
	if deletion {
		if !d.exists {
			return errNotFound(d.id, "delete: document was never saved")
		}
	} else if !d.HasChanges() && d.exists {
		return nil
	}

	current, err := etx.getRevision(d.id)
	if err != nil {
		return errStorage(d.id, err, "reading current revision")
	}
	if deletion && current == nil {
		return errNotFound(d.id, "delete: document no longer exists")
	}

	var mine map[string]any
	if !deletion {
		mine = d.Properties()
	}
	myGen := generation(d.revID)

	var resolved map[string]any
	var newGen uint64

	switch {
	case current == nil:
		resolved = mine
		newGen = myGen + 1

	case d.exists && current.RevID == d.revID:
		resolved = mine
		newGen = myGen + 1

	default:
		theirRevID := current.RevID
		theirGen := current.Generation
		theirRoot, decErr := fleeceDecodeBody(current.Body, d.db.sk)
		if decErr != nil {
			return errStorage(d.id, decErr, "decoding conflicting revision %s", theirRevID)
		}
		theirs := theirRoot.ToValue()

		if deletion {
			// A delete never overrides a concurrent modification: it
			// always yields to whatever is currently there.
			resolved = theirs
		} else {
			var base map[string]any
			if d.exists && containsString(current.History, d.revID) {
				base = d.baseProperties
			}

			resolver := d.resolver
			if resolver == nil {
				resolver = d.db.defaultResolver
			}

			if resolver == nil {
				resolved = defaultWinner(mine, myGen, theirs, theirGen)
			} else {
				resolved = resolver(mine, theirs, base)
				if resolved == nil {
					return errConflict(d.id, "conflict resolver rejected the merge")
				}
			}
		}

		if propertiesEqual(resolved, theirs) {
			d.adoptRevision(current, theirRoot)
			return nil
		}

		if theirGen > myGen {
			newGen = theirGen + 1
		} else {
			newGen = myGen + 1
		}
	}

	var hasAttachments bool
	var body []byte
	if !deletion {
		hasAttachments, err = installBlobsIn(resolved, etx, d.db)
		if err != nil {
			return err
		}
		body, err = fleeceEncodeBody(resolved)
		if err != nil {
			return errInvalidValue(d.id, "encoding properties: %v", err)
		}
	}

	newRevID := makeRevID(newGen, body)
	seq, err := etx.nextSequence()
	if err != nil {
		return errStorage(d.id, err, "allocating sequence")
	}

	history := append([]string{newRevID}, d.history...)
	if len(history) > maxHistoryDepth {
		history = history[:maxHistoryDepth]
	}

	entry := &revEntry{
		DocID:          d.id,
		RevID:          newRevID,
		Generation:     newGen,
		Sequence:       seq,
		Deleted:        deletion,
		History:        history,
		Body:           body,
		HasAttachments: hasAttachments,
	}

	if err := etx.putRevision(entry); err != nil {
		return errStorage(d.id, err, "writing revision")
	}

	var newRoot fleece.Dict
	if deletion {
		newRoot = emptyDict()
	} else {
		if err := etx.saveSharedKeys(d.db.sk); err != nil {
			return errStorage(d.id, err, "persisting shared keys")
		}
		newRoot, err = fleeceDecodeBody(body, d.db.sk)
		if err != nil {
			return errStorage(d.id, err, "rebinding saved revision")
		}
	}
	d.container.useNewRoot(newRoot)
	d.revID = newRevID
	d.sequence = seq
	d.exists = true
	d.deleted = deletion
	d.history = history
	if deletion {
		d.baseProperties = nil
	} else {
		d.baseProperties = d.container.Properties()
	}

	d.db.enqueueChange(d.id, seq, false)
	if !deletion {
		d.db.pendingSaved = append(d.db.pendingSaved, pendingSavedEvent{doc: d, external: false})
	}
	return nil
}

// adoptRevision rebinds this handle directly onto an already-persisted
// revision without writing a new one: used both when a conflict resolves
// to exactly the currently stored content (nothing to write) and when
// ChangedExternally reloads a handle with no staged changes onto a new
// external head.
func (d *Document) adoptRevision(current *revEntry, root fleece.Dict) {
	d.container.useNewRoot(root)
	d.revID = current.RevID
	d.sequence = current.Sequence
	d.exists = true
	d.deleted = current.Deleted
	d.history = current.History
	d.baseProperties = d.container.Properties()
}

// propertiesEqual reports whether a resolved conflict merge produced
// nothing actually different from theirs: value-equal property trees, or
// both empty. This is the condition under which a save has nothing left
// to write, so it should adopt the current revision and exit rather than
// bump the generation with a content-identical copy.
func propertiesEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Delete saves a tombstone revision: a new revision flagged deleted, with
// an empty body. The handle keeps its ID and history so the delete can
// still be Merged against or Purged later. Like Save, it runs through the
// same conflict machinery: if the document moved since this handle last
// loaded it, the delete yields to whatever is there rather than clobbering
// a concurrent change.
func (d *Document) Delete() error {
	err := d.db.inBatch(func(etx *engineTx) error {
		return d.commitLocked(etx, true)
	})
	if err != nil {
		return err
	}
	d.db.unmarkUnsaved(d)
	return nil
}

// Purge permanently removes the document and every revision of it,
// bypassing the revision tree entirely. It reports whether a document was
// actually present to purge.
func (d *Document) Purge() (bool, error) {
	if d.db.readOnly {
		return false, errInvalidState(d.id, "database is read-only")
	}
	var purged bool
	err := d.db.inBatch(func(etx *engineTx) error {
		current, err := etx.getRevision(d.id)
		if err != nil {
			return errStorage(d.id, err, "reading current revision")
		}
		if current == nil {
			return nil
		}
		if err := etx.purgeRevision(d.id); err != nil {
			return errStorage(d.id, err, "purging")
		}
		purged = true
		return nil
	})
	if err != nil {
		return false, err
	}
	d.db.unmarkUnsaved(d)
	return purged, nil
}

// ChangedExternally reports whether the document's head revision in
// storage differs from the one this handle last loaded. If so, and this
// handle has no staged local changes to protect, it also reloads the
// handle onto that head revision and notifies its saved listeners with
// external=true.
func (d *Document) ChangedExternally() (bool, error) {
	var changed bool
	err := d.db.inBatch(func(etx *engineTx) error {
		current, err := etx.getRevision(d.id)
		if err != nil {
			return err
		}
		if current == nil {
			changed = d.exists
			return nil
		}
		changed = current.RevID != d.revID
		if !changed || d.HasChanges() {
			return nil
		}
		theirRoot, decErr := fleeceDecodeBody(current.Body, d.db.sk)
		if decErr != nil {
			return errStorage(d.id, decErr, "decoding revision %s", current.RevID)
		}
		d.adoptRevision(current, theirRoot)
		d.db.pendingSaved = append(d.db.pendingSaved, pendingSavedEvent{doc: d, external: true})
		return nil
	})
	return changed, err
}

func emptyDict() fleece.Dict {
	d, _ := fleece.Load(nil, nil)
	return d
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// defaultWinner is the built-in conflict rule applied when no resolver is
// installed: the deeper revision (higher generation) wins. A tie always
// favors mine.
func defaultWinner(mine map[string]any, myGen uint64, theirs map[string]any, theirGen uint64) map[string]any {
	if theirGen > myGen {
		return theirs
	}
	return mine
}

// installBlobsIn walks a resolved property tree and installs every
// not-yet-installed Blob it finds into db, returning whether the tree
// contains any blob at all (the revision's HasAttachments flag).
func installBlobsIn(v any, etx *engineTx, db *Database) (bool, error) {
	switch x := v.(type) {
	case *Blob:
		if err := x.install(etx, db); err != nil {
			return false, err
		}
		return true, nil
	case map[string]any:
		found := false
		for _, sub := range x {
			has, err := installBlobsIn(sub, etx, db)
			if err != nil {
				return false, err
			}
			found = found || has
		}
		return found, nil
	case []any:
		found := false
		for _, sub := range x {
			has, err := installBlobsIn(sub, etx, db)
			if err != nil {
				return false, err
			}
			found = found || has
		}
		return found, nil
	default:
		return false, nil
	}
}
