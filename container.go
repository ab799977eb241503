package embedoc

import (
	"fmt"
	"time"

	"github.com/embedoc/embedoc/fleece"
)

// mutationSink receives notice that one of its children mutated. container
// and List both implement it, so a child bubbles a change upward without
// needing to know whether its parent is a dict or a list.
type mutationSink interface {
	childChanged(key string)
}

// container is the shared state behind every PropertyContainer in the
// system: Document embeds one directly, Subdocument wraps one. It mediates
// between the encoded root owned by the current revision and a staged
// overlay of keys that have been read or written since.
type container struct {
	sk   *fleece.SharedKeys
	root fleece.Dict // zero value (IsMissing()) until bound to a revision

	staged  map[string]any
	changed map[string]bool

	// identity and mutation bubbling (nil for a Document's own container,
	// and for a detached/invalidated Subdocument).
	parent    mutationSink
	parentKey string

	// fireMutation is set only on the container embedded directly in a
	// Document; it's how a bubbled change ultimately surfaces as the
	// Document's mutation event.
	fireMutation func()

	// doc is the owning Document, propagated to every Subdocument and
	// List reachable from it. It is nil for a container that has never
	// been attached to a Document (a freshly constructed detached
	// Subdocument the caller hasn't assigned anywhere yet).
	doc *Document

	// invalidated marks a Subdocument's container once it has been
	// displaced by an overwrite, removal, or a revert past its creation.
	invalidated bool
}

func newContainer(sk *fleece.SharedKeys) *container {
	return &container{sk: sk}
}

// HasChanges reports whether any key differs from the encoded root.
func (c *container) HasChanges() bool {
	return len(c.changed) > 0
}

func (c *container) childChanged(key string) {
	c.markChanged(key)
}

func (c *container) markChanged(key string) {
	if c.changed == nil {
		c.changed = make(map[string]bool)
	}
	c.changed[key] = true
	if c.parent != nil {
		c.parent.childChanged(c.parentKey)
		return
	}
	if c.fireMutation != nil {
		c.fireMutation()
	}
}

// Contains reports whether key has a non-null effective value.
func (c *container) Contains(key string) bool {
	return c.Get(key) != nil
}

// Get returns the effective value of key: the staged value if present,
// otherwise lazily decoded from the encoded root. Subdocuments and lists
// are memoized into the staged map on first read so repeated calls return
// the same instance; scalars are not, and are re-decoded every time.
func (c *container) Get(key string) any {
	if v, ok := c.staged[key]; ok {
		return v
	}
	if c.root.IsMissing() || !c.root.Contains(key) {
		return nil
	}
	raw, ok := c.root.Get(key)
	if !ok {
		return nil
	}
	switch x := raw.(type) {
	case map[string]any:
		sub := blobOrSubdocumentFromRoot(c, key, x)
		c.stage(key, sub)
		return sub
	case []any:
		list := newListFromRoot(c, key, c.root.GetList(key))
		c.stage(key, list)
		return list
	default:
		return normalizeScalar(x)
	}
}

// blobOrSubdocumentFromRoot interprets a decoded dict value as either a
// Blob reference (its "_type" is "blob") or a Subdocument bound to the
// nested root at key.
func blobOrSubdocumentFromRoot(c *container, key string, decoded map[string]any) any {
	if t, _ := decoded["_type"].(string); t == "blob" {
		return blobFromDict(decoded, c.docOrNil())
	}
	sub := newBoundSubdocument(c, key)
	return sub
}

func (c *container) docOrNil() *Document {
	return c.doc
}

func (c *container) stage(key string, v any) {
	if c.staged == nil {
		c.staged = make(map[string]any)
	}
	c.staged[key] = v
}

// normalizeScalar coerces a scalar value into the same representation the
// fleece codec produces on decode, so a value staged via Set reads back
// identically to one just loaded from a saved revision, with no save in
// between required. validateValue accepts the narrower Go numeric types and
// time.Time as a convenience for callers; this is where they're collapsed
// down to the handful of types the rest of the package actually switches on.
func normalizeScalar(v any) any {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case float64:
		return x
	case float32:
		return float64(x)
	case string:
		return x
	case bool:
		return x
	case time.Time:
		return fleece.FormatDate(x)
	default:
		return v
	}
}

// GetBool, GetLong, GetDouble, GetFloat, GetString, GetDate, GetBlob,
// GetArray, GetSubdocument are typed accessors. Missing keys or type
// mismatches return the type's zero value rather than erroring.
func (c *container) GetBool(key string) bool {
	v, _ := c.Get(key).(bool)
	return v
}

func (c *container) GetLong(key string) int64 {
	switch v := c.Get(key).(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (c *container) GetDouble(key string) float64 {
	switch v := c.Get(key).(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func (c *container) GetFloat(key string) float32 {
	return float32(c.GetDouble(key))
}

func (c *container) GetString(key string) string {
	v, _ := c.Get(key).(string)
	return v
}

func (c *container) GetDate(key string) time.Time {
	s, ok := c.Get(key).(string)
	if !ok {
		return time.Time{}
	}
	t, err := fleece.ParseDate(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c *container) GetBlob(key string) *Blob {
	v, _ := c.Get(key).(*Blob)
	return v
}

func (c *container) GetArray(key string) *List {
	v, _ := c.Get(key).(*List)
	return v
}

func (c *container) GetSubdocument(key string) *Subdocument {
	v, _ := c.Get(key).(*Subdocument)
	return v
}

// Set validates and stages value at key, no-oping if it equals the
// current effective value.
func (c *container) Set(key string, value any) error {
	if err := validateValue(value); err != nil {
		return errInvalidValue("", "property %q: %v", key, err)
	}
	old := c.Get(key)
	if valuesEqual(value, old) {
		return nil
	}
	converted := c.convert(value, old, key)
	c.stage(key, converted)
	c.markChanged(key)
	return nil
}

// Remove is equivalent to Set(key, nil).
func (c *container) Remove(key string) error {
	return c.Set(key, nil)
}

// Properties returns an immutable snapshot of every key whose effective
// value is non-null.
func (c *container) Properties() map[string]any {
	if !c.root.IsMissing() {
		if c.staged == nil {
			c.backfillFromRoot()
		} else {
			c.backfillMissingFromRoot()
		}
	}
	out := make(map[string]any)
	if c.staged != nil {
		for k, v := range c.staged {
			if v == nil {
				continue
			}
			out[k] = exportValue(v)
		}
		return out
	}
	for _, k := range c.root.Keys() {
		v := c.Get(k)
		if v != nil {
			out[k] = exportValue(v)
		}
	}
	return out
}

func (c *container) backfillFromRoot() {
	c.staged = make(map[string]any, len(c.root.Keys()))
	for _, k := range c.root.Keys() {
		c.staged[k] = c.Get(k)
	}
}

func (c *container) backfillMissingFromRoot() {
	for _, k := range c.root.Keys() {
		if _, ok := c.staged[k]; !ok {
			c.staged[k] = c.Get(k)
		}
	}
}

// exportValue converts an internal staged value into the shape callers see
// from Properties(): Subdocuments/Lists become their own Properties()/
// ToSlice() snapshots, everything else is returned as-is.
func exportValue(v any) any {
	switch x := v.(type) {
	case *Subdocument:
		return x.Properties()
	case *List:
		return x.ToSlice()
	default:
		return v
	}
}

// Revert discards staged changes. Displaced Subdocuments (directly, or
// nested inside lists) are invalidated; Subdocuments that still have a
// persisted root are remounted by reverting them rather than discarded.
func (c *container) Revert() {
	for key := range c.changed {
		staged, hasStaged := c.staged[key]
		if hasStaged {
			if sub, ok := staged.(*Subdocument); ok {
				if !sub.container.root.IsMissing() {
					sub.Revert()
					continue
				}
				sub.invalidate()
			} else if list, ok := staged.(*List); ok {
				list.invalidateAll()
			}
		}
		delete(c.staged, key)
	}
	c.changed = nil
}

// ReplaceProperties bulk-replaces every property. Every key present in the
// previous staged map or the encoded root but absent from m is recorded as
// a changed (removed) key so save serializes a full replacement.
func (c *container) ReplaceProperties(m map[string]any) error {
	if err := validateValue(m); err != nil {
		return errInvalidValue("", "replaceProperties: %v", err)
	}

	removed := make(map[string]bool)
	for k := range c.staged {
		removed[k] = true
	}
	if !c.root.IsMissing() {
		for _, k := range c.root.Keys() {
			removed[k] = true
		}
	}

	newStaged := make(map[string]any, len(m))
	newChanged := make(map[string]bool, len(m))
	for k, v := range m {
		delete(removed, k)
		old := c.Get(k)
		converted := c.convert(v, old, k)
		newStaged[k] = converted
		newChanged[k] = true
	}
	for k := range removed {
		old := c.Get(k)
		invalidateDisplaced(old)
		newStaged[k] = nil
		newChanged[k] = true
	}

	c.staged = newStaged
	c.changed = newChanged
	c.bubbleAll()
	return nil
}

func (c *container) bubbleAll() {
	if c.parent != nil {
		c.parent.childChanged(c.parentKey)
		return
	}
	if c.fireMutation != nil {
		c.fireMutation()
	}
}

// useNewRoot rebinds the container to a freshly saved or externally
// reloaded encoded root, preserving Subdocument and List identity where
// possible.
func (c *container) useNewRoot(root fleece.Dict) {
	c.root = root
	for key, v := range c.staged {
		switch x := v.(type) {
		case *Subdocument:
			if !root.IsMissing() && root.Contains(key) {
				nested := root.GetDict(key)
				if !nested.IsMissing() {
					x.container.useNewRoot(nested)
					continue
				}
			}
			x.invalidate()
			delete(c.staged, key)
		case *List:
			if !root.IsMissing() && root.Contains(key) {
				x.useNewRoot(root.GetList(key))
				continue
			}
			x.invalidateAll()
			delete(c.staged, key)
		default:
			delete(c.staged, key)
		}
	}
	c.changed = nil
}

func validateValue(v any) error {
	switch x := v.(type) {
	case nil, bool, int, int8, int16, int32, int64, float32, float64, string, time.Time:
		return nil
	case *Blob, *Subdocument, *List:
		return nil
	case map[string]any:
		for k, sub := range x {
			if err := validateValue(sub); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	case []any:
		for i, sub := range x {
			if err := validateValue(sub); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported property type %T", v)
	}
}

// valuesEqual implements the cheap "new == old" fast path from the
// conversion algorithm. Maps and slices are never considered equal here
// (Go doesn't define == for them); that just means literal map/array
// assignments always go through full conversion, which is safe.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	switch x := a.(type) {
	case bool, int64, float64, string, time.Time:
		return a == b
	case *Blob:
		y, ok := b.(*Blob)
		return ok && x == y
	case *Subdocument:
		y, ok := b.(*Subdocument)
		return ok && x == y
	case *List:
		y, ok := b.(*List)
		return ok && x == y
	default:
		return false
	}
}

// invalidateDisplaced invalidates v if it is a Subdocument (or a List
// holding Subdocuments) being overwritten or dropped.
func invalidateDisplaced(v any) {
	switch x := v.(type) {
	case *Subdocument:
		x.invalidate()
	case *List:
		x.invalidateAll()
	}
}

// convert implements the value-conversion algorithm from spec §4.1.2.
func (c *container) convert(newV, oldV any, key string) any {
	switch nv := newV.(type) {
	case nil:
		invalidateDisplaced(oldV)
		return nil
	case *Subdocument:
		return c.adoptSubdocument(nv, oldV, key)
	case map[string]any:
		if t, ok := nv["_type"].(string); ok && t == "blob" {
			invalidateDisplaced(oldV)
			return blobFromDict(nv, c.docOrNil())
		}
		sub, reused := asSubdocument(oldV)
		if !reused {
			invalidateDisplaced(oldV)
			sub = newDetachedSubdocument(c.sk)
		}
		sub.container.replacePropertiesRaw(nv)
		return c.adoptSubdocument(sub, nil, key)
	case []any:
		existing, _ := oldV.(*List)
		if existing == nil {
			invalidateDisplaced(oldV)
		}
		return c.convertList(nv, existing, key)
	case *List:
		return c.adoptList(nv, oldV, key)
	default:
		invalidateDisplaced(oldV)
		return normalizeScalar(nv)
	}
}

// replacePropertiesRaw populates staged directly from an already-validated
// decoded map, without marking anything changed. It's used when
// materializing a Subdocument nested inside a List element from its
// decoded root value, where the content is existing persisted data, not a
// user edit.
func (c *container) replacePropertiesRaw(m map[string]any) {
	staged := make(map[string]any, len(m))
	for k, v := range m {
		staged[k] = c.rawValueToStaged(k, v)
	}
	c.staged = staged
	c.changed = nil
}

func (c *container) rawValueToStaged(key string, v any) any {
	switch x := v.(type) {
	case map[string]any:
		if t, _ := x["_type"].(string); t == "blob" {
			return blobFromDict(x, c.doc)
		}
		sub := newDetachedSubdocument(c.sk)
		sub.container.replacePropertiesRaw(x)
		sub.container.parent = c
		sub.container.parentKey = key
		sub.container.doc = c.doc
		return sub
	case []any:
		list := newDetachedList(c.sk)
		list.parent = c
		list.parentKey = key
		list.doc = c.doc
		list.items = make([]any, len(x))
		for i, item := range x {
			list.items[i] = list.rawValueToStaged(i, item)
		}
		return list
	default:
		return normalizeScalar(x)
	}
}

// convertList builds a detached List from a raw []any value assigned via
// Set/ReplaceProperties. Elements at matching indices are pulled from
// existing (the List previously occupying this slot, if any) and run
// through the same per-element conversion List.Set uses, so a Subdocument
// at index i keeps its identity when the new slice's element i is that
// same Subdocument; anything past the new length is invalidated.
func (c *container) convertList(items []any, existing *List, key string) *List {
	list := newDetachedList(c.sk)
	list.parent = c
	list.parentKey = key
	list.doc = c.doc
	list.items = make([]any, len(items))
	for i, v := range items {
		var old any
		if existing != nil && i < len(existing.items) {
			old = existing.items[i]
		}
		list.items[i] = list.convertElement(v, old, i)
	}
	if existing != nil {
		for i := len(items); i < len(existing.items); i++ {
			invalidateDisplaced(existing.items[i])
		}
	}
	return list
}

// adoptList implements the *List branch of convert(): a List object
// assigned directly is kept live if it's already bound to this exact slot,
// otherwise its elements are copied into a fresh List rather than moving
// the live instance, mirroring adoptSubdocument.
func (c *container) adoptList(list *List, oldV any, key string) *List {
	if list.parent == c && list.parentKey == key {
		return list
	}
	if list.parent != nil {
		raw := list.ToSlice()
		clone := newDetachedList(c.sk)
		clone.items = make([]any, len(raw))
		for i, v := range raw {
			clone.items[i] = clone.rawValueToStaged(i, v)
		}
		list = clone
	}
	invalidateDisplaced(oldV)
	list.parent = c
	list.parentKey = key
	list.doc = c.doc
	propagateDocList(list, c.doc)
	return list
}

func asSubdocument(v any) (*Subdocument, bool) {
	sub, ok := v.(*Subdocument)
	return sub, ok
}

// adoptSubdocument implements the Subdocument branch of convert(): if sub
// is already a child of this exact container at this exact key (a
// same-slot reassignment), it's returned unchanged; if it belongs to
// another parent, its properties are copied into a fresh or reused
// container instead of moving the live instance (so the same Subdocument
// object is never visible at two paths at once).
func (c *container) adoptSubdocument(sub *Subdocument, oldV any, key string) *Subdocument {
	if sub.container.parent == c && sub.container.parentKey == key {
		return sub
	}
	if sub.container.parent != nil {
		reused, ok := asSubdocument(oldV)
		if !ok {
			invalidateDisplaced(oldV)
			reused = newDetachedSubdocument(c.sk)
		}
		reused.container.replacePropertiesRaw(sub.Properties())
		sub = reused
	} else {
		invalidateDisplaced(oldV)
	}
	sub.container.parent = c
	sub.container.parentKey = key
	sub.container.doc = c.doc
	propagateDoc(sub.container, c.doc)
	return sub
}

// propagateDoc pushes the owning Document down into every nested
// Subdocument/List already memoized under c, recursively.
func propagateDoc(c *container, doc *Document) {
	c.doc = doc
	for _, v := range c.staged {
		switch x := v.(type) {
		case *Subdocument:
			x.container.parent = c
			propagateDoc(x.container, doc)
		case *List:
			x.doc = doc
			x.parent = c
			propagateDocList(x, doc)
		}
	}
}

func propagateDocList(l *List, doc *Document) {
	l.doc = doc
	for _, v := range l.items {
		switch x := v.(type) {
		case *Subdocument:
			x.container.parent = l
			propagateDoc(x.container, doc)
		case *List:
			x.parent = l
			propagateDocList(x, doc)
		}
	}
}
