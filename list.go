package embedoc

import (
	"strconv"

	"github.com/embedoc/embedoc/fleece"
)

// List is the ordered-array counterpart of Subdocument: a mutable,
// identity-stable wrapper around a property that holds a JSON-array-shaped
// value. Like Subdocument, a List is memoized the first time its key is
// read and keeps the same identity across subsequent reads until the key
// is overwritten or the list is truncated out from under it.
type List struct {
	sk   *fleece.SharedKeys
	root fleece.List

	items      []any // materialized lazily; nil until first access
	dirty      bool
	parent     mutationSink
	parentKey  string
	doc        *Document
}

func newDetachedList(sk *fleece.SharedKeys) *List {
	return &List{sk: sk}
}

func newListFromRoot(c *container, key string, root fleece.List) *List {
	return &List{sk: c.sk, root: root, parent: c, parentKey: key, doc: c.doc}
}

func (l *List) materialize() {
	if l.items != nil || l.root.IsMissing() {
		if l.items == nil {
			l.items = []any{}
		}
		return
	}
	n := l.root.Len()
	items := make([]any, n)
	for i := 0; i < n; i++ {
		raw, _ := l.root.Get(i)
		switch x := raw.(type) {
		case map[string]any:
			if t, _ := x["_type"].(string); t == "blob" {
				items[i] = blobFromDict(x, l.doc)
			} else {
				items[i] = l.subdocumentFromValue(i, x)
			}
		case []any:
			items[i] = l.listFromValue(i, x)
		default:
			items[i] = normalizeScalar(x)
		}
	}
	l.items = items
}

func (l *List) subdocumentFromValue(index int, m map[string]any) *Subdocument {
	sub := newDetachedSubdocument(l.sk)
	sub.container.replacePropertiesRaw(m)
	sub.container.parent = l
	sub.container.parentKey = strconv.Itoa(index)
	sub.container.doc = l.doc
	return sub
}

func (l *List) listFromValue(index int, items []any) *List {
	sub := newDetachedList(l.sk)
	sub.parent = l
	sub.parentKey = strconv.Itoa(index)
	sub.doc = l.doc
	sub.items = make([]any, len(items))
	for i, v := range items {
		switch x := v.(type) {
		case map[string]any:
			if t, _ := x["_type"].(string); t == "blob" {
				sub.items[i] = blobFromDict(x, l.doc)
			} else {
				sub.items[i] = sub.subdocumentFromValue(i, x)
			}
		case []any:
			sub.items[i] = sub.listFromValue(i, x)
		default:
			sub.items[i] = normalizeScalar(x)
		}
	}
	return sub
}

// rawValueToStaged mirrors container.rawValueToStaged for list elements,
// used when materializing nested content that isn't a user edit.
func (l *List) rawValueToStaged(index int, v any) any {
	switch x := v.(type) {
	case map[string]any:
		if t, _ := x["_type"].(string); t == "blob" {
			return blobFromDict(x, l.doc)
		}
		return l.subdocumentFromValue(index, x)
	case []any:
		return l.listFromValue(index, x)
	default:
		return normalizeScalar(x)
	}
}

func (l *List) childChanged(key string) {
	l.dirty = true
	if l.parent != nil {
		l.parent.childChanged(l.parentKey)
	}
}

func (l *List) markDirty() {
	l.dirty = true
	if l.parent != nil {
		l.parent.childChanged(l.parentKey)
	}
}

// HasChanges reports whether this list (or anything nested in it) has been
// mutated since it was bound to its current root.
func (l *List) HasChanges() bool {
	return l.dirty
}

// Count returns the number of elements.
func (l *List) Count() int {
	l.materialize()
	return len(l.items)
}

// Get returns the element at i, or nil if out of range.
func (l *List) Get(i int) any {
	l.materialize()
	if i < 0 || i >= len(l.items) {
		return nil
	}
	return l.items[i]
}

// Set validates and replaces the element at i.
func (l *List) Set(i int, value any) error {
	l.materialize()
	if i < 0 || i >= len(l.items) {
		return errInvalidValue("", "list index %d out of range", i)
	}
	if err := validateValue(value); err != nil {
		return errInvalidValue("", "list element %d: %v", i, err)
	}
	old := l.items[i]
	converted := l.convertElement(value, old, i)
	l.items[i] = converted
	l.markDirty()
	return nil
}

// Append validates and appends value.
func (l *List) Append(value any) error {
	l.materialize()
	if err := validateValue(value); err != nil {
		return errInvalidValue("", "list element: %v", err)
	}
	converted := l.convertElement(value, nil, len(l.items))
	l.items = append(l.items, converted)
	l.markDirty()
	return nil
}

// RemoveAt deletes the element at i, invalidating any displaced
// Subdocument and shifting later elements' identity down by one;
// reordering inside a list is a known identity caveat rather than a
// fully solved case.
func (l *List) RemoveAt(i int) error {
	l.materialize()
	if i < 0 || i >= len(l.items) {
		return errInvalidValue("", "list index %d out of range", i)
	}
	invalidateDisplaced(l.items[i])
	l.items = append(l.items[:i], l.items[i+1:]...)
	l.markDirty()
	return nil
}

func (l *List) convertElement(newV, oldV any, index int) any {
	key := strconv.Itoa(index)
	switch nv := newV.(type) {
	case nil:
		invalidateDisplaced(oldV)
		return nil
	case *Subdocument:
		return l.adoptSubdocument(nv, oldV, key)
	case map[string]any:
		if t, ok := nv["_type"].(string); ok && t == "blob" {
			invalidateDisplaced(oldV)
			return blobFromDict(nv, l.doc)
		}
		sub, reused := oldV.(*Subdocument)
		if !reused {
			invalidateDisplaced(oldV)
			sub = newDetachedSubdocument(l.sk)
		}
		sub.container.replacePropertiesRaw(nv)
		return l.adoptSubdocument(sub, nil, key)
	case []any:
		invalidateDisplaced(oldV)
		return l.listFromValue(index, nv)
	case *List:
		return l.adoptNestedList(nv, oldV, key)
	default:
		invalidateDisplaced(oldV)
		return normalizeScalar(nv)
	}
}

func (l *List) adoptSubdocument(sub *Subdocument, oldV any, key string) *Subdocument {
	if sub.container.parent == l && sub.container.parentKey == key {
		return sub
	}
	if sub.container.parent != nil {
		reused, ok := asSubdocument(oldV)
		if !ok {
			invalidateDisplaced(oldV)
			reused = newDetachedSubdocument(l.sk)
		}
		reused.container.replacePropertiesRaw(sub.Properties())
		sub = reused
	} else {
		invalidateDisplaced(oldV)
	}
	sub.container.parent = l
	sub.container.parentKey = key
	sub.container.doc = l.doc
	propagateDoc(sub.container, l.doc)
	return sub
}

func (l *List) adoptNestedList(nested *List, oldV any, key string) *List {
	if nested.parent == l && nested.parentKey == key {
		return nested
	}
	invalidateDisplaced(oldV)
	nested.parent = l
	nested.parentKey = key
	nested.doc = l.doc
	propagateDocList(nested, l.doc)
	return nested
}

// ToSlice returns an immutable snapshot of the list's current elements,
// with nested Subdocuments/Lists expanded to their own snapshots.
func (l *List) ToSlice() []any {
	l.materialize()
	out := make([]any, len(l.items))
	for i, v := range l.items {
		out[i] = exportValue(v)
	}
	return out
}

// invalidateAll invalidates every Subdocument (directly or nested) held by
// this list, used when the list itself is displaced or reverted.
func (l *List) invalidateAll() {
	for _, v := range l.items {
		invalidateDisplaced(v)
	}
	l.items = nil
	l.dirty = false
}

// useNewRoot rebinds the list to a freshly saved or externally reloaded
// root, walking it in parallel with the already-materialized items and
// rebinding each nested Subdocument/List by index where the new root still
// has a counterpart there. Anything past the new root's length, or whose
// slot is no longer dict/array-shaped, is invalidated and its slot
// refreshed straight from the new root instead. A list that was never
// materialized in the first place is left that way; it'll decode fresh
// from the new root on first access, same as before a save.
func (l *List) useNewRoot(root fleece.List) {
	if l.items == nil {
		l.root = root
		l.dirty = false
		return
	}
	n := root.Len()
	for i, v := range l.items {
		switch x := v.(type) {
		case *Subdocument:
			if !root.IsMissing() && i < n {
				nested := root.GetDict(i)
				if !nested.IsMissing() {
					x.container.useNewRoot(nested)
					continue
				}
			}
			x.invalidate()
			l.items[i] = l.refreshElement(root, i, n)
		case *List:
			if !root.IsMissing() && i < n {
				if nested := root.GetList(i); !nested.IsMissing() {
					x.useNewRoot(nested)
					continue
				}
			}
			x.invalidateAll()
			l.items[i] = l.refreshElement(root, i, n)
		default:
			l.items[i] = l.refreshElement(root, i, n)
		}
	}
	if len(l.items) > n {
		l.items = l.items[:n]
	}
	for i := len(l.items); i < n; i++ {
		l.items = append(l.items, l.refreshElement(root, i, n))
	}
	l.root = root
	l.dirty = false
}

// refreshElement decodes root's element i fresh, or reports nil if the new
// root has no element there.
func (l *List) refreshElement(root fleece.List, i, n int) any {
	if i >= n {
		return nil
	}
	raw, ok := root.Get(i)
	if !ok {
		return nil
	}
	return l.rawValueToStaged(i, raw)
}
