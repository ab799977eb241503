package embedoc

import (
	"time"

	"github.com/embedoc/embedoc/fleece"
)

// Subdocument is a nested, mutable dictionary property. It behaves exactly
// like a PropertyContainer — Get/Set/Contains/Properties/Revert all work
// the same way — but its mutations bubble up through its parent until they
// reach the owning Document, which is what makes `doc.GetSubdocument("addr").Set("city", "NYC")`
// mark the whole document changed without an explicit re-Set on "addr".
//
// A Subdocument has identity: reading the same key twice without an
// intervening overwrite returns the same instance. Once displaced —
// overwritten, removed, or its parent reverted past the point it was
// created — it is invalidated and becomes an inert, detached, empty
// container; further use won't panic but won't do anything useful either.
type Subdocument struct {
	container *container
}

func newDetachedSubdocument(sk *fleece.SharedKeys) *Subdocument {
	return &Subdocument{container: newContainer(sk)}
}

// newBoundSubdocument lazily binds a Subdocument to the nested dict found
// at key in parent's encoded root.
func newBoundSubdocument(parent *container, key string) *Subdocument {
	c := newContainer(parent.sk)
	c.root = parent.root.GetDict(key)
	c.parent = parent
	c.parentKey = key
	c.doc = parent.doc
	return &Subdocument{container: c}
}

// NewSubdocument creates a detached Subdocument with no parent. It becomes
// live the moment it's assigned to a key on a Document or another
// Subdocument/List.
func NewSubdocument() *Subdocument {
	return newDetachedSubdocument(nil)
}

func (s *Subdocument) Get(key string) any                   { return s.container.Get(key) }
func (s *Subdocument) Contains(key string) bool              { return s.container.Contains(key) }
func (s *Subdocument) GetBool(key string) bool                { return s.container.GetBool(key) }
func (s *Subdocument) GetLong(key string) int64               { return s.container.GetLong(key) }
func (s *Subdocument) GetDouble(key string) float64           { return s.container.GetDouble(key) }
func (s *Subdocument) GetFloat(key string) float32            { return s.container.GetFloat(key) }
func (s *Subdocument) GetString(key string) string            { return s.container.GetString(key) }
func (s *Subdocument) GetDate(key string) time.Time            { return s.container.GetDate(key) }
func (s *Subdocument) GetBlob(key string) *Blob                { return s.container.GetBlob(key) }
func (s *Subdocument) GetArray(key string) *List               { return s.container.GetArray(key) }
func (s *Subdocument) GetSubdocument(key string) *Subdocument  { return s.container.GetSubdocument(key) }
func (s *Subdocument) Set(key string, value any) error        { return s.container.Set(key, value) }
func (s *Subdocument) Remove(key string) error                 { return s.container.Remove(key) }
func (s *Subdocument) Properties() map[string]any              { return s.container.Properties() }
func (s *Subdocument) ReplaceProperties(m map[string]any) error { return s.container.ReplaceProperties(m) }
func (s *Subdocument) Revert()                                  { s.container.Revert() }
func (s *Subdocument) HasChanges() bool                         { return s.container.HasChanges() }

// IsInvalidated reports whether this instance has been displaced and
// detached from its parent.
func (s *Subdocument) IsInvalidated() bool {
	return s.container.invalidated
}

// invalidate detaches the subdocument from its parent and clears its
// content, per the displaced-Subdocument rule in the conversion algorithm.
func (s *Subdocument) invalidate() {
	c := s.container
	for _, v := range c.staged {
		invalidateDisplaced(v)
	}
	c.parent = nil
	c.parentKey = ""
	c.doc = nil
	c.root = fleece.Dict{}
	c.staged = nil
	c.changed = nil
	c.invalidated = true
}
