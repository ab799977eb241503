package embedoc

// ConflictResolver decides the winning properties when a save discovers
// that the document's current revision has moved since the handle last
// read it. mine and theirs are the two diverging revisions' full property
// trees, and base is their common ancestor (nil if none could be found,
// e.g. it was purged). Returning nil rejects the save with ErrConflict.
//
// When neither the Document nor its Database has one installed, saveLocked
// falls back to defaultWinner instead of a ConflictResolver value: the
// built-in rule needs each side's generation, not just their property
// trees, so it's a plain function rather than a ConflictResolver
// implementation.
type ConflictResolver func(mine, theirs, base map[string]any) map[string]any
