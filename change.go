package embedoc

// DatabaseChange describes a batch of documents saved or deleted in a
// single committed transaction, delivered to every listener registered
// with Database.AddChangeListener. External marks a change that did not
// come from this Database handle's own writes; no code path in this
// package sets it, so changes from Save and Delete always carry false,
// and writes made by another process or handle on the same file are not
// reported.
type DatabaseChange struct {
	DocIDs       []string
	LastSequence uint64
	External     bool
}
