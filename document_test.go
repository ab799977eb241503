package embedoc

import "testing"

func TestDocument_SaveAssignsRevisionAndSequence(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("name", "Ada"))
	requireNoError(t, doc.Save())

	if doc.RevisionID() == "" {
		t.Fatalf("RevisionID() is empty after Save")
	}
	if doc.Sequence() == 0 {
		t.Fatalf("Sequence() = 0 after Save")
	}
	if !doc.Exists() {
		t.Fatalf("Exists() = false after Save")
	}
}

func TestDocument_SaveIsNoOpWithoutChanges(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("name", "Ada"))
	requireNoError(t, doc.Save())
	rev := doc.RevisionID()

	requireNoError(t, doc.Save())
	if doc.RevisionID() != rev {
		t.Fatalf("Save with no staged changes created a new revision: %q -> %q", rev, doc.RevisionID())
	}
}

func TestDocument_DefaultConflictResolverPrefersDeeperGeneration(t *testing.T) {
	db := setup(t)
	id := "widget"
	a := db.CreateDocumentWithID(id)
	requireNoError(t, a.Set("name", "Ada"))
	requireNoError(t, a.Save())

	// b loads the document at generation 1 and holds onto that handle while
	// a saves twice more, reaching generation 3.
	b, err := db.GetExistingDocument(id)
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}

	requireNoError(t, a.Set("name", "Ada2"))
	requireNoError(t, a.Save())
	requireNoError(t, a.Set("name", "Ada3"))
	requireNoError(t, a.Save())

	// b's save conflicts against a's now much deeper history; with no
	// resolver installed, the deeper side wins regardless of recency.
	requireNoError(t, b.Set("name", "Byron"))
	requireNoError(t, b.Save())

	final, err := db.GetExistingDocument(id)
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}
	if got := final.GetString("name"); got != "Ada3" {
		t.Fatalf("final name = %q, wanted Ada3 (the deeper revision)", got)
	}
}

func TestDocument_CustomConflictResolverMerges(t *testing.T) {
	db := setup(t)
	id := "widget"
	a := db.CreateDocumentWithID(id)
	requireNoError(t, a.Set("name", "Ada"))
	requireNoError(t, a.Set("color", "red"))
	requireNoError(t, a.Save())

	b, err := db.GetExistingDocument(id)
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}

	requireNoError(t, a.Set("name", "Ada2"))
	requireNoError(t, a.Save())

	requireNoError(t, b.Set("color", "blue"))
	b.SetConflictResolver(func(mine, theirs, base map[string]any) map[string]any {
		// Three-way merge: start from theirs, then apply any field mine
		// actually changed relative to the common ancestor.
		merged := map[string]any{}
		for k, v := range theirs {
			merged[k] = v
		}
		for k, v := range mine {
			if base[k] != v {
				merged[k] = v
			}
		}
		return merged
	})
	requireNoError(t, b.Save())

	final, err := db.GetExistingDocument(id)
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}
	if got := final.GetString("name"); got != "Ada2" {
		t.Fatalf("merged name = %q, wanted Ada2", got)
	}
	if got := final.GetString("color"); got != "blue" {
		t.Fatalf("merged color = %q, wanted blue", got)
	}
}

func TestDocument_ConflictResolverRejectionReturnsError(t *testing.T) {
	db := setup(t)
	id := "widget"
	a := db.CreateDocumentWithID(id)
	requireNoError(t, a.Set("name", "Ada"))
	requireNoError(t, a.Save())

	b, err := db.GetExistingDocument(id)
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}

	requireNoError(t, a.Set("name", "Ada2"))
	requireNoError(t, a.Save())

	requireNoError(t, b.Set("name", "Byron"))
	b.SetConflictResolver(func(mine, theirs, base map[string]any) map[string]any {
		return nil
	})
	if err := b.Save(); err == nil {
		t.Fatalf("Save with a rejecting resolver succeeded, wanted an error")
	}
}

func TestDocument_DeleteThenPurge(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("name", "Ada"))
	requireNoError(t, doc.Save())

	requireNoError(t, doc.Delete())
	if !doc.IsDeleted() {
		t.Fatalf("IsDeleted() = false after Delete")
	}

	purged, err := doc.Purge()
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if !purged {
		t.Fatalf("Purge() reported nothing was purged")
	}

	gone, err := db.GetExistingDocument(doc.ID())
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}
	if gone != nil {
		t.Fatalf("GetExistingDocument found a document after Purge")
	}
}

func TestDocument_DeleteYieldsToConcurrentModification(t *testing.T) {
	db := setup(t)
	id := "widget"
	a := db.CreateDocumentWithID(id)
	requireNoError(t, a.Set("name", "Ada"))
	requireNoError(t, a.Save())

	b, err := db.GetExistingDocument(id)
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}

	requireNoError(t, a.Set("name", "Ada2"))
	requireNoError(t, a.Save())

	// b's delete conflicts with a's concurrent save; a delete never
	// overrides a concurrent modification, so it silently adopts theirs
	// instead of deleting or erroring.
	requireNoError(t, b.Delete())
	if b.IsDeleted() {
		t.Fatalf("IsDeleted() = true, wanted the delete to yield to the concurrent modification")
	}
	if got := b.GetString("name"); got != "Ada2" {
		t.Fatalf("name = %q after a yielding delete, wanted Ada2 (theirs)", got)
	}

	final, err := db.GetExistingDocument(id)
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}
	if final.IsDeleted() {
		t.Fatalf("document was deleted despite the concurrent modification")
	}
	if got := final.GetString("name"); got != "Ada2" {
		t.Fatalf("final name = %q, wanted Ada2", got)
	}
}

func TestDocument_ChangedExternally(t *testing.T) {
	db := setup(t)
	id := "widget"
	a := db.CreateDocumentWithID(id)
	requireNoError(t, a.Set("name", "Ada"))
	requireNoError(t, a.Save())

	b, err := db.GetExistingDocument(id)
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}
	changed, err := b.ChangedExternally()
	if err != nil {
		t.Fatalf("ChangedExternally: %v", err)
	}
	if changed {
		t.Fatalf("ChangedExternally() = true right after load")
	}

	requireNoError(t, a.Set("name", "Ada2"))
	requireNoError(t, a.Save())

	changed, err = b.ChangedExternally()
	if err != nil {
		t.Fatalf("ChangedExternally: %v", err)
	}
	if !changed {
		t.Fatalf("ChangedExternally() = false after another handle saved a new revision")
	}
}

func TestDocument_ChangedExternallyReloadsAndFiresExternalSavedEvent(t *testing.T) {
	db := setup(t)
	id := "widget"
	a := db.CreateDocumentWithID(id)
	requireNoError(t, a.Set("name", "Ada"))
	requireNoError(t, a.Save())

	b, err := db.GetExistingDocument(id)
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}
	var gotExternal bool
	calls := 0
	b.AddSavedListener(func(doc *Document, external bool) {
		calls++
		gotExternal = external
	})

	requireNoError(t, a.Set("name", "Ada2"))
	requireNoError(t, a.Save())

	changed, err := b.ChangedExternally()
	if err != nil {
		t.Fatalf("ChangedExternally: %v", err)
	}
	if !changed {
		t.Fatalf("ChangedExternally() = false after another handle saved a new revision")
	}
	if calls != 1 {
		t.Fatalf("saved listener called %d times, wanted 1", calls)
	}
	if !gotExternal {
		t.Fatalf("saved listener got external=false, wanted true")
	}
	if got := b.GetString("name"); got != "Ada2" {
		t.Fatalf("name = %q after ChangedExternally reloaded, wanted Ada2", got)
	}
	if b.RevisionID() != a.RevisionID() {
		t.Fatalf("RevisionID() = %q after reload, wanted %q", b.RevisionID(), a.RevisionID())
	}
}

func TestDocument_ChangedExternallyDoesNotClobberStagedChanges(t *testing.T) {
	db := setup(t)
	id := "widget"
	a := db.CreateDocumentWithID(id)
	requireNoError(t, a.Set("name", "Ada"))
	requireNoError(t, a.Save())

	b, err := db.GetExistingDocument(id)
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}
	requireNoError(t, b.Set("name", "Byron-in-progress"))

	requireNoError(t, a.Set("name", "Ada2"))
	requireNoError(t, a.Save())

	changed, err := b.ChangedExternally()
	if err != nil {
		t.Fatalf("ChangedExternally: %v", err)
	}
	if !changed {
		t.Fatalf("ChangedExternally() = false after another handle saved a new revision")
	}
	if got := b.GetString("name"); got != "Byron-in-progress" {
		t.Fatalf("name = %q, wanted staged edit Byron-in-progress left untouched", got)
	}
}

func TestDefaultWinner_TieFavorsMine(t *testing.T) {
	mine := map[string]any{"name": "mine"}
	theirs := map[string]any{"name": "theirs"}

	got := defaultWinner(mine, 2, theirs, 2)
	if got["name"] != "mine" {
		t.Fatalf("defaultWinner on a generation tie returned %v, wanted mine", got)
	}
}

func TestDefaultWinner_DeeperGenerationWinsRegardlessOfTie(t *testing.T) {
	mine := map[string]any{"name": "mine"}
	theirs := map[string]any{"name": "theirs"}

	if got := defaultWinner(mine, 1, theirs, 2); got["name"] != "theirs" {
		t.Fatalf("defaultWinner(myGen=1, theirGen=2) = %v, wanted theirs", got)
	}
	if got := defaultWinner(mine, 3, theirs, 2); got["name"] != "mine" {
		t.Fatalf("defaultWinner(myGen=3, theirGen=2) = %v, wanted mine", got)
	}
}

func TestDocument_MutationListenerFiresOnSetAndBubbledChange(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()

	calls := 0
	unregister := doc.AddMutationListener(func(d *Document) { calls++ })
	defer unregister()

	requireNoError(t, doc.Set("name", "Ada"))
	if calls != 1 {
		t.Fatalf("mutation listener called %d times after Set, wanted 1", calls)
	}

	addr := NewSubdocument()
	requireNoError(t, doc.Set("address", addr))
	calls = 0
	requireNoError(t, addr.Set("city", "NYC"))
	if calls != 1 {
		t.Fatalf("mutation listener called %d times after nested Set, wanted 1", calls)
	}
}

func TestDocument_MutationListenerUnregister(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()

	calls := 0
	unregister := doc.AddMutationListener(func(d *Document) { calls++ })
	unregister()

	requireNoError(t, doc.Set("name", "Ada"))
	if calls != 0 {
		t.Fatalf("unregistered mutation listener was called %d times, wanted 0", calls)
	}
}

func TestDocument_SavedListenerReportsExternalFalseForOwnSave(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()

	var gotExternal bool
	calls := 0
	doc.AddSavedListener(func(d *Document, external bool) {
		calls++
		gotExternal = external
	})

	requireNoError(t, doc.Set("name", "Ada"))
	requireNoError(t, doc.Save())

	if calls != 1 {
		t.Fatalf("saved listener called %d times, wanted 1", calls)
	}
	if gotExternal {
		t.Fatalf("saved listener reported external = true for this handle's own save")
	}
}

func TestDocument_RevertAfterFailedConflictingSave(t *testing.T) {
	db := setup(t)
	id := "widget"
	a := db.CreateDocumentWithID(id)
	requireNoError(t, a.Set("name", "Ada"))
	requireNoError(t, a.Save())

	b, err := db.GetExistingDocument(id)
	if err != nil {
		t.Fatalf("GetExistingDocument: %v", err)
	}
	requireNoError(t, a.Set("name", "Ada2"))
	requireNoError(t, a.Save())

	requireNoError(t, b.Set("name", "Byron"))
	b.SetConflictResolver(func(mine, theirs, base map[string]any) map[string]any { return nil })
	if err := b.Save(); err == nil {
		t.Fatalf("Save succeeded, wanted conflict error")
	}

	b.Revert()
	if b.HasChanges() {
		t.Fatalf("HasChanges = true after Revert")
	}
}
