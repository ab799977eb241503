package embedoc

import "testing"

func TestSubdocument_DetachedUntilAttached(t *testing.T) {
	sub := NewSubdocument()
	requireNoError(t, sub.Set("city", "NYC"))
	if got := sub.GetString("city"); got != "NYC" {
		t.Fatalf("GetString(city) = %q, wanted NYC", got)
	}
	if sub.IsInvalidated() {
		t.Fatalf("a freshly created detached Subdocument reports invalidated")
	}
}

func TestSubdocument_SameInstanceReusedOnReassignment(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	sub := NewSubdocument()
	requireNoError(t, doc.Set("address", sub))

	// Re-assigning the same live instance at the same slot must keep it,
	// not clone it.
	requireNoError(t, doc.Set("address", doc.GetSubdocument("address")))
	if doc.GetSubdocument("address") != sub {
		t.Fatalf("re-assigning the same Subdocument at its own slot replaced its identity")
	}
}

func TestSubdocument_ReusedAtAnotherSlotIsCloned(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	sub := NewSubdocument()
	requireNoError(t, sub.Set("city", "NYC"))
	requireNoError(t, doc.Set("home", sub))

	requireNoError(t, doc.Set("work", sub))
	work := doc.GetSubdocument("work")
	if work == sub {
		t.Fatalf("assigning a live Subdocument to a second slot did not clone it")
	}
	if got := work.GetString("city"); got != "NYC" {
		t.Fatalf("cloned Subdocument lost its properties: city = %q, wanted NYC", got)
	}
}

func TestSubdocument_InvalidateDetachesAndClears(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("address", NewSubdocument()))
	sub := doc.GetSubdocument("address")
	requireNoError(t, sub.Set("city", "NYC"))

	requireNoError(t, doc.Remove("address"))

	if !sub.IsInvalidated() {
		t.Fatalf("Subdocument displaced by Remove was not invalidated")
	}
	if sub.Contains("city") {
		t.Fatalf("invalidated Subdocument still reports its old content")
	}
}

func TestSubdocument_BoundToPersistedRevision(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	addr := NewSubdocument()
	requireNoError(t, addr.Set("city", "NYC"))
	requireNoError(t, doc.Set("address", addr))
	requireNoError(t, doc.Save())

	reloaded, err := db.GetDocument(doc.ID())
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	sub := reloaded.GetSubdocument("address")
	if sub == nil {
		t.Fatalf("GetSubdocument(address) = nil after reload")
	}
	if got := sub.GetString("city"); got != "NYC" {
		t.Fatalf("reloaded address.city = %q, wanted NYC", got)
	}
	if sub.HasChanges() {
		t.Fatalf("freshly reloaded Subdocument reports HasChanges = true")
	}
}
