package embedoc

import (
	"testing"
	"time"

	"github.com/embedoc/embedoc/fleece"
)

func TestList_AppendGetCount(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("tags", []any{}))

	list := doc.GetArray("tags")
	requireNoError(t, list.Append("red"))
	requireNoError(t, list.Append("green"))

	if got := list.Count(); got != 2 {
		t.Fatalf("Count() = %d, wanted 2", got)
	}
	if got := list.Get(0); got != "red" {
		t.Fatalf("Get(0) = %v, wanted red", got)
	}
	if !doc.HasChanges() {
		t.Fatalf("appending to a List did not bubble up to the Document")
	}
}

func TestList_SetReplacesElement(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("tags", []any{"red", "green"}))

	list := doc.GetArray("tags")
	requireNoError(t, list.Set(1, "blue"))
	if got := list.Get(1); got != "blue" {
		t.Fatalf("Get(1) = %v, wanted blue", got)
	}
}

func TestList_UnnormalizedScalarTypesReadBackImmediately(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("values", []any{}))

	list := doc.GetArray("values")
	requireNoError(t, list.Append(42))
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	requireNoError(t, list.Append(now))

	if got, ok := list.Get(0).(int64); !ok || got != 42 {
		t.Errorf("Get(0) = %v (%T) right after Append(int), wanted int64(42)", list.Get(0), list.Get(0))
	}
	if got, ok := list.Get(1).(string); !ok {
		t.Errorf("Get(1) = %v (%T) right after Append(time.Time), wanted the codec's string form", list.Get(1), list.Get(1))
	} else if parsed, err := fleece.ParseDate(got); err != nil || !parsed.Equal(now) {
		t.Errorf("Get(1) = %q, wanted an encoding of %v parseable by fleece.ParseDate", got, now)
	}
}

func TestList_RemoveAt(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("tags", []any{"red", "green", "blue"}))

	list := doc.GetArray("tags")
	requireNoError(t, list.RemoveAt(1))
	if got := list.Count(); got != 2 {
		t.Fatalf("Count() = %d, wanted 2", got)
	}
	if got := list.Get(1); got != "blue" {
		t.Fatalf("Get(1) after removing index 1 = %v, wanted blue", got)
	}
}

func TestList_NestedSubdocumentSaveRoundTrip(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("items", []any{}))

	list := doc.GetArray("items")
	item := NewSubdocument()
	requireNoError(t, item.Set("sku", "WIDGET-1"))
	requireNoError(t, list.Append(item))
	requireNoError(t, doc.Save())

	reloaded, err := db.GetDocument(doc.ID())
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	reList := reloaded.GetArray("items")
	if reList.Count() != 1 {
		t.Fatalf("reloaded items count = %d, wanted 1", reList.Count())
	}
	sub, ok := reList.Get(0).(*Subdocument)
	if !ok {
		t.Fatalf("reloaded items[0] = %T, wanted *Subdocument", reList.Get(0))
	}
	if got := sub.GetString("sku"); got != "WIDGET-1" {
		t.Fatalf("reloaded items[0].sku = %q, wanted WIDGET-1", got)
	}
}

func TestList_NestedSubdocumentIdentityPreservedAcrossSave(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("items", []any{}))

	list := doc.GetArray("items")
	item := NewSubdocument()
	requireNoError(t, item.Set("sku", "WIDGET-1"))
	requireNoError(t, list.Append(item))
	requireNoError(t, doc.Save())

	sameList := doc.GetArray("items")
	if sameList != list {
		t.Fatalf("GetArray returned a different List instance after Save")
	}
	sub, ok := sameList.Get(0).(*Subdocument)
	if !ok {
		t.Fatalf("items[0] = %T after Save, wanted *Subdocument", sameList.Get(0))
	}
	if sub != item {
		t.Fatalf("the nested Subdocument's identity was not preserved across Save")
	}
	if got := sub.GetString("sku"); got != "WIDGET-1" {
		t.Fatalf("sku = %q after Save, wanted WIDGET-1", got)
	}

	// A second element added in a later save shouldn't disturb the first
	// one's identity just because the list as a whole was saved again.
	other := NewSubdocument()
	requireNoError(t, other.Set("sku", "WIDGET-2"))
	requireNoError(t, list.Append(other))
	requireNoError(t, doc.Save())

	if got, _ := sameList.Get(0).(*Subdocument); got != item {
		t.Fatalf("an untouched earlier element's identity was invalidated by a later Save")
	}
}

func TestList_ReassigningForeignSubdocumentReusesDisplacedIdentity(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("items", []any{}))
	list := doc.GetArray("items")
	requireNoError(t, list.Append(NewSubdocument()))
	displaced := list.Get(0).(*Subdocument)
	requireNoError(t, displaced.Set("sku", "OLD"))

	other := db.CreateDocument()
	foreign := NewSubdocument()
	requireNoError(t, foreign.Set("sku", "NEW"))
	requireNoError(t, other.Set("item", foreign))

	requireNoError(t, list.Set(0, foreign))

	if displaced.IsInvalidated() {
		t.Fatalf("the reused Subdocument was invalidated instead of repurposed")
	}
	if got := displaced.GetString("sku"); got != "NEW" {
		t.Fatalf("reused Subdocument.sku = %q, wanted NEW", got)
	}
	if got := list.Get(0); got != displaced {
		t.Fatalf("list[0] = %v, wanted the reused instance %v", got, displaced)
	}
}

func TestList_IdentityStableAcrossReads(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("tags", []any{"a", "b"}))

	a := doc.GetArray("tags")
	b := doc.GetArray("tags")
	if a != b {
		t.Fatalf("GetArray returned different instances for the same key")
	}
}

func TestList_ToSlice(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("tags", []any{"red", "green"}))

	slice := doc.GetArray("tags").ToSlice()
	if len(slice) != 2 || slice[0] != "red" || slice[1] != "green" {
		t.Fatalf("ToSlice() = %v, wanted [red green]", slice)
	}
}
