package embedoc

import "testing"

func TestBlob_PendingContentReadableBeforeInstall(t *testing.T) {
	b := NewBlob("text/plain", []byte("hello"))
	data, err := b.Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("Content() = %q, wanted hello", data)
	}
	if b.Length() != 5 {
		t.Fatalf("Length() = %d, wanted 5", b.Length())
	}
	if b.ContentType() != "text/plain" {
		t.Fatalf("ContentType() = %q, wanted text/plain", b.ContentType())
	}
}

func TestBlob_MarshalFleecePanicsBeforeInstall(t *testing.T) {
	b := NewBlob("text/plain", []byte("hello"))
	defer func() {
		if recover() == nil {
			t.Fatalf("MarshalFleece on an uninstalled blob did not panic")
		}
	}()
	b.MarshalFleece()
}

func TestBlob_SaveInstallsAndRoundTrips(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	requireNoError(t, doc.Set("avatar", NewBlob("image/png", []byte{1, 2, 3, 4})))
	requireNoError(t, doc.Save())

	reloaded, err := db.GetDocument(doc.ID())
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	blob := reloaded.GetBlob("avatar")
	if blob == nil {
		t.Fatalf("GetBlob(avatar) = nil after reload")
	}
	if blob.ContentType() != "image/png" {
		t.Fatalf("ContentType() = %q, wanted image/png", blob.ContentType())
	}
	if blob.Length() != 4 {
		t.Fatalf("Length() = %d, wanted 4", blob.Length())
	}
	data, err := blob.Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if len(data) != 4 || data[0] != 1 || data[3] != 4 {
		t.Fatalf("Content() = %v, wanted [1 2 3 4]", data)
	}
}

func TestBlob_ContentCachedInlineAfterInstall(t *testing.T) {
	db := setup(t)
	doc := db.CreateDocument()
	blob := NewBlob("image/png", []byte{1, 2, 3, 4})
	requireNoError(t, doc.Set("avatar", blob))
	requireNoError(t, doc.Save())

	if blob.cache == nil {
		t.Fatalf("installed blob has no inline content cache right after Save")
	}

	data, err := blob.Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if len(data) != 4 || data[0] != 1 || data[3] != 4 {
		t.Fatalf("Content() = %v, wanted [1 2 3 4]", data)
	}
}

func TestBlob_ContentCacheSkipsStoreOnRepeatRead(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	doc := db.CreateDocumentWithID("withblob")
	requireNoError(t, doc.Set("file", NewBlob("text/plain", []byte("cached"))))
	requireNoError(t, doc.Save())

	reloaded, err := db.GetDocument(doc.ID())
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	blob := reloaded.GetBlob("file")
	if blob.cache != nil {
		t.Fatalf("freshly decoded blob already has a cache before any read")
	}
	if _, err := blob.Content(); err != nil {
		t.Fatalf("Content: %v", err)
	}
	if blob.cache == nil {
		t.Fatalf("Content() did not populate the inline cache")
	}

	blob.digest = "not-a-real-digest"
	data, err := blob.Content()
	if err != nil {
		t.Fatalf("Content after corrupting digest: %v", err)
	}
	if string(data) != "cached" {
		t.Fatalf("Content() = %q after cache hit, wanted cached (should not have touched the store)", data)
	}
}

func TestBlob_ContentAddressedDedup(t *testing.T) {
	db := setup(t)
	doc1 := db.CreateDocument()
	requireNoError(t, doc1.Set("file", NewBlob("application/octet-stream", []byte("same bytes"))))
	requireNoError(t, doc1.Save())

	doc2 := db.CreateDocument()
	requireNoError(t, doc2.Set("file", NewBlob("application/octet-stream", []byte("same bytes"))))
	requireNoError(t, doc2.Save())

	b1 := doc1.GetBlob("file")
	b2 := doc2.GetBlob("file")
	if b1.Digest() != b2.Digest() {
		t.Fatalf("identical blob content produced different digests: %q vs %q", b1.Digest(), b2.Digest())
	}
}
