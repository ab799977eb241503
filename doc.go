/*
Package embedoc implements an embedded, schemaless document database on
top of a key-value store (bbolt).

A Database holds documents keyed by a string ID. Each document is a
PropertyContainer: a JSON-like tree of null/bool/number/string/date
values, nested Subdocuments, ordered Lists, and Blob binary attachments.
Mutations are staged copy-on-write against the document's last-loaded
revision and only become visible to other handles once Save succeeds;
Save detects a conflicting concurrent write by comparing revision IDs and
resolves it with either a caller-supplied ConflictResolver or the
database's default (deepest generation wins, ties favor the local copy).

# Technical details

**Buckets.** Each Database file has three top-level bbolt buckets: "docs"
(one entry per document, keyed by ID, holding its current revision),
"blobs" (installed blob content keyed by its SHA-256 digest), and "meta"
(the shared-key interning table snapshot, the sequence counter, and index
declarations).

**Revision encoding.** A document's properties are encoded with msgpack
via the fleece package. Property names are written out in full in every
revision; the fleece shared-key table interns the names seen while
decoding and is persisted in "meta", but the encoded bodies do not refer
to its codes.

**Change notification.** Every committed transaction that saves or
deletes documents appends one record to an append-only, checksummed
change journal (the journal package) naming the document IDs it touched
and the sequence number it reached. Registered change listeners are
called directly after each such commit; the journal is read back only
when the Database is opened, to recover its last sequence number.
*/
package embedoc
