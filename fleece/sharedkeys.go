package fleece

import "sync"

// SharedKeys is a per-database monotonic bidirectional map between small
// integer codes and string dictionary keys. Decoding registers the keys it
// meets; Encode does not use the codes, so encoded dicts spell every key
// out as a full string. Updates are add-only, so it is safe to share a single
// instance across every Document loaded from the same Database.
type SharedKeys struct {
	mu       sync.RWMutex
	byString map[string]uint64
	byCode   []string // byCode[code] is valid for code in [0, len(byCode))
}

// NewSharedKeys returns an empty cache.
func NewSharedKeys() *SharedKeys {
	return &SharedKeys{byString: make(map[string]uint64)}
}

// Encode returns the code for key, assigning a fresh one if key hasn't been
// seen before. Codes are never reused or renumbered.
func (sk *SharedKeys) Encode(key string) uint64 {
	sk.mu.RLock()
	if code, ok := sk.byString[key]; ok {
		sk.mu.RUnlock()
		return code
	}
	sk.mu.RUnlock()

	sk.mu.Lock()
	defer sk.mu.Unlock()
	if code, ok := sk.byString[key]; ok {
		return code
	}
	code := uint64(len(sk.byCode))
	sk.byCode = append(sk.byCode, key)
	sk.byString[key] = code
	return code
}

// Decode returns the string for a previously-assigned code.
func (sk *SharedKeys) Decode(code uint64) (string, bool) {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	if code >= uint64(len(sk.byCode)) {
		return "", false
	}
	return sk.byCode[code], true
}

// Len returns the number of interned keys.
func (sk *SharedKeys) Len() int {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	return len(sk.byCode)
}

// Snapshot returns the interned strings in code order, suitable for
// persisting (e.g. as the Database's shared-key state record) and later
// restoring via Restore.
func (sk *SharedKeys) Snapshot() []string {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	out := make([]string, len(sk.byCode))
	copy(out, sk.byCode)
	return out
}

// Restore repopulates the cache from a snapshot previously produced by
// Snapshot. It must be called before the cache is shared with any decoder,
// since it does not attempt to merge with existing entries.
func (sk *SharedKeys) Restore(keys []string) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sk.byCode = append(sk.byCode[:0], keys...)
	sk.byString = make(map[string]uint64, len(keys))
	for code, key := range keys {
		sk.byString[key] = uint64(code)
	}
}
