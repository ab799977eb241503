package fleece

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Dict is a lazily-decoded, immutable dictionary bound to an encoded
// revision body. Its fields are read on random access; nested dicts and
// arrays are only fully decoded when the caller asks for them.
type Dict struct {
	sk     *SharedKeys
	fields map[string]msgpack.RawMessage
}

// List is the array counterpart of Dict.
type List struct {
	sk    *SharedKeys
	items []msgpack.RawMessage
}

// IsMissing reports whether the dict has no root (e.g. a never-saved document).
func (d Dict) IsMissing() bool { return d.fields == nil }

// Load decodes the top level of data (a msgpack map) into a Dict, without
// eagerly decoding nested values. An empty data slice yields a missing
// Dict (IsMissing() == true), matching a Document that has never been
// saved.
func Load(data []byte, sk *SharedKeys) (Dict, error) {
	if len(data) == 0 {
		return Dict{}, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return Dict{}, fmt.Errorf("fleece: decoding root: %w", err)
	}
	fields := make(map[string]msgpack.RawMessage, n)
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return Dict{}, fmt.Errorf("fleece: decoding root key %d: %w", i, err)
		}
		var raw msgpack.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return Dict{}, fmt.Errorf("fleece: decoding root value for %q: %w", key, err)
		}
		fields[key] = raw
		if sk != nil {
			sk.Encode(key)
		}
	}
	return Dict{sk: sk, fields: fields}, nil
}

// Keys returns the dict's keys in no particular order.
func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d.fields))
	for k := range d.fields {
		keys = append(keys, k)
	}
	return keys
}

// Contains reports whether key is present in the root (regardless of its
// decoded value, including an encoded null).
func (d Dict) Contains(key string) bool {
	_, ok := d.fields[key]
	return ok
}

// raw returns the raw encoded bytes for key and whether key is present.
func (d Dict) raw(key string) (msgpack.RawMessage, bool) {
	if d.fields == nil {
		return nil, false
	}
	raw, ok := d.fields[key]
	return raw, ok
}

// Get decodes key into a generic value tree: nil, bool, int64, float64,
// string, []any, or map[string]any. Missing keys return (nil, false).
func (d Dict) Get(key string) (any, bool) {
	raw, ok := d.raw(key)
	if !ok {
		return nil, false
	}
	v, err := decodeGeneric(raw, d.sk)
	if err != nil {
		return nil, false
	}
	return v, true
}

// GetDict decodes key as a nested dict. Returns a missing Dict if key is
// absent or not a dict.
func (d Dict) GetDict(key string) Dict {
	raw, ok := d.raw(key)
	if !ok {
		return Dict{}
	}
	child, err := decodeDictRaw(raw, d.sk)
	if err != nil {
		return Dict{}
	}
	return child
}

// GetList decodes key as a nested array.
func (d Dict) GetList(key string) List {
	raw, ok := d.raw(key)
	if !ok {
		return List{}
	}
	items, err := decodeArrayRaw(raw)
	if err != nil {
		return List{}
	}
	return List{sk: d.sk, items: items}
}

// GetString, GetBool, GetInt64, GetFloat64 are typed leaf extractors. They
// return the type's zero value for a missing key, a type mismatch, or a
// decode error.
func (d Dict) GetString(key string) string {
	raw, ok := d.raw(key)
	if !ok {
		return ""
	}
	var s string
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (d Dict) GetBool(key string) bool {
	raw, ok := d.raw(key)
	if !ok {
		return false
	}
	var b bool
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

func (d Dict) GetInt64(key string) int64 {
	raw, ok := d.raw(key)
	if !ok {
		return 0
	}
	var i int64
	if err := msgpack.Unmarshal(raw, &i); err != nil {
		return 0
	}
	return i
}

func (d Dict) GetFloat64(key string) float64 {
	raw, ok := d.raw(key)
	if !ok {
		return 0
	}
	var f float64
	if err := msgpack.Unmarshal(raw, &f); err != nil {
		return 0
	}
	return f
}

// ToValue fully decodes the dict (recursively) into a generic
// map[string]any tree.
func (d Dict) ToValue() map[string]any {
	out := make(map[string]any, len(d.fields))
	for k, raw := range d.fields {
		v, err := decodeGeneric(raw, d.sk)
		if err != nil {
			continue
		}
		out[k] = v
	}
	return out
}

func (l List) IsMissing() bool { return l.items == nil }

func (l List) Len() int { return len(l.items) }

func (l List) Get(i int) (any, bool) {
	if i < 0 || i >= len(l.items) {
		return nil, false
	}
	v, err := decodeGeneric(l.items[i], l.sk)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (l List) GetDict(i int) Dict {
	if i < 0 || i >= len(l.items) {
		return Dict{}
	}
	d, err := decodeDictRaw(l.items[i], l.sk)
	if err != nil {
		return Dict{}
	}
	return d
}

// GetList decodes element i as a nested array.
func (l List) GetList(i int) List {
	if i < 0 || i >= len(l.items) {
		return List{}
	}
	items, err := decodeArrayRaw(l.items[i])
	if err != nil {
		return List{}
	}
	return List{sk: l.sk, items: items}
}

// ToValue fully decodes the array into a generic []any tree.
func (l List) ToValue() []any {
	out := make([]any, len(l.items))
	for i, raw := range l.items {
		v, err := decodeGeneric(raw, l.sk)
		if err != nil {
			v = nil
		}
		out[i] = v
	}
	return out
}

func decodeDictRaw(raw msgpack.RawMessage, sk *SharedKeys) (Dict, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return Dict{}, err
	}
	if n < 0 {
		return Dict{}, nil
	}
	fields := make(map[string]msgpack.RawMessage, n)
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return Dict{}, err
		}
		var v msgpack.RawMessage
		if err := dec.Decode(&v); err != nil {
			return Dict{}, err
		}
		fields[key] = v
	}
	return Dict{sk: sk, fields: fields}, nil
}

func decodeArrayRaw(raw msgpack.RawMessage) ([]msgpack.RawMessage, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	items := make([]msgpack.RawMessage, n)
	for i := 0; i < n; i++ {
		if err := dec.Decode(&items[i]); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// decodeGeneric decodes a single raw value into the generic value tree:
// nil, bool, int64, float64, string, []any, or map[string]any. msgpack's
// own DecodeInterface already recurses into nested maps/arrays; we just
// intern any map keys we encounter along the way and normalize numeric
// types to int64/float64.
func decodeGeneric(raw msgpack.RawMessage, sk *SharedKeys) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	v, err := dec.DecodeInterface()
	if err != nil {
		return nil, err
	}
	return internKeys(v, sk), nil
}

func internKeys(v any, sk *SharedKeys) any {
	switch x := v.(type) {
	case map[string]any:
		for k, sub := range x {
			if sk != nil {
				sk.Encode(k)
			}
			x[k] = internKeys(sub, sk)
		}
		return x
	case []any:
		for i, sub := range x {
			x[i] = internKeys(sub, sk)
		}
		return x
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
