// Package fleece implements the compact binary value encoding used for
// revision bodies: a msgpack-backed dictionary that supports lazy random
// access by key, typed leaf extraction, and conversion of any subtree to a
// generic value tree, plus a writer that serializes a generic map back to
// bytes.
//
// Dates have no dedicated wire type: they are written as RFC-3339 strings
// and reparsed on demand. Blobs have no dedicated wire type either: a
// caller-supplied value that wants custom representation (embedoc's Blob)
// implements Marshaler and is encoded as whatever map Marshaler returns.
package fleece

import (
	"fmt"
	"time"
)

// Kind identifies the dynamic type of a decoded leaf value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindDouble
	KindString
	KindArray
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindDict:
		return "dict"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Marshaler is implemented by values (e.g. embedoc's Blob) that need a
// custom on-wire representation. Encode calls MarshalFleece and encodes
// whatever it returns instead of the original value.
type Marshaler interface {
	MarshalFleece() any
}

// DateLayout is the round-trippable ISO-8601 layout ("o"-equivalent) used
// to persist date values: year-month-day 'T' hh:mm:ss.fffffff zzz.
const DateLayout = "2006-01-02T15:04:05.0000000Z07:00"

// FormatDate renders t using DateLayout.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a string previously produced by FormatDate (or any
// RFC-3339 variant); it fails if s cannot be parsed as a date at all.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
