package fleece

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes root (a map[string]any whose values are nil, bool,
// int64, float32/float64, string, time.Time, []any, map[string]any, or a
// Marshaler) into the wire format a storage engine accepts as a revision
// body.
//
// Keys are written in sorted order so that two saves of an identical map
// produce byte-identical bodies, and so the same content hash in the
// revision IDs built from them.
func Encode(root map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeDict(enc, root); err != nil {
		return nil, fmt.Errorf("fleece: encoding root: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeDict(enc *msgpack.Encoder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := encodeValue(enc, m[k]); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

func encodeValue(enc *msgpack.Encoder, v any) error {
	if m, ok := v.(Marshaler); ok {
		return encodeValue(enc, m.MarshalFleece())
	}
	switch x := v.(type) {
	case nil:
		return enc.EncodeNil()
	case bool:
		return enc.EncodeBool(x)
	case int:
		return enc.EncodeInt(int64(x))
	case int64:
		return enc.EncodeInt(x)
	case int32:
		return enc.EncodeInt(int64(x))
	case float32:
		return enc.EncodeFloat32(x)
	case float64:
		return enc.EncodeFloat64(x)
	case string:
		return enc.EncodeString(x)
	case time.Time:
		return enc.EncodeString(FormatDate(x))
	case []byte:
		return enc.EncodeBytes(x)
	case []any:
		if err := enc.EncodeArrayLen(len(x)); err != nil {
			return err
		}
		for i, item := range x {
			if err := encodeValue(enc, item); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		return encodeDict(enc, x)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}
