// Package canon implements the canonical JSON encoding, content hashing, and
// structured error serialization shared by every package that needs a
// deterministic, storable representation of a Go value.
package canon

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// maxInlineKeyBytes is the threshold below which Hash returns the canonical
// string itself rather than its MD5 digest.
const maxInlineKeyBytes = 40

// Canonicalize produces the canonical JSON encoding of v: object keys sorted
// lexically, absent values elided, arrays preserved in order. It rejects
// NaN/±Inf the same way encoding/json does, surfaced as a regular error
// rather than a panic.
func Canonicalize(v any) (string, error) {
	norm, err := normalize(v)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm); err != nil {
		return "", fmt.Errorf("canon: encode: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; trim it so the
	// canonical string has no incidental whitespace.
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// normalize walks v, converting it into a form encoding/json will render
// deterministically: maps become ordered slices of key/value pairs via a
// wrapper type, and float NaN/Inf are rejected explicitly.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := orderedObject{}
		for _, k := range keys {
			val := t[k]
			if val == nil {
				// Absent/undefined values are elided, but an explicit JSON
				// null is a value and must be kept; Go's map[string]any
				// cannot distinguish the two, so nil is treated as present
				// null here (matching encoding/json's own behavior).
				obj = append(obj, kv{k, nil})
				continue
			}
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			obj = append(obj, kv{k, nv})
		}
		return obj, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			nv, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("canon: non-finite number %v is not representable", t)
		}
		return t, nil
	default:
		// Arbitrary structs: round-trip through json.Marshal/Unmarshal into
		// the map/slice/scalar forms above so the same rules apply uniformly.
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("canon: marshal %T: %w", v, err)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return nil, fmt.Errorf("canon: unmarshal %T: %w", v, err)
		}
		// Guard against infinite recursion for types round-tripping to
		// themselves (shouldn't happen for map[string]any/[]any/scalars,
		// which are handled above).
		switch generic.(type) {
		case map[string]any, []any:
			return normalize(generic)
		default:
			return generic, nil
		}
	}
}

type kv struct {
	Key string
	Val any
}

// orderedObject marshals as a JSON object preserving insertion order, which
// normalize has already sorted lexically by key.
type orderedObject []kv

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pair := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(pair.Val)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Hash returns the task/step key for v: the canonical string itself when it
// is short enough to be a useful key directly, otherwise its hex MD5 digest.
func Hash(v any) (string, error) {
	s, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashString(s), nil
}

// HashString applies the same short-string-or-MD5 rule to an already
// canonicalized string. Exposed so callers holding a precomputed canonical
// form (e.g. a stored input column) don't need to re-marshal it.
func HashString(canonical string) string {
	if len(canonical) <= maxInlineKeyBytes {
		return canonical
	}
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
