// Package canonical produces the deterministic JSON serialization used
// as the exact input to Ed25519 signing and verification. Both ends of
// the wire (envelope signing, webhook verification) must agree on these
// bytes, so the rules are strict: object keys sorted lexicographically
// by byte value, list order preserved, compact output, slashes left
// unescaped, and numeric literals carried through untouched.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal canonicalizes any JSON-encodable value.
func Marshal(v any) ([]byte, error) {
	norm, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalStripped canonicalizes v with every "sig" key removed.
func MarshalStripped(v any) ([]byte, error) {
	norm, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, StripSig(norm)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize round-trips v through JSON so that structs, maps, and raw
// messages all collapse to the same tree of maps, slices, strings,
// json.Number, bool, and nil. Numbers stay as source-text literals,
// which preserves zero fractions like 1.0.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	return out, nil
}

// StripSig removes every key literally named "sig" at any depth of an
// already-normalized tree. Nothing else is touched.
func StripSig(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if k == "sig" {
				continue
			}
			out[k] = StripSig(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = StripSig(val)
		}
		return out
	default:
		return v
	}
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		return encodeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	b := tmp.Bytes()
	// Encode appends a trailing newline.
	buf.Write(bytes.TrimRight(b, "\n"))
	return nil
}
