// Package patchmodel implements the document content model: canonical
// JSON hashing and RFC 6902 forward/reverse patch generation and
// application.
//
// Patch generation is delegated to github.com/mattbaird/jsonpatch and
// patch application to github.com/evanphx/json-patch/v5; no repo in the
// reference corpus happened to need JSON patches, so these dependencies
// are named rather than grounded (see DESIGN.md).
package patchmodel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// ErrNotObject is returned when canonicalization or patch generation is
// attempted on JSON that does not decode to an object.
var ErrNotObject = errors.New("patchmodel: content is not a JSON object")

// Canonicalize serializes content with keys sorted lexicographically, no
// insignificant whitespace, and numbers in canonical decimal form.
func Canonicalize(content json.RawMessage) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, ok := v.(map[string]interface{}); !ok {
		return nil, ErrNotObject
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ContentHash returns the lowercase hex SHA-256 digest of the canonical
// form of content.
func ContentHash(content json.RawMessage) (string, error) {
	canon, err := Canonicalize(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		s := val.String()
		if strings.ContainsAny(s, ".eE") {
			if f, err := val.Float64(); err == nil {
				if b, err := json.Marshal(f); err == nil {
					s = string(b)
				}
			}
		}
		buf.WriteString(s)
	case string, bool, nil:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// IsJSONObject reports whether raw decodes to a JSON object.
func IsJSONObject(raw json.RawMessage) bool {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	_, ok := v.(map[string]interface{})
	return ok
}
