// Package blob holds the opaque payloads journaled by the ledger: workflow
// state, step inputs, step outputs and workflow results.
//
// A Blob is a JSON document. The core never interprets it; it stores the
// bytes and hands the same bytes back on replay. The canonical form exists
// only to fingerprint a payload (for input drift warnings) and to render
// deterministic snapshots.
package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Blob is an opaque JSON payload.
type Blob []byte

// Null is the payload journaled for work that produced no output.
var Null = Blob("null")

// Empty is an empty JSON object, the default workflow state and step input.
var Empty = Blob("{}")

const domainBlob = "ledger/blob/v1"

// Encode marshals v to a Blob. A Blob or json.RawMessage is passed through
// unchanged after validation.
func Encode(v any) (Blob, error) {
	switch val := v.(type) {
	case Blob:
		return checked(val)
	case json.RawMessage:
		return checked(Blob(val))
	case nil:
		return Null, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}
	return Blob(data), nil
}

// Parse validates raw JSON text and returns it as a Blob.
func Parse(s string) (Blob, error) {
	return checked(Blob(s))
}

func checked(b Blob) (Blob, error) {
	if len(b) == 0 {
		return Null, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("blob is not valid JSON")
	}
	return b, nil
}

// Decode unmarshals the payload into v.
func (b Blob) Decode(v any) error {
	if len(b) == 0 {
		return fmt.Errorf("decode blob: empty payload")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode blob: %w", err)
	}
	return nil
}

// String returns the payload text.
func (b Blob) String() string {
	return string(b)
}

// IsNull reports whether the payload is absent or JSON null.
func (b Blob) IsNull() bool {
	return len(b) == 0 || bytes.Equal(bytes.TrimSpace(b), Null)
}

// MarshalJSON embeds the payload verbatim.
func (b Blob) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return Null, nil
	}
	return b, nil
}

// UnmarshalJSON stores a copy of the raw payload.
func (b *Blob) UnmarshalJSON(data []byte) error {
	if b == nil {
		return fmt.Errorf("blob: UnmarshalJSON on nil pointer")
	}
	*b = append((*b)[0:0], data...)
	return nil
}

// Clone returns a copy that shares no memory with b.
func (b Blob) Clone() Blob {
	if b == nil {
		return nil
	}
	out := make(Blob, len(b))
	copy(out, b)
	return out
}

// Fingerprint returns a SHA-256 of the canonical form with domain
// separation: SHA256(domain || 0x00 || canonical).
func Fingerprint(b Blob) (string, error) {
	canonical, err := Canonical(b)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(domainBlob))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equivalent reports whether two payloads have the same canonical form.
func Equivalent(a, b Blob) bool {
	fa, err := Fingerprint(a)
	if err != nil {
		return false
	}
	fb, err := Fingerprint(b)
	if err != nil {
		return false
	}
	return fa == fb
}

// Canonical re-emits a JSON document with object keys sorted by UTF-16 code
// units, NFC-normalized strings, no insignificant whitespace and no HTML
// escaping. Numbers keep their literal text.
func Canonical(b Blob) ([]byte, error) {
	if len(b) == 0 {
		b = Null
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical blob: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("canonical blob: trailing data")
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return writeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical blob: unsupported type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

// lessUTF16 orders strings by UTF-16 code units (RFC 8785 key order).
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
