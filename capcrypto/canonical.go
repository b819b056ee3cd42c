package capcrypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalJSON re-encodes an arbitrary JSON document into the canonical form
// used as the sole hash input for anything described as "hashed" in §4.1:
// object keys sorted lexicographically at every level, no insignificant
// whitespace, numbers serialized minimally, strings normalized to UTF-8 NFC,
// and array order preserved.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical json decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalJSONOf marshals v with encoding/json, then canonicalizes the
// result. Use this for Go structs; use CanonicalJSON directly when the
// caller already holds raw JSON bytes from an external parser.
func CanonicalJSONOf(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return CanonicalJSON(raw)
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeCanonicalNumber(buf, vv)
	case string:
		return encodeCanonicalString(buf, vv)
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeCanonical(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canonical json: unsupported value type %T", v)
	}
}

func encodeCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("canonical json: encode string: %w", err)
	}
	buf.Write(encoded)
	return nil
}

// encodeCanonicalNumber never emits scientific notation or trailing zeros: it
// re-renders every number through math/big so "1.0" becomes "1" and
// "1e2" becomes "100", matching §4.1's "numbers serialized minimally".
func encodeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		// Already a minimal integer literal.
		if _, ok := new(big.Int).SetString(s, 10); !ok {
			return fmt.Errorf("canonical json: invalid integer literal %q", s)
		}
		buf.WriteString(s)
		return nil
	}

	rat, ok := new(big.Rat).SetString(s)
	if !ok {
		return fmt.Errorf("canonical json: invalid number literal %q", s)
	}
	if rat.IsInt() {
		buf.WriteString(rat.Num().String())
		return nil
	}
	// Non-integer: render with the shortest decimal expansion that
	// round-trips exactly, still without exponents.
	f, _ := strconv.ParseFloat(s, 64)
	rendered := strconv.FormatFloat(f, 'f', -1, 64)
	buf.WriteString(rendered)
	return nil
}
