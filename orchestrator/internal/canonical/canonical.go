// Package canonical renders JSON deterministically so logically identical
// job inputs compare equal regardless of key order or whitespace.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Marshal encodes v with object keys sorted and no insignificant whitespace.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize re-encodes raw JSON canonically. Empty input is treated as null.
func Normalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data")
	}
	out, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// Equal reports whether a and b decode to the same JSON value.
func Equal(a, b json.RawMessage) bool {
	na, err := Normalize(a)
	if err != nil {
		return bytes.Equal(a, b)
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(na, nb)
}

type writer struct {
	buf bytes.Buffer
}

func encode(buf *bytes.Buffer, v any) error {
	w := &writer{}
	if err := w.value(v); err != nil {
		return err
	}
	buf.Write(w.buf.Bytes())
	return nil
}

func (w *writer) value(v any) error {
	switch x := v.(type) {
	case nil:
		w.buf.WriteString("null")
	case bool:
		w.buf.WriteString(strconv.FormatBool(x))
	case json.Number:
		w.buf.WriteString(number(x.String()))
	case float64:
		w.buf.WriteString(formatFloat(x))
	case string:
		return w.str(x)
	case []any:
		return w.array(x)
	case map[string]any:
		return w.object(x)
	default:
		// Anything else is reduced to generic JSON values first.
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Errorf("canonical: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("canonical: %w", err)
		}
		return w.value(generic)
	}
	return nil
}

// number gives every spelling of a value one form: 1, 1.0 and 1e0 all
// become 1. Integer literals too large for int64 are kept as written.
func number(s string) string {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if !strings.ContainsAny(s, ".eE") {
		return s
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return formatFloat(f)
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// str escapes like encoding/json but leaves <, > and & alone.
func (w *writer) str(s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	w.buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

func (w *writer) array(items []any) error {
	w.buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		if err := w.value(item); err != nil {
			return err
		}
	}
	w.buf.WriteByte(']')
	return nil
}

func (w *writer) object(m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		if err := w.str(k); err != nil {
			return err
		}
		w.buf.WriteByte(':')
		if err := w.value(m[k]); err != nil {
			return err
		}
	}
	w.buf.WriteByte('}')
	return nil
}
