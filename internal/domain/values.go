package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

type Field struct {
	Key   string
	Value any
}

// Values is an ordered mapping of field names to JSON-compatible values.
// It encodes as a JSON object in insertion order.
type Values []Field

func (v Values) Get(key string) (any, bool) {
	for _, f := range v {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// With returns a copy of v where key is set to value. An existing key keeps
// its position.
func (v Values) With(key string, value any) Values {
	out := make(Values, len(v), len(v)+1)
	copy(out, v)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Field{Key: key, Value: value})
}

func (v Values) Keys() []string {
	keys := make([]string, 0, len(v))
	for _, f := range v {
		keys = append(keys, f.Key)
	}
	return keys
}

func (v Values) MarshalJSON() ([]byte, error) {
	w := jwriter.NewWriter()
	v.WriteJSON(&w)
	if err := w.Error(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (v Values) WriteJSON(w *jwriter.Writer) {
	obj := w.Object()
	for _, f := range v {
		writeValue(obj.Name(f.Key), f.Value)
	}
	obj.End()
}

func writeValue(w *jwriter.Writer, value any) {
	switch t := value.(type) {
	case nil:
		w.Null()
	case bool:
		w.Bool(t)
	case string:
		w.String(t)
	case json.Number:
		w.Raw(json.RawMessage(t))
	case []any:
		arr := w.Array()
		for _, e := range t {
			writeValue(w, e)
		}
		arr.End()
	case Values:
		t.WriteJSON(w)
	default:
		n, err := normalizeValue(t)
		if err != nil {
			w.AddError(err)
			return
		}
		writeValue(w, n)
	}
}

// UnmarshalJSON decodes a JSON object keeping the order of its members.
// Nested objects decode into Values and numbers into json.Number.
func (v *Values) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*v = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("values: expected object, got %v", tok)
	}

	out, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func decodeObject(dec *json.Decoder) (Values, error) {
	var out Values
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("values: unexpected key %v", tok)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("values: duplicate field %q", key)
		}
		seen[key] = struct{}{}

		value, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		out = append(out, Field{Key: key, Value: value})
	}
	// closing brace
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			arr := make([]any, 0)
			for dec.More() {
				e, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, e)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("values: unexpected delimiter %v", t)
	default:
		// nil, bool, string, json.Number
		return t, nil
	}
}
