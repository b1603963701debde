package feature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Property struct {
	Key   string
	Value any
}

// Properties keeps the attribute members of a feature in wire order.
type Properties []Property

func (p Properties) Get(key string) (any, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

func (p Properties) Keys() []string {
	out := make([]string, len(p))
	for i, kv := range p {
		out[i] = kv.Key
	}
	return out
}

func (p Properties) Map() map[string]any {
	out := make(map[string]any, len(p))
	for _, kv := range p {
		out[kv.Key] = kv.Value
	}
	return out
}

func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	return append(Properties(nil), p...)
}

// UnmarshalJSON decodes an object (or null) preserving member order. Numbers
// are kept as json.Number. A repeated key keeps its first position and last value.
func (p *Properties) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("properties: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("properties: must be a JSON object")
	}

	out := Properties{}
	index := map[string]int{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("properties: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("properties: unexpected key token %v", kt)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("properties %q: %w", key, err)
		}
		if i, dup := index[key]; dup {
			out[i].Value = v
			continue
		}
		index[key] = len(out)
		out = append(out, Property{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("properties: %w", err)
	}
	*p = out
	return nil
}

// MarshalJSON writes the members in order.
func (p Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", kv.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
