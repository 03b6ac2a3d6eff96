package fieldscript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ValueKind is the scalar type held by a Value.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueString
	ValueNumber
	ValueBool
)

// Value is a single form field value: a string, number, bool or null.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
}

// StringValue returns a string field value.
func StringValue(s string) Value { return Value{kind: ValueString, str: s} }

// NumberValue returns a numeric field value.
func NumberValue(n float64) Value { return Value{kind: ValueNumber, num: n} }

// BoolValue returns a boolean field value.
func BoolValue(b bool) Value { return Value{kind: ValueBool, b: b} }

// NullValue returns an empty field value.
func NullValue() Value { return Value{} }

// Kind returns the scalar type of the value.
func (v Value) Kind() ValueKind { return v.kind }

// String renders the value as text.
func (v Value) String() string {
	switch v.kind {
	case ValueString:
		return v.str
	case ValueNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// IsEmpty reports whether the value is null or blank text.
// Numbers and booleans are never empty.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case ValueNull:
		return true
	case ValueString:
		return strings.TrimSpace(v.str) == ""
	default:
		return false
	}
}

// Equal reports whether both values have the same kind and content.
func (v Value) Equal(other Value) bool {
	return v == other
}

// MarshalJSON encodes the value as a JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueString:
		return json.Marshal(v.str)
	case ValueNumber:
		return json.Marshal(v.num)
	case ValueBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a JSON scalar. Objects and arrays are kept as
// their compact JSON text.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("field value: empty input")
	}
	switch data[0] {
	case 'n':
		*v = NullValue()
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("field value: %w", err)
		}
		*v = StringValue(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("field value: %w", err)
		}
		*v = BoolValue(b)
		return nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return fmt.Errorf("field value: %w", err)
		}
		*v = StringValue(buf.String())
		return nil
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("field value: %w", err)
		}
		*v = NumberValue(n)
		return nil
	}
}

// Fields is the ordered key/value map filled in by the technician.
// A nil *Fields behaves as an empty map for every read operation.
type Fields struct {
	m *orderedmap.OrderedMap[string, Value]
}

// NewFields returns an empty field map.
func NewFields() *Fields {
	return &Fields{m: orderedmap.New[string, Value]()}
}

// FieldsOf builds a field map from alternating key/value strings.
func FieldsOf(kv ...string) *Fields {
	f := NewFields()
	for i := 0; i+1 < len(kv); i += 2 {
		f.Set(kv[i], StringValue(kv[i+1]))
	}
	return f
}

// Set stores a value, keeping the original position of an existing key.
func (f *Fields) Set(key string, v Value) {
	if f.m == nil {
		f.m = orderedmap.New[string, Value]()
	}
	f.m.Set(key, v)
}

// SetString stores a string value.
func (f *Fields) SetString(key, s string) {
	f.Set(key, StringValue(s))
}

// Get returns the value stored under key.
func (f *Fields) Get(key string) (Value, bool) {
	if f == nil || f.m == nil {
		return Value{}, false
	}
	return f.m.Get(key)
}

// Delete removes key from the map.
func (f *Fields) Delete(key string) {
	if f == nil || f.m == nil {
		return
	}
	f.m.Delete(key)
}

// Len returns the number of keys.
func (f *Fields) Len() int {
	if f == nil || f.m == nil {
		return 0
	}
	return f.m.Len()
}

// Keys returns the keys in insertion order.
func (f *Fields) Keys() []string {
	keys := make([]string, 0, f.Len())
	f.Each(func(k string, _ Value) {
		keys = append(keys, k)
	})
	return keys
}

// Each calls fn for every entry in insertion order.
func (f *Fields) Each(fn func(key string, v Value)) {
	if f == nil || f.m == nil {
		return
	}
	for pair := f.m.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// IsEmpty reports whether every value in the map is empty.
func (f *Fields) IsEmpty() bool {
	empty := true
	f.Each(func(_ string, v Value) {
		if !v.IsEmpty() {
			empty = false
		}
	})
	return empty
}

// Equal reports whether both maps hold the same keys with equal values.
// Key order is not significant.
func (f *Fields) Equal(other *Fields) bool {
	if f.Len() != other.Len() {
		return false
	}
	equal := true
	f.Each(func(k string, v Value) {
		ov, ok := other.Get(k)
		if !ok || !v.Equal(ov) {
			equal = false
		}
	})
	return equal
}

// Clone returns a deep copy of the map.
func (f *Fields) Clone() *Fields {
	if f == nil {
		return nil
	}
	out := NewFields()
	f.Each(func(k string, v Value) {
		out.Set(k, v)
	})
	return out
}

// Compatible reports whether no key holds two different non-empty values
// across both maps.
func (f *Fields) Compatible(other *Fields) bool {
	compatible := true
	f.Each(func(k string, v Value) {
		ov, ok := other.Get(k)
		if !ok || v.IsEmpty() || ov.IsEmpty() {
			return
		}
		if !v.Equal(ov) {
			compatible = false
		}
	})
	return compatible
}

// MergeFields combines two maps key by key. A non-empty value wins over an
// empty one; when both are non-empty and differ the longer text wins, and
// preferA breaks equal-length ties. Keys keep a's order followed by keys only
// present in b.
func MergeFields(a, b *Fields, preferA bool) *Fields {
	out := NewFields()
	a.Each(func(k string, av Value) {
		bv, ok := b.Get(k)
		if !ok {
			out.Set(k, av)
			return
		}
		out.Set(k, pickValue(av, bv, preferA))
	})
	b.Each(func(k string, bv Value) {
		if _, ok := a.Get(k); !ok {
			out.Set(k, bv)
		}
	})
	return out
}

func pickValue(a, b Value, preferA bool) Value {
	switch {
	case a.Equal(b):
		return a
	case b.IsEmpty():
		return a
	case a.IsEmpty():
		return b
	}
	la, lb := utf8.RuneCountInString(a.String()), utf8.RuneCountInString(b.String())
	switch {
	case la > lb:
		return a
	case lb > la:
		return b
	case preferA:
		return a
	default:
		return b
	}
}

// MarshalJSON encodes the map as a JSON object preserving key order.
func (f *Fields) MarshalJSON() ([]byte, error) {
	if f == nil || f.m == nil {
		return []byte("{}"), nil
	}
	return f.m.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object preserving key order.
func (f *Fields) UnmarshalJSON(data []byte) error {
	m := orderedmap.New[string, Value]()
	if string(bytes.TrimSpace(data)) != "null" {
		if err := m.UnmarshalJSON(data); err != nil {
			return fmt.Errorf("fields: %w", err)
		}
	}
	f.m = m
	return nil
}

// Text returns the JSON text form stored by the record store.
func (f *Fields) Text() string {
	data, err := f.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ParseFields decodes the JSON text form of a field map.
func ParseFields(text string) (*Fields, error) {
	f := NewFields()
	if strings.TrimSpace(text) == "" {
		return f, nil
	}
	if err := f.UnmarshalJSON([]byte(text)); err != nil {
		return nil, err
	}
	return f, nil
}
