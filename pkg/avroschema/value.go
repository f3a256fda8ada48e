// Package avroschema derives Avro schemas from heartbeat payloads and encodes
// payloads into schema-conformant records. It is pure data transformation: no
// I/O, no broker clients.
package avroschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedFieldType is returned when a payload carries a value that has
// no mapping onto the closed set of Avro scalar types.
var ErrUnsupportedFieldType = errors.New("unsupported field type")

// Kind identifies one variant of the closed set of payload value types.
// Anything arriving from the upstream bus is forced into this set at the
// decode boundary, so the Kind-to-Avro mapping below is total.
type Kind int

const (
	KindBool Kind = iota
	KindLong
	KindDouble
	KindString
	KindArray
)

// String returns the Avro type name for scalar kinds.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "boolean"
	case KindLong:
		return "long"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Value is a tagged union holding exactly one payload value. The Kind tag
// selects which member is meaningful; the others hold their zero value.
type Value struct {
	Kind   Kind
	Bool   bool
	Long   int64
	Double float64
	Str    string
	// Items holds the elements of an array value. All elements share the
	// same scalar Kind; arrays of arrays are not representable.
	Items []Value
}

// Bool, Long, Double, String and Array construct Values of the matching Kind.

func Bool(v bool) Value      { return Value{Kind: KindBool, Bool: v} }
func Long(v int64) Value     { return Value{Kind: KindLong, Long: v} }
func Double(v float64) Value { return Value{Kind: KindDouble, Double: v} }
func String(v string) Value  { return Value{Kind: KindString, Str: v} }

func Array(items ...Value) Value { return Value{Kind: KindArray, Items: items} }

// Native converts the value into the representation goavro expects for
// binary encoding: bool, int64, float64, string or []interface{}.
func (v Value) Native() interface{} {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindLong:
		return v.Long
	case KindDouble:
		return v.Double
	case KindString:
		return v.Str
	case KindArray:
		items := make([]interface{}, len(v.Items))
		for i, item := range v.Items {
			items[i] = item.Native()
		}
		return items
	}
	return nil
}

// Field is a single named payload value.
type Field struct {
	Name  string
	Value Value
}

// Payload is the ordered field list decoded from one upstream message.
// Order is preserved from the wire so schema derivation is deterministic.
type Payload []Field

// MarshalJSON renders the payload as a JSON object with fields in their
// original order, the inverse of DecodePayload.
func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		value, err := json.Marshal(f.Value.Native())
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value for name, if present.
func (p Payload) Get(name string) (Value, bool) {
	for _, f := range p {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}
