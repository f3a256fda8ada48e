package avroschema

import (
	"encoding/json"
	"fmt"
)

// DefaultSchemaName is the record name used for the SCiMMA heartbeat schema.
// Avro names only allow [A-Za-z0-9_] segments, so the hyphen in the upstream
// topic name (sys-heartbeat) becomes an underscore here.
const DefaultSchemaName = "scimma.org.sys_heartbeat"

// FieldType describes an Avro field type: a scalar, or an array of a scalar.
type FieldType struct {
	Scalar string
	Array  bool
}

// MarshalJSON renders the type the way Avro expects: a bare string for
// scalars, {"type":"array","items":...} for arrays.
func (t FieldType) MarshalJSON() ([]byte, error) {
	if t.Array {
		return json.Marshal(map[string]string{"type": "array", "items": t.Scalar})
	}
	return json.Marshal(t.Scalar)
}

// SchemaField is one field of a record schema. Default is mandatory so the
// schema stays backward compatible when producers omit a field.
type SchemaField struct {
	Name        string      `json:"name"`
	Type        FieldType   `json:"type"`
	Description string      `json:"description,omitempty"`
	Units       string      `json:"units,omitempty"`
	Default     interface{} `json:"default"`
}

// Schema is a named Avro record definition. It provisions the downstream
// topic (the topic is named after the schema) and validates outgoing records.
// Immutable after creation.
type Schema struct {
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	Fields []SchemaField `json:"fields"`
}

// JSON renders the schema as an Avro schema document suitable for the
// schema registry and for goavro codec construction.
func (s Schema) JSON() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshalling schema %s: %w", s.Name, err)
	}
	return string(raw), nil
}

// Field returns the schema field with the given name, if present.
func (s Schema) Field(name string) (SchemaField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return SchemaField{}, false
}

// fieldType maps a payload value onto its Avro field type. The switch over
// Kind is total; only array item kinds can be rejected, and those were
// already constrained at decode time.
func fieldType(v Value) (FieldType, error) {
	switch v.Kind {
	case KindBool, KindLong, KindDouble, KindString:
		return FieldType{Scalar: v.Kind.String()}, nil
	case KindArray:
		if len(v.Items) == 0 {
			return FieldType{}, fmt.Errorf("%w: empty array has no item type", ErrUnsupportedFieldType)
		}
		item := v.Items[0].Kind
		if item == KindArray {
			return FieldType{}, fmt.Errorf("%w: array of arrays", ErrUnsupportedFieldType)
		}
		return FieldType{Scalar: item.String(), Array: true}, nil
	}
	return FieldType{}, fmt.Errorf("%w: %s", ErrUnsupportedFieldType, v.Kind)
}
