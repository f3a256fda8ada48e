package avroschema

import (
	"fmt"
	"time"
)

// heartbeatFields returns the three fixed leading fields every heartbeat
// schema carries, whether or not a sample message includes them. Their types
// and defaults are baked in to guarantee a backward-compatible minimum schema.
func heartbeatFields() []SchemaField {
	return []SchemaField{
		{
			Name:        "timestamp",
			Type:        FieldType{Scalar: "long"},
			Description: "message timestamp",
			Default:     int64(0),
		},
		{
			Name:        "count",
			Type:        FieldType{Scalar: "long"},
			Description: "heartbeat count",
			Default:     int64(0),
		},
		{
			Name:        "beat",
			Type:        FieldType{Scalar: "string"},
			Description: "message content",
			Default:     "default beat content",
		},
	}
}

// Heartbeat returns the static minimum heartbeat schema: the three fixed
// fields and nothing else.
func Heartbeat() Schema {
	return Schema{
		Name:   DefaultSchemaName,
		Type:   "record",
		Fields: heartbeatFields(),
	}
}

// Derive builds a heartbeat schema from a sample payload. Field order is
// deterministic: the fixed fields come first, then the sample's remaining
// fields in their original wire order. A sample field that shares a name with
// a fixed field does not override it or appear twice. Each derived field's
// default is the sample value itself.
func Derive(sample Payload) (Schema, error) {
	fields := heartbeatFields()
	fixed := make(map[string]bool, len(fields))
	for _, f := range fields {
		fixed[f.Name] = true
	}

	for _, f := range sample {
		if fixed[f.Name] {
			continue
		}
		ft, err := fieldType(f.Value)
		if err != nil {
			return Schema{}, fmt.Errorf("deriving schema field %q: %w", f.Name, err)
		}
		fields = append(fields, SchemaField{
			Name:    f.Name,
			Type:    ft,
			Default: f.Value.Native(),
		})
	}

	return Schema{
		Name:   DefaultSchemaName,
		Type:   "record",
		Fields: fields,
	}, nil
}

// EncodeRecord converts a payload into the native map goavro encodes from.
// All payload fields are copied through as-is; schema fields the payload
// lacks are filled from their defaults, except timestamp, which is stamped
// with the local receipt clock (microseconds) so a heartbeat that omits its
// own timestamp still records when we saw it.
//
// No validation against the schema happens here. A payload field outside the
// schema survives into the record and is the downstream publisher's to
// reject at serialization time.
func EncodeRecord(payload Payload, schema Schema, now time.Time) map[string]interface{} {
	record := make(map[string]interface{}, len(schema.Fields)+len(payload))
	for _, f := range payload {
		record[f.Name] = f.Value.Native()
	}
	for _, sf := range schema.Fields {
		if _, ok := record[sf.Name]; ok {
			continue
		}
		if sf.Name == "timestamp" {
			record[sf.Name] = now.UTC().UnixMicro()
			continue
		}
		record[sf.Name] = sf.Default
	}
	return record
}
