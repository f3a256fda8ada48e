package avroschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodePayload parses a JSON object into an ordered Payload. It walks the
// token stream directly instead of unmarshalling into a map, because field
// order matters for schema derivation and Go maps do not preserve it.
//
// Numbers without a fraction or exponent decode as long, all others as
// double. Null values, nested objects, empty arrays and mixed-type arrays
// have no Avro mapping and return ErrUnsupportedFieldType.
func DecodePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("payload is not a JSON object (got %v)", tok)
	}

	var payload Payload
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading payload field name: %w", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("payload field name is not a string: %v", keyTok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return nil, fmt.Errorf("payload field %q: %w", name, err)
		}
		payload = append(payload, Field{Name: name, Value: value})
	}
	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("reading end of payload object: %w", err)
	}
	return payload, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return decodeNumber(t)
	case json.Delim:
		if t == '[' {
			return decodeArray(dec)
		}
		// Nested objects cannot be expressed in the flat record schema.
		return Value{}, fmt.Errorf("%w: nested JSON object", ErrUnsupportedFieldType)
	case nil:
		return Value{}, fmt.Errorf("%w: null value", ErrUnsupportedFieldType)
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedFieldType, tok)
}

func decodeNumber(n json.Number) (Value, error) {
	if strings.ContainsAny(n.String(), ".eE") {
		f, err := n.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %s", ErrUnsupportedFieldType, n)
		}
		return Double(f), nil
	}
	i, err := n.Int64()
	if err != nil {
		return Value{}, fmt.Errorf("%w: number %s", ErrUnsupportedFieldType, n)
	}
	return Long(i), nil
}

// decodeArray reads array elements after the opening bracket has been
// consumed. The array's item type is taken from the first element; every
// subsequent element must share it, since Avro arrays are homogeneous.
func decodeArray(dec *json.Decoder) (Value, error) {
	var items []Value
	for dec.More() {
		item, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}
		if item.Kind == KindArray {
			return Value{}, fmt.Errorf("%w: array of arrays", ErrUnsupportedFieldType)
		}
		if len(items) > 0 && item.Kind != items[0].Kind {
			return Value{}, fmt.Errorf("%w: mixed-type array (%s and %s)",
				ErrUnsupportedFieldType, items[0].Kind, item.Kind)
		}
		items = append(items, item)
	}
	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}
	if len(items) == 0 {
		return Value{}, fmt.Errorf("%w: empty array has no item type", ErrUnsupportedFieldType)
	}
	return Array(items...), nil
}
