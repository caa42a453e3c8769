// Package codec serializes job arguments to the opaque binary blob stored
// in the job row. The format is BSON: self-describing, stable across
// producer and consumer versions, and able to carry arbitrary nested
// values (maps, arrays, strings, numbers, booleans, null).
//
// BSON only encodes documents at the top level, so values are wrapped in a
// single-field document before marshalling. Decode unwraps and normalizes
// the result: documents become map[string]any, arrays []any, and integers
// widen to int64, so a decoded value compares equal regardless of which
// integer width the producer used.
package codec

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// envelope wraps an arbitrary value so scalars and arrays survive BSON's
// top-level document requirement.
type envelope struct {
	V any `bson:"v"`
}

// rawEnvelope defers decoding of the wrapped value.
type rawEnvelope struct {
	V bson.RawValue `bson:"v"`
}

// Encode serializes v into the arg blob.
func Encode(v any) ([]byte, error) {
	data, err := bson.Marshal(envelope{V: v})
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return data, nil
}

// Decode deserializes an arg blob into its normalized generic form.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := bson.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return normalize(env.V), nil
}

// DecodeInto deserializes an arg blob into a caller-supplied value,
// typically a struct or map pointer.
func DecodeInto(data []byte, v any) error {
	var env rawEnvelope
	if err := bson.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("codec: decode: %w", err)
	}
	if err := env.V.Unmarshal(v); err != nil {
		return fmt.Errorf("codec: decode value: %w", err)
	}
	return nil
}

// normalize maps BSON container and integer types onto the generic forms
// the rest of the system compares against.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case bson.A:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = normalize(e)
		}
		return a
	case []any:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = normalize(e)
		}
		return a
	case int32:
		return int64(t)
	case int:
		return int64(t)
	default:
		return v
	}
}
