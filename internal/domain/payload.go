package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// DecodeJSON unmarshals raw into v keeping numbers as json.Number, so
// integers wider than a float64 mantissa survive a store round trip.
func DecodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

// DecodeObject decodes a JSON object payload. null and empty input give an
// empty object.
func DecodeObject(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := DecodeJSON(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
