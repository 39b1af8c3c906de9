package codec

import (
	"encoding/json"
	"fmt"
)

// arrayJSON is the JSON form of a NumericArray. Data is the raw little-endian
// buffer, base64 encoded.
type arrayJSON struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Data  []byte `json:"data"`
}

// arrayKey marks a JSON object that holds a NumericArray.
const arrayKey = "$array"

// FromJSON converts a value decoded with UseNumber into a Value.
// Integers become int64, other numbers float64, and {"$array": {...}}
// objects become NumericArrays.
func FromJSON(v any) (Value, error) {
	switch x := v.(type) {
	case nil, bool, string:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %s: %w", x, err)
		}
		return f, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			c, err := FromJSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		if raw, ok := x[arrayKey]; ok && len(x) == 1 {
			return arrayFromJSON(raw)
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			c, err := FromJSON(item)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported JSON value %T", v)
}

func arrayFromJSON(raw any) (*NumericArray, error) {
	// Round trip through the typed form to pick up base64 decoding.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("array: %w", err)
	}
	var a arrayJSON
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("array: %w", err)
	}
	dtype, err := ParseDType(a.DType)
	if err != nil {
		return nil, fmt.Errorf("array: %w", err)
	}
	return NewArray(dtype, a.Shape, a.Data)
}

// ToJSON converts v into something encoding/json renders
// faithfully.
func ToJSON(v Value) any {
	switch x := v.(type) {
	case *NumericArray:
		return map[string]any{arrayKey: arrayJSON{DType: x.DType.String(), Shape: x.Shape, Data: x.Data}}
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = ToJSON(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = ToJSON(item)
		}
		return out
	}
	return v
}
