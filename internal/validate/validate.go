// Package validate turns decoded codec values into typed protocol structures.
//
// Typing is strict: booleans are never integers, floats are never integers,
// binary is never text, and no value is truncated or coerced. Every violated
// field is reported, not just the first.
package validate

import (
	"fmt"
	"math"

	"github.com/andresmejia3/ocrserve/internal/types"
)

// Parameters validates a decoded parameters map.
func Parameters(v any) (types.Parameters, error) {
	verr := &types.ValidationError{}
	p := types.DefaultParameters()
	if m, ok := asMap("parameters", v, verr); ok {
		p = parameters(m, verr)
	}
	if err := verr.OrNil(); err != nil {
		return types.Parameters{}, err
	}
	return p, nil
}

// ImageFrame validates a decoded image map.
func ImageFrame(v any) (types.ImageFrame, error) {
	verr := &types.ValidationError{}
	var f types.ImageFrame
	if m, ok := asMap("image", v, verr); ok {
		f = imageFrame(m, verr)
	}
	if err := verr.OrNil(); err != nil {
		return types.ImageFrame{}, err
	}
	return f, nil
}

// SingleRequest validates the single-shot body {"parameters": ..., "image": ...}.
func SingleRequest(v any) (types.Parameters, types.ImageFrame, error) {
	verr := &types.ValidationError{}
	m, ok := asMap("body", v, verr)
	if !ok {
		return types.Parameters{}, types.ImageFrame{}, verr
	}

	var p types.Parameters
	if raw, present := m["parameters"]; !present {
		verr.Add("parameters", "field required")
	} else if pm, ok := asMap("parameters", raw, verr); ok {
		inner := &types.ValidationError{}
		p = parameters(pm, inner)
		verr.Merge("parameters", inner)
	}

	var f types.ImageFrame
	if raw, present := m["image"]; !present {
		verr.Add("image", "field required")
	} else if im, ok := asMap("image", raw, verr); ok {
		inner := &types.ValidationError{}
		f = imageFrame(im, inner)
		verr.Merge("image", inner)
	}

	if err := verr.OrNil(); err != nil {
		return types.Parameters{}, types.ImageFrame{}, err
	}
	return p, f, nil
}

func parameters(m map[string]any, verr *types.ValidationError) types.Parameters {
	p := types.DefaultParameters()

	if raw, present := m["min_length"]; present {
		if n, ok := positiveInt("min_length", raw, verr); ok {
			p.MinLength = n
		}
	}

	// top_k may be sent explicitly as nil, which means the same as absent.
	if raw, present := m["top_k"]; present && raw != nil {
		if n, ok := positiveInt("top_k", raw, verr); ok {
			p.TopK = n
		}
	}

	if raw, present := m["keywords"]; present {
		p.Keywords = keywords(raw, verr)
	}

	if raw, present := m["exclude"]; present {
		if b, ok := raw.(bool); ok {
			p.Exclude = b
		} else {
			verr.Add("exclude", "must be a boolean, got %s", typeName(raw))
		}
	}
	return p
}

func keywords(v any, verr *types.ValidationError) map[string]struct{} {
	list, ok := v.([]any)
	if !ok {
		verr.Add("keywords", "must be an array of strings, got %s", typeName(v))
		return nil
	}
	set := make(map[string]struct{}, len(list))
	for i, item := range list {
		field := fmt.Sprintf("keywords.%d", i)
		s, ok := item.(string)
		if !ok {
			verr.Add(field, "must be a string, got %s", typeName(item))
			continue
		}
		if s == "" {
			verr.Add(field, "must not be empty")
			continue
		}
		set[s] = struct{}{}
	}
	return set
}

func imageFrame(m map[string]any, verr *types.ValidationError) types.ImageFrame {
	var f types.ImageFrame

	raw, present := m["data"]
	b, isBinary := raw.([]byte)
	switch {
	case !present:
		verr.Add("data", "field required")
	case !isBinary:
		verr.Add("data", "must be binary, got %s", typeName(raw))
	case len(b) < 1:
		verr.Add("data", "must contain at least 1 byte")
	default:
		f.Data = b
	}

	for _, dim := range []struct {
		name string
		dst  *int
	}{
		{"height", &f.Height},
		{"width", &f.Width},
		{"channels", &f.Channels},
	} {
		raw, present := m[dim.name]
		if !present {
			verr.Add(dim.name, "field required")
			continue
		}
		if n, ok := positiveInt(dim.name, raw, verr); ok {
			*dim.dst = n
		}
	}
	return f
}

func asMap(field string, v any, verr *types.ValidationError) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		verr.Add(field, "must be a map, got %s", typeName(v))
		return nil, false
	}
	return m, true
}

// positiveInt accepts only integer-typed values strictly greater than zero.
func positiveInt(field string, v any, verr *types.ValidationError) (int, bool) {
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			verr.Add(field, "integer out of range")
			return 0, false
		}
		n = int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			verr.Add(field, "integer out of range")
			return 0, false
		}
		n = int64(x)
	default:
		verr.Add(field, "must be an integer, got %s", typeName(v))
		return 0, false
	}
	if n <= 0 {
		verr.Add(field, "must be greater than 0")
		return 0, false
	}
	if n > math.MaxInt {
		verr.Add(field, "integer out of range")
		return 0, false
	}
	return int(n), true
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "boolean"
	case string:
		return "string"
	case []byte:
		return "binary"
	case float32, float64:
		return "float"
	case []any:
		return "array"
	case map[string]any:
		return "map"
	default:
		return fmt.Sprintf("%T", v)
	}
}
