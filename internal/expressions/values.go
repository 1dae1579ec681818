package expressions

import (
	"encoding/json"

	"github.com/google/cel-go/common/types/ref"
	"github.com/rendis/bpelrt/pkg/schema"
)

// Normalize converts engine results and caller data into the JSON-compatible
// value space the runtime stores: all numbers become float64, CEL values are
// unwrapped, and maps and slices are rebuilt as map[string]any and []any.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = Normalize(v)
		}
		return out
	case schema.Message:
		return Normalize(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = Normalize(v)
		}
		return out
	case map[ref.Val]ref.Val:
		out := make(map[string]any, len(val))
		for k, v := range val {
			if s, ok := k.Value().(string); ok {
				out[s] = Normalize(v.Value())
			}
		}
		return out
	case []ref.Val:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = Normalize(v.Value())
		}
		return out
	case ref.Val:
		return Normalize(val.Value())
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint:
		return float64(val)
	case uint64:
		return float64(val)
	case uint32:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return v
	}
}

// DeepCopy recursively copies maps and slices so that stored variable values
// cannot be mutated through a returned reference.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val
		}
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = DeepCopy(item)
		}
		return cp
	case []any:
		if val == nil {
			return val
		}
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	default:
		// Primitives (string, float64, bool, nil) are value types.
		return v
	}
}
