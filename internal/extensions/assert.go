package extensions

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/rendis/bpelrt/internal/runtime"
	"github.com/rendis/bpelrt/internal/validation"
	"github.com/rendis/bpelrt/pkg/schema"
)

// AssertExtensions returns the assertion extensions. A failed assertion
// raises FaultAssertionFailed with the compared values as fault data.
func AssertExtensions(validator *validation.JSONSchemaValidator) []Extension {
	return []Extension{
		&equalsExtension{},
		&containsExtension{},
		&matchesExtension{},
		&schemaExtension{validator: validator},
	}
}

// normalizeJSON converts Go numeric types to float64 so that values read
// from variables compare equal to YAML literals.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

// --- assert.equals ---

type equalsExtension struct{}

func (*equalsExtension) Name() string { return "assert.equals" }

func (*equalsExtension) Description() string { return "Fault unless 'actual' deeply equals 'expected'" }

func (e *equalsExtension) Run(ctx runtime.ExtensionContext, config map[string]any) error {
	expected, err := requireValue(ctx, config, e.Name(), "expected")
	if err != nil {
		return err
	}
	actual, err := requireValue(ctx, config, e.Name(), "actual")
	if err != nil {
		return err
	}
	if reflect.DeepEqual(normalizeJSON(expected), normalizeJSON(actual)) {
		return nil
	}
	return assertionFailed(config, "values are not equal",
		map[string]any{"expected": expected, "actual": actual})
}

// --- assert.contains ---

type containsExtension struct{}

func (*containsExtension) Name() string { return "assert.contains" }

func (*containsExtension) Description() string {
	return "Fault unless the string or array 'haystack' contains 'needle'"
}

func (e *containsExtension) Run(ctx runtime.ExtensionContext, config map[string]any) error {
	haystack, err := requireValue(ctx, config, e.Name(), "haystack")
	if err != nil {
		return err
	}
	needle, err := requireValue(ctx, config, e.Name(), "needle")
	if err != nil {
		return err
	}

	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprintf("%v", needle)) {
			return nil
		}
	case []any:
		want := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), want) {
				return nil
			}
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack must be string or array, got %T", haystack)
	}
	return assertionFailed(config, "value not found",
		map[string]any{"haystack": haystack, "needle": needle})
}

// --- assert.matches ---

type matchesExtension struct{}

func (*matchesExtension) Name() string { return "assert.matches" }

func (*matchesExtension) Description() string {
	return "Fault unless 'value' matches the regular expression 'pattern'; the match is written to 'to'"
}

func (e *matchesExtension) Run(ctx runtime.ExtensionContext, config map[string]any) error {
	value, err := requireString(ctx, config, e.Name(), "value")
	if err != nil {
		return err
	}
	pattern, ok := config["pattern"].(string)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'pattern' string")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid regex pattern: %s", err)
	}

	match := re.FindString(value)
	if match == "" && !re.MatchString(value) {
		return assertionFailed(config, "value does not match pattern",
			map[string]any{"value": value, "pattern": pattern})
	}
	return store(ctx, config, match)
}

// --- assert.schema ---

type schemaExtension struct {
	validator *validation.JSONSchemaValidator
}

func (*schemaExtension) Name() string { return "assert.schema" }

func (*schemaExtension) Description() string {
	return "Fault unless the object 'data' conforms to the JSON Schema 'schema'"
}

func (e *schemaExtension) Run(ctx runtime.ExtensionContext, config map[string]any) error {
	data, err := requireValue(ctx, config, e.Name(), "data")
	if err != nil {
		return err
	}
	schemaObj, ok := config["schema"]
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'schema'")
	}
	schemaBytes, err := json.Marshal(schemaObj)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize schema: %s", err)
	}
	obj, ok := normalizeJSON(data).(map[string]any)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: data must be an object, got %T", data)
	}

	if err := e.validator.ValidateInput(obj, schemaBytes); err != nil {
		details := map[string]any{"error": err.Error()}
		var se *schema.Error
		if errors.As(err, &se) && se.Details != nil {
			details["violations"] = se.Details["violations"]
		}
		return assertionFailed(config, "data does not match schema", details)
	}
	return nil
}
