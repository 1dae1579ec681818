// Package extensions provides the built-in extension activities and assign
// operations. They are named in Namespace, so a process declares a prefix for
// it and writes e.g. ext:crypto.hash.
package extensions

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/bpelrt/internal/runtime"
	"github.com/rendis/bpelrt/pkg/schema"
)

// Namespace of the built-in extensions.
const Namespace = "urn:bpelrt:extensions"

// FaultAssertionFailed is raised by the assert.* extensions.
var FaultAssertionFailed = schema.QName{Space: Namespace, Local: "assertionFailed"}

// Extension is a named extension handler.
type Extension interface {
	runtime.ExtensionHandler
	Name() string
	Description() string
}

// Info is a summary of a registered extension for listing.
type Info struct {
	Name        schema.QName `json:"name"`
	Description string       `json:"description,omitempty"`
}

// QName returns the qualified name under which ext is registered.
func QName(ext Extension) schema.QName {
	return schema.QName{Space: Namespace, Local: ext.Name()}
}

// resolve returns the configured value of key. A value of the form
// {variable: name} is read from the named variable; anything else is a
// literal.
func resolve(ctx runtime.ExtensionContext, config map[string]any, key string) (any, bool, error) {
	raw, ok := config[key]
	if !ok {
		return nil, false, nil
	}
	if ref, isRef := raw.(map[string]any); isRef && len(ref) == 1 {
		if name, isName := ref["variable"].(string); isName {
			v, err := ctx.ReadVariable(name)
			return v, true, err
		}
	}
	return raw, true, nil
}

func requireValue(ctx runtime.ExtensionContext, config map[string]any, ext, key string) (any, error) {
	v, ok, err := resolve(ctx, config, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s requires '%s'", ext, key)
	}
	return v, nil
}

// requireString resolves key as text. Non-string values are encoded as JSON.
func requireString(ctx runtime.ExtensionContext, config map[string]any, ext, key string) (string, error) {
	v, err := requireValue(ctx, config, ext, key)
	if err != nil {
		return "", err
	}
	return text(v)
}

func optionalString(config map[string]any, key, def string) string {
	if s, ok := config[key].(string); ok && s != "" {
		return s
	}
	return def
}

func text(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(b), nil
}

// store writes result into the variable named by config["to"], if any.
func store(ctx runtime.ExtensionContext, config map[string]any, result any) error {
	to, ok := config["to"].(string)
	if !ok || to == "" {
		return nil
	}
	return ctx.WriteVariable(to, result)
}

func assertionFailed(config map[string]any, def string, details map[string]any) error {
	f := runtime.NewFault(FaultAssertionFailed, optionalString(config, "message", def))
	f.Message = details
	return f
}
