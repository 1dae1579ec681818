package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/bpelrt/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const processSchemaURL = "https://bpelrt.dev/schemas/process.json"

// processSchemaJSON is the JSON Schema for process documents.
// Embedded as a constant to avoid filesystem dependencies.
const processSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://bpelrt.dev/schemas/process.json",
  "type": "object",
  "required": ["name", "activity"],
  "allOf": [{ "$ref": "#/$defs/scopeDecls" }],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "targetNamespace": { "type": "string" },
    "expressionLanguage": { "type": "string", "enum": ["expr", "cel", "jq"] },
    "suppressJoinFailure": { "type": "boolean" },
    "namespaces": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "messageTypes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "parts": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "name": { "type": "string", "minLength": 1 },
                "type": { "type": "string" }
              },
              "additionalProperties": false
            }
          }
        },
        "additionalProperties": false
      }
    },
    "properties": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "type": { "type": "string" }
        },
        "additionalProperties": false
      }
    },
    "propertyAliases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["property", "messageType", "part"],
        "properties": {
          "property": { "type": "string" },
          "messageType": { "type": "string" },
          "part": { "type": "string" },
          "query": { "type": "string" }
        },
        "additionalProperties": false
      }
    }
  },
  "unevaluatedProperties": false,
  "$defs": {
    "name": { "type": "string", "minLength": 1 },
    "expression": {
      "oneOf": [
        { "type": "string", "minLength": 1 },
        {
          "type": "object",
          "required": ["expression"],
          "properties": {
            "language": { "type": "string" },
            "expression": { "type": "string", "minLength": 1 }
          },
          "additionalProperties": false
        }
      ]
    },
    "scopeDecls": {
      "type": "object",
      "properties": {
        "isolated": { "type": "boolean" },
        "variables": { "type": "array", "items": { "$ref": "#/$defs/variable" } },
        "correlationSets": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "properties"],
            "properties": {
              "name": { "$ref": "#/$defs/name" },
              "properties": { "type": "array", "minItems": 1, "items": { "type": "string" } }
            },
            "additionalProperties": false
          }
        },
        "partnerLinks": { "type": "array", "items": { "$ref": "#/$defs/partnerLink" } },
        "faultHandlers": { "type": "array", "items": { "$ref": "#/$defs/catch" } },
        "compensationHandler": { "$ref": "#/$defs/activity" },
        "eventHandlers": {
          "type": "object",
          "properties": {
            "onEvent": { "type": "array", "items": { "$ref": "#/$defs/onEvent" } },
            "onAlarm": { "type": "array", "items": { "$ref": "#/$defs/onAlarm" } }
          },
          "additionalProperties": false
        },
        "activity": { "$ref": "#/$defs/activity" }
      }
    },
    "variable": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "messageType": { "type": "string" },
        "element": { "type": "string" },
        "type": { "type": "string" },
        "external": {
          "type": "object",
          "required": ["engine", "related"],
          "properties": {
            "engine": { "type": "string" },
            "related": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "partnerLink": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "myRole": { "type": "string" },
        "partnerRole": { "type": "string" },
        "initializePartnerRole": { "type": "boolean" },
        "service": { "type": "string" },
        "operations": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name"],
            "properties": {
              "name": { "$ref": "#/$defs/name" },
              "input": { "type": "string" },
              "output": { "type": "string" },
              "faults": { "type": "object", "additionalProperties": { "type": "string" } }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    },
    "catch": {
      "type": "object",
      "required": ["activity"],
      "properties": {
        "faultName": { "type": "string" },
        "faultVariable": { "type": "string" },
        "faultMessageType": { "type": "string" },
        "faultElement": { "type": "string" },
        "activity": { "$ref": "#/$defs/activity" }
      },
      "additionalProperties": false
    },
    "correlations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["set"],
        "properties": {
          "set": { "type": "string" },
          "initiate": { "type": "string", "enum": ["yes", "join", "no"] },
          "pattern": { "type": "string" }
        },
        "additionalProperties": false
      }
    },
    "onMessage": {
      "type": "object",
      "required": ["partnerLink", "operation"],
      "properties": {
        "partnerLink": { "type": "string" },
        "operation": { "type": "string" },
        "variable": { "type": "string" },
        "messageExchange": { "type": "string" },
        "route": { "type": "string" },
        "correlations": { "$ref": "#/$defs/correlations" },
        "activity": { "$ref": "#/$defs/activity" }
      }
    },
    "onEvent": {
      "type": "object",
      "allOf": [{ "$ref": "#/$defs/onMessage" }],
      "required": ["activity"],
      "properties": {
        "messageType": { "type": "string" },
        "element": { "type": "string" }
      },
      "unevaluatedProperties": false
    },
    "onAlarm": {
      "type": "object",
      "required": ["activity"],
      "properties": {
        "for": { "$ref": "#/$defs/expression" },
        "until": { "$ref": "#/$defs/expression" },
        "repeatEvery": { "$ref": "#/$defs/expression" },
        "activity": { "$ref": "#/$defs/activity" }
      },
      "additionalProperties": false
    },
    "common": {
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "targets": { "type": "array", "items": { "type": "string" } },
        "sources": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["link"],
            "properties": {
              "link": { "type": "string" },
              "transitionCondition": { "$ref": "#/$defs/expression" }
            },
            "additionalProperties": false
          }
        },
        "joinCondition": { "$ref": "#/$defs/expression" },
        "suppressJoinFailure": { "type": "boolean" },
        "failureHandling": {
          "type": "object",
          "properties": {
            "retryFor": { "type": "integer", "minimum": 0 },
            "retryDelay": { "type": "integer", "minimum": 0 },
            "faultOnFailure": { "type": "boolean" },
            "backoff": { "type": "string", "enum": ["constant", "linear", "exponential"] },
            "maxDelay": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        }
      }
    },
    "activities": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/activity" } },
    "activity": {
      "type": "object",
      "minProperties": 1,
      "maxProperties": 1,
      "properties": {
        "empty": { "$ref": "#/$defs/plain" },
        "exit": { "$ref": "#/$defs/plain" },
        "rethrow": { "$ref": "#/$defs/plain" },
        "compensate": { "$ref": "#/$defs/plain" },
        "sequence": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["activities"],
          "properties": { "activities": { "$ref": "#/$defs/activities" } },
          "unevaluatedProperties": false
        },
        "flow": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["activities"],
          "properties": {
            "links": { "type": "array", "items": { "type": "string" } },
            "activities": { "$ref": "#/$defs/activities" }
          },
          "unevaluatedProperties": false
        },
        "if": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["condition", "activity"],
          "properties": {
            "condition": { "$ref": "#/$defs/expression" },
            "activity": { "$ref": "#/$defs/activity" },
            "elseIf": { "type": "array", "items": { "$ref": "#/$defs/branch" } },
            "else": { "$ref": "#/$defs/activity" }
          },
          "unevaluatedProperties": false
        },
        "switch": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["cases"],
          "properties": {
            "cases": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/branch" } },
            "otherwise": { "$ref": "#/$defs/activity" }
          },
          "unevaluatedProperties": false
        },
        "while": { "$ref": "#/$defs/loop" },
        "repeatUntil": { "$ref": "#/$defs/loop" },
        "pick": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["onMessage"],
          "properties": {
            "createInstance": { "type": "boolean" },
            "onMessage": {
              "type": "array",
              "minItems": 1,
              "items": {
                "type": "object",
                "allOf": [{ "$ref": "#/$defs/onMessage" }],
                "required": ["activity"],
                "unevaluatedProperties": false
              }
            },
            "onAlarm": { "type": "array", "items": { "$ref": "#/$defs/onAlarm" } }
          },
          "unevaluatedProperties": false
        },
        "receive": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }, { "$ref": "#/$defs/onMessage" }],
          "properties": {
            "createInstance": { "type": "boolean" },
            "activity": false
          },
          "unevaluatedProperties": false
        },
        "scope": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }, { "$ref": "#/$defs/scopeDecls" }],
          "required": ["activity"],
          "unevaluatedProperties": false
        },
        "forEach": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["counterName", "startCounterValue", "finalCounterValue", "scope"],
          "properties": {
            "counterName": { "$ref": "#/$defs/name" },
            "parallel": { "type": "boolean" },
            "startCounterValue": { "$ref": "#/$defs/expression" },
            "finalCounterValue": { "$ref": "#/$defs/expression" },
            "completionCondition": {
              "type": "object",
              "properties": {
                "branches": { "$ref": "#/$defs/expression" },
                "successfulBranchesOnly": { "type": "boolean" }
              },
              "additionalProperties": false
            },
            "scope": { "$ref": "#/$defs/activity" }
          },
          "unevaluatedProperties": false
        },
        "invoke": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["partnerLink", "operation"],
          "properties": {
            "partnerLink": { "type": "string" },
            "operation": { "type": "string" },
            "inputVariable": { "type": "string" },
            "outputVariable": { "type": "string" },
            "correlations": { "$ref": "#/$defs/correlations" },
            "faultHandlers": { "type": "array", "items": { "$ref": "#/$defs/catch" } },
            "compensationHandler": { "$ref": "#/$defs/activity" }
          },
          "unevaluatedProperties": false
        },
        "reply": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["partnerLink", "operation"],
          "properties": {
            "partnerLink": { "type": "string" },
            "operation": { "type": "string" },
            "variable": { "type": "string" },
            "faultName": { "type": "string" },
            "messageExchange": { "type": "string" },
            "correlations": { "$ref": "#/$defs/correlations" }
          },
          "unevaluatedProperties": false
        },
        "assign": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["copy"],
          "properties": {
            "copy": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/copy" } }
          },
          "unevaluatedProperties": false
        },
        "throw": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["faultName"],
          "properties": {
            "faultName": { "type": "string", "minLength": 1 },
            "faultVariable": { "type": "string" }
          },
          "unevaluatedProperties": false
        },
        "compensateScope": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["target"],
          "properties": { "target": { "$ref": "#/$defs/name" } },
          "unevaluatedProperties": false
        },
        "wait": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "properties": {
            "for": { "$ref": "#/$defs/expression" },
            "until": { "$ref": "#/$defs/expression" }
          },
          "oneOf": [{ "required": ["for"] }, { "required": ["until"] }],
          "unevaluatedProperties": false
        },
        "extensionActivity": {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "required": ["extension"],
          "properties": {
            "extension": { "type": "string", "minLength": 1 },
            "config": { "type": "object" }
          },
          "unevaluatedProperties": false
        }
      },
      "additionalProperties": false
    },
    "plain": {
      "oneOf": [
        { "type": "null" },
        {
          "type": "object",
          "allOf": [{ "$ref": "#/$defs/common" }],
          "unevaluatedProperties": false
        }
      ]
    },
    "branch": {
      "type": "object",
      "required": ["condition", "activity"],
      "properties": {
        "condition": { "$ref": "#/$defs/expression" },
        "activity": { "$ref": "#/$defs/activity" }
      },
      "additionalProperties": false
    },
    "loop": {
      "type": "object",
      "allOf": [{ "$ref": "#/$defs/common" }],
      "required": ["condition", "activity"],
      "properties": {
        "condition": { "$ref": "#/$defs/expression" },
        "activity": { "$ref": "#/$defs/activity" }
      },
      "unevaluatedProperties": false
    },
    "copy": {
      "type": "object",
      "oneOf": [{ "required": ["from", "to"] }, { "required": ["extension"] }],
      "properties": {
        "from": {
          "type": "object",
          "minProperties": 1,
          "properties": {
            "literal": true,
            "expression": { "$ref": "#/$defs/expression" },
            "variable": { "type": "string" },
            "part": { "type": "string" },
            "query": { "type": "string" },
            "property": { "type": "string" },
            "partnerLink": { "type": "string" },
            "endpointReference": { "type": "string", "enum": ["myRole", "partnerRole"] }
          },
          "additionalProperties": false
        },
        "to": {
          "type": "object",
          "minProperties": 1,
          "properties": {
            "variable": { "type": "string" },
            "part": { "type": "string" },
            "query": { "type": "string" },
            "property": { "type": "string" },
            "partnerLink": { "type": "string" }
          },
          "additionalProperties": false
        },
        "ignoreMissingFromData": { "type": "boolean" },
        "ignoreUninitializedFromVariable": { "type": "boolean" },
        "insertMissingToData": { "type": "boolean" },
        "extension": { "type": "string" },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates process documents and message payloads using
// JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	processSchema *jsonschema.Schema

	// mu guards the cache and compiler for dynamic schema compilation.
	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	cache    map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the process schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(processSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal process schema: %w", err)
	}
	if err := c.AddResource(processSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add process schema resource: %w", err)
	}

	procSchema, err := c.Compile(processSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile process schema: %w", err)
	}

	return &JSONSchemaValidator{
		processSchema: procSchema,
		compiler:      newInputCompiler(),
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a decoded process document against the process
// JSON Schema.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "process document is empty")
	}

	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize process document").WithCause(err)
	}

	if err := v.processSchema.Validate(value); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// ValidateInput validates message data against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	// Convert input to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("bpelrt://message-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newInputCompiler creates a Compiler configured for input/output validation.
func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into a schema.Error
// listing every violation.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
