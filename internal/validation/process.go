package validation

import "github.com/rendis/bpelrt/pkg/schema"

// ProcessValidator runs the validation pipeline:
// 1. Structural (JSON Schema over the document)
// 2. Semantic (handlers, catches, expression languages, extensions)
// 3. Links (crossing rules, cycles)
type ProcessValidator struct {
	jsonSchema *JSONSchemaValidator
	languages  LanguageLookup
	extensions ExtensionLookup
}

// NewProcessValidator creates a ProcessValidator. Either lookup may be nil to
// skip the corresponding existence checks.
func NewProcessValidator(languages LanguageLookup, extensions ExtensionLookup) (*ProcessValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ProcessValidator{
		jsonSchema: jsv,
		languages:  languages,
		extensions: extensions,
	}, nil
}

// Validate runs the semantic and link stages over a compiled process.
// Link checks are skipped when semantic errors were found.
func (pv *ProcessValidator) Validate(p *schema.Process) *schema.ValidationResult {
	if p == nil || p.Root == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "process is nil")
		return r
	}

	result := validateSemantic(p, pv.languages, pv.extensions)
	if result.Valid() {
		result.Merge(validateLinks(p))
	}
	return result
}

// ValidateProcess satisfies the Validator interface.
func (pv *ProcessValidator) ValidateProcess(p *schema.Process) error {
	return pv.Validate(p).ToError()
}

// ValidateDocument satisfies the Validator interface.
func (pv *ProcessValidator) ValidateDocument(doc any) error {
	return validateStructural(pv.jsonSchema, doc).ToError()
}

// ValidateMessage delegates to the underlying JSONSchemaValidator.
func (pv *ProcessValidator) ValidateMessage(msg map[string]any, partSchema []byte) error {
	return pv.jsonSchema.ValidateInput(msg, partSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDocument, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDocument(doc)
	if err == nil {
		return result
	}

	serr, ok := err.(*schema.Error)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if serr.Details != nil {
		if violations, ok := serr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, serr.Message)
	return result
}
