package validation

import "github.com/rendis/bpelrt/pkg/schema"

// Validator checks process documents and compiled processes before they are
// deployed.
type Validator interface {
	// ValidateDocument checks the raw decoded YAML document structurally.
	ValidateDocument(doc any) error
	// ValidateProcess checks a compiled process semantically.
	ValidateProcess(p *schema.Process) error
}

// LanguageLookup reports whether an expression language is available.
type LanguageLookup interface {
	Has(lang string) bool
}

// ExtensionLookup reports whether an extension activity or assign operation
// is registered.
type ExtensionLookup interface {
	HasExtension(name schema.QName) bool
}
