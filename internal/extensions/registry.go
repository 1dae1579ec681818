package extensions

import (
	"sort"
	"sync"

	"github.com/rendis/bpelrt/internal/validation"
	"github.com/rendis/bpelrt/pkg/schema"
)

// Registry holds the extensions offered to the engine.
type Registry struct {
	mu   sync.RWMutex
	exts map[schema.QName]Extension
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{exts: make(map[schema.QName]Extension)}
}

// NewDefaultRegistry returns a registry with every built-in extension.
func NewDefaultRegistry() (*Registry, error) {
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, ext := range append(CryptoExtensions(), AssertExtensions(v)...) {
		if err := r.Register(ext); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an extension. Returns error on duplicate name.
func (r *Registry) Register(ext Extension) error {
	if ext == nil {
		return schema.NewError(schema.ErrCodeValidation, "extension is nil")
	}
	if ext.Name() == "" {
		return schema.NewError(schema.ErrCodeValidation, "extension name is empty")
	}
	name := QName(ext)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.exts[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "extension %s already registered", name)
	}
	r.exts[name] = ext
	return nil
}

// Get returns the extension registered under name.
func (r *Registry) Get(name schema.QName) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.exts[name]
	return ext, ok
}

// HasExtension reports whether name is registered.
func (r *Registry) HasExtension(name schema.QName) bool {
	_, ok := r.Get(name)
	return ok
}

// All returns the registered extensions sorted by name.
func (r *Registry) All() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Extension, 0, len(r.exts))
	for _, ext := range r.exts {
		out = append(out, ext)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// List returns info for all registered extensions, sorted by name.
func (r *Registry) List() []Info {
	all := r.All()
	infos := make([]Info, len(all))
	for i, ext := range all {
		infos[i] = Info{Name: QName(ext), Description: ext.Description()}
	}
	return infos
}
