package deploy

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rendis/bpelrt/internal/validation"
	"github.com/rendis/bpelrt/pkg/schema"
	"gopkg.in/yaml.v3"
)

// Loader reads process documents, validates them and compiles them into
// process models.
type Loader struct {
	validator validation.Validator
	logger    *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithValidator runs v over every document and compiled process.
func WithValidator(v validation.Validator) Option {
	return func(l *Loader) { l.validator = v }
}

// WithLogger sets the logger for compile warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Parse decodes a process document. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid process document").WithCause(err)
	}
	return &doc, nil
}

// Load validates and compiles a process document.
func (l *Loader) Load(data []byte) (*schema.Process, error) {
	if l.validator != nil {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid process document").WithCause(err)
		}
		if err := l.validator.ValidateDocument(raw); err != nil {
			return nil, err
		}
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	proc, err := Compile(doc, l.logger)
	if err != nil {
		return nil, err
	}

	if l.validator != nil {
		if err := l.validator.ValidateProcess(proc); err != nil {
			return nil, err
		}
	}
	l.logger.Debug("process compiled",
		"process", proc.Name.String(),
		"activities", len(proc.Activities()),
		"scopes", len(proc.Scopes()),
	)
	return proc, nil
}

// File is a process document read from disk.
type File struct {
	Path    string
	Source  []byte
	Process *schema.Process
}

// LoadFile loads the process document at path.
func (l *Loader) LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read process %s: %w", path, err)
	}
	proc, err := l.Load(data)
	if err != nil {
		return nil, fmt.Errorf("load process %s: %w", path, err)
	}
	return &File{Path: path, Source: data, Process: proc}, nil
}

// LoadDir loads every .yaml and .yml document in dir, in name order. It
// stops at the first document that fails to load.
func (l *Loader) LoadDir(dir string) ([]*File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read process directory %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	files := make([]*File, 0, len(names))
	for _, name := range names {
		f, err := l.LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}
