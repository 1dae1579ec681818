package deploy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bpelrt/internal/validation"
	"github.com/rendis/bpelrt/pkg/schema"
)

type recordingValidator struct {
	docs  int
	procs []*schema.Process
	err   error
}

func (v *recordingValidator) ValidateDocument(any) error {
	v.docs++
	return v.err
}

func (v *recordingValidator) ValidateProcess(p *schema.Process) error {
	v.procs = append(v.procs, p)
	return nil
}

func TestLoader_LoadFile(t *testing.T) {
	f, err := NewLoader().LoadFile(filepath.Join("testdata", "procs", "echo.yml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "procs", "echo.yml"), f.Path)
	assert.Contains(t, string(f.Source), "createInstance: true")
	assert.Equal(t, schema.QName{Space: "urn:echo", Local: "echo"}, f.Process.Name)
}

func TestLoader_LoadFileMissing(t *testing.T) {
	_, err := NewLoader().LoadFile(filepath.Join("testdata", "nope.yaml"))
	assert.ErrorContains(t, err, "read process")
}

func TestLoader_LoadDir(t *testing.T) {
	files, err := NewLoader().LoadDir(filepath.Join("testdata", "procs"))
	require.NoError(t, err)
	require.Len(t, files, 2, "only yaml documents are loaded")
	assert.Equal(t, "counter", files[0].Process.Name.Local)
	assert.Equal(t, "echo", files[1].Process.Name.Local)
}

func TestLoader_LoadDirStopsAtFirstError(t *testing.T) {
	_, err := NewLoader().LoadDir(filepath.Join("testdata", "broken"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown.yaml")
	assert.Contains(t, err.Error(), `variable "missing" is not visible here`)
}

func TestLoader_Validator(t *testing.T) {
	v := &recordingValidator{}
	l := NewLoader(WithValidator(v))

	f, err := l.LoadFile(filepath.Join("testdata", "procs", "counter.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1, v.docs)
	require.Len(t, v.procs, 1)
	assert.Same(t, f.Process, v.procs[0])

	v.err = schema.NewError(schema.ErrCodeValidation, "rejected")
	_, err = l.LoadFile(filepath.Join("testdata", "procs", "counter.yaml"))
	assert.ErrorContains(t, err, "rejected")
	assert.Len(t, v.procs, 1, "compile is skipped when the document is rejected")
}

func TestLoader_ProcessValidator(t *testing.T) {
	pv, err := validation.NewProcessValidator(nil, nil)
	require.NoError(t, err)

	_, err = NewLoader(WithValidator(pv)).Load([]byte("name: x\nactivity:\n  dance: {}\n"))
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("name: x\ncolour: red\nactivity: {empty: {}}\n"))
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
}
