package wit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeSpec(t *testing.T, spec sectionSpec) []byte {
	t.Helper()
	payload, err := json.Marshal(spec)
	require.NoError(t, err)

	var buf []byte
	buf = append(buf, wasmMagic...)
	buf = append(buf, 0x01, 0x00, 0x00, 0x00)
	buf = append(buf, EncodeSection(componentTypeSection, payload)...)
	return buf
}

func TestAnalyzeRoundTripsImportsAndExports(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer(nil, NewInterner())
	data := encodeSpec(t, sectionSpec{
		Imports: []funcSpec{
			{ID: "wasmloom:host/clock#now", Results: []paramSpec{{Name: "t", Type: &typeSpec{Kind: "primitive", Name: "u64"}}}},
		},
		Exports: []funcSpec{
			{ID: "wasmloom:demo/core#tick", Params: []paramSpec{{Name: "in", Type: &typeSpec{Kind: "primitive", Name: "u32"}}}},
		},
		Memory:     memorySpec{InitialPages: 2, MaxPages: 8},
		Tables:     1,
		Globals:    2,
		EntryPoint: "tick",
	})

	surface, limits, err := a.Analyze(data)
	require.NoError(t, err)

	fn, ok := surface.LookupImport("wasmloom:host/clock#now")
	require.True(t, ok)
	assert.Equal(t, "now", fn.ID.Member)

	exportFn, ok := surface.Exports["wasmloom:demo/core#tick"]
	require.True(t, ok)
	require.Len(t, exportFn.Params, 1)
	assert.Equal(t, "u32", exportFn.Params[0].Type.Name)

	assert.Equal(t, 2, limits.MemoryInitialPages)
	assert.Equal(t, 8, limits.MemoryMaxPages)
	assert.Equal(t, 1, limits.Tables)
	assert.Equal(t, 2, limits.Globals)
	assert.Equal(t, "tick", limits.EntryPoint)
}

func TestAnalyzeRejectsBadMagic(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer(nil, NewInterner())
	_, _, err := a.Analyze([]byte("not a component"))

	require.Error(t, err)
	var malformed *ErrMalformedType
	require.ErrorAs(t, err, &malformed)
}

func TestAnalyzeRejectsMissingCustomSection(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer(nil, NewInterner())
	data := append(append([]byte{}, wasmMagic...), 0x01, 0x00, 0x00, 0x00)

	_, _, err := a.Analyze(data)

	require.Error(t, err)
	var malformed *ErrMalformedType
	require.ErrorAs(t, err, &malformed)
}

func TestAnalyzeDetectsCyclicNamedType(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer(nil, NewInterner())
	data := encodeSpec(t, sectionSpec{
		Types: map[string]*typeSpec{
			"node": {Kind: "record", Name: "node", Fields: map[string]*typeSpec{
				"next": {Kind: "ref", Ref: "node"},
			}},
		},
	})

	_, _, err := a.Analyze(data)

	require.Error(t, err)
	var cyc *ErrCyclicType
	require.ErrorAs(t, err, &cyc)
}

func TestAnalyzeRejectsUnknownExternalPackageReference(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer(map[string]bool{"wasmloom:known/iface": true}, NewInterner())
	data := encodeSpec(t, sectionSpec{
		Types: map[string]*typeSpec{
			"foreign": {Kind: "ref_external", RefExtern: "wasmloom:unknown/iface"},
		},
	})

	_, _, err := a.Analyze(data)

	require.Error(t, err)
	var unknown *ErrUnknownPackage
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "wasmloom:unknown/iface", unknown.Package)
}

func TestAnalyzeAcceptsKnownExternalPackageReference(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer(map[string]bool{"wasmloom:known/iface": true}, NewInterner())
	data := encodeSpec(t, sectionSpec{
		Types: map[string]*typeSpec{
			"known": {Kind: "ref_external", RefExtern: "wasmloom:known/iface"},
		},
	})

	_, _, err := a.Analyze(data)
	require.NoError(t, err)
}

func TestAnalyzeSharesCanonicalTypesAcrossComponents(t *testing.T) {
	t.Parallel()

	interner := NewInterner()
	a := NewAnalyzer(nil, interner)

	spec := sectionSpec{
		Exports: []funcSpec{
			{ID: "wasmloom:demo/a#out", Results: []paramSpec{{Name: "v", Type: &typeSpec{Kind: "primitive", Name: "u32"}}}},
		},
	}
	d1 := encodeSpec(t, spec)
	d2 := encodeSpec(t, spec)

	s1, _, err := a.Analyze(d1)
	require.NoError(t, err)
	s2, _, err := a.Analyze(d2)
	require.NoError(t, err)

	fn1 := s1.Exports["wasmloom:demo/a#out"]
	fn2 := s2.Exports["wasmloom:demo/a#out"]
	assert.Same(t, fn1.Results[0].Type, fn2.Results[0].Type)
}
