package registry_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gruntwork-io/wasmloom/internal/registry"
	"github.com/gruntwork-io/wasmloom/internal/security"
	"github.com/gruntwork-io/wasmloom/internal/wit"
)

// These mirror the unexported sectionSpec/funcSpec/paramSpec/typeSpec JSON
// shapes in internal/wit/analyzer.go: this package can't import them
// directly, so it reproduces the wire shape by tag, the same contract the
// analyzer reads when internal/registry analyzes a component.
type testTypeSpec struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
}

type testParamSpec struct {
	Name string        `json:"name"`
	Type *testTypeSpec `json:"type"`
}

type testFuncSpec struct {
	ID      string          `json:"id"`
	Params  []testParamSpec `json:"params"`
	Results []testParamSpec `json:"results"`
}

type testMemorySpec struct {
	InitialPages int `json:"initial_pages"`
	MaxPages     int `json:"max_pages"`
}

type testSectionSpec struct {
	Types      map[string]*testTypeSpec `json:"types"`
	Imports    []testFuncSpec           `json:"imports"`
	Exports    []testFuncSpec           `json:"exports"`
	Start      bool                     `json:"start"`
	Memory     testMemorySpec           `json:"memory"`
	Tables     int                      `json:"tables"`
	Globals    int                      `json:"globals"`
	EntryPoint string                   `json:"entry_point"`
}

// buildComponent assembles a minimal wasm-magic-prefixed byte sequence
// carrying a component-type:wasmloom-v1 custom section, using the package's
// own exported wit.EncodeSection so the fixture is built exactly the way
// internal/registry's real scanPath -> Analyzer.Analyze path expects it.
func buildComponent(t *testing.T, spec testSectionSpec) []byte {
	t.Helper()
	payload, err := json.Marshal(spec)
	require.NoError(t, err)

	var buf []byte
	buf = append(buf, 0x00, 0x61, 0x73, 0x6d) // magic
	buf = append(buf, 0x01, 0x00, 0x00, 0x00) // version, matching the real binary framing
	buf = append(buf, wit.EncodeSection("component-type:wasmloom-v1", payload)...)
	return buf
}

func u32() *testTypeSpec { return &testTypeSpec{Kind: "primitive", Name: "u32"} }

func wellFormedSpec() testSectionSpec {
	return testSectionSpec{
		Exports: []testFuncSpec{
			{ID: "wasmloom:demo/core#tick", Results: []testParamSpec{{Name: "out", Type: u32()}}},
		},
		Memory:     testMemorySpec{InitialPages: 4, MaxPages: 16},
		EntryPoint: "tick",
	}
}

func newRegistry(t *testing.T, root string) *registry.Registry {
	t.Helper()
	scanner := security.New(security.Config{
		ComponentMemoryCapMB: 64,
		ProcessMemoryCapMB:   256,
		MaxTables:            8,
		MaxGlobals:           32,
		MaxComponentBytes:    1 << 20,
	})
	return registry.New(registry.Config{
		Roots:    []string{root},
		Analyzer: wit.NewAnalyzer(nil, wit.NewInterner()),
		Scanner:  scanner,
	})
}

func TestFingerprintIsStableAndContentAddressed(t *testing.T) {
	t.Parallel()

	a := buildComponent(t, wellFormedSpec())
	b := buildComponent(t, wellFormedSpec())
	other := buildComponent(t, testSectionSpec{EntryPoint: "different"})

	assert.Equal(t, registry.Fingerprint(a), registry.Fingerprint(b))
	assert.NotEqual(t, registry.Fingerprint(a), registry.Fingerprint(other))
}

func TestRescanAcceptsWellFormedComponent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := buildComponent(t, wellFormedSpec())
	path := filepath.Join(dir, "demo.wasm")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r := newRegistry(t, dir)
	require.NoError(t, r.Rescan())

	descs := r.ListDescriptors()
	require.Len(t, descs, 1)
	assert.True(t, descs[0].Verdict.Accepted)
	assert.Equal(t, registry.Fingerprint(data), descs[0].Fingerprint)
	assert.Equal(t, []string{path}, descs[0].Paths)

	got, ok := r.GetDescriptor(registry.Fingerprint(data))
	require.True(t, ok)
	assert.Same(t, descs[0], got)
}

func TestRescanRejectsFilesWithoutWasmMagic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello world"), 0o644))

	r := newRegistry(t, dir)
	require.NoError(t, r.Rescan())

	assert.Empty(t, r.ListDescriptors())
}

func TestRescanRecordsRejectionReasonForOversizedComponent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := buildComponent(t, testSectionSpec{
		Memory: testMemorySpec{InitialPages: 99999, MaxPages: 99999},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.wasm"), data, 0o644))

	r := newRegistry(t, dir)
	require.NoError(t, r.Rescan())

	descs := r.ListDescriptors()
	require.Len(t, descs, 1)
	assert.False(t, descs[0].Verdict.Accepted)
	assert.NotEmpty(t, descs[0].Verdict.Reasons)
}

func TestRescanReconcilesDeletedPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := buildComponent(t, wellFormedSpec())
	path := filepath.Join(dir, "demo.wasm")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r := newRegistry(t, dir)
	require.NoError(t, r.Rescan())
	require.Len(t, r.ListDescriptors(), 1)

	require.NoError(t, os.Remove(path))
	require.NoError(t, r.Rescan())

	assert.Empty(t, r.ListDescriptors())
	_, ok := r.GetDescriptor(registry.Fingerprint(data))
	assert.False(t, ok)
}

func TestSubscribeReceivesAddedEvent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := buildComponent(t, wellFormedSpec())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.wasm"), data, 0o644))

	r := newRegistry(t, dir)

	events := make(chan registry.Event, 4)
	r.Subscribe(func(ev registry.Event) { events <- ev })
	require.NoError(t, r.Rescan())

	select {
	case ev := <-events:
		assert.Equal(t, registry.EventAdded, ev.Kind)
		assert.Equal(t, registry.Fingerprint(data), ev.Fingerprint)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registry event")
	}
}
