package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gruntwork-io/wasmloom/internal/component"
	"github.com/gruntwork-io/wasmloom/internal/pipeline"
	"github.com/gruntwork-io/wasmloom/internal/wit"
)

type fakeLookup map[component.Fingerprint]*component.Descriptor

func (f fakeLookup) GetDescriptor(fp component.Fingerprint) (*component.Descriptor, bool) {
	d, ok := f[fp]
	return d, ok
}

func mustPrimitive(t *testing.T, name string) *wit.Type {
	t.Helper()
	ty, err := wit.Primitive(name)
	require.NoError(t, err)
	return ty
}

func acceptedDescriptor(t *testing.T, fp string, surface *wit.Surface) *component.Descriptor {
	t.Helper()
	return &component.Descriptor{
		Fingerprint: component.Fingerprint(fp),
		Surface:     surface,
		Limits:      &wit.ComponentLimits{MemoryMaxPages: 16},
		Verdict:     component.Verdict{Accepted: true},
	}
}

func TestBuildHappyPath(t *testing.T) {
	t.Parallel()

	u32 := mustPrimitive(t, "u32")
	producer := acceptedDescriptor(t, "fp-a", &wit.Surface{
		Exports: map[string]wit.Function{"out": {Results: []wit.Param{{Type: u32}}}},
	})
	consumer := acceptedDescriptor(t, "fp-b", &wit.Surface{
		Imports: map[string]wit.Function{
			"in":     {Params: []wit.Param{{Type: u32}}},
			"extra":  {Params: []wit.Param{{Type: u32}}},
		},
	})

	lookup := fakeLookup{"fp-a": producer, "fp-b": consumer}
	g := component.Graph{
		Nodes: []component.Node{
			{ID: "a", Fingerprint: "fp-a"},
			{ID: "b", Fingerprint: "fp-b", Config: map[string]interface{}{"extra": 7}},
		},
		Edges: []component.Edge{
			{ID: "e1", SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in"},
		},
	}

	plan, err := pipeline.Build(g, lookup, pipeline.Config{ProcessMemoryCapMB: 1024})

	require.NoError(t, err)
	require.Len(t, plan.Nodes, 2)
	assert.Equal(t, "a", plan.Nodes[0].ID) // a has no dependency, sorts/schedules first
	assert.Equal(t, "b", plan.Nodes[1].ID)
	assert.Equal(t, pipeline.InboundBinding{EdgeID: "e1"}, plan.Nodes[1].Inbound["in"])
	assert.Equal(t, int64(7), toInt64(plan.Nodes[1].Inbound["extra"].Literal))
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	default:
		return -1
	}
}

func TestBuildRejectsUnknownFingerprint(t *testing.T) {
	t.Parallel()

	g := component.Graph{Nodes: []component.Node{{ID: "a", Fingerprint: "missing"}}}

	_, err := pipeline.Build(g, fakeLookup{}, pipeline.Config{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown-fingerprint")
}

func TestBuildRejectsCycle(t *testing.T) {
	t.Parallel()

	u32 := mustPrimitive(t, "u32")
	surface := func() *wit.Surface {
		return &wit.Surface{
			Exports: map[string]wit.Function{"out": {Results: []wit.Param{{Type: u32}}}},
			Imports: map[string]wit.Function{"in": {Params: []wit.Param{{Type: u32}}}},
		}
	}

	lookup := fakeLookup{
		"fp-a": acceptedDescriptor(t, "fp-a", surface()),
		"fp-b": acceptedDescriptor(t, "fp-b", surface()),
	}
	g := component.Graph{
		Nodes: []component.Node{
			{ID: "a", Fingerprint: "fp-a"},
			{ID: "b", Fingerprint: "fp-b"},
		},
		Edges: []component.Edge{
			{ID: "e1", SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in"},
			{ID: "e2", SourceNode: "b", SourcePort: "out", TargetNode: "a", TargetPort: "in"},
		},
	}

	_, err := pipeline.Build(g, lookup, pipeline.Config{})

	require.Error(t, err)
	var cycle pipeline.DependencyCycle
	require.ErrorAs(t, err, &cycle)
	assert.GreaterOrEqual(t, len(cycle), 2)
}

func TestBuildAllowsLatchedFeedbackCycle(t *testing.T) {
	t.Parallel()

	u32 := mustPrimitive(t, "u32")
	surface := func() *wit.Surface {
		return &wit.Surface{
			Exports: map[string]wit.Function{"out": {Results: []wit.Param{{Type: u32}}}},
			Imports: map[string]wit.Function{"in": {Params: []wit.Param{{Type: u32}}}},
		}
	}

	lookup := fakeLookup{
		"fp-a": acceptedDescriptor(t, "fp-a", surface()),
		"fp-b": acceptedDescriptor(t, "fp-b", surface()),
	}
	g := component.Graph{
		Nodes: []component.Node{
			{ID: "a", Fingerprint: "fp-a"},
			{ID: "b", Fingerprint: "fp-b"},
		},
		Edges: []component.Edge{
			{ID: "e1", SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in"},
			{ID: "e2", SourceNode: "b", SourcePort: "out", TargetNode: "a", TargetPort: "in", Kind: component.EdgeLatched},
		},
	}

	plan, err := pipeline.Build(g, lookup, pipeline.Config{})

	require.NoError(t, err)
	require.Len(t, plan.Nodes, 2)
	assert.Equal(t, "a", plan.Nodes[0].ID)
	assert.Equal(t, "b", plan.Nodes[1].ID)
}

func TestBuildRejectsMistypedEdge(t *testing.T) {
	t.Parallel()

	u32 := mustPrimitive(t, "u32")
	str := mustPrimitive(t, "string")

	producer := acceptedDescriptor(t, "fp-a", &wit.Surface{
		Exports: map[string]wit.Function{"out": {Results: []wit.Param{{Type: str}}}},
	})
	consumer := acceptedDescriptor(t, "fp-b", &wit.Surface{
		Imports: map[string]wit.Function{"in": {Params: []wit.Param{{Type: u32}}}},
	})

	lookup := fakeLookup{"fp-a": producer, "fp-b": consumer}
	g := component.Graph{
		Nodes: []component.Node{{ID: "a", Fingerprint: "fp-a"}, {ID: "b", Fingerprint: "fp-b"}},
		Edges: []component.Edge{{ID: "e1", SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in"}},
	}

	_, err := pipeline.Build(g, lookup, pipeline.Config{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "edge-not-well-typed")
}

func TestBuildAggregatesEveryUncoveredImport(t *testing.T) {
	t.Parallel()

	u32 := mustPrimitive(t, "u32")
	consumer := acceptedDescriptor(t, "fp-c", &wit.Surface{
		Imports: map[string]wit.Function{
			"first":  {Params: []wit.Param{{Type: u32}}},
			"second": {Params: []wit.Param{{Type: u32}}},
		},
	})

	lookup := fakeLookup{"fp-c": consumer}
	g := component.Graph{Nodes: []component.Node{{ID: "c", Fingerprint: "fp-c"}}}

	_, err := pipeline.Build(g, lookup, pipeline.Config{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "second")
}

func TestBuildCoversImportViaHostCapabilityInterface(t *testing.T) {
	t.Parallel()

	u32 := mustPrimitive(t, "u32")
	consumer := acceptedDescriptor(t, "fp-d", &wit.Surface{
		Imports: map[string]wit.Function{"wasmloom:host/clock#now": {Results: []wit.Param{{Type: u32}}, Params: []wit.Param{{Type: u32}}}},
	})

	lookup := fakeLookup{"fp-d": consumer}
	g := component.Graph{Nodes: []component.Node{{ID: "d", Fingerprint: "fp-d"}}}

	plan, err := pipeline.Build(g, lookup, pipeline.Config{
		HostCapabilityInterfaces: map[string]bool{"wasmloom:host/clock": true},
	})

	require.NoError(t, err)
	require.Len(t, plan.Nodes, 1)
	assert.Equal(t, pipeline.InboundBinding{HostInterfaceID: "wasmloom:host/clock"}, plan.Nodes[0].Inbound["wasmloom:host/clock#now"])
}

func TestBuildRejectsProcessMemoryCapExceeded(t *testing.T) {
	t.Parallel()

	desc := acceptedDescriptor(t, "fp-a", &wit.Surface{})
	desc.Limits = &wit.ComponentLimits{MemoryMaxPages: 2000} // ~125MB

	lookup := fakeLookup{"fp-a": desc}
	g := component.Graph{Nodes: []component.Node{{ID: "a", Fingerprint: "fp-a"}}}

	_, err := pipeline.Build(g, lookup, pipeline.Config{ProcessMemoryCapMB: 64})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "process-memory-cap-exceeded")
}
