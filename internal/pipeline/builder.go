// Package pipeline implements the Pipeline Builder (C4, §4.4): it takes a
// user-submitted component.Graph plus a registry lookup, runs the six
// ordered validation steps (first failure short-circuits between steps;
// rule 4's import-coverage check aggregates every broken binding within
// itself via internal/errors.Violations), and on success freezes the
// graph into an immutable, topologically ordered Execution Plan.
//
// The cycle-detection and dependency-ordering core is grounded on the
// teacher's configstack package (configstack/graph_test.go's
// CheckForCycles/DependencyCycle contract) and internal/queue
// (queue_test.go's "dependency level, ties broken alphabetically"
// ordering) — both represented in the retrieval pack only by their test
// files, which is enough to reconstruct the same externally observable
// contract: a plain recursive DFS for cycle detection, and a stable sort
// by (dependency depth, node id) for the topological order.
package pipeline

import (
	"fmt"
	"sort"

	"github.com/gruntwork-io/wasmloom/internal/component"
	wasmerrors "github.com/gruntwork-io/wasmloom/internal/errors"
	"github.com/gruntwork-io/wasmloom/internal/wit"
)

// DescriptorLookup is the slice of the Component Registry (C1) the builder
// depends on; kept as an interface so this package never imports
// internal/registry.
type DescriptorLookup interface {
	GetDescriptor(fp component.Fingerprint) (*component.Descriptor, bool)
}

// InboundBinding is how one import port of a plan node is satisfied: an
// incoming edge, a literal configuration value, or a live host-capability
// provider's interface id (§4.4 rule 4, §4.3 "project-specific data
// interfaces").
type InboundBinding struct {
	EdgeID          string
	HasLiteral      bool
	Literal         interface{}
	HostInterfaceID string
}

// PlanNode is one frozen node in an Execution Plan, in topological order.
type PlanNode struct {
	ID            string
	Fingerprint   component.Fingerprint
	Descriptor    *component.Descriptor
	Budget        component.ResourceBudget
	Inbound       map[string]InboundBinding // import port id -> binding
	OutboundEdges []component.Edge          // edges sourced from this node, in declaration order
}

// Plan is the immutable Execution Plan C4 emits on success (§4.4: "Plans
// are value types — no hidden reference back to the user's original
// graph — so they can be reused across cycles").
type Plan struct {
	Nodes []PlanNode
	Edges []component.Edge
}

// Config carries rule 6's process memory ceiling plus the set of import
// interface ids that a live host-capability provider covers (§4.4 rule 4,
// §4.3), so those ports need neither an edge nor a literal.
type Config struct {
	ProcessMemoryCapMB       int
	HostCapabilityInterfaces map[string]bool
}

// Build runs the six ordered validation steps of §4.4 against g and, on
// success, returns the frozen Execution Plan.
func Build(g component.Graph, lookup DescriptorLookup, cfg Config) (*Plan, error) {
	nodesByID := make(map[string]component.Node, len(g.Nodes))
	descByID := make(map[string]*component.Descriptor, len(g.Nodes))
	for _, n := range g.Nodes {
		nodesByID[n.ID] = n
	}

	// Step 1: every node's fingerprint resolves to an accepted descriptor.
	for _, n := range g.Nodes {
		desc, ok := lookup.GetDescriptor(n.Fingerprint)
		if !ok {
			return nil, wasmerrors.NewGraphValidationError("unknown-fingerprint", n.ID, "", string(n.Fingerprint))
		}
		if !desc.Verdict.Accepted {
			return nil, wasmerrors.NewGraphValidationError("fingerprint-not-accepted", n.ID, "", string(n.Fingerprint))
		}
		descByID[n.ID] = desc
	}

	// Step 2: edge endpoints exist and have the expected direction.
	for _, e := range g.Edges {
		srcDesc, ok := descByID[e.SourceNode]
		if !ok {
			return nil, wasmerrors.NewGraphValidationError("unknown-source-node", "", e.ID, e.SourceNode)
		}
		srcFn, ok := srcDesc.Surface.LookupExport(e.SourcePort)
		if !ok {
			return nil, wasmerrors.NewGraphValidationError("source-port-not-an-export", "", e.ID, e.SourcePort)
		}

		tgtDesc, ok := descByID[e.TargetNode]
		if !ok {
			return nil, wasmerrors.NewGraphValidationError("unknown-target-node", "", e.ID, e.TargetNode)
		}
		tgtFn, ok := tgtDesc.Surface.LookupImport(e.TargetPort)
		if !ok {
			return nil, wasmerrors.NewGraphValidationError("target-port-not-an-import", "", e.ID, e.TargetPort)
		}

		// Step 3: the edge is well-typed (§3 assignability).
		if !edgeWellTyped(srcFn, tgtFn) {
			return nil, wasmerrors.NewGraphValidationError("edge-not-well-typed", "", e.ID,
				fmt.Sprintf("%s not assignable to %s", e.SourcePort, e.TargetPort))
		}
	}

	// Step 4: every import of every node is covered by exactly one
	// incoming edge or a literal configuration value of matching type.
	inbound, err := resolveInbound(g, nodesByID, descByID, cfg.HostCapabilityInterfaces)
	if err != nil {
		return nil, err
	}

	// Step 5: the non-latched edge subgraph is acyclic.
	order, err := topologicalOrder(g)
	if err != nil {
		return nil, err
	}

	// Step 6: sum of declared memory limits within the process cap.
	var totalMB int
	for _, n := range g.Nodes {
		desc := descByID[n.ID]
		if desc.Limits != nil {
			totalMB += (desc.Limits.MemoryMaxPages * 65536) / (1024 * 1024)
		}
	}
	if cfg.ProcessMemoryCapMB > 0 && totalMB > cfg.ProcessMemoryCapMB {
		return nil, wasmerrors.NewGraphValidationError("process-memory-cap-exceeded", "", "",
			fmt.Sprintf("%dMB > %dMB", totalMB, cfg.ProcessMemoryCapMB))
	}

	outbound := make(map[string][]component.Edge)
	for _, e := range g.Edges {
		outbound[e.SourceNode] = append(outbound[e.SourceNode], e)
	}

	plan := &Plan{Edges: append([]component.Edge(nil), g.Edges...)}
	for _, id := range order {
		n := nodesByID[id]
		budget := component.ResourceBudget{}
		if n.ResourceOverrides != nil {
			budget = *n.ResourceOverrides
		}
		plan.Nodes = append(plan.Nodes, PlanNode{
			ID:            n.ID,
			Fingerprint:   n.Fingerprint,
			Descriptor:    descByID[n.ID],
			Budget:        budget,
			Inbound:       inbound[n.ID],
			OutboundEdges: outbound[n.ID],
		})
	}
	return plan, nil
}

func edgeWellTyped(src, tgt wit.Function) bool {
	if len(src.Results) != 1 || len(tgt.Params) != 1 {
		return false
	}
	return src.Results[0].Type.IsAssignableTo(tgt.Params[0].Type)
}

// resolveInbound covers every import port of every node in one pass,
// aggregating every broken binding via internal/errors.Violations rather
// than stopping at the first: a caller fixing up a rejected graph wants
// the complete list of uncovered or mistyped imports at once, the same
// totality the Security Scanner already gives callers for rule violations
// (§4.3). This aggregation happens within rule 4 only — it does not
// change the six-step "first failure short-circuits" contract between
// distinct validation rules.
func resolveInbound(g component.Graph, nodesByID map[string]component.Node, descByID map[string]*component.Descriptor, hostInterfaces map[string]bool) (map[string]map[string]InboundBinding, error) {
	incomingByTarget := map[string]map[string]string{} // node -> import port -> edge id
	violations := wasmerrors.NewViolations()

	for _, e := range g.Edges {
		if incomingByTarget[e.TargetNode] == nil {
			incomingByTarget[e.TargetNode] = map[string]string{}
		}
		if existing, ok := incomingByTarget[e.TargetNode][e.TargetPort]; ok {
			violations.Add(wasmerrors.NewGraphValidationError("import-multiply-bound", e.TargetNode, e.ID,
				fmt.Sprintf("port %s already bound by edge %s", e.TargetPort, existing)))
			continue
		}
		incomingByTarget[e.TargetNode][e.TargetPort] = e.ID
	}

	result := make(map[string]map[string]InboundBinding, len(g.Nodes))
	for _, n := range g.Nodes {
		desc := descByID[n.ID]
		bindings := map[string]InboundBinding{}
		for portID, fn := range desc.Surface.Imports {
			if edgeID, ok := incomingByTarget[n.ID][portID]; ok {
				bindings[portID] = InboundBinding{EdgeID: edgeID}
				continue
			}
			if base, err := wit.ParseQualifiedID(portID); err == nil && hostInterfaces[base.Base()] {
				bindings[portID] = InboundBinding{HostInterfaceID: base.Base()}
				continue
			}
			literal, ok := n.Config[portID]
			if !ok {
				violations.Add(wasmerrors.NewGraphValidationError("import-not-covered", n.ID, "", portID))
				continue
			}
			if len(fn.Params) != 1 || !literalMatchesType(literal, fn.Params[0].Type) {
				violations.Add(wasmerrors.NewGraphValidationError("import-literal-type-mismatch", n.ID, "", portID))
				continue
			}
			bindings[portID] = InboundBinding{HasLiteral: true, Literal: literal}
		}
		result[n.ID] = bindings
	}

	if err := violations.ErrorOrNil(); err != nil {
		return nil, err
	}
	return result, nil
}

// literalMatchesType checks a node-configuration literal value against a
// WIT import's expected type at the Go-value level (§4.4 rule 4). It
// covers the primitive and string cases; composite literal binding is left
// to the host-capability surface (B.2) rather than the pipeline builder.
func literalMatchesType(v interface{}, t *wit.Type) bool {
	switch t.Kind {
	case wit.KindPrimitive:
		switch t.Name {
		case "bool":
			_, ok := v.(bool)
			return ok
		case "string", "char":
			_, ok := v.(string)
			return ok
		default:
			switch v.(type) {
			case int, int64, uint64, float64:
				return true
			default:
				return false
			}
		}
	default:
		return true // structural literals validated at invocation time
	}
}

// topologicalOrder computes §4.4 rule 5 and the ordering contract of §4.4's
// closing paragraph: a topological sort over the non-latched edge subgraph,
// ties broken lexicographically by node id.
func topologicalOrder(g component.Graph) ([]string, error) {
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)

	deps := make(map[string]map[string]bool, len(ids)) // node -> set of nodes it depends on
	for _, id := range ids {
		deps[id] = map[string]bool{}
	}
	for _, e := range g.Edges {
		if e.Kind == component.EdgeLatched {
			continue // latched edges read the previous cycle's value, never part of the acyclic check
		}
		deps[e.TargetNode][e.SourceNode] = true
	}

	if cycle := findCycle(ids, deps); cycle != nil {
		return nil, cycle
	}

	var order []string
	placed := map[string]bool{}
	for len(order) < len(ids) {
		progressed := false
		for _, id := range ids { // lexicographic scan each round: stable tie-break
			if placed[id] {
				continue
			}
			ready := true
			for dep := range deps[id] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, id)
				placed[id] = true
				progressed = true
			}
		}
		if !progressed {
			// Should be unreachable: findCycle already proved acyclicity.
			return nil, DependencyCycle(ids)
		}
	}
	return order, nil
}

// findCycle runs a plain recursive DFS for a cycle, the same approach the
// teacher's configstack.CheckForCycles takes (configstack/graph_test.go),
// and returns it as an ordered, first-and-last-repeated path.
func findCycle(ids []string, deps map[string]map[string]bool) DependencyCycle {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ids))
	var stack []string

	var visit func(id string) DependencyCycle
	visit = func(id string) DependencyCycle {
		color[id] = gray
		stack = append(stack, id)
		for dep := range deps[id] {
			switch color[dep] {
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			case gray:
				cyc := DependencyCycle{dep}
				for i := len(stack) - 1; i >= 0; i-- {
					cyc = append(cyc, stack[i])
					if stack[i] == dep {
						break
					}
				}
				return cyc
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}
