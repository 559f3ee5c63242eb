// Package execution implements the Execution Engine (C5, §4.5): the
// per-instance resource discipline, the invocation protocol, fault
// isolation and quarantine, latched-edge feedback, and the per-plan state
// machine.
//
// Port values cross the sandbox boundary as raw core-Wasm numeric values
// (uint64, reinterpreted per the exported function's declared arity). The
// retrieval pack has no Go implementation of the WIT canonical ABI's
// value-lifting rules (lists, records, variants marshaled through linear
// memory) — same gap internal/wit's analyzer works around with its own
// custom type section. C2/C4 perform full structural WIT type checking
// statically; C5 moves the already-validated values across ports at the
// raw numeric level. See DESIGN.md.
package execution

import (
	"context"
	"time"

	"github.com/gruntwork-io/wasmloom/internal/sandbox"
	"github.com/gruntwork-io/wasmloom/internal/telemetry"
)

const quarantineThreshold = 3

// nodeState tracks one plan node's live sandbox instance and fault history
// (§4.5 "a faulted instance is torn down and re-instantiated at the next
// cycle... three consecutive faults put the instance into quarantined
// state").
type nodeState struct {
	nodeID       string
	entryPoint   string
	compiled     *sandbox.Compiled
	instance     *sandbox.Instance
	budget       sandbox.Budget
	consecutive  int
	quarantined  bool
}

func newNodeState(nodeID, entryPoint string, compiled *sandbox.Compiled, budget sandbox.Budget) *nodeState {
	return &nodeState{nodeID: nodeID, entryPoint: entryPoint, compiled: compiled, budget: budget}
}

// ensureInstance (re)instantiates the node if it has no live instance,
// giving it a fresh memory image (§4.5).
func (ns *nodeState) ensureInstance(ctx context.Context, rt *sandbox.Runtime) error {
	if ns.instance != nil {
		return nil
	}
	inst, err := rt.Instantiate(ctx, ns.compiled, ns.nodeID, ns.budget)
	if err != nil {
		return err
	}
	ns.instance = inst
	return nil
}

// invoke runs one cycle's call to the node's entry point under the
// resource discipline of §4.5, classifying the outcome.
func (ns *nodeState) invoke(ctx context.Context, rt *sandbox.Runtime, args []uint64) ([]uint64, *sandbox.Fault) {
	if err := ns.ensureInstance(ctx, rt); err != nil {
		if f, ok := err.(*sandbox.Fault); ok {
			return nil, f
		}
		return nil, &sandbox.Fault{Kind: sandbox.FaultTrap, Err: err}
	}

	ns.instance.ResetCycle(ns.budget)

	results, err := ns.instance.Invoke(ctx, ns.entryPoint, args...)
	if err != nil {
		fault, _ := err.(*sandbox.Fault)
		if fault == nil {
			fault = &sandbox.Fault{Kind: sandbox.FaultTrap, Err: err}
		}
		ns.onFault(ctx)
		return nil, fault
	}

	if ns.instance.MemoryExceeds(ns.budget.MemoryCapMB) {
		ns.onFault(ctx)
		return nil, &sandbox.Fault{Kind: sandbox.FaultOutOfMemory}
	}

	ns.consecutive = 0
	return results, nil
}

// onFault tears the instance down so the next cycle gets a fresh memory
// image, and tracks consecutive faults toward quarantine (§4.5).
func (ns *nodeState) onFault(ctx context.Context) {
	if ns.instance != nil {
		_ = ns.instance.Close(ctx)
		ns.instance = nil
	}
	ns.consecutive++
	if ns.consecutive >= quarantineThreshold {
		ns.quarantined = true
	}
}

// rebuild clears quarantine on an existing node state (§4.5 "C5 skips it
// until the plan is rebuilt"). BuildPlan does not call it: a rebuilt plan
// gets fresh node states, which start unquarantined.
func (ns *nodeState) rebuild() {
	ns.quarantined = false
	ns.consecutive = 0
}

func nowSnapshot(d time.Duration, memMB int) telemetry.NodeSnapshot {
	return telemetry.NodeSnapshot{Duration: d, MemoryHighMB: memMB}
}
