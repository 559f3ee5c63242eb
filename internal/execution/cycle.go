package execution

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/gruntwork-io/wasmloom/internal/component"
	"github.com/gruntwork-io/wasmloom/internal/obs"
	"github.com/gruntwork-io/wasmloom/internal/pipeline"
	"github.com/gruntwork-io/wasmloom/internal/telemetry"
)

// runCycle executes one pass through the plan, node by node in plan order
// (§4.5, §5: "within a plan, node invocations happen in plan order").
func (e *Engine) runCycle(ctx context.Context, rp *runningPlan) {
	rp.mu.Lock()
	cycle := rp.cycle
	rp.cycle++
	rp.mu.Unlock()

	e.bus.Publish(telemetry.Event{Kind: telemetry.EventCycleStarted, PlanID: rp.id, Cycle: cycle, Timestamp: time.Now()})

	durations := map[string]time.Duration{}
	memHighMB := map[string]int{}
	nextLatched := map[string]uint64{}

	for _, pn := range rp.built.Nodes {
		if rp.stop.Stopped() {
			break
		}

		ns := rp.nodes[pn.ID]
		if ns.quarantined {
			continue // §4.5: skipped, no new fault event
		}

		args, underflowPorts := e.resolveInbound(ctx, rp, pn.ID)
		if len(underflowPorts) > 0 {
			e.bus.Publish(telemetry.Event{
				Kind: telemetry.EventNodeFaulted, PlanID: rp.id, Cycle: cycle, Timestamp: time.Now(),
				Payload: telemetry.NodeFaultedPayload{NodeID: pn.ID, Kind: "port-underflow"},
			})
			continue // required port had no value and no default; skip this node's invocation
		}

		start := time.Now()
		wasQuarantinedBefore := ns.quarantined
		results, fault := ns.invoke(ctx, e.rt, args)
		durations[pn.ID] = time.Since(start)
		if ns.instance != nil {
			memHighMB[pn.ID] = ns.instance.MemoryUsedMB()
		}

		if fault != nil {
			rp.mu.Lock()
			rp.aggregateFaults++
			rp.mu.Unlock()

			e.bus.Publish(telemetry.Event{
				Kind: telemetry.EventNodeFaulted, PlanID: rp.id, Cycle: cycle, Timestamp: time.Now(),
				Payload: telemetry.NodeFaultedPayload{NodeID: pn.ID, Kind: string(fault.Kind)},
			})
			obs.RecordNodeFault(ctx, rp.id, string(fault.Kind))
			if !wasQuarantinedBefore && ns.quarantined {
				e.bus.Publish(telemetry.Event{
					Kind: telemetry.EventInstanceQuarantined, PlanID: rp.id, Cycle: cycle, Timestamp: time.Now(),
					Payload: telemetry.InstanceQuarantinedPayload{NodeID: pn.ID},
				})
			}
			continue // §8 property 6: isolation — downstream still runs with whatever arrived
		}

		e.distributeResults(rp, pn.ID, pn.OutboundEdges, results, nextLatched, cycle)
	}

	rp.mu.Lock()
	for id, v := range nextLatched {
		rp.latched[id] = v
	}
	rp.mu.Unlock()

	e.bus.UpdateSnapshot(rp.id, telemetry.PlanSnapshot{
		Cycle: cycle,
		Nodes: buildNodeSnapshots(durations, memHighMB),
	})
	e.bus.Publish(telemetry.Event{
		Kind: telemetry.EventCycleCompleted, PlanID: rp.id, Cycle: cycle, Timestamp: time.Now(),
		Payload: telemetry.CycleCompletedPayload{NodeDurations: durations},
	})
	obs.RecordCycleCompleted(ctx, rp.id)
}

func buildNodeSnapshots(durations map[string]time.Duration, memHighMB map[string]int) map[string]telemetry.NodeSnapshot {
	out := make(map[string]telemetry.NodeSnapshot, len(durations))
	for id, d := range durations {
		out[id] = telemetry.NodeSnapshot{Duration: d, MemoryHighMB: memHighMB[id]}
	}
	return out
}

// resolveInbound gathers one cycle's positional arguments for a node's
// entry point in sorted-port-id order (one per scalar import port; a list
// port contributes every value it drained), draining
// buffers, consulting latched values, and falling back to default
// literals (§4.5 invocation protocol). Ports with neither a queued value
// nor a default are returned in underflow.
func (e *Engine) resolveInbound(ctx context.Context, rp *runningPlan, nodeID string) (args []uint64, underflow []string) {
	var portIDs []string
	for portID := range rp.inbound[nodeID] {
		portIDs = append(portIDs, portID)
	}
	sort.Strings(portIDs)

	planNode := planNodeByID(rp, nodeID)

	for _, portID := range portIDs {
		binding := planNode.Inbound[portID]
		buf := rp.inbound[nodeID][portID]

		if binding.HostInterfaceID != "" {
			v, ok := e.invokeHostCapability(ctx, rp, nodeID, binding.HostInterfaceID, args)
			if ok {
				args = append(args, v)
				continue
			}
			underflow = append(underflow, portID)
			continue
		}

		if binding.EdgeID != "" {
			if edge, ok := rp.edgeByID[binding.EdgeID]; ok && edge.Kind == component.EdgeLatched {
				rp.mu.Lock()
				v, has := rp.latched[edge.ID]
				rp.mu.Unlock()
				if has {
					args = append(args, v)
					continue
				}
				// cycle 0: fall through to default literal / underflow
			} else {
				var v uint64
				var ok bool
				if buf.isList {
					vals := buf.drainAll()
					if len(vals) > 0 {
						args = append(args, vals...)
						continue
					}
				} else {
					v, ok = buf.drainSingle()
					if ok {
						args = append(args, v)
						continue
					}
				}
			}
		}

		if binding.HasLiteral {
			args = append(args, literalToUint64(binding.Literal))
			continue
		}
		underflow = append(underflow, portID)
	}
	return args, underflow
}

// invokeHostCapability resolves one import port bound to a host-capability
// interface (§4.3) by calling its registered provider with the arguments
// already gathered for this invocation, charging the transferred bytes
// against the node's per-cycle I/O budget (§4.5) the same way an in-process
// host module would. ok is false when no provider is registered or the
// call fails, leaving the port in underflow.
func (e *Engine) invokeHostCapability(ctx context.Context, rp *runningPlan, nodeID, interfaceID string, argsSoFar []uint64) (uint64, bool) {
	provider, ok := e.hostProviders.Lookup(interfaceID)
	if !ok {
		return 0, false
	}

	ns := rp.nodes[nodeID]
	if err := ns.ensureInstance(ctx, e.rt); err != nil {
		return 0, false
	}

	results, err := provider.Invoke(argsSoFar)
	if err != nil || len(results) == 0 {
		return 0, false
	}

	_ = ns.instance.IOCounter().Charge(uint64(8 * (len(argsSoFar) + len(results))))
	return results[0], true
}

func planNodeByID(rp *runningPlan, nodeID string) *pipeline.PlanNode {
	for i := range rp.built.Nodes {
		if rp.built.Nodes[i].ID == nodeID {
			return &rp.built.Nodes[i]
		}
	}
	return nil
}

func literalToUint64(v interface{}) uint64 {
	switch n := v.(type) {
	case bool:
		if n {
			return 1
		}
		return 0
	case int:
		return uint64(n)
	case int64:
		return uint64(n)
	case uint64:
		return n
	case float64:
		return math.Float64bits(n)
	default:
		return 0
	}
}

// distributeResults pushes a successful invocation's ordered results (one
// per export port, sorted by port id) onto outbound edges: latched edges
// stage the value for next cycle (§4.5), direct edges push onto the
// target's inbound buffer with drop-oldest overflow (§8 property 7).
func (e *Engine) distributeResults(rp *runningPlan, nodeID string, edges []component.Edge, results []uint64, nextLatched map[string]uint64, cycle uint64) {
	var exportPorts []string
	desc := descriptorFor(rp, nodeID)
	for portID := range desc.Surface.Exports {
		exportPorts = append(exportPorts, portID)
	}
	sort.Strings(exportPorts)

	valueByPort := map[string]uint64{}
	for i, portID := range exportPorts {
		if i < len(results) {
			valueByPort[portID] = results[i]
		}
	}

	for _, edge := range edges {
		v, ok := valueByPort[edge.SourcePort]
		if !ok {
			continue
		}
		if edge.Kind == component.EdgeLatched {
			nextLatched[edge.ID] = v
			continue
		}
		target := rp.inbound[edge.TargetNode]
		if target == nil {
			continue
		}
		buf, ok := target[edge.TargetPort]
		if !ok {
			continue
		}
		if dropped := buf.push(v); dropped > 0 {
			e.bus.Publish(telemetry.Event{
				Kind: telemetry.EventPortOverflow, PlanID: rp.id, Cycle: cycle, Timestamp: time.Now(),
				Payload: telemetry.PortOverflowPayload{EdgeID: edge.ID, Dropped: dropped},
			})
		}
	}
}

func descriptorFor(rp *runningPlan, nodeID string) *component.Descriptor {
	for _, pn := range rp.built.Nodes {
		if pn.ID == nodeID {
			return pn.Descriptor
		}
	}
	return nil
}
