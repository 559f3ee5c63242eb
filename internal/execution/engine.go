package execution

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gruntwork-io/wasmloom/internal/component"
	wasmerrors "github.com/gruntwork-io/wasmloom/internal/errors"
	"github.com/gruntwork-io/wasmloom/internal/hostplugin"
	"github.com/gruntwork-io/wasmloom/internal/pipeline"
	"github.com/gruntwork-io/wasmloom/internal/sandbox"
	"github.com/gruntwork-io/wasmloom/internal/telemetry"
	"github.com/gruntwork-io/wasmloom/internal/wit"
	"github.com/gruntwork-io/wasmloom/pkg/log"
)

// EngineConfig carries the resource defaults sourced from the process
// configuration's recognized keys (§6).
type EngineConfig struct {
	PortQueueCap       int
	FaultThreshold     int
	DefaultCycleRateHz int
	FuelPerCycle       uint64
	EpochDeadlineMS    int
	MemoryCapMB        int
}

// Engine is the Execution Engine (C5): it owns the shared sandbox runtime
// and every active plan, one background worker goroutine each (§4.5, §5:
// "exactly one worker thread per active plan").
type Engine struct {
	rt     *sandbox.Runtime
	bus    *telemetry.Bus
	cfg    EngineConfig
	logger log.Logger

	// hostProviders resolves a node's import ports bound to a
	// project-specific data interface (§4.3) to a live host-capability
	// provider call; nil or empty when no providers are configured.
	hostProviders *hostplugin.Registry

	mu    sync.Mutex
	plans map[string]*runningPlan

	compiled *sandbox.CompiledCache
}

func NewEngine(rt *sandbox.Runtime, bus *telemetry.Bus, cfg EngineConfig, logger log.Logger, hostProviders *hostplugin.Registry) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if hostProviders == nil {
		hostProviders = hostplugin.NewRegistry()
	}
	return &Engine{rt: rt, bus: bus, cfg: cfg, logger: logger, hostProviders: hostProviders, plans: map[string]*runningPlan{}, compiled: sandbox.NewCompiledCache()}
}

// BuildPlan instantiates §4.5's runtime structures for an already-validated
// pipeline.Plan: one node state per plan node (compiled modules are cached
// and shared by every node with the same fingerprint), sized
// port buffers per inbound port, and transitions the plan to Ready.
func (e *Engine) BuildPlan(ctx context.Context, planID string, built *pipeline.Plan) error {
	rp := &runningPlan{
		id:             planID,
		built:          built,
		state:          PlanPending,
		faultThreshold: e.cfg.FaultThreshold,
		cycleRate:      uint64(e.cfg.DefaultCycleRateHz),
		nodes:          map[string]*nodeState{},
		inbound:        map[string]map[string]*portBuffer{},
		latched:        map[string]uint64{},
		edgeByID:       map[string]component.Edge{},
		stop:           newStopToken(),
		group:          &errgroup.Group{},
	}
	for _, e := range built.Edges {
		rp.edgeByID[e.ID] = e
	}

	for _, pn := range built.Nodes {
		cacheKey := string(pn.Fingerprint)
		compiled, hit := e.compiled.Get(cacheKey)
		if !hit {
			data, err := readComponentBytes(pn.Descriptor)
			if err != nil {
				return err
			}
			compiled, err = e.rt.Compile(ctx, data)
			if err != nil {
				return err
			}
			e.compiled.Put(cacheKey, compiled)
		}

		budget := sandbox.Budget{
			FuelPerCycle:    e.cfg.FuelPerCycle,
			MemoryCapMB:     e.cfg.MemoryCapMB,
			EpochDeadlineMS: e.cfg.EpochDeadlineMS,
			IOBytesPerCycle: ^uint64(0),
		}
		if pn.Budget.FuelPerCycle > 0 {
			budget.FuelPerCycle = pn.Budget.FuelPerCycle
		}
		if pn.Budget.MemoryCapMB > 0 {
			budget.MemoryCapMB = pn.Budget.MemoryCapMB
		}
		if pn.Budget.EpochDeadlineMS > 0 {
			budget.EpochDeadlineMS = pn.Budget.EpochDeadlineMS
		}
		if pn.Budget.IOBytesPerCycle > 0 {
			budget.IOBytesPerCycle = pn.Budget.IOBytesPerCycle
		}

		entry := pn.Descriptor.Limits.EntryPoint
		rp.nodes[pn.ID] = newNodeState(pn.ID, entry, compiled, budget)

		ports := map[string]*portBuffer{}
		for portID, fn := range pn.Descriptor.Surface.Imports {
			isList := len(fn.Params) == 1 && fn.Params[0].Type.Kind == wit.KindList
			ports[portID] = newPortBuffer(e.cfg.PortQueueCap, isList)
		}
		rp.inbound[pn.ID] = ports
	}

	rp.state = PlanReady
	e.mu.Lock()
	e.plans[planID] = rp
	e.mu.Unlock()
	return nil
}

func readComponentBytes(desc *component.Descriptor) ([]byte, error) {
	if len(desc.Paths) == 0 {
		return nil, wasmerrors.NewHostError(string(desc.Fingerprint), fmt.Errorf("descriptor has no known path"))
	}
	data, err := os.ReadFile(desc.Paths[0])
	if err != nil {
		return nil, wasmerrors.NewHostError(desc.Paths[0], err)
	}
	return data, nil
}

// StartPlan transitions Ready/Paused -> Running and, if not already
// running, launches the per-plan worker goroutine (§6 `start_plan`).
func (e *Engine) StartPlan(ctx context.Context, planID string, cycleRateHz int) error {
	rp, err := e.lookup(planID)
	if err != nil {
		return err
	}

	rp.mu.Lock()
	switch rp.state {
	case PlanRunning:
		rp.mu.Unlock()
		return fmt.Errorf("already-running: %s", planID)
	case PlanTerminated:
		rp.mu.Unlock()
		return fmt.Errorf("unknown-plan: %s", planID)
	}
	if cycleRateHz > 0 {
		rp.cycleRate = uint64(cycleRateHz)
	}
	first := rp.state == PlanReady
	rp.state = PlanRunning
	rp.mu.Unlock()

	if first {
		rp.group.Go(func() error {
			e.run(ctx, rp)
			return nil
		})
	}
	return nil
}

// StopPlan sets the stop token; the worker transitions to Terminated at its
// next check (§5, §6 `stop_plan`).
func (e *Engine) StopPlan(planID string) error {
	rp, err := e.lookup(planID)
	if err != nil {
		return err
	}
	rp.stop.Stop()
	return nil
}

// PausePlan and ResumePlan implement the Paused state of §4.5's machine.
// Neither is one of §6's seven external verbs; they exist for a
// collaborator layered on top of the core facade to request a pause
// without tearing the plan down.
func (e *Engine) PausePlan(planID string) error {
	rp, err := e.lookup(planID)
	if err != nil {
		return err
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.state == PlanRunning {
		rp.state = PlanPaused
	}
	return nil
}

func (e *Engine) ResumePlan(planID string) error {
	rp, err := e.lookup(planID)
	if err != nil {
		return err
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.state == PlanPaused {
		rp.state = PlanRunning
	}
	return nil
}

// State reports a plan's current state, for `snapshot_plan`.
func (e *Engine) State(planID string) (PlanState, error) {
	rp, err := e.lookup(planID)
	if err != nil {
		return 0, err
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.state, nil
}

// Shutdown signals every running plan's worker to stop and releases the
// shared sandbox runtime and any loaded host-capability providers. Workers
// exit cooperatively at their next stop-token check (§5); Shutdown does not
// block waiting for them.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	plans := make([]*runningPlan, 0, len(e.plans))
	for _, rp := range e.plans {
		plans = append(plans, rp)
	}
	e.mu.Unlock()

	for _, rp := range plans {
		rp.stop.Stop()
		rp := rp
		go func() {
			if err := rp.group.Wait(); err != nil {
				e.logger.Warnf("execution: plan %s worker exited with error: %v", rp.id, err)
			}
		}()
	}

	e.hostProviders.CloseAll()
	return e.rt.Close(ctx)
}

func (e *Engine) lookup(planID string) (*runningPlan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rp, ok := e.plans[planID]
	if !ok {
		return nil, fmt.Errorf("unknown-plan: %s", planID)
	}
	return rp, nil
}

func (e *Engine) run(ctx context.Context, rp *runningPlan) {
	interval := time.Second
	if rp.cycleRate > 0 {
		interval = time.Second / time.Duration(rp.cycleRate)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rp.mu.Lock()
		paused := rp.state == PlanPaused
		rp.mu.Unlock()

		if rp.stop.Stopped() {
			e.terminate(rp, "stop-requested")
			return
		}
		if paused {
			time.Sleep(interval)
			continue
		}

		e.runCycle(ctx, rp)

		rp.mu.Lock()
		exceeded := rp.faultThreshold > 0 && rp.aggregateFaults >= rp.faultThreshold
		rp.mu.Unlock()
		if exceeded {
			e.terminate(rp, "fault-threshold-exceeded")
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			e.terminate(rp, "process-shutdown")
			return
		}
	}
}

func (e *Engine) terminate(rp *runningPlan, reason string) {
	rp.mu.Lock()
	rp.state = PlanTerminated
	planID := rp.id
	cycle := rp.cycle
	rp.mu.Unlock()

	e.bus.Publish(telemetry.Event{
		Kind: telemetry.EventPlanTerminated, PlanID: planID, Cycle: cycle, Timestamp: time.Now(),
		Payload: telemetry.PlanTerminatedPayload{Reason: reason},
	})
}
