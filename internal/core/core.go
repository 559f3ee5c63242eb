// Package core is the facade implementing §6's seven external verbs,
// wiring the Component Registry (C1), Security Scanner (C3), Pipeline
// Builder (C4), Execution Engine (C5), and Telemetry Bus (C6) together
// behind a single transport-independent surface ("Transport,
// authentication, and encoding are collaborator concerns", §6).
package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gruntwork-io/wasmloom/config"
	"github.com/gruntwork-io/wasmloom/internal/component"
	wasmerrors "github.com/gruntwork-io/wasmloom/internal/errors"
	"github.com/gruntwork-io/wasmloom/internal/execution"
	"github.com/gruntwork-io/wasmloom/internal/hostplugin"
	"github.com/gruntwork-io/wasmloom/internal/obs"
	"github.com/gruntwork-io/wasmloom/internal/pipeline"
	"github.com/gruntwork-io/wasmloom/internal/registry"
	"github.com/gruntwork-io/wasmloom/internal/sandbox"
	"github.com/gruntwork-io/wasmloom/internal/security"
	"github.com/gruntwork-io/wasmloom/internal/telemetry"
	"github.com/gruntwork-io/wasmloom/internal/wit"
	"github.com/gruntwork-io/wasmloom/pkg/log"
)

// Core is the wired-up Component Execution Core.
type Core struct {
	cfg          config.Config
	logger       log.Logger
	registry     *registry.Registry
	scanner      *security.Scanner
	engine       *execution.Engine
	bus          *telemetry.Bus
	hostProviders *hostplugin.Registry

	mu     sync.Mutex
	graphs map[string]component.Graph // planID -> last-submitted graph, for resubmission diffing (§C)
}

// New wires every component together per SPEC_FULL.md's domain stack.
func New(ctx context.Context, cfg config.Config, logger log.Logger) (*Core, error) {
	if logger == nil {
		logger = log.Default()
	}

	scanner := security.New(security.Config{
		ImportAllowList:      cfg.AllowListSet(),
		ComponentMemoryCapMB: cfg.ComponentMemoryCapMB,
		ProcessMemoryCapMB:   cfg.ProcessMemoryCapMB,
		MaxTables:            cfg.MaxTables,
		MaxGlobals:           cfg.MaxGlobals,
		MaxComponentBytes:    cfg.MaxComponentBytes,
	})

	interner := wit.NewInterner()
	analyzer := wit.NewAnalyzer(nil, interner)

	reg := registry.New(registry.Config{
		Roots:    cfg.WatchRoots,
		Analyzer: analyzer,
		Scanner:  scanner,
		Logger:   logger,
	})
	if err := reg.Start(ctx); err != nil {
		return nil, err
	}

	rt, err := sandbox.NewRuntime(ctx, cfg.ProcessMemoryCapMB)
	if err != nil {
		return nil, wasmerrors.NewConfigError("sandbox", "cannot start wazero runtime", err)
	}

	bus := telemetry.NewBus()

	hostProviders := hostplugin.NewRegistry()
	if hostplugin.IsEnabled() {
		for _, p := range cfg.HostCapabilityPlugins {
			provider, err := hostplugin.Load(p.InterfaceID, p.Command, p.Args...)
			if err != nil {
				_ = reg.Stop()
				return nil, wasmerrors.NewConfigError("host_capability_plugins", "cannot load "+p.InterfaceID, err)
			}
			hostProviders.Register(provider)
		}
	}

	engine := execution.NewEngine(rt, bus, execution.EngineConfig{
		PortQueueCap:       cfg.PortQueueCap,
		FaultThreshold:     cfg.FaultThreshold,
		DefaultCycleRateHz: cfg.DefaultCycleRateHz,
		FuelPerCycle:       cfg.FuelPerCycle,
		EpochDeadlineMS:    cfg.EpochDeadlineMS,
		MemoryCapMB:        cfg.ComponentMemoryCapMB,
	}, logger, hostProviders)

	return &Core{
		cfg:           cfg,
		logger:        logger,
		registry:      reg,
		scanner:       scanner,
		engine:        engine,
		bus:           bus,
		hostProviders: hostProviders,
		graphs:        map[string]component.Graph{},
	}, nil
}

// ListComponents is `list_components` (§6).
func (c *Core) ListComponents() component.Descriptors {
	return c.registry.ListDescriptors()
}

// DescribeComponent is `describe_component` (§6).
func (c *Core) DescribeComponent(fp component.Fingerprint) (*component.Descriptor, error) {
	desc, ok := c.registry.GetDescriptor(fp)
	if !ok {
		return nil, fmt.Errorf("unknown-fingerprint: %s", fp)
	}
	return desc, nil
}

// SubmitGraph is `submit_graph` (§6): validates g via C4 and, on success,
// builds C5's runtime structures and returns a plan id.
//
// Resubmitting under a planID already known atomically replaces that
// plan's definition after the new graph validates — §C's "plan diffing on
// resubmission" — rather than requiring callers to stop and recreate a
// plan id for an updated topology.
func (c *Core) SubmitGraph(ctx context.Context, planID string, g component.Graph) (string, error) {
	var traceErr error
	err := obs.Trace(ctx, "submit_graph", map[string]interface{}{"node_count": len(g.Nodes)}, func(ctx context.Context) error {
		plan, err := pipeline.Build(g, c.registry, pipeline.Config{
			ProcessMemoryCapMB:       c.cfg.ProcessMemoryCapMB,
			HostCapabilityInterfaces: c.hostProviders.InterfaceIDs(),
		})
		if err != nil {
			traceErr = err
			return err
		}

		if planID == "" {
			planID = uuid.NewString()
		} else {
			// Resubmission: stop and discard the prior runtime plan
			// before atomically replacing it (§C).
			_ = c.engine.StopPlan(planID)
		}

		if err := c.engine.BuildPlan(ctx, planID, plan); err != nil {
			traceErr = err
			return err
		}

		c.mu.Lock()
		c.graphs[planID] = g
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return "", err
	}
	_ = traceErr
	return planID, nil
}

// StartPlan is `start_plan` (§6).
func (c *Core) StartPlan(ctx context.Context, planID string, targetCycleRateHz int) error {
	return c.engine.StartPlan(ctx, planID, targetCycleRateHz)
}

// StopPlan is `stop_plan` (§6).
func (c *Core) StopPlan(planID string) error {
	return c.engine.StopPlan(planID)
}

// Snapshot is the payload `snapshot_plan` returns.
type Snapshot struct {
	State   string
	Telemetry telemetry.PlanSnapshot
	TraceID string
}

// SnapshotPlan is `snapshot_plan` (§6); the returned snapshot carries the
// active OTel trace id as §C's supplemented "structured snapshot export"
// feature.
func (c *Core) SnapshotPlan(ctx context.Context, planID string) (Snapshot, error) {
	state, err := c.engine.State(planID)
	if err != nil {
		return Snapshot{}, err
	}
	snap, _ := c.bus.Snapshot(planID)
	return Snapshot{
		State:     state.String(),
		Telemetry: snap,
		TraceID:   obs.TraceIDFromContext(ctx),
	}, nil
}

// SubscribeEvents is `subscribe_events` (§6).
func (c *Core) SubscribeEvents(planID string) *telemetry.Subscription {
	return c.bus.Subscribe(planID)
}

// Rescan forces the registry to re-scan its watch roots immediately,
// rather than waiting on the next filesystem event.
func (c *Core) Rescan() error { return c.registry.Rescan() }

// Shutdown tears down every wired component on process exit: it stops the
// registry's filesystem watcher, signals every running plan's worker to
// stop, releases the shared wazero runtime, closes every loaded
// host-capability provider subprocess, and closes every telemetry
// subscriber so no caller is left blocked on a channel that will never
// progress.
func (c *Core) Shutdown(ctx context.Context) {
	if err := c.registry.Stop(); err != nil {
		c.logger.Warnf("core: registry watcher shutdown: %v", err)
	}
	if err := c.engine.Shutdown(ctx); err != nil {
		c.logger.Warnf("core: engine shutdown: %v", err)
	}
	c.bus.CloseAll()
	c.logger.Infof("core: shutdown complete")
}
