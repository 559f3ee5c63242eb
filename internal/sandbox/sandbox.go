// Package sandbox layers wazero under the "instantiate bytes -> typed
// invoker with fuel/memory/deadline knobs" contract §9 asks the core's
// execution engine to depend on, rather than talking to the wasm runtime
// directly from internal/execution.
//
// Grounded on the wazero usage the retrieval pack shows (config.go and the
// events-bridge Wasm connector's wasmrunner.go): wazero.NewRuntimeConfig
// with WithMemoryLimitPages and WithCloseOnContextDone, one compiled module
// per descriptor and one fresh api.Module per instance so a faulted
// instance can be torn down and re-instantiated with a clean memory image
// (§4.5 "a faulted instance is torn down and re-instantiated at the next
// cycle, with a fresh memory image").
//
// wazero's public API (v1.9.0) has no basic-block fuel counter the way
// Wasmtime does; it only offers WithCloseOnContextDone for asynchronous
// interruption. wasmloom therefore implements the fuel budget and the
// epoch deadline as two independently computed context timeouts and
// classifies a timeout against whichever bound was tighter — see
// DESIGN.md for why this is the documented, justified approximation of
// §4.5's fuel-counter requirement rather than true instruction metering.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// FaultKind mirrors the trap kinds §4.5 and §7 enumerate.
type FaultKind string

const (
	FaultTrap          FaultKind = "trap"
	FaultOutOfFuel     FaultKind = "out-of-fuel"
	FaultOutOfMemory   FaultKind = "out-of-memory"
	FaultEpochDeadline FaultKind = "epoch-deadline"
)

// Fault is a classified sandbox failure.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string { return fmt.Sprintf("sandbox: %s: %v", f.Kind, f.Err) }
func (f *Fault) Unwrap() error { return f.Err }

// Budget is the per-cycle resource allotment for one Component Instance
// (§4.5 "per-instance resource discipline").
type Budget struct {
	FuelPerCycle    uint64
	MemoryCapMB     int
	EpochDeadlineMS int
	IOBytesPerCycle uint64
}

// nanosPerFuelUnit is the time-boxed stand-in for one unit of fuel; see the
// package doc comment for why wasmloom models fuel as a context timeout
// rather than instruction counting.
const nanosPerFuelUnit = 1000 // 1us of wall-clock budget per declared fuel unit

// Runtime wraps a wazero.Runtime shared by every compiled component.
type Runtime struct {
	rt wazero.Runtime
}

// NewRuntime builds the shared wazero runtime. One Runtime is created per
// process; Instantiate is called once per plan node, and again after a
// fault replaces that node's instance.
//
// wazero applies WithMemoryLimitPages at the runtime level, not per
// instance, so memoryCapMB here is the process-wide memory cap
// (§6 `process_memory_cap_mb`); per-node resource overrides tighter than
// this ceiling are enforced as an additional accounting check inside
// internal/execution rather than by wazero itself.
func NewRuntime(ctx context.Context, memoryCapMB int) (*Runtime, error) {
	pages := uint32((memoryCapMB * 1024 * 1024) / wasmPageBytes)
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	return &Runtime{rt: rt}, nil
}

const wasmPageBytes = 64 * 1024

// Close releases every compiled module and instance the runtime holds.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// Compiled is a component's bytes after wazero's ahead-of-time validation,
// reused across every instance created from the same descriptor.
type Compiled struct {
	module wazero.CompiledModule
}

func (r *Runtime) Compile(ctx context.Context, data []byte) (*Compiled, error) {
	mod, err := r.rt.CompileModule(ctx, data)
	if err != nil {
		return nil, &Fault{Kind: FaultTrap, Err: err}
	}
	return &Compiled{module: mod}, nil
}

func (c *Compiled) Close(ctx context.Context) error { return c.module.Close(ctx) }

// Instance is one live Component Instance with its resource discipline
// applied per invocation.
type Instance struct {
	mod    api.Module
	io     *ioCounter
	budget Budget
}

// ioCounter is the I/O byte counter §4.5 requires; internal/execution's
// host-capability dispatch (invokeHostCapability) calls Charge for every
// value exchanged with a provider.
type ioCounter struct {
	limit uint64
	used  uint64
}

func (c *ioCounter) Charge(n uint64) error {
	c.used += n
	if c.used > c.limit {
		return &Fault{Kind: FaultTrap, Err: fmt.Errorf("io byte budget exceeded: %d > %d", c.used, c.limit)}
	}
	return nil
}

// Instantiate creates a fresh instance from compiled bytes with the given
// per-cycle budget (§4.5). The module config sets only the instance name;
// memory is bounded by the runtime-wide page limit from NewRuntime and the
// budget's own memory check, and fuel and epoch deadline are applied at
// invocation time.
func (r *Runtime) Instantiate(ctx context.Context, compiled *Compiled, name string, budget Budget) (*Instance, error) {
	cfg := wazero.NewModuleConfig().WithName(name)
	mod, err := r.rt.InstantiateModule(ctx, compiled.module, cfg)
	if err != nil {
		return nil, &Fault{Kind: FaultTrap, Err: err}
	}
	return &Instance{
		mod:    mod,
		io:     &ioCounter{limit: budget.IOBytesPerCycle},
		budget: budget,
	}, nil
}

// ResetCycle reapplies fresh fuel and I/O allotments before each node
// invocation; memory is intentionally left as-is so instances stay warm
// across cycles (§4.5).
func (i *Instance) ResetCycle(budget Budget) {
	i.budget = budget
	i.io = &ioCounter{limit: budget.IOBytesPerCycle}
}

// IOCounter exposes the live counter so host capability wrappers
// registered against this instance's module can charge transferred bytes.
func (i *Instance) IOCounter() interface{ Charge(uint64) error } { return i.io }

// Invoke calls the named export under the instance's fuel and epoch bounds
// and classifies any resulting fault (§4.5 invocation protocol).
func (i *Instance) Invoke(ctx context.Context, funcName string, args ...uint64) ([]uint64, error) {
	fn := i.mod.ExportedFunction(funcName)
	if fn == nil {
		return nil, &Fault{Kind: FaultTrap, Err: fmt.Errorf("no such export %q", funcName)}
	}

	fuelTimeout := time.Duration(i.budget.FuelPerCycle) * nanosPerFuelUnit * time.Nanosecond
	epochTimeout := time.Duration(i.budget.EpochDeadlineMS) * time.Millisecond
	bound := epochTimeout
	boundKind := FaultEpochDeadline
	if i.budget.FuelPerCycle > 0 && fuelTimeout < epochTimeout {
		bound = fuelTimeout
		boundKind = FaultOutOfFuel
	}

	callCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	results, err := fn.Call(callCtx, args...)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, &Fault{Kind: boundKind, Err: err}
		}
		return nil, &Fault{Kind: FaultTrap, Err: err}
	}
	return results, nil
}

// Close tears down the instance; the execution engine calls this whenever
// a fault requires re-instantiation with a fresh memory image.
func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

// MemoryUsedMB reports the instance's current linear memory size, for
// telemetry snapshots (§4.6 "memory high-water marks").
func (i *Instance) MemoryUsedMB() int {
	mem := i.mod.Memory()
	if mem == nil {
		return 0
	}
	return int(mem.Size()) / (1024 * 1024)
}

// MemoryExceeds reports whether the instance's current linear memory size
// exceeds a node-level override tighter than the runtime-wide cap applied
// at NewRuntime time.
func (i *Instance) MemoryExceeds(overrideMB int) bool {
	if overrideMB <= 0 {
		return false
	}
	mem := i.mod.Memory()
	if mem == nil {
		return false
	}
	return int(mem.Size()) > overrideMB*1024*1024
}
