// Package security implements the Security Scanner (C3, §4.3): a pure
// function of component bytes, its analyzed surface, and a fixed
// configuration, producing an accept/reject verdict with an ordered list of
// broken rules.
//
// The five-rules-in-fixed-order shape mirrors the teacher's tflint bridge
// (cli/tflint/linter.go), which runs a fixed ordered list of lint rules
// against a plan and aggregates every violation rather than stopping at the
// first one — the same "totality, not short-circuit" discipline §4.3
// requires ("accepted" vs "rejected with the ordered list of broken
// rules"). Violations accumulate into component.Verdict.Reasons directly,
// since a Verdict's ordered reason list (not a Go error chain) is what
// callers persist and display; internal/errors.Violations is reserved for
// aggregating failures that are reported back as a single Go error (see
// internal/pipeline's use of multierror for graph validation).
package security

import (
	"fmt"

	"github.com/gruntwork-io/wasmloom/internal/component"
	"github.com/gruntwork-io/wasmloom/internal/wit"
)

// wasmPageSize is the fixed 64KiB linear-memory page size the component
// model inherits from core Wasm.
const wasmPageSize = 64 * 1024

// Config is the fixed set of scanner ceilings, sourced from the process
// configuration's recognized keys (§6).
type Config struct {
	ImportAllowList     map[string]bool
	ComponentMemoryCapMB int
	ProcessMemoryCapMB   int
	MaxTables            int
	MaxGlobals           int
	MaxComponentBytes    int64
}

// Scanner evaluates descriptors against a fixed Config (C3).
type Scanner struct {
	cfg Config
}

func New(cfg Config) *Scanner {
	return &Scanner{cfg: cfg}
}

// Scan is a pure function of the component bytes, its analyzed surface, and
// the scanner's configuration (§4.3: "Scanner decisions are pure functions
// of the component bytes and the scanner configuration").
func (s *Scanner) Scan(data []byte, surface *wit.Surface, limits *wit.ComponentLimits) component.Verdict {
	var reasons []string

	if r := s.checkImports(surface); r != "" {
		reasons = append(reasons, r)
	}
	if r := s.checkMemory(limits); r != "" {
		reasons = append(reasons, r)
	}
	if r := s.checkTablesAndGlobals(limits); r != "" {
		reasons = append(reasons, r)
	}
	if r := s.checkStartFunction(limits); r != "" {
		reasons = append(reasons, r)
	}
	if r := s.checkSize(data); r != "" {
		reasons = append(reasons, r)
	}

	return component.Verdict{Accepted: len(reasons) == 0, Reasons: reasons}
}

// rule 1: import allow-list.
func (s *Scanner) checkImports(surface *wit.Surface) string {
	if surface == nil {
		return ""
	}
	var offending []string
	for _, id := range surface.ImportInterfaces() {
		if !s.cfg.ImportAllowList[id] {
			offending = append(offending, id)
		}
	}
	if len(offending) == 0 {
		return ""
	}
	return fmt.Sprintf("import-not-allowed: %v", offending)
}

// rule 2: initial/maximum memory ceilings.
func (s *Scanner) checkMemory(limits *wit.ComponentLimits) string {
	if limits == nil {
		return ""
	}
	initialMB := (limits.MemoryInitialPages * wasmPageSize) / (1024 * 1024)
	if initialMB > s.cfg.ComponentMemoryCapMB {
		return fmt.Sprintf("memory-initial-exceeds-component-cap: %dMB > %dMB", initialMB, s.cfg.ComponentMemoryCapMB)
	}
	if limits.MemoryMaxPages > 0 {
		maxMB := (limits.MemoryMaxPages * wasmPageSize) / (1024 * 1024)
		if maxMB > s.cfg.ProcessMemoryCapMB {
			return fmt.Sprintf("memory-max-exceeds-process-cap: %dMB > %dMB", maxMB, s.cfg.ProcessMemoryCapMB)
		}
	}
	return ""
}

// rule 3: tables and globals ceilings.
func (s *Scanner) checkTablesAndGlobals(limits *wit.ComponentLimits) string {
	if limits == nil {
		return ""
	}
	if limits.Tables > s.cfg.MaxTables {
		return fmt.Sprintf("too-many-tables: %d > %d", limits.Tables, s.cfg.MaxTables)
	}
	if limits.Globals > s.cfg.MaxGlobals {
		return fmt.Sprintf("too-many-globals: %d > %d", limits.Globals, s.cfg.MaxGlobals)
	}
	return ""
}

// rule 4: start-function presence. wasmloom takes the conservative
// approximation §4.3 explicitly permits: any declared start function is
// rejected outright rather than attempting to statically bound its fuel
// consumption.
func (s *Scanner) checkStartFunction(limits *wit.ComponentLimits) string {
	if limits != nil && limits.HasStart {
		return "start-function-present"
	}
	return ""
}

// rule 5: total size cap.
func (s *Scanner) checkSize(data []byte) string {
	if int64(len(data)) > s.cfg.MaxComponentBytes {
		return fmt.Sprintf("component-too-large: %d > %d bytes", len(data), s.cfg.MaxComponentBytes)
	}
	return ""
}
