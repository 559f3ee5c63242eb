// Package errors defines the error taxonomy of §7: one concrete kind per
// boundary the core reports across (configuration, descriptor, graph
// validation, runtime fault, host). Every kind carries enough coordinates
// to be actionable without the caller re-deriving context, and wraps its
// cause via Unwrap so callers can still errors.Is/As through to it.
package errors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"github.com/hashicorp/go-multierror"
)

// ConfigError is fatal and surfaces at startup (§7).
type ConfigError struct {
	Key     string
	Message string
	Err     error
}

func NewConfigError(key, message string, err error) error {
	return &ConfigError{Key: key, Message: message, Err: goerrors.Wrap(err, 1)}
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DescriptorError is recorded on a Descriptor's verdict; it never escapes
// the registry (§7: "never raised out of the registry; callers see the
// verdict").
type DescriptorError struct {
	Fingerprint string
	Rule        string
	Message     string
}

func NewDescriptorError(fingerprint, rule, message string) *DescriptorError {
	return &DescriptorError{Fingerprint: fingerprint, Rule: rule, Message: message}
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("rejected(%s): %s: %s", e.Fingerprint, e.Rule, e.Message)
}

// GraphValidationError is raised from submit_graph; it always names the
// exact node or edge and the broken rule (§4.4, §6).
type GraphValidationError struct {
	Rule    string
	NodeID  string
	EdgeID  string
	Message string
}

func NewGraphValidationError(rule, nodeID, edgeID, message string) *GraphValidationError {
	return &GraphValidationError{Rule: rule, NodeID: nodeID, EdgeID: edgeID, Message: message}
}

func (e *GraphValidationError) Error() string {
	coord := e.NodeID
	if e.EdgeID != "" {
		coord = e.EdgeID
	}
	return fmt.Sprintf("%s: %s: %s", e.Rule, coord, e.Message)
}

// RuntimeFault is recorded on the telemetry bus and against the offending
// instance; it is never returned to the caller of a cycle (§7).
type RuntimeFault struct {
	PlanID string
	Cycle  uint64
	NodeID string
	Kind   string // trap | out-of-fuel | out-of-memory | epoch-deadline | port-underflow
	Err    error
}

func NewRuntimeFault(planID string, cycle uint64, nodeID, kind string, err error) *RuntimeFault {
	return &RuntimeFault{PlanID: planID, Cycle: cycle, NodeID: nodeID, Kind: kind, Err: err}
}

func (e *RuntimeFault) Error() string {
	return fmt.Sprintf("fault(%s) plan=%s cycle=%d node=%s: %v", e.Kind, e.PlanID, e.Cycle, e.NodeID, e.Err)
}

func (e *RuntimeFault) Unwrap() error { return e.Err }

// HostError covers I/O failures reading component files during a rescan;
// they are logged and retried, never disturbing a running plan (§7).
type HostError struct {
	Path string
	Err  error
}

func NewHostError(path string, err error) *HostError {
	return &HostError{Path: path, Err: err}
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host error: %s: %v", e.Path, e.Err)
}

func (e *HostError) Unwrap() error { return e.Err }

// Violations aggregates a set of broken rules for a single validation
// pass (e.g. every import left dangling by rule 4 of §4.4) into one
// ordered, reportable error.
// It does not replace the "first failure short-circuits" contract between
// distinct §4.4 stages — it only aggregates within one stage.
type Violations struct {
	merr *multierror.Error
}

func NewViolations() *Violations {
	return &Violations{merr: &multierror.Error{}}
}

func (v *Violations) Add(err error) {
	v.merr = multierror.Append(v.merr, err)
}

func (v *Violations) Len() int {
	if v.merr == nil {
		return 0
	}
	return len(v.merr.Errors)
}

func (v *Violations) ErrorOrNil() error {
	return v.merr.ErrorOrNil()
}

// Errors returns the ordered list of individual violations.
func (v *Violations) Errors() []error {
	if v.merr == nil {
		return nil
	}
	return v.merr.Errors
}
