// Package config loads the process-wide configuration value of §6: the
// recognized keys the core is supplied at process start (host-import
// allow-list, resource ceilings, cycle rate default, watch roots).
//
// Teacher's own config package is an HCL/Terraform configuration
// evaluator (hashicorp/hcl, go-getter, cty interpolation) built for a
// completely different configuration language; wasmloom's configuration
// is a flat, server-style YAML document, so this package is grounded
// instead on the options.Options / options.NewTerragruntOptions pattern
// reconstructed from its call sites (no options/ package file itself
// ships in the retrieval pack; the shape — a single struct of recognized
// settings populated at startup and passed by reference through the rest
// of the program — is inferable from its ~300 callers, e.g.
// awshelper/config.go) plus gopkg.in/yaml.v3 for decoding, the same YAML
// library the teacher's go.mod already carries. See DESIGN.md for why the
// HCL stack itself was dropped rather than adapted.
package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	wasmerrors "github.com/gruntwork-io/wasmloom/internal/errors"
)

// Config is the process-wide configuration value: the recognized keys of
// §6 plus max_tables, max_globals and host_capability_plugins.
type Config struct {
	ImportAllowList     []string `yaml:"import_allow_list" mapstructure:"import_allow_list"`
	ComponentMemoryCapMB int     `yaml:"component_memory_cap_mb" mapstructure:"component_memory_cap_mb"`
	ProcessMemoryCapMB   int     `yaml:"process_memory_cap_mb" mapstructure:"process_memory_cap_mb"`
	FuelPerCycle         uint64  `yaml:"fuel_per_cycle" mapstructure:"fuel_per_cycle"`
	EpochDeadlineMS      int     `yaml:"epoch_deadline_ms" mapstructure:"epoch_deadline_ms"`
	DefaultCycleRateHz   int     `yaml:"default_cycle_rate_hz" mapstructure:"default_cycle_rate_hz"`
	MaxComponentBytes    int64   `yaml:"max_component_bytes" mapstructure:"max_component_bytes"`
	PortQueueCap         int     `yaml:"port_queue_cap" mapstructure:"port_queue_cap"`
	FaultThreshold       int     `yaml:"fault_threshold" mapstructure:"fault_threshold"`
	WatchRoots           []string `yaml:"watch_roots" mapstructure:"watch_roots"`

	MaxTables  int `yaml:"max_tables" mapstructure:"max_tables"`
	MaxGlobals int `yaml:"max_globals" mapstructure:"max_globals"`

	// HostCapabilityPlugins lists the project-specific data interfaces
	// (§4.3) served by an out-of-process provider rather than built into
	// the core. Only consulted when internal/hostplugin.IsEnabled().
	HostCapabilityPlugins []HostCapabilityPlugin `yaml:"host_capability_plugins" mapstructure:"host_capability_plugins"`
}

// HostCapabilityPlugin names one subprocess to spawn as a host-capability
// provider (internal/hostplugin) and the WIT interface id it serves.
type HostCapabilityPlugin struct {
	InterfaceID string   `yaml:"interface_id" mapstructure:"interface_id"`
	Command     string   `yaml:"command" mapstructure:"command"`
	Args        []string `yaml:"args" mapstructure:"args"`
}

// Defaults returns the baseline configuration merged under anything the
// user supplies (via dario.cat/mergo, the merge library the teacher's own
// options layering already depends on).
func Defaults() Config {
	return Config{
		ComponentMemoryCapMB: 64,
		ProcessMemoryCapMB:   512,
		FuelPerCycle:         10_000_000,
		EpochDeadlineMS:      100,
		DefaultCycleRateHz:   10,
		MaxComponentBytes:    8 * 1024 * 1024,
		PortQueueCap:         16,
		FaultThreshold:       0, // 0 disables aggregate-fault termination
		MaxTables:            8,
		MaxGlobals:           32,
	}
}

// Load reads a YAML configuration document from path and merges it over
// Defaults().
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, wasmerrors.NewConfigError(path, "cannot read configuration file", err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return cfg, wasmerrors.NewConfigError(path, "cannot parse configuration YAML", err)
	}

	if err := mergo.Merge(&cfg, loaded, mergo.WithOverride); err != nil {
		return cfg, wasmerrors.NewConfigError(path, "cannot merge configuration", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks these invariants of §6's recognized keys: at least one
// watch root is configured, component_memory_cap_mb is positive,
// process_memory_cap_mb is at least component_memory_cap_mb, and
// max_component_bytes and port_queue_cap are positive. Other ceilings are
// not checked. A failure is a fatal configuration error (§7) at startup.
func (c Config) Validate() error {
	if len(c.WatchRoots) == 0 {
		return wasmerrors.NewConfigError("watch_roots", "at least one watch root is required", nil)
	}
	if c.ComponentMemoryCapMB <= 0 {
		return wasmerrors.NewConfigError("component_memory_cap_mb", "must be positive", nil)
	}
	if c.ProcessMemoryCapMB < c.ComponentMemoryCapMB {
		return wasmerrors.NewConfigError("process_memory_cap_mb", "must be at least component_memory_cap_mb", nil)
	}
	if c.MaxComponentBytes <= 0 {
		return wasmerrors.NewConfigError("max_component_bytes", "must be positive", nil)
	}
	if c.PortQueueCap <= 0 {
		return wasmerrors.NewConfigError("port_queue_cap", "must be positive", nil)
	}
	return nil
}

// AllowListSet returns ImportAllowList as a lookup set for the security
// scanner.
func (c Config) AllowListSet() map[string]bool {
	set := make(map[string]bool, len(c.ImportAllowList))
	for _, id := range c.ImportAllowList {
		set[id] = true
	}
	return set
}

// DecodeNodeConfig decodes a graph node's raw literal configuration map
// into a typed struct via mapstructure, the same decoding library the
// teacher uses to turn generic maps into typed option structs.
func DecodeNodeConfig(raw map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("config: cannot build decoder: %w", err)
	}
	return dec.Decode(raw)
}
