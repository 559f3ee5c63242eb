// Package hostplugin loads external host-capability providers: project-
// specific data interfaces the Security Scanner's import allow-list can
// name (clocks, random, logging, plus "project-specific data interfaces",
// §4.3) that aren't built into the core itself.
//
// Grounded on the teacher's engine package (engine/engine_test.go is the
// only file the retrieval pack carries for it, but its
// IsEngineEnabled/ExecutionOptions/readEngineOutput contract is enough to
// reconstruct the shape): an environment-gated, subprocess-based pluggable
// engine. wasmloom swaps Terraform's one-shot "run a command, stream its
// output" RPC engine for hashicorp/go-plugin's net/rpc plugin protocol,
// since a host-capability provider is a long-lived process the core calls
// into many times per cycle rather than a single apply invocation.
package hostplugin

import (
	"fmt"
	"net/rpc"
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// Handshake is the shared magic cookie every host-capability plugin
// process and wasmloom must agree on, the same pattern go-plugin's own
// examples use to reject accidental invocation outside the plugin
// protocol.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "WASMLOOM_HOST_CAPABILITY_PLUGIN",
	MagicCookieValue: "wasmloom-v1",
}

// IsEnabled reports whether external host-capability plugins are enabled
// for this process, mirroring the teacher's IsEngineEnabled environment
// gate (engine/engine_test.go: TG_EXPERIMENTAL_ENGINE).
func IsEnabled() bool {
	return os.Getenv("WASMLOOM_HOST_CAPABILITY_PLUGINS") == "true"
}

// Capability is the net/rpc interface a host-capability provider exposes.
// Invoke is called once per cycle per import the security scanner has
// allow-listed against this provider's interface id.
type Capability interface {
	Invoke(args []uint64) ([]uint64, error)
}

// CapabilityRPC is the net/rpc client stub go-plugin dispenses to the host
// process.
type CapabilityRPC struct{ client *rpc.Client }

func (c *CapabilityRPC) Invoke(args []uint64) ([]uint64, error) {
	var resp []uint64
	err := c.client.Call("Plugin.Invoke", args, &resp)
	return resp, err
}

// CapabilityRPCServer is the net/rpc server stub the plugin subprocess
// registers.
type CapabilityRPCServer struct{ Impl Capability }

func (s *CapabilityRPCServer) Invoke(args []uint64, resp *[]uint64) error {
	out, err := s.Impl.Invoke(args)
	*resp = out
	return err
}

// CapabilityPlugin implements plugin.Plugin for the Capability interface.
type CapabilityPlugin struct {
	Impl Capability
}

func (p *CapabilityPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &CapabilityRPCServer{Impl: p.Impl}, nil
}

func (p *CapabilityPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &CapabilityRPC{client: c}, nil
}

// Provider is a loaded host-capability plugin process, keyed by the WIT
// interface id it serves (§4.3's "project-specific data interfaces").
type Provider struct {
	InterfaceID string
	client      *plugin.Client
	cap         Capability
}

// Load spawns cmdPath as a host-capability plugin subprocess and performs
// the go-plugin handshake.
func Load(interfaceID, cmdPath string, args ...string) (*Provider, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "hostplugin." + interfaceID,
		Level: hclog.Warn,
	})

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			interfaceID: &CapabilityPlugin{},
		},
		Cmd:    exec.Command(cmdPath, args...),
		Logger: logger,
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("hostplugin: handshake with %s failed: %w", cmdPath, err)
	}

	raw, err := rpcClient.Dispense(interfaceID)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("hostplugin: cannot dispense %s: %w", interfaceID, err)
	}

	cap, ok := raw.(Capability)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("hostplugin: %s does not implement Capability", interfaceID)
	}

	return &Provider{InterfaceID: interfaceID, client: client, cap: cap}, nil
}

// Invoke calls the provider's capability with the same raw core-Wasm
// numeric argument convention internal/execution uses for component
// ports.
func (p *Provider) Invoke(args []uint64) ([]uint64, error) {
	return p.cap.Invoke(args)
}

// Close terminates the plugin subprocess.
func (p *Provider) Close() {
	p.client.Kill()
}

// Registry is the set of loaded providers, keyed by interface id, handed
// to the execution engine so a node's import bound to a host capability
// (rather than an edge or a literal) resolves to a live provider call.
type Registry struct {
	providers map[string]*Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]*Provider{}}
}

func (r *Registry) Register(p *Provider) {
	r.providers[p.InterfaceID] = p
}

func (r *Registry) Lookup(interfaceID string) (*Provider, bool) {
	p, ok := r.providers[interfaceID]
	return p, ok
}

// InterfaceIDs returns the set of interface ids with a loaded provider, for
// the Pipeline Builder to treat as covering an import port without an edge
// or literal (§4.4 rule 4).
func (r *Registry) InterfaceIDs() map[string]bool {
	out := make(map[string]bool, len(r.providers))
	for id := range r.providers {
		out[id] = true
	}
	return out
}

func (r *Registry) CloseAll() {
	for _, p := range r.providers {
		p.Close()
	}
}
