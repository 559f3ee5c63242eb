package hostplugin

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsEnabledGatedByEnvVar(t *testing.T) {
	orig, had := os.LookupEnv("WASMLOOM_HOST_CAPABILITY_PLUGINS")
	t.Cleanup(func() {
		if had {
			os.Setenv("WASMLOOM_HOST_CAPABILITY_PLUGINS", orig)
		} else {
			os.Unsetenv("WASMLOOM_HOST_CAPABILITY_PLUGINS")
		}
	})

	os.Unsetenv("WASMLOOM_HOST_CAPABILITY_PLUGINS")
	assert.False(t, IsEnabled())

	os.Setenv("WASMLOOM_HOST_CAPABILITY_PLUGINS", "true")
	assert.True(t, IsEnabled())

	os.Setenv("WASMLOOM_HOST_CAPABILITY_PLUGINS", "false")
	assert.False(t, IsEnabled())
}

type fakeCapability struct{}

func (fakeCapability) Invoke(args []uint64) ([]uint64, error) {
	out := make([]uint64, len(args))
	for i, a := range args {
		out[i] = a + 1
	}
	return out, nil
}

func TestProviderInvokeDelegatesToCapability(t *testing.T) {
	p := &Provider{InterfaceID: "wasmloom:host/test", cap: fakeCapability{}}

	out, err := p.Invoke([]uint64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3, 4}, out)
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	p := &Provider{InterfaceID: "wasmloom:host/test", cap: fakeCapability{}}

	r.Register(p)

	got, ok := r.Lookup("wasmloom:host/test")
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = r.Lookup("wasmloom:host/missing")
	assert.False(t, ok)
}

func TestRegistryInterfaceIDsReflectsRegisteredProviders(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.InterfaceIDs())

	r.Register(&Provider{InterfaceID: "wasmloom:host/clock", cap: fakeCapability{}})
	r.Register(&Provider{InterfaceID: "wasmloom:host/random", cap: fakeCapability{}})

	ids := r.InterfaceIDs()
	assert.True(t, ids["wasmloom:host/clock"])
	assert.True(t, ids["wasmloom:host/random"])
	assert.Len(t, ids, 2)
}
