package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gruntwork-io/wasmloom/internal/hostplugin"
	"github.com/gruntwork-io/wasmloom/internal/sandbox"
	"github.com/gruntwork-io/wasmloom/internal/telemetry"
)

func TestPortBufferPushWithinCapacityDropsNothing(t *testing.T) {
	t.Parallel()

	b := newPortBuffer(3, false)
	assert.Equal(t, 0, b.push(1))
	assert.Equal(t, 0, b.push(2))
	assert.Equal(t, 0, b.push(3))

	v, ok := b.drainSingle()
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)
}

func TestPortBufferPushOverCapacityDropsOldest(t *testing.T) {
	t.Parallel()

	b := newPortBuffer(2, false)
	b.push(1)
	b.push(2)
	dropped := b.push(3)

	assert.Equal(t, 1, dropped)
	got := b.drainAll()
	assert.Equal(t, []uint64{2, 3}, got)
}

func TestPortBufferDrainSingleEmptyReturnsFalse(t *testing.T) {
	t.Parallel()

	b := newPortBuffer(2, false)
	_, ok := b.drainSingle()
	assert.False(t, ok)
}

func TestPortBufferUnboundedCapacityNeverDrops(t *testing.T) {
	t.Parallel()

	b := newPortBuffer(0, true)
	for i := 0; i < 10; i++ {
		assert.Equal(t, 0, b.push(uint64(i)))
	}
	assert.Len(t, b.drainAll(), 10)
}

func TestNodeStateQuarantinesAfterThreeConsecutiveFaults(t *testing.T) {
	t.Parallel()

	ns := newNodeState("n1", "tick", nil, sandbox.Budget{})

	ns.onFault(nil)
	assert.False(t, ns.quarantined)
	assert.Equal(t, 1, ns.consecutive)

	ns.onFault(nil)
	assert.False(t, ns.quarantined)

	ns.onFault(nil)
	assert.True(t, ns.quarantined)
	assert.Equal(t, quarantineThreshold, ns.consecutive)
}

func TestNodeStateRebuildClearsQuarantine(t *testing.T) {
	t.Parallel()

	ns := newNodeState("n1", "tick", nil, sandbox.Budget{})
	ns.onFault(nil)
	ns.onFault(nil)
	ns.onFault(nil)
	require.True(t, ns.quarantined)

	ns.rebuild()

	assert.False(t, ns.quarantined)
	assert.Equal(t, 0, ns.consecutive)
}

func TestInvokeHostCapabilityWithNoRegisteredProviderReturnsNotOK(t *testing.T) {
	t.Parallel()

	e := &Engine{hostProviders: hostplugin.NewRegistry(), bus: telemetry.NewBus()}
	rp := &runningPlan{
		id:    "p1",
		nodes: map[string]*nodeState{"n1": newNodeState("n1", "tick", nil, sandbox.Budget{})},
	}

	_, ok := e.invokeHostCapability(context.Background(), rp, "n1", "wasmloom:host/missing", nil)
	assert.False(t, ok)
}

func TestStopTokenStopIsIdempotentAndObservable(t *testing.T) {
	t.Parallel()

	tok := newStopToken()
	assert.False(t, tok.Stopped())

	tok.Stop()
	tok.Stop() // must not panic on double-stop

	assert.True(t, tok.Stopped())
}
