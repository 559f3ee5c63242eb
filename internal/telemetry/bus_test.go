package telemetry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gruntwork-io/wasmloom/internal/telemetry"
)

func TestSubscribeWildcardReceivesEveryPlan(t *testing.T) {
	t.Parallel()

	bus := telemetry.NewBus()
	sub := bus.Subscribe("")

	bus.Publish(telemetry.Event{Kind: telemetry.EventCycleStarted, PlanID: "plan-a"})
	bus.Publish(telemetry.Event{Kind: telemetry.EventCycleStarted, PlanID: "plan-b"})

	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events:
			assert.Equal(t, telemetry.EventCycleStarted, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for wildcard event")
		}
	}
}

func TestSubscribeScopedToPlanIgnoresOthers(t *testing.T) {
	t.Parallel()

	bus := telemetry.NewBus()
	sub := bus.Subscribe("plan-a")

	bus.Publish(telemetry.Event{Kind: telemetry.EventCycleStarted, PlanID: "plan-b"})
	bus.Publish(telemetry.Event{Kind: telemetry.EventCycleStarted, PlanID: "plan-a"})

	select {
	case ev := <-sub.Events:
		assert.Equal(t, "plan-a", ev.PlanID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for scoped event")
	}

	select {
	case ev, ok := <-sub.Events:
		t.Fatalf("unexpected second event delivered: %+v (ok=%v)", ev, ok)
	default:
	}
}

func TestPublishDropsOldestWhenSubscriberFull(t *testing.T) {
	t.Parallel()

	bus := telemetry.NewBus()
	sub := bus.Subscribe("plan-a")

	// Overflow the 256-capacity bounded channel; the bus must never block
	// the publisher (§4.6, §9) and must keep only the most recent entries.
	const total = 300
	for i := 0; i < total; i++ {
		bus.Publish(telemetry.Event{
			Kind:   telemetry.EventCycleStarted,
			PlanID: "plan-a",
			Cycle:  uint64(i),
		})
	}

	first := <-sub.Events
	assert.Greater(t, first.Cycle, uint64(0), "oldest entries should have been dropped, not the newest")
}

func TestPublishPlanTerminatedClosesOnlyScopedSubscriber(t *testing.T) {
	t.Parallel()

	bus := telemetry.NewBus()
	scoped := bus.Subscribe("plan-a")
	wildcard := bus.Subscribe("")
	other := bus.Subscribe("plan-b")

	bus.Publish(telemetry.Event{Kind: telemetry.EventPlanTerminated, PlanID: "plan-a"})

	// The terminated event itself is delivered to every matching subscriber
	// before the plan-scoped one is closed.
	ev, ok := <-scoped.Events
	require.True(t, ok, "plan-scoped subscriber receives the terminated event before closing")
	assert.Equal(t, telemetry.EventPlanTerminated, ev.Kind)
	_, ok = <-scoped.Events
	assert.False(t, ok, "plan-scoped subscriber should be closed on plan termination")

	ev, ok = <-wildcard.Events
	require.True(t, ok)
	assert.Equal(t, telemetry.EventPlanTerminated, ev.Kind)

	// The wildcard subscriber watches every plan, so one plan terminating
	// must not end its stream; other plans may still be publishing.
	bus.Publish(telemetry.Event{Kind: telemetry.EventCycleStarted, PlanID: "plan-b", Cycle: 1})
	ev, ok = <-wildcard.Events
	require.True(t, ok, "wildcard subscriber should stay open across a single plan's termination")
	assert.Equal(t, "plan-b", ev.PlanID)

	select {
	case ev, ok := <-other.Events:
		require.True(t, ok, "unrelated plan's subscriber should not be closed")
		assert.Equal(t, "plan-b", ev.PlanID)
	default:
		t.Fatal("unrelated plan's subscriber should have received its own plan's event")
	}

	wildcard.Unsubscribe()
	_, ok = <-wildcard.Events
	assert.False(t, ok, "wildcard subscriber closes on explicit Unsubscribe")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	bus := telemetry.NewBus()
	sub := bus.Subscribe("plan-a")
	sub.Unsubscribe()

	_, ok := <-sub.Events
	assert.False(t, ok)
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	bus := telemetry.NewBus()

	_, ok := bus.Snapshot("plan-a")
	require.False(t, ok)

	bus.UpdateSnapshot("plan-a", telemetry.PlanSnapshot{
		Cycle: 3,
		Nodes: map[string]telemetry.NodeSnapshot{"n1": {MemoryHighMB: 12}},
	})

	snap, ok := bus.Snapshot("plan-a")
	require.True(t, ok)
	assert.Equal(t, uint64(3), snap.Cycle)
	assert.Equal(t, 12, snap.Nodes["n1"].MemoryHighMB)

	bus.DropSnapshot("plan-a")
	_, ok = bus.Snapshot("plan-a")
	assert.False(t, ok)
}
