// Package telemetry implements the Telemetry Bus (C6, §4.6): a bounded,
// lossy, in-process publish/subscribe surface for execution events, plus a
// synchronously readable last-cycle snapshot per plan.
//
// This is deliberately distinct from the ambient OpenTelemetry tracing and
// metrics wired up in internal/obs (modeled on the teacher's telemetry
// package, go.opentelemetry.io/otel) — §4.6 calls for a lossy ring buffer
// per subscriber so "a slow UI never stalls an execution worker" (§9),
// which an OTel exporter pipeline does not give you. The ring-buffer
// subscriber shape has no direct analogue in the teacher (a one-shot CLI
// has no live event stream), so it is grounded on the bounded-channel
// fan-out pattern used across the retrieval pack's event-bus-style
// examples: a fixed-capacity buffered channel per subscriber, with a
// non-blocking send that drops the oldest entry rather than blocking the
// publisher.
package telemetry

import (
	"sync"
	"time"
)

// EventKind enumerates the event payloads §4.6 names.
type EventKind string

const (
	EventCycleStarted        EventKind = "cycle-started"
	EventCycleCompleted      EventKind = "cycle-completed"
	EventNodeFaulted         EventKind = "node-faulted"
	EventPortOverflow        EventKind = "port-overflow"
	EventInstanceQuarantined EventKind = "instance-quarantined"
	EventPlanTerminated      EventKind = "plan-terminated"
)

// Event is one bus message. Every event carries plan id, cycle number, and
// a wall-clock timestamp (§4.6); Payload is one of the *Payload types below.
type Event struct {
	Kind      EventKind
	PlanID    string
	Cycle     uint64
	Timestamp time.Time
	Payload   interface{}
}

type NodeFaultedPayload struct {
	NodeID string
	Kind   string // trap | out-of-fuel | out-of-memory | epoch-deadline | port-underflow
}

type PortOverflowPayload struct {
	EdgeID  string
	Dropped int
}

type CycleCompletedPayload struct {
	NodeDurations map[string]time.Duration
}

type InstanceQuarantinedPayload struct {
	NodeID string
}

type PlanTerminatedPayload struct {
	Reason string
}

// NodeSnapshot is one node's last-cycle timing and memory high-water mark.
type NodeSnapshot struct {
	Duration     time.Duration
	MemoryHighMB int
}

// PlanSnapshot is the synchronously readable state §4.6 maintains per plan.
type PlanSnapshot struct {
	Cycle uint64
	Nodes map[string]NodeSnapshot
}

const defaultSubscriberCapacity = 256

// subscriber is one bounded, lossy event sink.
type subscriber struct {
	ch     chan Event
	planID string // "" matches every plan (wildcard subscription, §6)
}

// Bus is the Telemetry Bus (C6).
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int

	snapshots map[string]*PlanSnapshot
}

func NewBus() *Bus {
	return &Bus{
		subscribers: map[int]*subscriber{},
		snapshots:   map[string]*PlanSnapshot{},
	}
}

// Subscription is a finite, disconnectable event stream (§6
// `subscribe_events`: "lazy stream... finite: ends on plan termination or
// subscriber disconnect; not restartable").
type Subscription struct {
	bus    *Bus
	id     int
	Events <-chan Event
}

// Unsubscribe disconnects the subscriber; the channel is closed.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subscribers, s.id)
	}
}

// Subscribe opens a stream for a specific plan id, or every plan if planID
// is empty (§6 "plan id or wildcard").
func (b *Bus) Subscribe(planID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, defaultSubscriberCapacity)
	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscriber{ch: ch, planID: planID}
	return &Subscription{bus: b, id: id, Events: ch}
}

// Publish fans ev out to every matching subscriber without blocking: a
// full subscriber channel has its oldest entry dropped to make room, so
// slow subscribers miss events rather than stalling the publishing worker
// (§4.6, §9).
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		if sub.planID != "" && sub.planID != ev.PlanID {
			continue
		}
		b.offer(sub.ch, ev)
	}

	if ev.Kind == EventPlanTerminated {
		b.closeAllForPlan(ev.PlanID)
	}
}

func (b *Bus) offer(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	// Channel full: drop the oldest queued event, then enqueue the new
	// one. A concurrent receiver may race this drain; either outcome
	// still satisfies "slow subscribers miss events" (§4.6).
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// closeAllForPlan closes only the subscribers scoped to planID. Wildcard
// subscribers (planID == "") watch every plan and stay open across any
// single plan's termination; they close only via Unsubscribe.
func (b *Bus) closeAllForPlan(planID string) {
	for id, sub := range b.subscribers {
		if sub.planID == planID {
			close(sub.ch)
			delete(b.subscribers, id)
		}
	}
}

// UpdateSnapshot replaces the last-cycle snapshot for a plan; called by the
// execution worker at the end of every cycle.
func (b *Bus) UpdateSnapshot(planID string, snap PlanSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[planID] = &snap
}

// Snapshot returns the last published snapshot for a plan (§4.6 "readable
// synchronously"), and §6 `snapshot_plan`'s telemetry half.
func (b *Bus) Snapshot(planID string) (PlanSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.snapshots[planID]
	if !ok {
		return PlanSnapshot{}, false
	}
	return *s, true
}

// CloseAll closes and removes every subscriber, wildcard or scoped — used
// by the core facade's shutdown path so no subscriber is left blocked on a
// channel that will never receive another event or close.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// DropSnapshot removes a terminated plan's snapshot.
func (b *Bus) DropSnapshot(planID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snapshots, planID)
}
