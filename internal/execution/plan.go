package execution

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gruntwork-io/wasmloom/internal/component"
	"github.com/gruntwork-io/wasmloom/internal/pipeline"
)

// PlanState is the per-plan state machine of §4.5: "Pending -> Ready (after
// C4 validation) -> Running (worker active) -> Paused (external request)
// -> Running -> Terminated. Terminated is final."
type PlanState int

const (
	PlanPending PlanState = iota
	PlanReady
	PlanRunning
	PlanPaused
	PlanTerminated
)

func (s PlanState) String() string {
	switch s {
	case PlanPending:
		return "pending"
	case PlanReady:
		return "ready"
	case PlanRunning:
		return "running"
	case PlanPaused:
		return "paused"
	case PlanTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// stopToken is the cooperative cancellation handle of §5: "the worker
// checks it between nodes and between cycles".
type stopToken struct {
	once sync.Once
	ch   chan struct{}
}

func newStopToken() *stopToken { return &stopToken{ch: make(chan struct{})} }

func (t *stopToken) Stop() { t.once.Do(func() { close(t.ch) }) }

func (t *stopToken) Stopped() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// runningPlan is the live, mutable counterpart to an immutable
// pipeline.Plan: node instances, port buffers, latched values, and state.
type runningPlan struct {
	id    string
	built *pipeline.Plan

	mu              sync.Mutex
	state           PlanState
	cycle           uint64
	aggregateFaults int
	faultThreshold  int
	cycleRate       uint64 // hz

	nodes   map[string]*nodeState
	inbound map[string]map[string]*portBuffer // nodeID -> importPort -> buffer
	edgeByID map[string]component.Edge

	// latched holds the previous cycle's value per latched edge; presence
	// in the map distinguishes "cycle 0, no value yet" from "value 0"
	// (§8 property 5).
	latched map[string]uint64

	stop  *stopToken
	group *errgroup.Group
}
