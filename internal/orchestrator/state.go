package orchestrator

import (
	"fmt"
	"time"
)

// State is a step of one rebalance cycle.
type State string

const (
	StateIdle         State = "Idle"
	StateCancelling   State = "Cancelling"
	StateSnapshotting State = "Snapshotting"
	StateDeciding     State = "Deciding"
	StatePlacing      State = "Placing"
)

var allowedTransitions = map[State][]State{
	StateIdle:         {StateCancelling},
	StateCancelling:   {StateSnapshotting},
	StateSnapshotting: {StateDeciding, StateIdle},
	StateDeciding:     {StatePlacing, StateIdle},
	StatePlacing:      {StateIdle},
}

// StateTransition represents a transition from one state to another
type StateTransition struct {
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// cycle tracks the states one RunOnce call moves through.
type cycle struct {
	current State
	reached State
	history []StateTransition
	now     func() time.Time
}

func newCycle(now func() time.Time) *cycle {
	return &cycle{current: StateIdle, reached: StateIdle, now: now}
}

// TransitionTo moves the cycle to next. Transitions outside the cycle graph
// are programming errors.
func (c *cycle) TransitionTo(next State, reason string) {
	ok := false
	for _, s := range allowedTransitions[c.current] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		panic(fmt.Sprintf("orchestrator: illegal transition %s -> %s", c.current, next))
	}

	c.history = append(c.history, StateTransition{
		FromState: c.current,
		ToState:   next,
		Reason:    reason,
		Timestamp: c.now(),
	})
	c.current = next
	if next != StateIdle {
		c.reached = next
	}
}

// Reached is the last non-idle state of the cycle.
func (c *cycle) Reached() State {
	return c.reached
}

func (c *cycle) History() []StateTransition {
	return c.history
}
