// Package follower adapts the path follower's asynchronous goal contract
// into the event vocabulary the mission supervisor consumes: progress
// pulses plus reached/blocked/timed-out/cancelled terminal outcomes.
// Timing policy (per-goal timeouts, synthesized timeouts for a silent
// follower) lives here, not in the state machine.
package follower

import (
	"context"

	"github.com/harborline/go-skipper/pkg/mission"
)

// Handle identifies one goal execution on the follower daemon.
type Handle string

// StartRequest is the payload sent to the follower to begin a goal.
type StartRequest struct {
	Target     mission.Pose       `json:"target"`
	Tolerances mission.Tolerances `json:"tolerances"`
}

// Client is the raw follower transport: start one goal, cancel one goal.
type Client interface {
	StartGoal(ctx context.Context, req StartRequest) (Handle, error)
	Cancel(ctx context.Context, h Handle) error
}

// Sink consumes translated follower events. The supervisor implements it.
type Sink interface {
	Progress(attempt uint64)
	Terminal(attempt uint64, outcome mission.Outcome)
}

// Event is the wire format of the follower's event stream.
type Event struct {
	Type    string `json:"type"` // "progress" or "terminal"
	Handle  Handle `json:"handle"`
	Outcome string `json:"outcome,omitempty"`
}

const (
	EventProgress = "progress"
	EventTerminal = "terminal"
)

// parseOutcome maps a wire outcome onto the supervisor's vocabulary.
func parseOutcome(s string) (mission.Outcome, bool) {
	switch mission.Outcome(s) {
	case mission.OutcomeReached, mission.OutcomeBlocked,
		mission.OutcomeTimedOut, mission.OutcomeCancelled:
		return mission.Outcome(s), true
	}
	return mission.OutcomeNone, false
}
