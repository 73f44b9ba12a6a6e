// Package mission implements the mission supervisor: an ordered queue of
// navigation goals and the state machine that dispatches them one at a
// time to a path follower, applying retry, supersession and abort policy.
package mission

import (
	"errors"
	"math"
	"time"
)

// Pose is a geographic position plus heading.
type Pose struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Heading float64 `json:"heading"` // radians, NED
}

// Valid reports whether all pose fields are finite numbers.
func (p Pose) Valid() bool {
	for _, v := range []float64{p.Lat, p.Lon, p.Heading} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Tolerances define how close the platform must get to a goal for the
// follower to consider it reached.
type Tolerances struct {
	Linear  float64 `json:"linear"`  // meters
	Angular float64 `json:"angular"` // radians
}

// Goal is a single navigation target. Goals are immutable once enqueued;
// Seq is assigned by the supervisor at enqueue time and is unique for the
// supervisor's lifetime.
type Goal struct {
	Seq     uint64        `json:"seq"`
	Name    string        `json:"name,omitempty"`
	Target  Pose          `json:"target"`
	Tol     Tolerances    `json:"tolerances"`
	Timeout time.Duration `json:"timeout,omitempty"` // 0 = use configured default
}

// State is the mission lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateSucceeded State = "succeeded"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// Terminal reports whether s is a terminal mission state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateAborted || s == StateFailed
}

// Outcome is the terminal result of one goal dispatch.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeReached   Outcome = "reached"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Termination reasons carried on aborted/failed missions.
const (
	ReasonSuperseded      = "superseded"
	ReasonGoalUnreachable = "goal_unreachable"
	ReasonForcedCancel    = "forced_cancel"
	ReasonFollowerCancel  = "follower_cancelled"
)

// ErrInvalidMission is returned for an empty or malformed goal list.
// The submission leaves the current mission untouched.
var ErrInvalidMission = errors.New("mission: empty or malformed goal list")

// ErrMissionActive is returned when a submission arrives while a mission
// is active and the supersede policy is reject_while_active.
var ErrMissionActive = errors.New("mission: a mission is already active")

// StatusEvent is published on every state transition and every goal
// advancement.
type StatusEvent struct {
	MissionID   string    `json:"mission_id,omitempty"`
	State       State     `json:"state"`
	GoalIndex   int       `json:"goal_index"`
	GoalCount   int       `json:"goal_count"`
	Attempt     int       `json:"attempt,omitempty"` // failed attempts for current goal
	LastOutcome Outcome   `json:"last_outcome,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"ts"`
}

// Notifier consumes status events. Implementations must not block; they
// are invoked from the supervisor's decision loop.
type Notifier interface {
	Notify(ev StatusEvent)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(StatusEvent)

func (f NotifierFunc) Notify(ev StatusEvent) { f(ev) }

// View is a full snapshot of the current mission for status reporting.
// Completed goals remain visible until the mission is replaced.
type View struct {
	MissionID   string    `json:"mission_id,omitempty"`
	State       State     `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	GoalIndex   int       `json:"goal_index"`
	Goals       []Goal    `json:"goals,omitempty"`
	Attempt     int       `json:"attempt"`
	LastOutcome Outcome   `json:"last_outcome,omitempty"`
}
