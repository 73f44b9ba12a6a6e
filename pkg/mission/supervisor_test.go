package mission

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/harborline/go-skipper/internal/config"
)

// mockDispatcher records every Start and Cancel. Handlers are invoked
// synchronously in these tests, so no locking is needed.
type mockDispatcher struct {
	starts  []startCall
	cancels []uint64
}

type startCall struct {
	attempt uint64
	goal    Goal
	timeout time.Duration
}

func (m *mockDispatcher) Start(attempt uint64, g Goal, timeout time.Duration) {
	m.starts = append(m.starts, startCall{attempt, g, timeout})
}

func (m *mockDispatcher) Cancel(attempt uint64) {
	m.cancels = append(m.cancels, attempt)
}

// testParams uses hour-scale timers so nothing real fires while a test
// drives the handlers directly.
func testParams() config.Params {
	p := config.DefaultParams()
	p.PoseStalenessThreshold = config.Duration(time.Hour)
	p.CancelGrace = config.Duration(time.Hour)
	p.RetryBackoff = 0
	return p
}

func newTestSupervisor(t *testing.T, p config.Params) (*Supervisor, *mockDispatcher, *[]StatusEvent) {
	t.Helper()
	d := &mockDispatcher{}
	s := NewSupervisor(d, p)
	events := &[]StatusEvent{}
	s.AddNotifier(NotifierFunc(func(ev StatusEvent) { *events = append(*events, ev) }))
	t.Cleanup(s.stopTimers)
	return s, d, events
}

func waypoints(n int) []Goal {
	gs := make([]Goal, n)
	for i := range gs {
		gs[i] = Goal{Target: Pose{Lat: 42.0 + float64(i)*0.001, Lon: -70.0}}
	}
	return gs
}

func lastEvent(t *testing.T, events *[]StatusEvent) StatusEvent {
	t.Helper()
	if len(*events) == 0 {
		t.Fatal("no status events published")
	}
	return (*events)[len(*events)-1]
}

func TestSubmit_RejectsEmptyAndMalformed(t *testing.T) {
	s, d, _ := newTestSupervisor(t, testParams())

	cases := []struct {
		name  string
		goals []Goal
	}{
		{"empty", nil},
		{"nan latitude", []Goal{{Target: Pose{Lat: math.NaN()}}}},
		{"negative tolerance", []Goal{{Target: Pose{Lat: 1}, Tol: Tolerances{Linear: -1}}}},
		{"negative timeout", []Goal{{Target: Pose{Lat: 1}, Timeout: -time.Second}}},
	}
	for _, tc := range cases {
		if _, err := s.handleSubmit(tc.goals); !errors.Is(err, ErrInvalidMission) {
			t.Errorf("%s: got err %v, want ErrInvalidMission", tc.name, err)
		}
	}
	if len(d.starts) != 0 {
		t.Errorf("rejected submissions dispatched %d goals", len(d.starts))
	}
	if s.mission != nil {
		t.Error("rejected submission created a mission")
	}
}

func TestMission_AllGoalsReached(t *testing.T) {
	s, d, events := newTestSupervisor(t, testParams())

	id, err := s.handleSubmit(waypoints(3))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatal("submit returned empty mission id")
	}

	for i := 0; i < 3; i++ {
		if len(d.starts) != i+1 {
			t.Fatalf("after %d outcomes: got %d dispatches, want %d", i, len(d.starts), i+1)
		}
		s.handleTerminal(s.attempt, OutcomeReached)
	}

	if s.mission.State != StateSucceeded {
		t.Errorf("state: got %s, want succeeded", s.mission.State)
	}
	if got := s.mission.Queue.Cursor(); got != 2 {
		t.Errorf("final goal index: got %d, want 2", got)
	}
	// succeeded event followed by the return to idle
	n := len(*events)
	if n < 2 {
		t.Fatalf("got %d events, want at least 2", n)
	}
	if (*events)[n-2].State != StateSucceeded || (*events)[n-1].State != StateIdle {
		t.Errorf("final events: got %s, %s; want succeeded, idle",
			(*events)[n-2].State, (*events)[n-1].State)
	}
}

func TestMission_SingleGoal(t *testing.T) {
	s, _, _ := newTestSupervisor(t, testParams())

	if _, err := s.handleSubmit(waypoints(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.handleTerminal(s.attempt, OutcomeReached)
	if s.mission.State != StateSucceeded {
		t.Errorf("state: got %s, want succeeded", s.mission.State)
	}
}

func TestRetry_ExhaustAbortsMission(t *testing.T) {
	p := testParams()
	p.MaxRetriesPerGoal = 1
	p.AbortOnGoalFailure = true
	s, d, _ := newTestSupervisor(t, p)

	if _, err := s.handleSubmit(waypoints(3)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	s.handleTerminal(s.attempt, OutcomeReached) // goal 0 done
	s.handleTerminal(s.attempt, OutcomeBlocked) // goal 1 fails, one retry left
	if len(d.starts) != 3 {
		t.Fatalf("after first failure: got %d dispatches, want 3 (retry issued)", len(d.starts))
	}
	s.handleTerminal(s.attempt, OutcomeBlocked) // retry fails too

	if s.mission.State != StateFailed {
		t.Errorf("state: got %s, want failed", s.mission.State)
	}
	if s.mission.Reason != ReasonGoalUnreachable {
		t.Errorf("reason: got %q, want %q", s.mission.Reason, ReasonGoalUnreachable)
	}
	// Goal 2 must never have been dispatched.
	if len(d.starts) != 3 {
		t.Errorf("total dispatches: got %d, want 3", len(d.starts))
	}
	if got := s.mission.Queue.Cursor(); got != 1 {
		t.Errorf("failed goal index: got %d, want 1", got)
	}
}

func TestRetry_SkipPolicyAdvances(t *testing.T) {
	p := testParams()
	p.MaxRetriesPerGoal = 0
	p.AbortOnGoalFailure = false
	s, d, _ := newTestSupervisor(t, p)

	if _, err := s.handleSubmit(waypoints(2)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	s.handleTerminal(s.attempt, OutcomeTimedOut) // goal 0 unreachable, skipped
	if len(d.starts) != 2 {
		t.Fatalf("after skip: got %d dispatches, want 2", len(d.starts))
	}
	if got := s.mission.Queue.Cursor(); got != 1 {
		t.Fatalf("cursor after skip: got %d, want 1", got)
	}
	s.handleTerminal(s.attempt, OutcomeReached)

	if s.mission.State != StateSucceeded {
		t.Errorf("state: got %s, want succeeded", s.mission.State)
	}
}

func TestRetry_SkipPolicyLastGoal(t *testing.T) {
	p := testParams()
	p.MaxRetriesPerGoal = 0
	p.AbortOnGoalFailure = false
	s, _, _ := newTestSupervisor(t, p)

	if _, err := s.handleSubmit(waypoints(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.handleTerminal(s.attempt, OutcomeBlocked)

	// Skipping the only goal still completes the mission.
	if s.mission.State != StateSucceeded {
		t.Errorf("state: got %s, want succeeded", s.mission.State)
	}
}

func TestRetry_BackoffDefersDispatch(t *testing.T) {
	p := testParams()
	p.MaxRetriesPerGoal = 2
	p.RetryBackoff = config.Duration(time.Hour)
	s, d, _ := newTestSupervisor(t, p)

	id, err := s.handleSubmit(waypoints(1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.handleTerminal(s.attempt, OutcomeBlocked)
	if len(d.starts) != 1 {
		t.Fatalf("dispatch during backoff: got %d starts, want 1", len(d.starts))
	}

	s.handleRetry(id) // backoff expiry
	if len(d.starts) != 2 {
		t.Errorf("after backoff expiry: got %d starts, want 2", len(d.starts))
	}

	// A retry timer armed for a superseded mission must not dispatch.
	s.handleTerminal(s.attempt, OutcomeBlocked)
	if _, err := s.handleSubmit(waypoints(1)); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	before := len(d.starts)
	s.handleRetry(id)
	if len(d.starts) != before {
		t.Errorf("stale retry dispatched: got %d starts, want %d", len(d.starts), before)
	}
}

func TestRetry_StatusCarriesFailedOutcome(t *testing.T) {
	p := testParams()
	p.MaxRetriesPerGoal = 1
	s, _, events := newTestSupervisor(t, p)

	if _, err := s.handleSubmit(waypoints(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.handleTerminal(s.attempt, OutcomeBlocked)

	ev := lastEvent(t, events)
	if ev.LastOutcome != OutcomeBlocked {
		t.Errorf("retry event outcome: got %q, want blocked", ev.LastOutcome)
	}
	if ev.Attempt != 1 {
		t.Errorf("retry event attempt: got %d, want 1", ev.Attempt)
	}
}

func TestSupersede_AbortsActiveMission(t *testing.T) {
	s, d, events := newTestSupervisor(t, testParams())

	firstID, err := s.handleSubmit(waypoints(2))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	firstAttempt := s.attempt

	secondID, err := s.handleSubmit(waypoints(1))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if secondID == firstID {
		t.Error("superseding mission reused the old id")
	}
	if len(d.cancels) != 1 || d.cancels[0] != firstAttempt {
		t.Errorf("cancels: got %v, want [%d]", d.cancels, firstAttempt)
	}

	// The abort event carries the superseded reason; no idle event is
	// interposed before the new mission's first dispatch.
	var abort StatusEvent
	for _, ev := range *events {
		if ev.State == StateAborted {
			abort = ev
		}
		if ev.State == StateIdle && ev.Timestamp.After(abort.Timestamp) && !abort.Timestamp.IsZero() {
			t.Error("idle event published during supersession")
		}
	}
	if abort.Reason != ReasonSuperseded {
		t.Errorf("abort reason: got %q, want %q", abort.Reason, ReasonSuperseded)
	}

	// A delayed terminal from the superseded dispatch is discarded.
	before := len(d.starts)
	s.handleTerminal(firstAttempt, OutcomeCancelled)
	if s.mission.State != StateActive || s.mission.ID != secondID {
		t.Errorf("stale terminal disturbed new mission: state %s id %s", s.mission.State, s.mission.ID)
	}
	if len(d.starts) != before {
		t.Errorf("stale terminal triggered a dispatch")
	}
}

func TestSupersede_RejectWhileActive(t *testing.T) {
	p := testParams()
	p.SupersedePolicy = config.PolicyRejectWhileActive
	s, d, _ := newTestSupervisor(t, p)

	id, err := s.handleSubmit(waypoints(2))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := s.handleSubmit(waypoints(1)); !errors.Is(err, ErrMissionActive) {
		t.Fatalf("second submit: got err %v, want ErrMissionActive", err)
	}

	if s.mission.ID != id || s.mission.State != StateActive {
		t.Errorf("active mission disturbed: id %s state %s", s.mission.ID, s.mission.State)
	}
	if len(d.starts) != 1 {
		t.Errorf("dispatches: got %d, want 1", len(d.starts))
	}

	// A terminal mission no longer blocks submission.
	s.handleCancel("operator_request")
	s.handleTerminal(s.attempt, OutcomeCancelled)
	if _, err := s.handleSubmit(waypoints(1)); err != nil {
		t.Errorf("submit after terminal: %v", err)
	}
}

func TestCancel_CooperativeThenAcknowledged(t *testing.T) {
	s, d, _ := newTestSupervisor(t, testParams())

	if _, err := s.handleSubmit(waypoints(2)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	attempt := s.attempt

	s.handleCancel("weather")
	if s.mission.State != StateActive {
		t.Errorf("state before follower ack: got %s, want active", s.mission.State)
	}
	if len(d.cancels) != 1 || d.cancels[0] != attempt {
		t.Fatalf("cancels: got %v, want [%d]", d.cancels, attempt)
	}

	s.handleTerminal(attempt, OutcomeCancelled)
	if s.mission.State != StateAborted {
		t.Errorf("state: got %s, want aborted", s.mission.State)
	}
	if s.mission.Reason != "weather" {
		t.Errorf("reason: got %q, want weather", s.mission.Reason)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	s, d, events := newTestSupervisor(t, testParams())

	// Cancelling with nothing running publishes nothing.
	s.handleCancel("")
	if len(*events) != 0 {
		t.Errorf("cancel when idle published %d events", len(*events))
	}

	if _, err := s.handleSubmit(waypoints(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.handleCancel("")
	s.handleCancel("") // second request is a no-op
	if len(d.cancels) != 1 {
		t.Errorf("dispatcher cancels: got %d, want 1", len(d.cancels))
	}

	s.handleTerminal(s.attempt, OutcomeCancelled)
	if s.mission.Reason != "operator_request" {
		t.Errorf("default reason: got %q, want operator_request", s.mission.Reason)
	}

	// Cancelling an already-terminal mission publishes nothing new.
	before := len(*events)
	s.handleCancel("")
	if len(*events) != before {
		t.Error("cancel after terminal published events")
	}
}

func TestCancel_GraceExpiryForcesAbort(t *testing.T) {
	s, _, _ := newTestSupervisor(t, testParams())

	if _, err := s.handleSubmit(waypoints(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	attempt := s.attempt
	s.handleCancel("")
	s.handleGrace(attempt)

	if s.mission.State != StateAborted {
		t.Errorf("state: got %s, want aborted", s.mission.State)
	}
	if s.mission.Reason != ReasonForcedCancel {
		t.Errorf("reason: got %q, want %q", s.mission.Reason, ReasonForcedCancel)
	}

	// A grace expiry that raced the follower's acknowledgement is inert.
	s.handleGrace(attempt)
	if s.mission.State != StateAborted {
		t.Errorf("state after stale grace: got %s", s.mission.State)
	}
}

func TestCancel_ReachedWhilePendingStillAborts(t *testing.T) {
	s, _, _ := newTestSupervisor(t, testParams())

	if _, err := s.handleSubmit(waypoints(2)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.handleCancel("operator_request")
	s.handleTerminal(s.attempt, OutcomeReached)

	if s.mission.State != StateAborted {
		t.Errorf("state: got %s, want aborted", s.mission.State)
	}
}

func TestPause_DefersTerminalOutcome(t *testing.T) {
	s, d, _ := newTestSupervisor(t, testParams())

	if _, err := s.handleSubmit(waypoints(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.handlePause()
	if s.mission.State != StatePaused {
		t.Fatalf("state: got %s, want paused", s.mission.State)
	}

	s.handleTerminal(s.attempt, OutcomeReached)
	if s.mission.State != StatePaused {
		t.Errorf("outcome applied while paused: state %s", s.mission.State)
	}

	s.handleResume()
	if s.mission.State != StateSucceeded {
		t.Errorf("state after resume: got %s, want succeeded", s.mission.State)
	}
	if len(d.starts) != 1 {
		t.Errorf("dispatches: got %d, want 1", len(d.starts))
	}
}

func TestPause_DefersRetryExpiry(t *testing.T) {
	p := testParams()
	p.MaxRetriesPerGoal = 1
	p.RetryBackoff = config.Duration(time.Hour)
	s, d, _ := newTestSupervisor(t, p)

	id, err := s.handleSubmit(waypoints(1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.handleTerminal(s.attempt, OutcomeBlocked)
	s.handlePause()
	s.handleRetry(id)
	if len(d.starts) != 1 {
		t.Fatalf("retry dispatched while paused: got %d starts", len(d.starts))
	}

	s.handleResume()
	if len(d.starts) != 2 {
		t.Errorf("after resume: got %d starts, want 2", len(d.starts))
	}
}

func TestPause_IgnoredWhenNotActive(t *testing.T) {
	s, _, events := newTestSupervisor(t, testParams())

	s.handlePause()
	s.handleResume()
	if len(*events) != 0 {
		t.Errorf("pause/resume when idle published %d events", len(*events))
	}
}

func TestStaleness_EscalatesAsTimedOut(t *testing.T) {
	p := testParams()
	p.MaxRetriesPerGoal = 1
	s, d, _ := newTestSupervisor(t, p)

	if _, err := s.handleSubmit(waypoints(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	attempt := s.attempt

	s.handleStale(attempt)
	if len(d.cancels) != 1 || d.cancels[0] != attempt {
		t.Errorf("cancels: got %v, want [%d]", d.cancels, attempt)
	}
	// Escalation flows through the retry policy: a fresh dispatch follows.
	if len(d.starts) != 2 {
		t.Fatalf("starts: got %d, want 2", len(d.starts))
	}
	if s.attempt == attempt {
		t.Error("retry reused the attempt identity")
	}

	// Expiry for a finished attempt is discarded.
	s.handleStale(attempt)
	if len(d.starts) != 2 {
		t.Errorf("stale expiry dispatched again: %d starts", len(d.starts))
	}
}

func TestStaleness_PausedMissionExempt(t *testing.T) {
	s, d, _ := newTestSupervisor(t, testParams())

	if _, err := s.handleSubmit(waypoints(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	attempt := s.attempt
	s.handlePause()
	s.handleStale(attempt)
	if len(d.cancels) != 0 {
		t.Errorf("staleness escalated while paused: %d cancels", len(d.cancels))
	}
}

func TestDispatch_ResolvesDefaultsFromSnapshot(t *testing.T) {
	p := testParams()
	p.GoalToleranceLinear = 3.5
	p.GoalToleranceAngular = 0.4
	p.DefaultGoalTimeout = config.Duration(90 * time.Second)
	s, d, _ := newTestSupervisor(t, p)

	goals := []Goal{
		{Target: Pose{Lat: 1}}, // everything defaulted
		{Target: Pose{Lat: 2}, Tol: Tolerances{Linear: 1, Angular: 0.1}, Timeout: 30 * time.Second},
	}
	if _, err := s.handleSubmit(goals); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.handleTerminal(s.attempt, OutcomeReached)

	if len(d.starts) != 2 {
		t.Fatalf("starts: got %d, want 2", len(d.starts))
	}
	first := d.starts[0]
	if first.goal.Tol.Linear != 3.5 || first.goal.Tol.Angular != 0.4 {
		t.Errorf("defaulted tolerances: got %+v", first.goal.Tol)
	}
	if first.timeout != 90*time.Second {
		t.Errorf("defaulted timeout: got %v, want 90s", first.timeout)
	}
	second := d.starts[1]
	if second.goal.Tol.Linear != 1 || second.timeout != 30*time.Second {
		t.Errorf("explicit tolerances/timeout overridden: %+v timeout %v", second.goal.Tol, second.timeout)
	}
}

func TestConfig_SnapshotAppliesAtNextDecision(t *testing.T) {
	p := testParams()
	p.MaxRetriesPerGoal = 0
	p.AbortOnGoalFailure = true
	s, d, _ := newTestSupervisor(t, p)

	if _, err := s.handleSubmit(waypoints(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	next := p
	next.MaxRetriesPerGoal = 1
	s.handleConfig(config.Snapshot{Version: 2, Params: next})

	// The failure is judged under the new snapshot: one retry is granted.
	s.handleTerminal(s.attempt, OutcomeBlocked)
	if s.mission.State != StateActive {
		t.Fatalf("state: got %s, want active (retrying)", s.mission.State)
	}
	if len(d.starts) != 2 {
		t.Errorf("starts: got %d, want 2", len(d.starts))
	}
}

func TestGoals_SequenceNumbersAreUnique(t *testing.T) {
	s, d, _ := newTestSupervisor(t, testParams())

	if _, err := s.handleSubmit(waypoints(2)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := s.handleSubmit(waypoints(2)); err != nil {
		t.Fatalf("second submit: %v", err)
	}

	seen := map[uint64]bool{}
	for _, c := range d.starts {
		if c.goal.Seq == 0 {
			t.Error("dispatched goal with zero seq")
		}
		seen[c.goal.Seq] = true
	}
	all := s.mission.Queue.Goals()
	if all[0].Seq == all[1].Seq {
		t.Error("goals within a mission share a seq")
	}
	if all[0].Seq <= 2 {
		t.Errorf("second mission reused seq space: first seq %d", all[0].Seq)
	}
}

func TestView_ReflectsMissionProgress(t *testing.T) {
	s, _, _ := newTestSupervisor(t, testParams())

	if got := s.view(); got.State != StateIdle {
		t.Fatalf("idle view state: got %s", got.State)
	}

	if _, err := s.handleSubmit(waypoints(3)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.handleTerminal(s.attempt, OutcomeReached)

	v := s.view()
	if v.State != StateActive || v.GoalIndex != 1 || len(v.Goals) != 3 {
		t.Errorf("view: got state=%s index=%d goals=%d, want active 1 3",
			v.State, v.GoalIndex, len(v.Goals))
	}
	if v.LastOutcome != OutcomeReached {
		t.Errorf("view outcome: got %q, want reached", v.LastOutcome)
	}

	// Completed missions remain inspectable.
	s.handleCancel("operator_request")
	s.handleTerminal(s.attempt, OutcomeCancelled)
	v = s.view()
	if v.State != StateAborted || v.Reason != "operator_request" {
		t.Errorf("terminal view: got state=%s reason=%q", v.State, v.Reason)
	}
}

func TestFollowerCancel_AbortsWithoutRetry(t *testing.T) {
	s, d, _ := newTestSupervisor(t, testParams())

	if _, err := s.handleSubmit(waypoints(2)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.handleTerminal(s.attempt, OutcomeCancelled)

	if s.mission.State != StateAborted {
		t.Errorf("state: got %s, want aborted", s.mission.State)
	}
	if s.mission.Reason != ReasonFollowerCancel {
		t.Errorf("reason: got %q, want %q", s.mission.Reason, ReasonFollowerCancel)
	}
	if len(d.starts) != 1 {
		t.Errorf("starts: got %d, want 1 (no retry for external cancel)", len(d.starts))
	}
}
