package mission

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/go-skipper/internal/config"
	"github.com/harborline/go-skipper/internal/log"
	"github.com/harborline/go-skipper/internal/observability"
)

// Mission is an ordered sequence of goals submitted as one unit. It is
// owned by the supervisor for its whole lifetime and kept around in its
// terminal state until a new submission replaces it.
type Mission struct {
	ID        string
	CreatedAt time.Time
	Queue     *Queue
	State     State
	Reason    string
}

// Dispatcher issues goals to the path follower. Start and Cancel must not
// block on the follower; progress and terminal results come back through
// the supervisor's Progress/Terminal intake, tagged with the attempt
// identity they were started under.
type Dispatcher interface {
	Start(attempt uint64, g Goal, timeout time.Duration)
	Cancel(attempt uint64)
}

// Supervisor is the mission state machine. All transitions run on the
// single goroutine inside Run; the exported methods post events into it.
type Supervisor struct {
	dispatcher Dispatcher
	events     chan event
	notifiers  []Notifier
	logger     *slog.Logger

	// Everything below is owned by the run loop.
	cfg     config.Snapshot
	mission *Mission

	attempt      uint64 // identity of the in-flight dispatch, 0 = none
	attemptSeq   uint64
	goalSeq      uint64
	retries      int // failed attempts for the current goal
	dispatchedAt time.Time

	cancelPending bool
	cancelReason  string

	pendingOutcome *Outcome // terminal outcome deferred while paused
	pendingRetry   bool     // retry backoff expired while paused

	lastPose   Pose
	lastPoseAt time.Time

	staleTimer *time.Timer
	retryTimer *time.Timer
	graceTimer *time.Timer

	lastEvent StatusEvent
}

// NewSupervisor creates a supervisor idle at construction. The initial
// parameter snapshot comes from cfg; later snapshots arrive through
// ApplyConfig.
func NewSupervisor(d Dispatcher, params config.Params) *Supervisor {
	s := &Supervisor{
		dispatcher: d,
		events:     make(chan event, 256),
		logger:     log.Component("supervisor"),
		cfg:        config.Snapshot{Version: 1, Params: params},
	}
	s.lastEvent = StatusEvent{State: StateIdle, Timestamp: time.Now()}
	return s
}

// SetDispatcher attaches the dispatcher. The supervisor and dispatcher
// reference each other, so one of them is wired up after construction.
// Must be called before Run.
func (s *Supervisor) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// AddNotifier registers a status consumer. Call before Run.
func (s *Supervisor) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// Run consumes the inbound event stream until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started", "config_version", s.cfg.Version)
	for {
		select {
		case <-ctx.Done():
			s.stopTimers()
			s.logger.Info("supervisor stopped")
			return ctx.Err()
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// ============================================================
// Public API. Each call becomes an event on the loop.
// ============================================================

// Submit replaces or starts a mission from an ordered goal list and
// returns the new mission id. Empty or malformed goal lists are rejected
// with ErrInvalidMission; a submission while a mission is active is
// resolved by the configured supersede policy.
func (s *Supervisor) Submit(goals []Goal) (string, error) {
	reply := make(chan submitReply, 1)
	s.events <- event{kind: evSubmit, goals: goals, reply: reply}
	r := <-reply
	return r.id, r.err
}

// CancelMission cancels the current mission. Idempotent: cancelling when
// idle, or twice, is a no-op.
func (s *Supervisor) CancelMission(reason string) {
	s.events <- event{kind: evCancel, reason: reason}
}

// Pause suspends advancement decisions without cancelling the in-flight
// goal. Best effort: ignored unless a mission is active.
func (s *Supervisor) Pause() {
	s.events <- event{kind: evPause}
}

// Resume returns a paused mission to active and applies any decision
// deferred while paused. Best effort.
func (s *Supervisor) Resume() {
	s.events <- event{kind: evResume}
}

// Progress implements the follower event intake for progress pulses.
func (s *Supervisor) Progress(attempt uint64) {
	s.events <- event{kind: evProgress, attempt: attempt}
}

// Terminal implements the follower event intake for terminal outcomes.
func (s *Supervisor) Terminal(attempt uint64, outcome Outcome) {
	s.events <- event{kind: evTerminal, attempt: attempt, outcome: outcome}
}

// OnPose feeds a pose update into the loop. Pose freshness is what the
// staleness monitor watches while a goal is in flight.
func (s *Supervisor) OnPose(p Pose, at time.Time) {
	s.events <- event{kind: evPose, pose: p, poseAt: at}
}

// ApplyConfig replaces the parameter snapshot. It takes effect at the
// next decision point, never retroactively on the in-flight dispatch.
func (s *Supervisor) ApplyConfig(snap config.Snapshot) {
	s.events <- event{kind: evConfig, snap: snap}
}

// Status returns the most recent status event.
func (s *Supervisor) Status() StatusEvent {
	reply := make(chan StatusEvent, 1)
	s.events <- event{kind: evStatus, statusReply: reply}
	return <-reply
}

// MissionView returns a full snapshot of the current (or last) mission.
func (s *Supervisor) MissionView() View {
	reply := make(chan View, 1)
	s.events <- event{kind: evView, viewReply: reply}
	return <-reply
}

// ============================================================
// Event loop
// ============================================================

func (s *Supervisor) handle(ev event) {
	switch ev.kind {
	case evSubmit:
		id, err := s.handleSubmit(ev.goals)
		ev.reply <- submitReply{id: id, err: err}
	case evCancel:
		s.handleCancel(ev.reason)
	case evPause:
		s.handlePause()
	case evResume:
		s.handleResume()
	case evProgress:
		s.handleProgress(ev.attempt)
	case evTerminal:
		s.handleTerminal(ev.attempt, ev.outcome)
	case evPose:
		s.handlePose(ev.pose, ev.poseAt)
	case evConfig:
		s.handleConfig(ev.snap)
	case evStale:
		s.handleStale(ev.attempt)
	case evRetry:
		s.handleRetry(ev.missionID)
	case evGrace:
		s.handleGrace(ev.attempt)
	case evStatus:
		ev.statusReply <- s.lastEvent
	case evView:
		ev.viewReply <- s.view()
	}
}

func (s *Supervisor) handleSubmit(goals []Goal) (string, error) {
	if len(goals) == 0 {
		return "", ErrInvalidMission
	}
	for _, g := range goals {
		if !g.Target.Valid() || g.Tol.Linear < 0 || g.Tol.Angular < 0 || g.Timeout < 0 {
			return "", ErrInvalidMission
		}
	}

	if s.missionRunning() {
		if s.cfg.SupersedePolicy == config.PolicyRejectWhileActive {
			s.logger.Info("submission rejected, mission active", "mission", s.mission.ID)
			return "", ErrMissionActive
		}
		s.logger.Info("mission superseded", "mission", s.mission.ID)
		s.terminate(StateAborted, ReasonSuperseded, OutcomeNone, false)
	}

	seq := make([]Goal, len(goals))
	copy(seq, goals)
	for i := range seq {
		s.goalSeq++
		seq[i].Seq = s.goalSeq
	}

	m := &Mission{
		ID:        uuid.New().String()[:8],
		CreatedAt: time.Now(),
		Queue:     NewQueue(seq),
		State:     StateActive,
	}
	s.mission = m
	s.retries = 0
	s.logger.Info("mission accepted", "mission", m.ID, "goals", m.Queue.Len())
	s.dispatchCurrent()
	return m.ID, nil
}

func (s *Supervisor) handleCancel(reason string) {
	if !s.missionRunning() {
		return // idempotent: nothing to cancel, no duplicate events
	}
	if s.cancelPending {
		return
	}
	if reason == "" {
		reason = "operator_request"
	}
	if s.attempt != 0 {
		// Cooperative: ask the follower to abort and wait for its
		// acknowledgement, bounded by the grace window.
		s.cancelPending = true
		s.cancelReason = reason
		s.dispatcher.Cancel(s.attempt)
		s.armGrace(s.attempt)
		s.logger.Info("cancel requested", "mission", s.mission.ID, "reason", reason)
		return
	}
	s.terminate(StateAborted, reason, OutcomeNone, true)
}

func (s *Supervisor) handlePause() {
	if s.mission == nil || s.mission.State != StateActive {
		return
	}
	s.mission.State = StatePaused
	s.stopStale()
	s.logger.Info("mission paused", "mission", s.mission.ID)
	s.emit(OutcomeNone, "")
}

func (s *Supervisor) handleResume() {
	if s.mission == nil || s.mission.State != StatePaused {
		return
	}
	s.mission.State = StateActive
	s.logger.Info("mission resumed", "mission", s.mission.ID)
	s.emit(OutcomeNone, "")

	switch {
	case s.pendingOutcome != nil:
		o := *s.pendingOutcome
		s.pendingOutcome = nil
		s.applyOutcome(o)
	case s.pendingRetry:
		s.pendingRetry = false
		s.dispatchCurrent()
	case s.attempt != 0:
		s.armStale(s.attempt)
	}
}

func (s *Supervisor) handleProgress(attempt uint64) {
	if attempt == 0 || attempt != s.attempt {
		return
	}
	if s.mission != nil && s.mission.State == StatePaused {
		return
	}
	s.armStale(attempt) // progress pulses refresh the activity window
}

func (s *Supervisor) handleTerminal(attempt uint64, outcome Outcome) {
	if attempt == 0 || attempt != s.attempt {
		// A delayed terminal from a cancelled or superseded dispatch.
		// Attempt identities never repeat, so it can be discarded safely.
		s.logger.Debug("stale terminal discarded", "attempt", attempt, "outcome", outcome)
		return
	}
	observability.RecordGoalOutcome(string(outcome))
	observability.RecordDispatch(string(outcome), time.Since(s.dispatchedAt))

	if s.mission != nil && s.mission.State == StatePaused && !s.cancelPending {
		s.pendingOutcome = &outcome
		s.stopStale()
		return
	}
	s.applyOutcome(outcome)
}

func (s *Supervisor) handlePose(p Pose, at time.Time) {
	s.lastPose = p
	s.lastPoseAt = at
	if s.attempt != 0 && (s.mission == nil || s.mission.State != StatePaused) {
		s.armStale(s.attempt)
	}
}

func (s *Supervisor) handleConfig(snap config.Snapshot) {
	s.logger.Info("config snapshot applied", "version", snap.Version)
	s.cfg = snap
}

// handleStale fires when neither a pose update nor a follower progress
// pulse arrived within the staleness threshold while a goal was in
// flight. The monitoring fault is escalated as a synthetic timed-out
// dispatch and flows through the normal retry/abort policy.
func (s *Supervisor) handleStale(attempt uint64) {
	if attempt == 0 || attempt != s.attempt {
		return
	}
	if s.mission != nil && s.mission.State == StatePaused {
		return
	}
	s.logger.Warn("monitoring fault: no pose or progress within threshold",
		"mission", s.mission.ID, "goal_index", s.mission.Queue.Cursor(),
		"threshold", s.cfg.PoseStalenessThreshold.Std())
	s.dispatcher.Cancel(attempt)
	observability.RecordGoalOutcome(string(OutcomeTimedOut))
	observability.RecordDispatch(string(OutcomeTimedOut), time.Since(s.dispatchedAt))
	s.applyOutcome(OutcomeTimedOut)
}

func (s *Supervisor) handleRetry(missionID string) {
	if s.mission == nil || s.mission.ID != missionID || s.mission.State.Terminal() {
		return
	}
	if s.cancelPending || s.attempt != 0 {
		return
	}
	if s.mission.State == StatePaused {
		s.pendingRetry = true
		return
	}
	s.dispatchCurrent()
}

// handleGrace fires when the follower did not acknowledge a cancel
// within the grace window. The abort is forced locally.
func (s *Supervisor) handleGrace(attempt uint64) {
	if !s.cancelPending || attempt != s.attempt {
		return
	}
	s.logger.Warn("forced cancel: follower did not acknowledge within grace",
		"mission", s.mission.ID, "grace", s.cfg.CancelGrace.Std())
	s.terminate(StateAborted, ReasonForcedCancel, OutcomeNone, true)
}

// ============================================================
// Decisions
// ============================================================

// applyOutcome runs the goal-advancement algorithm for a terminal
// outcome of the in-flight dispatch.
func (s *Supervisor) applyOutcome(outcome Outcome) {
	s.attempt = 0
	s.stopStale()
	s.lastEvent.LastOutcome = outcome

	switch outcome {
	case OutcomeReached:
		if s.cancelPending {
			// Reached while a cancel was pending still ends the mission.
			s.terminate(StateAborted, s.cancelReason, outcome, true)
			return
		}
		s.logger.Info("goal reached", "mission", s.mission.ID,
			"goal_index", s.mission.Queue.Cursor())
		if !s.mission.Queue.Advance() {
			s.terminate(StateSucceeded, "", outcome, true)
			return
		}
		s.retries = 0
		s.dispatchCurrent()

	case OutcomeBlocked, OutcomeTimedOut:
		if s.cancelPending {
			s.terminate(StateAborted, s.cancelReason, outcome, true)
			return
		}
		s.retries++
		if s.retries <= s.cfg.MaxRetriesPerGoal {
			observability.RecordGoalRetry()
			s.logger.Info("goal attempt failed, retrying",
				"mission", s.mission.ID, "goal_index", s.mission.Queue.Cursor(),
				"outcome", outcome, "attempt", s.retries, "max", s.cfg.MaxRetriesPerGoal)
			if backoff := s.cfg.RetryBackoff.Std(); backoff > 0 {
				s.armRetry(backoff)
				return
			}
			s.dispatchCurrent()
			return
		}
		if s.cfg.AbortOnGoalFailure {
			s.terminate(StateFailed, ReasonGoalUnreachable, outcome, true)
			return
		}
		// Skip policy: give up on this goal and move on.
		s.logger.Warn("goal unreachable, skipping", "mission", s.mission.ID,
			"goal_index", s.mission.Queue.Cursor())
		if !s.mission.Queue.Advance() {
			s.terminate(StateSucceeded, "", outcome, true)
			return
		}
		s.retries = 0
		s.dispatchCurrent()

	case OutcomeCancelled:
		if s.cancelPending {
			s.terminate(StateAborted, s.cancelReason, outcome, true)
			return
		}
		// The follower gave up on its own; no retry for external cancels.
		s.terminate(StateAborted, ReasonFollowerCancel, outcome, true)
	}
}

// dispatchCurrent issues the goal under the cursor to the follower with
// tolerances and timeout resolved against the current snapshot.
func (s *Supervisor) dispatchCurrent() {
	g, ok := s.mission.Queue.Current()
	if !ok {
		return
	}
	eff := g
	if eff.Tol.Linear == 0 {
		eff.Tol.Linear = s.cfg.GoalToleranceLinear
	}
	if eff.Tol.Angular == 0 {
		eff.Tol.Angular = s.cfg.GoalToleranceAngular
	}
	timeout := g.Timeout
	if timeout == 0 {
		timeout = s.cfg.DefaultGoalTimeout.Std()
	}

	s.attemptSeq++
	s.attempt = s.attemptSeq
	s.dispatchedAt = time.Now()
	s.armStale(s.attempt)

	s.logger.Info("dispatching goal", "mission", s.mission.ID,
		"goal_index", s.mission.Queue.Cursor(), "seq", g.Seq,
		"attempt_id", s.attempt, "timeout", timeout)
	s.dispatcher.Start(s.attempt, eff, timeout)
	s.emit(s.lastEvent.LastOutcome, "")
}

// terminate moves the mission to a terminal state. The mission object is
// kept for inspection; emitIdle controls whether the machine announces
// its return to idle (suppressed when a new mission activates
// immediately, as in supersession).
func (s *Supervisor) terminate(state State, reason string, outcome Outcome, emitIdle bool) {
	if s.attempt != 0 {
		s.dispatcher.Cancel(s.attempt)
		s.attempt = 0
	}
	s.stopTimers()
	s.cancelPending = false
	s.cancelReason = ""
	s.pendingOutcome = nil
	s.pendingRetry = false

	s.mission.State = state
	s.mission.Reason = reason
	observability.RecordMissionTerminal(string(state), reason)
	s.logger.Info("mission finished", "mission", s.mission.ID,
		"state", state, "reason", reason, "goal_index", s.mission.Queue.Cursor())
	s.emit(outcome, reason)
	if emitIdle {
		s.emitIdle()
	}
}

func (s *Supervisor) missionRunning() bool {
	return s.mission != nil && !s.mission.State.Terminal()
}

// ============================================================
// Status emission
// ============================================================

func (s *Supervisor) emit(outcome Outcome, reason string) {
	ev := StatusEvent{
		MissionID:   s.mission.ID,
		State:       s.mission.State,
		GoalIndex:   s.mission.Queue.Cursor(),
		GoalCount:   s.mission.Queue.Len(),
		Attempt:     s.retries,
		LastOutcome: outcome,
		Reason:      reason,
		Timestamp:   time.Now(),
	}
	s.publish(ev)
}

func (s *Supervisor) emitIdle() {
	s.publish(StatusEvent{State: StateIdle, Timestamp: time.Now()})
}

func (s *Supervisor) publish(ev StatusEvent) {
	s.lastEvent = ev
	for _, n := range s.notifiers {
		n.Notify(ev)
	}
}

func (s *Supervisor) view() View {
	if s.mission == nil {
		return View{State: StateIdle}
	}
	state := s.mission.State
	return View{
		MissionID:   s.mission.ID,
		State:       state,
		Reason:      s.mission.Reason,
		CreatedAt:   s.mission.CreatedAt,
		GoalIndex:   s.mission.Queue.Cursor(),
		Goals:       s.mission.Queue.Goals(),
		Attempt:     s.retries,
		LastOutcome: s.lastEvent.LastOutcome,
	}
}

// ============================================================
// Timers. Expiries are scheduled events, never blocking waits. Each
// carries the identity it was armed for so a late expiry cannot touch
// newer state.
// ============================================================

func (s *Supervisor) armStale(attempt uint64) {
	s.stopStale()
	d := s.cfg.PoseStalenessThreshold.Std()
	s.staleTimer = time.AfterFunc(d, func() {
		s.events <- event{kind: evStale, attempt: attempt}
	})
}

func (s *Supervisor) stopStale() {
	if s.staleTimer != nil {
		s.staleTimer.Stop()
		s.staleTimer = nil
	}
}

func (s *Supervisor) armRetry(d time.Duration) {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	id := s.mission.ID
	s.retryTimer = time.AfterFunc(d, func() {
		s.events <- event{kind: evRetry, missionID: id}
	})
}

func (s *Supervisor) armGrace(attempt uint64) {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(s.cfg.CancelGrace.Std(), func() {
		s.events <- event{kind: evGrace, attempt: attempt}
	})
}

func (s *Supervisor) stopTimers() {
	s.stopStale()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}
