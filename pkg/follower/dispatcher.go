package follower

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harborline/go-skipper/internal/log"
	"github.com/harborline/go-skipper/pkg/mission"
)

// inflight tracks one dispatched goal attempt.
type inflight struct {
	attempt   uint64
	handle    Handle // empty until StartGoal returns
	timeout   time.Duration
	timer     *time.Timer
	cancelled bool // Cancel arrived before the handle was known
}

// Dispatcher implements mission.Dispatcher over a follower Client. At
// most one goal is in flight at a time from the supervisor's point of
// view, but a cancelled attempt may linger here briefly until the
// follower acknowledges; records are keyed by attempt so the two never
// mix.
//
// If the follower reports neither a terminal outcome nor a progress
// pulse within the attempt's timeout window, the dispatcher synthesizes
// a timed-out outcome and cancels the goal on the follower.
type Dispatcher struct {
	client Client
	sink   Sink
	logger *slog.Logger

	mu        sync.Mutex
	byAttempt map[uint64]*inflight
	byHandle  map[Handle]uint64
}

// NewDispatcher wires a follower client to a sink.
func NewDispatcher(c Client, sink Sink) *Dispatcher {
	return &Dispatcher{
		client:    c,
		sink:      sink,
		logger:    log.Component("follower"),
		byAttempt: make(map[uint64]*inflight),
		byHandle:  make(map[Handle]uint64),
	}
}

// Start issues a goal asynchronously. The result comes back through the
// sink: a terminal outcome, or blocked if the follower cannot be reached.
func (d *Dispatcher) Start(attempt uint64, g mission.Goal, timeout time.Duration) {
	rec := &inflight{attempt: attempt, timeout: timeout}
	d.mu.Lock()
	d.byAttempt[attempt] = rec
	d.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		h, err := d.client.StartGoal(ctx, StartRequest{Target: g.Target, Tolerances: g.Tol})
		if err != nil {
			d.logger.Warn("start goal failed", "attempt", attempt, "error", err)
			d.drop(attempt)
			d.sink.Terminal(attempt, mission.OutcomeBlocked)
			return
		}

		d.mu.Lock()
		rec, ok := d.byAttempt[attempt]
		if !ok {
			d.mu.Unlock()
			// Dropped while the start call was in flight; clean up.
			go d.cancelHandle(h)
			return
		}
		rec.handle = h
		d.byHandle[h] = attempt
		cancelled := rec.cancelled
		if !cancelled {
			rec.timer = time.AfterFunc(rec.timeout, func() { d.expire(attempt) })
		}
		d.mu.Unlock()

		d.logger.Debug("goal started", "attempt", attempt, "handle", h)
		if cancelled {
			go d.cancelHandle(h)
		}
	}()
}

// Cancel requests the follower to abort the attempt. The terminal
// cancelled outcome (or the supervisor's grace timeout) follows later.
func (d *Dispatcher) Cancel(attempt uint64) {
	d.mu.Lock()
	rec, ok := d.byAttempt[attempt]
	if !ok {
		d.mu.Unlock()
		return
	}
	rec.cancelled = true
	h := rec.handle
	d.mu.Unlock()

	if h != "" {
		go d.cancelHandle(h)
	}
}

// HandleProgress routes a progress pulse from the event bridge.
func (d *Dispatcher) HandleProgress(h Handle) {
	d.mu.Lock()
	attempt, ok := d.byHandle[h]
	if ok {
		if rec := d.byAttempt[attempt]; rec != nil && rec.timer != nil {
			rec.timer.Reset(rec.timeout)
		}
	}
	d.mu.Unlock()
	if ok {
		d.sink.Progress(attempt)
	}
}

// HandleTerminal routes a terminal outcome from the event bridge.
func (d *Dispatcher) HandleTerminal(h Handle, outcome string) {
	o, ok := parseOutcome(outcome)
	if !ok {
		d.logger.Warn("unknown follower outcome", "handle", h, "outcome", outcome)
		return
	}
	d.mu.Lock()
	attempt, known := d.byHandle[h]
	d.mu.Unlock()
	if !known {
		return
	}
	d.drop(attempt)
	d.sink.Terminal(attempt, o)
}

// expire synthesizes a timed-out outcome for a silent follower.
func (d *Dispatcher) expire(attempt uint64) {
	d.mu.Lock()
	rec, ok := d.byAttempt[attempt]
	var h Handle
	if ok {
		h = rec.handle
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.logger.Warn("no follower activity within timeout, synthesizing timed-out",
		"attempt", attempt, "timeout", rec.timeout)
	d.drop(attempt)
	if h != "" {
		go d.cancelHandle(h)
	}
	d.sink.Terminal(attempt, mission.OutcomeTimedOut)
}

// drop unregisters an attempt and stops its timer.
func (d *Dispatcher) drop(attempt uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.byAttempt[attempt]
	if !ok {
		return
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	if rec.handle != "" {
		delete(d.byHandle, rec.handle)
	}
	delete(d.byAttempt, attempt)
}

func (d *Dispatcher) cancelHandle(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.client.Cancel(ctx, h); err != nil {
		d.logger.Warn("cancel goal failed", "handle", h, "error", err)
	}
}
