package mission

import (
	"time"

	"github.com/harborline/go-skipper/internal/config"
)

// Every external input (submissions, cancellations, follower reports,
// pose updates, config reloads, timer expiries) is funnelled into one
// inbound event stream consumed by the supervisor loop, so mission state
// has a single logical owner and needs no locking.

type eventKind int

const (
	evSubmit eventKind = iota
	evCancel
	evPause
	evResume
	evProgress
	evTerminal
	evPose
	evConfig
	evStale
	evRetry
	evGrace
	evStatus
	evView
)

type submitReply struct {
	id  string
	err error
}

type event struct {
	kind    eventKind
	goals   []Goal
	reason  string
	attempt uint64
	outcome Outcome
	pose    Pose
	poseAt  time.Time
	snap    config.Snapshot

	// retry timer identity
	missionID string

	reply       chan submitReply
	statusReply chan StatusEvent
	viewReply   chan View
}
