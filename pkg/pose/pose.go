// Package pose subscribes to the localization subsystem's pose stream
// and pushes updates into the mission supervisor.
package pose

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harborline/go-skipper/internal/log"
	"github.com/harborline/go-skipper/pkg/mission"
)

// Sink receives pose updates. The supervisor implements it.
type Sink interface {
	OnPose(p mission.Pose, at time.Time)
}

// wire format of the pose stream
type poseMsg struct {
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
	Heading float64   `json:"heading"`
	TS      time.Time `json:"ts"`
}

// WSSource is a push pose source over a websocket subscription. Absence
// of updates is meaningful (the supervisor's staleness monitor escalates
// it), so the source only reconnects, never synthesizes poses.
type WSSource struct {
	url    string
	sink   Sink
	logger *slog.Logger
}

// NewWSSource creates a source reading from baseURL's /ws/pose stream.
func NewWSSource(baseURL string, sink Sink) *WSSource {
	base := strings.TrimRight(baseURL, "/")
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return &WSSource{
		url:    base + "/ws/pose",
		sink:   sink,
		logger: log.Component("pose"),
	}
}

// Run maintains the subscription until ctx is cancelled.
func (s *WSSource) Run(ctx context.Context) error {
	for {
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("pose stream dropped", "url", s.url, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (s *WSSource) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.logger.Info("subscribed to pose stream", "url", s.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var pm poseMsg
		if err := json.Unmarshal(msg, &pm); err != nil {
			s.logger.Warn("bad pose message", "error", err)
			continue
		}
		at := pm.TS
		if at.IsZero() {
			at = time.Now()
		}
		s.sink.OnPose(mission.Pose{Lat: pm.Lat, Lon: pm.Lon, Heading: pm.Heading}, at)
	}
}
