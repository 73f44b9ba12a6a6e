package web

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/harborline/go-skipper/pkg/mission"
)

// GoalSpec is one goal in a submission request. Timeout is expressed in
// seconds so callers don't deal in nanoseconds.
type GoalSpec struct {
	Name             string  `json:"name,omitempty"`
	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
	Heading          float64 `json:"heading"`
	ToleranceLinear  float64 `json:"tolerance_linear,omitempty"`
	ToleranceAngular float64 `json:"tolerance_angular,omitempty"`
	TimeoutSec       float64 `json:"timeout_sec,omitempty"`
}

// SubmitRequest is the body of POST /api/mission.
type SubmitRequest struct {
	Goals []GoalSpec `json:"goals"`
}

func (g GoalSpec) goal() mission.Goal {
	return mission.Goal{
		Name:    g.Name,
		Target:  mission.Pose{Lat: g.Lat, Lon: g.Lon, Heading: g.Heading},
		Tol:     mission.Tolerances{Linear: g.ToleranceLinear, Angular: g.ToleranceAngular},
		Timeout: time.Duration(g.TimeoutSec * float64(time.Second)),
	}
}

// handleSubmit accepts a new mission.
func (s *Server) handleSubmit(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	goals := make([]mission.Goal, len(req.Goals))
	for i, g := range req.Goals {
		goals[i] = g.goal()
	}

	id, err := s.ctrl.Submit(goals)
	switch {
	case errors.Is(err, mission.ErrInvalidMission):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, mission.ErrMissionActive):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	s.logger.Info("mission submitted", "mission", id, "goals", len(goals))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"mission_id": id})
}

// handleCancel cancels the current mission. Always succeeds.
func (s *Server) handleCancel(c *fiber.Ctx) error {
	reason := c.Query("reason")
	s.ctrl.CancelMission(reason)
	return c.JSON(fiber.Map{"cancelled": true})
}

// handlePause/handleResume are best effort; invalid-state calls are
// silently ignored by the supervisor.
func (s *Server) handlePause(c *fiber.Ctx) error {
	s.ctrl.Pause()
	return c.JSON(fiber.Map{"paused": true})
}

func (s *Server) handleResume(c *fiber.Ctx) error {
	s.ctrl.Resume()
	return c.JSON(fiber.Map{"resumed": true})
}

// handleStatus returns the latest status event.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Status())
}

// handleMission returns the full mission view, completed goals included.
func (s *Server) handleMission(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.MissionView())
}

// handleEvents returns the recent status event ring, oldest first.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	return c.JSON(s.events)
}
