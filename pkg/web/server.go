// Package web exposes the supervisor's control surface: REST endpoints
// for mission submission and control, a websocket status feed, and
// prometheus metrics.
package web

import (
	"log/slog"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborline/go-skipper/internal/log"
	"github.com/harborline/go-skipper/internal/observability"
	"github.com/harborline/go-skipper/pkg/hub"
	"github.com/harborline/go-skipper/pkg/mission"
)

// Controller is the slice of the supervisor the web server drives.
type Controller interface {
	Submit(goals []mission.Goal) (string, error)
	CancelMission(reason string)
	Pause()
	Resume()
	Status() mission.StatusEvent
	MissionView() mission.View
}

const eventRingSize = 200

// Server is the HTTP/websocket control surface.
type Server struct {
	app    *fiber.App
	addr   string
	ctrl   Controller
	logger *slog.Logger

	statusHub *hub.Hub

	// Recent status events, oldest first
	events   []mission.StatusEvent
	eventsMu sync.RWMutex
}

// NewServer creates the control server around a supervisor.
func NewServer(addr string, ctrl Controller) *Server {
	s := &Server{
		addr:      addr,
		ctrl:      ctrl,
		logger:    log.Component("web"),
		statusHub: hub.New("status"),
		events:    make([]mission.StatusEvent, 0, eventRingSize),
	}

	observability.RegisterMetrics()

	app := fiber.New(fiber.Config{
		AppName:               "skipperd",
		DisableStartupMessage: true,
	})

	// CORS for local dashboards
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/mission", s.handleMission)
	api.Post("/mission", s.handleSubmit)
	api.Delete("/mission", s.handleCancel)
	api.Post("/mission/pause", s.handlePause)
	api.Post("/mission/resume", s.handleResume)
	api.Get("/events", s.handleEvents)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	s.app = app
	return s
}

// Notify implements mission.Notifier: every status event is kept in the
// ring and pushed to websocket subscribers.
func (s *Server) Notify(ev mission.StatusEvent) {
	s.eventsMu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > eventRingSize {
		s.events = s.events[1:]
	}
	s.eventsMu.Unlock()

	s.statusHub.BroadcastJSON(ev)
}

// Listen starts the hub and serves until Shutdown.
func (s *Server) Listen() error {
	go s.statusHub.Run()
	s.logger.Info("control surface listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// handleStatusWS subscribes a client to the status feed.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	client := hub.NewClient(s.statusHub, c)
	client.Run()
}
