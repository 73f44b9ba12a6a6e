// sim-follower fakes the path-follower daemon for local development and
// integration testing. It accepts one goal at a time, drifts a simulated
// platform toward it, and serves the event and pose streams skipperd
// consumes. Failure modes are injectable to exercise the supervisor's
// retry and timeout paths.
package main

import (
	"flag"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/harborline/go-skipper/internal/log"
	"github.com/harborline/go-skipper/pkg/follower"
	"github.com/harborline/go-skipper/pkg/hub"
	"github.com/harborline/go-skipper/pkg/mission"
)

const metersPerDegree = 111111.0

type sim struct {
	mu     sync.Mutex
	pose   mission.Pose
	handle follower.Handle
	target mission.Pose
	tol    mission.Tolerances

	speed    float64 // m/s
	failRate float64
	silent   bool

	events *hub.Hub
	poses  *hub.Hub
}

func main() {
	listen := flag.String("listen", ":9400", "Listen address")
	lat := flag.Float64("lat", 43.0718, "Initial latitude")
	lon := flag.Float64("lon", -70.7116, "Initial longitude")
	speed := flag.Float64("speed", 4.0, "Platform speed in m/s")
	failRate := flag.Float64("fail-rate", 0, "Probability a goal terminates blocked")
	silent := flag.Bool("silent", false, "Accept goals but never report events (timeout testing)")
	flag.Parse()

	log.Init("info")

	s := &sim{
		pose:     mission.Pose{Lat: *lat, Lon: *lon},
		speed:    *speed,
		failRate: *failRate,
		silent:   *silent,
		events:   hub.New("events"),
		poses:    hub.New("pose"),
	}
	go s.events.Run()
	go s.poses.Run()
	go s.loop()

	app := fiber.New(fiber.Config{
		AppName:               "sim-follower",
		DisableStartupMessage: true,
	})

	app.Post("/api/goal", s.handleStart)
	app.Delete("/api/goal/:handle", s.handleCancel)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(func(c *websocket.Conn) {
		hub.NewClient(s.events, c).Run()
	}))
	app.Get("/ws/pose", websocket.New(func(c *websocket.Conn) {
		hub.NewClient(s.poses, c).Run()
	}))

	log.Info("sim-follower listening", "addr", *listen,
		"speed", *speed, "fail_rate", *failRate, "silent", *silent)
	if err := app.Listen(*listen); err != nil {
		log.Error("sim-follower exited", "error", err)
	}
}

func (s *sim) handleStart(c *fiber.Ctx) error {
	var req follower.StartRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad request"})
	}

	s.mu.Lock()
	if s.handle != "" {
		// One goal at a time: a new start displaces the old goal.
		old := s.handle
		s.mu.Unlock()
		s.terminal(old, mission.OutcomeCancelled)
		s.mu.Lock()
	}
	h := follower.Handle(uuid.New().String()[:8])
	s.handle = h
	s.target = req.Target
	s.tol = req.Tolerances
	s.mu.Unlock()

	log.Info("goal accepted", "handle", h,
		"lat", req.Target.Lat, "lon", req.Target.Lon)

	if s.failRate > 0 && rand.Float64() < s.failRate {
		go func() {
			time.Sleep(time.Second)
			s.terminal(h, mission.OutcomeBlocked)
		}()
	}

	return c.JSON(fiber.Map{"handle": h})
}

func (s *sim) handleCancel(c *fiber.Ctx) error {
	h := follower.Handle(c.Params("handle"))
	s.mu.Lock()
	known := s.handle == h
	s.mu.Unlock()
	if !known {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown handle"})
	}
	log.Info("goal cancelled", "handle", h)
	s.terminal(h, mission.OutcomeCancelled)
	return c.JSON(fiber.Map{"cancelled": true})
}

// loop ticks the simulated platform at 10Hz and publishes pose at 2Hz.
func (s *sim) loop() {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	var n int
	for range tick.C {
		n++
		s.step(0.1)
		if n%5 == 0 {
			s.publishPose()
		}
		if n%10 == 0 {
			s.progress()
		}
	}
}

func (s *sim) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == "" {
		return
	}

	dLat := (s.target.Lat - s.pose.Lat) * metersPerDegree
	dLon := (s.target.Lon - s.pose.Lon) * metersPerDegree
	dist := math.Hypot(dLat, dLon)

	tol := s.tol.Linear
	if tol <= 0 {
		tol = 2.0
	}
	if dist <= tol {
		h := s.handle
		s.handle = ""
		go s.terminal(h, mission.OutcomeReached)
		return
	}

	stepM := s.speed * dt
	if stepM > dist {
		stepM = dist
	}
	s.pose.Lat += dLat / dist * stepM / metersPerDegree
	s.pose.Lon += dLon / dist * stepM / metersPerDegree
	s.pose.Heading = math.Atan2(dLon, dLat)
}

func (s *sim) progress() {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == "" || s.silent {
		return
	}
	s.events.BroadcastJSON(follower.Event{Type: follower.EventProgress, Handle: h})
}

func (s *sim) terminal(h follower.Handle, outcome mission.Outcome) {
	s.mu.Lock()
	if s.handle == h {
		s.handle = ""
	}
	s.mu.Unlock()
	if s.silent {
		return
	}
	s.events.BroadcastJSON(follower.Event{
		Type: follower.EventTerminal, Handle: h, Outcome: string(outcome),
	})
}

func (s *sim) publishPose() {
	if s.silent {
		return
	}
	s.mu.Lock()
	p := s.pose
	s.mu.Unlock()
	s.poses.BroadcastJSON(fiber.Map{
		"lat": p.Lat, "lon": p.Lon, "heading": p.Heading, "ts": time.Now(),
	})
}
