// skipperd is the mission supervisor daemon. It accepts missions over
// HTTP, drives the path follower one goal at a time, and publishes a
// status feed.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/harborline/go-skipper/internal/config"
	"github.com/harborline/go-skipper/internal/log"
	"github.com/harborline/go-skipper/pkg/follower"
	"github.com/harborline/go-skipper/pkg/mission"
	"github.com/harborline/go-skipper/pkg/pose"
	"github.com/harborline/go-skipper/pkg/web"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	reloadEvery := flag.Duration("config-poll", 5*time.Second, "Config file poll interval")
	flag.Parse()

	// .env is optional; env vars override the config file either way.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel)
	log.Info("skipperd starting",
		"listen", cfg.Listen, "follower", cfg.FollowerURL, "pose", cfg.PoseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		cancel()
	}()

	client := follower.NewHTTPClient(cfg.FollowerURL)

	// Supervisor and dispatcher reference each other; the dispatcher is
	// attached after construction.
	sup := mission.NewSupervisor(nil, cfg.Params)
	dispatcher := follower.NewDispatcher(client, sup)
	sup.SetDispatcher(dispatcher)

	server := web.NewServer(cfg.Listen, sup)
	sup.AddNotifier(server)

	bridge := follower.NewBridge(cfg.FollowerURL, dispatcher)
	poseSource := pose.NewWSSource(cfg.PoseURL, sup)

	watcher := config.NewWatcher(*configPath, *reloadEvery, cfg.Params, sup.ApplyConfig)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error { return poseSource.Run(gctx) })
	g.Go(func() error {
		watcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown()
	})
	g.Go(server.Listen)

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("skipperd exited", "error", err)
		os.Exit(1)
	}
	log.Info("goodbye")
}
