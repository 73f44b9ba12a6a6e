package follower

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harborline/go-skipper/internal/log"
)

const (
	bridgeHandshakeTimeout = 10 * time.Second
	bridgeReadLimit        = 64 * 1024
	bridgeReconnectDelay   = 2 * time.Second
)

// Bridge subscribes to the follower daemon's websocket event stream and
// feeds progress/terminal events into the dispatcher. It reconnects with
// a flat delay until its context is cancelled; while disconnected, the
// dispatcher's timeout synthesis covers for the missing events.
type Bridge struct {
	url        string
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewBridge creates a bridge for the follower at baseURL (http scheme;
// the websocket URL is derived from it).
func NewBridge(baseURL string, d *Dispatcher) *Bridge {
	return &Bridge{
		url:        wsURL(baseURL) + "/ws/events",
		dispatcher: d,
		logger:     log.Component("follower-bridge"),
	}
}

// Run maintains the subscription until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		if err := b.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("event stream dropped", "url", b.url, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bridgeReconnectDelay):
		}
	}
}

func (b *Bridge) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: bridgeHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(bridgeReadLimit)
	b.logger.Info("subscribed to follower events", "url", b.url)

	// Close the connection when the context ends so ReadMessage unblocks.
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
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			b.logger.Warn("bad follower event", "error", err)
			continue
		}
		switch ev.Type {
		case EventProgress:
			b.dispatcher.HandleProgress(ev.Handle)
		case EventTerminal:
			b.dispatcher.HandleTerminal(ev.Handle, ev.Outcome)
		default:
			b.logger.Debug("ignoring follower event", "type", ev.Type)
		}
	}
}

// wsURL rewrites an http(s) base URL to its ws(s) equivalent.
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	return "ws://" + strings.TrimPrefix(base, "http://")
}
