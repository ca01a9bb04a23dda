package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nethesis/satellite/internal/commons"
)

// Event is a loosely-typed ARI event envelope; orchestrator dispatches on
// Type and re-decodes the fields it needs, mirroring
// _process_ari_events' dict-based dispatch.
type Event struct {
	Type      string          `json:"type"`
	Channel   *Channel        `json:"channel,omitempty"`
	Bridge    *Bridge         `json:"bridge,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Channel is the subset of ARI's Channel object the orchestrator consumes.
type Channel struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	State        string            `json:"state"`
	Caller       Caller            `json:"caller"`
	ChannelVars  map[string]string `json:"channelvars,omitempty"`
	Dialplan     Dialplan          `json:"dialplan"`
}

type Caller struct {
	Number string `json:"number"`
	Name   string `json:"name"`
}

type Dialplan struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
}

// Bridge is the subset of ARI's Bridge object used on ChannelLeftBridge.
type Bridge struct {
	ID       string   `json:"id"`
	Channels []string `json:"channels"`
}

// Handler processes one decoded ARI event. Orchestrator registers this.
type Handler func(ctx context.Context, ev Event)

// RunEventLoop dials the ARI WebSocket and dispatches events to handler
// until ctx is cancelled or the connection drops, with exponential backoff
// reconnects (1s doubling to a 30s cap) per §4.3/§9, grounded on
// asterisk_bridge.py's _connect_websocket retry loop.
func RunEventLoop(ctx context.Context, client *Client, handler Handler, logger commons.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := client.DialWebSocket(ctx)
		if err != nil {
			logger.Warnw("ari websocket dial failed, retrying", "backoff", backoff, "error", err)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		logger.Info("ari websocket connected")
		backoff = time.Second
		readEvents(ctx, conn, handler, logger)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		logger.Warn("ari websocket closed, reconnecting")
		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func readEvents(ctx context.Context, conn *websocket.Conn, handler Handler, logger commons.Logger) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = conn.Close()
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				logger.Warnw("ari websocket read error", "error", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warnw("ari event decode failed", "error", err)
			continue
		}
		ev.Raw = data
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorw("ari event handler panicked", "error", fmt.Sprintf("%v", r))
				}
			}()
			handler(ctx, ev)
		}()
	}
}
