package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/astronien/smart-queue-system/internal/bus"
)

// NetworkError reports a realtime connection that could not be
// established or kept alive within the configured attempts.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = time.Second
	maxReconnectDelay  = 30 * time.Second
)

// ClientConfig configures a station display connection.
type ClientConfig struct {
	// URL is the raw websocket endpoint, e.g.
	// ws://host:8080/realtime/websocket.
	URL      string
	BranchID string
	// Station narrows the room to one station; empty means the whole branch.
	Station string
	// MaxAttempts bounds consecutive failed connection attempts before
	// Run gives up. Zero means defaultMaxAttempts.
	MaxAttempts int
	// BaseDelay is the first reconnect delay; it doubles per failed
	// attempt up to maxReconnectDelay. Zero means defaultBaseDelay.
	BaseDelay time.Duration
	OnEvent   func(bus.Event)
	Logger    zerolog.Logger
}

// RemoteClient keeps a station display connected to the realtime
// endpoint, rejoining its room and re-requesting the full queue after
// every reconnect so dropped broadcasts cannot leave it stale.
type RemoteClient struct {
	cfg ClientConfig
}

func NewRemoteClient(cfg ClientConfig) *RemoteClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	return &RemoteClient{cfg: cfg}
}

// Run connects and dispatches events until ctx is done. It returns a
// *NetworkError once MaxAttempts consecutive attempts fail.
func (c *RemoteClient) Run(ctx context.Context) error {
	attempts := 0
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempts >= c.cfg.MaxAttempts {
			return &NetworkError{Op: "connect", Err: lastErr}
		}
		if attempts > 0 {
			delay := c.cfg.BaseDelay << (attempts - 1)
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			c.cfg.Logger.Info().Dur("delay", delay).Int("attempt", attempts+1).Msg("realtime reconnect")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			attempts++
			lastErr = err
			c.cfg.Logger.Warn().Err(err).Msg("realtime dial failed")
			continue
		}

		err = c.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			attempts++
			lastErr = err
			c.cfg.Logger.Warn().Err(err).Msg("realtime connection lost")
			continue
		}
		// Connection held long enough to deliver events; start over with
		// a fresh attempt budget.
		attempts = 0
	}
}

func (c *RemoteClient) serve(ctx context.Context, conn *websocket.Conn) error {
	if err := c.join(conn); err != nil {
		return err
	}
	delivered := false

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if delivered {
				return nil
			}
			return err
		}
		var event bus.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			c.cfg.Logger.Debug().Msg("ignore malformed realtime frame")
			continue
		}
		delivered = true
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(event)
		}
	}
}

// join re-establishes the room and asks for the full queue so the
// display converges on current state regardless of what it missed.
func (c *RemoteClient) join(conn *websocket.Conn) error {
	join := clientMessage{Event: "join-branch", BranchID: c.cfg.BranchID}
	if c.cfg.Station != "" {
		join = clientMessage{Event: "join-station", BranchID: c.cfg.BranchID, Station: c.cfg.Station}
	}
	for _, msg := range []clientMessage{join, {Event: "request-queue", BranchID: c.cfg.BranchID}} {
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}
