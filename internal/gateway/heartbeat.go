package gateway

import (
	"context"
	"time"

	"github.com/conarylabs/mira/internal/config"
)

// heartbeatLoop pings the client under three regimes: the base interval
// when idle, a frequent interval after recent activity, and a short
// interval while an operation is running for this connection. A connection
// whose sends have gone quiet past the timeout is declared dead.
func (c *Connection) heartbeatLoop(ctx context.Context) {
	cfg := c.server.heartbeat

	for {
		interval := cfg.Interval
		switch {
		case c.isProcessing():
			interval = cfg.ProcessingInterval
		case c.sinceActivity() < cfg.RecentActivityThreshold:
			interval = cfg.FrequentInterval
		}

		if !c.sleep(ctx, interval) {
			return
		}

		if c.sinceAnySend() > cfg.ConnectionTimeout {
			c.logger.Warn(ctx, "connection timed out", "timeout", cfg.ConnectionTimeout.String())
			c.markClosed(ctx)
			return
		}

		if err := c.Send(Ping()); err != nil {
			c.logger.Warn(ctx, "heartbeat send failed", "error", err)
			c.markClosed(ctx)
			return
		}
	}
}

func (c *Connection) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.closeCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// heartbeatDefaults fills unset heartbeat intervals.
func heartbeatDefaults(cfg config.HeartbeatConfig) config.HeartbeatConfig {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.FrequentInterval <= 0 {
		cfg.FrequentInterval = 10 * time.Second
	}
	if cfg.ProcessingInterval <= 0 {
		cfg.ProcessingInterval = 5 * time.Second
	}
	if cfg.RecentActivityThreshold <= 0 {
		cfg.RecentActivityThreshold = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 300 * time.Second
	}
	return cfg
}
