// Package visibility blocks work while the host surface is backgrounded.
package visibility

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Prober reports whether the host surface is currently visible.
type Prober interface {
	Visible(ctx context.Context) (bool, error)
}

// Notice is sent while waiting for the surface to come back.
type Notice struct {
	Waited  time.Duration
	Message string
}

type Config struct {
	PollInterval   time.Duration
	NoticeInterval time.Duration
	MaxWait        time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		NoticeInterval: 6 * time.Second,
		MaxWait:        180 * time.Second,
	}
}

type Gate struct {
	probe  Prober
	cfg    Config
	notify func(Notice)
	logger *slog.Logger
}

// New creates a gate. notify may be nil.
func New(probe Prober, cfg Config, notify func(Notice), logger *slog.Logger) *Gate {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxWait < time.Second {
		cfg.MaxWait = time.Second
	}
	if notify == nil {
		notify = func(Notice) {}
	}
	return &Gate{probe: probe, cfg: cfg, notify: notify, logger: logger}
}

// Wait returns true as soon as the surface is visible and false once MaxWait
// passes while it stays hidden. Cancellation returns ctx.Err().
func (g *Gate) Wait(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if g.visible(ctx) {
		return true, nil
	}

	start := time.Now()
	var lastNotice time.Time
	for {
		waited := time.Since(start)
		if waited >= g.cfg.MaxWait {
			g.logger.Warn("host stayed hidden", "waited", waited)
			return false, nil
		}
		if lastNotice.IsZero() || time.Since(lastNotice) >= g.cfg.NoticeInterval {
			lastNotice = time.Now()
			remaining := (g.cfg.MaxWait - waited).Round(time.Second)
			g.notify(Notice{
				Waited:  waited,
				Message: fmt.Sprintf("Export paused: keep this tab in the foreground (auto-pause in %s)", remaining),
			})
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(min(g.cfg.PollInterval, g.cfg.MaxWait-waited)):
		}

		if g.visible(ctx) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
}

func (g *Gate) visible(ctx context.Context) bool {
	ok, err := g.probe.Visible(ctx)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Debug("visibility probe failed", "error", err)
		}
		return false
	}
	return ok
}
