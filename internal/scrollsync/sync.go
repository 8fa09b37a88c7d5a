// Package scrollsync drives a virtualized, lazily loaded scroll region until
// every message in it has been observed at least once.
package scrollsync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MikeSquared-Agency/threadexport/internal/dom"
)

// Scroller is the subset of the host a synchronizer needs.
type Scroller interface {
	Metrics(ctx context.Context, region dom.Region) (dom.Metrics, error)
	ScrollTo(ctx context.Context, region dom.Region, top float64) error
	Snapshot(ctx context.Context, region dom.Region) (string, error)
}

// CollectFunc re-reads the visible content, merges it, and returns the number
// of distinct messages seen so far.
type CollectFunc func(ctx context.Context) (int, error)

type Config struct {
	Settle        time.Duration
	StepMin       float64
	StepRatio     float64
	MinPassesEnd  int
	MinPassesTop  int
	PassCap       int
	BottomStable  int
	TopStable     int
	IdleLimit     int
	ExtendedWait  bool
	WaitMax       time.Duration
	WaitPoll      time.Duration
	WaitPulse     time.Duration
	WaitIdleAfter time.Duration
	RescueLimit   int
	NoActivityFor time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Settle:        220 * time.Millisecond,
		StepMin:       500,
		StepRatio:     0.85,
		MinPassesEnd:  24,
		MinPassesTop:  240,
		PassCap:       2200,
		BottomStable:  2,
		TopStable:     2,
		IdleLimit:     4,
		ExtendedWait:  true,
		WaitMax:       420 * time.Second,
		WaitPoll:      800 * time.Millisecond,
		WaitPulse:     6 * time.Second,
		WaitIdleAfter: 12 * time.Second,
		RescueLimit:   2,
		NoActivityFor: 7 * time.Second,
	}
}

type Synchronizer struct {
	host     Scroller
	cfg      Config
	progress func(string)
	logger   *slog.Logger
}

// New creates a synchronizer. progress may be nil.
func New(host Scroller, cfg Config, progress func(string), logger *slog.Logger) *Synchronizer {
	if progress == nil {
		progress = func(string) {}
	}
	return &Synchronizer{host: host, cfg: cfg, progress: progress, logger: logger}
}

const (
	bottomSlack = 8
	minMove     = 3
	heightSlack = 2
)

func (s *Synchronizer) step(m dom.Metrics) float64 {
	return math.Max(s.cfg.StepMin, s.cfg.StepRatio*m.ClientHeight)
}

func (s *Synchronizer) passLimit(m dom.Metrics, step float64, floor int) int {
	need := int(math.Ceil(m.MaxTop()/step)) + 24
	return max(floor, min(s.cfg.PassCap, need))
}

// EnsureEnd scrolls to the bottom until the view stops moving and no new
// messages appear.
func (s *Synchronizer) EnsureEnd(ctx context.Context, region dom.Region, collect CollectFunc) (int, error) {
	m, err := s.host.Metrics(ctx, region)
	if err != nil {
		return 0, fmt.Errorf("read metrics: %w", err)
	}
	passes := s.passLimit(m, s.step(m), s.cfg.MinPassesEnd)
	count, err := collect(ctx)
	if err != nil {
		return 0, err
	}

	stable, rescues := 0, 0
	for i := 0; i < passes; i++ {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		before := m
		if err := s.host.ScrollTo(ctx, region, before.ScrollHeight); err != nil {
			return count, fmt.Errorf("scroll to end: %w", err)
		}
		if err := sleep(ctx, s.cfg.Settle); err != nil {
			return count, err
		}
		n, err := collect(ctx)
		if err != nil {
			return count, err
		}
		if m, err = s.host.Metrics(ctx, region); err != nil {
			return count, fmt.Errorf("read metrics: %w", err)
		}
		grew := n > count || m.ScrollHeight > before.ScrollHeight+heightSlack
		count = n
		if !grew && (m.Remaining() <= bottomSlack || math.Abs(m.ScrollTop-before.ScrollTop) < minMove) {
			stable++
		} else {
			stable = 0
		}
		if stable < s.cfg.BottomStable {
			continue
		}
		if s.cfg.ExtendedWait && rescues < s.cfg.RescueLimit {
			rescues++
			grew, n, err := s.waitForGrowth(ctx, region, collect, count, m.ScrollHeight)
			if err != nil {
				return count, err
			}
			count = max(count, n)
			if grew {
				stable = 0
				if m, err = s.host.Metrics(ctx, region); err != nil {
					return count, fmt.Errorf("read metrics: %w", err)
				}
				continue
			}
		}
		break
	}
	s.logger.Debug("end sync finished", "region", region, "messages", count)
	return count, nil
}

// EnsureTop steps upward through history until the top is reached and stays
// stable, then restores the starting scroll position.
func (s *Synchronizer) EnsureTop(ctx context.Context, region dom.Region, collect CollectFunc) (int, error) {
	start, err := s.host.Metrics(ctx, region)
	if err != nil {
		return 0, fmt.Errorf("read metrics: %w", err)
	}
	step := s.step(start)
	passes := s.passLimit(start, step, s.cfg.MinPassesTop)
	count, err := collect(ctx)
	if err != nil {
		return 0, err
	}

	m := start
	stale, rescues := 0, 0
	for i := 0; i < passes; i++ {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		before := m
		if err := s.host.ScrollTo(ctx, region, math.Max(0, before.ScrollTop-step)); err != nil {
			return count, fmt.Errorf("scroll up: %w", err)
		}
		if err := sleep(ctx, s.cfg.Settle); err != nil {
			return count, err
		}
		n, err := collect(ctx)
		if err != nil {
			return count, err
		}
		if m, err = s.host.Metrics(ctx, region); err != nil {
			return count, fmt.Errorf("read metrics: %w", err)
		}
		grew := n > count || m.ScrollHeight > before.ScrollHeight+heightSlack
		count = n
		atTop := m.ScrollTop <= heightSlack
		if !grew && (atTop || math.Abs(m.ScrollTop-before.ScrollTop) < minMove) {
			stale++
		} else {
			stale = 0
		}
		limit := s.cfg.IdleLimit
		if atTop {
			limit = s.cfg.TopStable
		}
		if stale < limit {
			continue
		}
		if s.cfg.ExtendedWait && rescues < s.cfg.RescueLimit {
			rescues++
			grew, n, err := s.waitForGrowth(ctx, region, collect, count, m.ScrollHeight)
			if err != nil {
				return count, err
			}
			count = max(count, n)
			if grew {
				stale = 0
				if m, err = s.host.Metrics(ctx, region); err != nil {
					return count, fmt.Errorf("read metrics: %w", err)
				}
				continue
			}
		}
		break
	}

	if err := s.host.ScrollTo(ctx, region, start.ScrollTop); err != nil {
		return count, fmt.Errorf("restore scroll: %w", err)
	}
	if err := sleep(ctx, s.cfg.Settle); err != nil {
		return count, err
	}
	n, err := collect(ctx)
	if err != nil {
		return count, err
	}
	s.logger.Debug("history sync finished", "region", region, "messages", n)
	return max(count, n), nil
}

// waitForGrowth polls until more content shows up, the wait budget runs out,
// or the region has shown no loading indicator for NoActivityFor.
func (s *Synchronizer) waitForGrowth(ctx context.Context, region dom.Region, collect CollectFunc, count int, height float64) (bool, int, error) {
	start := time.Now()
	lastActivity := start
	lastPulse := start
	idleNoticed := false
	for time.Since(start) < s.cfg.WaitMax {
		if err := sleep(ctx, s.cfg.WaitPoll); err != nil {
			return false, count, err
		}
		n, err := collect(ctx)
		if err != nil {
			return false, count, err
		}
		if n > count {
			return true, n, nil
		}
		m, err := s.host.Metrics(ctx, region)
		if err != nil {
			return false, count, fmt.Errorf("read metrics: %w", err)
		}
		if m.ScrollHeight > height+heightSlack {
			return true, count, nil
		}
		html, err := s.host.Snapshot(ctx, region)
		if err != nil {
			return false, count, fmt.Errorf("snapshot: %w", err)
		}
		loading, _ := dom.Loading(html)
		now := time.Now()
		if loading {
			lastActivity = now
		} else if now.Sub(lastActivity) >= s.cfg.NoActivityFor {
			return false, count, nil
		}
		if now.Sub(lastPulse) >= s.cfg.WaitPulse {
			lastPulse = now
			s.progress(fmt.Sprintf("Waiting for more messages to load (%s)", now.Sub(start).Round(time.Second)))
		}
		if !idleNoticed && now.Sub(start) >= s.cfg.WaitIdleAfter {
			idleNoticed = true
			s.logger.Info("still waiting for lazy content", "region", region, "waited", now.Sub(start))
		}
	}
	return false, count, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
