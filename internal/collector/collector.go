// Package collector builds the ordered list of conversations a batch will
// export, from the listing API first and the rendered sidebar second.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
	"github.com/MikeSquared-Agency/threadexport/internal/dom"
	"github.com/MikeSquared-Agency/threadexport/internal/payload"
)

var (
	// ErrNoConversations is returned when neither the API nor the UI
	// yields a single conversation.
	ErrNoConversations = errors.New("no conversations found")
	// ErrSidebarHidden is returned when the surface stays hidden during
	// the sidebar sweep.
	ErrSidebarHidden = errors.New("sidebar sweep aborted: tab stayed hidden")
)

// Lister fetches raw listing pages.
type Lister interface {
	FetchListPage(ctx context.Context, offset, limit int) (any, error)
}

// Gate blocks while the host is hidden.
type Gate interface {
	Wait(ctx context.Context) (bool, error)
}

type SweepConfig struct {
	MinPasses      int
	MaxPasses      int
	PassesPerItem  float64
	Settle         time.Duration
	IdleLimit      int
	GrowthWait     time.Duration
	GrowthPoll     time.Duration
	VerifyRounds   int
	NudgeRatio     float64
	NudgeMin       float64
	NudgeWait      time.Duration
	NudgeDownExtra time.Duration
}

type Config struct {
	PageLimit int
	MaxPages  int
	Sweep     SweepConfig
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		PageLimit: 28,
		MaxPages:  400,
		Sweep: SweepConfig{
			MinPasses:      220,
			MaxPasses:      5000,
			PassesPerItem:  5,
			Settle:         260 * time.Millisecond,
			IdleLimit:      4,
			GrowthWait:     9 * time.Second,
			GrowthPoll:     450 * time.Millisecond,
			VerifyRounds:   3,
			NudgeRatio:     0.38,
			NudgeMin:       120,
			NudgeWait:      260 * time.Millisecond,
			NudgeDownExtra: 80 * time.Millisecond,
		},
	}
}

// Result is the collected work list.
type Result struct {
	Items      []conversation.Descriptor
	TotalKnown *int
}

type Collector struct {
	lister   Lister
	host     dom.Host
	gate     Gate
	cfg      Config
	progress func(string)
	logger   *slog.Logger
}

// New creates a collector. host and gate may be nil when no rendered UI is
// available; progress may be nil.
func New(lister Lister, host dom.Host, gate Gate, cfg Config, progress func(string), logger *slog.Logger) *Collector {
	if progress == nil {
		progress = func(string) {}
	}
	return &Collector{lister: lister, host: host, gate: gate, cfg: cfg, progress: progress, logger: logger}
}

// set is an insertion-ordered descriptor set.
type set struct {
	items []conversation.Descriptor
	seen  map[string]bool
}

func newSet() *set { return &set{seen: make(map[string]bool)} }

func (s *set) add(ds []conversation.Descriptor) int {
	added := 0
	for _, d := range ds {
		if d.ID == "" || s.seen[d.ID] {
			continue
		}
		s.seen[d.ID] = true
		s.items = append(s.items, d)
		added++
	}
	return added
}

// Collect gathers up to target descriptors; target <= 0 means all.
func (c *Collector) Collect(ctx context.Context, target int) (Result, error) {
	found := newSet()
	var res Result

	listErr := c.page(ctx, target, found, &res)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	apiEmpty := len(found.items) == 0
	if apiEmpty && c.host != nil {
		c.progress("Listing returned nothing, reading visible conversation links...")
		links, err := c.scanLinks(ctx)
		if err != nil {
			c.logger.Warn("visible link scan failed", "error", err)
		}
		found.add(links)
	}

	short := target > 0 && len(found.items) < target
	if c.host != nil && (short || (target <= 0 && apiEmpty)) {
		if err := c.sweep(ctx, target, found); err != nil {
			return Result{}, err
		}
	}

	if len(found.items) == 0 {
		if listErr != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrNoConversations, listErr)
		}
		return Result{}, ErrNoConversations
	}

	res.Items = found.items
	if target > 0 && len(res.Items) > target {
		res.Items = res.Items[:target]
	}
	c.logger.Info("conversations collected", "count", len(res.Items), "target", target)
	return res, nil
}

// page walks the listing API. A failure is returned only for the caller to
// report; whatever was collected before it is kept.
func (c *Collector) page(ctx context.Context, target int, found *set, res *Result) error {
	offset := 0
	for page := 0; page < c.cfg.MaxPages; page++ {
		raw, err := c.lister.FetchListPage(ctx, offset, c.cfg.PageLimit)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("listing page failed", "offset", offset, "error", err)
			}
			return err
		}
		p := payload.ParseListPage(raw, offset, c.cfg.PageLimit)
		if p.Total != nil {
			total := *p.Total
			res.TotalKnown = &total
		}
		if len(p.Items) == 0 {
			return nil
		}
		found.add(p.Items)
		c.progress(fmt.Sprintf("Collecting conversations: %d found", len(found.items)))

		if target > 0 && len(found.items) >= target {
			return nil
		}
		if !p.HasMore {
			return nil
		}
		if res.TotalKnown != nil && p.NextOffset >= *res.TotalKnown {
			return nil
		}
		offset = p.NextOffset
	}
	return nil
}

func (c *Collector) scanLinks(ctx context.Context) ([]conversation.Descriptor, error) {
	html, err := c.host.Snapshot(ctx, dom.RegionSidebar)
	if err != nil {
		return nil, fmt.Errorf("sidebar snapshot: %w", err)
	}
	return dom.ConversationLinks(html)
}

func (c *Collector) scan(ctx context.Context, found *set) (int, error) {
	links, err := c.scanLinks(ctx)
	if err != nil {
		return 0, err
	}
	return found.add(links), nil
}

func (c *Collector) passLimit(target int) int {
	sc := c.cfg.Sweep
	if target <= 0 {
		return sc.MaxPasses
	}
	need := int(math.Ceil(float64(target) * sc.PassesPerItem))
	return max(sc.MinPasses, min(sc.MaxPasses, need))
}

func (c *Collector) waitVisible(ctx context.Context) error {
	if c.gate == nil {
		return nil
	}
	ok, err := c.gate.Wait(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSidebarHidden
	}
	return nil
}

// sweep scrolls the sidebar to force lazy loading of older conversations.
func (c *Collector) sweep(ctx context.Context, target int, found *set) error {
	sc := c.cfg.Sweep
	limit := c.passLimit(target)
	reached := func() bool { return target > 0 && len(found.items) >= target }

	idle := 0
	for pass := 0; pass < limit && !reached(); pass++ {
		if err := c.waitVisible(ctx); err != nil {
			return err
		}
		before, err := c.host.Metrics(ctx, dom.RegionSidebar)
		if err != nil {
			return fmt.Errorf("sidebar metrics: %w", err)
		}
		if err := c.host.ScrollTo(ctx, dom.RegionSidebar, before.ScrollHeight); err != nil {
			return fmt.Errorf("sidebar scroll: %w", err)
		}
		if err := sleep(ctx, sc.Settle); err != nil {
			return err
		}
		added, err := c.scan(ctx, found)
		if err != nil {
			return err
		}
		after, err := c.host.Metrics(ctx, dom.RegionSidebar)
		if err != nil {
			return fmt.Errorf("sidebar metrics: %w", err)
		}
		if added > 0 || after.ScrollHeight > before.ScrollHeight+2 {
			idle = 0
			c.progress(fmt.Sprintf("Scanning sidebar: %d conversations found", len(found.items)))
			continue
		}
		idle++
		if idle < sc.IdleLimit {
			continue
		}

		grew, err := c.waitGrowth(ctx, found, after.ScrollHeight)
		if err != nil {
			return err
		}
		if !grew {
			if grew, err = c.verifyEnd(ctx, found); err != nil {
				return err
			}
		}
		if !grew {
			c.logger.Info("sidebar sweep reached the end", "found", len(found.items), "passes", pass+1)
			return nil
		}
		idle = 0
	}
	return nil
}

// waitGrowth polls the sidebar until new links appear or it grows taller.
func (c *Collector) waitGrowth(ctx context.Context, found *set, height float64) (bool, error) {
	sc := c.cfg.Sweep
	deadline := time.Now().Add(sc.GrowthWait)
	for time.Now().Before(deadline) {
		if err := c.waitVisible(ctx); err != nil {
			return false, err
		}
		if err := sleep(ctx, sc.GrowthPoll); err != nil {
			return false, err
		}
		added, err := c.scan(ctx, found)
		if err != nil {
			return false, err
		}
		m, err := c.host.Metrics(ctx, dom.RegionSidebar)
		if err != nil {
			return false, fmt.Errorf("sidebar metrics: %w", err)
		}
		if added > 0 || m.ScrollHeight > height+2 {
			return true, nil
		}
	}
	return false, nil
}

// verifyEnd nudges the sidebar up and back down, which re-triggers lazy
// loaders that missed the first scroll.
func (c *Collector) verifyEnd(ctx context.Context, found *set) (bool, error) {
	sc := c.cfg.Sweep
	for round := 0; round < sc.VerifyRounds; round++ {
		if err := c.waitVisible(ctx); err != nil {
			return false, err
		}
		m, err := c.host.Metrics(ctx, dom.RegionSidebar)
		if err != nil {
			return false, fmt.Errorf("sidebar metrics: %w", err)
		}
		nudge := math.Max(sc.NudgeMin, sc.NudgeRatio*m.ClientHeight)
		if err := c.host.ScrollTo(ctx, dom.RegionSidebar, math.Max(0, m.ScrollTop-nudge)); err != nil {
			return false, fmt.Errorf("sidebar scroll: %w", err)
		}
		if err := sleep(ctx, sc.NudgeWait); err != nil {
			return false, err
		}
		up, err := c.scan(ctx, found)
		if err != nil {
			return false, err
		}
		if err := c.host.ScrollTo(ctx, dom.RegionSidebar, m.ScrollHeight); err != nil {
			return false, fmt.Errorf("sidebar scroll: %w", err)
		}
		if err := sleep(ctx, sc.NudgeWait+sc.NudgeDownExtra); err != nil {
			return false, err
		}
		down, err := c.scan(ctx, found)
		if err != nil {
			return false, err
		}
		after, err := c.host.Metrics(ctx, dom.RegionSidebar)
		if err != nil {
			return false, fmt.Errorf("sidebar metrics: %w", err)
		}
		if up+down > 0 || after.ScrollHeight > m.ScrollHeight+2 {
			return true, nil
		}
		grew, err := c.waitGrowth(ctx, found, after.ScrollHeight)
		if err != nil || grew {
			return grew, err
		}
	}
	return false, nil
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
