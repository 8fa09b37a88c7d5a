// Package dom reads conversation content out of rendered page snapshots and
// defines the host surface that produces them.
package dom

import "context"

// Region names a scrollable area of the rendered application.
type Region string

const (
	RegionThread  Region = "thread"
	RegionSidebar Region = "sidebar"
)

// Metrics describes the scroll geometry of a region.
type Metrics struct {
	ScrollTop    float64 `json:"scroll_top"`
	ScrollHeight float64 `json:"scroll_height"`
	ClientHeight float64 `json:"client_height"`
}

// MaxTop is the largest reachable scroll offset.
func (m Metrics) MaxTop() float64 {
	return max(0, m.ScrollHeight-m.ClientHeight)
}

// Remaining is the distance from the current offset to the bottom.
func (m Metrics) Remaining() float64 {
	return max(0, m.MaxTop()-m.ScrollTop)
}

// Host is the rendered application as seen by the exporter. Implementations
// talk to the live page; tests use in-memory fakes.
type Host interface {
	Visible(ctx context.Context) (bool, error)
	CurrentConversationID(ctx context.Context) (string, error)
	Metrics(ctx context.Context, region Region) (Metrics, error)
	ScrollTo(ctx context.Context, region Region, top float64) error
	Snapshot(ctx context.Context, region Region) (string, error)
	Navigate(ctx context.Context, conversationID string) error
}
