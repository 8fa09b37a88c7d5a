// Package retriever loads one conversation through a chain of strategies:
// the backend API (direct, then through the page), the thread already on
// screen, and finally the thread after navigating to it.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MikeSquared-Agency/threadexport/internal/conversation"
	"github.com/MikeSquared-Agency/threadexport/internal/dom"
	"github.com/MikeSquared-Agency/threadexport/internal/payload"
	"github.com/MikeSquared-Agency/threadexport/internal/scrollsync"
)

const (
	SourceAPI        = "api"
	SourceDOM        = "dom-current"
	SourceNavigation = "dom-navigation"
)

// ErrNavigation is returned when the thread view never settled on the
// requested conversation.
var ErrNavigation = errors.New("navigation did not reach the conversation")

// Fetcher loads raw conversation payloads.
type Fetcher interface {
	FetchConversation(ctx context.Context, id string) (any, error)
}

// Synchronizer walks a scroll region end to end.
type Synchronizer interface {
	EnsureEnd(ctx context.Context, region dom.Region, collect scrollsync.CollectFunc) (int, error)
	EnsureTop(ctx context.Context, region dom.Region, collect scrollsync.CollectFunc) (int, error)
}

type Config struct {
	ItemTimeout     time.Duration
	RouteSettle     time.Duration
	RoutePoll       time.Duration
	NavTryWait      time.Duration
	NavTimeoutMin   time.Duration
	NavTimeoutRatio float64
	NavRetrySleep   time.Duration
	NavRetryJitter  time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ItemTimeout:     600 * time.Second,
		RouteSettle:     2200 * time.Millisecond,
		RoutePoll:       160 * time.Millisecond,
		NavTryWait:      9 * time.Second,
		NavTimeoutMin:   28 * time.Second,
		NavTimeoutRatio: 0.28,
		NavRetrySleep:   220 * time.Millisecond,
		NavRetryJitter:  180 * time.Millisecond,
	}
}

// Result is a retrieved conversation.
type Result struct {
	Messages  []conversation.Message
	SourceTag string
	Title     string
}

type Retriever struct {
	fetcher  Fetcher
	host     dom.Host
	sync     Synchronizer
	cfg      Config
	progress func(string)
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a retriever. host and sync may be nil, which disables the DOM
// strategies.
func New(fetcher Fetcher, host dom.Host, sync Synchronizer, cfg Config, progress func(string), logger *slog.Logger) *Retriever {
	if progress == nil {
		progress = func(string) {}
	}
	return &Retriever{
		fetcher:  fetcher,
		host:     host,
		sync:     sync,
		cfg:      cfg,
		progress: progress,
		logger:   logger,
		tracer:   otel.Tracer("threadexport/retriever"),
	}
}

// Retrieve returns the messages of d. When every strategy fails the error
// of the API strategy is returned.
func (r *Retriever) Retrieve(ctx context.Context, d conversation.Descriptor) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "retriever.Retrieve", trace.WithAttributes(attribute.String("conversation_id", d.ID)))
	defer span.End()

	res, apiErr := r.fromAPI(ctx, d)
	if apiErr == nil {
		span.SetAttributes(attribute.String("source", res.SourceTag))
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.host == nil || r.sync == nil {
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}
	r.logger.Info("api retrieval failed, falling back to page", "conversation_id", d.ID, "error", apiErr)

	if current, err := r.host.CurrentConversationID(ctx); err == nil && current == d.ID {
		r.progress("Reading the open thread from the page...")
		res, err := r.fromDOM(ctx, d, SourceDOM)
		if err == nil {
			span.SetAttributes(attribute.String("source", res.SourceTag))
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Info("dom extraction of current thread failed", "conversation_id", d.ID, "error", err)
	}

	r.progress("Opening the thread in the page...")
	if err := r.navigate(ctx, d.ID); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Info("navigation fallback failed", "conversation_id", d.ID, "error", err)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}
	res, err := r.fromDOM(ctx, d, SourceNavigation)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Info("dom extraction after navigation failed", "conversation_id", d.ID, "error", err)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}
	span.SetAttributes(attribute.String("source", res.SourceTag))
	return res, nil
}

func (r *Retriever) fromAPI(ctx context.Context, d conversation.Descriptor) (*Result, error) {
	raw, err := r.fetcher.FetchConversation(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	detail := payload.ExtractDetail(raw)
	if conversation.CountExportable(detail.Messages) == 0 {
		return nil, fmt.Errorf("api payload for %s: %w", d.ID, conversation.ErrEmptyConversation)
	}
	title := detail.Title
	if title == "" {
		title = d.Title
	}
	return &Result{Messages: detail.Messages, SourceTag: SourceAPI, Title: title}, nil
}

func (r *Retriever) fromDOM(ctx context.Context, d conversation.Descriptor, source string) (*Result, error) {
	acc := dom.NewAccumulator()
	collect := func(ctx context.Context) (int, error) {
		html, err := r.host.Snapshot(ctx, dom.RegionThread)
		if err != nil {
			return 0, fmt.Errorf("thread snapshot: %w", err)
		}
		msgs, err := dom.ParseMessages(html)
		if err != nil {
			return 0, err
		}
		return acc.Add(msgs), nil
	}
	if _, err := r.sync.EnsureEnd(ctx, dom.RegionThread, collect); err != nil {
		return nil, fmt.Errorf("sync thread end: %w", err)
	}
	if _, err := r.sync.EnsureTop(ctx, dom.RegionThread, collect); err != nil {
		return nil, fmt.Errorf("sync thread history: %w", err)
	}
	msgs := acc.Messages()
	if conversation.CountExportable(msgs) == 0 {
		return nil, fmt.Errorf("dom fallback for %s: %w", d.ID, conversation.ErrEmptyConversation)
	}
	return &Result{Messages: msgs, SourceTag: source, Title: d.Title}, nil
}

func (r *Retriever) navTimeout() time.Duration {
	return max(r.cfg.NavTimeoutMin, time.Duration(float64(r.cfg.ItemTimeout)*r.cfg.NavTimeoutRatio))
}

// navigate asks the host to open id and waits until the thread view shows it.
func (r *Retriever) navigate(ctx context.Context, id string) error {
	deadline := time.Now().Add(r.navTimeout())
	var lastErr error
	for attempt := 1; time.Now().Before(deadline); attempt++ {
		if err := r.host.Navigate(ctx, id); err != nil {
			lastErr = err
		} else {
			wait := min(r.cfg.NavTryWait, time.Until(deadline))
			ok, err := r.waitRoute(ctx, id, wait)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			lastErr = fmt.Errorf("%w: %s after attempt %d", ErrNavigation, id, attempt)
		}
		if err := sleep(ctx, r.cfg.NavRetrySleep+jitter(r.cfg.NavRetryJitter)); err != nil {
			return err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrNavigation, id)
	}
	return lastErr
}

// waitRoute reports readiness once the route matches id and messages are on
// screen with nothing loading, or messages have been on screen for
// RouteSettle since the route matched.
func (r *Retriever) waitRoute(ctx context.Context, id string, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	var matchedAt time.Time
	for {
		current, err := r.host.CurrentConversationID(ctx)
		if err == nil && current == id {
			if matchedAt.IsZero() {
				matchedAt = time.Now()
			}
			if html, err := r.host.Snapshot(ctx, dom.RegionThread); err == nil {
				msgs, _ := dom.ParseMessages(html)
				loading, _ := dom.Loading(html)
				if len(msgs) > 0 && (!loading || time.Since(matchedAt) >= r.cfg.RouteSettle) {
					return true, nil
				}
			}
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := sleep(ctx, r.cfg.RoutePoll); err != nil {
			return false, err
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
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
