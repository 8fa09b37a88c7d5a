// Package remote talks to the chat application's backend API, directly over
// HTTP and, when that is refused, through the page bridge.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "threadexport/remote"

// Response is a raw backend answer.
type Response struct {
	Status int
	Body   []byte
	Via    string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// PageFetcher performs a request from inside the authenticated page.
type PageFetcher interface {
	Fetch(ctx context.Context, path string, timeout time.Duration) (*Response, error)
}

type Config struct {
	BaseURL           string
	AccessToken       string
	Cookie            string
	UserAgent         string
	RequestsPerSecond float64
	ProjectID         string

	ItemTimeout     time.Duration
	ListTimeout     time.Duration
	MaxAttempts     int
	ListAttempts    int
	RetryBase       time.Duration
	RetryJitter     time.Duration
	ListJitter      time.Duration
	RateLimitBase   time.Duration
	RateLimitMax    time.Duration
	RateLimitJitter time.Duration
}

// DefaultConfig returns the production timings for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		RequestsPerSecond: 2,
		ItemTimeout:       240 * time.Second,
		ListTimeout:       120 * time.Second,
		MaxAttempts:       4,
		ListAttempts:      4,
		RetryBase:         1200 * time.Millisecond,
		RetryJitter:       250 * time.Millisecond,
		ListJitter:        220 * time.Millisecond,
		RateLimitBase:     8 * time.Second,
		RateLimitMax:      90 * time.Second,
		RateLimitJitter:   2200 * time.Millisecond,
	}
}

type Client struct {
	http   *resty.Client
	page   PageFetcher
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a client. page may be nil, in which case only direct requests
// are made.
func New(cfg Config, page PageFetcher, logger *slog.Logger) *Client {
	httpClient := resty.New()
	httpClient.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	httpClient.SetHeader("accept", "application/json")
	if cfg.UserAgent != "" {
		httpClient.SetHeader("user-agent", cfg.UserAgent)
	}
	if cfg.AccessToken != "" {
		httpClient.SetAuthToken(cfg.AccessToken)
	}
	if cfg.Cookie != "" {
		httpClient.SetHeader("cookie", cfg.Cookie)
	}
	httpClient.SetTimeout(cfg.ItemTimeout)

	if cfg.RequestsPerSecond > 0 {
		limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limiter.Wait(req.Context())
		})
	}

	return &Client{
		http:   httpClient,
		page:   page,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

var escalateStatuses = map[int]bool{0: true, 401: true, 403: true, 404: true, 405: true, 422: true, 429: true}

// pageFirst reports endpoint shapes that only answer inside the page.
func pageFirst(path string) bool {
	return strings.Contains(path, "/backend-api/conversation/") ||
		strings.Contains(path, "/backend-api/conversations?")
}

func conversationAPI(path string) bool {
	return strings.Contains(path, "/backend-api/conversation")
}

// Get requests path, choosing between the direct client and the page bridge.
// When both fail, the page answer is preferred if it carries a status.
func (c *Client) Get(ctx context.Context, path string, timeout time.Duration) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "remote.Get", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	resp, err := c.get(ctx, path, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("status", resp.Status), attribute.String("via", resp.Via))
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration) (*Response, error) {
	if c.page != nil && pageFirst(path) {
		presp, perr := c.page.Fetch(ctx, path, timeout)
		if perr == nil && presp.OK() {
			return presp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		dresp, derr := c.direct(ctx, path, timeout)
		if derr == nil && dresp.OK() {
			return dresp, nil
		}
		return resolveFailed(presp, perr, dresp, derr)
	}

	dresp, derr := c.direct(ctx, path, timeout)
	if derr == nil && dresp.OK() {
		return dresp, nil
	}
	if c.page == nil || ctx.Err() != nil {
		if derr != nil {
			return nil, derr
		}
		return dresp, nil
	}
	if derr == nil && !conversationAPI(path) && !escalateStatuses[dresp.Status] {
		return dresp, nil
	}
	c.logger.Debug("direct request refused, trying page bridge", "path", path, "error", derr)
	presp, perr := c.page.Fetch(ctx, path, timeout)
	if perr == nil && presp.OK() {
		return presp, nil
	}
	return resolveFailed(presp, perr, dresp, derr)
}

func resolveFailed(presp *Response, perr error, dresp *Response, derr error) (*Response, error) {
	if perr == nil && presp != nil && presp.Status > 0 {
		return presp, nil
	}
	if derr == nil && dresp != nil && dresp.Status > 0 {
		return dresp, nil
	}
	return nil, fmt.Errorf("direct and page requests failed: %w", errors.Join(derr, perr))
}

func (c *Client) direct(ctx context.Context, path string, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, fmt.Errorf("direct get %s: %w", path, err)
	}
	return &Response{Status: res.StatusCode(), Body: res.Body(), Via: "direct"}, nil
}

// ConversationPaths lists the detail endpoint variants for id.
func ConversationPaths(id string) []string {
	esc := url.PathEscape(id)
	q := url.QueryEscape(id)
	return []string{
		"/backend-api/conversation/" + esc,
		"/backend-api/conversation/" + esc + "/",
		"/backend-api/conversations/" + esc,
		"/backend-api/conversations/" + esc + "/",
		"/backend-api/conversation?conversation_id=" + q,
		"/backend-api/conversations?conversation_id=" + q,
	}
}

// ListPaths lists the listing endpoint variants for one page.
func ListPaths(offset, limit int, projectID string) []string {
	variant := func(extra url.Values) string {
		v := url.Values{}
		v.Set("offset", fmt.Sprint(max(0, offset)))
		v.Set("limit", fmt.Sprint(max(1, limit)))
		for k, vals := range extra {
			v[k] = vals
		}
		return "/backend-api/conversations?" + v.Encode()
	}
	paths := []string{
		variant(url.Values{"order": {"updated"}}),
		variant(url.Values{"order": {"updated"}, "is_archived": {"false"}}),
		variant(nil),
	}
	if projectID != "" {
		paths = append(paths,
			variant(url.Values{"order": {"updated"}, "project_id": {projectID}}),
			variant(url.Values{"project_id": {projectID}}),
		)
	}
	return paths
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
