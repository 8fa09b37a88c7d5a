// Package bridge is the client for the in-page companion that exposes the
// live chat tab: privileged fetches, visibility, scroll control and DOM
// snapshots.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MikeSquared-Agency/threadexport/internal/dom"
	"github.com/MikeSquared-Agency/threadexport/internal/remote"
)

type Client struct {
	http   *resty.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a bridge client for the companion listening at baseURL.
func New(baseURL, token string, logger *slog.Logger) *Client {
	httpClient := resty.New()
	httpClient.SetBaseURL(strings.TrimRight(baseURL, "/"))
	httpClient.SetJSONMarshaler(json.Marshal)
	httpClient.SetJSONUnmarshaler(json.Unmarshal)
	httpClient.SetTimeout(30 * time.Second)
	if token != "" {
		httpClient.SetAuthToken(token)
	}
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		req.SetHeader("X-Request-Id", uuid.NewString())
		return nil
	})
	return &Client{http: httpClient, logger: logger, tracer: otel.Tracer("threadexport/bridge")}
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "bridge "+path, trace.WithAttributes(attribute.String("method", method)))
	defer span.End()

	req := c.http.R().SetContext(ctx).SetError(&errorBody{}).ForceContentType("application/json")
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	res, err := req.Execute(method, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("bridge %s: %w", path, err)
	}
	if res.IsError() {
		msg := res.Status()
		if e, ok := res.Error().(*errorBody); ok && e.Error != "" {
			msg = e.Error
		}
		err := fmt.Errorf("bridge %s: %s", path, msg)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

type fetchRequest struct {
	Path      string `json:"path"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type fetchResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// Fetch performs path from inside the authenticated page.
func (c *Client) Fetch(ctx context.Context, path string, timeout time.Duration) (*remote.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+5*time.Second)
		defer cancel()
	}
	var out fetchResponse
	if err := c.call(ctx, resty.MethodPost, "/fetch", fetchRequest{Path: path, TimeoutMS: timeout.Milliseconds()}, &out); err != nil {
		return nil, err
	}
	return &remote.Response{Status: out.Status, Body: []byte(out.Body), Via: "page"}, nil
}

// Visible reports whether the chat tab is in the foreground.
func (c *Client) Visible(ctx context.Context) (bool, error) {
	var out struct {
		Visible bool `json:"visible"`
	}
	if err := c.call(ctx, resty.MethodGet, "/visibility", nil, &out); err != nil {
		return false, err
	}
	return out.Visible, nil
}

// CurrentConversationID returns the id of the conversation on screen, or "".
func (c *Client) CurrentConversationID(ctx context.Context) (string, error) {
	var out struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.call(ctx, resty.MethodGet, "/location", nil, &out); err != nil {
		return "", err
	}
	return out.ConversationID, nil
}

func (c *Client) Metrics(ctx context.Context, region dom.Region) (dom.Metrics, error) {
	var out dom.Metrics
	err := c.call(ctx, resty.MethodGet, "/metrics?region="+string(region), nil, &out)
	return out, err
}

func (c *Client) ScrollTo(ctx context.Context, region dom.Region, top float64) error {
	return c.call(ctx, resty.MethodPost, "/scroll", map[string]any{"region": region, "top": top}, nil)
}

// Snapshot returns the outer HTML of region.
func (c *Client) Snapshot(ctx context.Context, region dom.Region) (string, error) {
	var out struct {
		HTML string `json:"html"`
	}
	if err := c.call(ctx, resty.MethodGet, "/snapshot?region="+string(region), nil, &out); err != nil {
		return "", err
	}
	return out.HTML, nil
}

// Navigate activates the conversation's sidebar link, or a synthetic one
// when it is not rendered.
func (c *Client) Navigate(ctx context.Context, conversationID string) error {
	return c.call(ctx, resty.MethodPost, "/navigate", map[string]string{"conversation_id": conversationID}, nil)
}

var (
	_ dom.Host           = (*Client)(nil)
	_ remote.PageFetcher = (*Client)(nil)
)
