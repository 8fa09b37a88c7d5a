package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(base string) Config {
	cfg := DefaultConfig(base)
	cfg.RequestsPerSecond = 0
	cfg.ItemTimeout = 2 * time.Second
	cfg.ListTimeout = 2 * time.Second
	cfg.RetryBase = time.Millisecond
	cfg.RetryJitter = time.Millisecond
	cfg.ListJitter = time.Millisecond
	cfg.RateLimitBase = 5 * time.Millisecond
	cfg.RateLimitMax = 20 * time.Millisecond
	cfg.RateLimitJitter = time.Millisecond
	return cfg
}

type fakePage struct {
	mu     sync.Mutex
	calls  []string
	status int
	body   string
	err    error
}

func (f *fakePage) Fetch(_ context.Context, path string, _ time.Duration) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Status: f.status, Body: []byte(f.body), Via: "page"}, nil
}

func TestFetchConversation_DirectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"title":"x","mapping":{}}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.AccessToken = "tok"
	c := New(cfg, nil, testLogger())
	v, err := c.FetchConversation(context.Background(), "abc12345")
	require.NoError(t, err)
	assert.Equal(t, "x", v.(map[string]any)["title"])
}

func TestFetchConversation_All404IsNotFound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, testLogger())
	_, err := c.FetchConversation(context.Background(), "missing01")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, int32(len(ConversationPaths("missing01"))), hits.Load(), "not-found must not be retried")
}

func TestFetchConversation_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, testLogger())
	_, err := c.FetchConversation(context.Background(), "retry0001")
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchConversation_RateLimitedExhausts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, testLogger())
	_, err := c.FetchConversation(context.Background(), "limited01")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int32(4), hits.Load(), "one request per attempt, four attempts")
}

func TestFetchConversation_PageFirstForConversationPaths(t *testing.T) {
	var direct atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		direct.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	page := &fakePage{status: 200, body: `{"title":"from page"}`}
	c := New(testConfig(srv.URL), page, testLogger())
	v, err := c.FetchConversation(context.Background(), "pagefirst")
	require.NoError(t, err)
	assert.Equal(t, "from page", v.(map[string]any)["title"])
	assert.Equal(t, int32(0), direct.Load())
	require.Len(t, page.calls, 1)
	assert.True(t, strings.HasPrefix(page.calls[0], "/backend-api/conversation/"))
}

func TestGet_EscalatesRefusedDirectToPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	page := &fakePage{status: 200, body: `{}`}
	c := New(testConfig(srv.URL), page, testLogger())
	resp, err := c.Get(context.Background(), "/backend-api/me", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "page", resp.Via)
}

func TestGet_KeepsDirectAnswerWhenNotEscalated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	page := &fakePage{status: 200, body: `{}`}
	c := New(testConfig(srv.URL), page, testLogger())
	resp, err := c.Get(context.Background(), "/backend-api/me", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)
	assert.Empty(t, page.calls)
}

func TestGet_BothFailWithoutStatus(t *testing.T) {
	c := New(testConfig("http://127.0.0.1:1"), &fakePage{err: errors.New("bridge gone")}, testLogger())
	_, err := c.Get(context.Background(), "/backend-api/me", 200*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge gone")
}

func TestFetchListPage_ReturnsFirstNonEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("is_archived") == "false" {
			w.Write([]byte(`{"items":[{"id":"abcdefgh"}]}`))
			return
		}
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, testLogger())
	v, err := c.FetchListPage(context.Background(), 0, 28)
	require.NoError(t, err)
	items := v.(map[string]any)["items"].([]any)
	assert.Len(t, items, 1)
}

func TestFetchListPage_EmptyAfterOneAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, testLogger())
	_, err := c.FetchListPage(context.Background(), 0, 28)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestListPaths_ProjectVariants(t *testing.T) {
	paths := ListPaths(28, 28, "g-p-123")
	require.Len(t, paths, 5)
	assert.Contains(t, paths[0], "order=updated")
	assert.Contains(t, paths[1], "is_archived=false")
	assert.Contains(t, paths[4], "project_id=g-p-123")
	assert.Len(t, ListPaths(0, 28, ""), 3)
}

func TestFetchConversation_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(testConfig(srv.URL), nil, testLogger())
	_, err := c.FetchConversation(ctx, "abcdefgh")
	assert.True(t, errors.Is(err, context.Canceled))
}
