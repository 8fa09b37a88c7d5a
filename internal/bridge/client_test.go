package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/threadexport/internal/dom"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeCompanion(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if req.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "bad token"})
				return
			}
			if req.Header.Get("X-Request-Id") == "" {
				t.Error("missing request id")
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Post("/fetch", func(w http.ResponseWriter, req *http.Request) {
		var body fetchRequest
		json.NewDecoder(req.Body).Decode(&body)
		json.NewEncoder(w).Encode(fetchResponse{Status: 200, Body: `{"path":"` + body.Path + `"}`})
	})
	r.Get("/visibility", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"visible": true})
	})
	r.Get("/location", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"conversation_id": "abc12345"})
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("region") != "sidebar" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(dom.Metrics{ScrollTop: 10, ScrollHeight: 1000, ClientHeight: 300})
	})
	r.Post("/scroll", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Get("/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"html": "<a href='/c/abc12345'>x</a>"})
	})
	r.Post("/navigate", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "link not found"})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Roundtrips(t *testing.T) {
	srv := fakeCompanion(t)
	c := New(srv.URL, "secret", testLogger())
	ctx := context.Background()

	resp, err := c.Fetch(ctx, "/backend-api/conversation/abc", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "page", resp.Via)
	assert.JSONEq(t, `{"path":"/backend-api/conversation/abc"}`, string(resp.Body))

	visible, err := c.Visible(ctx)
	require.NoError(t, err)
	assert.True(t, visible)

	id, err := c.CurrentConversationID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc12345", id)

	m, err := c.Metrics(ctx, dom.RegionSidebar)
	require.NoError(t, err)
	assert.Equal(t, 700.0, m.MaxTop())

	require.NoError(t, c.ScrollTo(ctx, dom.RegionSidebar, 500))

	html, err := c.Snapshot(ctx, dom.RegionSidebar)
	require.NoError(t, err)
	assert.Contains(t, html, "/c/abc12345")
}

func TestClient_ErrorBodies(t *testing.T) {
	srv := fakeCompanion(t)

	err := New(srv.URL, "secret", testLogger()).Navigate(context.Background(), "zzz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "link not found")

	_, err = New(srv.URL, "wrong", testLogger()).Visible(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad token")
}
