package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realartists/shiphub-sync/internal/models"
)

func TestConditionalFetch(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Cache-Control", "private, max-age=60")
		fmt.Fprint(w, `{"id": 7, "login": "octocat"}`)
	}))
	defer server.Close()

	client := NewClientWithBaseURL("", server.URL)
	ctx := context.Background()

	res, err := client.User(ctx, PriorityBackground, "octocat", nil)
	require.NoError(t, err)
	assert.False(t, res.NotModified)
	assert.Equal(t, int64(7), res.Payload.GetID())
	assert.Equal(t, `"v1"`, res.Cache.ETag)
	assert.True(t, res.Cache.Expires.After(time.Now().Add(50*time.Second)))

	before := res.Cache
	res, err = client.User(ctx, PriorityBackground, "octocat", &before)
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	// The 304 refreshes the validity window and keeps the token.
	assert.Equal(t, `"v1"`, res.Cache.ETag)
	assert.True(t, res.Cache.LastRefresh.After(before.LastRefresh) ||
		res.Cache.LastRefresh.Equal(before.LastRefresh))
	assert.Equal(t, int32(2), hits.Load())
}

func TestExpiryGatesNothingHere(t *testing.T) {
	// Expired is a pure record property; the client itself never skips a
	// call. Callers gate on it.
	now := time.Now()
	var nilRec *models.CacheMetadata
	assert.True(t, nilRec.Expired(now))
	assert.True(t, (&models.CacheMetadata{Expires: now}).Expired(now))
	assert.True(t, (&models.CacheMetadata{Expires: now.Add(-time.Minute)}).Expired(now))
	assert.False(t, (&models.CacheMetadata{Expires: now.Add(time.Minute)}).Expired(now))
}

func TestNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClientWithBaseURL("", server.URL)
	_, err := client.Repository(context.Background(), PriorityInteractive, "octocat", "gone", nil)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRateLimitError(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset))
		http.Error(w, `{"message": "rate limited"}`, http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClientWithBaseURL("", server.URL)
	_, err := client.User(context.Background(), PriorityInteractive, "octocat", nil)
	var limited *RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, reset, limited.ResetTime.Unix())
}

func TestBackgroundQuotaShedding(t *testing.T) {
	var hits atomic.Int32
	reset := time.Now().Add(time.Hour).Unix()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("X-RateLimit-Remaining", "10")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset))
		fmt.Fprint(w, `{"id": 7}`)
	}))
	defer server.Close()

	client := NewClientWithBaseURL("", server.URL)
	ctx := context.Background()

	// First call observes the low quota.
	_, err := client.User(ctx, PriorityBackground, "octocat", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	// Background requests are now shed without touching the network.
	_, err = client.User(ctx, PriorityBackground, "octocat", nil)
	var limited *RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, int32(1), hits.Load())

	// Interactive requests still go out.
	_, err = client.User(ctx, PriorityInteractive, "octocat", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestPagination(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "", "1":
			w.Header().Set("ETag", `"list-v1"`)
			w.Header().Set("Link", fmt.Sprintf(`<%s%s?page=2>; rel="next"`, server.URL, r.URL.Path))
			fmt.Fprint(w, `[{"id": 1}, {"id": 2}]`)
		case "2":
			fmt.Fprint(w, `[{"id": 3}]`)
		}
	}))
	defer server.Close()

	client := NewClientWithBaseURL("", server.URL)
	res, err := client.Labels(context.Background(), PriorityBackground, "octocat", "hello", nil)
	require.NoError(t, err)
	require.Len(t, res.Payload, 3)
	// The cache record belongs to the first page.
	assert.Equal(t, `"list-v1"`, res.Cache.ETag)
}

func TestCreateRepoHook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/repos/octocat/hello/hooks", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 99, "active": true}`)
	}))
	defer server.Close()

	client := NewClientWithBaseURL("", server.URL)
	hook, err := client.CreateRepoHook(context.Background(), "octocat", "hello", HookOptions{
		CallbackURL: "https://sync.example.com/webhooks/repo/100",
		Secret:      "s3cret",
		Events:      []string{"issues"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(99), hook.GetID())
}
