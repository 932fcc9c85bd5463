package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/realartists/shiphub-sync/internal/models"
	"golang.org/x/oauth2"
)

const (
	defaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"

	// defaultValidity applies when a response carries no usable
	// Cache-Control max-age.
	defaultValidity = 60 * time.Second

	// backgroundQuotaFloor is the remaining-quota level below which
	// background-priority requests are shed instead of sent.
	backgroundQuotaFloor = 64
)

// Priority is the request tier used for client-side rate-limit
// scheduling. Interactive requests always go out; background requests
// are shed when quota runs low.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityInteractive
)

func (p Priority) String() string {
	if p == PriorityInteractive {
		return "interactive"
	}
	return "background"
}

// Result is the tagged outcome of a cacheable fetch: either the
// payload was not modified (validity record refreshed, no payload), or
// a fresh payload arrived with a new record.
type Result[T any] struct {
	NotModified bool
	Payload     T
	Cache       models.CacheMetadata
}

// Client is a GitHub REST client with conditional-request support. One
// Client exists per distinct credential; callers sharing a credential
// share its connection and rate-limit state.
type Client struct {
	httpClient *http.Client
	baseURL    string

	mu            sync.Mutex
	rateRemaining int
	rateReset     time.Time
}

// NewClient creates a client authenticated with the given token. An
// empty token yields an unauthenticated client.
func NewClient(token string) *Client {
	return NewClientWithBaseURL(token, defaultBaseURL)
}

// NewClientWithBaseURL creates a client against a custom API base URL
// (used by tests).
func NewClientWithBaseURL(token, baseURL string) *Client {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(context.Background(), ts)
	} else {
		hc = &http.Client{}
	}
	hc.Timeout = 30 * time.Second

	return &Client{
		httpClient:    hc,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		rateRemaining: -1,
	}
}

// url resolves a path against the client's base URL. Absolute URLs
// (cross-reference resolution targets) pass through unchanged.
func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

// checkQuota sheds background requests when remaining quota is nearly
// exhausted, so interactive work keeps what is left.
func (c *Client) checkQuota(pri Priority) error {
	if pri == PriorityInteractive {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rateRemaining >= 0 && c.rateRemaining < backgroundQuotaFloor && time.Now().Before(c.rateReset) {
		return &RateLimitError{ResetTime: c.rateReset}
	}
	return nil
}

// observeRate records rate-limit state from response headers.
func (c *Client) observeRate(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}
	n, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.rateRemaining = n
	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			c.rateReset = time.Unix(unix, 0)
		}
	}
	reset := c.rateReset
	c.mu.Unlock()

	if n == 0 {
		log.Printf("api: GitHub rate limit exhausted, resets at %s", reset.Format(time.RFC3339))
	}
}

// resetTimeFrom extracts the quota reset time from a rate-limited
// response, defaulting to a short backoff when the header is missing.
func resetTimeFrom(resp *http.Response) time.Time {
	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			return time.Unix(unix, 0)
		}
	}
	return time.Now().Add(time.Minute)
}

var maxAgeRe = regexp.MustCompile(`max-age=(\d+)`)

// metadataFrom computes the fresh cache record for a response. A 304
// keeps the previous token when the platform omits the ETag header.
func metadataFrom(resp *http.Response, prev *models.CacheMetadata, now time.Time) models.CacheMetadata {
	m := models.CacheMetadata{
		LastRefresh: now,
		Expires:     now.Add(defaultValidity),
	}
	if matches := maxAgeRe.FindStringSubmatch(resp.Header.Get("Cache-Control")); len(matches) == 2 {
		if secs, err := strconv.Atoi(matches[1]); err == nil && secs > 0 {
			m.Expires = now.Add(time.Duration(secs) * time.Second)
		}
	}
	m.ETag = resp.Header.Get("ETag")
	if m.ETag == "" && prev != nil {
		m.ETag = prev.ETag
	}
	return m
}

// get performs one conditional GET and decodes the payload. prev may be
// nil for a first fetch.
func get[T any](ctx context.Context, c *Client, pri Priority, path string, prev *models.CacheMetadata) (Result[T], error) {
	var zero Result[T]
	if err := c.checkQuota(pri); err != nil {
		return zero, err
	}

	resp, err := c.do(ctx, path, prev)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return Result[T]{NotModified: true, Cache: metadataFrom(resp, prev, time.Now())}, nil
	}
	if err := checkStatus(resp); err != nil {
		return zero, err
	}

	var payload T
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return zero, fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return Result[T]{Payload: payload, Cache: metadataFrom(resp, prev, time.Now())}, nil
}

// getPaged performs a conditional GET and follows Link rel="next"
// pagination. The cache record comes from the first page; follow-up
// pages are fetched unconditionally.
func getPaged[T any](ctx context.Context, c *Client, pri Priority, path string, prev *models.CacheMetadata) (Result[[]T], error) {
	var zero Result[[]T]
	if err := c.checkQuota(pri); err != nil {
		return zero, err
	}

	var all []T
	var cache models.CacheMetadata
	url := path
	first := true

	for url != "" {
		cond := prev
		if !first {
			cond = nil
		}
		resp, err := c.do(ctx, url, cond)
		if err != nil {
			return zero, err
		}

		if first && resp.StatusCode == http.StatusNotModified {
			m := metadataFrom(resp, prev, time.Now())
			resp.Body.Close()
			return Result[[]T]{NotModified: true, Cache: m}, nil
		}
		if err := checkStatus(resp); err != nil {
			resp.Body.Close()
			return zero, err
		}

		var page []T
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			resp.Body.Close()
			return zero, fmt.Errorf("failed to decode response from %s: %w", url, err)
		}
		if first {
			cache = metadataFrom(resp, prev, time.Now())
			first = false
		}
		url = nextPageURL(resp.Header.Get("Link"))
		resp.Body.Close()

		all = append(all, page...)
	}

	return Result[[]T]{Payload: all, Cache: cache}, nil
}

// do issues the request with auth, API-version, and conditional headers.
func (c *Client) do(ctx context.Context, path string, prev *models.CacheMetadata) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if prev != nil && prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	c.observeRate(resp)
	return resp, nil
}

// send performs a mutating request with an optional JSON body. Writes
// are always sent regardless of quota pressure; they happen rarely and
// on behalf of a user-visible need.
func send[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), payload)
	if err != nil {
		return zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.observeRate(resp)

	if err := checkStatus(resp); err != nil {
		return zero, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return zero, nil
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return out, nil
}

// checkStatus maps non-success responses to the error taxonomy. The
// caller owns the response body.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return &NotFoundError{URL: resp.Request.URL.String()}
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return &RateLimitError{ResetTime: resetTimeFrom(resp)}
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &APIError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String(), Body: string(body)}
}

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextPageURL extracts the next page URL from a Link header.
func nextPageURL(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}
	matches := nextLinkRe.FindStringSubmatch(linkHeader)
	if len(matches) >= 2 {
		return matches[1]
	}
	return ""
}
