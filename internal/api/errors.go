package api

import (
	"fmt"
	"time"
)

// RateLimitError is returned when the API quota is exhausted, or when a
// background-priority request is shed to preserve the remaining quota
// for interactive work. Callers treat it as a tolerated transient
// failure: the sub-resource keeps its previous cache record and is
// retried on a later tick.
type RateLimitError struct {
	ResetTime time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("GitHub API rate limit exceeded, resets at %s", e.ResetTime.Format(time.RFC3339))
}

// NotFoundError is returned on a 404. For comment reactions it doubles
// as the comment-deletion signal.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("GitHub API returned 404 for %s", e.URL)
}

// APIError is any other non-success response.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GitHub API error %d for %s: %s", e.StatusCode, e.URL, e.Body)
}
