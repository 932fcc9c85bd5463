package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/realartists/shiphub-sync/internal/models"
)

// GetCacheMetadata loads the cache record for a sub-resource key (e.g.
// "repo:123:labels"), or nil when none is stored. Callers treat a nil
// record as expired.
func (s *Store) GetCacheMetadata(ctx context.Context, key string) (*models.CacheMetadata, error) {
	query := `SELECT etag, expires, last_refresh FROM cache_metadata WHERE key = ?`

	var m models.CacheMetadata
	err := s.QueryRowContext(ctx, query, key).Scan(&m.ETag, &m.Expires, &m.LastRefresh)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cache metadata for %s: %w", key, err)
	}
	return &m, nil
}

// SetCacheMetadata replaces the cache record for a sub-resource key
// wholesale.
func (s *Store) SetCacheMetadata(ctx context.Context, key string, m models.CacheMetadata) error {
	query := `
	INSERT INTO cache_metadata (key, etag, expires, last_refresh)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		etag = excluded.etag,
		expires = excluded.expires,
		last_refresh = excluded.last_refresh
	`
	if _, err := s.ExecContext(ctx, query, key, m.ETag, m.Expires, m.LastRefresh); err != nil {
		return fmt.Errorf("failed to set cache metadata for %s: %w", key, err)
	}
	return nil
}

// UpsertSubscription applies an externally-versioned billing record.
// Stale or duplicate versions are dropped silently; reports whether the
// row was written.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	query := `
	INSERT INTO subscriptions (account_id, state, version)
	VALUES (?, ?, ?)
	ON CONFLICT(account_id) DO UPDATE SET
		state = excluded.state,
		version = excluded.version
	WHERE excluded.version > subscriptions.version
	`
	res, err := s.ExecContext(ctx, query, sub.AccountID, sub.State, sub.Version)
	if err != nil {
		return false, fmt.Errorf("failed to save subscription for %d: %w", sub.AccountID, err)
	}
	return affected(res)
}

// GetSubscription loads an account's subscription record, or nil.
func (s *Store) GetSubscription(ctx context.Context, accountID int64) (*models.Subscription, error) {
	query := `SELECT account_id, state, version FROM subscriptions WHERE account_id = ?`

	var sub models.Subscription
	err := s.QueryRowContext(ctx, query, accountID).Scan(&sub.AccountID, &sub.State, &sub.Version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription for %d: %w", accountID, err)
	}
	return &sub, nil
}
