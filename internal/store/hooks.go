package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/realartists/shiphub-sync/internal/models"
)

// MaxHookPingFailures is the ping-failure count past which a hook
// registration is considered dead and deleted.
const MaxHookPingFailures = 5

// CreateHook registers a webhook for a repository or an organization
// and returns its local id. Re-creating an existing registration
// refreshes the secret and external id.
func (s *Store) CreateHook(ctx context.Context, hook *models.Hook) (int64, error) {
	var column string
	var owner int64
	switch {
	case hook.RepositoryID != 0:
		column, owner = "repository_id", hook.RepositoryID
	case hook.OrgID != 0:
		column, owner = "org_id", hook.OrgID
	default:
		return 0, fmt.Errorf("hook must belong to a repository or an organization")
	}

	query := fmt.Sprintf(`
	INSERT INTO hooks (%s, secret, github_id, ping_count)
	VALUES (?, ?, ?, 0)
	ON CONFLICT(%s) WHERE %s IS NOT NULL DO UPDATE SET
		secret = excluded.secret,
		github_id = excluded.github_id,
		ping_count = 0
	`, column, column, column)

	if _, err := s.ExecContext(ctx, query, owner, hook.Secret, hook.GitHubID); err != nil {
		return 0, fmt.Errorf("failed to create hook: %w", err)
	}

	var id int64
	err := s.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM hooks WHERE %s = ?`, column), owner).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read back hook id: %w", err)
	}
	return id, nil
}

// GetRepoHook loads the hook registered for a repository, or nil.
func (s *Store) GetRepoHook(ctx context.Context, repoID int64) (*models.Hook, error) {
	return s.getHook(ctx, `WHERE repository_id = ?`, repoID)
}

// GetOrgHook loads the hook registered for an organization, or nil.
func (s *Store) GetOrgHook(ctx context.Context, orgID int64) (*models.Hook, error) {
	return s.getHook(ctx, `WHERE org_id = ?`, orgID)
}

func (s *Store) getHook(ctx context.Context, where string, arg any) (*models.Hook, error) {
	query := `SELECT id, repository_id, org_id, secret, github_id, last_seen, last_ping, ping_count FROM hooks ` + where

	var hook models.Hook
	var repoID, orgID sql.NullInt64
	var lastSeen, lastPing sql.NullTime
	err := s.QueryRowContext(ctx, query, arg).Scan(
		&hook.ID, &repoID, &orgID, &hook.Secret, &hook.GitHubID, &lastSeen, &lastPing, &hook.PingCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get hook: %w", err)
	}
	hook.RepositoryID = repoID.Int64
	hook.OrgID = orgID.Int64
	if lastSeen.Valid {
		hook.LastSeen = &lastSeen.Time
	}
	if lastPing.Valid {
		hook.LastPing = &lastPing.Time
	}
	return &hook, nil
}

// TouchHook records a successfully verified inbound event: last-seen
// reset and the ping-failure counter cleared.
func (s *Store) TouchHook(ctx context.Context, hookID int64, seen time.Time) error {
	_, err := s.ExecContext(ctx,
		`UPDATE hooks SET last_seen = ?, ping_count = 0 WHERE id = ?`, seen, hookID)
	if err != nil {
		return fmt.Errorf("failed to touch hook %d: %w", hookID, err)
	}
	return nil
}

// RecordHookPing notes an outbound ping attempt and returns the new
// failure count. Callers delete the hook past MaxHookPingFailures.
func (s *Store) RecordHookPing(ctx context.Context, hookID int64, at time.Time) (int, error) {
	_, err := s.ExecContext(ctx,
		`UPDATE hooks SET last_ping = ?, ping_count = ping_count + 1 WHERE id = ?`, at, hookID)
	if err != nil {
		return 0, fmt.Errorf("failed to record hook ping: %w", err)
	}
	var count int
	if err := s.QueryRowContext(ctx, `SELECT ping_count FROM hooks WHERE id = ?`, hookID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read hook ping count: %w", err)
	}
	return count, nil
}

// DeleteHook removes a hook registration.
func (s *Store) DeleteHook(ctx context.Context, hookID int64) error {
	if _, err := s.ExecContext(ctx, `DELETE FROM hooks WHERE id = ?`, hookID); err != nil {
		return fmt.Errorf("failed to delete hook %d: %w", hookID, err)
	}
	return nil
}
