package store

import (
	"context"
	"fmt"

	"github.com/realartists/shiphub-sync/internal/models"
)

// ListOrgMemberships returns an organization's stored memberships.
func (s *Store) ListOrgMemberships(ctx context.Context, orgID int64) ([]models.OrgMembership, error) {
	query := `SELECT org_id, user_id, admin FROM org_memberships WHERE org_id = ? ORDER BY user_id`
	rows, err := s.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list org memberships: %w", err)
	}
	defer rows.Close()

	var members []models.OrgMembership
	for rows.Next() {
		var m models.OrgMembership
		if err := rows.Scan(&m.OrgID, &m.UserID, &m.Admin); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// SetOrgMembership saves one membership row. Reports whether a row was
// written.
func (s *Store) SetOrgMembership(ctx context.Context, m models.OrgMembership) (bool, error) {
	query := `
	INSERT INTO org_memberships (org_id, user_id, admin)
	VALUES (?, ?, ?)
	ON CONFLICT(org_id, user_id) DO UPDATE SET admin = excluded.admin
	`
	res, err := s.ExecContext(ctx, query, m.OrgID, m.UserID, m.Admin)
	if err != nil {
		return false, fmt.Errorf("failed to save org membership: %w", err)
	}
	return affected(res)
}

// EnsureOrgMembership records that a user belongs to an organization
// without touching the admin flag (role information comes from the
// organization's own sync). Reports whether the row was new.
func (s *Store) EnsureOrgMembership(ctx context.Context, orgID, userID int64) (bool, error) {
	res, err := s.ExecContext(ctx,
		`INSERT OR IGNORE INTO org_memberships (org_id, user_id, admin) VALUES (?, ?, 0)`, orgID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to ensure org membership: %w", err)
	}
	return affected(res)
}

// ListUserOrgIDs returns the organizations a user is known to belong
// to.
func (s *Store) ListUserOrgIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT org_id FROM org_memberships WHERE user_id = ? ORDER BY org_id`, userID)
}

// ListUserRepoIDs returns the repositories a user is known to see.
func (s *Store) ListUserRepoIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT repository_id FROM repo_access WHERE user_id = ? ORDER BY repository_id`, userID)
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveOrgMembership deletes one membership row. Reports whether it
// existed.
func (s *Store) RemoveOrgMembership(ctx context.Context, orgID, userID int64) (bool, error) {
	res, err := s.ExecContext(ctx, `DELETE FROM org_memberships WHERE org_id = ? AND user_id = ?`, orgID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove org membership: %w", err)
	}
	return affected(res)
}
