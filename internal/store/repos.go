package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/realartists/shiphub-sync/internal/models"
)

// UpsertRepository saves a repository. A repo carrying an explicit
// RowVersion is an externally-versioned update and is applied only when
// strictly newer than the stored version; stale versions are dropped
// silently. Poll-sourced repos (RowVersion zero) bump the stored
// version. Reports whether a row was written.
func (s *Store) UpsertRepository(ctx context.Context, repo *models.Repository) (bool, error) {
	var query string
	var args []any
	if repo.RowVersion > 0 {
		query = `
		INSERT INTO repositories (id, owner_id, name, full_name, private, has_issues, row_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			full_name = excluded.full_name,
			private = excluded.private,
			has_issues = excluded.has_issues,
			row_version = excluded.row_version
		WHERE excluded.row_version > repositories.row_version
		`
		args = []any{repo.ID, repo.OwnerID, repo.Name, repo.FullName, repo.Private, repo.HasIssues, repo.RowVersion}
	} else {
		query = `
		INSERT INTO repositories (id, owner_id, name, full_name, private, has_issues, row_version)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			full_name = excluded.full_name,
			private = excluded.private,
			has_issues = excluded.has_issues,
			row_version = repositories.row_version + 1
		`
		args = []any{repo.ID, repo.OwnerID, repo.Name, repo.FullName, repo.Private, repo.HasIssues}
	}

	res, err := s.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to save repository %s: %w", repo.FullName, err)
	}
	return affected(res)
}

// GetRepository loads a repository by id, or nil when absent.
func (s *Store) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	return s.getRepository(ctx, `WHERE id = ?`, id)
}

// GetRepositoryByFullName resolves the human-facing "owner/name" key to
// the stored row.
func (s *Store) GetRepositoryByFullName(ctx context.Context, fullName string) (*models.Repository, error) {
	return s.getRepository(ctx, `WHERE full_name = ?`, fullName)
}

func (s *Store) getRepository(ctx context.Context, where string, arg any) (*models.Repository, error) {
	query := `SELECT id, owner_id, name, full_name, private, has_issues, row_version, issues_since FROM repositories ` + where

	var repo models.Repository
	var since sql.NullTime
	err := s.QueryRowContext(ctx, query, arg).Scan(
		&repo.ID, &repo.OwnerID, &repo.Name, &repo.FullName,
		&repo.Private, &repo.HasIssues, &repo.RowVersion, &since,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	if since.Valid {
		repo.IssuesSince = since.Time
	}
	return &repo, nil
}

// SetIssuesSince advances a repository's bulk issue-list watermark.
func (s *Store) SetIssuesSince(ctx context.Context, repoID int64, since time.Time) error {
	_, err := s.ExecContext(ctx, `UPDATE repositories SET issues_since = ? WHERE id = ?`, since, repoID)
	if err != nil {
		return fmt.Errorf("failed to set issues watermark: %w", err)
	}
	return nil
}

// DeleteRepository removes a repository and everything hanging off it.
// Reports whether the repository row existed.
func (s *Store) DeleteRepository(ctx context.Context, repoID int64) (bool, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	cleanup := []string{
		`DELETE FROM reactions WHERE issue_id IN (SELECT id FROM issues WHERE repository_id = ?)`,
		`DELETE FROM reactions WHERE comment_id IN (SELECT c.id FROM comments c JOIN issues i ON i.id = c.issue_id WHERE i.repository_id = ?)`,
		`DELETE FROM issue_events WHERE issue_id IN (SELECT id FROM issues WHERE repository_id = ?)`,
		`DELETE FROM issue_labels WHERE issue_id IN (SELECT id FROM issues WHERE repository_id = ?)`,
		`DELETE FROM issue_assignees WHERE issue_id IN (SELECT id FROM issues WHERE repository_id = ?)`,
		`DELETE FROM comments WHERE issue_id IN (SELECT id FROM issues WHERE repository_id = ?)`,
		`DELETE FROM issues WHERE repository_id = ?`,
		`DELETE FROM labels WHERE repository_id = ?`,
		`DELETE FROM milestones WHERE repository_id = ?`,
		`DELETE FROM repo_assignees WHERE repository_id = ?`,
		`DELETE FROM repo_access WHERE repository_id = ?`,
		`DELETE FROM hooks WHERE repository_id = ?`,
	}
	for _, q := range cleanup {
		if _, err := tx.ExecContext(ctx, q, repoID); err != nil {
			return false, fmt.Errorf("failed to delete repository %d: %w", repoID, err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, repoID)
	if err != nil {
		return false, fmt.Errorf("failed to delete repository %d: %w", repoID, err)
	}
	changed, err := affected(res)
	if err != nil {
		return false, err
	}
	return changed, tx.Commit()
}

// SaveLabel saves a label to the database. Reports whether a row was
// written.
func (s *Store) SaveLabel(ctx context.Context, label *models.Label) (bool, error) {
	query := `
	INSERT INTO labels (id, repository_id, name, color)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		repository_id = excluded.repository_id,
		name = excluded.name,
		color = excluded.color
	`
	res, err := s.ExecContext(ctx, query, label.ID, label.RepositoryID, label.Name, label.Color)
	if err != nil {
		return false, fmt.Errorf("failed to save label %s: %w", label.Name, err)
	}
	return affected(res)
}

// ReplaceLabels replaces a repository's full label set, dropping labels
// (and their issue associations) that no longer exist.
func (s *Store) ReplaceLabels(ctx context.Context, repoID int64, labels []*models.Label) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM labels WHERE repository_id = ?`, repoID); err != nil {
		return fmt.Errorf("failed to clear labels: %w", err)
	}
	for _, label := range labels {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO labels (id, repository_id, name, color) VALUES (?, ?, ?, ?)`,
			label.ID, repoID, label.Name, label.Color)
		if err != nil {
			return fmt.Errorf("failed to save label %s: %w", label.Name, err)
		}
	}
	return tx.Commit()
}

// DeleteLabel removes a label and all its issue associations. Reports
// whether the label existed (a repeat delete is an idempotent no-op).
func (s *Store) DeleteLabel(ctx context.Context, labelID int64) (bool, error) {
	res, err := s.ExecContext(ctx, `DELETE FROM labels WHERE id = ?`, labelID)
	if err != nil {
		return false, fmt.Errorf("failed to delete label %d: %w", labelID, err)
	}
	return affected(res)
}

// UpsertMilestone saves a milestone. Reports whether a row was written.
func (s *Store) UpsertMilestone(ctx context.Context, m *models.Milestone) (bool, error) {
	query := `
	INSERT INTO milestones (id, repository_id, number, title, state, description, due_on, created_at, updated_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		state = excluded.state,
		description = excluded.description,
		due_on = excluded.due_on,
		updated_at = excluded.updated_at,
		closed_at = excluded.closed_at
	`
	res, err := s.ExecContext(ctx, query,
		m.ID, m.RepositoryID, m.Number, m.Title, m.State, m.Description,
		m.DueOn, m.CreatedAt, m.UpdatedAt, m.ClosedAt)
	if err != nil {
		return false, fmt.Errorf("failed to save milestone %s: %w", m.Title, err)
	}
	return affected(res)
}

// DeleteMilestone removes a milestone and clears it from issues that
// referenced it. Reports whether the milestone existed.
func (s *Store) DeleteMilestone(ctx context.Context, milestoneID int64) (bool, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE issues SET milestone_id = NULL WHERE milestone_id = ?`, milestoneID); err != nil {
		return false, fmt.Errorf("failed to clear milestone references: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM milestones WHERE id = ?`, milestoneID)
	if err != nil {
		return false, fmt.Errorf("failed to delete milestone %d: %w", milestoneID, err)
	}
	changed, err := affected(res)
	if err != nil {
		return false, err
	}
	return changed, tx.Commit()
}

// SetRepoAssignees replaces a repository's assignable-user set.
func (s *Store) SetRepoAssignees(ctx context.Context, repoID int64, userIDs []int64) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM repo_assignees WHERE repository_id = ?`, repoID); err != nil {
		return fmt.Errorf("failed to clear repo assignees: %w", err)
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO repo_assignees (repository_id, user_id) VALUES (?, ?)`, repoID, userID); err != nil {
			return fmt.Errorf("failed to save repo assignee: %w", err)
		}
	}
	return tx.Commit()
}
