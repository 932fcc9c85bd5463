package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/realartists/shiphub-sync/internal/models"
)

// UpsertIssue saves an issue, keyed by (repository, number). Reports
// whether a row was written. Referenced accounts and milestones must
// already exist.
func (s *Store) UpsertIssue(ctx context.Context, issue *models.Issue) (bool, error) {
	query := `
	INSERT INTO issues (id, number, title, body, state, created_at, updated_at, closed_at,
		user_id, milestone_id, repository_id, locked, comment_count, is_pull_request)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(repository_id, number) DO UPDATE SET
		title = excluded.title,
		body = excluded.body,
		state = excluded.state,
		updated_at = excluded.updated_at,
		closed_at = excluded.closed_at,
		user_id = excluded.user_id,
		milestone_id = excluded.milestone_id,
		locked = excluded.locked,
		comment_count = excluded.comment_count,
		is_pull_request = excluded.is_pull_request
	`

	res, err := s.ExecContext(ctx, query,
		issue.ID, issue.Number, issue.Title, issue.Body, issue.State,
		issue.CreatedAt, issue.UpdatedAt, issue.ClosedAt,
		nullID(issue.UserID), issue.MilestoneID, issue.RepositoryID,
		issue.Locked, issue.CommentCount, issue.IsPullRequest)
	if err != nil {
		return false, fmt.Errorf("failed to save issue #%d: %w", issue.Number, err)
	}
	return affected(res)
}

// GetIssue loads an issue by id, or nil when absent.
func (s *Store) GetIssue(ctx context.Context, id int64) (*models.Issue, error) {
	return s.getIssue(ctx, `WHERE id = ?`, id)
}

// GetIssueByNumber resolves the compound (repository, number) key.
func (s *Store) GetIssueByNumber(ctx context.Context, repoID int64, number int) (*models.Issue, error) {
	return s.getIssue(ctx, `WHERE repository_id = ? AND number = ?`, repoID, number)
}

func (s *Store) getIssue(ctx context.Context, where string, args ...any) (*models.Issue, error) {
	query := `
	SELECT id, number, title, body, state, created_at, updated_at, closed_at,
		user_id, milestone_id, repository_id, locked, comment_count, is_pull_request
	FROM issues ` + where

	var issue models.Issue
	var body sql.NullString
	var userID sql.NullInt64
	err := s.QueryRowContext(ctx, query, args...).Scan(
		&issue.ID, &issue.Number, &issue.Title, &body, &issue.State,
		&issue.CreatedAt, &issue.UpdatedAt, &issue.ClosedAt,
		&userID, &issue.MilestoneID, &issue.RepositoryID,
		&issue.Locked, &issue.CommentCount, &issue.IsPullRequest)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	issue.Body = body.String
	issue.UserID = userID.Int64
	return &issue, nil
}

// SetIssueLabels replaces an issue's label associations.
func (s *Store) SetIssueLabels(ctx context.Context, issueID int64, labelIDs []int64) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM issue_labels WHERE issue_id = ?`, issueID); err != nil {
		return fmt.Errorf("failed to clear issue labels: %w", err)
	}
	for _, labelID := range labelIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO issue_labels (issue_id, label_id) VALUES (?, ?)`, issueID, labelID); err != nil {
			return fmt.Errorf("failed to save issue-label relationship: %w", err)
		}
	}
	return tx.Commit()
}

// SetIssueAssignees replaces an issue's assignee associations.
func (s *Store) SetIssueAssignees(ctx context.Context, issueID int64, userIDs []int64) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM issue_assignees WHERE issue_id = ?`, issueID); err != nil {
		return fmt.Errorf("failed to clear issue assignees: %w", err)
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO issue_assignees (issue_id, user_id) VALUES (?, ?)`, issueID, userID); err != nil {
			return fmt.Errorf("failed to save issue assignee: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertComment saves a comment. Reports whether a row was written.
func (s *Store) UpsertComment(ctx context.Context, comment *models.Comment) (bool, error) {
	query := `
	INSERT INTO comments (id, issue_id, user_id, body, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		body = excluded.body,
		updated_at = excluded.updated_at
	`
	res, err := s.ExecContext(ctx, query,
		comment.ID, comment.IssueID, nullID(comment.UserID), comment.Body,
		comment.CreatedAt, comment.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to save comment %d: %w", comment.ID, err)
	}
	return affected(res)
}

// DeleteComment removes a comment and its reactions. Reports whether
// the comment existed.
func (s *Store) DeleteComment(ctx context.Context, commentID int64) (bool, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE comment_id = ?`, commentID); err != nil {
		return false, fmt.Errorf("failed to delete comment reactions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, commentID)
	if err != nil {
		return false, fmt.Errorf("failed to delete comment %d: %w", commentID, err)
	}
	changed, err := affected(res)
	if err != nil {
		return false, err
	}
	return changed, tx.Commit()
}

// DeleteIssue removes an issue and everything hanging off it. Reports
// whether the issue existed.
func (s *Store) DeleteIssue(ctx context.Context, issueID int64) (bool, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	cleanup := []string{
		`DELETE FROM reactions WHERE comment_id IN (SELECT id FROM comments WHERE issue_id = ?)`,
		`DELETE FROM reactions WHERE issue_id = ?`,
		`DELETE FROM comments WHERE issue_id = ?`,
		`DELETE FROM issue_events WHERE issue_id = ?`,
		`DELETE FROM issue_labels WHERE issue_id = ?`,
		`DELETE FROM issue_assignees WHERE issue_id = ?`,
	}
	for _, query := range cleanup {
		if _, err := tx.ExecContext(ctx, query, issueID); err != nil {
			return false, fmt.Errorf("failed to delete issue %d: %w", issueID, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, issueID)
	if err != nil {
		return false, fmt.Errorf("failed to delete issue %d: %w", issueID, err)
	}
	changed, err := affected(res)
	if err != nil {
		return false, err
	}
	return changed, tx.Commit()
}

// ListComments returns an issue's stored comments, oldest first.
func (s *Store) ListComments(ctx context.Context, issueID int64) ([]models.Comment, error) {
	query := `
	SELECT id, issue_id, user_id, body, created_at, updated_at
	FROM comments WHERE issue_id = ? ORDER BY created_at
	`
	rows, err := s.QueryContext(ctx, query, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []models.Comment
	for rows.Next() {
		var c models.Comment
		var userID sql.NullInt64
		if err := rows.Scan(&c.ID, &c.IssueID, &userID, &c.Body, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		c.UserID = userID.Int64
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// ReplaceIssueEvents replaces an issue's stored timeline.
func (s *Store) ReplaceIssueEvents(ctx context.Context, issueID int64, events []*models.IssueEvent) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM issue_events WHERE issue_id = ?`, issueID); err != nil {
		return fmt.Errorf("failed to clear issue events: %w", err)
	}

	query := `
	INSERT INTO issue_events (id, issue_id, actor_id, event, commit_id, created_at,
		commit_sha, commit_message, commit_author_login, commit_authored_at,
		xref_number, xref_title, xref_state, xref_repo, xref_is_pr)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, ev := range events {
		args := []any{ev.ID, issueID, nullID(ev.ActorID), ev.Event, ev.CommitID, ev.CreatedAt,
			nil, nil, nil, nil, nil, nil, nil, nil, nil}
		if c := ev.Commit; c != nil {
			args[6], args[7], args[8], args[9] = c.SHA, c.Message, c.AuthorLogin, c.CommittedAt
		}
		if x := ev.CrossReference; x != nil {
			args[10], args[11], args[12], args[13], args[14] = x.Number, x.Title, x.State, x.RepoFullName, x.IsPullRequest
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to save issue event %d: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// ReplaceIssueReactions replaces reactions attached to an issue.
func (s *Store) ReplaceIssueReactions(ctx context.Context, issueID int64, reactions []*models.Reaction) error {
	return s.replaceReactions(ctx, `issue_id`, issueID, reactions)
}

// ReplaceCommentReactions replaces reactions attached to a comment.
func (s *Store) ReplaceCommentReactions(ctx context.Context, commentID int64, reactions []*models.Reaction) error {
	return s.replaceReactions(ctx, `comment_id`, commentID, reactions)
}

func (s *Store) replaceReactions(ctx context.Context, column string, subjectID int64, reactions []*models.Reaction) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE `+column+` = ?`, subjectID); err != nil {
		return fmt.Errorf("failed to clear reactions: %w", err)
	}
	for _, r := range reactions {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO reactions (id, issue_id, comment_id, user_id, content) VALUES (?, ?, ?, ?, ?)`,
			r.ID, nullID(r.IssueID), nullID(r.CommentID), nullID(r.UserID), r.Content)
		if err != nil {
			return fmt.Errorf("failed to save reaction %d: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// nullID maps a zero id to NULL so foreign keys stay honest.
func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
