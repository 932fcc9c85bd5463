package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/realartists/shiphub-sync/internal/models"
)

// UpsertAccount saves a user or organization, preserving any stored
// token. Reports whether a row was written.
func (s *Store) UpsertAccount(ctx context.Context, account *models.Account) (bool, error) {
	query := `
	INSERT INTO accounts (id, login, type, avatar_url)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		login = excluded.login,
		type = excluded.type,
		avatar_url = excluded.avatar_url
	`

	res, err := s.ExecContext(ctx, query, account.ID, account.Login, account.Type, account.AvatarURL)
	if err != nil {
		return false, fmt.Errorf("failed to save account %s: %w", account.Login, err)
	}
	return affected(res)
}

// GetAccount loads an account by id, or nil when absent.
func (s *Store) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	query := `SELECT id, login, type, avatar_url FROM accounts WHERE id = ?`

	var account models.Account
	var avatar sql.NullString
	err := s.QueryRowContext(ctx, query, id).Scan(&account.ID, &account.Login, &account.Type, &avatar)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	account.AvatarURL = avatar.String
	return &account, nil
}

// SetAccountToken stores a user's API token.
func (s *Store) SetAccountToken(ctx context.Context, userID int64, token string) error {
	_, err := s.ExecContext(ctx, `UPDATE accounts SET token = ? WHERE id = ?`, token, userID)
	if err != nil {
		return fmt.Errorf("failed to set token for account %d: %w", userID, err)
	}
	return nil
}

// GetCredential loads one user's credential. The token may be blank.
func (s *Store) GetCredential(ctx context.Context, userID int64) (*models.Credential, error) {
	query := `SELECT id, login, token FROM accounts WHERE id = ?`

	var cred models.Credential
	err := s.QueryRowContext(ctx, query, userID).Scan(&cred.UserID, &cred.Login, &cred.Token)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credential for account %d: %w", userID, err)
	}
	return &cred, nil
}

// SetRepoAccess records that a user can see a repository, and whether
// they hold push access.
func (s *Store) SetRepoAccess(ctx context.Context, repoID, userID int64, push bool) error {
	query := `
	INSERT INTO repo_access (repository_id, user_id, push)
	VALUES (?, ?, ?)
	ON CONFLICT(repository_id, user_id) DO UPDATE SET push = excluded.push
	`
	_, err := s.ExecContext(ctx, query, repoID, userID, push)
	if err != nil {
		return fmt.Errorf("failed to set repo access: %w", err)
	}
	return nil
}

// RemoveRepoAccess forgets a user's visibility into a repository.
// Reports whether access existed.
func (s *Store) RemoveRepoAccess(ctx context.Context, repoID, userID int64) (bool, error) {
	res, err := s.ExecContext(ctx,
		`DELETE FROM repo_access WHERE repository_id = ? AND user_id = ?`, repoID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove repo access: %w", err)
	}
	return affected(res)
}

// ListRepoCredentials returns the credentials of every user with push
// access to a repository. Pool candidates; blank tokens included so the
// pool can report them excluded.
func (s *Store) ListRepoCredentials(ctx context.Context, repoID int64) ([]models.Credential, error) {
	query := `
	SELECT a.id, a.login, COALESCE(a.token, '')
	FROM repo_access ra JOIN accounts a ON a.id = ra.user_id
	WHERE ra.repository_id = ? AND ra.push = 1
	ORDER BY a.id
	`
	return s.queryCredentials(ctx, query, repoID)
}

// ListOrgCredentials returns the credentials of an organization's
// members.
func (s *Store) ListOrgCredentials(ctx context.Context, orgID int64) ([]models.Credential, error) {
	query := `
	SELECT a.id, a.login, COALESCE(a.token, '')
	FROM org_memberships m JOIN accounts a ON a.id = m.user_id
	WHERE m.org_id = ?
	ORDER BY a.id
	`
	return s.queryCredentials(ctx, query, orgID)
}

// ListRepoAccessors returns the ids of every account that can see a
// repository, used for best-effort resyncs after repository deletion.
func (s *Store) ListRepoAccessors(ctx context.Context, repoID int64) ([]int64, error) {
	rows, err := s.QueryContext(ctx, `SELECT user_id FROM repo_access WHERE repository_id = ?`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repo accessors: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan accessor: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListCredentials returns every account holding a token, used to wake
// user actors at startup.
func (s *Store) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	query := `
	SELECT id, login, token FROM accounts
	WHERE token IS NOT NULL AND token != ''
	ORDER BY id
	`
	return s.queryCredentials(ctx, query)
}

// GetMentionsSince loads a user's mention-search watermark.
func (s *Store) GetMentionsSince(ctx context.Context, userID int64) (time.Time, error) {
	var since sql.NullTime
	err := s.QueryRowContext(ctx, `SELECT mentions_since FROM accounts WHERE id = ?`, userID).Scan(&since)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get mentions watermark: %w", err)
	}
	if !since.Valid {
		return time.Time{}, nil
	}
	return since.Time, nil
}

// SetMentionsSince advances a user's mention-search watermark.
func (s *Store) SetMentionsSince(ctx context.Context, userID int64, since time.Time) error {
	_, err := s.ExecContext(ctx, `UPDATE accounts SET mentions_since = ? WHERE id = ?`, since, userID)
	if err != nil {
		return fmt.Errorf("failed to set mentions watermark: %w", err)
	}
	return nil
}

func (s *Store) queryCredentials(ctx context.Context, query string, args ...any) ([]models.Credential, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		var cred models.Credential
		if err := rows.Scan(&cred.UserID, &cred.Login, &cred.Token); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
