package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realartists/shiphub-sync/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Initialize())
	t.Cleanup(func() { st.Close() })
	return st
}

func seedRepo(t *testing.T, st *Store, repoID int64) {
	t.Helper()
	ctx := context.Background()
	_, err := st.UpsertAccount(ctx, &models.Account{ID: 1, Login: "octocat", Type: models.AccountTypeUser})
	require.NoError(t, err)
	_, err = st.UpsertRepository(ctx, &models.Repository{
		ID: repoID, OwnerID: 1, Name: "hello", FullName: "octocat/hello", HasIssues: true,
	})
	require.NoError(t, err)
}

func seedIssue(t *testing.T, st *Store, repoID, issueID int64, number int) {
	t.Helper()
	seedRepo(t, st, repoID)
	_, err := st.UpsertIssue(context.Background(), &models.Issue{
		ID: issueID, RepositoryID: repoID, Number: number, Title: "a bug", State: "open", UserID: 1,
	})
	require.NoError(t, err)
}

func TestUpsertAccount(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	changed, err := st.UpsertAccount(ctx, &models.Account{ID: 7, Login: "alice", Type: models.AccountTypeUser})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := st.GetAccount(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Login)

	// Token survives profile updates.
	require.NoError(t, st.SetAccountToken(ctx, 7, "tok_abc"))
	_, err = st.UpsertAccount(ctx, &models.Account{ID: 7, Login: "alice-renamed", Type: models.AccountTypeUser})
	require.NoError(t, err)

	cred, err := st.GetCredential(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "tok_abc", cred.Token)
	assert.Equal(t, "alice-renamed", cred.Login)
}

func TestRepositoryVersionGuard(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	seedRepo(t, st, 100)

	// Versioned update newer than stored applies.
	changed, err := st.UpsertRepository(ctx, &models.Repository{
		ID: 100, OwnerID: 1, Name: "hello", FullName: "octocat/hello", HasIssues: true, RowVersion: 5,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	// Equal version is stale and dropped.
	changed, err = st.UpsertRepository(ctx, &models.Repository{
		ID: 100, OwnerID: 1, Name: "renamed", FullName: "octocat/renamed", HasIssues: true, RowVersion: 5,
	})
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := st.GetRepository(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "octocat/hello", got.FullName)
	assert.Equal(t, int64(5), got.RowVersion)

	// Older version likewise.
	changed, err = st.UpsertRepository(ctx, &models.Repository{
		ID: 100, OwnerID: 1, Name: "older", FullName: "octocat/older", HasIssues: true, RowVersion: 3,
	})
	require.NoError(t, err)
	assert.False(t, changed)

	// Poll-sourced saves bump the version past the stored one.
	changed, err = st.UpsertRepository(ctx, &models.Repository{
		ID: 100, OwnerID: 1, Name: "fresh", FullName: "octocat/fresh", HasIssues: true,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err = st.GetRepository(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "octocat/fresh", got.FullName)
	assert.Equal(t, int64(6), got.RowVersion)
}

func TestSubscriptionVersionGuard(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	_, err := st.UpsertAccount(ctx, &models.Account{ID: 9, Login: "megacorp", Type: models.AccountTypeOrg})
	require.NoError(t, err)

	changed, err := st.UpsertSubscription(ctx, &models.Subscription{AccountID: 9, State: "trial", Version: 2})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = st.UpsertSubscription(ctx, &models.Subscription{AccountID: 9, State: "paid", Version: 1})
	require.NoError(t, err)
	assert.False(t, changed)

	sub, err := st.GetSubscription(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "trial", sub.State)

	changed, err = st.UpsertSubscription(ctx, &models.Subscription{AccountID: 9, State: "paid", Version: 3})
	require.NoError(t, err)
	assert.True(t, changed)

	sub, err = st.GetSubscription(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "paid", sub.State)
}

func TestIssueAssociations(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	seedIssue(t, st, 100, 1000, 1)

	_, err := st.SaveLabel(ctx, &models.Label{ID: 50, RepositoryID: 100, Name: "bug", Color: "ff0000"})
	require.NoError(t, err)
	require.NoError(t, st.SetIssueLabels(ctx, 1000, []int64{50}))

	_, err = st.UpsertAccount(ctx, &models.Account{ID: 2, Login: "bob", Type: models.AccountTypeUser})
	require.NoError(t, err)
	require.NoError(t, st.SetIssueAssignees(ctx, 1000, []int64{1, 2}))

	issue, err := st.GetIssueByNumber(ctx, 100, 1)
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, int64(1000), issue.ID)

	// Replacing with an empty set clears associations.
	require.NoError(t, st.SetIssueLabels(ctx, 1000, nil))
	require.NoError(t, st.SetIssueAssignees(ctx, 1000, nil))
}

func TestDeleteLabelIdempotent(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	seedRepo(t, st, 100)

	_, err := st.SaveLabel(ctx, &models.Label{ID: 50, RepositoryID: 100, Name: "bug", Color: "ff0000"})
	require.NoError(t, err)

	deleted, err := st.DeleteLabel(ctx, 50)
	require.NoError(t, err)
	assert.True(t, deleted)

	// Second delete reports nothing happened and does not error.
	deleted, err = st.DeleteLabel(ctx, 50)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteCommentCascades(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	seedIssue(t, st, 100, 1000, 1)

	now := time.Now()
	_, err := st.UpsertComment(ctx, &models.Comment{ID: 77, IssueID: 1000, UserID: 1, Body: "hi", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	require.NoError(t, st.ReplaceCommentReactions(ctx, 77, []*models.Reaction{
		{ID: 5, CommentID: 77, UserID: 1, Content: "+1"},
	}))

	deleted, err := st.DeleteComment(ctx, 77)
	require.NoError(t, err)
	assert.True(t, deleted)

	comments, err := st.ListComments(ctx, 1000)
	require.NoError(t, err)
	assert.Empty(t, comments)

	deleted, err = st.DeleteComment(ctx, 77)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteIssue(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	seedIssue(t, st, 100, 1000, 1)

	now := time.Now()
	_, err := st.UpsertComment(ctx, &models.Comment{ID: 77, IssueID: 1000, UserID: 1, Body: "hi", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	require.NoError(t, st.ReplaceIssueReactions(ctx, 1000, []*models.Reaction{
		{ID: 6, IssueID: 1000, UserID: 1, Content: "heart"},
	}))

	deleted, err := st.DeleteIssue(ctx, 1000)
	require.NoError(t, err)
	assert.True(t, deleted)

	issue, err := st.GetIssue(ctx, 1000)
	require.NoError(t, err)
	assert.Nil(t, issue)

	deleted, err = st.DeleteIssue(ctx, 1000)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestIssueEventsReplacement(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	seedIssue(t, st, 100, 1000, 1)

	events := []*models.IssueEvent{
		{ID: 1, IssueID: 1000, ActorID: 1, Event: "closed", CreatedAt: time.Now()},
		{
			ID: 2, IssueID: 1000, ActorID: 1, Event: "committed", CommitID: "abc123",
			CreatedAt: time.Now(),
			Commit: &models.CommitSummary{
				SHA: "abc123", Message: "fix it", AuthorLogin: "octocat", CommittedAt: time.Now(),
			},
		},
	}
	require.NoError(t, st.ReplaceIssueEvents(ctx, 1000, events))

	// A refresh replaces the set wholesale.
	require.NoError(t, st.ReplaceIssueEvents(ctx, 1000, events[:1]))
}

func TestRepoAccessAndCredentials(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	seedRepo(t, st, 100)

	_, err := st.UpsertAccount(ctx, &models.Account{ID: 2, Login: "bob", Type: models.AccountTypeUser})
	require.NoError(t, err)
	require.NoError(t, st.SetAccountToken(ctx, 1, "tok_a"))
	require.NoError(t, st.SetAccountToken(ctx, 2, "tok_b"))

	require.NoError(t, st.SetRepoAccess(ctx, 100, 1, true))
	require.NoError(t, st.SetRepoAccess(ctx, 100, 2, false))

	// Only push-capable users are pool candidates.
	creds, err := st.ListRepoCredentials(ctx, 100)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, int64(1), creds[0].UserID)

	accessors, err := st.ListRepoAccessors(ctx, 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, accessors)

	removed, err := st.RemoveRepoAccess(ctx, 100, 2)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = st.RemoveRepoAccess(ctx, 100, 2)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestOrgMemberships(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	_, err := st.UpsertAccount(ctx, &models.Account{ID: 9, Login: "megacorp", Type: models.AccountTypeOrg})
	require.NoError(t, err)
	_, err = st.UpsertAccount(ctx, &models.Account{ID: 1, Login: "octocat", Type: models.AccountTypeUser})
	require.NoError(t, err)

	changed, err := st.SetOrgMembership(ctx, models.OrgMembership{OrgID: 9, UserID: 1, Admin: true})
	require.NoError(t, err)
	assert.True(t, changed)

	// EnsureOrgMembership must not clobber an admin flag.
	_, err = st.EnsureOrgMembership(ctx, 9, 1)
	require.NoError(t, err)

	members, err := st.ListOrgMemberships(ctx, 9)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, members[0].Admin)

	removed, err := st.RemoveOrgMembership(ctx, 9, 1)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = st.RemoveOrgMembership(ctx, 9, 1)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestHookLifecycle(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	seedRepo(t, st, 100)

	id, err := st.CreateHook(ctx, &models.Hook{RepositoryID: 100, Secret: "s3cret", GitHubID: 42})
	require.NoError(t, err)

	hook, err := st.GetRepoHook(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, hook)
	assert.Equal(t, id, hook.ID)
	assert.Equal(t, "s3cret", hook.Secret)

	// Unanswered pings accumulate.
	for i := 1; i <= 3; i++ {
		count, err := st.RecordHookPing(ctx, id, time.Now())
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	// A verified delivery resets the counter.
	require.NoError(t, st.TouchHook(ctx, id, time.Now()))
	hook, err = st.GetRepoHook(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, hook.PingCount)
	require.NotNil(t, hook.LastSeen)

	require.NoError(t, st.DeleteHook(ctx, id))
	hook, err = st.GetRepoHook(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, hook)
}

func TestCacheMetadataRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec, err := st.GetCacheMetadata(ctx, "repo:100:labels")
	require.NoError(t, err)
	assert.Nil(t, rec)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.SetCacheMetadata(ctx, "repo:100:labels", models.CacheMetadata{
		ETag: `"abc"`, Expires: now.Add(time.Minute), LastRefresh: now,
	}))

	rec, err = st.GetCacheMetadata(ctx, "repo:100:labels")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, `"abc"`, rec.ETag)

	// Records replace wholesale.
	require.NoError(t, st.SetCacheMetadata(ctx, "repo:100:labels", models.CacheMetadata{
		Expires: now.Add(2 * time.Minute), LastRefresh: now.Add(time.Minute),
	}))
	rec, err = st.GetCacheMetadata(ctx, "repo:100:labels")
	require.NoError(t, err)
	assert.Empty(t, rec.ETag)
}

func TestMentionsWatermark(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	_, err := st.UpsertAccount(ctx, &models.Account{ID: 1, Login: "octocat", Type: models.AccountTypeUser})
	require.NoError(t, err)

	since, err := st.GetMentionsSince(ctx, 1)
	require.NoError(t, err)
	assert.True(t, since.IsZero())

	mark := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.SetMentionsSince(ctx, 1, mark))
	since, err = st.GetMentionsSince(ctx, 1)
	require.NoError(t, err)
	assert.True(t, since.Equal(mark))
}

func TestDeleteRepositoryCascades(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	seedIssue(t, st, 100, 1000, 1)

	require.NoError(t, st.SetRepoAccess(ctx, 100, 1, true))
	_, err := st.CreateHook(ctx, &models.Hook{RepositoryID: 100, Secret: "s", GitHubID: 1})
	require.NoError(t, err)

	deleted, err := st.DeleteRepository(ctx, 100)
	require.NoError(t, err)
	assert.True(t, deleted)

	repo, err := st.GetRepository(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, repo)
	issue, err := st.GetIssue(ctx, 1000)
	require.NoError(t, err)
	assert.Nil(t, issue)
	hook, err := st.GetRepoHook(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, hook)

	deleted, err = st.DeleteRepository(ctx, 100)
	require.NoError(t, err)
	assert.False(t, deleted)
}
