package sync

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

	"github.com/realartists/shiphub-sync/internal/actor"
	"github.com/realartists/shiphub-sync/internal/api"
	"github.com/realartists/shiphub-sync/internal/changes"
	"github.com/realartists/shiphub-sync/internal/credentials"
	"github.com/realartists/shiphub-sync/internal/models"
	"github.com/realartists/shiphub-sync/internal/store"
)

type recordingNotifier struct {
	published []changes.Notification
}

func (r *recordingNotifier) Publish(_ context.Context, n changes.Notification) error {
	r.published = append(r.published, n)
	return nil
}

// fakeGitHub serves conditional responses for a small fixed repository.
type fakeGitHub struct {
	mux      *http.ServeMux
	requests atomic.Int32
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	t.Helper()
	fake := &fakeGitHub{mux: http.NewServeMux()}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	serve := func(pattern, etag, body string) {
		fake.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", etag)
			fmt.Fprint(w, body)
		})
	}

	serve("/repos/octo/hello", `"repo-v1"`,
		`{"id": 100, "name": "hello", "full_name": "octo/hello", "has_issues": true,
		  "owner": {"id": 1, "login": "octo", "type": "User"}}`)
	serve("/repos/octo/hello/assignees", `"assignees-v1"`,
		`[{"id": 1, "login": "octo", "type": "User"}, {"id": 2, "login": "bob", "type": "User"}]`)
	serve("/repos/octo/hello/labels", `"labels-v1"`,
		`[{"id": 50, "name": "bug", "color": "ff0000"}]`)
	serve("/repos/octo/hello/milestones", `"milestones-v1"`,
		`[{"id": 60, "number": 1, "title": "v1.0", "state": "open"}]`)
	serve("/repos/octo/hello/issues", `"issues-v1"`,
		`[{"id": 1000, "number": 1, "title": "a bug", "state": "open",
		   "updated_at": "2026-08-30T12:00:00Z", "created_at": "2026-08-01T09:00:00Z",
		   "comments": 0,
		   "user": {"id": 2, "login": "bob", "type": "User"},
		   "milestone": {"id": 60, "number": 1, "title": "v1.0", "state": "open"},
		   "labels": [{"id": 50, "name": "bug", "color": "ff0000"}],
		   "assignees": [{"id": 1, "login": "octo", "type": "User"}]}]`)

	return fake, server
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	f.mux.ServeHTTP(w, r)
}

func newTestDeps(t *testing.T, baseURL string) *Deps {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Initialize())
	t.Cleanup(func() { st.Close() })

	return &Deps{
		Store: st,
		Clients: credentials.NewCache(func(token string) *api.Client {
			return api.NewClientWithBaseURL(token, baseURL)
		}),
		Runtime:     actor.NewRuntime(time.Hour),
		Notifier:    &recordingNotifier{},
		Billing:     LogBilling{},
		Provisioner: LogProvisioner{},
	}
}

func seedRepoActor(t *testing.T, deps *Deps) {
	t.Helper()
	ctx := context.Background()
	_, err := deps.Store.UpsertAccount(ctx, &models.Account{ID: 1, Login: "octo", Type: models.AccountTypeUser})
	require.NoError(t, err)
	require.NoError(t, deps.Store.SetAccountToken(ctx, 1, "tok_octo"))
	_, err = deps.Store.UpsertRepository(ctx, &models.Repository{
		ID: 100, OwnerID: 1, Name: "hello", FullName: "octo/hello", HasIssues: true,
	})
	require.NoError(t, err)
	require.NoError(t, deps.Store.SetRepoAccess(ctx, 100, 1, true))
}

func TestRepositoryActorFirstTick(t *testing.T) {
	_, server := newFakeGitHub(t)
	deps := newTestDeps(t, server.URL)
	seedRepoActor(t, deps)
	ctx := context.Background()

	repo := NewRepositoryActor(deps, 100)
	require.NoError(t, repo.Activate(ctx))
	repo.Tick(ctx)
	repo.Deactivate(ctx)

	// The issue author arrived through the merge, before the issue row
	// that references it.
	author, err := deps.Store.GetAccount(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, author)
	assert.Equal(t, "bob", author.Login)

	issue, err := deps.Store.GetIssueByNumber(ctx, 100, 1)
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, "a bug", issue.Title)
	require.NotNil(t, issue.MilestoneID)
	assert.Equal(t, int64(60), *issue.MilestoneID)

	// The bulk watermark advanced to the newest merged issue.
	stored, err := deps.Store.GetRepository(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC).Unix(), stored.IssuesSince.Unix())

	notifier := deps.Notifier.(*recordingNotifier)
	require.NotEmpty(t, notifier.published)
	assert.Equal(t, []int64{100}, notifier.published[0].Repos)
}

func TestRepositoryActorFreshWindowsSkipNetwork(t *testing.T) {
	fake, server := newFakeGitHub(t)
	deps := newTestDeps(t, server.URL)
	seedRepoActor(t, deps)
	ctx := context.Background()

	repo := NewRepositoryActor(deps, 100)
	require.NoError(t, repo.Activate(ctx))
	repo.Tick(ctx)

	// All validity windows are fresh: the next tick must not touch the
	// network and must not notify.
	requestsAfterFirst := fake.requests.Load()
	notifier := deps.Notifier.(*recordingNotifier)
	publishedAfterFirst := len(notifier.published)

	repo.Tick(ctx)
	assert.Equal(t, requestsAfterFirst, fake.requests.Load())
	assert.Equal(t, publishedAfterFirst, len(notifier.published))
}

func TestRepositoryActorRevalidationQuiesces(t *testing.T) {
	_, server := newFakeGitHub(t)
	deps := newTestDeps(t, server.URL)
	seedRepoActor(t, deps)
	ctx := context.Background()

	repo := NewRepositoryActor(deps, 100)
	require.NoError(t, repo.Activate(ctx))
	repo.Tick(ctx)

	// Force every window to lapse so the next tick revalidates.
	for key, rec := range repo.meta.recs {
		expired := *rec
		expired.Expires = time.Now().Add(-time.Minute)
		repo.meta.recs[key] = &expired
	}

	notifier := deps.Notifier.(*recordingNotifier)
	publishedAfterFirst := len(notifier.published)
	repo.Tick(ctx)

	// Everything came back 304: no rows changed, nothing published.
	assert.Equal(t, publishedAfterFirst, len(notifier.published))
}

func TestRepositoryActorMissingRepoIsFatal(t *testing.T) {
	_, server := newFakeGitHub(t)
	deps := newTestDeps(t, server.URL)

	repo := NewRepositoryActor(deps, 404)
	err := repo.Activate(context.Background())
	require.Error(t, err)
}

func TestRepositoryActorNoCredentialsIsFatal(t *testing.T) {
	_, server := newFakeGitHub(t)
	deps := newTestDeps(t, server.URL)
	ctx := context.Background()

	// Repository exists but nobody with push access holds a token.
	_, err := deps.Store.UpsertAccount(ctx, &models.Account{ID: 1, Login: "octo", Type: models.AccountTypeUser})
	require.NoError(t, err)
	_, err = deps.Store.UpsertRepository(ctx, &models.Repository{
		ID: 100, OwnerID: 1, Name: "hello", FullName: "octo/hello", HasIssues: true,
	})
	require.NoError(t, err)
	require.NoError(t, deps.Store.SetRepoAccess(ctx, 100, 1, true))

	repo := NewRepositoryActor(deps, 100)
	err = repo.Activate(ctx)
	require.ErrorIs(t, err, credentials.ErrNoCredentials)
}

func TestUserActorMissingCredentialIsFatal(t *testing.T) {
	_, server := newFakeGitHub(t)
	deps := newTestDeps(t, server.URL)

	user := NewUserActor(deps, 12345)
	err := user.Activate(context.Background())
	require.Error(t, err)
}

func TestSyntheticEventID(t *testing.T) {
	a := syntheticEventID(1000, "committed", "abc123")
	b := syntheticEventID(1000, "committed", "abc123")
	c := syntheticEventID(1000, "committed", "def456")
	d := syntheticEventID(1001, "committed", "abc123")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Positive(t, a)
	assert.Positive(t, c)
}

func TestIssueKeyRoundTrip(t *testing.T) {
	key := IssueKey(100, 42)
	var repoID int64
	var number int
	_, err := fmt.Sscanf(key.ID, "%d/%d", &repoID, &number)
	require.NoError(t, err)
	assert.Equal(t, int64(100), repoID)
	assert.Equal(t, 42, number)
}

func TestMetaSetFlushPersists(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Initialize())
	defer st.Close()
	ctx := context.Background()

	meta, err := loadMeta(ctx, st, "repo:100:labels")
	require.NoError(t, err)
	assert.True(t, meta.expired("repo:100:labels", time.Now()))

	meta.put("repo:100:labels", models.CacheMetadata{
		ETag: `"v1"`, Expires: time.Now().Add(time.Minute), LastRefresh: time.Now(),
	})
	meta.flush(ctx)

	// A fresh activation sees the persisted record.
	again, err := loadMeta(ctx, st, "repo:100:labels")
	require.NoError(t, err)
	assert.False(t, again.expired("repo:100:labels", time.Now()))
	assert.Equal(t, `"v1"`, again.get("repo:100:labels").ETag)
}

func TestMentionsWatermarkSkew(t *testing.T) {
	updated := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/issues" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"total_count": 2, "items": [
			{"id": 1000, "number": 1, "title": "known repo", "state": "open",
			 "updated_at": %q,
			 "repository_url": "https://api.github.com/repos/octo/hello",
			 "user": {"id": 2, "login": "bob", "type": "User"}},
			{"id": 2000, "number": 5, "title": "unknown repo", "state": "open",
			 "updated_at": %q,
			 "repository_url": "https://api.github.com/repos/stranger/elsewhere",
			 "user": {"id": 3, "login": "carol", "type": "User"}}
		]}`, updated.Format(time.RFC3339), updated.Add(-time.Hour).Format(time.RFC3339))
	}))
	defer server.Close()

	deps := newTestDeps(t, server.URL)
	seedRepoActor(t, deps)
	ctx := context.Background()

	mentions := NewMentionsActor(deps, 1)
	require.NoError(t, mentions.Activate(ctx))
	mentions.Tick(ctx)

	// The mention in the known repository merged; the unknown one was
	// skipped without error.
	issue, err := deps.Store.GetIssue(ctx, 1000)
	require.NoError(t, err)
	require.NotNil(t, issue)
	unknown, err := deps.Store.GetIssue(ctx, 2000)
	require.NoError(t, err)
	assert.Nil(t, unknown)

	// The watermark advanced to the newest result minus the overlap
	// skew.
	since, err := deps.Store.GetMentionsSince(ctx, 1)
	require.NoError(t, err)
	assert.True(t, since.Equal(updated.Add(-30*time.Second)))
}
