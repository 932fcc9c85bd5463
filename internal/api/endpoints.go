package api

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/realartists/shiphub-sync/internal/models"
)

// AuthenticatedUser fetches the profile of the credential's owner.
func (c *Client) AuthenticatedUser(ctx context.Context, pri Priority, prev *models.CacheMetadata) (Result[*github.User], error) {
	return get[*github.User](ctx, c, pri, "/user", prev)
}

// User fetches a user profile by login.
func (c *Client) User(ctx context.Context, pri Priority, login string, prev *models.CacheMetadata) (Result[*github.User], error) {
	return get[*github.User](ctx, c, pri, "/users/"+url.PathEscape(login), prev)
}

// UserOrgs lists the authenticated user's organization memberships.
func (c *Client) UserOrgs(ctx context.Context, pri Priority, prev *models.CacheMetadata) (Result[[]*github.Organization], error) {
	return getPaged[*github.Organization](ctx, c, pri, "/user/orgs?per_page=100", prev)
}

// UserRepos lists the repositories visible to the authenticated user.
func (c *Client) UserRepos(ctx context.Context, pri Priority, prev *models.CacheMetadata) (Result[[]*github.Repository], error) {
	return getPaged[*github.Repository](ctx, c, pri, "/user/repos?per_page=100", prev)
}

// Organization fetches an organization profile by login.
func (c *Client) Organization(ctx context.Context, pri Priority, login string, prev *models.CacheMetadata) (Result[*github.Organization], error) {
	return get[*github.Organization](ctx, c, pri, "/orgs/"+url.PathEscape(login), prev)
}

// OrgMembers lists organization members filtered by role ("member" or
// "admin"). The API cannot return role information in a single call, so
// callers issue one request per role.
func (c *Client) OrgMembers(ctx context.Context, pri Priority, login, role string, prev *models.CacheMetadata) (Result[[]*github.User], error) {
	path := fmt.Sprintf("/orgs/%s/members?role=%s&per_page=100", url.PathEscape(login), url.QueryEscape(role))
	return getPaged[*github.User](ctx, c, pri, path, prev)
}

// Repository fetches a repository object.
func (c *Client) Repository(ctx context.Context, pri Priority, owner, name string, prev *models.CacheMetadata) (Result[*github.Repository], error) {
	return get[*github.Repository](ctx, c, pri, repoPath(owner, name), prev)
}

// Assignees lists a repository's assignable users.
func (c *Client) Assignees(ctx context.Context, pri Priority, owner, name string, prev *models.CacheMetadata) (Result[[]*github.User], error) {
	return getPaged[*github.User](ctx, c, pri, repoPath(owner, name)+"/assignees?per_page=100", prev)
}

// Labels lists a repository's labels.
func (c *Client) Labels(ctx context.Context, pri Priority, owner, name string, prev *models.CacheMetadata) (Result[[]*github.Label], error) {
	return getPaged[*github.Label](ctx, c, pri, repoPath(owner, name)+"/labels?per_page=100", prev)
}

// Milestones lists a repository's milestones in every state.
func (c *Client) Milestones(ctx context.Context, pri Priority, owner, name string, prev *models.CacheMetadata) (Result[[]*github.Milestone], error) {
	return getPaged[*github.Milestone](ctx, c, pri, repoPath(owner, name)+"/milestones?state=all&per_page=100", prev)
}

// IssuesSince lists issues updated at or after the given watermark,
// oldest first so callers can advance the watermark as they merge.
func (c *Client) IssuesSince(ctx context.Context, pri Priority, owner, name string, since time.Time, prev *models.CacheMetadata) (Result[[]*github.Issue], error) {
	path := repoPath(owner, name) + "/issues?state=all&sort=updated&direction=asc&per_page=100"
	if !since.IsZero() {
		path += "&since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	return getPaged[*github.Issue](ctx, c, pri, path, prev)
}

// Issue fetches a single issue by number.
func (c *Client) Issue(ctx context.Context, pri Priority, owner, name string, number int, prev *models.CacheMetadata) (Result[*github.Issue], error) {
	return get[*github.Issue](ctx, c, pri, fmt.Sprintf("%s/issues/%d", repoPath(owner, name), number), prev)
}

// Timeline lists an issue's full event timeline.
func (c *Client) Timeline(ctx context.Context, pri Priority, owner, name string, number int, prev *models.CacheMetadata) (Result[[]*github.Timeline], error) {
	path := fmt.Sprintf("%s/issues/%d/timeline?per_page=100", repoPath(owner, name), number)
	return getPaged[*github.Timeline](ctx, c, pri, path, prev)
}

// IssueComments lists an issue's comments.
func (c *Client) IssueComments(ctx context.Context, pri Priority, owner, name string, number int, prev *models.CacheMetadata) (Result[[]*github.IssueComment], error) {
	path := fmt.Sprintf("%s/issues/%d/comments?per_page=100", repoPath(owner, name), number)
	return getPaged[*github.IssueComment](ctx, c, pri, path, prev)
}

// IssueComment fetches a single comment by id, used when a webhook
// payload omits the edited body.
func (c *Client) IssueComment(ctx context.Context, pri Priority, owner, name string, commentID int64) (*github.IssueComment, error) {
	res, err := get[*github.IssueComment](ctx, c, pri, fmt.Sprintf("%s/issues/comments/%d", repoPath(owner, name), commentID), nil)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// IssueReactions lists reactions on an issue.
func (c *Client) IssueReactions(ctx context.Context, pri Priority, owner, name string, number int, prev *models.CacheMetadata) (Result[[]*github.Reaction], error) {
	path := fmt.Sprintf("%s/issues/%d/reactions?per_page=100", repoPath(owner, name), number)
	return getPaged[*github.Reaction](ctx, c, pri, path, prev)
}

// CommentReactions lists reactions on a comment. A NotFoundError here
// means the comment itself is gone.
func (c *Client) CommentReactions(ctx context.Context, pri Priority, owner, name string, commentID int64, prev *models.CacheMetadata) (Result[[]*github.Reaction], error) {
	path := fmt.Sprintf("%s/issues/comments/%d/reactions?per_page=100", repoPath(owner, name), commentID)
	return getPaged[*github.Reaction](ctx, c, pri, path, prev)
}

// CommitByURL resolves a commit referenced from a timeline event.
func (c *Client) CommitByURL(ctx context.Context, pri Priority, commitURL string) (*github.RepositoryCommit, error) {
	res, err := get[*github.RepositoryCommit](ctx, c, pri, commitURL, nil)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// IssueByURL resolves a cross-referenced issue or pull request.
func (c *Client) IssueByURL(ctx context.Context, pri Priority, issueURL string) (*github.Issue, error) {
	res, err := get[*github.Issue](ctx, c, pri, issueURL, nil)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// SearchMentions finds issues mentioning the given login updated at or
// after the watermark, oldest first. The search surface is not
// conditionally cacheable (the query embeds the moving watermark), so
// no cache record is involved.
func (c *Client) SearchMentions(ctx context.Context, pri Priority, login string, since time.Time) ([]*github.Issue, error) {
	q := "mentions:" + login
	if !since.IsZero() {
		q += " updated:>=" + since.UTC().Format(time.RFC3339)
	}
	path := "/search/issues?q=" + url.QueryEscape(q) + "&sort=updated&order=asc&per_page=100"
	res, err := get[*github.IssuesSearchResult](ctx, c, pri, path, nil)
	if err != nil {
		return nil, err
	}
	if res.Payload == nil {
		return nil, nil
	}
	return res.Payload.Issues, nil
}

// HookOptions describes a webhook registration.
type HookOptions struct {
	CallbackURL string
	Secret      string
	Events      []string
}

type hookConfig struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Secret      string `json:"secret"`
}

type hookRequest struct {
	Name   string     `json:"name"`
	Active bool       `json:"active"`
	Events []string   `json:"events"`
	Config hookConfig `json:"config"`
}

func newHookRequest(opts HookOptions) hookRequest {
	return hookRequest{
		Name:   "web",
		Active: true,
		Events: opts.Events,
		Config: hookConfig{
			URL:         opts.CallbackURL,
			ContentType: "json",
			Secret:      opts.Secret,
		},
	}
}

// CreateRepoHook registers a webhook on a repository. Requires admin
// access to the repository.
func (c *Client) CreateRepoHook(ctx context.Context, owner, name string, opts HookOptions) (*github.Hook, error) {
	return send[*github.Hook](ctx, c, "POST", repoPath(owner, name)+"/hooks", newHookRequest(opts))
}

// CreateOrgHook registers a webhook on an organization. Requires org
// admin.
func (c *Client) CreateOrgHook(ctx context.Context, login string, opts HookOptions) (*github.Hook, error) {
	return send[*github.Hook](ctx, c, "POST", "/orgs/"+url.PathEscape(login)+"/hooks", newHookRequest(opts))
}

// PingRepoHook asks the platform to send a ping delivery through a
// repository hook.
func (c *Client) PingRepoHook(ctx context.Context, owner, name string, hookID int64) error {
	_, err := send[struct{}](ctx, c, "POST", fmt.Sprintf("%s/hooks/%d/pings", repoPath(owner, name), hookID), nil)
	return err
}

// PingOrgHook asks the platform to send a ping delivery through an
// organization hook.
func (c *Client) PingOrgHook(ctx context.Context, login string, hookID int64) error {
	_, err := send[struct{}](ctx, c, "POST", fmt.Sprintf("/orgs/%s/hooks/%d/pings", url.PathEscape(login), hookID), nil)
	return err
}

// DeleteRepoHook removes a repository webhook.
func (c *Client) DeleteRepoHook(ctx context.Context, owner, name string, hookID int64) error {
	_, err := send[struct{}](ctx, c, "DELETE", fmt.Sprintf("%s/hooks/%d", repoPath(owner, name), hookID), nil)
	return err
}

// DeleteOrgHook removes an organization webhook.
func (c *Client) DeleteOrgHook(ctx context.Context, login string, hookID int64) error {
	_, err := send[struct{}](ctx, c, "DELETE", fmt.Sprintf("/orgs/%s/hooks/%d", url.PathEscape(login), hookID), nil)
	return err
}

func repoPath(owner, name string) string {
	return fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(name))
}
