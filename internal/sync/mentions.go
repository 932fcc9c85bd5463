package sync

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/realartists/shiphub-sync/internal/api"
	"github.com/realartists/shiphub-sync/internal/changes"
)

// mentionsSkew is subtracted from the advanced watermark so mentions
// that land while a search response is in flight are still found by the
// next pass. Re-merging an issue twice is harmless; missing one is not.
const mentionsSkew = 30 * time.Second

// MentionsActor finds issues that mention its user across repositories
// the user cannot otherwise see synced. Search is not conditionally
// cacheable, so this actor runs on a persisted watermark instead of
// cache records.
type MentionsActor struct {
	deps   *Deps
	userID int64

	login  string
	client *api.Client
	since  time.Time
}

// NewMentionsActor creates the actor; state loads at activation.
func NewMentionsActor(deps *Deps, userID int64) *MentionsActor {
	return &MentionsActor{deps: deps, userID: userID}
}

// Activate resolves the user's own credential. Mentions are personal,
// so the search always runs as the mentioned user.
func (a *MentionsActor) Activate(ctx context.Context) error {
	cred, err := a.deps.Store.GetCredential(ctx, a.userID)
	if err != nil {
		return err
	}
	if cred == nil || cred.Token == "" {
		return fmt.Errorf("sync: user %d has no usable credential", a.userID)
	}
	a.login = cred.Login
	a.client = a.deps.Clients.Client(cred.Token)

	a.since, err = a.deps.Store.GetMentionsSince(ctx, a.userID)
	return err
}

// Tick searches for new mentions and merges what it finds. Only issues
// in repositories already known locally are merged; a mention in an
// unknown repository has no rows to attach to.
func (a *MentionsActor) Tick(ctx context.Context) {
	results, err := a.client.SearchMentions(ctx, api.PriorityBackground, a.login, a.since)
	if err != nil {
		tolerate("mentions search", err)
		return
	}
	if len(results) == 0 {
		return
	}

	summary := changes.NewSummary()
	var maxUpdated time.Time

	for _, issue := range results {
		if updated := issue.GetUpdatedAt().Time; updated.After(maxUpdated) {
			maxUpdated = updated
		}

		fullName, ok := repoFullNameFromURL(issue.GetRepositoryURL())
		if !ok {
			continue
		}
		repo, err := a.deps.Store.GetRepositoryByFullName(ctx, fullName)
		if err != nil {
			log.Printf("sync: mentions %s: resolve repo %s: %v", a.login, fullName, err)
			continue
		}
		if repo == nil {
			continue
		}

		if author := api.ConvertAccount(issue.GetUser()); author != nil {
			if _, err := a.deps.Store.UpsertAccount(ctx, author); err != nil {
				log.Printf("sync: mentions %s: save author: %v", a.login, err)
				continue
			}
		}
		if issue.Milestone != nil {
			if _, err := a.deps.Store.UpsertMilestone(ctx, api.ConvertMilestone(issue.Milestone, repo.ID)); err != nil {
				log.Printf("sync: mentions %s: save milestone: %v", a.login, err)
				continue
			}
		}
		changed, err := a.deps.Store.UpsertIssue(ctx, api.ConvertIssue(issue, repo.ID))
		if err != nil {
			log.Printf("sync: mentions %s: save issue: %v", a.login, err)
			continue
		}
		if changed {
			summary.AddRepo(repo.ID)
		}
	}

	if !maxUpdated.IsZero() {
		a.since = maxUpdated.Add(-mentionsSkew)
		if err := a.deps.Store.SetMentionsSince(ctx, a.userID, a.since); err != nil {
			log.Printf("sync: mentions %s: save watermark: %v", a.login, err)
		}
	}

	changes.Submit(ctx, a.deps.Notifier, summary)
}

// Deactivate has nothing durable to flush; the watermark persists as it
// advances.
func (a *MentionsActor) Deactivate(context.Context) {}

// repoFullNameFromURL extracts "owner/name" from an API repository URL.
func repoFullNameFromURL(url string) (string, bool) {
	const marker = "/repos/"
	i := strings.Index(url, marker)
	if i < 0 {
		return "", false
	}
	rest := url[i+len(marker):]
	if strings.Count(rest, "/") != 1 || rest == "" {
		return "", false
	}
	return rest, true
}
