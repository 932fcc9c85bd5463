package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/realartists/shiphub-sync/internal/actor"
	"github.com/realartists/shiphub-sync/internal/api"
	"github.com/realartists/shiphub-sync/internal/changes"
	"github.com/realartists/shiphub-sync/internal/credentials"
	"github.com/realartists/shiphub-sync/internal/models"
)

// RepositoryActor keeps one repository's object, assignable users,
// labels, milestones, and bulk issue list synchronized. Comments and
// fine-grained timelines are populated on demand by the issue actors;
// their repository-level catch-up watermarks are never advanced here.
type RepositoryActor struct {
	deps   *Deps
	repoID int64

	owner string
	name  string
	creds []models.Credential
	pool  *credentials.Pool
	meta  *metaSet

	issuesSince time.Time
}

// NewRepositoryActor creates the actor; state loads at activation.
func NewRepositoryActor(deps *Deps, repoID int64) *RepositoryActor {
	return &RepositoryActor{deps: deps, repoID: repoID}
}

func (a *RepositoryActor) metaKey(sub string) string {
	return fmt.Sprintf("repo:%d:%s", a.repoID, sub)
}

// Activate resolves the repository row, builds the credential pool from
// every user with push access, and loads cached metadata. A missing
// repository or an empty pool is fatal.
func (a *RepositoryActor) Activate(ctx context.Context) error {
	repo, err := a.deps.Store.GetRepository(ctx, a.repoID)
	if err != nil {
		return err
	}
	if repo == nil {
		return fmt.Errorf("sync: repository %d does not exist", a.repoID)
	}
	owner, name, ok := strings.Cut(repo.FullName, "/")
	if !ok {
		return fmt.Errorf("sync: repository %d has malformed full name %q", a.repoID, repo.FullName)
	}
	a.owner, a.name = owner, name
	a.issuesSince = repo.IssuesSince

	a.creds, err = a.deps.Store.ListRepoCredentials(ctx, a.repoID)
	if err != nil {
		return err
	}
	a.pool, err = a.buildPool()
	if err != nil {
		return fmt.Errorf("sync: repository %s: %w", repo.FullName, err)
	}

	a.meta, err = loadMeta(ctx, a.deps.Store,
		a.metaKey("repo"), a.metaKey("assignees"), a.metaKey("labels"),
		a.metaKey("milestones"), a.metaKey("issues"))
	return err
}

func (a *RepositoryActor) buildPool() (*credentials.Pool, error) {
	tokens := make([]string, 0, len(a.creds))
	for _, cred := range a.creds {
		tokens = append(tokens, cred.Token)
	}
	return credentials.NewPool(a.deps.Clients, tokens)
}

// Tick refreshes sub-resources in referential order: the repository
// object, then the accounts and milestones that issues will reference,
// then the issues themselves.
func (a *RepositoryActor) Tick(ctx context.Context) {
	now := time.Now()
	summary := changes.NewSummary()

	a.syncRepo(ctx, now, summary)
	a.syncAssignees(ctx, now, summary)
	a.syncLabels(ctx, now, summary)
	a.syncMilestones(ctx, now, summary)
	a.syncIssues(ctx, now, summary)
	a.ensureHook(ctx)

	changes.Submit(ctx, a.deps.Notifier, summary)
}

func (a *RepositoryActor) syncRepo(ctx context.Context, now time.Time, summary *changes.Summary) {
	key := a.metaKey("repo")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.pool.Client().Repository(ctx, api.PriorityBackground, a.owner, a.name, a.meta.get(key))
	if err != nil {
		tolerate("repository object", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}

	if owner := api.ConvertAccount(res.Payload.GetOwner()); owner != nil {
		if _, err := a.deps.Store.UpsertAccount(ctx, owner); err != nil {
			log.Printf("sync: repo %s/%s: save owner: %v", a.owner, a.name, err)
			return
		}
	}
	model := api.ConvertRepository(res.Payload)
	changed, err := a.deps.Store.UpsertRepository(ctx, model)
	if err != nil {
		log.Printf("sync: repo %s/%s: save repository: %v", a.owner, a.name, err)
		return
	}
	if changed {
		summary.AddRepo(a.repoID)
	}
	// Renames take effect immediately for subsequent sub-resources.
	if owner, name, ok := strings.Cut(model.FullName, "/"); ok {
		a.owner, a.name = owner, name
	}
}

func (a *RepositoryActor) syncAssignees(ctx context.Context, now time.Time, summary *changes.Summary) {
	key := a.metaKey("assignees")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.pool.Client().Assignees(ctx, api.PriorityBackground, a.owner, a.name, a.meta.get(key))
	if err != nil {
		tolerate("repository assignees", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}

	userIDs := make([]int64, 0, len(res.Payload))
	for _, user := range res.Payload {
		account := api.ConvertAccount(user)
		if _, err := a.deps.Store.UpsertAccount(ctx, account); err != nil {
			log.Printf("sync: repo %s/%s: save assignee: %v", a.owner, a.name, err)
			continue
		}
		userIDs = append(userIDs, account.ID)
	}
	if err := a.deps.Store.SetRepoAssignees(ctx, a.repoID, userIDs); err != nil {
		log.Printf("sync: repo %s/%s: save assignees: %v", a.owner, a.name, err)
		return
	}
	summary.AddRepo(a.repoID)
}

func (a *RepositoryActor) syncLabels(ctx context.Context, now time.Time, summary *changes.Summary) {
	key := a.metaKey("labels")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.pool.Client().Labels(ctx, api.PriorityBackground, a.owner, a.name, a.meta.get(key))
	if err != nil {
		tolerate("repository labels", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}

	labels := make([]*models.Label, 0, len(res.Payload))
	for _, label := range res.Payload {
		labels = append(labels, api.ConvertLabel(label, a.repoID))
	}
	// Labels are replaced as a set; deletions on the platform side drop
	// the label and its issue associations here too.
	if err := a.deps.Store.ReplaceLabels(ctx, a.repoID, labels); err != nil {
		log.Printf("sync: repo %s/%s: replace labels: %v", a.owner, a.name, err)
		return
	}
	summary.AddRepo(a.repoID)
}

func (a *RepositoryActor) syncMilestones(ctx context.Context, now time.Time, summary *changes.Summary) {
	key := a.metaKey("milestones")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.pool.Client().Milestones(ctx, api.PriorityBackground, a.owner, a.name, a.meta.get(key))
	if err != nil {
		tolerate("repository milestones", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}

	for _, milestone := range res.Payload {
		changed, err := a.deps.Store.UpsertMilestone(ctx, api.ConvertMilestone(milestone, a.repoID))
		if err != nil {
			log.Printf("sync: repo %s/%s: save milestone: %v", a.owner, a.name, err)
			continue
		}
		if changed {
			summary.AddRepo(a.repoID)
		}
	}
}

func (a *RepositoryActor) syncIssues(ctx context.Context, now time.Time, summary *changes.Summary) {
	key := a.metaKey("issues")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.pool.Client().IssuesSince(ctx, api.PriorityBackground, a.owner, a.name, a.issuesSince, a.meta.get(key))
	if err != nil {
		tolerate("repository issues", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified || len(res.Payload) == 0 {
		return
	}

	var maxUpdated time.Time
	for _, issue := range res.Payload {
		if _, err := MergeIssue(ctx, a.deps.Store, issue, a.repoID, summary); err != nil {
			log.Printf("sync: repo %s/%s: merge issue #%d: %v", a.owner, a.name, issue.GetNumber(), err)
			continue
		}
		if updated := issue.GetUpdatedAt().Time; updated.After(maxUpdated) {
			maxUpdated = updated
		}
	}

	if !maxUpdated.IsZero() {
		a.issuesSince = maxUpdated
		if err := a.deps.Store.SetIssuesSince(ctx, a.repoID, maxUpdated); err != nil {
			log.Printf("sync: repo %s/%s: save issues watermark: %v", a.owner, a.name, err)
		}
	}
}

// ensureHook asks the provisioning collaborator to register or
// health-check this repository's webhook, using a randomly chosen
// credential. The provisioner decides whether anything needs doing.
func (a *RepositoryActor) ensureHook(ctx context.Context) {
	usable := make([]models.Credential, 0, len(a.creds))
	for _, cred := range a.creds {
		if cred.Token != "" {
			usable = append(usable, cred)
		}
	}
	if len(usable) == 0 {
		return
	}
	chosen := usable[rand.Intn(len(usable))]
	repoID := a.repoID
	provisioner := a.deps.Provisioner
	actor.Detach(ctx, "ensure-repo-hook", func(ctx context.Context) error {
		return provisioner.EnsureRepoHook(ctx, repoID, chosen.UserID)
	})
}

// RefreshComment fetches one comment on demand and merges it, used when
// a webhook edit notification omits the changed body. A 404 means the
// comment is gone and deletes it.
func (a *RepositoryActor) RefreshComment(ctx context.Context, issueID, commentID int64) error {
	summary := changes.NewSummary()
	comment, err := a.pool.Client().IssueComment(ctx, api.PriorityInteractive, a.owner, a.name, commentID)

	var notFound *api.NotFoundError
	if errors.As(err, &notFound) {
		deleted, derr := a.deps.Store.DeleteComment(ctx, commentID)
		if derr != nil {
			return derr
		}
		if deleted {
			summary.AddRepo(a.repoID)
			changes.Submit(ctx, a.deps.Notifier, summary)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if author := api.ConvertAccount(comment.GetUser()); author != nil {
		if _, err := a.deps.Store.UpsertAccount(ctx, author); err != nil {
			return err
		}
	}
	changed, err := a.deps.Store.UpsertComment(ctx, api.ConvertComment(comment, issueID))
	if err != nil {
		return err
	}
	if changed {
		summary.AddRepo(a.repoID)
	}
	changes.Submit(ctx, a.deps.Notifier, summary)
	return nil
}

// Deactivate flushes the durable metadata records back to the store.
func (a *RepositoryActor) Deactivate(ctx context.Context) {
	a.meta.flush(ctx)
}
