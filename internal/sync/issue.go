package sync

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/realartists/shiphub-sync/internal/api"
	"github.com/realartists/shiphub-sync/internal/changes"
	"github.com/realartists/shiphub-sync/internal/credentials"
	"github.com/realartists/shiphub-sync/internal/models"
	"golang.org/x/sync/errgroup"
)

// Timeline event kinds that carry no durable information worth keeping.
var ignoredTimelineEvents = map[string]bool{
	"subscribed":   true,
	"unsubscribed": true,
	"mentioned":    true,
}

// issueRefLimit bounds concurrent reference resolution during a
// timeline refresh.
const issueRefLimit = 4

// IssueActor keeps one issue's object, timeline, comments, and
// reactions synchronized. It is addressed by repository id and issue
// number because webhook payloads and user navigation identify issues
// that way; the numeric issue id is resolved at activation.
type IssueActor struct {
	deps   *Deps
	repoID int64
	number int

	issueID int64
	owner   string
	name    string
	pool    *credentials.Pool
	meta    *metaSet

	wantComments bool
}

// NewIssueActor creates the actor; state loads at activation.
func NewIssueActor(deps *Deps, repoID int64, number int) *IssueActor {
	return &IssueActor{deps: deps, repoID: repoID, number: number}
}

func (a *IssueActor) metaKey(sub string) string {
	return fmt.Sprintf("issue:%d:%s", a.issueID, sub)
}

func commentMetaKey(commentID int64) string {
	return fmt.Sprintf("comment:%d:reactions", commentID)
}

// Activate resolves the issue row and repository coordinates. The issue
// must already exist locally: issue actors deepen known issues, they do
// not discover them.
func (a *IssueActor) Activate(ctx context.Context) error {
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

	issue, err := a.deps.Store.GetIssueByNumber(ctx, a.repoID, a.number)
	if err != nil {
		return err
	}
	if issue == nil {
		return fmt.Errorf("sync: issue %s/%s#%d does not exist", owner, name, a.number)
	}
	a.issueID = issue.ID
	a.wantComments = issue.CommentCount > 0

	creds, err := a.deps.Store.ListRepoCredentials(ctx, a.repoID)
	if err != nil {
		return err
	}
	tokens := make([]string, 0, len(creds))
	for _, cred := range creds {
		tokens = append(tokens, cred.Token)
	}
	a.pool, err = credentials.NewPool(a.deps.Clients, tokens)
	if err != nil {
		return fmt.Errorf("sync: issue %s/%s#%d: %w", owner, name, a.number, err)
	}

	a.meta, err = loadMeta(ctx, a.deps.Store,
		a.metaKey("object"), a.metaKey("timeline"),
		a.metaKey("reactions"), a.metaKey("comments"))
	return err
}

// Tick refreshes the issue and its sub-resources. The issue object is
// always revalidated: an issue actor only runs while someone is looking
// at the issue, and the conditional request is cheap when nothing
// changed. The remaining sub-resources honor their validity windows.
func (a *IssueActor) Tick(ctx context.Context) {
	now := time.Now()
	summary := changes.NewSummary()

	a.syncIssue(ctx, summary)
	a.syncTimeline(ctx, now, summary)
	a.syncReactions(ctx, now, summary)
	a.syncComments(ctx, now, summary)
	a.syncCommentReactions(ctx, now, summary)

	changes.Submit(ctx, a.deps.Notifier, summary)
}

func (a *IssueActor) syncIssue(ctx context.Context, summary *changes.Summary) {
	key := a.metaKey("object")
	res, err := a.pool.Client().Issue(ctx, api.PriorityInteractive, a.owner, a.name, a.number, a.meta.get(key))
	if err != nil {
		tolerate("issue object", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}

	model, err := MergeIssue(ctx, a.deps.Store, res.Payload, a.repoID, summary)
	if err != nil {
		log.Printf("sync: issue %s/%s#%d: merge: %v", a.owner, a.name, a.number, err)
		return
	}
	if model.CommentCount > 0 {
		a.wantComments = true
	}
}

func (a *IssueActor) syncTimeline(ctx context.Context, now time.Time, summary *changes.Summary) {
	key := a.metaKey("timeline")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.pool.Client().Timeline(ctx, api.PriorityBackground, a.owner, a.name, a.number, a.meta.get(key))
	if err != nil {
		tolerate("issue timeline", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}

	events := a.buildEvents(ctx, res.Payload)

	for _, item := range res.Payload {
		if item.GetEvent() == "commented" {
			a.wantComments = true
			break
		}
	}

	for _, event := range events {
		if event.ActorID == 0 {
			continue
		}
		account := &models.Account{ID: event.ActorID, Login: event.actorLogin, Type: models.AccountTypeUser}
		if _, err := a.deps.Store.UpsertAccount(ctx, account); err != nil {
			log.Printf("sync: issue %s/%s#%d: save event actor: %v", a.owner, a.name, a.number, err)
			return
		}
	}
	records := make([]*models.IssueEvent, len(events))
	for i, event := range events {
		records[i] = event.IssueEvent
	}
	if err := a.deps.Store.ReplaceIssueEvents(ctx, a.issueID, records); err != nil {
		log.Printf("sync: issue %s/%s#%d: save timeline: %v", a.owner, a.name, a.number, err)
		return
	}
	summary.AddRepo(a.repoID)
}

type timelineEvent struct {
	*models.IssueEvent
	actorLogin string
	raw        *github.Timeline
}

// buildEvents converts the raw timeline into storable records,
// resolving commit and cross-reference enrichments concurrently.
// Resolution failures are tolerated and leave the event unenriched;
// the next full timeline refresh retries. All store writes happen on
// the caller's goroutine afterwards.
func (a *IssueActor) buildEvents(ctx context.Context, items []*github.Timeline) []timelineEvent {
	var events []timelineEvent
	commitURLs := make(map[string]bool)
	issueURLs := make(map[string]bool)

	for _, item := range items {
		kind := item.GetEvent()
		if kind == "" || kind == "commented" || ignoredTimelineEvents[kind] {
			continue
		}
		event := timelineEvent{
			IssueEvent: &models.IssueEvent{
				ID:        item.GetID(),
				IssueID:   a.issueID,
				Event:     kind,
				CommitID:  item.GetCommitID(),
				CreatedAt: item.GetCreatedAt().Time,
			},
			raw: item,
		}
		if actor := item.Actor; actor != nil {
			event.ActorID = actor.GetID()
			event.actorLogin = actor.GetLogin()
		}
		switch kind {
		case "committed":
			if url := item.GetCommitURL(); url != "" {
				commitURLs[url] = true
			}
		case "cross-referenced":
			if src := item.GetSource(); src != nil && src.Issue != nil {
				issueURLs[src.Issue.GetURL()] = true
			}
		}
		events = append(events, event)
	}

	commits, issues := a.resolveRefs(ctx, commitURLs, issueURLs)

	for _, event := range events {
		switch event.Event {
		case "committed":
			if commit := commits[event.raw.GetCommitURL()]; commit != nil {
				event.Commit = api.ConvertCommitSummary(commit)
				if event.CommitID == "" {
					event.CommitID = event.Commit.SHA
				}
			}
			if event.ID == 0 {
				event.ID = syntheticEventID(a.issueID, event.Event, event.CommitID)
			}
		case "cross-referenced":
			src := event.raw.GetSource()
			if src != nil && src.Issue != nil {
				if resolved := issues[src.Issue.GetURL()]; resolved != nil {
					event.CrossReference = api.ConvertIssueSummary(resolved)
				} else {
					// The inline snapshot is good enough when the
					// fresh fetch failed.
					event.CrossReference = api.ConvertIssueSummary(src.Issue)
				}
			}
			if event.ID == 0 {
				event.ID = syntheticEventID(a.issueID, event.Event, event.CreatedAt.UTC().Format(time.RFC3339Nano))
			}
		}
	}

	return events
}

// resolveRefs fetches referenced commits and issues concurrently. The
// network round trips run in parallel; nothing here touches the store.
func (a *IssueActor) resolveRefs(ctx context.Context, commitURLs, issueURLs map[string]bool) (map[string]*github.RepositoryCommit, map[string]*github.Issue) {
	commits := make(map[string]*github.RepositoryCommit, len(commitURLs))
	issues := make(map[string]*github.Issue, len(issueURLs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(issueRefLimit)

	for url := range commitURLs {
		url := url
		g.Go(func() error {
			commit, err := a.pool.Client().CommitByURL(gctx, api.PriorityBackground, url)
			if err != nil {
				tolerate("commit reference", err)
				return nil
			}
			mu.Lock()
			commits[url] = commit
			mu.Unlock()
			return nil
		})
	}
	for url := range issueURLs {
		url := url
		g.Go(func() error {
			issue, err := a.pool.Client().IssueByURL(gctx, api.PriorityBackground, url)
			if err != nil {
				tolerate("issue reference", err)
				return nil
			}
			mu.Lock()
			issues[url] = issue
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return commits, issues
}

// syntheticEventID derives a stable positive id for timeline entries
// the source API does not number, so replacement stays deterministic
// across refreshes.
func syntheticEventID(issueID int64, kind, ref string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%s:%s", issueID, kind, ref)
	return int64(h.Sum64() &^ (1 << 63))
}

func (a *IssueActor) syncReactions(ctx context.Context, now time.Time, summary *changes.Summary) {
	key := a.metaKey("reactions")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.pool.Client().IssueReactions(ctx, api.PriorityBackground, a.owner, a.name, a.number, a.meta.get(key))
	if err != nil {
		tolerate("issue reactions", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}

	reactions := make([]*models.Reaction, 0, len(res.Payload))
	for _, reaction := range res.Payload {
		if user := api.ConvertAccount(reaction.GetUser()); user != nil {
			if _, err := a.deps.Store.UpsertAccount(ctx, user); err != nil {
				log.Printf("sync: issue %s/%s#%d: save reaction user: %v", a.owner, a.name, a.number, err)
				return
			}
		}
		reactions = append(reactions, api.ConvertIssueReaction(reaction, a.issueID))
	}
	if err := a.deps.Store.ReplaceIssueReactions(ctx, a.issueID, reactions); err != nil {
		log.Printf("sync: issue %s/%s#%d: save reactions: %v", a.owner, a.name, a.number, err)
		return
	}
	summary.AddRepo(a.repoID)
}

func (a *IssueActor) syncComments(ctx context.Context, now time.Time, summary *changes.Summary) {
	if !a.wantComments {
		return
	}
	key := a.metaKey("comments")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.pool.Client().IssueComments(ctx, api.PriorityBackground, a.owner, a.name, a.number, a.meta.get(key))
	if err != nil {
		tolerate("issue comments", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}

	changedAny := false
	for _, comment := range res.Payload {
		if author := api.ConvertAccount(comment.GetUser()); author != nil {
			if _, err := a.deps.Store.UpsertAccount(ctx, author); err != nil {
				log.Printf("sync: issue %s/%s#%d: save comment author: %v", a.owner, a.name, a.number, err)
				continue
			}
		}
		changed, err := a.deps.Store.UpsertComment(ctx, api.ConvertComment(comment, a.issueID))
		if err != nil {
			log.Printf("sync: issue %s/%s#%d: save comment: %v", a.owner, a.name, a.number, err)
			continue
		}
		changedAny = changedAny || changed
	}
	if changedAny {
		summary.AddRepo(a.repoID)
	}
}

// syncCommentReactions refreshes reactions for stored comments whose
// per-comment cache record has expired. A missing comment upstream
// deletes the local copy.
func (a *IssueActor) syncCommentReactions(ctx context.Context, now time.Time, summary *changes.Summary) {
	if !a.wantComments {
		return
	}
	comments, err := a.deps.Store.ListComments(ctx, a.issueID)
	if err != nil {
		log.Printf("sync: issue %s/%s#%d: list comments: %v", a.owner, a.name, a.number, err)
		return
	}
	for _, comment := range comments {
		key := commentMetaKey(comment.ID)
		prev := a.meta.load(ctx, key)
		if !prev.Expired(now) {
			continue
		}
		res, err := a.pool.Client().CommentReactions(ctx, api.PriorityBackground, a.owner, a.name, comment.ID, prev)

		var notFound *api.NotFoundError
		if errors.As(err, &notFound) {
			deleted, derr := a.deps.Store.DeleteComment(ctx, comment.ID)
			if derr != nil {
				log.Printf("sync: issue %s/%s#%d: delete comment %d: %v", a.owner, a.name, a.number, comment.ID, derr)
				continue
			}
			if deleted {
				summary.AddRepo(a.repoID)
			}
			continue
		}
		if err != nil {
			tolerate("comment reactions", err)
			continue
		}
		a.meta.put(key, res.Cache)
		if res.NotModified {
			continue
		}

		reactions := make([]*models.Reaction, 0, len(res.Payload))
		for _, reaction := range res.Payload {
			if user := api.ConvertAccount(reaction.GetUser()); user != nil {
				if _, err := a.deps.Store.UpsertAccount(ctx, user); err != nil {
					log.Printf("sync: issue %s/%s#%d: save reaction user: %v", a.owner, a.name, a.number, err)
					continue
				}
			}
			reactions = append(reactions, api.ConvertCommentReaction(reaction, comment.ID))
		}
		if err := a.deps.Store.ReplaceCommentReactions(ctx, comment.ID, reactions); err != nil {
			log.Printf("sync: issue %s/%s#%d: save comment reactions: %v", a.owner, a.name, a.number, err)
			continue
		}
		summary.AddRepo(a.repoID)
	}
}

// Deactivate flushes the durable metadata records back to the store.
func (a *IssueActor) Deactivate(ctx context.Context) {
	a.meta.flush(ctx)
}
