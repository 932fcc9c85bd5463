package webhook

import (
	"context"
	"fmt"
	"log"

	"github.com/google/go-github/v57/github"
	"github.com/realartists/shiphub-sync/internal/actor"
	"github.com/realartists/shiphub-sync/internal/api"
	"github.com/realartists/shiphub-sync/internal/changes"
	"github.com/realartists/shiphub-sync/internal/models"
	"github.com/realartists/shiphub-sync/internal/store"
	"github.com/realartists/shiphub-sync/internal/sync"
)

// Handler applies verified webhook deliveries to local state. Every
// mutation goes through the same store primitives the sync actors use,
// so a delivery and a later poll of the same data converge instead of
// fighting.
type Handler struct {
	store    *store.Store
	runtime  *actor.Runtime
	notifier changes.Notifier
}

// NewHandler wires a delivery handler.
func NewHandler(st *store.Store, rt *actor.Runtime, notifier changes.Notifier) *Handler {
	return &Handler{store: st, runtime: rt, notifier: notifier}
}

// Dispatch parses and applies one delivery. Unknown event kinds are
// logged and dropped; unknown actions on handled kinds return
// UnknownActionError.
func (h *Handler) Dispatch(ctx context.Context, eventType, deliveryID string, payload []byte) error {
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return fmt.Errorf("webhook: parse %s delivery %s: %w", eventType, deliveryID, err)
	}

	summary := changes.NewSummary()
	switch event := event.(type) {
	case *github.IssuesEvent:
		err = h.handleIssues(ctx, event, summary)
	case *github.IssueCommentEvent:
		err = h.handleIssueComment(ctx, event, summary)
	case *github.LabelEvent:
		err = h.handleLabel(ctx, event, summary)
	case *github.MilestoneEvent:
		err = h.handleMilestone(ctx, event, summary)
	case *github.RepositoryEvent:
		err = h.handleRepository(ctx, event, summary)
	case *github.MemberEvent:
		err = h.handleMember(ctx, event, summary)
	case *github.OrganizationEvent:
		err = h.handleOrganization(ctx, event, summary)
	case *github.PingEvent:
		log.Printf("webhook: ping delivery %s: %s", deliveryID, event.GetZen())
	default:
		log.Printf("webhook: ignoring %s delivery %s", eventType, deliveryID)
	}
	if err != nil {
		return err
	}

	changes.Submit(ctx, h.notifier, summary)
	return nil
}

func (h *Handler) handleIssues(ctx context.Context, event *github.IssuesEvent, summary *changes.Summary) error {
	repoID := event.GetRepo().GetID()
	issue := event.GetIssue()

	switch event.GetAction() {
	case "opened", "edited", "closed", "reopened",
		"assigned", "unassigned", "labeled", "unlabeled",
		"locked", "unlocked", "pinned", "unpinned",
		"milestoned", "demilestoned":
		// The milestone may be brand new; the embedded issue only
		// references it.
		if m := event.GetMilestone(); m != nil {
			if _, err := h.store.UpsertMilestone(ctx, api.ConvertMilestone(m, repoID)); err != nil {
				return err
			}
		}
		_, err := sync.MergeIssue(ctx, h.store, issue, repoID, summary)
		return err

	case "deleted", "transferred":
		// A transferred issue reappears under its new repository
		// through that repository's own sync.
		deleted, err := h.store.DeleteIssue(ctx, issue.GetID())
		if err != nil {
			return err
		}
		if deleted {
			summary.AddRepo(repoID)
		}
		return nil

	default:
		return &UnknownActionError{Event: "issues", Action: event.GetAction()}
	}
}

func (h *Handler) handleIssueComment(ctx context.Context, event *github.IssueCommentEvent, summary *changes.Summary) error {
	repoID := event.GetRepo().GetID()
	issue := event.GetIssue()
	comment := event.GetComment()

	switch event.GetAction() {
	case "created", "edited":
		model, err := sync.MergeIssue(ctx, h.store, issue, repoID, summary)
		if err != nil {
			return err
		}
		// Edit deliveries can arrive with the body stripped. Re-fetch
		// through the repository actor rather than storing an empty
		// body over real content.
		if event.GetAction() == "edited" && comment.GetBody() == "" {
			return h.refreshComment(ctx, repoID, model.ID, comment.GetID())
		}
		return sync.MergeComment(ctx, h.store, comment, model.ID, repoID, summary)

	case "deleted":
		deleted, err := h.store.DeleteComment(ctx, comment.GetID())
		if err != nil {
			return err
		}
		if deleted {
			summary.AddRepo(repoID)
		}
		return nil

	default:
		return &UnknownActionError{Event: "issue_comment", Action: event.GetAction()}
	}
}

func (h *Handler) refreshComment(ctx context.Context, repoID, issueID, commentID int64) error {
	return h.runtime.Invoke(ctx, sync.RepoKey(repoID), func(ctx context.Context, w actor.Worker) error {
		repo, ok := w.(*sync.RepositoryActor)
		if !ok {
			return fmt.Errorf("webhook: unexpected worker type %T for repository %d", w, repoID)
		}
		return repo.RefreshComment(ctx, issueID, commentID)
	})
}

func (h *Handler) handleLabel(ctx context.Context, event *github.LabelEvent, summary *changes.Summary) error {
	repoID := event.GetRepo().GetID()
	label := event.GetLabel()

	switch event.GetAction() {
	case "created", "edited":
		changed, err := h.store.SaveLabel(ctx, api.ConvertLabel(label, repoID))
		if err != nil {
			return err
		}
		if changed {
			summary.AddRepo(repoID)
		}
		return nil

	case "deleted":
		// Deleting an already-absent label is a no-op, not an error;
		// polling may have removed it first.
		deleted, err := h.store.DeleteLabel(ctx, label.GetID())
		if err != nil {
			return err
		}
		if deleted {
			summary.AddRepo(repoID)
		}
		return nil

	default:
		return &UnknownActionError{Event: "label", Action: event.GetAction()}
	}
}

func (h *Handler) handleMilestone(ctx context.Context, event *github.MilestoneEvent, summary *changes.Summary) error {
	repoID := event.GetRepo().GetID()
	milestone := event.GetMilestone()

	switch event.GetAction() {
	case "created", "edited", "opened", "closed":
		changed, err := h.store.UpsertMilestone(ctx, api.ConvertMilestone(milestone, repoID))
		if err != nil {
			return err
		}
		if changed {
			summary.AddRepo(repoID)
		}
		return nil

	case "deleted":
		deleted, err := h.store.DeleteMilestone(ctx, milestone.GetID())
		if err != nil {
			return err
		}
		if deleted {
			summary.AddRepo(repoID)
		}
		return nil

	default:
		return &UnknownActionError{Event: "milestone", Action: event.GetAction()}
	}
}

func (h *Handler) handleRepository(ctx context.Context, event *github.RepositoryEvent, summary *changes.Summary) error {
	repo := event.GetRepo()
	repoID := repo.GetID()

	switch event.GetAction() {
	case "edited", "renamed", "archived", "unarchived", "privatized", "publicized":
		if owner := api.ConvertAccount(repo.GetOwner()); owner != nil {
			if _, err := h.store.UpsertAccount(ctx, owner); err != nil {
				return err
			}
		}
		changed, err := h.store.UpsertRepository(ctx, api.ConvertRepository(repo))
		if err != nil {
			return err
		}
		if changed {
			summary.AddRepo(repoID)
		}
		return nil

	case "deleted":
		wake, err := h.store.ListRepoAccessors(ctx, repoID)
		if err != nil {
			return err
		}
		// Org members see the repository through membership alone, with
		// no repo_access row, so their lists need the refresh too.
		stored, err := h.store.GetRepository(ctx, repoID)
		if err != nil {
			return err
		}
		if stored != nil {
			owner, err := h.store.GetAccount(ctx, stored.OwnerID)
			if err != nil {
				return err
			}
			if owner != nil && owner.Type == models.AccountTypeOrg {
				members, err := h.store.ListOrgMemberships(ctx, owner.ID)
				if err != nil {
					return err
				}
				for _, m := range members {
					wake = append(wake, m.UserID)
				}
			}
		}
		deleted, err := h.store.DeleteRepository(ctx, repoID)
		if err != nil {
			return err
		}
		if deleted {
			summary.AddRepo(repoID)
		}
		// Wake each affected user's actor so their repository lists
		// drop the tombstone. Best effort; an inactive user learns on
		// their next activation anyway.
		rt := h.runtime
		seen := make(map[int64]bool, len(wake))
		for _, userID := range wake {
			if seen[userID] {
				continue
			}
			seen[userID] = true
			userID := userID
			actor.Detach(ctx, "resync-after-repo-delete", func(ctx context.Context) error {
				return rt.SignalInterest(ctx, sync.UserKey(userID))
			})
		}
		return nil

	default:
		return &UnknownActionError{Event: "repository", Action: event.GetAction()}
	}
}

func (h *Handler) handleMember(ctx context.Context, event *github.MemberEvent, summary *changes.Summary) error {
	repoID := event.GetRepo().GetID()
	member := event.GetMember()

	switch event.GetAction() {
	case "added", "edited":
		account := api.ConvertAccount(member)
		if account == nil {
			return nil
		}
		if _, err := h.store.UpsertAccount(ctx, account); err != nil {
			return err
		}
		// Collaborator grants historically imply push; the repository
		// actor's next assignee poll corrects finer-grained roles.
		if err := h.store.SetRepoAccess(ctx, repoID, account.ID, true); err != nil {
			return err
		}
		summary.AddRepo(repoID)
		summary.AddUser(account.ID)
		return nil

	case "removed":
		removed, err := h.store.RemoveRepoAccess(ctx, repoID, member.GetID())
		if err != nil {
			return err
		}
		if removed {
			summary.AddRepo(repoID)
			summary.AddUser(member.GetID())
		}
		return nil

	default:
		return &UnknownActionError{Event: "member", Action: event.GetAction()}
	}
}

func (h *Handler) handleOrganization(ctx context.Context, event *github.OrganizationEvent, summary *changes.Summary) error {
	orgID := event.GetOrganization().GetID()

	switch event.GetAction() {
	case "member_added":
		user := event.GetMembership().GetUser()
		account := api.ConvertAccount(user)
		if account == nil {
			return nil
		}
		if _, err := h.store.UpsertAccount(ctx, account); err != nil {
			return err
		}
		admin := event.GetMembership().GetRole() == "admin"
		changed, err := h.store.SetOrgMembership(ctx, models.OrgMembership{
			OrgID: orgID, UserID: account.ID, Admin: admin,
		})
		if err != nil {
			return err
		}
		if changed {
			summary.AddOrg(orgID)
			summary.AddUser(account.ID)
		}
		return nil

	case "member_removed":
		userID := event.GetMembership().GetUser().GetID()
		removed, err := h.store.RemoveOrgMembership(ctx, orgID, userID)
		if err != nil {
			return err
		}
		if removed {
			summary.AddOrg(orgID)
			summary.AddUser(userID)
		}
		return nil

	case "member_invited":
		// Nothing to record until the invitation is accepted.
		return nil

	case "renamed", "deleted":
		if org := api.ConvertOrgAccount(event.GetOrganization()); org != nil {
			changed, err := h.store.UpsertAccount(ctx, org)
			if err != nil {
				return err
			}
			if changed {
				summary.AddOrg(orgID)
			}
		}
		return nil

	default:
		return &UnknownActionError{Event: "organization", Action: event.GetAction()}
	}
}
