package sync

import (
	"context"

	"github.com/google/go-github/v57/github"
	"github.com/realartists/shiphub-sync/internal/api"
	"github.com/realartists/shiphub-sync/internal/changes"
	"github.com/realartists/shiphub-sync/internal/models"
	"github.com/realartists/shiphub-sync/internal/store"
)

// MergeIssue writes one issue and its embedded associations, referenced
// rows first so foreign keys hold: author account, then milestone, then
// the issue, then label and assignee associations. Used by the sync
// actors and by webhook ingestion, so polling and pushed deliveries
// converge through the same writes. The summary picks up the repository
// when the issue row actually changed.
func MergeIssue(ctx context.Context, st *store.Store, issue *github.Issue, repoID int64, summary *changes.Summary) (*models.Issue, error) {
	if author := api.ConvertAccount(issue.GetUser()); author != nil {
		if _, err := st.UpsertAccount(ctx, author); err != nil {
			return nil, err
		}
	}
	if issue.Milestone != nil {
		if _, err := st.UpsertMilestone(ctx, api.ConvertMilestone(issue.Milestone, repoID)); err != nil {
			return nil, err
		}
	}

	model := api.ConvertIssue(issue, repoID)
	changed, err := st.UpsertIssue(ctx, model)
	if err != nil {
		return nil, err
	}

	labelIDs := make([]int64, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		if _, err := st.SaveLabel(ctx, api.ConvertLabel(label, repoID)); err != nil {
			return nil, err
		}
		labelIDs = append(labelIDs, label.GetID())
	}
	if err := st.SetIssueLabels(ctx, model.ID, labelIDs); err != nil {
		return nil, err
	}

	assigneeIDs := make([]int64, 0, len(issue.Assignees))
	for _, assignee := range issue.Assignees {
		if _, err := st.UpsertAccount(ctx, api.ConvertAccount(assignee)); err != nil {
			return nil, err
		}
		assigneeIDs = append(assigneeIDs, assignee.GetID())
	}
	if err := st.SetIssueAssignees(ctx, model.ID, assigneeIDs); err != nil {
		return nil, err
	}

	if changed {
		summary.AddRepo(repoID)
	}
	return model, nil
}

// MergeComment writes one comment and its author. The issue row must
// already exist.
func MergeComment(ctx context.Context, st *store.Store, comment *github.IssueComment, issueID, repoID int64, summary *changes.Summary) error {
	if author := api.ConvertAccount(comment.GetUser()); author != nil {
		if _, err := st.UpsertAccount(ctx, author); err != nil {
			return err
		}
	}
	changed, err := st.UpsertComment(ctx, api.ConvertComment(comment, issueID))
	if err != nil {
		return err
	}
	if changed {
		summary.AddRepo(repoID)
	}
	return nil
}
