package api

import (
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/realartists/shiphub-sync/internal/models"
)

// ConvertAccount converts a GitHub user to our model
func ConvertAccount(user *github.User) *models.Account {
	if user == nil {
		return nil
	}

	accountType := models.AccountTypeUser
	if strings.EqualFold(user.GetType(), "Organization") {
		accountType = models.AccountTypeOrg
	}

	return &models.Account{
		ID:        user.GetID(),
		Login:     user.GetLogin(),
		Type:      accountType,
		AvatarURL: user.GetAvatarURL(),
	}
}

// ConvertOrgAccount converts a GitHub organization to our model
func ConvertOrgAccount(org *github.Organization) *models.Account {
	if org == nil {
		return nil
	}

	return &models.Account{
		ID:        org.GetID(),
		Login:     org.GetLogin(),
		Type:      models.AccountTypeOrg,
		AvatarURL: org.GetAvatarURL(),
	}
}

// ConvertRepository converts a GitHub repository to our model
func ConvertRepository(repo *github.Repository) *models.Repository {
	if repo == nil {
		return nil
	}

	return &models.Repository{
		ID:        repo.GetID(),
		OwnerID:   repo.GetOwner().GetID(),
		Name:      repo.GetName(),
		FullName:  repo.GetFullName(),
		Private:   repo.GetPrivate(),
		HasIssues: repo.GetHasIssues(),
	}
}

// ConvertIssue converts a GitHub issue to our model
func ConvertIssue(issue *github.Issue, repoID int64) *models.Issue {
	var closedAt *time.Time
	if issue.ClosedAt != nil {
		t := issue.ClosedAt.Time
		closedAt = &t
	}

	var milestoneID *int64
	if issue.Milestone != nil {
		id := issue.Milestone.GetID()
		milestoneID = &id
	}

	return &models.Issue{
		ID:            issue.GetID(),
		RepositoryID:  repoID,
		Number:        issue.GetNumber(),
		Title:         issue.GetTitle(),
		Body:          issue.GetBody(),
		State:         issue.GetState(),
		UserID:        issue.GetUser().GetID(),
		MilestoneID:   milestoneID,
		Locked:        issue.GetLocked(),
		CommentCount:  issue.GetComments(),
		CreatedAt:     issue.GetCreatedAt().Time,
		UpdatedAt:     issue.GetUpdatedAt().Time,
		ClosedAt:      closedAt,
		IsPullRequest: issue.IsPullRequest(),
	}
}

// ConvertComment converts a GitHub comment to our model
func ConvertComment(comment *github.IssueComment, issueID int64) *models.Comment {
	return &models.Comment{
		ID:        comment.GetID(),
		IssueID:   issueID,
		UserID:    comment.GetUser().GetID(),
		Body:      comment.GetBody(),
		CreatedAt: comment.GetCreatedAt().Time,
		UpdatedAt: comment.GetUpdatedAt().Time,
	}
}

// ConvertLabel converts a GitHub label to our model
func ConvertLabel(label *github.Label, repoID int64) *models.Label {
	return &models.Label{
		ID:           label.GetID(),
		RepositoryID: repoID,
		Name:         label.GetName(),
		Color:        label.GetColor(),
	}
}

// ConvertMilestone converts a GitHub milestone to our model
func ConvertMilestone(milestone *github.Milestone, repoID int64) *models.Milestone {
	var dueOn, closedAt *time.Time
	if milestone.DueOn != nil {
		t := milestone.DueOn.Time
		dueOn = &t
	}
	if milestone.ClosedAt != nil {
		t := milestone.ClosedAt.Time
		closedAt = &t
	}

	return &models.Milestone{
		ID:           milestone.GetID(),
		RepositoryID: repoID,
		Number:       milestone.GetNumber(),
		Title:        milestone.GetTitle(),
		State:        milestone.GetState(),
		Description:  milestone.GetDescription(),
		DueOn:        dueOn,
		CreatedAt:    milestone.GetCreatedAt().Time,
		UpdatedAt:    milestone.GetUpdatedAt().Time,
		ClosedAt:     closedAt,
	}
}

// ConvertIssueReaction converts a reaction on an issue to our model
func ConvertIssueReaction(reaction *github.Reaction, issueID int64) *models.Reaction {
	return &models.Reaction{
		ID:      reaction.GetID(),
		IssueID: issueID,
		UserID:  reaction.GetUser().GetID(),
		Content: reaction.GetContent(),
	}
}

// ConvertCommentReaction converts a reaction on a comment to our model
func ConvertCommentReaction(reaction *github.Reaction, commentID int64) *models.Reaction {
	return &models.Reaction{
		ID:        reaction.GetID(),
		CommentID: commentID,
		UserID:    reaction.GetUser().GetID(),
		Content:   reaction.GetContent(),
	}
}

// ConvertCommitSummary reduces a resolved commit to the fields inlined
// into timeline events.
func ConvertCommitSummary(commit *github.RepositoryCommit) *models.CommitSummary {
	if commit == nil {
		return nil
	}

	summary := &models.CommitSummary{SHA: commit.GetSHA()}
	if c := commit.GetCommit(); c != nil {
		summary.Message = c.GetMessage()
		if author := c.GetAuthor(); author != nil {
			summary.CommittedAt = author.GetDate().Time
		}
	}
	if author := commit.GetAuthor(); author != nil {
		summary.AuthorLogin = author.GetLogin()
	}
	return summary
}

// ConvertIssueSummary reduces a cross-referenced issue to the fields
// inlined into timeline events.
func ConvertIssueSummary(issue *github.Issue) *models.IssueSummary {
	if issue == nil {
		return nil
	}

	return &models.IssueSummary{
		Number:        issue.GetNumber(),
		Title:         issue.GetTitle(),
		State:         issue.GetState(),
		RepoFullName:  issue.GetRepository().GetFullName(),
		IsPullRequest: issue.IsPullRequest(),
	}
}
