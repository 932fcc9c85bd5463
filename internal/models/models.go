package models

import (
	"time"
)

// Account types as stored in the accounts table.
const (
	AccountTypeUser = "user"
	AccountTypeOrg  = "org"
)

// Account represents a GitHub user or organization
type Account struct {
	ID        int64
	Login     string
	Type      string
	AvatarURL string
}

// Credential is an account paired with its API token. Accounts without a
// token are still stored; they just cannot serve as pool candidates.
type Credential struct {
	UserID int64
	Login  string
	Token  string
}

// Repository represents a GitHub repository
type Repository struct {
	ID         int64
	OwnerID    int64
	Name       string
	FullName   string
	Private    bool
	HasIssues  bool
	RowVersion int64
	// IssuesSince is the updated-at watermark used for bulk issue listing.
	IssuesSince time.Time
}

// Issue represents a GitHub issue, keyed internally by its numeric id.
// The (repository, number) pair is the human-facing compound key.
type Issue struct {
	ID            int64
	RepositoryID  int64
	Number        int
	Title         string
	Body          string
	State         string
	UserID        int64
	MilestoneID   *int64
	Locked        bool
	CommentCount  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
	IsPullRequest bool
}

// Comment represents a GitHub issue comment
type Comment struct {
	ID        int64
	IssueID   int64
	UserID    int64
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Label represents a GitHub label scoped to a repository
type Label struct {
	ID           int64
	RepositoryID int64
	Name         string
	Color        string
}

// Milestone represents a GitHub milestone
type Milestone struct {
	ID           int64
	RepositoryID int64
	Number       int
	Title        string
	State        string
	Description  string
	DueOn        *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClosedAt     *time.Time
}

// CommitSummary is the inlined enrichment for timeline events that
// reference a commit.
type CommitSummary struct {
	SHA         string
	Message     string
	AuthorLogin string
	CommittedAt time.Time
}

// IssueSummary is the inlined enrichment for timeline events that
// cross-reference another issue or pull request.
type IssueSummary struct {
	Number        int
	Title         string
	State         string
	RepoFullName  string
	IsPullRequest bool
}

// IssueEvent represents one entry of an issue's timeline. Events the
// source API does not assign an id get a deterministic synthetic one.
// Enrichment fields are populated per event kind; at most one is set.
type IssueEvent struct {
	ID        int64
	IssueID   int64
	ActorID   int64
	Event     string
	CommitID  string
	CreatedAt time.Time

	Commit         *CommitSummary
	CrossReference *IssueSummary
}

// Reaction represents a reaction on an issue or a comment. Exactly one
// of IssueID/CommentID is non-zero.
type Reaction struct {
	ID        int64
	IssueID   int64
	CommentID int64
	UserID    int64
	Content   string
}

// OrgMembership represents one user's membership in an organization.
type OrgMembership struct {
	OrgID  int64
	UserID int64
	Admin  bool
}

// Hook is a persisted webhook registration for a repository or an
// organization. Exactly one of RepositoryID/OrgID is non-zero.
type Hook struct {
	ID           int64
	RepositoryID int64
	OrgID        int64
	Secret       string
	GitHubID     int64
	LastSeen     *time.Time
	LastPing     *time.Time
	PingCount    int
}

// Subscription is an externally-sourced billing record. Version is the
// monotonic resource version used to drop stale updates.
type Subscription struct {
	AccountID int64
	State     string
	Version   int64
}
