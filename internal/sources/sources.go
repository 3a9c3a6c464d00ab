// Package sources defines the records and client contracts of the external
// services workweave reads from. Concrete HTTP clients live outside this
// module; in-repo adapters (gitrepo, objectstore) produce the same shapes.
package sources

import (
	"context"
	"strconv"
	"time"
)

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type WorkflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Cycle struct {
	ID       string    `json:"id"`
	Number   int       `json:"number"`
	Name     string    `json:"name"`
	StartsAt time.Time `json:"startsAt"`
	EndsAt   time.Time `json:"endsAt"`
	Team     *Ref      `json:"team,omitempty"`
	// Progress is the fraction of scope completed, when the tracker reports it.
	Progress    *float64   `json:"progress,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	URL         string     `json:"url,omitempty"`
}

type Issue struct {
	ID          string         `json:"id"`
	Identifier  string         `json:"identifier"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Priority    int            `json:"priority"`
	Estimate    *float64       `json:"estimate,omitempty"`
	State       *WorkflowState `json:"state,omitempty"`
	Assignee    *User          `json:"assignee,omitempty"`
	Creator     *User          `json:"creator,omitempty"`
	Project     *Ref           `json:"project,omitempty"`
	Team        *Ref           `json:"team,omitempty"`
	Cycle       *Ref           `json:"cycle,omitempty"`
	ParentID    string         `json:"parentId,omitempty"`
	Labels      []Label        `json:"labels,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DueDate     *time.Time     `json:"dueDate,omitempty"`
}

type Project struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	State       string     `json:"state,omitempty"`
	URL         string     `json:"url,omitempty"`
	Lead        *User      `json:"lead,omitempty"`
	Teams       []Ref      `json:"teams,omitempty"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	TargetDate  *time.Time `json:"targetDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type Team struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Members     []User    `json:"members,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Attachment struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// PullRequest is a version-control pull request as returned by a search or
// detail call. Zero diff stats mean the client did not fetch them.
type PullRequest struct {
	Number       int        `json:"number"`
	Repository   string     `json:"repository"` // org/repo
	Title        string     `json:"title"`
	Body         string     `json:"body,omitempty"`
	URL          string     `json:"url"`
	State        string     `json:"state"`
	Author       string     `json:"author"`
	BranchName   string     `json:"branchName,omitempty"`
	BaseBranch   string     `json:"baseBranch,omitempty"`
	Labels       []string   `json:"labels,omitempty"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	FilesChanged int        `json:"filesChanged"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	MergedAt     *time.Time `json:"mergedAt,omitempty"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
}

type Repository struct {
	FullName      string    `json:"fullName"` // org/repo
	Description   string    `json:"description,omitempty"`
	URL           string    `json:"url,omitempty"`
	DefaultBranch string    `json:"defaultBranch,omitempty"`
	Language      string    `json:"language,omitempty"`
	Topics        []string  `json:"topics,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Commit struct {
	Hash       string    `json:"hash"`
	Repository string    `json:"repository"`
	Message    string    `json:"message"`
	Author     User      `json:"author"`
	Branches   []string  `json:"branches,omitempty"`
	URL        string    `json:"url,omitempty"`
	Additions  int       `json:"additions"`
	Deletions  int       `json:"deletions"`
	Files      int       `json:"files"`
	CommitAt   time.Time `json:"commitAt"`
}

// Page is a document-store page. Body is plain text or markdown.
type Page struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	URL       string    `json:"url,omitempty"`
	ParentID  string    `json:"parentId,omitempty"`
	Path      []string  `json:"path,omitempty"`
	Author    *User     `json:"author,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Table struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	URL       string              `json:"url,omitempty"`
	ParentID  string              `json:"parentId,omitempty"`
	Columns   []string            `json:"columns,omitempty"`
	Rows      []map[string]string `json:"rows,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Tracker is the issue-tracker client. Implementations return
// apperr.NotFound for unknown ids and apperr.Transport for upstream
// failures so callers can tell them apart.
type Tracker interface {
	GetCycle(ctx context.Context, cycleID string) (Cycle, error)
	GetIssuesInCycle(ctx context.Context, cycleID string) ([]Issue, error)
	GetIssueAttachments(ctx context.Context, issueID string) ([]Attachment, error)
	// GetIssuesWithAttachments resolves many issues in one round trip.
	GetIssuesWithAttachments(ctx context.Context, issueIDs []string) (map[string][]Attachment, error)

	ListIssues(ctx context.Context, since *time.Time) ([]Issue, error)
	ListProjects(ctx context.Context) ([]Project, error)
	ListTeams(ctx context.Context) ([]Team, error)
	ListCycles(ctx context.Context) ([]Cycle, error)
}

// VersionControl is the pull-request side. An unconfigured client must
// return empty results rather than errors.
type VersionControl interface {
	SearchPullRequestsForIssue(ctx context.Context, identifier string, repoAllowList []string) ([]PullRequest, error)
	GetPullRequestDetails(ctx context.Context, number int, repository string) (PullRequest, error)
}

// UnconfiguredVCS stands in when no version-control credentials exist.
type UnconfiguredVCS struct{}

func (UnconfiguredVCS) SearchPullRequestsForIssue(context.Context, string, []string) ([]PullRequest, error) {
	return nil, nil
}

func (UnconfiguredVCS) GetPullRequestDetails(_ context.Context, number int, repository string) (PullRequest, error) {
	return PullRequest{Number: number, Repository: repository}, nil
}

// Key is the canonical org/repo#number id of the pull request.
func (p PullRequest) Key() string {
	return PullRequestKey(p.Repository, p.Number)
}

func PullRequestKey(repository string, number int) string {
	return repository + "#" + strconv.Itoa(number)
}
