// Package report builds cycle reviews and activity newsletters from
// normalized, correlated records.
package report

import (
	"math"
	"sort"
	"time"

	"workweave/api/internal/correlate"
	"workweave/api/internal/normalize"
	"workweave/api/internal/sources"
)

const (
	NoProject  = "No Project"
	Unassigned = "Unassigned"

	week = 7 * 24 * time.Hour
)

type CycleInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Number   int       `json:"number"`
	StartsAt time.Time `json:"startsAt"`
	EndsAt   time.Time `json:"endsAt"`
}

type Stats struct {
	TotalIssues        int     `json:"totalIssues"`
	TotalPoints        float64 `json:"totalPoints"`
	TotalPRs           int     `json:"totalPRs"`
	UniqueContributors int     `json:"uniqueContributors"`
	Velocity           float64 `json:"velocity"`
	TotalAdditions     int     `json:"totalAdditions"`
	TotalDeletions     int     `json:"totalDeletions"`
	TotalFilesChanged  int     `json:"totalFilesChanged"`
	DurationWeeks      float64 `json:"durationWeeks"`
}

// ReviewIssue is a completed issue with its correlated pull requests.
type ReviewIssue struct {
	ID           string                  `json:"id"`
	Identifier   string                  `json:"identifier"`
	Title        string                  `json:"title"`
	URL          string                  `json:"url,omitempty"`
	Points       float64                 `json:"points"`
	Assignee     *sources.User           `json:"assignee,omitempty"`
	Project      *sources.Ref            `json:"project,omitempty"`
	CompletedAt  *time.Time              `json:"completedAt,omitempty"`
	PullRequests []correlate.PullRequest `json:"pullRequests"`
}

type Group struct {
	Items       []ReviewIssue `json:"items"`
	TotalPoints float64       `json:"totalPoints"`
	IssueCount  int           `json:"issueCount"`
}

type CycleReview struct {
	Cycle            CycleInfo               `json:"cycle"`
	Stats            Stats                   `json:"stats"`
	IssuesByProject  map[string]*Group       `json:"issuesByProject"`
	IssuesByEngineer map[string]*Group       `json:"issuesByEngineer"`
	CompletedIssues  []ReviewIssue           `json:"completedIssues"`
	PullRequests     []correlate.PullRequest `json:"pullRequests"`

	// CorrelationErrors maps issue ids whose pull requests could not be
	// resolved to the failure. Stats undercount those issues' PRs.
	CorrelationErrors map[string]string `json:"correlationErrors,omitempty"`
}

// Points is an issue's estimate with missing, non-positive and NaN values
// counted as zero.
func Points(estimate *float64) float64 {
	if estimate == nil || math.IsNaN(*estimate) || math.IsInf(*estimate, 0) || *estimate <= 0 {
		return 0
	}
	return *estimate
}

// DurationWeeks is the cycle length in weeks, never less than one.
func DurationWeeks(start, end time.Time) float64 {
	if start.IsZero() || end.IsZero() {
		return 1
	}
	return math.Max(1, float64(end.Sub(start))/float64(week))
}

func Completed(issue sources.Issue) bool {
	return issue.CompletedAt != nil || (issue.State != nil && issue.State.Type == "completed")
}

// NewReviewIssue pairs an issue with its links.
func NewReviewIssue(issue sources.Issue, prs []correlate.PullRequest) ReviewIssue {
	if prs == nil {
		prs = []correlate.PullRequest{}
	}
	return ReviewIssue{
		ID:           issue.ID,
		Identifier:   issue.Identifier,
		Title:        issue.Title,
		URL:          issue.URL,
		Points:       Points(issue.Estimate),
		Assignee:     issue.Assignee,
		Project:      issue.Project,
		CompletedAt:  issue.CompletedAt,
		PullRequests: prs,
	}
}

// BuildCycleReview aggregates completed issues into a review. Every issue
// lands in exactly one project group and one engineer group, so group
// totals always sum to Stats.TotalPoints.
func BuildCycleReview(cycle sources.Cycle, issues []ReviewIssue) CycleReview {
	review := CycleReview{
		Cycle: CycleInfo{
			ID:       cycle.ID,
			Name:     normalize.CycleTitle(cycle),
			Number:   cycle.Number,
			StartsAt: cycle.StartsAt,
			EndsAt:   cycle.EndsAt,
		},
		IssuesByProject:  map[string]*Group{},
		IssuesByEngineer: map[string]*Group{},
		CompletedIssues:  []ReviewIssue{},
		PullRequests:     []correlate.PullRequest{},
	}
	review.Stats.DurationWeeks = DurationWeeks(cycle.StartsAt, cycle.EndsAt)
	if len(issues) == 0 {
		return review
	}

	contributors := map[string]struct{}{}
	seenPRs := map[string]struct{}{}
	for _, issue := range issues {
		review.Stats.TotalIssues++
		review.Stats.TotalPoints += issue.Points
		review.CompletedIssues = append(review.CompletedIssues, issue)

		if issue.Assignee != nil && issue.Assignee.ID != "" {
			contributors[issue.Assignee.ID] = struct{}{}
		}

		project := NoProject
		if issue.Project != nil && issue.Project.Name != "" {
			project = issue.Project.Name
		}
		engineer := Unassigned
		if issue.Assignee != nil && issue.Assignee.Name != "" {
			engineer = issue.Assignee.Name
		}
		addToGroup(review.IssuesByProject, project, issue)
		addToGroup(review.IssuesByEngineer, engineer, issue)

		for _, pr := range issue.PullRequests {
			if _, ok := seenPRs[pr.ID]; ok {
				continue
			}
			seenPRs[pr.ID] = struct{}{}
			review.PullRequests = append(review.PullRequests, pr)
			review.Stats.TotalPRs++
			review.Stats.TotalAdditions += pr.Additions
			review.Stats.TotalDeletions += pr.Deletions
			review.Stats.TotalFilesChanged += pr.FilesChanged
		}
	}

	review.Stats.UniqueContributors = len(contributors)
	review.Stats.Velocity = math.Round(review.Stats.TotalPoints/review.Stats.DurationWeeks*10) / 10

	sort.SliceStable(review.CompletedIssues, func(i, j int) bool {
		return completedBefore(review.CompletedIssues[i], review.CompletedIssues[j])
	})
	return review
}

func addToGroup(groups map[string]*Group, key string, issue ReviewIssue) {
	g, ok := groups[key]
	if !ok {
		g = &Group{Items: []ReviewIssue{}}
		groups[key] = g
	}
	g.Items = append(g.Items, issue)
	g.IssueCount++
	g.TotalPoints += issue.Points
}

func completedBefore(a, b ReviewIssue) bool {
	switch {
	case a.CompletedAt == nil && b.CompletedAt == nil:
		return a.Identifier < b.Identifier
	case a.CompletedAt == nil:
		return false
	case b.CompletedAt == nil:
		return true
	}
	if !a.CompletedAt.Equal(*b.CompletedAt) {
		return a.CompletedAt.Before(*b.CompletedAt)
	}
	return a.Identifier < b.Identifier
}
