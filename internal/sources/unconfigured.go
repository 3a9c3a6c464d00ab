package sources

import (
	"context"
	"time"

	"workweave/api/internal/apperr"
)

// UnconfiguredTracker reports a configuration error from every call. It
// is wired in when no issue-tracker client was provided so that report
// endpoints fail with a clear, recoverable error.
type UnconfiguredTracker struct{}

func errTracker(op string) error {
	return apperr.Configuration(op, "issue tracker is not configured")
}

func (UnconfiguredTracker) GetCycle(context.Context, string) (Cycle, error) {
	return Cycle{}, errTracker("get cycle")
}

func (UnconfiguredTracker) GetIssuesInCycle(context.Context, string) ([]Issue, error) {
	return nil, errTracker("get issues in cycle")
}

func (UnconfiguredTracker) GetIssueAttachments(context.Context, string) ([]Attachment, error) {
	return nil, errTracker("get issue attachments")
}

func (UnconfiguredTracker) GetIssuesWithAttachments(context.Context, []string) (map[string][]Attachment, error) {
	return nil, errTracker("get issues with attachments")
}

func (UnconfiguredTracker) ListIssues(context.Context, *time.Time) ([]Issue, error) {
	return nil, errTracker("list issues")
}

func (UnconfiguredTracker) ListProjects(context.Context) ([]Project, error) {
	return nil, errTracker("list projects")
}

func (UnconfiguredTracker) ListTeams(context.Context) ([]Team, error) {
	return nil, errTracker("list teams")
}

func (UnconfiguredTracker) ListCycles(context.Context) ([]Cycle, error) {
	return nil, errTracker("list cycles")
}
