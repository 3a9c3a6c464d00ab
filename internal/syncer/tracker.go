package syncer

import (
	"context"
	"fmt"
	"time"

	"workweave/api/internal/normalize"
	"workweave/api/internal/sources"
	"workweave/api/internal/store"
)

// TrackerExtractor adapts an issue-tracker client. Issues are fetched
// incrementally; projects, teams and cycles are small and always fetched
// in full.
type TrackerExtractor struct {
	Tracker sources.Tracker
	now     func() time.Time
}

func NewTrackerExtractor(tracker sources.Tracker) *TrackerExtractor {
	return &TrackerExtractor{Tracker: tracker, now: time.Now}
}

func (e *TrackerExtractor) Source() store.Source { return store.SourceIssueTracker }

func (e *TrackerExtractor) SupportsIncremental() bool { return true }

func (e *TrackerExtractor) Extract(ctx context.Context, since *time.Time) (Extraction, error) {
	nctx := normalize.Context{ExtractedAt: e.now().UTC()}
	var out Extraction

	teams, err := e.Tracker.ListTeams(ctx)
	if err != nil {
		return Extraction{}, fmt.Errorf("list teams: %w", err)
	}
	for _, team := range teams {
		out.Add(normalize.TrackerTeam(team, nctx))
	}

	projects, err := e.Tracker.ListProjects(ctx)
	if err != nil {
		return Extraction{}, fmt.Errorf("list projects: %w", err)
	}
	for _, project := range projects {
		out.Add(normalize.TrackerProject(project, nctx))
	}

	cycles, err := e.Tracker.ListCycles(ctx)
	if err != nil {
		return Extraction{}, fmt.Errorf("list cycles: %w", err)
	}
	for _, cycle := range cycles {
		out.Add(normalize.TrackerCycle(cycle, nctx))
	}

	issues, err := e.Tracker.ListIssues(ctx, since)
	if err != nil {
		return Extraction{}, fmt.Errorf("list issues: %w", err)
	}
	for _, issue := range issues {
		content, err := normalize.TrackerIssue(issue, nctx)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("issue %q: %v", issue.Identifier, err))
			continue
		}
		out.Items = append(out.Items, content)
	}
	return out, nil
}

// Add keeps content or records err as a skipped item.
func (x *Extraction) Add(content store.UnifiedContent, err error) {
	if err != nil {
		x.Errors = append(x.Errors, err.Error())
		return
	}
	x.Items = append(x.Items, content)
}
