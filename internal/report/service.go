package report

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"workweave/api/internal/apperr"
	"workweave/api/internal/correlate"
	"workweave/api/internal/logger"
	"workweave/api/internal/sources"
	"workweave/api/internal/telemetry"
)

// CycleSource is the part of the tracker a cycle review reads.
type CycleSource interface {
	GetCycle(ctx context.Context, cycleID string) (sources.Cycle, error)
	GetIssuesInCycle(ctx context.Context, cycleID string) ([]sources.Issue, error)
}

type Correlator interface {
	FindForIssues(ctx context.Context, issues []correlate.IssueRef) (correlate.BatchResult, error)
}

type Service struct {
	tracker    CycleSource
	correlator Correlator
	logger     *logger.Logger
	tracer     trace.Tracer
}

func NewService(tracker CycleSource, correlator Correlator, log *logger.Logger, tracer trace.Tracer) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{tracker: tracker, correlator: correlator, logger: log, tracer: tracer}
}

// CycleReview fetches a cycle and its completed issues, correlates pull
// requests in one batch and aggregates the result. Any upstream failure
// aborts the review.
func (s *Service) CycleReview(ctx context.Context, cycleID string) (CycleReview, error) {
	cycleID = strings.TrimSpace(cycleID)
	if cycleID == "" {
		return CycleReview{}, apperr.Validation("cycle review", "cycle id is required")
	}
	if s.tracker == nil {
		return CycleReview{}, apperr.Configuration("cycle review", "issue tracker is not configured")
	}
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "report.cycle_review", telemetry.AttrCycleID.String(cycleID))
	defer span.End()

	cycle, err := s.tracker.GetCycle(ctx, cycleID)
	if err != nil {
		return CycleReview{}, fmt.Errorf("get cycle %s: %w", cycleID, err)
	}
	issues, err := s.tracker.GetIssuesInCycle(ctx, cycleID)
	if err != nil {
		return CycleReview{}, fmt.Errorf("get issues in cycle %s: %w", cycleID, err)
	}

	completed := make([]sources.Issue, 0, len(issues))
	for _, issue := range issues {
		if Completed(issue) {
			completed = append(completed, issue)
		}
	}

	links := map[string][]correlate.PullRequest{}
	var failures map[string]string
	if s.correlator != nil && len(completed) > 0 {
		refs := make([]correlate.IssueRef, len(completed))
		for i, issue := range completed {
			refs[i] = correlate.IssueRef{ID: issue.ID, Identifier: issue.Identifier}
		}
		batch, err := s.correlator.FindForIssues(ctx, refs)
		if err != nil {
			return CycleReview{}, fmt.Errorf("correlate cycle %s: %w", cycleID, err)
		}
		for id, msg := range batch.Errors {
			s.logger.Warn("issue correlation failed", "cycle", cycleID, "issue", id, "error", msg)
		}
		links = batch.PullRequests
		if len(batch.Errors) > 0 {
			failures = batch.Errors
		}
	}

	review := make([]ReviewIssue, 0, len(completed))
	for _, issue := range completed {
		review = append(review, NewReviewIssue(issue, links[issue.ID]))
	}
	result := BuildCycleReview(cycle, review)
	result.CorrelationErrors = failures
	span.SetAttributes(telemetry.AttrItems.Int(result.Stats.TotalIssues))
	s.logger.Info("cycle review built",
		"cycle", cycleID,
		"issues", result.Stats.TotalIssues,
		"points", result.Stats.TotalPoints,
		"pull_requests", result.Stats.TotalPRs,
		"correlation_errors", len(failures),
	)
	return result, nil
}
