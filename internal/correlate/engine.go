package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"workweave/api/internal/apperr"
	"workweave/api/internal/cache"
	"workweave/api/internal/logger"
	"workweave/api/internal/normalize"
	"workweave/api/internal/sources"
	"workweave/api/internal/store"
	"workweave/api/internal/telemetry"
)

const (
	defaultConcurrency  = 4
	defaultIssueTimeout = 20 * time.Second
	// LinkedPRsExtension is the StructuredData.Extensions key written by Persist.
	LinkedPRsExtension = "linkedPRs"
)

// AttachmentSource is the part of the tracker the engine needs.
type AttachmentSource interface {
	GetIssueAttachments(ctx context.Context, issueID string) ([]sources.Attachment, error)
	GetIssuesWithAttachments(ctx context.Context, issueIDs []string) (map[string][]sources.Attachment, error)
}

// BranchLookup supplies extra search patterns: local branch names that
// mention an identifier.
type BranchLookup interface {
	BranchesMentioning(ctx context.Context, identifier string) ([]string, error)
}

type ContentWriter interface {
	GetContent(ctx context.Context, id string) (store.UnifiedContent, error)
	UpsertContent(ctx context.Context, content store.UnifiedContent) error
}

type Options struct {
	AllowList    AllowList     `yaml:"repo_allowlist"`
	Concurrency  int           `yaml:"concurrency"`
	IssueTimeout time.Duration `yaml:"issue_timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

type Deps struct {
	Tracker  AttachmentSource
	VCS      sources.VersionControl
	Branches BranchLookup
	Store    ContentWriter
	Cache    cache.Cache
	Logger   *logger.Logger
	Tracer   trace.Tracer
	Signals  []Signal
}

type Engine struct {
	deps Deps
	opts Options
}

// BatchResult maps issue ids to their links. An issue whose lookup failed
// appears in Errors and not in PullRequests.
type BatchResult struct {
	PullRequests map[string][]PullRequest `json:"pullRequests"`
	Errors       map[string]string        `json:"errors"`
}

func New(deps Deps, opts Options) *Engine {
	if deps.VCS == nil {
		deps.VCS = sources.UnconfiguredVCS{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Signals == nil {
		deps.Signals = DefaultSignals()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.IssueTimeout <= 0 {
		opts.IssueTimeout = defaultIssueTimeout
	}
	return &Engine{deps: deps, opts: opts}
}

func cacheKey(issueID string) string {
	return "prs:" + issueID
}

// FindForIssue returns the ranked pull requests for one issue. An issue
// unknown to the tracker yields an empty list.
func (e *Engine) FindForIssue(ctx context.Context, issue IssueRef) ([]PullRequest, error) {
	ctx, span := telemetry.StartSpan(ctx, e.deps.Tracer, "correlate.issue", telemetry.AttrIssueID.String(issue.ID))
	defer span.End()

	if cached, ok := e.cached(ctx, issue.ID); ok {
		return cached, nil
	}
	if e.deps.Tracker == nil {
		return nil, apperr.Configuration("find pull requests", "issue tracker is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.IssueTimeout)
	defer cancel()

	attachments, err := e.deps.Tracker.GetIssueAttachments(ctx, issue.ID)
	if apperr.IsNotFound(err) {
		return []PullRequest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attachments for %s: %w", issue.label(), err)
	}

	prs, err := e.resolve(ctx, issue, attachments)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(telemetry.AttrMatchPath.String(string(pathOf(prs))))
	e.remember(ctx, issue.ID, prs)
	return prs, nil
}

// FindForIssues resolves many issues with one attachment round trip and
// runs the search path only for issues without attachment links.
func (e *Engine) FindForIssues(ctx context.Context, issues []IssueRef) (BatchResult, error) {
	ctx, span := telemetry.StartSpan(ctx, e.deps.Tracer, "correlate.batch", telemetry.AttrItems.Int(len(issues)))
	defer span.End()

	result := BatchResult{PullRequests: map[string][]PullRequest{}, Errors: map[string]string{}}
	if len(issues) == 0 {
		return result, nil
	}
	if e.deps.Tracker == nil {
		return result, apperr.Configuration("find pull requests", "issue tracker is not configured")
	}

	pending := make([]IssueRef, 0, len(issues))
	for _, issue := range issues {
		if cached, ok := e.cached(ctx, issue.ID); ok {
			result.PullRequests[issue.ID] = cached
			continue
		}
		pending = append(pending, issue)
	}
	if len(pending) == 0 {
		return result, nil
	}

	ids := make([]string, len(pending))
	for i, issue := range pending {
		ids[i] = issue.ID
	}
	lookupCtx, cancel := context.WithTimeout(ctx, e.opts.IssueTimeout)
	attachments, err := e.deps.Tracker.GetIssuesWithAttachments(lookupCtx, ids)
	cancel()
	if err != nil {
		return result, fmt.Errorf("get attachments for %d issues: %w", len(ids), err)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for _, issue := range pending {
		issue := issue
		g.Go(func() error {
			issueCtx, cancel := context.WithTimeout(ctx, e.opts.IssueTimeout)
			defer cancel()
			prs, err := e.resolve(issueCtx, issue, attachments[issue.ID])

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[issue.ID] = err.Error()
				e.deps.Logger.Warn("correlation failed", "issue", issue.label(), "error", err)
				return nil
			}
			result.PullRequests[issue.ID] = prs
			return nil
		})
	}
	_ = g.Wait()

	for id, prs := range result.PullRequests {
		e.remember(ctx, id, prs)
	}
	return result, nil
}

// resolve applies the precedence rule: attachment links win outright and
// the search path runs only when there are none.
func (e *Engine) resolve(ctx context.Context, issue IssueRef, attachments []sources.Attachment) ([]PullRequest, error) {
	prs := fromAttachments(issue, attachments, e.opts.AllowList)
	if len(prs) == 0 {
		found, err := e.search(ctx, issue)
		if err != nil {
			return nil, err
		}
		prs = found
	}
	prs = e.enrich(ctx, prs)
	rank(prs)
	if prs == nil {
		prs = []PullRequest{}
	}
	return prs, nil
}

func (e *Engine) search(ctx context.Context, issue IssueRef) ([]PullRequest, error) {
	// Without a human identifier the tracker id is the search text.
	key := issue.label()
	if key == "" {
		return nil, nil
	}
	patterns := []string{key}
	if e.deps.Branches != nil {
		branches, err := e.deps.Branches.BranchesMentioning(ctx, key)
		if err != nil {
			e.deps.Logger.Warn("branch lookup failed", "issue", key, "error", err)
		}
		patterns = append(patterns, branches...)
	}

	var found []PullRequest
	for _, pattern := range patterns {
		candidates, err := e.deps.VCS.SearchPullRequestsForIssue(ctx, pattern, e.opts.AllowList)
		if err != nil {
			return nil, fmt.Errorf("search pull requests for %s: %w", pattern, err)
		}
		for _, candidate := range candidates {
			if candidate.Number <= 0 || !e.opts.AllowList.Allows(candidate.Repository) {
				continue
			}
			pr := fromSource(candidate)
			pr.LinkedIssues = []string{issue.label()}
			pr.MatchSource = MatchSearch
			pr.Confidence = Score(Candidate{Identifier: key, PR: candidate}, e.deps.Signals)
			found = append(found, pr)
		}
	}
	return Dedupe(found), nil
}

// enrich fetches details only for links without diff statistics. A failed
// fetch leaves that link as it was.
func (e *Engine) enrich(ctx context.Context, prs []PullRequest) []PullRequest {
	for i, pr := range prs {
		if !pr.needsDetails() {
			continue
		}
		details, err := e.deps.VCS.GetPullRequestDetails(ctx, pr.Number, pr.Repository)
		if err != nil {
			e.deps.Logger.Warn("pull request details failed", "pull_request", pr.ID, "error", err)
			continue
		}
		prs[i] = pr.withDetails(details)
	}
	return prs
}

// Persist writes links into the issue's linkedPRs extension and refreshes
// the cache entry for it.
func (e *Engine) Persist(ctx context.Context, issueContentID string, issue IssueRef, prs []PullRequest) error {
	if e.deps.Store == nil {
		return apperr.Configuration("persist pull requests", "content store is not configured")
	}
	content, err := e.deps.Store.GetContent(ctx, issueContentID)
	if err != nil {
		return err
	}
	if content.StructuredData == nil {
		content.StructuredData = &store.StructuredData{}
	}
	if prs == nil {
		prs = []PullRequest{}
	}
	if err := normalize.SetExtension(content.StructuredData, LinkedPRsExtension, prs); err != nil {
		return err
	}
	if err := e.deps.Store.UpsertContent(ctx, content); err != nil {
		return fmt.Errorf("persist linked pull requests: %w", err)
	}
	e.remember(ctx, issue.ID, prs)
	return nil
}

func (e *Engine) cached(ctx context.Context, issueID string) ([]PullRequest, bool) {
	if e.deps.Cache == nil || e.opts.CacheTTL <= 0 {
		return nil, false
	}
	var prs []PullRequest
	ok, err := e.deps.Cache.Get(ctx, cacheKey(issueID), &prs)
	if err != nil {
		e.deps.Logger.Warn("correlation cache read failed", "issue", issueID, "error", err)
		return nil, false
	}
	if ok && prs == nil {
		prs = []PullRequest{}
	}
	return prs, ok
}

func (e *Engine) remember(ctx context.Context, issueID string, prs []PullRequest) {
	if e.deps.Cache == nil || e.opts.CacheTTL <= 0 {
		return
	}
	if err := e.deps.Cache.Set(ctx, cacheKey(issueID), prs, e.opts.CacheTTL); err != nil && !errors.Is(err, context.Canceled) {
		e.deps.Logger.Warn("correlation cache write failed", "issue", issueID, "error", err)
	}
}

func pathOf(prs []PullRequest) MatchSource {
	if len(prs) > 0 && prs[0].MatchSource == MatchAttachment {
		return MatchAttachment
	}
	return MatchSearch
}
