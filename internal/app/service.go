package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"workweave/api/internal/apperr"
	"workweave/api/internal/correlate"
	"workweave/api/internal/logger"
	"workweave/api/internal/report"
	"workweave/api/internal/search"
	"workweave/api/internal/store"
	"workweave/api/internal/syncer"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
	maxBatchIssues    = 100
	syncHistorySize   = 5
)

type dataStore interface {
	QueryContent(ctx context.Context, q store.DataQuery) (store.DataQueryResult, error)
	GetContent(ctx context.Context, id string) (store.UnifiedContent, error)
	ListRelationships(ctx context.Context, id string) ([]store.ContentRelationship, error)
	ListSyncRecords(ctx context.Context, source store.Source, limit int) ([]store.SyncRecord, error)
	ContentStats(ctx context.Context) ([]store.ContentCount, error)
	Ping(ctx context.Context) error
}

type syncRunner interface {
	SyncSource(ctx context.Context, source store.Source, force bool) (syncer.Result, error)
	SyncAll(ctx context.Context, force bool) []syncer.Result
	Sources() []store.Source
	Status(source store.Source) syncer.SourceStatus
}

type correlator interface {
	FindForIssue(ctx context.Context, issue correlate.IssueRef) ([]correlate.PullRequest, error)
	FindForIssues(ctx context.Context, issues []correlate.IssueRef) (correlate.BatchResult, error)
	Persist(ctx context.Context, issueContentID string, issue correlate.IssueRef, prs []correlate.PullRequest) error
}

type cycleReviewer interface {
	CycleReview(ctx context.Context, cycleID string) (report.CycleReview, error)
}

type newsletterGenerator interface {
	Generate(ctx context.Context, opts report.NewsletterOptions) (report.Newsletter, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) (search.Response, error)
}

// Check is one dependency probe of the readiness report.
type Check struct {
	Name     string
	Required bool
	Probe    func(ctx context.Context) error
}

type Deps struct {
	Store       dataStore
	Syncer      syncRunner
	Correlator  correlator
	Reviews     cycleReviewer
	Newsletters newsletterGenerator
	Search      searcher
	Logger      *logger.Logger
	// Checks are extra readiness probes; the store is always checked.
	Checks []Check
}

// Service is the boundary the HTTP layer talks to.
type Service struct {
	deps Deps
	log  *logger.Logger
}

func NewService(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Service{deps: deps, log: log}
}

// SyncStatus describes one registered source.
type SyncStatus struct {
	Source  store.Source        `json:"source"`
	Status  syncer.SourceStatus `json:"status"`
	History []store.SyncRecord  `json:"history"`
}

type ContentDetail struct {
	store.UnifiedContent
	Relationships []store.ContentRelationship `json:"relationships"`
}

// Sync runs one source, or every registered source when source is empty.
func (s *Service) Sync(ctx context.Context, source string, force bool) ([]syncer.Result, error) {
	if s.deps.Syncer == nil {
		return nil, apperr.Configuration("sync", "no sources are configured")
	}
	if source == "" {
		return s.deps.Syncer.SyncAll(ctx, force), nil
	}
	src := store.Source(source)
	if !src.Valid() {
		return nil, apperr.Validation("sync", fmt.Sprintf("unknown source %q", source))
	}
	result, err := s.deps.Syncer.SyncSource(ctx, src, force)
	if err != nil {
		return nil, err
	}
	return []syncer.Result{result}, nil
}

func (s *Service) SyncStatus(ctx context.Context) ([]SyncStatus, error) {
	if s.deps.Syncer == nil {
		return []SyncStatus{}, nil
	}
	out := make([]SyncStatus, 0, len(s.deps.Syncer.Sources()))
	for _, source := range s.deps.Syncer.Sources() {
		history, err := s.deps.Store.ListSyncRecords(ctx, source, syncHistorySize)
		if err != nil {
			return nil, fmt.Errorf("sync history for %s: %w", source, err)
		}
		out = append(out, SyncStatus{Source: source, Status: s.deps.Syncer.Status(source), History: history})
	}
	return out, nil
}

func (s *Service) Query(ctx context.Context, q store.DataQuery) (store.DataQueryResult, error) {
	if q.Limit < 0 || q.Offset < 0 {
		return store.DataQueryResult{}, apperr.Validation("query content", "limit and offset must not be negative")
	}
	switch {
	case q.Limit == 0:
		q.Limit = defaultQueryLimit
	case q.Limit > maxQueryLimit:
		q.Limit = maxQueryLimit
	}
	if tr := q.TimeRange; tr != nil && tr.Start != nil && tr.End != nil && tr.End.Before(*tr.Start) {
		return store.DataQueryResult{}, apperr.Validation("query content", "time range end is before start")
	}
	return s.deps.Store.QueryContent(ctx, q)
}

func (s *Service) GetContent(ctx context.Context, id string) (ContentDetail, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return ContentDetail{}, apperr.Validation("get content", "id is required")
	}
	content, err := s.deps.Store.GetContent(ctx, id)
	if err != nil {
		return ContentDetail{}, err
	}
	rels, err := s.deps.Store.ListRelationships(ctx, id)
	if err != nil {
		return ContentDetail{}, err
	}
	return ContentDetail{UnifiedContent: content, Relationships: rels}, nil
}

func (s *Service) GetCycleReview(ctx context.Context, cycleID string) (report.CycleReview, error) {
	if s.deps.Reviews == nil {
		return report.CycleReview{}, apperr.Configuration("cycle review", "issue tracker is not configured")
	}
	return s.deps.Reviews.CycleReview(ctx, strings.TrimSpace(cycleID))
}

// GetLinkedPRs correlates one issue by its tracker id. When the issue has
// been synced its identifier is used for text matching and the result is
// written back onto the stored row; otherwise the supplied id is matched.
func (s *Service) GetLinkedPRs(ctx context.Context, issueID string) ([]correlate.PullRequest, error) {
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return nil, apperr.Validation("linked pull requests", "issue id is required")
	}
	if s.deps.Correlator == nil {
		return nil, apperr.Configuration("linked pull requests", "correlation is not configured")
	}
	ref, stored := s.issueRef(ctx, issueID)
	prs, err := s.deps.Correlator.FindForIssue(ctx, ref)
	if err != nil {
		return nil, err
	}
	if stored {
		if err := s.deps.Correlator.Persist(ctx, issueContentID(issueID), ref, prs); err != nil {
			s.log.Warn("persist linked pull requests failed", "issue", issueID, "error", err)
		}
	}
	return prs, nil
}

func (s *Service) GetLinkedPRsBatch(ctx context.Context, issueIDs []string) (correlate.BatchResult, error) {
	if s.deps.Correlator == nil {
		return correlate.BatchResult{}, apperr.Configuration("linked pull requests", "correlation is not configured")
	}
	seen := map[string]bool{}
	refs := make([]correlate.IssueRef, 0, len(issueIDs))
	for _, id := range issueIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ref, _ := s.issueRef(ctx, id)
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return correlate.BatchResult{}, apperr.Validation("linked pull requests", "at least one issue id is required")
	}
	if len(refs) > maxBatchIssues {
		return correlate.BatchResult{}, apperr.Validation("linked pull requests", fmt.Sprintf("at most %d issues per request", maxBatchIssues))
	}
	return s.deps.Correlator.FindForIssues(ctx, refs)
}

func (s *Service) issueRef(ctx context.Context, issueID string) (correlate.IssueRef, bool) {
	ref := correlate.IssueRef{ID: issueID, Identifier: issueID}
	content, err := s.deps.Store.GetContent(ctx, issueContentID(issueID))
	if err != nil {
		if !apperr.IsNotFound(err) {
			s.log.Warn("load issue for correlation failed", "issue", issueID, "error", err)
		}
		return ref, false
	}
	var meta struct {
		Identifier string `json:"identifier"`
	}
	if len(content.SourceMetadata) > 0 && json.Unmarshal(content.SourceMetadata, &meta) == nil && meta.Identifier != "" {
		ref.Identifier = meta.Identifier
	}
	return ref, true
}

func issueContentID(issueID string) string {
	return store.ContentID(store.SourceIssueTracker, store.TypeIssue, issueID)
}

func (s *Service) GenerateNewsletter(ctx context.Context, opts report.NewsletterOptions) (report.Newsletter, error) {
	if s.deps.Newsletters == nil {
		return report.Newsletter{}, apperr.Configuration("newsletter", "newsletters are not configured")
	}
	return s.deps.Newsletters.Generate(ctx, opts)
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, apperr.Validation("search", "query text is required")
	}
	for _, source := range q.Sources {
		if !source.Valid() {
			return search.Response{}, apperr.Validation("search", fmt.Sprintf("unknown source %q", source))
		}
	}
	if s.deps.Search == nil {
		return search.Response{}, apperr.Configuration("search", "search is not configured")
	}
	return s.deps.Search.Search(ctx, q)
}

func (s *Service) Stats(ctx context.Context) ([]store.ContentCount, error) {
	return s.deps.Store.ContentStats(ctx)
}

// ReadyReport is the outcome of every readiness probe.
type ReadyReport struct {
	Ready  bool                      `json:"ok"`
	Status string                    `json:"status"`
	Checks map[string]map[string]any `json:"checks"`
}

func (s *Service) Ready(ctx context.Context) ReadyReport {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	checks := append([]Check{{Name: "database", Required: true, Probe: s.deps.Store.Ping}}, s.deps.Checks...)
	out := ReadyReport{Ready: true, Status: "ready", Checks: map[string]map[string]any{}}
	for _, check := range checks {
		if err := check.Probe(ctx); err != nil {
			out.Checks[check.Name] = map[string]any{"status": "error", "error": err.Error(), "required": check.Required}
			if check.Required {
				out.Ready = false
				out.Status = "not_ready"
			}
			continue
		}
		out.Checks[check.Name] = map[string]any{"status": "ok"}
	}
	return out
}
