package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"workweave/api/internal/apperr"
	"workweave/api/internal/cache"
	"workweave/api/internal/sources"
	"workweave/api/internal/store"
)

type fakeTracker struct {
	getIssueAttachmentsFn      func(context.Context, string) ([]sources.Attachment, error)
	getIssuesWithAttachmentsFn func(context.Context, []string) (map[string][]sources.Attachment, error)
	batchCalls                 int
}

func (f *fakeTracker) GetIssueAttachments(ctx context.Context, issueID string) ([]sources.Attachment, error) {
	if f.getIssueAttachmentsFn != nil {
		return f.getIssueAttachmentsFn(ctx, issueID)
	}
	return nil, nil
}

func (f *fakeTracker) GetIssuesWithAttachments(ctx context.Context, issueIDs []string) (map[string][]sources.Attachment, error) {
	f.batchCalls++
	if f.getIssuesWithAttachmentsFn != nil {
		return f.getIssuesWithAttachmentsFn(ctx, issueIDs)
	}
	return map[string][]sources.Attachment{}, nil
}

type fakeVCS struct {
	mu          sync.Mutex
	searchFn    func(context.Context, string, []string) ([]sources.PullRequest, error)
	detailsFn   func(context.Context, int, string) (sources.PullRequest, error)
	searches    []string
	detailCalls int
}

func (f *fakeVCS) SearchPullRequestsForIssue(ctx context.Context, identifier string, allow []string) ([]sources.PullRequest, error) {
	f.mu.Lock()
	f.searches = append(f.searches, identifier)
	f.mu.Unlock()
	if f.searchFn != nil {
		return f.searchFn(ctx, identifier, allow)
	}
	return nil, nil
}

func (f *fakeVCS) GetPullRequestDetails(ctx context.Context, number int, repository string) (sources.PullRequest, error) {
	f.mu.Lock()
	f.detailCalls++
	f.mu.Unlock()
	if f.detailsFn != nil {
		return f.detailsFn(ctx, number, repository)
	}
	return sources.PullRequest{Number: number, Repository: repository, Additions: 5, Deletions: 1, FilesChanged: 2}, nil
}

func TestScoreCapsHeuristicMatches(t *testing.T) {
	all := Candidate{Identifier: "ENG-42", PR: sources.PullRequest{
		Title:      "ENG-42 fix login",
		Body:       "This Fixes ENG-42 for real",
		BranchName: "ada/eng-42-login",
	}}
	if got := Score(all, DefaultSignals()); got != HeuristicCap {
		t.Fatalf("score = %v, want exactly %v", got, HeuristicCap)
	}

	tests := []struct {
		name string
		pr   sources.PullRequest
		want float64
	}{
		{name: "no signals", pr: sources.PullRequest{Title: "unrelated"}, want: 0.5},
		{name: "title only", pr: sources.PullRequest{Title: "[ENG-42] login"}, want: 0.8},
		{name: "title is case sensitive", pr: sources.PullRequest{Title: "eng-42 login"}, want: 0.5},
		{name: "closing keyword", pr: sources.PullRequest{Body: "resolves eng-42"}, want: 0.7},
		{name: "bare mention", pr: sources.PullRequest{Body: "related to ENG-42"}, want: 0.6},
		{name: "closing keyword needs the exact id", pr: sources.PullRequest{Body: "closes ENG-420"}, want: 0.6},
		{name: "branch", pr: sources.PullRequest{BranchName: "feature/ENG-42"}, want: 0.6},
		{name: "title and branch", pr: sources.PullRequest{Title: "ENG-42", BranchName: "eng-42"}, want: 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(Candidate{Identifier: "ENG-42", PR: tt.pr}, DefaultSignals())
			if got != tt.want {
				t.Fatalf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAttachmentLinksSkipSearch(t *testing.T) {
	tracker := &fakeTracker{getIssueAttachmentsFn: func(context.Context, string) ([]sources.Attachment, error) {
		return []sources.Attachment{
			{URL: "https://github.com/acme/api/pull/12", Title: "Fix login"},
			{URL: "https://docs.example/login-flow"},
		}, nil
	}}
	vcs := &fakeVCS{}
	e := New(Deps{Tracker: tracker, VCS: vcs}, Options{})

	prs, err := e.FindForIssue(context.Background(), IssueRef{ID: "i1", Identifier: "ENG-42"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(vcs.searches) != 0 {
		t.Fatalf("search must not run when attachments match, ran %v", vcs.searches)
	}
	if len(prs) != 1 || prs[0].Confidence != AttachmentConfidence || prs[0].MatchSource != MatchAttachment {
		t.Fatalf("prs = %+v", prs)
	}
	if prs[0].ID != "acme/api#12" || prs[0].Additions != 5 {
		t.Fatalf("attachment link should be enriched, got %+v", prs[0])
	}
}

func TestSearchRunsWithoutAttachments(t *testing.T) {
	tracker := &fakeTracker{}
	vcs := &fakeVCS{searchFn: func(context.Context, string, []string) ([]sources.PullRequest, error) {
		return []sources.PullRequest{{Number: 7, Repository: "acme/web", Title: "ENG-42: copy", Additions: 3}}, nil
	}}
	e := New(Deps{Tracker: tracker, VCS: vcs}, Options{})

	prs, err := e.FindForIssue(context.Background(), IssueRef{ID: "i1", Identifier: "ENG-42"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(vcs.searches) != 1 {
		t.Fatalf("searches = %v, want one", vcs.searches)
	}
	if len(prs) != 1 || prs[0].Confidence != 0.8 || prs[0].MatchSource != MatchSearch {
		t.Fatalf("prs = %+v", prs)
	}
	if prs[0].Confidence >= AttachmentConfidence {
		t.Fatal("search links must score below attachment links")
	}
	if vcs.detailCalls != 0 {
		t.Fatal("links with diff stats must not be re-fetched")
	}
}

func TestSearchFallsBackToTrackerID(t *testing.T) {
	vcs := &fakeVCS{searchFn: func(_ context.Context, pattern string, _ []string) ([]sources.PullRequest, error) {
		return []sources.PullRequest{{Number: 9, Repository: "acme/web", Title: pattern + " copy", Additions: 2}}, nil
	}}
	e := New(Deps{Tracker: &fakeTracker{}, VCS: vcs}, Options{})

	prs, err := e.FindForIssue(context.Background(), IssueRef{ID: "ENG-9"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(vcs.searches) != 1 || vcs.searches[0] != "ENG-9" {
		t.Fatalf("searches = %v, want the tracker id", vcs.searches)
	}
	if len(prs) != 1 || prs[0].Confidence != 0.8 {
		t.Fatalf("prs = %+v", prs)
	}
}

type fakeBranches struct{ branches []string }

func (f fakeBranches) BranchesMentioning(context.Context, string) ([]string, error) {
	return f.branches, nil
}

func TestOverlappingPatternsDedupeKeepingHigherConfidence(t *testing.T) {
	vcs := &fakeVCS{searchFn: func(_ context.Context, pattern string, _ []string) ([]sources.PullRequest, error) {
		if pattern == "ENG-42" {
			return []sources.PullRequest{{Number: 9, Repository: "acme/api", Title: "login", Body: "see ENG-42", Additions: 1}}, nil
		}
		return []sources.PullRequest{{Number: 9, Repository: "acme/api", Title: "ENG-42 login", Body: "see ENG-42", Additions: 1}}, nil
	}}
	e := New(Deps{Tracker: &fakeTracker{}, VCS: vcs, Branches: fakeBranches{branches: []string{"ada/eng-42"}}}, Options{})

	prs, err := e.FindForIssue(context.Background(), IssueRef{ID: "i1", Identifier: "ENG-42"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(vcs.searches) != 2 {
		t.Fatalf("searches = %v, want identifier and branch", vcs.searches)
	}
	if len(prs) != 1 {
		t.Fatalf("prs = %+v, want one deduplicated entry", prs)
	}
	if prs[0].Confidence != 0.9 {
		t.Fatalf("confidence = %v, want the higher 0.9", prs[0].Confidence)
	}
}

func TestAllowListFiltersBothPaths(t *testing.T) {
	tracker := &fakeTracker{getIssueAttachmentsFn: func(context.Context, string) ([]sources.Attachment, error) {
		return []sources.Attachment{{URL: "https://github.com/other/repo/pull/1"}}, nil
	}}
	vcs := &fakeVCS{searchFn: func(context.Context, string, []string) ([]sources.PullRequest, error) {
		return []sources.PullRequest{
			{Number: 2, Repository: "other/repo", Additions: 1},
			{Number: 3, Repository: "Acme/API", Additions: 1},
		}, nil
	}}
	e := New(Deps{Tracker: tracker, VCS: vcs}, Options{AllowList: AllowList{"acme/api"}})

	prs, err := e.FindForIssue(context.Background(), IssueRef{ID: "i1", Identifier: "ENG-1"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(prs) != 1 || prs[0].Number != 3 {
		t.Fatalf("prs = %+v, want only acme/api#3", prs)
	}
}

func TestUnknownIssueYieldsEmptyList(t *testing.T) {
	tracker := &fakeTracker{getIssueAttachmentsFn: func(context.Context, string) ([]sources.Attachment, error) {
		return nil, apperr.NotFound("get attachments", "no such issue")
	}}
	e := New(Deps{Tracker: tracker}, Options{})
	prs, err := e.FindForIssue(context.Background(), IssueRef{ID: "missing"})
	if err != nil || prs == nil || len(prs) != 0 {
		t.Fatalf("prs = %v, err = %v; want empty, nil", prs, err)
	}
}

func TestBatchUsesOneAttachmentLookupAndIsolatesFailures(t *testing.T) {
	tracker := &fakeTracker{getIssuesWithAttachmentsFn: func(_ context.Context, ids []string) (map[string][]sources.Attachment, error) {
		return map[string][]sources.Attachment{
			"i1": {{URL: "https://github.com/acme/api/pull/1"}},
		}, nil
	}}
	vcs := &fakeVCS{
		searchFn: func(_ context.Context, pattern string, _ []string) ([]sources.PullRequest, error) {
			if pattern == "ENG-3" {
				return nil, apperr.Transport("search", errors.New("rate limited"))
			}
			return []sources.PullRequest{{Number: 2, Repository: "acme/api", Title: pattern, Additions: 1}}, nil
		},
	}
	e := New(Deps{Tracker: tracker, VCS: vcs}, Options{Concurrency: 2})

	result, err := e.FindForIssues(context.Background(), []IssueRef{
		{ID: "i1", Identifier: "ENG-1"},
		{ID: "i2", Identifier: "ENG-2"},
		{ID: "i3", Identifier: "ENG-3"},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if tracker.batchCalls != 1 {
		t.Fatalf("attachment lookups = %d, want 1", tracker.batchCalls)
	}
	if len(vcs.searches) != 2 {
		t.Fatalf("searches = %v, want only the two unresolved issues", vcs.searches)
	}
	if prs := result.PullRequests["i1"]; len(prs) != 1 || prs[0].MatchSource != MatchAttachment {
		t.Fatalf("i1 = %+v", prs)
	}
	if prs := result.PullRequests["i2"]; len(prs) != 1 || prs[0].Confidence != 0.8 {
		t.Fatalf("i2 = %+v", prs)
	}
	if _, ok := result.PullRequests["i3"]; ok {
		t.Fatal("failed issue must not report links")
	}
	if result.Errors["i3"] == "" {
		t.Fatalf("errors = %v, want i3 recorded", result.Errors)
	}
}

func TestEnrichmentFailureKeepsLink(t *testing.T) {
	tracker := &fakeTracker{getIssueAttachmentsFn: func(context.Context, string) ([]sources.Attachment, error) {
		return []sources.Attachment{{URL: "https://github.com/acme/api/pull/4", Title: "t"}}, nil
	}}
	vcs := &fakeVCS{detailsFn: func(context.Context, int, string) (sources.PullRequest, error) {
		return sources.PullRequest{}, errors.New("timeout")
	}}
	e := New(Deps{Tracker: tracker, VCS: vcs}, Options{})
	prs, err := e.FindForIssue(context.Background(), IssueRef{ID: "i1", Identifier: "ENG-1"})
	if err != nil || len(prs) != 1 || prs[0].Title != "t" {
		t.Fatalf("prs = %+v, err = %v", prs, err)
	}
}

func TestCacheServesRepeatLookups(t *testing.T) {
	calls := 0
	tracker := &fakeTracker{getIssueAttachmentsFn: func(context.Context, string) ([]sources.Attachment, error) {
		calls++
		return []sources.Attachment{{URL: "https://github.com/acme/api/pull/4"}}, nil
	}}
	e := New(Deps{Tracker: tracker, VCS: &fakeVCS{}, Cache: cache.NewMemory()}, Options{CacheTTL: time.Minute})
	for i := 0; i < 2; i++ {
		if _, err := e.FindForIssue(context.Background(), IssueRef{ID: "i1"}); err != nil {
			t.Fatalf("find %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("tracker calls = %d, want 1", calls)
	}
}

type memoryContent struct {
	items map[string]store.UnifiedContent
}

func (m *memoryContent) GetContent(_ context.Context, id string) (store.UnifiedContent, error) {
	item, ok := m.items[id]
	if !ok {
		return store.UnifiedContent{}, apperr.NotFound("get content", id)
	}
	return item, nil
}

func (m *memoryContent) UpsertContent(_ context.Context, content store.UnifiedContent) error {
	m.items[content.ID] = content
	return nil
}

func TestPersistWritesLinkedPRsExtension(t *testing.T) {
	contents := &memoryContent{items: map[string]store.UnifiedContent{
		"issue-tracker-issue-i1": {ID: "issue-tracker-issue-i1", Title: "x"},
	}}
	e := New(Deps{Store: contents}, Options{})
	prs := []PullRequest{{ID: "acme/api#4", Number: 4, Confidence: 1}}

	if err := e.Persist(context.Background(), "issue-tracker-issue-i1", IssueRef{ID: "i1"}, prs); err != nil {
		t.Fatalf("persist: %v", err)
	}
	raw := contents.items["issue-tracker-issue-i1"].StructuredData.Extensions[LinkedPRsExtension]
	var got []PullRequest
	if err := json.Unmarshal(raw, &got); err != nil || len(got) != 1 || got[0].ID != "acme/api#4" {
		t.Fatalf("linkedPRs = %s (%v)", raw, err)
	}

	if err := e.Persist(context.Background(), "missing", IssueRef{ID: "x"}, prs); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestParsePullURL(t *testing.T) {
	tests := []struct {
		url    string
		repo   string
		number int
		ok     bool
	}{
		{"https://github.com/acme/api/pull/12", "acme/api", 12, true},
		{"https://github.com/acme/api/pull/12/files", "acme/api", 12, true},
		{"https://github.com/acme/api/issues/12", "", 0, false},
		{"http://github.com/acme/api/pull/12", "", 0, false},
		{"https://github.com/acme/api/pull/0", "", 0, false},
	}
	for _, tt := range tests {
		repo, number, ok := ParsePullURL(tt.url)
		if repo != tt.repo || number != tt.number || ok != tt.ok {
			t.Errorf("ParsePullURL(%q) = %q, %d, %v", tt.url, repo, number, ok)
		}
	}
}
