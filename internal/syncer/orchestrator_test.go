package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"workweave/api/internal/cache"
	"workweave/api/internal/sources"
	"workweave/api/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(db, dialect)
}

type fakeExtractor struct {
	source      store.Source
	incremental bool
	extractFn   func(context.Context, *time.Time) (Extraction, error)

	mu    sync.Mutex
	calls []*time.Time
}

func (f *fakeExtractor) Source() store.Source { return f.source }
func (f *fakeExtractor) SupportsIncremental() bool { return f.incremental }
func (f *fakeExtractor) Extract(ctx context.Context, since *time.Time) (Extraction, error) {
	f.mu.Lock()
	f.calls = append(f.calls, since)
	f.mu.Unlock()
	return f.extractFn(ctx, since)
}

func item(source store.Source, id, title string) store.UnifiedContent {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	return store.UnifiedContent{
		ID:          id,
		Source:      source,
		ContentType: store.TypeIssue,
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExtractedAt: now,
	}
}

type recordingIndexer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingIndexer) IndexContent(_ context.Context, items []store.UnifiedContent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		r.ids = append(r.ids, it.ID)
	}
}

func TestSyncClassifiesAddedAndUpdated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.UpsertContent(ctx, item(store.SourceIssueTracker, "issue-tracker-issue-1", "old")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ext := &fakeExtractor{source: store.SourceIssueTracker, extractFn: func(context.Context, *time.Time) (Extraction, error) {
		return Extraction{Items: []store.UnifiedContent{
			item(store.SourceIssueTracker, "issue-tracker-issue-1", "new"),
			item(store.SourceIssueTracker, "issue-tracker-issue-2", "fresh"),
		}}, nil
	}}
	indexer := &recordingIndexer{}
	o := New(Deps{Store: st, Indexer: indexer}, Options{}, ext)

	res, err := o.SyncSource(ctx, store.SourceIssueTracker, false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Success || res.ItemsProcessed != 2 || res.ItemsAdded != 1 || res.ItemsUpdated != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Changed != 2 || len(indexer.ids) != 2 {
		t.Fatalf("changed = %d, indexed = %v", res.Changed, indexer.ids)
	}
	got, err := st.GetContent(ctx, "issue-tracker-issue-1")
	if err != nil || got.Title != "new" {
		t.Fatalf("content = %+v, %v", got, err)
	}
	if o.State(store.SourceIssueTracker) != StateIdle {
		t.Fatalf("state = %s, want idle", o.State(store.SourceIssueTracker))
	}
}

func TestSyncUsesWatermarkForIncrementalExtractors(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ext := &fakeExtractor{source: store.SourceIssueTracker, incremental: true, extractFn: func(context.Context, *time.Time) (Extraction, error) {
		return Extraction{}, nil
	}}
	o := New(Deps{Store: st}, Options{}, ext)
	first := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return first }

	res, _ := o.SyncSource(ctx, store.SourceIssueTracker, false)
	if res.Mode != store.SyncModeFull || ext.calls[0] != nil {
		t.Fatalf("first sync should be full, got mode %s since %v", res.Mode, ext.calls[0])
	}

	o.now = func() time.Time { return first.Add(time.Hour) }
	res, _ = o.SyncSource(ctx, store.SourceIssueTracker, false)
	if res.Mode != store.SyncModeIncremental || ext.calls[1] == nil || !ext.calls[1].Equal(first) {
		t.Fatalf("second sync = mode %s since %v, want incremental from %v", res.Mode, ext.calls[1], first)
	}

	res, _ = o.SyncSource(ctx, store.SourceIssueTracker, true)
	if res.Mode != store.SyncModeFull || ext.calls[2] != nil {
		t.Fatalf("forced sync should be full, got %s", res.Mode)
	}
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	failing := &fakeExtractor{source: store.SourceVersionControl, extractFn: func(context.Context, *time.Time) (Extraction, error) {
		return Extraction{}, errors.New("upstream 503")
	}}
	working := &fakeExtractor{source: store.SourceDocumentStore, extractFn: func(context.Context, *time.Time) (Extraction, error) {
		return Extraction{
			Items:  []store.UnifiedContent{item(store.SourceDocumentStore, "document-store-page-1", "Runbook")},
			Errors: []string{`page "": normalize page: source record has no id`},
		}, nil
	}}
	o := New(Deps{Store: st}, Options{Parallelism: 2}, failing, working)

	results := o.SyncAll(ctx, false)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Source != store.SourceVersionControl || results[0].Success {
		t.Fatalf("failing result = %+v", results[0])
	}
	if len(results[0].Errors) != 1 || !strings.Contains(results[0].Errors[0], "upstream 503") {
		t.Fatalf("failing errors = %v", results[0].Errors)
	}
	if !results[1].Success || results[1].ItemsAdded != 1 || len(results[1].Errors) != 1 {
		t.Fatalf("working result = %+v", results[1])
	}

	records, err := st.ListSyncRecords(ctx, "", 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want one per source", len(records))
	}
	mark, _ := st.LastSuccessfulSync(ctx, store.SourceVersionControl)
	if mark != nil {
		t.Fatal("failed sync must not advance the watermark")
	}
}

func TestStateMachineTransitions(t *testing.T) {
	st := newTestStore(t)
	ext := &fakeExtractor{source: store.SourceIssueTracker, extractFn: func(context.Context, *time.Time) (Extraction, error) {
		return Extraction{}, errors.New("boom")
	}}
	o := New(Deps{Store: st}, Options{}, ext)
	var seen []string
	o.OnTransition(func(_ store.Source, from, to State) {
		seen = append(seen, string(from)+">"+string(to))
	})

	if _, err := o.SyncSource(context.Background(), store.SourceIssueTracker, false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	want := "idle>running,running>failed,failed>idle"
	if strings.Join(seen, ",") != want {
		t.Fatalf("transitions = %v, want %s", seen, want)
	}
	if status := o.Status(store.SourceIssueTracker); status.LastOutcome != StateFailed || status.LastRunAt == nil {
		t.Fatalf("status = %+v", status)
	}
}

func TestConcurrentRunForSameSourceIsRejected(t *testing.T) {
	st := newTestStore(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	ext := &fakeExtractor{source: store.SourceIssueTracker, extractFn: func(ctx context.Context, _ *time.Time) (Extraction, error) {
		close(entered)
		<-release
		return Extraction{}, nil
	}}
	o := New(Deps{Store: st}, Options{}, ext)

	done := make(chan Result)
	go func() {
		res, _ := o.SyncSource(context.Background(), store.SourceIssueTracker, false)
		done <- res
	}()
	<-entered
	if o.State(store.SourceIssueTracker) != StateRunning {
		t.Fatalf("state = %s, want running", o.State(store.SourceIssueTracker))
	}

	second, _ := o.SyncSource(context.Background(), store.SourceIssueTracker, false)
	if second.Success || len(second.Errors) != 1 || !strings.Contains(second.Errors[0], ErrAlreadyRunning.Error()) {
		t.Fatalf("second = %+v", second)
	}
	close(release)
	if first := <-done; !first.Success {
		t.Fatalf("first = %+v", first)
	}
}

func TestUnknownSourceIsValidationError(t *testing.T) {
	o := New(Deps{Store: newTestStore(t)}, Options{})
	if _, err := o.SyncSource(context.Background(), store.SourceDocumentStore, false); err == nil {
		t.Fatal("expected error for unregistered source")
	}
}

func TestExtractionCacheHonoursTTL(t *testing.T) {
	st := newTestStore(t)
	calls := 0
	ext := &fakeExtractor{source: store.SourceDocumentStore, extractFn: func(context.Context, *time.Time) (Extraction, error) {
		calls++
		return Extraction{Items: []store.UnifiedContent{item(store.SourceDocumentStore, "document-store-page-1", "p")}}, nil
	}}
	o := New(Deps{Store: st, Cache: cache.NewMemory()}, Options{ExtractionTTL: time.Minute}, ext)

	for i := 0; i < 2; i++ {
		if res, _ := o.SyncSource(context.Background(), store.SourceDocumentStore, false); !res.Success {
			t.Fatalf("sync %d: %+v", i, res)
		}
	}
	if calls != 1 {
		t.Fatalf("extract calls = %d, want 1 (second served from cache)", calls)
	}
	if res, _ := o.SyncSource(context.Background(), store.SourceDocumentStore, true); !res.Success || calls != 2 {
		t.Fatalf("forced sync must bypass the cache, calls = %d", calls)
	}
}

type fakeTracker struct {
	sources.UnconfiguredTracker
	issues []sources.Issue
	since  *time.Time
}

func (f *fakeTracker) ListIssues(_ context.Context, since *time.Time) ([]sources.Issue, error) {
	f.since = since
	return f.issues, nil
}
func (f *fakeTracker) ListProjects(context.Context) ([]sources.Project, error) {
	return []sources.Project{{ID: "p1", Name: "Auth"}}, nil
}
func (f *fakeTracker) ListTeams(context.Context) ([]sources.Team, error) { return nil, nil }
func (f *fakeTracker) ListCycles(context.Context) ([]sources.Cycle, error) {
	return []sources.Cycle{{ID: "c1", Number: 3}}, nil
}

func TestTrackerExtractorSkipsInvalidIssues(t *testing.T) {
	tracker := &fakeTracker{issues: []sources.Issue{
		{ID: "i1", Identifier: "ENG-1", Title: "ok"},
		{Identifier: "ENG-2", Title: "no id"},
	}}
	ext := NewTrackerExtractor(tracker)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	out, err := ext.Extract(context.Background(), &since)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if tracker.since == nil || !tracker.since.Equal(since) {
		t.Fatalf("watermark not passed through: %v", tracker.since)
	}
	if len(out.Items) != 3 {
		t.Fatalf("items = %d, want project, cycle and one issue", len(out.Items))
	}
	if len(out.Errors) != 1 || !strings.Contains(out.Errors[0], "ENG-2") {
		t.Fatalf("errors = %v", out.Errors)
	}
}
