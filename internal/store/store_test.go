package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"workweave/api/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, dialect, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "workweave.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := ApplyMigrations(ctx, db, dialect); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return New(db, dialect)
}

func strPtr(v string) *string { return &v }

func sampleIssue(id, title string, updated time.Time) UnifiedContent {
	estimate := 3.0
	return UnifiedContent{
		ID:             id,
		Source:         SourceIssueTracker,
		ContentType:    TypeIssue,
		Title:          title,
		Description:    strPtr("body of " + title),
		URL:            strPtr("https://tracker.example/" + id),
		CreatedAt:      updated.Add(-time.Hour),
		UpdatedAt:      updated,
		ExtractedAt:    updated.Add(time.Minute),
		Content:        "body of " + title,
		SearchableText: strings.ToLower(title),
		Keywords:       []string{"eng-1"},
		SourceMetadata: json.RawMessage(`{"identifier":"ENG-1"}`),
		StructuredData: &StructuredData{
			Status:   "Done",
			Estimate: &estimate,
			Labels:   []string{"bug"},
			Project:  &NamedRef{ID: "p1", Name: "Platform"},
		},
	}
}

func TestUpsertContentReplacesRowInFull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := sampleIssue("issue-tracker-issue-1", "First title", base)
	first.ParentID = strPtr("issue-tracker-project-p1")
	if err := s.UpsertContent(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := sampleIssue("issue-tracker-issue-1", "Second title", base.Add(24*time.Hour))
	second.Description = nil
	second.StructuredData = nil
	second.SourceMetadata = nil
	if err := s.UpsertContent(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetContent(ctx, second.ID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if got.Title != "Second title" {
		t.Fatalf("title = %q, want Second title", got.Title)
	}
	if got.Description != nil {
		t.Fatalf("description = %v, want nil after full replace", *got.Description)
	}
	if got.StructuredData != nil {
		t.Fatalf("structured data should be cleared, got %+v", got.StructuredData)
	}
	if got.SourceMetadata != nil {
		t.Fatalf("source metadata should be cleared, got %s", got.SourceMetadata)
	}
	if got.ParentID != nil {
		t.Fatalf("parent id should be cleared, got %v", *got.ParentID)
	}
	if !got.UpdatedAt.Equal(second.UpdatedAt) {
		t.Fatalf("updatedAt = %v, want %v", got.UpdatedAt, second.UpdatedAt)
	}

	result, err := s.QueryContent(ctx, DataQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.TotalCount != 1 {
		t.Fatalf("total = %d, want 1", result.TotalCount)
	}
}

func TestGetContentRoundTripsStructuredFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	item := sampleIssue("issue-tracker-issue-7", "Round trip", time.Date(2026, 2, 3, 4, 5, 6, 7_000_000, time.UTC))
	item.ChildIDs = []string{"issue-tracker-issue-8"}
	if err := s.UpsertContent(ctx, item); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetContent(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StructuredData == nil || got.StructuredData.Estimate == nil || *got.StructuredData.Estimate != 3 {
		t.Fatalf("estimate not preserved: %+v", got.StructuredData)
	}
	if got.StructuredData.Project == nil || got.StructuredData.Project.Name != "Platform" {
		t.Fatalf("project not preserved: %+v", got.StructuredData.Project)
	}
	if string(got.SourceMetadata) != `{"identifier":"ENG-1"}` {
		t.Fatalf("metadata = %s", got.SourceMetadata)
	}
	if len(got.ChildIDs) != 1 || got.ChildIDs[0] != "issue-tracker-issue-8" {
		t.Fatalf("child ids = %v", got.ChildIDs)
	}
	if got.RelatedIDs != nil {
		t.Fatalf("related ids = %v, want nil", got.RelatedIDs)
	}
	if !got.CreatedAt.Equal(item.CreatedAt) || !got.ExtractedAt.Equal(item.ExtractedAt) {
		t.Fatalf("timestamps not preserved: %v %v", got.CreatedAt, got.ExtractedAt)
	}
}

func TestGetContentMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetContent(context.Background(), "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRelationshipsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	item := sampleIssue("issue-tracker-project-p1", "Project", time.Now().UTC())
	item.ContentType = TypeProject
	item.ChildIDs = []string{"issue-tracker-issue-1", "issue-tracker-issue-2", "issue-tracker-issue-1"}
	item.RelatedIDs = []string{"document-store-page-9"}

	for i := 0; i < 3; i++ {
		if err := s.UpsertContent(ctx, item); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	rels, err := s.ListRelationships(ctx, item.ID)
	if err != nil {
		t.Fatalf("list relationships: %v", err)
	}
	if len(rels) != 3 {
		t.Fatalf("relationships = %d (%v), want 3", len(rels), rels)
	}
	related := 0
	for _, rel := range rels {
		if rel.RelationshipType == RelRelated {
			related++
		}
	}
	if related != 1 {
		t.Fatalf("related edges = %d, want 1", related)
	}
}

func TestUpsertBatchReportsChangedIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := sampleIssue("issue-tracker-issue-a", "A", base)
	b := sampleIssue("issue-tracker-issue-b", "B", base)

	changed, err := s.UpsertBatch(ctx, []UnifiedContent{a, b})
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("changed = %v, want both", changed)
	}

	a.ExtractedAt = a.ExtractedAt.Add(time.Hour)
	b.Title = "B renamed"
	changed, err = s.UpsertBatch(ctx, []UnifiedContent{a, b})
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(changed) != 1 || changed[0] != b.ID {
		t.Fatalf("changed = %v, want only %s", changed, b.ID)
	}
}

func TestUpsertBatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	good := sampleIssue("issue-tracker-issue-good", "Good", time.Now().UTC())
	bad := sampleIssue("", "Bad", time.Now().UTC())

	if _, err := s.UpsertBatch(ctx, []UnifiedContent{good, bad}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	exists, err := s.ContentExists(ctx, []string{good.ID})
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists[good.ID] {
		t.Fatal("partial batch must not be visible")
	}
}

func seedIssues(t *testing.T, s *Store, n int) {
	t.Helper()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	items := make([]UnifiedContent, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, sampleIssue(fmt.Sprintf("issue-tracker-issue-%02d", i), fmt.Sprintf("Issue %02d", i), base.Add(time.Duration(i)*time.Hour)))
	}
	if _, err := s.UpsertBatch(context.Background(), items); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestQueryContentPagination(t *testing.T) {
	s := newTestStore(t)
	seedIssues(t, s, 25)
	ctx := context.Background()

	tail, err := s.QueryContent(ctx, DataQuery{Limit: 10, Offset: 20})
	if err != nil {
		t.Fatalf("query tail: %v", err)
	}
	if len(tail.Items) != 5 || tail.TotalCount != 25 || tail.HasMore {
		t.Fatalf("tail = %d items, total %d, hasMore %v", len(tail.Items), tail.TotalCount, tail.HasMore)
	}

	head, err := s.QueryContent(ctx, DataQuery{Limit: 10})
	if err != nil {
		t.Fatalf("query head: %v", err)
	}
	if len(head.Items) != 10 || !head.HasMore {
		t.Fatalf("head = %d items, hasMore %v", len(head.Items), head.HasMore)
	}
	if head.Items[0].ID != "issue-tracker-issue-24" {
		t.Fatalf("default sort should be newest first, got %s", head.Items[0].ID)
	}

	all, err := s.QueryContent(ctx, DataQuery{Offset: 20})
	if err != nil {
		t.Fatalf("query without limit: %v", err)
	}
	if len(all.Items) != 5 || all.HasMore {
		t.Fatalf("offset-only = %d items, hasMore %v", len(all.Items), all.HasMore)
	}
}

func TestQueryContentFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	issue := sampleIssue("issue-tracker-issue-1", "Fix 100% of login_bugs", base)
	page := sampleIssue("document-store-page-1", "Runbook", base.Add(48*time.Hour))
	page.Source = SourceDocumentStore
	page.ContentType = TypePage
	page.Content = "How to restart"
	page.SearchableText = "runbook how to restart"
	if _, err := s.UpsertBatch(ctx, []UnifiedContent{issue, page}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tests := []struct {
		name  string
		query DataQuery
		want  []string
	}{
		{name: "source", query: DataQuery{Sources: []Source{SourceDocumentStore}}, want: []string{page.ID}},
		{name: "content type", query: DataQuery{ContentTypes: []ContentType{TypeIssue}}, want: []string{issue.ID}},
		{name: "search is case insensitive", query: DataQuery{Search: "RESTART"}, want: []string{page.ID}},
		{name: "percent is literal", query: DataQuery{Search: "100%"}, want: []string{issue.ID}},
		{name: "underscore matches itself", query: DataQuery{Search: "n_b"}, want: []string{issue.ID}},
		{name: "underscore is not a wildcard", query: DataQuery{Search: "n_o"}, want: nil},
		{name: "wildcard does not match", query: DataQuery{Search: "%"}, want: []string{issue.ID}},
		{name: "injection is data", query: DataQuery{Search: "' OR 1=1 --"}, want: nil},
		{name: "time range inclusive", query: DataQuery{TimeRange: &TimeRange{Field: TimeFieldUpdated, Start: &base, End: &base}}, want: []string{issue.ID}},
		{name: "title asc", query: DataQuery{SortBy: SortTitle, SortOrder: SortAsc}, want: []string{issue.ID, page.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.QueryContent(ctx, tt.query)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			var got []string
			for _, item := range result.Items {
				got = append(got, item.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("ids = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryContentRejectsUnknownSort(t *testing.T) {
	s := newTestStore(t)
	_, err := s.QueryContent(context.Background(), DataQuery{SortBy: "priority; DROP TABLE unified_content"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSyncRecordsWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	none, err := s.LastSuccessfulSync(ctx, SourceIssueTracker)
	if err != nil {
		t.Fatalf("last sync: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no watermark, got %v", none)
	}

	ok := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	failed := ok.Add(time.Hour)
	if _, err := s.RecordSyncAttempt(ctx, SyncRecord{Source: SourceIssueTracker, SyncTime: ok, Success: true, ItemsProcessed: 4}); err != nil {
		t.Fatalf("record ok: %v", err)
	}
	if _, err := s.RecordSyncAttempt(ctx, SyncRecord{Source: SourceIssueTracker, SyncTime: failed, Success: false, Errors: []string{"boom"}}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	mark, err := s.LastSuccessfulSync(ctx, SourceIssueTracker)
	if err != nil {
		t.Fatalf("last sync: %v", err)
	}
	if mark == nil || !mark.Equal(ok) {
		t.Fatalf("watermark = %v, want %v", mark, ok)
	}

	records, err := s.ListSyncRecords(ctx, SourceIssueTracker, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].Success || len(records[0].Errors) != 1 || records[0].Errors[0] != "boom" {
		t.Fatalf("records = %+v", records)
	}
}

func TestContentStatsCountsPerSourceAndType(t *testing.T) {
	s := newTestStore(t)
	seedIssues(t, s, 3)
	stats, err := s.ContentStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 1 || stats[0].Count != 3 || stats[0].ContentType != TypeIssue {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRebindPostgres(t *testing.T) {
	got := rebind(DialectPostgres, `SELECT * FROM t WHERE a=? AND b IN (?, ?)`)
	want := `SELECT * FROM t WHERE a=$1 AND b IN ($2, $3)`
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	if rebind(DialectSQLite, "a=?") != "a=?" {
		t.Fatal("sqlite queries must be left alone")
	}
}

func TestPostgresUpsertRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("WORKWEAVE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("WORKWEAVE_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, dialect, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()
	if err := ApplyMigrations(ctx, db, dialect); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := New(db, dialect)

	id := "issue-tracker-issue-pg-" + fmt.Sprint(time.Now().UnixNano())
	item := sampleIssue(id, "Postgres", time.Now().UTC().Truncate(time.Millisecond))
	if err := s.UpsertContent(ctx, item); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	item.Title = "Postgres again"
	if err := s.UpsertContent(ctx, item); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := s.GetContent(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Postgres again" {
		t.Fatalf("title = %q", got.Title)
	}
}
