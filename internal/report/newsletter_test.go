package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"workweave/api/internal/apperr"
	"workweave/api/internal/store"
)

type fakeQuerier struct {
	items   []store.UnifiedContent
	queries []store.DataQuery
}

// QueryContent pages over items, ignoring filters other than limit/offset.
func (f *fakeQuerier) QueryContent(_ context.Context, q store.DataQuery) (store.DataQueryResult, error) {
	f.queries = append(f.queries, q)
	end := q.Offset + q.Limit
	if end > len(f.items) {
		end = len(f.items)
	}
	page := f.items[q.Offset:end]
	return store.DataQueryResult{Items: page, TotalCount: len(f.items), HasMore: end < len(f.items)}, nil
}

type fakeArchive struct{ keys map[string]string }

func (f *fakeArchive) Put(_ context.Context, key string, data []byte, contentType string) error {
	f.keys[key] = contentType
	return nil
}

type fakePDF struct{ html string }

func (f *fakePDF) RenderPDF(_ context.Context, html string) ([]byte, error) {
	f.html = html
	return []byte("%PDF-1.4"), nil
}

var (
	since = time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC)
	until = since.Add(7 * 24 * time.Hour)
)

func at(days int) time.Time { return since.Add(time.Duration(days) * 24 * time.Hour) }

func newsletterFixture() []store.UnifiedContent {
	link := "https://github.com/acme/api/pull/3"
	return []store.UnifiedContent{
		{ID: "issue-1", Source: store.SourceIssueTracker, ContentType: store.TypeIssue, Title: "Fix login", UpdatedAt: at(2),
			StructuredData: &store.StructuredData{CompletedAt: ptr(at(2)), Assignees: []store.Person{{Name: "Ada"}}}},
		{ID: "issue-2", Source: store.SourceIssueTracker, ContentType: store.TypeIssue, Title: "Still open", UpdatedAt: at(3)},
		{ID: "issue-3", Source: store.SourceIssueTracker, ContentType: store.TypeIssue, Title: "Done before window", UpdatedAt: at(1),
			StructuredData: &store.StructuredData{CompletedAt: ptr(since.Add(-time.Hour))}},
		{ID: "pr-3", Source: store.SourceVersionControl, ContentType: store.TypePullRequest, Title: "Login [fix]", URL: &link, UpdatedAt: at(4),
			StructuredData: &store.StructuredData{MergedAt: ptr(at(4)), Assignees: []store.Person{{Name: "Ada"}}}},
		{ID: "commit-1", Source: store.SourceVersionControl, ContentType: store.TypeCommit, Title: "wip", UpdatedAt: at(4),
			StructuredData: &store.StructuredData{Assignees: []store.Person{{Name: "Grace"}}}},
		{ID: "page-1", Source: store.SourceDocumentStore, ContentType: store.TypePage, Title: "Runbook <b>", UpdatedAt: at(5)},
		{ID: "late", Source: store.SourceDocumentStore, ContentType: store.TypePage, Title: "At until", UpdatedAt: until},
	}
}

func TestBuildNewsletterSections(t *testing.T) {
	opts := NewsletterOptions{Title: "Weekly", Since: since, Until: until, TopContributors: 5}
	n := BuildNewsletter(opts, newsletterFixture()[:6])

	if len(n.Sections) != 3 || n.Sections[0].Source != store.SourceDocumentStore {
		t.Fatalf("sections = %+v", n.Sections)
	}
	if len(n.CompletedIssues) != 1 || n.CompletedIssues[0].ID != "issue-1" {
		t.Fatalf("completed = %+v", n.CompletedIssues)
	}
	if len(n.MergedPullRequests) != 1 || n.MergedPullRequests[0].URL == "" {
		t.Fatalf("merged = %+v", n.MergedPullRequests)
	}
	if len(n.UpdatedPages) != 1 {
		t.Fatalf("pages = %+v", n.UpdatedPages)
	}
	if len(n.TopContributors) != 2 || n.TopContributors[0] != (Contributor{Name: "Ada", Activities: 2}) {
		t.Fatalf("contributors = %+v", n.TopContributors)
	}
	if n.Highlights[0] != "6 items updated across 3 sources." || n.Highlights[len(n.Highlights)-1] != "Most active: Ada (2 activities)." {
		t.Fatalf("highlights = %q", n.Highlights)
	}
}

func TestBuildNewsletterEmpty(t *testing.T) {
	n := BuildNewsletter(NewsletterOptions{Since: since, Until: until}, nil)
	if len(n.Highlights) != 1 || n.Sections == nil || n.CompletedIssues == nil {
		t.Fatalf("newsletter = %+v", n)
	}
}

func TestGenerateRendersAndArchives(t *testing.T) {
	q := &fakeQuerier{items: newsletterFixture()}
	archive := &fakeArchive{keys: map[string]string{}}
	pdf := &fakePDF{}
	svc := NewNewsletterService(q, pdf, archive, nil, nil)

	n, err := svc.Generate(context.Background(), NewsletterOptions{
		Since:   since,
		Until:   until,
		Formats: []Format{FormatMarkdown, FormatHTML, FormatPDF},
		Archive: true,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if n.ID == "" || n.Title != "Activity Apr 6 to Apr 13, 2026" {
		t.Fatalf("id = %q title = %q", n.ID, n.Title)
	}
	if n.Sections[0].Total != 1 {
		t.Fatalf("rows updated exactly at until must be excluded: %+v", n.Sections)
	}
	if !strings.Contains(n.Markdown, "[Login \\[fix\\]](https://github.com/acme/api/pull/3) (Ada)") {
		t.Fatalf("markdown = %s", n.Markdown)
	}
	if !strings.Contains(n.HTML, "Runbook &lt;b&gt;") {
		t.Fatalf("html must escape titles: %s", n.HTML)
	}
	if pdf.html != n.HTML || string(n.PDF) != "%PDF-1.4" {
		t.Fatal("pdf should be rendered from the html output")
	}
	if len(archive.keys) != 3 || len(n.ArchiveKeys) != 3 {
		t.Fatalf("archived = %v", archive.keys)
	}
	if ct := archive.keys["newsletters/2026-04-13/"+n.ID+".pdf"]; ct != "application/pdf" {
		t.Fatalf("pdf archive content type = %q", ct)
	}

	rng := q.queries[0].TimeRange
	if rng.Field != store.TimeFieldUpdated || !rng.Start.Equal(since) || !rng.End.Equal(until) {
		t.Fatalf("query range = %+v", rng)
	}
}

func TestGeneratePagesThroughStore(t *testing.T) {
	var items []store.UnifiedContent
	for i := 0; i < newsletterPageSize+10; i++ {
		items = append(items, store.UnifiedContent{ID: "x", Source: store.SourceIssueTracker, ContentType: store.TypeIssue, UpdatedAt: at(1)})
	}
	q := &fakeQuerier{items: items}
	n, err := NewNewsletterService(q, nil, nil, nil, nil).Generate(context.Background(), NewsletterOptions{Since: since, Until: until})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(q.queries) != 2 || n.Sections[0].Total != newsletterPageSize+10 {
		t.Fatalf("queries = %d, total = %d", len(q.queries), n.Sections[0].Total)
	}
	if n.Truncated {
		t.Fatal("a fully read window must not be marked truncated")
	}
}

func TestGenerateMarksCappedDigest(t *testing.T) {
	var items []store.UnifiedContent
	for i := 0; i < 2*newsletterPageSize; i++ {
		items = append(items, store.UnifiedContent{ID: "x", Source: store.SourceIssueTracker, ContentType: store.TypeIssue, UpdatedAt: at(1)})
	}
	q := &fakeQuerier{items: items}
	svc := NewNewsletterService(q, nil, nil, nil, nil)
	svc.maxItems = newsletterPageSize + 50

	n, err := svc.Generate(context.Background(), NewsletterOptions{Since: since, Until: until})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !n.Truncated {
		t.Fatal("expected the digest to be marked truncated")
	}
	if n.Sections[0].Total != newsletterPageSize+50 {
		t.Fatalf("total = %d, want %d", n.Sections[0].Total, newsletterPageSize+50)
	}
	if last := q.queries[len(q.queries)-1]; last.Limit != 50 || last.Offset != newsletterPageSize {
		t.Fatalf("last query = limit %d offset %d", last.Limit, last.Offset)
	}
}

func TestGenerateValidation(t *testing.T) {
	svc := NewNewsletterService(&fakeQuerier{}, nil, nil, nil, nil)
	tests := []struct {
		name string
		opts NewsletterOptions
		kind apperr.Kind
	}{
		{"inverted window", NewsletterOptions{Since: until, Until: since}, apperr.KindValidation},
		{"unknown source", NewsletterOptions{Sources: []store.Source{"jira"}}, apperr.KindValidation},
		{"unknown format", NewsletterOptions{Formats: []Format{"docx"}}, apperr.KindValidation},
		{"pdf without renderer", NewsletterOptions{Formats: []Format{FormatPDF}}, apperr.KindConfiguration},
		{"archive without bucket", NewsletterOptions{Archive: true}, apperr.KindConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Generate(context.Background(), tt.opts); apperr.KindOf(err) != tt.kind {
				t.Fatalf("kind = %v (%v), want %v", apperr.KindOf(err), err, tt.kind)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := percentEncodeForDataURL(tt.input); got != tt.expected {
			t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

type fakeMailer struct {
	to            []string
	subject, text string
	html          string
	err           error
}

func (f *fakeMailer) SendHTML(_ context.Context, to []string, subject, text, html string) error {
	f.to, f.subject, f.text, f.html = to, subject, text, html
	return f.err
}

func TestGenerateDeliversByEmail(t *testing.T) {
	mailer := &fakeMailer{}
	svc := NewNewsletterService(&fakeQuerier{items: newsletterFixture()}, nil, nil, nil, nil).WithMailer(mailer)

	n, err := svc.Generate(context.Background(), NewsletterOptions{
		Title:      "Weekly",
		Since:      since,
		Until:      until,
		Formats:    []Format{FormatMarkdown},
		Recipients: []string{"team@example.com"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if mailer.subject != "Weekly" || mailer.text != n.Markdown || mailer.html == "" || mailer.html != n.HTML {
		t.Fatalf("mail subject = %q, html rendered = %v", mailer.subject, mailer.html != "")
	}
	if len(n.DeliveredTo) != 1 {
		t.Fatalf("delivered to = %v", n.DeliveredTo)
	}

	mailer.err = errors.New("connection refused")
	_, err = svc.Generate(context.Background(), NewsletterOptions{Since: since, Until: until, Recipients: []string{"team@example.com"}})
	if apperr.KindOf(err) != apperr.KindTransport {
		t.Fatalf("delivery failure kind = %v", apperr.KindOf(err))
	}

	noMail := NewNewsletterService(&fakeQuerier{}, nil, nil, nil, nil)
	_, err = noMail.Generate(context.Background(), NewsletterOptions{Since: since, Until: until, Recipients: []string{"team@example.com"}})
	if apperr.KindOf(err) != apperr.KindConfiguration {
		t.Fatalf("unconfigured delivery kind = %v", apperr.KindOf(err))
	}
}
