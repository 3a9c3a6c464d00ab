package report

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"workweave/api/internal/apperr"
	"workweave/api/internal/logger"
	"workweave/api/internal/store"
	"workweave/api/internal/telemetry"
)

type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
)

const (
	defaultWindow          = 7 * 24 * time.Hour
	defaultTopContributors = 5
	newsletterPageSize     = 200
	newsletterMaxItems     = 5000
)

type NewsletterOptions struct {
	Title           string         `json:"title,omitempty"`
	Since           time.Time      `json:"since"`
	Until           time.Time      `json:"until"`
	Sources         []store.Source `json:"sources,omitempty"`
	Formats         []Format       `json:"formats,omitempty"`
	TopContributors int            `json:"topContributors,omitempty"`
	Archive         bool           `json:"archive,omitempty"`
	// Recipients receive the rendered newsletter by email.
	Recipients []string `json:"recipients,omitempty"`
}

type NewsletterItem struct {
	ID          string            `json:"id"`
	Source      store.Source      `json:"source"`
	ContentType store.ContentType `json:"contentType"`
	Title       string            `json:"title"`
	URL         string            `json:"url,omitempty"`
	People      []string          `json:"people,omitempty"`
	At          time.Time         `json:"at"`
}

type Section struct {
	Source store.Source              `json:"source"`
	Total  int                       `json:"total"`
	ByType map[store.ContentType]int `json:"byType"`
}

type Contributor struct {
	Name       string `json:"name"`
	Activities int    `json:"activities"`
}

type Newsletter struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title"`
	Since              time.Time        `json:"since"`
	Until              time.Time        `json:"until"`
	GeneratedAt        time.Time        `json:"generatedAt"`
	Sections           []Section        `json:"sections"`
	CompletedIssues    []NewsletterItem `json:"completedIssues"`
	MergedPullRequests []NewsletterItem `json:"mergedPullRequests"`
	UpdatedPages       []NewsletterItem `json:"updatedPages"`
	TopContributors    []Contributor    `json:"topContributors"`
	Highlights         []string         `json:"highlights"`
	Markdown           string           `json:"markdown,omitempty"`
	HTML               string           `json:"html,omitempty"`
	PDF                []byte           `json:"-"`
	ArchiveKeys        []string         `json:"archiveKeys,omitempty"`
	DeliveredTo        []string         `json:"deliveredTo,omitempty"`
	// Truncated is set when the window held more updates than one
	// newsletter reads; the digest covers only the most recent ones.
	Truncated bool `json:"truncated,omitempty"`
}

type ContentQuerier interface {
	QueryContent(ctx context.Context, q store.DataQuery) (store.DataQueryResult, error)
}

// PDFRenderer turns rendered HTML into a PDF document.
type PDFRenderer interface {
	RenderPDF(ctx context.Context, html string) ([]byte, error)
}

// Archiver stores rendered newsletters under a key.
type Archiver interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Mailer delivers an HTML message with a plain text alternative.
type Mailer interface {
	SendHTML(ctx context.Context, to []string, subject, text, html string) error
}

type NewsletterService struct {
	content  ContentQuerier
	pdf      PDFRenderer
	archive  Archiver
	mailer   Mailer
	logger   *logger.Logger
	tracer   trace.Tracer
	now      func() time.Time
	maxItems int
}

func NewNewsletterService(q ContentQuerier, pdf PDFRenderer, archive Archiver, log *logger.Logger, tracer trace.Tracer) *NewsletterService {
	if log == nil {
		log = logger.Nop()
	}
	return &NewsletterService{
		content:  q,
		pdf:      pdf,
		archive:  archive,
		logger:   log,
		tracer:   tracer,
		now:      time.Now,
		maxItems: newsletterMaxItems,
	}
}

// WithMailer enables email delivery.
func (s *NewsletterService) WithMailer(m Mailer) *NewsletterService {
	s.mailer = m
	return s
}

// Generate builds a digest of everything updated in [Since, Until).
func (s *NewsletterService) Generate(ctx context.Context, opts NewsletterOptions) (Newsletter, error) {
	opts, err := s.resolve(opts)
	if err != nil {
		return Newsletter{}, err
	}
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "report.newsletter")
	defer span.End()

	items, truncated, err := s.collect(ctx, opts)
	if err != nil {
		return Newsletter{}, err
	}
	span.SetAttributes(telemetry.AttrItems.Int(len(items)))

	n := BuildNewsletter(opts, items)
	n.Truncated = truncated
	n.ID = uuid.NewString()
	n.GeneratedAt = s.now().UTC()

	if err := s.render(ctx, &n, opts.Formats); err != nil {
		return Newsletter{}, err
	}
	if opts.Archive {
		if err := s.archiveOutputs(ctx, &n); err != nil {
			return Newsletter{}, err
		}
	}
	if len(opts.Recipients) > 0 {
		if err := s.mailer.SendHTML(ctx, opts.Recipients, n.Title, n.Markdown, n.HTML); err != nil {
			return Newsletter{}, apperr.Transport("deliver newsletter", err)
		}
		n.DeliveredTo = opts.Recipients
	}
	s.logger.Info("newsletter generated",
		"newsletter_id", n.ID,
		"items", len(items),
		"completed_issues", len(n.CompletedIssues),
		"merged_pull_requests", len(n.MergedPullRequests),
		"truncated", n.Truncated,
	)
	return n, nil
}

func (s *NewsletterService) resolve(opts NewsletterOptions) (NewsletterOptions, error) {
	if s.content == nil {
		return opts, apperr.Configuration("generate newsletter", "content store is not configured")
	}
	if opts.Until.IsZero() {
		opts.Until = s.now()
	}
	if opts.Since.IsZero() {
		opts.Since = opts.Until.Add(-defaultWindow)
	}
	opts.Since, opts.Until = opts.Since.UTC(), opts.Until.UTC()
	if !opts.Since.Before(opts.Until) {
		return opts, apperr.Validation("generate newsletter", "since must be before until")
	}
	for _, source := range opts.Sources {
		if !source.Valid() {
			return opts, apperr.Validation("generate newsletter", fmt.Sprintf("unknown source %q", source))
		}
	}
	if len(opts.Formats) == 0 {
		opts.Formats = []Format{FormatMarkdown, FormatHTML}
	}
	for _, f := range opts.Formats {
		switch f {
		case FormatMarkdown, FormatHTML:
		case FormatPDF:
			if s.pdf == nil {
				return opts, apperr.Configuration("generate newsletter", "pdf rendering is not configured")
			}
		default:
			return opts, apperr.Validation("generate newsletter", fmt.Sprintf("unknown format %q", f))
		}
	}
	if opts.Archive && s.archive == nil {
		return opts, apperr.Configuration("generate newsletter", "newsletter archive is not configured")
	}
	if len(opts.Recipients) > 0 {
		if s.mailer == nil {
			return opts, apperr.Configuration("generate newsletter", "email delivery is not configured")
		}
		opts.Formats = withFormats(opts.Formats, FormatMarkdown, FormatHTML)
	}
	if opts.TopContributors <= 0 {
		opts.TopContributors = defaultTopContributors
	}
	if strings.TrimSpace(opts.Title) == "" {
		opts.Title = fmt.Sprintf("Activity %s to %s", opts.Since.Format("Jan 2"), opts.Until.Format("Jan 2, 2006"))
	}
	return opts, nil
}

func withFormats(formats []Format, required ...Format) []Format {
	out := append([]Format(nil), formats...)
	for _, f := range required {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// collect pages through the store, newest first, up to maxItems rows. The
// store range is inclusive, so rows updated exactly at Until are dropped
// here. truncated reports that rows were left unread.
func (s *NewsletterService) collect(ctx context.Context, opts NewsletterOptions) (items []store.UnifiedContent, truncated bool, err error) {
	since, until := opts.Since, opts.Until
	q := store.DataQuery{
		Sources:   opts.Sources,
		TimeRange: &store.TimeRange{Field: store.TimeFieldUpdated, Start: &since, End: &until},
		SortBy:    store.SortUpdatedAt,
		SortOrder: store.SortDesc,
		Limit:     newsletterPageSize,
	}
	for {
		if remaining := s.maxItems - q.Offset; remaining < q.Limit {
			q.Limit = remaining
		}
		page, err := s.content.QueryContent(ctx, q)
		if err != nil {
			return nil, false, fmt.Errorf("query newsletter content: %w", err)
		}
		for _, item := range page.Items {
			if item.UpdatedAt.Before(until) {
				items = append(items, item)
			}
		}
		q.Offset += len(page.Items)
		if !page.HasMore || len(page.Items) == 0 {
			return items, false, nil
		}
		if q.Offset >= s.maxItems {
			s.logger.Warn("newsletter content capped", "max_items", s.maxItems, "total", page.TotalCount)
			return items, true, nil
		}
	}
}

// BuildNewsletter groups content into sections. Output ordering is fixed so
// identical input renders identically.
func BuildNewsletter(opts NewsletterOptions, items []store.UnifiedContent) Newsletter {
	n := Newsletter{
		Title:              opts.Title,
		Since:              opts.Since,
		Until:              opts.Until,
		Sections:           []Section{},
		CompletedIssues:    []NewsletterItem{},
		MergedPullRequests: []NewsletterItem{},
		UpdatedPages:       []NewsletterItem{},
		TopContributors:    []Contributor{},
		Highlights:         []string{},
	}
	inWindow := func(t *time.Time) bool {
		return t != nil && !t.Before(opts.Since) && t.Before(opts.Until)
	}

	sections := map[store.Source]*Section{}
	activity := map[string]int{}
	for _, item := range items {
		sec, ok := sections[item.Source]
		if !ok {
			sec = &Section{Source: item.Source, ByType: map[store.ContentType]int{}}
			sections[item.Source] = sec
		}
		sec.Total++
		sec.ByType[item.ContentType]++

		data := item.StructuredData
		if data == nil {
			data = &store.StructuredData{}
		}
		switch item.ContentType {
		case store.TypeIssue:
			if inWindow(data.CompletedAt) {
				n.CompletedIssues = append(n.CompletedIssues, newsItem(item, *data.CompletedAt))
				countPeople(activity, data.Assignees)
			}
		case store.TypePullRequest:
			if inWindow(data.MergedAt) {
				n.MergedPullRequests = append(n.MergedPullRequests, newsItem(item, *data.MergedAt))
				countPeople(activity, data.Assignees)
			}
		case store.TypeCommit:
			countPeople(activity, data.Assignees)
		case store.TypePage, store.TypeDocument, store.TypeTable:
			n.UpdatedPages = append(n.UpdatedPages, newsItem(item, item.UpdatedAt))
			countPeople(activity, data.Assignees)
		}
	}

	for _, sec := range sections {
		n.Sections = append(n.Sections, *sec)
	}
	sort.Slice(n.Sections, func(i, j int) bool { return n.Sections[i].Source < n.Sections[j].Source })
	for _, list := range [][]NewsletterItem{n.CompletedIssues, n.MergedPullRequests, n.UpdatedPages} {
		sortItems(list)
	}

	for name, count := range activity {
		n.TopContributors = append(n.TopContributors, Contributor{Name: name, Activities: count})
	}
	sort.Slice(n.TopContributors, func(i, j int) bool {
		a, b := n.TopContributors[i], n.TopContributors[j]
		if a.Activities != b.Activities {
			return a.Activities > b.Activities
		}
		return a.Name < b.Name
	})
	if len(n.TopContributors) > opts.TopContributors {
		n.TopContributors = n.TopContributors[:opts.TopContributors]
	}

	n.Highlights = highlights(n, len(items))
	return n
}

func newsItem(c store.UnifiedContent, at time.Time) NewsletterItem {
	item := NewsletterItem{ID: c.ID, Source: c.Source, ContentType: c.ContentType, Title: c.Title, At: at.UTC()}
	if c.URL != nil {
		item.URL = *c.URL
	}
	if c.StructuredData != nil {
		for _, p := range c.StructuredData.Assignees {
			if p.Name != "" {
				item.People = append(item.People, p.Name)
			}
		}
	}
	return item
}

func countPeople(activity map[string]int, people []store.Person) {
	for _, p := range people {
		if name := strings.TrimSpace(p.Name); name != "" {
			activity[name]++
		}
	}
}

func sortItems(items []NewsletterItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].At.Equal(items[j].At) {
			return items[i].At.After(items[j].At)
		}
		return items[i].ID < items[j].ID
	})
}

func highlights(n Newsletter, total int) []string {
	if total == 0 {
		return []string{"No activity in this period."}
	}
	out := []string{fmt.Sprintf("%s updated across %s.", plural(total, "item"), plural(len(n.Sections), "source"))}
	if c := len(n.CompletedIssues); c > 0 {
		out = append(out, fmt.Sprintf("%s completed.", plural(c, "issue")))
	}
	if c := len(n.MergedPullRequests); c > 0 {
		out = append(out, fmt.Sprintf("%s merged.", plural(c, "pull request")))
	}
	if c := len(n.UpdatedPages); c > 0 {
		out = append(out, fmt.Sprintf("%s updated.", plural(c, "document")))
	}
	if len(n.TopContributors) > 0 {
		top := n.TopContributors[0]
		out = append(out, fmt.Sprintf("Most active: %s (%s).", top.Name, plural(top.Activities, "activity")))
	}
	return out
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	if strings.HasSuffix(noun, "y") {
		return fmt.Sprintf("%d %sies", n, strings.TrimSuffix(noun, "y"))
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func (s *NewsletterService) render(ctx context.Context, n *Newsletter, formats []Format) error {
	want := map[Format]bool{}
	for _, f := range formats {
		want[f] = true
	}
	if want[FormatMarkdown] {
		n.Markdown = RenderMarkdown(*n)
	}
	if !want[FormatHTML] && !want[FormatPDF] {
		return nil
	}
	html, err := RenderHTML(*n)
	if err != nil {
		return fmt.Errorf("render newsletter html: %w", err)
	}
	if want[FormatHTML] {
		n.HTML = html
	}
	if want[FormatPDF] {
		pdf, err := s.pdf.RenderPDF(ctx, html)
		if err != nil {
			return fmt.Errorf("render newsletter pdf: %w", err)
		}
		n.PDF = pdf
	}
	return nil
}

func (s *NewsletterService) archiveOutputs(ctx context.Context, n *Newsletter) error {
	prefix := fmt.Sprintf("newsletters/%s/%s", n.Until.Format("2006-01-02"), n.ID)
	outputs := []struct {
		ext, contentType string
		data             []byte
	}{
		{"md", "text/markdown; charset=utf-8", []byte(n.Markdown)},
		{"html", "text/html; charset=utf-8", []byte(n.HTML)},
		{"pdf", "application/pdf", n.PDF},
	}
	for _, out := range outputs {
		if len(out.data) == 0 {
			continue
		}
		key := prefix + "." + out.ext
		if err := s.archive.Put(ctx, key, out.data, out.contentType); err != nil {
			return fmt.Errorf("archive newsletter %s: %w", key, err)
		}
		n.ArchiveKeys = append(n.ArchiveKeys, key)
	}
	return nil
}
