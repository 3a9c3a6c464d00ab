package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var newsletterTemplate = template.Must(
	template.New("newsletter.html").Funcs(template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"join": strings.Join,
	}).ParseFS(templateFS, "templates/newsletter.html"),
)

// RenderHTML renders the newsletter page; all text is escaped.
func RenderHTML(n Newsletter) (string, error) {
	var buf bytes.Buffer
	if err := newsletterTemplate.Execute(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func RenderMarkdown(n Newsletter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", n.Title)
	fmt.Fprintf(&b, "_%s to %s_\n\n", n.Since.Format("Jan 2, 2006"), n.Until.Format("Jan 2, 2006"))

	b.WriteString("## Highlights\n\n")
	for _, h := range n.Highlights {
		fmt.Fprintf(&b, "- %s\n", h)
	}

	if len(n.Sections) > 0 {
		b.WriteString("\n## Sources\n\n| Source | Items |\n|---|---|\n")
		for _, sec := range n.Sections {
			fmt.Fprintf(&b, "| %s | %d |\n", sec.Source, sec.Total)
		}
	}
	writeItems(&b, "Completed issues", n.CompletedIssues)
	writeItems(&b, "Merged pull requests", n.MergedPullRequests)
	writeItems(&b, "Updated documents", n.UpdatedPages)

	if len(n.TopContributors) > 0 {
		b.WriteString("\n## Top contributors\n\n")
		for i, c := range n.TopContributors {
			fmt.Fprintf(&b, "%d. %s (%d)\n", i+1, c.Name, c.Activities)
		}
	}
	return b.String()
}

func writeItems(b *strings.Builder, heading string, items []NewsletterItem) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", heading)
	for _, item := range items {
		title := escapeMarkdown(item.Title)
		if item.URL != "" {
			title = fmt.Sprintf("[%s](%s)", title, item.URL)
		}
		if len(item.People) > 0 {
			fmt.Fprintf(b, "- %s (%s)\n", title, strings.Join(item.People, ", "))
			continue
		}
		fmt.Fprintf(b, "- %s\n", title)
	}
}

var markdownEscaper = strings.NewReplacer(`[`, `\[`, `]`, `\]`, "\n", " ")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
