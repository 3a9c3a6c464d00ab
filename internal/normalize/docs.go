package normalize

import (
	"sort"
	"strings"

	"workweave/api/internal/sources"
	"workweave/api/internal/store"
)

func Page(page sources.Page, nctx Context) (store.UnifiedContent, error) {
	if err := requireID("normalize page", page.ID); err != nil {
		return store.UnifiedContent{}, err
	}

	data := &store.StructuredData{Labels: page.Tags}
	var authorName string
	if page.Author != nil {
		authorName = page.Author.Name
		data.Assignees = []store.Person{{ID: page.Author.ID, Name: page.Author.Name, Email: page.Author.Email}}
	}
	var parentID *string
	if page.ParentID != "" {
		id := store.ContentID(store.SourceDocumentStore, store.TypePage, page.ParentID)
		parentID = &id
	}

	return store.UnifiedContent{
		ID:             store.ContentID(store.SourceDocumentStore, store.TypePage, page.ID),
		Source:         store.SourceDocumentStore,
		ContentType:    store.TypePage,
		Title:          page.Title,
		Description:    optional(firstLine(page.Body)),
		URL:            optional(page.URL),
		CreatedAt:      page.CreatedAt.UTC(),
		UpdatedAt:      page.UpdatedAt.UTC(),
		ExtractedAt:    nctx.ExtractedAt.UTC(),
		ParentID:       parentID,
		SourceMetadata: metadata(map[string]any{"path": page.Path}),
		Content:        page.Body,
		SearchableText: SearchableText(page.Title, page.Body, strings.Join(page.Path, " "), authorName, strings.Join(page.Tags, " ")),
		Keywords:       keywords(append([]string{page.Title}, page.Tags...)...),
		StructuredData: data,
	}, nil
}

// Table renders rows as "column: value" lines so the body is searchable.
// Columns missing from Columns are appended in sorted order.
func Table(table sources.Table, nctx Context) (store.UnifiedContent, error) {
	if err := requireID("normalize table", table.ID); err != nil {
		return store.UnifiedContent{}, err
	}

	columns := tableColumns(table)
	var body strings.Builder
	for _, row := range table.Rows {
		cells := make([]string, 0, len(columns))
		for _, column := range columns {
			if value, ok := row[column]; ok && value != "" {
				cells = append(cells, column+": "+value)
			}
		}
		body.WriteString(strings.Join(cells, "; "))
		body.WriteString("\n")
	}
	content := strings.TrimRight(body.String(), "\n")
	var parentID *string
	if table.ParentID != "" {
		id := store.ContentID(store.SourceDocumentStore, store.TypePage, table.ParentID)
		parentID = &id
	}

	return store.UnifiedContent{
		ID:             store.ContentID(store.SourceDocumentStore, store.TypeTable, table.ID),
		Source:         store.SourceDocumentStore,
		ContentType:    store.TypeTable,
		Title:          table.Title,
		URL:            optional(table.URL),
		CreatedAt:      table.CreatedAt.UTC(),
		UpdatedAt:      table.UpdatedAt.UTC(),
		ExtractedAt:    nctx.ExtractedAt.UTC(),
		ParentID:       parentID,
		SourceMetadata: metadata(map[string]any{"columns": columns, "rowCount": len(table.Rows)}),
		Content:        content,
		SearchableText: SearchableText(table.Title, strings.Join(columns, " "), content),
		Keywords:       keywords(append([]string{table.Title}, columns...)...),
	}, nil
}

func tableColumns(table sources.Table) []string {
	columns := append([]string{}, table.Columns...)
	known := map[string]bool{}
	for _, column := range columns {
		known[column] = true
	}
	var extra []string
	for _, row := range table.Rows {
		for column := range row {
			if !known[column] {
				known[column] = true
				extra = append(extra, column)
			}
		}
	}
	sort.Strings(extra)
	return append(columns, extra...)
}
