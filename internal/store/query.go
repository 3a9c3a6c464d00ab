package store

import (
	"fmt"
	"strings"

	"workweave/api/internal/apperr"
)

var timeColumns = map[TimeField]string{
	TimeFieldCreated:   "created_at",
	TimeFieldUpdated:   "updated_at",
	TimeFieldExtracted: "extracted_at",
}

var sortColumns = map[SortField]string{
	SortCreatedAt: "created_at",
	SortUpdatedAt: "updated_at",
	SortTitle:     "title",
}

// buildContentFilter compiles the predicate part of a DataQuery into a
// WHERE clause. User input only ever travels as bound arguments.
func buildContentFilter(query DataQuery) (string, []any, error) {
	var clauses []string
	var args []any

	if len(query.Sources) > 0 {
		for _, source := range query.Sources {
			if !source.Valid() {
				return "", nil, apperr.Validation("query content", fmt.Sprintf("unknown source %q", source))
			}
			args = append(args, string(source))
		}
		clauses = append(clauses, "source IN ("+placeholders(len(query.Sources))+")")
	}

	if len(query.ContentTypes) > 0 {
		for _, contentType := range query.ContentTypes {
			args = append(args, string(contentType))
		}
		clauses = append(clauses, "content_type IN ("+placeholders(len(query.ContentTypes))+")")
	}

	if tr := query.TimeRange; tr != nil {
		field := tr.Field
		if field == "" {
			field = TimeFieldUpdated
		}
		column, ok := timeColumns[field]
		if !ok {
			return "", nil, apperr.Validation("query content", fmt.Sprintf("unknown time field %q", tr.Field))
		}
		if tr.Start != nil {
			clauses = append(clauses, column+" >= ?")
			args = append(args, toMillis(*tr.Start))
		}
		if tr.End != nil {
			clauses = append(clauses, column+" <= ?")
			args = append(args, toMillis(*tr.End))
		}
	}

	if search := strings.TrimSpace(query.Search); search != "" {
		pattern := "%" + escapeLike(strings.ToLower(search)) + "%"
		clauses = append(clauses, `(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(content) LIKE ? ESCAPE '\' OR searchable_text LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}

	if len(clauses) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func buildContentOrder(query DataQuery) (string, error) {
	sortBy := query.SortBy
	if sortBy == "" {
		sortBy = SortUpdatedAt
	}
	column, ok := sortColumns[sortBy]
	if !ok {
		return "", apperr.Validation("query content", fmt.Sprintf("unknown sort field %q", query.SortBy))
	}

	direction := "DESC"
	switch query.SortOrder {
	case "", SortDesc:
	case SortAsc:
		direction = "ASC"
	default:
		return "", apperr.Validation("query content", fmt.Sprintf("unknown sort order %q", query.SortOrder))
	}
	return " ORDER BY " + column + " " + direction + ", id ASC", nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
