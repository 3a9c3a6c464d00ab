package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"workweave/api/internal/apperr"
)

const contentColumns = `id, source, content_type, title, description, url, created_at, updated_at, extracted_at,
	parent_id, child_ids, related_ids, source_metadata, content, searchable_text, keywords, structured_data`

// existsChunk bounds the IN list of a bulk existence check.
const existsChunk = 500

// UpsertContent replaces the row for content.ID in full and re-inserts the
// relationship edges derived from it.
func (s *Store) UpsertContent(ctx context.Context, content UnifiedContent) error {
	_, err := s.UpsertBatch(ctx, []UnifiedContent{content})
	return err
}

// UpsertBatch writes every item inside one transaction. It returns the ids
// whose stored fingerprint changed, which callers use to refresh derived
// indexes. Nothing is visible to readers unless the whole batch commits.
func (s *Store) UpsertBatch(ctx context.Context, contents []UnifiedContent) ([]string, error) {
	if len(contents) == 0 {
		return nil, nil
	}
	for _, content := range contents {
		if strings.TrimSpace(content.ID) == "" {
			return nil, apperr.Validation("upsert content", "content id is required")
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	var changed []string
	for _, content := range contents {
		didChange, err := s.upsertOne(ctx, tx, content)
		if err != nil {
			return nil, err
		}
		if didChange {
			changed = append(changed, content.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert tx: %w", err)
	}
	return changed, nil
}

func (s *Store) upsertOne(ctx context.Context, tx queryer, content UnifiedContent) (bool, error) {
	hash, err := Fingerprint(content)
	if err != nil {
		return false, err
	}

	var previous string
	err = tx.QueryRowContext(ctx, s.q(`SELECT content_hash FROM unified_content WHERE id=?`), content.ID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("lookup content hash %s: %w", content.ID, err)
	}

	childIDs, err := encodeJSON(content.ChildIDs)
	if err != nil {
		return false, fmt.Errorf("encode child ids: %w", err)
	}
	relatedIDs, err := encodeJSON(content.RelatedIDs)
	if err != nil {
		return false, fmt.Errorf("encode related ids: %w", err)
	}
	keywords, err := encodeJSON(content.Keywords)
	if err != nil {
		return false, fmt.Errorf("encode keywords: %w", err)
	}
	var structured sql.NullString
	if content.StructuredData != nil {
		raw, err := json.Marshal(content.StructuredData)
		if err != nil {
			return false, fmt.Errorf("encode structured data: %w", err)
		}
		structured = sql.NullString{String: string(raw), Valid: true}
	}
	metadata := "null"
	if len(content.SourceMetadata) > 0 {
		metadata = string(content.SourceMetadata)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO unified_content (`+contentColumns+`, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source = excluded.source,
			content_type = excluded.content_type,
			title = excluded.title,
			description = excluded.description,
			url = excluded.url,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			extracted_at = excluded.extracted_at,
			parent_id = excluded.parent_id,
			child_ids = excluded.child_ids,
			related_ids = excluded.related_ids,
			source_metadata = excluded.source_metadata,
			content = excluded.content,
			searchable_text = excluded.searchable_text,
			keywords = excluded.keywords,
			structured_data = excluded.structured_data,
			content_hash = excluded.content_hash
	`),
		content.ID, string(content.Source), string(content.ContentType), content.Title,
		nullString(content.Description), nullString(content.URL),
		toMillis(content.CreatedAt), toMillis(content.UpdatedAt), toMillis(content.ExtractedAt),
		nullString(content.ParentID), childIDs, relatedIDs, metadata,
		content.Content, content.SearchableText, keywords, structured, hash,
	)
	if err != nil {
		return false, fmt.Errorf("upsert content %s: %w", content.ID, err)
	}

	for _, rel := range Relationships(content) {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO content_relationships (parent_id, child_id, relationship_type)
			VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`), rel.ParentID, rel.ChildID, string(rel.RelationshipType)); err != nil {
			return false, fmt.Errorf("insert relationship %s->%s: %w", rel.ParentID, rel.ChildID, err)
		}
	}

	return previous != hash, nil
}

// Relationships derives the edges a content row implies. Edges are only
// ever added; a pointer dropped by a later extraction leaves its edge.
func Relationships(content UnifiedContent) []ContentRelationship {
	var out []ContentRelationship
	seen := map[ContentRelationship]bool{}
	add := func(rel ContentRelationship) {
		if rel.ParentID == "" || rel.ChildID == "" || rel.ParentID == rel.ChildID || seen[rel] {
			return
		}
		seen[rel] = true
		out = append(out, rel)
	}
	if content.ParentID != nil {
		add(ContentRelationship{ParentID: *content.ParentID, ChildID: content.ID, RelationshipType: RelParentChild})
	}
	for _, child := range content.ChildIDs {
		add(ContentRelationship{ParentID: content.ID, ChildID: child, RelationshipType: RelParentChild})
	}
	for _, related := range content.RelatedIDs {
		add(ContentRelationship{ParentID: content.ID, ChildID: related, RelationshipType: RelRelated})
	}
	return out
}

// Fingerprint hashes the stored representation of content, ignoring the
// local extraction time so that re-fetching an unchanged record is a no-op.
func Fingerprint(content UnifiedContent) (string, error) {
	id := content.ID
	content.ExtractedAt = time.Time{}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("fingerprint content %s: %w", id, err)
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Store) GetContent(ctx context.Context, id string) (UnifiedContent, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+contentColumns+` FROM unified_content WHERE id=?`), id)
	content, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UnifiedContent{}, apperr.NotFound("get content", fmt.Sprintf("content %q not found", id))
	}
	if err != nil {
		return UnifiedContent{}, fmt.Errorf("get content %s: %w", id, err)
	}
	return content, nil
}

// ContentExists reports which of ids already have a stored row.
func (s *Store) ContentExists(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += existsChunk {
		end := start + existsChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx, s.q(`SELECT id FROM unified_content WHERE id IN (`+placeholders(len(chunk))+`)`), args...)
		if err != nil {
			return nil, fmt.Errorf("check content exists: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan content id: %w", err)
			}
			out[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate content ids: %w", err)
		}
	}
	return out, nil
}

// QueryContent runs a filtered, sorted and paginated query. TotalCount is
// computed with the same predicate and no pagination.
func (s *Store) QueryContent(ctx context.Context, query DataQuery) (DataQueryResult, error) {
	where, args, err := buildContentFilter(query)
	if err != nil {
		return DataQueryResult{}, err
	}
	orderBy, err := buildContentOrder(query)
	if err != nil {
		return DataQueryResult{}, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM unified_content`+where), args...).Scan(&total); err != nil {
		return DataQueryResult{}, fmt.Errorf("count content: %w", err)
	}

	limit := query.Limit
	if limit < 0 {
		limit = 0
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	stmt := `SELECT ` + contentColumns + ` FROM unified_content` + where + orderBy
	pageArgs := append([]any{}, args...)
	switch {
	case limit > 0:
		stmt += ` LIMIT ? OFFSET ?`
		pageArgs = append(pageArgs, limit, offset)
	case offset > 0 && s.dialect == DialectSQLite:
		stmt += ` LIMIT -1 OFFSET ?`
		pageArgs = append(pageArgs, offset)
	case offset > 0:
		stmt += ` OFFSET ?`
		pageArgs = append(pageArgs, offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(stmt), pageArgs...)
	if err != nil {
		return DataQueryResult{}, fmt.Errorf("query content: %w", err)
	}
	defer rows.Close()

	items := []UnifiedContent{}
	for rows.Next() {
		item, err := scanContent(rows)
		if err != nil {
			return DataQueryResult{}, fmt.Errorf("scan content: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return DataQueryResult{}, fmt.Errorf("iterate content: %w", err)
	}

	return DataQueryResult{
		Items:      items,
		TotalCount: total,
		HasMore:    limit > 0 && offset+len(items) < total,
	}, nil
}

// ListRelationships returns every edge touching id, in either direction.
func (s *Store) ListRelationships(ctx context.Context, id string) ([]ContentRelationship, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT parent_id, child_id, relationship_type
		FROM content_relationships
		WHERE parent_id=? OR child_id=?
		ORDER BY relationship_type, parent_id, child_id
	`), id, id)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	out := []ContentRelationship{}
	for rows.Next() {
		var rel ContentRelationship
		var relType string
		if err := rows.Scan(&rel.ParentID, &rel.ChildID, &relType); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		rel.RelationshipType = RelationshipType(relType)
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (s *Store) ContentStats(ctx context.Context) ([]ContentCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, content_type, COUNT(*)
		FROM unified_content
		GROUP BY source, content_type
		ORDER BY source, content_type
	`)
	if err != nil {
		return nil, fmt.Errorf("content stats: %w", err)
	}
	defer rows.Close()

	out := []ContentCount{}
	for rows.Next() {
		var item ContentCount
		var source, contentType string
		if err := rows.Scan(&source, &contentType, &item.Count); err != nil {
			return nil, fmt.Errorf("scan content stats: %w", err)
		}
		item.Source = Source(source)
		item.ContentType = ContentType(contentType)
		out = append(out, item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(row rowScanner) (UnifiedContent, error) {
	var (
		content                           UnifiedContent
		source, contentType               string
		description, url, parentID        sql.NullString
		structured                        sql.NullString
		createdAt, updatedAt, extractedAt int64
		childIDs, relatedIDs, keywords    string
		metadata                          string
	)
	if err := row.Scan(
		&content.ID, &source, &contentType, &content.Title, &description, &url,
		&createdAt, &updatedAt, &extractedAt,
		&parentID, &childIDs, &relatedIDs, &metadata,
		&content.Content, &content.SearchableText, &keywords, &structured,
	); err != nil {
		return UnifiedContent{}, err
	}

	content.Source = Source(source)
	content.ContentType = ContentType(contentType)
	content.Description = stringPtr(description)
	content.URL = stringPtr(url)
	content.ParentID = stringPtr(parentID)
	content.CreatedAt = fromMillis(createdAt)
	content.UpdatedAt = fromMillis(updatedAt)
	content.ExtractedAt = fromMillis(extractedAt)

	if err := decodeJSON(childIDs, &content.ChildIDs); err != nil {
		return UnifiedContent{}, fmt.Errorf("decode child ids: %w", err)
	}
	if err := decodeJSON(relatedIDs, &content.RelatedIDs); err != nil {
		return UnifiedContent{}, fmt.Errorf("decode related ids: %w", err)
	}
	if err := decodeJSON(keywords, &content.Keywords); err != nil {
		return UnifiedContent{}, fmt.Errorf("decode keywords: %w", err)
	}
	if metadata != "" && metadata != "null" {
		content.SourceMetadata = json.RawMessage(metadata)
	}
	if structured.Valid && structured.String != "" && structured.String != "null" {
		var data StructuredData
		if err := json.Unmarshal([]byte(structured.String), &data); err != nil {
			return UnifiedContent{}, fmt.Errorf("decode structured data: %w", err)
		}
		content.StructuredData = &data
	}
	return content, nil
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeJSON(raw string, dest any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
