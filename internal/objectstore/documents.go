package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"workweave/api/internal/normalize"
	"workweave/api/internal/sources"
	"workweave/api/internal/store"
	"workweave/api/internal/syncer"
)

const (
	DefaultDocumentPrefix = "documents/"
	maxDocumentSize       = 8 << 20
)

// Documents extracts pages and tables exported as JSON objects. Each
// object carries a "kind" of "page" or "table" next to the record fields.
type Documents struct {
	bucket Bucket
	prefix string
	now    func() time.Time
}

func NewDocuments(bucket Bucket, prefix string) *Documents {
	if prefix == "" {
		prefix = DefaultDocumentPrefix
	}
	return &Documents{bucket: bucket, prefix: prefix, now: time.Now}
}

func (d *Documents) Source() store.Source { return store.SourceDocumentStore }

func (d *Documents) SupportsIncremental() bool { return true }

type envelope struct {
	Kind string `json:"kind"`
}

// Extract reads every JSON object under the prefix. With since set only
// objects modified at or after it are fetched. Objects that fail to load or
// decode are reported as skipped items.
func (d *Documents) Extract(ctx context.Context, since *time.Time) (syncer.Extraction, error) {
	objects, err := d.bucket.List(ctx, d.prefix)
	if err != nil {
		return syncer.Extraction{}, err
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	nctx := normalize.Context{ExtractedAt: d.now().UTC()}
	var out syncer.Extraction
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return syncer.Extraction{}, err
		}
		if !strings.EqualFold(path.Ext(obj.Key), ".json") {
			continue
		}
		if since != nil && obj.LastModified.Before(*since) {
			continue
		}
		if obj.Size > maxDocumentSize {
			out.Errors = append(out.Errors, fmt.Sprintf("object %s: exceeds %d bytes", obj.Key, maxDocumentSize))
			continue
		}
		data, err := d.bucket.Get(ctx, obj.Key)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("object %s: %v", obj.Key, err))
			continue
		}
		content, err := decodeDocument(data, obj, nctx)
		if err != nil {
			err = fmt.Errorf("object %s: %w", obj.Key, err)
		}
		out.Add(content, err)
	}
	return out, nil
}

func decodeDocument(data []byte, obj Object, nctx normalize.Context) (store.UnifiedContent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return store.UnifiedContent{}, fmt.Errorf("decode: %w", err)
	}
	switch strings.ToLower(env.Kind) {
	case "page":
		var page sources.Page
		if err := json.Unmarshal(data, &page); err != nil {
			return store.UnifiedContent{}, fmt.Errorf("decode page: %w", err)
		}
		page.CreatedAt, page.UpdatedAt = stamps(page.CreatedAt, page.UpdatedAt, obj.LastModified)
		return normalize.Page(page, nctx)
	case "table":
		var table sources.Table
		if err := json.Unmarshal(data, &table); err != nil {
			return store.UnifiedContent{}, fmt.Errorf("decode table: %w", err)
		}
		table.CreatedAt, table.UpdatedAt = stamps(table.CreatedAt, table.UpdatedAt, obj.LastModified)
		return normalize.Table(table, nctx)
	default:
		return store.UnifiedContent{}, fmt.Errorf("unknown document kind %q", env.Kind)
	}
}

// stamps fills missing record times from the object's modification time.
func stamps(created, updated, modified time.Time) (time.Time, time.Time) {
	if updated.IsZero() {
		updated = modified
	}
	if created.IsZero() {
		created = updated
	}
	return created, updated
}
