// Package search keeps a keyword index over unified content and answers
// queries from it, falling back to the content store when the index is
// unavailable.
package search

import (
	"context"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"

	"workweave/api/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

type Backend string

const (
	BackendIndex Backend = "meilisearch"
	BackendStore Backend = "store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string            `json:"id"`
	Source      store.Source      `json:"source"`
	ContentType store.ContentType `json:"contentType"`
	Title       string            `json:"title"`
	Snippet     string            `json:"snippet"`
	URL         string            `json:"url,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Query describes a search request.
type Query struct {
	Text         string              `json:"text"`
	Sources      []store.Source      `json:"sources,omitempty"`
	ContentTypes []store.ContentType `json:"contentTypes,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
	Offset       int                 `json:"offset,omitempty"`
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultLimit
	case q.Limit > maxLimit:
		return maxLimit
	}
	return q.Limit
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend Backend  `json:"backend"`
}

// Searcher can execute a keyword search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a Searcher that can also be written to.
type Index interface {
	Searcher
	Upsert(ctx context.Context, records []Record) error
	Count(ctx context.Context) (int, error)
}

// Record is the indexed projection of a UnifiedContent row. Content ids
// may hold characters the index rejects in primary keys, so Key is a hash
// of the id.
type Record struct {
	Key            string   `json:"key"`
	ID             string   `json:"id"`
	Source         string   `json:"source"`
	ContentType    string   `json:"contentType"`
	Title          string   `json:"title"`
	Content        string   `json:"content"`
	SearchableText string   `json:"searchableText"`
	Keywords       []string `json:"keywords"`
	URL            string   `json:"url,omitempty"`
	UpdatedAt      int64    `json:"updatedAt"`
}

const maxIndexedContent = 4000

func RecordFor(c store.UnifiedContent) Record {
	r := Record{
		Key:            RecordKey(c.ID),
		ID:             c.ID,
		Source:         string(c.Source),
		ContentType:    string(c.ContentType),
		Title:          c.Title,
		Content:        truncate(c.Content, maxIndexedContent),
		SearchableText: truncate(c.SearchableText, maxIndexedContent),
		Keywords:       c.Keywords,
		UpdatedAt:      c.UpdatedAt.UnixMilli(),
	}
	if r.Keywords == nil {
		r.Keywords = []string{}
	}
	if c.URL != nil {
		r.URL = *c.URL
	}
	return r
}

func RecordKey(id string) string {
	sum := blake2b.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}

// truncate cuts at a rune boundary at or below max bytes.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && s[max]&0xC0 == 0x80 {
		max--
	}
	return s[:max]
}
