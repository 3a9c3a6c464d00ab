package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"workweave/api/internal/logger"
	"workweave/api/internal/store"
)

const (
	idxContent     = "workweave_content"
	healthInterval = 10 * time.Second
)

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *logger.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the content index.
// An unreachable server is not an error; the index reports unhealthy until
// the background check sees it recover.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	if log == nil {
		log = logger.Nop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: log,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxContent, PrimaryKey: "key"}); err != nil {
		m.logger.Debug("create search index (may already exist)", "index", idxContent, "error", err)
	}

	index := m.client.Index(idxContent)
	filterable := []interface{}{"source", "contentType", "updatedAt"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxContent, "error", err)
	}
	searchable := []string{"title", "keywords", "searchableText", "content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxContent, "error", err)
	}
	sortable := []string{"updatedAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn("update sortable attributes", "index", idxContent, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}

	req := &meili.SearchRequest{
		IndexUID:              idxContent,
		Query:                 q.Text,
		Limit:                 int64(q.limit()),
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"title", "content"},
		AttributesToCrop:      []string{"content"},
		CropLength:            30,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filter := buildFilter(q); filter != "" {
		req.Filter = filter
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{req}})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// buildFilter renders source and type restrictions. Values come from
// validated enums but are still quoted.
func buildFilter(q Query) string {
	var clauses []string
	if len(q.Sources) > 0 {
		values := make([]string, len(q.Sources))
		for i, s := range q.Sources {
			values[i] = fmt.Sprintf("%q", s)
		}
		clauses = append(clauses, "source IN ["+strings.Join(values, ", ")+"]")
	}
	if len(q.ContentTypes) > 0 {
		values := make([]string, len(q.ContentTypes))
		for i, t := range q.ContentTypes {
			values[i] = fmt.Sprintf("%q", t)
		}
		clauses = append(clauses, "contentType IN ["+strings.Join(values, ", ")+"]")
	}
	return strings.Join(clauses, " AND ")
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:          decodeString(hit, "id"),
		Source:      store.Source(decodeString(hit, "source")),
		ContentType: store.ContentType(decodeString(hit, "contentType")),
		URL:         decodeString(hit, "url"),
	}
	r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content"))
	if raw, ok := hit["updatedAt"]; ok {
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil {
			r.UpdatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// Upsert adds or replaces records. The index primary key is set when the
// index is created.
func (m *Meili) Upsert(_ context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if !m.healthy.Load() {
		return errUnhealthy
	}
	_, err := m.client.Index(idxContent).AddDocuments(records, nil)
	return err
}

// Count is the number of documents the index reports for an empty query.
func (m *Meili) Count(_ context.Context) (int, error) {
	if !m.healthy.Load() {
		return 0, errUnhealthy
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{{
		IndexUID: idxContent,
		Limit:    1,
	}}})
	if err != nil {
		return 0, fmt.Errorf("meilisearch count: %w", err)
	}
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
	}
	return total, nil
}
