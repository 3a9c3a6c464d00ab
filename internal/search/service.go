package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"workweave/api/internal/logger"
	"workweave/api/internal/store"
)

const (
	reindexPageSize = 500
	indexTimeout    = 30 * time.Second
	snippetLength   = 200
	maxRetryRecords = 10000
)

type ContentQuerier interface {
	QueryContent(ctx context.Context, q store.DataQuery) (store.DataQueryResult, error)
}

// Service is the facade that tries the index first and falls back to the
// content store's substring query.
type Service struct {
	index   Index
	store   ContentQuerier
	logger  *logger.Logger
	pending sync.WaitGroup

	// retry holds records from failed pushes, keyed by Record.Key. The
	// store has already committed their fingerprints, so no later sync
	// would resend them.
	mu    sync.Mutex
	retry map[string]Record
}

// NewService creates a search service. index may be nil when no index is
// configured.
func NewService(index Index, content ContentQuerier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{index: index, store: content, logger: log}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search answers from the index when it is healthy. An index failure falls
// back to the store; a store failure is returned to the caller.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendIndex}, nil
		}
		s.logger.Warn("search index error, falling back to store", "error", err)
	}

	results, total, err := s.searchStore(ctx, q)
	if err != nil {
		return Response{}, fmt.Errorf("search store: %w", err)
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendStore}, nil
}

func (s *Service) searchStore(ctx context.Context, q Query) ([]Result, int, error) {
	if s.store == nil || q.Text == "" {
		return nil, 0, nil
	}
	res, err := s.store.QueryContent(ctx, store.DataQuery{
		Sources:      q.Sources,
		ContentTypes: q.ContentTypes,
		Search:       q.Text,
		Limit:        q.limit(),
		Offset:       q.Offset,
	})
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(res.Items))
	for _, item := range res.Items {
		r := Result{
			ID:          item.ID,
			Source:      item.Source,
			ContentType: item.ContentType,
			Title:       item.Title,
			Snippet:     snippet(item.Content, q.Text),
			UpdatedAt:   item.UpdatedAt,
		}
		if item.URL != nil {
			r.URL = *item.URL
		}
		results = append(results, r)
	}
	return results, res.TotalCount, nil
}

// snippet returns text around the first case-insensitive match.
func snippet(content, text string) string {
	content = strings.Join(strings.Fields(content), " ")
	if len(content) <= snippetLength {
		return content
	}
	start := 0
	if i := strings.Index(strings.ToLower(content), strings.ToLower(text)); i > snippetLength/2 {
		start = i - snippetLength/2
		for start > 0 && content[start]&0xC0 == 0x80 {
			start--
		}
	}
	return strings.TrimSpace(truncate(content[start:], snippetLength))
}

// IndexContent pushes changed rows to the index without blocking the caller.
// Records from earlier failed pushes ride along; a failed push is kept for
// the next call.
func (s *Service) IndexContent(ctx context.Context, items []store.UnifiedContent) {
	if !s.indexReady() || len(items) == 0 {
		return
	}
	records := s.withRetries(items)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), indexTimeout)
		defer cancel()
		if err := s.index.Upsert(ctx, records); err != nil {
			s.logger.Warn("index content failed", "items", len(records), "error", err)
			s.keepForRetry(records)
		}
	}()
}

// withRetries drains the retry buffer into a batch with the new rows. A new
// row replaces a buffered record with the same key.
func (s *Service) withRetries(items []store.UnifiedContent) []Record {
	s.mu.Lock()
	buffered := s.retry
	s.retry = nil
	s.mu.Unlock()

	records := make([]Record, 0, len(items)+len(buffered))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		r := RecordFor(item)
		seen[r.Key] = struct{}{}
		records = append(records, r)
	}
	for key, r := range buffered {
		if _, ok := seen[key]; !ok {
			records = append(records, r)
		}
	}
	return records
}

// keepForRetry buffers records from a failed push. Records queued by a
// newer failure are not overwritten.
func (s *Service) keepForRetry(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry == nil {
		s.retry = make(map[string]Record, len(records))
	}
	dropped := 0
	for _, r := range records {
		if _, ok := s.retry[r.Key]; ok {
			continue
		}
		if len(s.retry) >= maxRetryRecords {
			dropped++
			continue
		}
		s.retry[r.Key] = r
	}
	if dropped > 0 {
		s.logger.Warn("index retry buffer full", "dropped", dropped, "limit", maxRetryRecords)
	}
}

// PendingRetries reports how many records wait for a successful push.
func (s *Service) PendingRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retry)
}

// Wait blocks until in-flight index writes finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

// ReindexAll pushes every stored row into an empty index. It is a no-op
// when the index is unavailable or already populated.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	if !s.indexReady() || s.store == nil {
		return 0, nil
	}
	count, err := s.index.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	indexed := 0
	q := store.DataQuery{SortBy: store.SortCreatedAt, SortOrder: store.SortAsc, Limit: reindexPageSize}
	for {
		page, err := s.store.QueryContent(ctx, q)
		if err != nil {
			return indexed, err
		}
		records := make([]Record, len(page.Items))
		for i, item := range page.Items {
			records[i] = RecordFor(item)
		}
		if err := s.index.Upsert(ctx, records); err != nil {
			return indexed, err
		}
		indexed += len(records)
		if !page.HasMore || len(page.Items) == 0 {
			break
		}
		q.Offset += len(page.Items)
	}
	s.logger.Info("search index rebuilt", "items", indexed)
	return indexed, nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
