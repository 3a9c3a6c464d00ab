// Package syncer drives source extractors and reconciles their output into
// the content store, one independent run per source.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"workweave/api/internal/apperr"
	"workweave/api/internal/cache"
	"workweave/api/internal/logger"
	"workweave/api/internal/store"
	"workweave/api/internal/telemetry"
)

const (
	defaultParallelism   = 2
	defaultSourceTimeout = 5 * time.Minute
)

// ErrAlreadyRunning is reported when a source is asked to sync while a
// previous run for it has not finished.
var ErrAlreadyRunning = errors.New("sync already running")

// Extraction is the output of one extractor call. Errors holds per-record
// failures that were skipped; the remaining Items are still reconciled.
type Extraction struct {
	Items  []store.UnifiedContent `json:"items"`
	Errors []string               `json:"errors"`
}

type Extractor interface {
	Source() store.Source
	SupportsIncremental() bool
	// Extract returns every record, or only those updated at or after
	// since when since is non-nil.
	Extract(ctx context.Context, since *time.Time) (Extraction, error)
}

type ContentStore interface {
	LastSuccessfulSync(ctx context.Context, source store.Source) (*time.Time, error)
	ContentExists(ctx context.Context, ids []string) (map[string]bool, error)
	UpsertBatch(ctx context.Context, contents []store.UnifiedContent) ([]string, error)
	RecordSyncAttempt(ctx context.Context, record store.SyncRecord) (store.SyncRecord, error)
}

// Indexer receives rows whose stored fingerprint changed.
type Indexer interface {
	IndexContent(ctx context.Context, items []store.UnifiedContent)
}

type Options struct {
	Parallelism   int           `yaml:"parallelism"`
	SourceTimeout time.Duration `yaml:"source_timeout"`
	// Force ignores watermarks and performs full extractions.
	Force bool `yaml:"-"`
	// ExtractionTTL caches extraction output keyed by source, mode and
	// watermark. Zero disables the cache.
	ExtractionTTL time.Duration `yaml:"extraction_ttl"`
}

type Deps struct {
	Store   ContentStore
	Cache   cache.Cache
	Indexer Indexer
	Logger  *logger.Logger
	Tracer  trace.Tracer
}

// Result is the outcome of one source run. It carries the sync record
// that was written plus the number of rows whose content changed.
type Result struct {
	store.SyncRecord
	Changed int `json:"changed"`
}

type Orchestrator struct {
	deps       Deps
	opts       Options
	extractors map[store.Source]Extractor
	order      []store.Source
	states     *stateTable
	now        func() time.Time
}

func New(deps Deps, opts Options, extractors ...Extractor) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = defaultSourceTimeout
	}
	o := &Orchestrator{
		deps:       deps,
		opts:       opts,
		extractors: map[store.Source]Extractor{},
		states:     newStateTable(),
		now:        time.Now,
	}
	for _, extractor := range extractors {
		o.Register(extractor)
	}
	return o
}

// Register adds or replaces the extractor for its source.
func (o *Orchestrator) Register(extractor Extractor) {
	source := extractor.Source()
	if _, ok := o.extractors[source]; !ok {
		o.order = append(o.order, source)
	}
	o.extractors[source] = extractor
}

func (o *Orchestrator) Sources() []store.Source {
	return append([]store.Source(nil), o.order...)
}

func (o *Orchestrator) State(source store.Source) State {
	return o.states.get(source).State
}

func (o *Orchestrator) Status(source store.Source) SourceStatus {
	return o.states.get(source)
}

// OnTransition registers a hook called on every state change. fn runs
// with the state lock held and must not call back into the Orchestrator.
func (o *Orchestrator) OnTransition(fn func(source store.Source, from, to State)) {
	o.states.setHook(fn)
}

// SyncSource runs one source. The error is non-nil only when no extractor
// is registered for source; run failures are reported in the Result.
func (o *Orchestrator) SyncSource(ctx context.Context, source store.Source, force bool) (Result, error) {
	extractor, ok := o.extractors[source]
	if !ok {
		return Result{}, apperr.Validation("sync source", fmt.Sprintf("no extractor registered for %q", source))
	}
	return o.run(ctx, extractor, force || o.opts.Force), nil
}

// SyncAll runs every registered source with bounded parallelism. A failing
// source never stops the others; results follow registration order.
func (o *Orchestrator) SyncAll(ctx context.Context, force bool) []Result {
	results := make([]Result, len(o.order))
	var g errgroup.Group
	g.SetLimit(o.opts.Parallelism)
	for i, source := range o.order {
		i, extractor := i, o.extractors[source]
		g.Go(func() error {
			results[i] = o.run(ctx, extractor, force || o.opts.Force)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) run(ctx context.Context, extractor Extractor, force bool) Result {
	source := extractor.Source()
	log := o.deps.Logger.With("source", source)
	started := o.now()

	if !o.states.begin(source) {
		log.Warn("sync skipped, previous run still active")
		return Result{SyncRecord: store.SyncRecord{
			Source:   source,
			SyncTime: started,
			Success:  false,
			Errors:   []string{fmt.Sprintf("%s: %s", ErrAlreadyRunning, source)},
		}}
	}

	ctx, span := telemetry.StartSpan(ctx, o.deps.Tracer, "sync.source", telemetry.AttrSource.String(string(source)))
	defer span.End()

	record := store.SyncRecord{Source: source, SyncTime: started, Mode: store.SyncModeFull}
	changed, err := o.reconcile(ctx, extractor, force, &record)
	record.Success = err == nil
	if err != nil {
		record.Errors = append(record.Errors, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	record.DurationMs = o.now().Sub(started).Milliseconds()
	span.SetAttributes(telemetry.AttrSyncMode.String(string(record.Mode)), telemetry.AttrItems.Int(record.ItemsProcessed))

	// The attempt is recorded even when the run was cancelled.
	saved, recErr := o.deps.Store.RecordSyncAttempt(context.WithoutCancel(ctx), record)
	if recErr != nil {
		log.Error("record sync attempt failed", "error", recErr)
		record.Errors = append(record.Errors, recErr.Error())
	} else {
		record = saved
	}

	o.states.finish(source, record.Success, started)
	if record.Success {
		log.Info("sync finished", "mode", record.Mode, "processed", record.ItemsProcessed,
			"added", record.ItemsAdded, "updated", record.ItemsUpdated, "changed", len(changed), "duration_ms", record.DurationMs)
	} else {
		log.Warn("sync failed", "mode", record.Mode, "errors", record.Errors)
	}
	return Result{SyncRecord: record, Changed: len(changed)}
}

// reconcile extracts, classifies and upserts. Counts and per-item errors
// are written into record as they become known.
func (o *Orchestrator) reconcile(ctx context.Context, extractor Extractor, force bool, record *store.SyncRecord) ([]string, error) {
	var since *time.Time
	if !force && extractor.SupportsIncremental() {
		watermark, err := o.deps.Store.LastSuccessfulSync(ctx, record.Source)
		if err != nil {
			return nil, fmt.Errorf("load watermark: %w", err)
		}
		since = watermark
	}
	if since != nil {
		record.Mode = store.SyncModeIncremental
	}

	extraction, err := o.extract(ctx, extractor, since, force)
	if err != nil {
		return nil, err
	}
	record.Errors = append(record.Errors, extraction.Errors...)
	record.ItemsProcessed = len(extraction.Items) + len(extraction.Errors)
	if len(extraction.Items) == 0 {
		return nil, nil
	}

	ids := make([]string, len(extraction.Items))
	for i, item := range extraction.Items {
		ids[i] = item.ID
	}
	// Classification must happen before the upsert replaces old rows.
	existing, err := o.deps.Store.ContentExists(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("classify records: %w", err)
	}
	seen := make(map[string]bool, len(ids))
	added, updated := 0, 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if existing[id] {
			updated++
		} else {
			added++
		}
	}

	changed, err := o.deps.Store.UpsertBatch(ctx, extraction.Items)
	if err != nil {
		return nil, fmt.Errorf("upsert batch: %w", err)
	}
	record.ItemsAdded = added
	record.ItemsUpdated = updated

	if o.deps.Indexer != nil && len(changed) > 0 {
		o.deps.Indexer.IndexContent(ctx, pick(extraction.Items, changed))
	}
	return changed, nil
}

func (o *Orchestrator) extract(ctx context.Context, extractor Extractor, since *time.Time, force bool) (Extraction, error) {
	key := extractionKey(extractor.Source(), since)
	useCache := o.deps.Cache != nil && o.opts.ExtractionTTL > 0 && !force
	if useCache {
		var cached Extraction
		ok, err := o.deps.Cache.Get(ctx, key, &cached)
		if err != nil {
			o.deps.Logger.Warn("extraction cache read failed", "source", extractor.Source(), "error", err)
		} else if ok {
			return cached, nil
		}
	}

	extractCtx, cancel := context.WithTimeout(ctx, o.opts.SourceTimeout)
	defer cancel()
	extraction, err := extractor.Extract(extractCtx, since)
	if err != nil {
		return Extraction{}, fmt.Errorf("extract %s: %w", extractor.Source(), err)
	}

	if useCache {
		if err := o.deps.Cache.Set(ctx, key, extraction, o.opts.ExtractionTTL); err != nil {
			o.deps.Logger.Warn("extraction cache write failed", "source", extractor.Source(), "error", err)
		}
	}
	return extraction, nil
}

func extractionKey(source store.Source, since *time.Time) string {
	if since == nil {
		return "extract:" + string(source) + ":full"
	}
	return fmt.Sprintf("extract:%s:incremental:%d", source, since.UnixMilli())
}

func pick(items []store.UnifiedContent, ids []string) []store.UnifiedContent {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]store.UnifiedContent, 0, len(ids))
	for _, item := range items {
		if want[item.ID] {
			out = append(out, item)
			delete(want, item.ID)
		}
	}
	return out
}

// stateTable guards the per-source state machine.
type stateTable struct {
	mu     sync.Mutex
	states map[store.Source]SourceStatus
	hook   func(source store.Source, from, to State)
}

func newStateTable() *stateTable {
	return &stateTable{states: map[store.Source]SourceStatus{}}
}

func (t *stateTable) setHook(fn func(source store.Source, from, to State)) {
	t.mu.Lock()
	t.hook = fn
	t.mu.Unlock()
}

func (t *stateTable) get(source store.Source) SourceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.states[source]
	if !ok {
		return SourceStatus{State: StateIdle}
	}
	return status
}

func (t *stateTable) transition(source store.Source, status *SourceStatus, to State) {
	from := status.State
	if from == "" {
		from = StateIdle
	}
	status.State = to
	if t.hook != nil {
		t.hook(source, from, to)
	}
}

func (t *stateTable) begin(source store.Source) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := t.states[source]
	if status.State == StateRunning {
		return false
	}
	t.transition(source, &status, StateRunning)
	t.states[source] = status
	return true
}

func (t *stateTable) finish(source store.Source, success bool, started time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := t.states[source]
	outcome := StateFailed
	if success {
		outcome = StateSucceeded
	}
	t.transition(source, &status, outcome)
	status.LastOutcome = outcome
	status.LastRunAt = &started
	t.transition(source, &status, StateIdle)
	t.states[source] = status
}
