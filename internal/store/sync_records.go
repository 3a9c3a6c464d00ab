package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"workweave/api/internal/apperr"
	"workweave/api/internal/util"
)

// RecordSyncAttempt appends one row. Records are never updated.
func (s *Store) RecordSyncAttempt(ctx context.Context, record SyncRecord) (SyncRecord, error) {
	if !record.Source.Valid() {
		return SyncRecord{}, apperr.Validation("record sync attempt", fmt.Sprintf("unknown source %q", record.Source))
	}
	if record.ID == "" {
		record.ID = util.NewID("sync")
	}
	if record.SyncTime.IsZero() {
		record.SyncTime = s.now()
	}
	if record.Mode == "" {
		record.Mode = SyncModeFull
	}
	if record.Errors == nil {
		record.Errors = []string{}
	}
	errs, err := json.Marshal(record.Errors)
	if err != nil {
		return SyncRecord{}, fmt.Errorf("encode sync errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO sync_records (id, source, mode, sync_time, items_processed, items_added, items_updated, success, errors, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		record.ID, string(record.Source), string(record.Mode), toMillis(record.SyncTime),
		record.ItemsProcessed, record.ItemsAdded, record.ItemsUpdated, record.Success,
		string(errs), record.DurationMs,
	)
	if err != nil {
		return SyncRecord{}, fmt.Errorf("insert sync record: %w", err)
	}
	record.SyncTime = fromMillis(toMillis(record.SyncTime))
	return record, nil
}

// LastSuccessfulSync returns the watermark for incremental extraction, or
// nil when source has never synced successfully.
func (s *Store) LastSuccessfulSync(ctx context.Context, source Source) (*time.Time, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT MAX(sync_time) FROM sync_records WHERE source=? AND success=?
	`), string(source), true).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("last successful sync: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := fromMillis(latest.Int64)
	return &t, nil
}

// ListSyncRecords returns the newest records first. An empty source lists
// every source.
func (s *Store) ListSyncRecords(ctx context.Context, source Source, limit int) ([]SyncRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	stmt := `SELECT id, source, mode, sync_time, items_processed, items_added, items_updated, success, errors, duration_ms FROM sync_records`
	args := []any{}
	if source != "" {
		stmt += ` WHERE source=?`
		args = append(args, string(source))
	}
	stmt += ` ORDER BY sync_time DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	defer rows.Close()

	out := []SyncRecord{}
	for rows.Next() {
		var (
			record               SyncRecord
			src, mode, errorsRaw string
			syncTime             int64
		)
		if err := rows.Scan(&record.ID, &src, &mode, &syncTime, &record.ItemsProcessed, &record.ItemsAdded,
			&record.ItemsUpdated, &record.Success, &errorsRaw, &record.DurationMs); err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		record.Source = Source(src)
		record.Mode = SyncMode(mode)
		record.SyncTime = fromMillis(syncTime)
		record.Errors = []string{}
		if err := decodeJSON(errorsRaw, &record.Errors); err != nil {
			return nil, fmt.Errorf("decode sync errors: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}
