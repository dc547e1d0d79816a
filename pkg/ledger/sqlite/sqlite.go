// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite ledger backend for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/work"
)

// Compile-time interface assertions.
var (
	_ ledger.Ledger   = (*Ledger)(nil)
	_ ledger.DLQStore = (*Ledger)(nil)
)

// Ledger is a SQLite-backed run and event store.
type Ledger struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. ":memory:" opens an in-memory
	// database, useful in tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite ledger.
func New(cfg Config) (*Ledger, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	l := &Ledger{db: db}

	if err := l.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return l, nil
}

func (l *Ledger) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := l.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			params_json TEXT,
			priority TEXT NOT NULL,
			lane TEXT NOT NULL,
			status TEXT NOT NULL,
			external_ref TEXT,
			executor_name TEXT,
			result_json TEXT,
			error TEXT,
			error_type TEXT,
			error_category TEXT,
			attempt INTEGER NOT NULL DEFAULT 1,
			retry_of_run_id TEXT,
			parent_run_id TEXT,
			idempotency_key TEXT,
			correlation_id TEXT,
			trigger_source TEXT,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT,
			tags_json TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_name ON runs(name)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent_run_id ON runs(parent_run_id)`,
		// One live run per idempotency key. Terminal failed/cancelled
		// runs fall out of the index so retries can reuse the key.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency_key
			ON runs(idempotency_key)
			WHERE idempotency_key IS NOT NULL
			AND status IN ('pending','queued','running','completed')`,
		// Concurrency guard: at most one active run per entity.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active_entity
			ON runs(json_extract(metadata_json, '$.entity_type'),
				json_extract(metadata_json, '$.entity_id'))
			WHERE status IN ('pending','queued','running')
			AND json_extract(metadata_json, '$.entity_type') IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data_json TEXT,
			source TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id_ts ON run_events(run_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS dlq_entries (
			dlq_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			spec_json TEXT NOT NULL,
			reason TEXT NOT NULL,
			error TEXT,
			enqueued_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_enqueued_at ON dlq_entries(enqueued_at)`,
	}

	for _, migration := range migrations {
		if _, err := l.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateRun implements ledger.Ledger. The insert and the submitted event
// share one transaction.
func (l *Ledger) CreateRun(ctx context.Context, run *work.Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "run_id", Message: "run ID cannot be empty"}
	}
	if run.Status == "" {
		run.Status = work.StatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}

	paramsJSON, err := json.Marshal(run.Spec.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	metadataJSON, err := json.Marshal(run.Spec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	tagsJSON, err := json.Marshal(run.Spec.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, kind, name, params_json, priority, lane, status,
			external_ref, executor_name, result_json, error, error_type, error_category,
			attempt, retry_of_run_id, parent_run_id, idempotency_key, correlation_id,
			trigger_source, max_retries, timeout_seconds, metadata_json, tags_json,
			created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		run.ID, string(run.Spec.Kind), run.Spec.Name, string(paramsJSON),
		string(run.Spec.EffectivePriority()), run.Spec.EffectiveLane(), string(run.Status),
		nullString(run.ExternalRef), nullString(run.ExecutorName),
		run.Attempt, nullString(run.RetryOfRunID), nullString(run.Spec.ParentRunID),
		nullString(run.Spec.IdempotencyKey), nullString(run.Spec.CorrelationID),
		nullString(string(run.Spec.TriggerSource)), run.Spec.MaxRetries, run.Spec.TimeoutSeconds,
		string(metadataJSON), string(tagsJSON), formatTime(run.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.WithCause(errors.CategoryConcurrencyConflict, err,
				"unique constraint violated creating run")
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	if err := insertEvent(ctx, tx, work.Event{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		Type:      work.EventSubmitted,
		Timestamp: run.CreatedAt,
		Source:    "ledger",
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateStatus implements ledger.Ledger. The conditional update is a
// single UPDATE keyed on the current status; zero rows affected means a
// state-machine conflict and nothing is written.
func (l *Ledger) UpdateStatus(ctx context.Context, runID string, from, to work.Status, update ledger.StatusUpdate) (bool, error) {
	if !work.CanTransition(from, to) {
		return false, nil
	}

	var resultJSON []byte
	if update.Result != nil {
		var err error
		resultJSON, err = json.Marshal(update.Result)
		if err != nil {
			return false, fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?,
			result_json = COALESCE(?, result_json),
			error = COALESCE(?, error),
			error_type = COALESCE(?, error_type),
			error_category = COALESCE(?, error_category),
			external_ref = COALESCE(?, external_ref),
			executor_name = COALESCE(?, executor_name),
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at),
			attempt = COALESCE(?, attempt)
		WHERE run_id = ? AND status = ?`,
		string(to),
		nullBytes(resultJSON), nullString(update.Error), nullString(update.ErrorType),
		nullString(update.ErrorCategory), nullString(update.ExternalRef),
		nullString(update.ExecutorName),
		nullTime(update.StartedAt), nullTime(update.CompletedAt),
		nullInt(update.Attempt),
		runID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, work.Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Type:      work.EventForStatus(to),
		Timestamp: time.Now().UTC(),
		Source:    update.EventSource,
		Data:      update.EventData,
	}); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// AppendEvent implements ledger.Ledger.
func (l *Ledger) AppendEvent(ctx context.Context, event work.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO run_events (event_id, run_id, event_type, timestamp, data_json, source)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, string(event.Type), formatTime(event.Timestamp),
		string(dataJSON), nullString(event.Source),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Newf(errors.CategoryInternal, "duplicate event ID %s", event.ID)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

const runColumns = `run_id, kind, name, params_json, priority, lane, status,
	external_ref, executor_name, result_json, error, error_type, error_category,
	attempt, retry_of_run_id, parent_run_id, idempotency_key, correlation_id,
	trigger_source, max_retries, timeout_seconds, metadata_json, tags_json,
	created_at, started_at, completed_at`

// GetRun implements ledger.Ledger.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*work.Run, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns implements ledger.Ledger.
func (l *Ledger) ListRuns(ctx context.Context, filter ledger.Filter) ([]*work.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Lane != "" {
		conds = append(conds, "lane = ?")
		args = append(args, filter.Lane)
	}
	if filter.ParentID != "" {
		conds = append(conds, "parent_run_id = ?")
		args = append(args, filter.ParentID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var results []*work.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		results = append(results, run)
	}
	return results, rows.Err()
}

// GetEvents implements ledger.Ledger.
func (l *Ledger) GetEvents(ctx context.Context, runID string) ([]work.Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, run_id, event_type, timestamp, data_json, source
		FROM run_events WHERE run_id = ? ORDER BY timestamp, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []work.Event
	for rows.Next() {
		var event work.Event
		var eventType, timestamp string
		var dataJSON, source sql.NullString
		if err := rows.Scan(&event.ID, &event.RunID, &eventType, &timestamp, &dataJSON, &source); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = work.EventType(eventType)
		event.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		if dataJSON.Valid && dataJSON.String != "" && dataJSON.String != "null" {
			if err := json.Unmarshal([]byte(dataJSON.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		if source.Valid {
			event.Source = source.String
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// FindActiveByIdempotency implements ledger.Ledger.
func (l *Ledger) FindActiveByIdempotency(ctx context.Context, key string) (*work.Run, error) {
	if key == "" {
		return nil, nil
	}
	row := l.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE idempotency_key = ?
		AND status IN ('pending','queued','running','completed')
		ORDER BY created_at DESC LIMIT 1`, key)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find run by idempotency key: %w", err)
	}
	return run, nil
}

// CountActiveByEntity implements ledger.Ledger.
func (l *Ledger) CountActiveByEntity(ctx context.Context, entityType, entityID string) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE status IN ('pending','queued','running')
		AND json_extract(metadata_json, '$.entity_type') = ?
		AND json_extract(metadata_json, '$.entity_id') = ?`,
		entityType, entityID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs: %w", err)
	}
	return count, nil
}

// Close implements ledger.Ledger.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// CreateDLQEntry implements ledger.DLQStore.
func (l *Ledger) CreateDLQEntry(ctx context.Context, entry *ledger.DLQEntry) error {
	specJSON, err := json.Marshal(entry.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO dlq_entries (dlq_id, run_id, spec_json, reason, error, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, string(specJSON), entry.Reason,
		nullString(entry.Error), formatTime(entry.EnqueuedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create dlq entry: %w", err)
	}
	return nil
}

// GetDLQEntry implements ledger.DLQStore.
func (l *Ledger) GetDLQEntry(ctx context.Context, id string) (*ledger.DLQEntry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT dlq_id, run_id, spec_json, reason, error, enqueued_at
		FROM dlq_entries WHERE dlq_id = ?`, id)
	entry, err := scanDLQEntry(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "dlq entry", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq entry: %w", err)
	}
	return entry, nil
}

// ListDLQ implements ledger.DLQStore.
func (l *Ledger) ListDLQ(ctx context.Context, filter ledger.DLQFilter) ([]*ledger.DLQEntry, error) {
	query := `SELECT dlq_id, run_id, spec_json, reason, error, enqueued_at FROM dlq_entries`
	var conds []string
	var args []any
	if filter.Reason != "" {
		conds = append(conds, "reason = ?")
		args = append(args, filter.Reason)
	}
	if filter.Name != "" {
		conds = append(conds, "json_extract(spec_json, '$.name') = ?")
		args = append(args, filter.Name)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY enqueued_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq entries: %w", err)
	}
	defer rows.Close()

	var results []*ledger.DLQEntry
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dlq entry: %w", err)
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

// PurgeDLQ implements ledger.DLQStore.
func (l *Ledger) PurgeDLQ(ctx context.Context, before time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM dlq_entries WHERE enqueued_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge dlq: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*work.Run, error) {
	var run work.Run
	var kind, priority, lane, status string
	var paramsJSON, metadataJSON, tagsJSON sql.NullString
	var externalRef, executorName, resultJSON, errStr, errType, errCategory sql.NullString
	var retryOf, parentRunID, idemKey, correlationID, triggerSource sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := s.Scan(&run.ID, &kind, &run.Spec.Name, &paramsJSON, &priority, &lane, &status,
		&externalRef, &executorName, &resultJSON, &errStr, &errType, &errCategory,
		&run.Attempt, &retryOf, &parentRunID, &idemKey, &correlationID,
		&triggerSource, &run.Spec.MaxRetries, &run.Spec.TimeoutSeconds,
		&metadataJSON, &tagsJSON, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.Spec.Kind = work.Kind(kind)
	run.Spec.Priority = work.Priority(priority)
	run.Spec.Lane = lane
	run.Status = work.Status(status)
	run.ExternalRef = externalRef.String
	run.ExecutorName = executorName.String
	run.Error = errStr.String
	run.ErrorType = errType.String
	run.ErrorCategory = errCategory.String
	run.RetryOfRunID = retryOf.String
	run.Spec.ParentRunID = parentRunID.String
	run.Spec.IdempotencyKey = idemKey.String
	run.Spec.CorrelationID = correlationID.String
	run.Spec.TriggerSource = work.TriggerSource(triggerSource.String)

	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &run.Spec.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" && resultJSON.String != "null" {
		if err := json.Unmarshal([]byte(resultJSON.String), &run.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &run.Spec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" && tagsJSON.String != "null" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &run.Spec.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.StartedAt = parseTimePtr(startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	return &run, nil
}

func scanDLQEntry(s scanner) (*ledger.DLQEntry, error) {
	var entry ledger.DLQEntry
	var specJSON string
	var errStr sql.NullString
	var enqueuedAt string
	if err := s.Scan(&entry.ID, &entry.RunID, &specJSON, &entry.Reason, &errStr, &enqueuedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specJSON), &entry.Spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spec: %w", err)
	}
	entry.Error = errStr.String
	entry.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	return &entry, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, event work.Event) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_events (event_id, run_id, event_type, timestamp, data_json, source)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, string(event.Type), formatTime(event.Timestamp),
		string(dataJSON), nullString(event.Source),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// isUniqueViolation detects SQLite unique constraint errors.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
