package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"portalbridge/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "_time_format") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_time_format=sqlite"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       DATETIME NOT NULL,
	started_at       DATETIME,
	finished_at      DATETIME,
	total_records    INTEGER NOT NULL DEFAULT 0,
	completed_count  INTEGER NOT NULL DEFAULT 0,
	failed_count     INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	metadata         TEXT NOT NULL DEFAULT '{}',
	cancel_requested INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	label   TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	ts      DATETIME NOT NULL,
	PRIMARY KEY (run_id, ordinal)
);

CREATE TABLE IF NOT EXISTS records (
	id                  TEXT PRIMARY KEY,
	source_key          TEXT NOT NULL DEFAULT '',
	identifier          TEXT NOT NULL DEFAULT '',
	national_id         TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL DEFAULT '',
	target              TEXT NOT NULL DEFAULT '',
	service_date        DATETIME NOT NULL,
	extraction_status   TEXT,
	extracted_at        DATETIME,
	last_attempt_at     DATETIME,
	submission_status   TEXT,
	submission_metadata TEXT,
	extraction          TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_records_service_date ON records(service_date);
CREATE INDEX IF NOT EXISTS idx_records_extraction_status ON records(extraction_status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const runColumns = `id, kind, status, created_at, started_at, finished_at, total_records, completed_count, failed_count, error_message, metadata, cancel_requested`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	meta, err := marshalMap(run.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), string(run.Status), run.CreatedAt.UTC(), nullTime(run.StartedAt), nullTime(run.FinishedAt),
		run.TotalRecords, run.CompletedCount, run.FailedCount, run.ErrorMessage, string(meta), run.CancelRequested,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get run %s: %w", runID, err)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	meta, err := marshalMap(run.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?, finished_at = ?, total_records = ?, completed_count = ?,
		 failed_count = ?, error_message = ?, metadata = ? WHERE id = ?`,
		string(run.Status), nullTime(run.StartedAt), nullTime(run.FinishedAt), run.TotalRecords, run.CompletedCount,
		run.FailedCount, run.ErrorMessage, string(meta), run.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update run %s: %w", run.ID, err)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list runs iterate: %w", err)
	}
	return runs, nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_steps WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("sqlite: delete steps %s: %w", runID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("sqlite: delete run %s: %w", runID, err)
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET cancel_requested = 1 WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("sqlite: request cancel %s: %w", runID, err)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ClearCancel(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET cancel_requested = 0 WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("sqlite: clear cancel %s: %w", runID, err)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM runs WHERE id = ?`, runID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, notFound("run", runID)
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: cancel flag %s: %w", runID, err)
	}
	return flag, nil
}

func (s *SQLiteStore) AppendStep(ctx context.Context, step model.Step) error {
	payload, err := marshalMap(step.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: marshal step payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_steps (run_id, ordinal, label, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		step.RunID, step.Ordinal, step.Label, string(payload), step.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append step %s#%d: %w", step.RunID, step.Ordinal, err)
	}
	return nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]model.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, ordinal, label, payload, ts FROM run_steps WHERE run_id = ? ORDER BY ordinal`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var st model.Step
		var payload string
		if err := rows.Scan(&st.RunID, &st.Ordinal, &st.Label, &payload, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &st.Payload); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal step payload: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

const recordColumns = `id, source_key, identifier, national_id, name, target, service_date, extraction_status,
	extracted_at, last_attempt_at, submission_status, submission_metadata, extraction`

func (s *SQLiteStore) PutRecord(ctx context.Context, rec *model.Record) error {
	subMeta, extraction, err := marshalRecordJSON(rec)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET source_key = excluded.source_key, identifier = excluded.identifier,
		 national_id = excluded.national_id, name = excluded.name, target = excluded.target,
		 service_date = excluded.service_date, extraction_status = excluded.extraction_status,
		 extracted_at = excluded.extracted_at, last_attempt_at = excluded.last_attempt_at,
		 submission_status = excluded.submission_status, submission_metadata = excluded.submission_metadata,
		 extraction = excluded.extraction`,
		rec.ID, rec.SourceKey, rec.Identifier, rec.NationalID, rec.Name, rec.Target, rec.ServiceDate.UTC(),
		nullable(string(rec.ExtractionStatus)), nullTime(rec.ExtractedAt), nullTime(rec.LastAttemptAt),
		nullable(string(rec.SubmissionStatus)), subMeta, extraction,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("record", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get record %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE 1=1`
	var args []any
	if !filter.From.IsZero() {
		query += ` AND service_date >= ?`
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query += ` AND service_date <= ?`
		args = append(args, filter.To.UTC())
	}
	if filter.Target != "" {
		query += ` AND target = ?`
		args = append(args, filter.Target)
	}
	if len(filter.ExtractionStatus) > 0 {
		var parts []string
		for _, st := range filter.ExtractionStatus {
			if st == model.ExtractionNone {
				parts = append(parts, `extraction_status IS NULL`)
				continue
			}
			parts = append(parts, `extraction_status = ?`)
			args = append(args, string(st))
		}
		query += ` AND (` + strings.Join(parts, ` OR `) + `)`
	}
	query += ` ORDER BY service_date, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list records: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateExtraction(ctx context.Context, id string, u ExtractionUpdate) error {
	var result any
	if u.Result != nil {
		b, err := json.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("sqlite: marshal extraction: %w", err)
		}
		result = string(b)
	}
	var extractedAt any
	if u.Status == model.ExtractionCompleted {
		extractedAt = u.AttemptAt.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET extraction_status = ?, last_attempt_at = ?,
		 extracted_at = COALESCE(?, extracted_at), extraction = COALESCE(?, extraction) WHERE id = ?`,
		nullable(string(u.Status)), u.AttemptAt.UTC(), extractedAt, result, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update extraction %s: %w", id, err)
	}
	return checkRowsAffected(res, "record", id)
}

func (s *SQLiteStore) UpdateSubmission(ctx context.Context, id string, u SubmissionUpdate) error {
	meta, err := marshalMap(u.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal submission metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET submission_status = ?, submission_metadata = ?, last_attempt_at = ? WHERE id = ?`,
		nullable(string(u.Status)), string(meta), u.AttemptAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update submission %s: %w", id, err)
	}
	return checkRowsAffected(res, "record", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	var r model.Run
	var started, finished sql.NullTime
	var meta string
	if err := row.Scan(&r.ID, &r.Kind, &r.Status, &r.CreatedAt, &started, &finished, &r.TotalRecords,
		&r.CompletedCount, &r.FailedCount, &r.ErrorMessage, &meta, &r.CancelRequested); err != nil {
		return nil, err
	}
	r.StartedAt = timePtr(started)
	r.FinishedAt = timePtr(finished)
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal run metadata: %w", err)
	}
	return &r, nil
}

func scanRecord(row scanner) (*model.Record, error) {
	var rec model.Record
	var extStatus, subStatus, subMeta, extraction sql.NullString
	var extractedAt, lastAttempt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.SourceKey, &rec.Identifier, &rec.NationalID, &rec.Name, &rec.Target,
		&rec.ServiceDate, &extStatus, &extractedAt, &lastAttempt, &subStatus, &subMeta, &extraction); err != nil {
		return nil, err
	}
	rec.ExtractionStatus = model.ExtractionStatus(extStatus.String)
	rec.SubmissionStatus = model.SubmissionStatus(subStatus.String)
	rec.ExtractedAt = timePtr(extractedAt)
	rec.LastAttemptAt = timePtr(lastAttempt)
	if err := unmarshalRecordJSON(&rec, []byte(subMeta.String), []byte(extraction.String)); err != nil {
		return nil, err
	}
	return &rec, nil
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func marshalRecordJSON(rec *model.Record) (subMeta, extraction any, err error) {
	if rec.SubmissionMetadata != nil {
		b, err := json.Marshal(rec.SubmissionMetadata)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal submission metadata: %w", err)
		}
		subMeta = string(b)
	}
	if rec.Extraction != nil {
		b, err := json.Marshal(rec.Extraction)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal extraction: %w", err)
		}
		extraction = string(b)
	}
	return subMeta, extraction, nil
}

func unmarshalRecordJSON(rec *model.Record, subMeta, extraction []byte) error {
	if len(subMeta) > 0 {
		if err := json.Unmarshal(subMeta, &rec.SubmissionMetadata); err != nil {
			return fmt.Errorf("unmarshal submission metadata: %w", err)
		}
	}
	if len(extraction) > 0 {
		if err := json.Unmarshal(extraction, &rec.Extraction); err != nil {
			return fmt.Errorf("unmarshal extraction: %w", err)
		}
	}
	return nil
}
