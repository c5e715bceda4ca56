package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"portalbridge/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool. Metadata columns are jsonb.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	total_records    INTEGER NOT NULL DEFAULT 0,
	completed_count  INTEGER NOT NULL DEFAULT 0,
	failed_count     INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
	cancel_requested BOOLEAN NOT NULL DEFAULT false,
	CONSTRAINT runs_counts_check CHECK (completed_count + failed_count <= total_records)
);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	label   TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	ts      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, ordinal)
);

CREATE TABLE IF NOT EXISTS records (
	id                  TEXT PRIMARY KEY,
	source_key          TEXT NOT NULL DEFAULT '',
	identifier          TEXT NOT NULL DEFAULT '',
	national_id         TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL DEFAULT '',
	target              TEXT NOT NULL DEFAULT '',
	service_date        TIMESTAMPTZ NOT NULL,
	extraction_status   TEXT,
	extracted_at        TIMESTAMPTZ,
	last_attempt_at     TIMESTAMPTZ,
	submission_status   TEXT,
	submission_metadata JSONB,
	extraction          JSONB
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_records_service_date ON records(service_date);
CREATE INDEX IF NOT EXISTS idx_records_extraction_status ON records(extraction_status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	meta, err := marshalMap(run.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, string(run.Kind), string(run.Status), run.CreatedAt.UTC(), run.StartedAt, run.FinishedAt,
		run.TotalRecords, run.CompletedCount, run.FailedCount, run.ErrorMessage, meta, run.CancelRequested,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	r, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run %s: %w", runID, err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.Run) error {
	meta, err := marshalMap(run.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, started_at = $2, finished_at = $3, total_records = $4, completed_count = $5,
		 failed_count = $6, error_message = $7, metadata = $8 WHERE id = $9`,
		string(run.Status), run.StartedAt, run.FinishedAt, run.TotalRecords, run.CompletedCount,
		run.FailedCount, run.ErrorMessage, meta, run.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update run %s: %w", run.ID, err)
	}
	return checkTag(tag, "run", run.ID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	q := newPgQuery(`SELECT ` + runColumns + ` FROM runs WHERE 1=1`)
	if filter.Status != "" {
		q.where(`status = `, string(filter.Status))
	}
	if filter.Kind != "" {
		q.where(`kind = `, string(filter.Kind))
	}
	q.sql += ` ORDER BY created_at DESC, id LIMIT ` + q.arg(listLimit(filter.Limit))
	if filter.Offset > 0 {
		q.sql += ` OFFSET ` + q.arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list runs iterate: %w", err)
	}
	return runs, nil
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM run_steps WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("postgres: delete steps %s: %w", runID, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("postgres: delete run %s: %w", runID, err)
	}
	if err := checkTag(tag, "run", runID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET cancel_requested = true WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("postgres: request cancel %s: %w", runID, err)
	}
	return checkTag(tag, "run", runID)
}

func (s *PostgresStore) ClearCancel(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET cancel_requested = false WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("postgres: clear cancel %s: %w", runID, err)
	}
	return checkTag(tag, "run", runID)
}

func (s *PostgresStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM runs WHERE id = $1`, runID).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, notFound("run", runID)
	}
	if err != nil {
		return false, fmt.Errorf("postgres: cancel flag %s: %w", runID, err)
	}
	return flag, nil
}

func (s *PostgresStore) AppendStep(ctx context.Context, step model.Step) error {
	payload, err := marshalMap(step.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal step payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_steps (run_id, ordinal, label, payload, ts) VALUES ($1, $2, $3, $4, $5)`,
		step.RunID, step.Ordinal, step.Label, payload, step.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: append step %s#%d: %w", step.RunID, step.Ordinal, err)
	}
	return nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, runID string) ([]model.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, ordinal, label, payload, ts FROM run_steps WHERE run_id = $1 ORDER BY ordinal`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var st model.Step
		var payload []byte
		if err := rows.Scan(&st.RunID, &st.Ordinal, &st.Label, &payload, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		if err := json.Unmarshal(payload, &st.Payload); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal step payload: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) PutRecord(ctx context.Context, rec *model.Record) error {
	subMeta, extraction, err := marshalRecordJSON(rec)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET source_key = EXCLUDED.source_key, identifier = EXCLUDED.identifier,
		 national_id = EXCLUDED.national_id, name = EXCLUDED.name, target = EXCLUDED.target,
		 service_date = EXCLUDED.service_date, extraction_status = EXCLUDED.extraction_status,
		 extracted_at = EXCLUDED.extracted_at, last_attempt_at = EXCLUDED.last_attempt_at,
		 submission_status = EXCLUDED.submission_status, submission_metadata = EXCLUDED.submission_metadata,
		 extraction = EXCLUDED.extraction`,
		rec.ID, rec.SourceKey, rec.Identifier, rec.NationalID, rec.Name, rec.Target, rec.ServiceDate.UTC(),
		nullable(string(rec.ExtractionStatus)), rec.ExtractedAt, rec.LastAttemptAt,
		nullable(string(rec.SubmissionStatus)), subMeta, extraction,
	)
	if err != nil {
		return fmt.Errorf("postgres: put record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("record", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get record %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	q := newPgQuery(`SELECT ` + recordColumns + ` FROM records WHERE 1=1`)
	if !filter.From.IsZero() {
		q.where(`service_date >= `, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		q.where(`service_date <= `, filter.To.UTC())
	}
	if filter.Target != "" {
		q.where(`target = `, filter.Target)
	}
	if len(filter.ExtractionStatus) > 0 {
		var parts []string
		for _, st := range filter.ExtractionStatus {
			if st == model.ExtractionNone {
				parts = append(parts, `extraction_status IS NULL`)
				continue
			}
			parts = append(parts, `extraction_status = `+q.arg(string(st)))
		}
		q.sql += ` AND (` + strings.Join(parts, ` OR `) + `)`
	}
	q.sql += ` ORDER BY service_date, id LIMIT ` + q.arg(listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list records: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateExtraction(ctx context.Context, id string, u ExtractionUpdate) error {
	var result []byte
	if u.Result != nil {
		b, err := json.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("postgres: marshal extraction: %w", err)
		}
		result = b
	}
	var extractedAt *time.Time
	if u.Status == model.ExtractionCompleted {
		at := u.AttemptAt.UTC()
		extractedAt = &at
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET extraction_status = $1, last_attempt_at = $2,
		 extracted_at = COALESCE($3, extracted_at), extraction = COALESCE($4, extraction) WHERE id = $5`,
		nullable(string(u.Status)), u.AttemptAt.UTC(), extractedAt, result, id,
	)
	if err != nil {
		return fmt.Errorf("postgres: update extraction %s: %w", id, err)
	}
	return checkTag(tag, "record", id)
}

func (s *PostgresStore) UpdateSubmission(ctx context.Context, id string, u SubmissionUpdate) error {
	meta, err := marshalMap(u.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal submission metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET submission_status = $1, submission_metadata = $2, last_attempt_at = $3 WHERE id = $4`,
		nullable(string(u.Status)), meta, u.AttemptAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("postgres: update submission %s: %w", id, err)
	}
	return checkTag(tag, "record", id)
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var kind, status string
	var meta []byte
	if err := row.Scan(&r.ID, &kind, &status, &r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.TotalRecords,
		&r.CompletedCount, &r.FailedCount, &r.ErrorMessage, &meta, &r.CancelRequested); err != nil {
		return nil, err
	}
	r.Kind = model.RunKind(kind)
	r.Status = model.RunStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal run metadata: %w", err)
		}
	}
	return &r, nil
}

func scanPgRecord(row pgx.Row) (*model.Record, error) {
	var rec model.Record
	var extStatus, subStatus *string
	var subMeta, extraction []byte
	if err := row.Scan(&rec.ID, &rec.SourceKey, &rec.Identifier, &rec.NationalID, &rec.Name, &rec.Target,
		&rec.ServiceDate, &extStatus, &rec.ExtractedAt, &rec.LastAttemptAt, &subStatus, &subMeta, &extraction); err != nil {
		return nil, err
	}
	if extStatus != nil {
		rec.ExtractionStatus = model.ExtractionStatus(*extStatus)
	}
	if subStatus != nil {
		rec.SubmissionStatus = model.SubmissionStatus(*subStatus)
	}
	if err := unmarshalRecordJSON(&rec, subMeta, extraction); err != nil {
		return nil, err
	}
	return &rec, nil
}

func checkTag(tag pgconn.CommandTag, kind, id string) error {
	if tag.RowsAffected() == 0 {
		return notFound(kind, id)
	}
	return nil
}

// pgQuery accumulates positional arguments for dynamically built statements.
type pgQuery struct {
	sql  string
	args []any
}

func newPgQuery(base string) *pgQuery { return &pgQuery{sql: base} }

func (q *pgQuery) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

func (q *pgQuery) where(clause string, v any) {
	q.sql += ` AND ` + clause + q.arg(v)
}
