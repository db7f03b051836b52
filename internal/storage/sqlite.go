package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"cronbot/internal/jobs"
	logx "cronbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: every writer is serialized in-process, and SQLite's
	// file lock (with busy_timeout) serializes across processes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite")), pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err = s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

const jobColumns = `id, name, description, cron, code, kind, status, limits, created_at, updated_at,
	last_run, error_message, submitted_by, submitter_kind, approved_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (jobs.Job, error) {
	var (
		j                                       jobs.Job
		desc, lastRun, errMsg, by, byKind, appr sql.NullString
		kind, status, limits, created, updated  string
	)
	if err := r.Scan(&j.ID, &j.Name, &desc, &j.Schedule, &j.Code, &kind, &status, &limits,
		&created, &updated, &lastRun, &errMsg, &by, &byKind, &appr); err != nil {
		return jobs.Job{}, err
	}
	j.Description = desc.String
	j.Kind = jobs.Kind(kind)
	j.Status = jobs.Status(status)
	j.ErrorMessage = errMsg.String
	j.SubmittedBy = by.String
	j.SubmitterKind = byKind.String
	j.ApprovedBy = appr.String

	if err := json.Unmarshal([]byte(limits), &j.Limits); err != nil {
		return j, fmt.Errorf("limits: %w", err)
	}
	var err error
	if j.CreatedAt, err = parseTime(created); err != nil {
		return j, fmt.Errorf("created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return j, fmt.Errorf("updated_at: %w", err)
	}
	if lastRun.Valid {
		t, err := parseTime(lastRun.String)
		if err != nil {
			return j, fmt.Errorf("last_run: %w", err)
		}
		j.LastRun = &t
	}
	return j, checkJob(j)
}

func (s *sqliteStore) LoadJobs(ctx context.Context) ([]jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			s.log.Warn("skipping corrupt job row", logx.String("id", j.ID), logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortJobs(out)
	return out, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	return getJob(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getJob(ctx context.Context, q querier, id string) (jobs.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	return j, err
}

func upsertJob(ctx context.Context, q querier, j jobs.Job) error {
	limits, err := json.Marshal(j.Limits)
	if err != nil {
		return err
	}
	var lastRun any
	if j.LastRun != nil {
		lastRun = formatTime(*j.LastRun)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, cron=excluded.cron,
			code=excluded.code, kind=excluded.kind, status=excluded.status, limits=excluded.limits,
			created_at=excluded.created_at, updated_at=excluded.updated_at, last_run=excluded.last_run,
			error_message=excluded.error_message, submitted_by=excluded.submitted_by,
			submitter_kind=excluded.submitter_kind, approved_by=excluded.approved_by`,
		j.ID, j.Name, nullStr(j.Description), j.Schedule, j.Code, string(j.Kind), string(j.Status), string(limits),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt), lastRun, nullStr(j.ErrorMessage),
		nullStr(j.SubmittedBy), nullStr(j.SubmitterKind), nullStr(j.ApprovedBy),
	)
	return err
}

func (s *sqliteStore) SaveJob(ctx context.Context, j jobs.Job) error {
	if err := checkJob(j); err != nil {
		return err
	}
	return upsertJob(ctx, s.db, j)
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id string, fn func(*jobs.Job) error) (jobs.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return jobs.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if err := fn(&j); err != nil {
		return jobs.Job{}, err
	}
	j.ID = id
	if err := checkJob(j); err != nil {
		return jobs.Job{}, err
	}
	if err := upsertJob(ctx, tx, j); err != nil {
		return jobs.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return jobs.Job{}, err
	}
	return j, nil
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status jobs.Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), nullStr(errMsg), formatTime(time.Now()), id,
	)
	return requireAffected(res, err, id)
}

func (s *sqliteStore) MarkRun(ctx context.Context, id string, at time.Time) error {
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_run = CASE WHEN last_run IS NULL OR last_run < ? THEN ? ELSE last_run END WHERE id = ?`,
		ts, ts, id,
	)
	return requireAffected(res, err, id)
}

func requireAffected(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	return nil
}

// ---- history / audit ----

func (s *sqliteStore) AppendHistory(ctx context.Context, r jobs.ExecutionRecord) error {
	if err := checkRecord(r); err != nil {
		return err
	}
	var sched any
	if !r.ScheduledAt.IsZero() {
		sched = formatTime(r.ScheduledAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(execution_id, job_id, started_at, ended_at, status, code_snapshot,
			stdout, stderr, duration_ms, memory_peak_mb, scheduled_at, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ExecutionID, r.JobID, formatTime(r.StartedAt), formatTime(r.EndedAt), string(r.Outcome), r.CodeSnapshot,
		r.Stdout, r.Stderr, r.DurationMS, r.MemoryPeakMB, sched, nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) ListHistory(ctx context.Context, jobID string, limit int) ([]jobs.ExecutionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT execution_id, job_id, started_at, ended_at, status, code_snapshot, stdout, stderr,
			duration_ms, memory_peak_mb, scheduled_at, err
		  FROM executions`
	args := []any{}
	if jobID != "" {
		q += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	q += ` ORDER BY started_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobs.ExecutionRecord
	for rows.Next() {
		var (
			r                       jobs.ExecutionRecord
			started, ended, outcome string
			sched, errMsg           sql.NullString
		)
		if err := rows.Scan(&r.ExecutionID, &r.JobID, &started, &ended, &outcome, &r.CodeSnapshot,
			&r.Stdout, &r.Stderr, &r.DurationMS, &r.MemoryPeakMB, &sched, &errMsg); err != nil {
			return nil, err
		}
		r.Outcome = jobs.Outcome(outcome)
		r.Error = errMsg.String
		var perr error
		if r.StartedAt, perr = parseTime(started); perr == nil {
			r.EndedAt, perr = parseTime(ended)
		}
		if perr == nil && sched.Valid {
			r.ScheduledAt, perr = parseTime(sched.String)
		}
		if perr != nil {
			s.log.Warn("skipping corrupt history row", logx.String("execution_id", r.ExecutionID), logx.Err(perr))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, actor_kind, action, job_id, from_status, to_status, detail)
		 VALUES(?,?,?,?,?,?,?,?)`,
		formatTime(e.At), e.Actor, e.ActorKind, e.Action, e.JobID, nullStr(e.From), nullStr(e.To), nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, jobID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT at, actor, actor_kind, action, job_id, from_status, to_status, detail FROM audit`
	args := []any{}
	if jobID != "" {
		q += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                AuditEntry
			at               string
			from, to, detail sql.NullString
		)
		if err := rows.Scan(&at, &e.Actor, &e.ActorKind, &e.Action, &e.JobID, &from, &to, &detail); err != nil {
			return nil, err
		}
		t, err := parseTime(at)
		if err != nil {
			s.log.Warn("skipping corrupt audit row", logx.Err(err))
			continue
		}
		e.At, e.From, e.To, e.Detail = t, from.String, to.String, detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- kv / dedup ----

func (s *sqliteStore) KVGet(ctx context.Context, jobID, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM job_kv WHERE job_id = ? AND key = ?`, jobID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) KVPut(ctx context.Context, jobID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_kv(job_id, key, value, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(job_id, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		jobID, key, value, formatTime(time.Now()),
	)
	return err
}

func (s *sqliteStore) KVDelete(ctx context.Context, jobID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_kv WHERE job_id = ? AND key = ?`, jobID, key)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, strings.TrimSpace(key)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
