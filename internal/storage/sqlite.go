package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scriptsched/internal/job"
	logx "scriptsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Fixed-width UTC layout so TEXT columns sort chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const jobColumns = `id, name, description, script, frequency, execution_time, start_date, end_date,
	status, execution_count, last_execution, next_execution, created_at, updated_at`

const execColumns = `id, job_id, started_at, completed_at, status, output, error_output, duration_ns`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas go in the DSN so they apply to every pooled connection.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes our transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) CreateJob(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return errors.New("storage: job id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		jobArgs(j)...,
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]*job.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id`)
}

func (s *sqliteStore) ListJobsByStatus(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	if len(statuses) == 0 {
		return []*job.Job{}, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status IN (`+marks+`) ORDER BY created_at DESC, id`, args...)
}

func (s *sqliteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id string, fn JobMutator) (*job.Job, error) {
	var out *job.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(j); err != nil {
				return err
			}
		}
		j.ID = id
		j.UpdatedAt = time.Now().UTC()
		if err := updateJobTx(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Explicit cascade: foreign_keys may be off on databases created elsewhere.
		if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE job_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *sqliteStore) StartRun(ctx context.Context, jobID string, at time.Time) (*job.Job, *job.Execution, error) {
	var (
		j *job.Job
		e *job.Execution
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
		if err != nil {
			return err
		}
		if !runnable(cur.Status) {
			return fmt.Errorf("%w: job is %s", ErrNotRunnable, cur.Status)
		}
		cur.Status = job.StatusRunning
		cur.LastExecution = job.TimePtr(at)
		cur.UpdatedAt = time.Now().UTC()
		if err := updateJobTx(ctx, tx, cur); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO executions(job_id, started_at, status) VALUES(?,?,?)`,
			jobID, fmtTime(at), string(job.ExecRunning),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		j = cur
		e = &job.Execution{ID: id, JobID: jobID, StartedAt: at.UTC(), Status: job.ExecRunning}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return j, e, nil
}

func (s *sqliteStore) FinishRun(ctx context.Context, e *job.Execution, fn JobMutator) (*job.Job, error) {
	if e == nil || !e.Status.Terminal() {
		return nil, errors.New("storage: finish requires a terminal execution")
	}
	var out *job.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanExecution(tx.QueryRowContext(ctx, `SELECT `+execColumns+` FROM executions WHERE id = ?`, e.ID))
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return ErrExecutionFinished
		}
		j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, cur.JobID))
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(j); err != nil {
				return err
			}
		}
		j.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET completed_at = ?, status = ?, output = ?, error_output = ?, duration_ns = ? WHERE id = ?`,
			fmtTimePtr(e.CompletedAt), string(e.Status), e.Output, e.ErrorOutput, int64(e.Duration), e.ID,
		); err != nil {
			return err
		}
		if err := updateJobTx(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) GetExecution(ctx context.Context, id int64) (*job.Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx, `SELECT `+execColumns+` FROM executions WHERE id = ?`, id))
}

func (s *sqliteStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]*job.Execution, error) {
	query := `SELECT ` + execColumns + ` FROM executions WHERE job_id = ? ORDER BY started_at DESC, id DESC`
	args := []any{jobID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*job.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AbandonRunningExecutions(ctx context.Context, at time.Time, reason string) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, started_at FROM executions WHERE status = ?`, string(job.ExecRunning))
		if err != nil {
			return err
		}
		type pending struct {
			id      int64
			started time.Time
		}
		var todo []pending
		for rows.Next() {
			var (
				id  int64
				raw string
			)
			if err := rows.Scan(&id, &raw); err != nil {
				rows.Close()
				return err
			}
			started, err := parseTime(raw)
			if err != nil {
				rows.Close()
				return err
			}
			todo = append(todo, pending{id: id, started: started})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, p := range todo {
			dur := at.Sub(p.started)
			if dur < 0 {
				dur = 0
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE executions SET completed_at = ?, status = ?, error_output = ?, duration_ns = ? WHERE id = ?`,
				fmtTime(at), string(job.ExecError), reason, int64(dur), p.id,
			); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func updateJobTx(ctx context.Context, tx *sql.Tx, j *job.Job) error {
	args := jobArgs(j)
	// Move id to the end for the WHERE clause.
	args = append(args[1:], args[0])
	_, err := tx.ExecContext(ctx,
		`UPDATE jobs SET name = ?, description = ?, script = ?, frequency = ?, execution_time = ?, start_date = ?,
		 end_date = ?, status = ?, execution_count = ?, last_execution = ?, next_execution = ?, created_at = ?, updated_at = ?
		 WHERE id = ?`,
		args...,
	)
	return err
}

func jobArgs(j *job.Job) []any {
	return []any{
		j.ID, j.Name, j.Description, j.Script, string(j.Frequency), j.At.String(),
		fmtTime(j.StartDate), fmtTimePtr(j.EndDate), string(j.Status), j.ExecutionCount,
		fmtTimePtr(j.LastExecution), fmtTimePtr(j.NextExecution), fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*job.Job, error) {
	var (
		j                       job.Job
		freq, at, status        string
		start, created, updated string
		end, lastExec, nextExec sql.NullString
	)
	err := r.Scan(&j.ID, &j.Name, &j.Description, &j.Script, &freq, &at, &start, &end,
		&status, &j.ExecutionCount, &lastExec, &nextExec, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Frequency = job.Frequency(freq)
	j.Status = job.Status(status)
	if j.At, err = job.ParseTimeOfDay(at); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.StartDate, err = parseTime(start); err != nil {
		return nil, err
	}
	if j.EndDate, err = parseNullTime(end); err != nil {
		return nil, err
	}
	if j.LastExecution, err = parseNullTime(lastExec); err != nil {
		return nil, err
	}
	if j.NextExecution, err = parseNullTime(nextExec); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanExecution(r rowScanner) (*job.Execution, error) {
	var (
		e         job.Execution
		started   string
		completed sql.NullString
		status    string
		dur       int64
	)
	err := r.Scan(&e.ID, &e.JobID, &started, &completed, &status, &e.Output, &e.ErrorOutput, &dur)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = job.ExecutionStatus(status)
	e.Duration = time.Duration(dur)
	if e.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &e, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		// Accept hand-edited rows in plain RFC3339.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
