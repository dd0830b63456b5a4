package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store manages job persistence. It shares the catalog's SQLite handle so job
// rows commit through the same connection pool as library rows.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open catalog database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const (
	sqliteBusyCode  = 5
	busyAttempts    = 5
	busyBaseBackoff = 10 * time.Millisecond
	busyMaxBackoff  = 200 * time.Millisecond
)

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// sqliteBusy reports whether err means a concurrent writer holds the lock.
func sqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code() == sqliteBusyCode
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs op, backing off and retrying while the database is locked.
// The final attempt's error is returned as is.
func retryOnBusy(ctx context.Context, op func() error) error {
	backoff := busyBaseBackoff
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !sqliteBusy(err) || attempt == busyAttempts {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, busyMaxBackoff)
	}
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) execWithoutResultRetry(ctx context.Context, query string, args ...any) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	ctx = ensureContext(ctx)
	var tx *sql.Tx
	err := retryOnBusy(ctx, func() error {
		var beginErr error
		tx, beginErr = s.db.BeginTx(ctx, nil)
		return beginErr
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func timePtr(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

const jobColumns = "id, type, lane, priority, state, payload, progress, checkpoint, retry_only, error_message, created_at, started_at, finished_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job          Job
		payload      sql.NullString
		progress     sql.NullString
		checkpoint   sql.NullString
		retryOnly    int
		errorMessage sql.NullString
		createdRaw   sql.NullString
		startedRaw   sql.NullString
		finishedRaw  sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.Type,
		&job.Lane,
		&job.Priority,
		&job.State,
		&payload,
		&progress,
		&checkpoint,
		&retryOnly,
		&errorMessage,
		&createdRaw,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}
	job.Payload = payload.String
	job.Progress = progress.String
	job.Checkpoint = checkpoint.String
	job.RetryOnly = retryOnly != 0
	job.ErrorMessage = errorMessage.String
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	job.StartedAt = timePtr(startedRaw)
	job.FinishedAt = timePtr(finishedRaw)
	return &job, nil
}

// CreateJob inserts a queued job row.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return errors.New("job id required")
	}
	job.State = StateQueued
	job.CreatedAt = time.Now().UTC()
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO job (id, type, lane, priority, state, payload, retry_only, created_at)
         VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		job.ID,
		job.Type,
		job.Lane,
		job.Priority,
		job.State,
		nullableString(job.Payload),
		formatTime(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// JobByID fetches a job by identifier. A missing job yields (nil, nil).
func (s *Store) JobByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) nextQueued(ctx context.Context, lane Lane) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM job
         WHERE lane = ? AND state = ?
         ORDER BY CASE priority WHEN ? THEN 0 ELSE 1 END, created_at, id
         LIMIT 1`,
		lane,
		StateQueued,
		PriorityInteractive,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next queued job: %w", err)
	}
	return job, nil
}

// ClaimNextQueued atomically moves the highest-priority queued job for a lane
// into the running state. (nil, nil) means the lane is idle. Workers racing on
// the same lane lose the guarded update and retry against the next candidate.
func (s *Store) ClaimNextQueued(ctx context.Context, lane Lane) (*Job, error) {
	for {
		job, err := s.nextQueued(ctx, lane)
		if err != nil || job == nil {
			return nil, err
		}
		now := time.Now().UTC()
		res, err := s.execWithRetry(
			ctx,
			`UPDATE job SET state = ?, started_at = ?, finished_at = NULL, error_message = NULL WHERE id = ? AND state = ?`,
			StateRunning,
			formatTime(now),
			job.ID,
			StateQueued,
		)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim job rows: %w", err)
		}
		if affected == 1 {
			job.State = StateRunning
			job.StartedAt = &now
			job.FinishedAt = nil
			job.ErrorMessage = ""
			return job, nil
		}
	}
}

// MarkFinished records a terminal state for a job.
func (s *Store) MarkFinished(ctx context.Context, id string, state State, errorMessage string) error {
	if !state.Terminal() {
		return fmt.Errorf("state %q is not terminal", state)
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE job SET state = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		state,
		nullableString(errorMessage),
		formatTime(time.Now().UTC()),
		id,
	); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// CancelQueued moves a still-queued job straight to cancelled. It reports
// false when the job was claimed first and must be cancelled cooperatively.
func (s *Store) CancelQueued(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE job SET state = ?, finished_at = ? WHERE id = ? AND state = ?`,
		StateCancelled,
		formatTime(time.Now().UTC()),
		id,
		StateQueued,
	)
	if err != nil {
		return false, fmt.Errorf("cancel queued job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel queued rows: %w", err)
	}
	return affected == 1, nil
}

// Requeue returns a terminal job to the queue. Checkpoint and progress are
// preserved so the handler can continue where the previous run stopped.
func (s *Store) Requeue(ctx context.Context, id string, retryOnly bool) error {
	retryFlag := 0
	if retryOnly {
		retryFlag = 1
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE job SET state = ?, retry_only = ?, error_message = NULL, started_at = NULL, finished_at = NULL WHERE id = ?`,
		StateQueued,
		retryFlag,
		id,
	); err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// UpdateProgress persists the latest progress snapshot JSON on the job row.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE job SET progress = ? WHERE id = ?`,
		nullableString(progress),
		id,
	); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// UpdateCheckpoint persists the handler's resume cursor on the job row.
func (s *Store) UpdateCheckpoint(ctx context.Context, id string, checkpoint string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE job SET checkpoint = ? WHERE id = ?`,
		nullableString(checkpoint),
		id,
	); err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}
	return nil
}

// ReclaimInterrupted cancels jobs a dead process left running. Checkpoints
// stay intact so the jobs remain resumable.
func (s *Store) ReclaimInterrupted(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE job SET state = ?, error_message = ?, finished_at = ? WHERE state = ?`,
		StateCancelled,
		InterruptedMessage,
		formatTime(time.Now().UTC()),
		StateRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim interrupted jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim rows: %w", err)
	}
	return affected, nil
}

// ListJobs returns jobs filtered by state, newest first. An empty state list
// returns every job up to limit.
func (s *Store) ListJobs(ctx context.Context, states []State, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job`
	args := make([]any, 0, len(states)+1)
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, state := range states {
			placeholders[i] = "?"
			args = append(args, state)
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats returns a count of jobs grouped by state.
func (s *Store) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM job GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[State]int)
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

const jobErrorColumns = "id, job_id, item_ref, code, message, resolution, created_at"

func scanJobError(scanner interface{ Scan(dest ...any) error }) (*JobError, error) {
	var (
		entry      JobError
		message    sql.NullString
		createdRaw sql.NullString
	)
	if err := scanner.Scan(
		&entry.ID,
		&entry.JobID,
		&entry.ItemRef,
		&entry.Code,
		&message,
		&entry.Resolution,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	entry.Message = message.String
	if created, err := parseTimeString(createdRaw.String); err == nil {
		entry.CreatedAt = created
	}
	return &entry, nil
}

// AddError records one failed item for a job and returns the row id.
func (s *Store) AddError(ctx context.Context, jobID, itemRef, code, message string) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO job_error (job_id, item_ref, code, message, resolution, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		jobID,
		itemRef,
		code,
		nullableString(message),
		ResolutionPending,
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert job error: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job error id: %w", err)
	}
	return id, nil
}

// ErrorsForJob returns every recorded item error for a job, oldest first.
func (s *Store) ErrorsForJob(ctx context.Context, jobID string) ([]*JobError, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobErrorColumns+` FROM job_error WHERE job_id = ? ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list job errors: %w", err)
	}
	defer rows.Close()

	var entries []*JobError
	for rows.Next() {
		entry, err := scanJobError(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RetrySelection returns the error entries marked for retry, oldest first.
func (s *Store) RetrySelection(ctx context.Context, jobID string) ([]*JobError, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobErrorColumns+` FROM job_error WHERE job_id = ? AND resolution = ? ORDER BY id`,
		jobID,
		ResolutionRetry,
	)
	if err != nil {
		return nil, fmt.Errorf("retry selection: %w", err)
	}
	defer rows.Close()

	var entries []*JobError
	for rows.Next() {
		entry, err := scanJobError(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkErrorsRetry flips the selected pending entries to the retry resolution.
// The whole selection must consist of pending entries owned by the job or the
// transaction rolls back.
func (s *Store) MarkErrorsRetry(ctx context.Context, jobID string, errorIDs []int64) error {
	if len(errorIDs) == 0 {
		return nil
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin retry tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	placeholders := make([]string, len(errorIDs))
	args := make([]any, 0, len(errorIDs)+3)
	args = append(args, ResolutionRetry, jobID)
	for i, id := range errorIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, ResolutionPending)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE job_error SET resolution = ? WHERE job_id = ? AND id IN (`+strings.Join(placeholders, ",")+`) AND resolution = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("mark errors retry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark errors rows: %w", err)
	}
	if affected != int64(len(errorIDs)) {
		return fmt.Errorf("selection matched %d of %d pending entries", affected, len(errorIDs))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retry tx: %w", err)
	}
	return nil
}

// ResolveError marks one error entry with a final resolution.
func (s *Store) ResolveError(ctx context.Context, errorID int64, resolution string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE job_error SET resolution = ? WHERE id = ?`,
		resolution,
		errorID,
	); err != nil {
		return fmt.Errorf("resolve job error: %w", err)
	}
	return nil
}
