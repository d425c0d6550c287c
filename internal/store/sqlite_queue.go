package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/toolscout/internal/model"
)

func scanSQLiteJob(row rowScanner) (*model.QueueJob, error) {
	var (
		j                    model.QueueJob
		typ, status, payload string
		owner, result, errS  sql.NullString
		scheduled            int64
		lockExp, completed   sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&j.ID, &typ, &status, &j.Priority, &scheduled, &payload, &j.RetryCount, &j.MaxRetries,
		&owner, &lockExp, &result, &errS, &createdAt, &updatedAt, &completed,
	); err != nil {
		return nil, err
	}
	j.Type = model.JobType(typ)
	j.Status = model.JobStatus(status)
	j.ScheduledFor = fromMillis(scheduled)
	j.Payload = json.RawMessage(payload)
	j.LockOwner = owner.String
	j.LockExpiresAt = fromNullMillis(lockExp)
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	j.Error = errS.String
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	j.CompletedAt = fromNullMillis(completed)
	return &j, nil
}

func requireOwned(res sql.Result, id, owner string) error {
	ok, err := checkRowsAffected(res)
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if !ok {
		return &ErrLockLost{JobID: id, Owner: owner}
	}
	return nil
}

// InsertJob stores a new job. A job with an existing id is left untouched.
func (s *SQLiteStore) InsertJob(ctx context.Context, job *model.QueueJob) error {
	created := toMillis(job.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, type, status, priority, scheduled_for, payload, retry_count,
			max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, string(job.Type), string(job.Status), job.Priority, toMillis(job.ScheduledFor),
		string(job.Payload), job.RetryCount, job.MaxRetries, created, created,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

// GetJob fetches a job by id. It returns nil when not found.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.QueueJob, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

// CountJobs counts jobs in status.
func (s *SQLiteStore) CountJobs(ctx context.Context, status model.JobStatus) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM queue_jobs WHERE status = ?`, string(status)).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "sqlite: count %s jobs", status)
	}
	return n, nil
}

// CountJobsByStatus returns job counts grouped by status.
func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM queue_jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs by status")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job count")
		}
		out[model.JobStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate job counts")
}

// ClaimJobs locks due jobs for p.Owner in a single UPDATE ... RETURNING.
// SQLite serializes writers, so the subquery and update see one snapshot.
func (s *SQLiteStore) ClaimJobs(ctx context.Context, p ClaimParams) ([]model.QueueJob, error) {
	if p.Limit <= 0 {
		return nil, nil
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	nowMs := toMillis(now)

	args := []any{p.Owner, toMillis(now.Add(p.LockTTL)), nowMs, nowMs, nowMs}
	filter := ""
	if len(p.ExcludeTypes) > 0 {
		filter += ` AND type NOT IN (` + placeholders(len(p.ExcludeTypes)) + `)`
		for _, t := range p.ExcludeTypes {
			args = append(args, string(t))
		}
	}
	if len(p.OnlyTypes) > 0 {
		filter += ` AND type IN (` + placeholders(len(p.OnlyTypes)) + `)`
		for _, t := range p.OnlyTypes {
			args = append(args, string(t))
		}
	}
	args = append(args, p.Limit)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE queue_jobs SET
			status = 'processing', lock_owner = ?, lock_expires_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE ((status = 'pending' AND scheduled_for <= ?)
				OR (status = 'processing' AND lock_expires_at < ?))`+filter+`
			ORDER BY priority DESC, created_at ASC
			LIMIT ?
		)
		RETURNING `+jobColumns, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.QueueJob
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan claimed job")
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate claimed jobs")
	}
	sortClaimed(out)
	return out, nil
}

// CompleteJob marks a job owned by owner completed with result.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id, owner string, result json.RawMessage, at time.Time) error {
	now := toMillis(stamp(at))
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET
			status = 'completed', result = ?, error = NULL,
			lock_owner = NULL, lock_expires_at = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND lock_owner = ? AND status = 'processing'`,
		nullString(string(result)), now, now, id, owner,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return requireOwned(res, id, owner)
}

// RequeueJob returns a job owned by owner to pending at scheduledFor.
func (s *SQLiteStore) RequeueJob(ctx context.Context, id, owner, errMsg string, scheduledFor time.Time, countRetry bool, at time.Time) error {
	inc := 0
	if countRetry {
		inc = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET
			status = 'pending', scheduled_for = ?, error = ?, retry_count = retry_count + ?,
			lock_owner = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lock_owner = ? AND status = 'processing'`,
		toMillis(scheduledFor), nullString(errMsg), inc, toMillis(stamp(at)), id, owner,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue job %s", id)
	}
	return requireOwned(res, id, owner)
}

// FailJob marks a job owned by owner permanently failed.
func (s *SQLiteStore) FailJob(ctx context.Context, id, owner, errMsg string, at time.Time) error {
	now := toMillis(stamp(at))
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET
			status = 'failed', error = ?,
			lock_owner = NULL, lock_expires_at = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND lock_owner = ? AND status = 'processing'`,
		errMsg, now, now, id, owner,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return requireOwned(res, id, owner)
}

// ExtendLock pushes the lock expiry of a job owned by owner to until.
func (s *SQLiteStore) ExtendLock(ctx context.Context, id, owner string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET lock_expires_at = ?, updated_at = ?
		WHERE id = ? AND lock_owner = ? AND status = 'processing'`,
		toMillis(until), toMillis(time.Now()), id, owner,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: extend lock %s", id)
	}
	return requireOwned(res, id, owner)
}

// ReleaseLocks returns every processing job held by owner to pending.
func (s *SQLiteStore) ReleaseLocks(ctx context.Context, owner string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET
			status = 'pending', lock_owner = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE lock_owner = ? AND status = 'processing'`,
		toMillis(time.Now()), owner,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: release locks for %s", owner)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

// CancelJob cancels a pending job.
func (s *SQLiteStore) CancelJob(ctx context.Context, id string) (bool, error) {
	now := toMillis(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		now, now, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel job %s", id)
	}
	ok, err := checkRowsAffected(res)
	return ok, eris.Wrap(err, "sqlite: rows affected")
}
