package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/toolscout/internal/model"
)

const jobColumns = `id, type, status, priority, scheduled_for, payload, retry_count, max_retries,
	lock_owner, lock_expires_at, result, error, created_at, updated_at, completed_at`

func scanPgJob(row pgx.Row) (*model.QueueJob, error) {
	var (
		j       model.QueueJob
		typ     string
		status  string
		payload []byte
		result  []byte
		owner   *string
		errMsg  *string
	)
	if err := row.Scan(
		&j.ID, &typ, &status, &j.Priority, &j.ScheduledFor, &payload, &j.RetryCount, &j.MaxRetries,
		&owner, &j.LockExpiresAt, &result, &errMsg, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	j.Type = model.JobType(typ)
	j.Status = model.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	j.LockOwner = derefString(owner)
	j.Error = derefString(errMsg)
	return &j, nil
}

// sortClaimed restores claim order, which RETURNING does not guarantee.
func sortClaimed(jobs []model.QueueJob) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}

func jsonOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// InsertJob stores a new job. A job with an existing id is left untouched.
func (s *PostgresStore) InsertJob(ctx context.Context, job *model.QueueJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_jobs (id, type, status, priority, scheduled_for, payload, retry_count,
			max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $9)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, string(job.Type), string(job.Status), job.Priority, job.ScheduledFor,
		string(job.Payload), job.RetryCount, job.MaxRetries, job.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

// GetJob fetches a job by id. It returns nil when not found.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.QueueJob, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

// CountJobs counts jobs in status.
func (s *PostgresStore) CountJobs(ctx context.Context, status model.JobStatus) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM queue_jobs WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "postgres: count %s jobs", status)
	}
	return n, nil
}

// CountJobsByStatus returns job counts grouped by status.
func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM queue_jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs by status")
	}
	defer rows.Close()

	out := make(map[model.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job count")
		}
		out[model.JobStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate job counts")
}

// ClaimJobs locks due jobs for p.Owner. FOR UPDATE SKIP LOCKED keeps
// concurrent workers from claiming the same row; the outer predicate
// re-checks the claimable state after the lock is taken.
func (s *PostgresStore) ClaimJobs(ctx context.Context, p ClaimParams) ([]model.QueueJob, error) {
	if p.Limit <= 0 {
		return nil, nil
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	exclude := typeNames(p.ExcludeTypes)
	only := typeNames(p.OnlyTypes)

	rows, err := s.pool.Query(ctx, `
		UPDATE queue_jobs SET
			status = 'processing', lock_owner = $1, lock_expires_at = $2, updated_at = $3
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE ((status = 'pending' AND scheduled_for <= $3)
				OR (status = 'processing' AND lock_expires_at < $3))
				AND NOT (type = ANY($4))
				AND (cardinality($6::text[]) = 0 OR type = ANY($6))
			ORDER BY priority DESC, created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		) AND (status = 'pending' OR lock_expires_at < $3)
		RETURNING `+jobColumns,
		p.Owner, now.Add(p.LockTTL), now, exclude, p.Limit, only,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim jobs")
	}
	defer rows.Close()

	var out []model.QueueJob
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan claimed job")
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate claimed jobs")
	}
	sortClaimed(out)
	return out, nil
}

func typeNames(types []model.JobType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// CompleteJob marks a job owned by owner completed with result.
func (s *PostgresStore) CompleteJob(ctx context.Context, id, owner string, result json.RawMessage, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs SET
			status = 'completed', result = $3::jsonb, error = NULL,
			lock_owner = NULL, lock_expires_at = NULL, completed_at = $4, updated_at = $4
		WHERE id = $1 AND lock_owner = $2 AND status = 'processing'`,
		id, owner, jsonOrNil(result), stamp(at),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return &ErrLockLost{JobID: id, Owner: owner}
	}
	return nil
}

// RequeueJob returns a job owned by owner to pending at scheduledFor.
func (s *PostgresStore) RequeueJob(ctx context.Context, id, owner, errMsg string, scheduledFor time.Time, countRetry bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs SET
			status = 'pending', scheduled_for = $3, error = $4,
			retry_count = retry_count + CASE WHEN $5 THEN 1 ELSE 0 END,
			lock_owner = NULL, lock_expires_at = NULL, updated_at = $6
		WHERE id = $1 AND lock_owner = $2 AND status = 'processing'`,
		id, owner, scheduledFor, nilIfEmpty(errMsg), countRetry, stamp(at),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return &ErrLockLost{JobID: id, Owner: owner}
	}
	return nil
}

// FailJob marks a job owned by owner permanently failed.
func (s *PostgresStore) FailJob(ctx context.Context, id, owner, errMsg string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs SET
			status = 'failed', error = $3,
			lock_owner = NULL, lock_expires_at = NULL, completed_at = $4, updated_at = $4
		WHERE id = $1 AND lock_owner = $2 AND status = 'processing'`,
		id, owner, errMsg, stamp(at),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return &ErrLockLost{JobID: id, Owner: owner}
	}
	return nil
}

// ExtendLock pushes the lock expiry of a job owned by owner to until.
func (s *PostgresStore) ExtendLock(ctx context.Context, id, owner string, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs SET lock_expires_at = $3, updated_at = now()
		WHERE id = $1 AND lock_owner = $2 AND status = 'processing'`,
		id, owner, until,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: extend lock %s", id)
	}
	if tag.RowsAffected() == 0 {
		return &ErrLockLost{JobID: id, Owner: owner}
	}
	return nil
}

// ReleaseLocks returns every processing job held by owner to pending.
func (s *PostgresStore) ReleaseLocks(ctx context.Context, owner string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs SET
			status = 'pending', lock_owner = NULL, lock_expires_at = NULL, updated_at = now()
		WHERE lock_owner = $1 AND status = 'processing'`,
		owner,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: release locks for %s", owner)
	}
	return int(tag.RowsAffected()), nil
}

// CancelJob cancels a pending job.
func (s *PostgresStore) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel job %s", id)
	}
	return tag.RowsAffected() > 0, nil
}
