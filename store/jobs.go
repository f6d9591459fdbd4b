package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/conductor/jobs"
)

const jobColumns = `id, type, status, attempts, max_attempts, scheduled_at, next_retry_at, started_at, completed_at,
	payload, result, error, created_at, updated_at`

func scanJob(s scanner) (*jobs.Job, error) {
	var (
		j                               jobs.Job
		typ, status, payload, result    string
		scheduledAt, createdAt, updated int64
		retryAt, startedAt, completedAt sql.NullInt64
	)
	if err := s.Scan(&j.ID, &typ, &status, &j.Attempts, &j.MaxAttempts, &scheduledAt, &retryAt, &startedAt,
		&completedAt, &payload, &result, &j.Error, &createdAt, &updated); err != nil {
		return nil, err
	}
	j.Type = jobs.Type(typ)
	j.Status = jobs.Status(status)
	j.ScheduledAt = fromUnix(scheduledAt)
	j.NextRetryAt = timePtr(retryAt)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	j.Payload = textRaw(payload)
	j.Result = textRaw(result)
	j.CreatedAt = fromUnix(createdAt)
	j.UpdatedAt = fromUnix(updated)
	return &j, nil
}

func insertJob(ctx context.Context, c conn, j *jobs.Job, now time.Time) error {
	if j.ID == "" {
		j.ID = newID()
	}
	if j.Status == "" {
		j.Status = jobs.StatusPending
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = now
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	_, err := c.exec(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Type), string(j.Status), j.Attempts, j.MaxAttempts, toUnix(j.ScheduledAt),
		nullUnix(j.NextRetryAt), nullUnix(j.StartedAt), nullUnix(j.CompletedAt),
		rawText(j.Payload), rawText(j.Result), j.Error, toUnix(now), toUnix(now))
	if err != nil {
		return storageErr("insert job", err)
	}
	return nil
}

// EnqueueJobs inserts jobs in one transaction.
func (s *Store) EnqueueJobs(ctx context.Context, js ...*jobs.Job) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(c conn) error {
		for _, j := range js {
			if err := insertJob(ctx, c, j, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := scanJob(s.conn().queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("job", id)
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return j, nil
}

// ClaimJobs moves up to limit ready jobs to running. A job is ready when it is
// pending and scheduled, or retrying and past its retry time. Each claim is a
// conditional update, so concurrent processors never run the same attempt.
func (s *Store) ClaimJobs(ctx context.Context, limit int, now time.Time) ([]*jobs.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	var claimed []*jobs.Job
	err := s.withTx(ctx, func(c conn) error {
		rows, err := c.query(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE (status = ? AND scheduled_at <= ?) OR (status = ? AND next_retry_at <= ?)
			ORDER BY scheduled_at ASC, id ASC
			LIMIT ?`,
			string(jobs.StatusPending), toUnix(now), string(jobs.StatusRetrying), toUnix(now), limit)
		if err != nil {
			return storageErr("select ready jobs", err)
		}
		var ready []*jobs.Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return storageErr("scan job", err)
			}
			ready = append(ready, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storageErr("select ready jobs", err)
		}

		for _, j := range ready {
			n, err := c.execAffected(ctx, `
				UPDATE jobs SET status = ?, attempts = attempts + 1, started_at = ?, next_retry_at = NULL, updated_at = ?
				WHERE id = ? AND status = ?`,
				string(jobs.StatusRunning), toUnix(now), toUnix(now), j.ID, string(j.Status))
			if err != nil {
				return storageErr("claim job", err)
			}
			if n == 0 {
				continue
			}
			started := now.UTC()
			j.Status = jobs.StatusRunning
			j.Attempts++
			j.StartedAt = &started
			j.NextRetryAt = nil
			j.UpdatedAt = started
			claimed = append(claimed, j)
		}
		return nil
	})
	return claimed, err
}

// CompleteJob marks a running job completed with its result.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	now := toUnix(time.Now())
	n, err := s.conn().execAffected(ctx, `
		UPDATE jobs SET status = ?, result = ?, error = '', completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(jobs.StatusCompleted), rawText(result), now, now, id, string(jobs.StatusRunning))
	if err != nil {
		return storageErr("complete job", err)
	}
	if n == 0 {
		return fmt.Errorf("complete job %s: not running: %w", id, ErrNotFound)
	}
	return nil
}

// RetryJob schedules another attempt of a running job at retryAt.
func (s *Store) RetryJob(ctx context.Context, id, errMsg string, retryAt time.Time) error {
	n, err := s.conn().execAffected(ctx, `
		UPDATE jobs SET status = ?, error = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(jobs.StatusRetrying), errMsg, toUnix(retryAt), toUnix(time.Now()), id, string(jobs.StatusRunning))
	if err != nil {
		return storageErr("retry job", err)
	}
	if n == 0 {
		return fmt.Errorf("retry job %s: not running: %w", id, ErrNotFound)
	}
	return nil
}

// FailJob marks a running job permanently failed.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	now := toUnix(time.Now())
	n, err := s.conn().execAffected(ctx, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(jobs.StatusFailed), errMsg, now, now, id, string(jobs.StatusRunning))
	if err != nil {
		return storageErr("fail job", err)
	}
	if n == 0 {
		return fmt.Errorf("fail job %s: not running: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueStaleJobs recovers jobs left running since before cutoff, typically
// by a crashed processor. Jobs with attempts left become retrying at
// retryAt; the rest fail. It returns the number of jobs touched.
func (s *Store) RequeueStaleJobs(ctx context.Context, cutoff, retryAt time.Time) (int, error) {
	now := toUnix(time.Now())
	total := 0
	err := s.withTx(ctx, func(c conn) error {
		n, err := c.execAffected(ctx, `
			UPDATE jobs SET status = ?, error = ?, next_retry_at = ?, updated_at = ?
			WHERE status = ? AND started_at < ? AND attempts < max_attempts`,
			string(jobs.StatusRetrying), "processor stopped while running", toUnix(retryAt), now,
			string(jobs.StatusRunning), toUnix(cutoff))
		if err != nil {
			return storageErr("requeue stale jobs", err)
		}
		total += int(n)
		n, err = c.execAffected(ctx, `
			UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
			WHERE status = ? AND started_at < ?`,
			string(jobs.StatusFailed), "processor stopped while running on final attempt", now, now,
			string(jobs.StatusRunning), toUnix(cutoff))
		if err != nil {
			return storageErr("fail stale jobs", err)
		}
		total += int(n)
		return nil
	})
	return total, err
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status jobs.Status
	Type   jobs.Type
	Limit  int
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*jobs.Job, error) {
	var (
		q    strings.Builder
		args []any
	)
	q.WriteString(`SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`)
	if f.Status != "" {
		q.WriteString(" AND status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		q.WriteString(" AND type = ?")
		args = append(args, string(f.Type))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q.WriteString(" ORDER BY created_at DESC, id ASC LIMIT ?")
	args = append(args, limit)

	rows, err := s.conn().query(ctx, q.String(), args...)
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan job", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
