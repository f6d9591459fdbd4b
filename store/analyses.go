package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/GoCodeAlone/conductor/jobs"
)

const analysisColumns = `id, task_id, project_id, agent_id, kind, quality_score, summary, suggestions, source, status, created_at, reviewed_at`

func scanAnalysis(s scanner) (*jobs.Analysis, error) {
	var (
		a                   jobs.Analysis
		suggestions, status string
		createdAt           int64
		reviewedAt          sql.NullInt64
	)
	if err := s.Scan(&a.ID, &a.TaskID, &a.ProjectID, &a.AgentID, &a.Kind, &a.QualityScore, &a.Summary,
		&suggestions, &a.Source, &status, &createdAt, &reviewedAt); err != nil {
		return nil, err
	}
	a.Suggestions = decodeList(suggestions)
	a.Status = jobs.AnalysisStatus(status)
	a.CreatedAt = fromUnix(createdAt)
	a.ReviewedAt = timePtr(reviewedAt)
	return &a, nil
}

// UpsertAnalysis stores the analysis for (task, kind), replacing the content
// of an earlier row. The agent's quality average absorbs the score only on
// first insert, so a retried job never double counts. It reports whether a
// new row was created.
func (s *Store) UpsertAnalysis(ctx context.Context, a *jobs.Analysis) (bool, error) {
	inserted := false
	err := s.withTx(ctx, func(c conn) error {
		now := time.Now().UTC()
		var existingID string
		err := c.queryRow(ctx, `SELECT id FROM task_analyses WHERE task_id = ? AND kind = ?`, a.TaskID, a.Kind).Scan(&existingID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if a.ID == "" {
				a.ID = newID()
			}
			if a.Status == "" {
				a.Status = jobs.AnalysisPending
			}
			a.CreatedAt = now
			_, err = c.exec(ctx, `INSERT INTO task_analyses (`+analysisColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.TaskID, a.ProjectID, a.AgentID, a.Kind, a.QualityScore, a.Summary, jsonList(a.Suggestions),
				a.Source, string(a.Status), toUnix(now), nullUnix(a.ReviewedAt))
			if err != nil {
				return storageErr("insert analysis", err)
			}
			inserted = true
			if a.AgentID != "" {
				return recordQuality(ctx, c, a.AgentID, a.QualityScore)
			}
			return nil
		case err != nil:
			return storageErr("find analysis", err)
		}

		a.ID = existingID
		_, err = c.exec(ctx, `
			UPDATE task_analyses SET quality_score = ?, summary = ?, suggestions = ?, source = ?
			WHERE id = ?`,
			a.QualityScore, a.Summary, jsonList(a.Suggestions), a.Source, existingID)
		if err != nil {
			return storageErr("update analysis", err)
		}
		return nil
	})
	return inserted, err
}

// ListAnalyses returns analyses oldest first, optionally filtered by status
// and project.
func (s *Store) ListAnalyses(ctx context.Context, status jobs.AnalysisStatus, projectID string, limit int) ([]*jobs.Analysis, error) {
	var (
		q    strings.Builder
		args []any
	)
	q.WriteString(`SELECT ` + analysisColumns + ` FROM task_analyses WHERE 1=1`)
	if status != "" {
		q.WriteString(" AND status = ?")
		args = append(args, string(status))
	}
	if projectID != "" {
		q.WriteString(" AND project_id = ?")
		args = append(args, projectID)
	}
	if limit <= 0 {
		limit = 100
	}
	q.WriteString(" ORDER BY created_at ASC, id ASC LIMIT ?")
	args = append(args, limit)

	rows, err := s.conn().query(ctx, q.String(), args...)
	if err != nil {
		return nil, storageErr("list analyses", err)
	}
	defer rows.Close()

	var out []*jobs.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, storageErr("scan analysis", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CompleteReview stores a supervisor review and marks its analyses reviewed
// in one transaction. Re-running with the same review id is a no-op.
func (s *Store) CompleteReview(ctx context.Context, r *jobs.Review) error {
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt = now
	return s.withTx(ctx, func(c conn) error {
		n, err := c.execAffected(ctx, `
			INSERT INTO supervisor_reviews (id, project_id, analysis_ids, approved, rejected, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			r.ID, r.ProjectID, jsonList(r.AnalysisIDs), jsonList(r.Approved), jsonList(r.Rejected), r.Notes, toUnix(now))
		if err != nil {
			return storageErr("insert review", err)
		}
		if n == 0 || len(r.AnalysisIDs) == 0 {
			return nil
		}
		args := append([]any{string(jobs.AnalysisReviewed), toUnix(now)}, stringArgs(r.AnalysisIDs)...)
		if _, err := c.exec(ctx, `UPDATE task_analyses SET status = ?, reviewed_at = ? WHERE id IN (`+
			placeholders(len(r.AnalysisIDs))+`)`, args...); err != nil {
			return storageErr("mark analyses reviewed", err)
		}
		return nil
	})
}

// ListReviews returns supervisor reviews newest first.
func (s *Store) ListReviews(ctx context.Context, limit int) ([]*jobs.Review, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn().query(ctx, `
		SELECT id, project_id, analysis_ids, approved, rejected, notes, created_at
		FROM supervisor_reviews ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list reviews", err)
	}
	defer rows.Close()

	var out []*jobs.Review
	for rows.Next() {
		var (
			r                       jobs.Review
			ids, approved, rejected string
			created                 int64
		)
		if err := rows.Scan(&r.ID, &r.ProjectID, &ids, &approved, &rejected, &r.Notes, &created); err != nil {
			return nil, storageErr("scan review", err)
		}
		r.AnalysisIDs = decodeList(ids)
		r.Approved = decodeList(approved)
		r.Rejected = decodeList(rejected)
		r.CreatedAt = fromUnix(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpsertPattern records a pattern for a project, bumping its occurrence count
// when the name already exists.
func (s *Store) UpsertPattern(ctx context.Context, p *jobs.Pattern) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Occurrences <= 0 {
		p.Occurrences = 1
	}
	p.UpdatedAt = time.Now().UTC()
	_, err := s.conn().exec(ctx, `
		INSERT INTO project_patterns (id, project_id, name, description, recommendation, occurrences, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, name) DO UPDATE SET
			description = excluded.description,
			recommendation = excluded.recommendation,
			occurrences = project_patterns.occurrences + excluded.occurrences,
			updated_at = excluded.updated_at`,
		p.ID, p.ProjectID, p.Name, p.Description, p.Recommendation, p.Occurrences, toUnix(p.UpdatedAt))
	if err != nil {
		return storageErr("upsert pattern", err)
	}
	return nil
}

// ListPatterns returns a project's patterns, most frequent first.
func (s *Store) ListPatterns(ctx context.Context, projectID string) ([]*jobs.Pattern, error) {
	rows, err := s.conn().query(ctx, `
		SELECT id, project_id, name, description, recommendation, occurrences, updated_at
		FROM project_patterns WHERE project_id = ? ORDER BY occurrences DESC, name ASC`, projectID)
	if err != nil {
		return nil, storageErr("list patterns", err)
	}
	defer rows.Close()

	var out []*jobs.Pattern
	for rows.Next() {
		var (
			p       jobs.Pattern
			updated int64
		)
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Description, &p.Recommendation, &p.Occurrences, &updated); err != nil {
			return nil, storageErr("scan pattern", err)
		}
		p.UpdatedAt = fromUnix(updated)
		out = append(out, &p)
	}
	return out, rows.Err()
}
