package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/capability"
	"github.com/GoCodeAlone/conductor/task"
)

const agentColumns = `id, name, type, capabilities, status, last_heartbeat, current_tasks, max_concurrent,
	avg_quality, rated, completed_count, failed_count, specialties, created_at, updated_at`

func scanAgent(s scanner) (*agent.Agent, error) {
	var (
		a                            agent.Agent
		typ, status, caps, specialty string
		heartbeat                    sql.NullInt64
		createdAt, updatedAt         int64
	)
	err := s.Scan(&a.ID, &a.Name, &typ, &caps, &status, &heartbeat, &a.CurrentTasks, &a.MaxConcurrent,
		&a.Performance.AvgQuality, &a.Performance.Rated, &a.Performance.Completed, &a.Performance.Failed,
		&specialty, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = agent.Type(typ)
	a.Status = agent.Status(status)
	a.Capabilities = decodeList(caps)
	a.Performance.Specialties = decodeList(specialty)
	a.LastHeartbeat = timePtr(heartbeat)
	a.CreatedAt = fromUnix(createdAt)
	a.UpdatedAt = fromUnix(updatedAt)
	return &a, nil
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	Status        agent.Status
	Type          agent.Type
	AvailableOnly bool
}

// UpsertAgent registers an agent or refreshes its profile. Load and
// performance counters survive re-registration.
func (s *Store) UpsertAgent(ctx context.Context, a *agent.Agent) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if err := a.Validate(); err != nil {
		return err
	}
	a.Capabilities = capability.Normalize(a.Capabilities)
	now := time.Now().UTC()
	a.LastHeartbeat = &now

	_, err := s.conn().exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, 0, 0, 0, 0, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			max_concurrent = excluded.max_concurrent,
			specialties = excluded.specialties,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, string(a.Type), jsonList(a.Capabilities), string(a.Status), toUnix(now),
		a.MaxConcurrent, jsonList(a.Performance.Specialties), toUnix(now), toUnix(now))
	if err != nil {
		return storageErr("upsert agent", err)
	}

	stored, err := s.GetAgent(ctx, a.ID)
	if err != nil {
		return err
	}
	*a = *stored
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	return getAgent(ctx, s.conn(), id)
}

func getAgent(ctx context.Context, c conn, id string) (*agent.Agent, error) {
	a, err := scanAgent(c.queryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("agent", id)
	}
	if err != nil {
		return nil, storageErr("get agent", err)
	}
	return a, nil
}

// ListAgents returns agents ordered by ID.
func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]*agent.Agent, error) {
	var (
		q    strings.Builder
		args []any
	)
	q.WriteString(`SELECT ` + agentColumns + ` FROM agents WHERE 1=1`)
	if f.Status != "" {
		q.WriteString(" AND status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		q.WriteString(" AND type = ?")
		args = append(args, string(f.Type))
	}
	if f.AvailableOnly {
		q.WriteString(" AND status IN (?, ?, ?)")
		args = append(args, string(agent.StatusIdle), string(agent.StatusActive), string(agent.StatusBusy))
	}
	q.WriteString(" ORDER BY id ASC")

	rows, err := s.conn().query(ctx, q.String(), args...)
	if err != nil {
		return nil, storageErr("list agents", err)
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, storageErr("scan agent", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Heartbeat records liveness and, when status is set, the agent's
// self-reported status.
func (s *Store) Heartbeat(ctx context.Context, id string, status agent.Status) (*agent.Agent, error) {
	now := toUnix(time.Now())
	var (
		n   int64
		err error
	)
	if status == "" {
		n, err = s.conn().execAffected(ctx, `UPDATE agents SET last_heartbeat = ?, updated_at = ? WHERE id = ?`, now, now, id)
	} else {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", agent.ErrInvalid, status)
		}
		n, err = s.conn().execAffected(ctx, `UPDATE agents SET last_heartbeat = ?, status = ?, updated_at = ? WHERE id = ?`,
			now, string(status), now, id)
	}
	if err != nil {
		return nil, storageErr("heartbeat", err)
	}
	if n == 0 {
		return nil, notFound("agent", id)
	}
	return s.GetAgent(ctx, id)
}

// MarkStaleAgents moves available agents whose last heartbeat is older than
// cutoff to offline and returns their ids.
func (s *Store) MarkStaleAgents(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []string
	err := s.withTx(ctx, func(c conn) error {
		rows, err := c.query(ctx, `
			SELECT id FROM agents
			WHERE status IN (?, ?, ?) AND COALESCE(last_heartbeat, created_at) < ?
			ORDER BY id`,
			string(agent.StatusIdle), string(agent.StatusActive), string(agent.StatusBusy), toUnix(cutoff))
		if err != nil {
			return storageErr("find stale agents", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return storageErr("scan agent id", err)
			}
			stale = append(stale, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storageErr("find stale agents", err)
		}
		if len(stale) == 0 {
			return nil
		}
		args := append([]any{string(agent.StatusOffline), toUnix(time.Now())}, stringArgs(stale)...)
		if _, err := c.exec(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id IN (`+placeholders(len(stale))+`)`, args...); err != nil {
			return storageErr("mark agents offline", err)
		}
		return nil
	})
	return stale, err
}

// RequeueAssignedTasks returns tasks that the given agents claimed but never
// started to pending and recomputes those agents' load. It returns the
// requeued task ids.
func (s *Store) RequeueAssignedTasks(ctx context.Context, agentIDs []string) ([]string, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	var requeued []string
	err := s.withTx(ctx, func(c conn) error {
		rows, err := c.query(ctx, `
			SELECT id FROM tasks WHERE status = ? AND assigned_agent_id IN (`+placeholders(len(agentIDs))+`)
			ORDER BY id`,
			append([]any{string(task.StatusAssigned)}, stringArgs(agentIDs)...)...)
		if err != nil {
			return storageErr("find assigned tasks", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return storageErr("scan task id", err)
			}
			requeued = append(requeued, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storageErr("find assigned tasks", err)
		}
		if len(requeued) == 0 {
			return nil
		}
		now := toUnix(time.Now())
		args := append([]any{string(task.StatusPending), now, string(task.StatusAssigned)}, stringArgs(requeued)...)
		if _, err := c.exec(ctx, `
			UPDATE tasks SET status = ?, assigned_agent_id = '', updated_at = ?
			WHERE status = ? AND id IN (`+placeholders(len(requeued))+`)`, args...); err != nil {
			return storageErr("requeue tasks", err)
		}
		args = append([]any{string(task.StatusAssigned), string(task.StatusInProgress), now}, stringArgs(agentIDs)...)
		if _, err := c.exec(ctx, `
			UPDATE agents SET current_tasks = (
				SELECT COUNT(*) FROM tasks t
				WHERE t.assigned_agent_id = agents.id AND t.status IN (?, ?)
			), updated_at = ?
			WHERE id IN (`+placeholders(len(agentIDs))+`)`, args...); err != nil {
			return storageErr("recompute agent load", err)
		}
		return nil
	})
	return requeued, err
}

// RecordQuality folds one quality score into the agent's running average.
func (s *Store) RecordQuality(ctx context.Context, agentID string, score float64) error {
	return recordQuality(ctx, s.conn(), agentID, score)
}

func recordQuality(ctx context.Context, c conn, agentID string, score float64) error {
	_, err := c.exec(ctx, `
		UPDATE agents SET
			avg_quality = (avg_quality * rated + ?) / (rated + 1),
			rated = rated + 1,
			updated_at = ?
		WHERE id = ?`, score, toUnix(time.Now()), agentID)
	if err != nil {
		return storageErr("record quality", err)
	}
	return nil
}
