package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/GoCodeAlone/conductor/jobs"
	"github.com/GoCodeAlone/conductor/task"
)

const taskColumns = `id, project_id, parent_id, title, description, type, priority, status,
	assigned_agent_id, last_agent_id, depends_on, required_capabilities, input, output, error,
	workflow_instance_id, workflow_root, phase, depth, preferred_agent_types,
	requires_redundancy, redundancy_agent_types, acceptance_criteria, estimated_hours,
	created_at, updated_at, started_at, completed_at`

func scanTask(s scanner) (*task.Task, error) {
	var (
		t                                      task.Task
		typ, status, deps, caps, input, output string
		preferred, redundancyTypes, acceptance string
		priority, workflowRoot, redundancy     int
		createdAt, updatedAt                   int64
		startedAt, completedAt                 sql.NullInt64
	)
	err := s.Scan(
		&t.ID, &t.ProjectID, &t.ParentID, &t.Title, &t.Description, &typ, &priority, &status,
		&t.AssignedAgentID, &t.LastAgentID, &deps, &caps, &input, &output, &t.Error,
		&t.WorkflowInstanceID, &workflowRoot, &t.Phase, &t.Depth, &preferred,
		&redundancy, &redundancyTypes, &acceptance, &t.EstimatedHours,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	t.DependsOn = decodeList(deps)
	t.RequiredCapabilities = decodeList(caps)
	t.Input = textRaw(input)
	t.Output = textRaw(output)
	t.WorkflowRoot = workflowRoot != 0
	t.PreferredAgentTypes = decodeList(preferred)
	t.RequiresRedundancy = redundancy != 0
	t.RedundancyAgentTypes = decodeList(redundancyTypes)
	t.AcceptanceCriteria = decodeList(acceptance)
	t.CreatedAt = fromUnix(createdAt)
	t.UpdatedAt = fromUnix(updatedAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

// insertTask writes t and its dependency edges. t.ID must be set.
func insertTask(ctx context.Context, c conn, t *task.Task) error {
	_, err := c.exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.ParentID, t.Title, t.Description, string(t.Type), int(t.Priority), string(t.Status),
		t.AssignedAgentID, t.LastAgentID, jsonList(t.DependsOn), jsonList(t.RequiredCapabilities),
		rawText(t.Input), rawText(t.Output), t.Error,
		t.WorkflowInstanceID, boolInt(t.WorkflowRoot), t.Phase, t.Depth, jsonList(t.PreferredAgentTypes),
		boolInt(t.RequiresRedundancy), jsonList(t.RedundancyAgentTypes), jsonList(t.AcceptanceCriteria), t.EstimatedHours,
		toUnix(t.CreatedAt), toUnix(t.UpdatedAt), nullUnix(t.StartedAt), nullUnix(t.CompletedAt),
	)
	if err != nil {
		return storageErr("insert task", err)
	}
	for _, dep := range t.DependsOn {
		if _, err := c.exec(ctx, `INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, t.ID, dep); err != nil {
			return storageErr("insert dependency", err)
		}
	}
	return nil
}

// CreateTask validates and persists a new pending task, setting its ID and
// timestamps. Every dependency must already exist.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = newID()
	}
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.Status = task.StatusPending
	t.AssignedAgentID = ""
	t.CreatedAt = now
	t.UpdatedAt = now

	return s.withTx(ctx, func(c conn) error {
		if t.ParentID != "" {
			parent, err := getTask(ctx, c, t.ParentID)
			if err != nil {
				return err
			}
			t.Depth = parent.Depth + 1
		}
		if err := requireTasks(ctx, c, t.DependsOn); err != nil {
			return err
		}
		return insertTask(ctx, c, t)
	})
}

// requireTasks fails with ErrNotFound when any id is unknown.
func requireTasks(ctx context.Context, c conn, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	statuses, err := taskStatuses(ctx, c, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := statuses[id]; !ok {
			return notFound("dependency task", id)
		}
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return getTask(ctx, s.conn(), id)
}

func getTask(ctx context.Context, c conn, id string) (*task.Task, error) {
	t, err := scanTask(c.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter in poll order.
func (s *Store) ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`)
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ProjectID != "" {
		q.WriteString(" AND project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.ParentID != "" {
		q.WriteString(" AND parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.AssignedAgentID != "" {
		q.WriteString(" AND assigned_agent_id = ?")
		args = append(args, filter.AssignedAgentID)
	}
	if filter.WorkflowInstanceID != "" {
		q.WriteString(" AND workflow_instance_id = ?")
		args = append(args, filter.WorkflowInstanceID)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC, id ASC")
	if filter.Limit > 0 {
		fmt.Fprintf(&q, " LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			fmt.Fprintf(&q, " OFFSET %d", filter.Offset)
		}
	}
	return queryTasks(ctx, s.conn(), q.String(), args...)
}

func queryTasks(ctx context.Context, c conn, query string, args ...any) ([]*task.Task, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list tasks", err)
	}
	return tasks, nil
}

// PendingTasks returns pending tasks ordered by priority descending, then
// oldest first.
func (s *Store) PendingTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	return s.PendingTasksAfter(ctx, nil, limit)
}

// PendingTasksAfter returns the page of pending tasks that follows after in
// poll order (priority descending, created_at, id). A nil after starts at
// the top of the queue.
func (s *Store) PendingTasksAfter(ctx context.Context, after *task.Task, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	if after == nil {
		return queryTasks(ctx, s.conn(), `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT ?`, string(task.StatusPending), limit)
	}
	created := toUnix(after.CreatedAt)
	return queryTasks(ctx, s.conn(), `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ?
		  AND (priority < ?
			OR (priority = ? AND created_at > ?)
			OR (priority = ? AND created_at = ? AND id > ?))
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?`,
		string(task.StatusPending),
		int(after.Priority),
		int(after.Priority), created,
		int(after.Priority), created, after.ID,
		limit)
}

// RecentCompletedTasks returns the latest completed tasks of a project.
func (s *Store) RecentCompletedTasks(ctx context.Context, projectID string, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	return queryTasks(ctx, s.conn(), `
		SELECT `+taskColumns+` FROM tasks
		WHERE project_id = ? AND status = ?
		ORDER BY completed_at DESC, id ASC
		LIMIT ?`, projectID, string(task.StatusCompleted), limit)
}

// TaskStatuses returns the current status of each existing id.
func (s *Store) TaskStatuses(ctx context.Context, ids []string) (map[string]task.Status, error) {
	return taskStatuses(ctx, s.conn(), ids)
}

func taskStatuses(ctx context.Context, c conn, ids []string) (map[string]task.Status, error) {
	out := make(map[string]task.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := c.query(ctx, `SELECT id, status FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, storageErr("task statuses", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, st string
		if err := rows.Scan(&id, &st); err != nil {
			return nil, storageErr("scan status", err)
		}
		out[id] = task.Status(st)
	}
	return out, rows.Err()
}

// ClaimTask atomically moves a pending task to assigned for agentID. It
// returns false, without error, when another caller won the race or a
// dependency is no longer completed. When the agent has no free slot the
// claim is rolled back and ErrAtCapacity is returned.
func (s *Store) ClaimTask(ctx context.Context, taskID, agentID string) (bool, error) {
	claimed := false
	err := s.withTx(ctx, func(c conn) error {
		ok, err := claimTask(ctx, c, taskID, agentID)
		claimed = ok
		return err
	})
	return claimed, err
}

func claimTask(ctx context.Context, c conn, taskID, agentID string) (bool, error) {
	now := toUnix(time.Now())
	n, err := c.execAffected(ctx, `
		UPDATE tasks
		SET status = ?, assigned_agent_id = ?, last_agent_id = ?, updated_at = ?
		WHERE id = ? AND status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			LEFT JOIN tasks p ON p.id = d.depends_on_id
			WHERE d.task_id = ? AND (p.id IS NULL OR p.status <> ?)
		  )`,
		string(task.StatusAssigned), agentID, agentID, now,
		taskID, string(task.StatusPending),
		taskID, string(task.StatusCompleted),
	)
	if err != nil {
		return false, storageErr("claim task", err)
	}
	if n == 0 {
		return false, nil
	}
	n, err = c.execAffected(ctx, `
		UPDATE agents SET current_tasks = current_tasks + 1, updated_at = ?
		WHERE id = ? AND current_tasks < max_concurrent`, now, agentID)
	if err != nil {
		return false, storageErr("increment agent load", err)
	}
	if n == 0 {
		return false, ErrAtCapacity
	}
	return true, nil
}

// ReleaseTask returns a task assigned to agentID to pending and frees the
// agent's slot. It is the recovery path for a claim the agent could not
// start.
func (s *Store) ReleaseTask(ctx context.Context, taskID, agentID string) (*task.Task, error) {
	var out *task.Task
	err := s.withTx(ctx, func(c conn) error {
		now := time.Now()
		n, err := c.execAffected(ctx, `
			UPDATE tasks SET status = ?, assigned_agent_id = '', updated_at = ?
			WHERE id = ? AND status = ? AND assigned_agent_id = ?`,
			string(task.StatusPending), toUnix(now),
			taskID, string(task.StatusAssigned), agentID)
		if err != nil {
			return storageErr("release task", err)
		}
		if n == 0 {
			t, err := getTask(ctx, c, taskID)
			if err != nil {
				return err
			}
			return &task.TransitionError{TaskID: taskID, From: t.Status, To: task.StatusPending,
				Reason: "task is not assigned to agent " + agentID}
		}
		if err := releaseAgent(ctx, c, agentID, "", now); err != nil {
			return err
		}
		t, err := getTask(ctx, c, taskID)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// transitionError explains why a conditional update touched no rows.
func transitionError(ctx context.Context, c conn, taskID string, to task.Status, agentID string) error {
	t, err := getTask(ctx, c, taskID)
	if err != nil {
		return err
	}
	if err := task.CheckTransition(t, to, agentID); err != nil {
		return err
	}
	return &task.TransitionError{TaskID: taskID, From: t.Status, To: to, Reason: "concurrent update"}
}

// StartTask moves an assigned task to in_progress for its owning agent and
// records started_at. The task's workflow instance becomes active.
func (s *Store) StartTask(ctx context.Context, taskID, agentID string) (*task.Task, error) {
	var out *task.Task
	err := s.withTx(ctx, func(c conn) error {
		now := toUnix(time.Now())
		n, err := c.execAffected(ctx, `
			UPDATE tasks SET status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND assigned_agent_id = ?`,
			string(task.StatusInProgress), now, now,
			taskID, string(task.StatusAssigned), agentID)
		if err != nil {
			return storageErr("start task", err)
		}
		if n == 0 {
			return transitionError(ctx, c, taskID, task.StatusInProgress, agentID)
		}
		t, err := getTask(ctx, c, taskID)
		if err != nil {
			return err
		}
		if t.WorkflowInstanceID != "" {
			if _, err := c.exec(ctx, `
				UPDATE workflow_instances SET status = 'active', updated_at = ?
				WHERE id = ? AND status = 'not_started'`, now, t.WorkflowInstanceID); err != nil {
				return storageErr("activate workflow", err)
			}
		}
		out = t
		return nil
	})
	return out, err
}

// CompleteTask moves an in_progress task to completed, stores the output,
// releases the agent, and inserts the jobs returned by plan, all in one
// transaction.
func (s *Store) CompleteTask(ctx context.Context, taskID, agentID string, output json.RawMessage, plan func(jobs.CompletionStats) []*jobs.Job) (*task.Task, []*jobs.Job, error) {
	var (
		out      *task.Task
		enqueued []*jobs.Job
	)
	err := s.withTx(ctx, func(c conn) error {
		now := time.Now().UTC()
		n, err := c.execAffected(ctx, `
			UPDATE tasks SET status = ?, output = ?, assigned_agent_id = '', completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND assigned_agent_id = ?`,
			string(task.StatusCompleted), rawText(output), toUnix(now), toUnix(now),
			taskID, string(task.StatusInProgress), agentID)
		if err != nil {
			return storageErr("complete task", err)
		}
		if n == 0 {
			return transitionError(ctx, c, taskID, task.StatusCompleted, agentID)
		}
		if err := releaseAgent(ctx, c, agentID, "completed_count", now); err != nil {
			return err
		}
		t, err := getTask(ctx, c, taskID)
		if err != nil {
			return err
		}
		out = t
		if plan == nil {
			return nil
		}

		stats := jobs.CompletionStats{Task: t}
		if err := c.queryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE project_id = ? AND status = ?`,
			t.ProjectID, string(task.StatusCompleted)).Scan(&stats.ProjectCompleted); err != nil {
			return storageErr("count completed", err)
		}
		if err := c.queryRow(ctx, `SELECT COUNT(*) FROM task_analyses WHERE status = ?`,
			string(jobs.AnalysisPending)).Scan(&stats.PendingAnalyses); err != nil {
			return storageErr("count analyses", err)
		}
		if err := c.queryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE type = ? AND status IN (?, ?, ?)`,
			string(jobs.TypeReviewSuggestions), string(jobs.StatusPending), string(jobs.StatusRunning), string(jobs.StatusRetrying),
		).Scan(&stats.OpenReviews); err != nil {
			return storageErr("count reviews", err)
		}

		for _, j := range plan(stats) {
			if err := insertJob(ctx, c, j, now); err != nil {
				return err
			}
			enqueued = append(enqueued, j)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, enqueued, nil
}

// FailTask moves an in_progress task to failed with errMsg.
func (s *Store) FailTask(ctx context.Context, taskID, agentID, errMsg string) (*task.Task, error) {
	var out *task.Task
	err := s.withTx(ctx, func(c conn) error {
		now := time.Now().UTC()
		n, err := c.execAffected(ctx, `
			UPDATE tasks SET status = ?, error = ?, assigned_agent_id = '', completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND assigned_agent_id = ?`,
			string(task.StatusFailed), errMsg, toUnix(now), toUnix(now),
			taskID, string(task.StatusInProgress), agentID)
		if err != nil {
			return storageErr("fail task", err)
		}
		if n == 0 {
			return transitionError(ctx, c, taskID, task.StatusFailed, agentID)
		}
		if err := releaseAgent(ctx, c, agentID, "failed_count", now); err != nil {
			return err
		}
		out, err = getTask(ctx, c, taskID)
		return err
	})
	return out, err
}

// releaseAgent decrements an agent's load and bumps one outcome counter.
// counter is a column name chosen by the caller, never user input.
func releaseAgent(ctx context.Context, c conn, agentID, counter string, now time.Time) error {
	set := "current_tasks = CASE WHEN current_tasks > 0 THEN current_tasks - 1 ELSE 0 END"
	if counter != "" {
		set += ", " + counter + " = " + counter + " + 1"
	}
	if _, err := c.exec(ctx, `UPDATE agents SET `+set+`, updated_at = ? WHERE id = ?`, toUnix(now), agentID); err != nil {
		return storageErr("release agent", err)
	}
	return nil
}

// CancelTask cancels a pending or assigned task and every pending or assigned
// descendant. Cancelling a workflow root also fails its instance. It returns
// the ids that were cancelled, the requested task first.
func (s *Store) CancelTask(ctx context.Context, taskID string) ([]string, error) {
	var cancelled []string
	err := s.withTx(ctx, func(c conn) error {
		root, err := getTask(ctx, c, taskID)
		if err != nil {
			return err
		}
		if err := task.CheckTransition(root, task.StatusCancelled, ""); err != nil {
			return err
		}
		now := time.Now().UTC()
		ok, err := cancelOne(ctx, c, root, now)
		if err != nil {
			return err
		}
		if !ok {
			return transitionError(ctx, c, taskID, task.StatusCancelled, "")
		}
		cancelled = append(cancelled, root.ID)

		frontier := []string{root.ID}
		for len(frontier) > 0 {
			children, err := queryTasks(ctx, c, `SELECT `+taskColumns+` FROM tasks WHERE parent_id IN (`+
				placeholders(len(frontier))+`) ORDER BY created_at ASC, id ASC`, stringArgs(frontier)...)
			if err != nil {
				return err
			}
			frontier = frontier[:0]
			for _, child := range children {
				frontier = append(frontier, child.ID)
				if child.Status != task.StatusPending && child.Status != task.StatusAssigned {
					continue
				}
				ok, err := cancelOne(ctx, c, child, now)
				if err != nil {
					return err
				}
				if ok {
					cancelled = append(cancelled, child.ID)
				}
			}
		}

		if root.WorkflowRoot && root.WorkflowInstanceID != "" {
			if _, err := c.exec(ctx, `
				UPDATE workflow_instances SET status = 'failed', updated_at = ?
				WHERE id = ? AND status IN ('not_started', 'active')`,
				toUnix(now), root.WorkflowInstanceID); err != nil {
				return storageErr("fail workflow", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("tasks cancelled", slog.String("task_id", taskID), slog.Int("count", len(cancelled)))
	return cancelled, nil
}

func cancelOne(ctx context.Context, c conn, t *task.Task, now time.Time) (bool, error) {
	n, err := c.execAffected(ctx, `
		UPDATE tasks SET status = ?, assigned_agent_id = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusCancelled), toUnix(now), t.ID, string(t.Status))
	if err != nil {
		return false, storageErr("cancel task", err)
	}
	if n == 0 {
		return false, nil
	}
	if t.Status == task.StatusAssigned && t.AssignedAgentID != "" {
		if err := releaseAgent(ctx, c, t.AssignedAgentID, "", now); err != nil {
			return false, err
		}
	}
	return true, nil
}

// AddDependencies appends dependency edges to a pending task, rejecting edges
// that would close a cycle.
func (s *Store) AddDependencies(ctx context.Context, taskID string, deps []string) (*task.Task, error) {
	var out *task.Task
	err := s.withTx(ctx, func(c conn) error {
		t, err := getTask(ctx, c, taskID)
		if err != nil {
			return err
		}
		if t.Status != task.StatusPending {
			return &task.TransitionError{TaskID: taskID, From: t.Status, To: t.Status, Reason: "dependencies can only change while pending"}
		}
		if err := requireTasks(ctx, c, deps); err != nil {
			return err
		}

		graph, err := dependencyGraph(ctx, c)
		if err != nil {
			return err
		}
		existing := make(map[string]struct{}, len(t.DependsOn))
		for _, d := range t.DependsOn {
			existing[d] = struct{}{}
		}
		var added []string
		for _, d := range deps {
			if d == taskID {
				return fmt.Errorf("%w: task %s depends on itself", task.ErrCycle, taskID)
			}
			if _, ok := existing[d]; ok {
				continue
			}
			existing[d] = struct{}{}
			added = append(added, d)
			graph[taskID] = append(graph[taskID], d)
		}
		if cycle := task.FindCycle(graph); cycle != nil {
			return fmt.Errorf("%w: %s", task.ErrCycle, strings.Join(cycle, " -> "))
		}
		if len(added) == 0 {
			out = t
			return nil
		}

		for _, d := range added {
			if _, err := c.exec(ctx, `INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, taskID, d); err != nil {
				return storageErr("insert dependency", err)
			}
		}
		t.DependsOn = append(t.DependsOn, added...)
		if _, err := c.exec(ctx, `UPDATE tasks SET depends_on = ?, updated_at = ? WHERE id = ?`,
			jsonList(t.DependsOn), toUnix(time.Now()), taskID); err != nil {
			return storageErr("update depends_on", err)
		}
		out = t
		return nil
	})
	return out, err
}

func dependencyGraph(ctx context.Context, c conn) (map[string][]string, error) {
	rows, err := c.query(ctx, `SELECT task_id, depends_on_id FROM task_dependencies`)
	if err != nil {
		return nil, storageErr("load dependencies", err)
	}
	defer rows.Close()
	graph := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, storageErr("scan dependency", err)
		}
		graph[from] = append(graph[from], to)
	}
	return graph, rows.Err()
}

// AppendTaskLog stores a log entry for an existing task.
func (s *Store) AppendTaskLog(ctx context.Context, l *task.Log) error {
	if _, err := getTask(ctx, s.conn(), l.TaskID); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = newID()
	}
	if l.Level == "" {
		l.Level = task.LogInfo
	}
	l.CreatedAt = time.Now().UTC()
	_, err := s.conn().exec(ctx, `
		INSERT INTO task_logs (id, task_id, agent_id, level, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.TaskID, l.AgentID, string(l.Level), l.Message, rawText(l.Data), toUnix(l.CreatedAt))
	if err != nil {
		return storageErr("insert task log", err)
	}
	return nil
}

// ListTaskLogs returns a task's log entries oldest first.
func (s *Store) ListTaskLogs(ctx context.Context, taskID string, limit int) ([]*task.Log, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.conn().query(ctx, `
		SELECT id, task_id, agent_id, level, message, data, created_at
		FROM task_logs WHERE task_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, storageErr("list task logs", err)
	}
	defer rows.Close()

	var logs []*task.Log
	for rows.Next() {
		var (
			l          task.Log
			level, raw string
			created    int64
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &l.AgentID, &level, &l.Message, &raw, &created); err != nil {
			return nil, storageErr("scan task log", err)
		}
		l.Level = task.LogLevel(level)
		l.Data = textRaw(raw)
		l.CreatedAt = fromUnix(created)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
