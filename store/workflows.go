package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/GoCodeAlone/conductor/assign"
	"github.com/GoCodeAlone/conductor/jobs"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/workflow"
)

const instanceColumns = `id, template_id, root_task_id, project_id, phases, current_phase, phases_completed, status, created_at, updated_at`

func scanInstance(s scanner) (*workflow.Instance, error) {
	var (
		inst                      workflow.Instance
		phases, completed, status string
		createdAt, updatedAt      int64
	)
	if err := s.Scan(&inst.ID, &inst.TemplateID, &inst.RootTaskID, &inst.ProjectID, &phases,
		&inst.CurrentPhase, &completed, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	inst.Phases = decodeList(phases)
	inst.PhasesCompleted = decodeList(completed)
	inst.Status = workflow.Status(status)
	inst.CreatedAt = fromUnix(createdAt)
	inst.UpdatedAt = fromUnix(updatedAt)
	return &inst, nil
}

// ErrAlreadyDecomposed is returned when the root task already belongs to a
// workflow or is no longer pending.
var ErrAlreadyDecomposed = errors.New("task already decomposed or not pending")

// CreateWorkflow persists a decomposition in one transaction: the instance,
// every subtask with its dependency edges, and the gates. The root task is
// marked as the workflow root and made to depend on every subtask.
func (s *Store) CreateWorkflow(ctx context.Context, inst *workflow.Instance, subtasks []*task.Task, gates []*workflow.Gate) error {
	now := time.Now().UTC()
	if inst.ID == "" {
		inst.ID = newID()
	}
	if inst.Status == "" {
		inst.Status = workflow.StatusNotStarted
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now

	return s.withTx(ctx, func(c conn) error {
		root, err := getTask(ctx, c, inst.RootTaskID)
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(subtasks))
		for _, st := range subtasks {
			if st.ID == "" {
				st.ID = newID()
			}
			ids = append(ids, st.ID)
		}
		deps := append(append([]string(nil), root.DependsOn...), ids...)
		n, err := c.execAffected(ctx, `
			UPDATE tasks SET workflow_instance_id = ?, workflow_root = 1, depends_on = ?, updated_at = ?
			WHERE id = ? AND status = ? AND workflow_instance_id = ''`,
			inst.ID, jsonList(deps), toUnix(now), root.ID, string(task.StatusPending))
		if err != nil {
			return storageErr("mark workflow root", err)
		}
		if n == 0 {
			return ErrAlreadyDecomposed
		}

		_, err = c.exec(ctx, `INSERT INTO workflow_instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, inst.TemplateID, inst.RootTaskID, inst.ProjectID, jsonList(inst.Phases), inst.CurrentPhase,
			jsonList(inst.PhasesCompleted), string(inst.Status), toUnix(now), toUnix(now))
		if err != nil {
			return storageErr("insert workflow", err)
		}

		for _, st := range subtasks {
			st.Status = task.StatusPending
			st.WorkflowInstanceID = inst.ID
			st.ParentID = root.ID
			st.ProjectID = root.ProjectID
			st.Depth = root.Depth + 1
			st.CreatedAt = now
			st.UpdatedAt = now
			if err := st.Validate(); err != nil {
				return err
			}
			if err := insertTask(ctx, c, st); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if _, err := c.exec(ctx, `INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, root.ID, id); err != nil {
				return storageErr("insert root dependency", err)
			}
		}

		for _, g := range gates {
			if g.ID == "" {
				g.ID = newID()
			}
			g.InstanceID = inst.ID
			if g.Status == "" {
				g.Status = workflow.GatePending
			}
			g.CreatedAt = now
			if err := insertGate(ctx, c, g); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetWorkflow retrieves a workflow instance by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Instance, error) {
	return getWorkflow(ctx, s.conn(), id)
}

func getWorkflow(ctx context.Context, c conn, id string) (*workflow.Instance, error) {
	inst, err := scanInstance(c.queryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, storageErr("get workflow", err)
	}
	return inst, nil
}

// AdvancePhase closes from and makes next current, or completes the instance
// when next is empty. It returns false when current_phase is no longer from.
func (s *Store) AdvancePhase(ctx context.Context, instanceID, from, next string) (bool, error) {
	advanced := false
	err := s.withTx(ctx, func(c conn) error {
		inst, err := getWorkflow(ctx, c, instanceID)
		if err != nil {
			return err
		}
		if inst.CurrentPhase != from || inst.Status == workflow.StatusFailed || inst.Status == workflow.StatusCompleted {
			return nil
		}
		completed := inst.PhasesCompleted
		if !inst.PhaseClosed(from) {
			completed = append(completed, from)
		}
		status := inst.Status
		if next == "" {
			status = workflow.StatusCompleted
		} else if status == workflow.StatusNotStarted {
			status = workflow.StatusActive
		}
		n, err := c.execAffected(ctx, `
			UPDATE workflow_instances SET current_phase = ?, phases_completed = ?, status = ?, updated_at = ?
			WHERE id = ? AND current_phase = ?`,
			next, jsonList(completed), string(status), toUnix(time.Now()), instanceID, from)
		if err != nil {
			return storageErr("advance phase", err)
		}
		advanced = n == 1
		return nil
	})
	return advanced, err
}

// SetWorkflowStatus overwrites an instance's status.
func (s *Store) SetWorkflowStatus(ctx context.Context, instanceID string, status workflow.Status) error {
	n, err := s.conn().execAffected(ctx, `UPDATE workflow_instances SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toUnix(time.Now()), instanceID)
	if err != nil {
		return storageErr("set workflow status", err)
	}
	if n == 0 {
		return notFound("workflow", instanceID)
	}
	return nil
}

const gateColumns = `id, workflow_instance_id, phase, name, required, status, criteria, details, evaluated_at, created_at`

func scanGate(s scanner) (*workflow.Gate, error) {
	var (
		g                workflow.Gate
		required         int
		status, criteria string
		evaluatedAt      sql.NullInt64
		createdAt        int64
	)
	if err := s.Scan(&g.ID, &g.InstanceID, &g.Phase, &g.Name, &required, &status, &criteria,
		&g.Details, &evaluatedAt, &createdAt); err != nil {
		return nil, err
	}
	g.Required = required != 0
	g.Status = workflow.GateStatus(status)
	_ = json.Unmarshal([]byte(criteria), &g.Criteria)
	g.EvaluatedAt = timePtr(evaluatedAt)
	g.CreatedAt = fromUnix(createdAt)
	return &g, nil
}

func insertGate(ctx context.Context, c conn, g *workflow.Gate) error {
	_, err := c.exec(ctx, `INSERT INTO quality_gates (`+gateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.InstanceID, g.Phase, g.Name, boolInt(g.Required), string(g.Status), mustJSON(g.Criteria),
		g.Details, nullUnix(g.EvaluatedAt), toUnix(g.CreatedAt))
	if err != nil {
		return storageErr("insert gate", err)
	}
	return nil
}

// ListGates returns an instance's gates, optionally limited to one phase.
func (s *Store) ListGates(ctx context.Context, instanceID, phase string) ([]*workflow.Gate, error) {
	q := `SELECT ` + gateColumns + ` FROM quality_gates WHERE workflow_instance_id = ?`
	args := []any{instanceID}
	if phase != "" {
		q += ` AND phase = ?`
		args = append(args, phase)
	}
	q += ` ORDER BY created_at ASC, name ASC`

	rows, err := s.conn().query(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list gates", err)
	}
	defer rows.Close()

	var gates []*workflow.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, storageErr("scan gate", err)
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

// GetGate retrieves one gate by ID.
func (s *Store) GetGate(ctx context.Context, id string) (*workflow.Gate, error) {
	g, err := scanGate(s.conn().queryRow(ctx, `SELECT `+gateColumns+` FROM quality_gates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("gate", id)
	}
	if err != nil {
		return nil, storageErr("get gate", err)
	}
	return g, nil
}

// UpdateGate records an evaluation outcome.
func (s *Store) UpdateGate(ctx context.Context, id string, status workflow.GateStatus, details string) (*workflow.Gate, error) {
	n, err := s.conn().execAffected(ctx, `UPDATE quality_gates SET status = ?, details = ?, evaluated_at = ? WHERE id = ?`,
		string(status), details, toUnix(time.Now()), id)
	if err != nil {
		return nil, storageErr("update gate", err)
	}
	if n == 0 {
		return nil, notFound("gate", id)
	}
	return s.GetGate(ctx, id)
}

// PhaseQuality returns the mean analysis quality over the tasks of one phase
// and how many analyses contributed.
func (s *Store) PhaseQuality(ctx context.Context, instanceID, phase string) (float64, int, error) {
	var (
		avg sql.NullFloat64
		n   int
	)
	err := s.conn().queryRow(ctx, `
		SELECT AVG(a.quality_score), COUNT(a.id)
		FROM task_analyses a JOIN tasks t ON t.id = a.task_id
		WHERE t.workflow_instance_id = ? AND t.phase = ? AND a.kind = ?`,
		instanceID, phase, jobs.AnalysisKindCompletion).Scan(&avg, &n)
	if err != nil {
		return 0, 0, storageErr("phase quality", err)
	}
	return avg.Float64, n, nil
}

// UpsertApproval stores one agent's verdict on a task, replacing an earlier
// verdict by the same agent.
func (s *Store) UpsertApproval(ctx context.Context, a *workflow.Approval) error {
	if a.ID == "" {
		a.ID = newID()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.conn().exec(ctx, `
		INSERT INTO approvals (id, task_id, agent_id, agent_type, approved, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, agent_id) DO UPDATE SET
			agent_type = excluded.agent_type,
			approved = excluded.approved,
			comment = excluded.comment,
			created_at = excluded.created_at`,
		a.ID, a.TaskID, a.AgentID, a.AgentType, boolInt(a.Approved), a.Comment, toUnix(a.CreatedAt))
	if err != nil {
		return storageErr("upsert approval", err)
	}
	return nil
}

// ListApprovals returns the verdicts recorded for a task.
func (s *Store) ListApprovals(ctx context.Context, taskID string) ([]*workflow.Approval, error) {
	rows, err := s.conn().query(ctx, `
		SELECT id, task_id, agent_id, agent_type, approved, comment, created_at
		FROM approvals WHERE task_id = ? ORDER BY created_at ASC, agent_id ASC`, taskID)
	if err != nil {
		return nil, storageErr("list approvals", err)
	}
	defer rows.Close()

	var out []*workflow.Approval
	for rows.Next() {
		var (
			a        workflow.Approval
			approved int
			created  int64
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AgentID, &a.AgentType, &approved, &a.Comment, &created); err != nil {
			return nil, storageErr("scan approval", err)
		}
		a.Approved = approved != 0
		a.CreatedAt = fromUnix(created)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CreateAssignment appends an assignment record.
func (s *Store) CreateAssignment(ctx context.Context, r *assign.Record) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.conn().exec(ctx, `
		INSERT INTO assignments (id, task_id, agent_id, confidence, reasoning, estimated_duration_ms, backup_agent_ids, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.AgentID, r.Confidence, r.Reasoning, r.EstimatedDuration.Milliseconds(),
		jsonList(r.BackupAgentIDs), string(r.Source), toUnix(r.CreatedAt))
	if err != nil {
		return storageErr("insert assignment", err)
	}
	return nil
}

// ListAssignments returns a task's assignment history, oldest first.
func (s *Store) ListAssignments(ctx context.Context, taskID string) ([]*assign.Record, error) {
	rows, err := s.conn().query(ctx, `
		SELECT id, task_id, agent_id, confidence, reasoning, estimated_duration_ms, backup_agent_ids, source, created_at
		FROM assignments WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, storageErr("list assignments", err)
	}
	defer rows.Close()

	var out []*assign.Record
	for rows.Next() {
		var (
			r                   assign.Record
			durationMS, created int64
			backups, source     string
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.AgentID, &r.Confidence, &r.Reasoning, &durationMS,
			&backups, &source, &created); err != nil {
			return nil, storageErr("scan assignment", err)
		}
		r.EstimatedDuration = time.Duration(durationMS) * time.Millisecond
		r.BackupAgentIDs = decodeList(backups)
		r.Source = assign.Source(source)
		r.CreatedAt = fromUnix(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}
