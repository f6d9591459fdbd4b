package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/conductor/events"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/workflow"
)

// DecomposeRequest expands a root task with a template. Without RootTaskID
// a root task is created first from the project, title, description and
// requirements. Those fields describe a new root and are rejected alongside
// RootTaskID.
type DecomposeRequest struct {
	RootTaskID   string        `json:"root_task_id,omitempty"`
	ProjectID    string        `json:"project_id,omitempty"`
	TemplateID   string        `json:"template_id"`
	Title        string        `json:"title,omitempty"`
	Description  string        `json:"description,omitempty"`
	Requirements []string      `json:"requirements,omitempty"`
	Priority     task.Priority `json:"priority,omitempty"`
}

// DecomposeWorkflow creates a workflow instance, its subtasks and its gates.
func (s *Service) DecomposeWorkflow(ctx context.Context, req DecomposeRequest) (*workflow.Decomposition, error) {
	if req.TemplateID == "" {
		return nil, fmt.Errorf("%w: template_id is required", task.ErrInvalid)
	}
	if _, err := s.registry.Get(req.TemplateID); err != nil {
		return nil, err
	}
	rootID := req.RootTaskID
	if rootID != "" && (req.Title != "" || req.Description != "" || len(req.Requirements) > 0) {
		return nil, fmt.Errorf("%w: title, description and requirements describe a new root task and cannot be combined with root_task_id", task.ErrInvalid)
	}
	if rootID == "" {
		title := strings.TrimSpace(req.Title)
		if title == "" {
			title, _, _ = strings.Cut(strings.TrimSpace(req.Description), "\n")
		}
		root := &task.Task{
			ProjectID:          req.ProjectID,
			Title:              title,
			Description:        req.Description,
			Type:               task.TypeFeature,
			Priority:           req.Priority,
			AcceptanceCriteria: req.Requirements,
		}
		if _, err := s.CreateTask(ctx, root); err != nil {
			return nil, err
		}
		rootID = root.ID
	}

	d, err := s.decomposer.Decompose(ctx, rootID, req.TemplateID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, &events.Event{
		Type:       events.WorkflowDecomposed,
		TaskID:     rootID,
		ProjectID:  d.Instance.ProjectID,
		WorkflowID: d.Instance.ID,
		Message:    req.TemplateID,
		Metadata:   map[string]string{"subtasks": fmt.Sprint(len(d.Subtasks)), "gates": fmt.Sprint(len(d.Gates))},
	})
	return d, nil
}

// GetWorkflow returns a workflow instance.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*workflow.Instance, error) {
	return s.store.GetWorkflow(ctx, id)
}

// CheckPhaseGates reports whether every required gate of phase passed.
func (s *Service) CheckPhaseGates(ctx context.Context, instanceID, phase string) (*workflow.GateCheck, error) {
	return s.gates.CheckPhaseGates(ctx, instanceID, phase)
}

// EvaluatePhaseGates re-evaluates the automatic gates of phase.
func (s *Service) EvaluatePhaseGates(ctx context.Context, instanceID, phase string) (*workflow.GateCheck, error) {
	return s.gates.EvaluatePhaseGates(ctx, instanceID, phase)
}

// RecordGateResult sets a gate's outcome, typically a manual sign-off.
func (s *Service) RecordGateResult(ctx context.Context, gateID string, passed bool, details string) (*workflow.Gate, error) {
	return s.gates.RecordGateResult(ctx, gateID, passed, details)
}

// AdvancePhase closes the current phase of an instance when it is eligible.
func (s *Service) AdvancePhase(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	before, err := s.store.GetWorkflow(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	inst, err := s.gates.AdvancePhase(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, &events.Event{
		Type:       events.PhaseAdvanced,
		TaskID:     inst.RootTaskID,
		ProjectID:  inst.ProjectID,
		WorkflowID: inst.ID,
		Message:    before.CurrentPhase,
		Metadata:   map[string]string{"closed": before.CurrentPhase, "current": inst.CurrentPhase, "status": string(inst.Status)},
	})
	return inst, nil
}

// CheckDeploymentReadiness aggregates blockers across the whole instance.
func (s *Service) CheckDeploymentReadiness(ctx context.Context, instanceID string) (*workflow.Readiness, error) {
	return s.gates.CheckDeploymentReadiness(ctx, instanceID)
}

// ListTemplates returns the registered workflow templates.
func (s *Service) ListTemplates() []*workflow.Template {
	return s.registry.List()
}

// ApprovalRequest is one agent's verdict on a redundancy-flagged task.
type ApprovalRequest struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// ApprovalStatus summarises a task's approvals against its redundancy
// requirement.
type ApprovalStatus struct {
	TaskID    string               `json:"task_id"`
	Required  []string             `json:"required_agent_types"`
	Approvals []*workflow.Approval `json:"approvals"`
	Satisfied bool                 `json:"satisfied"`
	Missing   []string             `json:"missing_agent_types,omitempty"`
}

// RecordApproval stores an agent's verdict, replacing any earlier verdict
// by the same agent. The agent that executed the task may not approve it.
func (s *Service) RecordApproval(ctx context.Context, req ApprovalRequest) (*ApprovalStatus, error) {
	t, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if !t.RequiresRedundancy {
		return nil, fmt.Errorf("%w: task %s does not require redundancy", task.ErrInvalid, t.ID)
	}
	a, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	executor := t.AssignedAgentID
	if executor == "" {
		executor = t.LastAgentID
	}
	if executor != "" && executor == a.ID {
		return nil, fmt.Errorf("%w: agent %s executed task %s", ErrForbidden, a.ID, t.ID)
	}
	err = s.store.UpsertApproval(ctx, &workflow.Approval{
		TaskID:    t.ID,
		AgentID:   a.ID,
		AgentType: string(a.Type),
		Approved:  req.Approved,
		Comment:   req.Comment,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("approval recorded",
		slog.String("task_id", t.ID),
		slog.String("agent_id", a.ID),
		slog.Bool("approved", req.Approved))
	return s.approvalStatus(ctx, t)
}

// Approvals returns a task's approvals and whether they satisfy it.
func (s *Service) Approvals(ctx context.Context, taskID string) (*ApprovalStatus, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.approvalStatus(ctx, t)
}

func (s *Service) approvalStatus(ctx context.Context, t *task.Task) (*ApprovalStatus, error) {
	approvals, err := s.store.ListApprovals(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	ok, missing := workflow.RedundancySatisfied(t, approvals)
	return &ApprovalStatus{
		TaskID:    t.ID,
		Required:  t.RedundancyAgentTypes,
		Approvals: approvals,
		Satisfied: ok,
		Missing:   missing,
	}, nil
}
