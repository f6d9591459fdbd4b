package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/conductor/task"
)

var (
	// ErrPhaseNotReady is returned when a phase cannot close yet.
	ErrPhaseNotReady = errors.New("phase not ready to close")

	// ErrPhaseConflict is returned when another caller advanced the phase first.
	ErrPhaseConflict = errors.New("phase already advanced")
)

// GateStore is the persistence gate enforcement needs.
type GateStore interface {
	GetWorkflow(ctx context.Context, id string) (*Instance, error)
	ListGates(ctx context.Context, instanceID, phase string) ([]*Gate, error)
	GetGate(ctx context.Context, id string) (*Gate, error)
	UpdateGate(ctx context.Context, id string, status GateStatus, details string) (*Gate, error)
	AdvancePhase(ctx context.Context, instanceID, from, next string) (bool, error)
	ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error)
	ListApprovals(ctx context.Context, taskID string) ([]*Approval, error)
	PhaseQuality(ctx context.Context, instanceID, phase string) (float64, int, error)
}

// GateCheck is the outcome of CheckPhaseGates.
type GateCheck struct {
	Phase  string   `json:"phase"`
	Passed bool     `json:"passed"`
	Failed []string `json:"failed_gate_names"` // required gates not yet passed
	Gates  []*Gate  `json:"gates"`
}

// Severity ranks a readiness blocker.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityWarning  Severity = "warning"
)

// Blocker is one reason a workflow is not ready for deployment.
type Blocker struct {
	Severity Severity `json:"severity"`
	Kind     string   `json:"kind"`
	Phase    string   `json:"phase,omitempty"`
	Subject  string   `json:"subject"`
	Message  string   `json:"message"`
}

// Readiness is the outcome of CheckDeploymentReadiness.
type Readiness struct {
	InstanceID string    `json:"workflow_instance_id"`
	Ready      bool      `json:"ready"`
	Blockers   []Blocker `json:"blockers"`
	Warnings   []Blocker `json:"warnings,omitempty"`
}

// Gatekeeper evaluates gates and closes phases.
type Gatekeeper struct {
	store  GateStore
	logger *slog.Logger
}

// NewGatekeeper returns a Gatekeeper over st.
func NewGatekeeper(st GateStore, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{store: st, logger: logger}
}

// CheckPhaseGates reports whether every required gate of phase has passed.
// Optional gates never affect the result.
func (g *Gatekeeper) CheckPhaseGates(ctx context.Context, instanceID, phase string) (*GateCheck, error) {
	gates, err := g.store.ListGates(ctx, instanceID, phase)
	if err != nil {
		return nil, err
	}
	return summarize(phase, gates), nil
}

func summarize(phase string, gates []*Gate) *GateCheck {
	check := &GateCheck{Phase: phase, Passed: true, Gates: gates}
	for _, gt := range gates {
		if gt.Required && gt.Status != GatePassed {
			check.Passed = false
			check.Failed = append(check.Failed, gt.Name)
		}
	}
	return check
}

// EvaluatePhaseGates recomputes every automatic gate of phase from current
// task, analysis and approval state, stores the outcome, and returns the
// resulting check. Manual gates keep their recorded result.
func (g *Gatekeeper) EvaluatePhaseGates(ctx context.Context, instanceID, phase string) (*GateCheck, error) {
	gates, err := g.store.ListGates(ctx, instanceID, phase)
	if err != nil {
		return nil, err
	}
	tasks, err := g.store.ListTasks(ctx, task.Filter{WorkflowInstanceID: instanceID})
	if err != nil {
		return nil, err
	}
	phaseTasks := tasksInPhase(tasks, phase)

	for i, gt := range gates {
		if gt.Criteria.Kind == CriteriaManual {
			continue
		}
		status, details, err := g.evaluate(ctx, instanceID, phase, gt.Criteria, phaseTasks)
		if err != nil {
			return nil, err
		}
		if status == gt.Status && details == gt.Details {
			continue
		}
		updated, err := g.store.UpdateGate(ctx, gt.ID, status, details)
		if err != nil {
			return nil, err
		}
		gates[i] = updated
		g.logger.Debug("gate evaluated",
			slog.String("workflow_instance_id", instanceID),
			slog.String("phase", phase),
			slog.String("gate", gt.Name),
			slog.String("status", string(status)))
	}
	return summarize(phase, gates), nil
}

func (g *Gatekeeper) evaluate(ctx context.Context, instanceID, phase string, c Criteria, tasks []*task.Task) (GateStatus, string, error) {
	switch c.Kind {
	case CriteriaTasksCompleted:
		var open, broken []string
		for _, t := range tasks {
			switch t.Status {
			case task.StatusCompleted:
			case task.StatusFailed, task.StatusCancelled:
				broken = append(broken, t.Title)
			default:
				open = append(open, t.Title)
			}
		}
		switch {
		case len(broken) > 0:
			return GateFailed, "tasks did not complete: " + strings.Join(broken, ", "), nil
		case len(open) > 0:
			return GatePending, fmt.Sprintf("%d of %d tasks still open", len(open), len(tasks)), nil
		}
		return GatePassed, fmt.Sprintf("all %d tasks completed", len(tasks)), nil

	case CriteriaMinQuality:
		avg, n, err := g.store.PhaseQuality(ctx, instanceID, phase)
		if err != nil {
			return "", "", err
		}
		if n == 0 {
			return GatePending, "no analyses yet", nil
		}
		details := fmt.Sprintf("average quality %.2f over %d analyses, threshold %.2f", avg, n, c.Threshold)
		if avg >= c.Threshold {
			return GatePassed, details, nil
		}
		return GateFailed, details, nil

	case CriteriaRedundancy:
		var missing []string
		for _, t := range tasks {
			if !t.RequiresRedundancy {
				continue
			}
			approvals, err := g.store.ListApprovals(ctx, t.ID)
			if err != nil {
				return "", "", err
			}
			if ok, _ := RedundancySatisfied(t, approvals); !ok {
				missing = append(missing, t.Title)
			}
		}
		if len(missing) > 0 {
			return GatePending, "awaiting approvals: " + strings.Join(missing, ", "), nil
		}
		return GatePassed, "all redundancy requirements met", nil
	}
	return GatePending, "", nil
}

// RecordGateResult stores an explicit outcome for a gate, typically a manual one.
func (g *Gatekeeper) RecordGateResult(ctx context.Context, gateID string, passed bool, details string) (*Gate, error) {
	status := GateFailed
	if passed {
		status = GatePassed
	}
	return g.store.UpdateGate(ctx, gateID, status, details)
}

// AdvancePhase closes the instance's current phase and moves to the next one,
// or completes the instance after the last phase. The phase must have every
// task completed and every required gate passed.
func (g *Gatekeeper) AdvancePhase(ctx context.Context, instanceID string) (*Instance, error) {
	inst, err := g.store.GetWorkflow(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == StatusCompleted || inst.Status == StatusFailed {
		return nil, fmt.Errorf("%w: workflow %s is %s", ErrPhaseNotReady, inst.ID, inst.Status)
	}
	phase := inst.CurrentPhase

	tasks, err := g.store.ListTasks(ctx, task.Filter{WorkflowInstanceID: instanceID})
	if err != nil {
		return nil, err
	}
	var open []string
	for _, t := range tasksInPhase(tasks, phase) {
		if t.Status != task.StatusCompleted {
			open = append(open, t.Title)
		}
	}
	if len(open) > 0 {
		return nil, fmt.Errorf("%w: %s has unfinished tasks: %s", ErrPhaseNotReady, phase, strings.Join(open, ", "))
	}
	check, err := g.EvaluatePhaseGates(ctx, instanceID, phase)
	if err != nil {
		return nil, err
	}
	if !check.Passed {
		return nil, fmt.Errorf("%w: %s has gates not passed: %s", ErrPhaseNotReady, phase, strings.Join(check.Failed, ", "))
	}

	next := inst.NextPhase(phase)
	ok, err := g.store.AdvancePhase(ctx, instanceID, phase, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPhaseConflict, phase)
	}
	g.logger.Info("workflow phase closed",
		slog.String("workflow_instance_id", instanceID),
		slog.String("phase", phase),
		slog.String("next", next))
	return g.store.GetWorkflow(ctx, instanceID)
}

// CheckDeploymentReadiness aggregates the whole instance. It is ready only
// when every phase is closed, every required gate passed, and every
// redundancy requirement is satisfied.
func (g *Gatekeeper) CheckDeploymentReadiness(ctx context.Context, instanceID string) (*Readiness, error) {
	inst, err := g.store.GetWorkflow(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	gates, err := g.store.ListGates(ctx, instanceID, "")
	if err != nil {
		return nil, err
	}
	tasks, err := g.store.ListTasks(ctx, task.Filter{WorkflowInstanceID: instanceID})
	if err != nil {
		return nil, err
	}

	r := &Readiness{InstanceID: instanceID}
	if inst.Status == StatusFailed {
		r.Blockers = append(r.Blockers, Blocker{Severity: SeverityCritical, Kind: "workflow_failed",
			Subject: inst.ID, Message: "workflow instance has failed"})
	}
	for _, ph := range inst.Phases {
		if !inst.PhaseClosed(ph) {
			r.Blockers = append(r.Blockers, Blocker{Severity: SeverityHigh, Kind: "phase_open",
				Phase: ph, Subject: ph, Message: "phase has not been closed"})
		}
	}
	for _, gt := range gates {
		switch {
		case gt.Status == GatePassed:
		case gt.Required && gt.Status == GateFailed:
			r.Blockers = append(r.Blockers, Blocker{Severity: SeverityCritical, Kind: "gate_failed",
				Phase: gt.Phase, Subject: gt.Name, Message: gateMessage(gt, "required gate failed")})
		case gt.Required:
			r.Blockers = append(r.Blockers, Blocker{Severity: SeverityHigh, Kind: "gate_pending",
				Phase: gt.Phase, Subject: gt.Name, Message: gateMessage(gt, "required gate not evaluated")})
		case gt.Status == GateFailed:
			r.Warnings = append(r.Warnings, Blocker{Severity: SeverityWarning, Kind: "optional_gate_failed",
				Phase: gt.Phase, Subject: gt.Name, Message: gateMessage(gt, "optional gate failed")})
		}
	}
	for _, t := range tasks {
		if t.Status == task.StatusFailed || t.Status == task.StatusCancelled {
			r.Blockers = append(r.Blockers, Blocker{Severity: SeverityCritical, Kind: "task_" + string(t.Status),
				Phase: t.Phase, Subject: t.ID, Message: t.Title})
		}
		if !t.RequiresRedundancy {
			continue
		}
		approvals, err := g.store.ListApprovals(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if ok, missing := RedundancySatisfied(t, approvals); !ok {
			r.Blockers = append(r.Blockers, Blocker{Severity: SeverityHigh, Kind: "redundancy_unmet",
				Phase: t.Phase, Subject: t.ID,
				Message: fmt.Sprintf("%s needs approvals from: %s", t.Title, strings.Join(missing, ", "))})
		}
	}
	r.Ready = len(r.Blockers) == 0
	return r, nil
}

func gateMessage(gt *Gate, fallback string) string {
	if gt.Details != "" {
		return gt.Details
	}
	return fallback
}

// RedundancySatisfied reports whether t has an approval from a distinct
// non-executing agent for each configured redundancy agent type, counting
// repeated types separately. It also returns the types still missing.
func RedundancySatisfied(t *task.Task, approvals []*Approval) (bool, []string) {
	if !t.RequiresRedundancy || len(t.RedundancyAgentTypes) == 0 {
		return true, nil
	}
	executor := t.LastAgentID
	if t.AssignedAgentID != "" {
		executor = t.AssignedAgentID
	}

	have := make(map[string]int)
	seen := make(map[string]bool)
	for _, a := range approvals {
		if !a.Approved || a.AgentID == executor || seen[a.AgentID] {
			continue
		}
		seen[a.AgentID] = true
		have[strings.ToLower(a.AgentType)]++
	}
	var missing []string
	for _, typ := range t.RedundancyAgentTypes {
		key := strings.ToLower(typ)
		if have[key] > 0 {
			have[key]--
			continue
		}
		missing = append(missing, typ)
	}
	return len(missing) == 0, missing
}

func tasksInPhase(tasks []*task.Task, phase string) []*task.Task {
	var out []*task.Task
	for _, t := range tasks {
		if t.Phase == phase && !t.WorkflowRoot {
			out = append(out, t)
		}
	}
	return out
}
