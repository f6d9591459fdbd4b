package workflow

import "time"

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Instance is a running expansion of a template for one root task.
type Instance struct {
	ID              string    `json:"id"`
	TemplateID      string    `json:"template_id"`
	RootTaskID      string    `json:"root_task_id"`
	ProjectID       string    `json:"project_id"`
	Phases          []string  `json:"phases"`
	CurrentPhase    string    `json:"current_phase"`
	PhasesCompleted []string  `json:"phases_completed"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PhaseClosed reports whether phase has been closed.
func (i *Instance) PhaseClosed(phase string) bool {
	for _, p := range i.PhasesCompleted {
		if p == phase {
			return true
		}
	}
	return false
}

// NextPhase returns the phase after current, or "" when current is last.
func (i *Instance) NextPhase(current string) string {
	for idx, p := range i.Phases {
		if p == current && idx+1 < len(i.Phases) {
			return i.Phases[idx+1]
		}
	}
	return ""
}

// GateStatus is the evaluation state of a quality gate.
type GateStatus string

const (
	GatePending GateStatus = "pending"
	GatePassed  GateStatus = "passed"
	GateFailed  GateStatus = "failed"
)

// Gate is a phase-scoped precondition.
type Gate struct {
	ID          string     `json:"id"`
	InstanceID  string     `json:"workflow_instance_id"`
	Phase       string     `json:"phase"`
	Name        string     `json:"name"`
	Required    bool       `json:"required"`
	Status      GateStatus `json:"status"`
	Criteria    Criteria   `json:"criteria"`
	Details     string     `json:"details,omitempty"`
	EvaluatedAt *time.Time `json:"evaluated_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Approval is one agent's verdict on a redundancy-flagged task.
type Approval struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	AgentType string    `json:"agent_type"`
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
