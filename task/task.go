// Package task defines the task model, its lifecycle state machine, and
// dependency resolution for agent work items.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type classifies the work a task represents.
type Type string

const (
	TypeFeature  Type = "feature"
	TypeBugfix   Type = "bugfix"
	TypeRefactor Type = "refactor"
	TypeTest     Type = "test"
	TypeDocs     Type = "docs"
	TypeAnalysis Type = "analysis"
	TypeReview   Type = "review"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	switch t {
	case TypeFeature, TypeBugfix, TypeRefactor, TypeTest, TypeDocs, TypeAnalysis, TypeReview:
		return true
	}
	return false
}

// Priority determines task scheduling order. Higher is more urgent.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Task is a unit of work for an agent.
type Task struct {
	ID                   string          `json:"id"`
	ProjectID            string          `json:"project_id"`
	ParentID             string          `json:"parent_id,omitempty"`
	Title                string          `json:"title"`
	Description          string          `json:"description"`
	Type                 Type            `json:"type"`
	Priority             Priority        `json:"priority"`
	Status               Status          `json:"status"`
	AssignedAgentID      string          `json:"assigned_agent_id,omitempty"`
	LastAgentID          string          `json:"last_agent_id,omitempty"` // agent that last held the task
	DependsOn            []string        `json:"depends_on,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	Input                json.RawMessage `json:"input,omitempty"`
	Output               json.RawMessage `json:"output,omitempty"`
	Error                string          `json:"error,omitempty"`
	WorkflowInstanceID   string          `json:"workflow_instance_id,omitempty"`
	WorkflowRoot         bool            `json:"workflow_root,omitempty"`
	Phase                string          `json:"phase,omitempty"`
	Depth                int             `json:"depth"`
	PreferredAgentTypes  []string        `json:"preferred_agent_types,omitempty"`
	RequiresRedundancy   bool            `json:"requires_redundancy,omitempty"`
	RedundancyAgentTypes []string        `json:"redundancy_agent_types,omitempty"`
	AcceptanceCriteria   []string        `json:"acceptance_criteria,omitempty"`
	EstimatedHours       float64         `json:"estimated_hours,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status             *Status `json:"status,omitempty"`
	ProjectID          string  `json:"project_id,omitempty"`
	ParentID           string  `json:"parent_id,omitempty"`
	AssignedAgentID    string  `json:"assigned_agent_id,omitempty"`
	WorkflowInstanceID string  `json:"workflow_instance_id,omitempty"`
	Limit              int     `json:"limit,omitempty"`
	Offset             int     `json:"offset,omitempty"`
}

// ErrInvalid is returned when a task fails validation.
var ErrInvalid = errors.New("invalid task")

// Validate checks the fields a caller must supply before a task is created.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if strings.TrimSpace(t.ProjectID) == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalid)
	}
	if t.Type == "" {
		t.Type = TypeFeature
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, t.Type)
	}
	if t.Priority < 0 {
		return fmt.Errorf("%w: priority must not be negative", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		if dep == "" {
			return fmt.Errorf("%w: empty dependency id", ErrInvalid)
		}
		if t.ID != "" && dep == t.ID {
			return fmt.Errorf("%w: task depends on itself", ErrCycle)
		}
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("%w: duplicate dependency %s", ErrInvalid, dep)
		}
		seen[dep] = struct{}{}
	}
	if len(t.Input) > 0 && !json.Valid(t.Input) {
		return fmt.Errorf("%w: input is not valid JSON", ErrInvalid)
	}
	return nil
}
