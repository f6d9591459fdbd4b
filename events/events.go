// Package events provides the in-process bus that carries task, workflow,
// assignment and job lifecycle events.
package events

import (
	"context"
	"time"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	TaskCreated        Type = "task.created"
	TaskAssigned       Type = "task.assigned"
	TaskStarted        Type = "task.started"
	TaskCompleted      Type = "task.completed"
	TaskFailed         Type = "task.failed"
	TaskCancelled      Type = "task.cancelled"
	TaskReleased       Type = "task.released"
	WorkflowDecomposed Type = "workflow.decomposed"
	PhaseAdvanced      Type = "workflow.phase_advanced"
	AssignmentRecorded Type = "assignment.recorded"
	JobFailed          Type = "job.failed"
)

// Event is one lifecycle notification.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	TaskID     string            `json:"task_id,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	ProjectID  string            `json:"project_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Handler processes a published event.
type Handler func(ctx context.Context, ev *Event) error

// Filter selects events from history. Zero fields match everything.
type Filter struct {
	Type    Type
	TaskID  string
	AgentID string
	Limit   int
}

func (f Filter) matches(ev *Event) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.TaskID != "" && ev.TaskID != f.TaskID {
		return false
	}
	if f.AgentID != "" && ev.AgentID != f.AgentID {
		return false
	}
	return true
}

// Bus delivers events to subscribers and keeps a bounded history.
type Bus interface {
	// Publish records ev and delivers it to handlers subscribed to its
	// type and to wildcard handlers.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers handler for events of typ, or every event when
	// typ is empty. Returns an unsubscribe function.
	Subscribe(typ Type, handler Handler) (unsubscribe func())

	// History returns matching events, oldest first.
	History(f Filter) []*Event
}
