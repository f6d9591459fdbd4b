package task

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not allowed from
// the task's current state or by the calling agent.
var ErrInvalidTransition = errors.New("invalid transition")

// transitions lists every allowed status change. Anything absent is rejected.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesOf returns the statuses from which a task may move into to.
func SourcesOf(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusAssigned, StatusInProgress} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("task %s: %s -> %s", e.TaskID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return ErrInvalidTransition.Error() + ": " + msg
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CheckTransition validates a status change requested by agentID against the
// current task state. Moves into in_progress, completed or failed must come
// from the assigned agent.
func CheckTransition(t *Task, to Status, agentID string) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	switch to {
	case StatusInProgress, StatusCompleted, StatusFailed:
		if agentID == "" || agentID != t.AssignedAgentID {
			return &TransitionError{TaskID: t.ID, From: t.Status, To: to, Reason: "agent " + agentID + " does not own the task"}
		}
	}
	return nil
}
