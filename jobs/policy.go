package jobs

import (
	"encoding/json"

	"github.com/GoCodeAlone/conductor/task"
)

// CompletionStats is read in the same transaction that completes a task.
type CompletionStats struct {
	Task *task.Task
	// ProjectCompleted counts completed tasks in the project, including this one.
	ProjectCompleted int
	// PendingAnalyses counts analyses awaiting supervisor review.
	PendingAnalyses int
	// OpenReviews counts review_suggestions jobs not yet finished.
	OpenReviews int
}

// Policy decides which jobs a completion enqueues.
type Policy struct {
	PatternEvery    int // detect_patterns on every Nth completion per project
	PatternWindow   int // completed tasks considered by detect_patterns
	ReviewThreshold int // pending analyses that trigger review_suggestions
	MaxAttempts     int
}

// DefaultPolicy returns the standard enqueue policy.
func DefaultPolicy() Policy {
	return Policy{PatternEvery: 5, PatternWindow: 20, ReviewThreshold: 10, MaxAttempts: 3}
}

// Plan returns the jobs to enqueue for a completion. analyze_task is always
// present.
func (p Policy) Plan(s CompletionStats) []*Job {
	t := s.Task
	out := []*Job{p.newJob(TypeAnalyzeTask, AnalyzePayload{
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		AgentID:   t.LastAgentID,
	})}
	if p.PatternEvery > 0 && s.ProjectCompleted > 0 && s.ProjectCompleted%p.PatternEvery == 0 {
		out = append(out, p.newJob(TypeDetectPatterns, PatternsPayload{
			ProjectID: t.ProjectID,
			Window:    p.PatternWindow,
		}))
	}
	if p.ReviewThreshold > 0 && s.PendingAnalyses >= p.ReviewThreshold && s.OpenReviews == 0 {
		out = append(out, p.newJob(TypeReviewSuggestions, ReviewPayload{Limit: p.ReviewThreshold * 2}))
	}
	return out
}

func (p Policy) newJob(typ Type, payload any) *Job {
	data, _ := json.Marshal(payload)
	max := p.MaxAttempts
	if max <= 0 {
		max = 3
	}
	return &Job{Type: typ, Status: StatusPending, MaxAttempts: max, Payload: data}
}
