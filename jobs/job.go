// Package jobs runs asynchronous follow-up work triggered by task completion:
// per-task analysis, per-project pattern detection, and supervisor review.
// Jobs are claimed with the same compare-and-set discipline as tasks and
// retried with bounded exponential backoff.
package jobs

import (
	"encoding/json"
	"time"
)

// Type names a job handler.
type Type string

const (
	TypeAnalyzeTask       Type = "analyze_task"
	TypeDetectPatterns    Type = "detect_patterns"
	TypeReviewSuggestions Type = "review_suggestions"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// Job is a background unit of work.
type Job struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// FinalAttempt reports whether the running attempt is the last one allowed.
func (j *Job) FinalAttempt() bool { return j.Attempts >= j.MaxAttempts }

// Payload shapes per job type.
type (
	AnalyzePayload struct {
		TaskID    string `json:"task_id"`
		ProjectID string `json:"project_id"`
		AgentID   string `json:"agent_id,omitempty"`
	}
	PatternsPayload struct {
		ProjectID string `json:"project_id"`
		Window    int    `json:"window"`
	}
	ReviewPayload struct {
		ProjectID string `json:"project_id,omitempty"`
		Limit     int    `json:"limit"`
	}
)

// AnalysisStatus tracks whether a supervisor has reviewed an analysis.
type AnalysisStatus string

const (
	AnalysisPending  AnalysisStatus = "pending"
	AnalysisReviewed AnalysisStatus = "reviewed"
)

// AnalysisKindCompletion is the analysis written after a task completes.
const AnalysisKindCompletion = "completion"

// Analysis is the result row written by analyze_task.
type Analysis struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	ProjectID    string         `json:"project_id"`
	AgentID      string         `json:"agent_id,omitempty"`
	Kind         string         `json:"kind"`
	QualityScore float64        `json:"quality_score"`
	Summary      string         `json:"summary"`
	Suggestions  []string       `json:"suggestions,omitempty"`
	Source       string         `json:"source"` // "llm" or "heuristic"
	Status       AnalysisStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	ReviewedAt   *time.Time     `json:"reviewed_at,omitempty"`
}

// Pattern is a recurring observation across a project's completed work.
type Pattern struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation,omitempty"`
	Occurrences    int       `json:"occurrences"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Review records a supervisor pass over pending analyses.
type Review struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id,omitempty"`
	AnalysisIDs []string  `json:"analysis_ids"`
	Approved    []string  `json:"approved,omitempty"`
	Rejected    []string  `json:"rejected,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BatchStats summarises one ProcessBatch call.
type BatchStats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}
