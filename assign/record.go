package assign

import "time"

// Source records which path produced an assignment decision.
type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

// Record is an immutable assignment decision. Re-assignment creates a new record.
type Record struct {
	ID                string        `json:"id"`
	TaskID            string        `json:"task_id"`
	AgentID           string        `json:"agent_id"`
	Confidence        float64       `json:"confidence_score"`
	Reasoning         string        `json:"reasoning"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	BackupAgentIDs    []string      `json:"backup_agent_ids,omitempty"`
	Source            Source        `json:"source"`
	CreatedAt         time.Time     `json:"created_at"`
}
