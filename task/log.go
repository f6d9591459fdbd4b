package task

import (
	"encoding/json"
	"time"
)

// LogLevel is the severity of a task log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Log is a progress line an agent attaches to a task.
type Log struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	Level     LogLevel        `json:"level"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
