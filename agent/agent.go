// Package agent defines registered agent records and the runtime loop an
// agent process uses to pull and execute tasks.
package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusBusy, StatusOffline, StatusError:
		return true
	}
	return false
}

// Available reports whether an agent in this status may receive new work.
func (s Status) Available() bool {
	return s == StatusIdle || s == StatusActive || s == StatusBusy
}

// Type identifies what kind of worker an agent is.
type Type string

const (
	TypeLLM        Type = "llm"
	TypeTool       Type = "tool"
	TypeHuman      Type = "human"
	TypeSupervisor Type = "supervisor"
	TypeAnalyzer   Type = "analyzer"
)

// Valid reports whether t is a known agent type.
func (t Type) Valid() bool {
	switch t {
	case TypeLLM, TypeTool, TypeHuman, TypeSupervisor, TypeAnalyzer:
		return true
	}
	return false
}

// Performance summarises an agent's track record.
type Performance struct {
	AvgQuality  float64  `json:"avg_quality"`
	Rated       int      `json:"rated"` // analyses folded into AvgQuality
	Completed   int      `json:"completed"`
	Failed      int      `json:"failed"`
	Specialties []string `json:"specialties,omitempty"`
}

// SuccessRate returns completed / (completed + failed), or 1 with no history.
func (p Performance) SuccessRate() float64 {
	total := p.Completed + p.Failed
	if total == 0 {
		return 1
	}
	return float64(p.Completed) / float64(total)
}

// Quality returns the average quality score, or neutral 0.5 with no ratings.
func (p Performance) Quality() float64 {
	if p.Rated == 0 {
		return 0.5
	}
	return p.AvgQuality
}

// Agent is a registered worker that claims and executes tasks.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Type          Type        `json:"type"`
	Capabilities  []string    `json:"capabilities"`
	Status        Status      `json:"status"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	CurrentTasks  int         `json:"current_tasks"`
	MaxConcurrent int         `json:"max_concurrent"`
	Performance   Performance `json:"performance"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// HasCapacity reports whether the agent can take another task.
func (a *Agent) HasCapacity() bool {
	return a.CurrentTasks < a.MaxConcurrent
}

// LoadRatio returns current / max concurrent tasks in [0,1].
func (a *Agent) LoadRatio() float64 {
	if a.MaxConcurrent <= 0 {
		return 1
	}
	r := float64(a.CurrentTasks) / float64(a.MaxConcurrent)
	if r > 1 {
		return 1
	}
	return r
}

// ErrInvalid is returned when an agent fails validation.
var ErrInvalid = errors.New("invalid agent")

// Validate checks registration fields and fills defaults.
func (a *Agent) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if a.Type == "" {
		a.Type = TypeLLM
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, a.Type)
	}
	if a.Status == "" {
		a.Status = StatusIdle
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, a.Status)
	}
	if a.MaxConcurrent <= 0 {
		a.MaxConcurrent = 1
	}
	return nil
}
