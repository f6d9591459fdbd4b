// Package workflow expands a root task into phases, subtasks, and quality
// gates from a template, and enforces the gates that close phases and
// release a workflow for deployment.
package workflow

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/conductor/task"
)

// ErrUnknownTemplate is returned when a template id is not registered.
var ErrUnknownTemplate = errors.New("unknown workflow template")

// ErrInvalidTemplate is returned when a template fails validation.
var ErrInvalidTemplate = errors.New("invalid workflow template")

// CriteriaKind selects how a gate is evaluated.
type CriteriaKind string

const (
	// CriteriaTasksCompleted passes when every task in the phase is completed.
	CriteriaTasksCompleted CriteriaKind = "tasks_completed"
	// CriteriaMinQuality passes when the phase's average analysis quality reaches Threshold.
	CriteriaMinQuality CriteriaKind = "min_quality"
	// CriteriaRedundancy passes when every redundancy-flagged task in the phase is approved.
	CriteriaRedundancy CriteriaKind = "redundancy"
	// CriteriaManual is only changed by an explicit gate result.
	CriteriaManual CriteriaKind = "manual"
)

// Criteria is the structured predicate a gate checks.
type Criteria struct {
	Kind        CriteriaKind `json:"kind" yaml:"kind"`
	Threshold   float64      `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// Template describes a reusable decomposition.
type Template struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Phases      []PhaseTemplate `json:"phases" yaml:"phases"`
}

// PhaseTemplate is one ordered phase of a template.
type PhaseTemplate struct {
	Name  string         `json:"name" yaml:"name"`
	Tasks []TaskTemplate `json:"tasks" yaml:"tasks"`
	Gates []GateTemplate `json:"gates,omitempty" yaml:"gates,omitempty"`
}

// TaskTemplate becomes one subtask.
type TaskTemplate struct {
	Key                  string        `json:"key" yaml:"key"`
	Title                string        `json:"title" yaml:"title"`
	Description          string        `json:"description,omitempty" yaml:"description,omitempty"`
	Type                 task.Type     `json:"type,omitempty" yaml:"type,omitempty"`
	Priority             task.Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	PreferredAgentTypes  []string      `json:"preferred_agent_types,omitempty" yaml:"preferred_agent_types,omitempty"`
	RequiresRedundancy   bool          `json:"requires_redundancy,omitempty" yaml:"requires_redundancy,omitempty"`
	RedundancyAgentTypes []string      `json:"redundancy_agent_types,omitempty" yaml:"redundancy_agent_types,omitempty"`
	AcceptanceCriteria   []string      `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	EstimatedHours       float64       `json:"estimated_hours,omitempty" yaml:"estimated_hours,omitempty"`
	// DependsOn lists task keys. When nil, the task depends on every task of
	// the previous phase.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// GateTemplate becomes one quality gate row.
type GateTemplate struct {
	Name     string   `json:"name" yaml:"name"`
	Required bool     `json:"required" yaml:"required"`
	Criteria Criteria `json:"criteria" yaml:"criteria"`
}

// ParseTemplate decodes a YAML template and validates it.
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks structural rules: unique keys, known references, no
// dependency cycles, known gate kinds.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTemplate)
	}
	if len(t.Phases) == 0 {
		return fmt.Errorf("%w %s: no phases", ErrInvalidTemplate, t.ID)
	}
	keys := make(map[string]struct{})
	phases := make(map[string]struct{})
	for _, ph := range t.Phases {
		if ph.Name == "" {
			return fmt.Errorf("%w %s: phase without name", ErrInvalidTemplate, t.ID)
		}
		if _, dup := phases[ph.Name]; dup {
			return fmt.Errorf("%w %s: duplicate phase %q", ErrInvalidTemplate, t.ID, ph.Name)
		}
		phases[ph.Name] = struct{}{}
		for _, tt := range ph.Tasks {
			if tt.Key == "" || tt.Title == "" {
				return fmt.Errorf("%w %s: task in phase %q needs key and title", ErrInvalidTemplate, t.ID, ph.Name)
			}
			if _, dup := keys[tt.Key]; dup {
				return fmt.Errorf("%w %s: duplicate task key %q", ErrInvalidTemplate, t.ID, tt.Key)
			}
			if tt.Type != "" && !tt.Type.Valid() {
				return fmt.Errorf("%w %s: task %q has unknown type %q", ErrInvalidTemplate, t.ID, tt.Key, tt.Type)
			}
			keys[tt.Key] = struct{}{}
		}
		for _, g := range ph.Gates {
			if g.Name == "" {
				return fmt.Errorf("%w %s: gate without name in phase %q", ErrInvalidTemplate, t.ID, ph.Name)
			}
			switch g.Criteria.Kind {
			case CriteriaTasksCompleted, CriteriaMinQuality, CriteriaRedundancy, CriteriaManual:
			case "":
				return fmt.Errorf("%w %s: gate %q has no criteria kind", ErrInvalidTemplate, t.ID, g.Name)
			default:
				return fmt.Errorf("%w %s: gate %q has unknown criteria kind %q", ErrInvalidTemplate, t.ID, g.Name, g.Criteria.Kind)
			}
		}
	}
	for _, ph := range t.Phases {
		for _, tt := range ph.Tasks {
			for _, dep := range tt.DependsOn {
				if _, ok := keys[dep]; !ok {
					return fmt.Errorf("%w %s: task %q depends on unknown key %q", ErrInvalidTemplate, t.ID, tt.Key, dep)
				}
			}
		}
	}
	if cycle := task.FindCycle(t.dependencyGraph()); cycle != nil {
		return fmt.Errorf("%w %s: %w: %s", ErrInvalidTemplate, t.ID, task.ErrCycle, strings.Join(cycle, " -> "))
	}
	return nil
}

// PhaseNames returns the ordered phase names.
func (t *Template) PhaseNames() []string {
	names := make([]string, len(t.Phases))
	for i, ph := range t.Phases {
		names[i] = ph.Name
	}
	return names
}

// dependencyGraph resolves every task's dependencies to template keys,
// applying the previous-phase default.
func (t *Template) dependencyGraph() map[string][]string {
	graph := make(map[string][]string)
	var prev []string
	for _, ph := range t.Phases {
		var current []string
		for _, tt := range ph.Tasks {
			deps := tt.DependsOn
			if deps == nil {
				deps = prev
			}
			graph[tt.Key] = append([]string(nil), deps...)
			current = append(current, tt.Key)
		}
		if len(current) > 0 {
			prev = current
		}
	}
	return graph
}
