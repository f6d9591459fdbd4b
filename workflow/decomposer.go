package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/conductor/decider"
	"github.com/GoCodeAlone/conductor/task"
)

// Store is the persistence the decomposer needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CreateWorkflow(ctx context.Context, inst *Instance, subtasks []*task.Task, gates []*Gate) error
}

// Decomposition is the persisted result of expanding a root task.
type Decomposition struct {
	Instance *Instance    `json:"instance"`
	Subtasks []*task.Task `json:"subtasks"`
	Gates    []*Gate      `json:"gates"`
	Tailored bool         `json:"tailored"`
}

// Decomposer expands root tasks into workflow instances.
type Decomposer struct {
	registry *Registry
	store    Store
	decider  decider.Decider
	logger   *slog.Logger
}

// NewDecomposer returns a Decomposer. A nil decider instantiates templates
// verbatim.
func NewDecomposer(reg *Registry, st Store, d decider.Decider, logger *slog.Logger) *Decomposer {
	if logger == nil {
		logger = slog.Default()
	}
	if d == nil {
		d = decider.Disabled{}
	}
	return &Decomposer{registry: reg, store: st, decider: d, logger: logger}
}

// Decompose instantiates templateID for the root task: one subtask per
// template task, one gate row per template gate, and an instance positioned
// at the first phase. The root task becomes the workflow's final sign-off
// and depends on every subtask.
func (d *Decomposer) Decompose(ctx context.Context, rootTaskID, templateID string) (*Decomposition, error) {
	tpl, err := d.registry.Get(templateID)
	if err != nil {
		return nil, err
	}
	root, err := d.store.GetTask(ctx, rootTaskID)
	if err != nil {
		return nil, err
	}
	if root.Status != task.StatusPending || root.WorkflowInstanceID != "" {
		return nil, &task.TransitionError{TaskID: root.ID, From: root.Status, To: root.Status,
			Reason: "only a pending task outside any workflow can be decomposed"}
	}

	texts, tailored := d.tailor(ctx, root, tpl)
	subtasks := Instantiate(tpl, root, texts)

	inst := &Instance{
		TemplateID:   tpl.ID,
		RootTaskID:   root.ID,
		ProjectID:    root.ProjectID,
		Phases:       tpl.PhaseNames(),
		CurrentPhase: tpl.Phases[0].Name,
		Status:       StatusNotStarted,
	}
	var gates []*Gate
	for _, ph := range tpl.Phases {
		for _, g := range ph.Gates {
			gates = append(gates, &Gate{
				Phase:    ph.Name,
				Name:     g.Name,
				Required: g.Required,
				Status:   GatePending,
				Criteria: g.Criteria,
			})
		}
	}

	if err := d.store.CreateWorkflow(ctx, inst, subtasks, gates); err != nil {
		return nil, err
	}
	d.logger.Info("task decomposed",
		slog.String("root_task_id", root.ID),
		slog.String("template", tpl.ID),
		slog.String("workflow_instance_id", inst.ID),
		slog.Int("subtasks", len(subtasks)),
		slog.Int("gates", len(gates)),
		slog.Bool("tailored", tailored))
	return &Decomposition{Instance: inst, Subtasks: subtasks, Gates: gates, Tailored: tailored}, nil
}

// TaskText is the per-task wording a model may tailor.
type TaskText struct {
	Key                string   `json:"key"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// Instantiate builds the subtasks of tpl for root with fresh ids. Wording in
// texts overrides the template's by key; structure always comes from tpl.
func Instantiate(tpl *Template, root *task.Task, texts map[string]TaskText) []*task.Task {
	ids := make(map[string]string)
	for _, ph := range tpl.Phases {
		for _, tt := range ph.Tasks {
			ids[tt.Key] = uuid.NewString()
		}
	}
	graph := tpl.dependencyGraph()

	var out []*task.Task
	for _, ph := range tpl.Phases {
		for _, tt := range ph.Tasks {
			title, desc, criteria := tt.Title, tt.Description, tt.AcceptanceCriteria
			if txt, ok := texts[tt.Key]; ok {
				if s := strings.TrimSpace(txt.Title); s != "" {
					title = s
				}
				if s := strings.TrimSpace(txt.Description); s != "" {
					desc = s
				}
				if len(txt.AcceptanceCriteria) > 0 {
					criteria = txt.AcceptanceCriteria
				}
			}
			if desc == "" {
				desc = "Part of: " + root.Title
			}
			typ := tt.Type
			if typ == "" {
				typ = task.TypeFeature
			}
			prio := tt.Priority
			if prio == 0 {
				prio = root.Priority
			}

			var deps []string
			for _, key := range graph[tt.Key] {
				deps = append(deps, ids[key])
			}
			out = append(out, &task.Task{
				ID:                   ids[tt.Key],
				ProjectID:            root.ProjectID,
				ParentID:             root.ID,
				Title:                title,
				Description:          desc,
				Type:                 typ,
				Priority:             prio,
				Status:               task.StatusPending,
				DependsOn:            deps,
				RequiredCapabilities: tt.RequiredCapabilities,
				Phase:                ph.Name,
				Depth:                root.Depth + 1,
				PreferredAgentTypes:  tt.PreferredAgentTypes,
				RequiresRedundancy:   tt.RequiresRedundancy,
				RedundancyAgentTypes: tt.RedundancyAgentTypes,
				AcceptanceCriteria:   criteria,
				EstimatedHours:       tt.EstimatedHours,
			})
		}
	}
	return out
}

// tailor asks the decider to adapt task wording to the root task. Any
// failure returns nil and the template is used verbatim.
func (d *Decomposer) tailor(ctx context.Context, root *task.Task, tpl *Template) (map[string]TaskText, bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "Adapt the task list of workflow template %q to this request.\n\n", tpl.Name)
	fmt.Fprintf(&b, "Request: %s\n", root.Title)
	if root.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", root.Description)
	}
	b.WriteString("\nTemplate tasks (keep every key, do not add or remove tasks):\n")
	for _, ph := range tpl.Phases {
		for _, tt := range ph.Tasks {
			fmt.Fprintf(&b, "- key=%s phase=%s title=%q\n", tt.Key, ph.Name, tt.Title)
		}
	}
	b.WriteString("\nRespond with JSON: {\"tasks\": [{\"key\": string, \"title\": string, \"description\": string, \"acceptance_criteria\": [string]}]}")

	dec, err := d.decider.Decide(ctx, b.String())
	if err == nil {
		var reply struct {
			Tasks []TaskText `json:"tasks"`
		}
		if err = dec.Decode(&reply); err == nil {
			known := make(map[string]bool)
			for _, ph := range tpl.Phases {
				for _, tt := range ph.Tasks {
					known[tt.Key] = true
				}
			}
			texts := make(map[string]TaskText)
			for _, t := range reply.Tasks {
				if known[t.Key] {
					texts[t.Key] = t
				}
			}
			if len(texts) > 0 {
				return texts, true
			}
			err = fmt.Errorf("%w: no template keys in reply", decider.ErrExternalService)
		}
	}
	d.logger.Debug("decomposition using template verbatim", slog.String("template", tpl.ID), slog.Any("err", err))
	return nil, false
}
