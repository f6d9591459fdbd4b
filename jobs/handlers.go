package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/GoCodeAlone/conductor/decider"
	"github.com/GoCodeAlone/conductor/task"
)

// HandlerStore is the persistence the built-in handlers read and write.
type HandlerStore interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	RecentCompletedTasks(ctx context.Context, projectID string, limit int) ([]*task.Task, error)
	UpsertAnalysis(ctx context.Context, a *Analysis) (bool, error)
	ListAnalyses(ctx context.Context, status AnalysisStatus, projectID string, limit int) ([]*Analysis, error)
	UpsertPattern(ctx context.Context, p *Pattern) error
	CompleteReview(ctx context.Context, r *Review) error
}

// Handlers implements analyze_task, detect_patterns and review_suggestions.
// Each asks the decider first. A decider failure is retried like any other
// error, except on the final attempt where a heuristic result is written
// instead so the job still completes.
type Handlers struct {
	store   HandlerStore
	decider decider.Decider
	logger  *slog.Logger
}

// NewHandlers returns the built-in handlers. A nil decider uses heuristics
// on every attempt.
func NewHandlers(st HandlerStore, d decider.Decider, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if d == nil {
		d = decider.Disabled{}
	}
	return &Handlers{store: st, decider: d, logger: logger}
}

// Register installs the handlers on p.
func (h *Handlers) Register(p *Processor) {
	p.Register(TypeAnalyzeTask, HandlerFunc(h.AnalyzeTask))
	p.Register(TypeDetectPatterns, HandlerFunc(h.DetectPatterns))
	p.Register(TypeReviewSuggestions, HandlerFunc(h.ReviewSuggestions))
}

const (
	sourceLLM       = "llm"
	sourceHeuristic = "heuristic"
)

// decide asks the decider and decodes its object into v. It reports whether
// the heuristic path should be taken instead of returning the error.
func (h *Handlers) decide(ctx context.Context, j *Job, prompt string, v any) (fallback bool, err error) {
	dec, err := h.decider.Decide(ctx, prompt)
	if err == nil {
		err = dec.Decode(v)
	}
	if err == nil {
		return false, nil
	}
	_, disabled := h.decider.(decider.Disabled)
	if disabled || j.FinalAttempt() {
		h.logger.Debug("job using heuristic result", slog.String("job_id", j.ID), slog.Any("err", err))
		return true, nil
	}
	return false, err
}

func decodePayload(j *Job, v any) error {
	if len(j.Payload) == 0 {
		return Permanent(fmt.Errorf("%s: empty payload", j.Type))
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("%s: decode payload: %w", j.Type, err))
	}
	return nil
}

// AnalyzeTask scores a completed task and folds the score into its agent's
// running quality average.
func (h *Handlers) AnalyzeTask(ctx context.Context, j *Job) (json.RawMessage, error) {
	var p AnalyzePayload
	if err := decodePayload(j, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, Permanent(fmt.Errorf("analyze_task: task_id is required"))
	}
	t, err := h.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = t.LastAgentID
	}

	var reply struct {
		QualityScore *float64 `json:"quality_score"`
		Summary      string   `json:"summary"`
		Suggestions  []string `json:"suggestions"`
	}
	fallback, err := h.decide(ctx, j, analyzePrompt(t), &reply)
	if err != nil {
		return nil, err
	}
	if !fallback && (reply.QualityScore == nil || *reply.QualityScore < 0 || *reply.QualityScore > 1) {
		if !j.FinalAttempt() {
			return nil, fmt.Errorf("%w: quality_score missing or outside [0,1]", decider.ErrExternalService)
		}
		fallback = true
	}

	a := &Analysis{
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		AgentID:   agentID,
		Kind:      AnalysisKindCompletion,
	}
	if fallback {
		a.QualityScore, a.Summary, a.Suggestions = heuristicAnalysis(t)
		a.Source = sourceHeuristic
	} else {
		a.QualityScore = *reply.QualityScore
		a.Summary = strings.TrimSpace(reply.Summary)
		a.Suggestions = reply.Suggestions
		a.Source = sourceLLM
	}
	inserted, err := h.store.UpsertAnalysis(ctx, a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"analysis_id":   a.ID,
		"quality_score": a.QualityScore,
		"source":        a.Source,
		"inserted":      inserted,
	})
}

func analyzePrompt(t *task.Task) string {
	var b strings.Builder
	b.WriteString("Assess the quality of this completed task on a scale from 0 to 1.\n\n")
	fmt.Fprintf(&b, "Title: %s\nType: %s\n", t.Title, t.Type)
	if t.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", t.Description)
	}
	if len(t.AcceptanceCriteria) > 0 {
		fmt.Fprintf(&b, "Acceptance criteria:\n- %s\n", strings.Join(t.AcceptanceCriteria, "\n- "))
	}
	if len(t.Output) > 0 {
		fmt.Fprintf(&b, "Output: %s\n", clip(string(t.Output), maxPromptOutput))
	}
	b.WriteString("\nRespond with JSON: {\"quality_score\": number, \"summary\": string, \"suggestions\": [string]}")
	return b.String()
}

// maxPromptOutput bounds, in bytes, how much task output goes into a prompt.
const maxPromptOutput = 4000

// clip cuts s to at most n bytes on a rune boundary and marks the cut.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// heuristicAnalysis scores a task from what it recorded: output present,
// acceptance criteria stated, and how long it ran against its estimate.
func heuristicAnalysis(t *task.Task) (float64, string, []string) {
	score := 0.5
	var notes []string
	if len(t.Output) > 0 && string(t.Output) != "null" {
		score += 0.2
	} else {
		notes = append(notes, "record task output so results can be reviewed")
	}
	if len(t.AcceptanceCriteria) > 0 {
		score += 0.1
	} else {
		notes = append(notes, "state acceptance criteria up front")
	}
	if t.StartedAt != nil && t.CompletedAt != nil && t.EstimatedHours > 0 {
		actual := t.CompletedAt.Sub(*t.StartedAt).Hours()
		if actual <= t.EstimatedHours*1.5 {
			score += 0.1
		} else {
			notes = append(notes, "estimate was exceeded; split similar work into smaller tasks")
		}
	}
	if score > 1 {
		score = 1
	}
	summary := fmt.Sprintf("heuristic assessment of %s task %q", t.Type, t.Title)
	return score, summary, notes
}

// DetectPatterns looks for recurring themes across a project's most recent
// completed tasks.
func (h *Handlers) DetectPatterns(ctx context.Context, j *Job) (json.RawMessage, error) {
	var p PatternsPayload
	if err := decodePayload(j, &p); err != nil {
		return nil, err
	}
	if p.ProjectID == "" {
		return nil, Permanent(fmt.Errorf("detect_patterns: project_id is required"))
	}
	window := p.Window
	if window <= 0 {
		window = DefaultPolicy().PatternWindow
	}
	tasks, err := h.store.RecentCompletedTasks(ctx, p.ProjectID, window)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return json.Marshal(map[string]any{"patterns": 0})
	}

	var reply struct {
		Patterns []struct {
			Name           string `json:"name"`
			Description    string `json:"description"`
			Recommendation string `json:"recommendation"`
			Occurrences    int    `json:"occurrences"`
		} `json:"patterns"`
	}
	fallback, err := h.decide(ctx, j, patternsPrompt(tasks), &reply)
	if err != nil {
		return nil, err
	}

	var patterns []*Pattern
	if !fallback {
		for _, rp := range reply.Patterns {
			name := strings.TrimSpace(rp.Name)
			if name == "" {
				continue
			}
			occ := rp.Occurrences
			if occ <= 0 {
				occ = 1
			}
			patterns = append(patterns, &Pattern{
				ProjectID:      p.ProjectID,
				Name:           name,
				Description:    rp.Description,
				Recommendation: rp.Recommendation,
				Occurrences:    occ,
			})
		}
	} else {
		patterns = heuristicPatterns(p.ProjectID, tasks)
	}
	for _, pat := range patterns {
		if err := h.store.UpsertPattern(ctx, pat); err != nil {
			return nil, err
		}
	}
	source := sourceLLM
	if fallback {
		source = sourceHeuristic
	}
	return json.Marshal(map[string]any{"patterns": len(patterns), "tasks": len(tasks), "source": source})
}

func patternsPrompt(tasks []*task.Task) string {
	var b strings.Builder
	b.WriteString("Identify recurring patterns in these recently completed tasks and recommend process improvements.\n\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s (capabilities: %s)\n", t.Type, t.Title, strings.Join(t.RequiredCapabilities, ", "))
	}
	b.WriteString("\nRespond with JSON: {\"patterns\": [{\"name\": string, \"description\": string, \"recommendation\": string, \"occurrences\": number}]}")
	return b.String()
}

// heuristicPatterns reports task types and capabilities that recur at least
// twice in the window.
func heuristicPatterns(projectID string, tasks []*task.Task) []*Pattern {
	types := make(map[task.Type]int)
	caps := make(map[string]int)
	for _, t := range tasks {
		types[t.Type]++
		for _, c := range t.RequiredCapabilities {
			caps[strings.ToLower(c)]++
		}
	}
	var out []*Pattern
	for typ, n := range types {
		if n < 2 {
			continue
		}
		out = append(out, &Pattern{
			ProjectID:      projectID,
			Name:           "recurring " + string(typ) + " work",
			Description:    fmt.Sprintf("%d of the last %d completed tasks were %s tasks", n, len(tasks), typ),
			Recommendation: "consider a workflow template for " + string(typ) + " tasks",
			Occurrences:    n,
		})
	}
	for c, n := range caps {
		if n < 2 {
			continue
		}
		out = append(out, &Pattern{
			ProjectID:      projectID,
			Name:           "frequent capability: " + c,
			Description:    fmt.Sprintf("%d recent tasks required %s", n, c),
			Recommendation: "keep agents with " + c + " available",
			Occurrences:    n,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// ReviewSuggestions runs a supervisor pass over pending analyses, approving
// or rejecting each. The review row id is the job id, so a retried job
// never reviews the same batch twice.
func (h *Handlers) ReviewSuggestions(ctx context.Context, j *Job) (json.RawMessage, error) {
	var p ReviewPayload
	if len(j.Payload) > 0 {
		if err := decodePayload(j, &p); err != nil {
			return nil, err
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	pending, err := h.store.ListAnalyses(ctx, AnalysisPending, p.ProjectID, limit)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return json.Marshal(map[string]any{"reviewed": 0})
	}

	var reply struct {
		Approved []string `json:"approved"`
		Rejected []string `json:"rejected"`
		Notes    string   `json:"notes"`
	}
	fallback, err := h.decide(ctx, j, reviewPrompt(pending), &reply)
	if err != nil {
		return nil, err
	}

	r := &Review{ID: j.ID, ProjectID: p.ProjectID}
	rejected := make(map[string]bool)
	if !fallback {
		for _, id := range reply.Rejected {
			rejected[id] = true
		}
		r.Notes = strings.TrimSpace(reply.Notes)
	} else {
		for _, a := range pending {
			if a.QualityScore < 0.5 {
				rejected[a.ID] = true
			}
		}
		r.Notes = "heuristic review: analyses scoring below 0.5 rejected"
	}
	// Every listed analysis is reviewed; ids the model did not reject count
	// as approved and ids it invented are ignored.
	for _, a := range pending {
		r.AnalysisIDs = append(r.AnalysisIDs, a.ID)
		if rejected[a.ID] {
			r.Rejected = append(r.Rejected, a.ID)
		} else {
			r.Approved = append(r.Approved, a.ID)
		}
	}
	if err := h.store.CompleteReview(ctx, r); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"review_id": r.ID,
		"reviewed":  len(r.AnalysisIDs),
		"approved":  len(r.Approved),
		"rejected":  len(r.Rejected),
	})
}

func reviewPrompt(analyses []*Analysis) string {
	var b strings.Builder
	b.WriteString("Review these task analyses as a supervisor. Reject any whose score or suggestions look wrong.\n\n")
	for _, a := range analyses {
		fmt.Fprintf(&b, "- id=%s task=%s score=%.2f summary=%q\n", a.ID, a.TaskID, a.QualityScore, a.Summary)
	}
	b.WriteString("\nRespond with JSON: {\"approved\": [id], \"rejected\": [id], \"notes\": string}")
	return b.String()
}
