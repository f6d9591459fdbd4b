// Package assign picks the agent, and optional backups, that should work a
// task. A deterministic ranking over load and track record always produces a
// shortlist; a language model may then choose from it. Any model failure
// falls back to the ranking.
package assign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/capability"
	"github.com/GoCodeAlone/conductor/decider"
	"github.com/GoCodeAlone/conductor/task"
)

// ErrNoCapacity is returned when no available agent has matching
// capabilities and spare capacity.
var ErrNoCapacity = errors.New("no agent with capacity")

// Config weights the deterministic score.
type Config struct {
	QualityWeight  float64 `json:"quality_weight" yaml:"quality_weight"`
	SuccessWeight  float64 `json:"success_weight" yaml:"success_weight"`
	PreferredBonus float64 `json:"preferred_bonus" yaml:"preferred_bonus"`
	SpecialtyBonus float64 `json:"specialty_bonus" yaml:"specialty_bonus"`
	LoadPenalty    float64 `json:"load_penalty" yaml:"load_penalty"`
	Shortlist      int     `json:"shortlist" yaml:"shortlist"`
	Backups        int     `json:"backups" yaml:"backups"`
}

// DefaultConfig returns the standard weights.
func DefaultConfig() Config {
	return Config{
		QualityWeight:  0.7,
		SuccessWeight:  0.3,
		PreferredBonus: 0.15,
		SpecialtyBonus: 0.1,
		LoadPenalty:    0.3,
		Shortlist:      5,
		Backups:        1,
	}
}

// Candidate is a ranked eligible agent.
type Candidate struct {
	Agent   *agent.Agent `json:"agent"`
	Score   float64      `json:"score"`
	Overlap int          `json:"overlap"`
}

// Result is an assignment decision and the ranking it was drawn from.
type Result struct {
	Record     *Record     `json:"record"`
	Candidates []Candidate `json:"candidates"`
}

// Engine ranks agents and consults a decider.
type Engine struct {
	cfg     Config
	decider decider.Decider
	logger  *slog.Logger
	now     func() time.Time
}

// New returns an Engine. A nil decider uses the ranking alone.
func New(cfg Config, d decider.Decider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if d == nil {
		d = decider.Disabled{}
	}
	def := DefaultConfig()
	if cfg.QualityWeight == 0 && cfg.SuccessWeight == 0 {
		cfg.QualityWeight, cfg.SuccessWeight = def.QualityWeight, def.SuccessWeight
	}
	if cfg.Shortlist <= 0 {
		cfg.Shortlist = def.Shortlist
	}
	if cfg.Backups < 0 {
		cfg.Backups = 0
	}
	return &Engine{cfg: cfg, decider: d, logger: logger, now: time.Now}
}

// Rank returns the agents eligible for t, best first. An agent is eligible
// when its status accepts work, it has spare capacity, and its capabilities
// intersect the task's required capabilities.
func (e *Engine) Rank(t *task.Task, agents []*agent.Agent) []Candidate {
	preferred := capability.NewSet(t.PreferredAgentTypes)
	var out []Candidate
	for _, a := range agents {
		if !a.Status.Available() || !a.HasCapacity() {
			continue
		}
		if !capability.Intersects(t.RequiredCapabilities, a.Capabilities) {
			continue
		}
		overlap := len(capability.NewSet(a.Capabilities).Overlap(t.RequiredCapabilities))
		out = append(out, Candidate{Agent: a, Score: e.score(t, a, preferred), Overlap: overlap})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Overlap != out[j].Overlap {
			return out[i].Overlap > out[j].Overlap
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})
	return out
}

func (e *Engine) score(t *task.Task, a *agent.Agent, preferred capability.Set) float64 {
	s := e.cfg.QualityWeight*a.Performance.Quality() + e.cfg.SuccessWeight*a.Performance.SuccessRate()
	if preferred.Has(string(a.Type)) {
		s += e.cfg.PreferredBonus
	}
	if capability.NewSet(a.Performance.Specialties).Has(string(t.Type)) {
		s += e.cfg.SpecialtyBonus
	}
	s -= e.cfg.LoadPenalty * a.LoadRatio()
	return s
}

// backupsFor returns how many backups t needs beyond the primary agent.
func (e *Engine) backupsFor(t *task.Task) int {
	if !t.RequiresRedundancy {
		return 0
	}
	if n := len(t.RedundancyAgentTypes); n > 0 {
		return n
	}
	return e.cfg.Backups
}

// Assign chooses an agent for t among agents. The returned record is not
// persisted.
func (e *Engine) Assign(ctx context.Context, t *task.Task, agents []*agent.Agent) (*Result, error) {
	ranked := e.Rank(t, agents)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: task %s requires %v", ErrNoCapacity, t.ID, t.RequiredCapabilities)
	}

	want := 1 + e.backupsFor(t)
	size := e.cfg.Shortlist
	if size < want {
		size = want
	}
	shortlist := ranked
	if len(shortlist) > size {
		shortlist = shortlist[:size]
	}

	rec, err := e.ask(ctx, t, shortlist, want)
	if err != nil {
		e.logger.Info("assignment falling back to ranking",
			slog.String("task_id", t.ID),
			slog.Int("candidates", len(shortlist)),
			slog.Any("err", err))
		rec = e.fallback(t, shortlist, want)
	}
	rec.TaskID = t.ID
	rec.CreatedAt = e.now().UTC()
	return &Result{Record: rec, Candidates: shortlist}, nil
}

// fallback takes the top of the ranking.
func (e *Engine) fallback(t *task.Task, shortlist []Candidate, want int) *Record {
	top := shortlist[0]
	rec := &Record{
		AgentID:           top.Agent.ID,
		Confidence:        clamp01(top.Score),
		Reasoning:         fmt.Sprintf("highest ranked of %d eligible agents (score %.2f, load %d/%d)", len(shortlist), top.Score, top.Agent.CurrentTasks, top.Agent.MaxConcurrent),
		EstimatedDuration: hours(t.EstimatedHours),
		Source:            SourceFallback,
	}
	for _, c := range shortlist[1:] {
		if len(rec.BackupAgentIDs) >= want-1 {
			break
		}
		rec.BackupAgentIDs = append(rec.BackupAgentIDs, c.Agent.ID)
	}
	return rec
}

type modelPick struct {
	SelectedAgentID   string          `json:"selected_agent_id"`
	ConfidenceScore   float64         `json:"confidence_score"`
	Reasoning         string          `json:"reasoning"`
	EstimatedDuration json.RawMessage `json:"estimated_duration"`
	BackupAgentIDs    []string        `json:"backup_agent_ids"`
}

// ask consults the decider and validates its answer against the shortlist.
func (e *Engine) ask(ctx context.Context, t *task.Task, shortlist []Candidate, want int) (*Record, error) {
	dec, err := e.decider.Decide(ctx, buildPrompt(t, shortlist, want))
	if err != nil {
		return nil, err
	}
	var pick modelPick
	if err := dec.Decode(&pick); err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(shortlist))
	for _, c := range shortlist {
		allowed[c.Agent.ID] = true
	}
	if !allowed[pick.SelectedAgentID] {
		return nil, fmt.Errorf("%w: selected agent %q is not on the shortlist", decider.ErrExternalService, pick.SelectedAgentID)
	}
	if math.IsNaN(pick.ConfidenceScore) || pick.ConfidenceScore < 0 || pick.ConfidenceScore > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", decider.ErrExternalService, pick.ConfidenceScore)
	}

	rec := &Record{
		AgentID:           pick.SelectedAgentID,
		Confidence:        pick.ConfidenceScore,
		Reasoning:         strings.TrimSpace(pick.Reasoning),
		EstimatedDuration: parseDuration(pick.EstimatedDuration, hours(t.EstimatedHours)),
		Source:            SourceModel,
	}
	seen := map[string]bool{rec.AgentID: true}
	for _, id := range pick.BackupAgentIDs {
		if len(rec.BackupAgentIDs) >= want-1 {
			break
		}
		if allowed[id] && !seen[id] {
			seen[id] = true
			rec.BackupAgentIDs = append(rec.BackupAgentIDs, id)
		}
	}
	// Top up from the ranking when the model named too few backups.
	for _, c := range shortlist {
		if len(rec.BackupAgentIDs) >= want-1 {
			break
		}
		if !seen[c.Agent.ID] {
			seen[c.Agent.ID] = true
			rec.BackupAgentIDs = append(rec.BackupAgentIDs, c.Agent.ID)
		}
	}
	return rec, nil
}

type promptAgent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	Load         string   `json:"load"`
	Quality      float64  `json:"quality"`
	SuccessRate  float64  `json:"success_rate"`
	Specialties  []string `json:"specialties,omitempty"`
	Score        float64  `json:"score"`
}

func buildPrompt(t *task.Task, shortlist []Candidate, want int) string {
	agents := make([]promptAgent, len(shortlist))
	for i, c := range shortlist {
		a := c.Agent
		agents[i] = promptAgent{
			ID:           a.ID,
			Name:         a.Name,
			Type:         string(a.Type),
			Capabilities: a.Capabilities,
			Load:         strconv.Itoa(a.CurrentTasks) + "/" + strconv.Itoa(a.MaxConcurrent),
			Quality:      round2(a.Performance.Quality()),
			SuccessRate:  round2(a.Performance.SuccessRate()),
			Specialties:  a.Performance.Specialties,
			Score:        round2(c.Score),
		}
	}
	agentJSON, _ := json.MarshalIndent(agents, "", "  ")

	var b strings.Builder
	b.WriteString("Choose the best agent for this task from the candidates below.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", t.Description)
	}
	fmt.Fprintf(&b, "Type: %s\nPriority: %d\n", t.Type, t.Priority)
	if len(t.RequiredCapabilities) > 0 {
		fmt.Fprintf(&b, "Required capabilities: %s\n", strings.Join(t.RequiredCapabilities, ", "))
	}
	if len(t.PreferredAgentTypes) > 0 {
		fmt.Fprintf(&b, "Preferred agent types: %s\n", strings.Join(t.PreferredAgentTypes, ", "))
	}
	if want > 1 {
		fmt.Fprintf(&b, "Redundancy required: also name %d backup agents.\n", want-1)
	}
	b.WriteString("\nCandidates (already filtered for capability and capacity):\n")
	b.Write(agentJSON)
	b.WriteString("\n\nRespond with JSON: {\"selected_agent_id\": string, \"confidence_score\": number between 0 and 1, " +
		"\"reasoning\": string, \"estimated_duration\": minutes as a number, \"backup_agent_ids\": [string]}")
	return b.String()
}

// parseDuration accepts minutes as a number or a Go duration string.
func parseDuration(raw json.RawMessage, def time.Duration) time.Duration {
	if len(raw) == 0 {
		return def
	}
	var minutes float64
	if err := json.Unmarshal(raw, &minutes); err == nil {
		if minutes <= 0 {
			return def
		}
		return time.Duration(minutes * float64(time.Minute))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func hours(h float64) time.Duration {
	if h <= 0 {
		return 0
	}
	return time.Duration(h * float64(time.Hour))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
