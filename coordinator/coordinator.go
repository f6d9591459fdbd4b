// Package coordinator composes the store, assignment engine, workflow
// decomposer, gate enforcement and job processor into the operations agents
// and operators call.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/assign"
	"github.com/GoCodeAlone/conductor/capability"
	"github.com/GoCodeAlone/conductor/decider"
	"github.com/GoCodeAlone/conductor/events"
	"github.com/GoCodeAlone/conductor/jobs"
	"github.com/GoCodeAlone/conductor/store"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/workflow"
)

// ErrForbidden is returned when a caller may not perform an action on a
// task, such as an executor approving its own work.
var ErrForbidden = errors.New("not permitted")

// Options configures a Service. Zero values take defaults.
type Options struct {
	Decider    decider.Decider
	Registry   *workflow.Registry
	Assignment assign.Config
	Jobs       jobs.Config
	Policy     jobs.Policy
	Bus        events.Bus

	// ForceAssign makes AssignTask claim the task for the selected agent.
	ForceAssign bool
	// HeartbeatTimeout is how long an agent may stay silent before the
	// watchdog marks it offline.
	HeartbeatTimeout time.Duration
	// PollScan is the page size a poll reads the pending queue in.
	PollScan int

	Logger *slog.Logger
}

// Service implements the coordinator operations over a Store.
type Service struct {
	store      *store.Store
	engine     *assign.Engine
	registry   *workflow.Registry
	decomposer *workflow.Decomposer
	gates      *workflow.Gatekeeper
	processor  *jobs.Processor
	policy     jobs.Policy
	bus        events.Bus
	opts       Options
	logger     *slog.Logger
}

// New wires a Service. The job handlers are registered on its processor.
func New(st *store.Store, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Decider == nil {
		opts.Decider = decider.Disabled{}
	}
	if opts.Bus == nil {
		opts.Bus = events.NewInMemoryBus(0)
	}
	if opts.Registry == nil {
		reg, err := workflow.NewRegistry(logger)
		if err != nil {
			return nil, err
		}
		opts.Registry = reg
	}
	if opts.Assignment == (assign.Config{}) {
		opts.Assignment = assign.DefaultConfig()
	}
	if opts.Policy == (jobs.Policy{}) {
		opts.Policy = jobs.DefaultPolicy()
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 2 * time.Minute
	}
	if opts.PollScan <= 0 {
		opts.PollScan = 200
	}

	s := &Service{
		store:      st,
		engine:     assign.New(opts.Assignment, opts.Decider, logger),
		registry:   opts.Registry,
		decomposer: workflow.NewDecomposer(opts.Registry, st, opts.Decider, logger),
		gates:      workflow.NewGatekeeper(st, logger),
		processor:  jobs.NewProcessor(st, opts.Jobs, logger),
		policy:     opts.Policy,
		bus:        opts.Bus,
		opts:       opts,
		logger:     logger,
	}
	jobs.NewHandlers(st, opts.Decider, logger).Register(s.processor)
	s.processor.OnFailure(func(ctx context.Context, j *jobs.Job, err error) {
		s.publish(ctx, &events.Event{
			Type:     events.JobFailed,
			Message:  err.Error(),
			Metadata: map[string]string{"job_id": j.ID, "job_type": string(j.Type)},
		})
	})
	return s, nil
}

// Bus returns the event bus.
func (s *Service) Bus() events.Bus { return s.bus }

// Registry returns the workflow template registry.
func (s *Service) Registry() *workflow.Registry { return s.registry }

// Processor returns the background job processor.
func (s *Service) Processor() *jobs.Processor { return s.processor }

func (s *Service) publish(ctx context.Context, ev *events.Event) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish event", slog.String("type", string(ev.Type)), slog.Any("err", err))
	}
}

func taskEvent(typ events.Type, t *task.Task, agentID string) *events.Event {
	return &events.Event{
		Type:       typ,
		TaskID:     t.ID,
		AgentID:    agentID,
		ProjectID:  t.ProjectID,
		WorkflowID: t.WorkflowInstanceID,
		Message:    t.Title,
	}
}

// CreateTask validates and stores a new pending task.
func (s *Service) CreateTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	s.publish(ctx, taskEvent(events.TaskCreated, t, ""))
	return t, nil
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching f.
func (s *Service) ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// PollTask claims the best pending task agentID can run: every required
// capability covered by caps, every dependency completed, highest priority
// then oldest first. The pending queue is read page by page until a claim
// succeeds or it is exhausted, and a lost claim moves on to the next
// candidate. It returns nil when nothing is available or the agent is at
// capacity. An empty caps uses the agent's registered capabilities.
func (s *Service) PollTask(ctx context.Context, agentID string, caps []string) (*task.Task, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(caps) == 0 {
		caps = a.Capabilities
	}
	log := s.logger.With(slog.String("agent_id", agentID))
	if !a.Status.Available() || !a.HasCapacity() {
		log.Debug("poll skipped", slog.String("status", string(a.Status)),
			slog.Int("current_tasks", a.CurrentTasks), slog.Int("max_concurrent", a.MaxConcurrent))
		return nil, nil
	}

	have := capability.NewSet(caps)
	var after *task.Task
	for {
		page, err := s.store.PendingTasksAfter(ctx, after, s.opts.PollScan)
		if err != nil {
			return nil, err
		}
		claimed, err := s.claimFirst(ctx, log, page, have, agentID)
		if errors.Is(err, store.ErrAtCapacity) {
			log.Debug("poll stopped at capacity")
			return nil, nil
		}
		if err != nil || claimed != nil {
			return claimed, err
		}
		if len(page) < s.opts.PollScan {
			return nil, nil
		}
		after = page[len(page)-1]
	}
}

// claimFirst claims the first task of page that agentID can run. It returns
// nil when none could be claimed and store.ErrAtCapacity once the agent is
// full.
func (s *Service) claimFirst(ctx context.Context, log *slog.Logger, page []*task.Task, have capability.Set, agentID string) (*task.Task, error) {
	var (
		candidates []*task.Task
		depIDs     []string
	)
	for _, t := range page {
		if !have.Covers(t.RequiredCapabilities) {
			continue
		}
		candidates = append(candidates, t)
		depIDs = append(depIDs, t.DependsOn...)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	statuses, err := s.store.TaskStatuses(ctx, depIDs)
	if err != nil {
		return nil, err
	}

	for _, t := range candidates {
		if rep := task.ResolveDependencies(t.DependsOn, statuses); rep.State != task.Satisfied {
			continue
		}
		won, err := s.store.ClaimTask(ctx, t.ID, agentID)
		if err != nil {
			return nil, err
		}
		if !won {
			log.Debug("claim lost", slog.String("task_id", t.ID))
			continue
		}
		claimed, err := s.store.GetTask(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		log.Info("task claimed", slog.String("task_id", t.ID), slog.Int("priority", int(t.Priority)))
		s.publish(ctx, taskEvent(events.TaskAssigned, claimed, agentID))
		return claimed, nil
	}
	return nil, nil
}

// ReleaseTask hands a claimed but unstarted task back to the queue.
func (s *Service) ReleaseTask(ctx context.Context, taskID, agentID string) (*task.Task, error) {
	t, err := s.store.ReleaseTask(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task released", slog.String("task_id", taskID), slog.String("agent_id", agentID))
	s.publish(ctx, taskEvent(events.TaskReleased, t, agentID))
	return t, nil
}

// StartTask moves an assigned task to in_progress for its owner.
func (s *Service) StartTask(ctx context.Context, taskID, agentID string) (*task.Task, error) {
	t, err := s.store.StartTask(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, taskEvent(events.TaskStarted, t, agentID))
	return t, nil
}

// CompleteTask stores the output of an in_progress task and enqueues its
// follow-up jobs in the same transaction.
func (s *Service) CompleteTask(ctx context.Context, taskID, agentID string, output json.RawMessage) (*task.Task, error) {
	if len(output) > 0 && !json.Valid(output) {
		return nil, fmt.Errorf("%w: output is not valid JSON", task.ErrInvalid)
	}
	t, enqueued, err := s.store.CompleteTask(ctx, taskID, agentID, output, s.policy.Plan)
	if err != nil {
		return nil, err
	}
	types := make([]string, 0, len(enqueued))
	for _, j := range enqueued {
		types = append(types, string(j.Type))
	}
	s.logger.Info("task completed",
		slog.String("task_id", t.ID),
		slog.String("agent_id", agentID),
		slog.Any("jobs", types))
	s.publish(ctx, taskEvent(events.TaskCompleted, t, agentID))
	return t, nil
}

// FailTask records the error of an in_progress task. It is not retried.
func (s *Service) FailTask(ctx context.Context, taskID, agentID, errMsg string) (*task.Task, error) {
	t, err := s.store.FailTask(ctx, taskID, agentID, errMsg)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("task failed", slog.String("task_id", t.ID), slog.String("agent_id", agentID), slog.String("error", errMsg))
	s.publish(ctx, taskEvent(events.TaskFailed, t, agentID))
	return t, nil
}

// CancelTask cancels a pending or assigned task and its open descendants.
func (s *Service) CancelTask(ctx context.Context, taskID string) ([]string, error) {
	ids, err := s.store.CancelTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task cancelled", slog.String("task_id", taskID), slog.Int("cascaded", len(ids)-1))
	for _, id := range ids {
		s.publish(ctx, &events.Event{Type: events.TaskCancelled, TaskID: id})
	}
	return ids, nil
}

// ResolveDependencies reports whether a task's dependencies are satisfied,
// still waiting, or permanently blocked.
func (s *Service) ResolveDependencies(ctx context.Context, taskID string) (*task.DependencyReport, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	statuses, err := s.store.TaskStatuses(ctx, t.DependsOn)
	if err != nil {
		return nil, err
	}
	rep := task.ResolveDependencies(t.DependsOn, statuses)
	return &rep, nil
}

// AddDependencies adds edges to a pending task, rejecting cycles.
func (s *Service) AddDependencies(ctx context.Context, taskID string, deps []string) (*task.Task, error) {
	return s.store.AddDependencies(ctx, taskID, deps)
}

// AppendTaskLog attaches a progress line to a task.
func (s *Service) AppendTaskLog(ctx context.Context, l *task.Log) (*task.Log, error) {
	if l.Message == "" {
		return nil, fmt.Errorf("%w: log message is required", task.ErrInvalid)
	}
	if err := s.store.AppendTaskLog(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// ListTaskLogs returns a task's logs oldest first.
func (s *Service) ListTaskLogs(ctx context.Context, taskID string, limit int) ([]*task.Log, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListTaskLogs(ctx, taskID, limit)
}

// AssignRequest asks the assignment engine for an agent. Empty fields fall
// back to the task's own requirements.
type AssignRequest struct {
	TaskID               string   `json:"task_id"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	PreferredAgentTypes  []string `json:"preferred_agent_types,omitempty"`
	RequiresRedundancy   *bool    `json:"requires_redundancy,omitempty"`
}

// AssignResult is the persisted decision plus, under force-assign, whether
// the claim for the selected agent succeeded.
type AssignResult struct {
	*assign.Result
	Claimed bool       `json:"claimed"`
	Task    *task.Task `json:"task"`
}

// AssignTask selects an agent for a pending task and persists the
// Assignment Record. The task itself stays pending unless force-assign is
// enabled, in which case the selected agent claims it.
func (s *Service) AssignTask(ctx context.Context, req AssignRequest) (*AssignResult, error) {
	t, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPending {
		return nil, &task.TransitionError{TaskID: t.ID, From: t.Status, To: task.StatusAssigned,
			Reason: "only pending tasks can be assigned"}
	}
	want := *t
	if len(req.RequiredCapabilities) > 0 {
		want.RequiredCapabilities = req.RequiredCapabilities
	}
	if len(req.PreferredAgentTypes) > 0 {
		want.PreferredAgentTypes = req.PreferredAgentTypes
	}
	if req.RequiresRedundancy != nil {
		want.RequiresRedundancy = *req.RequiresRedundancy
	}

	agents, err := s.store.ListAgents(ctx, store.AgentFilter{AvailableOnly: true})
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Assign(ctx, &want, agents)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateAssignment(ctx, res.Record); err != nil {
		return nil, err
	}
	s.publish(ctx, &events.Event{
		Type:      events.AssignmentRecorded,
		TaskID:    t.ID,
		AgentID:   res.Record.AgentID,
		ProjectID: t.ProjectID,
		Message:   res.Record.Reasoning,
		Metadata:  map[string]string{"source": string(res.Record.Source)},
	})

	out := &AssignResult{Result: res, Task: t}
	if !s.opts.ForceAssign {
		return out, nil
	}
	won, err := s.store.ClaimTask(ctx, t.ID, res.Record.AgentID)
	if err != nil && !errors.Is(err, store.ErrAtCapacity) {
		return nil, err
	}
	out.Claimed = won
	if out.Task, err = s.store.GetTask(ctx, t.ID); err != nil {
		return nil, err
	}
	if won {
		s.publish(ctx, taskEvent(events.TaskAssigned, out.Task, res.Record.AgentID))
	} else {
		s.logger.Info("force-assign claim not applied", slog.String("task_id", t.ID), slog.String("agent_id", res.Record.AgentID))
	}
	return out, nil
}

// ListAssignments returns a task's assignment history.
func (s *Service) ListAssignments(ctx context.Context, taskID string) ([]*assign.Record, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListAssignments(ctx, taskID)
}

// RegisterAgent creates or refreshes an agent registration.
func (s *Service) RegisterAgent(ctx context.Context, a *agent.Agent) (*agent.Agent, error) {
	if err := s.store.UpsertAgent(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("agent registered", slog.String("agent_id", a.ID), slog.String("type", string(a.Type)))
	return a, nil
}

// GetAgent returns an agent by id.
func (s *Service) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// ListAgents returns agents matching f.
func (s *Service) ListAgents(ctx context.Context, f store.AgentFilter) ([]*agent.Agent, error) {
	return s.store.ListAgents(ctx, f)
}

// Heartbeat records liveness and the agent's reported status.
func (s *Service) Heartbeat(ctx context.Context, agentID string, status agent.Status) (*agent.Agent, error) {
	if status == "" {
		status = agent.StatusActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", agent.ErrInvalid, status)
	}
	return s.store.Heartbeat(ctx, agentID, status)
}

// MarkStaleAgents sets agents silent for longer than the heartbeat timeout
// offline.
func (s *Service) MarkStaleAgents(ctx context.Context) ([]string, error) {
	ids, err := s.store.MarkStaleAgents(ctx, time.Now().Add(-s.opts.HeartbeatTimeout))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return ids, nil
	}
	s.logger.Warn("agents marked offline", slog.Any("agent_ids", ids))
	requeued, err := s.store.RequeueAssignedTasks(ctx, ids)
	if err != nil {
		return ids, err
	}
	for _, id := range requeued {
		s.logger.Info("task requeued from offline agent", slog.String("task_id", id))
		s.publish(ctx, &events.Event{Type: events.TaskReleased, TaskID: id, Message: "agent offline"})
	}
	return ids, nil
}

// RunWatchdog calls MarkStaleAgents every interval until ctx is done.
func (s *Service) RunWatchdog(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.MarkStaleAgents(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("heartbeat watchdog", slog.Any("err", err))
			}
		}
	}
}

// ProcessJobsBatch runs up to maxJobs ready background jobs.
func (s *Service) ProcessJobsBatch(ctx context.Context, maxJobs int) (jobs.BatchStats, error) {
	return s.processor.ProcessBatch(ctx, maxJobs)
}

// ListJobs returns jobs for operator inspection.
func (s *Service) ListJobs(ctx context.Context, f store.JobFilter) ([]*jobs.Job, error) {
	return s.store.ListJobs(ctx, f)
}

// Status is an aggregate snapshot of the coordinator.
type Status struct {
	*store.Counts
	Templates int `json:"templates"`
}

// Status returns row counts by status.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	c, err := s.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{Counts: c, Templates: len(s.registry.List())}, nil
}
