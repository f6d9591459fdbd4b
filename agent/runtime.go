package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/conductor/task"
)

// Coordinator is the part of the coordinator API a Runtime drives.
type Coordinator interface {
	RegisterAgent(ctx context.Context, a *Agent) (*Agent, error)
	Heartbeat(ctx context.Context, agentID string, status Status) (*Agent, error)
	PollTask(ctx context.Context, agentID string, caps []string) (*task.Task, error)
	StartTask(ctx context.Context, taskID, agentID string) (*task.Task, error)
	ReleaseTask(ctx context.Context, taskID, agentID string) (*task.Task, error)
	CompleteTask(ctx context.Context, taskID, agentID string, output json.RawMessage) (*task.Task, error)
	FailTask(ctx context.Context, taskID, agentID, errMsg string) (*task.Task, error)
	AppendLog(ctx context.Context, l *task.Log) (*task.Log, error)
}

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	Profile        *Agent
	Coordinator    Coordinator
	Executors      *Registry
	PollInterval   time.Duration // default 5s
	HeartbeatEvery int           // polls between heartbeats, default 6
	TaskTimeout    time.Duration // zero means no limit
	Secrets        *SecretGuard  // redacts reported text when set
	Logger         *slog.Logger
}

// Runtime polls the coordinator for work and executes it.
type Runtime struct {
	cfg    RuntimeConfig
	logger *slog.Logger

	mu      sync.RWMutex
	status  Status
	curTask string
	polls   int
}

// NewRuntime creates a runtime. The profile and coordinator are required.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Profile == nil || cfg.Coordinator == nil {
		return nil, errors.New("agent runtime: profile and coordinator are required")
	}
	if cfg.Executors == nil {
		cfg.Executors = NewRegistry(nil)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 6
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{cfg: cfg, logger: logger, status: StatusIdle}, nil
}

// Status returns the runtime's reported status and the task it is running.
func (r *Runtime) Status() (Status, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status, r.curTask
}

// Run registers the agent and polls until ctx is done. On shutdown the
// agent is reported offline.
func (r *Runtime) Run(ctx context.Context) error {
	p := *r.cfg.Profile
	p.Status = StatusActive
	registered, err := r.cfg.Coordinator.RegisterAgent(ctx, &p)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	r.cfg.Profile.ID = registered.ID
	log := r.logger.With(slog.String("agent_id", registered.ID))
	log.Info("agent registered", slog.Any("capabilities", registered.Capabilities))
	r.setStatus(StatusActive, "")

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.setStatus(StatusOffline, "")
		if _, err := r.cfg.Coordinator.Heartbeat(stopCtx, registered.ID, StatusOffline); err != nil {
			log.Warn("offline heartbeat failed", slog.Any("err", err))
		}
		log.Info("agent stopped")
	}()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		// Keep claiming while work is available.
		for {
			ran, err := r.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				log.Warn("poll failed", slog.Any("err", err))
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce polls once and executes the claimed task, if any. Every
// HeartbeatEvery polls it also sends a heartbeat. It reports whether a task
// ran.
func (r *Runtime) RunOnce(ctx context.Context) (bool, error) {
	id := r.cfg.Profile.ID
	r.mu.Lock()
	r.polls++
	beat := r.polls%r.cfg.HeartbeatEvery == 0
	r.mu.Unlock()
	if beat {
		if _, err := r.cfg.Coordinator.Heartbeat(ctx, id, StatusActive); err != nil {
			r.logger.Warn("heartbeat failed", slog.String("agent_id", id), slog.Any("err", err))
		}
	}

	t, err := r.cfg.Coordinator.PollTask(ctx, id, r.cfg.Profile.Capabilities)
	if err != nil {
		return false, fmt.Errorf("poll: %w", err)
	}
	if t == nil {
		return false, nil
	}
	return true, r.execute(ctx, t)
}

func (r *Runtime) execute(ctx context.Context, t *task.Task) error {
	id := r.cfg.Profile.ID
	log := r.logger.With(slog.String("agent_id", id), slog.String("task_id", t.ID))
	r.setStatus(StatusBusy, t.ID)
	defer r.setStatus(StatusActive, "")
	if _, err := r.cfg.Coordinator.Heartbeat(ctx, id, StatusBusy); err != nil {
		log.Warn("busy heartbeat failed", slog.Any("err", err))
	}
	defer func() {
		if _, err := r.cfg.Coordinator.Heartbeat(ctx, id, StatusActive); err != nil && ctx.Err() == nil {
			log.Warn("active heartbeat failed", slog.Any("err", err))
		}
	}()

	if _, err := r.cfg.Coordinator.StartTask(ctx, t.ID, id); err != nil {
		// Hand the claim back so the task does not stay assigned to us.
		if _, rerr := r.cfg.Coordinator.ReleaseTask(context.WithoutCancel(ctx), t.ID, id); rerr != nil {
			log.Warn("release task failed", slog.Any("err", rerr))
		}
		return fmt.Errorf("start task %s: %w", t.ID, err)
	}
	log.Info("task started", slog.String("title", t.Title), slog.String("type", string(t.Type)))

	progress := func(msg string) {
		msg = r.cfg.Secrets.Redact(msg)
		if _, err := r.cfg.Coordinator.AppendLog(ctx, &task.Log{TaskID: t.ID, AgentID: id, Level: task.LogInfo, Message: msg}); err != nil {
			log.Debug("progress log failed", slog.Any("err", err))
		}
	}

	output, err := r.run(ctx, t, progress)
	// The outcome is reported even when shutdown interrupted the executor.
	report := context.WithoutCancel(ctx)
	if err != nil {
		log.Warn("task failed", slog.Any("err", err))
		if _, ferr := r.cfg.Coordinator.FailTask(report, t.ID, id, r.cfg.Secrets.Redact(err.Error())); ferr != nil {
			return fmt.Errorf("fail task %s: %w", t.ID, ferr)
		}
		return nil
	}
	if red := r.cfg.Secrets.Redact(string(output)); red != string(output) && json.Valid([]byte(red)) {
		output = json.RawMessage(red)
	}
	if _, err := r.cfg.Coordinator.CompleteTask(report, t.ID, id, output); err != nil {
		return fmt.Errorf("complete task %s: %w", t.ID, err)
	}
	log.Info("task completed")
	return nil
}

// run dispatches to the task type's executor, recovering panics.
func (r *Runtime) run(ctx context.Context, t *task.Task, progress Progress) (out json.RawMessage, err error) {
	exec, ok := r.cfg.Executors.Get(t.Type)
	if !ok {
		return nil, fmt.Errorf("no executor for task type %q", t.Type)
	}
	if r.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor panic: %v", rec)
		}
	}()
	out, err = exec.Execute(ctx, t, progress)
	if err == nil && len(out) > 0 && !json.Valid(out) {
		return nil, fmt.Errorf("executor returned invalid JSON output")
	}
	return out, err
}

func (r *Runtime) setStatus(s Status, taskID string) {
	r.mu.Lock()
	r.status = s
	r.curTask = taskID
	r.mu.Unlock()
}
