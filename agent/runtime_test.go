package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/conductor/provider/mock"
	"github.com/GoCodeAlone/conductor/task"
)

type calls struct {
	heartbeats []Status
	started    []string
	completed  map[string]json.RawMessage
	failed     map[string]string
	released   []string
	logs       []string
}

// fakeCoordinator hands out queued tasks and records every call.
type fakeCoordinator struct {
	mu       sync.Mutex
	queue    []*task.Task
	startErr error
	calls
}

func newFakeCoordinator(tasks ...*task.Task) *fakeCoordinator {
	return &fakeCoordinator{queue: tasks, calls: calls{completed: map[string]json.RawMessage{}, failed: map[string]string{}}}
}

func (f *fakeCoordinator) RegisterAgent(_ context.Context, a *Agent) (*Agent, error) {
	out := *a
	if out.ID == "" {
		out.ID = "generated"
	}
	return &out, nil
}

func (f *fakeCoordinator) Heartbeat(_ context.Context, agentID string, status Status) (*Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, status)
	return &Agent{ID: agentID, Status: status}, nil
}

func (f *fakeCoordinator) PollTask(_ context.Context, _ string, _ []string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	t := f.queue[0]
	f.queue = f.queue[1:]
	return t, nil
}

func (f *fakeCoordinator) StartTask(_ context.Context, taskID, _ string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, taskID)
	return &task.Task{ID: taskID, Status: task.StatusInProgress}, nil
}

func (f *fakeCoordinator) ReleaseTask(ctx context.Context, taskID, _ string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, taskID)
	return &task.Task{ID: taskID, Status: task.StatusPending}, nil
}

func (f *fakeCoordinator) CompleteTask(_ context.Context, taskID, _ string, output json.RawMessage) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[taskID] = output
	return &task.Task{ID: taskID, Status: task.StatusCompleted}, nil
}

func (f *fakeCoordinator) FailTask(_ context.Context, taskID, _, errMsg string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[taskID] = errMsg
	return &task.Task{ID: taskID, Status: task.StatusFailed}, nil
}

func (f *fakeCoordinator) AppendLog(_ context.Context, l *task.Log) (*task.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l.Message)
	return l, nil
}

func (f *fakeCoordinator) snapshot() calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := calls{
		heartbeats: append([]Status(nil), f.heartbeats...),
		started:    append([]string(nil), f.started...),
		completed:  make(map[string]json.RawMessage, len(f.completed)),
		failed:     make(map[string]string, len(f.failed)),
		released:   append([]string(nil), f.released...),
		logs:       append([]string(nil), f.logs...),
	}
	for k, v := range f.completed {
		out.completed[k] = v
	}
	for k, v := range f.failed {
		out.failed[k] = v
	}
	return out
}

func newTestRuntime(t *testing.T, fc *fakeCoordinator, reg *Registry) *Runtime {
	t.Helper()
	r, err := NewRuntime(RuntimeConfig{
		Profile:      &Agent{ID: "agent-1", Name: "worker", Capabilities: []string{"go"}},
		Coordinator:  fc,
		Executors:    reg,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return r
}

func TestRegistry_TypeAndFallback(t *testing.T) {
	docs := ExecutorFunc(func(context.Context, *task.Task, Progress) (json.RawMessage, error) { return nil, nil })
	fallback := ExecutorFunc(func(context.Context, *task.Task, Progress) (json.RawMessage, error) { return nil, nil })

	reg := NewRegistry(nil)
	if err := reg.Register(task.TypeDocs, docs); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(task.TypeDocs, docs); err == nil {
		t.Error("expected duplicate registration error")
	}
	if _, ok := reg.Get(task.TypeBugfix); ok {
		t.Error("unregistered type without fallback should not resolve")
	}
	if err := reg.Unregister(task.TypeDocs); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := reg.Unregister(task.TypeDocs); err == nil {
		t.Error("expected error unregistering twice")
	}

	reg = NewRegistry(fallback)
	if _, ok := reg.Get(task.TypeBugfix); !ok {
		t.Error("fallback should serve unregistered types")
	}
	if len(reg.Types()) != 0 {
		t.Errorf("Types = %v, want none", reg.Types())
	}
}

func TestNewRuntime_RequiresProfileAndCoordinator(t *testing.T) {
	if _, err := NewRuntime(RuntimeConfig{}); err == nil {
		t.Error("expected error without profile and coordinator")
	}
}

func TestRunOnce_CompletesWithExecutorOutput(t *testing.T) {
	fc := newFakeCoordinator(&task.Task{ID: "t1", Title: "docs", Type: task.TypeDocs})
	reg := NewRegistry(nil)
	_ = reg.Register(task.TypeDocs, ExecutorFunc(func(_ context.Context, tk *task.Task, progress Progress) (json.RawMessage, error) {
		progress("writing " + tk.Title)
		return json.RawMessage(`{"pages":3}`), nil
	}))
	r := newTestRuntime(t, fc, reg)

	ran, err := r.RunOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("RunOnce = %v, %v; want true, nil", ran, err)
	}
	got := fc.snapshot()
	if len(got.started) != 1 || got.started[0] != "t1" {
		t.Errorf("started = %v", got.started)
	}
	if string(got.completed["t1"]) != `{"pages":3}` {
		t.Errorf("output = %s", got.completed["t1"])
	}
	if len(got.logs) != 1 || got.logs[0] != "writing docs" {
		t.Errorf("logs = %v", got.logs)
	}
	want := []Status{StatusBusy, StatusActive}
	if len(got.heartbeats) != 2 || got.heartbeats[0] != want[0] || got.heartbeats[1] != want[1] {
		t.Errorf("heartbeats = %v, want %v", got.heartbeats, want)
	}
	if st, cur := r.Status(); st != StatusActive || cur != "" {
		t.Errorf("Status = %s/%q, want active/idle", st, cur)
	}

	ran, err = r.RunOnce(context.Background())
	if err != nil || ran {
		t.Errorf("empty RunOnce = %v, %v; want false, nil", ran, err)
	}
}

func TestRunOnce_FailureModes(t *testing.T) {
	fc := newFakeCoordinator(
		&task.Task{ID: "err", Type: task.TypeTest},
		&task.Task{ID: "panic", Type: task.TypeRefactor},
		&task.Task{ID: "none", Type: task.TypeReview},
		&task.Task{ID: "badjson", Type: task.TypeAnalysis},
	)
	reg := NewRegistry(nil)
	_ = reg.Register(task.TypeTest, ExecutorFunc(func(context.Context, *task.Task, Progress) (json.RawMessage, error) {
		return nil, errors.New("tests red")
	}))
	_ = reg.Register(task.TypeRefactor, ExecutorFunc(func(context.Context, *task.Task, Progress) (json.RawMessage, error) {
		panic("boom")
	}))
	_ = reg.Register(task.TypeAnalysis, ExecutorFunc(func(context.Context, *task.Task, Progress) (json.RawMessage, error) {
		return json.RawMessage(`not json`), nil
	}))
	r := newTestRuntime(t, fc, reg)

	for i := 0; i < 4; i++ {
		if _, err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}
	got := fc.snapshot()
	if len(got.completed) != 0 {
		t.Errorf("completed = %v, want none", got.completed)
	}
	checks := map[string]string{"err": "tests red", "panic": "panic", "none": "no executor", "badjson": "invalid JSON"}
	for id, want := range checks {
		if msg := got.failed[id]; !strings.Contains(msg, want) {
			t.Errorf("failed[%s] = %q, want it to mention %q", id, msg, want)
		}
	}
}

func TestRunOnce_HeartbeatEverySixPolls(t *testing.T) {
	fc := newFakeCoordinator()
	r := newTestRuntime(t, fc, nil)
	for i := 0; i < 12; i++ {
		if _, err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	if got := fc.snapshot().heartbeats; len(got) != 2 {
		t.Errorf("heartbeats = %v, want 2 over 12 idle polls", got)
	}
}

func TestRun_DrainsQueueAndReportsOffline(t *testing.T) {
	fc := newFakeCoordinator(
		&task.Task{ID: "t1", Title: "first", Type: task.TypeFeature},
		&task.Task{ID: "t2", Title: "second", Type: task.TypeFeature},
	)
	p := mock.New("done")
	r := newTestRuntime(t, fc, NewRegistry(&ProviderExecutor{Provider: p}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(fc.snapshot().completed) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	got := fc.snapshot()
	if len(got.completed) != 2 {
		t.Fatalf("completed = %d, want 2", len(got.completed))
	}
	var out map[string]any
	if err := json.Unmarshal(got.completed["t1"], &out); err != nil || out["summary"] != "done" {
		t.Errorf("output = %s (%v)", got.completed["t1"], err)
	}
	if last := got.heartbeats[len(got.heartbeats)-1]; last != StatusOffline {
		t.Errorf("last heartbeat = %s, want offline", last)
	}
	if st, _ := r.Status(); st != StatusOffline {
		t.Errorf("Status = %s, want offline", st)
	}
	if prompts := p.Prompts(); len(prompts) != 2 || !strings.Contains(prompts[0], "Task: first") {
		t.Errorf("prompts = %v", prompts)
	}
}

func TestSecretGuard_Redact(t *testing.T) {
	sg := NewSecretGuard()
	sg.Add("API_KEY", "sk-abc123")
	sg.Add("API_KEY_FULL", "sk-abc123-extended")
	sg.Add("SHORT", "ab")

	got := sg.Redact("key sk-abc123-extended and sk-abc123 and ab")
	want := "key [REDACTED:API_KEY_FULL] and [REDACTED:API_KEY] and ab"
	if got != want {
		t.Errorf("Redact = %q, want %q", got, want)
	}
	var nilGuard *SecretGuard
	if got := nilGuard.Redact("plain"); got != "plain" {
		t.Errorf("nil guard Redact = %q", got)
	}
}

func TestRunOnce_RedactsReportedText(t *testing.T) {
	fc := newFakeCoordinator(
		&task.Task{ID: "ok", Type: task.TypeDocs},
		&task.Task{ID: "bad", Type: task.TypeTest},
	)
	reg := NewRegistry(nil)
	_ = reg.Register(task.TypeDocs, ExecutorFunc(func(_ context.Context, _ *task.Task, progress Progress) (json.RawMessage, error) {
		progress("using token hunter2-token")
		return json.RawMessage(`{"note":"hunter2-token"}`), nil
	}))
	_ = reg.Register(task.TypeTest, ExecutorFunc(func(context.Context, *task.Task, Progress) (json.RawMessage, error) {
		return nil, errors.New("auth hunter2-token rejected")
	}))
	sg := NewSecretGuard()
	sg.Add("TOKEN", "hunter2-token")
	r, err := NewRuntime(RuntimeConfig{
		Profile:     &Agent{ID: "agent-1", Name: "worker"},
		Coordinator: fc,
		Executors:   reg,
		Secrets:     sg,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	got := fc.snapshot()
	for _, text := range []string{got.logs[0], string(got.completed["ok"]), got.failed["bad"]} {
		if strings.Contains(text, "hunter2-token") || !strings.Contains(text, "[REDACTED:TOKEN]") {
			t.Errorf("text not redacted: %q", text)
		}
	}
}

func TestRunOnce_ReleasesClaimWhenStartFails(t *testing.T) {
	fc := newFakeCoordinator(&task.Task{ID: "t1", Type: task.TypeFeature})
	fc.startErr = errors.New("database is locked")
	ran := false
	reg := NewRegistry(ExecutorFunc(func(context.Context, *task.Task, Progress) (json.RawMessage, error) {
		ran = true
		return nil, nil
	}))
	r := newTestRuntime(t, fc, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.RunOnce(ctx); err == nil {
		t.Fatal("RunOnce should report the start failure")
	}
	got := fc.snapshot()
	if len(got.released) != 1 || got.released[0] != "t1" {
		t.Errorf("released = %v, want [t1]", got.released)
	}
	if ran {
		t.Error("executor ran for a task that never started")
	}
	if len(got.completed) != 0 || len(got.failed) != 0 {
		t.Errorf("completed/failed = %v/%v, want none", got.completed, got.failed)
	}
}
