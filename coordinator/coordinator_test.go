package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/assign"
	"github.com/GoCodeAlone/conductor/decider"
	"github.com/GoCodeAlone/conductor/events"
	"github.com/GoCodeAlone/conductor/jobs"
	"github.com/GoCodeAlone/conductor/store"
	"github.com/GoCodeAlone/conductor/task"
)

func newTestService(t *testing.T, opts Options) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "coordinator.db"),
	}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	svc, err := New(st, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, st
}

func register(t *testing.T, svc *Service, id string, typ agent.Type, max int, caps ...string) *agent.Agent {
	t.Helper()
	a, err := svc.RegisterAgent(context.Background(), &agent.Agent{
		ID:            id,
		Name:          id,
		Type:          typ,
		Capabilities:  caps,
		Status:        agent.StatusActive,
		MaxConcurrent: max,
	})
	if err != nil {
		t.Fatalf("RegisterAgent(%s): %v", id, err)
	}
	return a
}

func create(t *testing.T, svc *Service, tk *task.Task) *task.Task {
	t.Helper()
	if tk.ProjectID == "" {
		tk.ProjectID = "proj"
	}
	out, err := svc.CreateTask(context.Background(), tk)
	if err != nil {
		t.Fatalf("CreateTask(%s): %v", tk.Title, err)
	}
	return out
}

// run polls, starts and completes the next task for agentID.
func run(t *testing.T, svc *Service, agentID string) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk, err := svc.PollTask(ctx, agentID, nil)
	if err != nil || tk == nil {
		t.Fatalf("PollTask(%s) = %v, %v", agentID, tk, err)
	}
	if _, err := svc.StartTask(ctx, tk.ID, agentID); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	done, err := svc.CompleteTask(ctx, tk.ID, agentID, json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	return done
}

func TestPollTask_WaitsForAllDependencies(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	register(t, svc, "w1", agent.TypeLLM, 5, "go")

	a := create(t, svc, &task.Task{Title: "A", Priority: task.PriorityLow})
	b := create(t, svc, &task.Task{Title: "B", Priority: task.PriorityLow})
	tt := create(t, svc, &task.Task{Title: "T", Priority: task.PriorityCritical, DependsOn: []string{a.ID, b.ID}})

	// A is claimed and completed first (equal priority, created first).
	if got := run(t, svc, "w1"); got.ID != a.ID {
		t.Fatalf("first task = %s, want A", got.Title)
	}

	// Only B is eligible; T must not be returned while B is open.
	got, err := svc.PollTask(ctx, "w1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != b.ID {
		t.Fatalf("poll = %v, want B", got)
	}
	if again, _ := svc.PollTask(ctx, "w1", nil); again != nil {
		t.Fatalf("poll returned %s while B unfinished", again.Title)
	}

	if _, err := svc.StartTask(ctx, b.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CompleteTask(ctx, b.ID, "w1", nil); err != nil {
		t.Fatal(err)
	}
	got, err = svc.PollTask(ctx, "w1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != tt.ID {
		t.Fatalf("poll after B = %v, want T", got)
	}
	if got.Status != task.StatusAssigned || got.AssignedAgentID != "w1" || got.StartedAt != nil {
		t.Errorf("claimed T = status %s agent %q started %v", got.Status, got.AssignedAgentID, got.StartedAt)
	}

	rep, err := svc.ResolveDependencies(ctx, tt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.State != task.Satisfied {
		t.Errorf("dependency state = %s, want satisfied", rep.State)
	}
}

func TestPollTask_CapabilitiesAndOrder(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	register(t, svc, "gopher", agent.TypeLLM, 5, "go")

	create(t, svc, &task.Task{Title: "needs rust", Priority: task.PriorityCritical, RequiredCapabilities: []string{"rust"}})
	low := create(t, svc, &task.Task{Title: "low", Priority: task.PriorityLow})
	high := create(t, svc, &task.Task{Title: "high", Priority: task.PriorityHigh, RequiredCapabilities: []string{"Go"}})

	first, err := svc.PollTask(ctx, "gopher", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.ID != high.ID {
		t.Fatalf("first = %v, want high", first)
	}
	second, _ := svc.PollTask(ctx, "gopher", nil)
	if second == nil || second.ID != low.ID {
		t.Fatalf("second = %v, want low", second)
	}
	if third, _ := svc.PollTask(ctx, "gopher", nil); third != nil {
		t.Errorf("third = %s, want none", third.Title)
	}

	// Explicit capabilities override the registered set.
	if rust, _ := svc.PollTask(ctx, "gopher", []string{"rust"}); rust == nil {
		t.Error("poll with rust capability found nothing")
	}
}

func TestPollTask_RespectsCapacity(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	register(t, svc, "solo", agent.TypeLLM, 1)
	create(t, svc, &task.Task{Title: "one"})
	create(t, svc, &task.Task{Title: "two"})

	if got, _ := svc.PollTask(ctx, "solo", nil); got == nil {
		t.Fatal("first poll found nothing")
	}
	if got, _ := svc.PollTask(ctx, "solo", nil); got != nil {
		t.Fatalf("agent at capacity claimed %s", got.Title)
	}
}

func TestPollTask_UnknownAgent(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	if _, err := svc.PollTask(context.Background(), "ghost", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestPollTask_ConcurrentSingleWinner(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	const n = 8
	for i := 0; i < n; i++ {
		register(t, svc, "agent-"+string(rune('a'+i)), agent.TypeLLM, 1)
	}
	only := create(t, svc, &task.Task{Title: "contested"})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			got, err := svc.PollTask(ctx, id, nil)
			if err != nil {
				t.Errorf("PollTask(%s): %v", id, err)
				return
			}
			if got != nil {
				if got.ID != only.ID {
					t.Errorf("unexpected task %s", got.ID)
				}
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}("agent-" + string(rune('a'+i)))
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestLifecycle_OwnershipAndEvents(t *testing.T) {
	bus := events.NewInMemoryBus(0)
	svc, _ := newTestService(t, Options{Bus: bus})
	ctx := context.Background()
	register(t, svc, "w1", agent.TypeLLM, 2)
	register(t, svc, "w2", agent.TypeLLM, 2)
	tk := create(t, svc, &task.Task{Title: "work"})

	if _, err := svc.PollTask(ctx, "w1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartTask(ctx, tk.ID, "w2"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("start by non-owner err = %v, want invalid transition", err)
	}
	if _, err := svc.CompleteTask(ctx, tk.ID, "w1", nil); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("complete before start err = %v, want invalid transition", err)
	}
	if _, err := svc.StartTask(ctx, tk.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	failed, err := svc.FailTask(ctx, tk.ID, "w1", "compiler exploded")
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != task.StatusFailed || failed.Error != "compiler exploded" || failed.AssignedAgentID != "" {
		t.Errorf("failed task = %+v", failed)
	}

	a, _ := svc.GetAgent(ctx, "w1")
	if a.CurrentTasks != 0 || a.Performance.Failed != 1 {
		t.Errorf("agent after failure: load %d failed %d", a.CurrentTasks, a.Performance.Failed)
	}

	var types []events.Type
	for _, ev := range bus.History(events.Filter{TaskID: tk.ID}) {
		types = append(types, ev.Type)
	}
	want := []events.Type{events.TaskCreated, events.TaskAssigned, events.TaskStarted, events.TaskFailed}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestCompleteTask_JobsProduceAnalysis(t *testing.T) {
	svc, st := newTestService(t, Options{})
	ctx := context.Background()
	register(t, svc, "w1", agent.TypeLLM, 1)
	create(t, svc, &task.Task{Title: "write docs", Type: task.TypeDocs})
	done := run(t, svc, "w1")
	if done.Status != task.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("completed task = %+v", done)
	}

	pending, err := svc.ListJobs(ctx, store.JobFilter{Status: jobs.StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Type != jobs.TypeAnalyzeTask {
		t.Fatalf("pending jobs = %+v, want one analyze_task", pending)
	}

	stats, err := svc.ProcessJobsBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("batch = %+v", stats)
	}
	analyses, err := st.ListAnalyses(ctx, jobs.AnalysisPending, "proj", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(analyses) != 1 || analyses[0].TaskID != done.ID || analyses[0].Source != "heuristic" {
		t.Fatalf("analyses = %+v", analyses)
	}
	a, _ := svc.GetAgent(ctx, "w1")
	if a.Performance.Rated != 1 || a.Performance.Completed != 1 {
		t.Errorf("performance = %+v", a.Performance)
	}
}

func createReviewTask(t *testing.T, svc *Service) *task.Task {
	t.Helper()
	return create(t, svc, &task.Task{Title: "review design", RequiredCapabilities: []string{"go"}})
}

func TestAssignTask_AdvisoryByDefault(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	register(t, svc, "busy", agent.TypeLLM, 1, "go")
	register(t, svc, "free", agent.TypeLLM, 4, "go")
	register(t, svc, "pythonista", agent.TypeLLM, 4, "python")
	tk := createReviewTask(t, svc)

	res, err := svc.AssignTask(ctx, AssignRequest{TaskID: tk.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Source != assign.SourceFallback {
		t.Errorf("source = %s, want fallback", res.Record.Source)
	}
	if res.Claimed || res.Task.Status != task.StatusPending {
		t.Errorf("advisory assign changed the task: claimed %v status %s", res.Claimed, res.Task.Status)
	}
	for _, c := range res.Candidates {
		if c.Agent.ID == "pythonista" {
			t.Error("agent without overlapping capability shortlisted")
		}
	}
	recs, err := svc.ListAssignments(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].AgentID != res.Record.AgentID {
		t.Errorf("records = %+v", recs)
	}

	if _, err := svc.AssignTask(ctx, AssignRequest{TaskID: tk.ID, RequiredCapabilities: []string{"haskell"}}); !errors.Is(err, assign.ErrNoCapacity) {
		t.Errorf("err = %v, want no capacity", err)
	}
}

func TestAssignTask_ForceAssign(t *testing.T) {
	pick := decider.Func(func(context.Context, string) (*decider.Decision, error) {
		return &decider.Decision{Object: json.RawMessage(`{"selected_agent_id":"b","confidence_score":0.8,"reasoning":"b knows this","estimated_duration":30}`)}, nil
	})
	svc, _ := newTestService(t, Options{Decider: pick, ForceAssign: true})
	ctx := context.Background()
	register(t, svc, "a", agent.TypeLLM, 2, "go")
	register(t, svc, "b", agent.TypeLLM, 2, "go")
	tk := createReviewTask(t, svc)

	res, err := svc.AssignTask(ctx, AssignRequest{TaskID: tk.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.AgentID != "b" || res.Record.Source != assign.SourceModel {
		t.Fatalf("record = %+v", res.Record)
	}
	if !res.Claimed || res.Task.Status != task.StatusAssigned || res.Task.AssignedAgentID != "b" {
		t.Fatalf("force assign: claimed %v task %+v", res.Claimed, res.Task)
	}
	if _, err := svc.AssignTask(ctx, AssignRequest{TaskID: tk.ID}); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("re-assign of claimed task err = %v", err)
	}
}

func TestCancelTask_CascadesAndPublishes(t *testing.T) {
	bus := events.NewInMemoryBus(0)
	svc, _ := newTestService(t, Options{Bus: bus})
	ctx := context.Background()
	root := create(t, svc, &task.Task{Title: "root"})
	child := create(t, svc, &task.Task{Title: "child", ParentID: root.ID})
	grand := create(t, svc, &task.Task{Title: "grandchild", ParentID: child.ID})

	ids, err := svc.CancelTask(ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("cancelled = %v, want 3", ids)
	}
	got, _ := svc.GetTask(ctx, grand.ID)
	if got.Status != task.StatusCancelled {
		t.Errorf("grandchild status = %s", got.Status)
	}
	if n := len(bus.History(events.Filter{Type: events.TaskCancelled})); n != 3 {
		t.Errorf("cancel events = %d, want 3", n)
	}
	if _, err := svc.CancelTask(ctx, root.ID); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("second cancel err = %v", err)
	}
}

func TestDecomposeWorkflow_CreatesRootAndGates(t *testing.T) {
	bus := events.NewInMemoryBus(0)
	svc, _ := newTestService(t, Options{Bus: bus})
	ctx := context.Background()

	d, err := svc.DecomposeWorkflow(ctx, DecomposeRequest{
		ProjectID:    "proj",
		TemplateID:   "bugfix",
		Description:  "Login fails on Safari\nsteps to reproduce attached",
		Requirements: []string{"regression test added"},
	})
	if err != nil {
		t.Fatalf("DecomposeWorkflow: %v", err)
	}
	root, err := svc.GetTask(ctx, d.Instance.RootTaskID)
	if err != nil {
		t.Fatal(err)
	}
	if root.Title != "Login fails on Safari" || !root.WorkflowRoot {
		t.Errorf("root = %+v", root)
	}
	if len(root.DependsOn) != len(d.Subtasks) {
		t.Errorf("root depends on %d, want %d", len(root.DependsOn), len(d.Subtasks))
	}
	if d.Instance.CurrentPhase != "triage" {
		t.Errorf("current phase = %s, want triage", d.Instance.CurrentPhase)
	}
	for _, st := range d.Subtasks {
		if st.ParentID != root.ID || st.Depth != root.Depth+1 || st.WorkflowInstanceID != d.Instance.ID {
			t.Errorf("subtask %s = parent %s depth %d instance %s", st.Title, st.ParentID, st.Depth, st.WorkflowInstanceID)
		}
	}
	if n := len(bus.History(events.Filter{Type: events.WorkflowDecomposed})); n != 1 {
		t.Errorf("decomposed events = %d", n)
	}

	if _, err := svc.DecomposeWorkflow(ctx, DecomposeRequest{RootTaskID: root.ID, TemplateID: "bugfix"}); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("second decompose err = %v, want invalid transition", err)
	}
	if _, err := svc.DecomposeWorkflow(ctx, DecomposeRequest{ProjectID: "proj", Title: "x", TemplateID: "nope"}); err == nil {
		t.Error("unknown template accepted")
	}
}

func TestDecomposeWorkflow_RejectsRootFieldsWithExistingRoot(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	root := create(t, svc, &task.Task{Title: "login is broken"})

	for name, req := range map[string]DecomposeRequest{
		"title":        {RootTaskID: root.ID, TemplateID: "bugfix", Title: "other"},
		"description":  {RootTaskID: root.ID, TemplateID: "bugfix", Description: "steps to reproduce"},
		"requirements": {RootTaskID: root.ID, TemplateID: "bugfix", Requirements: []string{"add a test"}},
	} {
		if _, err := svc.DecomposeWorkflow(ctx, req); !errors.Is(err, task.ErrInvalid) {
			t.Errorf("%s with root_task_id err = %v, want ErrInvalid", name, err)
		}
	}
	if wf, err := svc.ListTasks(ctx, task.Filter{ParentID: root.ID}); err != nil || len(wf) != 0 {
		t.Errorf("subtasks after rejected decompose = %d, %v", len(wf), err)
	}

	if _, err := svc.DecomposeWorkflow(ctx, DecomposeRequest{RootTaskID: root.ID, TemplateID: "bugfix"}); err != nil {
		t.Errorf("decompose existing root: %v", err)
	}
}

func TestRecordApproval(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	register(t, svc, "exec", agent.TypeLLM, 1)
	register(t, svc, "sup", agent.TypeSupervisor, 1)
	register(t, svc, "llm2", agent.TypeLLM, 1)
	tk := create(t, svc, &task.Task{
		Title:                "risky migration",
		RequiresRedundancy:   true,
		RedundancyAgentTypes: []string{"supervisor", "llm"},
	})
	plain := create(t, svc, &task.Task{Title: "plain"})
	run(t, svc, "exec")

	if _, err := svc.RecordApproval(ctx, ApprovalRequest{TaskID: tk.ID, AgentID: "exec", Approved: true}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("self approval err = %v, want forbidden", err)
	}
	if _, err := svc.RecordApproval(ctx, ApprovalRequest{TaskID: plain.ID, AgentID: "sup", Approved: true}); !errors.Is(err, task.ErrInvalid) {
		t.Fatalf("approval of plain task err = %v, want invalid", err)
	}

	status, err := svc.RecordApproval(ctx, ApprovalRequest{TaskID: tk.ID, AgentID: "sup", Approved: true})
	if err != nil {
		t.Fatal(err)
	}
	if status.Satisfied || len(status.Missing) != 1 || status.Missing[0] != "llm" {
		t.Fatalf("after supervisor: %+v", status)
	}
	status, err = svc.RecordApproval(ctx, ApprovalRequest{TaskID: tk.ID, AgentID: "llm2", Approved: true, Comment: "lgtm"})
	if err != nil {
		t.Fatal(err)
	}
	if !status.Satisfied || len(status.Approvals) != 2 {
		t.Fatalf("after llm2: %+v", status)
	}

	// A changed verdict replaces the earlier one.
	status, err = svc.RecordApproval(ctx, ApprovalRequest{TaskID: tk.ID, AgentID: "llm2", Approved: false})
	if err != nil {
		t.Fatal(err)
	}
	if status.Satisfied || len(status.Approvals) != 2 {
		t.Errorf("after revoke: %+v", status)
	}
}

func TestMarkStaleAgents(t *testing.T) {
	svc, _ := newTestService(t, Options{HeartbeatTimeout: time.Hour})
	ctx := context.Background()
	register(t, svc, "fresh", agent.TypeLLM, 1)
	if ids, err := svc.MarkStaleAgents(ctx); err != nil || len(ids) != 0 {
		t.Fatalf("MarkStaleAgents = %v, %v; want none", ids, err)
	}

	svc.opts.HeartbeatTimeout = time.Nanosecond
	time.Sleep(5 * time.Millisecond)
	ids, err := svc.MarkStaleAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "fresh" {
		t.Fatalf("stale = %v", ids)
	}
	a, _ := svc.GetAgent(ctx, "fresh")
	if a.Status != agent.StatusOffline {
		t.Errorf("status = %s, want offline", a.Status)
	}
	if got, _ := svc.PollTask(ctx, "fresh", nil); got != nil {
		t.Error("offline agent claimed a task")
	}

	if _, err := svc.Heartbeat(ctx, "fresh", ""); err != nil {
		t.Fatal(err)
	}
	a, _ = svc.GetAgent(ctx, "fresh")
	if a.Status != agent.StatusActive {
		t.Errorf("status after heartbeat = %s, want active", a.Status)
	}
	if _, err := svc.Heartbeat(ctx, "fresh", "sleepy"); !errors.Is(err, agent.ErrInvalid) {
		t.Errorf("bad status err = %v", err)
	}
}

func TestStatusCounts(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	register(t, svc, "w1", agent.TypeLLM, 1)
	create(t, svc, &task.Task{Title: "a"})
	create(t, svc, &task.Task{Title: "b"})
	run(t, svc, "w1")

	st, err := svc.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Tasks["pending"] != 1 || st.Tasks["completed"] != 1 {
		t.Errorf("task counts = %v", st.Tasks)
	}
	if st.Jobs["pending"] != 1 {
		t.Errorf("job counts = %v", st.Jobs)
	}
	if st.Templates < 2 {
		t.Errorf("templates = %d, want the built-ins", st.Templates)
	}
}

func TestPollTask_ScansPastIneligibleQueue(t *testing.T) {
	svc, _ := newTestService(t, Options{PollScan: 5})
	ctx := context.Background()
	register(t, svc, "py", agent.TypeLLM, 1, "python")

	for i := 0; i < 12; i++ {
		create(t, svc, &task.Task{Title: "go work", Priority: task.PriorityCritical, RequiredCapabilities: []string{"go"}})
	}
	open := create(t, svc, &task.Task{Title: "open dep", Priority: task.PriorityCritical, RequiredCapabilities: []string{"go"}})
	for i := 0; i < 6; i++ {
		create(t, svc, &task.Task{Title: "waiting", Priority: task.PriorityHigh, RequiredCapabilities: []string{"python"}, DependsOn: []string{open.ID}})
	}
	want := create(t, svc, &task.Task{Title: "python work", Priority: task.PriorityLow, RequiredCapabilities: []string{"python"}})

	got, err := svc.PollTask(ctx, "py", nil)
	if err != nil {
		t.Fatalf("PollTask: %v", err)
	}
	if got == nil || got.ID != want.ID {
		t.Fatalf("PollTask = %v, want %s behind 19 ineligible tasks", got, want.ID)
	}
	if none, err := svc.PollTask(ctx, "py", nil); err != nil || none != nil {
		t.Errorf("PollTask at capacity = %v, %v; want nil, nil", none, err)
	}
}

func TestReleaseTask(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	register(t, svc, "a1", agent.TypeLLM, 1, "go")
	register(t, svc, "a2", agent.TypeLLM, 1, "go")
	tk := create(t, svc, &task.Task{Title: "flaky start", RequiredCapabilities: []string{"go"}})

	if got, err := svc.PollTask(ctx, "a1", nil); err != nil || got == nil {
		t.Fatalf("PollTask = %v, %v", got, err)
	}
	if _, err := svc.ReleaseTask(ctx, tk.ID, "a2"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("release by non-owner err = %v, want ErrInvalidTransition", err)
	}
	released, err := svc.ReleaseTask(ctx, tk.ID, "a1")
	if err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}
	if released.Status != task.StatusPending || released.AssignedAgentID != "" {
		t.Errorf("released = %s/%q, want pending and unowned", released.Status, released.AssignedAgentID)
	}
	if a, _ := svc.GetAgent(ctx, "a1"); a.CurrentTasks != 0 {
		t.Errorf("a1 current_tasks = %d, want 0", a.CurrentTasks)
	}

	again, err := svc.PollTask(ctx, "a2", nil)
	if err != nil || again == nil || again.ID != tk.ID {
		t.Fatalf("PollTask after release = %v, %v", again, err)
	}
	if _, err := svc.StartTask(ctx, tk.ID, "a2"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if _, err := svc.ReleaseTask(ctx, tk.ID, "a2"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("release after start err = %v, want ErrInvalidTransition", err)
	}
}

func TestMarkStaleAgents_RequeuesUnstartedClaims(t *testing.T) {
	bus := events.NewInMemoryBus(0)
	svc, _ := newTestService(t, Options{Bus: bus, HeartbeatTimeout: time.Nanosecond})
	ctx := context.Background()
	register(t, svc, "gone", agent.TypeLLM, 2, "go")
	create(t, svc, &task.Task{Title: "started", Priority: task.PriorityHigh, RequiredCapabilities: []string{"go"}})
	create(t, svc, &task.Task{Title: "claimed", RequiredCapabilities: []string{"go"}})

	started, err := svc.PollTask(ctx, "gone", nil)
	if err != nil || started == nil {
		t.Fatalf("PollTask = %v, %v", started, err)
	}
	if _, err := svc.StartTask(ctx, started.ID, "gone"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	claimed, err := svc.PollTask(ctx, "gone", nil)
	if err != nil || claimed == nil {
		t.Fatalf("PollTask = %v, %v", claimed, err)
	}

	time.Sleep(5 * time.Millisecond)
	if ids, err := svc.MarkStaleAgents(ctx); err != nil || len(ids) != 1 {
		t.Fatalf("MarkStaleAgents = %v, %v", ids, err)
	}
	got, _ := svc.GetTask(ctx, claimed.ID)
	if got.Status != task.StatusPending || got.AssignedAgentID != "" {
		t.Errorf("claimed task = %s/%q, want pending and unowned", got.Status, got.AssignedAgentID)
	}
	got, _ = svc.GetTask(ctx, started.ID)
	if got.Status != task.StatusInProgress {
		t.Errorf("started task = %s, want in_progress", got.Status)
	}
	if a, _ := svc.GetAgent(ctx, "gone"); a.CurrentTasks != 1 {
		t.Errorf("current_tasks = %d, want 1", a.CurrentTasks)
	}
	evs := bus.History(events.Filter{Type: events.TaskReleased})
	if len(evs) != 1 || evs[0].TaskID != claimed.ID {
		t.Errorf("released events = %+v", evs)
	}
}
