package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/assign"
	"github.com/GoCodeAlone/conductor/jobs"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.db")
	s, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: path}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustAgent(t *testing.T, s *Store, id string, max int) *agent.Agent {
	t.Helper()
	a := &agent.Agent{ID: id, Name: id, Type: agent.TypeLLM, Capabilities: []string{"go"}, MaxConcurrent: max}
	if err := s.UpsertAgent(context.Background(), a); err != nil {
		t.Fatalf("UpsertAgent(%s): %v", id, err)
	}
	return a
}

func mustTask(t *testing.T, s *Store, title string, deps ...string) *task.Task {
	t.Helper()
	tk := &task.Task{ProjectID: "proj", Title: title, DependsOn: deps}
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask(%s): %v", title, err)
	}
	return tk
}

// finish drives a task through claim, start, and complete.
func finish(t *testing.T, s *Store, taskID, agentID string) *task.Task {
	t.Helper()
	ctx := context.Background()
	ok, err := s.ClaimTask(ctx, taskID, agentID)
	if err != nil || !ok {
		t.Fatalf("ClaimTask(%s) = %v, %v", taskID, ok, err)
	}
	if _, err := s.StartTask(ctx, taskID, agentID); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	done, _, err := s.CompleteTask(ctx, taskID, agentID, json.RawMessage(`{"ok":true}`), nil)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	return done
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := &task.Task{
		ProjectID:            "proj",
		Title:                "Add endpoint",
		Priority:             task.PriorityHigh,
		RequiredCapabilities: []string{"go", "http"},
		Input:                json.RawMessage(`{"path":"/x"}`),
	}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if tk.ID == "" {
		t.Fatal("CreateTask left ID empty")
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Type != task.TypeFeature {
		t.Errorf("Type = %q, want default feature", got.Type)
	}
	if len(got.RequiredCapabilities) != 2 || got.RequiredCapabilities[1] != "http" {
		t.Errorf("RequiredCapabilities = %v", got.RequiredCapabilities)
	}
	if string(got.Input) != `{"path":"/x"}` {
		t.Errorf("Input = %s", got.Input)
	}
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", got.StartedAt)
	}

	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(missing) err = %v, want ErrNotFound", err)
	}
}

func TestCreateTask_UnknownDependency(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateTask(context.Background(), &task.Task{ProjectID: "p", Title: "x", DependsOn: []string{"nope"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPendingTasks_Order(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	low := &task.Task{ProjectID: "p", Title: "low", Priority: task.PriorityLow}
	high := &task.Task{ProjectID: "p", Title: "high", Priority: task.PriorityCritical}
	mid := &task.Task{ProjectID: "p", Title: "mid", Priority: task.PriorityNormal}
	for _, tk := range []*task.Task{low, high, mid} {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	got, err := s.PendingTasks(ctx, 10)
	if err != nil {
		t.Fatalf("PendingTasks: %v", err)
	}
	want := []string{"high", "mid", "low"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Title != w {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Title, w)
		}
	}
}

func TestClaimTask_WaitsForDependencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustAgent(t, s, "a1", 2)
	a := mustTask(t, s, "A")
	b := mustTask(t, s, "B", a.ID)

	ok, err := s.ClaimTask(ctx, b.ID, "a1")
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if ok {
		t.Fatal("claimed B while A is pending")
	}

	finish(t, s, a.ID, "a1")

	ok, err = s.ClaimTask(ctx, b.ID, "a1")
	if err != nil || !ok {
		t.Fatalf("ClaimTask(B) after A completed = %v, %v", ok, err)
	}
	got, _ := s.GetTask(ctx, b.ID)
	if got.Status != task.StatusAssigned || got.AssignedAgentID != "a1" {
		t.Errorf("B = %s/%s, want assigned to a1", got.Status, got.AssignedAgentID)
	}
}

func TestClaimTask_ExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const n = 8
	for i := 0; i < n; i++ {
		mustAgent(t, s, string(rune('a'+i)), 1)
	}
	tk := mustTask(t, s, "contested")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimTask(ctx, tk.ID, id)
			if err != nil {
				t.Errorf("ClaimTask(%s): %v", id, err)
				return
			}
			if ok {
				mu.Lock()
				wins = append(wins, id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("winners = %v, want exactly one", wins)
	}
	got, _ := s.GetTask(ctx, tk.ID)
	if got.AssignedAgentID != wins[0] {
		t.Errorf("AssignedAgentID = %q, want %q", got.AssignedAgentID, wins[0])
	}
	a, _ := s.GetAgent(ctx, wins[0])
	if a.CurrentTasks != 1 {
		t.Errorf("winner CurrentTasks = %d, want 1", a.CurrentTasks)
	}
}

func TestClaimTask_RespectsMaxConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustAgent(t, s, "a1", 2)
	const n = 6
	ids := make([]string, n)
	for i := range ids {
		ids[i] = mustTask(t, s, "parallel").ID
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		full int
	)
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimTask(ctx, id, "a1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAtCapacity):
				full++
			case err != nil:
				t.Errorf("ClaimTask(%s): %v", id, err)
			case ok:
				wins++
			}
		}()
	}
	wg.Wait()

	if wins != 2 || full != n-2 {
		t.Fatalf("wins/at capacity = %d/%d, want 2/%d", wins, full, n-2)
	}
	a, _ := s.GetAgent(ctx, "a1")
	if a.CurrentTasks != 2 {
		t.Errorf("CurrentTasks = %d, want 2", a.CurrentTasks)
	}
	pending, err := s.PendingTasks(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != n-2 {
		t.Errorf("pending = %d, want %d rolled back", len(pending), n-2)
	}
	for _, tk := range pending {
		if tk.AssignedAgentID != "" {
			t.Errorf("pending task %s still assigned to %q", tk.ID, tk.AssignedAgentID)
		}
	}
}

func TestReleaseTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustAgent(t, s, "a1", 1)
	tk := mustTask(t, s, "handed back")
	if ok, err := s.ClaimTask(ctx, tk.ID, "a1"); err != nil || !ok {
		t.Fatalf("ClaimTask = %v, %v", ok, err)
	}

	if _, err := s.ReleaseTask(ctx, tk.ID, "someone"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("release by other err = %v, want ErrInvalidTransition", err)
	}
	got, err := s.ReleaseTask(ctx, tk.ID, "a1")
	if err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}
	if got.Status != task.StatusPending || got.AssignedAgentID != "" {
		t.Errorf("task = %s/%q, want pending and unowned", got.Status, got.AssignedAgentID)
	}
	a, _ := s.GetAgent(ctx, "a1")
	if a.CurrentTasks != 0 || a.Performance.Failed != 0 {
		t.Errorf("load/failed = %d/%d, want 0/0", a.CurrentTasks, a.Performance.Failed)
	}
	if ok, err := s.ClaimTask(ctx, tk.ID, "a1"); err != nil || !ok {
		t.Errorf("reclaim = %v, %v", ok, err)
	}
}

func TestPendingTasksAfter_Pages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		tk := &task.Task{ProjectID: "proj", Title: "queued", Priority: task.Priority(i % 3)}
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}
	all, err := s.PendingTasks(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	var paged []*task.Task
	var after *task.Task
	for {
		page, err := s.PendingTasksAfter(ctx, after, 3)
		if err != nil {
			t.Fatal(err)
		}
		paged = append(paged, page...)
		if len(page) < 3 {
			break
		}
		after = page[len(page)-1]
	}
	if len(paged) != len(all) {
		t.Fatalf("paged %d tasks, want %d", len(paged), len(all))
	}
	for i := range all {
		if paged[i].ID != all[i].ID {
			t.Errorf("paged[%d] = %s, want %s", i, paged[i].ID, all[i].ID)
		}
	}
}

func TestTaskLifecycle_OwnershipAndTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustAgent(t, s, "owner", 1)
	mustAgent(t, s, "other", 1)
	tk := mustTask(t, s, "work")

	if ok, _ := s.ClaimTask(ctx, tk.ID, "owner"); !ok {
		t.Fatal("claim failed")
	}
	if _, err := s.StartTask(ctx, tk.ID, "other"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("StartTask by other err = %v, want ErrInvalidTransition", err)
	}
	started, err := s.StartTask(ctx, tk.ID, "owner")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if started.StartedAt == nil {
		t.Error("StartedAt not set by StartTask")
	}

	done, _, err := s.CompleteTask(ctx, tk.ID, "owner", json.RawMessage(`"done"`), nil)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if done.AssignedAgentID != "" || done.LastAgentID != "owner" {
		t.Errorf("agent link = %q/%q, want cleared/owner", done.AssignedAgentID, done.LastAgentID)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	a, _ := s.GetAgent(ctx, "owner")
	if a.CurrentTasks != 0 || a.Performance.Completed != 1 {
		t.Errorf("owner load/completed = %d/%d, want 0/1", a.CurrentTasks, a.Performance.Completed)
	}

	if _, _, err := s.CompleteTask(ctx, tk.ID, "owner", nil, nil); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("second CompleteTask err = %v, want ErrInvalidTransition", err)
	}
}

func TestFailTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustAgent(t, s, "a1", 1)
	tk := mustTask(t, s, "flaky")
	s.ClaimTask(ctx, tk.ID, "a1")
	s.StartTask(ctx, tk.ID, "a1")

	got, err := s.FailTask(ctx, tk.ID, "a1", "boom")
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if got.Status != task.StatusFailed || got.Error != "boom" {
		t.Errorf("task = %s/%q", got.Status, got.Error)
	}
	a, _ := s.GetAgent(ctx, "a1")
	if a.Performance.Failed != 1 || a.CurrentTasks != 0 {
		t.Errorf("agent failed/load = %d/%d, want 1/0", a.Performance.Failed, a.CurrentTasks)
	}
}

func TestCompleteTask_EnqueuesPlannedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustAgent(t, s, "a1", 1)
	tk := mustTask(t, s, "counted")
	s.ClaimTask(ctx, tk.ID, "a1")
	s.StartTask(ctx, tk.ID, "a1")

	var seen jobs.CompletionStats
	policy := jobs.DefaultPolicy()
	policy.PatternEvery = 1
	_, enqueued, err := s.CompleteTask(ctx, tk.ID, "a1", nil, func(st jobs.CompletionStats) []*jobs.Job {
		seen = st
		return policy.Plan(st)
	})
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if seen.ProjectCompleted != 1 {
		t.Errorf("ProjectCompleted = %d, want 1", seen.ProjectCompleted)
	}
	if len(enqueued) != 2 {
		t.Fatalf("enqueued %d jobs, want analyze + patterns", len(enqueued))
	}

	stored, err := s.ListJobs(ctx, JobFilter{Status: jobs.StatusPending})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored pending jobs = %d, want 2", len(stored))
	}
}

func TestCancelTask_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustAgent(t, s, "a1", 3)

	root := mustTask(t, s, "root")
	child := &task.Task{ProjectID: "proj", Title: "child", ParentID: root.ID}
	if err := s.CreateTask(ctx, child); err != nil {
		t.Fatalf("CreateTask child: %v", err)
	}
	grandchild := &task.Task{ProjectID: "proj", Title: "grandchild", ParentID: child.ID}
	if err := s.CreateTask(ctx, grandchild); err != nil {
		t.Fatalf("CreateTask grandchild: %v", err)
	}
	if grandchild.Depth != 2 {
		t.Errorf("grandchild depth = %d, want 2", grandchild.Depth)
	}
	running := &task.Task{ProjectID: "proj", Title: "running", ParentID: root.ID}
	s.CreateTask(ctx, running)
	s.ClaimTask(ctx, running.ID, "a1")
	s.StartTask(ctx, running.ID, "a1")

	s.ClaimTask(ctx, child.ID, "a1")

	cancelled, err := s.CancelTask(ctx, root.ID)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if len(cancelled) != 3 || cancelled[0] != root.ID {
		t.Fatalf("cancelled = %v, want root, child, grandchild", cancelled)
	}
	got, _ := s.GetTask(ctx, running.ID)
	if got.Status != task.StatusInProgress {
		t.Errorf("in-progress child status = %s, want untouched", got.Status)
	}
	a, _ := s.GetAgent(ctx, "a1")
	if a.CurrentTasks != 1 {
		t.Errorf("agent load = %d, want 1 after releasing the assigned child", a.CurrentTasks)
	}

	if _, err := s.CancelTask(ctx, running.ID); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("cancel in_progress err = %v, want ErrInvalidTransition", err)
	}
}

func TestAddDependencies_RejectsCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustTask(t, s, "A")
	b := mustTask(t, s, "B", a.ID)
	c := mustTask(t, s, "C", b.ID)

	if _, err := s.AddDependencies(ctx, a.ID, []string{c.ID}); !errors.Is(err, task.ErrCycle) {
		t.Fatalf("AddDependencies err = %v, want ErrCycle", err)
	}
	got, err := s.AddDependencies(ctx, c.ID, []string{a.ID, b.ID})
	if err != nil {
		t.Fatalf("AddDependencies: %v", err)
	}
	if len(got.DependsOn) != 2 {
		t.Errorf("DependsOn = %v, want [B A]", got.DependsOn)
	}
}

func TestTaskLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tk := mustTask(t, s, "logged")
	for _, msg := range []string{"one", "two"} {
		if err := s.AppendTaskLog(ctx, &task.Log{TaskID: tk.ID, Message: msg}); err != nil {
			t.Fatalf("AppendTaskLog: %v", err)
		}
	}
	if err := s.AppendTaskLog(ctx, &task.Log{TaskID: "missing", Message: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendTaskLog(missing) err = %v, want ErrNotFound", err)
	}
	logs, err := s.ListTaskLogs(ctx, tk.ID, 0)
	if err != nil {
		t.Fatalf("ListTaskLogs: %v", err)
	}
	if len(logs) != 2 || logs[0].Level != task.LogInfo {
		t.Errorf("logs = %+v", logs)
	}
}

func TestMarkStaleAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustAgent(t, s, "quiet", 1)

	stale, err := s.MarkStaleAgents(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkStaleAgents: %v", err)
	}
	if len(stale) != 1 || stale[0] != "quiet" {
		t.Fatalf("stale = %v", stale)
	}
	a, _ := s.GetAgent(ctx, "quiet")
	if a.Status != agent.StatusOffline {
		t.Errorf("status = %s, want offline", a.Status)
	}

	if _, err := s.Heartbeat(ctx, "quiet", agent.StatusActive); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	stale, _ = s.MarkStaleAgents(ctx, time.Now().Add(-time.Minute))
	if len(stale) != 0 {
		t.Errorf("stale after heartbeat = %v", stale)
	}
}

func TestClaimJobs_RetryThenFail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := &jobs.Job{Type: jobs.TypeAnalyzeTask, MaxAttempts: 2}
	if err := s.EnqueueJobs(ctx, j); err != nil {
		t.Fatalf("EnqueueJobs: %v", err)
	}

	now := time.Now()
	claimed, err := s.ClaimJobs(ctx, 5, now)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimJobs = %d, %v", len(claimed), err)
	}
	if claimed[0].Attempts != 1 || claimed[0].Status != jobs.StatusRunning {
		t.Errorf("claimed = %d/%s", claimed[0].Attempts, claimed[0].Status)
	}
	if again, _ := s.ClaimJobs(ctx, 5, now); len(again) != 0 {
		t.Errorf("running job claimed twice")
	}

	retryAt := now.Add(10 * time.Second)
	if err := s.RetryJob(ctx, j.ID, "transient", retryAt); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if early, _ := s.ClaimJobs(ctx, 5, now.Add(5*time.Second)); len(early) != 0 {
		t.Errorf("retrying job claimed before next_retry_at")
	}
	claimed, _ = s.ClaimJobs(ctx, 5, retryAt)
	if len(claimed) != 1 || claimed[0].Attempts != 2 {
		t.Fatalf("second claim = %+v", claimed)
	}
	if !claimed[0].FinalAttempt() {
		t.Error("FinalAttempt = false on attempt 2 of 2")
	}
	if err := s.FailJob(ctx, j.ID, "permanent"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != jobs.StatusFailed || got.Error != "permanent" {
		t.Errorf("job = %s/%q", got.Status, got.Error)
	}
}

func TestRequeueStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)
	fresh := &jobs.Job{Type: jobs.TypeDetectPatterns, MaxAttempts: 3, ScheduledAt: start.Add(-time.Hour)}
	last := &jobs.Job{Type: jobs.TypeDetectPatterns, MaxAttempts: 1, ScheduledAt: start.Add(-time.Hour)}
	if err := s.EnqueueJobs(ctx, fresh, last); err != nil {
		t.Fatalf("EnqueueJobs: %v", err)
	}
	if claimed, _ := s.ClaimJobs(ctx, 5, start); len(claimed) != 2 {
		t.Fatalf("claimed %d, want 2", len(claimed))
	}

	n, err := s.RequeueStaleJobs(ctx, time.Now().Add(-time.Minute), time.Now())
	if err != nil {
		t.Fatalf("RequeueStaleJobs: %v", err)
	}
	if n != 2 {
		t.Errorf("touched = %d, want 2", n)
	}
	if got, _ := s.GetJob(ctx, fresh.ID); got.Status != jobs.StatusRetrying {
		t.Errorf("fresh status = %s, want retrying", got.Status)
	}
	if got, _ := s.GetJob(ctx, last.ID); got.Status != jobs.StatusFailed {
		t.Errorf("last status = %s, want failed", got.Status)
	}
}

func TestUpsertAnalysis_FoldsQualityOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustAgent(t, s, "a1", 1)
	a := &jobs.Analysis{TaskID: "t1", ProjectID: "p", AgentID: "a1", Kind: jobs.AnalysisKindCompletion, QualityScore: 0.8, Source: "llm"}
	inserted, err := s.UpsertAnalysis(ctx, a)
	if err != nil || !inserted {
		t.Fatalf("first UpsertAnalysis = %v, %v", inserted, err)
	}
	again := &jobs.Analysis{TaskID: "t1", ProjectID: "p", AgentID: "a1", Kind: jobs.AnalysisKindCompletion, QualityScore: 0.2, Source: "llm"}
	inserted, err = s.UpsertAnalysis(ctx, again)
	if err != nil || inserted {
		t.Fatalf("second UpsertAnalysis = %v, %v", inserted, err)
	}
	if again.ID != a.ID {
		t.Errorf("upsert created a new row")
	}
	ag, _ := s.GetAgent(ctx, "a1")
	if ag.Performance.Rated != 1 || ag.Performance.AvgQuality != 0.8 {
		t.Errorf("performance = %+v, want one rating of 0.8", ag.Performance)
	}

	review := &jobs.Review{ID: "rev-1", AnalysisIDs: []string{a.ID}, Approved: []string{a.ID}}
	if err := s.CompleteReview(ctx, review); err != nil {
		t.Fatalf("CompleteReview: %v", err)
	}
	if err := s.CompleteReview(ctx, &jobs.Review{ID: "rev-1", AnalysisIDs: []string{a.ID}}); err != nil {
		t.Fatalf("CompleteReview rerun: %v", err)
	}
	pending, _ := s.ListAnalyses(ctx, jobs.AnalysisPending, "", 0)
	if len(pending) != 0 {
		t.Errorf("pending analyses = %d after review", len(pending))
	}
	reviews, _ := s.ListReviews(ctx, 0)
	if len(reviews) != 1 {
		t.Errorf("reviews = %d, want 1", len(reviews))
	}
}

func TestUpsertPattern_CountsOccurrences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.UpsertPattern(ctx, &jobs.Pattern{ProjectID: "p", Name: "flaky tests"}); err != nil {
			t.Fatalf("UpsertPattern: %v", err)
		}
	}
	got, err := s.ListPatterns(ctx, "p")
	if err != nil {
		t.Fatalf("ListPatterns: %v", err)
	}
	if len(got) != 1 || got[0].Occurrences != 2 {
		t.Errorf("patterns = %+v", got)
	}
}

func TestCreateWorkflow_MarksRootOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := mustTask(t, s, "ship it")

	sub1 := &task.Task{ID: "s1", Title: "design", Phase: "plan"}
	sub2 := &task.Task{ID: "s2", Title: "build", Phase: "build", DependsOn: []string{"s1"}}
	gate := &workflow.Gate{Phase: "plan", Name: "plan-done", Required: true, Criteria: workflow.Criteria{Kind: workflow.CriteriaTasksCompleted}}
	inst := &workflow.Instance{TemplateID: "tpl", RootTaskID: root.ID, ProjectID: "proj", Phases: []string{"plan", "build"}, CurrentPhase: "plan"}
	if err := s.CreateWorkflow(ctx, inst, []*task.Task{sub1, sub2}, []*workflow.Gate{gate}); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	gotRoot, _ := s.GetTask(ctx, root.ID)
	if !gotRoot.WorkflowRoot || len(gotRoot.DependsOn) != 2 {
		t.Errorf("root = root:%v deps:%v", gotRoot.WorkflowRoot, gotRoot.DependsOn)
	}
	gotSub, _ := s.GetTask(ctx, "s2")
	if gotSub.ParentID != root.ID || gotSub.WorkflowInstanceID != inst.ID || gotSub.ProjectID != "proj" {
		t.Errorf("subtask = %+v", gotSub)
	}
	gates, _ := s.ListGates(ctx, inst.ID, "plan")
	if len(gates) != 1 || gates[0].Criteria.Kind != workflow.CriteriaTasksCompleted {
		t.Errorf("gates = %+v", gates)
	}

	err := s.CreateWorkflow(ctx, &workflow.Instance{TemplateID: "tpl", RootTaskID: root.ID, ProjectID: "proj"}, nil, nil)
	if !errors.Is(err, ErrAlreadyDecomposed) {
		t.Errorf("second CreateWorkflow err = %v, want ErrAlreadyDecomposed", err)
	}

	ok, err := s.AdvancePhase(ctx, inst.ID, "plan", "build")
	if err != nil || !ok {
		t.Fatalf("AdvancePhase = %v, %v", ok, err)
	}
	if ok, _ := s.AdvancePhase(ctx, inst.ID, "plan", "build"); ok {
		t.Error("AdvancePhase from a stale phase succeeded")
	}
	got, _ := s.GetWorkflow(ctx, inst.ID)
	if got.CurrentPhase != "build" || !got.PhaseClosed("plan") || got.Status != workflow.StatusActive {
		t.Errorf("instance = %+v", got)
	}
}

func TestApprovalsAndAssignments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, approved := range []bool{false, true} {
		if err := s.UpsertApproval(ctx, &workflow.Approval{TaskID: "t", AgentID: "rev", AgentType: "supervisor", Approved: approved}); err != nil {
			t.Fatalf("UpsertApproval: %v", err)
		}
	}
	approvals, _ := s.ListApprovals(ctx, "t")
	if len(approvals) != 1 || !approvals[0].Approved {
		t.Errorf("approvals = %+v, want one approved verdict", approvals)
	}

	rec := &assign.Record{TaskID: "t", AgentID: "a1", Confidence: 0.9, EstimatedDuration: 90 * time.Minute, BackupAgentIDs: []string{"a2"}, Source: assign.SourceModel}
	if err := s.CreateAssignment(ctx, rec); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	recs, _ := s.ListAssignments(ctx, "t")
	if len(recs) != 1 || recs[0].EstimatedDuration != 90*time.Minute || recs[0].BackupAgentIDs[0] != "a2" {
		t.Errorf("assignments = %+v", recs)
	}
}

func TestPostgres_ClaimRace(t *testing.T) {
	dsn := os.Getenv("CONDUCTOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DriverPostgres, DSN: dsn}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	tk := mustTask(t, s, "pg contested")
	agentID := "pg-agent-" + tk.ID
	mustAgent(t, s, agentID, 4)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.ClaimTask(ctx, tk.ID, agentID); err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}
