// Package client is a Go client for the conductor HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/coordinator"
	"github.com/GoCodeAlone/conductor/events"
	"github.com/GoCodeAlone/conductor/jobs"
	"github.com/GoCodeAlone/conductor/task"
	"github.com/GoCodeAlone/conductor/workflow"
)

// DefaultServer is the address conductord listens on by default.
const DefaultServer = "http://localhost:9090"

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client holds HTTP client state.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a Client for baseURL with a 15 second request timeout.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultServer
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// do sends body as JSON when non-nil and decodes the response into v when
// non-nil. It reports whether the server answered with content.
func (c *Client) do(ctx context.Context, method, path string, body, v any) (bool, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &msg) == nil && msg.Error != "" {
			apiErr.Message = msg.Error
		}
		return false, apiErr
	}
	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
	}
	return true, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	_, err := c.do(ctx, http.MethodGet, path, nil, v)
	return err
}

func (c *Client) post(ctx context.Context, path string, body, v any) error {
	_, err := c.do(ctx, http.MethodPost, path, body, v)
	return err
}

// Status is the server status summary.
type Status struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Counts        coordinator.Status `json:"counts"`
}

// Status returns the server status and row counts.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.get(ctx, "/api/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Version returns the server version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v map[string]string
	if err := c.get(ctx, "/api/version", &v); err != nil {
		return "", err
	}
	return v["version"], nil
}

// CreateTask creates a pending task.
func (c *Client) CreateTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	var out task.Task
	if err := c.post(ctx, "/api/tasks", t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask returns a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var out task.Task
	if err := c.get(ctx, "/api/tasks/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns tasks matching f.
func (c *Client) ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	q := url.Values{}
	if f.Status != nil {
		q.Set("status", string(*f.Status))
	}
	set(q, "project_id", f.ProjectID)
	set(q, "parent_id", f.ParentID)
	set(q, "agent_id", f.AssignedAgentID)
	set(q, "workflow_id", f.WorkflowInstanceID)
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", fmt.Sprint(f.Offset))
	}
	var out []*task.Task
	if err := c.get(ctx, withQuery("/api/tasks", q), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PollTask claims the next runnable task for agentID. It returns nil when
// nothing is available.
func (c *Client) PollTask(ctx context.Context, agentID string, caps []string) (*task.Task, error) {
	var out task.Task
	body := map[string]any{"agent_id": agentID, "capabilities": caps}
	ok, err := c.do(ctx, http.MethodPost, "/api/tasks/poll", body, &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (c *Client) transition(ctx context.Context, id, verb string, body map[string]any) (*task.Task, error) {
	var out task.Task
	if err := c.post(ctx, "/api/tasks/"+url.PathEscape(id)+"/"+verb, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartTask moves an assigned task to in_progress.
func (c *Client) StartTask(ctx context.Context, id, agentID string) (*task.Task, error) {
	return c.transition(ctx, id, "start", map[string]any{"agent_id": agentID})
}

// ReleaseTask returns a claimed but unstarted task to the queue.
func (c *Client) ReleaseTask(ctx context.Context, id, agentID string) (*task.Task, error) {
	return c.transition(ctx, id, "release", map[string]any{"agent_id": agentID})
}

// CompleteTask records a task's output.
func (c *Client) CompleteTask(ctx context.Context, id, agentID string, output json.RawMessage) (*task.Task, error) {
	body := map[string]any{"agent_id": agentID}
	if len(output) > 0 {
		body["output"] = output
	}
	return c.transition(ctx, id, "complete", body)
}

// FailTask records a task failure.
func (c *Client) FailTask(ctx context.Context, id, agentID, errMsg string) (*task.Task, error) {
	return c.transition(ctx, id, "fail", map[string]any{"agent_id": agentID, "error": errMsg})
}

// CancelTask cancels a task and its open descendants, returning their ids.
func (c *Client) CancelTask(ctx context.Context, id string) ([]string, error) {
	var out struct {
		Cancelled []string `json:"cancelled"`
	}
	if err := c.post(ctx, "/api/tasks/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return out.Cancelled, nil
}

// AssignTask asks the server to select an agent for a task.
func (c *Client) AssignTask(ctx context.Context, req coordinator.AssignRequest) (*coordinator.AssignResult, error) {
	var out coordinator.AssignResult
	if err := c.post(ctx, "/api/tasks/"+url.PathEscape(req.TaskID)+"/assign", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dependencies reports whether a task's dependencies are satisfied.
func (c *Client) Dependencies(ctx context.Context, id string) (*task.DependencyReport, error) {
	var out task.DependencyReport
	if err := c.get(ctx, "/api/tasks/"+url.PathEscape(id)+"/dependencies", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendLog attaches a progress line to a task.
func (c *Client) AppendLog(ctx context.Context, l *task.Log) (*task.Log, error) {
	var out task.Log
	if err := c.post(ctx, "/api/tasks/"+url.PathEscape(l.TaskID)+"/logs", l, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListLogs returns a task's logs oldest first.
func (c *Client) ListLogs(ctx context.Context, id string) ([]*task.Log, error) {
	var out []*task.Log
	if err := c.get(ctx, "/api/tasks/"+url.PathEscape(id)+"/logs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordApproval stores an agent's verdict on a redundancy-flagged task.
func (c *Client) RecordApproval(ctx context.Context, req coordinator.ApprovalRequest) (*coordinator.ApprovalStatus, error) {
	var out coordinator.ApprovalStatus
	if err := c.post(ctx, "/api/tasks/"+url.PathEscape(req.TaskID)+"/approvals", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterAgent registers or refreshes an agent.
func (c *Client) RegisterAgent(ctx context.Context, a *agent.Agent) (*agent.Agent, error) {
	var out agent.Agent
	if err := c.post(ctx, "/api/agents", a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents returns registered agents, optionally filtered by status.
func (c *Client) ListAgents(ctx context.Context, status agent.Status) ([]*agent.Agent, error) {
	q := url.Values{}
	set(q, "status", string(status))
	var out []*agent.Agent
	if err := c.get(ctx, withQuery("/api/agents", q), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat reports an agent's liveness and status.
func (c *Client) Heartbeat(ctx context.Context, agentID string, status agent.Status) (*agent.Agent, error) {
	var out agent.Agent
	if err := c.post(ctx, "/api/agents/heartbeat", map[string]any{"agent_id": agentID, "status": status}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decompose expands a root task or description with a workflow template.
func (c *Client) Decompose(ctx context.Context, req coordinator.DecomposeRequest) (*workflow.Decomposition, error) {
	var out workflow.Decomposition
	if err := c.post(ctx, "/api/workflows", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWorkflow returns a workflow instance.
func (c *Client) GetWorkflow(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	var out workflow.Instance
	if err := c.get(ctx, "/api/workflows/"+url.PathEscape(instanceID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EvaluateGates re-evaluates the automatic gates of a phase.
func (c *Client) EvaluateGates(ctx context.Context, instanceID, phase string) (*workflow.GateCheck, error) {
	var out workflow.GateCheck
	path := "/api/workflows/" + url.PathEscape(instanceID) + "/phases/" + url.PathEscape(phase) + "/evaluate"
	if err := c.post(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordGateResult sets a gate's outcome, typically a manual sign-off.
func (c *Client) RecordGateResult(ctx context.Context, gateID string, passed bool, details string) (*workflow.Gate, error) {
	var out workflow.Gate
	body := map[string]any{"passed": passed, "details": details}
	if err := c.post(ctx, "/api/gates/"+url.PathEscape(gateID)+"/result", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AdvancePhase closes a workflow's current phase.
func (c *Client) AdvancePhase(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	var out workflow.Instance
	if err := c.post(ctx, "/api/workflows/"+url.PathEscape(instanceID)+"/advance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Readiness reports deployment readiness for a workflow instance.
func (c *Client) Readiness(ctx context.Context, instanceID string) (*workflow.Readiness, error) {
	var out workflow.Readiness
	if err := c.get(ctx, "/api/workflows/"+url.PathEscape(instanceID)+"/readiness", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Templates lists the server's workflow templates.
func (c *Client) Templates(ctx context.Context) ([]*workflow.Template, error) {
	var out []*workflow.Template
	if err := c.get(ctx, "/api/templates", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessJobs runs one job batch of at most maxJobs jobs.
func (c *Client) ProcessJobs(ctx context.Context, maxJobs int) (*jobs.BatchStats, error) {
	var out jobs.BatchStats
	if err := c.post(ctx, "/api/jobs/process", map[string]any{"max_jobs": maxJobs}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJobs returns background jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status jobs.Status) ([]*jobs.Job, error) {
	q := url.Values{}
	set(q, "status", string(status))
	var out []*jobs.Job
	if err := c.get(ctx, withQuery("/api/jobs", q), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events returns recent lifecycle events matching f.
func (c *Client) Events(ctx context.Context, f events.Filter) ([]*events.Event, error) {
	q := url.Values{}
	set(q, "type", string(f.Type))
	set(q, "task_id", f.TaskID)
	set(q, "agent_id", f.AgentID)
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	var out []*events.Event
	if err := c.get(ctx, withQuery("/api/events", q), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func set(q url.Values, key, val string) {
	if val != "" {
		q.Set(key, val)
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
