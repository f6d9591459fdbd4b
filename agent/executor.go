package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/GoCodeAlone/conductor/provider"
	"github.com/GoCodeAlone/conductor/task"
)

// Progress reports a line of task progress back to the coordinator.
type Progress func(msg string)

// Executor performs the work of a claimed task and returns its output.
type Executor interface {
	Execute(ctx context.Context, t *task.Task, progress Progress) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t *task.Task, progress Progress) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task, progress Progress) (json.RawMessage, error) {
	return f(ctx, t, progress)
}

// Registry maps task types to executors, with an optional fallback for
// types nothing registered.
type Registry struct {
	mu        sync.RWMutex
	executors map[task.Type]Executor
	fallback  Executor
}

// NewRegistry creates a registry whose unregistered types go to fallback.
// A nil fallback leaves them unhandled.
func NewRegistry(fallback Executor) *Registry {
	return &Registry{executors: make(map[task.Type]Executor), fallback: fallback}
}

// Register adds an executor for typ.
// Returns an error if typ already has one.
func (r *Registry) Register(typ task.Type, e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[typ]; exists {
		return fmt.Errorf("executor for %q already registered", typ)
	}
	r.executors[typ] = e
	return nil
}

// Unregister removes the executor for typ.
func (r *Registry) Unregister(typ task.Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[typ]; !exists {
		return fmt.Errorf("executor for %q not found", typ)
	}
	delete(r.executors, typ)
	return nil
}

// Get returns the executor for typ, falling back when none is registered.
func (r *Registry) Get(typ task.Type) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[typ]; ok {
		return e, true
	}
	return r.fallback, r.fallback != nil
}

// Types returns the task types with a dedicated executor.
func (r *Registry) Types() []task.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]task.Type, 0, len(r.executors))
	for typ := range r.executors {
		result = append(result, typ)
	}
	return result
}

const defaultSystemPrompt = "You are an autonomous software agent. Complete the task you are given and summarise what you did."

// ProviderExecutor completes a task with a single provider conversation.
type ProviderExecutor struct {
	Provider     provider.Provider
	SystemPrompt string
}

// Execute sends the task to the provider and wraps the reply as output.
func (e *ProviderExecutor) Execute(ctx context.Context, t *task.Task, progress Progress) (json.RawMessage, error) {
	progress("asking " + e.Provider.Name())
	resp, err := e.Provider.Chat(ctx, e.buildMessages(t))
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", e.Provider.Name(), err)
	}
	return json.Marshal(map[string]any{
		"summary":       resp.Content,
		"model":         resp.Model,
		"output_tokens": resp.Usage.OutputTokens,
	})
}

// buildMessages constructs the conversation context for a task.
func (e *ProviderExecutor) buildMessages(t *task.Task) []provider.Message {
	sysPrompt := e.SystemPrompt
	if sysPrompt == "" {
		sysPrompt = defaultSystemPrompt
	}

	var content strings.Builder
	content.WriteString("Task: ")
	content.WriteString(t.Title)
	if t.Description != "" {
		content.WriteString("\n\nDescription: ")
		content.WriteString(t.Description)
	}
	if len(t.AcceptanceCriteria) > 0 {
		content.WriteString("\n\nAcceptance criteria:")
		for _, c := range t.AcceptanceCriteria {
			content.WriteString("\n- ")
			content.WriteString(c)
		}
	}
	if len(t.Input) > 0 {
		content.WriteString("\n\nInput: ")
		content.Write(t.Input)
	}
	return []provider.Message{
		{Role: provider.RoleSystem, Content: sysPrompt},
		{Role: provider.RoleUser, Content: content.String()},
	}
}
