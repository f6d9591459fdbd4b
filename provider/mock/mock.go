// Package mock provides a scripted AI provider for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/GoCodeAlone/conductor/provider"
)

const defaultResponse = "Task acknowledged. Working on it."

// MockProvider implements provider.Provider for testing.
// It returns scripted responses and can simulate failures and latency.
type MockProvider struct {
	mu        sync.Mutex
	responses []string
	idx       int
	err       error
	delay     time.Duration
	prompts   []string
}

// New creates a MockProvider that cycles through the given responses.
func New(responses ...string) *MockProvider {
	return &MockProvider{responses: responses}
}

// Failing creates a MockProvider whose every call returns err.
func Failing(err error) *MockProvider {
	return &MockProvider{err: err}
}

// WithDelay makes every call wait d before answering, honouring ctx.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.delay = d
	return m
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Chat returns the next scripted response, cycling through the queue.
func (m *MockProvider) Chat(ctx context.Context, messages []provider.Message) (*provider.Response, error) {
	m.mu.Lock()
	if len(messages) > 0 {
		m.prompts = append(m.prompts, messages[len(messages)-1].Content)
	}
	delay, err := m.delay, m.err
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return &provider.Response{Content: defaultResponse, Model: "mock"}, nil
	}
	resp := m.responses[m.idx%len(m.responses)]
	m.idx++
	return &provider.Response{
		Content: resp,
		Model:   "mock",
		Usage:   provider.Usage{OutputTokens: len(resp)},
	}, nil
}

// Prompts returns the last user message of every call so far.
func (m *MockProvider) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}
