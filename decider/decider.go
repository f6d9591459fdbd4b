// Package decider wraps a language-model provider behind a single
// prompt-in, structured-result-out call with a fixed deadline. Callers must
// validate the result before trusting it.
package decider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/conductor/provider"
)

// ErrExternalService wraps every failure of the underlying model call:
// transport errors, timeouts, disabled deciders, and missing JSON.
var ErrExternalService = errors.New("external service failure")

// DefaultTimeout bounds a single Decide call when none is configured.
const DefaultTimeout = 20 * time.Second

// Decision is a model answer. Object holds the first JSON object found in
// Text, if any.
type Decision struct {
	Text   string          `json:"text"`
	Object json.RawMessage `json:"object,omitempty"`
	Model  string          `json:"model,omitempty"`
}

// Decode unmarshals the structured part of the decision into v.
func (d *Decision) Decode(v any) error {
	if d == nil || len(d.Object) == 0 {
		return fmt.Errorf("%w: no structured object in response", ErrExternalService)
	}
	if err := json.Unmarshal(d.Object, v); err != nil {
		return fmt.Errorf("%w: decode object: %v", ErrExternalService, err)
	}
	return nil
}

// Decider turns a prompt into a Decision.
type Decider interface {
	Decide(ctx context.Context, prompt string) (*Decision, error)
}

// Func adapts a function to the Decider interface.
type Func func(ctx context.Context, prompt string) (*Decision, error)

// Decide calls f.
func (f Func) Decide(ctx context.Context, prompt string) (*Decision, error) { return f(ctx, prompt) }

// Disabled always fails, forcing callers onto their deterministic path.
type Disabled struct{}

// Decide returns ErrExternalService.
func (Disabled) Decide(context.Context, string) (*Decision, error) {
	return nil, fmt.Errorf("%w: decider disabled", ErrExternalService)
}

// ProviderDecider asks a provider.Provider and extracts JSON from the reply.
type ProviderDecider struct {
	provider provider.Provider
	system   string
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a ProviderDecider.
type Option func(*ProviderDecider)

// WithSystemPrompt sets the system message sent with every prompt.
func WithSystemPrompt(s string) Option { return func(d *ProviderDecider) { d.system = s } }

// WithTimeout sets the per-call deadline.
func WithTimeout(t time.Duration) Option { return func(d *ProviderDecider) { d.timeout = t } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *ProviderDecider) { d.logger = l } }

const defaultSystemPrompt = "You are the supervisor of a team of software agents. " +
	"Answer with a single JSON object inside a ```json fenced block and nothing else."

// New returns a ProviderDecider over p.
func New(p provider.Provider, opts ...Option) *ProviderDecider {
	d := &ProviderDecider{
		provider: p,
		system:   defaultSystemPrompt,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	return d
}

// Decide sends prompt with the configured deadline.
func (d *ProviderDecider) Decide(ctx context.Context, prompt string) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.provider.Chat(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: d.system},
		{Role: provider.RoleUser, Content: prompt},
	})
	if err != nil {
		d.logger.Warn("decider call failed",
			slog.String("provider", d.provider.Name()),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("err", err))
		return nil, fmt.Errorf("%w: %s: %v", ErrExternalService, d.provider.Name(), err)
	}

	dec := &Decision{Text: resp.Content, Model: resp.Model}
	if obj, ok := ExtractJSON(resp.Content); ok {
		dec.Object = obj
	}
	d.logger.Debug("decider call",
		slog.String("provider", d.provider.Name()),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Bool("structured", len(dec.Object) > 0))
	return dec, nil
}
