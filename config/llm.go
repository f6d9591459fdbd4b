package config

import (
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/conductor/decider"
	"github.com/GoCodeAlone/conductor/provider"
	"github.com/GoCodeAlone/conductor/provider/anthropic"
	"github.com/GoCodeAlone/conductor/provider/mock"
	"github.com/GoCodeAlone/conductor/provider/openai"
)

// NewProvider builds the configured provider. It returns nil for "none".
func (c LLMConfig) NewProvider() (provider.Provider, error) {
	switch c.Provider {
	case "", "none":
		return nil, nil
	case "mock":
		return mock.New(), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:    c.APIKey,
			Model:     c.Model,
			BaseURL:   c.BaseURL,
			MaxTokens: c.MaxTokens,
		})
	case "openai":
		if c.APIKey == "" {
			return nil, fmt.Errorf("openai: api key is not set")
		}
		return openai.New(openai.Config{
			APIKey:    c.APIKey,
			Model:     c.Model,
			BaseURL:   c.BaseURL,
			MaxTokens: c.MaxTokens,
		}), nil
	}
	return nil, fmt.Errorf("llm.provider: unsupported value %q", c.Provider)
}

// NewDecider wraps the configured provider. Without a provider every
// decision falls back to the deterministic paths.
func (c LLMConfig) NewDecider(logger *slog.Logger) (decider.Decider, error) {
	p, err := c.NewProvider()
	if err != nil {
		return nil, err
	}
	if p == nil {
		return decider.Disabled{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return decider.New(p, decider.WithTimeout(c.Timeout), decider.WithLogger(logger)), nil
}
