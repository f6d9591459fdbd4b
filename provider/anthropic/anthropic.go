// Package anthropic provides an AI provider backed by the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/GoCodeAlone/conductor/provider"
)

const defaultMaxTokens = 2048

// Config holds configuration for the Anthropic provider.
type Config struct {
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// Provider is an Anthropic Claude AI provider.
type Provider struct {
	client    sdk.Client
	model     sdk.Model
	maxTokens int64
}

// New creates an Anthropic provider. It fails when no API key is available.
func New(cfg Config) (*Provider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY is not set")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	model := sdk.Model(cfg.Model)
	if model == "" {
		model = sdk.ModelClaudeSonnet4_20250514
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Provider{
		client:    sdk.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "anthropic" }

// Chat sends the conversation to the Messages API.
func (p *Provider) Chat(ctx context.Context, messages []provider.Message) (*provider.Response, error) {
	system, turns := provider.SplitSystem(messages)
	if len(turns) == 0 {
		return nil, fmt.Errorf("anthropic: no user message")
	}

	params := sdk.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	for _, m := range turns {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == provider.RoleAssistant {
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, sdk.NewUserMessage(block))
		}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if v, ok := block.AsAny().(sdk.TextBlock); ok {
			text.WriteString(v.Text)
		}
	}
	return &provider.Response{
		Content: text.String(),
		Model:   string(msg.Model),
		Usage: provider.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
