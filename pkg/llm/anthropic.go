package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	Name   string
	APIKey string
	Model  string
}

// AnthropicProvider calls the Anthropic Messages API through the official SDK.
type AnthropicProvider struct {
	cfg    AnthropicConfig
	client anthropic.Client
}

// NewAnthropicProvider creates a provider backed by the Anthropic SDK.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	return &AnthropicProvider{
		cfg:    cfg,
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
	}
}

// Name returns the configured provider name
func (p *AnthropicProvider) Name() string { return p.cfg.Name }

// Complete sends the conversation to the Messages API. System messages are
// lifted into the system prompt; the rest map onto user/assistant turns.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	var system strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if system.Len() > 0 {
		params.System = []anthropic.TextBlockParam{{Text: system.String()}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &CompletionResponse{
		Content:          content.String(),
		Model:            p.cfg.Model,
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}

func (p *AnthropicProvider) classify(err error) *ProviderError {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &ProviderError{Provider: p.cfg.Name, Kind: KindTransient, Message: err.Error(), cause: err}
	}

	pe := &ProviderError{Provider: p.cfg.Name, StatusCode: apiErr.StatusCode, Message: apiErr.Error(), cause: err}
	switch {
	case apiErr.StatusCode == http.StatusPaymentRequired,
		strings.Contains(apiErr.Error(), "insufficient_quota"),
		strings.Contains(apiErr.Error(), "credit balance"):
		pe.Kind = KindQuotaExceeded
	case apiErr.StatusCode == http.StatusTooManyRequests:
		pe.Kind = KindRateLimited
		if apiErr.Response != nil {
			pe.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
	case apiErr.StatusCode >= 500:
		pe.Kind = KindTransient
	default:
		pe.Kind = KindPermanent
	}
	return pe
}

var _ Provider = (*AnthropicProvider)(nil)
var _ Provider = (*OpenAIProvider)(nil)
