package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/queryweaver/queryweaver/pkg/models"
)

const defaultHTTPTimeout = 60 * time.Second

// OpenAIConfig configures one OpenAI-compatible provider. The same shape
// covers openai, openrouter, deepseek and qwen endpoints.
type OpenAIConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIProvider speaks the OpenAI chat-completions HTTP API.
type OpenAIProvider struct {
	cfg OpenAIConfig
	hc  *http.Client
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &OpenAIProvider{
		cfg: cfg,
		hc:  &http.Client{Timeout: timeout},
	}
}

// Name returns the configured provider name
func (p *OpenAIProvider) Name() string { return p.cfg.Name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    *float64      `json:"temperature,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Complete calls the chat-completions endpoint once and classifies failures.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body := chatRequest{
		Model:     p.cfg.Model,
		Messages:  toChatMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if req.JSONMode {
		body.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ProviderError{Provider: p.cfg.Name, Kind: KindPermanent, Message: err.Error(), cause: err}
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &ProviderError{Provider: p.cfg.Name, Kind: KindPermanent, Message: err.Error(), cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.hc.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: p.cfg.Name, Kind: KindTransient, Message: err.Error(), cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ProviderError{Provider: p.cfg.Name, Kind: KindTransient, Message: err.Error(), cause: err}
	}

	var parsed chatResponse
	if unmarshalErr := json.Unmarshal(raw, &parsed); unmarshalErr != nil && resp.StatusCode == http.StatusOK {
		return nil, &ProviderError{
			Provider: p.cfg.Name, Kind: KindTransient, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("malformed response: %v", unmarshalErr), cause: unmarshalErr,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.classifyHTTP(resp, &parsed, raw)
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{
			Provider: p.cfg.Name, Kind: KindTransient, StatusCode: resp.StatusCode,
			Message: "response contains no choices",
		}
	}

	return &CompletionResponse{
		Content:          parsed.Choices[0].Message.Content,
		Model:            p.cfg.Model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// classifyHTTP maps an error status to the chain's taxonomy: quota markers
// and 402 are quota exhaustion, other 429s are rate limits carrying
// Retry-After, 5xx is transient, the rest is permanent.
func (p *OpenAIProvider) classifyHTTP(resp *http.Response, parsed *chatResponse, raw []byte) *ProviderError {
	msg := strings.TrimSpace(string(raw))
	var errType, errCode string
	if parsed.Error != nil {
		msg = parsed.Error.Message
		errType = parsed.Error.Type
		errCode = fmt.Sprint(parsed.Error.Code)
	}

	pe := &ProviderError{Provider: p.cfg.Name, StatusCode: resp.StatusCode, Message: msg}
	switch {
	case resp.StatusCode == http.StatusPaymentRequired,
		strings.Contains(errType, "insufficient_quota"),
		strings.Contains(errCode, "insufficient_quota"):
		pe.Kind = KindQuotaExceeded
	case resp.StatusCode == http.StatusTooManyRequests:
		pe.Kind = KindRateLimited
		pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		pe.Kind = KindTransient
	default:
		pe.Kind = KindPermanent
	}
	return pe
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

func toChatMessages(messages []models.Message) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
