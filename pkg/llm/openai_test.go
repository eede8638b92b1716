package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryweaver/queryweaver/pkg/models"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIProvider(OpenAIConfig{
		Name:    "test",
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	})
}

func TestOpenAIComplete(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "SELECT 1"}},
			},
			"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7},
		})
	})

	resp, err := provider.Complete(context.Background(), CompletionRequest{
		Messages: []models.Message{
			{Role: "system", Content: "You write SQL."},
			{Role: "user", Content: "Count the orders."},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", resp.Content)
	assert.Equal(t, 42, resp.PromptTokens)
	assert.Equal(t, 7, resp.CompletionTokens)
}

func TestOpenAIClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		wantKind   ErrorKind
		wantWait   time.Duration
	}{
		{
			name:     "insufficient quota is quota exceeded",
			status:   http.StatusTooManyRequests,
			body:     `{"error":{"message":"quota","type":"insufficient_quota"}}`,
			wantKind: KindQuotaExceeded,
		},
		{
			name:     "payment required is quota exceeded",
			status:   http.StatusPaymentRequired,
			body:     `{"error":{"message":"no credit"}}`,
			wantKind: KindQuotaExceeded,
		},
		{
			name:       "plain 429 is rate limited with retry-after",
			status:     http.StatusTooManyRequests,
			body:       `{"error":{"message":"slow down","type":"rate_limit_error"}}`,
			retryAfter: "2",
			wantKind:   KindRateLimited,
			wantWait:   2 * time.Second,
		},
		{
			name:     "server error is transient",
			status:   http.StatusBadGateway,
			body:     `upstream broke`,
			wantKind: KindTransient,
		},
		{
			name:     "bad request is permanent",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"bad model"}}`,
			wantKind: KindPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := provider.Complete(context.Background(), CompletionRequest{})
			require.Error(t, err)

			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantKind, pe.Kind)
			assert.Equal(t, tt.status, pe.StatusCode)
			if tt.wantWait > 0 {
				assert.Equal(t, tt.wantWait, pe.RetryAfter)
			}
		})
	}
}

func TestOpenAIJSONMode(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "{}"}}},
		})
	})

	_, err := provider.Complete(context.Background(), CompletionRequest{JSONMode: true})
	require.NoError(t, err)
}

func TestOpenAIEmptyChoices(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})

	_, err := provider.Complete(context.Background(), CompletionRequest{})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindTransient, pe.Kind)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
}
