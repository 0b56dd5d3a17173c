// File: internal/openai/client_test.go
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/regal-1/osworld-gpt4o-mini-evaluation/api/schemas"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/config"
)

func setupClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.AgentConfig{
		APIKey:     "sk-test",
		Endpoint:   server.URL,
		APITimeout: 5 * time.Second,
	}
	client, err := NewClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return client
}

func completionBody(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     100,
			"completion_tokens": 20,
			"total_tokens":      120,
		},
	})
	require.NoError(t, err)
	return body
}

func errorBody(t *testing.T, message, code string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	})
	require.NoError(t, err)
	return body
}

func sampleRequest() schemas.CompletionRequest {
	return schemas.CompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []schemas.ChatMessage{
			schemas.TextMessage(schemas.RoleSystem, "You are an agent."),
			{
				Role: schemas.RoleUser,
				Content: []schemas.ContentPart{
					{Type: "text", Text: "Current screenshot. What's the next step to help with the task?"},
					{
						Type: "image_url",
						ImageURL: &schemas.ImageURL{
							URL:    "data:image/png;base64,aGVsbG8=",
							Detail: "low",
						},
					},
				},
			},
		},
		MaxTokens:   1000,
		Temperature: 0.5,
		TopP:        0.9,
	}
}

func TestNewClient_MissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := NewClient(config.AgentConfig{}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestNewClient_KeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	client, err := NewClient(config.AgentConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestCreateCompletion_WireShape(t *testing.T) {
	var gotAuth string
	var gotPath string
	var gotBody map[string]any
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write(completionBody(t, "pyautogui.click(10, 20)"))
	})

	text, err := client.CreateCompletion(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "pyautogui.click(10, 20)", text)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
	assert.Equal(t, float64(1000), gotBody["max_tokens"])
	assert.Equal(t, 0.5, gotBody["temperature"])
	assert.Equal(t, 0.9, gotBody["top_p"])

	messages, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)

	system := messages[0].(map[string]any)
	assert.Equal(t, "system", system["role"])
	assert.Equal(t, "You are an agent.", system["content"])

	user := messages[1].(map[string]any)
	assert.Equal(t, "user", user["role"])
	parts, ok := user["content"].([]any)
	require.True(t, ok, "user turn with an image must serialize as content parts")
	require.Len(t, parts, 2)

	textPart := parts[0].(map[string]any)
	assert.Equal(t, "text", textPart["type"])
	assert.Contains(t, textPart["text"], "Current screenshot")

	imagePart := parts[1].(map[string]any)
	assert.Equal(t, "image_url", imagePart["type"])
	imageURL := imagePart["image_url"].(map[string]any)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", imageURL["url"])
	assert.Equal(t, "low", imageURL["detail"])
}

func TestCreateCompletion_RateLimitedStatus(t *testing.T) {
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write(errorBody(t, "Rate limit reached", "rate_limit_exceeded"))
	})

	_, err := client.CreateCompletion(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, schemas.IsRateLimited(err))

	var callErr *schemas.ModelCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, http.StatusTooManyRequests, callErr.StatusCode)
}

func TestCreateCompletion_RateLimitCodeWithOtherStatus(t *testing.T) {
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write(errorBody(t, "Rate limit reached for requests", "rate_limit_exceeded"))
	})

	_, err := client.CreateCompletion(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, schemas.IsRateLimited(err),
		"the provider's rate-limit code must classify as rate limited regardless of status")
}

func TestCreateCompletion_ServerErrorNotRateLimited(t *testing.T) {
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(errorBody(t, "The server had an error", "server_error"))
	})

	_, err := client.CreateCompletion(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.False(t, schemas.IsRateLimited(err))

	var callErr *schemas.ModelCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, schemas.KindAPIError, callErr.Kind)
}

func TestCreateCompletion_TransportFailure(t *testing.T) {
	cfg := config.AgentConfig{
		APIKey:     "sk-test",
		Endpoint:   "http://127.0.0.1:1",
		APITimeout: time.Second,
	}
	client, err := NewClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = client.CreateCompletion(context.Background(), sampleRequest())
	require.Error(t, err)

	var callErr *schemas.ModelCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, schemas.KindTransport, callErr.Kind)
	assert.False(t, schemas.IsRateLimited(err))
}

func TestCreateCompletion_NoChoices(t *testing.T) {
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	})

	_, err := client.CreateCompletion(context.Background(), sampleRequest())
	require.Error(t, err)

	var callErr *schemas.ModelCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, schemas.KindAPIError, callErr.Kind)
	assert.Contains(t, callErr.Message, "no choices")
}

func TestCreateCompletion_EmptyContentPassesThrough(t *testing.T) {
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completionBody(t, ""))
	})

	// The agent owns the empty-reply policy; the client reports what it got.
	text, err := client.CreateCompletion(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Empty(t, text)
}
