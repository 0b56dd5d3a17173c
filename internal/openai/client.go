// File: internal/openai/client.go

// Package openai implements schemas.ModelClient against the OpenAI
// chat-completions API. The client performs no retries of its own: it
// classifies every failure into a typed ModelCallError and leaves the retry
// policy to the agent.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	openai "github.com/meguminnnnnnnnn/go-openai"
	"go.uber.org/zap"

	"github.com/regal-1/osworld-gpt4o-mini-evaluation/api/schemas"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/config"
)

// Client wraps the OpenAI SDK client behind the schemas.ModelClient boundary.
type Client struct {
	client *openai.Client
	logger *zap.Logger
}

// NewClient initializes the client. The API key resolves from the config or
// the OPENAI_API_KEY environment variable; a missing key is a configuration
// error surfaced immediately. cfg.Endpoint, when set, overrides the SDK's
// API base URL.
func NewClient(cfg config.AgentConfig, logger *zap.Logger) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required: set OPENAI_API_KEY or agent.api_key")
	}

	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	sdkConfig := openai.DefaultConfig(apiKey)
	if cfg.Endpoint != "" {
		sdkConfig.BaseURL = cfg.Endpoint
	}
	sdkConfig.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		client: openai.NewClientWithConfig(sdkConfig),
		logger: logger.Named("openai"),
	}, nil
}

// CreateCompletion sends the request and returns the model's text content.
// All failures are *schemas.ModelCallError.
func (c *Client) CreateCompletion(ctx context.Context, req schemas.CompletionRequest) (string, error) {
	temperature := float32(req.Temperature)
	topP := float32(req.TopP)
	sdkReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toSDKMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: &temperature,
		TopP:        topP,
	}

	startTime := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, sdkReq)
	duration := time.Since(startTime)

	if err != nil {
		callErr := classifyError(err)
		c.logger.Error("Model call failed",
			zap.String("kind", string(callErr.Kind)),
			zap.Int("status", callErr.StatusCode),
			zap.Error(err),
		)
		return "", callErr
	}

	if len(resp.Choices) == 0 {
		return "", &schemas.ModelCallError{
			Kind:    schemas.KindAPIError,
			Message: "API returned no choices",
		}
	}

	c.logger.Info("Model generation complete",
		zap.Duration("duration", duration),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	return resp.Choices[0].Message.Content, nil
}

// toSDKMessages converts the domain message shapes to the SDK's. Plain text
// messages use Content; user turns carrying image parts use MultiContent.
func toSDKMessages(messages []schemas.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if text, ok := singleTextPart(msg); ok {
			out = append(out, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: text,
			})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(msg.Content))
		for _, part := range msg.Content {
			switch part.Type {
			case "image_url":
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    part.ImageURL.URL,
						Detail: openai.ImageURLDetail(part.ImageURL.Detail),
					},
				})
			default:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			}
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:         msg.Role,
			MultiContent: parts,
		})
	}
	return out
}

func singleTextPart(msg schemas.ChatMessage) (string, bool) {
	if len(msg.Content) == 1 && msg.Content[0].Type == "text" {
		return msg.Content[0].Text, true
	}
	return "", false
}

// classifyError maps an SDK failure to the typed signal the retry policy
// switches on. HTTP 429 and the provider's rate-limit error code mean
// throughput pressure; other API rejections are not worth retrying; anything
// that never produced a response is a transport fault.
func classifyError(err error) *schemas.ModelCallError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := schemas.KindAPIError
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			kind = schemas.KindRateLimited
		}
		if code, ok := apiErr.Code.(string); ok && code == "rate_limit_exceeded" {
			kind = schemas.KindRateLimited
		}
		return &schemas.ModelCallError{
			Kind:       kind,
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		kind := schemas.KindAPIError
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			kind = schemas.KindRateLimited
		}
		return &schemas.ModelCallError{
			Kind:       kind,
			StatusCode: reqErr.HTTPStatusCode,
			Message:    err.Error(),
			Err:        err,
		}
	}

	return &schemas.ModelCallError{
		Kind:    schemas.KindTransport,
		Message: err.Error(),
		Err:     err,
	}
}
