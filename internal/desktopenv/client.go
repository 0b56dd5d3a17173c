// File: internal/desktopenv/client.go

// Package desktopenv implements schemas.DesktopEnvironment over the HTTP
// control API exposed by the desktop VM. Transient transport failures are
// retried with exponential backoff; application-level rejections are not.
package desktopenv

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/regal-1/osworld-gpt4o-mini-evaluation/api/schemas"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client drives the VM controller endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	settleTime time.Duration

	// backoffFactory builds the retry schedule for one logical call.
	// Swapped for an aggressive schedule in tests.
	backoffFactory func() backoff.BackOff

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// -- Controller wire structures (internal to this file) --

type observationPayload struct {
	Screenshot        string                     `json:"screenshot"` // base64
	AccessibilityTree *schemas.AccessibilityNode `json:"accessibility_tree,omitempty"`
}

type resetRequest struct {
	TaskConfig map[string]any `json:"task_config"`
}

type stepRequest struct {
	Action string  `json:"action"`
	Pause  float64 `json:"pause"`
}

type stepResponse struct {
	Observation observationPayload `json:"observation"`
	Reward      float64            `json:"reward"`
	Done        bool               `json:"done"`
	Info        map[string]any     `json:"info"`
}

type evaluateResponse struct {
	Score float64 `json:"score"`
}

type recordingResponse struct {
	Video string `json:"video"` // base64-encoded mp4
}

// NewClient creates a controller client from the environment configuration.
func NewClient(cfg config.EnvConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: cfg.ControllerURL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger:     logger.Named("desktopenv"),
		settleTime: cfg.ResetSettleTime,
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
		sleep: time.Sleep,
	}
}

var _ schemas.DesktopEnvironment = (*Client)(nil)

// Reset prepares the VM for a new task and waits for the desktop to settle
// before capturing the initial observation.
func (c *Client) Reset(ctx context.Context, task schemas.Task) (schemas.Observation, error) {
	if err := c.post(ctx, "/reset", resetRequest{TaskConfig: task.Config}, nil); err != nil {
		return schemas.Observation{}, fmt.Errorf("environment reset failed: %w", err)
	}

	c.logger.Info("Environment reset, waiting for desktop to settle",
		zap.String("task_id", task.ID),
		zap.Duration("settle_time", c.settleTime))
	c.sleep(c.settleTime)

	return c.Observe(ctx)
}

// Observe captures the current observation without acting.
func (c *Client) Observe(ctx context.Context) (schemas.Observation, error) {
	var payload observationPayload
	if err := c.get(ctx, "/observation", &payload); err != nil {
		return schemas.Observation{}, fmt.Errorf("failed to fetch observation: %w", err)
	}
	return decodeObservation(payload)
}

// Step executes one pyautogui action (or a WAIT no-op) and returns the
// resulting observation and reward.
func (c *Client) Step(ctx context.Context, action string, pause float64) (schemas.StepResult, error) {
	var payload stepResponse
	if err := c.post(ctx, "/step", stepRequest{Action: action, Pause: pause}, &payload); err != nil {
		return schemas.StepResult{}, fmt.Errorf("environment step failed: %w", err)
	}

	obs, err := decodeObservation(payload.Observation)
	if err != nil {
		return schemas.StepResult{}, err
	}
	return schemas.StepResult{
		Observation: obs,
		Reward:      payload.Reward,
		Done:        payload.Done,
		Info:        payload.Info,
	}, nil
}

// Evaluate runs the task's configured evaluator on the VM.
func (c *Client) Evaluate(ctx context.Context) (float64, error) {
	var payload evaluateResponse
	if err := c.post(ctx, "/evaluate", struct{}{}, &payload); err != nil {
		return 0, fmt.Errorf("evaluation failed: %w", err)
	}
	return payload.Score, nil
}

// StartRecording begins a screen recording of the session.
func (c *Client) StartRecording(ctx context.Context) error {
	if err := c.post(ctx, "/recording/start", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	return nil
}

// EndRecording stops the recording and writes the video to destPath.
func (c *Client) EndRecording(ctx context.Context, destPath string) error {
	var payload recordingResponse
	if err := c.post(ctx, "/recording/end", struct{}{}, &payload); err != nil {
		return fmt.Errorf("failed to stop recording: %w", err)
	}

	video, err := base64.StdEncoding.DecodeString(payload.Video)
	if err != nil {
		return fmt.Errorf("failed to decode recording payload: %w", err)
	}
	if err := os.WriteFile(destPath, video, 0o644); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	c.logger.Info("Recording saved", zap.String("path", destPath), zap.Int("bytes", len(video)))
	return nil
}

// Close releases the environment.
func (c *Client) Close(ctx context.Context) error {
	if err := c.post(ctx, "/close", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to close environment: %w", err)
	}
	return nil
}

// -- Transport plumbing --

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal request payload: %w", err))
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

// do performs one logical call under the retry schedule. Network errors and
// 5xx responses are retried; 4xx responses are permanent.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("Network error talking to VM controller, retrying",
				zap.String("path", path), zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("controller error: status %d, body: %s", resp.StatusCode, respBody)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("controller rejected request: status %d, body: %s", resp.StatusCode, respBody))
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
			}
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx))
}

func decodeObservation(payload observationPayload) (schemas.Observation, error) {
	screenshot, err := base64.StdEncoding.DecodeString(payload.Screenshot)
	if err != nil {
		return schemas.Observation{}, fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return schemas.Observation{
		Screenshot:        screenshot,
		AccessibilityTree: payload.AccessibilityTree,
	}, nil
}
