package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/regal-1/osworld-gpt4o-mini-evaluation/api/schemas"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/config"
)

// mockModelClient records every request and answers via a configurable
// respond function.
type mockModelClient struct {
	requests []schemas.CompletionRequest
	respond  func(call int, req schemas.CompletionRequest) (string, error)
}

func (m *mockModelClient) CreateCompletion(_ context.Context, req schemas.CompletionRequest) (string, error) {
	m.requests = append(m.requests, req)
	return m.respond(len(m.requests), req)
}

func staticResponse(text string) func(int, schemas.CompletionRequest) (string, error) {
	return func(int, schemas.CompletionRequest) (string, error) { return text, nil }
}

func testAgentConfig() config.AgentConfig {
	cfg := config.NewDefaultConfig().Agent
	cfg.APIKey = "test-key"
	return cfg
}

// newTestAgent builds an agent wired to the mock client, with sleeps
// recorded instead of performed.
func newTestAgent(t *testing.T, cfg config.AgentConfig, client *mockModelClient) (*Agent, *[]time.Duration, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)

	a, err := New(cfg, client, zap.New(core))
	require.NoError(t, err)

	var sleeps []time.Duration
	a.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return a, &sleeps, logs
}

func screenshotObs() schemas.Observation {
	return schemas.Observation{Screenshot: []byte("fake-png-bytes")}
}

// -- Construction --

func TestNew_UnsupportedObservationType(t *testing.T) {
	cfg := testAgentConfig()
	cfg.ObservationType = "a11y_tree"

	a, err := New(cfg, &mockModelClient{}, zap.NewNop())

	require.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "unsupported observation type")
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := testAgentConfig()
	cfg.APIKey = ""

	a, err := New(cfg, &mockModelClient{}, zap.NewNop())

	require.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "API key")
}

func TestNew_APIKeyFromEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	cfg := testAgentConfig()
	cfg.APIKey = ""

	a, err := New(cfg, &mockModelClient{}, zap.NewNop())

	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestNew_SystemPromptCarriesPassword(t *testing.T) {
	cfg := testAgentConfig()
	cfg.ClientPassword = "hunter2"

	a, err := New(cfg, &mockModelClient{}, zap.NewNop())
	require.NoError(t, err)

	assert.Contains(t, a.systemPrompt, "The computer's password is 'hunter2'")
}

// -- Predict: message construction --

func TestPredict_FirstCallMessageSequence(t *testing.T) {
	client := &mockModelClient{respond: staticResponse("```python\npyautogui.click(1, 2)\n```")}
	a, _, _ := newTestAgent(t, testAgentConfig(), client)
	a.Reset(nil)

	_, actions, err := a.Predict(context.Background(), "empty the trash", screenshotObs())
	require.NoError(t, err)
	assert.Equal(t, []string{"pyautogui.click(1, 2)"}, actions)

	require.Len(t, client.requests, 1)
	messages := client.requests[0].Messages
	require.Len(t, messages, 2)

	assert.Equal(t, schemas.RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content[0].Text, "You are asked to complete the following task: empty the trash")

	assert.Equal(t, schemas.RoleUser, messages[1].Role)
	assert.Contains(t, messages[1].Content[0].Text, "Current screenshot")
	require.Len(t, messages[1].Content, 2)
	assert.Equal(t, "image_url", messages[1].Content[1].Type)
	assert.True(t, strings.HasPrefix(messages[1].Content[1].ImageURL.URL, "data:image/png;base64,"))
	assert.Equal(t, "low", messages[1].Content[1].ImageURL.Detail)
}

func TestPredict_WindowOfOneReplaysOnlyLastTurn(t *testing.T) {
	client := &mockModelClient{
		respond: func(call int, _ schemas.CompletionRequest) (string, error) {
			return fmt.Sprintf("```python\npyautogui.click(%d, %d)\n```", call, call), nil
		},
	}
	cfg := testAgentConfig()
	cfg.MaxTrajectoryLength = 1
	a, _, _ := newTestAgent(t, cfg, client)
	a.Reset(nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := a.Predict(ctx, "task", screenshotObs())
		require.NoError(t, err)
	}

	// Third request: system, one previous user turn, its assistant turn,
	// current user turn. Never two or more prior pairs.
	third := client.requests[2].Messages
	require.Len(t, third, 4)
	assert.Equal(t, schemas.RoleSystem, third[0].Role)
	assert.Equal(t, schemas.RoleUser, third[1].Role)
	assert.Contains(t, third[1].Content[0].Text, "Previous screenshot")
	assert.Equal(t, schemas.RoleAssistant, third[2].Role)
	assert.Contains(t, third[2].Content[0].Text, "pyautogui.click(2, 2)")
	assert.Equal(t, schemas.RoleUser, third[3].Role)
	assert.Contains(t, third[3].Content[0].Text, "Current screenshot")
}

func TestPredict_ZeroWindowReplaysNothing(t *testing.T) {
	client := &mockModelClient{respond: staticResponse("```DONE```")}
	cfg := testAgentConfig()
	cfg.MaxTrajectoryLength = 0
	a, _, _ := newTestAgent(t, cfg, client)
	a.Reset(nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _, err := a.Predict(ctx, "task", screenshotObs())
		require.NoError(t, err)
	}

	second := client.requests[1].Messages
	require.Len(t, second, 2)
	assert.Equal(t, schemas.RoleSystem, second[0].Role)
	assert.Equal(t, schemas.RoleUser, second[1].Role)
}

func TestPredict_EmptyThoughtSkipsAssistantTurn(t *testing.T) {
	client := &mockModelClient{respond: staticResponse("```WAIT```")}
	cfg := testAgentConfig()
	cfg.MaxTrajectoryLength = 2
	a, _, _ := newTestAgent(t, cfg, client)
	a.Reset(nil)

	// Seed a prior step whose model call produced nothing.
	a.observations = append(a.observations, schemas.EncodedObservation{Screenshot: "c2NyZWVu"})
	a.thoughts = append(a.thoughts, "")
	a.actions = append(a.actions, []string{"FAIL"})

	_, _, err := a.Predict(context.Background(), "task", screenshotObs())
	require.NoError(t, err)

	messages := client.requests[0].Messages
	// system, previous user turn (no assistant turn), current user turn.
	require.Len(t, messages, 3)
	assert.Equal(t, schemas.RoleSystem, messages[0].Role)
	assert.Equal(t, schemas.RoleUser, messages[1].Role)
	assert.Equal(t, schemas.RoleUser, messages[2].Role)
}

func TestPredict_TreeModeIncludesLinearizedTable(t *testing.T) {
	client := &mockModelClient{respond: staticResponse("```DONE```")}
	cfg := testAgentConfig()
	cfg.ObservationType = schemas.ObservationScreenshotA11yTree
	a, _, _ := newTestAgent(t, cfg, client)
	a.Reset(nil)

	obs := schemas.Observation{
		Screenshot: []byte("fake-png-bytes"),
		AccessibilityTree: &schemas.AccessibilityNode{
			Tag:      "button",
			Name:     "Trash",
			Position: []int{100, 784},
			Size:     []int{50, 50},
		},
	}

	_, _, err := a.Predict(context.Background(), "task", obs)
	require.NoError(t, err)

	text := client.requests[0].Messages[1].Content[0].Text
	assert.Contains(t, text, "Current screenshot and accessibility tree:")
	assert.Contains(t, text, "position (top-left x&y)")
	assert.Contains(t, text, "100,784")
}

func TestPredict_SamplingParametersForwarded(t *testing.T) {
	client := &mockModelClient{respond: staticResponse("```DONE```")}
	cfg := testAgentConfig()
	cfg.Model = "gpt-4o-mini"
	cfg.MaxTokens = 777
	cfg.Temperature = 0.3
	cfg.TopP = 0.8
	a, _, _ := newTestAgent(t, cfg, client)
	a.Reset(nil)

	meta, _, err := a.Predict(context.Background(), "task", screenshotObs())
	require.NoError(t, err)

	req := client.requests[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, 777, req.MaxTokens)
	assert.Equal(t, 0.3, req.Temperature)
	assert.Equal(t, 0.8, req.TopP)
	assert.Equal(t, "gpt-4o-mini", meta.Model)
}

// -- Predict: history bookkeeping --

func TestPredict_HistoryInvariant(t *testing.T) {
	// Alternate successes and failures; the three lists must stay in step.
	client := &mockModelClient{
		respond: func(call int, _ schemas.CompletionRequest) (string, error) {
			if call%2 == 0 {
				return "", &schemas.ModelCallError{Kind: schemas.KindAPIError, Message: "boom"}
			}
			return "```python\npyautogui.press('enter')\n```", nil
		},
	}
	a, _, _ := newTestAgent(t, testAgentConfig(), client)
	a.Reset(nil)

	ctx := context.Background()
	const steps = 5
	for i := 0; i < steps; i++ {
		_, actions, err := a.Predict(ctx, "task", screenshotObs())
		require.NoError(t, err)
		require.NotEmpty(t, actions)
	}

	obs, thoughts, actions := a.Trajectory()
	assert.Len(t, obs, steps)
	assert.Len(t, thoughts, steps)
	assert.Len(t, actions, steps)
}

func TestPredict_FailedCallRecordsWaitThought(t *testing.T) {
	client := &mockModelClient{
		respond: func(int, schemas.CompletionRequest) (string, error) {
			return "", &schemas.ModelCallError{Kind: schemas.KindTransport, Message: "connection refused"}
		},
	}
	a, _, _ := newTestAgent(t, testAgentConfig(), client)
	a.Reset(nil)

	meta, actions, err := a.Predict(context.Background(), "task", screenshotObs())
	require.NoError(t, err)

	assert.Equal(t, "WAIT", meta.Response)
	assert.Equal(t, []string{"WAIT"}, actions)

	_, thoughts, _ := a.Trajectory()
	assert.Equal(t, []string{"WAIT"}, thoughts)
}

func TestReset_ClearsTrajectory(t *testing.T) {
	client := &mockModelClient{respond: staticResponse("```DONE```")}
	a, _, _ := newTestAgent(t, testAgentConfig(), client)
	a.Reset(nil)

	_, _, err := a.Predict(context.Background(), "task", screenshotObs())
	require.NoError(t, err)
	require.Equal(t, 1, a.HistoryLength())

	a.Reset(nil)
	assert.Equal(t, 0, a.HistoryLength())
	obs, thoughts, actions := a.Trajectory()
	assert.Empty(t, obs)
	assert.Empty(t, thoughts)
	assert.Empty(t, actions)
}

func TestReset_RebindsLogger(t *testing.T) {
	client := &mockModelClient{respond: staticResponse("no code, no marker")}
	a, _, _ := newTestAgent(t, testAgentConfig(), client)

	core, taskLogs := observer.New(zap.DebugLevel)
	a.Reset(zap.New(core))

	_, actions, err := a.Predict(context.Background(), "task", screenshotObs())
	require.NoError(t, err)
	assert.Equal(t, []string{"FAIL"}, actions)

	// The parse diagnostic lands on the task logger, not the original one.
	assert.NotZero(t, taskLogs.FilterLevelExact(zap.WarnLevel).Len())
}

// -- Retry policy --

func TestCallModel_RateLimitExhaustionYieldsWait(t *testing.T) {
	client := &mockModelClient{
		respond: func(int, schemas.CompletionRequest) (string, error) {
			return "", &schemas.ModelCallError{Kind: schemas.KindRateLimited, StatusCode: 429, Message: "slow down"}
		},
	}
	a, sleeps, _ := newTestAgent(t, testAgentConfig(), client)
	a.Reset(nil)

	meta, actions, err := a.Predict(context.Background(), "task", screenshotObs())
	require.NoError(t, err)

	assert.Equal(t, "WAIT", meta.Response)
	assert.Equal(t, []string{"WAIT"}, actions)
	assert.Len(t, client.requests, 3, "three attempts total")
	require.Len(t, *sleeps, 2, "backoff between attempts only, not after the last")
	assert.Equal(t, 60*time.Second, (*sleeps)[0])
	assert.Equal(t, 60*time.Second, (*sleeps)[1])
}

func TestCallModel_RateLimitThenSuccess(t *testing.T) {
	client := &mockModelClient{
		respond: func(call int, _ schemas.CompletionRequest) (string, error) {
			if call == 1 {
				return "", &schemas.ModelCallError{Kind: schemas.KindRateLimited, StatusCode: 429, Message: "slow down"}
			}
			return "```DONE```", nil
		},
	}
	a, sleeps, _ := newTestAgent(t, testAgentConfig(), client)
	a.Reset(nil)

	meta, actions, err := a.Predict(context.Background(), "task", screenshotObs())
	require.NoError(t, err)

	assert.Equal(t, "```DONE```", meta.Response)
	assert.Equal(t, []string{"DONE"}, actions)
	assert.Len(t, client.requests, 2)
	assert.Len(t, *sleeps, 1)
}

func TestCallModel_NonRateLimitFailureIsNotRetried(t *testing.T) {
	client := &mockModelClient{
		respond: func(int, schemas.CompletionRequest) (string, error) {
			return "", &schemas.ModelCallError{Kind: schemas.KindAPIError, StatusCode: 400, Message: "bad request"}
		},
	}
	a, sleeps, _ := newTestAgent(t, testAgentConfig(), client)
	a.Reset(nil)

	meta, _, err := a.Predict(context.Background(), "task", screenshotObs())
	require.NoError(t, err)

	assert.Equal(t, "WAIT", meta.Response)
	assert.Len(t, client.requests, 1, "no retry for non-rate-limit failures")
	assert.Empty(t, *sleeps)
}

func TestCallModel_EmptyReplyCoercedToWait(t *testing.T) {
	client := &mockModelClient{respond: staticResponse("   \n")}
	a, sleeps, _ := newTestAgent(t, testAgentConfig(), client)
	a.Reset(nil)

	meta, actions, err := a.Predict(context.Background(), "task", screenshotObs())
	require.NoError(t, err)

	assert.Equal(t, "WAIT", meta.Response)
	assert.Equal(t, []string{"WAIT"}, actions)
	assert.Empty(t, *sleeps)
}
