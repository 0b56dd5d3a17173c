// File: internal/agent/agent.go

// Package agent implements the conversation-state controller that drives a
// vision model through a desktop task: it encodes observations, replays a
// bounded window of prior turns, invokes the model under a fixed retry
// policy, and normalizes the reply into executable actions.
package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/regal-1/osworld-gpt4o-mini-evaluation/api/schemas"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/a11y"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/config"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/parser"
)

const (
	// maxCallAttempts bounds one logical Predict's model invocations.
	maxCallAttempts = 3
	// rateLimitCooldown is the fixed wait between rate-limited attempts.
	rateLimitCooldown = 60 * time.Second
)

// Agent is the stateful conversation controller. It is not safe for
// concurrent use: one owner drives Predict/Reset serially, one Agent per
// concurrent task.
type Agent struct {
	cfg          config.AgentConfig
	client       schemas.ModelClient
	parser       *parser.Parser
	logger       *zap.Logger
	systemPrompt string

	// Full trajectory, append-only within a task. The three slices are kept
	// the same length after every completed Predict, including failures, so
	// downstream trajectory logging never desynchronizes. Only the trailing
	// MaxTrajectoryLength entries are replayed in requests.
	observations []schemas.EncodedObservation
	thoughts     []string
	actions      [][]string

	// sleep is swapped out in tests so retry backoff is observable without
	// wall-clock waits.
	sleep func(time.Duration)
}

// New validates the configuration and constructs an Agent. It fails fast on
// an unsupported observation type and on missing API credentials (taken from
// cfg.APIKey or the OPENAI_API_KEY environment variable) so a misconfigured
// run dies at startup, not mid-task.
func New(cfg config.AgentConfig, client schemas.ModelClient, logger *zap.Logger) (*Agent, error) {
	if !cfg.ObservationType.Valid() {
		return nil, fmt.Errorf("unsupported observation type: %q", cfg.ObservationType)
	}
	if cfg.MaxTrajectoryLength < 0 {
		return nil, fmt.Errorf("max trajectory length must not be negative")
	}
	if cfg.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		return nil, fmt.Errorf("OpenAI API key not provided: set OPENAI_API_KEY or agent.api_key")
	}

	var systemPrompt string
	switch cfg.ObservationType {
	case schemas.ObservationScreenshotA11yTree:
		systemPrompt = fmt.Sprintf(systemPromptScreenshotA11yTree, cfg.ClientPassword)
	case schemas.ObservationScreenshot:
		systemPrompt = fmt.Sprintf(systemPromptScreenshotOnly, cfg.ClientPassword)
	}

	agentLogger := logger.Named("agent")
	a := &Agent{
		cfg:          cfg,
		client:       client,
		parser:       parser.New(agentLogger),
		logger:       agentLogger,
		systemPrompt: systemPrompt,
		sleep:        time.Sleep,
	}

	a.logger.Info("Initialized agent",
		zap.String("model", cfg.Model),
		zap.String("observation_type", string(cfg.ObservationType)),
		zap.Int("max_trajectory_length", cfg.MaxTrajectoryLength))
	return a, nil
}

// Reset clears the trajectory for a new task. A non-nil logger rebinds the
// agent (and its parser) to a task-specific sink; passing nil keeps the
// current one. Must be called before the first Predict of each task.
func (a *Agent) Reset(logger *zap.Logger) {
	if logger != nil {
		a.logger = logger.Named("agent")
		a.parser = parser.New(a.logger)
	}
	a.observations = a.observations[:0]
	a.thoughts = a.thoughts[:0]
	a.actions = a.actions[:0]
	a.logger.Info("Agent state reset")
}

// Predict returns the next action(s) for the task given the current
// observation. Model-call and parse failures are absorbed into terminal
// tokens; the only error Predict can return is an unsupported observation
// type, which indicates misconfiguration and aborts the run.
func (a *Agent) Predict(ctx context.Context, instruction string, obs schemas.Observation) (schemas.PredictMetadata, []string, error) {
	// Snapshot the replay window before the current observation is recorded.
	prevWindow := a.windowStart()
	windowObs := a.observations[prevWindow:]
	windowThoughts := a.thoughts[prevWindow:]

	encoded, err := a.encodeObservation(obs)
	if err != nil {
		return schemas.PredictMetadata{}, nil, err
	}
	// Record the observation before the model call so a failure downstream
	// still leaves this step's observation in the trajectory.
	a.observations = append(a.observations, encoded)

	messages := a.buildMessages(instruction, windowObs, windowThoughts, encoded)

	response := a.callModel(ctx, messages)

	actions := a.parser.Parse(response)
	a.thoughts = append(a.thoughts, response)
	a.actions = append(a.actions, actions)

	meta := schemas.PredictMetadata{Response: response, Model: a.cfg.Model}
	return meta, actions, nil
}

// windowStart returns the index of the first trajectory entry inside the
// replay window.
func (a *Agent) windowStart() int {
	if len(a.observations) <= a.cfg.MaxTrajectoryLength {
		return 0
	}
	return len(a.observations) - a.cfg.MaxTrajectoryLength
}

// encodeObservation converts a raw observation into its model-ready form.
func (a *Agent) encodeObservation(obs schemas.Observation) (schemas.EncodedObservation, error) {
	switch a.cfg.ObservationType {
	case schemas.ObservationScreenshot:
		return schemas.EncodedObservation{
			Screenshot: a11y.EncodeScreenshot(obs.Screenshot),
		}, nil
	case schemas.ObservationScreenshotA11yTree:
		treeText := ""
		if obs.AccessibilityTree != nil {
			treeText = a11y.Linearize(obs.AccessibilityTree, a.cfg.Platform)
			treeText = a11y.Trim(treeText, a.cfg.A11yTreeMaxTokens)
		}
		return schemas.EncodedObservation{
			Screenshot:        a11y.EncodeScreenshot(obs.Screenshot),
			AccessibilityTree: treeText,
		}, nil
	}
	return schemas.EncodedObservation{}, fmt.Errorf("unsupported observation type: %q", a.cfg.ObservationType)
}

// buildMessages assembles the request: system prompt with the task
// instruction, the windowed prior turns, then the current observation.
func (a *Agent) buildMessages(instruction string, windowObs []schemas.EncodedObservation, windowThoughts []string, current schemas.EncodedObservation) []schemas.ChatMessage {
	messages := []schemas.ChatMessage{
		schemas.TextMessage(schemas.RoleSystem,
			a.systemPrompt+"\n\nYou are asked to complete the following task: "+instruction),
	}

	for i, prev := range windowObs {
		messages = append(messages, a.observationMessage(prev, false))
		// An empty thought (failed step) gets no assistant turn rather than
		// an empty one.
		if windowThoughts[i] != "" {
			messages = append(messages, schemas.TextMessage(schemas.RoleAssistant, windowThoughts[i]))
		}
	}

	messages = append(messages, a.observationMessage(current, true))
	return messages
}

// observationMessage renders one observation as a user turn. The text part
// labels the observation as current or previous; the screenshot rides along
// as a low-detail image part.
func (a *Agent) observationMessage(obs schemas.EncodedObservation, current bool) schemas.ChatMessage {
	var text string
	if a.cfg.ObservationType == schemas.ObservationScreenshotA11yTree {
		if current {
			text = fmt.Sprintf("Current screenshot and accessibility tree:\n%s\nWhat's the next step to help with the task?", obs.AccessibilityTree)
		} else {
			text = fmt.Sprintf("Previous screenshot and accessibility tree:\n%s\nWhat's the next step?", obs.AccessibilityTree)
		}
	} else {
		if current {
			text = "Current screenshot. What's the next step to help with the task?"
		} else {
			text = "Previous screenshot. What's the next step?"
		}
	}

	content := []schemas.ContentPart{{Type: "text", Text: text}}
	if obs.Screenshot != "" {
		content = append(content, schemas.ContentPart{
			Type: "image_url",
			ImageURL: &schemas.ImageURL{
				URL:    a11y.ScreenshotDataURI(obs.Screenshot),
				Detail: "low",
			},
		})
	}
	return schemas.ChatMessage{Role: schemas.RoleUser, Content: content}
}

// callModel invokes the model under the fixed retry policy. It never fails:
// rate-limited calls wait out a fixed cooldown and retry up to the attempt
// cap; any other failure, and cap exhaustion, degrade to a literal WAIT so
// the outer loop spends a step instead of crashing the session. An empty
// reply is coerced to WAIT for the same reason.
func (a *Agent) callModel(ctx context.Context, messages []schemas.ChatMessage) string {
	req := schemas.CompletionRequest{
		Model:       a.cfg.Model,
		Messages:    messages,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		TopP:        a.cfg.TopP,
	}

	for attempt := 1; attempt <= maxCallAttempts; attempt++ {
		a.logger.Debug("Calling model", zap.Int("attempt", attempt), zap.Int("max_attempts", maxCallAttempts))

		text, err := a.client.CreateCompletion(ctx, req)
		if err == nil {
			if strings.TrimSpace(text) == "" {
				a.logger.Warn("Model returned empty content, treating as WAIT")
				return schemas.ActionWait
			}
			a.logger.Info("Model response received", zap.String("response", truncate(text, 200)))
			return text
		}

		if !schemas.IsRateLimited(err) {
			a.logger.Error("Model call failed", zap.String("model", a.cfg.Model), zap.Error(err))
			return schemas.ActionWait
		}

		if attempt == maxCallAttempts {
			a.logger.Error("Model call failed after retries",
				zap.String("model", a.cfg.Model),
				zap.Int("attempts", maxCallAttempts),
				zap.Error(err))
			return schemas.ActionWait
		}

		a.logger.Warn("Rate limit hit, backing off",
			zap.Duration("cooldown", rateLimitCooldown),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxCallAttempts))
		a.sleep(rateLimitCooldown)
	}
	return schemas.ActionWait
}

// HistoryLength reports the number of completed steps in the trajectory.
// The three internal lists always agree on this after each Predict.
func (a *Agent) HistoryLength() int {
	return len(a.thoughts)
}

// Trajectory returns the full recorded trajectory. The window cap limits
// what is replayed to the model, never what is recorded.
func (a *Agent) Trajectory() ([]schemas.EncodedObservation, []string, [][]string) {
	return a.observations, a.thoughts, a.actions
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
