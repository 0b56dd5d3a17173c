package schemas

import "strings"

// ObservationType selects what the agent perceives each step.
type ObservationType string

const (
	// ObservationScreenshot sends only the screenshot. This is the default
	// because it is by far the cheapest in prompt tokens.
	ObservationScreenshot ObservationType = "screenshot"
	// ObservationScreenshotA11yTree sends the screenshot plus a linearized
	// accessibility tree table the model can read coordinates from.
	ObservationScreenshotA11yTree ObservationType = "screenshot_a11y_tree"
)

// Valid reports whether the observation type is one the agent supports.
func (o ObservationType) Valid() bool {
	return o == ObservationScreenshot || o == ObservationScreenshotA11yTree
}

// Terminal action tokens. The model returns one of these instead of a
// pyautogui script when it wants to pause or end the task.
const (
	ActionWait = "WAIT"
	ActionDone = "DONE"
	ActionFail = "FAIL"
)

// IsTerminal reports whether an action token is a control directive rather
// than executable script text. Callers must never feed a terminal token to
// the execution layer.
func IsTerminal(action string) bool {
	switch action {
	case ActionWait, ActionDone, ActionFail:
		return true
	}
	return false
}

// AsTerminal returns the canonical uppercased directive when s, ignoring case
// and surrounding whitespace, is exactly one of WAIT/DONE/FAIL.
func AsTerminal(s string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case ActionWait:
		return ActionWait, true
	case ActionDone:
		return ActionDone, true
	case ActionFail:
		return ActionFail, true
	}
	return "", false
}

// AccessibilityNode is one node of the desktop accessibility tree as reported
// by the environment controller. Children are nested, matching the AT-SPI
// shape the VM exposes.
type AccessibilityNode struct {
	Tag         string              `json:"tag"`
	Name        string              `json:"name"`
	Text        string              `json:"text"`
	Class       string              `json:"class"`
	Description string              `json:"description"`
	Position    []int               `json:"position"` // top-left x, y
	Size        []int               `json:"size"`     // width, height
	Children    []AccessibilityNode `json:"children,omitempty"`
}

// Observation is one raw step observation from the desktop environment.
// Screenshot is always present; AccessibilityTree is nil unless the
// environment was asked for it.
type Observation struct {
	Screenshot        []byte             `json:"screenshot"`
	AccessibilityTree *AccessibilityNode `json:"accessibility_tree,omitempty"`
}

// EncodedObservation is the model-ready form of an Observation: the
// screenshot base64-encoded and the accessibility tree linearized into the
// tabular text form (empty in screenshot-only mode). Entries are immutable
// once recorded in the agent's trajectory.
type EncodedObservation struct {
	Screenshot        string `json:"screenshot"`
	AccessibilityTree string `json:"accessibility_tree,omitempty"`
}

// -- Chat message model (OpenAI chat-completions wire shape) --

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ImageURL carries an image content part. URL is a data URI; Detail is the
// rendering hint ("low" everywhere in this system, to cap image tokens).
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one element of a multimodal user message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ChatMessage is a single turn in the conversation sent to the model.
// System and assistant turns carry plain text; user turns carry content
// parts so a screenshot can ride along with its description.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// TextMessage builds a single-part text message for the given role.
func TextMessage(role, text string) ChatMessage {
	return ChatMessage{
		Role:    role,
		Content: []ContentPart{{Type: "text", Text: text}},
	}
}

// CompletionRequest is a full model invocation: a system message followed by
// the ordered user/assistant turns, plus sampling parameters.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
}

// PredictMetadata is returned alongside the parsed actions from each
// Predict call so the orchestration layer can log the raw exchange.
type PredictMetadata struct {
	Response string `json:"response"`
	Model    string `json:"model"`
}

// Task is one evaluation example: the instruction the agent must carry out
// plus the opaque environment configuration used to set up and score it.
type Task struct {
	ID          string         `json:"id"`
	Instruction string         `json:"instruction"`
	Config      map[string]any `json:"config,omitempty"`
	Evaluator   map[string]any `json:"evaluator,omitempty"`
}

// StepResult is what the environment reports after executing one action.
type StepResult struct {
	Observation Observation    `json:"observation"`
	Reward      float64        `json:"reward"`
	Done        bool           `json:"done"`
	Info        map[string]any `json:"info,omitempty"`
}
