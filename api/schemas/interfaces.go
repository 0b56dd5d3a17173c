package schemas

import (
	"context"
	"errors"
	"fmt"
)

// -- Model call boundary --

// ModelCallKind classifies a failed model call so the retry policy can
// switch on a typed value instead of sniffing error strings.
type ModelCallKind string

const (
	// KindRateLimited marks quota/throughput rejections (HTTP 429 or the
	// provider's rate-limit error code). These are worth waiting out.
	KindRateLimited ModelCallKind = "RATE_LIMITED"
	// KindTransport marks network-level failures before any response body
	// was decoded.
	KindTransport ModelCallKind = "TRANSPORT"
	// KindAPIError marks every other provider-reported failure. These are
	// not retried.
	KindAPIError ModelCallKind = "API_ERROR"
)

// ModelCallError is the structured failure signal from a ModelClient.
type ModelCallError struct {
	Kind       ModelCallKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ModelCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model call failed (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("model call failed (%s): %s", e.Kind, e.Message)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err carries a rate-limit classification.
func IsRateLimited(err error) bool {
	var callErr *ModelCallError
	return errors.As(err, &callErr) && callErr.Kind == KindRateLimited
}

// ModelClient abstracts the multimodal completion provider. A successful
// call returns the model's text content; failures are *ModelCallError.
type ModelClient interface {
	CreateCompletion(ctx context.Context, req CompletionRequest) (string, error)
}

// -- Desktop environment boundary --

// DesktopEnvironment is the opaque execution and evaluation oracle the
// runner drives. Step executes a pyautogui script fragment verbatim (or a
// WAIT no-op) and returns the next observation; Evaluate scores the task
// after the loop ends.
type DesktopEnvironment interface {
	// Reset prepares the VM for a new task using its config and returns the
	// initial observation.
	Reset(ctx context.Context, task Task) (Observation, error)
	// Observe captures the current observation without acting.
	Observe(ctx context.Context) (Observation, error)
	// Step executes one action and waits pause seconds before capturing the
	// resulting observation.
	Step(ctx context.Context, action string, pause float64) (StepResult, error)
	// Evaluate runs the task's evaluator and returns a score in [0, 1].
	Evaluate(ctx context.Context) (float64, error)
	// StartRecording begins a screen recording of the session.
	StartRecording(ctx context.Context) error
	// EndRecording stops the recording and writes it to destPath.
	EndRecording(ctx context.Context, destPath string) error
	// Close releases the environment.
	Close(ctx context.Context) error
}
