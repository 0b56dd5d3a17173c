// File: internal/runner/runner.go

// Package runner orchestrates evaluation runs: it drives the
// predict-and-step loop for each task, persists the trajectory artifacts,
// and aggregates scores across a batch.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/regal-1/osworld-gpt4o-mini-evaluation/api/schemas"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/config"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	configFile     = "config.json"
	trajectoryFile = "traj.jsonl"
	resultFile     = "result.txt"
	recordingFile  = "recording.mp4"
	runtimeLogFile = "runtime.log"
)

// predictor is the slice of the agent the runner needs.
type predictor interface {
	Reset(logger *zap.Logger)
	Predict(ctx context.Context, instruction string, obs schemas.Observation) (schemas.PredictMetadata, []string, error)
}

// stepRecord is one line of traj.jsonl.
type stepRecord struct {
	StepNum         int            `json:"step_num"`
	ActionTimestamp string         `json:"action_timestamp"`
	Action          string         `json:"action"`
	Response        string         `json:"response"`
	Reward          float64        `json:"reward"`
	Done            bool           `json:"done"`
	Info            map[string]any `json:"info,omitempty"`
	ScreenshotFile  string         `json:"screenshot_file"`
}

// TaskResult summarizes one completed task.
type TaskResult struct {
	TaskID    string
	Score     float64
	Steps     int
	OutputDir string
	Skipped   bool
}

// Summary aggregates a batch of task results.
type Summary struct {
	RunID        string
	Results      []TaskResult
	AverageScore float64
	SuccessRate  float64
}

// Runner executes tasks against one environment with one agent.
type Runner struct {
	cfg     config.Config
	env     schemas.DesktopEnvironment
	agent   predictor
	logger  *zap.Logger
	limiter *rate.Limiter
	runID   string

	// now stamps step records. Fixed in tests.
	now func() time.Time

	// newTaskLogger builds the per-task JSON log sink. Swapped in tests to
	// keep temp dirs clean.
	newTaskLogger func(path string, level zapcore.Level) (*zap.Logger, func(), error)
}

// New builds a runner. The rate limiter paces model calls across all tasks
// in the run; a non-positive step_rate_limit disables pacing.
func New(cfg config.Config, env schemas.DesktopEnvironment, agent predictor, logger *zap.Logger) *Runner {
	limit := rate.Inf
	if cfg.Run.StepRateLimit > 0 {
		limit = rate.Limit(cfg.Run.StepRateLimit)
	}
	return &Runner{
		cfg:           cfg,
		env:           env,
		agent:         agent,
		logger:        logger.Named("runner"),
		limiter:       rate.NewLimiter(limit, 1),
		runID:         uuid.NewString(),
		now:           time.Now,
		newTaskLogger: observability.NewTaskLogger,
	}
}

// RunAll executes every task in order and aggregates the scores. A task
// failure is recorded and logged but does not abort the batch; only context
// cancellation stops the run early.
func (r *Runner) RunAll(ctx context.Context, tasks []schemas.Task) (Summary, error) {
	summary := Summary{RunID: r.runID}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result, err := r.RunTask(ctx, task)
		if err != nil {
			if ctx.Err() != nil {
				return summary, err
			}
			r.logger.Error("Task failed, continuing with batch",
				zap.String("task_id", task.ID), zap.Error(err))
			result = TaskResult{TaskID: task.ID, Score: 0}
		}
		summary.Results = append(summary.Results, result)
	}

	var total float64
	var successes int
	var scored int
	for _, res := range summary.Results {
		if res.Skipped {
			continue
		}
		scored++
		total += res.Score
		if res.Score > 0 {
			successes++
		}
	}
	if scored > 0 {
		summary.AverageScore = total / float64(scored)
		summary.SuccessRate = float64(successes) / float64(scored)
	}

	r.logger.Info("Run complete",
		zap.String("run_id", r.runID),
		zap.Int("tasks", len(summary.Results)),
		zap.Int("scored", scored),
		zap.Float64("average_score", summary.AverageScore),
		zap.Float64("success_rate", summary.SuccessRate))
	return summary, nil
}

// RunTask executes one task end to end: reset, the step loop, evaluation,
// and artifact persistence. Tasks whose result file already exists are
// skipped so interrupted batches can resume.
func (r *Runner) RunTask(ctx context.Context, task schemas.Task) (TaskResult, error) {
	outputDir := r.taskOutputDir(task)

	if _, err := os.Stat(filepath.Join(outputDir, resultFile)); err == nil {
		r.logger.Info("Result already exists, skipping task",
			zap.String("task_id", task.ID), zap.String("output_dir", outputDir))
		return TaskResult{TaskID: task.ID, OutputDir: outputDir, Skipped: true}, nil
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return TaskResult{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	// Persist the task definition alongside the artifacts so a results tree
	// is self-describing.
	taskDef, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return TaskResult{}, fmt.Errorf("failed to encode task definition: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, configFile), taskDef, 0o644); err != nil {
		return TaskResult{}, fmt.Errorf("failed to write task definition: %w", err)
	}

	taskLogger, closeLog, err := r.newTaskLogger(filepath.Join(outputDir, runtimeLogFile), zapcore.DebugLevel)
	if err != nil {
		return TaskResult{}, fmt.Errorf("failed to open task log: %w", err)
	}
	defer closeLog()
	taskLogger = taskLogger.With(zap.String("run_id", r.runID), zap.String("task_id", task.ID))

	taskLogger.Info("Starting task", zap.String("instruction", task.Instruction))
	r.agent.Reset(taskLogger)

	obs, err := r.env.Reset(ctx, task)
	if err != nil {
		return TaskResult{}, err
	}

	if r.cfg.Run.Record {
		if err := r.env.StartRecording(ctx); err != nil {
			return TaskResult{}, err
		}
	}

	steps, err := r.stepLoop(ctx, task, obs, outputDir, taskLogger)
	if err != nil {
		return TaskResult{}, err
	}

	if r.cfg.Run.Record {
		if err := r.env.EndRecording(ctx, filepath.Join(outputDir, recordingFile)); err != nil {
			taskLogger.Warn("Failed to save recording", zap.Error(err))
		}
	}

	score, err := r.env.Evaluate(ctx)
	if err != nil {
		return TaskResult{}, err
	}
	if err := os.WriteFile(filepath.Join(outputDir, resultFile), fmt.Appendf(nil, "%g\n", score), 0o644); err != nil {
		return TaskResult{}, fmt.Errorf("failed to write result: %w", err)
	}

	taskLogger.Info("Task finished", zap.Float64("score", score), zap.Int("steps", steps))
	return TaskResult{TaskID: task.ID, Score: score, Steps: steps, OutputDir: outputDir}, nil
}

// stepLoop runs predict/step until a terminal directive, environment done
// signal, or the step budget. Returns the number of steps consumed.
func (r *Runner) stepLoop(ctx context.Context, task schemas.Task, obs schemas.Observation, outputDir string, logger *zap.Logger) (int, error) {
	trajPath := filepath.Join(outputDir, trajectoryFile)
	traj, err := os.OpenFile(trajPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open trajectory file: %w", err)
	}
	defer traj.Close()

	for step := 0; step < r.cfg.Run.MaxSteps; step++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return step, err
		}

		meta, actions, err := r.agent.Predict(ctx, task.Instruction, obs)
		if err != nil {
			return step, fmt.Errorf("prediction failed at step %d: %w", step, err)
		}
		logger.Info("Predicted actions",
			zap.Int("step", step),
			zap.Strings("actions", actions),
			zap.String("model", meta.Model))

		for _, action := range actions {
			result, err := r.env.Step(ctx, action, r.cfg.Env.SleepAfterExecution)
			if err != nil {
				return step, fmt.Errorf("step %d failed: %w", step, err)
			}
			obs = result.Observation

			screenshotFile := fmt.Sprintf("step_%d_%s.png", step+1, r.now().Format("20060102_150405"))
			if err := os.WriteFile(filepath.Join(outputDir, screenshotFile), result.Observation.Screenshot, 0o644); err != nil {
				logger.Warn("Failed to persist screenshot", zap.Error(err))
			}

			record := stepRecord{
				StepNum:         step + 1,
				ActionTimestamp: r.now().Format("20060102@150405"),
				Action:          action,
				Response:        meta.Response,
				Reward:          result.Reward,
				Done:            result.Done,
				Info:            result.Info,
				ScreenshotFile:  screenshotFile,
			}
			if err := writeRecord(traj, record); err != nil {
				return step, err
			}

			if result.Done {
				logger.Info("Environment signaled done", zap.Int("step", step))
				return step + 1, nil
			}
			if action == schemas.ActionDone || action == schemas.ActionFail {
				logger.Info("Agent issued terminal directive",
					zap.Int("step", step), zap.String("directive", action))
				return step + 1, nil
			}
		}
	}

	logger.Info("Step budget exhausted", zap.Int("max_steps", r.cfg.Run.MaxSteps))
	return r.cfg.Run.MaxSteps, nil
}

func writeRecord(f *os.File, record stepRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode trajectory record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write trajectory record: %w", err)
	}
	return nil
}

// taskOutputDir mirrors the results layout: output/{obs_type}/{model}/{id}.
func (r *Runner) taskOutputDir(task schemas.Task) string {
	return filepath.Join(
		r.cfg.Run.OutputDir,
		string(r.cfg.Agent.ObservationType),
		r.cfg.Agent.Model,
		task.ID,
	)
}

// LoadTask reads one task definition from a JSON file. A missing ID falls
// back to the file's base name so ad-hoc examples still get a stable
// results directory.
func LoadTask(path string) (schemas.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schemas.Task{}, fmt.Errorf("failed to read task file: %w", err)
	}
	var task schemas.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return schemas.Task{}, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	if task.ID == "" {
		task.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if task.Instruction == "" {
		return schemas.Task{}, fmt.Errorf("task file %s has no instruction", path)
	}
	return task, nil
}

// LoadTasks reads every *.json task file under dir, sorted by name for a
// deterministic batch order.
func LoadTasks(dir string) ([]schemas.Task, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list task directory: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no task files found in %s", dir)
	}
	sort.Strings(matches)

	tasks := make([]schemas.Task, 0, len(matches))
	for _, path := range matches {
		task, err := LoadTask(path)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
