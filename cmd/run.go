// File: cmd/run.go
package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/regal-1/osworld-gpt4o-mini-evaluation/api/schemas"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/agent"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/config"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/desktopenv"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/observability"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/openai"
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/internal/runner"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the agent over one task file or a directory of tasks",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so command-line values override
			// the config file and environment variables.
			bindings := map[string]string{
				"run.example_file":            "example",
				"run.example_dir":             "example-dir",
				"run.output_dir":              "output-dir",
				"run.max_steps":               "max-steps",
				"run.record":                  "record",
				"agent.model":                 "model",
				"agent.observation_type":      "observation-type",
				"agent.max_trajectory_length": "max-trajectory-length",
				"agent.max_tokens":            "max-tokens",
				"agent.temperature":           "temperature",
				"agent.top_p":                 "top-p",
				"agent.client_password":       "client-password",
				"env.controller_url":          "controller-url",
			}
			for key, flag := range bindings {
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer observability.Sync()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			if cfg.Run.ExampleFile == "" && cfg.Run.ExampleDir == "" {
				return fmt.Errorf("either --example or --example-dir is required")
			}

			// Stop the batch cleanly on Ctrl-C; the current task's artifacts
			// stay on disk and the run can resume.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := observability.GetLogger()

			var tasks []schemas.Task
			if cfg.Run.ExampleFile != "" {
				task, err := runner.LoadTask(cfg.Run.ExampleFile)
				if err != nil {
					return err
				}
				tasks = []schemas.Task{task}
			} else {
				if tasks, err = runner.LoadTasks(cfg.Run.ExampleDir); err != nil {
					return err
				}
			}
			logger.Info("Loaded tasks",
				zap.Int("count", len(tasks)),
				zap.String("observation_type", string(cfg.Agent.ObservationType)))

			client, err := openai.NewClient(cfg.Agent, logger)
			if err != nil {
				return err
			}
			ag, err := agent.New(cfg.Agent, client, logger)
			if err != nil {
				return err
			}
			env := desktopenv.NewClient(cfg.Env, logger)
			defer func() {
				if err := env.Close(cmd.Context()); err != nil {
					logger.Warn("Failed to close environment", zap.Error(err))
				}
			}()

			summary, err := runner.New(*cfg, env, ag, logger).RunAll(ctx, tasks)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Tasks: %d  Average score: %.3f  Success rate: %.1f%%\n",
				len(summary.Results), summary.AverageScore, summary.SuccessRate*100)
			return nil
		},
	}

	flags := runCmd.Flags()
	flags.String("example", "", "path to a single task JSON file")
	flags.String("example-dir", "", "directory of task JSON files")
	flags.String("output-dir", "./results", "directory for run artifacts")
	flags.Int("max-steps", 30, "step budget per task")
	flags.Bool("record", true, "capture a screen recording per task")
	flags.String("model", "gpt-4o-mini", "model identifier for completions")
	flags.String("observation-type", string(schemas.ObservationScreenshot),
		"observation mode: screenshot or screenshot_a11y_tree")
	flags.Int("max-trajectory-length", 1, "number of previous turns replayed to the model")
	flags.Int("max-tokens", 1000, "completion token limit")
	flags.Float64("temperature", 0.5, "sampling temperature")
	flags.Float64("top-p", 0.9, "nucleus sampling parameter")
	flags.String("client-password", "password", "sudo password on the VM, injected into the system prompt")
	flags.String("controller-url", "http://localhost:5000", "base URL of the desktop VM controller")

	return runCmd
}
