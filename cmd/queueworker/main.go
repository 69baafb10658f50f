// Command queueworker runs the filesystem-queue scheduler against a single
// repository: it ingests task files from .tasks/inbox, dispatches them
// through the resolver and runner, and retires them to done/failed/quarantine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayforge/queuework/internal/breaker"
	"github.com/relayforge/queuework/internal/config"
	"github.com/relayforge/queuework/internal/ledger"
	"github.com/relayforge/queuework/internal/logging"
	"github.com/relayforge/queuework/internal/resolver"
	"github.com/relayforge/queuework/internal/runner"
	"github.com/relayforge/queuework/internal/scheduler"
	"github.com/relayforge/queuework/internal/task"
)

var (
	flagRepo        string
	flagTasksDir    string
	flagStateDir    string
	flagLogsDir     string
	flagPluginsDir  string
	flagConfig      string
	flagPollSeconds int
	flagVerbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "queueworker",
	Short: "Run the filesystem-backed task queue worker",
	RunE:  runWorker,
}

func init() {
	wd, _ := os.Getwd()
	rootCmd.Flags().StringVar(&flagRepo, "repo", wd, "repository root the worker operates against")
	rootCmd.Flags().StringVar(&flagTasksDir, "tasks-dir", "", "queue directory (default <repo>/.tasks)")
	rootCmd.Flags().StringVar(&flagStateDir, "state-dir", "", "state directory (default <repo>/.state)")
	rootCmd.Flags().StringVar(&flagLogsDir, "logs-dir", "", "logs directory (default <repo>/logs)")
	rootCmd.Flags().StringVar(&flagPluginsDir, "plugins-dir", "", "plugin manifests directory (default <repo>/plugins)")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to queuework.yaml (default <repo>/queuework.yaml)")
	rootCmd.Flags().IntVar(&flagPollSeconds, "poll-seconds", 3, "idle poll interval in seconds")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	repo := flagRepo
	tasksDir := orDefault(flagTasksDir, filepath.Join(repo, ".tasks"))
	stateDir := orDefault(flagStateDir, filepath.Join(repo, ".state"))
	logsDir := orDefault(flagLogsDir, filepath.Join(repo, "logs"))
	pluginsDir := orDefault(flagPluginsDir, filepath.Join(repo, "plugins"))

	policy, err := config.Load(repo, flagConfig)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	log := logging.New(logging.Options{
		Path:       filepath.Join(logsDir, "queueworker.log"),
		MaxSizeMB:  policy.Queue.LogRotateMaxMB,
		MaxAgeDays: policy.Queue.LogKeepDays,
		Verbose:    flagVerbose,
	})

	runID := ledger.GenerateRunID()
	log.WithField("run_id", runID).WithField("repo", repo).Info("starting queueworker")

	reg := resolver.NewRegistry()
	if err := reg.LoadPlugins(pluginsDir, func(msg string) { log.Warn(msg) }); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}

	validator := task.NewValidator(repo, task.Defaults{
		MaxRetries: policy.Retry.DefaultMaxRetries,
		BackoffSec: policy.Retry.BackoffStartSeconds,
		BackoffMax: policy.Retry.BackoffMaxSeconds,
		JitterSec:  policy.Retry.JitterSeconds,
	})

	brk := breaker.New(filepath.Join(stateDir, "circuit_breakers.json"), policy.CircuitBreaker.WindowFailures, time.Duration(policy.CircuitBreaker.OpenSeconds)*time.Second)
	if err := brk.Load(); err != nil {
		return fmt.Errorf("load circuit breaker state: %w", err)
	}

	ldg := ledger.New(filepath.Join(logsDir, "ledger.jsonl"), policy.Queue.LogRotateMaxMB, policy.Queue.LogKeepDays)

	dirs := scheduler.NewDirs(repo, tasksDir, stateDir, logsDir)
	sched := scheduler.New(repo, dirs, policy, validator, reg, runner.New(), brk, ldg, log, runID, time.Duration(flagPollSeconds)*time.Second)

	if err := sched.Load(); err != nil {
		return fmt.Errorf("startup self-heal: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Run(ctx); err != nil {
		if err == context.Canceled {
			log.Info("shutting down on signal")
			return nil
		}
		return fmt.Errorf("scheduler loop: %w", err)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
