// Package config loads the immutable worker policy.
//
// Precedence (highest to lowest): environment variables (QUEUEWORK_*),
// the config file (the path given by the --config flag, else
// queuework.yaml in the repo), then built-in defaults. Command-line
// flags select the config file; they do not override individual policy
// fields. Once Load returns, the Policy is treated as read-only for the
// lifetime of the worker process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is the immutable configuration for a worker run.
type Policy struct {
	Queue          QueuePolicy          `yaml:"queue" json:"queue"`
	Retry          RetryPolicy          `yaml:"retry" json:"retry"`
	CircuitBreaker CircuitBreakerPolicy `yaml:"circuit_breaker" json:"circuit_breaker"`
	Git            GitPolicy            `yaml:"git" json:"git"`
}

// QueuePolicy holds scheduler and logging knobs.
type QueuePolicy struct {
	MaxConcurrentTasks             int `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	RecoveryProcessingStaleMinutes int `yaml:"recovery_processing_stale_minutes" json:"recovery_processing_stale_minutes"`
	HeartbeatEverySeconds          int `yaml:"heartbeat_every_seconds" json:"heartbeat_every_seconds"`
	LogRotateMaxMB                 int `yaml:"log_rotate_max_mb" json:"log_rotate_max_mb"`
	LogKeepDays                    int `yaml:"log_keep_days" json:"log_keep_days"`
}

// RetryPolicy holds default retry/backoff knobs; tasks may override per-task.
type RetryPolicy struct {
	DefaultMaxRetries  int   `yaml:"default_max_retries" json:"default_max_retries"`
	BackoffStartSeconds int  `yaml:"backoff_start_seconds" json:"backoff_start_seconds"`
	BackoffMaxSeconds  int   `yaml:"backoff_max_seconds" json:"backoff_max_seconds"`
	JitterSeconds      int   `yaml:"jitter_seconds" json:"jitter_seconds"`
	RetryOnExitCodes   []int `yaml:"retry_on_exit_codes" json:"retry_on_exit_codes"`
}

// RetryableExit reports whether exit should trigger a retry under this policy.
func (r RetryPolicy) RetryableExit(exit int) bool {
	for _, c := range r.RetryOnExitCodes {
		if c == exit {
			return true
		}
	}
	return false
}

// CircuitBreakerPolicy controls per-tool failure isolation.
type CircuitBreakerPolicy struct {
	WindowFailures int `yaml:"window_failures" json:"window_failures"`
	OpenSeconds    int `yaml:"open_seconds" json:"open_seconds"`
}

// GitPolicy controls version-control self-healing.
type GitPolicy struct {
	IndexLockStaleMinutes int  `yaml:"index_lock_stale_minutes" json:"index_lock_stale_minutes"`
	AutoGC                bool `yaml:"auto_gc" json:"auto_gc"`
	GcEveryMinutes        int  `yaml:"gc_every_minutes" json:"gc_every_minutes"`
}

// Default returns the built-in default policy.
func Default() *Policy {
	return &Policy{
		Queue: QueuePolicy{
			MaxConcurrentTasks:             4,
			RecoveryProcessingStaleMinutes: 10,
			HeartbeatEverySeconds:          5,
			LogRotateMaxMB:                 10,
			LogKeepDays:                    14,
		},
		Retry: RetryPolicy{
			DefaultMaxRetries:   2,
			BackoffStartSeconds: 5,
			BackoffMaxSeconds:   120,
			JitterSeconds:       3,
			RetryOnExitCodes:    []int{1, 998},
		},
		CircuitBreaker: CircuitBreakerPolicy{
			WindowFailures: 3,
			OpenSeconds:    300,
		},
		Git: GitPolicy{
			IndexLockStaleMinutes: 5,
			AutoGC:                false,
			GcEveryMinutes:        360,
		},
	}
}

// Load resolves the policy: built-in defaults, overlaid by the config file
// (flagPath if non-empty, else "queuework.yaml" in repoDir), overlaid by
// QUEUEWORK_* environment variables, so environment beats file beats
// defaults. A missing file is not an error; a malformed one is
// (startup-fatal per spec.md Error Handling §1).
func Load(repoDir, flagPath string) (*Policy, error) {
	p := Default()

	path := strings.TrimSpace(flagPath)
	if path == "" {
		path = defaultPath(repoDir)
	}

	if path != "" {
		fileCfg, err := loadFromPath(path)
		if err != nil {
			if os.IsNotExist(err) {
				// absent config file is fine, defaults stand
			} else {
				return nil, fmt.Errorf("load policy %s: %w", path, err)
			}
		} else {
			merge(p, fileCfg)
		}
	}

	applyEnv(p)

	return p, nil
}

func defaultPath(repoDir string) string {
	if repoDir == "" {
		return "queuework.yaml"
	}
	return repoDir + string(os.PathSeparator) + "queuework.yaml"
}

func loadFromPath(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &p, nil
}

// merge overlays non-zero fields from src onto dst.
func merge(dst, src *Policy) {
	if src.Queue.MaxConcurrentTasks != 0 {
		dst.Queue.MaxConcurrentTasks = src.Queue.MaxConcurrentTasks
	}
	if src.Queue.RecoveryProcessingStaleMinutes != 0 {
		dst.Queue.RecoveryProcessingStaleMinutes = src.Queue.RecoveryProcessingStaleMinutes
	}
	if src.Queue.HeartbeatEverySeconds != 0 {
		dst.Queue.HeartbeatEverySeconds = src.Queue.HeartbeatEverySeconds
	}
	if src.Queue.LogRotateMaxMB != 0 {
		dst.Queue.LogRotateMaxMB = src.Queue.LogRotateMaxMB
	}
	if src.Queue.LogKeepDays != 0 {
		dst.Queue.LogKeepDays = src.Queue.LogKeepDays
	}
	if src.Retry.DefaultMaxRetries != 0 {
		dst.Retry.DefaultMaxRetries = src.Retry.DefaultMaxRetries
	}
	if src.Retry.BackoffStartSeconds != 0 {
		dst.Retry.BackoffStartSeconds = src.Retry.BackoffStartSeconds
	}
	if src.Retry.BackoffMaxSeconds != 0 {
		dst.Retry.BackoffMaxSeconds = src.Retry.BackoffMaxSeconds
	}
	if src.Retry.JitterSeconds != 0 {
		dst.Retry.JitterSeconds = src.Retry.JitterSeconds
	}
	if len(src.Retry.RetryOnExitCodes) > 0 {
		dst.Retry.RetryOnExitCodes = src.Retry.RetryOnExitCodes
	}
	if src.CircuitBreaker.WindowFailures != 0 {
		dst.CircuitBreaker.WindowFailures = src.CircuitBreaker.WindowFailures
	}
	if src.CircuitBreaker.OpenSeconds != 0 {
		dst.CircuitBreaker.OpenSeconds = src.CircuitBreaker.OpenSeconds
	}
	if src.Git.IndexLockStaleMinutes != 0 {
		dst.Git.IndexLockStaleMinutes = src.Git.IndexLockStaleMinutes
	}
	if src.Git.GcEveryMinutes != 0 {
		dst.Git.GcEveryMinutes = src.Git.GcEveryMinutes
	}
	dst.Git.AutoGC = dst.Git.AutoGC || src.Git.AutoGC
}

// applyEnv applies QUEUEWORK_* environment overrides on top of the file/defaults.
func applyEnv(p *Policy) {
	if v, ok := envInt("QUEUEWORK_MAX_CONCURRENT_TASKS"); ok {
		p.Queue.MaxConcurrentTasks = v
	}
	if v, ok := envInt("QUEUEWORK_HEARTBEAT_EVERY_SECONDS"); ok {
		p.Queue.HeartbeatEverySeconds = v
	}
	if v, ok := envInt("QUEUEWORK_DEFAULT_MAX_RETRIES"); ok {
		p.Retry.DefaultMaxRetries = v
	}
	if v := strings.TrimSpace(os.Getenv("QUEUEWORK_AUTO_GC")); v == "true" || v == "1" {
		p.Git.AutoGC = true
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
