// Package task defines the queue runner's unit of work and the validation
// that turns a raw decoded line into a canonical Task.
package task

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority is one of the three scheduling priority literals.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric ordering used by dispatch: high=2, normal=1, low=0.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Task is the atomic unit of work, decoded from one JSON line in an inbox file.
type Task struct {
	ID               string   `json:"id"`
	Tool             string   `json:"tool"`
	Repo             string   `json:"repo,omitempty"`
	Priority         Priority `json:"priority,omitempty"`
	Args             []string `json:"args,omitempty"`
	Flags            []string `json:"flags,omitempty"`
	Files            []string `json:"files,omitempty"`
	Prompt           string   `json:"prompt,omitempty"`
	MaxRetries       int      `json:"max_retries"`
	BackoffSec       int      `json:"backoff_sec"`
	BackoffMax       int      `json:"backoff_max"`
	JitterSec        int      `json:"jitter_sec"`
	Attempt          int      `json:"attempt"`
	DependsOn        []string `json:"depends_on,omitempty"`
	RunAt            *time.Time `json:"run_at,omitempty"`
	RecurringMinutes int      `json:"recurring_minutes"`
	TimeoutSec       int      `json:"timeout_sec"`
	CreatedBy        string   `json:"created_by,omitempty"`
}

// rawTask mirrors Task but keeps RunAt as a string so the validator can parse
// it explicitly and report a precise error.
type rawTask struct {
	ID               string   `json:"id"`
	Tool             string   `json:"tool"`
	Repo             string   `json:"repo"`
	Priority         string   `json:"priority"`
	Args             []string `json:"args"`
	Flags            []string `json:"flags"`
	Files            []string `json:"files"`
	Prompt           string   `json:"prompt"`
	MaxRetries       *int     `json:"max_retries"`
	BackoffSec       *int     `json:"backoff_sec"`
	BackoffMax       *int     `json:"backoff_max"`
	JitterSec        *int     `json:"jitter_sec"`
	Attempt          int      `json:"attempt"`
	DependsOn        []string `json:"depends_on"`
	RunAt            string   `json:"run_at"`
	RecurringMinutes int      `json:"recurring_minutes"`
	TimeoutSec       int      `json:"timeout_sec"`
	CreatedBy        string   `json:"created_by"`
}

// Defaults supplies the policy-derived fallbacks the Validator applies when a
// task line omits a field. It mirrors the subset of config.Policy the
// validator needs without importing the config package, keeping task
// dependency-free.
type Defaults struct {
	MaxRetries int
	BackoffSec int
	BackoffMax int
	JitterSec  int
}

// Validator canonicalizes decoded task lines into Task values.
type Validator struct {
	Defaults Defaults
	Repo     string
}

// NewValidator builds a Validator bound to a default repo path and retry
// defaults sourced from policy.
func NewValidator(repo string, d Defaults) *Validator {
	return &Validator{Defaults: d, Repo: repo}
}

// Decode parses one non-blank JSON line into a canonical Task. It never
// returns a partially-defaulted Task on error: callers must treat any error
// as a file-level parse failure (spec: the whole source file moves to
// failed/, not just the bad line).
func (v *Validator) Decode(line []byte) (Task, error) {
	var raw rawTask
	if err := json.Unmarshal(line, &raw); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}

	tool := strings.ToLower(strings.TrimSpace(raw.Tool))
	if tool == "" {
		return Task{}, fmt.Errorf("task %q: tool is required", raw.ID)
	}

	id := strings.TrimSpace(raw.ID)
	if id == "" {
		id = GenerateID()
	}

	repo := strings.TrimSpace(raw.Repo)
	if repo == "" {
		repo = v.Repo
	}

	priority := Priority(strings.ToLower(strings.TrimSpace(raw.Priority)))
	switch priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		priority = PriorityNormal
	}

	t := Task{
		ID:               id,
		Tool:             tool,
		Repo:             repo,
		Priority:         priority,
		Args:             raw.Args,
		Flags:            raw.Flags,
		Files:            raw.Files,
		Prompt:           raw.Prompt,
		MaxRetries:       intOrDefault(raw.MaxRetries, v.Defaults.MaxRetries),
		BackoffSec:       intOrDefault(raw.BackoffSec, v.Defaults.BackoffSec),
		BackoffMax:       intOrDefault(raw.BackoffMax, v.Defaults.BackoffMax),
		JitterSec:        intOrDefault(raw.JitterSec, v.Defaults.JitterSec),
		Attempt:          raw.Attempt,
		DependsOn:        stripEmpty(raw.DependsOn),
		RecurringMinutes: raw.RecurringMinutes,
		TimeoutSec:       raw.TimeoutSec,
		CreatedBy:        capCreatedBy(raw.CreatedBy),
	}

	if strings.TrimSpace(raw.RunAt) != "" {
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(raw.RunAt))
		if err != nil {
			return Task{}, fmt.Errorf("task %q: bad run_at: %w", id, err)
		}
		t.RunAt = &ts
	}

	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return Task{}, fmt.Errorf("task %q: self-dependency in depends_on", id)
		}
	}

	return t, nil
}

// maxCreatedByLen bounds the free-form producer-identity field: never
// validated beyond this length cap (spec: "never required, never validated
// beyond length capping").
const maxCreatedByLen = 200

func capCreatedBy(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxCreatedByLen {
		return s[:maxCreatedByLen]
	}
	return s
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func stripEmpty(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GenerateID produces a 10-char hex task id, unique within a worker lifetime.
func GenerateID() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%010x", time.Now().UnixNano()&0xffffffffff)
	}
	return hex.EncodeToString(b)
}

// State is a Pending Entry's lifecycle stage.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateComplete State = "complete"
)

// PendingEntry wraps a Task with scheduler bookkeeping.
type PendingEntry struct {
	Task       Task
	SourceFile string
	State      State
	Added      time.Time
	File       *FileContext
}

// FileContext tracks one ingested inbox file until all its declared tasks
// resolve, at which point the scheduler moves the source file to its final
// folder.
type FileContext struct {
	Name      string
	Total     int
	Completed int
	Failures  int
}

// Done reports whether every task declared by this file has resolved.
func (f *FileContext) Done() bool {
	return f.Completed >= f.Total
}

// Result is the in-memory, per-task-id outcome referenced by dependents.
type Result struct {
	Success bool
	Exit    int
	Reason  string
}

// Special exit codes recorded in ledger entries and task results.
const (
	ExitExecutableNotFound = 127
	ExitSecurityViolation  = 403
	ExitDependencyFailed   = 409
	ExitTimeout            = 998
	ExitParseFailure       = 999
)
