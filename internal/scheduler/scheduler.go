// Package scheduler runs the worker's main loop: it ingests inbox files,
// tracks per-file and per-task state in memory, dispatches ready tasks
// through the resolver and runner, reaps their results into the ledger and
// circuit breaker, and retires finished files to done/failed/quarantine.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relayforge/queuework/internal/breaker"
	"github.com/relayforge/queuework/internal/config"
	"github.com/relayforge/queuework/internal/healer"
	"github.com/relayforge/queuework/internal/ledger"
	"github.com/relayforge/queuework/internal/resolver"
	"github.com/relayforge/queuework/internal/runner"
	"github.com/relayforge/queuework/internal/task"
)

// Dirs collects the queue's filesystem layout, rooted under a repo's tasks,
// state and logs directories (and the repo itself for the stop sentinel).
type Dirs struct {
	Inbox      string
	Processing string
	Done       string
	Failed     string
	Quarantine string
	Logs       string
	Prompts    string
	Heartbeat  string
	Breaker    string
	Running    string
	Sentinel   string
}

// NewDirs derives the standard queue layout from repo-relative tasks, state
// and logs roots.
func NewDirs(repo, tasksDir, stateDir, logsDir string) Dirs {
	return Dirs{
		Inbox:      filepath.Join(tasksDir, "inbox"),
		Processing: filepath.Join(tasksDir, "processing"),
		Done:       filepath.Join(tasksDir, "done"),
		Failed:     filepath.Join(tasksDir, "failed"),
		Quarantine: filepath.Join(tasksDir, "quarantine"),
		Logs:       logsDir,
		Prompts:    filepath.Join(logsDir, "prompts"),
		Heartbeat:  filepath.Join(stateDir, "heartbeat.json"),
		Breaker:    filepath.Join(stateDir, "circuit_breakers.json"),
		Running:    filepath.Join(stateDir, "running_tasks.json"),
		Sentinel:   filepath.Join(repo, "STOP.HEADLESS"),
	}
}

// runningJob tracks one in-flight dispatch until its completion is reaped.
type runningJob struct {
	entry   *task.PendingEntry
	started time.Time
}

// completion is what a dispatched goroutine reports back to the loop.
type completion struct {
	id     string
	result runner.Result
}

// Scheduler owns all in-memory queue state for a single worker process.
type Scheduler struct {
	Repo   string
	Dirs   Dirs
	Policy *config.Policy

	Validator *task.Validator
	Resolver  *resolver.Registry
	Runner    *runner.Runner
	Breaker   *breaker.Breaker
	Ledger    *ledger.Ledger
	Log       *logrus.Logger
	RunID     string

	PollInterval time.Duration
	Now          func() time.Time

	mu           sync.Mutex
	pending      map[string]*task.PendingEntry
	fileContexts map[string]*task.FileContext
	results      map[string]task.Result
	toolLocks    map[string]string

	running     map[string]*runningJob
	completions chan completion
}

// New builds a Scheduler. Callers must call Load before Run to perform the
// startup self-heal scan.
func New(repo string, dirs Dirs, policy *config.Policy, v *task.Validator, reg *resolver.Registry, run *runner.Runner, br *breaker.Breaker, lg *ledger.Ledger, log *logrus.Logger, runID string, pollInterval time.Duration) *Scheduler {
	return &Scheduler{
		Repo:         repo,
		Dirs:         dirs,
		Policy:       policy,
		Validator:    v,
		Resolver:     reg,
		Runner:       run,
		Breaker:      br,
		Ledger:       lg,
		Log:          log,
		RunID:        runID,
		PollInterval: pollInterval,
		Now:          time.Now,
		pending:      make(map[string]*task.PendingEntry),
		fileContexts: make(map[string]*task.FileContext),
		results:      make(map[string]task.Result),
		toolLocks:    make(map[string]string),
		running:      make(map[string]*runningJob),
		completions:  make(chan completion, 4096),
	}
}

// Load performs the one-shot startup recovery pass: any *.jsonl file left
// behind in processing/ by a crashed prior run is moved back to inbox/ so it
// gets re-ingested on the next tick.
func (s *Scheduler) Load() error {
	staleAfter := time.Duration(s.Policy.Queue.RecoveryProcessingStaleMinutes) * time.Minute
	recovered, err := healer.RecoverStaleProcessing(s.Dirs.Processing, s.Dirs.Inbox, staleAfter, s.Now())
	if err != nil {
		return fmt.Errorf("recover stale processing files: %w", err)
	}
	for _, name := range recovered {
		s.Log.WithField("file", name).Warn("recovered stale processing file to inbox")
	}
	return nil
}

// Run drives the main loop until the stop sentinel is observed and all
// running tasks have drained, or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.writeHeartbeatLocked()
		s.healGit()

		stopRequested := s.sentinelPresent()

		s.reapCompletions()
		s.skipDependencyFailures()

		didWork := false
		if !stopRequested {
			didWork = s.dispatchReady() || didWork
			ingested, err := s.ingestOneFile()
			if err != nil {
				s.Log.WithField("error", err.Error()).Error("ingest failed")
			}
			didWork = ingested || didWork
		}

		runningCount := s.runningCount()

		if stopRequested && runningCount == 0 {
			_ = ledger.WriteRunningTasks(s.Dirs.Running, nil)
			s.Log.Info("stop sentinel observed and all tasks drained, exiting")
			return nil
		}

		if !didWork && runningCount == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.PollInterval):
			}
		}
	}
}

func (s *Scheduler) sentinelPresent() bool {
	_, err := os.Stat(s.Dirs.Sentinel)
	return err == nil
}

func (s *Scheduler) healGit() {
	staleAfter := time.Duration(s.Policy.Git.IndexLockStaleMinutes) * time.Minute
	removed, err := healer.HealGitIndexLock(s.Repo, staleAfter, s.Now())
	if err != nil {
		s.Log.WithField("error", err.Error()).Warn("git index lock heal check failed")
		return
	}
	if removed {
		s.Log.Warn("removed stale .git/index.lock")
	}
}

func (s *Scheduler) writeHeartbeatLocked() {
	s.mu.Lock()
	running := len(s.running)
	s.mu.Unlock()

	hb := ledger.Heartbeat{
		Timestamp: s.Now(),
		PID:       os.Getpid(),
		Running:   running,
		Max:       s.Policy.Queue.MaxConcurrentTasks,
		RunID:     s.RunID,
	}
	if err := ledger.WriteHeartbeat(s.Dirs.Heartbeat, hb); err != nil {
		s.Log.WithField("error", err.Error()).Error("write heartbeat failed")
	}
}

func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// sortedReady returns pending entries eligible to run right now, ordered by
// priority descending then insertion order ascending.
func (s *Scheduler) sortedReady(now time.Time) []*task.PendingEntry {
	var ready []*task.PendingEntry
	for _, e := range s.pending {
		if e.State != task.StatePending {
			continue
		}
		if e.Task.RunAt != nil && now.Before(*e.Task.RunAt) {
			continue
		}
		if _, locked := s.toolLocks[e.Task.Tool]; locked {
			continue
		}
		if !s.dependenciesSatisfied(e.Task) {
			continue
		}
		ready = append(ready, e)
	}
	sort.SliceStable(ready, func(i, j int) bool {
		ri, rj := ready[i].Task.Priority.Rank(), ready[j].Task.Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return ready[i].Added.Before(ready[j].Added)
	})
	return ready
}

// dependenciesSatisfied reports whether every depends_on id has already
// resolved successfully. Caller must hold s.mu.
func (s *Scheduler) dependenciesSatisfied(t task.Task) bool {
	for _, dep := range t.DependsOn {
		r, ok := s.results[dep]
		if !ok || !r.Success {
			return false
		}
	}
	return true
}

// dispatchReady selects ready entries in priority order and launches them
// until the concurrency cap or the tool-lock set is exhausted. Returns true
// if anything was dispatched.
func (s *Scheduler) dispatchReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dispatched := false
	maxConcurrent := s.Policy.Queue.MaxConcurrentTasks

	for _, entry := range s.sortedReady(s.Now()) {
		if len(s.running) >= maxConcurrent {
			break
		}
		if _, locked := s.toolLocks[entry.Task.Tool]; locked {
			continue
		}

		entry.State = task.StateRunning
		s.toolLocks[entry.Task.Tool] = entry.Task.ID
		s.running[entry.Task.ID] = &runningJob{entry: entry, started: s.Now()}
		dispatched = true

		s.launch(entry)
	}

	s.writeRunningTasksLocked()
	return dispatched
}

// launch starts a task's command in a goroutine; completion is reported
// asynchronously over s.completions so the main loop never blocks on it.
func (s *Scheduler) launch(entry *task.PendingEntry) {
	t := entry.Task

	go func() {
		cmd, err := s.Resolver.Resolve(t, s.promptFilePath(t))
		if err != nil {
			result := runner.Result{
				Success:   false,
				FinalExit: task.ExitSecurityViolation,
				Started:   s.Now(),
				Ended:     s.Now(),
				Attempts: []runner.Attempt{{
					Number:  t.Attempt + 1,
					Exit:    task.ExitSecurityViolation,
					Started: s.Now(),
					Ended:   s.Now(),
					Note:    err.Error(),
				}},
			}
			s.Log.WithField("tool", t.Tool).WithField("id", t.ID).WithField("error", err.Error()).Warn("resolver rejected task")
			s.completions <- completion{id: t.ID, result: result}
			return
		}

		policy := runner.RetryPolicy{
			BackoffStartSeconds: t.BackoffSec,
			BackoffMaxSeconds:   t.BackoffMax,
			JitterSeconds:       t.JitterSec,
			RetryableExit:       s.Policy.Retry.RetryableExit,
		}

		logPath := filepath.Join(s.Dirs.Logs, fmt.Sprintf("task_%s.log", t.ID))
		result := s.Runner.Run(context.Background(), cmd.Executable, cmd.Arguments, logPath, t.TimeoutSec, t.MaxRetries, policy, t.Attempt)
		s.completions <- completion{id: t.ID, result: result}
	}()
}

// promptFilePath materializes a task's free-text prompt to a file the AI
// tool builtins pass via --message-file, matching the argv convention the
// resolver expects. Tasks without a prompt get no file.
func (s *Scheduler) promptFilePath(t task.Task) string {
	if t.Prompt == "" {
		return ""
	}
	path := filepath.Join(s.Dirs.Prompts, t.ID+".md")
	if err := os.MkdirAll(s.Dirs.Prompts, 0755); err != nil {
		s.Log.WithField("error", err.Error()).Warn("create prompts dir failed")
		return ""
	}
	if err := os.WriteFile(path, []byte(t.Prompt), 0644); err != nil {
		s.Log.WithField("error", err.Error()).Warn("write prompt file failed")
		return ""
	}
	return path
}

// reapCompletions drains every result currently available without blocking,
// updates the ledger/breaker/results state, and retires finished files.
func (s *Scheduler) reapCompletions() {
	for {
		select {
		case c := <-s.completions:
			s.handleCompletion(c)
		default:
			return
		}
	}
}

func (s *Scheduler) handleCompletion(c completion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[c.id]
	if !ok {
		return
	}
	t := entry.Task

	delete(s.toolLocks, t.Tool)
	delete(s.running, t.ID)

	for _, a := range c.result.Attempts {
		_ = s.Ledger.Append(ledger.Record{
			TS:         a.Ended,
			ID:         t.ID,
			Tool:       t.Tool,
			Attempt:    a.Number,
			Exit:       a.Exit,
			OK:         a.Exit == 0,
			Repo:       t.Repo,
			DurationMs: a.DurationMs,
			Note:       attemptNote(a, t),
		})
	}

	if c.result.Success {
		_ = s.Breaker.RecordSuccess(t.Tool)
	} else {
		_ = s.Breaker.RecordFailure(t.Tool, s.Now())
	}

	s.results[t.ID] = task.Result{Success: c.result.Success, Exit: c.result.FinalExit}
	entry.State = task.StateComplete

	if c.result.Success && t.RecurringMinutes > 0 {
		if err := s.scheduleRecurrence(t); err != nil {
			s.Log.WithField("id", t.ID).WithField("error", err.Error()).Warn("failed to enqueue recurring copy")
		}
	}

	s.retireFileEntry(entry, c.result.Success)
	s.writeRunningTasksLocked()
}

// attemptNote builds the ledger record's note for one attempt: a resolver
// rejection's reason (e.g. a security violation) takes precedence, and on
// any failed attempt the task's CreatedBy is appended for operator triage.
func attemptNote(a runner.Attempt, t task.Task) string {
	note := a.Note
	if a.Exit != 0 && t.CreatedBy != "" {
		if note != "" {
			note += "; created_by: " + t.CreatedBy
		} else {
			note = "created_by: " + t.CreatedBy
		}
	}
	return note
}

// retireFileEntry bumps the owning file context's counters and, once every
// task the file declared has resolved, moves the source file to its final
// resting place.
func (s *Scheduler) retireFileEntry(entry *task.PendingEntry, success bool) {
	fc := entry.File
	if fc == nil {
		return
	}
	fc.Completed++
	if !success {
		fc.Failures++
	}
	delete(s.pending, entry.Task.ID)

	if !fc.Done() {
		return
	}

	destDir := s.Dirs.Done
	if fc.Failures > 0 {
		destDir = s.Dirs.Failed
	}
	src := filepath.Join(s.Dirs.Processing, fc.Name)
	if _, err := moveFile(src, destDir); err != nil {
		s.Log.WithField("file", fc.Name).WithField("error", err.Error()).Error("failed to retire finished task file")
	}
	delete(s.fileContexts, fc.Name)
}

// scheduleRecurrence writes a fresh single-task inbox file cloning t with a
// new id, attempt reset to zero, dependencies dropped, and run_at pushed out
// by RecurringMinutes.
func (s *Scheduler) scheduleRecurrence(t task.Task) error {
	next := t
	next.ID = t.ID + "_" + task.GenerateID()
	next.Attempt = 0
	next.DependsOn = nil
	runAt := s.Now().Add(time.Duration(t.RecurringMinutes) * time.Minute)
	next.RunAt = &runAt

	data, err := marshalTaskLine(next)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("recur_%s_%s.jsonl", t.ID, s.Now().Format("150405"))
	path := filepath.Join(s.Dirs.Inbox, name)
	if err := os.MkdirAll(s.Dirs.Inbox, 0755); err != nil {
		return err
	}
	return writeTempThenRename(path, data)
}

// skipDependencyFailures completes, with a dependency-failed result, any
// pending entry whose depends_on already names a failed task.
func (s *Scheduler) skipDependencyFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.pending {
		if entry.State != task.StatePending {
			continue
		}
		if !s.hasFailedDependency(entry.Task) {
			continue
		}

		s.results[id] = task.Result{Success: false, Exit: task.ExitDependencyFailed, Reason: "dependency failed"}
		entry.State = task.StateComplete

		_ = s.Ledger.Append(ledger.Record{
			TS:   s.Now(),
			ID:   id,
			Tool: entry.Task.Tool,
			Exit: task.ExitDependencyFailed,
			OK:   false,
			Repo: entry.Task.Repo,
			Note: "skipped: dependency failed",
		})

		s.retireFileEntry(entry, false)
	}
}

func (s *Scheduler) hasFailedDependency(t task.Task) bool {
	for _, dep := range t.DependsOn {
		if r, ok := s.results[dep]; ok && !r.Success {
			return true
		}
	}
	return false
}

func (s *Scheduler) writeRunningTasksLocked() {
	tasks := make([]ledger.RunningTask, 0, len(s.running))
	for id, job := range s.running {
		tasks = append(tasks, ledger.RunningTask{
			ID:       id,
			Tool:     job.entry.Task.Tool,
			Repo:     job.entry.Task.Repo,
			Started:  job.started,
			File:     job.entry.SourceFile,
			Priority: string(job.entry.Task.Priority),
			Attempt:  job.entry.Task.Attempt,
			RunID:    s.RunID,
		})
	}
	if err := ledger.WriteRunningTasks(s.Dirs.Running, tasks); err != nil {
		s.Log.WithField("error", err.Error()).Error("write running tasks snapshot failed")
	}
}
