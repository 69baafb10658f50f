package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relayforge/queuework/internal/breaker"
	"github.com/relayforge/queuework/internal/config"
	"github.com/relayforge/queuework/internal/ledger"
	"github.com/relayforge/queuework/internal/logging"
	"github.com/relayforge/queuework/internal/resolver"
	"github.com/relayforge/queuework/internal/runner"
	"github.com/relayforge/queuework/internal/task"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	repo := t.TempDir()
	tasksDir := filepath.Join(repo, ".tasks")
	stateDir := filepath.Join(repo, ".state")
	logsDir := filepath.Join(repo, "logs")
	dirs := NewDirs(repo, tasksDir, stateDir, logsDir)

	policy := config.Default()
	policy.Queue.MaxConcurrentTasks = 4
	policy.CircuitBreaker.WindowFailures = 3
	policy.CircuitBreaker.OpenSeconds = 300
	policy.Retry.RetryOnExitCodes = []int{1}

	v := task.NewValidator(repo, task.Defaults{
		MaxRetries: policy.Retry.DefaultMaxRetries,
		BackoffSec: 0,
		BackoffMax: 0,
		JitterSec:  0,
	})

	return New(
		repo, dirs, policy, v,
		resolver.NewRegistry(),
		runner.New(),
		breaker.New(dirs.Breaker, policy.CircuitBreaker.WindowFailures, time.Duration(policy.CircuitBreaker.OpenSeconds)*time.Second),
		ledger.New(filepath.Join(logsDir, "ledger.jsonl"), 10, 14),
		logging.New(logging.Options{}),
		"testrun",
		10*time.Millisecond,
	)
}

func writeInboxFile(t *testing.T, s *Scheduler, name, content string) {
	t.Helper()
	if err := os.MkdirAll(s.Dirs.Inbox, 0755); err != nil {
		t.Fatalf("mkdir inbox: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.Dirs.Inbox, name), []byte(content), 0644); err != nil {
		t.Fatalf("write inbox file: %v", err)
	}
}

// drainUntilIdle repeatedly reaps completions and re-dispatches until no
// tasks remain pending or running, or the timeout elapses.
func drainUntilIdle(t *testing.T, s *Scheduler, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.reapCompletions()
		s.skipDependencyFailures()
		s.dispatchReady()
		s.mu.Lock()
		idle := len(s.pending) == 0 && len(s.running) == 0
		s.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("scheduler did not drain within %s", timeout)
}

func TestHappyPathFileMovesToDone(t *testing.T) {
	s := newTestScheduler(t)
	writeInboxFile(t, s, "job1.jsonl", `{"id":"t1","tool":"echo","args":["hello"]}`+"\n")

	ok, err := s.ingestOneFile()
	if err != nil || !ok {
		t.Fatalf("ingestOneFile: ok=%v err=%v", ok, err)
	}

	s.dispatchReady()
	drainUntilIdle(t, s, 3*time.Second)

	if _, err := os.Stat(filepath.Join(s.Dirs.Done, "job1.jsonl")); err != nil {
		t.Fatalf("expected job1.jsonl in done/: %v", err)
	}
	records, err := ledger.Tail(s.Ledger.Path)
	if err != nil {
		t.Fatalf("tail ledger: %v", err)
	}
	if len(records) != 1 || !records[0].OK {
		t.Fatalf("expected one successful ledger record, got %+v", records)
	}
}

func TestSafetyRejectionMovesFileToFailed(t *testing.T) {
	s := newTestScheduler(t)
	writeInboxFile(t, s, "rollback.jsonl", `{"id":"t1","tool":"git","args":["checkout","-b","rollback/incident-12"]}`+"\n")

	ok, err := s.ingestOneFile()
	if err != nil || !ok {
		t.Fatalf("ingestOneFile: ok=%v err=%v", ok, err)
	}

	s.dispatchReady()
	drainUntilIdle(t, s, 3*time.Second)

	if _, err := os.Stat(filepath.Join(s.Dirs.Failed, "rollback.jsonl")); err != nil {
		t.Fatalf("expected rollback.jsonl in failed/: %v", err)
	}
	records, err := ledger.Tail(s.Ledger.Path)
	if err != nil {
		t.Fatalf("tail ledger: %v", err)
	}
	if len(records) != 1 || records[0].Exit != task.ExitSecurityViolation {
		t.Fatalf("expected one exit-403 ledger record, got %+v", records)
	}
	if !strings.Contains(records[0].Note, "SECURITY") {
		t.Fatalf("expected ledger note to carry the security rejection reason, got %q", records[0].Note)
	}
}

func TestFailedAttemptCarriesCreatedByIntoLedgerNote(t *testing.T) {
	s := newTestScheduler(t)
	writeInboxFile(t, s, "createdby.jsonl", `{"id":"t1","tool":"sh","args":["-c","exit 1"],"max_retries":0,"created_by":"webhook-producer"}`+"\n")

	ok, err := s.ingestOneFile()
	if err != nil || !ok {
		t.Fatalf("ingestOneFile: ok=%v err=%v", ok, err)
	}

	s.dispatchReady()
	drainUntilIdle(t, s, 3*time.Second)

	records, err := ledger.Tail(s.Ledger.Path)
	if err != nil {
		t.Fatalf("tail ledger: %v", err)
	}
	if len(records) != 1 || records[0].OK {
		t.Fatalf("expected one failed ledger record, got %+v", records)
	}
	if !strings.Contains(records[0].Note, "webhook-producer") {
		t.Fatalf("expected ledger note to carry created_by, got %q", records[0].Note)
	}
}

func TestCircuitBreakerOpensThenQuarantinesNextFile(t *testing.T) {
	s := newTestScheduler(t)

	for i := 0; i < 3; i++ {
		name := "fail" + string(rune('a'+i)) + ".jsonl"
		writeInboxFile(t, s, name, `{"id":"f`+string(rune('a'+i))+`","tool":"sh","args":["-c","exit 1"],"max_retries":0}`+"\n")
		ok, err := s.ingestOneFile()
		if err != nil || !ok {
			t.Fatalf("ingest %s: ok=%v err=%v", name, ok, err)
		}
		s.dispatchReady()
		drainUntilIdle(t, s, 3*time.Second)
	}

	if !s.Breaker.IsOpen("sh", s.Now()) {
		t.Fatalf("expected breaker for tool sh to be open after 3 failures")
	}

	writeInboxFile(t, s, "quarantined.jsonl", `{"id":"q1","tool":"sh","args":["-c","exit 0"]}`+"\n")
	ok, err := s.ingestOneFile()
	if err != nil || !ok {
		t.Fatalf("ingest quarantined file: ok=%v err=%v", ok, err)
	}

	if _, err := os.Stat(filepath.Join(s.Dirs.Quarantine, "quarantined.jsonl")); err != nil {
		t.Fatalf("expected quarantined.jsonl in quarantine/: %v", err)
	}
	if _, ok := s.pending["q1"]; ok {
		t.Fatalf("quarantined task should never have been committed to pending")
	}
}

func TestDependencyFailureSkipsWithExit409(t *testing.T) {
	s := newTestScheduler(t)
	writeInboxFile(t, s, "chain.jsonl",
		`{"id":"base","tool":"sh","args":["-c","exit 1"],"max_retries":0}`+"\n"+
			`{"id":"dependent","tool":"echo","args":["hi"],"depends_on":["base"]}`+"\n")

	ok, err := s.ingestOneFile()
	if err != nil || !ok {
		t.Fatalf("ingestOneFile: ok=%v err=%v", ok, err)
	}

	s.dispatchReady()
	drainUntilIdle(t, s, 3*time.Second)

	res, ok := s.results["dependent"]
	if !ok {
		t.Fatalf("expected a recorded result for dependent")
	}
	if res.Success || res.Exit != task.ExitDependencyFailed {
		t.Fatalf("expected dependent to be skipped with exit 409, got %+v", res)
	}
	if _, err := os.Stat(filepath.Join(s.Dirs.Failed, "chain.jsonl")); err != nil {
		t.Fatalf("expected chain.jsonl in failed/ (base task failed): %v", err)
	}
}

func TestRunAtDefersDispatchUntilDue(t *testing.T) {
	s := newTestScheduler(t)
	future := s.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	writeInboxFile(t, s, "later.jsonl", `{"id":"later1","tool":"echo","args":["hi"],"run_at":"`+future+`"}`+"\n")

	ok, err := s.ingestOneFile()
	if err != nil || !ok {
		t.Fatalf("ingestOneFile: ok=%v err=%v", ok, err)
	}

	dispatched := s.dispatchReady()
	if dispatched {
		t.Fatalf("expected no dispatch for a task scheduled an hour in the future")
	}
	s.mu.Lock()
	_, stillPending := s.pending["later1"]
	s.mu.Unlock()
	if !stillPending {
		t.Fatalf("expected later1 to remain pending, not run early")
	}
}

func TestLoadRecoversStaleProcessingFile(t *testing.T) {
	s := newTestScheduler(t)
	if err := os.MkdirAll(s.Dirs.Processing, 0755); err != nil {
		t.Fatalf("mkdir processing: %v", err)
	}
	stalePath := filepath.Join(s.Dirs.Processing, "orphaned.jsonl")
	if err := os.WriteFile(stalePath, []byte(`{"id":"o1","tool":"echo","args":["hi"]}`+"\n"), 0644); err != nil {
		t.Fatalf("write orphaned file: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stalePath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := os.Stat(filepath.Join(s.Dirs.Inbox, "orphaned.jsonl")); err != nil {
		t.Fatalf("expected orphaned.jsonl recovered into inbox/: %v", err)
	}
}
