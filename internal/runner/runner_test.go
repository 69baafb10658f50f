package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func retryOnExit(codes ...int) func(int) bool {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return func(exit int) bool { return set[exit] }
}

func TestRunSuccessFirstAttempt(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "task_t1.log")
	r := New()
	res := r.Run(context.Background(), "echo", []string{"hello"}, logPath, 0, 2, RetryPolicy{RetryableExit: retryOnExit(1)}, 0)
	if !res.Success || res.FinalExit != 0 {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.Attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(res.Attempts))
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("expected log to contain child output, got %q", data)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	script := filepath.Join(t.TempDir(), "flaky.sh")
	counterFile := filepath.Join(t.TempDir(), "count")
	if err := os.WriteFile(script, []byte(`#!/bin/sh
count=0
if [ -f "`+counterFile+`" ]; then
  count=$(cat "`+counterFile+`")
fi
count=$((count+1))
echo "$count" > "`+counterFile+`"
if [ "$count" -ge 3 ]; then
  exit 0
fi
exit 1
`), 0755); err != nil {
		t.Fatal(err)
	}

	logPath := filepath.Join(t.TempDir(), "task_t2.log")
	r := New()
	res := r.Run(context.Background(), script, nil, logPath, 0, 3, RetryPolicy{
		BackoffStartSeconds: 0, BackoffMaxSeconds: 0, JitterSeconds: 0,
		RetryableExit: retryOnExit(1),
	}, 0)
	if !res.Success {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if len(res.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(res.Attempts))
	}
	if res.Attempts[0].Exit != 1 || res.Attempts[1].Exit != 1 || res.Attempts[2].Exit != 0 {
		t.Fatalf("unexpected exit sequence: %+v", res.Attempts)
	}
}

func TestRunExecutableNotFound(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "task_t3.log")
	r := New()
	res := r.Run(context.Background(), "definitely-not-a-real-binary-xyz", nil, logPath, 0, 2, RetryPolicy{}, 0)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.FinalExit != 127 {
		t.Fatalf("expected exit 127, got %d", res.FinalExit)
	}
	if len(res.Attempts) != 0 {
		t.Fatalf("expected no attempts recorded for missing executable, got %d", len(res.Attempts))
	}
}

func TestRunTimeout(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "task_t4.log")
	r := New()
	res := r.Run(context.Background(), "sleep", []string{"5"}, logPath, 1, 0, RetryPolicy{RetryableExit: retryOnExit(998)}, 0)
	if res.FinalExit != 998 {
		t.Fatalf("expected timeout exit 998, got %d", res.FinalExit)
	}
	if !res.Attempts[0].TimedOut {
		t.Fatal("expected attempt marked as timed out")
	}
}

func TestRunNonRetryableExitStopsImmediately(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "task_t5.log")
	r := New()
	res := r.Run(context.Background(), "sh", []string{"-c", "exit 7"}, logPath, 0, 5, RetryPolicy{RetryableExit: retryOnExit(1)}, 0)
	if res.Success {
		t.Fatal("expected failure")
	}
	if len(res.Attempts) != 1 {
		t.Fatalf("expected no retry for non-retryable exit, got %d attempts", len(res.Attempts))
	}
}

func TestSleepRetryBackoffRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	sleepRetryBackoff(ctx, RetryPolicy{BackoffStartSeconds: 30}, 1)
	if time.Since(start) > time.Second {
		t.Fatal("expected cancellation to short-circuit the backoff sleep")
	}
}
