// Package healer implements the self-healing behaviors the scheduler relies
// on: recovering orphaned processing/ files left behind by a crashed worker,
// and clearing stale git index locks.
package healer

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/relayforge/queuework/internal/worker"
)

// RecoverStaleProcessing moves any *.jsonl file in processingDir whose
// mtime is older than staleAfter back to inboxDir. It is a bounded, one-shot
// startup pass: the moves themselves fan out across a worker.Pool since each
// is an independent rename, and the whole scan joins before the scheduler's
// main loop starts (it must never run from inside the loop itself).
func RecoverStaleProcessing(processingDir, inboxDir string, staleAfter time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(processingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan processing dir: %w", err)
	}

	var stale []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) >= staleAfter {
			stale = append(stale, e.Name())
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(inboxDir, 0755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}

	pool := worker.NewPool[string](0)
	results := worker.Process(pool, stale, func(name string) (string, error) {
		if err := os.Rename(filepath.Join(processingDir, name), filepath.Join(inboxDir, name)); err != nil {
			return "", err
		}
		return name, nil
	})

	var recovered []string
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("recover %s: %w", stale[r.Index], r.Err)
			}
			continue
		}
		recovered = append(recovered, r.Value)
	}
	return recovered, firstErr
}

// HealGitIndexLock removes <repo>/.git/index.lock if it is older than
// staleAfter and no git process is currently running on the host. It is
// called once per scheduler loop tick.
func HealGitIndexLock(repo string, staleAfter time.Duration, now time.Time) (removed bool, err error) {
	lockPath := filepath.Join(repo, ".git", "index.lock")
	info, statErr := os.Stat(lockPath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return false, nil
		}
		return false, fmt.Errorf("stat index.lock: %w", statErr)
	}
	if now.Sub(info.ModTime()) < staleAfter {
		return false, nil
	}
	running, err := gitProcessRunning()
	if err != nil {
		return false, fmt.Errorf("check running git processes: %w", err)
	}
	if running {
		return false, nil
	}
	if err := os.Remove(lockPath); err != nil {
		return false, fmt.Errorf("remove stale index.lock: %w", err)
	}
	return true, nil
}

// gitProcessRunning reports whether any process named "git" is currently
// running on the host, using the portable /proc scan on Linux and falling
// back to "true" (assume busy, skip the delete) on platforms without /proc
// so the healer never races a live git process it cannot observe.
func gitProcessRunning() (bool, error) {
	if runtime.GOOS != "linux" {
		return true, nil
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return true, nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == "git" {
			return true, nil
		}
	}
	return false, nil
}

