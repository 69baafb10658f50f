package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relayforge/queuework/internal/ledger"
	"github.com/relayforge/queuework/internal/task"
)

// ingestOneFile picks the single oldest inbox file, if any, and fully
// resolves it: either every declared task is committed as a pending entry,
// or the whole file is diverted to failed/ (parse error) or quarantine/
// (a declared tool's circuit breaker is open). Returns true if a file was
// processed either way.
func (s *Scheduler) ingestOneFile() (bool, error) {
	src, err := oldestInboxFile(s.Dirs.Inbox)
	if err != nil {
		return false, err
	}
	if src == "" {
		return false, nil
	}

	processingPath, err := moveFile(src, s.Dirs.Processing)
	if err != nil {
		return false, fmt.Errorf("move to processing: %w", err)
	}
	name := filepath.Base(processingPath)

	data, err := os.ReadFile(processingPath)
	if err != nil {
		return true, fmt.Errorf("read processing file: %w", err)
	}

	tasks, decodeErr := s.decodeLines(data)
	if decodeErr != nil {
		if _, err := moveFile(processingPath, s.Dirs.Failed); err != nil {
			return true, fmt.Errorf("move bad file to failed: %w", err)
		}
		_ = s.Ledger.Append(ledger.Record{
			TS:   s.Now(),
			ID:   "parse",
			Exit: task.ExitParseFailure,
			OK:   false,
			Note: fmt.Sprintf("bad json in %s: %v", name, decodeErr),
		})
		s.Log.WithField("file", name).WithField("error", decodeErr.Error()).Warn("ingest: parse failure, file moved to failed")
		return true, nil
	}

	if blockedTool := s.firstOpenBreakerTool(tasks); blockedTool != "" {
		if _, err := moveFile(processingPath, s.Dirs.Quarantine); err != nil {
			return true, fmt.Errorf("move blocked file to quarantine: %w", err)
		}
		s.Log.WithField("file", name).WithField("tool", blockedTool).Warn("ingest: circuit breaker open, file moved to quarantine")
		return true, nil
	}

	s.commitFile(name, tasks)
	return true, nil
}

// decodeLines validates every non-blank line in data. It fails fast on the
// first parse error: a partially valid file is never partially committed.
func (s *Scheduler) decodeLines(data []byte) ([]task.Task, error) {
	var tasks []task.Task
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		t, err := s.Validator.Decode(line)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// firstOpenBreakerTool returns the first tool among tasks whose circuit
// breaker is currently open, or "" if none are blocked.
func (s *Scheduler) firstOpenBreakerTool(tasks []task.Task) string {
	now := s.Now()
	for _, t := range tasks {
		if s.Breaker.IsOpen(t.Tool, now) {
			return t.Tool
		}
	}
	return ""
}

// commitFile registers a file context and a pending entry for every decoded
// task. An empty file (no tasks after stripping blank lines) is retired
// immediately since it has nothing left to resolve.
func (s *Scheduler) commitFile(name string, tasks []task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc := &task.FileContext{Name: name, Total: len(tasks)}
	s.fileContexts[name] = fc

	now := s.Now()
	for _, t := range tasks {
		s.pending[t.ID] = &task.PendingEntry{
			Task:       t,
			SourceFile: name,
			State:      task.StatePending,
			Added:      now,
			File:       fc,
		}
	}

	if fc.Done() {
		src := filepath.Join(s.Dirs.Processing, name)
		if _, err := moveFile(src, s.Dirs.Done); err != nil {
			s.Log.WithField("file", name).WithField("error", err.Error()).Error("failed to retire empty task file")
		}
		delete(s.fileContexts, name)
	}
}

// marshalTaskLine encodes a task as one canonical JSON line, matching the
// decode shape the Validator expects on a later re-ingest.
func marshalTaskLine(t task.Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return append(data, '\n'), nil
}

// writeTempThenRename writes data to path via a sibling temp file, synced
// and renamed into place, so a new inbox file never appears half-written.
func writeTempThenRename(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := writeTempFile(tmp, data); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
