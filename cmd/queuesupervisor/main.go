// Command queuesupervisor spawns a queueworker process, watches its
// heartbeat file for staleness, and kills and respawns it on failure. It
// carries no durable state of its own.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayforge/queuework/internal/ledger"
)

var (
	flagWorkerPath        string
	flagWorkerArgs        string
	flagHeartbeatPath     string
	flagHeartbeatStaleSec int
	flagCheckEverySec     int
)

var rootCmd = &cobra.Command{
	Use:   "queuesupervisor",
	Short: "Supervise a queueworker process and restart it on failure or heartbeat staleness",
	RunE:  runSupervisor,
}

func init() {
	rootCmd.Flags().StringVar(&flagWorkerPath, "worker", "", "path to the queueworker binary (required)")
	rootCmd.Flags().StringVar(&flagWorkerArgs, "worker-args", "", "space-separated arguments passed through to the worker")
	rootCmd.Flags().StringVar(&flagHeartbeatPath, "heartbeat-path", "", "path to the worker's heartbeat.json (required)")
	rootCmd.Flags().IntVar(&flagHeartbeatStaleSec, "heartbeat-stale-sec", 20, "respawn the worker if its heartbeat is older than this many seconds")
	rootCmd.Flags().IntVar(&flagCheckEverySec, "check-every-sec", 5, "how often to check process liveness and heartbeat age")
	_ = rootCmd.MarkFlagRequired("worker")
	_ = rootCmd.MarkFlagRequired("heartbeat-path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// workerProc wraps a spawned worker with a channel that fires once when the
// process exits, so liveness can be checked without racing cmd.Wait.
type workerProc struct {
	cmd  *exec.Cmd
	exit chan struct{}
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	var workerArgs []string
	if strings.TrimSpace(flagWorkerArgs) != "" {
		workerArgs = strings.Fields(flagWorkerArgs)
	}

	staleAfter := time.Duration(flagHeartbeatStaleSec) * time.Second
	checkEvery := time.Duration(flagCheckEverySec) * time.Second

	proc, err := spawnWorker(flagWorkerPath, workerArgs)
	if err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}

	for {
		time.Sleep(checkEvery)

		select {
		case <-proc.exit:
			fmt.Fprintf(os.Stderr, "queuesupervisor: worker process exited, respawning\n")
			proc, err = spawnWorker(flagWorkerPath, workerArgs)
			if err != nil {
				return fmt.Errorf("respawn worker: %w", err)
			}
			continue
		default:
		}

		hb, err := ledger.ReadHeartbeat(flagHeartbeatPath)
		if err != nil {
			// No heartbeat yet (cold start) is expected briefly after a
			// respawn; only a stale heartbeat on an otherwise-running
			// process is a fault worth killing for.
			continue
		}
		if time.Since(hb.Timestamp) > staleAfter {
			fmt.Fprintf(os.Stderr, "queuesupervisor: heartbeat stale (age %s), killing and respawning worker\n", time.Since(hb.Timestamp))
			_ = proc.cmd.Process.Kill()
			<-proc.exit
			proc, err = spawnWorker(flagWorkerPath, workerArgs)
			if err != nil {
				return fmt.Errorf("respawn worker after stale heartbeat: %w", err)
			}
		}
	}
}

func spawnWorker(path string, args []string) (*workerProc, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	exit := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exit)
	}()

	return &workerProc{cmd: cmd, exit: exit}, nil
}
