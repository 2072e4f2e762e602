package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/tollgate/internal/config"
)

// auditDrainGrace is allowed on top of server.shutdown_timeout for the final
// audit flush.
const auditDrainGrace = 10 * time.Second

var errNotRunning = errors.New("tollgate is not running")

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running Tollgate server",
		Long:  "Signal the server started by 'tollgate serve' and wait until it has drained requests and flushed the audit queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd.OutOrStdout())
		},
	}
}

// runningServer returns the PID recorded by serve. A PID file left behind
// by a dead process is removed.
func runningServer() (int, error) {
	pid, err := readPID()
	if err != nil {
		return 0, fmt.Errorf("%w: no PID file at %s", errNotRunning, pidFilePath())
	}
	if !processAlive(pid) {
		removePID()
		return 0, fmt.Errorf("%w: PID %d has exited, removed its PID file", errNotRunning, pid)
	}
	return pid, nil
}

func runStop(out io.Writer) error {
	pid, err := runningServer()
	if err != nil {
		return err
	}
	if err := signalShutdown(pid); err != nil {
		return fmt.Errorf("signal PID %d: %w", pid, err)
	}

	grace := config.Duration(viper.GetString("server.shutdown_timeout"), 30*time.Second) + auditDrainGrace
	fmt.Fprintf(out, "Waiting up to %s for tollgate (PID %d) to shut down...\n", grace, pid)

	deadline := time.Now().Add(grace)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for range tick.C {
		if !processAlive(pid) {
			removePID()
			fmt.Fprintln(out, "Stopped.")
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
	}
	return fmt.Errorf("PID %d still running after %s, pending audit events may be flushing", pid, grace)
}
