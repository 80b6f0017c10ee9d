package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and connection status",
	Long:  `Show whether the relay daemon is running and the last recorded status of each connection.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := cfg.PIDFile()
	if pid, alive := runningPID(pidFile); alive {
		fmt.Fprintf(out, "Status: running\n")
		fmt.Fprintf(out, "PID: %d\n", pid)
		if info, err := os.Stat(pidFile); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	} else {
		fmt.Fprintln(out, "Status: stopped")
	}

	conns, err := storedConnections(cmd.Context(), cfg, cfg.UserID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	if len(conns) == 0 {
		fmt.Fprintln(out, "No connections")
		return nil
	}
	return writeConnections(out, conns)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
