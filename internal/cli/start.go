package cli

import (
	"fmt"

	"github.com/harun/relay/internal/daemon"
	"github.com/harun/relay/internal/logger"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay daemon in the foreground",
	Long: `Start the relay daemon in the foreground.
Connections are seeded and bootstrapped, and the daemon runs until it
receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if pid, alive := runningPID(cfg.PIDFile()); alive {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Secrets:   []string{cfg.Admin.Token, cfg.Transcription.APIKey},
		Out:       cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	return d.Run(cmd.Context())
}

// runningPID reports the pid recorded in pidFile and whether it is alive.
func runningPID(pidFile string) (int, bool) {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return 0, false
	}
	return pid, daemon.ProcessAlive(pid)
}
