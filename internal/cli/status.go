package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/harun/onebot/internal/config"
	"github.com/harun/onebot/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which roles are running",
	Long:  `Show whether an application or implementation daemon is running, based on its pid file.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// dataDir resolves the data directory, falling back to the default when
// the config cannot be read.
func dataDir() string {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	return cfg.DataPath()
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir := dataDir()
	out := cmd.OutOrStdout()

	for _, role := range []daemon.Role{daemon.RoleApp, daemon.RoleImpl} {
		pidFile := daemon.PIDFilePath(dir, role)
		pid, err := daemon.ReadPID(pidFile)
		if err != nil || !daemon.ProcessAlive(pid) {
			fmt.Fprintf(out, "%s: stopped\n", role)
			continue
		}

		if info, err := os.Stat(pidFile); err == nil {
			fmt.Fprintf(out, "%s: running (pid %d, up %s)\n", role, pid, formatDuration(time.Since(info.ModTime())))
		} else {
			fmt.Fprintf(out, "%s: running (pid %d)\n", role, pid)
		}
	}
	return nil
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
