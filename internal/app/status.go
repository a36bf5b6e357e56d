package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/posvault/internal/daemon"
	"github.com/blackwell-systems/posvault/internal/output"
)

var statusEvents int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon, schedule and snapshot summary",
	Long: `Display the state of the backup system.

Shows:
  • Daemon running status and PID
  • Database location
  • Number and total size of local snapshots
  • The schedule and when it last ran
  • Recent audit events (with --events)`,
	Example: `  posvault status
  posvault status --events 20`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusEvents, "events", 0, "also show the N most recent audit events")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, runtimeOptions{logWriter: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	daemonState := "stopped"
	pidFile, err := pidFilePath(cfg, "")
	if err != nil {
		return err
	}
	running, err := daemon.IsRunning(pidFile)
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}
	if running {
		daemonState = "running"
		if pid, err := daemon.PID(pidFile); err == nil {
			daemonState = fmt.Sprintf("running (PID %d)", pid)
		}
	}

	snaps, err := rt.engine.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	sched, err := rt.store.GetSchedule(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schedule: %w", err)
	}

	now := time.Now()
	schedState := ""
	if running {
		schedState = "running"
		if !sched.Enabled {
			schedState = "idle"
		}
	}
	s, err := output.RenderYAML(output.NewStatus(cfg.DatabasePath, snaps, daemonState, output.NewScheduleView(sched, schedState, now), now))
	if err != nil {
		return err
	}
	fmt.Fprint(out, s)

	if statusEvents <= 0 {
		return nil
	}
	records, err := rt.store.ListAuditRecords(ctx, statusEvents)
	if err != nil {
		return fmt.Errorf("failed to read audit events: %w", err)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Recent events:")
	if len(records) == 0 {
		fmt.Fprintln(out, "  (none)")
		return nil
	}
	for _, r := range records {
		line := fmt.Sprintf("  %s  %-16s", r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Kind)
		if r.SnapshotID != "" {
			line += " " + r.SnapshotID
		}
		if r.Message != "" {
			line += " " + r.Message
		}
		fmt.Fprintln(out, strings.TrimRight(line, " "))
	}
	return nil
}
