package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/posvault/internal/daemon"
	"github.com/blackwell-systems/posvault/internal/engine"
	"github.com/blackwell-systems/posvault/internal/output"
	"github.com/blackwell-systems/posvault/internal/snapshots"
)

var restoreFlagYes bool

var restoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id | latest>",
	Short: "Replace the POS database with a snapshot",
	Long: `Replace the live POS database with the contents of a snapshot.

The snapshot is copied next to the database, checked for integrity and
then swapped in. If any step fails the live database is left untouched.

Arguments:
  snapshot-id  A snapshot name as shown by 'posvault list'
  latest       The newest snapshot`,
	Example: `  posvault restore latest
  posvault restore posvault-20261019T093000.000Z.db
  posvault restore latest --yes   # skip the confirmation prompt`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().BoolVarP(&restoreFlagYes, "yes", "y", false, "skip confirmation prompt")
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// A running daemon holds the database open and may be mid-backup.
	if pidFile, err := pidFilePath(cfg, ""); err == nil {
		if running, _ := daemon.IsRunning(pidFile); running {
			return fmt.Errorf("posvault serve is running (PID file: %s); use the HTTP API or stop it with 'posvault serve --stop'", pidFile)
		}
	}

	rt, err := openRuntime(ctx, cfg, runtimeOptions{logWriter: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	var snap snapshots.Snapshot
	if strings.ToLower(args[0]) == engine.Latest {
		snap, err = rt.local.Latest(ctx)
		if errors.Is(err, snapshots.ErrSnapshotNotFound) {
			return fmt.Errorf("no snapshots available in %s\n\nRun 'posvault backup' to create one", cfg.SnapshotDir)
		}
	} else {
		snap, err = rt.local.Get(ctx, args[0])
		if errors.Is(err, snapshots.ErrSnapshotNotFound) {
			return fmt.Errorf("snapshot %q not found\n\nRun 'posvault list' to see available snapshots", args[0])
		}
	}
	if err != nil {
		return fmt.Errorf("failed to look up snapshot: %w", err)
	}

	fmt.Fprintf(out, "\nSnapshot Details:\n")
	fmt.Fprintf(out, "  ID:       %s\n", snap.ID)
	fmt.Fprintf(out, "  Created:  %s (%s)\n", snap.CreatedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(snap.CreatedAt))
	fmt.Fprintf(out, "  Size:     %s\n", humanize.IBytes(uint64(snap.SizeBytes)))
	fmt.Fprintf(out, "  Database: %s\n", cfg.DatabasePath)
	fmt.Fprintln(out)

	if !restoreFlagYes {
		if !confirm(cmd.InOrStdin(), out, "Replace the live database with this snapshot?") {
			fmt.Fprintln(out, "Restore cancelled.")
			return nil
		}
	}

	spinner := output.NewSpinner("Restoring snapshot")
	spinner.SetWriter(out)
	spinner.Start()
	start := time.Now()
	_, err = rt.engine.Restore(ctx, snap.ID)
	spinner.Stop()
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "\nThe live database was not changed.")
		return fmt.Errorf("restore failed: %w", err)
	}

	fmt.Fprintf(out, "✓ Restored %s in %s\n", snap.ID, time.Since(start).Round(time.Millisecond))
	return nil
}
