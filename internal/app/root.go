package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	dbPath      string
	snapshotDir string
	logLevel    string

	// RootCmd is the root command for posvault
	RootCmd = &cobra.Command{
		Use:   "posvault",
		Short: "Snapshot, replicate and restore the POS database",
		Long: `posvault keeps point-in-time snapshots of the point-of-sale SQLite
database, copies each one to an S3-compatible bucket and prunes both
locations with a tiered retention policy.

Retention:
  • Nothing is pruned while 60 or fewer snapshots exist
  • Everything from the last 24 hours is kept (up to 30)
  • One snapshot per day is kept for the last 7 days
  • One snapshot per ISO week is kept for the last 30 days
  • The newest snapshot is always kept

Examples:
  # Take a snapshot now
  posvault backup

  # Run the scheduler and HTTP API in the background
  posvault serve --daemon

  # Back up every 30 minutes
  posvault schedule set --enabled --every 30 --unit minutes

  # Roll the database back to the newest snapshot
  posvault restore latest`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "posvault: backup lifecycle manager for the POS database")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Tip: Run 'posvault status' to check the schedule and snapshots.")
			fmt.Fprintln(out, "     Run 'posvault --help' for all commands.")
			return nil
		},
	}
)

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./posvault.yaml or ~/.config/posvault/posvault.yaml)")
	RootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "POS database path (overrides database_path)")
	RootCmd.PersistentFlags().StringVar(&snapshotDir, "snapshot-dir", "", "snapshot directory (overrides snapshot_dir)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")

	RootCmd.SuggestionsMinimumDistance = 2

	RootCmd.AddCommand(backupCmd)
	RootCmd.AddCommand(listCmd)
	RootCmd.AddCommand(restoreCmd)
	RootCmd.AddCommand(pruneCmd)
	RootCmd.AddCommand(scheduleCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(statusCmd)
}

// Execute runs the root command
func Execute() error {
	return RootCmd.Execute()
}
