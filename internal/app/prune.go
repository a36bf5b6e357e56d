package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/posvault/internal/audit"
	"github.com/blackwell-systems/posvault/internal/metrics"
	"github.com/blackwell-systems/posvault/internal/output"
	"github.com/blackwell-systems/posvault/internal/retention"
)

var (
	pruneDryRun bool
	pruneRemote bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy to the snapshots",
	Long: `Delete the snapshots the retention policy does not keep.

Nothing is deleted while 60 or fewer snapshots exist. Above that, the
newest snapshot, everything from the last 24 hours (at most 30), one per
day for a week and one per ISO week for 30 days are kept.

Backups prune automatically; this command is for previewing the policy
with --dry-run or catching up after retention was interrupted.`,
	Example: `  # Show what would be deleted
  posvault prune --dry-run

  # Prune the bucket instead of the local directory
  posvault prune --remote`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "show the retention plan without deleting")
	pruneCmd.Flags().BoolVar(&pruneRemote, "remote", false, "prune the remote bucket instead of the local directory")
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if pruneRemote && !cfg.Remote.Enabled {
		return fmt.Errorf("remote replication is not enabled in the config")
	}

	rt, err := openRuntime(ctx, cfg, runtimeOptions{logWriter: cmd.ErrOrStderr(), withRemote: pruneRemote})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	var plan retention.Plan
	if pruneRemote {
		plan, err = rt.remote.Plan(ctx)
	} else {
		plan, err = rt.local.Plan(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to evaluate retention: %w", err)
	}

	if pruneDryRun {
		fmt.Fprint(out, output.RenderPlanTable(plan, time.Now()))
		return nil
	}

	if len(plan.Deletions()) == 0 {
		fmt.Fprintf(out, "Nothing to prune (%d snapshot(s) kept).\n", plan.Kept())
		return nil
	}

	if pruneRemote {
		result, err := rt.remote.Prune(ctx)
		rt.metrics.Pruned(metrics.LocationRemote, len(result.Deleted))
		if len(result.Deleted) > 0 {
			rt.audit.Emit(audit.Event{
				Kind:    audit.RemotePruned,
				Message: fmt.Sprintf("deleted %d, kept %d", len(result.Deleted), result.Kept),
			})
		}
		fmt.Fprintf(out, "✓ Deleted %d remote snapshot(s), kept %d\n", len(result.Deleted), result.Kept)
		if err != nil {
			rt.audit.Emit(audit.Event{Kind: audit.PruneFailed, Message: err.Error()})
			return fmt.Errorf("%d remote deletion(s) failed: %w", len(result.Failed), err)
		}
		return nil
	}

	result, err := rt.local.ApplyRetention(ctx)
	if err != nil {
		rt.audit.Emit(audit.Event{Kind: audit.PruneFailed, Location: rt.local.Dir(), Message: err.Error()})
		return fmt.Errorf("prune failed: %w", err)
	}
	rt.metrics.Pruned(metrics.LocationLocal, len(result.Deleted))
	rt.audit.Emit(audit.Event{
		Kind:     audit.LocalPruned,
		Location: rt.local.Dir(),
		Message:  fmt.Sprintf("deleted %d, kept %d, failed %d", len(result.Deleted), result.Kept, len(result.Failed)),
	})

	fmt.Fprintf(out, "✓ Deleted %d snapshot(s), kept %d\n", len(result.Deleted), result.Kept)
	if len(result.Failed) > 0 {
		fmt.Fprintf(out, "⚠ %d snapshot(s) could not be deleted and will be retried next time\n", len(result.Failed))
	}
	return nil
}
