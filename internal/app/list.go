package app

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/posvault/internal/output"
	"github.com/blackwell-systems/posvault/internal/snapshots"
)

var (
	listFormat string
	listRemote bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Long: `List the snapshots in the local snapshot directory, newest first.
Files that do not follow the snapshot naming scheme are ignored.

With --remote the bucket listing is shown instead; every page is read.`,
	Example: `  posvault list
  posvault list --output json
  posvault list --remote`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listFormat, "output", "o", "table", "output format: table, json, yaml")
	listCmd.Flags().BoolVar(&listRemote, "remote", false, "list the remote bucket instead of the local directory")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listRemote && !cfg.Remote.Enabled {
		return fmt.Errorf("remote replication is not enabled in the config")
	}

	rt, err := openRuntime(ctx, cfg, runtimeOptions{logWriter: cmd.ErrOrStderr(), withRemote: listRemote})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	var snaps []snapshots.Snapshot
	if listRemote {
		objects, err := rt.remote.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list remote snapshots: %w", err)
		}
		for _, o := range objects {
			snaps = append(snaps, snapshots.Snapshot{ID: o.ID, CreatedAt: o.CreatedAt, Location: o.Key})
		}
		sort.Slice(snaps, func(i, j int) bool {
			return snaps[i].ID > snaps[j].ID
		})
	} else {
		snaps, err = rt.engine.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list snapshots: %w", err)
		}
	}

	return renderSnapshots(cmd, snaps, listFormat)
}

func renderSnapshots(cmd *cobra.Command, snaps []snapshots.Snapshot, format string) error {
	out := cmd.OutOrStdout()
	switch format {
	case "table", "":
		fmt.Fprint(out, output.RenderSnapshotTable(snaps, time.Now()))
	case "json":
		if snaps == nil {
			snaps = []snapshots.Snapshot{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	case "yaml":
		s, err := output.RenderYAML(snaps)
		if err != nil {
			return err
		}
		fmt.Fprint(out, s)
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
	return nil
}
