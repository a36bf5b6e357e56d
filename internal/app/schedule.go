package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/posvault/internal/audit"
	"github.com/blackwell-systems/posvault/internal/config"
	"github.com/blackwell-systems/posvault/internal/daemon"
	"github.com/blackwell-systems/posvault/internal/output"
	"github.com/blackwell-systems/posvault/internal/store"
)

var (
	scheduleFormat  string
	scheduleEnabled bool
	scheduleEvery   int
	scheduleUnit    string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show or change the backup schedule",
	Long: `Show or change the recurring backup schedule.

Intervals are in minutes (8 to 1440) or hours (1 to 72). When posvault
serve is running the change is sent to it and takes effect after a short
settle delay; otherwise it is saved for the next start.`,
	Example: `  posvault schedule get
  posvault schedule set --enabled --every 30 --unit minutes
  posvault schedule set --enabled=false`,
}

var scheduleGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the backup schedule",
	Args:  cobra.NoArgs,
	RunE:  runScheduleGet,
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the backup schedule",
	Long: `Change the backup schedule. Flags that are not given keep their
current value. Invalid values are rejected and nothing is saved.`,
	Args: cobra.NoArgs,
	RunE: runScheduleSet,
}

func init() {
	scheduleGetCmd.Flags().StringVarP(&scheduleFormat, "output", "o", "yaml", "output format: yaml, json")

	scheduleSetCmd.Flags().BoolVar(&scheduleEnabled, "enabled", false, "enable the recurring backup")
	scheduleSetCmd.Flags().IntVar(&scheduleEvery, "every", 0, "interval value")
	scheduleSetCmd.Flags().StringVar(&scheduleUnit, "unit", "", "interval unit: minutes or hours")

	scheduleCmd.AddCommand(scheduleGetCmd)
	scheduleCmd.AddCommand(scheduleSetCmd)
}

func runScheduleGet(cmd *cobra.Command, args []string) error {
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

	sched, err := rt.store.GetSchedule(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schedule: %w", err)
	}

	state := "stopped"
	if running, _ := daemonRunning(cfg); running {
		state = "running"
		if !sched.Enabled {
			state = "idle"
		}
	}

	switch scheduleFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sched)
	case "yaml", "":
		s, err := output.RenderYAML(output.NewScheduleView(sched, state, time.Now()))
		if err != nil {
			return err
		}
		fmt.Fprint(out, s)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", scheduleFormat)
	}
}

func runScheduleSet(cmd *cobra.Command, args []string) error {
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

	current, err := rt.store.GetSchedule(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schedule: %w", err)
	}
	next := current
	flags := cmd.Flags()
	if flags.Changed("enabled") {
		next.Enabled = scheduleEnabled
	}
	if flags.Changed("every") {
		next.IntervalValue = scheduleEvery
	}
	if flags.Changed("unit") {
		next.IntervalUnit = scheduleUnit
	}
	if err := store.ValidateSchedule(next); err != nil {
		return err
	}

	var saved store.ScheduleConfig
	if running, _ := daemonRunning(cfg); running {
		saved, err = putSchedule(ctx, cfg.Listen, next)
		if err != nil {
			return fmt.Errorf("failed to update the running daemon: %w", err)
		}
		fmt.Fprintln(out, "✓ Schedule sent to the running daemon")
	} else {
		saved, err = rt.store.SetSchedule(ctx, next.Enabled, next.IntervalValue, next.IntervalUnit)
		if err != nil {
			return err
		}
		rt.audit.Emit(audit.Event{
			Kind:    audit.ScheduleChanged,
			Message: fmt.Sprintf("enabled=%t every %d %s", saved.Enabled, saved.IntervalValue, saved.IntervalUnit),
		})
		fmt.Fprintln(out, "✓ Schedule saved; it applies the next time 'posvault serve' starts")
	}

	if saved.Enabled {
		fmt.Fprintf(out, "  Backing up every %d %s\n", saved.IntervalValue, saved.IntervalUnit)
	} else {
		fmt.Fprintln(out, "  Scheduled backups are disabled")
	}
	return nil
}

func daemonRunning(cfg *config.Config) (bool, error) {
	pidFile, err := pidFilePath(cfg, "")
	if err != nil {
		return false, err
	}
	return daemon.IsRunning(pidFile)
}

// putSchedule sends cfg to the daemon's HTTP API.
func putSchedule(ctx context.Context, listen string, cfg store.ScheduleConfig) (store.ScheduleConfig, error) {
	body, err := json.Marshal(map[string]any{
		"enabled":        cfg.Enabled,
		"interval_value": cfg.IntervalValue,
		"interval_unit":  cfg.IntervalUnit,
	})
	if err != nil {
		return store.ScheduleConfig{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://"+listen+"/api/schedule", bytes.NewReader(body))
	if err != nil {
		return store.ScheduleConfig{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return store.ScheduleConfig{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return store.ScheduleConfig{}, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return store.ScheduleConfig{}, fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return store.ScheduleConfig{}, fmt.Errorf("unexpected HTTP %d", resp.StatusCode)
	}

	var saved store.ScheduleConfig
	if err := json.Unmarshal(data, &saved); err != nil {
		return store.ScheduleConfig{}, fmt.Errorf("failed to decode schedule: %w", err)
	}
	return saved, nil
}
