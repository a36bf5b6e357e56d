// Package output renders posvault results for the terminal.
//
// Tables use ASCII layout with optional ANSI colour. Colour is only emitted
// when stdout is a terminal and NO_COLOR is unset. Structured values
// (schedule, status) can also be rendered as YAML.
package output

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/blackwell-systems/posvault/internal/retention"
	"github.com/blackwell-systems/posvault/internal/scheduler"
	"github.com/blackwell-systems/posvault/internal/snapshots"
	"github.com/blackwell-systems/posvault/internal/store"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// IsColorEnabled returns true if ANSI color codes should be emitted.
// It checks that os.Stdout is a TTY and that the NO_COLOR env var is not set.
func IsColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

// colorize wraps text in the given ANSI color code if color is enabled.
func colorize(color, text string) string {
	if IsColorEnabled() {
		return color + text + colorReset
	}
	return text
}

// RenderSnapshotTable renders local snapshots in the order given, which
// callers keep newest first.
func RenderSnapshotTable(snaps []snapshots.Snapshot, now time.Time) string {
	if len(snaps) == 0 {
		return "No snapshots found.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-36s %-24s %-10s %s\n", "Snapshot", "Created", "Size", "Upload"))
	sb.WriteString(strings.Repeat("─", 84))
	sb.WriteString("\n")

	for _, s := range snaps {
		upload := colorize(uploadColor(s.UploadStatus), formatUpload(s.UploadStatus))
		sb.WriteString(fmt.Sprintf("%-36s %-24s %-10s %s\n",
			truncate(s.ID, 36),
			formatRelativeTime(s.CreatedAt, now),
			humanize.IBytes(uint64(max(s.SizeBytes, 0))),
			upload))
	}

	sb.WriteString(fmt.Sprintf("\n%d snapshot(s)\n", len(snaps)))
	return sb.String()
}

func formatUpload(status snapshots.UploadStatus) string {
	switch status {
	case snapshots.UploadUploaded:
		return "✓ uploaded"
	case snapshots.UploadPending:
		return "… pending"
	case snapshots.UploadFailed:
		return "✗ failed"
	default:
		return "—"
	}
}

func uploadColor(status snapshots.UploadStatus) string {
	switch status {
	case snapshots.UploadUploaded:
		return colorGreen
	case snapshots.UploadPending:
		return colorYellow
	case snapshots.UploadFailed:
		return colorRed
	default:
		return colorGray
	}
}

// RenderPlanTable renders a retention plan: every snapshot with its age
// band and whether it would be kept.
func RenderPlanTable(plan retention.Plan, now time.Time) string {
	if len(plan.Decisions) == 0 {
		return "No snapshots found.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-36s %-24s %-9s %s\n", "Snapshot", "Created", "Band", "Action"))
	sb.WriteString(strings.Repeat("─", 80))
	sb.WriteString("\n")

	for _, d := range plan.Decisions {
		action := colorize(colorGreen, "keep")
		if !d.Keep {
			action = colorize(colorRed, "delete")
		}
		sb.WriteString(fmt.Sprintf("%-36s %-24s %-9s %s\n",
			truncate(d.ID, 36),
			formatRelativeTime(d.CreatedAt, now),
			d.Band.String(),
			action))
	}

	deleted := len(plan.Deletions())
	sb.WriteString(fmt.Sprintf("\nKeep %d · Delete %d", plan.Kept(), deleted))
	if len(plan.Decisions) <= retention.Floor {
		sb.WriteString(fmt.Sprintf(" (at or below the floor of %d, nothing is pruned)", retention.Floor))
	}
	sb.WriteString("\n")
	return sb.String()
}

// ScheduleView is the rendered form of the schedule plus scheduler state.
type ScheduleView struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Interval string `yaml:"interval" json:"interval"`
	State    string `yaml:"state,omitempty" json:"state,omitempty"`
	LastRun  string `yaml:"last_run" json:"last_run"`
	NextRun  string `yaml:"next_run,omitempty" json:"next_run,omitempty"`
}

// NewScheduleView describes cfg. state may be empty when no scheduler is
// running in this process.
func NewScheduleView(cfg store.ScheduleConfig, state string, now time.Time) ScheduleView {
	v := ScheduleView{
		Enabled:  cfg.Enabled,
		Interval: fmt.Sprintf("%d %s", cfg.IntervalValue, cfg.IntervalUnit),
		State:    state,
		LastRun:  "never",
	}
	if cfg.LastRunAt != nil {
		v.LastRun = fmt.Sprintf("%s (%s)", cfg.LastRunAt.UTC().Format(time.RFC3339), formatRelativeTime(*cfg.LastRunAt, now))
		if cfg.Enabled {
			next := cfg.LastRunAt.Add(scheduler.Interval(cfg))
			v.NextRun = next.UTC().Format(time.RFC3339)
		}
	}
	return v
}

// Status summarises the local repository and schedule.
type Status struct {
	Database  string       `yaml:"database"`
	Snapshots int          `yaml:"snapshots"`
	TotalSize string       `yaml:"total_size"`
	Newest    string       `yaml:"newest"`
	Daemon    string       `yaml:"daemon"`
	Schedule  ScheduleView `yaml:"schedule"`
}

// NewStatus builds a Status from a newest-first listing.
func NewStatus(database string, snaps []snapshots.Snapshot, daemon string, schedule ScheduleView, now time.Time) Status {
	var total int64
	for _, s := range snaps {
		total += s.SizeBytes
	}
	st := Status{
		Database:  database,
		Snapshots: len(snaps),
		TotalSize: humanize.IBytes(uint64(max(total, 0))),
		Newest:    "none",
		Daemon:    daemon,
		Schedule:  schedule,
	}
	if len(snaps) > 0 {
		st.Newest = fmt.Sprintf("%s (%s)", snaps[0].ID, formatRelativeTime(snaps[0].CreatedAt, now))
	}
	return st
}

// RenderYAML renders v as a YAML document.
func RenderYAML(v any) (string, error) {
	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("failed to render yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to render yaml: %w", err)
	}
	return sb.String(), nil
}

// formatRelativeTime converts a timestamp to relative time (e.g., "2 days ago").
func formatRelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	if d := now.Sub(t); d >= 0 && d < time.Minute {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
