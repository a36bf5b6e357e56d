package store

import "time"

// Interval units accepted by ScheduleConfig.
const (
	UnitMinutes = "minutes"
	UnitHours   = "hours"
)

// ScheduleConfig is the persisted configuration of the recurring backup.
type ScheduleConfig struct {
	Enabled       bool       `json:"enabled" yaml:"enabled"`
	IntervalValue int        `json:"interval_value" yaml:"interval_value" validate:"gt=0"`
	IntervalUnit  string     `json:"interval_unit" yaml:"interval_unit" validate:"oneof=minutes hours"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
}

// DefaultSchedule is returned by GetSchedule before anything has been saved.
func DefaultSchedule() ScheduleConfig {
	return ScheduleConfig{
		Enabled:       false,
		IntervalValue: 24,
		IntervalUnit:  UnitHours,
	}
}

// AuditRecord is one row of the backup_audit table.
type AuditRecord struct {
	ID         string
	Kind       string
	SnapshotID string
	Location   string
	Message    string
	CreatedAt  time.Time
}
