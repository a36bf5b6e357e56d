package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrConfigValidation is returned when a schedule update is rejected.
// Nothing is written when it is returned.
var ErrConfigValidation = errors.New("invalid schedule configuration")

const (
	keyEnabled       = "schedule.enabled"
	keyIntervalValue = "schedule.interval_value"
	keyIntervalUnit  = "schedule.interval_unit"
	keyLastRunAt     = "schedule.last_run_at"
)

// Interval bounds per unit.
const (
	MinIntervalMinutes = 8
	MaxIntervalMinutes = 1440
	MinIntervalHours   = 1
	MaxIntervalHours   = 72
)

var scheduleValidator = newScheduleValidator()

func newScheduleValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(ScheduleConfig)
		switch cfg.IntervalUnit {
		case UnitMinutes:
			if cfg.IntervalValue < MinIntervalMinutes || cfg.IntervalValue > MaxIntervalMinutes {
				sl.ReportError(cfg.IntervalValue, "IntervalValue", "IntervalValue", "minutes_range", "")
			}
		case UnitHours:
			if cfg.IntervalValue < MinIntervalHours || cfg.IntervalValue > MaxIntervalHours {
				sl.ReportError(cfg.IntervalValue, "IntervalValue", "IntervalValue", "hours_range", "")
			}
		}
	}, ScheduleConfig{})
	return v
}

// ValidateSchedule checks unit and interval bounds:
// minutes must be within [8, 1440] and hours within [1, 72].
func ValidateSchedule(cfg ScheduleConfig) error {
	err := scheduleValidator.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrConfigValidation, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("interval unit %q must be one of minutes, hours", cfg.IntervalUnit))
		case "minutes_range":
			msgs = append(msgs, fmt.Sprintf("interval of %d minutes must be between %d and %d", cfg.IntervalValue, MinIntervalMinutes, MaxIntervalMinutes))
		case "hours_range":
			msgs = append(msgs, fmt.Sprintf("interval of %d hours must be between %d and %d", cfg.IntervalValue, MinIntervalHours, MaxIntervalHours))
		case "gt":
			msgs = append(msgs, "interval value must be positive")
		default:
			msgs = append(msgs, fe.Error())
		}
	}
	return fmt.Errorf("%w: %s", ErrConfigValidation, strings.Join(msgs, "; "))
}

// GetSchedule returns the persisted schedule, or DefaultSchedule when nothing
// has been saved yet.
func (s *Store) GetSchedule(ctx context.Context) (ScheduleConfig, error) {
	cfg := DefaultSchedule()

	err := s.withDB(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT key, value FROM backup_settings WHERE key LIKE 'schedule.%'`)
		if err != nil {
			if isNoSuchTable(err) {
				return ErrNotInitialized
			}
			return fmt.Errorf("failed to read schedule: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var key, value string
			if err := rows.Scan(&key, &value); err != nil {
				return fmt.Errorf("failed to scan schedule row: %w", err)
			}
			if err := applySetting(&cfg, key, value); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating schedule rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return ScheduleConfig{}, err
	}
	return cfg, nil
}

func applySetting(cfg *ScheduleConfig, key, value string) error {
	switch key {
	case keyEnabled:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", key, err)
		}
		cfg.Enabled = b
	case keyIntervalValue:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", key, err)
		}
		cfg.IntervalValue = n
	case keyIntervalUnit:
		cfg.IntervalUnit = value
	case keyLastRunAt:
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", key, err)
		}
		cfg.LastRunAt = &t
	}
	return nil
}

// SetSchedule validates and persists a new schedule. Invalid input returns
// ErrConfigValidation before anything is written. LastRunAt is preserved.
func (s *Store) SetSchedule(ctx context.Context, enabled bool, intervalValue int, intervalUnit string) (ScheduleConfig, error) {
	next := ScheduleConfig{
		Enabled:       enabled,
		IntervalValue: intervalValue,
		IntervalUnit:  intervalUnit,
	}
	if err := ValidateSchedule(next); err != nil {
		return ScheduleConfig{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	err := s.withDB(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO backup_settings (key, value, updated_at) VALUES (?, ?, ?)`)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			if isNoSuchTable(err) {
				return ErrNotInitialized
			}
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		values := [][2]string{
			{keyEnabled, strconv.FormatBool(enabled)},
			{keyIntervalValue, strconv.Itoa(intervalValue)},
			{keyIntervalUnit, intervalUnit},
		}
		for _, kv := range values {
			if _, err := stmt.ExecContext(ctx, kv[0], kv[1], now); err != nil {
				tx.Rollback() //nolint:errcheck
				return fmt.Errorf("failed to write %s: %w", kv[0], err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return ScheduleConfig{}, err
	}

	return s.GetSchedule(ctx)
}

// MarkScheduleRun records the time of the latest backup run.
func (s *Store) MarkScheduleRun(ctx context.Context, at time.Time) error {
	return s.withDB(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR REPLACE INTO backup_settings (key, value, updated_at) VALUES (?, ?, ?)`,
			keyLastRunAt,
			at.UTC().Format(time.RFC3339Nano),
			time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			if isNoSuchTable(err) {
				return ErrNotInitialized
			}
			return fmt.Errorf("failed to record last run: %w", err)
		}
		return nil
	})
}
