package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertAuditRecord appends a row to the backup audit log.
func (s *Store) InsertAuditRecord(ctx context.Context, rec AuditRecord) error {
	return s.withDB(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO backup_audit (id, kind, snapshot_id, location, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			rec.ID,
			rec.Kind,
			rec.SnapshotID,
			rec.Location,
			rec.Message,
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			if isNoSuchTable(err) {
				return ErrNotInitialized
			}
			return fmt.Errorf("failed to insert audit record %s: %w", rec.ID, err)
		}
		return nil
	})
}

// ListAuditRecords returns the most recent audit rows, newest first.
func (s *Store) ListAuditRecords(ctx context.Context, limit int) ([]AuditRecord, error) {
	var records []AuditRecord

	err := s.withDB(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, kind, COALESCE(snapshot_id, ''), COALESCE(location, ''), COALESCE(message, ''), created_at
			FROM backup_audit
			ORDER BY created_at DESC
			LIMIT ?
		`, limit)
		if err != nil {
			if isNoSuchTable(err) {
				return ErrNotInitialized
			}
			return fmt.Errorf("failed to list audit records: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var rec AuditRecord
			var createdAt string
			if err := rows.Scan(&rec.ID, &rec.Kind, &rec.SnapshotID, &rec.Location, &rec.Message, &createdAt); err != nil {
				return fmt.Errorf("failed to scan audit row: %w", err)
			}
			rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
			if err != nil {
				return fmt.Errorf("failed to parse created_at for audit record %s: %w", rec.ID, err)
			}
			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating audit records: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
