package store

const schema = `
CREATE TABLE IF NOT EXISTS backup_settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS backup_audit (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    snapshot_id TEXT,
    location TEXT,
    message TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backup_audit_created ON backup_audit(created_at);
CREATE INDEX IF NOT EXISTS idx_backup_audit_snapshot ON backup_audit(snapshot_id);
`
