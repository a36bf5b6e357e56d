package snapshots

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Create writes a consistent copy of the primary database into the snapshot
// directory and returns its metadata.
//
// The copy is written to a hidden temporary file first and linked into place,
// so List never observes a partially written snapshot. An existing file with
// the same name is never replaced; the snapshot takes the next free name.
func (m *Manager) Create(ctx context.Context) (Snapshot, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	// Ensure snapshot directory exists
	if err := os.MkdirAll(m.snapshotDir, 0755); err != nil {
		return Snapshot{}, fmt.Errorf("%w: failed to create snapshot directory: %v", ErrStorage, err)
	}

	createdAt := m.names.next(m.clock.Now())
	tmpPath := filepath.Join(m.snapshotDir, tempName(FormatName(createdAt)))

	if err := m.primary.CopyTo(ctx, tmpPath); err != nil {
		os.Remove(tmpPath)
		return Snapshot{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return Snapshot{}, fmt.Errorf("%w: failed to sync snapshot: %v", ErrStorage, err)
	}

	createdAt, id, finalPath, err := m.finalize(tmpPath, createdAt)
	if err != nil {
		os.Remove(tmpPath)
		return Snapshot{}, fmt.Errorf("%w: failed to finalize snapshot: %v", ErrStorage, err)
	}

	if err := syncDir(m.snapshotDir); err != nil {
		m.logger.Warn("failed to sync snapshot directory", "dir", m.snapshotDir, "error", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: failed to stat snapshot: %v", ErrStorage, err)
	}

	snap := Snapshot{
		ID:           id,
		CreatedAt:    createdAt,
		SizeBytes:    info.Size(),
		Location:     finalPath,
		UploadStatus: UploadPending,
	}
	m.MarkUpload(id, UploadPending)

	m.logger.Info("snapshot created", "id", id, "size", snap.SizeBytes)
	return snap, nil
}

// maxNameAttempts bounds how many later names finalize tries when the
// directory already holds a file with the chosen name.
const maxNameAttempts = 1000

// finalize moves tmpPath to the snapshot name for createdAt without replacing
// an existing file. A taken name moves createdAt forward one step and retries.
// It returns the time and name the snapshot ended up with.
func (m *Manager) finalize(tmpPath string, createdAt time.Time) (time.Time, string, string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		id := FormatName(createdAt)
		finalPath := filepath.Join(m.snapshotDir, id)

		err := os.Link(tmpPath, finalPath)
		switch {
		case err == nil:
			if err := os.Remove(tmpPath); err != nil {
				m.logger.Warn("failed to remove temporary snapshot file", "path", tmpPath, "error", err)
			}
			return createdAt, id, finalPath, nil
		case os.IsExist(err):
			m.logger.Warn("snapshot name already taken", "id", id)
			createdAt = m.names.next(createdAt)
			continue
		}

		// Hard links are not available everywhere; fall back to a checked rename.
		if _, statErr := os.Lstat(finalPath); statErr == nil {
			createdAt = m.names.next(createdAt)
			continue
		} else if !os.IsNotExist(statErr) {
			return time.Time{}, "", "", statErr
		}
		if err := os.Rename(tmpPath, finalPath); err != nil {
			return time.Time{}, "", "", err
		}
		return createdAt, id, finalPath, nil
	}
	return time.Time{}, "", "", fmt.Errorf("no free snapshot name after %d attempts", maxNameAttempts)
}

// CleanupTemp removes temporary files left behind by an interrupted Create.
// Only names carrying the snapshot temp prefix are touched.
func (m *Manager) CleanupTemp() (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	entries, err := os.ReadDir(m.snapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: failed to read snapshot directory: %v", ErrStorage, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !isTempName(entry.Name()) {
			continue
		}
		path := filepath.Join(m.snapshotDir, entry.Name())
		if err := os.Remove(path); err != nil {
			m.logger.Warn("failed to remove stale temp file", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
