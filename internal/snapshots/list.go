package snapshots

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// List returns every recognised snapshot in the directory, newest first.
// Files that do not follow the naming convention are ignored.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.list(ctx)
}

func (m *Manager) list(ctx context.Context) ([]Snapshot, error) {
	entries, err := os.ReadDir(m.snapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Snapshot{}, nil
		}
		return nil, fmt.Errorf("%w: failed to read snapshot directory: %v", ErrStorage, err)
	}

	snaps := make([]Snapshot, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		createdAt, ok := ParseName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info by a concurrent prune.
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("%w: failed to stat %s: %v", ErrStorage, entry.Name(), err)
		}
		snaps = append(snaps, Snapshot{
			ID:           entry.Name(),
			CreatedAt:    createdAt,
			SizeBytes:    info.Size(),
			Location:     filepath.Join(m.snapshotDir, entry.Name()),
			UploadStatus: m.uploadStatus(entry.Name()),
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].ID > snaps[j].ID
	})
	return snaps, nil
}

// Get returns the snapshot with the given id.
func (m *Manager) Get(ctx context.Context, id string) (Snapshot, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.get(id)
}

func (m *Manager) get(id string) (Snapshot, error) {
	createdAt, ok := ParseName(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrSnapshotNotFound, id)
	}
	path := filepath.Join(m.snapshotDir, id)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, fmt.Errorf("%w: %q", ErrSnapshotNotFound, id)
		}
		return Snapshot{}, fmt.Errorf("%w: failed to stat %s: %v", ErrStorage, id, err)
	}
	if !info.Mode().IsRegular() {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrSnapshotNotFound, id)
	}
	return Snapshot{
		ID:           id,
		CreatedAt:    createdAt,
		SizeBytes:    info.Size(),
		Location:     path,
		UploadStatus: m.uploadStatus(id),
	}, nil
}

// Latest returns the newest snapshot, or ErrSnapshotNotFound if there is none.
func (m *Manager) Latest(ctx context.Context) (Snapshot, error) {
	snaps, err := m.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, fmt.Errorf("%w: no snapshots in %s", ErrSnapshotNotFound, m.snapshotDir)
	}
	return snaps[0], nil
}

// Path returns the file path a snapshot id maps to.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.snapshotDir, id)
}
