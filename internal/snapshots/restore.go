package snapshots

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/blackwell-systems/posvault/internal/store"
)

// Restore replaces the live primary database with the snapshot id.
//
// Restore excludes Create and Prune for its whole duration. The snapshot is
// copied to a temporary file beside the live database and checked with
// PRAGMA quick_check; only then is the live file swapped by rename. A failure
// at any step before the rename leaves the live database untouched.
func (m *Manager) Restore(ctx context.Context, id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	snap, err := m.get(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}

	livePath := m.primary.Path()
	tmp, err := os.CreateTemp(filepath.Dir(livePath), "."+filepath.Base(livePath)+".restore-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", ErrRestore, err)
	}
	tmpPath := tmp.Name()
	swapped := false
	defer func() {
		if !swapped {
			os.Remove(tmpPath)
		}
	}()

	if err := copySnapshot(tmp, snap.Location); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to copy snapshot %s: %v", ErrRestore, id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close temp file: %v", ErrRestore, err)
	}

	if err := store.Verify(ctx, tmpPath); err != nil {
		return fmt.Errorf("%w: snapshot %s failed verification: %v", ErrRestore, id, err)
	}

	if err := m.primary.Swap(ctx, tmpPath); err != nil {
		return fmt.Errorf("%w: %v", ErrRestore, err)
	}
	swapped = true

	m.logger.Info("database restored", "id", id, "path", livePath)
	return nil
}

// copySnapshot copies the snapshot bytes into dst and fsyncs it.
func copySnapshot(dst *os.File, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if _, err := io.Copy(dst, in); err != nil {
		return err
	}
	return dst.Sync()
}
