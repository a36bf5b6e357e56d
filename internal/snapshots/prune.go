package snapshots

import (
	"context"
	"os"
	"path/filepath"

	"github.com/blackwell-systems/posvault/internal/retention"
)

// Prune deletes the snapshots of listing that are not in keep. keep must have
// been computed from listing: a snapshot created after the listing is never
// touched, even if it is missing from keep.
//
// Deletion is best-effort: each failure is logged and recorded in the result,
// and the remaining snapshots are still processed.
func (m *Manager) Prune(ctx context.Context, listing []Snapshot, keep retention.KeepSet) (PruneResult, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var result PruneResult
	for _, snap := range listing {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, ok := ParseName(snap.ID); !ok {
			continue
		}
		if keep.Has(snap.ID) {
			result.Kept++
			continue
		}
		path := filepath.Join(m.snapshotDir, snap.ID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Error("failed to delete snapshot", "id", snap.ID, "error", err)
			result.Failed = append(result.Failed, snap.ID)
			continue
		}
		m.forget(snap.ID)
		result.Deleted = append(result.Deleted, snap.ID)
	}

	if len(result.Deleted) > 0 {
		m.logger.Info("local snapshots pruned", "deleted", len(result.Deleted), "kept", result.Kept)
	}
	return result, nil
}

// ApplyRetention lists the directory, evaluates the retention policy against
// the clock and prunes that listing.
func (m *Manager) ApplyRetention(ctx context.Context) (PruneResult, error) {
	snaps, err := m.List(ctx)
	if err != nil {
		return PruneResult{}, err
	}
	keep := retention.Keep(Records(snaps), m.clock.Now())
	return m.Prune(ctx, snaps, keep)
}

// Plan evaluates the retention policy without deleting anything.
func (m *Manager) Plan(ctx context.Context) (retention.Plan, error) {
	snaps, err := m.List(ctx)
	if err != nil {
		return retention.Plan{}, err
	}
	return retention.NewPlan(Records(snaps), m.clock.Now()), nil
}

func (m *Manager) forget(id string) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	delete(m.status, id)
}
