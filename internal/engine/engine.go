// Package engine runs backup cycles: a synchronous local snapshot followed
// by background replication to the remote store.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/blackwell-systems/posvault/internal/audit"
	"github.com/blackwell-systems/posvault/internal/metrics"
	"github.com/blackwell-systems/posvault/internal/remote"
	"github.com/blackwell-systems/posvault/internal/snapshots"
)

// Trigger says what started a cycle.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Latest selects the newest snapshot in Restore.
const Latest = "latest"

// Replicator is the remote half of a cycle.
type Replicator interface {
	Replicate(ctx context.Context, snap snapshots.Snapshot) (remote.Result, error)
}

// RunRecorder persists the time of the last successful cycle.
type RunRecorder interface {
	MarkScheduleRun(ctx context.Context, at time.Time) error
}

// Config holds the collaborators of an Engine. Local is required.
type Config struct {
	Local    *snapshots.Manager
	Remote   Replicator
	Recorder RunRecorder
	Audit    *audit.Dispatcher
	Metrics  *metrics.Collector
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Engine orchestrates backup cycles and restores.
//
// Run is single-flight: a call that arrives while a cycle is in progress
// waits for that cycle and shares its result instead of starting another.
type Engine struct {
	local    *snapshots.Manager
	remote   Replicator
	recorder RunRecorder
	audit    *audit.Dispatcher
	metrics  *metrics.Collector
	clock    clock.Clock
	logger   *slog.Logger

	flight singleflight.Group

	// Background replication outlives the caller's context.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Local == nil {
		return nil, fmt.Errorf("engine requires a local snapshot manager")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		local:    cfg.Local,
		remote:   cfg.Remote,
		recorder: cfg.Recorder,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "engine"),
		bgCtx:    bgCtx,
		bgCancel: cancel,
	}, nil
}

// Run performs one backup cycle and returns the new snapshot once it exists
// locally. Local pruning runs before Run returns; upload and remote pruning
// continue in the background and never affect the result.
func (e *Engine) Run(ctx context.Context, trigger Trigger) (snapshots.Snapshot, error) {
	v, err, shared := e.flight.Do("run", func() (interface{}, error) {
		return e.run(ctx, trigger)
	})
	if shared {
		e.logger.Debug("joined in-flight backup cycle", "trigger", trigger)
	}
	if err != nil {
		return snapshots.Snapshot{}, err
	}
	return v.(snapshots.Snapshot), nil
}

func (e *Engine) run(ctx context.Context, trigger Trigger) (snapshots.Snapshot, error) {
	start := e.clock.Now()
	snap, err := e.local.Create(ctx)
	e.metrics.Backup(err, e.clock.Now().Sub(start))
	if err != nil {
		e.logger.Error("backup failed", "trigger", trigger, "error", err)
		e.audit.Emit(audit.Event{Kind: audit.SnapshotFailed, Message: err.Error()})
		return snapshots.Snapshot{}, err
	}
	e.audit.Emit(audit.Event{
		Kind:       audit.SnapshotCreated,
		SnapshotID: snap.ID,
		Location:   snap.Location,
		Message:    string(trigger),
	})

	if e.recorder != nil {
		if err := e.recorder.MarkScheduleRun(ctx, snap.CreatedAt); err != nil {
			e.logger.Warn("failed to record last run", "error", err)
		}
	}

	e.pruneLocal(ctx)

	if e.remote != nil {
		e.bg.Add(1)
		go e.replicate(snap)
	}

	return snap, nil
}

// pruneLocal applies retention to the local repository. Its failures are
// logged and audited only; the snapshot already exists.
func (e *Engine) pruneLocal(ctx context.Context) {
	result, err := e.local.ApplyRetention(ctx)
	if err != nil {
		e.logger.Error("local prune failed", "error", err)
		e.audit.Emit(audit.Event{Kind: audit.PruneFailed, Location: e.local.Dir(), Message: err.Error()})
		return
	}

	e.metrics.Pruned(metrics.LocationLocal, len(result.Deleted))
	e.metrics.SetSnapshots(result.Kept + len(result.Failed))
	if len(result.Deleted) > 0 || len(result.Failed) > 0 {
		e.audit.Emit(audit.Event{
			Kind:     audit.LocalPruned,
			Location: e.local.Dir(),
			Message:  fmt.Sprintf("deleted %d, kept %d, failed %d", len(result.Deleted), result.Kept, len(result.Failed)),
		})
	}
}

func (e *Engine) replicate(snap snapshots.Snapshot) {
	defer e.bg.Done()

	result, err := e.remote.Replicate(e.bgCtx, snap)
	if !result.Uploaded {
		e.local.MarkUpload(snap.ID, snapshots.UploadFailed)
		e.metrics.Upload(err)
		e.audit.Emit(audit.Event{
			Kind:       audit.UploadFailed,
			SnapshotID: snap.ID,
			Location:   result.Key,
			Message:    errString(err),
		})
		return
	}

	e.local.MarkUpload(snap.ID, snapshots.UploadUploaded)
	e.metrics.Upload(nil)
	e.audit.Emit(audit.Event{Kind: audit.UploadSucceeded, SnapshotID: snap.ID, Location: result.Key})

	if err != nil {
		e.audit.Emit(audit.Event{Kind: audit.PruneFailed, Location: result.Key, Message: err.Error()})
	}
	e.metrics.Pruned(metrics.LocationRemote, len(result.Prune.Deleted))
	if len(result.Prune.Deleted) > 0 {
		e.audit.Emit(audit.Event{
			Kind:    audit.RemotePruned,
			Message: fmt.Sprintf("deleted %d, kept %d", len(result.Prune.Deleted), result.Prune.Kept),
		})
	}
}

// Restore replaces the live database with snapshot id, or the newest
// snapshot when id is Latest. It returns the restored snapshot's id.
func (e *Engine) Restore(ctx context.Context, id string) (string, error) {
	if id == Latest {
		snap, err := e.local.Latest(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %w", snapshots.ErrRestore, err)
			e.metrics.Restore(err)
			return "", err
		}
		id = snap.ID
	}

	err := e.local.Restore(ctx, id)
	e.metrics.Restore(err)
	if err != nil {
		e.logger.Error("restore failed", "id", id, "error", err)
		e.audit.Emit(audit.Event{Kind: audit.RestoreFailed, SnapshotID: id, Message: err.Error()})
		return id, err
	}
	e.audit.Emit(audit.Event{Kind: audit.RestoreSucceeded, SnapshotID: id})
	return id, nil
}

// List returns the local snapshots, newest first.
func (e *Engine) List(ctx context.Context) ([]snapshots.Snapshot, error) {
	return e.local.List(ctx)
}

// Wait blocks until all background replication has finished.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// Shutdown waits for background replication until ctx is done, then cancels
// whatever is still running.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.bgCancel()
		return nil
	case <-ctx.Done():
		e.bgCancel()
		<-done
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
