package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/blackwell-systems/posvault/internal/retention"
	"github.com/blackwell-systems/posvault/internal/snapshots"
)

const (
	DefaultAttempts   = 3
	DefaultRetryDelay = 2 * time.Second
	maxRetryDelay     = 30 * time.Second
)

// Config configures a Replicator.
type Config struct {
	// Prefix is the folder snapshots are stored under.
	Prefix     string
	Attempts   int
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

// PruneResult reports a remote prune pass.
type PruneResult struct {
	Listed  int
	Kept    int
	Deleted []string
	Failed  []string
}

// Result reports one replication of a snapshot.
type Result struct {
	Key      string
	Uploaded bool
	Pruned   bool
	Prune    PruneResult
}

// Replicator uploads snapshots and keeps the remote listing within the
// retention policy.
type Replicator struct {
	store    ObjectStore
	prefix   string
	attempts int
	delay    time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	// keep is retention.Keep; tests replace it to observe when it runs.
	keep func([]retention.Record, time.Time) retention.KeepSet
}

// New creates a Replicator over store.
func New(store ObjectStore, cfg Config) *Replicator {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Replicator{
		store:    store,
		prefix:   cfg.Prefix,
		attempts: cfg.Attempts,
		delay:    cfg.RetryDelay,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "remote"),
		keep:     retention.Keep,
	}
}

// Replicate uploads snap and, only if the upload succeeded, prunes the remote
// listing. Failures are wrapped in ErrTransport; the partial Result says how
// far the cycle got.
func (r *Replicator) Replicate(ctx context.Context, snap snapshots.Snapshot) (Result, error) {
	key, err := r.Upload(ctx, snap)
	if err != nil {
		return Result{Key: key}, err
	}

	result := Result{Key: key, Uploaded: true}
	prune, err := r.Prune(ctx)
	result.Prune = prune
	if err != nil {
		return result, err
	}
	result.Pruned = true
	return result, nil
}

// Upload copies the snapshot file to its remote key, retrying transient
// failures with a doubling delay. Uploading the same snapshot twice
// overwrites the object.
func (r *Replicator) Upload(ctx context.Context, snap snapshots.Snapshot) (string, error) {
	key := Key(r.prefix, snap.ID)

	err := r.call(ctx, "upload", func() error {
		f, err := os.Open(snap.Location)
		if err != nil {
			return fmt.Errorf("failed to open snapshot: %w", err)
		}
		defer f.Close()
		return r.store.Upload(ctx, key, f, snap.SizeBytes)
	})
	if err != nil {
		r.logger.Error("upload failed", "id", snap.ID, "key", key, "error", err)
		return key, fmt.Errorf("%w: upload %s: %v", ErrTransport, key, err)
	}

	r.logger.Info("snapshot uploaded", "id", snap.ID, "key", key, "size", snap.SizeBytes)
	return key, nil
}

// List drains the remote listing and returns the recognised snapshots.
func (r *Replicator) List(ctx context.Context) ([]Snapshot, error) {
	var objects []Object
	err := r.call(ctx, "list", func() error {
		var err error
		objects, err = Drain(ctx, r.store.List(ctx, listPrefix(r.prefix)))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %q: %v", ErrTransport, r.prefix, err)
	}
	return recognise(r.prefix, objects), nil
}

// Plan reports what Prune would keep and delete without deleting anything.
func (r *Replicator) Plan(ctx context.Context) (retention.Plan, error) {
	snaps, err := r.List(ctx)
	if err != nil {
		return retention.Plan{}, err
	}
	records := make([]retention.Record, len(snaps))
	for i, s := range snaps {
		records[i] = retention.Record{ID: s.ID, CreatedAt: s.CreatedAt}
	}
	return retention.NewPlan(records, r.clock.Now()), nil
}

// Prune applies the retention policy to the complete remote listing and
// deletes the rest in chunks of at most MaxBatch keys. A failed chunk is
// logged and the remaining chunks are still attempted.
func (r *Replicator) Prune(ctx context.Context) (PruneResult, error) {
	snaps, err := r.List(ctx)
	if err != nil {
		r.logger.Error("remote listing failed", "error", err)
		return PruneResult{}, err
	}

	records := make([]retention.Record, len(snaps))
	for i, s := range snaps {
		records[i] = retention.Record{ID: s.ID, CreatedAt: s.CreatedAt}
	}
	keep := r.keep(records, r.clock.Now())

	result := PruneResult{Listed: len(snaps)}
	var doomed []string
	for _, s := range snaps {
		if keep.Has(s.ID) {
			result.Kept++
			continue
		}
		doomed = append(doomed, s.Key)
	}

	batch := r.store.MaxBatch()
	if batch <= 0 {
		batch = 1
	}

	var errs []error
	for start := 0; start < len(doomed); start += batch {
		end := min(start+batch, len(doomed))
		chunk := doomed[start:end]
		if err := r.store.BatchDelete(ctx, chunk); err != nil {
			r.logger.Error("remote delete failed", "keys", len(chunk), "error", err)
			result.Failed = append(result.Failed, chunk...)
			errs = append(errs, err)
			continue
		}
		result.Deleted = append(result.Deleted, chunk...)
	}

	if len(result.Deleted) > 0 {
		r.logger.Info("remote snapshots pruned", "deleted", len(result.Deleted), "kept", result.Kept)
	}
	if len(errs) > 0 {
		return result, fmt.Errorf("%w: delete: %w", ErrTransport, errors.Join(errs...))
	}
	return result, nil
}

// call runs fn with the retry policy. Permanent service errors and context
// cancellation stop the loop early.
func (r *Replicator) call(ctx context.Context, op string, fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return isPermanent(err) || errors.Is(err, context.Canceled)
		},
		NotifyFunc: func(err error, attempt int) {
			r.logger.Warn("remote operation failed", "op", op, "attempt", attempt, "error", err)
		},
		Attempts:    r.attempts,
		Delay:       r.delay,
		MaxDelay:    maxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return retry.LastError(err)
	}
	return nil
}
