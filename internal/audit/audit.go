// Package audit fans backup lifecycle events out to the audit log and to
// notification channels. Delivery is fire-and-forget: callers never block on
// it and never see its errors.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackwell-systems/posvault/internal/store"
)

// Kind names a lifecycle event.
type Kind string

const (
	SnapshotCreated  Kind = "snapshot_created"
	SnapshotFailed   Kind = "snapshot_failed"
	UploadSucceeded  Kind = "upload_succeeded"
	UploadFailed     Kind = "upload_failed"
	LocalPruned      Kind = "local_pruned"
	RemotePruned     Kind = "remote_pruned"
	PruneFailed      Kind = "prune_failed"
	RestoreSucceeded Kind = "restore_succeeded"
	RestoreFailed    Kind = "restore_failed"
	ScheduleChanged  Kind = "schedule_changed"
)

// Failure reports whether the kind records a failure.
func (k Kind) Failure() bool {
	switch k {
	case SnapshotFailed, UploadFailed, PruneFailed, RestoreFailed:
		return true
	}
	return false
}

// Event is one audited occurrence.
type Event struct {
	Kind       Kind
	SnapshotID string
	Location   string
	Message    string
	Time       time.Time
}

// Sink persists events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Notifier delivers events to people.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// StoreSink appends events to the backup_audit table.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink creates a sink over s.
func NewStoreSink(s *store.Store) *StoreSink {
	return &StoreSink{store: s}
}

// Record implements Sink.
func (s *StoreSink) Record(ctx context.Context, ev Event) error {
	return s.store.InsertAuditRecord(ctx, store.AuditRecord{
		ID:         uuid.NewString(),
		Kind:       string(ev.Kind),
		SnapshotID: ev.SnapshotID,
		Location:   ev.Location,
		Message:    ev.Message,
		CreatedAt:  ev.Time,
	})
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier writing to logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	if ev.Kind.Failure() {
		level = slog.LevelWarn
	}
	n.logger.Log(ctx, level, "backup event",
		"kind", ev.Kind,
		"snapshot", ev.SnapshotID,
		"location", ev.Location,
		"message", ev.Message,
	)
	return nil
}

const deliveryTimeout = 10 * time.Second

// Dispatcher delivers each event to every sink and notifier in its own
// goroutine.
type Dispatcher struct {
	sinks     []Sink
	notifiers []Notifier
	logger    *slog.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A nil logger uses slog.Default.
func NewDispatcher(logger *slog.Logger, sinks []Sink, notifiers []Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks:     sinks,
		notifiers: notifiers,
		logger:    logger.With("component", "audit"),
		now:       time.Now,
	}
}

// Emit hands ev to every sink and notifier and returns immediately.
// A nil Dispatcher discards the event.
func (d *Dispatcher) Emit(ev Event) {
	if d == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = d.now()
	}
	for _, s := range d.sinks {
		d.deliver("sink", ev, s.Record)
	}
	for _, n := range d.notifiers {
		d.deliver("notifier", ev, n.Notify)
	}
}

func (d *Dispatcher) deliver(target string, ev Event, fn func(context.Context, Event) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("audit delivery panicked", "target", target, "kind", ev.Kind, "panic", fmt.Sprint(r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := fn(ctx, ev); err != nil {
			d.logger.Warn("audit delivery failed", "target", target, "kind", ev.Kind, "error", err)
		}
	}()
}

// Wait blocks until every pending delivery has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
