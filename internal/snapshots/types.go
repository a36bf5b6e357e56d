package snapshots

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/blackwell-systems/posvault/internal/retention"
)

var (
	// ErrStorage marks a failed local copy or enumeration.
	ErrStorage = errors.New("snapshot storage failure")

	// ErrRestore marks a failed restore. The live database is either
	// unchanged or fully replaced when it is returned.
	ErrRestore = errors.New("restore failed")

	// ErrSnapshotNotFound is returned for unknown or malformed snapshot ids.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// UploadStatus tracks replication of a local snapshot.
type UploadStatus string

const (
	UploadUnknown  UploadStatus = ""
	UploadPending  UploadStatus = "pending"
	UploadUploaded UploadStatus = "uploaded"
	UploadFailed   UploadStatus = "failed"
)

// Snapshot is one point-in-time copy of the primary database.
type Snapshot struct {
	ID           string       `json:"id" yaml:"id"`
	CreatedAt    time.Time    `json:"created_at" yaml:"created_at"`
	SizeBytes    int64        `json:"size_bytes" yaml:"size_bytes"`
	Location     string       `json:"location" yaml:"location"`
	UploadStatus UploadStatus `json:"upload_status,omitempty" yaml:"upload_status,omitempty"`
}

// Record returns the retention view of the snapshot.
func (s Snapshot) Record() retention.Record {
	return retention.Record{ID: s.ID, CreatedAt: s.CreatedAt}
}

// Records converts a listing for retention.Keep.
func Records(snaps []Snapshot) []retention.Record {
	records := make([]retention.Record, len(snaps))
	for i, s := range snaps {
		records[i] = s.Record()
	}
	return records
}

// Primary is the live database the snapshots are taken from.
type Primary interface {
	// Path returns the live database file.
	Path() string
	// CopyTo writes a consistent copy of the live database to dest.
	CopyTo(ctx context.Context, dest string) error
	// Swap atomically replaces the live database with replacement and reopens it.
	Swap(ctx context.Context, replacement string) error
}

// PruneResult reports a local prune pass.
type PruneResult struct {
	Kept    int
	Deleted []string
	Failed  []string
}

// Manager is the local snapshot repository: a directory of database copies
// named after their creation time.
//
// Create and Prune may run together: Create only adds names and Prune only
// deletes names from the listing its keep-set was computed on. Restore
// excludes both.
type Manager struct {
	lock        sync.RWMutex
	primary     Primary
	snapshotDir string
	clock       clock.Clock
	logger      *slog.Logger
	names       *namer

	statusMu sync.Mutex
	status   map[string]UploadStatus
}

// New creates a new snapshot Manager.
func New(primary Primary, snapshotDir string, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		primary:     primary,
		snapshotDir: snapshotDir,
		clock:       clk,
		logger:      logger,
		names:       &namer{},
		status:      make(map[string]UploadStatus),
	}
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string {
	return m.snapshotDir
}

// MarkUpload records the replication state of a snapshot for listings.
func (m *Manager) MarkUpload(id string, status UploadStatus) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.status[id] = status
}

func (m *Manager) uploadStatus(id string) UploadStatus {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status[id]
}
