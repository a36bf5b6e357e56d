// Package remote replicates local snapshots to an object store and applies
// the retention policy to the remote listing.
package remote

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/blackwell-systems/posvault/internal/snapshots"
)

// ErrTransport marks a failed upload, listing or deletion against the object
// store. It never escapes the background replication task.
var ErrTransport = errors.New("remote transport failure")

// Object is one entry of a remote listing.
type Object struct {
	Key string
}

// ObjectStore is the client side of a remote object store.
type ObjectStore interface {
	// Upload writes body under key, overwriting any existing object.
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	// List returns a pager over every object under prefix.
	List(ctx context.Context, prefix string) Pager
	// BatchDelete removes keys. len(keys) never exceeds MaxBatch.
	BatchDelete(ctx context.Context, keys []string) error
	// MaxBatch is the provider ceiling on keys per BatchDelete call.
	MaxBatch() int
}

// Pager is a cursor over a paginated listing.
type Pager interface {
	HasMorePages() bool
	NextPage(ctx context.Context) ([]Object, error)
}

// Drain consumes every page of p. A listing is only usable once it is
// complete, so any page error discards what was read so far.
func Drain(ctx context.Context, p Pager) ([]Object, error) {
	var all []Object
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
	}
	return all, nil
}

// Snapshot is a recognised remote snapshot object.
type Snapshot struct {
	ID        string
	Key       string
	CreatedAt time.Time
}

// Key joins prefix and a snapshot id into an object key.
func Key(prefix, id string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return id
	}
	return prefix + "/" + id
}

// listPrefix is the listing prefix for a key prefix.
func listPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// recognise filters a raw listing down to snapshot objects directly under
// prefix. Anything else is ignored and never becomes a deletion candidate.
func recognise(prefix string, objects []Object) []Snapshot {
	lp := listPrefix(prefix)
	snaps := make([]Snapshot, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, lp) {
			continue
		}
		name := strings.TrimPrefix(obj.Key, lp)
		if strings.Contains(name, "/") {
			continue
		}
		createdAt, ok := snapshots.ParseName(name)
		if !ok {
			continue
		}
		snaps = append(snaps, Snapshot{ID: name, Key: obj.Key, CreatedAt: createdAt})
	}
	return snaps
}
