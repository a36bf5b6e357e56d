package snapshots

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Snapshot files are named posvault-<UTC timestamp, millisecond resolution>.db,
// e.g. posvault-20261019T101530.123Z.db.
const (
	namePrefix   = "posvault-"
	nameSuffix   = ".db"
	nameLayout   = "20060102T150405.000Z"
	tempPrefix   = ".posvault-"
	tempSuffix   = ".tmp"
	nameStepSize = time.Millisecond
)

var namePattern = regexp.MustCompile(`^posvault-\d{8}T\d{6}\.\d{3}Z\.db$`)

// FormatName returns the snapshot file name for t.
func FormatName(t time.Time) string {
	return namePrefix + t.UTC().Format(nameLayout) + nameSuffix
}

// ParseName extracts the creation time from a snapshot file name.
// Unrecognised names return false and must never be treated as snapshots.
func ParseName(name string) (time.Time, bool) {
	if !namePattern.MatchString(name) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, namePrefix), nameSuffix)
	t, err := time.Parse(nameLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// namer hands out strictly increasing timestamps so two snapshots created in
// the same millisecond never share a name.
type namer struct {
	mu   sync.Mutex
	last time.Time
}

func (n *namer) next(now time.Time) time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := now.UTC().Truncate(nameStepSize)
	if !t.After(n.last) {
		t = n.last.Add(nameStepSize)
	}
	n.last = t
	return t
}

func tempName(id string) string {
	return tempPrefix + strings.TrimPrefix(id, namePrefix) + tempSuffix
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix)
}
