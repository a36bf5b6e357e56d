package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blackwell-systems/posvault/internal/config"
	"github.com/blackwell-systems/posvault/internal/snapshots"
	"github.com/blackwell-systems/posvault/internal/store"
)

func testServeConfig(t *testing.T) *config.Config {
	t.Helper()
	tmp := t.TempDir()
	return &config.Config{
		DatabasePath: filepath.Join(tmp, "pos.db"),
		SnapshotDir:  filepath.Join(tmp, "backups"),
		Listen:       "127.0.0.1:0",
		SettleDelay:  10 * time.Millisecond,
		Log: config.LogConfig{
			Level:      "error",
			Format:     "text",
			MaxSizeMB:  1,
			MaxBackups: 1,
		},
	}
}

// startServe runs serve in the background and returns the API base URL and
// a function that stops it and returns its error.
func startServe(t *testing.T, cfg *config.Config) (string, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, runtimeOptions{logWriter: io.Discard}, ready)
	}()

	select {
	case addr := <-ready:
		stopped := false
		stop := func() error {
			if stopped {
				return nil
			}
			stopped = true
			cancel()
			select {
			case err := <-done:
				return err
			case <-time.After(10 * time.Second):
				t.Fatal("serve did not stop")
				return nil
			}
		}
		t.Cleanup(func() { stop() })
		return "http://" + addr, stop
	case err := <-done:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("serve did not start")
	}
	return "", nil
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
}

func TestServeAPI(t *testing.T) {
	cfg := testServeConfig(t)
	base, stop := startServe(t, cfg)

	var sched store.ScheduleConfig
	getJSON(t, base+"/api/schedule", &sched)
	if sched != store.DefaultSchedule() {
		t.Errorf("schedule = %+v, want default", sched)
	}

	resp, err := http.Post(base+"/api/backups", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/backups: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /api/backups: status %d, want 201", resp.StatusCode)
	}

	var snaps []snapshots.Snapshot
	getJSON(t, base+"/api/backups", &snaps)
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}

	if err := stop(); err != nil {
		t.Errorf("serve returned error: %v", err)
	}
}

func TestServeStartsEnabledSchedule(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.Schedule = &config.ScheduleConfig{Enabled: true, IntervalValue: 8, IntervalUnit: store.UnitMinutes}
	base, stop := startServe(t, cfg)

	var sched store.ScheduleConfig
	getJSON(t, base+"/api/schedule", &sched)
	if !sched.Enabled || sched.IntervalValue != 8 || sched.IntervalUnit != store.UnitMinutes {
		t.Errorf("schedule block not applied: %+v", sched)
	}

	// Starting an enabled schedule takes a snapshot right away.
	deadline := time.Now().Add(10 * time.Second)
	for {
		var snaps []snapshots.Snapshot
		getJSON(t, base+"/api/backups", &snaps)
		if len(snaps) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no scheduled snapshot was taken")
		}
		time.Sleep(20 * time.Millisecond)
	}

	var active struct {
		State string `json:"state"`
		store.ScheduleConfig
	}
	getJSON(t, base+"/api/schedule/active", &active)
	if active.State != "running" || active.IntervalValue != 8 || active.IntervalUnit != store.UnitMinutes {
		t.Errorf("active schedule = %+v, want running every 8 minutes", active)
	}

	if err := stop(); err != nil {
		t.Errorf("serve returned error: %v", err)
	}
}

func TestServeRemovesTempFiles(t *testing.T) {
	cfg := testServeConfig(t)

	if err := os.MkdirAll(cfg.SnapshotDir, 0755); err != nil {
		t.Fatal(err)
	}
	leftover := filepath.Join(cfg.SnapshotDir, ".posvault-20260101T000000.000Z.db.tmp")
	unrelated := filepath.Join(cfg.SnapshotDir, "notes.txt")
	for _, path := range []string{leftover, unrelated} {
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	_, stop := startServe(t, cfg)
	defer stop()

	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Errorf("temporary file %s was not removed", leftover)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Errorf("unrelated file was touched: %v", err)
	}
}
