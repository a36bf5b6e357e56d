package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/posvault/internal/audit"
	"github.com/blackwell-systems/posvault/internal/engine"
	"github.com/blackwell-systems/posvault/internal/metrics"
	"github.com/blackwell-systems/posvault/internal/remote"
	"github.com/blackwell-systems/posvault/internal/scheduler"
	"github.com/blackwell-systems/posvault/internal/snapshots"
	"github.com/blackwell-systems/posvault/internal/store"
)

type fakeBackups struct {
	mu       sync.Mutex
	snaps    []snapshots.Snapshot
	runErr   error
	restored []string
}

func (f *fakeBackups) Run(ctx context.Context, trigger engine.Trigger) (snapshots.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return snapshots.Snapshot{}, f.runErr
	}
	t := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC).Add(time.Duration(len(f.snaps)) * time.Second)
	snap := snapshots.Snapshot{ID: snapshots.FormatName(t), CreatedAt: t}
	f.snaps = append([]snapshots.Snapshot{snap}, f.snaps...)
	return snap, nil
}

func (f *fakeBackups) List(ctx context.Context) ([]snapshots.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]snapshots.Snapshot(nil), f.snaps...), nil
}

func (f *fakeBackups) Restore(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == engine.Latest && len(f.snaps) > 0 {
		id = f.snaps[0].ID
	}
	for _, s := range f.snaps {
		if s.ID == id {
			f.restored = append(f.restored, id)
			return id, nil
		}
	}
	return id, fmt.Errorf("%w: %w", snapshots.ErrRestore, snapshots.ErrSnapshotNotFound)
}

type fakeScheduler struct {
	mu      sync.Mutex
	applied []store.ScheduleConfig
	state   scheduler.State
	active  store.ScheduleConfig
}

func (f *fakeScheduler) Reconfigure(cfg store.ScheduleConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, cfg)
	f.active = cfg
	f.state = scheduler.Stopped
	if cfg.Enabled {
		f.state = scheduler.Running
	}
}

func (f *fakeScheduler) State() scheduler.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeScheduler) Config() store.ScheduleConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Record(ctx context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type fixture struct {
	server    *httptest.Server
	backups   *fakeBackups
	store     *store.Store
	scheduler *fakeScheduler
	sink      *recordingSink
	audit     *audit.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	require.NoError(t, st.CreateSchema())
	t.Cleanup(func() { st.Close() })

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector()
	require.NoError(t, reg.Register(collector))
	collector.Backup(nil, time.Second)

	f := &fixture{
		backups:   &fakeBackups{},
		store:     st,
		scheduler: &fakeScheduler{},
		sink:      &recordingSink{},
	}
	f.audit = audit.NewDispatcher(nil, []audit.Sink{f.sink}, nil)

	srv := New(Options{
		Backups:   f.backups,
		Schedules: st,
		Scheduler: f.scheduler,
		Audit:     f.audit,
		Gatherer:  reg,
	})
	f.server = httptest.NewServer(srv)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(payload))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestCreateAndListBackups(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/backups", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created backupResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "posvault-20261019T093000.000Z.db", created.ID)

	resp, body = f.do(t, http.MethodGet, "/api/backups", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []snapshots.Snapshot
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)
}

func TestListBackups_EmptyIsArray(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/backups", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))
}

func TestCreateBackup_StorageFailure(t *testing.T) {
	f := newFixture(t)
	f.backups.runErr = fmt.Errorf("%w: disk full", snapshots.ErrStorage)

	resp, body := f.do(t, http.MethodPost, "/api/backups", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "disk full")
}

func TestRestoreBackup(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/backups", "")
	id := f.backups.snaps[0].ID

	resp, body := f.do(t, http.MethodPost, "/api/backups/"+id+"/restore", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"restored":"`+id+`"}`, string(body))

	resp, _ = f.do(t, http.MethodPost, "/api/backups/latest/restore", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{id, id}, f.backups.restored)
}

func TestRestoreBackup_NotFound(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/backups/posvault-20200101T000000.000Z.db/restore", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedule_GetDefault(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/schedule", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg store.ScheduleConfig
	require.NoError(t, json.Unmarshal(body, &cfg))
	assert.Equal(t, store.DefaultSchedule(), cfg)
}

func TestSchedule_PutPersistsAndReconfigures(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPut, "/api/schedule", `{"enabled":true,"interval_value":15,"interval_unit":"minutes"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	saved, err := f.store.GetSchedule(context.Background())
	require.NoError(t, err)
	assert.True(t, saved.Enabled)
	assert.Equal(t, 15, saved.IntervalValue)
	assert.Equal(t, store.UnitMinutes, saved.IntervalUnit)

	require.Len(t, f.scheduler.applied, 1)
	assert.Equal(t, saved, f.scheduler.applied[0])

	f.audit.Wait()
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, audit.ScheduleChanged, f.sink.events[0].Kind)
}

func TestSchedule_PutRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"below minimum", `{"enabled":true,"interval_value":5,"interval_unit":"minutes"}`},
		{"above maximum", `{"enabled":true,"interval_value":73,"interval_unit":"hours"}`},
		{"unknown unit", `{"enabled":true,"interval_value":2,"interval_unit":"days"}`},
		{"missing field", `{"enabled":true,"interval_value":2}`},
		{"malformed", `{"enabled":`},
		{"unknown field", `{"enabled":true,"interval_value":2,"interval_unit":"hours","cron":"* * * * *"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			resp, _ := f.do(t, http.MethodPut, "/api/schedule", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			saved, err := f.store.GetSchedule(context.Background())
			require.NoError(t, err)
			assert.Equal(t, store.DefaultSchedule(), saved)
			assert.Empty(t, f.scheduler.applied)
		})
	}
}

func TestSchedule_Active(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/schedule/active", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"state":"stopped","enabled":false,"interval_value":0,"interval_unit":""}`, string(body))

	resp, body = f.do(t, http.MethodPut, "/api/schedule", `{"enabled":true,"interval_value":45,"interval_unit":"minutes"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/schedule/active", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"state":"running","enabled":true,"interval_value":45,"interval_unit":"minutes"}`, string(body))
}

func TestSchedule_ActiveNeedsScheduler(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, st.CreateSchema())
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(New(Options{Backups: &fakeBackups{}, Schedules: st}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/schedule/active")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `posvault_backups_total{result="success"} 1`)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodDelete, "/api/backups", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", store.ErrConfigValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: %w", snapshots.ErrRestore, snapshots.ErrSnapshotNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: checksum", snapshots.ErrRestore), http.StatusInternalServerError},
		{fmt.Errorf("%w: copy", snapshots.ErrStorage), http.StatusInternalServerError},
		{fmt.Errorf("%w: timeout", remote.ErrTransport), http.StatusBadGateway},
		{store.ErrNotInitialized, http.StatusServiceUnavailable},
		{badRequest(fmt.Errorf("bad")), http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}

func TestListenAndServe_Shutdown(t *testing.T) {
	srv := New(Options{Backups: &fakeBackups{}, Schedules: nil})

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0", ready) }()

	addr := <-ready
	resp, err := http.Get("http://" + addr + "/api/backups")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
