package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/blackwell-systems/posvault/internal/audit"
	"github.com/blackwell-systems/posvault/internal/config"
	"github.com/blackwell-systems/posvault/internal/engine"
	"github.com/blackwell-systems/posvault/internal/logging"
	"github.com/blackwell-systems/posvault/internal/metrics"
	"github.com/blackwell-systems/posvault/internal/remote"
	"github.com/blackwell-systems/posvault/internal/snapshots"
	"github.com/blackwell-systems/posvault/internal/store"
)

// shutdownTimeout bounds how long a command waits for background uploads.
const shutdownTimeout = 2 * time.Minute

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if snapshotDir != "" {
		cfg.SnapshotDir = snapshotDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// defaultPath returns name inside the config directory, creating it.
func defaultPath(name string) (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return filepath.Join(dir, name), nil
}

// pidFilePath returns the PID file for the daemon: the flag, the config
// value, or posvault.pid in the config directory.
func pidFilePath(cfg *config.Config, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if cfg.PIDFile != "" {
		return cfg.PIDFile, nil
	}
	return defaultPath("posvault.pid")
}

// runtime is the wired set of components a command works with.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	primary  *store.Store
	store    *store.Store
	local    *snapshots.Manager
	remote   *remote.Replicator
	audit    *audit.Dispatcher
	metrics  *metrics.Collector
	registry *prometheus.Registry
	engine   *engine.Engine

	logCloser io.Closer
}

type runtimeOptions struct {
	// logWriter receives the log unless the config names a file.
	logWriter io.Writer
	// logFile overrides cfg.Log.File.
	logFile string
	// withRemote builds the replicator when remote.enabled is set.
	withRemote bool
}

// openRuntime wires the POS and state databases, snapshot manager, replicator, audit and
// engine from cfg.
func openRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	logOpts := logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	if opts.logFile != "" {
		logOpts.File = opts.logFile
	}
	logger, logCloser, err := logging.New(opts.logWriter, logOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	primary, err := store.New(cfg.DatabasePath)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Schedule and audit rows live outside the POS database so that
	// restoring it does not roll them back.
	st, err := store.New(cfg.StateFile())
	if err != nil {
		primary.Close()
		logCloser.Close()
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := st.CreateSchema(); err != nil {
		st.Close()
		primary.Close()
		logCloser.Close()
		return nil, fmt.Errorf("failed to create backup tables: %w", err)
	}

	rt := &runtime{
		cfg:       cfg,
		logger:    logger,
		primary:   primary,
		store:     st,
		local:     snapshots.New(primary, cfg.SnapshotDir, nil, logger.With("component", "snapshots")),
		metrics:   metrics.NewCollector(),
		registry:  prometheus.NewRegistry(),
		logCloser: logCloser,
	}
	rt.registry.MustRegister(rt.metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.audit = audit.NewDispatcher(logger,
		[]audit.Sink{audit.NewStoreSink(st)},
		[]audit.Notifier{audit.NewLogNotifier(logger)},
	)

	if opts.withRemote && cfg.Remote.Enabled {
		rt.remote, err = newReplicator(ctx, cfg.Remote, logger)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
	}

	ecfg := engine.Config{
		Local:    rt.local,
		Recorder: st,
		Audit:    rt.audit,
		Metrics:  rt.metrics,
		Logger:   logger,
	}
	// A nil *Replicator must not become a non-nil interface.
	if rt.remote != nil {
		ecfg.Remote = rt.remote
	}
	rt.engine, err = engine.New(ecfg)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func newReplicator(ctx context.Context, cfg config.RemoteConfig, logger *slog.Logger) (*remote.Replicator, error) {
	s3, err := remote.NewS3Store(ctx, remote.S3Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		UsePathStyle:    cfg.PathStyle,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure remote store: %w", err)
	}
	logger.Info("remote replication enabled", "bucket", s3.Bucket(), "prefix", cfg.Prefix)
	return remote.New(s3, remote.Config{
		Prefix:     cfg.Prefix,
		Attempts:   cfg.Attempts,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	}), nil
}

// Close waits for background replication and audit delivery, then releases
// the databases and log file.
func (rt *runtime) Close(ctx context.Context) error {
	if rt.engine != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := rt.engine.Shutdown(shutdownCtx); err != nil {
			rt.logger.Warn("background replication did not finish", "error", err)
		}
	}
	rt.audit.Wait()

	err := rt.store.Close()
	if cerr := rt.primary.Close(); err == nil {
		err = cerr
	}
	if cerr := rt.logCloser.Close(); err == nil {
		err = cerr
	}
	return err
}

// applyScheduleBlock persists the schedule block of the config file when it
// differs from the stored schedule. It reports whether anything changed.
func applyScheduleBlock(ctx context.Context, rt *runtime, block *config.ScheduleConfig) (store.ScheduleConfig, bool, error) {
	current, err := rt.store.GetSchedule(ctx)
	if err != nil {
		return store.ScheduleConfig{}, false, err
	}
	if block == nil {
		return current, false, nil
	}
	want := block.Store()
	if current.Enabled == want.Enabled && current.IntervalValue == want.IntervalValue && current.IntervalUnit == want.IntervalUnit {
		return current, false, nil
	}

	saved, err := rt.store.SetSchedule(ctx, want.Enabled, want.IntervalValue, want.IntervalUnit)
	if err != nil {
		return store.ScheduleConfig{}, false, err
	}
	rt.audit.Emit(audit.Event{
		Kind:    audit.ScheduleChanged,
		Message: fmt.Sprintf("from config file: enabled=%t every %d %s", saved.Enabled, saved.IntervalValue, saved.IntervalUnit),
	})
	return saved, true, nil
}

// confirm prompts on out and reads a yes/no answer from in.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)

	reader := bufio.NewReader(in)
	response, err := reader.ReadString('\n')
	if err != nil && response == "" {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
