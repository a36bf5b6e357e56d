package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/posvault/internal/api"
	"github.com/blackwell-systems/posvault/internal/config"
	"github.com/blackwell-systems/posvault/internal/daemon"
	"github.com/blackwell-systems/posvault/internal/engine"
	"github.com/blackwell-systems/posvault/internal/output"
	"github.com/blackwell-systems/posvault/internal/scheduler"
	"github.com/blackwell-systems/posvault/internal/store"
)

var (
	serveDaemon      bool
	serveDaemonChild bool
	servePIDFile     string
	serveLogFile     string
	serveStop        bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the backup scheduler and HTTP API",
		Long: `Run the recurring backup schedule and the operational HTTP API.

On start, leftover temporary files from an interrupted snapshot are removed
and the schedule is started if enabled, which takes a snapshot right away.
When the config file has a schedule block it is saved and applied, and
edits to the file are picked up while running.

HTTP API:
  POST /api/backups                take a snapshot now
  GET  /api/backups                list snapshots
  POST /api/backups/{id}/restore   restore a snapshot (or "latest")
  GET  /api/schedule               show the schedule
  PUT  /api/schedule               change the schedule
  GET  /api/schedule/active        show the schedule the timer is running
  GET  /metrics                    prometheus metrics

Modes:
  • Foreground (default): Run in the current terminal, Ctrl+C to stop
  • Daemon: Run as a background process tracked by a PID file
  • Stop: Stop a running daemon`,
		Example: `  # Run in foreground (Ctrl+C to stop)
  posvault serve

  # Run as background daemon
  posvault serve --daemon

  # Stop running daemon
  posvault serve --stop

  # Use custom PID and log files
  posvault serve --daemon --pid-file /run/posvault.pid --log-file /var/log/posvault.log`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
)

func init() {
	serveCmd.Flags().BoolVar(&serveDaemon, "daemon", false, "run as background daemon")
	serveCmd.Flags().BoolVar(&serveDaemonChild, "daemon-child", false, "internal flag for daemon child process")
	serveCmd.Flags().StringVar(&servePIDFile, "pid-file", "", "PID file path (default: pid_file or ~/.config/posvault/posvault.pid)")
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "", "daemon log file (default: log.file or ~/.config/posvault/posvault.log)")
	serveCmd.Flags().BoolVar(&serveStop, "stop", false, "stop running daemon")

	serveCmd.Flags().MarkHidden("daemon-child")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile, err := pidFilePath(cfg, servePIDFile)
	if err != nil {
		return err
	}

	if serveStop {
		return stopServeDaemon(cmd, pidFile)
	}

	logFile := serveLogFile
	if logFile == "" && (serveDaemon || serveDaemonChild) {
		logFile = cfg.Log.File
		if logFile == "" {
			if logFile, err = defaultPath("posvault.log"); err != nil {
				return err
			}
		}
	}

	if serveDaemon {
		return startServeDaemon(cmd, pidFile, logFile)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if serveDaemonChild {
		// The parent wrote the PID file; remove it on the way out.
		defer daemon.RemovePID(pidFile, os.Getpid())
		return serve(ctx, cfg, runtimeOptions{logFile: logFile, withRemote: true}, nil)
	}

	running, err := daemon.IsRunning(pidFile)
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}
	if running {
		return fmt.Errorf("daemon already running (PID file: %s)", pidFile)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Serving on %s (press Ctrl+C to stop)...\n", cfg.Listen)
	err = serve(ctx, cfg, runtimeOptions{logWriter: cmd.ErrOrStderr(), withRemote: true}, nil)
	fmt.Fprintln(out, "Stopped.")
	return err
}

// serve runs the scheduler, config watcher and HTTP API until ctx is done.
// ready, if non-nil, receives the API address once it is listening.
func serve(ctx context.Context, cfg *config.Config, opts runtimeOptions, ready chan<- string) error {
	rt, err := openRuntime(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	logger := rt.logger

	if n, err := rt.local.CleanupTemp(); err != nil {
		logger.Warn("failed to clean temporary snapshot files", "error", err)
	} else if n > 0 {
		logger.Info("removed temporary snapshot files", "count", n)
	}

	sched := scheduler.New(func(ctx context.Context) error {
		_, err := rt.engine.Run(ctx, engine.TriggerScheduled)
		return err
	}, nil, logger)
	sched.SetSettleDelay(cfg.SettleDelay)
	defer func() {
		sched.Stop()
		sched.Wait()
	}()

	current, _, err := applyScheduleBlock(ctx, rt, cfg.Schedule)
	if err != nil {
		if errors.Is(err, store.ErrConfigValidation) {
			return err
		}
		return fmt.Errorf("failed to load schedule: %w", err)
	}
	if current.Enabled {
		sched.Start(current)
	} else {
		logger.Info("schedule disabled")
	}

	errCh := make(chan error, 1)

	// The watcher shares rt, so it must be gone before rt is closed.
	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	defer func() {
		stopWatch()
		<-watchDone
	}()

	if cfg.File == "" {
		close(watchDone)
	} else {
		go func() {
			defer close(watchDone)
			err := config.Watch(watchCtx, cfg.File, config.DefaultDebounce, logger, func(next *config.Config) {
				saved, changed, err := applyScheduleBlock(watchCtx, rt, next.Schedule)
				if err != nil {
					logger.Error("failed to apply schedule from config", "error", err)
					return
				}
				if changed {
					sched.Reconfigure(saved)
				}
			})
			if err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	server := api.New(api.Options{
		Backups:   rt.engine,
		Schedules: rt.store,
		Scheduler: sched,
		Audit:     rt.audit,
		Gatherer:  rt.registry,
		Logger:    logger,
	})
	go func() {
		errCh <- server.ListenAndServe(ctx, cfg.Listen, ready)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func stopServeDaemon(cmd *cobra.Command, pidFile string) error {
	out := cmd.OutOrStdout()
	running, err := daemon.IsRunning(pidFile)
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}
	if !running {
		fmt.Fprintln(out, "Daemon is not running")
		return nil
	}

	spinner := output.NewSpinner("Stopping daemon")
	spinner.SetWriter(out)
	spinner.Start()
	if err := daemon.Stop(pidFile, 30*time.Second); err != nil {
		spinner.Stop()
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	spinner.StopWithMessage("✓ Daemon stopped")
	return nil
}

func startServeDaemon(cmd *cobra.Command, pidFile, logFile string) error {
	out := cmd.OutOrStdout()

	childArgs := []string{"serve", "--daemon-child", "--pid-file", pidFile, "--log-file", logFile}
	if cfgFile != "" {
		childArgs = append(childArgs, "--config", cfgFile)
	}
	if dbPath != "" {
		childArgs = append(childArgs, "--db", dbPath)
	}
	if snapshotDir != "" {
		childArgs = append(childArgs, "--snapshot-dir", snapshotDir)
	}
	if logLevel != "" {
		childArgs = append(childArgs, "--log-level", logLevel)
	}

	spinner := output.NewSpinner("Starting daemon")
	spinner.SetWriter(out)
	spinner.Start()
	pid, err := daemon.Start(daemon.Options{
		PIDFile: pidFile,
		LogFile: logFile + ".stderr",
		Args:    childArgs,
	})
	if err != nil {
		spinner.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	spinner.StopWithMessage("✓ Daemon started")

	fmt.Fprintf(out, "\nBackup daemon started (PID %d)\n", pid)
	fmt.Fprintf(out, "  PID file: %s\n", pidFile)
	fmt.Fprintf(out, "  Log file: %s\n", logFile)
	fmt.Fprintf(out, "\nTo stop: posvault serve --stop\n")
	return nil
}
