// Package scheduler drives backup cycles from a recurring timer whose
// interval can be changed while the process runs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/blackwell-systems/posvault/internal/store"
)

// DefaultSettleDelay is how long Reconfigure waits before restarting, so the
// configuration write that triggered it has completed.
const DefaultSettleDelay = time.Second

// State is the scheduler state.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// RunFunc performs one backup cycle.
type RunFunc func(ctx context.Context) error

// Interval resolves a schedule to a duration. Unknown units count as hours.
func Interval(cfg store.ScheduleConfig) time.Duration {
	unit := time.Hour
	if cfg.IntervalUnit == store.UnitMinutes {
		unit = time.Minute
	}
	return time.Duration(cfg.IntervalValue) * unit
}

// Scheduler owns at most one recurring timer.
//
// Stopping only prevents future firings: a cycle that is already running is
// never cancelled. Cycles are not serialised here; overlapping ticks are
// left to the RunFunc.
type Scheduler struct {
	run         RunFunc
	clock       clock.Clock
	logger      *slog.Logger
	settleDelay time.Duration

	mu         sync.Mutex
	state      State
	cfg        store.ScheduleConfig
	stop       chan struct{}
	timer      clock.Timer
	settle     clock.Timer
	generation uint64

	runs sync.WaitGroup
}

// New creates a stopped Scheduler.
func New(run RunFunc, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		run:         run,
		clock:       clk,
		logger:      logger.With("component", "scheduler"),
		settleDelay: DefaultSettleDelay,
	}
}

// SetSettleDelay changes the delay Reconfigure waits before restarting.
func (s *Scheduler) SetSettleDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleDelay = d
}

// Start cancels any running timer, triggers one cycle immediately and arms
// a recurring timer at the configured interval.
func (s *Scheduler) Start(cfg store.ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.cancelSettle()
	s.startLocked(cfg)
}

// Stop cancels the timer and any pending restart.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.cancelSettle()
	s.stopLocked()
}

// Reconfigure stops the timer and, if cfg is enabled, starts again with cfg
// after the settle delay. A later Reconfigure, Start or Stop supersedes a
// restart that has not happened yet.
func (s *Scheduler) Reconfigure(cfg store.ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	gen := s.generation
	s.cancelSettle()
	s.stopLocked()
	s.cfg = cfg

	if !cfg.Enabled {
		s.logger.Info("schedule disabled")
		return
	}

	s.settle = s.clock.AfterFunc(s.settleDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != gen {
			return
		}
		s.settle = nil
		s.startLocked(cfg)
	})
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the cached schedule.
func (s *Scheduler) Config() store.ScheduleConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Wait blocks until every cycle started by the scheduler has returned.
func (s *Scheduler) Wait() {
	s.runs.Wait()
}

func (s *Scheduler) startLocked(cfg store.ScheduleConfig) {
	s.stopLocked()

	interval := Interval(cfg)
	if interval <= 0 {
		s.logger.Warn("refusing to start with a non-positive interval", "value", cfg.IntervalValue, "unit", cfg.IntervalUnit)
		return
	}

	stop := make(chan struct{})
	timer := s.clock.NewTimer(interval)
	s.stop = stop
	s.timer = timer
	s.state = Running
	s.cfg = cfg

	s.logger.Info("schedule started", "interval", interval)
	s.fire()
	go s.loop(stop, timer, interval)
}

func (s *Scheduler) stopLocked() {
	if s.stop != nil {
		close(s.stop)
		s.timer.Stop()
		s.stop = nil
		s.timer = nil
		s.logger.Info("schedule stopped")
	}
	s.state = Stopped
}

func (s *Scheduler) cancelSettle() {
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
}

func (s *Scheduler) loop(stop <-chan struct{}, timer clock.Timer, interval time.Duration) {
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.Chan():
			select {
			case <-stop:
				return
			default:
			}
			s.fire()
			timer.Reset(interval)
		}
	}
}

// fire runs one cycle in its own goroutine so a slow cycle never delays the
// timer.
func (s *Scheduler) fire() {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if err := s.run(context.Background()); err != nil {
			s.logger.Error("scheduled backup failed", "error", err)
		}
	}()
}
