// Package scheduler runs the single worker loop that drives deprecation and
// synchronization of calendar streams, one stream at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/robfig/cron/v3"

	"pickupcal/internal/calendar"
	"pickupcal/internal/lifecycle"
	"pickupcal/internal/metrics"
	"pickupcal/internal/store"
	"pickupcal/internal/syncer"
)

// State is the scheduler state.
type State string

const (
	StateIdle        State = "idle"
	StateRunning     State = "running"
	StateCoolingDown State = "cooling-down"
)

var states = []string{string(StateIdle), string(StateRunning), string(StateCoolingDown)}

// StreamSyncer is the event synchronizer as seen by the scheduler.
type StreamSyncer interface {
	SyncStream(ctx context.Context, streamID string) (syncer.Result, error)
}

// LifecycleProcessor is the deprecation manager as seen by the scheduler.
type LifecycleProcessor interface {
	Process(ctx context.Context, streamID string) (lifecycle.Outcome, error)
}

// Options configures a Scheduler.
type Options struct {
	Clock clock.Clock
	// Interval is the pause between two ticks.
	Interval time.Duration
	// Cooldown is how long new work is suspended after a rate limit.
	Cooldown time.Duration
	Metrics  *metrics.Metrics
	// MaintenanceSchedule is a cron expression for Maintenance. Empty
	// disables the job.
	MaintenanceSchedule string
	Maintenance         func(ctx context.Context) error
}

// TickReport summarizes one tick.
type TickReport struct {
	Lifecycle   int
	Synced      int
	Failed      int
	Maintenance bool
	// CoolingDown is true when the tick started or ended in cool-down.
	CoolingDown bool
	// Interrupted is true when shutdown stopped the tick early.
	Interrupted bool
}

// Scheduler is the polling loop.
type Scheduler struct {
	logger    *slog.Logger
	clock     clock.Clock
	store     store.Store
	syncer    StreamSyncer
	lifecycle LifecycleProcessor
	interval  time.Duration
	cooldown  time.Duration
	metrics   *metrics.Metrics

	maintenance     func(ctx context.Context) error
	schedule        cron.Schedule
	nextMaintenance time.Time

	mu            sync.Mutex
	state         State
	cooldownUntil time.Time
}

// New creates a Scheduler.
func New(logger *slog.Logger, st store.Store, sy StreamSyncer, lc LifecycleProcessor, opts Options) (*Scheduler, error) {
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	s := &Scheduler{
		logger:      logger,
		clock:       opts.Clock,
		store:       st,
		syncer:      sy,
		lifecycle:   lc,
		interval:    opts.Interval,
		cooldown:    opts.Cooldown,
		metrics:     opts.Metrics,
		maintenance: opts.Maintenance,
		state:       StateIdle,
	}
	if opts.MaintenanceSchedule != "" && opts.Maintenance != nil {
		sched, err := cron.ParseStandard(opts.MaintenanceSchedule)
		if err != nil {
			return nil, fmt.Errorf("invalid maintenance schedule %q: %w", opts.MaintenanceSchedule, err)
		}
		s.schedule = sched
		s.nextMaintenance = sched.Next(s.clock.Now())
	}
	s.metrics.SetState(string(StateIdle), states...)
	return s, nil
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.metrics.SetState(string(state), states...)
}

// coolingDown reports whether new work is suspended, leaving cool-down
// once the window has passed.
func (s *Scheduler) coolingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCoolingDown {
		return false
	}
	if s.clock.Now().Before(s.cooldownUntil) {
		return true
	}
	s.state = StateIdle
	s.logger.Info("Cool-down over; resuming work.")
	return false
}

func (s *Scheduler) enterCooldown(err error) {
	s.mu.Lock()
	s.cooldownUntil = s.clock.Now().Add(s.cooldown)
	until := s.cooldownUntil
	s.mu.Unlock()
	s.setState(StateCoolingDown)
	s.metrics.CooledDown()
	s.logger.Warn("Calendar provider rate limit hit; cooling down.", "until", until, "error", err)
}

// Run ticks until ctx is cancelled. A stream being processed when ctx is
// cancelled is finished; no new stream is started.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting sync scheduler.", "interval", s.interval, "cooldown", s.cooldown)
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("Scheduler tick failed.", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Sync scheduler stopped.")
			return nil
		case <-s.clock.After(s.wait()):
		}
	}
}

// wait is the pause before the next tick.
func (s *Scheduler) wait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCoolingDown {
		if d := s.cooldownUntil.Sub(s.clock.Now()); d > s.interval {
			return d
		}
	}
	return s.interval
}

// Tick runs one pass: lifecycle work first, then the optional maintenance
// job, then every stream that needs a sync.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	if s.coolingDown() {
		report.CoolingDown = true
		s.logger.Debug("Cooling down; skipping tick.")
		return report, nil
	}
	s.setState(StateRunning)
	defer func() {
		if s.State() == StateRunning {
			s.setState(StateIdle)
		}
	}()

	stop, err := s.lifecyclePass(ctx, &report)
	if err != nil || stop {
		return report, err
	}
	if stop := s.runMaintenance(ctx, &report); stop {
		return report, nil
	}
	if _, err := s.syncPass(ctx, &report); err != nil {
		return report, err
	}
	if report.Lifecycle+report.Synced+report.Failed > 0 {
		s.logger.Info("Scheduler tick finished.", "lifecycle", report.Lifecycle, "synced", report.Synced, "failed", report.Failed)
	}
	return report, nil
}

func (s *Scheduler) list(ctx context.Context, filter store.StreamFilter) ([]string, error) {
	var ids []string
	err := s.store.View(ctx, func(tx store.Tx) error {
		all, err := tx.ListStreams(ctx, filter)
		for _, cs := range all {
			ids = append(ids, cs.ID)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return ids, nil
}

// each calls fn for every id under a context that survives shutdown, and
// stops before the next id once ctx is done or fn hits a rate limit.
func (s *Scheduler) each(ctx context.Context, ids []string, report *TickReport, fn func(context.Context, string) error) bool {
	work := context.WithoutCancel(ctx)
	for _, id := range ids {
		if ctx.Err() != nil {
			report.Interrupted = true
			return true
		}
		err := fn(work, id)
		switch {
		case err == nil:
		case calendar.IsRateLimited(err):
			report.Failed++
			report.CoolingDown = true
			s.enterCooldown(err)
			return true
		default:
			report.Failed++
			s.logger.Error("Failed to process calendar stream.", "streamID", id, "error", err)
		}
	}
	return false
}

func (s *Scheduler) lifecyclePass(ctx context.Context, report *TickReport) (bool, error) {
	ids, err := s.list(ctx, store.StreamFilter{Deprecating: true, WithNotices: true})
	if err != nil {
		return false, err
	}
	return s.each(ctx, ids, report, func(ctx context.Context, id string) error {
		outcome, err := s.lifecycle.Process(ctx, id)
		if outcome != lifecycle.OutcomeNone && outcome != lifecycle.OutcomeWaiting {
			report.Lifecycle++
		}
		return err
	}), nil
}

func (s *Scheduler) syncPass(ctx context.Context, report *TickReport) (bool, error) {
	ids, err := s.list(ctx, store.StreamFilter{NeedsSync: true})
	if err != nil {
		return false, err
	}
	return s.each(ctx, ids, report, func(ctx context.Context, id string) error {
		res, err := s.syncer.SyncStream(ctx, id)
		if res.Synced {
			report.Synced++
		}
		return err
	}), nil
}

// runMaintenance runs the maintenance job when it is due.
func (s *Scheduler) runMaintenance(ctx context.Context, report *TickReport) bool {
	if s.schedule == nil {
		return false
	}
	now := s.clock.Now()
	if now.Before(s.nextMaintenance) {
		return false
	}
	if ctx.Err() != nil {
		report.Interrupted = true
		return true
	}
	s.nextMaintenance = s.schedule.Next(now)
	report.Maintenance = true
	err := s.maintenance(context.WithoutCancel(ctx))
	switch {
	case calendar.IsRateLimited(err):
		report.CoolingDown = true
		s.enterCooldown(err)
		return true
	case err != nil:
		s.logger.Error("Maintenance job failed.", "error", err, "next", s.nextMaintenance)
	}
	return false
}
