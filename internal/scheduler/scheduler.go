// Package scheduler drives the unattended sync cycle: check the published
// build, import it when it changed, then clean up and sleep until the next
// daily run. Only one cycle ever runs at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde/importer"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/tracing"
)

type VersionStore interface {
	Get(ctx context.Context) (sde.BuildID, bool, error)
	Set(ctx context.Context, build sde.BuildID) error
}

type Resolver interface {
	Resolve(ctx context.Context) (sde.BuildID, error)
}

type Stager interface {
	Stage(ctx context.Context, build sde.BuildID) ([]sde.StagedFile, error)
	Cleanup(build sde.BuildID) error
}

// Session is the database side of one update phase. It is opened after
// staging succeeds and always closed during cleaning.
type Session interface {
	Import(ctx context.Context, file sde.StagedFile) (importer.Result, error)
	Maintain(ctx context.Context) error
	Close() error
}

type SessionOpener func(ctx context.Context) (Session, error)

type Notifier interface {
	Notify(ctx context.Context, build sde.BuildID) error
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Store    VersionStore
	Resolver Resolver
	Stager   Stager
	Open     SessionOpener
	Notifier Notifier
	Metrics  *metrics.Metrics
}

// Status is a snapshot of the scheduler for health reporting.
type Status struct {
	State       State
	LastOutcome Outcome
	LastCycleAt time.Time
	LastError   string
	Degraded    bool
	Build       sde.BuildID
}

type Scheduler struct {
	cfg      config.ScheduleConfig
	deps     Deps
	schedule cron.Schedule
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	status Status
}

// New validates the daily schedule and returns an idle Scheduler.
func New(cfg config.ScheduleConfig, deps Deps) (*Scheduler, error) {
	spec, err := cfg.CronSpec()
	if err != nil {
		return nil, err
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	if deps.Store == nil || deps.Resolver == nil || deps.Stager == nil || deps.Open == nil {
		return nil, errors.New("scheduler: store, resolver, stager and session opener are required")
	}
	return &Scheduler{
		cfg:      cfg,
		deps:     deps,
		schedule: schedule,
		logger:   logger.WithComponent("scheduler"),
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

// NextRun returns the first scheduled run strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	return s.schedule.Next(now)
}

// Status returns the current state and the result of the last cycle.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Run executes a cycle at startup when there is no checkpoint (or RunOnStart
// is set), then one cycle per daily run until ctx is cancelled. A failed
// cycle never stops the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	_, ok, err := s.deps.Store.Get(ctx)
	switch {
	case err != nil:
		s.logger.Warn("could not read checkpoint at startup, running a cycle", "error", err)
		s.RunCycle(ctx)
	case !ok:
		s.logger.Info("no checkpoint found, starting initial load")
		s.RunCycle(ctx)
	case s.cfg.RunOnStart:
		s.RunCycle(ctx)
	}

	for {
		now := s.now()
		next := s.NextRun(now)
		s.logger.Info("sleeping until next run", "next_run", next.Format(time.RFC3339), "in", next.Sub(now).Round(time.Second))
		if err := s.sleep(ctx, next.Sub(now)); err != nil {
			s.logger.Info("scheduler stopped", "reason", err)
			return nil
		}
		s.RunCycle(ctx)
	}
}

// RunCycle performs one check and, when the published build differs from
// the checkpoint, one full update. Panics inside the cycle are recovered and
// reported as a failed outcome.
func (s *Scheduler) RunCycle(ctx context.Context) (outcome Outcome, err error) {
	cycleID := uuid.NewString()
	ctx = logger.WithCycleID(ctx, cycleID)
	log := logger.FromContext(ctx, s.logger)
	ctx, span := tracing.StartSpan(ctx, "sde.cycle", cycleID)

	var warnings []error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
			outcome = OutcomeFailed
			log.Error("cycle panicked", "panic", r, "stack", string(debug.Stack()))
		}
		s.setState(StateIdle)
		span.SetAttr("outcome", string(outcome))
		span.End(err)
		span.Log(log)
		s.finish(outcome, err, warnings)
		if err != nil {
			log.Error("cycle failed", "outcome", outcome, "stage", apperrors.StageOf(err), "error", err)
		}
	}()

	s.setState(StateChecking)
	current, hasCheckpoint, err := s.deps.Store.Get(ctx)
	if err != nil {
		return OutcomeSkipped, apperrors.Newf(err, apperrors.StageCheckpoint, "reading checkpoint")
	}
	s.setBuild(current)

	remote, err := s.resolve(ctx)
	if err != nil {
		log.Warn("could not resolve published build, skipping cycle", "error", err)
		return OutcomeSkipped, nil
	}
	if hasCheckpoint && current == remote {
		log.Info("already at latest build", "build", remote)
		return OutcomeUpToDate, nil
	}

	log.Info("new build published", "build", remote, "previous", current)
	warnings, err = s.update(ctx, log.With("build", remote), remote)
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeUpdated, nil
}

func (s *Scheduler) resolve(ctx context.Context) (sde.BuildID, error) {
	ctx, span := tracing.StartChildSpan(ctx, "resolve")
	build, err := s.deps.Resolver.Resolve(ctx)
	span.SetAttr("build", build.String())
	span.End(err)
	return build, err
}

// update runs the UPDATING phase and then CLEANING. The returned warnings are
// non-fatal maintenance and notification failures.
func (s *Scheduler) update(ctx context.Context, log *slog.Logger, build sde.BuildID) (warnings []error, err error) {
	start := time.Now()
	s.setState(StateUpdating)

	var session Session
	defer func() {
		s.setState(StateCleaning)
		s.clean(ctx, log, build, session)
		if s.deps.Metrics != nil {
			s.deps.Metrics.CycleDuration.Observe(time.Since(start).Seconds())
		}
	}()

	files, err := s.stage(ctx, build)
	if err != nil {
		return nil, err
	}

	session, err = s.deps.Open(ctx)
	if err != nil {
		return nil, apperrors.Newf(err, apperrors.StageImport, "opening database session")
	}

	imported, failed := s.importAll(ctx, log, session, files)
	log.Info("import finished", "files", len(files), "imported", imported, "failed", failed)
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Newf(err, apperrors.StageImport, "cycle cancelled after %d of %d files", imported+failed, len(files))
	}

	if err := s.maintain(ctx, session); err != nil {
		log.Warn("maintenance failed, checkpoint will still advance", "error", err)
		warnings = append(warnings, err)
		if s.deps.Metrics != nil {
			s.deps.Metrics.MaintenanceFailures.Inc()
		}
	}

	if s.deps.Notifier != nil {
		if err := s.notify(ctx, build); err != nil {
			log.Warn("downstream notification failed", "error", err)
			warnings = append(warnings, err)
		}
	}

	if err := s.deps.Store.Set(ctx, build); err != nil {
		return warnings, apperrors.Newf(err, apperrors.StageCheckpoint, "advancing checkpoint to %s", build)
	}
	s.setBuild(build)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetCheckpoint(build.String())
		s.deps.Metrics.LastSuccessTimestamp.SetToCurrentTime()
	}
	log.Info("checkpoint advanced", "duration", time.Since(start).Round(time.Second))
	return warnings, nil
}

func (s *Scheduler) stage(ctx context.Context, build sde.BuildID) ([]sde.StagedFile, error) {
	ctx, span := tracing.StartChildSpan(ctx, "stage")
	files, err := s.deps.Stager.Stage(ctx, build)
	span.SetAttr("files", len(files))
	span.End(err)
	return files, err
}

// importAll imports files strictly one at a time. A failing file is logged
// and counted; the remaining files still run.
func (s *Scheduler) importAll(ctx context.Context, log *slog.Logger, session Session, files []sde.StagedFile) (imported, failed int) {
	ctx, span := tracing.StartChildSpan(ctx, "import")
	defer func() {
		span.SetAttr("imported", imported)
		span.SetAttr("failed", failed)
		span.End(nil)
	}()

	for _, file := range files {
		if ctx.Err() != nil {
			log.Warn("import interrupted", "remaining", len(files)-imported-failed)
			return imported, failed
		}
		result, err := session.Import(ctx, file)
		status := "ok"
		if err != nil {
			status = "failed"
			failed++
			log.Error("file import failed", "file", file.Name, "table", result.Table, "error", err)
		} else {
			imported++
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.FilesImportedTotal.WithLabelValues(status).Inc()
		}
	}
	return imported, failed
}

func (s *Scheduler) maintain(ctx context.Context, session Session) error {
	ctx, span := tracing.StartChildSpan(ctx, "maintain")
	err := session.Maintain(ctx)
	span.End(err)
	return err
}

func (s *Scheduler) notify(ctx context.Context, build sde.BuildID) error {
	ctx, span := tracing.StartChildSpan(ctx, "notify")
	err := s.deps.Notifier.Notify(ctx, build)
	span.End(err)
	return err
}

func (s *Scheduler) clean(ctx context.Context, log *slog.Logger, build sde.BuildID, session Session) {
	_, span := tracing.StartChildSpan(ctx, "clean")
	var errs []error
	if err := s.deps.Stager.Cleanup(build); err != nil {
		errs = append(errs, err)
		log.Warn("removing staged files failed", "error", err)
	}
	if session != nil {
		if err := session.Close(); err != nil {
			errs = append(errs, err)
			log.Warn("closing database session failed", "error", err)
		}
	}
	span.End(errors.Join(errs...))
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.status.State = st
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.SchedulerState.Set(float64(st))
	}
}

func (s *Scheduler) setBuild(build sde.BuildID) {
	s.mu.Lock()
	s.status.Build = build
	s.mu.Unlock()
}

func (s *Scheduler) finish(outcome Outcome, err error, warnings []error) {
	s.mu.Lock()
	s.status.LastOutcome = outcome
	s.status.LastCycleAt = s.now()
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.status.Degraded = len(warnings) > 0 || outcome == OutcomeFailed
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.CyclesTotal.WithLabelValues(string(outcome)).Inc()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HealthCheck reports the last cycle: degraded after a failure or a cycle
// with non-fatal errors, up otherwise.
func (s *Scheduler) HealthCheck(context.Context) health.ComponentHealth {
	st := s.Status()
	if st.LastCycleAt.IsZero() {
		return health.ComponentHealth{Status: health.StatusUp, Message: "no cycle yet, state " + st.State.String()}
	}
	msg := fmt.Sprintf("last cycle %s at %s, build %q", st.LastOutcome, st.LastCycleAt.UTC().Format(time.RFC3339), st.Build)
	if st.Degraded {
		if st.LastError != "" {
			msg += ": " + st.LastError
		}
		return health.ComponentHealth{Status: health.StatusDegraded, Message: msg}
	}
	return health.ComponentHealth{Status: health.StatusUp, Message: msg}
}
