package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/chatster/internal/log"
	"github.com/CZERTAINLY/chatster/internal/model"
	"github.com/CZERTAINLY/chatster/internal/profile"
)

var (
	ErrStopping       = errors.New("supervisor is stopping")
	ErrAlreadyRunning = errors.New("profile already running")
	ErrPoolClosed     = errors.New("worker pool closed")
	ErrWorkerPanic    = errors.New("profile worker panicked")
)

// Relaunch configures the delay before a failed profile is launched again.
// Without Backoff the relaunch is immediate.
type Relaunch struct {
	Backoff bool
	Initial time.Duration
	Max     time.Duration
}

// TerminatedFunc is told about every worker that ended, with the number of
// workers still running.
type TerminatedFunc func(p profile.Profile, err error, running int)

type SupervisorConfig struct {
	// Dir is the parent of the per-profile directories passed to Setup.
	Dir          string
	Pool         *Pool
	Handlers     profile.Chain
	Relaunch     Relaunch
	OnTerminated TerminatedFunc
	// OnIdle is called when no worker runs and no relaunch is pending.
	OnIdle func()
}

type Supervisor struct {
	ctx          context.Context
	dir          string
	pool         *Pool
	handlers     profile.Chain
	relaunchCfg  Relaunch
	onTerminated TerminatedFunc
	onIdle       func()
	table        *RunTable
	scheduler    gocron.Scheduler
	wg           sync.WaitGroup

	mx       sync.Mutex
	stopping bool
	pending  int
	backoffs map[string]*backoff.ExponentialBackOff
	stopOnce sync.Once
}

// NewSupervisor returns a supervisor whose workers live as long as ctx.
func NewSupervisor(ctx context.Context, cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Pool == nil {
		return nil, errors.New("worker pool is nil")
	}
	if cfg.Relaunch.Backoff && (cfg.Relaunch.Initial <= 0 || cfg.Relaunch.Max < cfg.Relaunch.Initial) {
		return nil, fmt.Errorf("invalid relaunch intervals: initial %s, max %s", cfg.Relaunch.Initial, cfg.Relaunch.Max)
	}
	scheduler, err := gocron.NewScheduler(
		gocron.WithLimitConcurrentJobs(1, gocron.LimitModeWait),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	scheduler.Start()

	return &Supervisor{
		ctx:          ctx,
		dir:          cfg.Dir,
		pool:         cfg.Pool,
		handlers:     cfg.Handlers,
		relaunchCfg:  cfg.Relaunch,
		onTerminated: cfg.OnTerminated,
		onIdle:       cfg.OnIdle,
		table:        NewRunTable(),
		scheduler:    scheduler,
		backoffs:     make(map[string]*backoff.ExponentialBackOff),
	}, nil
}

// RelaunchFromConfig converts the service.relaunch configuration section.
func RelaunchFromConfig(cfg model.Relaunch) (Relaunch, error) {
	initial, maxInterval, err := cfg.Intervals()
	if err != nil {
		return Relaunch{}, fmt.Errorf("parsing service.relaunch: %w", err)
	}
	return Relaunch{Backoff: cfg.Backoff, Initial: initial, Max: maxInterval}, nil
}

// Launch starts a worker for p. It is refused with ErrStopping once Stop was
// called and with ErrAlreadyRunning while a worker for the same id runs.
func (s *Supervisor) Launch(ctx context.Context, p profile.Profile) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.stopping {
		return fmt.Errorf("%w: cannot launch profile %s", ErrStopping, p.ID())
	}

	run := Run{
		ProfileID: p.ID(),
		WorkerID:  uuid.New(),
		Started:   time.Now(),
	}
	ok := s.table.Add(run, func() {
		s.wg.Add(1)
		go s.work(run, p)
	})
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, p.ID())
	}
	slog.DebugContext(ctx, "profile launched", "id", run.ProfileID, "worker", run.WorkerID.String())
	return nil
}

func (s *Supervisor) work(run Run, p profile.Profile) {
	defer s.wg.Done()
	ctx := log.ContextAttrs(s.ctx, slog.Group("profile",
		slog.String("id", run.ProfileID),
		slog.String("worker", run.WorkerID.String()),
	))
	err := s.serve(ctx, p)
	s.onShutdown(ctx, run, p, err)
}

// serve turns a panic of the profile into an error.
func (s *Supervisor) serve(ctx context.Context, p profile.Profile) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()

	dir := filepath.Join(s.dir, p.ID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating profile dir: %w", err)
	}
	if err := p.Setup(ctx, dir); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	slog.InfoContext(ctx, "profile listening")
	return p.Listen(ctx, func(msg model.Message) {
		s.dispatch(ctx, p, msg)
	})
}

func (s *Supervisor) dispatch(ctx context.Context, p profile.Profile, msg model.Message) {
	err := s.pool.Submit(func() {
		if err := s.handlers.Apply(ctx, msg, p); err != nil {
			slog.WarnContext(ctx, "handling message failed", "message", msg.ID, "error", err)
		}
	})
	if err != nil {
		slog.WarnContext(ctx, "dropping message", "message", msg.ID, "error", err)
	}
}

func (s *Supervisor) onShutdown(ctx context.Context, run Run, p profile.Profile, err error) {
	if err == nil {
		slog.WarnContext(ctx, "profile worker has shut down")
	} else {
		slog.WarnContext(ctx, "profile worker has crashed", "error", err)
	}

	// reserved before the worker leaves the table, so the supervisor never
	// looks idle in between
	relaunch := err != nil && s.reserveRelaunch()
	_, running, ok := s.table.Remove(run.ProfileID, run.WorkerID)
	if !ok {
		slog.ErrorContext(ctx, "profile worker was not registered")
		if relaunch {
			s.relaunchDone()
		}
		return
	}
	if s.onTerminated != nil {
		s.onTerminated(p, err, running)
	}
	if relaunch {
		s.scheduleRelaunch(ctx, p, time.Since(run.Started))
		return
	}
	s.checkIdle()
}

func (s *Supervisor) reserveRelaunch() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.stopping {
		return false
	}
	s.pending++
	return true
}

func (s *Supervisor) relaunchDone() {
	s.mx.Lock()
	s.pending--
	s.mx.Unlock()
	s.checkIdle()
}

func (s *Supervisor) checkIdle() {
	if s.onIdle == nil {
		return
	}
	s.mx.Lock()
	idle := !s.stopping && s.pending == 0 && s.table.Len() == 0
	s.mx.Unlock()
	if idle {
		s.onIdle()
	}
}

func (s *Supervisor) scheduleRelaunch(ctx context.Context, p profile.Profile, uptime time.Duration) {
	done := sync.OnceFunc(s.relaunchDone)
	delay := s.nextDelay(p.ID(), uptime)
	start := gocron.OneTimeJobStartImmediately()
	if delay > 0 {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(delay))
	}
	_, err := s.scheduler.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(func() { s.relaunch(ctx, p, done) }),
		gocron.WithName("relaunch "+p.ID()),
		gocron.WithLimitedRuns(1),
	)
	switch {
	case s.Stopping():
		// a scheduler shut down meanwhile accepts the job and never runs it
		slog.DebugContext(ctx, "supervisor is stopping: relaunch dropped")
		done()
	case err != nil:
		slog.ErrorContext(ctx, "relaunch can't be scheduled: dropping", "error", err)
		done()
	default:
		slog.InfoContext(ctx, "profile relaunch scheduled", "delay", delay.String())
	}
}

func (s *Supervisor) relaunch(ctx context.Context, p profile.Profile, done func()) {
	defer done()
	if s.Stopping() {
		return
	}
	if s.table.Has(p.ID()) {
		slog.DebugContext(ctx, "profile already running: skipping relaunch")
		return
	}
	if err := s.Launch(ctx, p); err != nil {
		slog.ErrorContext(ctx, "relaunching profile failed: dropping", "error", err)
	}
}

// nextDelay keeps one backoff per profile. A run which lasted longer than the
// maximal interval starts the sequence over.
func (s *Supervisor) nextDelay(id string, uptime time.Duration) time.Duration {
	if !s.relaunchCfg.Backoff {
		return 0
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	b, ok := s.backoffs[id]
	if !ok || uptime >= s.relaunchCfg.Max {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = s.relaunchCfg.Initial
		b.MaxInterval = s.relaunchCfg.Max
		b.MaxElapsedTime = 0
		b.Reset()
		s.backoffs[id] = b
	}
	return b.NextBackOff()
}

func (s *Supervisor) Stopping() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.stopping
}

// Pending returns the number of scheduled relaunches which did not run yet.
func (s *Supervisor) Pending() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.pending
}

// Stop refuses further launches and drops pending relaunches. Running
// workers are not interrupted.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mx.Lock()
	s.stopping = true
	s.mx.Unlock()
	s.stopOnce.Do(func() {
		if err := s.scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	})
}

// Wait blocks until every worker returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Running returns the records of the active workers.
func (s *Supervisor) Running() []Run {
	return s.table.Snapshot()
}
