// Package scheduler runs periodic subscriber evaluation and ledger
// reconciliation on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"continuity-engine/internal/engine"
	"continuity-engine/internal/ledger"
	"continuity-engine/internal/metrics"
	"continuity-engine/internal/reconcile"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job names
const (
	JobEvaluate  = "evaluate"
	JobReconcile = "reconcile"
)

// Evaluator evaluates every active subscriber.
type Evaluator interface {
	EvaluateAll(ctx context.Context) (engine.BatchResult, error)
}

// Reconciler runs one reconciliation sweep.
type Reconciler interface {
	Reconcile(ctx context.Context, categories []ledger.Category, filter ledger.PendingFilter) (*reconcile.Summary, error)
}

// Config holds the cron expressions. Both accept the standard five fields and
// descriptors such as "@every 1m".
type Config struct {
	EvaluationCron string
	SweepCron      string
	// JobTimeout bounds a single run; zero means no bound.
	JobTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		EvaluationCron: "@every 15m",
		SweepCron:      "@every 1m",
		JobTimeout:     10 * time.Minute,
	}
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron       *cron.Cron
	evaluator  Evaluator
	reconciler Reconciler
	cfg        Config
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	busy map[string]*atomic.Bool
}

// New creates a scheduler. Either evaluator or reconciler may be nil to
// disable that job.
func New(evaluator Evaluator, reconciler Reconciler, cfg Config, m *metrics.Metrics, logger zerolog.Logger) (*Scheduler, error) {
	defaults := DefaultConfig()
	if cfg.EvaluationCron == "" {
		cfg.EvaluationCron = defaults.EvaluationCron
	}
	if cfg.SweepCron == "" {
		cfg.SweepCron = defaults.SweepCron
	}

	s := &Scheduler{
		cron:       cron.New(),
		evaluator:  evaluator,
		reconciler: reconciler,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With().Str("component", "Scheduler").Logger(),
		busy: map[string]*atomic.Bool{
			JobEvaluate:  {},
			JobReconcile: {},
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if evaluator != nil {
		if _, err := s.cron.AddFunc(cfg.EvaluationCron, func() { s.RunNow(JobEvaluate) }); err != nil {
			return nil, fmt.Errorf("register evaluation job: %w", err)
		}
	}
	if reconciler != nil {
		if _, err := s.cron.AddFunc(cfg.SweepCron, func() { s.RunNow(JobReconcile) }); err != nil {
			return nil, fmt.Errorf("register reconcile job: %w", err)
		}
	}
	return s, nil
}

// Start starts the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.cron.Start()
	s.logger.Info().
		Str("evaluation_cron", s.cfg.EvaluationCron).
		Str("sweep_cron", s.cfg.SweepCron).
		Msg("Scheduler started")
	return nil
}

// Stop cancels in-flight jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow executes a job synchronously. A run that overlaps a previous run
// of the same job is skipped and reported as false.
func (s *Scheduler) RunNow(job string) bool {
	guard, ok := s.busy[job]
	if !ok {
		s.logger.Error().Str("job", job).Msg("Unknown job")
		return false
	}
	if !guard.CompareAndSwap(false, true) {
		s.logger.Warn().Str("job", job).Msg("Previous run still active, skipping")
		return false
	}
	defer guard.Store(false)

	ctx := s.ctx
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	started := time.Now()
	success := false
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("job", job).Interface("panic", r).Msg("Panic recovered in scheduled job")
			success = false
		}
		s.metrics.ObserveJob(job, success)
	}()

	switch job {
	case JobEvaluate:
		success = s.runEvaluation(ctx, started)
	case JobReconcile:
		success = s.runSweep(ctx, started)
	}
	return true
}

func (s *Scheduler) runEvaluation(ctx context.Context, started time.Time) bool {
	if s.evaluator == nil {
		return false
	}
	res, err := s.evaluator.EvaluateAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled evaluation failed")
		return false
	}
	s.logger.Debug().
		Int("evaluated", res.Evaluated).
		Int("failed", res.Failed).
		Dur("duration", time.Since(started)).
		Msg("Scheduled evaluation finished")
	return res.Failed == 0
}

func (s *Scheduler) runSweep(ctx context.Context, started time.Time) bool {
	if s.reconciler == nil {
		return false
	}
	summary, err := s.reconciler.Reconcile(ctx, ledger.AllCategories(), ledger.PendingFilter{})
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled reconciliation failed")
		return false
	}
	totals := summary.Totals()
	s.logger.Debug().
		Str("run_id", summary.RunID).
		Int("checked", totals.Checked).
		Int("errors", totals.Errors).
		Dur("duration", time.Since(started)).
		Msg("Scheduled reconciliation finished")
	return totals.Errors == 0
}
