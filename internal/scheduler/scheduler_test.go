package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"continuity-engine/internal/engine"
	"continuity-engine/internal/ledger"
	"continuity-engine/internal/metrics"
	"continuity-engine/internal/reconcile"

	"github.com/rs/zerolog"
)

// ============================================================================
// MOCKS
// ============================================================================

type mockEvaluator struct {
	calls atomic.Int32
	err   error
	panic bool
	block chan struct{}
}

func (m *mockEvaluator) EvaluateAll(ctx context.Context) (engine.BatchResult, error) {
	m.calls.Add(1)
	if m.block != nil {
		<-m.block
	}
	if m.panic {
		panic("boom")
	}
	return engine.BatchResult{Evaluated: 3}, m.err
}

type mockReconciler struct {
	calls      atomic.Int32
	categories []ledger.Category
}

func (m *mockReconciler) Reconcile(ctx context.Context, categories []ledger.Category, filter ledger.PendingFilter) (*reconcile.Summary, error) {
	m.calls.Add(1)
	m.categories = categories
	return &reconcile.Summary{RunID: "run-1", Categories: map[ledger.Category]*reconcile.Counts{}}, nil
}

// jobRuns reads the job_runs_total counter for one label pair.
func jobRuns(t *testing.T, m *metrics.Metrics, job, success string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "test_scheduler_job_runs_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["job"] == job && labels["success"] == success {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// ============================================================================
// TESTS
// ============================================================================

func TestNew_RejectsBadCronExpression(t *testing.T) {
	_, err := New(&mockEvaluator{}, nil, Config{EvaluationCron: "not a cron expression"}, nil, zerolog.Nop())
	if err == nil {
		t.Fatal("expected invalid cron expression error")
	}
}

func TestRunNow_Evaluate(t *testing.T) {
	ev := &mockEvaluator{}
	m := metrics.New("test")
	s, err := New(ev, nil, DefaultConfig(), m, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !s.RunNow(JobEvaluate) {
		t.Fatal("expected the job to run")
	}
	if ev.calls.Load() != 1 {
		t.Errorf("expected 1 evaluation call, got %d", ev.calls.Load())
	}
	if got := jobRuns(t, m, JobEvaluate, "true"); got != 1 {
		t.Errorf("expected one successful job run metric, got %v", got)
	}
}

func TestRunNow_ReconcileSweepsAllCategories(t *testing.T) {
	rec := &mockReconciler{}
	s, err := New(nil, rec, DefaultConfig(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.RunNow(JobReconcile)
	if rec.calls.Load() != 1 {
		t.Fatalf("expected 1 reconcile call, got %d", rec.calls.Load())
	}
	if len(rec.categories) != len(ledger.AllCategories()) {
		t.Errorf("expected every category, got %v", rec.categories)
	}
}

func TestRunNow_RecoversPanic(t *testing.T) {
	ev := &mockEvaluator{panic: true}
	m := metrics.New("test")
	s, err := New(ev, nil, DefaultConfig(), m, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.RunNow(JobEvaluate)
	if got := jobRuns(t, m, JobEvaluate, "false"); got != 1 {
		t.Errorf("expected the panic to be recorded as a failed run, got %v", got)
	}

	// The guard is released after a panic.
	ev.panic = false
	if !s.RunNow(JobEvaluate) {
		t.Error("expected the job to run again after a panic")
	}
}

func TestRunNow_SkipsOverlappingRun(t *testing.T) {
	ev := &mockEvaluator{block: make(chan struct{})}
	s, err := New(ev, nil, DefaultConfig(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan bool)
	go func() { done <- s.RunNow(JobEvaluate) }()

	deadline := time.After(2 * time.Second)
	for ev.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if s.RunNow(JobEvaluate) {
		t.Error("overlapping run must be skipped")
	}
	close(ev.block)
	if !<-done {
		t.Error("first run should report that it ran")
	}
}

func TestRunNow_FailureRecorded(t *testing.T) {
	ev := &mockEvaluator{err: errors.New("db down")}
	m := metrics.New("test")
	s, err := New(ev, nil, DefaultConfig(), m, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.RunNow(JobEvaluate)
	if got := jobRuns(t, m, JobEvaluate, "false"); got != 1 {
		t.Errorf("expected failed run metric, got %v", got)
	}
}

func TestStartStop(t *testing.T) {
	s, err := New(&mockEvaluator{}, &mockReconciler{}, DefaultConfig(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected running")
	}
	if err := s.Start(); err == nil {
		t.Error("second start must fail")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected stopped")
	}
	if err := s.Stop(); err == nil {
		t.Error("second stop must fail")
	}
}

func TestRunNow_UnknownJob(t *testing.T) {
	s, err := New(nil, nil, DefaultConfig(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.RunNow("nope") {
		t.Error("unknown job must not run")
	}
}
