package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"continuity-engine/internal/chain"
	"continuity-engine/internal/continuity"
	"continuity-engine/internal/oracle"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

const testWallet = "0x00000000000000000000000000000000000000aa"

var testStart = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func at(days float64) time.Time {
	return testStart.Add(time.Duration(days * float64(continuity.Day)))
}

func testPlan() *continuity.Plan {
	return &continuity.Plan{
		ID:                   "plan-basic",
		Name:                 "Basic",
		WeeklyRequiredAmount: dec("100"),
		DailyBaseRate:        dec("1"),
		BonusTiers: []continuity.BonusTier{
			{ThresholdBalance: dec("500"), BonusRate: dec("0.5")},
			{ThresholdBalance: dec("1000"), BonusRate: dec("1")},
		},
		MinWeeks: 4,
		PenaltyTable: []continuity.PenaltyBracket{
			{FromWeek: 1, ToWeek: 2, Percent: dec("20")},
			{FromWeek: 3, Percent: dec("10")},
		},
	}
}

func cloneSubscriber(s *continuity.Subscriber) *continuity.Subscriber {
	c := *s
	c.WeeklyLedger = make(continuity.WeeklyLedger, len(s.WeeklyLedger))
	for k, v := range s.WeeklyLedger {
		c.WeeklyLedger[k] = v
	}
	return &c
}

// memStore is an in-memory Store with the same week upsert rule as postgres.
type memStore struct {
	mu          sync.Mutex
	subscribers map[string]*continuity.Subscriber
	plans       map[string]*continuity.Plan

	persistCalls int
	resetCalls   int
	persistErr   error
}

func newMemStore() *memStore {
	return &memStore{
		subscribers: make(map[string]*continuity.Subscriber),
		plans:       make(map[string]*continuity.Plan),
	}
}

func (m *memStore) addPlan(p *continuity.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
}

func (m *memStore) subscribe(id, wallet, planID string, start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := start
	m.subscribers[id] = &continuity.Subscriber{
		ID:                    id,
		WalletAddress:         wallet,
		PlanID:                planID,
		SubscriptionStartDate: &s,
		AccumulatedReward:     decimal.Zero,
		WeeklyLedger:          make(continuity.WeeklyLedger),
	}
}

func (m *memStore) snapshot(id string) *continuity.Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSubscriber(m.subscribers[id])
}

func (m *memStore) GetSubscriber(ctx context.Context, id string) (*continuity.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return nil, continuity.ErrSubscriberNotFound
	}
	return cloneSubscriber(s), nil
}

func (m *memStore) GetPlan(ctx context.Context, id string) (*continuity.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, continuity.ErrPlanNotFound
	}
	return p, nil
}

func (m *memStore) Persist(ctx context.Context, sub *continuity.Subscriber, changed []continuity.WeekRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistCalls++
	if m.persistErr != nil {
		return m.persistErr
	}
	stored, ok := m.subscribers[sub.ID]
	if !ok {
		return continuity.ErrSubscriberNotFound
	}
	ledger := stored.WeeklyLedger
	next := cloneSubscriber(sub)
	next.WeeklyLedger = ledger
	if next.AccumulatedReward.LessThan(stored.AccumulatedReward) {
		next.AccumulatedReward = stored.AccumulatedReward
	}
	if sub.IsSubscribed() {
		for _, rec := range changed {
			next.WeeklyLedger.Upsert(rec)
		}
	}
	m.subscribers[sub.ID] = next
	return nil
}

func (m *memStore) ResetSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalls++
	s, ok := m.subscribers[id]
	if !ok {
		return continuity.ErrSubscriberNotFound
	}
	s.Reset()
	return nil
}

func (m *memStore) ListActiveSubscriberIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.subscribers {
		if s.IsSubscribed() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fakeBalances returns a fixed reading and counts calls.
type fakeBalances struct {
	mu      sync.Mutex
	reading oracle.Reading
	calls   int

	gate     chan struct{}
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func knownBalance(amount string) *fakeBalances {
	return &fakeBalances{reading: oracle.Reading{Amount: dec(amount), Known: true, Source: oracle.SourceChain}}
}

func (f *fakeBalances) GetBalance(ctx context.Context, address string) oracle.Reading {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	r := f.reading
	r.Address = address
	return r
}

func (f *fakeBalances) set(r oracle.Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reading = r
}

func (f *fakeBalances) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLocker struct {
	token  string
	err    error
	unlock int
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return l.token, l.err
}

func (l *fakeLocker) Unlock(ctx context.Context, key, token string) error {
	l.unlock++
	return nil
}

// recordingPublisher captures published event names.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) add(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, name)
}

func (p *recordingPublisher) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == name {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) PublishWeekRecorded(string, int, string, string, bool) {
	p.add("week")
}
func (p *recordingPublisher) PublishPlanCompleted(string, string, string) { p.add("completed") }
func (p *recordingPublisher) PublishInsufficientFinalBalance(string, string, int, string, string) {
	p.add("insufficient")
}
func (p *recordingPublisher) PublishRewardAccrued(string, int64, string, string) { p.add("accrued") }
func (p *recordingPublisher) PublishBalanceDegraded(string, string, string)      { p.add("degraded") }

type fixture struct {
	store     *memStore
	balances  *fakeBalances
	publisher *recordingPublisher
	engine    *Engine
}

func newFixture(t *testing.T, balance string, now time.Time) *fixture {
	t.Helper()
	store := newMemStore()
	store.addPlan(testPlan())
	store.subscribe("sub-1", testWallet, "plan-basic", testStart)

	f := &fixture{
		store:     store,
		balances:  knownBalance(balance),
		publisher: &recordingPublisher{},
	}
	f.engine = New(store, f.balances, nil, f.publisher, nil, DefaultConfig(), zerolog.Nop())
	f.engine.SetClock(func() time.Time { return now })
	return f
}

// ============================================================================
// EVALUATE SUBSCRIBER
// ============================================================================

func TestEvaluateSubscriber_CompliantMidPlan(t *testing.T) {
	f := newFixture(t, "250", at(10))

	eval, err := f.engine.EvaluateSubscriber(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !eval.RequiredBalance.Equal(dec("200")) {
		t.Errorf("expected required 200, got %s", eval.RequiredBalance)
	}
	if !eval.DailyReward.Equal(dec("2")) {
		t.Errorf("expected daily reward 2, got %s", eval.DailyReward)
	}
	if !eval.BotCompliant {
		t.Error("expected compliant")
	}
	if eval.WeekNumber != 2 {
		t.Errorf("expected week 2, got %d", eval.WeekNumber)
	}
	if !eval.PenaltyRate.Equal(dec("20")) {
		t.Errorf("expected penalty 20, got %s", eval.PenaltyRate)
	}
	if !eval.AccumulatedReward.Equal(dec("20")) {
		t.Errorf("expected reward 20 for 10 days, got %s", eval.AccumulatedReward)
	}
	if len(eval.WeeklyLedger) != 1 || !eval.WeeklyLedger[0].Passed || eval.WeeklyLedger[0].WeekNumber != 1 {
		t.Errorf("expected passing week 1, got %+v", eval.WeeklyLedger)
	}

	stored := f.store.snapshot("sub-1")
	if !stored.AccumulatedReward.Equal(dec("20")) {
		t.Errorf("expected stored reward 20, got %s", stored.AccumulatedReward)
	}
	if stored.LastEvaluatedAt == nil || !stored.LastEvaluatedAt.Equal(at(10)) {
		t.Errorf("expected cursor at day 10, got %v", stored.LastEvaluatedAt)
	}
	if f.publisher.count("week") != 1 || f.publisher.count("accrued") != 1 {
		t.Errorf("unexpected events: %v", f.publisher.events)
	}
}

func TestEvaluateSubscriber_RepeatedEvaluationIsStable(t *testing.T) {
	f := newFixture(t, "250", at(10))
	ctx := context.Background()

	if _, err := f.engine.EvaluateSubscriber(ctx, "sub-1"); err != nil {
		t.Fatalf("first evaluation: %v", err)
	}
	eval, err := f.engine.EvaluateSubscriber(ctx, "sub-1")
	if err != nil {
		t.Fatalf("second evaluation: %v", err)
	}

	if !eval.AccumulatedReward.Equal(dec("20")) {
		t.Errorf("second evaluation at the same instant must not credit again, got %s", eval.AccumulatedReward)
	}
	if len(eval.Weeks.Recorded) != 0 {
		t.Errorf("second evaluation must not re-record weeks, got %+v", eval.Weeks.Recorded)
	}
	if f.publisher.count("week") != 1 {
		t.Errorf("expected a single week event, got %d", f.publisher.count("week"))
	}
}

func TestEvaluateSubscriber_UnknownBalanceMutatesNothing(t *testing.T) {
	f := newFixture(t, "0", at(10))
	f.balances.set(oracle.Reading{Known: false, Source: oracle.SourceUnknown, Amount: decimal.Zero})

	eval, err := f.engine.EvaluateSubscriber(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("unknown balance must not be an error: %v", err)
	}
	if eval.BotCompliant {
		t.Error("unknown balance must not be compliant")
	}
	if !eval.DailyReward.IsZero() {
		t.Errorf("expected zero daily reward, got %s", eval.DailyReward)
	}
	if f.store.persistCalls != 0 {
		t.Errorf("expected no persistence, got %d calls", f.store.persistCalls)
	}
	if f.publisher.count("degraded") != 1 {
		t.Errorf("expected degraded event, got %v", f.publisher.events)
	}

	// The next known reading processes the whole interval.
	f.balances.set(oracle.Reading{Known: true, Amount: dec("250"), Source: oracle.SourceChain})
	eval, err = f.engine.EvaluateSubscriber(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !eval.AccumulatedReward.Equal(dec("20")) {
		t.Errorf("expected 20 after recovery, got %s", eval.AccumulatedReward)
	}
}

func TestEvaluateSubscriber_StaleReadingIsUsed(t *testing.T) {
	f := newFixture(t, "250", at(10))
	f.balances.set(oracle.Reading{Known: true, Stale: true, Amount: dec("250"), Source: oracle.SourceStale})

	eval, err := f.engine.EvaluateSubscriber(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !eval.BotCompliant || !eval.Balance.Stale {
		t.Errorf("expected compliant stale evaluation, got %+v", eval.Balance)
	}
}

func TestEvaluateSubscriber_TerminalWeekPassCompletesPlan(t *testing.T) {
	f := newFixture(t, "420", at(28))

	eval, err := f.engine.EvaluateSubscriber(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !eval.PlanCompleted {
		t.Fatal("expected plan completion")
	}
	if eval.InsufficientFinal {
		t.Error("completed plan must not report insufficient final balance")
	}
	// 28 days at 400 * 1%.
	if !eval.AccumulatedReward.Equal(dec("112")) {
		t.Errorf("expected reward 112, got %s", eval.AccumulatedReward)
	}
	if len(eval.Weeks.Recorded) != 4 {
		t.Errorf("expected 4 recorded weeks, got %d", len(eval.Weeks.Recorded))
	}

	stored := f.store.snapshot("sub-1")
	if stored.IsSubscribed() {
		t.Error("expected subscriber reset")
	}
	if !stored.AccumulatedReward.Equal(dec("112")) {
		t.Errorf("reset must keep reward, got %s", stored.AccumulatedReward)
	}
	if len(stored.WeeklyLedger) != 0 {
		t.Errorf("reset must clear the weekly ledger, got %+v", stored.WeeklyLedger)
	}
	if f.store.resetCalls != 1 {
		t.Errorf("expected one reset, got %d", f.store.resetCalls)
	}
	if f.publisher.count("completed") != 1 {
		t.Errorf("expected completion event, got %v", f.publisher.events)
	}
}

func TestEvaluateSubscriber_TerminalWeekShortfallStaysOpen(t *testing.T) {
	f := newFixture(t, "350", at(28))

	eval, err := f.engine.EvaluateSubscriber(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eval.PlanCompleted {
		t.Fatal("plan must not complete with 350 < 400")
	}
	if !eval.InsufficientFinal {
		t.Error("expected insufficient final balance")
	}
	if !eval.Weeks.TerminalRequired.Equal(dec("400")) {
		t.Errorf("expected terminal requirement 400, got %s", eval.Weeks.TerminalRequired)
	}

	stored := f.store.snapshot("sub-1")
	if !stored.IsSubscribed() {
		t.Error("subscription must stay open")
	}
	if rec, ok := stored.WeeklyLedger[4]; !ok || rec.Passed {
		t.Errorf("expected failed week 4 record, got %+v", stored.WeeklyLedger)
	}
	if f.store.resetCalls != 0 {
		t.Errorf("expected no reset, got %d", f.store.resetCalls)
	}
	if f.publisher.count("insufficient") != 1 {
		t.Errorf("expected insufficient event, got %v", f.publisher.events)
	}
}

func TestEvaluateSubscriber_TopUpAfterShortfallCompletes(t *testing.T) {
	f := newFixture(t, "350", at(28))
	ctx := context.Background()

	if _, err := f.engine.EvaluateSubscriber(ctx, "sub-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.engine.SetClock(func() time.Time { return at(30) })
	f.balances.set(oracle.Reading{Known: true, Amount: dec("400"), Source: oracle.SourceChain})

	eval, err := f.engine.EvaluateSubscriber(ctx, "sub-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !eval.PlanCompleted {
		t.Fatalf("expected completion after top-up, got %+v", eval.Weeks)
	}
	if f.store.snapshot("sub-1").IsSubscribed() {
		t.Error("expected reset after top-up")
	}
}

func TestEvaluateSubscriber_ConfigurationFaults(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(s *memStore)
		wantErr error
	}{
		{
			name:    "unknown subscriber",
			setup:   func(s *memStore) {},
			wantErr: continuity.ErrSubscriberNotFound,
		},
		{
			name: "unsubscribed",
			setup: func(s *memStore) {
				s.subscribers["sub-x"] = &continuity.Subscriber{ID: "sub-x", WalletAddress: testWallet}
			},
			wantErr: continuity.ErrNotSubscribed,
		},
		{
			name: "invalid address",
			setup: func(s *memStore) {
				s.subscribe("sub-x", "not-an-address", "plan-basic", testStart)
			},
			wantErr: chain.ErrInvalidAddress,
		},
		{
			name: "invalid plan",
			setup: func(s *memStore) {
				bad := testPlan()
				bad.ID = "plan-bad"
				bad.MinWeeks = 0
				s.addPlan(bad)
				s.subscribe("sub-x", testWallet, "plan-bad", testStart)
			},
			wantErr: continuity.ErrInvalidPlan,
		},
		{
			name: "missing plan",
			setup: func(s *memStore) {
				s.subscribe("sub-x", testWallet, "plan-gone", testStart)
			},
			wantErr: continuity.ErrPlanNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "250", at(10))
			tt.setup(f.store)

			_, err := f.engine.EvaluateSubscriber(context.Background(), "sub-x")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if f.balances.callCount() != 0 {
				t.Error("configuration faults must fail before reading the balance")
			}
			if f.store.persistCalls != 0 {
				t.Error("configuration faults must not persist")
			}
		})
	}
}

func TestEvaluateSubscriber_PersistFailureSuppressesEvents(t *testing.T) {
	f := newFixture(t, "250", at(10))
	f.store.persistErr = errors.New("connection reset")

	if _, err := f.engine.EvaluateSubscriber(context.Background(), "sub-1"); err == nil {
		t.Fatal("expected persistence error")
	}
	if len(f.publisher.events) != 0 {
		t.Errorf("no events expected when nothing was stored, got %v", f.publisher.events)
	}
}

// ============================================================================
// LOCKING
// ============================================================================

func TestEvaluateSubscriber_SharedLockHeldElsewhere(t *testing.T) {
	f := newFixture(t, "250", at(10))
	f.engine.locker = &fakeLocker{token: ""}

	_, err := f.engine.EvaluateSubscriber(context.Background(), "sub-1")
	if !errors.Is(err, ErrEvaluationInProgress) {
		t.Fatalf("expected ErrEvaluationInProgress, got %v", err)
	}
	if f.engine.locks.size() != 0 {
		t.Error("local lock must be released when the shared lock is busy")
	}
}

func TestEvaluateSubscriber_SharedLockUnavailableFallsBack(t *testing.T) {
	f := newFixture(t, "250", at(10))
	f.engine.locker = &fakeLocker{err: errors.New("redis down")}

	if _, err := f.engine.EvaluateSubscriber(context.Background(), "sub-1"); err != nil {
		t.Fatalf("expected local-only evaluation, got %v", err)
	}
}

func TestEvaluateSubscriber_SharedLockReleased(t *testing.T) {
	f := newFixture(t, "250", at(10))
	locker := &fakeLocker{token: "owner"}
	f.engine.locker = locker

	if _, err := f.engine.EvaluateSubscriber(context.Background(), "sub-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if locker.unlock != 1 {
		t.Errorf("expected one unlock, got %d", locker.unlock)
	}
}

func TestEvaluateSubscriber_SameSubscriberSerialized(t *testing.T) {
	f := newFixture(t, "250", at(10))
	f.balances.gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.EvaluateSubscriber(context.Background(), "sub-1"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	for i := 0; i < 4; i++ {
		select {
		case f.balances.gate <- struct{}{}:
		case <-time.After(2 * time.Second):
			t.Fatal("evaluation did not reach the balance read")
		}
	}
	wg.Wait()

	if got := f.balances.maxSeen.Load(); got != 1 {
		t.Errorf("expected at most one concurrent evaluation, saw %d", got)
	}
	if reward := f.store.snapshot("sub-1").AccumulatedReward; !reward.Equal(dec("20")) {
		t.Errorf("serialized evaluations must credit once, got %s", reward)
	}
	if f.engine.locks.size() != 0 {
		t.Errorf("expected lock table to drain, got %d", f.engine.locks.size())
	}
}

// ============================================================================
// PROJECTION AND BATCH
// ============================================================================

func TestProjectProfit(t *testing.T) {
	f := newFixture(t, "0", at(0))

	p, err := f.engine.ProjectProfit(context.Background(), "plan-basic", dec("1200"), 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Amount.Equal(dec("720")) {
		t.Errorf("expected 720, got %s", p.Amount)
	}
	if !p.Rate.Equal(dec("2")) {
		t.Errorf("expected rate 2, got %s", p.Rate)
	}

	if _, err := f.engine.ProjectProfit(context.Background(), "missing", dec("1"), 1); !errors.Is(err, continuity.ErrPlanNotFound) {
		t.Errorf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestEvaluateAll(t *testing.T) {
	f := newFixture(t, "250", at(10))
	f.store.subscribe("sub-2", testWallet, "plan-basic", testStart)
	f.store.subscribe("sub-bad", "0xnope", "plan-basic", testStart)

	res, err := f.engine.EvaluateAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Evaluated != 2 || res.Failed != 1 {
		t.Errorf("expected 2 evaluated and 1 failed, got %+v", res)
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()
	unlockA := km.Lock("a")

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
	if km.size() != 0 {
		t.Errorf("expected empty lock table, got %d", km.size())
	}
}
