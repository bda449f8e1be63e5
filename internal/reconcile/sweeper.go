// Package reconcile settles pending ledger entries against on-chain receipts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"continuity-engine/internal/chain"
	"continuity-engine/internal/ledger"
	"continuity-engine/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrStore wraps persistence failures that abort a sweep.
var ErrStore = errors.New("ledger store failure")

// Store is the ledger persistence the sweeper needs.
type Store interface {
	// FindPending returns entries with a tx hash and a non-terminal status.
	FindPending(ctx context.Context, category ledger.Category, filter ledger.PendingFilter) ([]ledger.Entry, error)
	// ApplyTransition settles an entry only if it is still non-terminal and
	// reports whether this call changed it.
	ApplyTransition(ctx context.Context, id string, t ledger.Transition) (bool, error)
	// RecordObservation annotates a still-pending entry.
	RecordObservation(ctx context.Context, id string, o ledger.Observation) error
}

// Publisher receives settlement notifications. The event bus implements it.
type Publisher interface {
	PublishLedgerEntrySettled(entryID, category, subscriberID, hash, status string)
	PublishLedgerAnomaly(entryID, category, hash, note string)
	PublishSweepFinished(runID string, summary interface{})
}

// Config for a Sweeper.
type Config struct {
	ReceiptTimeout        time.Duration
	Concurrency           int
	RequiredConfirmations uint64
	BatchLimit            int
}

// DefaultConfig returns the sweeper defaults.
func DefaultConfig() Config {
	return Config{
		ReceiptTimeout:        10 * time.Second,
		Concurrency:           8,
		RequiredConfirmations: 1,
		BatchLimit:            500,
	}
}

// Outcome is what happened to one entry in one sweep.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeActive         Outcome = "active"
	OutcomeFailed         Outcome = "failed"
	OutcomePending        Outcome = "pending"
	OutcomeAwaitingConfs  Outcome = "awaiting_confirmations"
	OutcomeAnomaly        Outcome = "anomaly"
	OutcomeError          Outcome = "error"
	OutcomeAlreadySettled Outcome = "already_settled"
)

// Counts per category. AlreadySettled entries were settled by a concurrent
// sweep between selection and update and are not counted as completed or failed.
type Counts struct {
	Checked        int `json:"checked"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	StillPending   int `json:"still_pending"`
	Errors         int `json:"errors"`
	AlreadySettled int `json:"already_settled"`
}

// AuditRecord is one line of the flat audit trail.
type AuditRecord struct {
	ID       string          `json:"id"`
	Category ledger.Category `json:"category"`
	Hash     string          `json:"hash"`
	Outcome  Outcome         `json:"outcome"`
	Detail   string          `json:"detail,omitempty"`
}

// Summary is the result of one Reconcile call.
type Summary struct {
	RunID      string                      `json:"run_id"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
	Categories map[ledger.Category]*Counts `json:"categories"`
	Audit      []AuditRecord               `json:"audit"`
	Partial    bool                        `json:"partial"`
	Error      string                      `json:"error,omitempty"`
}

// Totals sums the per-category counts.
func (s *Summary) Totals() Counts {
	var t Counts
	for _, c := range s.Categories {
		t.Checked += c.Checked
		t.Completed += c.Completed
		t.Failed += c.Failed
		t.StillPending += c.StillPending
		t.Errors += c.Errors
		t.AlreadySettled += c.AlreadySettled
	}
	return t
}

// Sweeper is safe to run concurrently with itself: every terminal update is
// conditional in the store.
type Sweeper struct {
	store     Store
	reader    chain.Reader
	cfg       Config
	publisher Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewSweeper creates a Sweeper. publisher and m may be nil.
func NewSweeper(store Store, reader chain.Reader, cfg Config, publisher Publisher, m *metrics.Metrics, logger zerolog.Logger) *Sweeper {
	def := DefaultConfig()
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = def.ReceiptTimeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RequiredConfirmations < 1 {
		cfg.RequiredConfirmations = def.RequiredConfirmations
	}
	if cfg.BatchLimit < 1 {
		cfg.BatchLimit = def.BatchLimit
	}
	return &Sweeper{
		store:     store,
		reader:    reader,
		cfg:       cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With().Str("component", "LedgerSweeper").Logger(),
	}
}

// run holds per-sweep state shared by the workers of all categories.
type run struct {
	mu      sync.Mutex
	summary *Summary

	headMu   sync.Mutex
	head     uint64
	haveHead bool
}

func (r *run) record(category ledger.Category, rec AuditRecord, bump func(*Counts)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.summary.Categories[category]
	c.Checked++
	bump(c)
	r.summary.Audit = append(r.summary.Audit, rec)
}

// Reconcile sweeps the given categories in order (all when empty). It stops
// at the first store failure and returns the partial summary with the error.
func (s *Sweeper) Reconcile(ctx context.Context, categories []ledger.Category, filter ledger.PendingFilter) (*Summary, error) {
	if len(categories) == 0 {
		categories = ledger.AllCategories()
	}
	if filter.Limit <= 0 || filter.Limit > s.cfg.BatchLimit {
		filter.Limit = s.cfg.BatchLimit
	}

	started := time.Now()
	r := &run{summary: &Summary{
		RunID:      uuid.NewString(),
		StartedAt:  started,
		Categories: make(map[ledger.Category]*Counts, len(categories)),
		Audit:      make([]AuditRecord, 0),
	}}
	for _, c := range categories {
		r.summary.Categories[c] = &Counts{}
	}

	log := s.logger.With().Str("run_id", r.summary.RunID).Logger()

	var sweepErr error
	for _, category := range categories {
		if err := s.sweepCategory(ctx, r, category, filter, log); err != nil {
			sweepErr = err
			break
		}
	}

	r.summary.FinishedAt = time.Now()
	s.metrics.ObserveSweep(r.summary.FinishedAt.Sub(started))

	totals := r.summary.Totals()
	event := log.Info()
	if sweepErr != nil {
		r.summary.Partial = true
		r.summary.Error = sweepErr.Error()
		event = log.Error().Err(sweepErr)
	}
	event.
		Int("checked", totals.Checked).
		Int("completed", totals.Completed).
		Int("failed", totals.Failed).
		Int("still_pending", totals.StillPending).
		Int("errors", totals.Errors).
		Dur("duration", r.summary.FinishedAt.Sub(started)).
		Msg("Reconciliation sweep finished")

	if s.publisher != nil {
		s.publisher.PublishSweepFinished(r.summary.RunID, totals)
	}
	return r.summary, sweepErr
}

func (s *Sweeper) sweepCategory(ctx context.Context, r *run, category ledger.Category, filter ledger.PendingFilter, log zerolog.Logger) error {
	entries, err := s.store.FindPending(ctx, category, filter)
	if err != nil {
		return fmt.Errorf("%w: find pending %s: %v", ErrStore, category, err)
	}
	if len(entries) == 0 {
		return nil
	}

	log.Debug().Str("category", string(category)).Int("entries", len(entries)).Msg("Sweeping category")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, entry := range entries {
		if gctx.Err() != nil {
			break
		}
		entry := entry
		g.Go(func() error {
			return s.reconcileEntry(gctx, r, category, entry, log)
		})
	}
	return g.Wait()
}

// reconcileEntry only returns an error for store failures. Reader faults are
// counted and leave the entry pending for the next sweep.
func (s *Sweeper) reconcileEntry(ctx context.Context, r *run, category ledger.Category, entry ledger.Entry, log zerolog.Logger) error {
	hash := chain.NormalizeHash(entry.Hash())
	if hash == "" || entry.Status.IsTerminal() {
		return nil
	}

	entryLog := log.With().
		Str("category", string(category)).
		Str("entry_id", entry.ID).
		Str("tx_hash", hash).
		Logger()

	audit := AuditRecord{ID: entry.ID, Category: category, Hash: hash}

	receiptCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	receipt, err := s.reader.GetReceipt(receiptCtx, hash)
	cancel()
	if err != nil {
		entryLog.Warn().Err(err).Msg("Receipt lookup failed, leaving entry pending")
		s.note(r, category, audit, OutcomeError, err.Error(), func(c *Counts) { c.Errors++ })
		return nil
	}

	if receipt == nil {
		s.note(r, category, audit, OutcomePending, "receipt not found", func(c *Counts) { c.StillPending++ })
		return nil
	}

	switch receipt.Status {
	case chain.ReceiptSuccess:
		return s.settleSuccess(ctx, r, category, entry, receipt, audit, entryLog)
	case chain.ReceiptReverted:
		return s.settleReverted(ctx, r, category, entry, receipt, audit, entryLog)
	default:
		note := fmt.Sprintf("unrecognized receipt status %q", receipt.Status)
		if err := s.store.RecordObservation(ctx, entry.ID, ledger.Observation{BlockNumber: receipt.BlockNumber, Anomaly: note}); err != nil {
			return fmt.Errorf("%w: record anomaly for %s: %v", ErrStore, entry.ID, err)
		}
		entryLog.Warn().Str("receipt_status", string(receipt.Status)).Msg("Ledger anomaly, entry left pending")
		if s.publisher != nil {
			s.publisher.PublishLedgerAnomaly(entry.ID, string(category), hash, note)
		}
		s.note(r, category, audit, OutcomeAnomaly, note, func(c *Counts) { c.StillPending++ })
		return nil
	}
}

func (s *Sweeper) settleSuccess(ctx context.Context, r *run, category ledger.Category, entry ledger.Entry, receipt *chain.Receipt, audit AuditRecord, log zerolog.Logger) error {
	latest, err := s.latestBlock(ctx, r, receipt.BlockNumber)
	if err != nil {
		log.Warn().Err(err).Msg("Head block lookup failed, leaving entry pending")
		s.note(r, category, audit, OutcomeError, err.Error(), func(c *Counts) { c.Errors++ })
		return nil
	}

	confirmations := chain.Confirmations(latest, receipt.BlockNumber)
	if confirmations < s.cfg.RequiredConfirmations {
		obs := ledger.Observation{Confirmations: confirmations, BlockNumber: receipt.BlockNumber}
		if err := s.store.RecordObservation(ctx, entry.ID, obs); err != nil {
			return fmt.Errorf("%w: record confirmations for %s: %v", ErrStore, entry.ID, err)
		}
		detail := fmt.Sprintf("%d/%d confirmations", confirmations, s.cfg.RequiredConfirmations)
		s.note(r, category, audit, OutcomeAwaitingConfs, detail, func(c *Counts) { c.StillPending++ })
		return nil
	}

	receiptHash := chain.NormalizeHash(receipt.Hash)
	if receiptHash == "" {
		receiptHash = audit.Hash
	}
	if receiptHash != audit.Hash {
		log.Info().Str("receipt_hash", receiptHash).Msg("Normalizing stored hash to receipt hash")
	}

	status := ledger.SuccessStatus(category)
	t := ledger.Transition{
		Status:        status,
		TxHash:        receiptHash,
		Confirmations: confirmations,
		BlockNumber:   receipt.BlockNumber,
	}
	if category == ledger.CategoryApproval {
		active := true
		t.Active = &active
	}

	applied, err := s.store.ApplyTransition(ctx, entry.ID, t)
	if err != nil {
		return fmt.Errorf("%w: settle %s: %v", ErrStore, entry.ID, err)
	}
	audit.Hash = receiptHash
	if !applied {
		s.note(r, category, audit, OutcomeAlreadySettled, "", func(c *Counts) { c.AlreadySettled++ })
		return nil
	}

	outcome := OutcomeCompleted
	if status == ledger.StatusActive {
		outcome = OutcomeActive
	}
	log.Info().Uint64("block", receipt.BlockNumber).Uint64("confirmations", confirmations).Msg("Ledger entry settled")
	if s.publisher != nil {
		s.publisher.PublishLedgerEntrySettled(entry.ID, string(category), entry.SubscriberID, receiptHash, string(status))
	}
	s.note(r, category, audit, outcome, "", func(c *Counts) { c.Completed++ })
	return nil
}

func (s *Sweeper) settleReverted(ctx context.Context, r *run, category ledger.Category, entry ledger.Entry, receipt *chain.Receipt, audit AuditRecord, log zerolog.Logger) error {
	reason := fmt.Sprintf("transaction reverted in block %d", receipt.BlockNumber)
	if receiptHash := chain.NormalizeHash(receipt.Hash); receiptHash != "" {
		audit.Hash = receiptHash
	}
	t := ledger.Transition{
		Status:        ledger.StatusFailed,
		TxHash:        audit.Hash,
		BlockNumber:   receipt.BlockNumber,
		FailureReason: reason,
	}
	if category == ledger.CategoryApproval {
		inactive := false
		t.Active = &inactive
	}

	applied, err := s.store.ApplyTransition(ctx, entry.ID, t)
	if err != nil {
		return fmt.Errorf("%w: fail %s: %v", ErrStore, entry.ID, err)
	}
	if !applied {
		s.note(r, category, audit, OutcomeAlreadySettled, "", func(c *Counts) { c.AlreadySettled++ })
		return nil
	}

	log.Warn().Uint64("block", receipt.BlockNumber).Msg("Ledger entry failed on chain")
	if s.publisher != nil {
		s.publisher.PublishLedgerEntrySettled(entry.ID, string(category), entry.SubscriberID, audit.Hash, string(ledger.StatusFailed))
	}
	s.note(r, category, audit, OutcomeFailed, reason, func(c *Counts) { c.Failed++ })
	return nil
}

func (s *Sweeper) note(r *run, category ledger.Category, audit AuditRecord, outcome Outcome, detail string, bump func(*Counts)) {
	audit.Outcome = outcome
	audit.Detail = detail
	r.record(category, audit, bump)
	s.metrics.ObserveSweepEntry(string(category), string(outcome))
}

// latestBlock is fetched once per sweep and refetched when a receipt is newer
// than the cached head. A found receipt proves its block exists, so the result
// is never below minBlock. Failures are not memoized.
func (s *Sweeper) latestBlock(ctx context.Context, r *run, minBlock uint64) (uint64, error) {
	r.headMu.Lock()
	defer r.headMu.Unlock()
	if r.haveHead && r.head >= minBlock {
		return r.head, nil
	}

	headCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()
	n, err := s.reader.LatestBlockNumber(headCtx)
	if err != nil {
		return 0, err
	}
	if n < minBlock {
		n = minBlock
	}
	r.head = n
	r.haveHead = true
	return n, nil
}
