// Package scheduler runs one goroutine per live strategy and owns the
// in-memory summary map. Everything else (risk gate, breaker, HTTP API)
// reads strategy state through snapshots published here.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/evaluator"
	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/executor"
	"github.com/web3guy0/futures-engine/internal/models"
	"github.com/web3guy0/futures-engine/internal/notify"
	"github.com/web3guy0/futures-engine/internal/risk"
	"github.com/web3guy0/futures-engine/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
//
// STRATEGY SCHEDULER
//
// Each launched strategy gets its own task: a goroutine driving the
// reconcile → evaluate → execute tick loop, cancelled through its own
// context. The scheduler map holds published snapshots of every summary;
// task goroutines mutate a private working copy and publish after each
// step, so readers never see a half-applied position.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Lifecycle errors surfaced through the engine to API callers.
var (
	ErrAlreadyRunning = errors.New("strategy already running")
	ErrNotRunning     = errors.New("strategy not running")
	ErrMaxConcurrent  = errors.New("maximum concurrent strategies reached")
)

// Config carries the scheduler knobs taken from engine configuration.
type Config struct {
	MaxConcurrent  int
	FeeRate        decimal.Decimal
	PnLAlertProfit decimal.Decimal
	PnLAlertLoss   decimal.Decimal
}

// task is one running strategy loop.
type task struct {
	strategyID string
	cancel     context.CancelFunc
	done       chan struct{}
	startedAt  time.Time
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Scheduler drives the per-strategy tick loops.
type Scheduler struct {
	store    *store.Store
	cache    *store.Cache
	clients  risk.ClientSource
	gate     *risk.Gate
	breaker  *risk.Breaker
	exec     *executor.Executor
	sizer    *risk.Sizer
	evals    *evaluator.Registry
	notifier notify.Notifier
	stream   *exchange.KlineStream
	cfg      Config

	mu        sync.RWMutex
	tasks     map[string]*task
	summaries map[string]*models.StrategySummary
	alertSide map[string]string
}

// New wires a scheduler. The kline stream is optional; when present it
// serves display prices without extra REST calls.
func New(
	st *store.Store,
	cache *store.Cache,
	clients risk.ClientSource,
	gate *risk.Gate,
	breaker *risk.Breaker,
	exec *executor.Executor,
	sizer *risk.Sizer,
	evals *evaluator.Registry,
	notifier notify.Notifier,
	cfg Config,
) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Scheduler{
		store:     st,
		cache:     cache,
		clients:   clients,
		gate:      gate,
		breaker:   breaker,
		exec:      exec,
		sizer:     sizer,
		evals:     evals,
		notifier:  notifier,
		cfg:       cfg,
		tasks:     make(map[string]*task),
		summaries: make(map[string]*models.StrategySummary),
		alertSide: make(map[string]string),
	}
}

// SetStream attaches a shared kline stream for display prices.
func (s *Scheduler) SetStream(stream *exchange.KlineStream) {
	s.stream = stream
}

// ─── Summary snapshots ───────────────────────────────────────────────────────

// Track registers a strategy's summary without starting it. Used at
// registration and during restore hydration.
func (s *Scheduler) Track(sum *models.StrategySummary) {
	s.publish(sum)
}

// Forget drops a strategy from the in-memory map after deletion.
func (s *Scheduler) Forget(strategyID string) {
	s.mu.Lock()
	delete(s.summaries, strategyID)
	delete(s.alertSide, strategyID)
	s.mu.Unlock()
}

// publish stores an immutable copy of the summary. Task goroutines keep
// mutating their working copy; readers only ever see published snapshots.
func (s *Scheduler) publish(sum *models.StrategySummary) {
	cp := *sum
	cp.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.summaries[cp.StrategyID] = &cp
	s.mu.Unlock()
}

// Summary returns the latest snapshot for one strategy.
func (s *Scheduler) Summary(strategyID string) (*models.StrategySummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[strategyID]
	if !ok {
		return nil, false
	}
	cp := *sum
	return &cp, true
}

// Summaries returns snapshots of every tracked strategy.
func (s *Scheduler) Summaries() []*models.StrategySummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.StrategySummary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		cp := *sum
		out = append(out, &cp)
	}
	return out
}

// AccountSummaries returns snapshots of the account's strategies. The
// risk gate walks these to measure real exposure.
func (s *Scheduler) AccountSummaries(accountID string) []*models.StrategySummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.StrategySummary
	for _, sum := range s.summaries {
		if sum.AccountID == accountID {
			cp := *sum
			out = append(out, &cp)
		}
	}
	return out
}

// Running counts live tasks.
func (s *Scheduler) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runningLocked()
}

func (s *Scheduler) runningLocked() int {
	n := 0
	for _, t := range s.tasks {
		if !t.finished() {
			n++
		}
	}
	return n
}

// IsRunning reports whether the strategy has a live task.
func (s *Scheduler) IsRunning(strategyID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[strategyID]
	return ok && !t.finished()
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Launch starts the tick loop for a persisted strategy row. The task gets
// its own background context so an API request timeout cannot kill it.
func (s *Scheduler) Launch(ctx context.Context, row *models.Strategy) (*models.StrategySummary, error) {
	cli, err := s.clients.Client(row.AccountID)
	if err != nil {
		return nil, fmt.Errorf("resolve client for account %s: %w", row.AccountID, err)
	}
	eval, err := s.evals.Create(cli, row)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if t, ok := s.tasks[row.StrategyID]; ok && !t.finished() {
		s.mu.Unlock()
		eval.Teardown()
		return nil, ErrAlreadyRunning
	}
	if s.runningLocked() >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		eval.Teardown()
		return nil, ErrMaxConcurrent
	}

	sum := s.summaries[row.StrategyID]
	if sum == nil {
		sum = models.SummaryFromStrategy(row)
	} else {
		cp := *sum
		sum = &cp
	}
	sum.Status = models.StatusRunning
	sum.LastError = ""

	tctx, cancel := context.WithCancel(context.Background())
	t := &task{
		strategyID: row.StrategyID,
		cancel:     cancel,
		done:       make(chan struct{}),
		startedAt:  time.Now().UTC(),
	}
	s.tasks[row.StrategyID] = t
	s.mu.Unlock()

	if err := s.store.UpdateStrategyStatus(sum.UserID, sum.StrategyID, models.StatusRunning); err != nil {
		s.mu.Lock()
		delete(s.tasks, row.StrategyID)
		s.mu.Unlock()
		cancel()
		eval.Teardown()
		return nil, fmt.Errorf("persist running status: %w", err)
	}

	s.publish(sum)
	s.cache.SetSummary(context.Background(), sum)

	if s.stream != nil {
		s.stream.Subscribe(sum.Symbol, "1m")
	}

	go s.run(tctx, t, row, sum, eval, cli)

	log.Info().
		Str("strategy", sum.Name).
		Str("symbol", sum.Symbol).
		Str("type", sum.StrategyType).
		Int("interval_sec", sum.IntervalSec).
		Msg("🚀 Strategy launched")
	s.notifier.StrategyStarted(sum)
	return sum, nil
}

// Stop halts a running strategy: cancels the task, waits for the loop to
// drain, cancels any native TP/SL legs, flattens the position with a
// reduce-only market order and records that fill as a MANUAL exit.
func (s *Scheduler) Stop(ctx context.Context, strategyID string) (*models.StrategySummary, error) {
	return s.halt(ctx, strategyID, models.StatusStopped, "")
}

// StopForRisk halts a strategy on the breaker's behalf, leaving it in
// stopped_by_risk so a plain start is refused until the stop is reset.
func (s *Scheduler) StopForRisk(ctx context.Context, strategyID, reason string) error {
	_, err := s.halt(ctx, strategyID, models.StatusStoppedByRisk, reason)
	return err
}

func (s *Scheduler) halt(ctx context.Context, strategyID, status, reason string) (*models.StrategySummary, error) {
	s.mu.Lock()
	t, ok := s.tasks[strategyID]
	if !ok || t.finished() {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	delete(s.tasks, strategyID)
	s.mu.Unlock()

	t.cancel()
	select {
	case <-t.done:
	case <-time.After(30 * time.Second):
		log.Warn().Str("strategy_id", strategyID).Msg("⚠️ Task did not drain in time, cleaning up anyway")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	snap, ok := s.Summary(strategyID)
	if !ok {
		return nil, ErrNotRunning
	}
	sum := snap

	cli, err := s.clients.Client(sum.AccountID)
	if err != nil {
		log.Error().Err(err).Str("strategy", sum.Name).Msg("❌ No exchange client at stop, skipping teardown")
	} else {
		s.teardownPosition(ctx, cli, sum)
	}

	sum.Status = status
	if reason != "" {
		sum.LastError = reason
	}
	s.publish(sum)
	if err := s.store.UpdateStrategyStatus(sum.UserID, sum.StrategyID, status); err != nil {
		log.Error().Err(err).Str("strategy", sum.Name).Msg("❌ Failed to persist stop status")
	}
	if raw, err := models.MarshalMeta(sum.Meta); err == nil {
		if err := s.store.UpdateStrategyMeta(sum.UserID, sum.StrategyID, raw); err != nil {
			log.Warn().Err(err).Str("strategy", sum.Name).Msg("⚠️ Failed to persist meta at stop")
		}
	}
	s.cache.SetSummary(context.Background(), sum)
	s.gate.ReleaseReservation(sum.AccountID, sum.StrategyID)

	finalPnL := s.realizedPnL(sum)
	if status == models.StatusStoppedByRisk {
		log.Warn().
			Str("strategy", sum.Name).
			Str("reason", reason).
			Msg("🛑 Strategy stopped by circuit breaker")
	} else {
		log.Info().
			Str("strategy", sum.Name).
			Str("final_pnl", finalPnL.StringFixed(2)).
			Msg("🛑 Strategy stopped")
		s.notifier.StrategyStopped(sum, finalPnL)
	}
	return sum, nil
}

// teardownPosition cancels bracket legs and flattens the live position.
// Each step is guarded on its own; a failed cancel must not leave an
// open position behind.
func (s *Scheduler) teardownPosition(ctx context.Context, cli exchange.Client, sum *models.StrategySummary) {
	meta, err := s.exec.CancelBracket(ctx, cli, sum)
	sum.Meta = meta
	if err != nil {
		log.Warn().Err(err).Str("strategy", sum.Name).Msg("⚠️ Bracket cancel incomplete at stop")
	}

	if sum.Flat() {
		return
	}
	res, err := cli.ClosePosition(ctx, sum.Symbol)
	if err != nil {
		if exchange.IsReduceOnlyReject(err) {
			// Already flat on the exchange side.
			sum.SetPosition("", decimal.Zero, decimal.Zero)
			return
		}
		log.Error().Err(err).Str("strategy", sum.Name).Msg("❌ Failed to flatten position at stop")
		return
	}
	if res != nil && res.ExecutedQty.IsPositive() {
		if _, err := s.exec.RecordFill(ctx, sum, res, sum.PositionSide, models.ExitReasonManual); err != nil {
			log.Error().Err(err).Str("strategy", sum.Name).Msg("❌ Failed to record manual close")
		}
		sum.SetPosition("", decimal.Zero, decimal.Zero)
		s.refreshCompleted(ctx, sum)
	}
}

// Shutdown cancels every task without touching positions or persisted
// status: strategies stay `running` in the store so the next boot
// restores them.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for id, t := range s.tasks {
		tasks = append(tasks, t)
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			log.Warn().Msg("⚠️ Shutdown deadline hit with tasks still draining")
			return
		}
	}
	log.Info().Int("tasks", len(tasks)).Msg("🛑 Scheduler drained")
}

// ─── Dead-task reaper ────────────────────────────────────────────────────────

// Reap sweeps out finished tasks whose goroutine died without a clean
// stop and demotes their summaries to error. Runs as a periodic job.
func (s *Scheduler) Reap() error {
	s.mu.Lock()
	var dead []string
	for id, t := range s.tasks {
		if t.finished() {
			dead = append(dead, id)
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()

	for _, id := range dead {
		sum, ok := s.Summary(id)
		if !ok {
			continue
		}
		if sum.Status != models.StatusRunning {
			continue
		}
		log.Warn().Str("strategy", sum.Name).Msg("💀 Reaped dead strategy task")
		sum.Status = models.StatusError
		if sum.LastError == "" {
			sum.LastError = "task exited unexpectedly"
		}
		s.publish(sum)
		if err := s.store.UpdateStrategyStatus(sum.UserID, sum.StrategyID, models.StatusError); err != nil {
			log.Error().Err(err).Str("strategy", sum.Name).Msg("❌ Failed to persist reaped status")
		}
		s.cache.SetSummary(context.Background(), sum)
	}
	return nil
}

// realizedPnL sums the strategy's completed trades. Used for the final
// stop notification; store outage degrades it to zero.
func (s *Scheduler) realizedPnL(sum *models.StrategySummary) decimal.Decimal {
	completed, err := s.store.CompletedTrades(sum.UserID, sum.StrategyID, 0)
	if err != nil {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, ct := range completed {
		total = total.Add(ct.NetPnL)
	}
	return total
}
