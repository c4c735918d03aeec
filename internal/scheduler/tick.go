package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/evaluator"
	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/executor"
	"github.com/web3guy0/futures-engine/internal/matcher"
	"github.com/web3guy0/futures-engine/internal/models"
	"github.com/web3guy0/futures-engine/internal/risk"
)

// ═══════════════════════════════════════════════════════════════════════════════
//
// TICK LOOP
//
// Every interval: reconcile against the exchange, sync the evaluator,
// evaluate, refresh the display price, check PnL alerts, then execute
// any actionable signal through risk gate and executor. A failed tick
// logs and waits for the next interval; only a panic kills the task.
//
// ═══════════════════════════════════════════════════════════════════════════════

const minTickInterval = time.Second

// run is the task body. It exits when the context is cancelled or the
// loop panics; the deferred recover flips the strategy to error so the
// operator sees a crash rather than a silent stall.
func (s *Scheduler) run(ctx context.Context, t *task, row *models.Strategy, sum *models.StrategySummary, eval evaluator.Evaluator, cli exchange.Client) {
	defer close(t.done)
	defer eval.Teardown()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("strategy task panic: %v", r)
		log.Error().
			Str("strategy", sum.Name).
			Interface("panic", r).
			Msg("💥 Strategy task crashed")
		sum.Status = models.StatusError
		sum.LastError = err.Error()
		s.publish(sum)
		if perr := s.store.UpdateStrategyStatus(sum.UserID, sum.StrategyID, models.StatusError); perr != nil {
			log.Error().Err(perr).Str("strategy", sum.Name).Msg("❌ Failed to persist error status")
		}
		s.cache.SetSummary(context.Background(), sum)
		s.store.LogSystemEvent(sum.UserID, "strategy_crash", "error", sum.Name, err.Error())
		s.notifier.StrategyError(sum, err)
	}()

	interval := time.Duration(row.IntervalSec) * time.Second
	if interval < minTickInterval {
		interval = minTickInterval
	}

	for {
		if err := s.tick(ctx, cli, eval, sum); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			sum.LastError = err.Error()
			s.publish(sum)
			log.Warn().
				Err(err).
				Str("strategy", sum.Name).
				Str("symbol", sum.Symbol).
				Msg("⚠️ Tick failed, retrying next interval")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// tick runs one full evaluation cycle for a strategy.
func (s *Scheduler) tick(ctx context.Context, cli exchange.Client, eval evaluator.Evaluator, sum *models.StrategySummary) error {
	// 1. Reconcile local state against the exchange. TP/SL fills and
	// anything closed while we slept settles here.
	recon, err := s.exec.Reconcile(ctx, cli, sum)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if recon.Closed {
		log.Info().
			Str("strategy", sum.Name).
			Str("exit_reason", recon.ExitReason).
			Msg("🔄 Position closed on exchange, settled locally")
		s.persistMeta(sum)
		s.afterClose(ctx, sum)
	}
	s.gate.ReleaseIfFlat(sum.AccountID, sum.StrategyID, sum.Flat())

	// 2. Evaluator sees the reconciled position before deciding.
	eval.SyncPositionState(sum.PositionSide, sum.EntryPrice)

	// 3. Evaluate.
	sig, err := eval.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	sum.LastSignal = sig.Action
	if sig.Reason != "" {
		sum.LastSignal = sig.Action + ": " + sig.Reason
	}

	// 4. Display price, cheap path first. Never tick-fatal.
	s.refreshPrice(ctx, cli, sum)

	// 5. Unrealized PnL alert thresholds.
	s.checkPnLAlert(sum)

	// 6. Act.
	if sig.Action == models.ActionBuy || sig.Action == models.ActionSell {
		s.executeSignal(ctx, cli, eval, sum, sig)
	}

	sum.LastError = ""
	s.publish(sum)
	return nil
}

// refreshPrice updates CurrentPrice and the mark-to-market PnL from the
// shared kline stream when possible, REST otherwise.
func (s *Scheduler) refreshPrice(ctx context.Context, cli exchange.Client, sum *models.StrategySummary) {
	var price decimal.Decimal
	if s.stream != nil {
		if p, ok := s.stream.LastPrice(sum.Symbol); ok && p.IsPositive() {
			price = p
		}
	}
	if !price.IsPositive() {
		p, err := cli.GetPrice(ctx, sum.Symbol)
		if err != nil {
			log.Debug().Err(err).Str("symbol", sum.Symbol).Msg("Price refresh failed")
			return
		}
		price = p
	}
	if !price.IsPositive() {
		return
	}
	sum.CurrentPrice = price
	if sum.Flat() {
		return
	}
	diff := price.Sub(sum.EntryPrice)
	if sum.PositionSide == models.PositionShort {
		diff = diff.Neg()
	}
	sum.UnrealizedPnL = diff.Mul(sum.PositionSize)
}

// checkPnLAlert fires a one-shot notification when unrealized PnL
// crosses the configured profit or loss threshold, re-arming only after
// the PnL returns inside the band.
func (s *Scheduler) checkPnLAlert(sum *models.StrategySummary) {
	if sum.Flat() {
		s.setAlertSide(sum.StrategyID, "")
		return
	}
	side := ""
	if s.cfg.PnLAlertProfit.IsPositive() && sum.UnrealizedPnL.GreaterThanOrEqual(s.cfg.PnLAlertProfit) {
		side = "profit"
	} else if s.cfg.PnLAlertLoss.IsPositive() && sum.UnrealizedPnL.LessThanOrEqual(s.cfg.PnLAlertLoss.Neg()) {
		side = "loss"
	}
	if side == s.getAlertSide(sum.StrategyID) {
		return
	}
	s.setAlertSide(sum.StrategyID, side)
	if side == "" {
		return
	}
	log.Info().
		Str("strategy", sum.Name).
		Str("pnl", sum.UnrealizedPnL.StringFixed(2)).
		Str("threshold", side).
		Msg("💰 Unrealized PnL threshold crossed")
	s.notifier.PnLThreshold(sum, sum.UnrealizedPnL)
}

func (s *Scheduler) getAlertSide(strategyID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alertSide[strategyID]
}

func (s *Scheduler) setAlertSide(strategyID, side string) {
	s.mu.Lock()
	s.alertSide[strategyID] = side
	s.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL EXECUTION
// ═══════════════════════════════════════════════════════════════════════════════

// executeSignal runs one actionable signal through the risk gate and the
// executor. Failures release the reservation and end the attempt; the
// loop itself never dies here.
func (s *Scheduler) executeSignal(ctx context.Context, cli exchange.Client, eval evaluator.Evaluator, sum *models.StrategySummary, sig models.Signal) {
	verdict := s.gate.CheckOrder(ctx, sig, sum)
	if !verdict.Approved {
		log.Warn().
			Str("strategy", sum.Name).
			Str("action", sig.Action).
			Str("reason", verdict.Reason).
			Msg("🚫 Signal rejected by risk gate")
		sum.LastSignal = sig.Action + " rejected: " + verdict.Reason
		return
	}

	isExit := sig.IsExit(sum.PositionSide)
	reserved := !isExit
	release := func() {
		if reserved {
			s.gate.ReleaseReservation(sum.AccountID, sum.StrategyID)
			reserved = false
		}
	}

	var qty decimal.Decimal
	if !isExit {
		if err := s.exec.EnsureLeverage(ctx, cli, sum); err != nil {
			release()
			log.Error().Err(err).Str("strategy", sum.Name).Msg("❌ Entry aborted on leverage enforcement")
			return
		}
		var err error
		qty, err = s.entryQty(ctx, cli, sum, sig, verdict)
		if err != nil {
			release()
			log.Warn().Err(err).Str("strategy", sum.Name).Msg("⚠️ Entry skipped, no viable size")
			return
		}
	}

	res, err := s.exec.Execute(ctx, cli, sum, sig, qty)
	if err != nil {
		release()
		if errors.Is(err, executor.ErrDuplicateSignal) {
			return
		}
		log.Error().
			Err(err).
			Str("strategy", sum.Name).
			Str("action", sig.Action).
			Msg("❌ Order execution failed")
		sum.LastError = err.Error()
		return
	}
	if res == nil || res.ExecutedQty.IsZero() {
		release()
		return
	}

	if !isExit {
		actual := res.AvgPrice.Mul(res.ExecutedQty).Mul(decimal.NewFromInt(int64(sum.Leverage)))
		s.gate.ConfirmReservation(sum.AccountID, sum.StrategyID, res.OrderID, actual)
		reserved = false
	}

	positionSide := sig.PositionSide
	exitReason := ""
	if isExit || res.ReduceOnly {
		positionSide = sum.PositionSide
		exitReason = sig.ExitReason
		if exitReason == "" {
			exitReason = models.ExitReasonManual
		}
	}
	if positionSide == "" {
		if sig.Action == models.ActionBuy {
			positionSide = models.PositionLong
		} else {
			positionSide = models.PositionShort
		}
	}

	if _, err := s.exec.RecordFill(ctx, sum, res, positionSide, exitReason); err != nil {
		log.Error().Err(err).Str("strategy", sum.Name).Msg("❌ Fill recorded on exchange but not persisted")
	}
	s.notifier.TradeExecuted(sum, res.Side, res.ExecutedQty, res.AvgPrice, res.ReduceOnly)

	// Apply the fill locally first, then re-read the exchange. The
	// reconcile pass refines size and entry from exchange truth; it must
	// not mistake our own close for an external one.
	if isExit || res.ReduceOnly {
		sum.SetPosition("", decimal.Zero, decimal.Zero)
	} else {
		entryPrice := res.AvgPrice
		if !entryPrice.IsPositive() {
			entryPrice = res.Price
		}
		sum.SetPosition(positionSide, res.ExecutedQty, entryPrice)
	}
	if _, err := s.exec.Reconcile(ctx, cli, sum); err != nil {
		log.Warn().Err(err).Str("strategy", sum.Name).Msg("⚠️ Post-trade reconcile failed")
	}
	eval.SyncPositionState(sum.PositionSide, sum.EntryPrice)

	if isExit || res.ReduceOnly {
		s.settleExit(ctx, cli, sum)
	} else {
		s.armBracket(ctx, cli, sum, sig)
	}
	s.persistMeta(sum)
	s.publish(sum)
}

// entryQty sizes an entry. An auto-reduced verdict already carries the
// quantity that fits the exposure headroom and wins over the sizer.
func (s *Scheduler) entryQty(ctx context.Context, cli exchange.Client, sum *models.StrategySummary, sig models.Signal, verdict risk.Verdict) (decimal.Decimal, error) {
	if verdict.AdjustedQty.IsPositive() {
		return verdict.AdjustedQty, nil
	}
	bal, err := cli.AccountBalance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	price := sig.Price
	if !price.IsPositive() {
		price = sum.CurrentPrice
	}
	if !price.IsPositive() {
		p, err := cli.GetPrice(ctx, sum.Symbol)
		if err != nil {
			return decimal.Zero, fmt.Errorf("read price: %w", err)
		}
		price = p
	}
	return s.sizer.Calculate(sum, price, bal.Total)
}

// settleExit finishes a closed position: surviving bracket legs are
// cancelled, completed trades rebuilt, breaker consulted, reservation
// freed.
func (s *Scheduler) settleExit(ctx context.Context, cli exchange.Client, sum *models.StrategySummary) {
	meta, err := s.exec.CancelBracket(ctx, cli, sum)
	sum.Meta = meta
	if err != nil {
		log.Warn().Err(err).Str("strategy", sum.Name).Msg("⚠️ Orphan bracket cancel incomplete")
	}
	s.afterClose(ctx, sum)
	s.gate.ReleaseIfFlat(sum.AccountID, sum.StrategyID, sum.Flat())
}

// armBracket places native TP/SL for a fresh entry when the signal
// carries offsets and nothing is tracked yet.
func (s *Scheduler) armBracket(ctx context.Context, cli exchange.Client, sum *models.StrategySummary, sig models.Signal) {
	if sum.Flat() || sum.Meta.HasTPSL() {
		return
	}
	meta, err := s.exec.PlaceBracket(ctx, cli, sum, sig)
	if err != nil {
		log.Warn().Err(err).Str("strategy", sum.Name).Msg("⚠️ Bracket placement failed, strategy exits stay signal-driven")
		return
	}
	sum.Meta = meta
}

// afterClose rebuilds the strategy's completed trades after any close and
// hands the fresh history to the circuit breaker. The breaker runs on its
// own goroutine: a trip stops this very task, which must not wait on
// itself.
func (s *Scheduler) afterClose(ctx context.Context, sum *models.StrategySummary) {
	trades, err := s.store.GetTrades(sum.UserID, sum.StrategyID, 0)
	if err != nil {
		log.Error().Err(err).Str("strategy", sum.Name).Msg("❌ Completed-trade rebuild skipped, store unavailable")
		return
	}
	completed := matcher.Match(trades, s.cfg.FeeRate)
	for i := range completed {
		completed[i].AccountID = sum.AccountID
	}
	if err := s.store.ReplaceCompletedTrades(sum.UserID, sum.StrategyID, completed); err != nil {
		log.Error().Err(err).Str("strategy", sum.Name).Msg("❌ Failed to persist completed trades")
		return
	}

	snap := *sum
	go func() {
		bctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.breaker.CheckStrategy(bctx, &snap); err != nil {
			log.Error().Err(err).Str("strategy", snap.Name).Msg("❌ Breaker strategy check failed")
		}
		if err := s.breaker.CheckAccount(bctx, snap.AccountID); err != nil {
			log.Error().Err(err).Str("account", snap.AccountID).Msg("❌ Breaker account check failed")
		}
	}()
}

// persistMeta writes the summary's bracket meta back to the strategy row
// and mirrors the summary into the cache.
func (s *Scheduler) persistMeta(sum *models.StrategySummary) {
	raw, err := models.MarshalMeta(sum.Meta)
	if err != nil {
		return
	}
	if err := s.store.UpdateStrategyMeta(sum.UserID, sum.StrategyID, raw); err != nil {
		log.Warn().Err(err).Str("strategy", sum.Name).Msg("⚠️ Meta persist failed")
	}
	s.cache.SetSummary(context.Background(), sum)
}

// refreshCompleted is the synchronous variant used during manual stops,
// where the task is already gone and self-stop deadlock cannot happen.
func (s *Scheduler) refreshCompleted(ctx context.Context, sum *models.StrategySummary) {
	trades, err := s.store.GetTrades(sum.UserID, sum.StrategyID, 0)
	if err != nil {
		return
	}
	completed := matcher.Match(trades, s.cfg.FeeRate)
	for i := range completed {
		completed[i].AccountID = sum.AccountID
	}
	if err := s.store.ReplaceCompletedTrades(sum.UserID, sum.StrategyID, completed); err != nil {
		log.Warn().Err(err).Str("strategy", sum.Name).Msg("⚠️ Completed trades not refreshed at stop")
	}
}
