package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/models"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Exchange truth wins every tick
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every tick starts by comparing the summary against the exchange:
// 1. Position gone while we hold one → it closed behind our back. Infer
//    the exit reason from which bracket leg disappeared, synthesize the
//    closing fill, cancel the surviving leg.
// 2. Position present while we are flat → adopt it.
// 3. Both present → overwrite size/entry/mark from the exchange.
//
// This prevents ghost positions after crashes and after exchange-side
// TP/SL fills.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ReconcileResult describes what reconciliation changed on the summary.
type ReconcileResult struct {
	Closed     bool
	Adopted    bool
	ExitReason string
	Synthetic  *models.Trade
}

// Reconcile aligns the summary with the exchange position and returns
// what changed. The summary is mutated in place; the caller persists it.
func (e *Executor) Reconcile(ctx context.Context, cli exchange.Client, sum *models.StrategySummary) (*ReconcileResult, error) {
	pos, err := cli.GetOpenPosition(ctx, sum.Symbol)
	if err != nil {
		return nil, fmt.Errorf("read position %s: %w", sum.Symbol, err)
	}

	res := &ReconcileResult{}
	switch {
	case pos == nil && !sum.Flat():
		if err := e.settleExternalClose(ctx, cli, sum, res); err != nil {
			return nil, err
		}

	case pos != nil && sum.Flat():
		res.Adopted = true
		sum.SetPosition(pos.Side(), pos.Size(), pos.EntryPrice)
		if pos.MarkPrice.IsPositive() {
			sum.CurrentPrice = pos.MarkPrice
		}
		log.Warn().
			Str("strategy", sum.StrategyID).
			Str("symbol", sum.Symbol).
			Str("side", pos.Side()).
			Str("size", pos.Size().String()).
			Msg("📥 Adopted position found on exchange")

	case pos != nil:
		sum.SetPosition(pos.Side(), pos.Size(), pos.EntryPrice)
		if pos.MarkPrice.IsPositive() {
			sum.CurrentPrice = pos.MarkPrice
		}
		sum.UnrealizedPnL = pos.UnrealizedPnL
	}
	return res, nil
}

// settleExternalClose handles a position that vanished between ticks: the
// exchange closed it (TP/SL fill, liquidation or manual action). The
// summary flattens, the surviving bracket leg is cancelled and a synthetic
// closing fill is persisted so the matcher can complete the round trip.
func (e *Executor) settleExternalClose(ctx context.Context, cli exchange.Client, sum *models.StrategySummary, res *ReconcileResult) error {
	reason, exitPrice := e.inferExit(ctx, cli, sum)

	closedQty := sum.PositionSize
	closeSide := models.CloseSide(sum.PositionSide)

	t := &models.Trade{
		UserID:          sum.UserID,
		StrategyID:      sum.StrategyID,
		OrderID:         syntheticOrderID(),
		Symbol:          sum.Symbol,
		Side:            closeSide,
		OrderType:       models.OrderTypeMarket,
		ExecutedQty:     closedQty,
		Price:           exitPrice,
		AvgPrice:        exitPrice,
		Status:          "FILLED",
		Commission:      exitPrice.Mul(closedQty).Mul(e.feeRate),
		CommissionAsset: "USDT",
		Leverage:        sum.Leverage,
		PositionSide:    sum.PositionSide,
		ExitReason:      reason,
		Timestamp:       time.Now().UTC(),
	}
	if err := e.store.SaveTrade(t); err != nil {
		return fmt.Errorf("persist synthetic close: %w", err)
	}
	e.cache.PushTrade(ctx, sum.StrategyID, t)

	// The leg that did not fill still rests on the book.
	if meta, err := e.CancelBracket(ctx, cli, sum); err == nil {
		sum.Meta = meta
	} else {
		sum.Meta = meta
		log.Warn().Err(err).Str("strategy", sum.StrategyID).Msg("⚠️ Surviving bracket leg not cancelled")
	}

	sum.SetPosition("", decimal.Zero, decimal.Zero)
	res.Closed = true
	res.ExitReason = reason
	res.Synthetic = t

	log.Info().
		Str("strategy", sum.StrategyID).
		Str("symbol", sum.Symbol).
		Str("exit_reason", reason).
		Str("exit_price", exitPrice.StringFixed(2)).
		Str("qty", closedQty.String()).
		Msg("🔄 External close reconciled")
	return nil
}

// inferExit works out how the exchange closed the position by checking
// which tracked bracket order no longer rests in the book.
func (e *Executor) inferExit(ctx context.Context, cli exchange.Client, sum *models.StrategySummary) (string, decimal.Decimal) {
	fallback := sum.CurrentPrice
	if !fallback.IsPositive() {
		fallback = sum.EntryPrice
	}
	meta := sum.Meta
	if !meta.HasTPSL() {
		return models.ExitReasonUnknown, fallback
	}

	open, err := cli.GetOpenOrders(ctx, sum.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", sum.Symbol).Msg("Open orders unavailable, exit reason unknown")
		return models.ExitReasonUnknown, fallback
	}
	resting := make(map[int64]bool, len(open))
	for i := range open {
		resting[open[i].OrderID] = true
	}

	tpGone := meta.TPOrderID != 0 && !resting[meta.TPOrderID]
	slGone := meta.SLOrderID != 0 && !resting[meta.SLOrderID]

	switch {
	case tpGone && !slGone:
		if meta.TPPrice.IsPositive() {
			return models.ExitReasonTP, meta.TPPrice
		}
		return models.ExitReasonTP, fallback
	case slGone && !tpGone:
		reason := models.ExitReasonSL
		if meta.TrailingActive {
			reason = models.ExitReasonTPTrailing
		}
		if meta.SLPrice.IsPositive() {
			return reason, meta.SLPrice
		}
		return reason, fallback
	default:
		// Both gone (or both still resting): nothing to attribute.
		return models.ExitReasonUnknown, fallback
	}
}

// syntheticOrderID yields an id well above real exchange order ids so the
// matcher orders the synthetic close after its entry.
func syntheticOrderID() int64 {
	return time.Now().UnixMilli()
}
