package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/models"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL BRACKET - Native exchange-side protective orders
// ═══════════════════════════════════════════════════════════════════════════════
//
// After an entry fill both legs rest ON the exchange, so the position is
// protected even if this process dies:
//
//   LONG:  TP = entry * (1 + tp_pct), SL = entry * (1 - sl_pct), side SELL
//   SHORT: TP = entry * (1 - tp_pct), SL = entry * (1 + sl_pct), side BUY
//
// ═══════════════════════════════════════════════════════════════════════════════

// pricePrecision bounds bracket trigger prices. Per-symbol tick filters
// are not modeled.
const pricePrecision int32 = 4

var one = decimal.NewFromInt(1)

// PlaceBracket places the native TP/SL pair for the position the summary
// holds. All-or-nothing: when the SL leg fails, the already placed TP leg
// is cancelled so the position never runs with only the optimistic leg.
func (e *Executor) PlaceBracket(ctx context.Context, cli exchange.Client, sum *models.StrategySummary, sig models.Signal) (models.SummaryMeta, error) {
	var meta models.SummaryMeta
	if sum.Flat() || (!sig.TPPct.IsPositive() && !sig.SLPct.IsPositive()) {
		return meta, nil
	}

	entry := sum.EntryPrice
	closeSide := models.SideSell
	short := sum.PositionSide == models.PositionShort
	if short {
		closeSide = models.SideBuy
	}

	if sig.TPPct.IsPositive() {
		tpPrice := entry.Mul(one.Add(sig.TPPct))
		if short {
			tpPrice = entry.Mul(one.Sub(sig.TPPct))
		}
		tpPrice = tpPrice.Round(pricePrecision)
		res, err := cli.PlaceTakeProfitOrder(ctx, sum.Symbol, closeSide, sum.PositionSize, tpPrice, true)
		if err != nil {
			return meta, fmt.Errorf("place take-profit: %w", err)
		}
		meta.TPOrderID = res.OrderID
		meta.TPPrice = tpPrice
	}

	if sig.SLPct.IsPositive() {
		slPrice := entry.Mul(one.Sub(sig.SLPct))
		if short {
			slPrice = entry.Mul(one.Add(sig.SLPct))
		}
		slPrice = slPrice.Round(pricePrecision)
		res, err := cli.PlaceStopLossOrder(ctx, sum.Symbol, closeSide, sum.PositionSize, slPrice, true)
		if err != nil {
			if meta.TPOrderID != 0 {
				if cerr := cli.CancelOrder(ctx, sum.Symbol, meta.TPOrderID); cerr != nil && !exchange.IsUnknownOrder(cerr) {
					log.Warn().Err(cerr).Int64("order_id", meta.TPOrderID).Msg("⚠️ Orphaned TP leg not cancelled")
				}
				meta.TPOrderID = 0
				meta.TPPrice = decimal.Zero
			}
			return meta, fmt.Errorf("place stop-loss: %w", err)
		}
		meta.SLOrderID = res.OrderID
		meta.SLPrice = slPrice
	}

	log.Info().
		Str("strategy", sum.StrategyID).
		Str("symbol", sum.Symbol).
		Str("tp", meta.TPPrice.StringFixed(2)).
		Str("sl", meta.SLPrice.StringFixed(2)).
		Int64("tp_order", meta.TPOrderID).
		Int64("sl_order", meta.SLOrderID).
		Msg("🎯 TP/SL bracket placed")
	return meta, nil
}

// CancelBracket cancels the tracked bracket legs. Orders the exchange no
// longer knows (already filled or cancelled) are treated as done; other
// failures keep the id tracked and are reported.
func (e *Executor) CancelBracket(ctx context.Context, cli exchange.Client, sum *models.StrategySummary) (models.SummaryMeta, error) {
	meta := sum.Meta
	var firstErr error

	cancel := func(orderID int64) bool {
		if orderID == 0 {
			return true
		}
		err := cli.CancelOrder(ctx, sum.Symbol, orderID)
		if err == nil || exchange.IsUnknownOrder(err) {
			return true
		}
		log.Warn().Err(err).
			Str("strategy", sum.StrategyID).
			Int64("order_id", orderID).
			Msg("⚠️ Bracket cancel failed")
		if firstErr == nil {
			firstErr = fmt.Errorf("cancel order %d: %w", orderID, err)
		}
		return false
	}

	if cancel(meta.TPOrderID) {
		meta.TPOrderID = 0
		meta.TPPrice = decimal.Zero
	}
	if cancel(meta.SLOrderID) {
		meta.SLOrderID = 0
		meta.SLPrice = decimal.Zero
	}
	return meta, firstErr
}
