// Package matcher pairs raw exchange fills into completed trades.
//
// Match is a pure function: callers pass the full ordered fill list they
// care about and get back one CompletedTrade per closed lot portion, with
// gross PnL, fees and net PnL attributed. Everything downstream that talks
// about PnL (stats, risk windows, breakers) reads matcher output, never raw
// fills.
package matcher

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/models"
)

// DefaultFeeRate is the taker fee per side (0.04%).
var DefaultFeeRate = decimal.NewFromFloat(0.0004)

// lot is one open position slice waiting for its exit.
type lot struct {
	side        string // BUY opened LONG, SELL opened SHORT
	remaining   decimal.Decimal
	originalQty decimal.Decimal
	price       decimal.Decimal
	openedAt    time.Time
	orderID     int64
	exitReason  string // tag carried from the opening fill, if any
}

// Match runs FIFO pairing over the trades of one strategy. Trades are
// sorted by exchange order id (monotonic per account); fills with zero
// executed quantity are ignored. Fee per closed portion:
//
//	fee = (entry + exit) × closedQty × feeRate × (closedQty / originalLotQty)
//
// Exit reason precedence: the closing fill's tag, then the opening lot's
// tag, then MANUAL.
func Match(trades []models.Trade, feeRate decimal.Decimal) []models.CompletedTrade {
	sorted := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		if t.ExecutedQty.IsZero() {
			continue
		}
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OrderID < sorted[j].OrderID })

	var queue []lot
	var completed []models.CompletedTrade

	for _, t := range sorted {
		qty := t.ExecutedQty
		price := fillPrice(t)

		// Same direction as the open lots (or nothing open): new lot.
		if len(queue) == 0 || queue[0].side == t.Side {
			queue = append(queue, lot{
				side:        t.Side,
				remaining:   qty,
				originalQty: qty,
				price:       price,
				openedAt:    t.Timestamp,
				orderID:     t.OrderID,
				exitReason:  t.ExitReason,
			})
			continue
		}

		// Opposite direction: consume lots head-first.
		for qty.IsPositive() && len(queue) > 0 {
			head := &queue[0]
			closed := decimal.Min(qty, head.remaining)

			completed = append(completed, completeLot(head, t, closed, price, feeRate))

			head.remaining = head.remaining.Sub(closed)
			qty = qty.Sub(closed)
			if head.remaining.IsZero() {
				queue = queue[1:]
			}
		}

		// Residual flips direction and opens a fresh lot.
		if qty.IsPositive() {
			queue = append(queue, lot{
				side:        t.Side,
				remaining:   qty,
				originalQty: qty,
				price:       price,
				openedAt:    t.Timestamp,
				orderID:     t.OrderID,
				exitReason:  t.ExitReason,
			})
		}
	}

	return completed
}

func completeLot(head *lot, exit models.Trade, closed, exitPrice decimal.Decimal, feeRate decimal.Decimal) models.CompletedTrade {
	side := models.PositionLong
	gross := exitPrice.Sub(head.price).Mul(closed)
	if head.side == models.SideSell {
		side = models.PositionShort
		gross = head.price.Sub(exitPrice).Mul(closed)
	}

	feeRatio := closed.Div(head.originalQty)
	fee := head.price.Add(exitPrice).Mul(closed).Mul(feeRate).Mul(feeRatio)

	reason := exit.ExitReason
	if reason == "" {
		reason = head.exitReason
	}
	if reason == "" {
		reason = models.ExitReasonManual
	}

	return models.CompletedTrade{
		UserID:       exit.UserID,
		StrategyID:   exit.StrategyID,
		Symbol:       exit.Symbol,
		Side:         side,
		Quantity:     closed,
		EntryPrice:   head.price,
		ExitPrice:    exitPrice,
		EntryTime:    head.openedAt,
		ExitTime:     exit.Timestamp,
		EntryOrderID: head.orderID,
		ExitOrderID:  exit.OrderID,
		GrossPnL:     gross,
		FeePaid:      fee,
		NetPnL:       gross.Sub(fee),
		ExitReason:   reason,
	}
}

func fillPrice(t models.Trade) decimal.Decimal {
	if !t.AvgPrice.IsZero() {
		return t.AvgPrice
	}
	return t.Price
}

// ConsecutiveLosses counts losing completed trades from the most recent
// exit backwards, stopping at the first non-negative net PnL. Input order
// does not matter.
func ConsecutiveLosses(completed []models.CompletedTrade) int {
	sorted := make([]models.CompletedTrade, len(completed))
	copy(sorted, completed)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExitTime.After(sorted[j].ExitTime) })

	streak := 0
	for _, ct := range sorted {
		if ct.NetPnL.IsNegative() {
			streak++
			continue
		}
		break
	}
	return streak
}

// NetPnLSince sums net PnL over completed trades with exit time at or
// after the cutoff.
func NetPnLSince(completed []models.CompletedTrade, since time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, ct := range completed {
		if !ct.ExitTime.Before(since) {
			total = total.Add(ct.NetPnL)
		}
	}
	return total
}
