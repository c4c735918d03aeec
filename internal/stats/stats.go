// Package stats aggregates completed trades into per-strategy and
// engine-wide performance numbers. Pure functions over matcher output;
// NetPnL is the only PnL that feeds win/loss classification.
package stats

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/matcher"
	"github.com/web3guy0/futures-engine/internal/models"
)

var hundred = decimal.NewFromInt(100)

// StrategyStats summarizes one strategy's completed round trips.
type StrategyStats struct {
	StrategyID  string          `json:"strategy_id"`
	TotalTrades int             `json:"total_trades"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	WinRate     decimal.Decimal `json:"win_rate"`
	GrossPnL    decimal.Decimal `json:"gross_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
	NetPnL      decimal.Decimal `json:"net_pnl"`
	AvgWin      decimal.Decimal `json:"avg_win"`
	AvgLoss     decimal.Decimal `json:"avg_loss"`
	BestTrade   decimal.Decimal `json:"best_trade"`
	WorstTrade  decimal.Decimal `json:"worst_trade"`
	LossStreak  int             `json:"loss_streak"`
}

// OverallStats rolls every strategy into one engine view.
type OverallStats struct {
	TotalTrades int             `json:"total_trades"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	WinRate     decimal.Decimal `json:"win_rate"`
	GrossPnL    decimal.Decimal `json:"gross_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
	NetPnL      decimal.Decimal `json:"net_pnl"`
}

// Compute builds the per-strategy summary from its completed trades.
func Compute(strategyID string, completed []models.CompletedTrade) StrategyStats {
	s := StrategyStats{StrategyID: strategyID}
	winSum, lossSum := decimal.Zero, decimal.Zero

	for i := range completed {
		ct := &completed[i]
		s.TotalTrades++
		s.GrossPnL = s.GrossPnL.Add(ct.GrossPnL)
		s.FeesPaid = s.FeesPaid.Add(ct.FeePaid)
		s.NetPnL = s.NetPnL.Add(ct.NetPnL)

		if ct.NetPnL.IsNegative() {
			s.Losses++
			lossSum = lossSum.Add(ct.NetPnL)
		} else {
			s.Wins++
			winSum = winSum.Add(ct.NetPnL)
		}

		if s.TotalTrades == 1 {
			s.BestTrade = ct.NetPnL
			s.WorstTrade = ct.NetPnL
			continue
		}
		if ct.NetPnL.GreaterThan(s.BestTrade) {
			s.BestTrade = ct.NetPnL
		}
		if ct.NetPnL.LessThan(s.WorstTrade) {
			s.WorstTrade = ct.NetPnL
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.Wins)).
			Div(decimal.NewFromInt(int64(s.TotalTrades))).
			Mul(hundred).Round(2)
	}
	if s.Wins > 0 {
		s.AvgWin = winSum.Div(decimal.NewFromInt(int64(s.Wins))).Round(4)
	}
	if s.Losses > 0 {
		s.AvgLoss = lossSum.Div(decimal.NewFromInt(int64(s.Losses))).Round(4)
	}
	s.LossStreak = matcher.ConsecutiveLosses(completed)
	return s
}

// Overall folds completed trades from any number of strategies.
func Overall(completed []models.CompletedTrade) OverallStats {
	o := OverallStats{}
	for i := range completed {
		ct := &completed[i]
		o.TotalTrades++
		o.GrossPnL = o.GrossPnL.Add(ct.GrossPnL)
		o.FeesPaid = o.FeesPaid.Add(ct.FeePaid)
		o.NetPnL = o.NetPnL.Add(ct.NetPnL)
		if ct.NetPnL.IsNegative() {
			o.Losses++
		} else {
			o.Wins++
		}
	}
	if o.TotalTrades > 0 {
		o.WinRate = decimal.NewFromInt(int64(o.Wins)).
			Div(decimal.NewFromInt(int64(o.TotalTrades))).
			Mul(hundred).Round(2)
	}
	return o
}
