package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/models"
)

// TypeRangeMeanReversion is the registry name of the band reverter.
const TypeRangeMeanReversion = "range_mean_reversion"

type rangeParams struct {
	Interval      string  `json:"interval"`
	RSIPeriod     int     `json:"rsi_period"`
	RSIOverbought float64 `json:"rsi_overbought"`
	RSIOversold   float64 `json:"rsi_oversold"`
	BBPeriod      int     `json:"bb_period"`
	BBStdDev      float64 `json:"bb_std_dev"`
	ATRPeriod     int     `json:"atr_period"`
	MaxATRPct     float64 `json:"max_atr_pct"`
	TPPct         float64 `json:"tp_pct"`
	SLPct         float64 `json:"sl_pct"`
	AllowShort    bool    `json:"allow_short"`
	KlineLimit    int     `json:"kline_limit"`
}

func defaultRangeParams() rangeParams {
	return rangeParams{
		Interval:      "15m",
		RSIPeriod:     14,
		RSIOverbought: 70,
		RSIOversold:   30,
		BBPeriod:      20,
		BBStdDev:      2.0,
		ATRPeriod:     14,
		MaxATRPct:     0.03,
		TPPct:         0.015,
		SLPct:         0.01,
		AllowShort:    true,
		KlineLimit:    120,
	}
}

// RangeReverter fades Bollinger band extremes back to the middle band,
// but only while ATR says the market is ranging. Trending tape (ATR above
// max_atr_pct of price) keeps it flat.
type RangeReverter struct {
	cli    exchange.Client
	symbol string
	p      rangeParams

	mu    sync.Mutex
	side  string
	entry decimal.Decimal
}

// NewRangeReverter is the registry constructor for TypeRangeMeanReversion.
func NewRangeReverter(cli exchange.Client, row *models.Strategy) (Evaluator, error) {
	p := defaultRangeParams()
	if row.Params != "" {
		if err := json.Unmarshal([]byte(row.Params), &p); err != nil {
			return nil, fmt.Errorf("parse %s params: %w", TypeRangeMeanReversion, err)
		}
	}
	if p.BBPeriod <= 2 || p.RSIPeriod <= 1 || p.ATRPeriod <= 1 {
		return nil, fmt.Errorf("%s: periods too small (bb %d, rsi %d, atr %d)",
			TypeRangeMeanReversion, p.BBPeriod, p.RSIPeriod, p.ATRPeriod)
	}
	minBars := p.BBPeriod + p.RSIPeriod + p.ATRPeriod
	if p.KlineLimit < minBars {
		p.KlineLimit = minBars + 10
	}
	return &RangeReverter{cli: cli, symbol: row.Symbol, p: p}, nil
}

func (s *RangeReverter) SyncPositionState(side string, entry decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.side = side
	s.entry = entry
}

func (s *RangeReverter) Teardown() {}

func (s *RangeReverter) Evaluate(ctx context.Context) (models.Signal, error) {
	klines, err := s.cli.GetKlines(ctx, s.symbol, s.p.Interval, s.p.KlineLimit)
	if err != nil {
		return models.Signal{}, fmt.Errorf("load klines: %w", err)
	}
	warmup := s.p.BBPeriod + s.p.ATRPeriod + 2
	if len(klines) < warmup {
		return models.Signal{Action: models.ActionHold, Symbol: s.symbol, Reason: "warming up"}, nil
	}

	closed := klines[:len(klines)-1]
	n := len(closed)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i := range closed {
		closes[i] = closed[i].Close.InexactFloat64()
		highs[i] = closed[i].High.InexactFloat64()
		lows[i] = closed[i].Low.InexactFloat64()
	}

	upper, middle, lower := talib.BBands(closes, s.p.BBPeriod, s.p.BBStdDev, s.p.BBStdDev, talib.SMA)
	rsi := talib.Rsi(closes, s.p.RSIPeriod)
	atr := talib.Atr(highs, lows, closes, s.p.ATRPeriod)

	i := n - 1
	price := closed[i].Close
	bar := closed[i].CloseTime
	px := closes[i]

	hold := func(reason string) models.Signal {
		return models.Signal{
			Action:       models.ActionHold,
			Symbol:       s.symbol,
			Price:        price,
			Reason:       reason,
			BarCloseTime: bar,
		}
	}

	s.mu.Lock()
	side := s.side
	s.mu.Unlock()

	// Exits first: a touch of the middle band is the reversion target.
	switch side {
	case models.PositionLong:
		if px >= middle[i] {
			return models.Signal{
				Action:       models.ActionSell,
				Symbol:       s.symbol,
				Price:        price,
				ExitReason:   models.ExitReasonTP,
				Reason:       fmt.Sprintf("mean reached: %.2f >= mid %.2f", px, middle[i]),
				BarCloseTime: bar,
			}, nil
		}
		return hold("long riding to mean"), nil
	case models.PositionShort:
		if px <= middle[i] {
			return models.Signal{
				Action:       models.ActionBuy,
				Symbol:       s.symbol,
				Price:        price,
				ExitReason:   models.ExitReasonTP,
				Reason:       fmt.Sprintf("mean reached: %.2f <= mid %.2f", px, middle[i]),
				BarCloseTime: bar,
			}, nil
		}
		return hold("short riding to mean"), nil
	}

	if px > 0 && atr[i]/px > s.p.MaxATRPct {
		return hold(fmt.Sprintf("trending: ATR %.2f%% of price", atr[i]/px*100)), nil
	}

	switch {
	case px < lower[i] && rsi[i] < s.p.RSIOversold:
		return models.Signal{
			Action:       models.ActionBuy,
			Symbol:       s.symbol,
			Price:        price,
			PositionSide: models.PositionLong,
			Confidence:   bandConfidence(px, lower[i], middle[i]),
			Reason:       fmt.Sprintf("below lower band, RSI %.1f", rsi[i]),
			BarCloseTime: bar,
			TPPct:        decimal.NewFromFloat(s.p.TPPct),
			SLPct:        decimal.NewFromFloat(s.p.SLPct),
		}, nil

	case px > upper[i] && rsi[i] > s.p.RSIOverbought && s.p.AllowShort:
		return models.Signal{
			Action:       models.ActionSell,
			Symbol:       s.symbol,
			Price:        price,
			PositionSide: models.PositionShort,
			Confidence:   bandConfidence(px, upper[i], middle[i]),
			Reason:       fmt.Sprintf("above upper band, RSI %.1f", rsi[i]),
			BarCloseTime: bar,
			TPPct:        decimal.NewFromFloat(s.p.TPPct),
			SLPct:        decimal.NewFromFloat(s.p.SLPct),
		}, nil
	}
	return hold("inside bands"), nil
}

// bandConfidence scales how far past the band price stretched, relative
// to the band-to-middle distance.
func bandConfidence(price, band, middle float64) decimal.Decimal {
	width := band - middle
	if width < 0 {
		width = -width
	}
	if width == 0 {
		return decimal.NewFromFloat(0.5)
	}
	over := (price - band) / width
	if over < 0 {
		over = -over
	}
	c := 0.5 + over/2
	if c > 1 {
		c = 1
	}
	return decimal.NewFromFloat(c).Round(4)
}
