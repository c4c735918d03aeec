package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/models"
)

// TypeEMAScalping is the registry name of the EMA cross scalper.
const TypeEMAScalping = "ema_scalping"

// emaParams is the tunable surface of the scalper, parsed from the
// strategy's params JSON.
type emaParams struct {
	Interval      string  `json:"interval"`
	EMAFast       int     `json:"ema_fast"`
	EMASlow       int     `json:"ema_slow"`
	RSIPeriod     int     `json:"rsi_period"`
	RSIOverbought float64 `json:"rsi_overbought"`
	RSIOversold   float64 `json:"rsi_oversold"`
	TPPct         float64 `json:"tp_pct"`
	SLPct         float64 `json:"sl_pct"`
	AllowShort    bool    `json:"allow_short"`
	KlineLimit    int     `json:"kline_limit"`
}

func defaultEMAParams() emaParams {
	return emaParams{
		Interval:      "15m",
		EMAFast:       9,
		EMASlow:       21,
		RSIPeriod:     14,
		RSIOverbought: 70,
		RSIOversold:   30,
		TPPct:         0.02,
		SLPct:         0.01,
		AllowShort:    true,
		KlineLimit:    120,
	}
}

// EMAScalper trades fast/slow EMA crosses with an RSI exhaustion filter.
// A golden cross opens LONG, a death cross opens SHORT (when allowed) and
// a cross against the held side exits it.
type EMAScalper struct {
	cli    exchange.Client
	symbol string
	p      emaParams

	mu    sync.Mutex
	side  string
	entry decimal.Decimal
}

// NewEMAScalper is the registry constructor for TypeEMAScalping.
func NewEMAScalper(cli exchange.Client, row *models.Strategy) (Evaluator, error) {
	p := defaultEMAParams()
	if row.Params != "" {
		if err := json.Unmarshal([]byte(row.Params), &p); err != nil {
			return nil, fmt.Errorf("parse %s params: %w", TypeEMAScalping, err)
		}
	}
	if p.EMAFast <= 0 || p.EMASlow <= 0 || p.EMAFast >= p.EMASlow {
		return nil, fmt.Errorf("%s: ema_fast %d must be below ema_slow %d", TypeEMAScalping, p.EMAFast, p.EMASlow)
	}
	if p.RSIPeriod <= 1 {
		return nil, fmt.Errorf("%s: rsi_period %d too small", TypeEMAScalping, p.RSIPeriod)
	}
	if p.KlineLimit < p.EMASlow+p.RSIPeriod {
		p.KlineLimit = p.EMASlow + p.RSIPeriod + 10
	}
	return &EMAScalper{cli: cli, symbol: row.Symbol, p: p}, nil
}

func (s *EMAScalper) SyncPositionState(side string, entry decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.side = side
	s.entry = entry
}

func (s *EMAScalper) Teardown() {}

// Evaluate decides on the last CLOSED bar; the forming candle is dropped
// so a signal never flickers mid-bar.
func (s *EMAScalper) Evaluate(ctx context.Context) (models.Signal, error) {
	klines, err := s.cli.GetKlines(ctx, s.symbol, s.p.Interval, s.p.KlineLimit)
	if err != nil {
		return models.Signal{}, fmt.Errorf("load klines: %w", err)
	}
	warmup := s.p.EMASlow + s.p.RSIPeriod + 2
	if len(klines) < warmup {
		return models.Signal{Action: models.ActionHold, Symbol: s.symbol, Reason: "warming up"}, nil
	}

	closed := klines[:len(klines)-1]
	closes := make([]float64, len(closed))
	for i := range closed {
		closes[i] = closed[i].Close.InexactFloat64()
	}

	fast := talib.Ema(closes, s.p.EMAFast)
	slow := talib.Ema(closes, s.p.EMASlow)
	rsi := talib.Rsi(closes, s.p.RSIPeriod)

	i := len(closes) - 1
	price := closed[i].Close
	bar := closed[i].CloseTime

	crossUp := fast[i-1] <= slow[i-1] && fast[i] > slow[i]
	crossDown := fast[i-1] >= slow[i-1] && fast[i] < slow[i]

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

	switch {
	case side == models.PositionLong && crossDown:
		return models.Signal{
			Action:       models.ActionSell,
			Symbol:       s.symbol,
			Price:        price,
			ExitReason:   models.ExitReasonEMADeathCross,
			Reason:       fmt.Sprintf("death cross: EMA%d below EMA%d", s.p.EMAFast, s.p.EMASlow),
			BarCloseTime: bar,
		}, nil

	case side == models.PositionShort && crossUp:
		return models.Signal{
			Action:       models.ActionBuy,
			Symbol:       s.symbol,
			Price:        price,
			ExitReason:   models.ExitReasonEMADeathCross,
			Reason:       fmt.Sprintf("golden cross against short: EMA%d above EMA%d", s.p.EMAFast, s.p.EMASlow),
			BarCloseTime: bar,
		}, nil

	case side == "" && crossUp && rsi[i] < s.p.RSIOverbought:
		return models.Signal{
			Action:       models.ActionBuy,
			Symbol:       s.symbol,
			Price:        price,
			PositionSide: models.PositionLong,
			Confidence:   crossConfidence(fast[i], slow[i], closes[i]),
			Reason:       fmt.Sprintf("golden cross, RSI %.1f", rsi[i]),
			BarCloseTime: bar,
			TPPct:        decimal.NewFromFloat(s.p.TPPct),
			SLPct:        decimal.NewFromFloat(s.p.SLPct),
		}, nil

	case side == "" && crossDown && s.p.AllowShort && rsi[i] > s.p.RSIOversold:
		return models.Signal{
			Action:       models.ActionSell,
			Symbol:       s.symbol,
			Price:        price,
			PositionSide: models.PositionShort,
			Confidence:   crossConfidence(fast[i], slow[i], closes[i]),
			Reason:       fmt.Sprintf("death cross, RSI %.1f", rsi[i]),
			BarCloseTime: bar,
			TPPct:        decimal.NewFromFloat(s.p.TPPct),
			SLPct:        decimal.NewFromFloat(s.p.SLPct),
		}, nil
	}
	return hold("no cross"), nil
}

// crossConfidence scales the EMA spread against price into (0, 1].
func crossConfidence(fast, slow, price float64) decimal.Decimal {
	if price <= 0 {
		return decimal.Zero
	}
	spread := math.Abs(fast-slow) / price * 200
	if spread > 1 {
		spread = 1
	}
	return decimal.NewFromFloat(spread).Round(4)
}
