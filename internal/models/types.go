package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides and types as the exchange spells them.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket     = "MARKET"
	OrderTypeTakeProfit = "TAKE_PROFIT_MARKET"
	OrderTypeStopMarket = "STOP_MARKET"
)

// Position sides. Empty string means flat.
const (
	PositionLong  = "LONG"
	PositionShort = "SHORT"
)

// Strategy lifecycle statuses.
const (
	StatusStopped       = "stopped"
	StatusRunning       = "running"
	StatusStoppedByRisk = "stopped_by_risk"
	StatusError         = "error"
)

// Exit reasons attached to closing fills and completed trades.
const (
	ExitReasonTP            = "TP"
	ExitReasonSL            = "SL"
	ExitReasonTPTrailing    = "TP_TRAILING"
	ExitReasonEMADeathCross = "EMA_DEATH_CROSS"
	ExitReasonManual        = "MANUAL"
	ExitReasonUnknown       = "UNKNOWN"
)

// Signal actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// Signal is the output of one evaluator tick.
type Signal struct {
	Action       string          `json:"action"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Confidence   decimal.Decimal `json:"confidence"`
	PositionSide string          `json:"position_side,omitempty"`
	ExitReason   string          `json:"exit_reason,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	BarCloseTime int64           `json:"bar_close_time,omitempty"` // ms, closes the idempotency key
	TPPct        decimal.Decimal `json:"tp_pct,omitempty"`
	SLPct        decimal.Decimal `json:"sl_pct,omitempty"`
}

// IsExit reports whether the signal closes an existing position rather than
// opening one, given the side currently held.
func (s Signal) IsExit(heldSide string) bool {
	switch heldSide {
	case PositionLong:
		return s.Action == ActionSell
	case PositionShort:
		return s.Action == ActionBuy
	}
	return false
}

// OppositeSide maps LONG to SHORT and back.
func OppositeSide(side string) string {
	switch side {
	case PositionLong:
		return PositionShort
	case PositionShort:
		return PositionLong
	}
	return ""
}

// CloseSide returns the order side that flattens a position on the given
// side: LONG closes with SELL, SHORT with BUY.
func CloseSide(positionSide string) string {
	switch positionSide {
	case PositionLong:
		return SideSell
	case PositionShort:
		return SideBuy
	}
	return ""
}

// SummaryMeta is the free-form slot on a live summary. Zero order ids mean
// no native TP/SL is tracked.
type SummaryMeta struct {
	TPOrderID      int64           `json:"tp_order_id,omitempty"`
	SLOrderID      int64           `json:"sl_order_id,omitempty"`
	TPPrice        decimal.Decimal `json:"tp_price,omitempty"`
	SLPrice        decimal.Decimal `json:"sl_price,omitempty"`
	TrailingActive bool            `json:"trailing_active,omitempty"`
}

// HasTPSL reports whether any native TP/SL order id is tracked.
func (m SummaryMeta) HasTPSL() bool {
	return m.TPOrderID != 0 || m.SLOrderID != 0
}

// StrategySummary is the in-memory mirror of one live strategy. Position
// fields follow a single invariant: PositionSize zero, PositionSide empty
// and EntryPrice zero always change together.
type StrategySummary struct {
	StrategyID   string          `json:"strategy_id"`
	UserID       uint            `json:"user_id"`
	AccountID    string          `json:"account_id"`
	Name         string          `json:"name"`
	Symbol       string          `json:"symbol"`
	StrategyType string          `json:"strategy_type"`
	Status       string          `json:"status"`
	Leverage     int             `json:"leverage"`
	RiskPerTrade decimal.Decimal `json:"risk_per_trade"`
	FixedAmount  decimal.Decimal `json:"fixed_amount"`
	IntervalSec  int             `json:"interval_sec"`

	PositionSide  string          `json:"position_side,omitempty"`
	PositionSize  decimal.Decimal `json:"position_size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LastSignal    string          `json:"last_signal,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	Meta          SummaryMeta     `json:"meta"`

	UpdatedAt time.Time `json:"updated_at"`
}

// SetPosition updates all position fields together so the flat/held
// invariant cannot be half-applied.
func (s *StrategySummary) SetPosition(side string, size, entry decimal.Decimal) {
	if side == "" || size.IsZero() {
		s.PositionSide = ""
		s.PositionSize = decimal.Zero
		s.EntryPrice = decimal.Zero
		s.UnrealizedPnL = decimal.Zero
		return
	}
	s.PositionSide = side
	s.PositionSize = size.Abs()
	s.EntryPrice = entry
}

// Flat reports whether the summary holds no position.
func (s *StrategySummary) Flat() bool {
	return s.PositionSize.IsZero()
}

// SummaryFromStrategy builds the initial in-memory mirror of a persisted row.
func SummaryFromStrategy(row *Strategy) *StrategySummary {
	return &StrategySummary{
		StrategyID:   row.StrategyID,
		UserID:       row.UserID,
		AccountID:    row.AccountID,
		Name:         row.Name,
		Symbol:       row.Symbol,
		StrategyType: row.StrategyType,
		Status:       row.Status,
		Leverage:     row.Leverage,
		RiskPerTrade: row.RiskPerTrade,
		FixedAmount:  row.FixedAmount,
		IntervalSec:  row.IntervalSec,
		Meta:         ParseSummaryMeta(row.Meta),
		UpdatedAt:    time.Now().UTC(),
	}
}

// ParseSummaryMeta decodes the Meta column. Malformed or empty JSON
// yields the zero meta rather than an error; stale bracket ids are
// re-derived from the exchange anyway.
func ParseSummaryMeta(raw string) SummaryMeta {
	var m SummaryMeta
	if raw == "" {
		return m
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return SummaryMeta{}
	}
	return m
}

// MarshalMeta encodes a meta for the strategy row's Meta column.
func MarshalMeta(m SummaryMeta) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
