package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Kline represents a candlestick
type Kline struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

// Position is one open futures position. PositionAmt is signed: positive
// for LONG, negative for SHORT.
type Position struct {
	Symbol         string
	PositionAmt    decimal.Decimal
	EntryPrice     decimal.Decimal
	MarkPrice      decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	Leverage       int
}

// Side returns "LONG", "SHORT" or "" for a flat position.
func (p *Position) Side() string {
	switch {
	case p.PositionAmt.IsPositive():
		return "LONG"
	case p.PositionAmt.IsNegative():
		return "SHORT"
	default:
		return ""
	}
}

// Size returns the absolute position quantity.
func (p *Position) Size() decimal.Decimal {
	return p.PositionAmt.Abs()
}

// OpenOrder is one resting order on the exchange.
type OpenOrder struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	OrigQty       decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
	Status        string
}

// OrderRequest describes a single order submission.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Type          string // MARKET for now
	Quantity      decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is the exchange acknowledgement of a placed order.
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Status        string
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	UpdateTime    int64
}

// Balance is the quote-asset balance of the futures account.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// Client is the typed surface over the futures exchange. Implementations:
// RESTClient (live) and PaperClient (simulated fills).
type Client interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetOpenPosition(ctx context.Context, symbol string) (*Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetCurrentLeverage(ctx context.Context, symbol string) (int, error)
	AdjustLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	PlaceTakeProfitOrder(ctx context.Context, symbol, side string, qty, stopPrice decimal.Decimal, closePosition bool) (*OrderResult, error)
	PlaceStopLossOrder(ctx context.Context, symbol, side string, qty, stopPrice decimal.Decimal, closePosition bool) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	ClosePosition(ctx context.Context, symbol string) (*OrderResult, error)
	AccountBalance(ctx context.Context) (*Balance, error)
}
