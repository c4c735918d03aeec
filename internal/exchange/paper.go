package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PublicData is the read-only market data slice of Client. A live RESTClient
// satisfies it, letting paper accounts trade simulated fills against real
// prices.
type PublicData interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PaperClient simulates the exchange in memory: market orders fill
// immediately at the current price, stop orders trigger when the price
// crosses them, and realized PnL settles into the balance. It backs paper
// trading accounts and doubles as the injected client in tests.
type PaperClient struct {
	mu sync.Mutex

	feed     PublicData // optional; manual prices when nil
	prices   map[string]decimal.Decimal
	klines   map[string][]Kline
	balance  decimal.Decimal
	leverage map[string]int

	positions  map[string]*Position
	openOrders map[string][]OpenOrder
	fills      []OrderResult
	nextID     int64
}

// Exchanges apply their own default leverage until told otherwise; the
// simulator does the same so leverage enforcement is actually exercised.
const paperDefaultLeverage = 20

// NewPaperClient builds a simulator seeded with the given balance. feed may
// be nil for fully manual pricing.
func NewPaperClient(balance decimal.Decimal, feed PublicData) *PaperClient {
	return &PaperClient{
		feed:       feed,
		prices:     make(map[string]decimal.Decimal),
		klines:     make(map[string][]Kline),
		balance:    balance,
		leverage:   make(map[string]int),
		positions:  make(map[string]*Position),
		openOrders: make(map[string][]OpenOrder),
		nextID:     1000,
	}
}

// SetPrice pins the simulated price for symbol and triggers any stops it
// crosses.
func (p *PaperClient) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	p.checkStops(symbol, price)
}

// SetKlines pins simulated candles for (symbol, interval).
func (p *PaperClient) SetKlines(symbol, interval string, klines []Kline) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.klines[symbol+"|"+interval] = klines
}

// SetBalance overwrites the simulated balance.
func (p *PaperClient) SetBalance(balance decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = balance
}

// Fills returns a copy of every simulated fill, oldest first.
func (p *PaperClient) Fills() []OrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderResult, len(p.fills))
	copy(out, p.fills)
	return out
}

func (p *PaperClient) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p.feed != nil {
		return p.feed.GetPrice(ctx, symbol)
	}
	if pr, ok := p.prices[symbol]; ok {
		return pr, nil
	}
	return decimal.Zero, &APIError{Kind: KindNetwork, Message: fmt.Sprintf("no price for %s", symbol)}
}

func (p *PaperClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if p.feed != nil {
		return p.feed.GetKlines(ctx, symbol, interval, limit)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ks := p.klines[symbol+"|"+interval]
	if limit > 0 && len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	out := make([]Kline, len(ks))
	copy(out, ks)
	return out, nil
}

func (p *PaperClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price(ctx, symbol)
}

func (p *PaperClient) GetOpenPosition(ctx context.Context, symbol string) (*Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pr, err := p.price(ctx, symbol); err == nil {
		p.checkStops(symbol, pr)
	}
	pos, ok := p.positions[symbol]
	if !ok || pos.PositionAmt.IsZero() {
		return nil, nil
	}
	cp := *pos
	if pr, err := p.price(ctx, symbol); err == nil {
		cp.MarkPrice = pr
		cp.UnrealizedPnL = pr.Sub(cp.EntryPrice).Mul(cp.PositionAmt)
	}
	return &cp, nil
}

func (p *PaperClient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pr, err := p.price(ctx, symbol); err == nil {
		p.checkStops(symbol, pr)
	}
	orders := p.openOrders[symbol]
	out := make([]OpenOrder, len(orders))
	copy(out, orders)
	return out, nil
}

func (p *PaperClient) GetCurrentLeverage(ctx context.Context, symbol string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lv, ok := p.leverage[symbol]; ok {
		return lv, nil
	}
	return paperDefaultLeverage, nil
}

func (p *PaperClient) AdjustLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return &APIError{Kind: KindAPI, Code: -4028, Message: "Leverage is not valid"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	return nil
}

func (p *PaperClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, err := p.price(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	return p.fill(req, price)
}

// fill executes a market order against the in-memory position. Caller holds
// the lock.
func (p *PaperClient) fill(req OrderRequest, price decimal.Decimal) (*OrderResult, error) {
	pos := p.positions[req.Symbol]
	if pos == nil {
		pos = &Position{Symbol: req.Symbol}
		p.positions[req.Symbol] = pos
	}

	qty := req.Quantity
	signed := qty
	if req.Side == "SELL" {
		signed = qty.Neg()
	}

	if req.ReduceOnly {
		// A reduce-only order may not increase or flip the position.
		if pos.PositionAmt.IsZero() || pos.PositionAmt.Sign() == signed.Sign() {
			return nil, &APIError{Kind: KindAPI, Code: codeReduceOnlyReject, Message: "ReduceOnly Order is rejected"}
		}
		if qty.GreaterThan(pos.PositionAmt.Abs()) {
			qty = pos.PositionAmt.Abs()
			signed = qty
			if req.Side == "SELL" {
				signed = qty.Neg()
			}
		}
	}

	newAmt := pos.PositionAmt.Add(signed)
	switch {
	case pos.PositionAmt.IsZero():
		pos.EntryPrice = price
	case pos.PositionAmt.Sign() == signed.Sign():
		// Adding: volume-weighted entry.
		oldNotional := pos.EntryPrice.Mul(pos.PositionAmt.Abs())
		addNotional := price.Mul(qty)
		pos.EntryPrice = oldNotional.Add(addNotional).Div(pos.PositionAmt.Abs().Add(qty))
	default:
		// Reducing (or flipping): realize PnL on the closed portion.
		closed := decimal.Min(qty, pos.PositionAmt.Abs())
		pnl := price.Sub(pos.EntryPrice).Mul(closed)
		if pos.PositionAmt.IsNegative() {
			pnl = pnl.Neg()
		}
		p.balance = p.balance.Add(pnl)
		if newAmt.Sign() != 0 && newAmt.Sign() != pos.PositionAmt.Sign() {
			pos.EntryPrice = price // flipped remainder opens at fill price
		}
	}
	pos.PositionAmt = newAmt
	if pos.PositionAmt.IsZero() {
		pos.EntryPrice = decimal.Zero
	}
	if lv, ok := p.leverage[req.Symbol]; ok {
		pos.Leverage = lv
	} else {
		pos.Leverage = paperDefaultLeverage
	}

	p.nextID++
	res := &OrderResult{
		OrderID:       p.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        "FILLED",
		ExecutedQty:   qty,
		AvgPrice:      price,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    time.Now().UnixMilli(),
	}
	p.fills = append(p.fills, *res)
	return res, nil
}

func (p *PaperClient) placeStop(orderType, symbol, side string, qty, stopPrice decimal.Decimal, closePosition bool) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	order := OpenOrder{
		OrderID:       p.nextID,
		Symbol:        symbol,
		Side:          side,
		Type:          orderType,
		StopPrice:     stopPrice,
		OrigQty:       qty,
		ReduceOnly:    true,
		ClosePosition: closePosition,
		Status:        "NEW",
	}
	p.openOrders[symbol] = append(p.openOrders[symbol], order)

	return &OrderResult{
		OrderID:    order.OrderID,
		Symbol:     symbol,
		Side:       side,
		Type:       orderType,
		Status:     "NEW",
		ReduceOnly: true,
		UpdateTime: time.Now().UnixMilli(),
	}, nil
}

func (p *PaperClient) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, qty, stopPrice decimal.Decimal, closePosition bool) (*OrderResult, error) {
	return p.placeStop("TAKE_PROFIT_MARKET", symbol, side, qty, stopPrice, closePosition)
}

func (p *PaperClient) PlaceStopLossOrder(ctx context.Context, symbol, side string, qty, stopPrice decimal.Decimal, closePosition bool) (*OrderResult, error) {
	return p.placeStop("STOP_MARKET", symbol, side, qty, stopPrice, closePosition)
}

func (p *PaperClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	orders := p.openOrders[symbol]
	for i, o := range orders {
		if o.OrderID == orderID {
			p.openOrders[symbol] = append(orders[:i], orders[i+1:]...)
			return nil
		}
	}
	return &APIError{Kind: KindAPI, Code: codeUnknownOrder, Message: "Unknown order sent."}
}

func (p *PaperClient) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.positions[symbol]
	if pos == nil || pos.PositionAmt.IsZero() {
		return nil, nil
	}
	price, err := p.price(ctx, symbol)
	if err != nil {
		return nil, err
	}
	side := "SELL"
	if pos.PositionAmt.IsNegative() {
		side = "BUY"
	}
	return p.fill(OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       "MARKET",
		Quantity:   pos.PositionAmt.Abs(),
		ReduceOnly: true,
	}, price)
}

func (p *PaperClient) AccountBalance(ctx context.Context) (*Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	unrealized := decimal.Zero
	for sym, pos := range p.positions {
		if pos.PositionAmt.IsZero() {
			continue
		}
		if pr, err := p.price(ctx, sym); err == nil {
			unrealized = unrealized.Add(pr.Sub(pos.EntryPrice).Mul(pos.PositionAmt))
		}
	}
	return &Balance{
		Asset:     "USDT",
		Total:     p.balance.Add(unrealized),
		Available: p.balance,
	}, nil
}

// checkStops triggers any stop order the price has crossed. Triggered stops
// fill at their stop price and, with closePosition set, flatten the whole
// position. Caller holds the lock.
func (p *PaperClient) checkStops(symbol string, price decimal.Decimal) {
	orders := p.openOrders[symbol]
	if len(orders) == 0 {
		return
	}

	remaining := orders[:0]
	for _, o := range orders {
		if !stopTriggered(o, price) {
			remaining = append(remaining, o)
			continue
		}
		pos := p.positions[symbol]
		if pos == nil || pos.PositionAmt.IsZero() {
			continue // stop orphaned, drop it
		}
		qty := o.OrigQty
		if o.ClosePosition || qty.IsZero() || qty.GreaterThan(pos.PositionAmt.Abs()) {
			qty = pos.PositionAmt.Abs()
		}
		if _, err := p.fill(OrderRequest{
			Symbol:     symbol,
			Side:       o.Side,
			Type:       o.Type,
			Quantity:   qty,
			ReduceOnly: true,
		}, o.StopPrice); err != nil {
			remaining = append(remaining, o)
			continue
		}
		// The triggered stop keeps its resting order id.
		p.fills[len(p.fills)-1].OrderID = o.OrderID
		log.Debug().
			Str("symbol", symbol).
			Int64("order_id", o.OrderID).
			Str("type", o.Type).
			Str("stop", o.StopPrice.StringFixed(2)).
			Msg("📌 Paper stop triggered")
	}
	p.openOrders[symbol] = remaining
}

func stopTriggered(o OpenOrder, price decimal.Decimal) bool {
	switch o.Type {
	case "TAKE_PROFIT_MARKET":
		if o.Side == "SELL" {
			return price.GreaterThanOrEqual(o.StopPrice)
		}
		return price.LessThanOrEqual(o.StopPrice)
	case "STOP_MARKET":
		if o.Side == "SELL" {
			return price.LessThanOrEqual(o.StopPrice)
		}
		return price.GreaterThanOrEqual(o.StopPrice)
	}
	return false
}
