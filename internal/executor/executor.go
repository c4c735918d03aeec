package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/models"
	"github.com/web3guy0/futures-engine/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER EXECUTOR - Signal to exchange order
// ═══════════════════════════════════════════════════════════════════════════════
//
// Responsibilities:
// 1. Leverage enforcement before entries (fatal on failure)
// 2. Market order submission with bounded retry on transient errors
// 3. Close detection: exits become reduce-only, sized from the exchange
// 4. Fill persistence (store first, cache mirror after)
// 5. Duplicate-signal suppression per (strategy, bar, action)
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	submitAttempts = 3
	submitBackoff  = 500 * time.Millisecond
)

// ErrDuplicateSignal marks a submission suppressed by the idempotency set.
// Not a failure: the order for this signal already went out.
var ErrDuplicateSignal = errors.New("duplicate signal suppressed")

// ErrLeverageEnforcement marks a failed leverage set-and-verify. Fatal for
// the trade; the order must not go out at an unknown leverage.
var ErrLeverageEnforcement = errors.New("leverage enforcement failed")

type idemKey struct {
	strategyID   string
	barCloseTime int64
	action       string
}

// Executor turns approved signals into exchange orders and persists the
// resulting fills.
type Executor struct {
	store   *store.Store
	cache   *store.Cache
	feeRate decimal.Decimal

	mu        sync.Mutex
	submitted map[idemKey]struct{}
}

func New(st *store.Store, cache *store.Cache, feeRate decimal.Decimal) *Executor {
	return &Executor{
		store:     st,
		cache:     cache,
		feeRate:   feeRate,
		submitted: make(map[idemKey]struct{}),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEVERAGE
// ═══════════════════════════════════════════════════════════════════════════════

// EnsureLeverage sets and verifies the configured leverage on the symbol.
// Runs before every entry, including when no position exists yet, so the
// first fill can never open at a stale leverage.
func (e *Executor) EnsureLeverage(ctx context.Context, cli exchange.Client, sum *models.StrategySummary) error {
	current, err := cli.GetCurrentLeverage(ctx, sum.Symbol)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrLeverageEnforcement, sum.Symbol, err)
	}
	if current == sum.Leverage {
		return nil
	}
	if err := cli.AdjustLeverage(ctx, sum.Symbol, sum.Leverage); err != nil {
		return fmt.Errorf("%w: set %s to %dx: %v", ErrLeverageEnforcement, sum.Symbol, sum.Leverage, err)
	}
	verified, err := cli.GetCurrentLeverage(ctx, sum.Symbol)
	if err != nil {
		return fmt.Errorf("%w: verify %s: %v", ErrLeverageEnforcement, sum.Symbol, err)
	}
	if verified != sum.Leverage {
		return fmt.Errorf("%w: %s wanted %dx, exchange reports %dx",
			ErrLeverageEnforcement, sum.Symbol, sum.Leverage, verified)
	}
	log.Info().
		Str("symbol", sum.Symbol).
		Int("from", current).
		Int("to", sum.Leverage).
		Msg("🔧 Leverage adjusted")
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SUBMISSION
// ═══════════════════════════════════════════════════════════════════════════════

// Execute submits the market order for a signal. Exits are detected
// against the held side and forced reduce-only with the quantity read from
// the exchange, never from local state. Returns (nil, nil) when there was
// nothing to do.
func (e *Executor) Execute(ctx context.Context, cli exchange.Client, sum *models.StrategySummary, sig models.Signal, qty decimal.Decimal) (*exchange.OrderResult, error) {
	key := idemKey{sum.StrategyID, sig.BarCloseTime, sig.Action}
	if sig.BarCloseTime > 0 && e.seen(key) {
		log.Info().
			Str("strategy", sum.StrategyID).
			Str("action", sig.Action).
			Int64("bar", sig.BarCloseTime).
			Msg("🔁 Duplicate signal suppressed")
		return nil, ErrDuplicateSignal
	}

	req := exchange.OrderRequest{
		Symbol:   sum.Symbol,
		Side:     sig.Action,
		Type:     models.OrderTypeMarket,
		Quantity: qty,
	}

	if sig.IsExit(sum.PositionSide) {
		pos, err := cli.GetOpenPosition(ctx, sum.Symbol)
		if err != nil {
			return nil, fmt.Errorf("size close from exchange: %w", err)
		}
		if pos == nil {
			log.Info().
				Str("strategy", sum.StrategyID).
				Str("symbol", sum.Symbol).
				Msg("Position already flat, nothing to close")
			return nil, nil
		}
		req.Quantity = pos.Size()
		req.Side = models.CloseSide(pos.Side())
		req.ReduceOnly = true
	}

	res, err := e.submit(ctx, cli, req)
	if err != nil {
		return nil, err
	}
	if sig.BarCloseTime > 0 {
		e.mark(key)
	}

	if res.ExecutedQty.IsZero() {
		// Accepted but unfilled; no position exists, so nothing to track.
		log.Warn().
			Str("strategy", sum.StrategyID).
			Int64("order_id", res.OrderID).
			Str("status", res.Status).
			Msg("⏳ Order accepted without fill, not tracked")
		return res, nil
	}

	log.Info().
		Str("strategy", sum.StrategyID).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("qty", res.ExecutedQty.String()).
		Str("avg_price", res.AvgPrice.StringFixed(2)).
		Bool("reduce_only", req.ReduceOnly).
		Int64("order_id", res.OrderID).
		Msg("✅ Order filled")
	return res, nil
}

// submit retries transient transport failures only. Rate limits already
// got their one bounded wait inside the client; auth and API rejections
// never retry.
func (e *Executor) submit(ctx context.Context, cli exchange.Client, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		res, err := cli.PlaceOrder(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !exchange.IsNetwork(err) {
			return nil, err
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("symbol", req.Symbol).
			Msg("⚠️ Order submission failed, retrying")
		if attempt < submitAttempts {
			select {
			case <-time.After(time.Duration(attempt) * submitBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("order failed after %d attempts: %w", submitAttempts, lastErr)
}

func (e *Executor) seen(key idemKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.submitted[key]
	return ok
}

func (e *Executor) mark(key idemKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted[key] = struct{}{}
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILL PERSISTENCE
// ═══════════════════════════════════════════════════════════════════════════════

// RecordFill writes the trade row to the store and mirrors it to the cache
// afterwards. Unfilled results are skipped.
func (e *Executor) RecordFill(ctx context.Context, sum *models.StrategySummary, res *exchange.OrderResult, positionSide, exitReason string) (*models.Trade, error) {
	if res == nil || res.ExecutedQty.IsZero() {
		return nil, nil
	}
	price := res.AvgPrice
	if !price.IsPositive() {
		price = res.Price
	}
	t := &models.Trade{
		UserID:          sum.UserID,
		StrategyID:      sum.StrategyID,
		OrderID:         res.OrderID,
		Symbol:          res.Symbol,
		Side:            res.Side,
		OrderType:       res.Type,
		ExecutedQty:     res.ExecutedQty,
		Price:           res.Price,
		AvgPrice:        price,
		Status:          res.Status,
		Commission:      price.Mul(res.ExecutedQty).Mul(e.feeRate),
		CommissionAsset: "USDT",
		Leverage:        sum.Leverage,
		PositionSide:    positionSide,
		ExitReason:      exitReason,
		Timestamp:       time.UnixMilli(res.UpdateTime),
	}
	if err := e.store.SaveTrade(t); err != nil {
		return nil, fmt.Errorf("persist fill %d: %w", res.OrderID, err)
	}
	e.cache.PushTrade(ctx, sum.StrategyID, t)
	return t, nil
}
