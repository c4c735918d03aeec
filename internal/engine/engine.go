// Package engine is the operational surface of the trading runtime. It
// validates and persists strategy configuration, drives the scheduler's
// lifecycle operations and serves every read the HTTP API exposes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/futures-engine/internal/account"
	"github.com/web3guy0/futures-engine/internal/evaluator"
	"github.com/web3guy0/futures-engine/internal/matcher"
	"github.com/web3guy0/futures-engine/internal/models"
	"github.com/web3guy0/futures-engine/internal/notify"
	"github.com/web3guy0/futures-engine/internal/risk"
	"github.com/web3guy0/futures-engine/internal/scheduler"
	"github.com/web3guy0/futures-engine/internal/stats"
	"github.com/web3guy0/futures-engine/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
//
// ENGINE
//
// One instance per process. The store stays authoritative for every
// write; the scheduler's snapshots answer live reads; the cache only
// fills gaps while the store is down.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	maxLeverage        = 50
	defaultIntervalSec = 60
)

// Engine ties storage, risk, scheduling and notification together.
type Engine struct {
	userID   uint
	store    *store.Store
	cache    *store.Cache
	accounts *account.Registry
	gate     *risk.Gate
	breaker  *risk.Breaker
	sched    *scheduler.Scheduler
	evals    *evaluator.Registry
	notifier notify.Notifier
	feeRate  decimal.Decimal
}

// New wires the engine and closes the circular references the parts
// cannot make themselves: the gate reads live summaries from the
// scheduler, the breaker stops strategies through it.
func New(
	userID uint,
	st *store.Store,
	cache *store.Cache,
	accounts *account.Registry,
	gate *risk.Gate,
	breaker *risk.Breaker,
	sched *scheduler.Scheduler,
	evals *evaluator.Registry,
	notifier notify.Notifier,
	feeRate decimal.Decimal,
) *Engine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	e := &Engine{
		userID:   userID,
		store:    st,
		cache:    cache,
		accounts: accounts,
		gate:     gate,
		breaker:  breaker,
		sched:    sched,
		evals:    evals,
		notifier: notifier,
		feeRate:  feeRate,
	}
	gate.SetSummarySource(sched)
	breaker.SetStopper(sched)
	breaker.OnTrip(func(ev models.CircuitBreakerEvent) {
		e.notifier.CircuitBreaker(ev)
		e.store.LogSystemEvent(e.userID, "circuit_breaker", "warning",
			fmt.Sprintf("%s breaker tripped", ev.BreakerType), ev.Details)
	})
	return e
}

// ═══════════════════════════════════════════════════════════════════════════════
// REGISTRATION
// ═══════════════════════════════════════════════════════════════════════════════

// RegisterRequest is the strategy configuration as the API accepts it.
type RegisterRequest struct {
	Name         string          `json:"name"`
	AccountID    string          `json:"account_id"`
	Symbol       string          `json:"symbol"`
	StrategyType string          `json:"strategy_type"`
	Leverage     int             `json:"leverage"`
	RiskPerTrade decimal.Decimal `json:"risk_per_trade"`
	FixedAmount  decimal.Decimal `json:"fixed_amount"`
	IntervalSec  int             `json:"interval_sec"`
	Params       string          `json:"params"`
}

// Register validates and persists a new strategy in stopped state.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*models.StrategySummary, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}
	if req.Leverage < 1 || req.Leverage > maxLeverage {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLeverage, req.Leverage)
	}
	if req.FixedAmount.IsNegative() {
		return nil, fmt.Errorf("%w: fixed_amount cannot be negative", ErrInvalidRiskPerTrade)
	}
	validRisk := req.RiskPerTrade.IsPositive() && req.RiskPerTrade.LessThanOrEqual(decimal.NewFromInt(1))
	if !validRisk && !req.FixedAmount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidRiskPerTrade, req.RiskPerTrade.String())
	}
	if !e.evals.Known(req.StrategyType) {
		return nil, fmt.Errorf("%w: %q (known: %s)",
			ErrUnknownStrategyType, req.StrategyType, strings.Join(e.evals.Types(), ", "))
	}

	accountID := req.AccountID
	if accountID == "" {
		accountID = "default"
	}
	if !e.accounts.Exists(accountID) {
		return nil, fmt.Errorf("%w: %q", ErrAccountNotFound, accountID)
	}

	// One strategy per (account, symbol). Two loops reconciling the same
	// exchange position would adopt each other's fills.
	existing, err := e.store.ListStrategies(e.userID)
	if err != nil {
		return nil, fmt.Errorf("symbol conflict check: %w", err)
	}
	for _, row := range existing {
		if row.AccountID == accountID && row.Symbol == symbol {
			return nil, fmt.Errorf("%w: %s on %s (%s)", ErrSymbolConflict, symbol, accountID, row.StrategyID)
		}
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s", req.StrategyType, symbol)
	}
	interval := req.IntervalSec
	if interval <= 0 {
		interval = defaultIntervalSec
	}

	row := &models.Strategy{
		StrategyID:   uuid.NewString(),
		UserID:       e.userID,
		AccountID:    accountID,
		Name:         name,
		Symbol:       symbol,
		StrategyType: req.StrategyType,
		Leverage:     req.Leverage,
		RiskPerTrade: req.RiskPerTrade,
		FixedAmount:  req.FixedAmount,
		Params:       req.Params,
		IntervalSec:  interval,
		Status:       models.StatusStopped,
	}
	if err := e.store.CreateStrategy(row); err != nil {
		return nil, fmt.Errorf("persist strategy: %w", err)
	}

	sum := models.SummaryFromStrategy(row)
	e.sched.Track(sum)
	e.cache.SetSummary(ctx, sum)
	e.store.LogSystemEvent(e.userID, "strategy_registered", "info", name,
		fmt.Sprintf("%s %s on %s, %dx", req.StrategyType, symbol, accountID, req.Leverage))

	log.Info().
		Str("strategy_id", row.StrategyID).
		Str("name", name).
		Str("symbol", symbol).
		Str("account", accountID).
		Int("leverage", req.Leverage).
		Msg("📝 Strategy registered")
	return sum, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Start launches a registered strategy. Risk-stopped strategies refuse to
// start until the stop is explicitly reset.
func (e *Engine) Start(ctx context.Context, strategyID string) (*models.StrategySummary, error) {
	row, err := e.getStrategy(strategyID)
	if err != nil {
		return nil, err
	}
	if row.Status == models.StatusStoppedByRisk {
		return nil, ErrRiskStopActive
	}
	if e.breaker.IsActive(row.AccountID, row.StrategyID) {
		return nil, fmt.Errorf("%w: %s on %s", ErrCircuitBreakerActive, row.StrategyID, row.AccountID)
	}
	sum, err := e.sched.Launch(ctx, row)
	if err != nil {
		return nil, err
	}
	e.store.LogSystemEvent(e.userID, "strategy_started", "info", row.Name, row.StrategyID)
	return sum, nil
}

// Stop halts a running strategy, flattening its position.
func (e *Engine) Stop(ctx context.Context, strategyID string) (*models.StrategySummary, error) {
	if _, err := e.getStrategy(strategyID); err != nil {
		return nil, err
	}
	sum, err := e.sched.Stop(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	e.store.LogSystemEvent(e.userID, "strategy_stopped", "info", sum.Name, strategyID)
	return sum, nil
}

// Delete removes a stopped strategy and its cached state. History rows
// (trades, completed trades) go with it.
func (e *Engine) Delete(ctx context.Context, strategyID string) error {
	row, err := e.getStrategy(strategyID)
	if err != nil {
		return err
	}
	if e.sched.IsRunning(strategyID) {
		return ErrStrategyRunning
	}
	if err := e.store.DeleteStrategy(e.userID, strategyID); err != nil {
		return fmt.Errorf("delete strategy: %w", err)
	}
	e.cache.DeleteSummary(ctx, strategyID)
	e.sched.Forget(strategyID)
	e.store.LogSystemEvent(e.userID, "strategy_deleted", "info", row.Name, strategyID)
	log.Info().Str("strategy_id", strategyID).Str("name", row.Name).Msg("🗑️ Strategy deleted")
	return nil
}

// ResetRiskStop clears a breaker stop so the strategy may start again.
// Deliberately explicit: the operator acknowledges the trip.
func (e *Engine) ResetRiskStop(ctx context.Context, strategyID string) (*models.StrategySummary, error) {
	row, err := e.getStrategy(strategyID)
	if err != nil {
		return nil, err
	}
	if row.Status != models.StatusStoppedByRisk {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRiskStopped, row.Status)
	}
	if err := e.store.UpdateStrategyStatus(e.userID, strategyID, models.StatusStopped); err != nil {
		return nil, fmt.Errorf("reset status: %w", err)
	}
	e.breaker.ResetStrategy(strategyID)

	sum, ok := e.sched.Summary(strategyID)
	if !ok {
		sum = models.SummaryFromStrategy(row)
	}
	sum.Status = models.StatusStopped
	sum.LastError = ""
	e.sched.Track(sum)
	e.cache.SetSummary(ctx, sum)
	e.store.LogSystemEvent(e.userID, "risk_stop_reset", "warning", row.Name, strategyID)
	log.Info().Str("strategy_id", strategyID).Msg("🔓 Risk stop reset")
	return sum, nil
}

func (e *Engine) getStrategy(strategyID string) (*models.Strategy, error) {
	row, err := e.store.GetStrategy(e.userID, strategyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
		}
		return nil, err
	}
	return row, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// READS
// ═══════════════════════════════════════════════════════════════════════════════

// List returns live snapshots of every tracked strategy.
func (e *Engine) List() []*models.StrategySummary {
	return e.sched.Summaries()
}

// Get returns the live snapshot of one strategy.
func (e *Engine) Get(strategyID string) (*models.StrategySummary, error) {
	if sum, ok := e.sched.Summary(strategyID); ok {
		return sum, nil
	}
	row, err := e.getStrategy(strategyID)
	if err != nil {
		return nil, err
	}
	return models.SummaryFromStrategy(row), nil
}

// Trades returns the strategy's raw fills, newest first. While the store
// is down the cache's recent window answers instead.
func (e *Engine) Trades(ctx context.Context, strategyID string, limit int) ([]models.Trade, error) {
	if _, err := e.Get(strategyID); err != nil {
		return nil, err
	}
	trades, err := e.store.RecentTrades(e.userID, strategyID, limit)
	if err == nil {
		return trades, nil
	}
	if errors.Is(err, store.ErrUnavailable) {
		cached, cerr := e.cache.RecentTrades(ctx, strategyID)
		if cerr == nil {
			return cached, nil
		}
	}
	return nil, err
}

// StrategyStats computes performance for one strategy from its completed
// trades.
func (e *Engine) StrategyStats(ctx context.Context, strategyID string) (stats.StrategyStats, error) {
	if _, err := e.Get(strategyID); err != nil {
		return stats.StrategyStats{}, err
	}
	completed, err := e.completedFor(ctx, strategyID)
	if err != nil {
		return stats.StrategyStats{}, err
	}
	return stats.Compute(strategyID, completed), nil
}

// OverallStats aggregates every strategy's completed trades.
func (e *Engine) OverallStats(ctx context.Context) (stats.OverallStats, error) {
	rows, err := e.store.ListStrategies(e.userID)
	if err != nil {
		return stats.OverallStats{}, err
	}
	var all []models.CompletedTrade
	for _, row := range rows {
		completed, err := e.completedFor(ctx, row.StrategyID)
		if err != nil {
			log.Warn().Err(err).Str("strategy_id", row.StrategyID).Msg("⚠️ Stats skipped a strategy")
			continue
		}
		all = append(all, completed...)
	}
	return stats.Overall(all), nil
}

// completedFor prefers the materialized completed trades and falls back
// to re-running the matcher over the cache's trade window when the store
// is out.
func (e *Engine) completedFor(ctx context.Context, strategyID string) ([]models.CompletedTrade, error) {
	completed, err := e.store.CompletedTrades(e.userID, strategyID, 0)
	if err == nil {
		return completed, nil
	}
	if !errors.Is(err, store.ErrUnavailable) {
		return nil, err
	}
	cached, cerr := e.cache.RecentTrades(ctx, strategyID)
	if cerr != nil {
		return nil, err
	}
	return matcher.Match(cached, e.feeRate), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RISK STATUS
// ═══════════════════════════════════════════════════════════════════════════════

// AccountRiskStatus is the per-account view served by the risk API.
type AccountRiskStatus struct {
	AccountID    string                       `json:"account_id"`
	Exposure     decimal.Decimal              `json:"exposure"`
	Reservations []risk.Reservation           `json:"reservations"`
	ActiveTrips  []models.CircuitBreakerEvent `json:"active_trips"`
	Limits       LimitsView                   `json:"limits"`
}

// LimitsView is the JSON shape of the resolved account limits.
type LimitsView struct {
	MaxPortfolioExposureUSDT decimal.Decimal `json:"max_portfolio_exposure_usdt"`
	MaxPortfolioExposurePct  decimal.Decimal `json:"max_portfolio_exposure_pct"`
	MaxDailyLossUSDT         decimal.Decimal `json:"max_daily_loss_usdt"`
	MaxDailyLossPct          decimal.Decimal `json:"max_daily_loss_pct"`
	MaxWeeklyLossUSDT        decimal.Decimal `json:"max_weekly_loss_usdt"`
	MaxWeeklyLossPct         decimal.Decimal `json:"max_weekly_loss_pct"`
	MaxDrawdownPct           decimal.Decimal `json:"max_drawdown_pct"`
	RapidLossThresholdPct    decimal.Decimal `json:"rapid_loss_threshold_pct"`
	CircuitBreakerEnabled    bool            `json:"circuit_breaker_enabled"`
	MaxConsecutiveLosses     int             `json:"max_consecutive_losses"`
	AutoReduceOrderSize      bool            `json:"auto_reduce_order_size"`
	Timezone                 string          `json:"timezone"`
}

func limitsView(l risk.Limits) LimitsView {
	tz := "UTC"
	if l.Location != nil {
		tz = l.Location.String()
	}
	return LimitsView{
		MaxPortfolioExposureUSDT: l.MaxPortfolioExposureUSDT,
		MaxPortfolioExposurePct:  l.MaxPortfolioExposurePct,
		MaxDailyLossUSDT:         l.MaxDailyLossUSDT,
		MaxDailyLossPct:          l.MaxDailyLossPct,
		MaxWeeklyLossUSDT:        l.MaxWeeklyLossUSDT,
		MaxWeeklyLossPct:         l.MaxWeeklyLossPct,
		MaxDrawdownPct:           l.MaxDrawdownPct,
		RapidLossThresholdPct:    l.RapidLossThresholdPct,
		CircuitBreakerEnabled:    l.CircuitBreakerEnabled,
		MaxConsecutiveLosses:     l.MaxConsecutiveLosses,
		AutoReduceOrderSize:      l.AutoReduceOrderSize,
		Timezone:                 tz,
	}
}

// RiskStatus reports exposure, reservations, trips and effective limits
// for every account that has live strategies or stored configuration.
func (e *Engine) RiskStatus(ctx context.Context) []AccountRiskStatus {
	seen := make(map[string]struct{})
	var ids []string
	if accounts, err := e.store.ListAccounts(e.userID); err == nil {
		for _, a := range accounts {
			if _, ok := seen[a.AccountID]; !ok {
				seen[a.AccountID] = struct{}{}
				ids = append(ids, a.AccountID)
			}
		}
	}
	for _, sum := range e.sched.Summaries() {
		if _, ok := seen[sum.AccountID]; !ok {
			seen[sum.AccountID] = struct{}{}
			ids = append(ids, sum.AccountID)
		}
	}

	out := make([]AccountRiskStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, AccountRiskStatus{
			AccountID:    id,
			Exposure:     e.gate.LiveExposure(id),
			Reservations: e.gate.Reservations(id),
			ActiveTrips:  e.breaker.ActiveTrips(id),
			Limits:       limitsView(e.gate.AccountLimits(e.userID, id)),
		})
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACCOUNTS
// ═══════════════════════════════════════════════════════════════════════════════

// AccountRequest creates an exchange or paper sub-account.
type AccountRequest struct {
	AccountID    string          `json:"account_id"`
	APIKey       string          `json:"api_key"`
	APISecret    string          `json:"api_secret"`
	Testnet      bool            `json:"testnet"`
	PaperTrading bool            `json:"paper_trading"`
	PaperBalance decimal.Decimal `json:"paper_balance"`
}

// CreateAccount registers a sub-account the registry can build clients
// for.
func (e *Engine) CreateAccount(ctx context.Context, req AccountRequest) (*models.Account, error) {
	id := strings.ToLower(strings.TrimSpace(req.AccountID))
	if id == "" {
		return nil, fmt.Errorf("%w: account_id is required", ErrAccountNotFound)
	}
	acct := &models.Account{
		UserID:             e.userID,
		AccountID:          id,
		APIKeyEncrypted:    req.APIKey,
		APISecretEncrypted: req.APISecret,
		ExchangePlatform:   "binance_futures",
		Testnet:            req.Testnet,
		PaperTrading:       req.PaperTrading,
		PaperBalance:       req.PaperBalance,
		IsActive:           true,
	}
	if err := e.store.CreateAccount(acct); err != nil {
		return nil, err
	}
	e.accounts.Evict(id)
	log.Info().Str("account", id).Bool("paper", req.PaperTrading).Msg("👤 Account created")
	return acct, nil
}

// ListAccounts returns the user's sub-accounts, credentials stripped by
// the model's json tags.
func (e *Engine) ListAccounts() ([]models.Account, error) {
	return e.store.ListAccounts(e.userID)
}

// DeleteAccount removes a sub-account with no strategies attached.
func (e *Engine) DeleteAccount(accountID string) error {
	if err := e.store.DeleteAccount(e.userID, accountID); err != nil {
		return err
	}
	e.accounts.Evict(accountID)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ═══════════════════════════════════════════════════════════════════════════════

// Health is the liveness snapshot for the health endpoint.
type Health struct {
	Status         string    `json:"status"`
	StoreAvailable bool      `json:"store_available"`
	CacheAvailable bool      `json:"cache_available"`
	Running        int       `json:"running_strategies"`
	Tracked        int       `json:"tracked_strategies"`
	Time           time.Time `json:"time"`
}

// Health reports degraded while the store is out; strategies keep
// trading but writes are refused.
func (e *Engine) Health(ctx context.Context) Health {
	storeUp := e.store.Available()
	status := "ok"
	if !storeUp {
		status = "degraded"
	}
	return Health{
		Status:         status,
		StoreAvailable: storeUp,
		CacheAvailable: e.cache.Available(ctx),
		Running:        e.sched.Running(),
		Tracked:        len(e.sched.Summaries()),
		Time:           time.Now().UTC(),
	}
}
