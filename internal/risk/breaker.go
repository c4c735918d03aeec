package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/matcher"
	"github.com/web3guy0/futures-engine/internal/models"
	"github.com/web3guy0/futures-engine/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Protection against loss streaks and rapid drawdowns
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two detectors:
//
//   consecutive_losses  strategy scope,  1h cooldown
//   rapid_loss          account scope,   60m rolling window, 2h cooldown
//
// A trip stops the affected strategies through the narrow Stopper interface
// and leaves them in stopped_by_risk until someone resets them by hand.
// is_active is true only while the cooldown runs; afterwards events resolve
// but stopped strategies stay stopped.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Breaker types and scopes as persisted on events.
const (
	BreakerConsecutiveLosses = "consecutive_losses"
	BreakerRapidLoss         = "rapid_loss"

	ScopeStrategy = "strategy"
	ScopeAccount  = "account"
)

const (
	consecutiveLossCooldown = time.Hour
	rapidLossWindow         = 60 * time.Minute
	rapidLossCooldown       = 2 * time.Hour

	// How many raw fills to rebuild completed trades from when checking
	// a loss streak.
	streakTradeWindow = 50
)

// Stopper stops a strategy on behalf of the breaker. The scheduler
// implements it; the breaker never sees the scheduler itself.
type Stopper interface {
	StopForRisk(ctx context.Context, strategyID, reason string) error
}

type trip struct {
	reason        string
	cooldownUntil time.Time
}

// Breaker watches realized results and trips when they breach the
// configured thresholds.
type Breaker struct {
	store    *store.Store
	clients  ClientSource
	defaults Limits
	userID   uint
	feeRate  decimal.Decimal

	mu            sync.RWMutex
	strategyTrips map[string]*trip
	accountTrips  map[string]*trip
	stopper       Stopper
	onTrip        func(ev models.CircuitBreakerEvent)
}

// NewBreaker creates the breaker. The stopper is wired afterwards via
// SetStopper because the scheduler is constructed later.
func NewBreaker(st *store.Store, clients ClientSource, defaults Limits, userID uint, feeRate decimal.Decimal) *Breaker {
	return &Breaker{
		store:         st,
		clients:       clients,
		defaults:      defaults,
		userID:        userID,
		feeRate:       feeRate,
		strategyTrips: make(map[string]*trip),
		accountTrips:  make(map[string]*trip),
	}
}

// SetStopper wires the strategy stopper.
func (b *Breaker) SetStopper(s Stopper) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopper = s
}

// OnTrip sets the callback invoked after a breaker event is recorded.
func (b *Breaker) OnTrip(fn func(ev models.CircuitBreakerEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// ═══════════════════════════════════════════════════════════════════════════════
// DETECTORS
// ═══════════════════════════════════════════════════════════════════════════════

// CheckStrategy runs the consecutive-loss detector after a strategy's
// trades changed. It rebuilds completed trades from recent fills so the
// streak reflects what actually settled.
func (b *Breaker) CheckStrategy(ctx context.Context, sum *models.StrategySummary) error {
	limits := ResolveLimits(b.store, b.defaults, sum.UserID, sum.AccountID, sum.StrategyID)
	if !limits.CircuitBreakerEnabled || limits.MaxConsecutiveLosses <= 0 {
		return nil
	}
	if b.tripActive(b.strategyTrips, sum.StrategyID) {
		return nil
	}

	raw, err := b.store.RecentTrades(sum.UserID, sum.StrategyID, streakTradeWindow)
	if err != nil {
		return fmt.Errorf("load trades for streak check: %w", err)
	}
	completed := matcher.Match(raw, b.feeRate)
	streak := matcher.ConsecutiveLosses(completed)
	if streak < limits.MaxConsecutiveLosses {
		return nil
	}

	return b.tripStrategy(ctx, sum, streak, limits.MaxConsecutiveLosses)
}

// CheckAccount runs the rapid-loss detector: realized losses inside the
// rolling window measured against account equity.
func (b *Breaker) CheckAccount(ctx context.Context, accountID string) error {
	limits := ResolveLimits(b.store, b.defaults, b.userID, accountID, "")
	if !limits.CircuitBreakerEnabled || !limits.RapidLossThresholdPct.IsPositive() {
		return nil
	}
	if b.tripActive(b.accountTrips, accountID) {
		return nil
	}

	since := time.Now().Add(-rapidLossWindow)
	completed, err := b.store.CompletedTradesForAccountSince(b.userID, accountID, since)
	if err != nil {
		return fmt.Errorf("load completed trades for rapid-loss check: %w", err)
	}
	realized := matcher.NetPnLSince(completed, since)
	if !realized.IsNegative() {
		return nil
	}

	cli, err := b.clients.Client(accountID)
	if err != nil {
		return fmt.Errorf("no exchange client for %s: %w", accountID, err)
	}
	bal, err := cli.AccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance for rapid-loss check: %w", err)
	}
	if !bal.Total.IsPositive() {
		return nil
	}

	lossPct := realized.Neg().Div(bal.Total)
	if lossPct.LessThan(limits.RapidLossThresholdPct) {
		return nil
	}

	return b.tripAccount(ctx, accountID, lossPct, limits.RapidLossThresholdPct)
}

// Sweep runs the rapid-loss detector over every active account and lets
// expired cooldowns resolve. The supervisor schedules this.
func (b *Breaker) Sweep(ctx context.Context) error {
	accounts, err := b.store.ListAccounts(b.userID)
	if err != nil {
		return fmt.Errorf("list accounts for breaker sweep: %w", err)
	}
	for i := range accounts {
		if !accounts[i].IsActive {
			continue
		}
		if err := b.CheckAccount(ctx, accounts[i].AccountID); err != nil {
			log.Warn().Err(err).Str("account", accounts[i].AccountID).Msg("Breaker sweep check failed")
		}
	}
	b.resolveExpired()
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRIPPING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *Breaker) tripStrategy(ctx context.Context, sum *models.StrategySummary, streak, threshold int) error {
	until := time.Now().Add(consecutiveLossCooldown)
	reason := fmt.Sprintf("circuit breaker: %d consecutive losses", streak)

	b.mu.Lock()
	b.strategyTrips[sum.StrategyID] = &trip{reason: reason, cooldownUntil: until}
	stopper := b.stopper
	b.mu.Unlock()

	log.Error().
		Str("strategy", sum.StrategyID).
		Str("account", sum.AccountID).
		Int("streak", streak).
		Int("threshold", threshold).
		Time("cooldown_until", until).
		Msg("🚨 CIRCUIT BREAKER TRIPPED (consecutive losses)")

	ev := models.CircuitBreakerEvent{
		UserID:         sum.UserID,
		AccountID:      sum.AccountID,
		StrategyID:     sum.StrategyID,
		BreakerType:    BreakerConsecutiveLosses,
		Scope:          ScopeStrategy,
		TriggerValue:   decimal.NewFromInt(int64(streak)),
		ThresholdValue: decimal.NewFromInt(int64(threshold)),
		Status:         "active",
		TriggeredAt:    time.Now(),
		CooldownUntil:  &until,
		Details:        reason,
	}
	if err := b.store.SaveBreakerEvent(&ev); err != nil {
		log.Warn().Err(err).Msg("Breaker event not persisted")
	}

	if stopper != nil {
		if err := stopper.StopForRisk(ctx, sum.StrategyID, reason); err != nil {
			log.Error().Err(err).Str("strategy", sum.StrategyID).Msg("Breaker failed to stop strategy")
		}
	}
	b.notify(ev)
	return nil
}

func (b *Breaker) tripAccount(ctx context.Context, accountID string, lossPct, threshold decimal.Decimal) error {
	until := time.Now().Add(rapidLossCooldown)
	reason := fmt.Sprintf("circuit breaker: %s%% account loss in %s",
		lossPct.Mul(decimal.NewFromInt(100)).StringFixed(2), rapidLossWindow)

	b.mu.Lock()
	b.accountTrips[accountID] = &trip{reason: reason, cooldownUntil: until}
	stopper := b.stopper
	b.mu.Unlock()

	log.Error().
		Str("account", accountID).
		Str("loss_pct", lossPct.Mul(decimal.NewFromInt(100)).StringFixed(2)).
		Time("cooldown_until", until).
		Msg("🚨 CIRCUIT BREAKER TRIPPED (rapid loss)")

	ev := models.CircuitBreakerEvent{
		UserID:         b.userID,
		AccountID:      accountID,
		BreakerType:    BreakerRapidLoss,
		Scope:          ScopeAccount,
		TriggerValue:   lossPct,
		ThresholdValue: threshold,
		Status:         "active",
		TriggeredAt:    time.Now(),
		CooldownUntil:  &until,
		Details:        reason,
	}
	if err := b.store.SaveBreakerEvent(&ev); err != nil {
		log.Warn().Err(err).Msg("Breaker event not persisted")
	}

	// Stop every running strategy on the account.
	if stopper != nil {
		rows, err := b.store.ListLiveStrategies(b.userID, accountID)
		if err != nil {
			log.Error().Err(err).Str("account", accountID).Msg("Breaker could not list strategies to stop")
		}
		for i := range rows {
			if rows[i].Status != models.StatusRunning {
				continue
			}
			if err := stopper.StopForRisk(ctx, rows[i].StrategyID, reason); err != nil {
				log.Error().Err(err).Str("strategy", rows[i].StrategyID).Msg("Breaker failed to stop strategy")
			}
		}
	}
	b.notify(ev)
	return nil
}

func (b *Breaker) notify(ev models.CircuitBreakerEvent) {
	b.mu.RLock()
	fn := b.onTrip
	b.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATE
// ═══════════════════════════════════════════════════════════════════════════════

// IsActive reports whether a breaker cooldown currently blocks the
// strategy, either its own trip or an account-wide one.
func (b *Breaker) IsActive(accountID, strategyID string) bool {
	return b.tripActive(b.accountTrips, accountID) || b.tripActive(b.strategyTrips, strategyID)
}

func (b *Breaker) tripActive(m map[string]*trip, key string) bool {
	b.mu.RLock()
	t, ok := m[key]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().Before(t.cooldownUntil) {
		return true
	}

	// Cooldown over: the event resolves, the stopped strategies stay
	// stopped until a manual reset.
	b.mu.Lock()
	delete(m, key)
	b.mu.Unlock()
	if err := b.store.ResolveBreakerEvents(b.userID, time.Now()); err == nil {
		log.Info().Str("scope_key", key).Msg("✅ Circuit breaker cooldown expired")
	}
	return false
}

// resolveExpired lets all lapsed cooldowns transition without waiting for
// an IsActive probe.
func (b *Breaker) resolveExpired() {
	now := time.Now()
	b.mu.Lock()
	expired := false
	for k, t := range b.strategyTrips {
		if !now.Before(t.cooldownUntil) {
			delete(b.strategyTrips, k)
			expired = true
		}
	}
	for k, t := range b.accountTrips {
		if !now.Before(t.cooldownUntil) {
			delete(b.accountTrips, k)
			expired = true
		}
	}
	b.mu.Unlock()
	if expired {
		if err := b.store.ResolveBreakerEvents(b.userID, now); err != nil {
			log.Warn().Err(err).Msg("Breaker events not resolved")
		}
	}
}

// ResetStrategy clears a strategy-scoped trip, part of the manual reset
// flow for stopped_by_risk strategies.
func (b *Breaker) ResetStrategy(strategyID string) {
	b.mu.Lock()
	delete(b.strategyTrips, strategyID)
	b.mu.Unlock()
	log.Info().Str("strategy", strategyID).Msg("Circuit breaker manually reset")
}

// Hydrate rebuilds in-memory trips from persisted active events so
// cooldowns survive a restart.
func (b *Breaker) Hydrate(accountIDs []string) {
	now := time.Now()
	for _, accountID := range accountIDs {
		events, err := b.store.ActiveBreakerEvents(b.userID, accountID)
		if err != nil {
			continue
		}
		for i := range events {
			ev := events[i]
			if ev.CooldownUntil == nil || !now.Before(*ev.CooldownUntil) {
				continue
			}
			t := &trip{reason: ev.Details, cooldownUntil: *ev.CooldownUntil}
			b.mu.Lock()
			if ev.Scope == ScopeAccount {
				b.accountTrips[ev.AccountID] = t
			} else if ev.StrategyID != "" {
				b.strategyTrips[ev.StrategyID] = t
			}
			b.mu.Unlock()
		}
	}
	if err := b.store.ResolveBreakerEvents(b.userID, now); err != nil {
		log.Debug().Err(err).Msg("Stale breaker events not resolved")
	}
}

// ActiveTrips returns the current cooldown state for an account, for the
// API.
func (b *Breaker) ActiveTrips(accountID string) []models.CircuitBreakerEvent {
	rows, err := b.store.ActiveBreakerEvents(b.userID, accountID)
	if err != nil {
		return nil
	}
	now := time.Now()
	out := rows[:0]
	for i := range rows {
		if rows[i].CooldownUntil != nil && now.Before(*rows[i].CooldownUntil) {
			out = append(out, rows[i])
		}
	}
	return out
}
