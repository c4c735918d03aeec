package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/matcher"
	"github.com/web3guy0/futures-engine/internal/models"
	"github.com/web3guy0/futures-engine/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - Central approval for new exposure
// ═══════════════════════════════════════════════════════════════════════════════
//
// Scheduler asks → Gate approves/rejects → Executor executes
//
// Check-and-reserve runs under a per-account mutex so concurrent strategies
// on the same account cannot both squeeze through the same headroom.
//
// ═══════════════════════════════════════════════════════════════════════════════

const peakBalanceMetric = "peak_balance"

// Reservation statuses.
const (
	ReservationReserved  = "reserved"
	ReservationPartial   = "partial"
	ReservationConfirmed = "confirmed"
)

// Reservation is exposure claimed by an approved order. reserved and
// partial entries count toward the exposure check; confirmed positions are
// visible through the live summaries instead.
type Reservation struct {
	AccountID  string          `json:"account_id"`
	StrategyID string          `json:"strategy_id"`
	Exposure   decimal.Decimal `json:"exposure"`
	Status     string          `json:"status"`
	OrderID    int64           `json:"order_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Verdict is the gate's answer to an order request.
type Verdict struct {
	Approved bool
	Reason   string

	// AdjustedQty is set when auto-reduce shrank the request to fit the
	// remaining headroom.
	AdjustedQty decimal.Decimal

	// Exposure is the reserved notional for an approved entry.
	Exposure decimal.Decimal
}

// SummarySource yields the live strategy summaries of an account. The
// scheduler implements this; the gate walks it for real exposure.
type SummarySource interface {
	AccountSummaries(accountID string) []*models.StrategySummary
}

// ClientSource resolves the exchange client for an account. The account
// registry implements this.
type ClientSource interface {
	Client(accountID string) (exchange.Client, error)
}

// Gate is the centralized risk approval system.
type Gate struct {
	store            *store.Store
	clients          ClientSource
	defaults         Limits
	partialThreshold decimal.Decimal

	mu           sync.Mutex
	accounts     map[string]*sync.Mutex
	reservations map[string]*Reservation
	peaks        map[string]decimal.Decimal

	summaries SummarySource
}

// NewGate creates the gate. The summary source is wired afterwards via
// SetSummarySource because the scheduler is constructed later.
func NewGate(st *store.Store, clients ClientSource, defaults Limits, partialThreshold decimal.Decimal) *Gate {
	g := &Gate{
		store:            st,
		clients:          clients,
		defaults:         defaults,
		partialThreshold: partialThreshold,
		accounts:         make(map[string]*sync.Mutex),
		reservations:     make(map[string]*Reservation),
		peaks:            make(map[string]decimal.Decimal),
	}
	log.Info().
		Str("partial_fill_threshold", partialThreshold.StringFixed(2)).
		Int("default_max_consec_losses", defaults.MaxConsecutiveLosses).
		Msg("🛡️ Risk gate initialized")
	return g
}

// SetSummarySource wires the live-summary view used for real exposure.
func (g *Gate) SetSummarySource(src SummarySource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.summaries = src
}

func (g *Gate) accountLock(accountID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.accounts[accountID]; ok {
		return m
	}
	m := &sync.Mutex{}
	g.accounts[accountID] = m
	return m
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHECK AND RESERVE
// ═══════════════════════════════════════════════════════════════════════════════

// CheckOrder runs the ordered risk checks for a new entry and, on approval,
// reserves the estimated exposure. Exit signals pass immediately: a
// reduce-only close never adds exposure.
func (g *Gate) CheckOrder(ctx context.Context, sig models.Signal, sum *models.StrategySummary) Verdict {
	lock := g.accountLock(sum.AccountID)
	lock.Lock()
	defer lock.Unlock()

	if sig.IsExit(sum.PositionSide) {
		return Verdict{Approved: true}
	}

	reject := func(msg string) Verdict {
		log.Warn().
			Str("strategy", sum.StrategyID).
			Str("account", sum.AccountID).
			Str("symbol", sum.Symbol).
			Str("reason", msg).
			Msg("🚫 Order rejected by risk gate")
		return Verdict{Reason: msg}
	}

	// New exposure needs the loss history; without the store the checks
	// are undecidable, so fail closed.
	if !g.store.Available() {
		return reject("state store unavailable")
	}

	limits := ResolveLimits(g.store, g.defaults, sum.UserID, sum.AccountID, sum.StrategyID)

	cli, err := g.clients.Client(sum.AccountID)
	if err != nil {
		return reject("no exchange client: " + err.Error())
	}
	bal, err := cli.AccountBalance(ctx)
	if err != nil {
		return reject("balance unavailable: " + err.Error())
	}
	equity := bal.Total

	// 1. Portfolio exposure
	estimate := estimateExposure(sig, sum, equity)
	if maxExposure := capOf(limits.MaxPortfolioExposureUSDT, limits.MaxPortfolioExposurePct, equity); maxExposure.IsPositive() {
		current := g.realExposure(sum.AccountID).Add(g.reservedExposure(sum.AccountID))
		if current.Add(estimate).GreaterThan(maxExposure) {
			headroom := maxExposure.Sub(current)
			if limits.AutoReduceOrderSize && headroom.IsPositive() {
				lev := decimal.NewFromInt(int64(sum.Leverage))
				adjusted := headroom.Div(sig.Price.Mul(lev)).Truncate(qtyPrecision)
				if adjusted.IsPositive() {
					g.reserve(sum, headroom)
					log.Info().
						Str("strategy", sum.StrategyID).
						Str("headroom", headroom.StringFixed(2)).
						Str("adjusted_qty", adjusted.String()).
						Msg("📉 Order auto-reduced to exposure headroom")
					return Verdict{Approved: true, AdjustedQty: adjusted, Exposure: headroom}
				}
			}
			return reject(fmt.Sprintf("portfolio exposure limit: %s + %s exceeds %s",
				current.StringFixed(2), estimate.StringFixed(2), maxExposure.StringFixed(2)))
		}
	}

	now := time.Now()

	// 2. Daily realized loss
	if msg := g.lossCheck(sum, limits.DayStart(now),
		capOf(limits.MaxDailyLossUSDT, limits.MaxDailyLossPct, equity), "daily"); msg != "" {
		return reject(msg)
	}

	// 3. Weekly realized loss
	if msg := g.lossCheck(sum, limits.WeekStart(now),
		capOf(limits.MaxWeeklyLossUSDT, limits.MaxWeeklyLossPct, equity), "weekly"); msg != "" {
		return reject(msg)
	}

	// 4. Drawdown from peak equity
	if limits.MaxDrawdownPct.IsPositive() {
		peak := g.peakEquity(sum.UserID, sum.AccountID, equity)
		if peak.IsPositive() {
			drawdown := peak.Sub(equity).Div(peak)
			if drawdown.GreaterThanOrEqual(limits.MaxDrawdownPct) {
				return reject(fmt.Sprintf("drawdown %s%% exceeds limit %s%%",
					drawdown.Mul(decimal.NewFromInt(100)).StringFixed(2),
					limits.MaxDrawdownPct.Mul(decimal.NewFromInt(100)).StringFixed(2)))
			}
		}
	}

	g.reserve(sum, estimate)

	log.Info().
		Str("strategy", sum.StrategyID).
		Str("account", sum.AccountID).
		Str("symbol", sum.Symbol).
		Str("reserved", estimate.StringFixed(2)).
		Msg("✅ Order approved by risk gate")

	return Verdict{Approved: true, Exposure: estimate}
}

// estimateExposure is the notional the order would add: margin × leverage,
// where margin is fixed_amount when set, else risk_per_trade × equity.
func estimateExposure(sig models.Signal, sum *models.StrategySummary, equity decimal.Decimal) decimal.Decimal {
	lev := decimal.NewFromInt(int64(sum.Leverage))
	if sum.FixedAmount.IsPositive() {
		return sum.FixedAmount.Mul(lev)
	}
	return sum.RiskPerTrade.Mul(equity).Mul(lev)
}

// capOf resolves a usdt/pct cap pair into one number. Both set → the
// tighter one wins. Zero means no cap.
func capOf(usdt, pct, equity decimal.Decimal) decimal.Decimal {
	pctCap := decimal.Zero
	if pct.IsPositive() {
		pctCap = equity.Mul(pct)
	}
	switch {
	case usdt.IsPositive() && pctCap.IsPositive():
		if usdt.LessThan(pctCap) {
			return usdt
		}
		return pctCap
	case usdt.IsPositive():
		return usdt
	default:
		return pctCap
	}
}

// realExposure sums live positions on the account from the summary view.
func (g *Gate) realExposure(accountID string) decimal.Decimal {
	g.mu.Lock()
	src := g.summaries
	g.mu.Unlock()
	if src == nil {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, s := range src.AccountSummaries(accountID) {
		if s.Flat() {
			continue
		}
		ref := s.CurrentPrice
		if !ref.IsPositive() {
			ref = s.EntryPrice
		}
		lev := decimal.NewFromInt(int64(s.Leverage))
		total = total.Add(s.PositionSize.Abs().Mul(ref).Mul(lev))
	}
	return total
}

// lossCheck returns a rejection reason when realized losses in the window
// have reached the limit, empty otherwise.
func (g *Gate) lossCheck(sum *models.StrategySummary, since time.Time, limit decimal.Decimal, window string) string {
	if !limit.IsPositive() {
		return ""
	}
	completed, err := g.store.CompletedTradesForAccountSince(sum.UserID, sum.AccountID, since)
	if err != nil {
		return "loss history unavailable: " + err.Error()
	}
	realized := matcher.NetPnLSince(completed, since)
	if realized.IsNegative() && realized.Neg().GreaterThanOrEqual(limit) {
		return fmt.Sprintf("%s loss limit: %s lost, limit %s",
			window, realized.Neg().StringFixed(2), limit.StringFixed(2))
	}
	return ""
}

// peakEquity returns the highest equity seen for the account, seeded from
// the stored metric and advanced (and persisted) when equity makes a new
// high.
func (g *Gate) peakEquity(userID uint, accountID string, equity decimal.Decimal) decimal.Decimal {
	g.mu.Lock()
	peak, ok := g.peaks[accountID]
	g.mu.Unlock()

	if !ok {
		if stored, err := g.store.GetMetric(userID, accountID, peakBalanceMetric); err == nil {
			peak = stored
		}
	}
	if equity.GreaterThan(peak) {
		peak = equity
		if err := g.store.SetMetric(userID, accountID, peakBalanceMetric, peak); err != nil {
			log.Debug().Err(err).Str("account", accountID).Msg("peak balance not persisted")
		}
	}
	g.mu.Lock()
	g.peaks[accountID] = peak
	g.mu.Unlock()
	return peak
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESERVATION LEDGER
// ═══════════════════════════════════════════════════════════════════════════════

func reservationKey(accountID, strategyID string) string {
	return accountID + "|" + strategyID
}

// reserve records a fresh reservation for the strategy, replacing any
// stale one. At most one is in flight per (account, strategy).
func (g *Gate) reserve(sum *models.StrategySummary, exposure decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := reservationKey(sum.AccountID, sum.StrategyID)
	if old, ok := g.reservations[key]; ok {
		log.Warn().
			Str("strategy", sum.StrategyID).
			Str("status", old.Status).
			Msg("⚠️ Replacing stale reservation")
	}
	g.reservations[key] = &Reservation{
		AccountID:  sum.AccountID,
		StrategyID: sum.StrategyID,
		Exposure:   exposure,
		Status:     ReservationReserved,
		CreatedAt:  time.Now(),
	}
}

// reservedExposure sums in-flight claims. Confirmed reservations are
// excluded: their positions already show up as real exposure.
func (g *Gate) reservedExposure(accountID string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := decimal.Zero
	for _, r := range g.reservations {
		if r.AccountID != accountID {
			continue
		}
		if r.Status == ReservationReserved || r.Status == ReservationPartial {
			total = total.Add(r.Exposure)
		}
	}
	return total
}

// ConfirmReservation settles a reservation against the actual filled
// exposure: at or above the fill threshold it becomes confirmed, below it
// partial. Either way the ledger now carries the actual number.
func (g *Gate) ConfirmReservation(accountID, strategyID string, orderID int64, actual decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.reservations[reservationKey(accountID, strategyID)]
	if !ok {
		log.Warn().Str("strategy", strategyID).Msg("⚠️ Confirm for unknown reservation")
		return
	}
	status := ReservationConfirmed
	if r.Exposure.IsPositive() && actual.Div(r.Exposure).LessThan(g.partialThreshold) {
		status = ReservationPartial
	}
	r.Status = status
	r.Exposure = actual
	r.OrderID = orderID
	log.Debug().
		Str("strategy", strategyID).
		Str("status", status).
		Str("exposure", actual.StringFixed(2)).
		Msg("Reservation settled")
}

// ReleaseReservation drops the reservation after a failed or skipped
// order.
func (g *Gate) ReleaseReservation(accountID, strategyID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := reservationKey(accountID, strategyID)
	if _, ok := g.reservations[key]; ok {
		delete(g.reservations, key)
		log.Debug().Str("strategy", strategyID).Msg("Reservation released")
	}
}

// ReleaseIfFlat reconciles the ledger after a tick: once the strategy
// holds no position, a settled reservation has nothing left to cover.
func (g *Gate) ReleaseIfFlat(accountID, strategyID string, flat bool) {
	if !flat {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := reservationKey(accountID, strategyID)
	if r, ok := g.reservations[key]; ok && r.Status != ReservationReserved {
		delete(g.reservations, key)
	}
}

// LiveExposure is the account's current notional plus in-flight claims,
// the same number CheckOrder weighs against the exposure cap.
func (g *Gate) LiveExposure(accountID string) decimal.Decimal {
	return g.realExposure(accountID).Add(g.reservedExposure(accountID))
}

// Reservations returns a snapshot of the account's ledger.
func (g *Gate) Reservations(accountID string) []Reservation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Reservation, 0, 4)
	for _, r := range g.reservations {
		if r.AccountID == accountID {
			out = append(out, *r)
		}
	}
	return out
}

// AccountLimits resolves the effective account-scoped limits, for the API.
func (g *Gate) AccountLimits(userID uint, accountID string) Limits {
	return ResolveLimits(g.store, g.defaults, userID, accountID, "")
}
