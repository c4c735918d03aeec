package engine

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/futures-engine/internal/account"
	"github.com/web3guy0/futures-engine/internal/evaluator"
	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/executor"
	"github.com/web3guy0/futures-engine/internal/models"
	"github.com/web3guy0/futures-engine/internal/risk"
	"github.com/web3guy0/futures-engine/internal/scheduler"
	"github.com/web3guy0/futures-engine/internal/store"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

var testFee = decimal.RequireFromString("0.0004")

// stubEval replays scripted signals, then holds forever.
type stubEval struct {
	mu      sync.Mutex
	signals []models.Signal
}

func (f *stubEval) Evaluate(ctx context.Context) (models.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.signals) == 0 {
		return models.Signal{Action: models.ActionHold, Reason: "script exhausted"}, nil
	}
	sig := f.signals[0]
	f.signals = f.signals[1:]
	return sig, nil
}

func (f *stubEval) SyncPositionState(string, decimal.Decimal) {}
func (f *stubEval) Teardown()                                 {}

type engineHarness struct {
	eng      *Engine
	st       *store.Store
	cli      *exchange.PaperClient
	accounts *account.Registry
	evals    *evaluator.Registry
}

func harnessAround(t *testing.T, st *store.Store) *engineHarness {
	t.Helper()

	cli := exchange.NewPaperClient(decimal.NewFromInt(10000), nil)
	cli.SetPrice("BTCUSDT", decimal.NewFromInt(100))
	cli.SetPrice("ETHUSDT", decimal.NewFromInt(100))

	accounts := account.NewRegistry(st, 1, false, "")
	accounts.Override("main", cli)

	limits := risk.DefaultLimits(time.UTC, 0, 1)
	gate := risk.NewGate(st, accounts, limits, decimal.RequireFromString("0.95"))
	breaker := risk.NewBreaker(st, accounts, limits, 1, testFee)
	exec := executor.New(st, nil, testFee)
	evals := evaluator.Default()
	sched := scheduler.New(st, nil, accounts, gate, breaker, exec, risk.NewSizer(), evals, nil,
		scheduler.Config{FeeRate: testFee})

	return &engineHarness{
		eng:      New(1, st, nil, accounts, gate, breaker, sched, evals, nil, testFee),
		st:       st,
		cli:      cli,
		accounts: accounts,
		evals:    evals,
	}
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	st, err := store.Connect(":memory:", time.Second)
	require.NoError(t, err)
	require.NoError(t, st.EnsureUser(1, "tester"))
	return harnessAround(t, st)
}

// script registers the "scripted" strategy type; every launch replays the
// given signals from the beginning.
func (h *engineHarness) script(signals ...models.Signal) {
	h.evals.Register("scripted", func(exchange.Client, *models.Strategy) (evaluator.Evaluator, error) {
		return &stubEval{signals: append([]models.Signal(nil), signals...)}, nil
	})
}

func validRequest() RegisterRequest {
	return RegisterRequest{
		AccountID:    "main",
		Symbol:       "BTCUSDT",
		StrategyType: "ema_scalping",
		Leverage:     5,
		RiskPerTrade: decimal.RequireFromString("0.01"),
		IntervalSec:  1,
	}
}

func TestRegisterValidation(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(*RegisterRequest)
		wantErr error
		wantMsg string
	}{
		{"blank symbol", func(r *RegisterRequest) { r.Symbol = "   " }, ErrInvalidSymbol, ""},
		{"zero leverage", func(r *RegisterRequest) { r.Leverage = 0 }, ErrInvalidLeverage, ""},
		{"leverage above cap", func(r *RegisterRequest) { r.Leverage = 51 }, ErrInvalidLeverage, ""},
		{"zero risk without fixed amount", func(r *RegisterRequest) { r.RiskPerTrade = decimal.Zero }, ErrInvalidRiskPerTrade, ""},
		{"risk above one", func(r *RegisterRequest) { r.RiskPerTrade = decimal.RequireFromString("1.5") }, ErrInvalidRiskPerTrade, ""},
		{"negative fixed amount", func(r *RegisterRequest) { r.FixedAmount = decimal.NewFromInt(-5) }, ErrInvalidRiskPerTrade, ""},
		{"unknown strategy type", func(r *RegisterRequest) { r.StrategyType = "martingale" }, ErrUnknownStrategyType, ""},
		{"unknown account", func(r *RegisterRequest) { r.AccountID = "ghost" }, ErrAccountNotFound, ""},
		{"blank account falls back to default", func(r *RegisterRequest) { r.AccountID = "" }, ErrAccountNotFound, `"default"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := h.eng.Register(ctx, req)
			require.ErrorIs(t, err, tc.wantErr)
			if tc.wantMsg != "" {
				assert.ErrorContains(t, err, tc.wantMsg)
			}
		})
	}

	assert.Empty(t, h.eng.List(), "rejected requests must not be tracked")
}

func TestRegisterAppliesDefaults(t *testing.T) {
	h := newEngineHarness(t)

	req := validRequest()
	req.Symbol = " btcusdt "
	req.Name = ""
	req.IntervalSec = 0
	sum, err := h.eng.Register(context.Background(), req)
	require.NoError(t, err)

	assert.NotEmpty(t, sum.StrategyID)
	assert.Equal(t, "BTCUSDT", sum.Symbol)
	assert.Equal(t, "ema_scalping BTCUSDT", sum.Name)
	assert.Equal(t, "main", sum.AccountID)
	assert.Equal(t, models.StatusStopped, sum.Status)

	row, err := h.st.GetStrategy(1, sum.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, 60, row.IntervalSec, "interval defaults to one minute")
	assert.Equal(t, models.StatusStopped, row.Status)

	require.Len(t, h.eng.List(), 1)
}

func TestRegisterAcceptsFixedAmountSizing(t *testing.T) {
	h := newEngineHarness(t)

	req := validRequest()
	req.RiskPerTrade = decimal.Zero
	req.FixedAmount = decimal.NewFromInt(250)
	sum, err := h.eng.Register(context.Background(), req)
	require.NoError(t, err)

	row, err := h.st.GetStrategy(1, sum.StrategyID)
	require.NoError(t, err)
	assert.True(t, row.FixedAmount.Equal(decimal.NewFromInt(250)))
	assert.True(t, row.RiskPerTrade.IsZero())
}

func TestRegisterRejectsDuplicateSymbol(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	_, err := h.eng.Register(ctx, validRequest())
	require.NoError(t, err)

	_, err = h.eng.Register(ctx, validRequest())
	assert.ErrorIs(t, err, ErrSymbolConflict)

	// A different strategy type changes nothing: the conflict is per
	// (account, symbol), and stopped rows count too.
	req := validRequest()
	req.StrategyType = "range_mean_reversion"
	_, err = h.eng.Register(ctx, req)
	assert.ErrorIs(t, err, ErrSymbolConflict)

	// Same symbol on another account is fine.
	h.accounts.Override("hedge", h.cli)
	req = validRequest()
	req.AccountID = "hedge"
	_, err = h.eng.Register(ctx, req)
	assert.NoError(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newEngineHarness(t)
	h.script()
	ctx := context.Background()

	req := validRequest()
	req.StrategyType = "scripted"
	sum, err := h.eng.Register(ctx, req)
	require.NoError(t, err)

	_, err = h.eng.Start(ctx, "ghost")
	assert.ErrorIs(t, err, ErrStrategyNotFound)

	started, err := h.eng.Start(ctx, sum.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, started.Status)

	row, err := h.st.GetStrategy(1, sum.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, row.Status)

	_, err = h.eng.Start(ctx, sum.StrategyID)
	assert.ErrorIs(t, err, ErrStrategyAlreadyRunning)

	stopped, err := h.eng.Stop(ctx, sum.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Status)

	row, err = h.st.GetStrategy(1, sum.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, row.Status)

	_, err = h.eng.Stop(ctx, sum.StrategyID)
	assert.ErrorIs(t, err, ErrStrategyNotRunning)
}

func TestDeleteGuards(t *testing.T) {
	h := newEngineHarness(t)
	h.script()
	ctx := context.Background()

	req := validRequest()
	req.StrategyType = "scripted"
	sum, err := h.eng.Register(ctx, req)
	require.NoError(t, err)

	_, err = h.eng.Start(ctx, sum.StrategyID)
	require.NoError(t, err)

	err = h.eng.Delete(ctx, sum.StrategyID)
	assert.ErrorIs(t, err, ErrStrategyRunning)

	_, err = h.eng.Stop(ctx, sum.StrategyID)
	require.NoError(t, err)
	require.NoError(t, h.eng.Delete(ctx, sum.StrategyID))

	_, err = h.eng.Get(sum.StrategyID)
	assert.ErrorIs(t, err, ErrStrategyNotFound)
	assert.Empty(t, h.eng.List())

	err = h.eng.Delete(ctx, sum.StrategyID)
	assert.ErrorIs(t, err, ErrStrategyNotFound)
}

func TestRiskStopGatesStart(t *testing.T) {
	h := newEngineHarness(t)
	h.script()
	ctx := context.Background()

	req := validRequest()
	req.StrategyType = "scripted"
	sum, err := h.eng.Register(ctx, req)
	require.NoError(t, err)
	require.NoError(t, h.st.UpdateStrategyStatus(1, sum.StrategyID, models.StatusStoppedByRisk))

	_, err = h.eng.Start(ctx, sum.StrategyID)
	assert.ErrorIs(t, err, ErrRiskStopActive)

	reset, err := h.eng.ResetRiskStop(ctx, sum.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, reset.Status)
	assert.Empty(t, reset.LastError)

	row, err := h.st.GetStrategy(1, sum.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, row.Status)

	_, err = h.eng.ResetRiskStop(ctx, sum.StrategyID)
	assert.ErrorIs(t, err, ErrNotRiskStopped)

	started, err := h.eng.Start(ctx, sum.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, started.Status)

	_, err = h.eng.Stop(ctx, sum.StrategyID)
	require.NoError(t, err)
}

func TestGetFallsBackToStoreRow(t *testing.T) {
	h := newEngineHarness(t)

	// Row written behind the engine's back: no summary is tracked, so the
	// read must come from the store.
	require.NoError(t, h.st.CreateStrategy(&models.Strategy{
		StrategyID:   "manual-1",
		UserID:       1,
		AccountID:    "main",
		Name:         "manual",
		Symbol:       "ETHUSDT",
		StrategyType: "ema_scalping",
		Leverage:     3,
		RiskPerTrade: decimal.RequireFromString("0.01"),
		IntervalSec:  60,
		Status:       models.StatusStopped,
	}))

	sum, err := h.eng.Get("manual-1")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", sum.Symbol)
	assert.Equal(t, models.StatusStopped, sum.Status)

	_, err = h.eng.Get("ghost")
	assert.ErrorIs(t, err, ErrStrategyNotFound)
}

func TestTradesNewestFirst(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	sum, err := h.eng.Register(ctx, validRequest())
	require.NoError(t, err)

	for _, tr := range []struct {
		orderID int64
		side    string
	}{{1, models.SideBuy}, {2, models.SideSell}} {
		require.NoError(t, h.st.SaveTrade(&models.Trade{
			UserID:      1,
			StrategyID:  sum.StrategyID,
			OrderID:     tr.orderID,
			Symbol:      "BTCUSDT",
			Side:        tr.side,
			OrderType:   models.OrderTypeMarket,
			ExecutedQty: decimal.NewFromInt(1),
			AvgPrice:    decimal.NewFromInt(100),
			Status:      "FILLED",
			Timestamp:   time.Now().UTC(),
		}))
	}

	got, err := h.eng.Trades(ctx, sum.StrategyID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].OrderID)

	_, err = h.eng.Trades(ctx, "ghost", 10)
	assert.ErrorIs(t, err, ErrStrategyNotFound)
}

func completedFixture(strategyID string, entryOrder int64, gross, fee, net string, exit time.Time) models.CompletedTrade {
	return models.CompletedTrade{
		UserID:       1,
		StrategyID:   strategyID,
		AccountID:    "main",
		Symbol:       "BTCUSDT",
		Side:         models.PositionLong,
		Quantity:     decimal.NewFromInt(1),
		EntryPrice:   decimal.NewFromInt(100),
		ExitPrice:    decimal.NewFromInt(110),
		EntryTime:    exit.Add(-time.Hour),
		ExitTime:     exit,
		EntryOrderID: entryOrder,
		ExitOrderID:  entryOrder + 1,
		GrossPnL:     decimal.RequireFromString(gross),
		FeePaid:      decimal.RequireFromString(fee),
		NetPnL:       decimal.RequireFromString(net),
		ExitReason:   models.ExitReasonTP,
	}
}

func TestStrategyStatsFromCompleted(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	sum, err := h.eng.Register(ctx, validRequest())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, h.st.ReplaceCompletedTrades(1, sum.StrategyID, []models.CompletedTrade{
		completedFixture(sum.StrategyID, 1, "10", "1", "9", now.Add(-time.Hour)),
		completedFixture(sum.StrategyID, 3, "-4", "1", "-5", now),
	}))

	got, err := h.eng.StrategyStats(ctx, sum.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalTrades)
	assert.Equal(t, 1, got.Wins)
	assert.Equal(t, 1, got.Losses)
	assert.True(t, got.WinRate.Equal(decimal.NewFromInt(50)), "win rate %s", got.WinRate)
	assert.True(t, got.NetPnL.Equal(decimal.NewFromInt(4)), "net %s", got.NetPnL)
	assert.True(t, got.FeesPaid.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 1, got.LossStreak, "latest trade lost")

	_, err = h.eng.StrategyStats(ctx, "ghost")
	assert.ErrorIs(t, err, ErrStrategyNotFound)
}

func TestOverallStatsSpansStrategies(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	first, err := h.eng.Register(ctx, validRequest())
	require.NoError(t, err)
	req := validRequest()
	req.Symbol = "ETHUSDT"
	second, err := h.eng.Register(ctx, req)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, h.st.ReplaceCompletedTrades(1, first.StrategyID, []models.CompletedTrade{
		completedFixture(first.StrategyID, 1, "10", "1", "9", now),
	}))
	require.NoError(t, h.st.ReplaceCompletedTrades(1, second.StrategyID, []models.CompletedTrade{
		completedFixture(second.StrategyID, 1, "-4", "1", "-5", now),
	}))

	overall, err := h.eng.OverallStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, overall.TotalTrades)
	assert.Equal(t, 1, overall.Wins)
	assert.Equal(t, 1, overall.Losses)
	assert.True(t, overall.WinRate.Equal(decimal.NewFromInt(50)))
	assert.True(t, overall.NetPnL.Equal(decimal.NewFromInt(4)), "net %s", overall.NetPnL)
}

func TestRiskStatusCoversLiveAndStoredAccounts(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	// "main" exists only as a tracked summary, "paper1" only as a store row.
	_, err := h.eng.Register(ctx, validRequest())
	require.NoError(t, err)
	_, err = h.eng.CreateAccount(ctx, AccountRequest{AccountID: "paper1", PaperTrading: true})
	require.NoError(t, err)

	statuses := h.eng.RiskStatus(ctx)
	require.Len(t, statuses, 2)

	byID := make(map[string]AccountRiskStatus, len(statuses))
	for _, s := range statuses {
		byID[s.AccountID] = s
	}
	require.Contains(t, byID, "main")
	require.Contains(t, byID, "paper1")

	main := byID["main"]
	assert.True(t, main.Exposure.IsZero())
	assert.Empty(t, main.Reservations)
	assert.Empty(t, main.ActiveTrips)
	assert.Equal(t, "UTC", main.Limits.Timezone)
	assert.True(t, main.Limits.CircuitBreakerEnabled)
	assert.Equal(t, 5, main.Limits.MaxConsecutiveLosses)
}

func TestAccountLifecycle(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	_, err := h.eng.CreateAccount(ctx, AccountRequest{AccountID: "  "})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	acct, err := h.eng.CreateAccount(ctx, AccountRequest{
		AccountID:    " Paper1 ",
		PaperTrading: true,
		PaperBalance: decimal.NewFromInt(5000),
	})
	require.NoError(t, err)
	assert.Equal(t, "paper1", acct.AccountID, "handles normalize to lowercase")
	assert.True(t, acct.IsActive)

	list, err := h.eng.ListAccounts()
	require.NoError(t, err)
	require.Len(t, list, 1)

	req := validRequest()
	req.AccountID = "paper1"
	sum, err := h.eng.Register(ctx, req)
	require.NoError(t, err)

	err = h.eng.DeleteAccount("paper1")
	assert.ErrorIs(t, err, store.ErrAccountHasStrategies)

	require.NoError(t, h.eng.Delete(ctx, sum.StrategyID))
	require.NoError(t, h.eng.DeleteAccount("paper1"))

	list, err = h.eng.ListAccounts()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHealthReflectsStoreState(t *testing.T) {
	ctx := context.Background()

	h := newEngineHarness(t)
	health := h.eng.Health(ctx)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.StoreAvailable)
	assert.False(t, health.CacheAvailable, "no cache configured")
	assert.Zero(t, health.Running)
	assert.False(t, health.Time.IsZero())

	broken, _ := store.Connect("/dev/null/nope.db", time.Millisecond)
	degraded := harnessAround(t, broken)
	health = degraded.eng.Health(ctx)
	assert.Equal(t, "degraded", health.Status)
	assert.False(t, health.StoreAvailable)
}

func TestHydrateTracksPersistedStrategies(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	rows := []*models.Strategy{
		{
			StrategyID: "h-1", UserID: 1, AccountID: "main", Name: "idle",
			Symbol: "ETHUSDT", StrategyType: "ema_scalping", Leverage: 5,
			RiskPerTrade: decimal.RequireFromString("0.01"), IntervalSec: 60,
			Status: models.StatusStopped,
		},
		{
			StrategyID: "h-2", UserID: 1, AccountID: "main", Name: "live",
			Symbol: "BTCUSDT", StrategyType: "ema_scalping", Leverage: 5,
			RiskPerTrade: decimal.RequireFromString("0.01"), IntervalSec: 60,
			Status: models.StatusRunning,
		},
	}
	for _, row := range rows {
		require.NoError(t, h.st.CreateStrategy(row))
	}

	require.NoError(t, h.eng.Hydrate(ctx))

	list := h.eng.List()
	require.Len(t, list, 2)
	byID := make(map[string]*models.StrategySummary, len(list))
	for _, sum := range list {
		byID[sum.StrategyID] = sum
	}
	assert.Equal(t, models.StatusStopped, byID["h-1"].Status)
	assert.Equal(t, models.StatusRunning, byID["h-2"].Status)

	// Hydrate restores snapshots, not tasks.
	assert.Zero(t, h.eng.Health(ctx).Running)
}

func TestHydrateWithoutStoreOrCacheFails(t *testing.T) {
	broken, _ := store.Connect("/dev/null/nope.db", time.Millisecond)
	degraded := harnessAround(t, broken)
	ctx := context.Background()

	assert.Error(t, degraded.eng.Hydrate(ctx))

	restored, failures := degraded.eng.RestoreRunning(ctx)
	assert.Zero(t, restored)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "store unavailable")
}

func TestRestoreRunningRelaunchesAndDemotes(t *testing.T) {
	h := newEngineHarness(t)
	h.script()
	ctx := context.Background()

	require.NoError(t, h.st.CreateStrategy(&models.Strategy{
		StrategyID: "good-1", UserID: 1, AccountID: "main", Name: "good",
		Symbol: "BTCUSDT", StrategyType: "scripted", Leverage: 5,
		RiskPerTrade: decimal.RequireFromString("0.01"), IntervalSec: 60,
		Status: models.StatusRunning,
	}))
	// Strategy type no longer registered: relaunch must fail and demote.
	require.NoError(t, h.st.CreateStrategy(&models.Strategy{
		StrategyID: "bad-1", UserID: 1, AccountID: "main", Name: "orphaned",
		Symbol: "ETHUSDT", StrategyType: "ghost_type", Leverage: 5,
		RiskPerTrade: decimal.RequireFromString("0.01"), IntervalSec: 60,
		Status: models.StatusRunning,
	}))

	require.NoError(t, h.eng.Hydrate(ctx))
	restored, failures := h.eng.RestoreRunning(ctx)
	assert.Equal(t, 1, restored)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "bad-1")

	row, err := h.st.GetStrategy(1, "bad-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, row.Status)

	sum, err := h.eng.Get("bad-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, sum.Status)
	assert.NotEmpty(t, sum.LastError)

	live, err := h.eng.Get("good-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, live.Status)

	_, err = h.eng.Stop(ctx, "good-1")
	require.NoError(t, err)
}
